package notifications

import (
	"sync"

	"campuslink/internal/observability"
)

const subscriptionBuffer = 64

// Subscription is an in-process feed of one conversation's events. Consumers
// range over C. Delivery is at-least-once and lossy under backpressure, so
// consumers must deduplicate by message ID and treat a drop as a cue to
// re-fetch history.
type Subscription struct {
	// C yields every event broadcast to the conversation after Subscribe.
	// It is closed by Close or hub shutdown.
	C <-chan ChatMessage

	ConversationID uint

	hub *ChatHub
	ch  chan ChatMessage

	mu     sync.Mutex
	closed bool
	once   sync.Once
}

// Subscribe registers an in-process listener for a conversation's events.
// Unlike websocket clients, subscribers need no connection; this is the
// integration point for bots, probes, and tests.
func (h *ChatHub) Subscribe(conversationID uint) *Subscription {
	ch := make(chan ChatMessage, subscriptionBuffer)
	sub := &Subscription{
		C:              ch,
		ConversationID: conversationID,
		hub:            h,
		ch:             ch,
	}

	h.mu.Lock()
	if h.subscriptions[conversationID] == nil {
		h.subscriptions[conversationID] = make(map[*Subscription]struct{})
	}
	h.subscriptions[conversationID][sub] = struct{}{}
	h.mu.Unlock()

	return sub
}

// Close stops delivery and releases the subscription. Safe to call multiple
// times; later calls are no-ops.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		if subs, ok := s.hub.subscriptions[s.ConversationID]; ok {
			delete(subs, s)
			if len(subs) == 0 {
				delete(s.hub.subscriptions, s.ConversationID)
			}
		}
		s.hub.mu.Unlock()

		s.closeChannel()
	})
}

func (s *Subscription) closeChannel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// deliver pushes an event without blocking the broadcast path. A full buffer
// drops the event and records the drop.
func (s *Subscription) deliver(message ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- message:
	default:
		observability.WebSocketBackpressureDrops.WithLabelValues(s.hub.Name(), "subscription_full").Inc()
	}
}
