package notifications

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/gofiber/websocket/v2"
	"github.com/redis/go-redis/v9"
)

const (
	// Max connections per profile
	maxConnsPerUser = 12
	// Max total connections
	maxTotalConns = 10000
)

// Hub is the profile-centric websocket hub used for personal notifications:
// conversation-list updates, unread badges, and broadcasts. Conversation
// traffic goes through ChatHub instead.
type Hub struct {
	mu         sync.RWMutex
	conns      map[uint]map[*Client]struct{}
	totalConns int
	shutdown   chan struct{}
	done       chan struct{}
	presence   *ConnectionManager
}

// Name returns a human-readable identifier for this hub.
func (h *Hub) Name() string { return "notification hub" }

// NewHub creates a new Hub. An optional Redis client enables cross-process
// presence.
func NewHub(redisClients ...*redis.Client) *Hub {
	var redisClient *redis.Client
	if len(redisClients) > 0 {
		redisClient = redisClients[0]
	}

	return &Hub{
		conns:    make(map[uint]map[*Client]struct{}),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		presence: NewConnectionManager(redisClient, ConnectionManagerConfig{}),
	}
}

// Register a connection for a given profile. Returns the Client or an error
// if connection limits are exceeded.
func (h *Hub) Register(profileID uint, conn *websocket.Conn) (*Client, error) {
	h.mu.Lock()

	if h.totalConns >= maxTotalConns {
		h.mu.Unlock()
		return nil, errors.New("server connection limit reached")
	}

	m, ok := h.conns[profileID]
	if !ok {
		m = make(map[*Client]struct{})
		h.conns[profileID] = m
	}

	if len(m) >= maxConnsPerUser {
		h.mu.Unlock()
		return nil, errors.New("user connection limit reached")
	}

	client := NewClient(h, conn, profileID)
	client.OnActivity = func(pid uint) {
		if h.presence != nil {
			h.presence.Touch(context.Background(), pid)
		}
	}

	m[client] = struct{}{}
	h.totalConns++
	h.mu.Unlock()

	if h.presence != nil {
		h.presence.Register(context.Background(), profileID)
	}

	return client, nil
}

// UnregisterClient removes a connection from the hub.
func (h *Hub) UnregisterClient(client *Client) {
	h.mu.Lock()
	removedClient := false
	if m, ok := h.conns[client.ProfileID]; ok {
		if _, exists := m[client]; exists {
			delete(m, client)
			h.totalConns--
			removedClient = true
		}
		if len(m) == 0 {
			delete(h.conns, client.ProfileID)
		}
	}
	h.mu.Unlock()

	if removedClient && h.presence != nil {
		h.presence.Unregister(context.Background(), client.ProfileID)
	}
}

// SetPresenceCallbacks installs online/offline transition handlers.
func (h *Hub) SetPresenceCallbacks(onOnline, onOffline func(profileID uint)) {
	if h.presence == nil {
		return
	}
	h.presence.SetCallbacks(onOnline, onOffline)
}

// Broadcast sends a message to all connections for a profile.
func (h *Hub) Broadcast(profileID uint, message string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if clients, ok := h.conns[profileID]; ok {
		data := []byte(message)
		for c := range clients {
			c.TrySend(data)
		}
	}
}

// IsOnline reports whether a profile currently has at least one active
// websocket connection on any instance.
func (h *Hub) IsOnline(profileID uint) bool {
	if h.presence != nil {
		return h.presence.IsOnline(context.Background(), profileID)
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients, ok := h.conns[profileID]
	return ok && len(clients) > 0
}

// BroadcastAll sends a message to every connected websocket client.
func (h *Hub) BroadcastAll(message string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	data := []byte(message)
	for _, clients := range h.conns {
		for c := range clients {
			c.TrySend(data)
		}
	}
}

// StartWiring subscribes to the per-profile Redis channels and forwards
// payloads to matching connections on this instance.
func (h *Hub) StartWiring(ctx context.Context, n *Notifier) error {
	return n.StartUserSubscriber(ctx, func(channel, payload string) {
		if !strings.HasPrefix(channel, "notifications:user:") {
			log.Printf("invalid notification channel: %s", channel)
			return
		}
		var profileID uint
		if _, err := fmt.Sscanf(channel, "notifications:user:%d", &profileID); err != nil {
			log.Printf("invalid notification channel: %s", channel)
			return
		}
		h.Broadcast(profileID, payload)
	})
}

// Shutdown gracefully closes all websocket connections
func (h *Hub) Shutdown(_ context.Context) error {
	close(h.shutdown)

	if h.presence != nil {
		h.presence.Stop()
	}

	h.mu.Lock()
	for profileID, conns := range h.conns {
		for client := range conns {
			if client.Conn == nil {
				continue
			}
			if err := client.Conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "Server shutting down")); err != nil {
				log.Printf("failed to write close message for profile %d: %v", profileID, err)
			}
			if err := client.Conn.Close(); err != nil {
				log.Printf("failed to close websocket for profile %d: %v", profileID, err)
			}
		}
	}
	h.conns = make(map[uint]map[*Client]struct{})
	h.totalConns = 0
	h.mu.Unlock()

	close(h.done)

	return nil
}
