package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"

	"campuslink/internal/observability"

	"github.com/gofiber/websocket/v2"
	"github.com/redis/go-redis/v9"
)

// ChatHub fans realtime conversation events out to connected clients. It is
// conversation-centric: clients join the conversations they are viewing and
// only receive events for those. A profile may hold several connections at
// once (multiple tabs or devices); presence transitions fire only when the
// last connection goes away.
type ChatHub struct {
	mu sync.RWMutex

	// conversationID -> set of profileIDs viewing it
	conversations map[uint]map[uint]struct{}

	// profileID -> set of conversationIDs they are viewing
	userActiveConvs map[uint]map[uint]struct{}

	// profileID -> active websocket clients
	userConns map[uint]map[*Client]bool

	// conversationID -> in-process channel subscribers
	subscriptions map[uint]map[*Subscription]struct{}

	presence *ConnectionManager
	metrics  *observability.RoomMetrics
}

// Name returns a human-readable identifier for this hub.
func (h *ChatHub) Name() string { return "chat hub" }

// ChatMessage is the envelope every event on the chat websocket uses.
// Type is one of "message", "typing", "presence", "read", "user_status",
// "connected_users".
type ChatMessage struct {
	Type           string      `json:"type"`
	ConversationID uint        `json:"conversation_id"`
	UserID         uint        `json:"user_id,omitempty"`
	Username       string      `json:"username,omitempty"`
	Payload        interface{} `json:"payload"`
}

// NewChatHub creates a ChatHub. An optional Redis client enables cross-process
// presence tracking.
func NewChatHub(redisClients ...*redis.Client) *ChatHub {
	var rdb *redis.Client
	if len(redisClients) > 0 {
		rdb = redisClients[0]
	}

	h := &ChatHub{
		conversations:   make(map[uint]map[uint]struct{}),
		userActiveConvs: make(map[uint]map[uint]struct{}),
		userConns:       make(map[uint]map[*Client]bool),
		subscriptions:   make(map[uint]map[*Subscription]struct{}),
		metrics:         observability.NewRoomMetrics(),
	}
	h.presence = NewConnectionManager(rdb, ConnectionManagerConfig{
		OnProfileOffline: func(profileID uint) {
			h.BroadcastGlobalStatus(profileID, "offline")
		},
	})
	return h
}

// Register binds a websocket connection to a profile. Returns an error when
// the per-profile connection limit is exceeded.
func (h *ChatHub) Register(profileID uint, conn *websocket.Conn) (*Client, error) {
	h.mu.Lock()

	if h.userConns[profileID] == nil {
		h.userConns[profileID] = make(map[*Client]bool)
	}
	if len(h.userConns[profileID]) >= maxConnsPerUser {
		h.mu.Unlock()
		return nil, fmt.Errorf("user connection limit reached")
	}

	client := NewClient(h, conn, profileID)
	client.OnActivity = func(pid uint) {
		h.presence.Touch(context.Background(), pid)
	}
	h.userConns[profileID][client] = true

	onlineIDs := make([]uint, 0, len(h.userConns))
	for id := range h.userConns {
		if id != profileID {
			onlineIDs = append(onlineIDs, id)
		}
	}
	h.mu.Unlock()

	h.presence.Register(context.Background(), profileID)
	h.metrics.RecordWebSocketEvent("register")

	// Initial snapshot of who else is connected, so the client can render
	// presence without a round of per-user probes.
	if len(onlineIDs) > 0 {
		snapshot := ChatMessage{
			Type:    "connected_users",
			Payload: map[string]interface{}{"user_ids": onlineIDs},
		}
		if jsonMsg, err := json.Marshal(snapshot); err == nil {
			client.TrySend(jsonMsg)
		}
	}

	h.BroadcastGlobalStatus(profileID, "online")
	return client, nil
}

// RegisterUser attaches an already-constructed client, for callers that
// manage the websocket lifecycle themselves.
func (h *ChatHub) RegisterUser(client *Client) {
	h.mu.Lock()
	if h.userConns[client.ProfileID] == nil {
		h.userConns[client.ProfileID] = make(map[*Client]bool)
	}
	h.userConns[client.ProfileID][client] = true
	h.mu.Unlock()

	h.presence.Register(context.Background(), client.ProfileID)
	h.BroadcastGlobalStatus(client.ProfileID, "online")
}

// UnregisterClient removes one websocket connection. Conversation
// subscriptions are torn down only when the profile's last connection closes.
func (h *ChatHub) UnregisterClient(client *Client) {
	h.mu.Lock()

	clients, ok := h.userConns[client.ProfileID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(clients, client)
	if len(clients) > 0 {
		h.mu.Unlock()
		h.presence.Unregister(context.Background(), client.ProfileID)
		return
	}
	delete(h.userConns, client.ProfileID)

	if convs, ok := h.userActiveConvs[client.ProfileID]; ok {
		for convID := range convs {
			if viewers, ok := h.conversations[convID]; ok {
				delete(viewers, client.ProfileID)
				if len(viewers) == 0 {
					delete(h.conversations, convID)
				}
			}
			h.metrics.DecrementRoom(strconv.FormatUint(uint64(convID), 10))
		}
		delete(h.userActiveConvs, client.ProfileID)
	}
	h.mu.Unlock()

	h.metrics.RecordWebSocketEvent("unregister")
	h.presence.Unregister(context.Background(), client.ProfileID)
}

// IsUserOnline returns true when the profile has at least one active client.
func (h *ChatHub) IsUserOnline(profileID uint) bool {
	return h.presence.IsOnline(context.Background(), profileID)
}

// JoinConversation subscribes a connected profile to a conversation's events.
func (h *ChatHub) JoinConversation(profileID, conversationID uint) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.userConns[profileID]; !ok {
		log.Printf("ChatHub: Profile %d not connected, cannot join conversation %d", profileID, conversationID)
		return
	}

	if h.conversations[conversationID] == nil {
		h.conversations[conversationID] = make(map[uint]struct{})
	}
	if _, already := h.conversations[conversationID][profileID]; already {
		return
	}
	h.conversations[conversationID][profileID] = struct{}{}

	if h.userActiveConvs[profileID] == nil {
		h.userActiveConvs[profileID] = make(map[uint]struct{})
	}
	h.userActiveConvs[profileID][conversationID] = struct{}{}

	h.metrics.IncrementRoom(strconv.FormatUint(uint64(conversationID), 10))
}

// LeaveConversation unsubscribes a profile from a conversation.
func (h *ChatHub) LeaveConversation(profileID, conversationID uint) {
	h.mu.Lock()
	defer h.mu.Unlock()

	viewers, ok := h.conversations[conversationID]
	if !ok {
		return
	}
	if _, viewing := viewers[profileID]; !viewing {
		return
	}
	delete(viewers, profileID)
	if len(viewers) == 0 {
		delete(h.conversations, conversationID)
	}

	if convs, ok := h.userActiveConvs[profileID]; ok {
		delete(convs, conversationID)
	}

	h.metrics.DecrementRoom(strconv.FormatUint(uint64(conversationID), 10))
}

// BroadcastToConversation sends an event to every viewer of a conversation,
// across all of their connections, and to every in-process subscription.
func (h *ChatHub) BroadcastToConversation(conversationID uint, message ChatMessage) {
	h.mu.RLock()

	messageJSON, err := json.Marshal(message)
	if err != nil {
		h.mu.RUnlock()
		log.Printf("ChatHub: Failed to marshal message: %v", err)
		return
	}

	for profileID := range h.conversations[conversationID] {
		for client := range h.userConns[profileID] {
			client.TrySend(messageJSON)
		}
	}

	subs := make([]*Subscription, 0, len(h.subscriptions[conversationID]))
	for sub := range h.subscriptions[conversationID] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		sub.deliver(message)
	}

	h.metrics.RecordMessage(strconv.FormatUint(uint64(conversationID), 10), message.Type)
}

// BroadcastToAllUsers sends an event to every connected client.
func (h *ChatHub) BroadcastToAllUsers(message ChatMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	messageJSON, err := json.Marshal(message)
	if err != nil {
		log.Printf("ChatHub: Failed to marshal global message: %v", err)
		return
	}

	for _, clients := range h.userConns {
		for client := range clients {
			client.TrySend(messageJSON)
		}
	}
}

// GetActiveUsers returns the profiles currently viewing a conversation.
func (h *ChatHub) GetActiveUsers(conversationID uint) []uint {
	h.mu.RLock()
	defer h.mu.RUnlock()

	viewers := h.conversations[conversationID]
	result := make([]uint, 0, len(viewers))
	for profileID := range viewers {
		result = append(result, profileID)
	}
	return result
}

// IsUserActive checks whether a profile is currently viewing a conversation.
func (h *ChatHub) IsUserActive(profileID, conversationID uint) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if convs, ok := h.userActiveConvs[profileID]; ok {
		_, active := convs[conversationID]
		return active
	}
	return false
}

// StartWiring connects the hub to Redis pub/sub so events published by any
// API instance reach this instance's clients.
func (h *ChatHub) StartWiring(ctx context.Context, n *Notifier) error {
	return n.StartChatSubscriber(ctx, func(channel, payload string) {
		var conversationID uint
		var msgType string

		if _, err := fmt.Sscanf(channel, "chat:conv:%d", &conversationID); err == nil {
			msgType = "message"
		} else if _, err := fmt.Sscanf(channel, "typing:conv:%d", &conversationID); err == nil {
			msgType = "typing"
		} else if _, err := fmt.Sscanf(channel, "presence:conv:%d", &conversationID); err == nil {
			msgType = "presence"
		} else if _, err := fmt.Sscanf(channel, "read:conv:%d", &conversationID); err == nil {
			msgType = "read"
		} else {
			log.Printf("ChatHub: Invalid channel format: %s", channel)
			return
		}

		var message ChatMessage
		if err := json.Unmarshal([]byte(payload), &message); err != nil {
			log.Printf("ChatHub: Failed to parse message from channel %s: %v", channel, err)
			return
		}
		if message.Type == "" {
			message.Type = msgType
		}
		message.ConversationID = conversationID

		h.BroadcastToConversation(conversationID, message)
	})
}

// BroadcastGlobalStatus sends a "user_status" event to every connected client
// except the profile whose status changed.
func (h *ChatHub) BroadcastGlobalStatus(profileID uint, status string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	message := ChatMessage{
		Type:    "user_status",
		UserID:  profileID,
		Payload: map[string]interface{}{"status": status, "user_id": profileID},
	}
	jsonMsg, err := json.Marshal(message)
	if err != nil {
		log.Printf("ChatHub: Failed to marshal status message: %v", err)
		return
	}

	for id, clients := range h.userConns {
		if id == profileID {
			continue
		}
		for client := range clients {
			client.TrySend(jsonMsg)
		}
	}
}

// Shutdown gracefully closes all websocket connections and subscriptions.
func (h *ChatHub) Shutdown(_ context.Context) error {
	h.presence.Stop()

	h.mu.Lock()
	defer h.mu.Unlock()

	for profileID, clients := range h.userConns {
		for client := range clients {
			if client.Conn == nil {
				continue
			}
			if err := client.Conn.WriteMessage(websocket.TextMessage,
				[]byte(`{"type":"server_shutdown","message":"Server is shutting down"}`)); err != nil {
				log.Printf("failed to write shutdown message for profile %d: %v", profileID, err)
			}
			if err := client.Conn.Close(); err != nil {
				log.Printf("failed to close websocket for profile %d: %v", profileID, err)
			}
		}
	}

	for _, subs := range h.subscriptions {
		for sub := range subs {
			sub.closeChannel()
		}
	}

	h.conversations = make(map[uint]map[uint]struct{})
	h.userActiveConvs = make(map[uint]map[uint]struct{})
	h.userConns = make(map[uint]map[*Client]bool)
	h.subscriptions = make(map[uint]map[*Subscription]struct{})

	return nil
}
