// Package notifications delivers realtime messaging events to connected
// clients: new messages, typing indicators, presence transitions, and read
// receipts. Delivery is at-least-once; consumers deduplicate by message ID.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"runtime/debug"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Notifier publishes messaging events into Redis channels so every API
// instance can fan them out to its own websocket clients. A nil Redis client
// turns every publish into a no-op, which keeps single-instance deployments
// and tests working without Redis.
type Notifier struct {
	rdb *redis.Client
}

// NewNotifier creates a new Notifier using the provided Redis client.
func NewNotifier(rdb *redis.Client) *Notifier {
	return &Notifier{rdb: rdb}
}

// PublishUser sends a payload to a profile's personal channel. Used for
// conversation-list updates that must reach a user on every device, even when
// no conversation view is open.
func (n *Notifier) PublishUser(ctx context.Context, profileID uint, payload string) error {
	if n.rdb == nil {
		return nil
	}
	return n.rdb.Publish(ctx, UserChannel(profileID), payload).Err()
}

// PublishChatMessage publishes a new message event to a conversation channel.
func (n *Notifier) PublishChatMessage(ctx context.Context, conversationID uint, payload string) error {
	if n.rdb == nil {
		return nil
	}
	return n.rdb.Publish(ctx, ConversationChannel(conversationID), payload).Err()
}

// PublishTypingIndicator publishes a short-lived typing signal to a
// conversation. Clients expire the indicator themselves after expires_in_ms.
func (n *Notifier) PublishTypingIndicator(
	ctx context.Context, conversationID, profileID uint, username string, isTyping bool,
) error {
	if n.rdb == nil {
		return nil
	}
	payload := map[string]interface{}{
		"user_id":       profileID,
		"username":      username,
		"is_typing":     isTyping,
		"expires_in_ms": 5000,
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	channel := fmt.Sprintf("typing:conv:%d", conversationID)
	return n.rdb.Publish(ctx, channel, string(payloadJSON)).Err()
}

// PublishPresence publishes a profile's presence status to a conversation.
func (n *Notifier) PublishPresence(
	ctx context.Context, conversationID, profileID uint, username, status string,
) error {
	if n.rdb == nil {
		return nil
	}
	payload := map[string]interface{}{
		"user_id":  profileID,
		"username": username,
		"status":   status, // "online", "offline", "away"
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	channel := fmt.Sprintf("presence:conv:%d", conversationID)
	return n.rdb.Publish(ctx, channel, string(payloadJSON)).Err()
}

// PublishReadReceipt announces that a viewer advanced their read boundary in
// a conversation, so other participants can update delivery ticks.
func (n *Notifier) PublishReadReceipt(ctx context.Context, conversationID, profileID uint) error {
	if n.rdb == nil {
		return nil
	}
	payload := map[string]interface{}{"user_id": profileID}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	channel := fmt.Sprintf("read:conv:%d", conversationID)
	return n.rdb.Publish(ctx, channel, string(payloadJSON)).Err()
}

// StartChatSubscriber subscribes to the conversation-scoped patterns and
// calls onMessage for each incoming event. The subscription closes when ctx
// is cancelled. Patterns: chat:conv:*, typing:conv:*, presence:conv:*,
// read:conv:*.
func (n *Notifier) StartChatSubscriber(
	ctx context.Context, onMessage func(channel string, payload string),
) error {
	return n.subscribe(ctx, "ChatSubscriber", onMessage,
		"chat:conv:*", "typing:conv:*", "presence:conv:*", "read:conv:*")
}

// StartUserSubscriber subscribes to the per-profile channels used for
// conversation-list updates.
func (n *Notifier) StartUserSubscriber(
	ctx context.Context, onMessage func(channel string, payload string),
) error {
	return n.subscribe(ctx, "UserSubscriber", onMessage, "notifications:user:*")
}

func (n *Notifier) subscribe(
	ctx context.Context, name string, onMessage func(channel, payload string), patterns ...string,
) error {
	if n.rdb == nil {
		return nil
	}
	sub := n.rdb.PSubscribe(ctx, patterns...)
	ch := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				func() {
					defer func() {
						if r := recover(); r != nil {
							log.Printf("PANIC in %s: %v\n%s", name, r, debug.Stack())
						}
					}()
					onMessage(msg.Channel, msg.Payload)
				}()
			}
		}
	}()

	return nil
}

// UserChannel derives the Redis channel name for a profile.
func UserChannel(profileID uint) string {
	return "notifications:user:" + strconv.FormatUint(uint64(profileID), 10)
}

// ConversationChannel derives the Redis channel name for a conversation.
func ConversationChannel(conversationID uint) string {
	return "chat:conv:" + strconv.FormatUint(uint64(conversationID), 10)
}
