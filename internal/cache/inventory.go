package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	ProfileKeyPrefix          = "profile:%d"
	ConversationKeyPrefix     = "conv:%d"
	ConversationListKeyPrefix = "profile:%d:convs"
)

// Unread counts are intentionally absent from this inventory: they are
// derived live from the message log on every read.
const (
	ProfileTTL      = 5 * time.Minute
	ConversationTTL = 5 * time.Minute
	ListTTL         = 2 * time.Minute
)

func ProfileKey(profileID uint) string {
	return fmt.Sprintf(ProfileKeyPrefix, profileID)
}

func ConversationKey(conversationID uint) string {
	return fmt.Sprintf(ConversationKeyPrefix, conversationID)
}

func ConversationListKey(profileID uint) string {
	return fmt.Sprintf(ConversationListKeyPrefix, profileID)
}

// GetJSON attempts to get the key from Redis and unmarshal into dest.
// Returns (true, nil) if found and unmarshaled, (false, nil) if not found.
func GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	if client == nil {
		return false, nil
	}
	s, err := client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(s), dest); err != nil {
		return false, err
	}
	return true, nil
}

// SetJSON marshals v and sets the key with TTL.
func SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	if client == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return client.Set(ctx, key, b, ttl).Err()
}

// Aside tries Redis first, on miss it calls fetch (which should populate
// dest), then stores the result with ttl. fetch must write into dest.
// With no Redis client every call is a miss and the store is a no-op.
func Aside(ctx context.Context, key string, dest any, ttl time.Duration, fetch func() error) error {
	found, err := GetJSON(ctx, key, dest)
	if err != nil {
		return err
	}
	if found {
		return nil
	}

	if err := fetch(); err != nil {
		return err
	}

	// Best-effort store
	_ = SetJSON(ctx, key, dest, ttl)
	return nil
}

func Invalidate(ctx context.Context, key string) {
	if client != nil {
		client.Del(ctx, key)
	}
}

func InvalidateProfile(ctx context.Context, profileID uint) {
	Invalidate(ctx, ProfileKey(profileID))
}

// InvalidateConversation drops the conversation entry and the cached list of
// every given participant.
func InvalidateConversation(ctx context.Context, conversationID uint, participantIDs ...uint) {
	Invalidate(ctx, ConversationKey(conversationID))
	for _, id := range participantIDs {
		Invalidate(ctx, ConversationListKey(id))
	}
}
