package notifications

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifier_NilRedisIsNoop(t *testing.T) {
	n := NewNotifier(nil)
	ctx := context.Background()

	assert.NoError(t, n.PublishUser(ctx, 1, "payload"))
	assert.NoError(t, n.PublishChatMessage(ctx, 1, "payload"))
	assert.NoError(t, n.PublishTypingIndicator(ctx, 1, 2, "alice", true))
	assert.NoError(t, n.PublishPresence(ctx, 1, 2, "alice", "online"))
	assert.NoError(t, n.PublishReadReceipt(ctx, 1, 2))
	assert.NoError(t, n.StartChatSubscriber(ctx, nil))
}

func TestUserChannel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		profileID uint
		expected  string
	}{
		{1, "notifications:user:1"},
		{100, "notifications:user:100"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, UserChannel(tt.profileID))
	}
}

func TestConversationChannel(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "chat:conv:5", ConversationChannel(5))
}

func TestNotifier_ChatSubscriberReceivesAllPatterns(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	n := NewNotifier(rdb)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channels := make(chan string, 8)
	require.NoError(t, n.StartChatSubscriber(ctx, func(channel, _ string) {
		channels <- channel
	}))

	require.NoError(t, n.PublishChatMessage(ctx, 7, `{"type":"message"}`))
	require.NoError(t, n.PublishTypingIndicator(ctx, 7, 1, "alice", true))
	require.NoError(t, n.PublishPresence(ctx, 7, 1, "alice", "online"))
	require.NoError(t, n.PublishReadReceipt(ctx, 7, 1))

	seen := map[string]bool{}
	assert.Eventually(t, func() bool {
		for {
			select {
			case ch := <-channels:
				seen[ch] = true
			default:
				return len(seen) == 4
			}
		}
	}, time.Second, 10*time.Millisecond)

	assert.True(t, seen["chat:conv:7"])
	assert.True(t, seen["typing:conv:7"])
	assert.True(t, seen["presence:conv:7"])
	assert.True(t, seen["read:conv:7"])
}

func TestNotifier_SubscriberStopsOnCancel(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	n := NewNotifier(rdb)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var received int32
	payloads := make(chan string, 2)
	require.NoError(t, n.StartChatSubscriber(ctx, func(_ string, payload string) {
		atomic.AddInt32(&received, 1)
		payloads <- payload
	}))

	require.NoError(t, n.PublishChatMessage(context.Background(), 1, "before-cancel"))
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&received) >= 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	time.Sleep(20 * time.Millisecond)

	// Drain the pre-cancel message to avoid false positives.
	select {
	case <-payloads:
	default:
	}

	require.NoError(t, n.PublishChatMessage(context.Background(), 1, "after-cancel"))
	assert.Never(t, func() bool {
		select {
		case payload := <-payloads:
			return payload == "after-cancel"
		default:
			return false
		}
	}, 200*time.Millisecond, 10*time.Millisecond)
}
