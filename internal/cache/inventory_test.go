package cache

import (
	"context"
	"testing"

	"campuslink/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withTestRedis(t *testing.T) {
	t.Helper()
	mr := miniredis.RunT(t)
	prev := client
	client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client = prev })
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "profile:42", ProfileKey(42))
	assert.Equal(t, "conv:7", ConversationKey(7))
	assert.Equal(t, "profile:42:convs", ConversationListKey(42))
}

func TestAside(t *testing.T) {
	withTestRedis(t)
	ctx := context.Background()

	fetches := 0
	fetch := func(dest *models.Profile) func() error {
		return func() error {
			fetches++
			dest.ID = 42
			dest.Username = "jdoe"
			return nil
		}
	}

	var p models.Profile
	require.NoError(t, Aside(ctx, ProfileKey(42), &p, ProfileTTL, fetch(&p)))
	assert.Equal(t, 1, fetches)
	assert.Equal(t, "jdoe", p.Username)

	// Second read is served from the cache.
	var p2 models.Profile
	require.NoError(t, Aside(ctx, ProfileKey(42), &p2, ProfileTTL, fetch(&p2)))
	assert.Equal(t, 1, fetches)
	assert.Equal(t, "jdoe", p2.Username)

	// After invalidation the source is hit again.
	InvalidateProfile(ctx, 42)
	var p3 models.Profile
	require.NoError(t, Aside(ctx, ProfileKey(42), &p3, ProfileTTL, fetch(&p3)))
	assert.Equal(t, 2, fetches)
}

func TestAsideWithoutRedis(t *testing.T) {
	prev := client
	client = nil
	t.Cleanup(func() { client = prev })

	fetches := 0
	var p models.Profile
	err := Aside(context.Background(), ProfileKey(1), &p, ProfileTTL, func() error {
		fetches++
		p.ID = 1
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, fetches, "nil client must degrade to a straight fetch")
}

func TestInvalidateConversationDropsLists(t *testing.T) {
	withTestRedis(t)
	ctx := context.Background()

	require.NoError(t, SetJSON(ctx, ConversationKey(9), map[string]any{"id": 9}, ConversationTTL))
	require.NoError(t, SetJSON(ctx, ConversationListKey(1), []uint{9}, ListTTL))
	require.NoError(t, SetJSON(ctx, ConversationListKey(2), []uint{9}, ListTTL))

	InvalidateConversation(ctx, 9, 1, 2)

	var out map[string]any
	found, err := GetJSON(ctx, ConversationKey(9), &out)
	require.NoError(t, err)
	assert.False(t, found)

	var ids []uint
	found, err = GetJSON(ctx, ConversationListKey(1), &ids)
	require.NoError(t, err)
	assert.False(t, found)
}
