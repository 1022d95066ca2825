package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"campuslink/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	err = db.AutoMigrate(
		&models.Profile{},
		&models.Conversation{},
		&models.Message{},
		&models.ConversationParticipant{},
	)
	if err != nil {
		t.Fatalf("Failed to migrate database: %v", err)
	}

	return db
}

func seedProfiles(t *testing.T, db *gorm.DB, usernames ...string) []*models.Profile {
	t.Helper()
	profiles := make([]*models.Profile, 0, len(usernames))
	for _, u := range usernames {
		p := &models.Profile{Username: u, FullName: "Test " + u}
		require.NoError(t, db.Create(p).Error)
		profiles = append(profiles, p)
	}
	return profiles
}

func TestChatRepository(t *testing.T) {
	db := setupTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()

	users := seedProfiles(t, db, "alice", "bob")
	alice, bob := users[0], users[1]

	t.Run("CreateConversation", func(t *testing.T) {
		conv := &models.Conversation{
			CreatedBy: alice.ID,
			Name:      "Study Group",
			Kind:      models.ConversationGroup,
		}
		err := repo.CreateConversation(ctx, conv)
		assert.NoError(t, err)
		assert.NotZero(t, conv.ID)
	})

	t.Run("DirectKeyUniqueness", func(t *testing.T) {
		key := models.DirectKeyFor(alice.ID, bob.ID)

		first := &models.Conversation{Kind: models.ConversationDirect, CreatedBy: alice.ID, DirectKey: &key}
		require.NoError(t, repo.CreateConversation(ctx, first))

		dup := &models.Conversation{Kind: models.ConversationDirect, CreatedBy: bob.ID, DirectKey: &key}
		err := repo.CreateConversation(ctx, dup)
		require.Error(t, err)
		assert.True(t, errors.Is(err, gorm.ErrDuplicatedKey), "duplicate direct_key must surface as gorm.ErrDuplicatedKey, got %v", err)

		winner, err := repo.GetConversationByDirectKey(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, first.ID, winner.ID)
	})

	t.Run("GetConversationByDirectKeyMiss", func(t *testing.T) {
		_, err := repo.GetConversationByDirectKey(ctx, "998:999")
		assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))
	})

	t.Run("AddParticipant", func(t *testing.T) {
		conv := &models.Conversation{CreatedBy: alice.ID, Kind: models.ConversationGroup}
		require.NoError(t, repo.CreateConversation(ctx, conv))

		require.NoError(t, repo.AddParticipant(ctx, conv.ID, alice.ID))
		require.NoError(t, repo.AddParticipant(ctx, conv.ID, bob.ID))
		// Re-adding is a no-op, not an error.
		require.NoError(t, repo.AddParticipant(ctx, conv.ID, bob.ID))

		fetched, err := repo.GetConversation(ctx, conv.ID)
		require.NoError(t, err)
		assert.Len(t, fetched.Participants, 2)

		ok, err := repo.IsParticipant(ctx, conv.ID, alice.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = repo.IsParticipant(ctx, conv.ID, 9999)
		require.NoError(t, err)
		assert.False(t, ok)

		ids, err := repo.ParticipantIDs(ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, []uint{alice.ID, bob.ID}, ids)
	})

	t.Run("CreateMessageBumpsConversation", func(t *testing.T) {
		conv := &models.Conversation{CreatedBy: alice.ID, Kind: models.ConversationGroup}
		require.NoError(t, repo.CreateConversation(ctx, conv))

		msg := &models.Message{
			ConversationID: conv.ID,
			SenderID:       alice.ID,
			Content:        "Hello",
			ClientRef:      "ref-1",
		}
		require.NoError(t, repo.CreateMessage(ctx, msg))
		assert.NotZero(t, msg.ID)

		var reloaded models.Conversation
		require.NoError(t, db.First(&reloaded, conv.ID).Error)
		assert.WithinDuration(t, msg.CreatedAt, reloaded.UpdatedAt, time.Second)
	})

	t.Run("GetMessagesPagination", func(t *testing.T) {
		conv := &models.Conversation{CreatedBy: alice.ID, Kind: models.ConversationGroup}
		require.NoError(t, repo.CreateConversation(ctx, conv))

		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		contents := []string{"one", "two", "three", "four", "five"}
		for i, c := range contents {
			m := &models.Message{
				ConversationID: conv.ID,
				SenderID:       alice.ID,
				Content:        c,
				CreatedAt:      base.Add(time.Duration(i) * time.Second),
			}
			require.NoError(t, db.Create(m).Error)
		}

		// Latest page, ascending order.
		page, err := repo.GetMessages(ctx, conv.ID, 2, nil)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "four", page[0].Content)
		assert.Equal(t, "five", page[1].Content)

		// Walk backwards from the oldest held message.
		cursor := &MessageCursor{CreatedAt: page[0].CreatedAt, ID: page[0].ID}
		prev, err := repo.GetMessages(ctx, conv.ID, 2, cursor)
		require.NoError(t, err)
		require.Len(t, prev, 2)
		assert.Equal(t, "two", prev[0].Content)
		assert.Equal(t, "three", prev[1].Content)

		// Pages never overlap and stay in order.
		cursor = &MessageCursor{CreatedAt: prev[0].CreatedAt, ID: prev[0].ID}
		head, err := repo.GetMessages(ctx, conv.ID, 10, cursor)
		require.NoError(t, err)
		require.Len(t, head, 1)
		assert.Equal(t, "one", head[0].Content)
	})

	t.Run("GetMessagesStableTieBreak", func(t *testing.T) {
		conv := &models.Conversation{CreatedBy: alice.ID, Kind: models.ConversationGroup}
		require.NoError(t, repo.CreateConversation(ctx, conv))

		at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
		for _, c := range []string{"first", "second", "third"} {
			m := &models.Message{ConversationID: conv.ID, SenderID: alice.ID, Content: c, CreatedAt: at}
			require.NoError(t, db.Create(m).Error)
		}

		msgs, err := repo.GetMessages(ctx, conv.ID, 10, nil)
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		// Identical timestamps fall back to insertion (id) order.
		assert.Equal(t, "first", msgs[0].Content)
		assert.Equal(t, "second", msgs[1].Content)
		assert.Equal(t, "third", msgs[2].Content)
	})

	t.Run("MarkConversationRead", func(t *testing.T) {
		conv := &models.Conversation{CreatedBy: alice.ID, Kind: models.ConversationDirect}
		require.NoError(t, repo.CreateConversation(ctx, conv))
		require.NoError(t, repo.AddParticipant(ctx, conv.ID, alice.ID))
		require.NoError(t, repo.AddParticipant(ctx, conv.ID, bob.ID))

		for i := 0; i < 3; i++ {
			require.NoError(t, repo.CreateMessage(ctx, &models.Message{
				ConversationID: conv.ID, SenderID: alice.ID, Content: "hi bob",
			}))
		}
		require.NoError(t, repo.CreateMessage(ctx, &models.Message{
			ConversationID: conv.ID, SenderID: bob.ID, Content: "hi alice",
		}))

		count, err := repo.UnreadCount(ctx, conv.ID, bob.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(3), count)

		updated, err := repo.MarkConversationRead(ctx, conv.ID, bob.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(3), updated)

		// Idempotent: the second call changes nothing.
		updated, err = repo.MarkConversationRead(ctx, conv.ID, bob.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), updated)

		count, err = repo.UnreadCount(ctx, conv.ID, bob.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), count)

		// Bob's own message stays unread for alice: one viewer's boundary
		// never affects another's.
		count, err = repo.UnreadCount(ctx, conv.ID, alice.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)

		var cp models.ConversationParticipant
		require.NoError(t, db.Where("conversation_id = ? AND profile_id = ?", conv.ID, bob.ID).First(&cp).Error)
		assert.NotNil(t, cp.LastReadAt)
	})

	t.Run("UnreadCountsGrouped", func(t *testing.T) {
		convA := &models.Conversation{CreatedBy: alice.ID, Kind: models.ConversationDirect}
		convB := &models.Conversation{CreatedBy: alice.ID, Kind: models.ConversationDirect}
		require.NoError(t, repo.CreateConversation(ctx, convA))
		require.NoError(t, repo.CreateConversation(ctx, convB))

		require.NoError(t, repo.CreateMessage(ctx, &models.Message{ConversationID: convA.ID, SenderID: alice.ID, Content: "a1"}))
		require.NoError(t, repo.CreateMessage(ctx, &models.Message{ConversationID: convA.ID, SenderID: alice.ID, Content: "a2"}))
		require.NoError(t, repo.CreateMessage(ctx, &models.Message{ConversationID: convB.ID, SenderID: bob.ID, Content: "b1"}))

		counts, err := repo.UnreadCounts(ctx, []uint{convA.ID, convB.ID}, bob.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), counts[convA.ID])
		assert.Zero(t, counts[convB.ID], "own messages are never unread for the sender")
	})

	t.Run("LastMessages", func(t *testing.T) {
		conv := &models.Conversation{CreatedBy: alice.ID, Kind: models.ConversationGroup}
		require.NoError(t, repo.CreateConversation(ctx, conv))
		require.NoError(t, repo.CreateMessage(ctx, &models.Message{ConversationID: conv.ID, SenderID: alice.ID, Content: "older"}))
		require.NoError(t, repo.CreateMessage(ctx, &models.Message{ConversationID: conv.ID, SenderID: bob.ID, Content: "newest"}))

		last, err := repo.LastMessages(ctx, []uint{conv.ID})
		require.NoError(t, err)
		require.Contains(t, last, conv.ID)
		assert.Equal(t, "newest", last[conv.ID].Content)

		empty, err := repo.LastMessages(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("GetUserConversationsOrdering", func(t *testing.T) {
		db := setupTestDB(t)
		repo := NewChatRepository(db)
		users := seedProfiles(t, db, "carol", "dave")
		carol, dave := users[0], users[1]

		older := &models.Conversation{CreatedBy: carol.ID, Kind: models.ConversationDirect}
		newer := &models.Conversation{CreatedBy: carol.ID, Kind: models.ConversationGroup, Name: "CS101"}
		require.NoError(t, repo.CreateConversation(ctx, older))
		require.NoError(t, repo.CreateConversation(ctx, newer))
		for _, c := range []*models.Conversation{older, newer} {
			require.NoError(t, repo.AddParticipant(ctx, c.ID, carol.ID))
			require.NoError(t, repo.AddParticipant(ctx, c.ID, dave.ID))
		}

		// Activity in the older conversation moves it to the top.
		require.NoError(t, db.Model(older).Update("updated_at", time.Now().Add(time.Hour)).Error)

		convs, err := repo.GetUserConversations(ctx, carol.ID)
		require.NoError(t, err)
		require.Len(t, convs, 2)
		assert.Equal(t, older.ID, convs[0].ID)
		assert.Len(t, convs[0].Participants, 2)
	})
}
