package service

import (
	"context"
	"errors"
	"testing"

	"campuslink/internal/models"
	"campuslink/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type chatRepoStub struct {
	createConversationFn   func(context.Context, *models.Conversation) error
	getConversationFn      func(context.Context, uint) (*models.Conversation, error)
	getConversationByKeyFn func(context.Context, string) (*models.Conversation, error)
	getUserConversationsFn func(context.Context, uint) ([]*models.Conversation, error)
	lastMessagesFn         func(context.Context, []uint) (map[uint]*models.Message, error)
	addParticipantFn       func(context.Context, uint, uint) error
	removeParticipantFn    func(context.Context, uint, uint) error
	isParticipantFn        func(context.Context, uint, uint) (bool, error)
	participantIDsFn       func(context.Context, uint) ([]uint, error)
	createMessageFn        func(context.Context, *models.Message) error
	getMessagesFn          func(context.Context, uint, int, *repository.MessageCursor) ([]*models.Message, error)
	markConversationReadFn func(context.Context, uint, uint) (int64, error)
	unreadCountFn          func(context.Context, uint, uint) (int64, error)
	unreadCountsFn         func(context.Context, []uint, uint) (map[uint]int64, error)
}

func (s *chatRepoStub) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	return s.createConversationFn(ctx, conv)
}
func (s *chatRepoStub) GetConversation(ctx context.Context, id uint) (*models.Conversation, error) {
	return s.getConversationFn(ctx, id)
}
func (s *chatRepoStub) GetConversationByDirectKey(ctx context.Context, key string) (*models.Conversation, error) {
	return s.getConversationByKeyFn(ctx, key)
}
func (s *chatRepoStub) GetUserConversations(ctx context.Context, profileID uint) ([]*models.Conversation, error) {
	return s.getUserConversationsFn(ctx, profileID)
}
func (s *chatRepoStub) LastMessages(ctx context.Context, ids []uint) (map[uint]*models.Message, error) {
	return s.lastMessagesFn(ctx, ids)
}
func (s *chatRepoStub) AddParticipant(ctx context.Context, convID, profileID uint) error {
	return s.addParticipantFn(ctx, convID, profileID)
}
func (s *chatRepoStub) RemoveParticipant(ctx context.Context, convID, profileID uint) error {
	return s.removeParticipantFn(ctx, convID, profileID)
}
func (s *chatRepoStub) IsParticipant(ctx context.Context, convID, profileID uint) (bool, error) {
	return s.isParticipantFn(ctx, convID, profileID)
}
func (s *chatRepoStub) ParticipantIDs(ctx context.Context, convID uint) ([]uint, error) {
	return s.participantIDsFn(ctx, convID)
}
func (s *chatRepoStub) CreateMessage(ctx context.Context, msg *models.Message) error {
	return s.createMessageFn(ctx, msg)
}
func (s *chatRepoStub) GetMessages(ctx context.Context, convID uint, limit int, before *repository.MessageCursor) ([]*models.Message, error) {
	return s.getMessagesFn(ctx, convID, limit, before)
}
func (s *chatRepoStub) MarkConversationRead(ctx context.Context, convID, viewerID uint) (int64, error) {
	return s.markConversationReadFn(ctx, convID, viewerID)
}
func (s *chatRepoStub) UnreadCount(ctx context.Context, convID, viewerID uint) (int64, error) {
	return s.unreadCountFn(ctx, convID, viewerID)
}
func (s *chatRepoStub) UnreadCounts(ctx context.Context, convIDs []uint, viewerID uint) (map[uint]int64, error) {
	return s.unreadCountsFn(ctx, convIDs, viewerID)
}

func noopChatRepo() *chatRepoStub {
	return &chatRepoStub{
		createConversationFn: func(context.Context, *models.Conversation) error { return nil },
		getConversationFn: func(context.Context, uint) (*models.Conversation, error) {
			return &models.Conversation{}, nil
		},
		getConversationByKeyFn: func(context.Context, string) (*models.Conversation, error) {
			return nil, gorm.ErrRecordNotFound
		},
		getUserConversationsFn: func(context.Context, uint) ([]*models.Conversation, error) { return nil, nil },
		lastMessagesFn: func(context.Context, []uint) (map[uint]*models.Message, error) {
			return map[uint]*models.Message{}, nil
		},
		addParticipantFn:    func(context.Context, uint, uint) error { return nil },
		removeParticipantFn: func(context.Context, uint, uint) error { return nil },
		isParticipantFn:     func(context.Context, uint, uint) (bool, error) { return true, nil },
		participantIDsFn:    func(context.Context, uint) ([]uint, error) { return nil, nil },
		createMessageFn:     func(context.Context, *models.Message) error { return nil },
		getMessagesFn: func(context.Context, uint, int, *repository.MessageCursor) ([]*models.Message, error) {
			return nil, nil
		},
		markConversationReadFn: func(context.Context, uint, uint) (int64, error) { return 0, nil },
		unreadCountFn:          func(context.Context, uint, uint) (int64, error) { return 0, nil },
		unreadCountsFn: func(context.Context, []uint, uint) (map[uint]int64, error) {
			return map[uint]int64{}, nil
		},
	}
}

func appErrCode(t *testing.T, err error) string {
	t.Helper()
	var appErr *models.AppError
	require.ErrorAs(t, err, &appErr)
	return appErr.Code
}

func serviceTestDB(t *testing.T) (*ChatService, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Profile{}, &models.Conversation{}, &models.Message{}, &models.ConversationParticipant{},
	))
	return NewChatService(repository.NewChatRepository(db), repository.NewProfileRepository(db)), db
}

func TestChatService_EnsureDirectConversation_Validation(t *testing.T) {
	svc := NewChatService(noopChatRepo(), nil)
	ctx := context.Background()

	t.Run("self conversation", func(t *testing.T) {
		_, _, err := svc.EnsureDirectConversation(ctx, 7, 7)
		require.Error(t, err)
		assert.Equal(t, models.ErrCodeInvalidParticipants, appErrCode(t, err))
	})

	t.Run("zero participant", func(t *testing.T) {
		_, _, err := svc.EnsureDirectConversation(ctx, 0, 7)
		require.Error(t, err)
		assert.Equal(t, models.ErrCodeInvalidParticipants, appErrCode(t, err))
	})
}

func TestChatService_EnsureDirectConversation_Convergence(t *testing.T) {
	svc, _ := serviceTestDB(t)
	ctx := context.Background()

	first, existing, err := svc.EnsureDirectConversation(ctx, 1, 2)
	require.NoError(t, err)
	assert.False(t, existing)
	assert.Equal(t, models.ConversationDirect, first.Kind)
	assert.Len(t, first.Participants, 0) // profiles not mirrored yet; links still exist

	// Same pair again, and with arguments reversed: always the same row.
	second, existing, err := svc.EnsureDirectConversation(ctx, 1, 2)
	require.NoError(t, err)
	assert.True(t, existing)
	assert.Equal(t, first.ID, second.ID)

	reversed, existing, err := svc.EnsureDirectConversation(ctx, 2, 1)
	require.NoError(t, err)
	assert.True(t, existing)
	assert.Equal(t, first.ID, reversed.ID)

	// A different pair gets a different conversation.
	other, existing, err := svc.EnsureDirectConversation(ctx, 1, 3)
	require.NoError(t, err)
	assert.False(t, existing)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestChatService_EnsureDirectConversation_LostRace(t *testing.T) {
	// Simulate losing the insert race: the lookup misses, the insert hits the
	// unique index, and the resolver re-fetches the winner's row.
	winner := &models.Conversation{ID: 42, Kind: models.ConversationDirect}
	calls := 0
	repo := noopChatRepo()
	repo.getConversationByKeyFn = func(context.Context, string) (*models.Conversation, error) {
		calls++
		if calls == 1 {
			return nil, gorm.ErrRecordNotFound
		}
		return winner, nil
	}
	repo.createConversationFn = func(context.Context, *models.Conversation) error {
		return gorm.ErrDuplicatedKey
	}
	repo.participantIDsFn = func(context.Context, uint) ([]uint, error) {
		return []uint{5, 9}, nil
	}

	svc := NewChatService(repo, nil)
	conv, existing, err := svc.EnsureDirectConversation(context.Background(), 5, 9)
	require.NoError(t, err)
	assert.True(t, existing)
	assert.Equal(t, uint(42), conv.ID)
	assert.Equal(t, 2, calls)
}

func TestChatService_EnsureDirectConversation_ParticipantLinkFailed(t *testing.T) {
	repo := noopChatRepo()
	repo.createConversationFn = func(_ context.Context, conv *models.Conversation) error {
		conv.ID = 10
		return nil
	}
	repo.addParticipantFn = func(context.Context, uint, uint) error {
		return errors.New("insert failed")
	}

	svc := NewChatService(repo, nil)
	_, _, err := svc.EnsureDirectConversation(context.Background(), 1, 2)
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeParticipantLinkFailed, appErrCode(t, err))
}

func TestChatService_EnsureDirectConversation_RepairsMissingLinks(t *testing.T) {
	// A crash between conversation insert and participant linking leaves a
	// direct_key row with no links. The next ensure call must repair the
	// links instead of handing back a conversation neither side can use.
	svc, db := serviceTestDB(t)
	ctx := context.Background()

	alice := &models.Profile{Username: "alice"}
	bob := &models.Profile{Username: "bob"}
	require.NoError(t, db.Create(alice).Error)
	require.NoError(t, db.Create(bob).Error)

	key := models.DirectKeyFor(alice.ID, bob.ID)
	orphan := &models.Conversation{Kind: models.ConversationDirect, CreatedBy: alice.ID, DirectKey: &key}
	require.NoError(t, db.Create(orphan).Error)

	conv, existing, err := svc.EnsureDirectConversation(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	assert.True(t, existing)
	assert.Equal(t, orphan.ID, conv.ID)

	var links int64
	require.NoError(t, db.Model(&models.ConversationParticipant{}).
		Where("conversation_id = ?", conv.ID).Count(&links).Error)
	assert.Equal(t, int64(2), links)

	msg, _, err := svc.SendMessage(ctx, SendMessageInput{
		SenderID: alice.ID, ConversationID: conv.ID, Content: "finally through",
	})
	require.NoError(t, err)
	assert.NotZero(t, msg.ID)

	// A repaired conversation is stable: re-ensuring adds nothing.
	_, existing, err = svc.EnsureDirectConversation(ctx, bob.ID, alice.ID)
	require.NoError(t, err)
	assert.True(t, existing)
	require.NoError(t, db.Model(&models.ConversationParticipant{}).
		Where("conversation_id = ?", conv.ID).Count(&links).Error)
	assert.Equal(t, int64(2), links)
}

func TestChatService_CreateConversation_Validation(t *testing.T) {
	svc := NewChatService(noopChatRepo(), nil)
	ctx := context.Background()

	t.Run("group without name", func(t *testing.T) {
		_, err := svc.CreateConversation(ctx, CreateConversationInput{
			CreatorID:      1,
			Kind:           models.ConversationGroup,
			Name:           "   ",
			ParticipantIDs: []uint{2},
		})
		require.Error(t, err)
		assert.Equal(t, models.ErrCodeValidation, appErrCode(t, err))
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := svc.CreateConversation(ctx, CreateConversationInput{
			CreatorID:      1,
			Kind:           "broadcast",
			Name:           "Announcements",
			ParticipantIDs: []uint{2},
		})
		require.Error(t, err)
		assert.Equal(t, models.ErrCodeValidation, appErrCode(t, err))
	})

	t.Run("no other participants after dedupe", func(t *testing.T) {
		_, err := svc.CreateConversation(ctx, CreateConversationInput{
			CreatorID:      1,
			Name:           "Lonely",
			ParticipantIDs: []uint{1, 1},
		})
		require.Error(t, err)
		assert.Equal(t, models.ErrCodeInvalidParticipants, appErrCode(t, err))
	})
}

func TestChatService_SendMessage_Validation(t *testing.T) {
	repo := noopChatRepo()
	created := 0
	repo.createMessageFn = func(context.Context, *models.Message) error {
		created++
		return nil
	}
	svc := NewChatService(repo, nil)
	ctx := context.Background()

	t.Run("empty after trim", func(t *testing.T) {
		_, _, err := svc.SendMessage(ctx, SendMessageInput{SenderID: 1, ConversationID: 1, Content: "   \n\t "})
		require.Error(t, err)
		assert.Equal(t, models.ErrCodeEmptyMessage, appErrCode(t, err))
	})

	t.Run("too long", func(t *testing.T) {
		long := make([]byte, maxMessageContentLen+1)
		for i := range long {
			long[i] = 'a'
		}
		_, _, err := svc.SendMessage(ctx, SendMessageInput{SenderID: 1, ConversationID: 1, Content: string(long)})
		require.Error(t, err)
		assert.Equal(t, models.ErrCodeValidation, appErrCode(t, err))
	})

	assert.Zero(t, created, "validation failures must never reach the store")
}

func TestChatService_SendMessage_NotAParticipant(t *testing.T) {
	repo := noopChatRepo()
	repo.getConversationFn = func(context.Context, uint) (*models.Conversation, error) {
		return &models.Conversation{ID: 1, Participants: []models.Profile{{ID: 2}}}, nil
	}

	svc := NewChatService(repo, nil)
	_, _, err := svc.SendMessage(context.Background(), SendMessageInput{
		SenderID:       1,
		ConversationID: 1,
		Content:        "Hello",
	})
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeNotAParticipant, appErrCode(t, err))
}

func TestChatService_SendMessage_StoreErrorSurfacesWithoutRetry(t *testing.T) {
	repo := noopChatRepo()
	repo.getConversationFn = func(context.Context, uint) (*models.Conversation, error) {
		return &models.Conversation{ID: 1, Participants: []models.Profile{{ID: 1}}}, nil
	}
	attempts := 0
	storeErr := errors.New("disk full")
	repo.createMessageFn = func(context.Context, *models.Message) error {
		attempts++
		return storeErr
	}

	svc := NewChatService(repo, nil)
	_, _, err := svc.SendMessage(context.Background(), SendMessageInput{
		SenderID: 1, ConversationID: 1, Content: "will fail",
	})
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeStoreUnavailable, appErrCode(t, err))
	assert.ErrorIs(t, err, storeErr)
	assert.Equal(t, 1, attempts, "store failures are surfaced, never retried")
}

func TestChatService_FullFlow(t *testing.T) {
	svc, db := serviceTestDB(t)
	ctx := context.Background()

	alice := &models.Profile{Username: "alice", FullName: "Alice W"}
	bob := &models.Profile{Username: "bob", FullName: "Bob K"}
	require.NoError(t, db.Create(alice).Error)
	require.NoError(t, db.Create(bob).Error)

	conv, existing, err := svc.EnsureDirectConversation(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	require.False(t, existing)

	t.Run("send list and read", func(t *testing.T) {
		msg, _, err := svc.SendMessage(ctx, SendMessageInput{
			SenderID:       alice.ID,
			ConversationID: conv.ID,
			Content:        "hey bob",
			ClientRef:      "ref-abc",
		})
		require.NoError(t, err)
		assert.NotZero(t, msg.ID)
		assert.Equal(t, "ref-abc", msg.ClientRef, "client ref must round-trip verbatim")
		assert.False(t, msg.IsRead)
		require.NotNil(t, msg.Sender)
		assert.Equal(t, "alice", msg.Sender.Username)

		_, _, err = svc.SendMessage(ctx, SendMessageInput{
			SenderID: alice.ID, ConversationID: conv.ID, Content: "you there?",
		})
		require.NoError(t, err)

		msgs, err := svc.ListMessages(ctx, conv.ID, bob.ID, 50, nil)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "hey bob", msgs[0].Content)
		assert.Equal(t, "you there?", msgs[1].Content)

		count, err := svc.UnreadCount(ctx, conv.ID, bob.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)

		// Sender's own view has nothing unread.
		count, err = svc.UnreadCount(ctx, conv.ID, alice.ID)
		require.NoError(t, err)
		assert.Zero(t, count)

		updated, err := svc.MarkRead(ctx, conv.ID, bob.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), updated)

		// Marking again changes nothing.
		updated, err = svc.MarkRead(ctx, conv.ID, bob.ID)
		require.NoError(t, err)
		assert.Zero(t, updated)

		count, err = svc.UnreadCount(ctx, conv.ID, bob.ID)
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("conversation list decoration", func(t *testing.T) {
		convs, err := svc.GetConversations(ctx, bob.ID)
		require.NoError(t, err)
		require.Len(t, convs, 1)
		require.NotNil(t, convs[0].LastMessage)
		assert.Equal(t, "you there?", convs[0].LastMessage.Content)
		assert.Zero(t, convs[0].UnreadCount)

		_, _, err = svc.SendMessage(ctx, SendMessageInput{
			SenderID: alice.ID, ConversationID: conv.ID, Content: "new one",
		})
		require.NoError(t, err)

		convs, err = svc.GetConversations(ctx, bob.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), convs[0].UnreadCount)
	})

	t.Run("outsider is rejected", func(t *testing.T) {
		outsider := &models.Profile{Username: "mallory"}
		require.NoError(t, db.Create(outsider).Error)

		_, err := svc.ListMessages(ctx, conv.ID, outsider.ID, 50, nil)
		require.Error(t, err)
		assert.Equal(t, models.ErrCodeNotAParticipant, appErrCode(t, err))

		_, err = svc.UnreadCount(ctx, conv.ID, outsider.ID)
		require.Error(t, err)
		assert.Equal(t, models.ErrCodeNotAParticipant, appErrCode(t, err))
	})

	t.Run("missing conversation", func(t *testing.T) {
		_, err := svc.GetConversationForUser(ctx, 9999, alice.ID)
		require.Error(t, err)
		assert.Equal(t, models.ErrCodeNotFound, appErrCode(t, err))
	})

	t.Run("deleted sender renders as unknown", func(t *testing.T) {
		ghost := &models.Profile{Username: "ghost"}
		require.NoError(t, db.Create(ghost).Error)
		group, err := svc.CreateConversation(ctx, CreateConversationInput{
			CreatorID:      alice.ID,
			Kind:           models.ConversationCourse,
			Name:           "CS101",
			ParticipantIDs: []uint{bob.ID, ghost.ID},
		})
		require.NoError(t, err)

		_, _, err = svc.SendMessage(ctx, SendMessageInput{
			SenderID: ghost.ID, ConversationID: group.ID, Content: "before vanishing",
		})
		require.NoError(t, err)
		require.NoError(t, db.Unscoped().Delete(ghost).Error)

		msgs, err := svc.ListMessages(ctx, group.ID, alice.ID, 50, nil)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		require.NotNil(t, msgs[0].Sender)
		assert.Equal(t, models.UnknownProfileName, msgs[0].Sender.DisplayName())
	})

	t.Run("pagination through service", func(t *testing.T) {
		msgs, err := svc.ListMessages(ctx, conv.ID, bob.ID, 1, nil)
		require.NoError(t, err)
		require.Len(t, msgs, 1)

		before := &repository.MessageCursor{CreatedAt: msgs[0].CreatedAt, ID: msgs[0].ID}
		older, err := svc.ListMessages(ctx, conv.ID, bob.ID, 10, before)
		require.NoError(t, err)
		for _, m := range older {
			assert.Less(t, m.ID, msgs[0].ID)
		}
	})
}

func TestChatService_GroupMembership(t *testing.T) {
	svc, db := serviceTestDB(t)
	ctx := context.Background()

	users := []*models.Profile{{Username: "p1"}, {Username: "p2"}, {Username: "p3"}}
	for _, u := range users {
		require.NoError(t, db.Create(u).Error)
	}

	group, err := svc.CreateConversation(ctx, CreateConversationInput{
		CreatorID:      users[0].ID,
		Name:           "Dorm 4",
		ParticipantIDs: []uint{users[1].ID},
	})
	require.NoError(t, err)
	assert.Equal(t, models.ConversationGroup, group.Kind)
	assert.Len(t, group.Participants, 2)

	require.NoError(t, svc.AddParticipant(ctx, group.ID, users[0].ID, users[2].ID))

	_, err = svc.LeaveConversation(ctx, group.ID, users[2].ID)
	require.NoError(t, err)

	// Direct conversations cannot be left or extended.
	dm, _, err := svc.EnsureDirectConversation(ctx, users[0].ID, users[1].ID)
	require.NoError(t, err)

	_, err = svc.LeaveConversation(ctx, dm.ID, users[0].ID)
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeValidation, appErrCode(t, err))

	err = svc.AddParticipant(ctx, dm.ID, users[0].ID, users[2].ID)
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeValidation, appErrCode(t, err))
}
