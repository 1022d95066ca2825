package repository

import (
	"context"
	"time"

	"campuslink/internal/models"
	"campuslink/internal/observability"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MessageCursor identifies a position in a conversation's (created_at, id)
// order. Pagination walks backwards from it.
type MessageCursor struct {
	CreatedAt time.Time
	ID        uint
}

// ChatRepository defines the interface for conversation and message storage.
type ChatRepository interface {
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id uint) (*models.Conversation, error)
	GetConversationByDirectKey(ctx context.Context, key string) (*models.Conversation, error)
	GetUserConversations(ctx context.Context, profileID uint) ([]*models.Conversation, error)
	LastMessages(ctx context.Context, convIDs []uint) (map[uint]*models.Message, error)
	AddParticipant(ctx context.Context, convID, profileID uint) error
	RemoveParticipant(ctx context.Context, convID, profileID uint) error
	IsParticipant(ctx context.Context, convID, profileID uint) (bool, error)
	ParticipantIDs(ctx context.Context, convID uint) ([]uint, error)
	CreateMessage(ctx context.Context, msg *models.Message) error
	GetMessages(ctx context.Context, convID uint, limit int, before *MessageCursor) ([]*models.Message, error)
	MarkConversationRead(ctx context.Context, convID, viewerID uint) (int64, error)
	UnreadCount(ctx context.Context, convID, viewerID uint) (int64, error)
	UnreadCounts(ctx context.Context, convIDs []uint, viewerID uint) (map[uint]int64, error)
}

// chatRepository implements ChatRepository.
// All reads go to the primary: read-state and pagination queries need
// read-your-writes, which a lagging replica cannot guarantee.
type chatRepository struct {
	db      *gorm.DB
	metrics *observability.DatabaseMetrics
}

// NewChatRepository creates a new chat repository.
func NewChatRepository(db *gorm.DB) ChatRepository {
	return &chatRepository{db: db, metrics: observability.NewDatabaseMetrics(db)}
}

func (r *chatRepository) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	return r.db.WithContext(ctx).Create(conv).Error
}

func (r *chatRepository) GetConversation(ctx context.Context, id uint) (*models.Conversation, error) {
	var conv models.Conversation
	err := r.db.WithContext(ctx).
		Preload("Participants").
		First(&conv, id).Error
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (r *chatRepository) GetConversationByDirectKey(ctx context.Context, key string) (*models.Conversation, error) {
	var conv models.Conversation
	err := r.db.WithContext(ctx).
		Preload("Participants").
		Where("direct_key = ?", key).
		First(&conv).Error
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (r *chatRepository) GetUserConversations(ctx context.Context, profileID uint) ([]*models.Conversation, error) {
	defer r.metrics.TrackQuery("list", "conversations")()

	var conversations []*models.Conversation
	err := r.db.WithContext(ctx).
		Joins("JOIN conversation_participants cp ON conversations.id = cp.conversation_id").
		Where("cp.profile_id = ?", profileID).
		Preload("Participants").
		Order("conversations.updated_at DESC").
		Find(&conversations).Error
	return conversations, err
}

// LastMessages returns the newest message of each given conversation, keyed
// by conversation ID. Conversations without messages are absent from the map.
func (r *chatRepository) LastMessages(ctx context.Context, convIDs []uint) (map[uint]*models.Message, error) {
	result := make(map[uint]*models.Message, len(convIDs))
	if len(convIDs) == 0 {
		return result, nil
	}

	sub := r.db.Model(&models.Message{}).
		Select("MAX(id)").
		Where("conversation_id IN ?", convIDs).
		Group("conversation_id")

	var messages []*models.Message
	err := r.db.WithContext(ctx).
		Where("id IN (?)", sub).
		Preload("Sender").
		Find(&messages).Error
	if err != nil {
		return nil, err
	}

	for _, m := range messages {
		result[m.ConversationID] = m
	}
	return result, nil
}

func (r *chatRepository) AddParticipant(ctx context.Context, convID, profileID uint) error {
	participant := models.ConversationParticipant{
		ConversationID: convID,
		ProfileID:      profileID,
	}
	// Re-adding an existing participant is a no-op.
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&participant).Error
}

func (r *chatRepository) RemoveParticipant(ctx context.Context, convID, profileID uint) error {
	return r.db.WithContext(ctx).
		Where("conversation_id = ? AND profile_id = ?", convID, profileID).
		Delete(&models.ConversationParticipant{}).Error
}

func (r *chatRepository) IsParticipant(ctx context.Context, convID, profileID uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND profile_id = ?", convID, profileID).
		Count(&count).Error
	return count > 0, err
}

func (r *chatRepository) ParticipantIDs(ctx context.Context, convID uint) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&models.ConversationParticipant{}).
		Where("conversation_id = ?", convID).
		Order("profile_id ASC").
		Pluck("profile_id", &ids).Error
	return ids, err
}

// CreateMessage appends the message and bumps the conversation's updated_at
// so the conversation list sorts by latest activity.
func (r *chatRepository) CreateMessage(ctx context.Context, msg *models.Message) error {
	defer r.metrics.TrackQuery("create", "messages")()

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		return tx.Model(&models.Conversation{}).
			Where("id = ?", msg.ConversationID).
			Update("updated_at", msg.CreatedAt).Error
	})
}

// GetMessages returns up to limit messages in ascending (created_at, id)
// order. A non-nil before cursor restricts the page to messages strictly
// older than the cursor position.
func (r *chatRepository) GetMessages(ctx context.Context, convID uint, limit int, before *MessageCursor) ([]*models.Message, error) {
	defer r.metrics.TrackQuery("list", "messages")()

	q := r.db.WithContext(ctx).Where("conversation_id = ?", convID)
	if before != nil {
		q = q.Where("created_at < ? OR (created_at = ? AND id < ?)",
			before.CreatedAt, before.CreatedAt, before.ID)
	}

	var messages []*models.Message
	err := q.Preload("Sender").
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, err
	}

	// Fetched newest-first to take the tail of the log; reverse to the
	// chronological order callers expect.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

// MarkConversationRead flips every unread message not sent by the viewer and
// advances the viewer's last_read_at. Returns how many messages changed;
// repeated calls are no-ops.
func (r *chatRepository) MarkConversationRead(ctx context.Context, convID, viewerID uint) (int64, error) {
	now := time.Now().UTC()
	var updated int64

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Message{}).
			Where("conversation_id = ? AND sender_id <> ? AND is_read = ?", convID, viewerID, false).
			Updates(map[string]interface{}{"is_read": true, "read_at": now})
		if res.Error != nil {
			return res.Error
		}
		updated = res.RowsAffected

		return tx.Model(&models.ConversationParticipant{}).
			Where("conversation_id = ? AND profile_id = ?", convID, viewerID).
			Update("last_read_at", now).Error
	})

	return updated, err
}

// UnreadCount derives the viewer's unread total live from the message log.
func (r *chatRepository) UnreadCount(ctx context.Context, convID, viewerID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("conversation_id = ? AND sender_id <> ? AND is_read = ?", convID, viewerID, false).
		Count(&count).Error
	return count, err
}

// UnreadCounts is the grouped form of UnreadCount for decorating a
// conversation list in one query.
func (r *chatRepository) UnreadCounts(ctx context.Context, convIDs []uint, viewerID uint) (map[uint]int64, error) {
	result := make(map[uint]int64, len(convIDs))
	if len(convIDs) == 0 {
		return result, nil
	}

	type row struct {
		ConversationID uint
		Total          int64
	}
	var rows []row
	err := r.db.WithContext(ctx).Model(&models.Message{}).
		Select("conversation_id, COUNT(*) as total").
		Where("conversation_id IN ? AND sender_id <> ? AND is_read = ?", convIDs, viewerID, false).
		Group("conversation_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	for _, r := range rows {
		result[r.ConversationID] = r.Total
	}
	return result, nil
}
