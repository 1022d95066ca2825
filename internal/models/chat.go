package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Conversation kinds. Direct conversations are the unique channel between two
// profiles; group and course conversations are named multi-member rooms.
const (
	ConversationDirect = "direct"
	ConversationGroup  = "group"
	ConversationCourse = "course"
)

// Conversation is a chat channel between two or more profiles.
type Conversation struct {
	ID        uint   `gorm:"primarykey" json:"id"`
	Kind      string `gorm:"size:16;not null;default:'direct';index" json:"kind"`
	Name      string `gorm:"size:255" json:"name"`
	Avatar    string `gorm:"size:512" json:"avatar,omitempty"`
	CreatedBy uint   `gorm:"index" json:"created_by"`

	// DirectKey is "<minID>:<maxID>" for direct conversations and NULL for
	// everything else. The unique index on it is what makes concurrent
	// ensure-direct calls converge on a single row.
	DirectKey *string `gorm:"size:64;uniqueIndex" json:"-"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Participants []Profile `gorm:"many2many:conversation_participants;" json:"participants,omitempty"`
	Messages     []Message `gorm:"foreignKey:ConversationID" json:"messages,omitempty"`

	// Derived per-viewer fields, populated by the service layer.
	LastMessage *Message `gorm:"-" json:"last_message,omitempty"`
	UnreadCount int64    `gorm:"-" json:"unread_count"`
}

func (c *Conversation) IsDirect() bool {
	return c.Kind == ConversationDirect
}

// DirectKeyFor returns the canonical pair key for a direct conversation
// between a and b, smaller ID first. Argument order never matters.
func DirectKeyFor(a, b uint) string {
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}

// Message is a single entry in a conversation's log.
type Message struct {
	ID             uint     `gorm:"primarykey" json:"id"`
	ConversationID uint     `gorm:"not null;index:idx_messages_conv_created,priority:1" json:"conversation_id"`
	SenderID       uint     `gorm:"not null;index" json:"sender_id"`
	Sender         *Profile `gorm:"foreignKey:SenderID" json:"sender,omitempty"`
	Content        string   `gorm:"type:text;not null" json:"content"`
	MessageType    string   `gorm:"size:32;default:'text'" json:"message_type"`

	// ClientRef is a caller-generated correlation ID, stored and echoed back
	// verbatim so optimistic UIs can reconcile pending entries with the
	// server-assigned message.
	ClientRef string          `gorm:"size:64;index" json:"client_ref,omitempty"`
	Metadata  json.RawMessage `gorm:"type:json" json:"metadata,omitempty"`

	IsRead bool       `gorm:"default:false;index" json:"is_read"`
	ReadAt *time.Time `json:"read_at,omitempty"`

	CreatedAt time.Time      `gorm:"index:idx_messages_conv_created,priority:2" json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// ConversationParticipant is the membership row joining profiles to
// conversations.
type ConversationParticipant struct {
	ConversationID uint       `gorm:"primaryKey" json:"conversation_id"`
	ProfileID      uint       `gorm:"primaryKey" json:"profile_id"`
	JoinedAt       time.Time  `gorm:"autoCreateTime" json:"joined_at"`
	LastReadAt     *time.Time `json:"last_read_at,omitempty"`
}
