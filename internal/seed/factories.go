// Package seed provides helpers to create demo data for the messaging
// database. These helpers are intended for development and testing only.
package seed

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"time"

	"campuslink/internal/models"

	"github.com/brianvoe/gofakeit/v6"
	"gorm.io/gorm"
)

// Factory builds domain entities and persists them to the database.
// It is a thin helper used by seed presets and tests.
type Factory struct {
	db   *gorm.DB
	opts Options
	rng  *rand.Rand
	// synthetic ID counter when running in DryRun mode
	nextID uint
}

// NewFactory creates a new Factory bound to the provided Gorm DB.
func NewFactory(db *gorm.DB, opts Options) *Factory {
	// seed gofakeit for richer content
	gofakeit.Seed(time.Now().UnixNano())
	return &Factory{
		db:     db,
		opts:   opts,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		nextID: 1000,
	}
}

var departments = []string{
	"Computer Science", "Mathematics", "Physics", "Biology", "Chemistry",
	"Economics", "History", "Philosophy", "Psychology", "Mechanical Engineering",
	"Electrical Engineering", "Literature", "Political Science", "Design",
}

// CreateProfile constructs and persists a sample directory profile.
// Optional override functions may modify the generated profile before saving.
func (f *Factory) CreateProfile(overrides ...func(*models.Profile)) (*models.Profile, error) {
	profile := &models.Profile{
		Username:   gofakeit.Username() + fmt.Sprintf("%d", gofakeit.Number(100, 999)),
		FullName:   gofakeit.Name(),
		AvatarURL:  fmt.Sprintf("https://i.pravatar.cc/150?u=%s", gofakeit.UUID()),
		Department: departments[f.rng.Intn(len(departments))],
	}

	for _, override := range overrides {
		override(profile)
	}

	if f.opts.DryRun {
		f.nextID++
		profile.ID = f.nextID
		log.Printf("[dry-run] CreateProfile: %s (%s)", profile.Username, profile.Department)
		return profile, nil
	}

	if err := f.db.Create(profile).Error; err != nil {
		return nil, err
	}
	return profile, nil
}

// CreateDirectConversation persists the canonical direct conversation between
// two profiles, including both membership rows. Calling it twice for the same
// pair returns the existing conversation.
func (f *Factory) CreateDirectConversation(a, b *models.Profile) (*models.Conversation, error) {
	key := models.DirectKeyFor(a.ID, b.ID)

	if f.opts.DryRun {
		f.nextID++
		log.Printf("[dry-run] CreateDirectConversation: %s <-> %s", a.Username, b.Username)
		return &models.Conversation{ID: f.nextID, Kind: models.ConversationDirect, DirectKey: &key}, nil
	}

	var existing models.Conversation
	err := f.db.Where("direct_key = ?", key).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	conv := &models.Conversation{
		Kind:      models.ConversationDirect,
		CreatedBy: a.ID,
		DirectKey: &key,
	}
	if err := f.db.Create(conv).Error; err != nil {
		return nil, err
	}
	for _, p := range []*models.Profile{a, b} {
		if err := f.addParticipant(conv.ID, p.ID); err != nil {
			return nil, err
		}
	}
	return conv, nil
}

// CreateGroupConversation persists a named group or course conversation with
// the given members. The first member is the creator.
func (f *Factory) CreateGroupConversation(kind, name string, members []*models.Profile) (*models.Conversation, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("group conversation %q needs at least one member", name)
	}

	if f.opts.DryRun {
		f.nextID++
		log.Printf("[dry-run] CreateGroupConversation: %s %q with %d members", kind, name, len(members))
		return &models.Conversation{ID: f.nextID, Kind: kind, Name: name}, nil
	}

	conv := &models.Conversation{
		Kind:      kind,
		Name:      name,
		CreatedBy: members[0].ID,
	}
	if err := f.db.Create(conv).Error; err != nil {
		return nil, err
	}
	for _, p := range members {
		if err := f.addParticipant(conv.ID, p.ID); err != nil {
			return nil, err
		}
	}
	return conv, nil
}

// BuildMessage constructs a message with a realistic created_at spread but
// does not persist it. Useful for batching.
func (f *Factory) BuildMessage(conv *models.Conversation, sender *models.Profile, overrides ...func(*models.Message)) *models.Message {
	msg := &models.Message{
		ConversationID: conv.ID,
		SenderID:       sender.ID,
		Content:        gofakeit.HipsterSentence(f.rng.Intn(12) + 3),
		MessageType:    "text",
		Metadata:       json.RawMessage("{}"),
	}

	maxDays := f.opts.MaxDays
	if maxDays <= 0 {
		maxDays = 30
	}
	daysBack := f.rng.Intn(maxDays)
	hoursBack := f.rng.Intn(24)
	minsBack := f.rng.Intn(60)
	msg.CreatedAt = time.Now().Add(-time.Duration(daysBack)*24*time.Hour -
		time.Duration(hoursBack)*time.Hour - time.Duration(minsBack)*time.Minute)

	for _, override := range overrides {
		override(msg)
	}
	return msg
}

// CreateMessagesBatch persists multiple messages in a single DB call when possible.
func (f *Factory) CreateMessagesBatch(messages []*models.Message) error {
	if len(messages) == 0 {
		return nil
	}
	if f.opts.DryRun {
		for _, m := range messages {
			f.nextID++
			m.ID = f.nextID
		}
		log.Printf("[dry-run] CreateMessagesBatch: %d messages (no DB write)", len(messages))
		return nil
	}
	return f.db.Create(&messages).Error
}

func (f *Factory) addParticipant(convID, profileID uint) error {
	return f.db.Create(&models.ConversationParticipant{
		ConversationID: convID,
		ProfileID:      profileID,
	}).Error
}
