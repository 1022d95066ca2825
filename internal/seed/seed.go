package seed

import (
	"fmt"
	"log"
	"math/rand"
	"time"

	"campuslink/internal/models"

	"gorm.io/gorm"
)

// Options configuration for the seeder
type Options struct {
	NumProfiles int
	NumGroups   int
	// MaxMessages bounds how many messages each conversation receives.
	MaxMessages int
	// MaxDays spreads message timestamps over the past N days.
	MaxDays     int
	ShouldClean bool
	DryRun      bool
}

var groupNames = []string{
	"Dorm Floor 3", "Study Buddies", "Campus Events", "Intramural Soccer",
	"Robotics Club", "Film Society", "Debate Team", "Hiking Group",
	"Board Games Night", "Volunteer Corps", "Photography Club", "Jazz Ensemble",
}

var courseNames = []string{
	"CS101 Intro to Programming", "MATH201 Linear Algebra", "PHYS110 Mechanics",
	"ECON150 Microeconomics", "HIST210 Modern Europe", "BIO120 Cell Biology",
	"PHIL105 Logic", "ENG230 Creative Writing",
}

// Seed populates the database with demo profiles, conversations, and message
// history.
func Seed(db *gorm.DB, opts Options) error {
	log.Printf("Starting database seeding with %d profiles and %d groups...", opts.NumProfiles, opts.NumGroups)

	if opts.ShouldClean {
		if err := clearData(db); err != nil {
			log.Println("Warning: could not clear all existing data, continuing anyway...")
		}
	}

	factory := NewFactory(db, opts)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	profiles, err := createProfiles(factory, opts.NumProfiles)
	if err != nil {
		return fmt.Errorf("failed to create profiles: %w", err)
	}
	log.Printf("%d profiles created", len(profiles))

	conversations, err := createConversations(factory, rng, profiles, opts.NumGroups)
	if err != nil {
		return fmt.Errorf("failed to create conversations: %w", err)
	}
	log.Printf("%d conversations created", len(conversations))

	total, err := createMessageHistory(factory, rng, conversations, opts)
	if err != nil {
		return fmt.Errorf("failed to create messages: %w", err)
	}
	log.Printf("%d messages created", total)

	log.Println("Seeding complete")
	return nil
}

func createProfiles(factory *Factory, count int) ([]*models.Profile, error) {
	if count <= 0 {
		count = 20
	}
	profiles := make([]*models.Profile, 0, count)
	for i := 0; i < count; i++ {
		p, err := factory.CreateProfile()
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

// seededConversation carries a conversation with its member set so the
// message pass can pick senders who actually belong to the conversation.
type seededConversation struct {
	conv    *models.Conversation
	members []*models.Profile
}

func createConversations(factory *Factory, rng *rand.Rand, profiles []*models.Profile, numGroups int) ([]seededConversation, error) {
	var out []seededConversation

	// Direct conversations: pair each profile with a few random others.
	for _, p := range profiles {
		pairs := rng.Intn(3) + 1
		for j := 0; j < pairs; j++ {
			other := profiles[rng.Intn(len(profiles))]
			if other.ID == p.ID {
				continue
			}
			conv, err := factory.CreateDirectConversation(p, other)
			if err != nil {
				return nil, err
			}
			out = append(out, seededConversation{conv: conv, members: []*models.Profile{p, other}})
		}
	}

	if numGroups <= 0 {
		numGroups = 6
	}
	for i := 0; i < numGroups; i++ {
		kind := models.ConversationGroup
		name := groupNames[i%len(groupNames)]
		if i%3 == 2 {
			kind = models.ConversationCourse
			name = courseNames[i%len(courseNames)]
		}

		members := pickMembers(rng, profiles, rng.Intn(6)+3)
		conv, err := factory.CreateGroupConversation(kind, name, members)
		if err != nil {
			return nil, err
		}
		out = append(out, seededConversation{conv: conv, members: members})
	}

	return out, nil
}

func createMessageHistory(factory *Factory, rng *rand.Rand, conversations []seededConversation, opts Options) (int, error) {
	maxMessages := opts.MaxMessages
	if maxMessages <= 0 {
		maxMessages = 25
	}

	total := 0
	for _, sc := range conversations {
		if len(sc.members) == 0 {
			continue
		}
		count := rng.Intn(maxMessages) + 1
		batch := make([]*models.Message, 0, count)
		for i := 0; i < count; i++ {
			sender := sc.members[rng.Intn(len(sc.members))]
			msg := factory.BuildMessage(sc.conv, sender)
			// Older messages are mostly read already.
			if rng.Intn(100) < 70 {
				msg.IsRead = true
				readAt := msg.CreatedAt.Add(time.Duration(rng.Intn(120)) * time.Minute)
				msg.ReadAt = &readAt
			}
			batch = append(batch, msg)
		}
		if err := factory.CreateMessagesBatch(batch); err != nil {
			return total, err
		}
		total += len(batch)
	}
	return total, nil
}

func pickMembers(rng *rand.Rand, profiles []*models.Profile, n int) []*models.Profile {
	if n > len(profiles) {
		n = len(profiles)
	}
	idx := rng.Perm(len(profiles))[:n]
	members := make([]*models.Profile, 0, n)
	for _, i := range idx {
		members = append(members, profiles[i])
	}
	return members
}

func clearData(db *gorm.DB) error {
	// Delete in dependency order.
	for _, stmt := range []string{
		"DELETE FROM messages",
		"DELETE FROM conversation_participants",
		"DELETE FROM conversations",
		"DELETE FROM profiles",
	} {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}
