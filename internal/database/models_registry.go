package database

import "campuslink/internal/models"

// PersistentModels returns the authoritative set of schema-managed GORM models.
func PersistentModels() []interface{} {
	return []interface{}{
		&models.Profile{},
		&models.Conversation{},
		&models.Message{},
		&models.ConversationParticipant{},
	}
}
