package models

import (
	"time"

	"gorm.io/gorm"
)

// UnknownProfileName is substituted whenever a referenced profile cannot be
// resolved, so messages from deleted or unsynced accounts still render.
const UnknownProfileName = "Unknown User"

// Profile is a read-only mirror of an identity-provider account. This service
// never creates or authenticates profiles; it only resolves and searches them.
type Profile struct {
	ID         uint           `gorm:"primarykey" json:"id"`
	Username   string         `gorm:"uniqueIndex;size:64;not null" json:"username"`
	FullName   string         `gorm:"size:255" json:"full_name"`
	AvatarURL  string         `gorm:"size:512" json:"avatar_url,omitempty"`
	Department string         `gorm:"size:128" json:"department,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`
}

// DisplayName returns the best human-readable name for the profile.
func (p *Profile) DisplayName() string {
	if p.FullName != "" {
		return p.FullName
	}
	if p.Username != "" {
		return p.Username
	}
	return UnknownProfileName
}

// UnknownProfile is the placeholder returned for IDs the directory cannot
// resolve. Lookups degrade to this instead of failing the whole request.
func UnknownProfile(id uint) Profile {
	return Profile{ID: id, FullName: UnknownProfileName}
}
