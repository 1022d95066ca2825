package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDirectKeyFor(t *testing.T) {
	assert.Equal(t, "3:7", DirectKeyFor(3, 7))
	assert.Equal(t, "3:7", DirectKeyFor(7, 3), "pair key must not depend on argument order")
	assert.Equal(t, "5:5", DirectKeyFor(5, 5))
}

func TestProfileDisplayName(t *testing.T) {
	p := Profile{Username: "jdoe", FullName: "Jordan Doe"}
	assert.Equal(t, "Jordan Doe", p.DisplayName())

	p.FullName = ""
	assert.Equal(t, "jdoe", p.DisplayName())

	empty := Profile{}
	assert.Equal(t, UnknownProfileName, empty.DisplayName())

	unknown := UnknownProfile(42)
	assert.Equal(t, uint(42), unknown.ID)
	assert.Equal(t, UnknownProfileName, unknown.DisplayName())
}

func TestConversationIsDirect(t *testing.T) {
	assert.True(t, (&Conversation{Kind: ConversationDirect}).IsDirect())
	assert.False(t, (&Conversation{Kind: ConversationGroup}).IsDirect())
	assert.False(t, (&Conversation{Kind: ConversationCourse}).IsDirect())
}
