package server

import (
	"context"
	"encoding/json"
	"log"

	"campuslink/internal/models"
)

// Event type constants prevent typos in event names.
const (
	EventMessageReceived     = "message_received"
	EventConversationCreated = "conversation_created"
	EventParticipantAdded    = "participant_added"
)

// publishUserEvent pushes a typed event to every device of a profile: locally
// through the notification hub and cross-instance through Redis. At-least-once
// delivery; consumers dedup by payload IDs.
func (s *Server) publishUserEvent(profileID uint, eventType string, payload map[string]interface{}) {
	event := map[string]interface{}{
		"type":    eventType,
		"payload": payload,
	}
	eventJSON, err := json.Marshal(event)
	if err != nil {
		log.Printf("failed to marshal %s event: %v", eventType, err)
		return
	}
	message := string(eventJSON)
	if s.hub != nil {
		s.hub.Broadcast(profileID, message)
	}
	if s.notifier != nil {
		if err := s.notifier.PublishUser(context.Background(), profileID, message); err != nil {
			log.Printf("failed to publish %s event to profile %d: %v", eventType, profileID, err)
		}
	}
}

func profileSummary(p models.Profile) map[string]interface{} {
	return map[string]interface{}{
		"id":       p.ID,
		"username": p.Username,
		"name":     p.DisplayName(),
		"avatar":   p.AvatarURL,
	}
}

func profileSummaryPtr(p *models.Profile) map[string]interface{} {
	if p == nil {
		return nil
	}
	return profileSummary(*p)
}
