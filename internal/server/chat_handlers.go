package server

import (
	"context"
	"encoding/json"
	"time"

	"campuslink/internal/featureflags"
	"campuslink/internal/models"
	"campuslink/internal/notifications"
	"campuslink/internal/service"

	"github.com/gofiber/fiber/v2"
)

// MessagesPage is the API response shape for a page of conversation history.
// NextBefore is the cursor for the page of older messages, empty when this
// page is (or may be) the oldest.
type MessagesPage struct {
	Messages   []*models.Message `json:"messages"`
	NextBefore string            `json:"next_before,omitempty"`
}

// CreateDirectConversation handles POST /api/conversations/direct
//
//	@Summary		Ensure a direct conversation
//	@Description	Returns the one direct conversation with another profile, creating it if needed
//	@Tags			conversations
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			request	body		object	true	"participant_id"
//	@Success		200		{object}	models.Conversation	"conversation already existed"
//	@Success		201		{object}	models.Conversation	"conversation created"
//	@Failure		400		{object}	models.ErrorResponse
//	@Router			/conversations/direct [post]
func (s *Server) CreateDirectConversation(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)

	var req struct {
		ParticipantID uint `json:"participant_id"`
	}
	if parseErr := c.BodyParser(&req); parseErr != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	conv, existed, err := s.chatService.EnsureDirectConversation(ctx, userID, req.ParticipantID)
	if err != nil {
		return respondServiceError(c, err)
	}

	if !existed {
		for _, participant := range conv.Participants {
			if participant.ID == userID {
				continue
			}
			s.publishUserEvent(participant.ID, EventConversationCreated, map[string]interface{}{
				"conversation_id": conv.ID,
				"kind":            conv.Kind,
				"created_at":      conv.CreatedAt.UTC().Format(time.RFC3339Nano),
			})
		}
		return c.Status(fiber.StatusCreated).JSON(conv)
	}
	return c.Status(fiber.StatusOK).JSON(conv)
}

// CreateConversation handles POST /api/conversations
//
//	@Summary		Create a group or course conversation
//	@Tags			conversations
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Success		201	{object}	models.Conversation
//	@Failure		400	{object}	models.ErrorResponse
//	@Router			/conversations [post]
func (s *Server) CreateConversation(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)

	var req struct {
		Kind           string `json:"kind,omitempty"`
		Name           string `json:"name"`
		ParticipantIDs []uint `json:"participant_ids"`
	}
	if parseErr := c.BodyParser(&req); parseErr != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	if req.Kind == models.ConversationCourse &&
		!s.featureFlags.Enabled(featureflags.FlagCourseChannels, userID) {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Course channels are not enabled"))
	}

	conv, err := s.chatService.CreateConversation(ctx, service.CreateConversationInput{
		CreatorID:      userID,
		Kind:           req.Kind,
		Name:           req.Name,
		ParticipantIDs: req.ParticipantIDs,
	})
	if err != nil {
		return respondServiceError(c, err)
	}

	for _, participant := range conv.Participants {
		if participant.ID == userID {
			continue
		}
		s.publishUserEvent(participant.ID, EventConversationCreated, map[string]interface{}{
			"conversation_id": conv.ID,
			"kind":            conv.Kind,
			"name":            conv.Name,
			"created_at":      conv.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}

	return c.Status(fiber.StatusCreated).JSON(conv)
}

// GetConversations handles GET /api/conversations
//
//	@Summary	List the caller's conversations, newest activity first
//	@Tags		conversations
//	@Produce	json
//	@Security	BearerAuth
//	@Success	200	{array}	models.Conversation
//	@Router		/conversations [get]
func (s *Server) GetConversations(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)

	conversations, err := s.chatService.GetConversations(ctx, userID)
	if err != nil {
		return respondServiceError(c, err)
	}

	return c.JSON(conversations)
}

// GetConversation handles GET /api/conversations/:id
func (s *Server) GetConversation(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	conv, err := s.chatService.GetConversationForUser(ctx, convID, userID)
	if err != nil {
		return respondServiceError(c, err)
	}

	return c.JSON(conv)
}

// SendMessage handles POST /api/conversations/:id/messages
//
//	@Summary		Send a message
//	@Description	Appends a message to the conversation and fans it out to connected participants
//	@Tags			messages
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Success		201	{object}	models.Message
//	@Failure		400	{object}	models.ErrorResponse
//	@Failure		403	{object}	models.ErrorResponse
//	@Router			/conversations/{id}/messages [post]
func (s *Server) SendMessage(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	var req struct {
		Content     string          `json:"content"`
		MessageType string          `json:"message_type,omitempty"`
		ClientRef   string          `json:"client_ref,omitempty"`
		Metadata    json.RawMessage `json:"metadata,omitempty"`
	}
	if parseErr := c.BodyParser(&req); parseErr != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	message, conv, err := s.chatService.SendMessage(ctx, service.SendMessageInput{
		SenderID:       userID,
		ConversationID: convID,
		Content:        req.Content,
		MessageType:    req.MessageType,
		ClientRef:      req.ClientRef,
		Metadata:       req.Metadata,
	})
	if err != nil {
		return respondServiceError(c, err)
	}

	s.fanOutMessage(userID, conv, message)

	return c.Status(fiber.StatusCreated).JSON(message)
}

// fanOutMessage pushes a stored message to every delivery path: connected
// conversation viewers on this instance, Redis for other instances, and the
// personal notification channel of direct-message recipients.
func (s *Server) fanOutMessage(senderID uint, conv *models.Conversation, message *models.Message) {
	senderUsername := ""
	if message.Sender != nil {
		senderUsername = message.Sender.Username
	}

	event := notifications.ChatMessage{
		Type:           "message",
		ConversationID: conv.ID,
		UserID:         senderID,
		Username:       senderUsername,
		Payload:        message,
	}

	if s.chatHub != nil {
		s.chatHub.BroadcastToConversation(conv.ID, event)
	}

	if s.notifier != nil {
		if raw, err := json.Marshal(event); err == nil {
			_ = s.notifier.PublishChatMessage(context.Background(), conv.ID, string(raw))
		}
	}

	// Only direct messages trigger personal bell/toast notifications;
	// group and course traffic stays in the conversation stream.
	if conv.IsDirect() {
		for _, participant := range conv.Participants {
			if participant.ID == senderID {
				continue
			}
			s.publishUserEvent(participant.ID, EventMessageReceived, map[string]interface{}{
				"conversation_id": conv.ID,
				"message_id":      message.ID,
				"from_user":       profileSummaryPtr(message.Sender),
				"preview":         message.Content,
				"created_at":      nowUTC().Format(time.RFC3339Nano),
			})
		}
	}
}

// GetMessages handles GET /api/conversations/:id/messages
//
//	@Summary		Fetch conversation history
//	@Description	Returns up to limit messages in ascending order; pass before=<cursor> to page backwards
//	@Tags			messages
//	@Produce		json
//	@Security		BearerAuth
//	@Success		200	{object}	MessagesPage
//	@Router			/conversations/{id}/messages [get]
func (s *Server) GetMessages(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	before, err := s.parseBeforeCursor(c)
	if err != nil {
		return nil
	}
	page := parsePagination(c, 50)

	messages, err := s.chatService.ListMessages(ctx, convID, userID, page.Limit, before)
	if err != nil {
		return respondServiceError(c, err)
	}

	resp := MessagesPage{Messages: messages}
	if len(messages) == page.Limit {
		resp.NextBefore = messageCursorString(messages[0])
	}
	return c.JSON(resp)
}

// MarkConversationRead handles POST /api/conversations/:id/read
//
//	@Summary		Mark a conversation read
//	@Description	Marks every message not sent by the caller as read; idempotent
//	@Tags			messages
//	@Produce		json
//	@Security		BearerAuth
//	@Success		200	{object}	map[string]interface{}
//	@Router			/conversations/{id}/read [post]
func (s *Server) MarkConversationRead(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	updated, err := s.chatService.MarkRead(ctx, convID, userID)
	if err != nil {
		return respondServiceError(c, err)
	}

	// Read receipts are fire-and-forget; a lost receipt self-heals on the
	// next mark-read call.
	if updated > 0 {
		if s.chatHub != nil {
			s.chatHub.BroadcastToConversation(convID, notifications.ChatMessage{
				Type:           "read",
				ConversationID: convID,
				UserID:         userID,
				Payload: map[string]interface{}{
					"profile_id": userID,
					"read_at":    nowUTC().Format(time.RFC3339Nano),
				},
			})
		}
		if s.notifier != nil {
			_ = s.notifier.PublishReadReceipt(context.Background(), convID, userID)
		}
	}

	return c.JSON(fiber.Map{
		"conversation_id": convID,
		"updated":         updated,
	})
}

// GetUnreadCount handles GET /api/conversations/:id/unread
func (s *Server) GetUnreadCount(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	count, err := s.chatService.UnreadCount(ctx, convID, userID)
	if err != nil {
		return respondServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"conversation_id": convID,
		"unread":          count,
	})
}

// AddParticipant handles POST /api/conversations/:id/participants
func (s *Server) AddParticipant(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	var req struct {
		ParticipantID uint `json:"participant_id"`
	}
	if parseErr := c.BodyParser(&req); parseErr != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	if err := s.chatService.AddParticipant(ctx, convID, userID, req.ParticipantID); err != nil {
		return respondServiceError(c, err)
	}

	s.publishUserEvent(req.ParticipantID, EventParticipantAdded, map[string]interface{}{
		"conversation_id": convID,
		"added_by":        userID,
	})
	if s.chatHub != nil {
		s.chatHub.BroadcastToConversation(convID, notifications.ChatMessage{
			Type:           "presence",
			ConversationID: convID,
			UserID:         req.ParticipantID,
			Payload:        map[string]interface{}{"status": "joined"},
		})
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// LeaveConversation handles DELETE /api/conversations/:id
func (s *Server) LeaveConversation(c *fiber.Ctx) error {
	ctx := c.UserContext()
	userID := c.Locals("userID").(uint)
	convID, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}

	if _, err := s.chatService.LeaveConversation(ctx, convID, userID); err != nil {
		return respondServiceError(c, err)
	}

	if s.chatHub != nil {
		s.chatHub.LeaveConversation(userID, convID)
		s.chatHub.BroadcastToConversation(convID, notifications.ChatMessage{
			Type:           "presence",
			ConversationID: convID,
			UserID:         userID,
			Payload:        map[string]interface{}{"status": "left"},
		})
	}

	return c.SendStatus(fiber.StatusNoContent)
}
