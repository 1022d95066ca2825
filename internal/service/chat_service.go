// Package service provides application business logic for messaging.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"campuslink/internal/models"
	"campuslink/internal/repository"

	"gorm.io/gorm"
)

// ChatService provides conversation and message business logic.
type ChatService struct {
	chatRepo    repository.ChatRepository
	profileRepo repository.ProfileRepository
}

// NewChatService returns a new ChatService.
func NewChatService(chatRepo repository.ChatRepository, profileRepo repository.ProfileRepository) *ChatService {
	return &ChatService{
		chatRepo:    chatRepo,
		profileRepo: profileRepo,
	}
}

// CreateConversationInput is the input for creating a group conversation.
type CreateConversationInput struct {
	CreatorID      uint
	Kind           string
	Name           string
	ParticipantIDs []uint
}

// SendMessageInput is the input for sending a message.
type SendMessageInput struct {
	SenderID       uint
	ConversationID uint
	Content        string
	MessageType    string
	ClientRef      string
	Metadata       json.RawMessage
}

const maxMessageContentLen = 10000 // 10K characters

// EnsureDirectConversation returns the one direct conversation between the
// two profiles, creating it if needed. The second return reports whether the
// conversation already existed. Concurrent calls for the same pair converge
// on a single conversation ID: the store's unique direct_key index decides
// the winner and the loser re-fetches that row.
func (s *ChatService) EnsureDirectConversation(ctx context.Context, userA, userB uint) (*models.Conversation, bool, error) {
	if userA == 0 || userB == 0 {
		return nil, false, models.NewInvalidParticipantsError("Participant IDs must be non-zero")
	}
	if userA == userB {
		return nil, false, models.NewInvalidParticipantsError("Cannot start a conversation with yourself")
	}

	key := models.DirectKeyFor(userA, userB)

	existing, err := s.chatRepo.GetConversationByDirectKey(ctx, key)
	switch {
	case err == nil:
		healed, herr := s.healDirectParticipants(ctx, existing, userA, userB)
		if herr != nil {
			return nil, false, herr
		}
		return healed, true, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, false, models.NewStoreUnavailableError(err)
	}

	conv := &models.Conversation{
		Kind:      models.ConversationDirect,
		CreatedBy: userA,
		DirectKey: &key,
	}
	if err := s.chatRepo.CreateConversation(ctx, conv); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Lost the race; the winner's row is the conversation. The winner
			// may still be between creating the row and linking participants,
			// so link them here too rather than trusting its progress.
			winner, werr := s.chatRepo.GetConversationByDirectKey(ctx, key)
			if werr != nil {
				return nil, false, models.NewStoreUnavailableError(werr)
			}
			healed, herr := s.healDirectParticipants(ctx, winner, userA, userB)
			if herr != nil {
				return nil, false, herr
			}
			return healed, true, nil
		}
		return nil, false, models.NewStoreUnavailableError(err)
	}

	for _, id := range []uint{userA, userB} {
		if err := s.chatRepo.AddParticipant(ctx, conv.ID, id); err != nil {
			return nil, false, models.NewParticipantLinkFailedError(err)
		}
	}

	created, err := s.chatRepo.GetConversation(ctx, conv.ID)
	if err != nil {
		return nil, false, models.NewStoreUnavailableError(err)
	}
	return created, false, nil
}

// healDirectParticipants repairs a direct conversation whose participant
// links are missing after an earlier partial failure. Without the repair the
// unique direct_key index would keep returning the orphan and both profiles
// would stay locked out of their own conversation. The check reads the link
// table directly because the preloaded Participants slice is empty whenever
// the profile mirror lags behind. Re-adding an existing participant is a
// no-op, so concurrent healers are safe.
func (s *ChatService) healDirectParticipants(ctx context.Context, conv *models.Conversation, userA, userB uint) (*models.Conversation, error) {
	linked, err := s.chatRepo.ParticipantIDs(ctx, conv.ID)
	if err != nil {
		return nil, models.NewStoreUnavailableError(err)
	}
	if len(linked) >= 2 {
		return conv, nil
	}
	for _, id := range []uint{userA, userB} {
		if err := s.chatRepo.AddParticipant(ctx, conv.ID, id); err != nil {
			return nil, models.NewParticipantLinkFailedError(err)
		}
	}
	repaired, err := s.chatRepo.GetConversation(ctx, conv.ID)
	if err != nil {
		return nil, models.NewStoreUnavailableError(err)
	}
	return repaired, nil
}

// CreateConversation creates a new group or course conversation.
func (s *ChatService) CreateConversation(ctx context.Context, in CreateConversationInput) (*models.Conversation, error) {
	if in.CreatorID == 0 {
		return nil, models.NewInvalidParticipantsError("Creator ID must be non-zero")
	}

	kind := in.Kind
	if kind == "" {
		kind = models.ConversationGroup
	}
	if kind != models.ConversationGroup && kind != models.ConversationCourse {
		return nil, models.NewValidationError("Conversation kind must be group or course")
	}

	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, models.NewValidationError("Group conversations require a name")
	}

	// Dedupe members; the creator is always included.
	memberSet := map[uint]bool{in.CreatorID: true}
	members := []uint{in.CreatorID}
	for _, id := range in.ParticipantIDs {
		if id == 0 {
			return nil, models.NewInvalidParticipantsError("Participant IDs must be non-zero")
		}
		if memberSet[id] {
			continue
		}
		memberSet[id] = true
		members = append(members, id)
	}
	if len(members) < 2 {
		return nil, models.NewInvalidParticipantsError("At least one other participant is required")
	}

	conv := &models.Conversation{
		Kind:      kind,
		Name:      name,
		CreatedBy: in.CreatorID,
	}
	if err := s.chatRepo.CreateConversation(ctx, conv); err != nil {
		return nil, models.NewStoreUnavailableError(err)
	}

	for _, id := range members {
		if err := s.chatRepo.AddParticipant(ctx, conv.ID, id); err != nil {
			return nil, models.NewParticipantLinkFailedError(err)
		}
	}

	created, err := s.chatRepo.GetConversation(ctx, conv.ID)
	if err != nil {
		return nil, models.NewStoreUnavailableError(err)
	}
	return created, nil
}

// GetConversations returns the viewer's conversations decorated with the
// last message and a live per-viewer unread count, newest activity first.
func (s *ChatService) GetConversations(ctx context.Context, viewerID uint) ([]*models.Conversation, error) {
	convs, err := s.chatRepo.GetUserConversations(ctx, viewerID)
	if err != nil {
		return nil, models.NewStoreUnavailableError(err)
	}
	if len(convs) == 0 {
		return convs, nil
	}

	ids := make([]uint, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.ID)
	}

	last, err := s.chatRepo.LastMessages(ctx, ids)
	if err != nil {
		return nil, models.NewStoreUnavailableError(err)
	}
	counts, err := s.chatRepo.UnreadCounts(ctx, ids, viewerID)
	if err != nil {
		return nil, models.NewStoreUnavailableError(err)
	}

	for _, c := range convs {
		if lm := last[c.ID]; lm != nil {
			if lm.Sender == nil {
				placeholder := models.UnknownProfile(lm.SenderID)
				lm.Sender = &placeholder
			}
			c.LastMessage = lm
		}
		c.UnreadCount = counts[c.ID]
	}
	return convs, nil
}

// GetConversationForUser returns the conversation if the viewer is a participant.
func (s *ChatService) GetConversationForUser(ctx context.Context, convID, viewerID uint) (*models.Conversation, error) {
	conv, err := s.chatRepo.GetConversation(ctx, convID)
	if err != nil {
		return nil, conversationErr(convID, err)
	}
	if !isConversationParticipant(conv, viewerID) {
		return nil, models.NewNotAParticipantError()
	}
	return conv, nil
}

// SendMessage appends a message to a conversation. The optional ClientRef is
// stored and echoed back verbatim. Store failures surface directly; there
// are no automatic retries.
func (s *ChatService) SendMessage(ctx context.Context, in SendMessageInput) (*models.Message, *models.Conversation, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, nil, models.NewEmptyMessageError()
	}
	if len(content) > maxMessageContentLen {
		return nil, nil, models.NewValidationError("Message content too long (max 10000 characters)")
	}
	if in.MessageType == "" {
		in.MessageType = "text"
	}
	if in.Metadata == nil {
		in.Metadata = json.RawMessage("{}")
	}

	conv, err := s.chatRepo.GetConversation(ctx, in.ConversationID)
	if err != nil {
		return nil, nil, conversationErr(in.ConversationID, err)
	}
	if !isConversationParticipant(conv, in.SenderID) {
		return nil, nil, models.NewNotAParticipantError()
	}

	message := &models.Message{
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        content,
		MessageType:    in.MessageType,
		ClientRef:      in.ClientRef,
		Metadata:       in.Metadata,
	}
	if err := s.chatRepo.CreateMessage(ctx, message); err != nil {
		return nil, nil, models.NewStoreUnavailableError(err)
	}

	// Sender resolution is best-effort decoration.
	if sender, err := s.profileRepo.GetByID(ctx, in.SenderID); err == nil {
		message.Sender = sender
	}

	return message, conv, nil
}

// ListMessages returns up to limit messages of the conversation in ascending
// (created_at, id) order. A non-nil before cursor pages backwards through
// history.
func (s *ChatService) ListMessages(ctx context.Context, convID, viewerID uint, limit int, before *repository.MessageCursor) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}

	conv, err := s.chatRepo.GetConversation(ctx, convID)
	if err != nil {
		return nil, conversationErr(convID, err)
	}
	if !isConversationParticipant(conv, viewerID) {
		return nil, models.NewNotAParticipantError()
	}

	messages, err := s.chatRepo.GetMessages(ctx, convID, limit, before)
	if err != nil {
		return nil, models.NewStoreUnavailableError(err)
	}

	for _, m := range messages {
		if m.Sender == nil {
			placeholder := models.UnknownProfile(m.SenderID)
			m.Sender = &placeholder
		}
	}
	return messages, nil
}

// MarkRead marks every message the viewer has not sent as read and returns
// how many messages changed. Calling it again without new messages is a
// no-op.
func (s *ChatService) MarkRead(ctx context.Context, convID, viewerID uint) (int64, error) {
	if err := s.requireParticipant(ctx, convID, viewerID); err != nil {
		return 0, err
	}

	updated, err := s.chatRepo.MarkConversationRead(ctx, convID, viewerID)
	if err != nil {
		return 0, models.NewStoreUnavailableError(err)
	}
	return updated, nil
}

// UnreadCount returns the viewer's live unread count for the conversation.
func (s *ChatService) UnreadCount(ctx context.Context, convID, viewerID uint) (int64, error) {
	if err := s.requireParticipant(ctx, convID, viewerID); err != nil {
		return 0, err
	}

	count, err := s.chatRepo.UnreadCount(ctx, convID, viewerID)
	if err != nil {
		return 0, models.NewStoreUnavailableError(err)
	}
	return count, nil
}

// LeaveConversation removes the viewer from a group or course conversation.
func (s *ChatService) LeaveConversation(ctx context.Context, convID, viewerID uint) (*models.Conversation, error) {
	conv, err := s.chatRepo.GetConversation(ctx, convID)
	if err != nil {
		return nil, conversationErr(convID, err)
	}
	if !isConversationParticipant(conv, viewerID) {
		return nil, models.NewNotAParticipantError()
	}
	if conv.IsDirect() {
		return nil, models.NewValidationError("Cannot leave a direct conversation")
	}
	if err := s.chatRepo.RemoveParticipant(ctx, convID, viewerID); err != nil {
		return nil, models.NewStoreUnavailableError(err)
	}
	return conv, nil
}

// AddParticipant adds a member to a group or course conversation.
func (s *ChatService) AddParticipant(ctx context.Context, convID, actorID, participantID uint) error {
	conv, err := s.chatRepo.GetConversation(ctx, convID)
	if err != nil {
		return conversationErr(convID, err)
	}
	if !isConversationParticipant(conv, actorID) {
		return models.NewNotAParticipantError()
	}
	if conv.IsDirect() {
		return models.NewValidationError("Cannot add participants to direct conversations")
	}
	if participantID == 0 {
		return models.NewInvalidParticipantsError("Participant ID must be non-zero")
	}
	if err := s.chatRepo.AddParticipant(ctx, convID, participantID); err != nil {
		return models.NewParticipantLinkFailedError(err)
	}
	return nil
}

func (s *ChatService) requireParticipant(ctx context.Context, convID, viewerID uint) error {
	ok, err := s.chatRepo.IsParticipant(ctx, convID, viewerID)
	if err != nil {
		return models.NewStoreUnavailableError(err)
	}
	if !ok {
		return models.NewNotAParticipantError()
	}
	return nil
}

func conversationErr(convID uint, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.NewNotFoundError("Conversation", convID)
	}
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return models.NewStoreUnavailableError(err)
}

func isConversationParticipant(conv *models.Conversation, profileID uint) bool {
	for _, participant := range conv.Participants {
		if participant.ID == profileID {
			return true
		}
	}
	return false
}
