package models

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
)

// Error codes surfaced by the messaging services. Handlers map these to HTTP
// statuses; WebSocket consumers receive them verbatim in error frames.
const (
	ErrCodeInvalidParticipants   = "INVALID_PARTICIPANTS"
	ErrCodeEmptyMessage          = "EMPTY_MESSAGE"
	ErrCodeNotAParticipant       = "NOT_A_PARTICIPANT"
	ErrCodeParticipantLinkFailed = "PARTICIPANT_LINK_FAILED"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeStoreUnavailable      = "STORE_UNAVAILABLE"
	ErrCodeValidation            = "VALIDATION_ERROR"
	ErrCodeUnauthorized          = "UNAUTHORIZED"
	ErrCodeInternal              = "INTERNAL_ERROR"
)

// ErrorResponse is the JSON error envelope returned by every handler.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// AppError carries a machine-readable code alongside the human message and,
// optionally, the underlying cause.
type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewInvalidParticipantsError rejects a conversation whose participant set is
// malformed (self-conversation, zero IDs, fewer than two members).
func NewInvalidParticipantsError(message string) *AppError {
	return &AppError{Code: ErrCodeInvalidParticipants, Message: message}
}

// NewEmptyMessageError rejects a message whose content is empty after
// trimming whitespace.
func NewEmptyMessageError() *AppError {
	return &AppError{Code: ErrCodeEmptyMessage, Message: "message content cannot be empty"}
}

// NewNotAParticipantError rejects an operation by a user who is not a member
// of the conversation.
func NewNotAParticipantError() *AppError {
	return &AppError{Code: ErrCodeNotAParticipant, Message: "user is not a participant in this conversation"}
}

// NewParticipantLinkFailedError reports that the conversation row exists but
// linking one or more participants to it failed.
func NewParticipantLinkFailedError(err error) *AppError {
	return &AppError{Code: ErrCodeParticipantLinkFailed, Message: "failed to add participants to conversation", Err: err}
}

// NewStoreUnavailableError wraps a storage failure that is not a lookup miss.
func NewStoreUnavailableError(err error) *AppError {
	return &AppError{Code: ErrCodeStoreUnavailable, Message: "storage backend unavailable", Err: err}
}

func NewNotFoundError(resource string, id interface{}) *AppError {
	return &AppError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s with ID %v not found", resource, id),
	}
}

func NewValidationError(message string) *AppError {
	return &AppError{Code: ErrCodeValidation, Message: message}
}

func NewUnauthorizedError(message string) *AppError {
	return &AppError{Code: ErrCodeUnauthorized, Message: message}
}

func NewInternalError(err error) *AppError {
	return &AppError{Code: ErrCodeInternal, Message: "an internal error occurred", Err: err}
}

// RespondWithError writes the standard error envelope. AppErrors keep their
// code; anything else is reported as-is without a code.
func RespondWithError(c *fiber.Ctx, statusCode int, err error) error {
	response := ErrorResponse{Error: err.Error()}

	if appErr, ok := err.(*AppError); ok {
		response.Code = appErr.Code
		response.Error = appErr.Message
		if appErr.Err != nil {
			response.Details = appErr.Err.Error()
		}
	}

	return c.Status(statusCode).JSON(response)
}
