package server

import (
	"errors"
	"strconv"
	"strings"
	"time"
	"unicode"

	"campuslink/internal/models"
	"campuslink/internal/repository"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// errResponseWritten is a sentinel indicating the HTTP response was already
// committed by a helper.  Handlers must return nil (not this error) to avoid
// Fiber's ErrorHandler overwriting the response.
var errResponseWritten = errors.New("response already written")

// Pagination holds parsed limit/offset query parameters.
type Pagination struct {
	Limit  int
	Offset int
}

const (
	maxPaginationLimit = 100
)

// parsePagination extracts limit and offset query parameters with the given default limit.
func parsePagination(c *fiber.Ctx, defaultLimit int) Pagination {
	limit := c.QueryInt("limit", defaultLimit)
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxPaginationLimit {
		limit = maxPaginationLimit
	}

	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}

	return Pagination{
		Limit:  limit,
		Offset: offset,
	}
}

// parseID extracts a route parameter by name as a positive uint.
// On failure it writes a 400 JSON response and returns errResponseWritten.
// Callers should check: if err != nil { return nil }
// The error message is derived from the parameter name (e.g. "id" -> "Invalid ID",
// "userId" -> "Invalid user ID").
func (s *Server) parseID(c *fiber.Ctx, param string) (uint, error) {
	id, err := c.ParamsInt(param)
	if err != nil || id <= 0 {
		_ = models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid "+humanizeParam(param)))
		return 0, errResponseWritten
	}
	return uint(id), nil
}

// humanizeParam converts a route param name into a human-readable label.
// Examples: "id" -> "ID", "userId" -> "user ID".
func humanizeParam(param string) string {
	if param == "id" {
		return "ID"
	}
	// Split on camelCase boundary before the trailing "Id" suffix.
	if strings.HasSuffix(param, "Id") {
		prefix := param[:len(param)-2]
		words := splitCamel(prefix)
		return strings.ToLower(strings.Join(words, " ")) + " ID"
	}
	return param
}

// splitCamel splits a camelCase string into words.
func splitCamel(s string) []string {
	var words []string
	start := 0
	for i, r := range s {
		if i > 0 && unicode.IsUpper(r) {
			words = append(words, s[start:i])
			start = i
		}
	}
	words = append(words, s[start:])
	return words
}

// parseBeforeCursor parses the "before" query parameter used for message
// history pagination. The format is "<created_at_unixnano>:<id>"; an absent
// parameter means "latest page". On a malformed cursor it writes a 400
// response and returns errResponseWritten.
func (s *Server) parseBeforeCursor(c *fiber.Ctx) (*repository.MessageCursor, error) {
	raw := c.Query("before")
	if raw == "" {
		return nil, nil
	}

	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 {
		_ = models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid before cursor"))
		return nil, errResponseWritten
	}

	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		_ = models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid before cursor"))
		return nil, errResponseWritten
	}
	id, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil || id == 0 {
		_ = models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid before cursor"))
		return nil, errResponseWritten
	}

	return &repository.MessageCursor{
		CreatedAt: time.Unix(0, nanos).UTC(),
		ID:        uint(id),
	}, nil
}

// messageCursorString renders a cursor for the oldest message of a page, so
// clients can request the next page without knowing the wire format.
func messageCursorString(m *models.Message) string {
	return strconv.FormatInt(m.CreatedAt.UnixNano(), 10) + ":" +
		strconv.FormatUint(uint64(m.ID), 10)
}

// statusForError maps service-layer errors to HTTP statuses.
func statusForError(err error) int {
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case models.ErrCodeValidation, models.ErrCodeInvalidParticipants, models.ErrCodeEmptyMessage:
			return fiber.StatusBadRequest
		case models.ErrCodeUnauthorized:
			return fiber.StatusUnauthorized
		case models.ErrCodeNotAParticipant:
			return fiber.StatusForbidden
		case models.ErrCodeNotFound:
			return fiber.StatusNotFound
		case models.ErrCodeParticipantLinkFailed:
			return fiber.StatusBadGateway
		case models.ErrCodeStoreUnavailable:
			return fiber.StatusServiceUnavailable
		default:
			return fiber.StatusInternalServerError
		}
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fiber.StatusNotFound
	}
	return fiber.StatusInternalServerError
}

// respondServiceError writes the error envelope with the mapped status.
func respondServiceError(c *fiber.Ctx, err error) error {
	return models.RespondWithError(c, statusForError(err), err)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
