package server

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"campuslink/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// wsTicketTTL is how long an issued ticket can sit unused in Redis.
const wsTicketTTL = 30 * time.Second

func wsTicketKey(ticket string) string {
	return fmt.Sprintf("ws_ticket:%s", ticket)
}

// IssueWSTicket mints a short-lived single-use ticket for the authenticated
// user. Browsers cannot set an Authorization header on a websocket handshake,
// so the client exchanges its bearer token for a ticket here and passes the
// ticket as a query param when dialing.
//
//	@Summary		Issue a WebSocket ticket
//	@Description	Returns a short-lived single-use ticket for websocket authentication
//	@Tags			websocket
//	@Produce		json
//	@Security		BearerAuth
//	@Success		200	{object}	map[string]interface{}
//	@Failure		401	{object}	models.ErrorResponse
//	@Failure		503	{object}	models.ErrorResponse
//	@Router			/ws/ticket [post]
func (s *Server) IssueWSTicket(c *fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uint)
	if !ok {
		return models.RespondWithError(c, fiber.StatusUnauthorized,
			models.NewUnauthorizedError("Authentication required"))
	}

	if s.redis == nil {
		return models.RespondWithError(c, fiber.StatusServiceUnavailable,
			&models.AppError{Code: models.ErrCodeStoreUnavailable, Message: "WebSocket tickets require Redis"})
	}

	ticket := uuid.NewString()
	if err := s.redis.Set(c.Context(), wsTicketKey(ticket),
		strconv.FormatUint(uint64(userID), 10), wsTicketTTL).Err(); err != nil {
		return models.RespondWithError(c, fiber.StatusServiceUnavailable,
			models.NewStoreUnavailableError(err))
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"ticket":     ticket,
		"expires_in": int(wsTicketTTL.Seconds()),
	})
}

// redeemWSTicket resolves a ticket to a user ID. The first pass consumes the
// ticket from Redis atomically (GETDEL) and caches it in-process, because
// Fiber's websocket upgrade runs the middleware chain more than once for the
// same handshake.
func (s *Server) redeemWSTicket(ctx context.Context, ticket string) (uint, bool) {
	if ticket == "" {
		return 0, false
	}

	// Second and later passes hit the in-process cache.
	s.consumedTicketsMu.Lock()
	if entry, ok := s.consumedTickets[ticket]; ok {
		if time.Since(entry.consumeAt) <= consumedTicketTTL {
			s.consumedTicketsMu.Unlock()
			return entry.userID, true
		}
		delete(s.consumedTickets, ticket)
	}
	s.consumedTicketsMu.Unlock()

	if s.redis == nil {
		return 0, false
	}

	val, err := s.redis.GetDel(ctx, wsTicketKey(ticket)).Result()
	if err != nil {
		if err != redis.Nil {
			// Redis hiccup; treat as invalid rather than letting the
			// handshake through unauthenticated.
			return 0, false
		}
		return 0, false
	}

	userID, err := strconv.ParseUint(val, 10, 32)
	if err != nil {
		return 0, false
	}

	s.consumedTicketsMu.Lock()
	s.consumedTickets[ticket] = consumedTicketEntry{
		userID:    uint(userID),
		consumeAt: time.Now(),
	}
	// Opportunistically evict stale entries so the map stays bounded.
	for t, entry := range s.consumedTickets {
		if time.Since(entry.consumeAt) > consumedTicketTTL {
			delete(s.consumedTickets, t)
		}
	}
	s.consumedTicketsMu.Unlock()

	return uint(userID), true
}

// consumeWSTicket drops a ticket from the in-process cache once the websocket
// connection is fully established, so it can never be replayed.
func (s *Server) consumeWSTicket(_ context.Context, ticket any) {
	str, ok := ticket.(string)
	if !ok || str == "" {
		return
	}

	s.consumedTicketsMu.Lock()
	delete(s.consumedTickets, str)
	s.consumedTicketsMu.Unlock()
}
