package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"campuslink/internal/featureflags"
	"campuslink/internal/middleware"
	"campuslink/internal/models"
	"campuslink/internal/notifications"
	"campuslink/internal/observability"
	"campuslink/internal/service"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.opentelemetry.io/otel/attribute"
)

// WebsocketHandler handles connections to the personal notification socket.
// Clients receive conversation-list updates and direct-message notifications
// here; conversation traffic lives on /ws/chat.
func (s *Server) WebsocketHandler() fiber.Handler {
	wsLogger := observability.NewWSLogger("notification hub")

	return websocket.New(func(conn *websocket.Conn) {
		middleware.ActiveWebSockets.Inc()
		defer middleware.ActiveWebSockets.Dec()

		ctx := context.Background()

		userIDVal := conn.Locals("userID")
		if userIDVal == nil {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"unauthorized"}`))
			_ = conn.Close()
			return
		}
		userID := userIDVal.(uint)

		if s.hub == nil {
			_ = conn.Close()
			return
		}

		client, err := s.hub.Register(userID, conn)
		if err != nil {
			wsLogger.LogError(ctx, userID, "", err, "register")
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"`+err.Error()+`"}`))
			_ = conn.Close()
			return
		}
		wsLogger.LogConnect(ctx, userID, "")

		// The handshake ticket is single-use; burn it now that the
		// connection is established.
		s.consumeWSTicket(ctx, conn.Locals("wsTicket"))

		go client.WritePump()
		client.ReadPump()

		wsLogger.LogDisconnect(ctx, userID, "", "read pump closed")
	})
}

// WebSocketChatHandler handles WebSocket connections for real-time chat
func (s *Server) WebSocketChatHandler() fiber.Handler {
	wsLogger := observability.NewWSLogger("chat hub")

	return websocket.New(func(conn *websocket.Conn) {
		middleware.ActiveWebSockets.Inc()
		defer middleware.ActiveWebSockets.Dec()

		ctx := context.Background()

		// userID is set by the AuthRequired middleware
		userIDVal := conn.Locals("userID")
		if userIDVal == nil {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"unauthorized"}`))
			_ = conn.Close()
			return
		}
		userID := userIDVal.(uint)

		profile, err := s.profileService.GetProfile(ctx, userID)
		if err != nil {
			wsLogger.LogError(ctx, userID, "", err, "resolve_profile")
			_ = conn.Close()
			return
		}
		username := profile.Username

		if s.chatHub == nil {
			_ = conn.Close()
			return
		}

		client, err := s.chatHub.Register(userID, conn)
		if err != nil {
			wsLogger.LogError(ctx, userID, "", err, "register")
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"`+err.Error()+`"}`))
			_ = conn.Close()
			return
		}
		wsLogger.LogConnect(ctx, userID, "")

		s.consumeWSTicket(ctx, conn.Locals("wsTicket"))

		client.IncomingHandler = func(c *notifications.Client, message []byte) {
			var incomingMsg map[string]interface{}
			if err := json.Unmarshal(message, &incomingMsg); err != nil {
				log.Printf("WebSocket: Invalid message format from profile %d", userID)
				return
			}

			msgType, ok := incomingMsg["type"].(string)
			if !ok {
				return
			}
			convIDFloat, ok := incomingMsg["conversation_id"].(float64)
			if !ok {
				return
			}
			convID := uint(convIDFloat)

			switch msgType {
			case "join":
				// Verify the user is a participant before joining
				if s.isUserParticipant(ctx, userID, convID) {
					s.chatHub.JoinConversation(userID, convID)

					response := notifications.ChatMessage{
						Type:           "joined",
						ConversationID: convID,
						Payload:        map[string]interface{}{"conversation_id": convID},
					}
					responseJSON, _ := json.Marshal(response)
					c.TrySend(responseJSON)
				}

			case "leave":
				s.chatHub.LeaveConversation(userID, convID)

			case "typing":
				if !s.featureFlags.Enabled(featureflags.FlagTypingIndicators, userID) {
					return
				}
				isTyping, _ := incomingMsg["is_typing"].(bool)

				if s.notifier != nil && s.isUserParticipant(ctx, userID, convID) {
					// Rate limit typing indicators to 10 per 10 seconds
					id := fmt.Sprintf("user:%d", userID)
					allowed, _ := middleware.CheckRateLimit(ctx, s.redis, "typing", id, 10, 10*time.Second)
					if !allowed {
						return // Silently drop spammy typing indicators
					}

					if perr := s.notifier.PublishTypingIndicator(ctx, convID, userID, username, isTyping); perr != nil {
						wsLogger.LogError(ctx, userID, strconv.FormatUint(uint64(convID), 10), perr, "typing")
					}
				}

			case "message":
				// Send a message (alternative to the HTTP endpoint). The
				// client_ref round-trips so optimistic UIs can reconcile.
				content, _ := incomingMsg["content"].(string)
				clientRef, _ := incomingMsg["client_ref"].(string)

				// Same rate limit as the HTTP endpoint (15 per minute)
				id := fmt.Sprintf("user:%d", userID)
				allowed, _ := middleware.CheckRateLimit(ctx, s.redis, "send_chat", id, 15, time.Minute)
				if !allowed {
					s.sendWSError(c, clientRef, models.NewValidationError("Rate limit exceeded. Please wait a moment."))
					return
				}

				span, sendCtx := observability.NewSpan(ctx, "ws.send_message")
				span.AddAttributes(
					attribute.Int64("conversation.id", int64(convID)),
					attribute.Int64("profile.id", int64(userID)),
				)

				msg, conv, serr := s.chatService.SendMessage(sendCtx, service.SendMessageInput{
					SenderID:       userID,
					ConversationID: convID,
					Content:        content,
					ClientRef:      clientRef,
				})
				if serr != nil {
					span.SetError(serr)
					span.End()
					// Error frames carry the client_ref so the sender can
					// mark exactly that pending entry failed.
					s.sendWSError(c, clientRef, serr)
					return
				}
				span.End()

				s.fanOutMessage(userID, conv, msg)

			case "read":
				if s.isUserParticipant(ctx, userID, convID) {
					updated, merr := s.chatService.MarkRead(ctx, convID, userID)
					if merr != nil {
						wsLogger.LogError(ctx, userID, strconv.FormatUint(uint64(convID), 10), merr, "read")
						return
					}
					if updated == 0 {
						return
					}

					if s.chatHub != nil {
						s.chatHub.BroadcastToConversation(convID, notifications.ChatMessage{
							Type:           "read",
							ConversationID: convID,
							UserID:         userID,
							Username:       username,
							Payload: map[string]interface{}{
								"profile_id": userID,
								"read_at":    nowUTC().Format(time.RFC3339Nano),
							},
						})
					}
					if s.notifier != nil {
						if perr := s.notifier.PublishReadReceipt(ctx, convID, userID); perr != nil {
							wsLogger.LogError(ctx, userID, strconv.FormatUint(uint64(convID), 10), perr, "read")
						}
					}
				}
			}
		}

		// Send welcome message
		welcomeMsg := notifications.ChatMessage{
			Type:    "connected",
			Payload: map[string]interface{}{"user_id": userID, "username": username},
		}
		if welcomeJSON, err := json.Marshal(welcomeMsg); err == nil {
			client.TrySend(welcomeJSON)
		}

		// Write pump in a goroutine; read pump blocks until disconnect.
		go client.WritePump()
		client.ReadPump()

		wsLogger.LogDisconnect(ctx, userID, "", "read pump closed")
	})
}

// sendWSError pushes an error frame to one client. The code matches the HTTP
// error envelope; client_ref identifies the optimistic entry that failed.
func (s *Server) sendWSError(c *notifications.Client, clientRef string, err error) {
	code := models.ErrCodeInternal
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		code = appErr.Code
	}

	payload := map[string]interface{}{
		"code":    code,
		"message": err.Error(),
	}
	if clientRef != "" {
		payload["client_ref"] = clientRef
	}

	frame, merr := json.Marshal(notifications.ChatMessage{
		Type:    "error",
		Payload: payload,
	})
	if merr != nil {
		return
	}
	c.TrySend(frame)
}

// isUserParticipant checks if a user is a participant in a conversation
func (s *Server) isUserParticipant(ctx context.Context, userID, conversationID uint) bool {
	ok, err := s.chatRepo.IsParticipant(ctx, conversationID, userID)
	return err == nil && ok
}
