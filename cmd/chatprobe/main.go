// Command chatprobe is a load and convergence probe for the chat WebSocket
// server. Each simulated client keeps an optimistic timeline and verifies
// that every send it issues converges to exactly one confirmed entry.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"campuslink/internal/models"
	"campuslink/internal/timeline"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Metrics tracks the probe results
type Metrics struct {
	ConnectionsAttempted int64
	ConnectionsSuccess   int64
	ConnectionsFailed    int64
	MessagesSent         int64
	MessagesReceived     int64
	PendingLeft          int64
	Errors               int64
}

var metrics Metrics

func main() {
	host := flag.String("host", "localhost:8442", "API server host")
	token := flag.String("token", "", "Bearer token for ticket issuance")
	conversation := flag.Uint("conversation", 1, "Conversation ID to join")
	clients := flag.Int("clients", 20, "Number of concurrent clients")
	duration := flag.Duration("duration", 30*time.Second, "Probe duration")
	flag.Parse()

	if *token == "" {
		log.Fatal("a -token is required; mint one from the identity provider")
	}

	log.Printf("Starting chat probe")
	log.Printf("Target: %s conversation %d", *host, *conversation)
	log.Printf("Clients: %d", *clients)
	log.Printf("Duration: %v", *duration)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	var wg sync.WaitGroup
	stopChan := make(chan struct{})

	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go runClient(*host, *token, uint(*conversation), i, stopChan, &wg)
		time.Sleep(50 * time.Millisecond) // Stagger connections to allow ticket issuance
	}

	select {
	case <-time.After(*duration):
		log.Println("Probe duration reached")
	case <-interrupt:
		log.Println("Interrupted by user")
	}

	close(stopChan)
	log.Println("Waiting for clients to disconnect...")
	wg.Wait()

	printMetrics()
}

func getTicket(host, token string) (string, error) {
	ticketURL := fmt.Sprintf("http://%s/api/ws/ticket", host)
	req, _ := http.NewRequest(http.MethodPost, ticketURL, nil)
	req.Header.Set("Authorization", "Bearer "+token)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ticket issuance failed with status %d", resp.StatusCode)
	}

	var result struct {
		Ticket string `json:"ticket"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	return result.Ticket, nil
}

// wsFrame mirrors the server's conversation event envelope.
type wsFrame struct {
	Type           string          `json:"type"`
	ConversationID uint            `json:"conversation_id"`
	Payload        json.RawMessage `json:"payload"`
}

func runClient(host, token string, convID uint, id int, stopChan <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	atomic.AddInt64(&metrics.ConnectionsAttempted, 1)

	// Tickets are single-use; get a fresh one per connection.
	ticket, err := getTicket(host, token)
	if err != nil {
		atomic.AddInt64(&metrics.ConnectionsFailed, 1)
		atomic.AddInt64(&metrics.Errors, 1)
		return
	}

	u := url.URL{Scheme: "ws", Host: host, Path: "/api/ws/chat", RawQuery: "ticket=" + ticket}

	c, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		atomic.AddInt64(&metrics.ConnectionsFailed, 1)
		atomic.AddInt64(&metrics.Errors, 1)
		return
	}
	if resp != nil && resp.Body != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	defer func() { _ = c.Close() }()

	atomic.AddInt64(&metrics.ConnectionsSuccess, 1)

	tl := timeline.New()

	joinMsg, _ := json.Marshal(map[string]interface{}{
		"type":            "join",
		"conversation_id": convID,
	})
	_ = c.WriteMessage(websocket.TextMessage, joinMsg)

	// Read loop feeds the optimistic timeline.
	go func() {
		for {
			_, raw, err := c.ReadMessage()
			if err != nil {
				return
			}
			atomic.AddInt64(&metrics.MessagesReceived, 1)

			var frame wsFrame
			if err := json.Unmarshal(raw, &frame); err != nil {
				continue
			}
			switch frame.Type {
			case "message":
				var msg models.Message
				if err := json.Unmarshal(frame.Payload, &msg); err == nil {
					tl.Apply(&msg)
				}
			case "error":
				var payload struct {
					ClientRef string `json:"client_ref"`
				}
				if err := json.Unmarshal(frame.Payload, &payload); err == nil && payload.ClientRef != "" {
					tl.Fail(payload.ClientRef)
				}
			}
		}
	}()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stopChan:
			_ = c.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			// Give late echoes a moment to retire pendings before counting.
			time.Sleep(time.Second)
			atomic.AddInt64(&metrics.PendingLeft, int64(tl.PendingCount()))
			return
		case <-ticker.C:
			ref := uuid.NewString()
			tl.AppendPending(ref, &models.Message{
				ConversationID: convID,
				Content:        fmt.Sprintf("probe message from client %d", id),
				ClientRef:      ref,
				CreatedAt:      time.Now(),
			})

			msg := map[string]interface{}{
				"type":            "message",
				"conversation_id": convID,
				"content":         fmt.Sprintf("probe message from client %d", id),
				"client_ref":      ref,
			}
			msgJSON, _ := json.Marshal(msg)
			if err := c.WriteMessage(websocket.TextMessage, msgJSON); err != nil {
				atomic.AddInt64(&metrics.Errors, 1)
				return
			}
			atomic.AddInt64(&metrics.MessagesSent, 1)
		}
	}
}

func printMetrics() {
	log.Println("\nProbe Results")
	log.Println("=============")
	log.Printf("Connections Attempted: %d", atomic.LoadInt64(&metrics.ConnectionsAttempted))
	log.Printf("Connections Successful: %d", atomic.LoadInt64(&metrics.ConnectionsSuccess))
	log.Printf("Connections Failed: %d", atomic.LoadInt64(&metrics.ConnectionsFailed))
	log.Printf("Messages Sent: %d", atomic.LoadInt64(&metrics.MessagesSent))
	log.Printf("Messages Received: %d", atomic.LoadInt64(&metrics.MessagesReceived))
	log.Printf("Pending Not Converged: %d", atomic.LoadInt64(&metrics.PendingLeft))
	log.Printf("Total Errors: %d", atomic.LoadInt64(&metrics.Errors))
}
