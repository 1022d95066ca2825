package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gorm.io/gorm"
)

var (
	// RedisErrorRate counts Redis errors by operation type.
	RedisErrorRate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campuslink_redis_error_rate_total",
		Help: "Total number of Redis errors by operation type",
	}, []string{"operation"})

	// DatabaseQueryLatency records database query latency by operation and table.
	DatabaseQueryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "campuslink_database_query_latency_seconds",
		Help:    "Database query latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})

	// WebSocketRoomConnections is the gauge of connections per conversation.
	WebSocketRoomConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "campuslink_websocket_room_connections",
		Help: "Number of WebSocket connections per conversation",
	}, []string{"room_id"})

	// MessageThroughput counts messages processed per conversation and type.
	MessageThroughput = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campuslink_message_throughput_total",
		Help: "Total number of messages processed",
	}, []string{"room_id", "message_type"})

	// WebSocketConnectionsTotal is the gauge of total WebSocket connections.
	WebSocketConnectionsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "campuslink_websocket_connections_total",
		Help: "Total number of active WebSocket connections",
	})

	// WebSocketEventsTotal counts WebSocket events by type.
	WebSocketEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campuslink_websocket_events_total",
		Help: "Total WebSocket events by type",
	}, []string{"event_type"})

	// WebSocketBackpressureDrops counts messages dropped due to backpressure by hub and reason.
	WebSocketBackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campuslink_websocket_backpressure_drops_total",
		Help: "Total number of WebSocket messages dropped due to backpressure",
	}, []string{"hub", "reason"})
)

// DatabaseMetrics wraps DB access for recording query latency.
type DatabaseMetrics struct {
	db *gorm.DB
}

// NewDatabaseMetrics returns a new DatabaseMetrics instance.
func NewDatabaseMetrics(db *gorm.DB) *DatabaseMetrics {
	return &DatabaseMetrics{db: db}
}

// ObserveQuery records the latency of a database query.
func (m *DatabaseMetrics) ObserveQuery(operation, table string, start time.Time) {
	latency := time.Since(start).Seconds()
	DatabaseQueryLatency.WithLabelValues(operation, table).Observe(latency)
}

// TrackQuery returns a function that records query latency when called (e.g. defer).
func (m *DatabaseMetrics) TrackQuery(operation, table string) func() {
	start := time.Now()
	return func() {
		m.ObserveQuery(operation, table, start)
	}
}

// RoomMetrics tracks per-conversation WebSocket connection counts and
// message throughput.
type RoomMetrics struct{}

// NewRoomMetrics returns a new RoomMetrics instance.
func NewRoomMetrics() *RoomMetrics {
	return &RoomMetrics{}
}

// IncrementRoom increments the connection count for the conversation.
func (*RoomMetrics) IncrementRoom(roomID string) {
	WebSocketRoomConnections.WithLabelValues(roomID).Inc()
	WebSocketConnectionsTotal.Inc()
}

// DecrementRoom decrements the connection count for the conversation.
func (*RoomMetrics) DecrementRoom(roomID string) {
	WebSocketRoomConnections.WithLabelValues(roomID).Dec()
	WebSocketConnectionsTotal.Dec()
}

// RecordMessage increments message throughput counters for the conversation and type.
func (*RoomMetrics) RecordMessage(roomID, messageType string) {
	MessageThroughput.WithLabelValues(roomID, messageType).Inc()
}

// RecordWebSocketEvent increments the WebSocket events counter for the event type.
func (*RoomMetrics) RecordWebSocketEvent(eventType string) {
	WebSocketEventsTotal.WithLabelValues(eventType).Inc()
}
