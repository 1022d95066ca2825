package middleware

import (
	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ActiveWebSockets tracks the number of currently open chat sockets.
var ActiveWebSockets = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "campuslink_active_websockets",
	Help: "Number of currently connected WebSocket clients",
})

// RedisErrors counts Redis command failures by operation.
var RedisErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "campuslink_redis_errors_total",
	Help: "Total number of Redis command errors",
}, []string{"operation"})

var promMiddleware *fiberprometheus.FiberPrometheus

// InitMetrics sets up the fiberprometheus HTTP metrics collector. Safe to
// call more than once; the first service name wins.
func InitMetrics(serviceName string) *fiberprometheus.FiberPrometheus {
	if promMiddleware == nil {
		promMiddleware = fiberprometheus.New(serviceName)
	}
	return promMiddleware
}

// MetricsMiddleware returns the request metrics handler, initializing the
// collector with a default service name if InitMetrics has not run yet.
func MetricsMiddleware() fiber.Handler {
	if promMiddleware == nil {
		InitMetrics("campuslink")
	}
	return promMiddleware.Middleware
}
