package monitoring

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "endpoint"},
	)

	// 通话请求协调器
	CallRequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "call_requests_total",
			Help: "Call request actions by result",
		},
		[]string{"action", "result"},
	)

	CallRequestsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "call_requests_expired_total",
			Help: "Pending call requests flipped to expired by the sweeper",
		},
	)

	// 信令通道
	SignalMessageCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signal_messages_total",
			Help: "Signaling frames handled by the hub",
		},
		[]string{"type", "direction"},
	)

	SignalConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "signal_connections",
			Help: "Open signaling websocket connections on this instance",
		},
	)
)

var initOnce sync.Once

// Init 可重复调用，只注册一次
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(RequestCounter)
		prometheus.MustRegister(RequestDuration)
		prometheus.MustRegister(CallRequestCounter)
		prometheus.MustRegister(CallRequestsExpired)
		prometheus.MustRegister(SignalMessageCounter)
		prometheus.MustRegister(SignalConnections)
	})
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := c.Writer.Status()

		RequestCounter.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			strconv.Itoa(status),
		).Inc()

		RequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
		).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
