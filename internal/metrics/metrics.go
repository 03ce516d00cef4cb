// Package metrics holds the Prometheus collectors for infinitchat.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	callEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "infinitchat_call_events_total",
			Help: "Call lifecycle events by kind",
		},
		[]string{"event"},
	)

	callDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "infinitchat_call_duration_seconds",
			Help:    "Duration of calls that reached the active phase",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	friendOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "infinitchat_friend_operations_total",
			Help: "Friendship operations by kind and result",
		},
		[]string{"operation", "result"},
	)

	chatMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "infinitchat_chat_messages_total",
			Help: "Chat messages sent by result",
		},
		[]string{"result"},
	)

	statusOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "infinitchat_status_operations_total",
			Help: "Status operations by kind and result",
		},
		[]string{"operation", "result"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "infinitchat_http_requests_total",
			Help: "Viewer API requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "infinitchat_http_request_duration_seconds",
			Help:    "Viewer API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// CallEvent counts one call lifecycle event ("incoming", "answered", ...).
func CallEvent(event string) {
	callEventsTotal.WithLabelValues(event).Inc()
}

// CallEnded records the length of a call that was active.
func CallEnded(d time.Duration) {
	callDuration.Observe(d.Seconds())
}

func FriendOp(op string, err error) {
	friendOpsTotal.WithLabelValues(op, result(err)).Inc()
}

func ChatMessage(err error) {
	chatMessagesTotal.WithLabelValues(result(err)).Inc()
}

func StatusOp(op string, err error) {
	statusOpsTotal.WithLabelValues(op, result(err)).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through an instrumented handler.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Instrument wraps h, recording requests under endpoint.
func Instrument(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	}
}
