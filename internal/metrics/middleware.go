package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Middleware wraps next to record RequestsTotal and RequestDuration for
// every dispatched request. /metrics and /healthz are excluded so the
// debug endpoints don't pollute request metrics.
func Middleware(m *Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" || r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		m.RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
		m.RequestsTotal.WithLabelValues(r.Method, outcomeLabel(wrapped.status)).Inc()
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code the
// handler actually wrote.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush delegates to the underlying ResponseWriter when it supports
// http.Flusher, so streamed responses keep flushing through this wrapper.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack delegates to the underlying ResponseWriter when it supports
// http.Hijacker. CONNECT is intercepted by package tunnel before this
// middleware ever runs, but a Suppress handler recovering the writer via
// dispatch.ResponseWriterFromContext would otherwise lose hijack support
// just by passing through this wrapper.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: underlying ResponseWriter does not support Hijack")
	}
	return hj.Hijack()
}

func outcomeLabel(status int) string {
	switch {
	case status >= 200 && status < 400:
		return "ok"
	case status >= 400 && status < 500:
		return "client_error"
	default:
		return "server_error"
	}
}
