package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"
)

// requestSeq hands out a monotonically increasing id for correlating a
// request's log line with the X-Request-Id it echoes back, since Iris
// has no upstream gateway assigning one.
var requestSeq uint64

// logMiddleware wraps next with per-request structured logging: method,
// path, status, duration and a request id on every line, escalated to
// Warn for 5xx responses so server-side failures (storage errors on
// the read endpoints) stand out from normal traffic in the log stream.
// Rejected ingests answer 400 and are logged at Info.
func logMiddleware(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strconv.FormatUint(atomic.AddUint64(&requestSeq, 1), 10)
		w.Header().Set("X-Request-Id", id)

		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		fields := []any{
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if ww.status >= http.StatusInternalServerError {
			logger.Warn("http_request", fields...)
		} else {
			logger.Info("http_request", fields...)
		}
	})
}

// statusWriter captures the status code a handler wrote, since
// http.ResponseWriter does not expose it after the fact.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the underlying ResponseWriter when it supports
// streaming, so handlers wrapped by logMiddleware (handleStream's SSE
// loop) still see a usable http.Flusher through the wrapper.
func (s *statusWriter) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
