package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// wrapResponseWriter wraps http.ResponseWriter to capture the status code.
type wrapResponseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func newWrapResponseWriter(w http.ResponseWriter) *wrapResponseWriter {
	return &wrapResponseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (w *wrapResponseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

// StructuredLogger returns middleware that logs each request using
// log/slog. It captures request ID (set by chi's RequestID middleware),
// HTTP method, path, response status, duration and the call id when the
// request carries one. PBX-facing action fetches fire once per dialogue
// step, so they log at debug to keep the info stream readable.
func StructuredLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := newWrapResponseWriter(w)

		next.ServeHTTP(wrapped, r)

		level := slog.LevelInfo
		if strings.HasPrefix(r.URL.Path, "/action/") {
			level = slog.LevelDebug
		}

		attrs := []any{
			"request_id", chimw.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		}
		if callID := requestCallID(r); callID != "" {
			attrs = append(attrs, "call_id", callID)
		}

		slog.Log(r.Context(), level, "http request", attrs...)
	})
}

// requestCallID extracts the call id from the query string. The action
// endpoints use "uuid", the push websocket uses "callId".
func requestCallID(r *http.Request) string {
	if id := r.URL.Query().Get("uuid"); id != "" {
		return id
	}
	return r.URL.Query().Get("callId")
}
