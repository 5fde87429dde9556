package httpadapter

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-Id"

type requestIDContextKey struct{}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	requestID, _ := ctx.Value(requestIDContextKey{}).(string)
	return requestID
}

// requestIDMiddleware assigns every request an id that follows it through
// the access log, the session log lines and the SSE error events, so a
// refused answer can be traced back to its request.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}

		ctx := context.WithValue(r.Context(), requestIDContextKey{}, requestID)
		r = r.WithContext(ctx)
		w.Header().Set(requestIDHeader, requestID)

		next.ServeHTTP(w, r)
	})
}

// accessLogMiddleware logs one line per request. Streamed answers are marked
// as such: their duration covers the whole generation, so a multi-minute
// /v1/ask/stream entry is normal where the same duration on /v1/ask is not.
func accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		trace := &responseTrace{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(trace, r)

		remoteAddr := r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			remoteAddr = host
		}

		logAttrs := []any{
			"request_id", requestIDFromContext(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", trace.statusCode,
			"duration_ms", float64(time.Since(start).Microseconds()) / 1000.0,
			"bytes", trace.bytesWritten,
			"streamed", trace.flushed,
			"remote_addr", remoteAddr,
		}

		switch {
		case trace.statusCode >= 500:
			slog.Error("http_request", logAttrs...)
		case trace.statusCode >= 400:
			slog.Warn("http_request", logAttrs...)
		default:
			slog.Info("http_request", logAttrs...)
		}
	})
}

// responseTrace records what the handler did with the response: the status,
// the bytes written, and whether it flushed mid-request, which is how the
// SSE endpoint delivers tokens.
type responseTrace struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
	flushed      bool
}

func (w *responseTrace) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *responseTrace) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytesWritten += n
	return n, err
}

// Flush must reach the underlying writer or token streaming stalls until the
// answer completes.
func (w *responseTrace) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		w.flushed = true
		flusher.Flush()
	}
}

func (w *responseTrace) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}
