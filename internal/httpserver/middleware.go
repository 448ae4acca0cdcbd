package httpserver

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"
)

type ctxKey int

const ctxKeyRequestLogger ctxKey = iota

// responseRecorder captures the status and payload size for the access log
// while still exposing Flush and Hijack to the websocket upgrade path.
type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (rr *responseRecorder) WriteHeader(status int) {
	if rr.status == 0 {
		rr.status = status
	}
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	n, err := rr.ResponseWriter.Write(b)
	rr.bytes += int64(n)
	return n, err
}

func (rr *responseRecorder) statusOrOK() int {
	if rr.status == 0 {
		return http.StatusOK
	}
	return rr.status
}

func (rr *responseRecorder) Flush() {
	if f, ok := rr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rr *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("httpserver: underlying writer is not hijackable")
	}
	return hj.Hijack()
}

// withAccessLog tags each request with a sequential id, stores a scoped
// logger in the context for handlers to pick up, and emits one access log
// line per request.
func (s *Server) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := s.logger.With(
			"req_id", s.requestIDs.Add(1),
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		rr := &responseRecorder{ResponseWriter: w}
		start := time.Now()
		ctx := context.WithValue(r.Context(), ctxKeyRequestLogger, logger)
		next.ServeHTTP(rr, r.WithContext(ctx))

		logger.Info("request complete",
			"status", rr.statusOrOK(),
			"duration", time.Since(start),
			"bytes", rr.bytes,
		)
	})
}

// requestLogger returns the logger stored by withAccessLog, falling back to
// the server logger for calls outside the request path.
func (s *Server) requestLogger(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(ctxKeyRequestLogger).(*slog.Logger); ok && logger != nil {
			return logger
		}
	}
	return s.logger
}
