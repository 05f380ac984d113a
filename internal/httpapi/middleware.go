package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	apperrors "github.com/jordigilh/memvid-export-api/internal/errors"
	"github.com/jordigilh/memvid-export-api/internal/logging"
)

type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeyBearerToken
)

func requestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyRequestID).(string)
	return v
}

func bearerTokenFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyBearerToken).(string)
	return v
}

// requestID stamps every request with an id, reusing one the caller
// already supplies so traces correlate across a proxy hop.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusWriter captures the status code so accessLog and the metrics
// collectors can report what was actually sent.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.clock()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		elapsed := s.clock().Sub(start)

		route := routePattern(r)
		if s.metrics != nil {
			s.metrics.RequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(sw.status)).Inc()
			s.metrics.RequestDuration.WithLabelValues(route, r.Method).Observe(elapsed.Seconds())
		}
		s.log.WithFields(logging.HTTPFields(r.Method, r.URL.Path, sw.status).
			RequestID(requestIDFromContext(r.Context())).Duration(elapsed).ToLogrus()).
			Info("request handled")
	})
}

// routePattern prefers chi's matched pattern over the raw path so
// dynamic segments (job ids) don't blow up metric cardinality.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
		return rc.RoutePattern()
	}
	return r.URL.Path
}

func (s *Server) recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.WithFields(logging.NewFields().Component("http").Custom("panic", rec).ToLogrus()).
					Error("recovered from panic in handler")
				writeError(w, apperrors.New(apperrors.ErrorTypeInternal, "internal error"), false)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// authenticate enforces the bearer token byte-for-byte, constant-time
// (spec.md §6): every route mounted under this middleware requires it.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == header || !constantTimeEqual(token, s.cfg.BearerKey) {
			writeError(w, apperrors.NewUnauthorizedError("missing or invalid bearer token"), false)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyBearerToken, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// rateLimit enforces the per-key token bucket and discloses its state on
// every response via the X-RateLimit-* headers (spec.md §6), keying on
// the authenticated caller's bearer token.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := bearerTokenFromContext(r.Context())
		res := s.limiter.Check(key)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.Itoa(res.ResetSeconds))

		if !res.Allowed {
			if s.metrics != nil {
				s.metrics.RateLimitRejections.WithLabelValues("http").Inc()
			}
			retryAfterMs := int64(res.ResetSeconds) * 1000
			writeError(w, apperrors.NewRateLimitedError(retryAfterMs), false)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bodySizeCap guards the export submission endpoint against an
// unbounded request body (spec.md §5, default 500 MiB).
func (s *Server) bodySizeCap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := s.cfg.BodySizeCapBytes
		if limit <= 0 {
			limit = 500 * 1024 * 1024
		}
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		next.ServeHTTP(w, r)
	})
}
