package console

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mercatoai/mercato-oss/internal/governance"
)

// Middleware wraps an HTTP handler with additional behavior.
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares so the first listed runs outermost.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// RecoveryMiddleware converts handler panics into 500 responses instead of
// tearing down the connection.
func RecoveryMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("Handler panic",
						"method", r.Method,
						"path", r.URL.Path,
						"panic", rec,
						"stack", string(debug.Stack()),
					)
					writeError(r.Context(), w, logger, http.StatusInternalServerError,
						"INTERNAL_ERROR", "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// LoggingMiddleware logs each request with its status, duration, and trace
// identifiers when a span is active.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			args := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.status,
				"duration", time.Since(start),
				"remote_addr", r.RemoteAddr,
			}
			if traceID := traceIDFromContext(r.Context()); traceID != "" {
				args = append(args, "trace_id", traceID)
			}

			if wrapped.status >= http.StatusInternalServerError {
				logger.Error("Request failed", args...)
			} else {
				logger.Info("Request handled", args...)
			}
		})
	}
}

// RateLimitMiddleware rejects requests over the configured route budgets
// with 429. Routes without a configured bucket pass through.
func RateLimitMiddleware(limiter *governance.RateLimiter, logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			routeID := rateRouteID(r)
			if !limiter.Allow(routeID) {
				if status, ok := limiter.Status(routeID); ok {
					governance.WriteRateLimitHeaders(w, status)
				}
				logger.Warn("Rate limit exceeded",
					"route", routeID,
					"method", r.Method,
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				writeError(r.Context(), w, logger, http.StatusTooManyRequests,
					"RATE_LIMITED", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateRouteID buckets requests for rate limiting. Run starts and resumes get
// their own budgets since they trigger pipeline work; everything else shares
// the default bucket.
func rateRouteID(r *http.Request) string {
	if r.Method == http.MethodPost {
		switch {
		case r.URL.Path == "/v1/runs":
			return "runs.start"
		case strings.HasPrefix(r.URL.Path, "/v1/runs/") && strings.HasSuffix(r.URL.Path, "/resume"):
			return "runs.resume"
		}
	}
	return "api"
}
