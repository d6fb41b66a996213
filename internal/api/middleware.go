package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/opensource-finance/tapguard/internal/domain"
)

// Context keys for reader and trace propagation.
type contextKey string

const (
	// ReaderIDKey is the context key for the POS reader ID.
	ReaderIDKey contextKey = "readerID"

	// TraceIDKey is the context key for trace ID.
	TraceIDKey contextKey = "traceID"

	// RequestIDKey is the context key for request ID.
	RequestIDKey contextKey = "requestID"

	// ReaderIDHeader is the HTTP header naming the POS reader.
	ReaderIDHeader = "X-POS-Reader-ID"

	// RequestIDHeader is the HTTP header for request ID.
	RequestIDHeader = "X-Request-ID"

	// TraceIDHeader is the HTTP header for trace ID.
	TraceIDHeader = "X-Trace-ID"
)

// readerRateNamespace holds the per-reader tap counters.
const readerRateNamespace = "reader_rate"

// maxTapBody bounds how much of a tap body the reader middleware buffers.
const maxTapBody = 64 << 10

var tracer = otel.Tracer("tapguard-api")

// ReaderMiddleware resolves the POS reader from the X-POS-Reader-ID header,
// falling back to the posReaderId body field, and throttles each reader to
// limit taps per minute. A zero limit disables throttling. Counter errors
// let the tap through.
func ReaderMiddleware(counter domain.Cache, limit int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			readerID := r.Header.Get(ReaderIDHeader)
			if readerID == "" && r.Body != nil {
				body, err := io.ReadAll(io.LimitReader(r.Body, maxTapBody))
				if err != nil {
					writeJSON(w, http.StatusBadRequest, map[string]string{
						"error": "unreadable request body",
					})
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))

				var peek struct {
					POSReaderID string `json:"posReaderId"`
				}
				if json.Unmarshal(body, &peek) == nil {
					readerID = peek.POSReaderID
				}
			}
			if readerID == "" {
				writeJSON(w, http.StatusBadRequest, map[string]string{
					"error": ReaderIDHeader + " header or posReaderId is required",
				})
				return
			}

			if counter != nil && limit > 0 {
				n, err := counter.IncrementCounter(r.Context(), readerRateNamespace, readerID, time.Minute)
				if err != nil {
					slog.Warn("reader rate counter unavailable",
						"reader_id", readerID,
						"error", err,
					)
				} else if n > int64(limit) {
					w.Header().Set("Retry-After", "60")
					writeJSON(w, http.StatusTooManyRequests, map[string]string{
						"error": "reader rate limit exceeded",
					})
					return
				}
			}

			ctx := context.WithValue(r.Context(), ReaderIDKey, readerID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminRateMiddleware shares one token bucket across every admin request.
// A nil limiter disables it.
func AdminRateMiddleware(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter != nil && !limiter.Allow() {
				writeJSON(w, http.StatusTooManyRequests, map[string]string{
					"error": "admin rate limit exceeded",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// TracingMiddleware creates OpenTelemetry spans and propagates trace context.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.path", r.URL.Path),
				attribute.String("request.id", requestID),
			),
		)
		defer span.End()

		traceID := span.SpanContext().TraceID().String()
		if !span.SpanContext().TraceID().IsValid() {
			traceID = requestID
		}

		ctx = context.WithValue(ctx, RequestIDKey, requestID)
		ctx = context.WithValue(ctx, TraceIDKey, traceID)

		w.Header().Set(RequestIDHeader, requestID)
		w.Header().Set(TraceIDHeader, traceID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggingMiddleware logs HTTP requests with structured logging.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		requestID, _ := r.Context().Value(RequestIDKey).(string)
		traceID, _ := r.Context().Value(TraceIDKey).(string)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"reader_id", r.Header.Get(ReaderIDHeader),
			"request_id", requestID,
			"trace_id", traceID,
		)
	})
}

// CORSMiddleware handles Cross-Origin Resource Sharing for browser clients.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-POS-Reader-ID, X-Request-ID, X-Trace-ID, Authorization")
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID, X-Trace-ID")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RecoverMiddleware recovers from panics and returns 500.
func RecoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("panic recovered",
					"error", err,
					"path", r.URL.Path,
				)
				http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// GetReaderID extracts the POS reader ID from context.
func GetReaderID(ctx context.Context) string {
	if v, ok := ctx.Value(ReaderIDKey).(string); ok {
		return v
	}
	return ""
}

// GetTraceID extracts trace ID from context.
func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(TraceIDKey).(string); ok {
		return v
	}
	return ""
}
