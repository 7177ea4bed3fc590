package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"newsportal/internal/clientid"
)

const RequestIDHeader = "X-Request-ID"

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	bytes      int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.statusCode = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

type annotationsKey struct{}

// annotations collects fields that handlers further down the chain add to
// the request's access log line.
type annotations struct {
	mu     sync.Mutex
	fields map[string]any
}

// AnnotateRequest adds fields to the access log line of the request that
// owns ctx. It does nothing outside RequestLoggingMiddleware. Later values
// win for repeated keys.
func AnnotateRequest(ctx context.Context, fields map[string]any) {
	a, ok := ctx.Value(annotationsKey{}).(*annotations)
	if !ok {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for k, v := range fields {
		a.fields[k] = v
	}
}

type requestIDKey struct{}

// RequestID returns the id RequestLoggingMiddleware assigned to the request.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func RequestLoggingMiddleware(logger *Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now().UTC()

		requestID := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if requestID == "" || len(requestID) > 64 {
			requestID = newRequestID()
		}
		w.Header().Set(RequestIDHeader, requestID)

		notes := &annotations{fields: make(map[string]any)}
		ctx := context.WithValue(r.Context(), annotationsKey{}, notes)
		ctx = context.WithValue(ctx, requestIDKey{}, requestID)

		recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(recorder, r.WithContext(ctx))

		fields := map[string]any{
			"request_id":  requestID,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      recorder.statusCode,
			"bytes":       recorder.bytes,
			"duration_ms": time.Since(start).Milliseconds(),
			"ip":          clientid.Resolve(r),
		}
		notes.mu.Lock()
		for k, v := range notes.fields {
			if _, taken := fields[k]; !taken {
				fields[k] = v
			}
		}
		notes.mu.Unlock()

		logger.Info("http_request", fields)
	})
}

func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func RecoverMiddleware(logger *Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				sentry.WithScope(func(scope *sentry.Scope) {
					scope.SetExtra("panic", rec)
					scope.SetExtra("stack", string(debug.Stack()))
					sentry.CaptureMessage("panic in request")
				})

				logger.Error("panic_recovered", map[string]any{
					"path":   r.URL.Path,
					"method": r.Method,
					"panic":  rec,
				})

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// SecurityHeadersMiddleware sets the static security headers on every
// response. providerHost is allowed for connect-src and media-src.
func SecurityHeadersMiddleware(providerHost string, next http.Handler) http.Handler {
	csp := contentSecurityPolicy(providerHost)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		h.Set("Content-Security-Policy", csp)

		next.ServeHTTP(w, r)
	})
}

func contentSecurityPolicy(providerHost string) string {
	connect := "connect-src 'self'"
	media := "media-src 'self' blob:"
	if providerHost = strings.TrimSpace(providerHost); providerHost != "" {
		connect = "connect-src 'self' https://" + providerHost + " wss://" + providerHost
		media = "media-src 'self' https://" + providerHost + " blob:"
	}

	return strings.Join([]string{
		"default-src 'self'",
		"script-src 'self' 'unsafe-inline' 'unsafe-eval'",
		"style-src 'self' 'unsafe-inline'",
		"img-src 'self' data: https: blob:",
		"font-src 'self' data:",
		connect,
		media,
		"frame-ancestors 'none'",
	}, "; ")
}
