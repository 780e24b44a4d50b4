package server

import (
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/daoistvideo/platform/internal/auth"
	"github.com/daoistvideo/platform/internal/monitoring"
)

// Response time targets of the composition endpoints in milliseconds.
const (
	compositionCreateTargetMS = 500
	compositionReadTargetMS   = 100
	compositionCancelTargetMS = 200

	slowRequestMS = 1000
)

// statusRecorder captures the status code and runs onHeader right before
// the header is written so timing headers can still be added.
type statusRecorder struct {
	http.ResponseWriter
	status   int
	wrote    bool
	onHeader func(h http.Header)
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wrote {
		r.wrote = true
		r.status = code
		if r.onHeader != nil {
			r.onHeader(r.ResponseWriter.Header())
		}
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wrote {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// instrument times every routed request. API responses get X-Response-Time,
// composition endpoints additionally report whether they met their target.
// Timings feed the performance monitor, request metrics and Prometheus.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := r.URL.Path
		api := strings.HasPrefix(path, "/api/")
		target := compositionTarget(r.Method, path)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		rec.onHeader = func(h http.Header) {
			if !api {
				return
			}
			ms := elapsedMS(start)
			h.Set("X-Response-Time", fmt.Sprintf("%.2fms", ms))
			if target > 0 {
				h.Set("X-Composition-Response-Time", fmt.Sprintf("%.2fms", ms))
				h.Set("X-Performance-Requirement", fmt.Sprintf("%dms", target))
				h.Set("X-Performance-Met", fmt.Sprintf("%t", ms <= float64(target)))
			}
		}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		ms := float64(elapsed.Microseconds()) / 1000
		route := path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		s.deps.Metrics.ObserveRequest(r.Method, route, rec.status, elapsed)
		if !api {
			return
		}
		if s.deps.Performance != nil {
			s.deps.Performance.Record(route, r.Method, ms, rec.status)
		}
		if s.deps.Requests != nil {
			s.deps.Requests.Record(path, r.Method, ms, rec.status)
		}

		attrs := []any{
			"method", r.Method,
			"path", path,
			"status", rec.status,
			"duration", elapsed,
			"remote", clientIP(r),
		}
		if id, ok := auth.FromContext(r.Context()); ok {
			attrs = append(attrs, "user_id", id.UserID)
		}
		switch {
		case ms >= slowRequestMS:
			s.logger.Warn("slow api request", attrs...)
		case target > 0 && ms > float64(target):
			s.logger.Warn("composition endpoint missed its response target", append(attrs, "target_ms", target)...)
		default:
			s.logger.Info("api request", attrs...)
		}
	})
}

// compositionTarget returns the response time target of a composition
// endpoint, or 0 for other paths.
func compositionTarget(method, path string) int {
	if !strings.HasPrefix(path, "/api/videos/composition") {
		return 0
	}
	switch {
	case method == http.MethodPost && strings.HasSuffix(path, "/create"):
		return compositionCreateTargetMS
	case method == http.MethodGet:
		return compositionReadTargetMS
	case method == http.MethodDelete:
		return compositionCancelTargetMS
	}
	return 0
}

// recoverer turns panics into a 500 carrying a short error id and records
// the event with the error reporter.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			errID := uuid.NewString()[:8]
			msg := fmt.Sprint(rec)
			s.logger.Error("panic serving request",
				"error_id", errID,
				"method", r.Method,
				"path", r.URL.Path,
				"err", msg,
				"stack", string(debug.Stack()),
			)
			if s.deps.Errors != nil {
				ev := monitoring.ErrorEvent{
					ErrorID:   errID,
					Type:      panicType(rec),
					Message:   msg,
					Path:      r.URL.Path,
					Method:    r.Method,
					IPAddress: clientIP(r),
					UserAgent: r.UserAgent(),
				}
				if id, ok := auth.FromContext(r.Context()); ok {
					ev.User = id.Username
				}
				s.deps.Errors.Record(r.Context(), ev)
			}
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error":    "internal server error",
				"details":  msg,
				"error_id": errID,
			})
		}()
		next.ServeHTTP(w, r)
	})
}

func panicType(v any) string {
	if err, ok := v.(error); ok {
		return strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
	}
	return "panic"
}

func elapsedMS(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
