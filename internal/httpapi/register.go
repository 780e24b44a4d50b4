package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/gorilla/mux"

	"github.com/daoistvideo/platform/internal/auth"
	"github.com/daoistvideo/platform/internal/domain"
	"github.com/daoistvideo/platform/internal/domain/compositions"
	"github.com/daoistvideo/platform/internal/domain/playback"
	"github.com/daoistvideo/platform/internal/domain/users"
	"github.com/daoistvideo/platform/internal/domain/videos"
	"github.com/daoistvideo/platform/internal/media"
	"github.com/daoistvideo/platform/internal/mediastore"
	"github.com/daoistvideo/platform/internal/monitoring"
)

const maxJSONBody = 1 << 20

// publicMediaPrefixes are the store prefixes served without an owner check.
// Composition outputs go through the authenticated download route.
var publicMediaPrefixes = []string{"videos/", "thumbnails/"}

type api struct {
	logger *slog.Logger
	c      *domain.Container
}

// Register attaches API routes to the provided router.
func Register(r *mux.Router, logger *slog.Logger, c *domain.Container) {
	a := &api{logger: logger, c: c}

	r.HandleFunc("/v1/ping", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"time":    time.Now().UTC().Format(time.RFC3339),
			"server":  "daoist-video-platform",
			"version": domain.Version,
		})
	}).Methods(http.MethodGet)
	r.HandleFunc("/media/{key:.+}", a.handleMedia).Methods(http.MethodGet, http.MethodHead)

	base := r.PathPrefix("/api").Subrouter()
	a.registerAuthRoutes(base.PathPrefix("/auth").Subrouter())

	vr := base.PathPrefix("/videos").Subrouter()
	a.registerCompositionRoutes(vr.PathPrefix("/composition").Subrouter())
	a.registerAdminRoutes(vr.PathPrefix("/admin").Subrouter())
	a.registerPlaybackRoutes(vr)
	a.registerVideoRoutes(vr)

	a.registerMonitoringRoutes(base.PathPrefix("/monitoring").Subrouter())
}

func user(h http.HandlerFunc) http.Handler  { return auth.RequireUser(h) }
func admin(h http.HandlerFunc) http.Handler { return auth.RequireAdmin(h) }

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		// If encoding fails there's not much we can do; log to stderr.
		slog.Default().Error("failed to encode response", "err", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// fail maps domain errors to status codes. Unexpected errors are logged,
// reported and answered with 500.
func (a *api) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	var notCancellable *compositions.NotCancellableError
	switch {
	case errors.As(err, &notCancellable):
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error":          fmt.Sprintf("task cannot be cancelled, current status: %s", notCancellable.Status),
			"current_status": string(notCancellable.Status),
			"message":        "only pending or processing tasks can be cancelled",
		})
	case errors.Is(err, users.ErrValidation),
		errors.Is(err, videos.ErrValidation),
		errors.Is(err, playback.ErrValidation),
		errors.Is(err, compositions.ErrValidation),
		errors.Is(err, compositions.ErrTooFewVideos),
		errors.Is(err, compositions.ErrNotReady),
		errors.Is(err, media.ErrInvalidFile),
		errors.Is(err, monitoring.ErrInvalidBackupType):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, users.ErrUsernameExists), errors.Is(err, users.ErrEmailExists):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, users.ErrInvalidPassword):
		respondError(w, http.StatusUnauthorized, "invalid username or password")
	case errors.Is(err, users.ErrInactive):
		respondError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrTokenRevoked):
		respondError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, videos.ErrNotFound),
		errors.Is(err, playback.ErrNotFound),
		errors.Is(err, compositions.ErrNotFound),
		errors.Is(err, compositions.ErrOutputMissing),
		errors.Is(err, mediastore.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, users.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, users.ErrNotImplemented),
		errors.Is(err, videos.ErrNotImplemented),
		errors.Is(err, playback.ErrNotImplemented),
		errors.Is(err, compositions.ErrNotImplemented):
		respondError(w, http.StatusNotImplemented, op+" not yet implemented")
	default:
		a.internal(w, r, op, err)
	}
}

func (a *api) internal(w http.ResponseWriter, r *http.Request, op string, err error) {
	a.logger.Error(op+" failed", "err", err, "path", r.URL.Path, "method", r.Method)
	if a.c.Errors != nil {
		ev := monitoring.ErrorEvent{
			Type:      "ServerError",
			Message:   fmt.Sprintf("%s: %v", op, err),
			Path:      r.URL.Path,
			Method:    r.Method,
			IPAddress: remoteIP(r),
			UserAgent: r.UserAgent(),
		}
		if id, ok := auth.FromContext(r.Context()); ok {
			ev.User = id.Username
		}
		a.c.Errors.Record(r.Context(), ev)
	}
	respondError(w, http.StatusInternalServerError, "internal error")
}

// identity is only called behind RequireUser or RequireAdmin.
func identity(r *http.Request) auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s parameter", name)
	}
	return n, nil
}

func queryBool(r *http.Request, name string) (*bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s parameter", name)
	}
	return &b, nil
}

// pagination reads page and page_size, both 1-based and optional.
func pagination(r *http.Request) (offset, limit, page int, err error) {
	page, err = queryInt(r, "page", 1)
	if err != nil {
		return 0, 0, 0, err
	}
	if page < 1 {
		page = 1
	}
	limit, err = queryInt(r, "page_size", videos.DefaultPageSize)
	if err != nil {
		return 0, 0, 0, err
	}
	if limit < 1 {
		limit = videos.DefaultPageSize
	}
	if limit > videos.MaxPageSize {
		limit = videos.MaxPageSize
	}
	return (page - 1) * limit, limit, page, nil
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func mediaURL(key string) *string {
	if key == "" {
		return nil
	}
	u := "/media/" + key
	return &u
}

func publicMedia(key string) bool {
	if strings.Contains(key, "..") {
		return false
	}
	for _, p := range publicMediaPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// handleMedia serves uploaded videos and thumbnails with range support.
func (a *api) handleMedia(w http.ResponseWriter, r *http.Request) {
	if a.c.Store == nil {
		respondError(w, http.StatusNotFound, "media storage not configured")
		return
	}
	key := mux.Vars(r)["key"]
	if !publicMedia(key) {
		respondError(w, http.StatusNotFound, "file not found")
		return
	}
	obj, err := a.c.Store.Open(r.Context(), key)
	if err != nil {
		if errors.Is(err, mediastore.ErrNotFound) || errors.Is(err, mediastore.ErrInvalidKey) {
			respondError(w, http.StatusNotFound, "file not found")
			return
		}
		a.internal(w, r, "open media", err)
		return
	}
	defer obj.Close()
	if obj.Info.ContentType != "" {
		w.Header().Set("Content-Type", obj.Info.ContentType)
	}
	http.ServeContent(w, r, obj.Info.Key, obj.Info.ModTime, obj)
}
