package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/daoistvideo/platform/internal/domain/playback"
)

type historyResponse struct {
	ID                   string    `json:"id"`
	VideoID              string    `json:"video"`
	VideoTitle           string    `json:"video_title"`
	SessionID            string    `json:"session_id,omitempty"`
	StartedAt            time.Time `json:"started_at"`
	LastPosition         float64   `json:"last_position"`
	DurationWatched      float64   `json:"duration_watched"`
	Completed            bool      `json:"completed"`
	CompletionPercentage float64   `json:"completion_percentage"`
	UpdatedAt            time.Time `json:"updated_at"`
}

func toHistoryResponse(h playback.History) historyResponse {
	return historyResponse{
		ID:                   h.ID,
		VideoID:              h.VideoID,
		VideoTitle:           h.VideoTitle,
		SessionID:            h.SessionID,
		StartedAt:            h.StartedAt,
		LastPosition:         h.LastPosition,
		DurationWatched:      h.DurationWatched,
		Completed:            h.Completed,
		CompletionPercentage: h.CompletionPercentage,
		UpdatedAt:            h.UpdatedAt,
	}
}

func (a *api) registerPlaybackRoutes(r *mux.Router) {
	r.Handle("/playback-history", user(a.handlePlaybackHistory)).Methods(http.MethodGet)
	r.Handle("/{id}/progress", user(a.handleUpdateProgress)).Methods(http.MethodPost)
	r.Handle("/{id}/progress/get", user(a.handleGetProgress)).Methods(http.MethodGet)
}

func (a *api) handleUpdateProgress(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		CurrentTime   float64 `json:"current_time"`
		TotalDuration float64 `json:"total_duration"`
		SessionID     string  `json:"session_id"`
	}
	if err := decodeJSON(w, r, &payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	h, err := a.c.Playback.UpdateProgress(r.Context(), identity(r).UserID, mux.Vars(r)["id"], playback.ProgressInput{
		CurrentTime:   payload.CurrentTime,
		TotalDuration: payload.TotalDuration,
		SessionID:     payload.SessionID,
	})
	if err != nil {
		a.fail(w, r, "update playback progress", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"message":  "progress saved",
		"progress": toHistoryResponse(h),
	})
}

func (a *api) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	p, err := a.c.Playback.GetProgress(r.Context(), identity(r).UserID, mux.Vars(r)["id"], r.URL.Query().Get("session_id"))
	if err != nil {
		a.fail(w, r, "get playback progress", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"current_time":          p.CurrentTime,
		"completion_percentage": p.CompletionPercentage,
		"completed":             p.Completed,
		"last_updated":          p.LastUpdated,
	})
}

func (a *api) handlePlaybackHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	list, err := a.c.Playback.History(r.Context(), identity(r).UserID, strings.TrimSpace(r.URL.Query().Get("video_id")), limit)
	if err != nil {
		a.fail(w, r, "list playback history", err)
		return
	}
	out := make([]historyResponse, 0, len(list))
	for _, h := range list {
		out = append(out, toHistoryResponse(h))
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"count":   len(out),
		"results": out,
	})
}
