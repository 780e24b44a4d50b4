package httpapi

import (
	"fmt"
	"mime"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/daoistvideo/platform/internal/domain/compositions"
	"github.com/daoistvideo/platform/internal/taskmanager"
)

type selectionResponse struct {
	VideoID       string  `json:"video_id"`
	OrderIndex    int     `json:"order_index"`
	VideoTitle    string  `json:"video_title"`
	VideoDuration float64 `json:"video_duration"`
}

type compositionResponse struct {
	ID             string              `json:"id"`
	TaskID         string              `json:"task_id"`
	Status         taskmanager.Status  `json:"status"`
	Progress       int                 `json:"progress"`
	OutputFilename string              `json:"output_filename"`
	TotalDuration  float64             `json:"total_duration"`
	VideoCount     int                 `json:"video_count"`
	CreatedAt      time.Time           `json:"created_at"`
	StartedAt      *time.Time          `json:"started_at"`
	CompletedAt    *time.Time          `json:"completed_at"`
	ErrorMessage   string              `json:"error_message,omitempty"`
	DownloadURL    string              `json:"download_url,omitempty"`
	Selections     []selectionResponse `json:"selections"`
}

func toCompositionResponse(t compositions.Task) compositionResponse {
	out := compositionResponse{
		ID:             t.ID,
		TaskID:         t.ID,
		Status:         t.Status,
		Progress:       t.Progress,
		OutputFilename: t.OutputFilename,
		TotalDuration:  t.TotalDuration,
		VideoCount:     len(t.Selections),
		CreatedAt:      t.CreatedAt,
		StartedAt:      t.StartedAt,
		CompletedAt:    t.CompletedAt,
		ErrorMessage:   t.ErrorMessage,
		Selections:     make([]selectionResponse, 0, len(t.Selections)),
	}
	if t.Downloadable() {
		out.DownloadURL = fmt.Sprintf("/api/videos/composition/%s/download", t.ID)
	}
	for _, s := range t.Selections {
		out.Selections = append(out.Selections, selectionResponse{
			VideoID:       s.VideoID,
			OrderIndex:    s.OrderIndex,
			VideoTitle:    s.VideoTitle,
			VideoDuration: s.VideoDuration,
		})
	}
	return out
}

type outputFileResponse struct {
	Filename    string  `json:"filename"`
	Size        int64   `json:"size"`
	SizeMB      float64 `json:"size_mb"`
	SizeHuman   string  `json:"size_human,omitempty"`
	DownloadURL string  `json:"download_url"`
	StreamURL   string  `json:"stream_url"`
	Exists      bool    `json:"exists"`
	Error       string  `json:"error,omitempty"`
}

type taskInfoResponse struct {
	UserID      string `json:"user_id"`
	VideoCount  int    `json:"video_count"`
	IsCancelled bool   `json:"is_cancelled"`
}

type compositionDetailResponse struct {
	compositionResponse
	CurrentStage           string              `json:"current_stage,omitempty"`
	EstimatedTimeRemaining *int                `json:"estimated_time_remaining"`
	ETAFormatted           string              `json:"eta_formatted,omitempty"`
	OutputFile             *outputFileResponse `json:"output_file,omitempty"`
	TaskInfo               *taskInfoResponse   `json:"task_info,omitempty"`
	AvailableActions       []string            `json:"available_actions"`
}

func (a *api) registerCompositionRoutes(r *mux.Router) {
	r.Handle("", user(a.handleCompositionList)).Methods(http.MethodGet)
	r.Handle("/create", user(a.handleCompositionCreate)).Methods(http.MethodPost)
	r.Handle("/{task_id}", user(a.handleCompositionDetail)).Methods(http.MethodGet)
	r.Handle("/{task_id}/download", user(a.handleCompositionFile(false))).Methods(http.MethodGet, http.MethodHead)
	r.Handle("/{task_id}/stream", user(a.handleCompositionFile(true))).Methods(http.MethodGet, http.MethodHead)
	r.Handle("/{task_id}/cancel", user(a.handleCompositionCancel)).Methods(http.MethodDelete)
}

func (a *api) handleCompositionCreate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var payload struct {
		VideoIDs       []string `json:"video_ids"`
		OutputFilename string   `json:"output_filename"`
	}
	if err := decodeJSON(w, r, &payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	task, err := a.c.Compositions.Create(r.Context(), identity(r).UserID, compositions.CreateInput{
		VideoIDs:       payload.VideoIDs,
		OutputFilename: payload.OutputFilename,
	})
	if err != nil {
		a.fail(w, r, "create composition", err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"message":          "composition task created",
		"task_id":          task.ID,
		"status":           task.Status,
		"progress":         task.Progress,
		"created_at":       task.CreatedAt,
		"response_time_ms": float64(time.Since(start).Microseconds()) / 1000,
	})
}

func (a *api) handleCompositionList(w http.ResponseWriter, r *http.Request) {
	tasks, err := a.c.Compositions.List(r.Context(), identity(r).UserID)
	if err != nil {
		a.fail(w, r, "list compositions", err)
		return
	}
	out := make([]compositionResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toCompositionResponse(t))
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"count":   len(out),
		"results": out,
	})
}

func (a *api) handleCompositionDetail(w http.ResponseWriter, r *http.Request) {
	d, err := a.c.Compositions.Detail(r.Context(), identity(r).UserID, mux.Vars(r)["task_id"])
	if err != nil {
		a.fail(w, r, "get composition", err)
		return
	}

	out := compositionDetailResponse{
		compositionResponse:    toCompositionResponse(d.Task),
		CurrentStage:           d.CurrentStage,
		EstimatedTimeRemaining: d.ETA,
		ETAFormatted:           d.ETAFormatted,
		AvailableActions:       d.AvailableActions,
	}
	if d.Output != nil {
		out.OutputFile = &outputFileResponse{
			Filename:    d.Output.Filename,
			Size:        d.Output.Size,
			SizeMB:      d.Output.SizeMB,
			SizeHuman:   d.Output.SizeHuman,
			DownloadURL: d.Output.DownloadURL,
			StreamURL:   d.Output.StreamURL,
			Exists:      d.Output.Exists,
			Error:       d.Output.Error,
		}
	}
	if d.Live != nil {
		out.TaskInfo = &taskInfoResponse{
			UserID:      d.Live.UserID,
			VideoCount:  d.Live.VideoCount,
			IsCancelled: d.Live.IsCancelled,
		}
	}
	respondJSON(w, http.StatusOK, out)
}

// handleCompositionFile serves the composed output, inline for streaming or
// as an attachment for download. Range requests are honoured.
func (a *api) handleCompositionFile(inline bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		obj, task, err := a.c.Compositions.OpenOutput(r.Context(), identity(r).UserID, mux.Vars(r)["task_id"])
		if err != nil {
			a.fail(w, r, "open composition output", err)
			return
		}
		defer obj.Close()

		disposition := "attachment"
		if inline {
			disposition = "inline"
		}
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": task.OutputFilename}))
		http.ServeContent(w, r, task.OutputFilename, obj.Info.ModTime, obj)
	}
}

func (a *api) handleCompositionCancel(w http.ResponseWriter, r *http.Request) {
	task, err := a.c.Compositions.Cancel(r.Context(), identity(r).UserID, mux.Vars(r)["task_id"])
	if err != nil {
		a.fail(w, r, "cancel composition", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"message": "composition task cancelled",
		"task_id": task.ID,
		"status":  task.Status,
	})
}
