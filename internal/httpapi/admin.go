package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/daoistvideo/platform/internal/domain/videos"
)

type batchPayload struct {
	VideoIDs []string `json:"video_ids"`
	Category string   `json:"category"`
}

func (a *api) registerAdminRoutes(r *mux.Router) {
	r.Handle("/list", admin(a.handleAdminList)).Methods(http.MethodGet)
	r.Handle("/batch-delete", admin(a.handleBatchDelete)).Methods(http.MethodPost)
	r.Handle("/batch-category", admin(a.handleBatchCategory)).Methods(http.MethodPost)

	r.Handle("/monitoring/statistics", admin(a.handleSystemStatistics)).Methods(http.MethodGet)
	r.Handle("/monitoring/storage", admin(a.handleStorage)).Methods(http.MethodGet)
	r.Handle("/monitoring/backup/create", admin(a.handleBackupCreate)).Methods(http.MethodPost)
	r.Handle("/monitoring/backup/cleanup", admin(a.handleBackupCleanup)).Methods(http.MethodPost)
	r.Handle("/monitoring/check", admin(a.handleMonitoringCheck)).Methods(http.MethodPost)

	r.Handle("/performance/statistics", admin(a.handlePerformanceStatistics)).Methods(http.MethodGet)
	r.Handle("/performance/slow-requests", admin(a.handleSlowRequests)).Methods(http.MethodGet)
	r.Handle("/performance/alerts", admin(a.handlePerformanceAlerts)).Methods(http.MethodGet)

	r.Handle("/{id}/edit", admin(a.handleAdminVideo)).Methods(http.MethodGet)
	r.Handle("/{id}/edit", admin(a.handleVideoUpdate)).Methods(http.MethodPut, http.MethodPatch)
}

func (a *api) handleAdminList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, limit, page, err := pagination(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	active, err := queryBool(r, "is_active")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	ordering, err := videos.ParseOrdering(q.Get("ordering"), videos.AdminOrderFields...)
	if err != nil {
		a.fail(w, r, "list videos", err)
		return
	}
	filter := videos.ListFilter{
		Search:          strings.TrimSpace(q.Get("search")),
		SearchUploader:  true,
		UploaderID:      strings.TrimSpace(q.Get("uploader")),
		IncludeInactive: true,
		IsActive:        active,
		Ordering:        ordering,
		Offset:          offset,
		Limit:           limit,
	}
	if raw := strings.TrimSpace(q.Get("category")); raw != "" {
		c, err := videos.ParseCategory(raw)
		if err != nil {
			a.fail(w, r, "list videos", err)
			return
		}
		filter.Category = c
	}

	res, err := a.c.Videos.List(r.Context(), filter)
	if err != nil {
		a.fail(w, r, "list videos", err)
		return
	}
	respondJSON(w, http.StatusOK, pageResponse{
		Count:    res.Total,
		Page:     page,
		PageSize: limit,
		Results:  toVideoResponses(res.Items),
	})
}

// handleAdminVideo returns a video regardless of its active flag and without
// counting a view.
func (a *api) handleAdminVideo(w http.ResponseWriter, r *http.Request) {
	v, err := a.c.Videos.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.fail(w, r, "get video", err)
		return
	}
	respondJSON(w, http.StatusOK, toVideoResponse(v))
}

func (a *api) handleBatchDelete(w http.ResponseWriter, r *http.Request) {
	var payload batchPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	n, err := a.c.Videos.BatchDelete(r.Context(), payload.VideoIDs)
	if err != nil {
		a.fail(w, r, "batch delete videos", err)
		return
	}
	a.logger.Info("videos batch deleted", "count", n, "user_id", identity(r).UserID)
	respondJSON(w, http.StatusOK, map[string]any{
		"message":       fmt.Sprintf("deleted %d videos", n),
		"deleted_count": n,
	})
}

func (a *api) handleBatchCategory(w http.ResponseWriter, r *http.Request) {
	var payload batchPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	n, err := a.c.Videos.BatchUpdateCategory(r.Context(), payload.VideoIDs, payload.Category)
	if err != nil {
		a.fail(w, r, "batch update category", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"message":       fmt.Sprintf("updated category of %d videos", n),
		"updated_count": n,
	})
}

func (a *api) handleSystemStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := a.c.System.Statistics(r.Context())
	if err != nil {
		a.internal(w, r, "system statistics", err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (a *api) handleStorage(w http.ResponseWriter, r *http.Request) {
	info, err := a.c.System.StorageInfo(r.Context())
	if err != nil {
		a.internal(w, r, "storage info", err)
		return
	}
	warnings, err := a.c.System.StorageWarnings(r.Context())
	if err != nil {
		a.internal(w, r, "storage warnings", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"storage_info": info,
		"warnings":     warnings,
	})
}

func (a *api) handleBackupCreate(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Type string `json:"type"`
	}
	if err := decodeJSON(w, r, &payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	info, err := a.c.System.CreateBackup(r.Context(), strings.TrimSpace(payload.Type))
	if err != nil {
		a.fail(w, r, "create backup", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"message":     "backup created",
		"backup_info": info,
	})
}

func (a *api) handleBackupCleanup(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		KeepDays int `json:"keep_days"`
	}
	if err := decodeJSON(w, r, &payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	res, err := a.c.System.CleanupBackups(payload.KeepDays)
	if err != nil {
		a.internal(w, r, "cleanup backups", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"message":       fmt.Sprintf("removed %d old backups", res.Cleaned),
		"cleanup_stats": res,
	})
}

func (a *api) handleMonitoringCheck(w http.ResponseWriter, r *http.Request) {
	res, err := a.c.System.RunCheck(r.Context())
	if err != nil {
		a.internal(w, r, "monitoring check", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"message":           "monitoring check finished",
		"monitoring_result": res,
	})
}

func (a *api) handlePerformanceStatistics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	hours, err := queryInt(r, "hours", 24)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	stats := a.c.Performance.Statistics(r.Context(), q.Get("endpoint"), strings.ToUpper(q.Get("method")), hours)
	respondJSON(w, http.StatusOK, map[string]any{
		"statistics": stats,
		"summary":    a.c.Performance.Summary(r.Context(), hours),
	})
}

func (a *api) handleSlowRequests(w http.ResponseWriter, r *http.Request) {
	hours, err := queryInt(r, "hours", 1)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	slow := a.c.Performance.SlowRequests(hours, limit)
	respondJSON(w, http.StatusOK, map[string]any{
		"slow_requests":    slow,
		"count":            len(slow),
		"time_range_hours": hours,
	})
}

func (a *api) handlePerformanceAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := a.c.Performance.Alerts(r.Context())
	critical := 0
	for _, al := range alerts {
		if al.Level == "critical" {
			critical++
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"alerts":         alerts,
		"total_alerts":   len(alerts),
		"critical_count": critical,
		"warning_count":  len(alerts) - critical,
	})
}
