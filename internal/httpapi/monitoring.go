package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/daoistvideo/platform/internal/monitoring"
)

func (a *api) registerMonitoringRoutes(r *mux.Router) {
	r.Handle("/errors", admin(a.handleErrorStatistics)).Methods(http.MethodGet)
	r.Handle("/performance", admin(a.handleRequestStats)).Methods(http.MethodGet)
	r.Handle("/health", admin(a.handleHealthScore)).Methods(http.MethodGet)
	r.Handle("/force-report", admin(a.handleForceReport)).Methods(http.MethodPost)
	r.Handle("/client-errors", user(a.handleClientErrors)).Methods(http.MethodPost)
}

func (a *api) handleErrorStatistics(w http.ResponseWriter, r *http.Request) {
	hours, err := queryInt(r, "hours", 24)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	stats, err := a.c.Errors.Statistics(hours)
	if err != nil {
		a.internal(w, r, "error statistics", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"statistics":       stats,
		"pending_errors":   a.c.Errors.Pending(),
		"time_range_hours": hours,
	})
}

func (a *api) handleRequestStats(w http.ResponseWriter, r *http.Request) {
	hours, err := queryInt(r, "hours", 1)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"performance":      a.c.Requests.Stats(hours),
		"time_range_hours": hours,
	})
}

func (a *api) handleHealthScore(w http.ResponseWriter, r *http.Request) {
	errs, err := a.c.Errors.Statistics(24)
	if err != nil {
		a.internal(w, r, "error statistics", err)
		return
	}
	perf := a.c.Requests.Stats(1)
	score := monitoring.ScoreHealth(errs.TotalErrors, perf)
	respondJSON(w, http.StatusOK, map[string]any{
		"health_score":   score.Score,
		"health_status":  score.Status,
		"health_message": score.Message,
		"details": map[string]any{
			"error_count_24h":        errs.TotalErrors,
			"avg_response_time_1h":   perf.AvgResponseTime,
			"error_rate_1h":          perf.ErrorRate,
			"slow_requests_1h":       perf.SlowRequests,
			"total_requests_1h":      perf.TotalRequests,
			"pending_errors":         a.c.Errors.Pending(),
			"last_check":             time.Now().UTC(),
			"error_types":            errs.ErrorTypes,
			"recent_reports_checked": len(errs.RecentReports),
		},
	})
}

func (a *api) handleForceReport(w http.ResponseWriter, r *http.Request) {
	report, generated, err := a.c.Errors.Report(r.Context())
	if err != nil {
		a.internal(w, r, "error report", err)
		return
	}
	if !generated {
		respondJSON(w, http.StatusOK, map[string]any{
			"message":   "no errors to report",
			"generated": false,
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"message":   "error report generated",
		"generated": true,
		"summary":   report.Summary,
	})
}

// handleClientErrors accepts {"errors": [...]} or a single error object.
func (a *api) handleClientErrors(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := decodeJSON(w, r, &raw); err != nil || len(raw) == 0 {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	var batch struct {
		Errors []monitoring.ClientError `json:"errors"`
	}
	if err := json.Unmarshal(raw, &batch); err != nil {
		respondError(w, http.StatusBadRequest, "invalid error report")
		return
	}
	reports := batch.Errors
	if reports == nil {
		var single monitoring.ClientError
		if err := json.Unmarshal(raw, &single); err != nil {
			respondError(w, http.StatusBadRequest, "invalid error report")
			return
		}
		reports = []monitoring.ClientError{single}
	}

	n := a.c.Errors.RecordClientErrors(r.Context(), identity(r).Username, remoteIP(r), reports)
	respondJSON(w, http.StatusOK, map[string]any{
		"message":        fmt.Sprintf("received %d client errors", n),
		"received_count": n,
	})
}
