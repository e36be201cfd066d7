package web

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/schedule-ingest/internal/core"
)

const readyTimeout = 2 * time.Second

// VersionResponse is the status view of one schedule version.
type VersionResponse struct {
	ID        int64                    `json:"id"`
	Status    core.VersionStatus       `json:"status"`
	CreatedAt time.Time                `json:"createdAt"`
	UpdatedAt time.Time                `json:"updatedAt"`
	LatestRun *core.RunRecord          `json:"latestRun,omitempty"`
	Issues    map[core.IssueType]int64 `json:"issues"`
}

// IssuesResponse lists the findings of a version.
type IssuesResponse struct {
	VersionID int64               `json:"versionId"`
	Count     int                 `json:"count"`
	Issues    []core.QualityIssue `json:"issues"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.DB == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	if err := s.deps.DB.Ping(ctx); err != nil {
		respondError(w, r, err, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Limiter == nil {
		writeJSON(w, http.StatusOK, core.RunLimiterStatus{Versions: []int64{}})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Limiter.Status())
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	id, ok := versionIDParam(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	v, err := s.deps.Versions.Summary(ctx, id)
	if err != nil {
		s.respondLookupError(w, r, err)
		return
	}

	resp := VersionResponse{
		ID:        v.ID,
		Status:    v.Status,
		CreatedAt: v.CreatedAt,
		UpdatedAt: v.UpdatedAt,
	}

	run, err := s.deps.Runs.Latest(ctx, id)
	switch {
	case err == nil:
		resp.LatestRun = &run
	case !s.deps.NotFound(err):
		respondError(w, r, err, http.StatusInternalServerError)
		return
	}

	resp.Issues, err = s.deps.Issues.CountByType(ctx, id)
	if err != nil {
		respondError(w, r, err, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVersionRuns(w http.ResponseWriter, r *http.Request) {
	id, ok := versionIDParam(w, r)
	if !ok {
		return
	}

	if _, err := s.deps.Versions.Summary(r.Context(), id); err != nil {
		s.respondLookupError(w, r, err)
		return
	}

	runs, err := s.deps.Runs.ListByVersion(r.Context(), id)
	if err != nil {
		respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []core.RunRecord{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleVersionIssues(w http.ResponseWriter, r *http.Request) {
	id, ok := versionIDParam(w, r)
	if !ok {
		return
	}

	issueType := core.IssueType(r.URL.Query().Get("type"))
	if issueType != "" && !issueType.Valid() {
		respondMessage(w, msgBadIssueType, http.StatusBadRequest)
		return
	}

	if _, err := s.deps.Versions.Summary(r.Context(), id); err != nil {
		s.respondLookupError(w, r, err)
		return
	}

	issues, err := s.deps.Issues.ListByVersion(r.Context(), id, issueType)
	if err != nil {
		respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	if issues == nil {
		issues = []core.QualityIssue{}
	}
	writeJSON(w, http.StatusOK, IssuesResponse{VersionID: id, Count: len(issues), Issues: issues})
}

func (s *Server) respondLookupError(w http.ResponseWriter, r *http.Request, err error) {
	if s.deps.NotFound(err) {
		respondMessage(w, msgNotFound, http.StatusNotFound)
		return
	}
	respondError(w, r, err, http.StatusInternalServerError)
}

// versionIDParam parses {versionID}, writing a 400 when it is not a positive integer.
func versionIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "versionID"), 10, 64)
	if err != nil || id < 1 {
		respondMessage(w, msgBadVersionID, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}
