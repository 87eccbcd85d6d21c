package api

import (
	"net/http"

	"github.com/sells-group/rakeback-engine/internal/model"
	"github.com/sells-group/rakeback-engine/internal/monitoring"
)

const recentActivity = 20

// completenessResponse is what the dashboard polls.
type completenessResponse struct {
	*monitoring.Report
	Issues   []model.Issue         `json:"issues"`
	Activity []model.ActivityEntry `json:"recentActivity"`
}

func (s *Server) handleCompleteness(w http.ResponseWriter, r *http.Request) {
	start, err := firstInt64(r, "start", "start_block")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	end, err := firstInt64(r, "end", "end_block")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if start > 0 && end > 0 && end < start {
		s.writeError(w, r, model.Invalid("end", "must not be before start"))
		return
	}

	ctx := r.Context()
	report, err := s.svc.Monitor.Completeness(ctx, monitoring.Scope{
		StartBlock: start,
		EndBlock:   end,
		Validator:  r.URL.Query().Get("validator_hotkey"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	issues, err := s.svc.Monitor.Issues(ctx, false, maxLimit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	activity, err := s.svc.Monitor.Activity(ctx, recentActivity)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if issues == nil {
		issues = []model.Issue{}
	}
	if activity == nil {
		activity = []model.ActivityEntry{}
	}
	writeJSON(w, http.StatusOK, completenessResponse{Report: report, Issues: issues, Activity: activity})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Monitor.Refresh(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleIssues(w http.ResponseWriter, r *http.Request) {
	all, err := queryBool(r, "include_resolved")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	issues, err := s.svc.Monitor.Issues(r.Context(), all, parsePage(r).Limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if issues == nil {
		issues = []model.Issue{}
	}
	writeJSON(w, http.StatusOK, issues)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	entries, err := s.svc.Monitor.Activity(r.Context(), parsePage(r).Limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.ActivityEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
