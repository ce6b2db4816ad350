package api

import (
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-hub/internal/audit"
	"github.com/nerrad567/gray-logic-hub/internal/automation"
)

// maxRunsLimit matches the cap applied by the run repository.
const maxRunsLimit = 100

// issueResponse is one validation issue in a rules response.
type issueResponse struct {
	Rule  string `json:"rule"`
	Path  string `json:"path,omitempty"`
	Error string `json:"error"`
}

// runResponse is the JSON view of a recorded rule run.
type runResponse struct {
	ID            string  `json:"id"`
	RuleKey       string  `json:"rule_key"`
	RuleName      string  `json:"rule_name"`
	TriggerSource string  `json:"trigger_source"`
	StartedAt     string  `json:"started_at"`
	CompletedAt   *string `json:"completed_at"`
	DurationMS    int64   `json:"duration_ms"`
	Status        string  `json:"status"`
	CommandsSent  int     `json:"commands_sent"`
	Error         *string `json:"error"`
}

// handleStats returns engine counters and the rules currently running.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	running := s.engine.Running()
	sort.Strings(running)
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":   s.engine.Stats(),
		"running": running,
	})
}

// handleListRules returns the active rule set in load order.
func (s *Server) handleListRules(w http.ResponseWriter, _ *http.Request) {
	rules := s.engine.Rules()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": rules,
		"count": len(rules),
	})
}

// handleReplaceRules loads a JSON rule list, the same document the backend
// pushes with sync_automations. Rules with issues are still loaded.
func (s *Server) handleReplaceRules(w http.ResponseWriter, r *http.Request) {
	rules, ok := s.readRules(w, r)
	if !ok {
		return
	}

	s.engine.Load(rules)
	s.logger.Info("rules replaced via API", "total", len(rules), "request_id", requestID(r.Context()))

	writeJSON(w, http.StatusOK, map[string]any{
		"loaded": len(s.engine.Rules()),
		"total":  len(rules),
		"issues": issuesResponse(automation.ValidateRules(rules)),
	})
}

// handleValidateRules reports the issues in a rule list without loading it.
func (s *Server) handleValidateRules(w http.ResponseWriter, r *http.Request) {
	rules, ok := s.readRules(w, r)
	if !ok {
		return
	}

	issues := automation.ValidateRules(rules)
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":  len(issues) == 0,
		"total":  len(rules),
		"issues": issuesResponse(issues),
	})
}

func (s *Server) readRules(w http.ResponseWriter, r *http.Request) ([]automation.Rule, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, "request body too large")
			return nil, false
		}
		writeBadRequest(w, r, "failed to read request body")
		return nil, false
	}

	rules, err := automation.ParseRules(body)
	if err != nil {
		writeBadRequest(w, r, "body must be a JSON array of rules")
		return nil, false
	}
	return rules, true
}

// handleListRuns returns recent runs, newest first. Query parameters:
// rule filters by rule key, limit caps the result (default 20).
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeUnavailable(w, r, "run history is disabled")
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxRunsLimit {
			writeBadRequest(w, r, "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	runs, err := s.runs.ListRuns(r.Context(), r.URL.Query().Get("rule"), limit)
	if err != nil {
		s.logger.Error("listing runs failed", "error", err)
		writeInternalError(w, r, "failed to list runs")
		return
	}

	out := make([]runResponse, 0, len(runs))
	for i := range runs {
		out = append(out, s.toRunResponse(&runs[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  out,
		"count": len(out),
	})
}

// handleGetRun returns one run by ID.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeUnavailable(w, r, "run history is disabled")
		return
	}

	run, err := s.runs.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, automation.ErrRunNotFound) {
			writeNotFound(w, r, "run not found")
			return
		}
		s.logger.Error("getting run failed", "error", err)
		writeInternalError(w, r, "failed to get run")
		return
	}
	writeJSON(w, http.StatusOK, s.toRunResponse(run))
}

// handleListAudit returns audit entries, newest first. Query parameters:
// action, source and limit (default 50, max 200).
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeUnavailable(w, r, "audit log is disabled")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Action: audit.Action(q.Get("action")),
		Source: q.Get("source"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeBadRequest(w, r, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	entries, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing audit log failed", "error", err)
		writeInternalError(w, r, "failed to list audit log")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// handleGetDeviceState returns the engine's cached state for one device.
func (s *Server) handleGetDeviceState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	state, ok := s.engine.DeviceState(id)
	if !ok {
		writeNotFound(w, r, "no state cached for device")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"state":     state,
	})
}

func (s *Server) toRunResponse(run *automation.Run) runResponse {
	out := runResponse{
		ID:            run.ID,
		RuleKey:       run.RuleKey,
		RuleName:      run.RuleName,
		TriggerSource: string(run.TriggerSource),
		StartedAt:     run.StartedAt.In(s.location).Format(time.RFC3339Nano),
		DurationMS:    run.Duration().Milliseconds(),
		Status:        string(run.Status),
		CommandsSent:  run.CommandsSent,
		Error:         run.Error,
	}
	if run.CompletedAt != nil {
		done := run.CompletedAt.In(s.location).Format(time.RFC3339Nano)
		out.CompletedAt = &done
	}
	return out
}

func issuesResponse(issues []automation.ValidationIssue) []issueResponse {
	out := make([]issueResponse, 0, len(issues))
	for _, issue := range issues {
		out = append(out, issueResponse{
			Rule:  issue.Rule,
			Path:  issue.Path,
			Error: issue.Err.Error(),
		})
	}
	return out
}
