package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ciwatch/testgate/pkg/store"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleGate gates one branch build and returns the verdict. The
// verdict itself is always a 200; rejection is expressed in the body.
func (s *server) handleGate(w http.ResponseWriter, r *http.Request) {
	job := store.JobRef{
		Workflow: chi.URLParam(r, "workflow"),
		Branch:   chi.URLParam(r, "branch"),
	}

	buildNumber, err := strconv.ParseInt(chi.URLParam(r, "build"), 10, 64)
	if err != nil || buildNumber <= 0 {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid build number"})

		return
	}

	if _, ok := s.cfg.Workflow(job.Workflow); !ok {
		writeJSON(w, http.StatusNotFound,
			errorResponse{"unknown workflow"})

		return
	}

	verdict, err := s.engine.CheckBuild(r.Context(), job, buildNumber)
	if err != nil {
		s.log.WithError(err).WithField("job", job.String()).
			Error("Gating failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"gating failed"})

		return
	}

	writeJSON(w, http.StatusOK, verdict)
}

// submitLoadRequest is the POST /loads payload.
type submitLoadRequest struct {
	Workflow  string `json:"workflow"`
	Branch    string `json:"branch"`
	MaxBuilds int    `json:"max_builds,omitempty"`
}

// handleSubmitLoad submits a build load for a job and returns the
// task id, which is the already-running task's id when a load for the
// job is in flight.
func (s *server) handleSubmitLoad(w http.ResponseWriter, r *http.Request) {
	var req submitLoadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if req.Workflow == "" || req.Branch == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"workflow and branch are required"})

		return
	}

	taskID := s.coordinator.Submit(store.JobRef{
		Workflow: req.Workflow,
		Branch:   req.Branch,
	}, req.MaxBuilds)

	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": taskID,
	})
}

// handleListLoads returns all retained load-task statuses.
func (s *server) handleListLoads(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.coordinator.Statuses())
}

// handleListUnfinishedLoads returns the statuses of tasks still in
// flight.
func (s *server) handleListUnfinishedLoads(
	w http.ResponseWriter, _ *http.Request,
) {
	writeJSON(w, http.StatusOK, s.coordinator.Unfinished())
}

// handleGetLoad returns one load-task status by id.
func (s *server) handleGetLoad(w http.ResponseWriter, r *http.Request) {
	status, ok := s.coordinator.Status(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound,
			errorResponse{"unknown task id"})

		return
	}

	writeJSON(w, http.StatusOK, status)
}
