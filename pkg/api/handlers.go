package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/hodei-pipelines/hodei/pkg/types"
)

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var job types.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		writeError(w, r, &types.ValidationError{Field: "body", Reason: "malformed JSON: " + err.Error()})
		return
	}
	if err := s.coord.SubmitJob(&job); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var (
		jobs []*types.Job
		err  error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		jobs, err = s.store.ListJobsByStatus(types.JobStatus(status))
	} else {
		jobs, err = s.store.ListJobs()
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*types.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(types.JobID(mux.Vars(r)["id"]))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(mux.Vars(r)["id"])
	job, err := s.store.GetJob(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if job.Status == types.JobStatusRunning || job.Status == types.JobStatusQueued {
		writeError(w, r, &types.BusinessRuleError{
			Entity: "job",
			ID:     string(id),
			Rule:   "cannot delete a job in status " + string(job.Status) + "; cancel it first",
		})
		return
	}
	if err := s.store.DeleteJob(id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.CancelJob(types.JobID(mux.Vars(r)["id"])); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.RetryJob(types.JobID(mux.Vars(r)["id"])); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	lines, dropped, err := s.coord.JobLogs(types.JobID(mux.Vars(r)["id"]))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"lines":   lines,
		"dropped": dropped,
	})
}

func (s *Server) handleJobExecutions(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(mux.Vars(r)["id"])
	if _, err := s.store.GetJob(id); err != nil {
		writeError(w, r, err)
		return
	}
	execs, err := s.store.ListExecutionsByJob(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if execs == nil {
		execs = []*types.Execution{}
	}
	writeJSON(w, http.StatusOK, execs)
}

// poolRequest is the create/update body for pools.
type poolRequest struct {
	Name       string            `json:"name"`
	Type       string            `json:"type"`
	Status     types.PoolStatus  `json:"status,omitempty"`
	MaxWorkers int               `json:"max_workers"`
	MaxJobs    *int              `json:"max_jobs,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	var (
		pools []*types.ResourcePool
		err   error
	)
	if label := r.URL.Query().Get("label"); label != "" {
		pools, err = s.store.ListPoolsByLabel(label, r.URL.Query().Get("value"))
	} else if r.URL.Query().Get("active") == "true" {
		pools, err = s.store.ListActivePools()
	} else {
		pools, err = s.store.ListPools()
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pools)
}

func (s *Server) handleCreatePool(w http.ResponseWriter, r *http.Request) {
	var req poolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, &types.ValidationError{Field: "body", Reason: "malformed JSON: " + err.Error()})
		return
	}
	if req.Name == "" {
		writeError(w, r, &types.ValidationError{Field: "name", Reason: "must not be empty"})
		return
	}
	if req.Type == "" {
		writeError(w, r, &types.ValidationError{Field: "type", Reason: "must not be empty"})
		return
	}

	now := time.Now()
	pool := &types.ResourcePool{
		ID:         types.PoolID(uuid.New().String()),
		Name:       req.Name,
		Type:       req.Type,
		Status:     types.PoolStatusActive,
		MaxWorkers: req.MaxWorkers,
		MaxJobs:    req.MaxJobs,
		Labels:     req.Labels,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if req.Status != "" {
		pool.Status = req.Status
	}
	if err := s.store.SavePool(pool); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pool)
}

func (s *Server) handleUpdatePool(w http.ResponseWriter, r *http.Request) {
	pool, err := s.store.GetPool(types.PoolID(mux.Vars(r)["id"]))
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req poolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, &types.ValidationError{Field: "body", Reason: "malformed JSON: " + err.Error()})
		return
	}
	if req.Name != "" {
		pool.Name = req.Name
	}
	if req.Status != "" {
		pool.Status = req.Status
	}
	if req.MaxWorkers > 0 {
		pool.MaxWorkers = req.MaxWorkers
	}
	if req.MaxJobs != nil {
		pool.MaxJobs = req.MaxJobs
	}
	if req.Labels != nil {
		pool.Labels = req.Labels
	}
	pool.UpdatedAt = time.Now()

	if err := s.store.UpdatePool(pool); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

func (s *Server) handleDeletePool(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeletePool(types.PoolID(mux.Vars(r)["id"])); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.QueueStats())
}

// workerView is the admin projection of a live session.
type workerView struct {
	WorkerID   types.WorkerID     `json:"worker_id"`
	Name       string             `json:"name"`
	PoolID     types.PoolID       `json:"pool_id"`
	State      types.SessionState `json:"state"`
	ActiveJobs int                `json:"active_jobs"`
	LastSeen   time.Time          `json:"last_seen"`
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	sessions := s.coord.Hub().List()
	views := make([]workerView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, workerView{
			WorkerID:   sess.WorkerID,
			Name:       sess.Name,
			PoolID:     sess.PoolID,
			State:      sess.State(),
			ActiveJobs: sess.ActiveJobs(),
			LastSeen:   sess.LastSeen(),
		})
	}
	writeJSON(w, http.StatusOK, views)
}
