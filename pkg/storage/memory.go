package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/hodei-pipelines/hodei/pkg/types"
)

// MemStore implements Store in memory. It is the reference realization used
// by tests and by deployments that do not need durability. Values are stored
// as deep copies so callers cannot mutate stored state.
type MemStore struct {
	mu         sync.RWMutex
	jobs       map[types.JobID]*types.Job
	queuedJobs map[types.JobID]*types.QueuedJob
	pools      map[types.PoolID]*types.ResourcePool
	executions map[types.ExecutionID]*types.Execution
	audit      []*types.AuditEntry
	templates  map[string]*types.Template
}

// NewMemStore creates an in-memory store with the default pool bootstrapped.
func NewMemStore() *MemStore {
	s := &MemStore{
		jobs:       make(map[types.JobID]*types.Job),
		queuedJobs: make(map[types.JobID]*types.QueuedJob),
		pools:      make(map[types.PoolID]*types.ResourcePool),
		executions: make(map[types.ExecutionID]*types.Execution),
		templates:  make(map[string]*types.Template),
	}
	p := defaultPool()
	s.pools[p.ID] = p
	return s
}

// clone round-trips through JSON, the same representation the durable store
// uses.
func clone[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic(err)
	}
	return out
}

func (s *MemStore) Close() error { return nil }

// Job operations

func (s *MemStore) SaveJob(job *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = clone(job)
	return nil
}

func (s *MemStore) GetJob(id types.JobID) (*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, types.ErrNotFound)
	}
	return clone(job), nil
}

func (s *MemStore) ListJobs() ([]*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := make([]*types.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, clone(job))
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs, nil
}

func (s *MemStore) ListJobsByStatus(status types.JobStatus) ([]*types.Job, error) {
	jobs, err := s.ListJobs()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Job
	for _, job := range jobs {
		if job.Status == status {
			filtered = append(filtered, job)
		}
	}
	return filtered, nil
}

func (s *MemStore) DeleteJob(id types.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

// Queued job operations

func (s *MemStore) SaveQueuedJob(entry *types.QueuedJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queuedJobs[entry.Job.ID] = clone(entry)
	return nil
}

func (s *MemStore) GetQueuedJob(jobID types.JobID) (*types.QueuedJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.queuedJobs[jobID]
	if !ok {
		return nil, fmt.Errorf("queued job %s: %w", jobID, types.ErrNotFound)
	}
	return clone(entry), nil
}

func (s *MemStore) ListQueuedJobs() ([]*types.QueuedJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]*types.QueuedJob, 0, len(s.queuedJobs))
	for _, entry := range s.queuedJobs {
		entries = append(entries, clone(entry))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Job.ID < entries[j].Job.ID })
	return entries, nil
}

func (s *MemStore) DeleteQueuedJob(jobID types.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queuedJobs, jobID)
	return nil
}

// Pool operations

func (s *MemStore) SavePool(pool *types.ResourcePool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pools[pool.ID]; ok {
		return fmt.Errorf("pool %s: %w", pool.ID, types.ErrConflict)
	}
	if err := s.poolNameFree(pool.Name, pool.ID); err != nil {
		return err
	}
	s.pools[pool.ID] = clone(pool)
	return nil
}

func (s *MemStore) UpdatePool(pool *types.ResourcePool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pools[pool.ID]; !ok {
		return fmt.Errorf("pool %s: %w", pool.ID, types.ErrNotFound)
	}
	if err := s.poolNameFree(pool.Name, pool.ID); err != nil {
		return err
	}
	s.pools[pool.ID] = clone(pool)
	return nil
}

func (s *MemStore) poolNameFree(name string, self types.PoolID) error {
	for id, existing := range s.pools {
		if id != self && existing.Name == name {
			return fmt.Errorf("pool name %q: %w", name, types.ErrConflict)
		}
	}
	return nil
}

func (s *MemStore) GetPool(id types.PoolID) (*types.ResourcePool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pool, ok := s.pools[id]
	if !ok {
		return nil, fmt.Errorf("pool %s: %w", id, types.ErrNotFound)
	}
	return clone(pool), nil
}

func (s *MemStore) GetPoolByName(name string) (*types.ResourcePool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, pool := range s.pools {
		if pool.Name == name {
			return clone(pool), nil
		}
	}
	return nil, fmt.Errorf("pool %q: %w", name, types.ErrNotFound)
}

func (s *MemStore) ListPools() ([]*types.ResourcePool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pools := make([]*types.ResourcePool, 0, len(s.pools))
	for _, pool := range s.pools {
		pools = append(pools, clone(pool))
	}
	sortPools(pools)
	return pools, nil
}

func (s *MemStore) ListActivePools() ([]*types.ResourcePool, error) {
	pools, err := s.ListPools()
	if err != nil {
		return nil, err
	}
	var active []*types.ResourcePool
	for _, pool := range pools {
		if pool.Status == types.PoolStatusActive {
			active = append(active, pool)
		}
	}
	return active, nil
}

func (s *MemStore) ListPoolsByLabel(key, value string) ([]*types.ResourcePool, error) {
	pools, err := s.ListPools()
	if err != nil {
		return nil, err
	}
	var matched []*types.ResourcePool
	for _, pool := range pools {
		if pool.Labels[key] == value {
			matched = append(matched, pool)
		}
	}
	return matched, nil
}

func (s *MemStore) DeletePool(id types.PoolID) error {
	if id == types.DefaultPoolID {
		return &types.BusinessRuleError{Entity: "pool", ID: string(id), Rule: "the default pool cannot be deleted"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pools, id)
	return nil
}

func (s *MemStore) PoolExists(id types.PoolID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.pools[id]
	return ok, nil
}

// Execution operations

func (s *MemStore) SaveExecution(execution *types.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[execution.ID] = clone(execution)
	return nil
}

func (s *MemStore) GetExecution(id types.ExecutionID) (*types.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	execution, ok := s.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, types.ErrNotFound)
	}
	return clone(execution), nil
}

func (s *MemStore) ListExecutionsByJob(jobID types.JobID) ([]*types.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var executions []*types.Execution
	for _, execution := range s.executions {
		if execution.JobID == jobID {
			executions = append(executions, clone(execution))
		}
	}
	sort.Slice(executions, func(i, j int) bool {
		return executions[i].StartedAt.Before(executions[j].StartedAt)
	})
	return executions, nil
}

// Audit operations

func (s *MemStore) AppendAudit(entry *types.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, clone(entry))
	return nil
}

func (s *MemStore) ListAudit(limit int) ([]*types.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var entries []*types.AuditEntry
	for i := len(s.audit) - 1; i >= 0; i-- {
		if limit > 0 && len(entries) >= limit {
			break
		}
		entries = append(entries, clone(s.audit[i]))
	}
	return entries, nil
}

// Template operations

func (s *MemStore) SaveTemplate(template *types.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[template.ID] = clone(template)
	return nil
}

func (s *MemStore) GetTemplate(id string) (*types.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	template, ok := s.templates[id]
	if !ok {
		return nil, fmt.Errorf("template %s: %w", id, types.ErrNotFound)
	}
	return clone(template), nil
}

func (s *MemStore) GetTemplateByName(name string) (*types.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, template := range s.templates {
		if template.Name == name {
			return clone(template), nil
		}
	}
	return nil, fmt.Errorf("template %q: %w", name, types.ErrNotFound)
}

func (s *MemStore) ListTemplates() ([]*types.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	templates := make([]*types.Template, 0, len(s.templates))
	for _, template := range s.templates {
		templates = append(templates, clone(template))
	}
	sort.Slice(templates, func(i, j int) bool { return templates[i].Name < templates[j].Name })
	return templates, nil
}

func (s *MemStore) DeleteTemplate(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.templates, id)
	return nil
}
