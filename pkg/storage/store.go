package storage

import (
	"time"

	"github.com/hodei-pipelines/hodei/pkg/types"
)

// Store defines the repository contract for all persisted aggregates. Every
// realization must preserve the uniqueness invariants: pool names are unique,
// at most one queued entry exists per job id, and the default pool cannot be
// deleted. All returns are value copies; mutating a returned aggregate does
// not mutate the store.
type Store interface {
	// Jobs
	SaveJob(job *types.Job) error
	GetJob(id types.JobID) (*types.Job, error)
	ListJobs() ([]*types.Job, error)
	ListJobsByStatus(status types.JobStatus) ([]*types.Job, error)
	DeleteJob(id types.JobID) error

	// Queued jobs, keyed by job id
	SaveQueuedJob(entry *types.QueuedJob) error
	GetQueuedJob(jobID types.JobID) (*types.QueuedJob, error)
	ListQueuedJobs() ([]*types.QueuedJob, error)
	DeleteQueuedJob(jobID types.JobID) error

	// Resource pools
	SavePool(pool *types.ResourcePool) error
	UpdatePool(pool *types.ResourcePool) error
	GetPool(id types.PoolID) (*types.ResourcePool, error)
	GetPoolByName(name string) (*types.ResourcePool, error)
	ListPools() ([]*types.ResourcePool, error)
	ListActivePools() ([]*types.ResourcePool, error)
	ListPoolsByLabel(key, value string) ([]*types.ResourcePool, error)
	DeletePool(id types.PoolID) error
	PoolExists(id types.PoolID) (bool, error)

	// Executions
	SaveExecution(execution *types.Execution) error
	GetExecution(id types.ExecutionID) (*types.Execution, error)
	ListExecutionsByJob(jobID types.JobID) ([]*types.Execution, error)

	// Audit log
	AppendAudit(entry *types.AuditEntry) error
	ListAudit(limit int) ([]*types.AuditEntry, error)

	// Templates
	SaveTemplate(template *types.Template) error
	GetTemplate(id string) (*types.Template, error)
	GetTemplateByName(name string) (*types.Template, error)
	ListTemplates() ([]*types.Template, error)
	DeleteTemplate(id string) error

	// Utility
	Close() error
}

// defaultPool returns the system default pool created at bootstrap.
func defaultPool() *types.ResourcePool {
	now := time.Now()
	return &types.ResourcePool{
		ID:         types.DefaultPoolID,
		Name:       "default",
		Type:       "local",
		Status:     types.PoolStatusActive,
		MaxWorkers: 10,
		System:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}
