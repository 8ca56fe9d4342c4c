package types

import (
	"time"

	"github.com/google/uuid"
)

// JobID identifies a job. Opaque, compared by value.
type JobID string

// PoolID identifies a resource pool.
type PoolID string

// WorkerID identifies a worker instance and its session.
type WorkerID string

// ExecutionID identifies a single run of a job on a worker.
type ExecutionID string

// ArtifactID identifies a cached artifact (content address or provider-assigned).
type ArtifactID string

// NewJobID mints a fresh job id.
func NewJobID() JobID { return JobID(uuid.New().String()) }

// NewWorkerID mints a fresh worker id.
func NewWorkerID() WorkerID { return WorkerID(uuid.New().String()) }

// NewExecutionID mints a fresh execution id.
func NewExecutionID() ExecutionID { return ExecutionID(uuid.New().String()) }

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCancelled JobStatus = "CANCELLED"
)

// jobTransitions is the allowed transition set. RUNNING -> QUEUED exists
// solely for retry re-admission.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:   {JobStatusQueued, JobStatusCancelled},
	JobStatusQueued:    {JobStatusRunning, JobStatusCancelled},
	JobStatusRunning:   {JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusQueued},
	JobStatusFailed:    {JobStatusQueued},
	JobStatusCompleted: {},
	JobStatusCancelled: {},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to JobStatus) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a job status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusCancelled
}

// ContentKind tags the job content variant.
type ContentKind string

const (
	ContentShell  ContentKind = "shell"
	ContentScript ContentKind = "script"
)

// JobContent is the tagged workload variant: shell commands or a script,
// each with an optional timeout.
type JobContent struct {
	Kind     ContentKind   `json:"kind"`
	Commands []string      `json:"commands,omitempty"`
	Script   string        `json:"script,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`
}

// RetryPolicy controls re-admission of failed jobs.
type RetryPolicy struct {
	MaxRetries        int           `json:"max_retries"`
	Delay             time.Duration `json:"delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	RetryOnFailure    bool          `json:"retry_on_failure"`
}

// RetryDelay returns the backoff delay for the given attempt:
// delay * multiplier^attempt.
func (p RetryPolicy) RetryDelay(attempt int) time.Duration {
	d := float64(p.Delay)
	for i := 0; i < attempt; i++ {
		d *= p.BackoffMultiplier
	}
	return time.Duration(d)
}

// ResourceRequirements declares what a job needs from a pool. CPU is decimal
// cores; Memory is a string with an optional suffix (Ki, Mi, Gi, Ti, K, M, G, T).
type ResourceRequirements struct {
	CPUCores float64 `json:"cpu_cores"`
	Memory   string  `json:"memory"`
}

// JobMetadata carries audit fields.
type JobMetadata struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	CreatedBy string    `json:"created_by"`
}

const (
	MinPriority     = 1
	MaxPriority     = 1000
	DefaultPriority = 500
)

// Job is a user-submitted workload. Created by admission, mutated only by the
// coordinator, destroyed by retention policy.
type Job struct {
	ID                 JobID                `json:"id"`
	Name               string               `json:"name"`
	Content            JobContent           `json:"content"`
	Parameters         map[string]string    `json:"parameters,omitempty"`
	TargetPoolID       PoolID               `json:"target_pool_id,omitempty"`
	Priority           int                  `json:"priority"`
	Retry              RetryPolicy          `json:"retry"`
	Requirements       ResourceRequirements `json:"requirements"`
	Labels             map[string]string    `json:"labels,omitempty"`
	Metadata           JobMetadata          `json:"metadata"`
	ScheduledAt        *time.Time           `json:"scheduled_at,omitempty"`
	Deadline           *time.Time           `json:"deadline,omitempty"`
	EstimatedDuration  time.Duration        `json:"estimated_duration,omitempty"`
	CurrentExecutionID ExecutionID          `json:"current_execution_id,omitempty"`
	StartedAt          *time.Time           `json:"started_at,omitempty"`
	CompletedAt        *time.Time           `json:"completed_at,omitempty"`
	Status             JobStatus            `json:"status"`
}

// TransitionTo moves the job to the given status, rejecting moves outside the
// allowed set with a BusinessRuleError.
func (j *Job) TransitionTo(to JobStatus) error {
	if !CanTransition(j.Status, to) {
		return &BusinessRuleError{
			Entity: "job",
			ID:     string(j.ID),
			Rule:   "status transition " + string(j.Status) + " -> " + string(to) + " is not allowed",
		}
	}
	j.Status = to
	j.Metadata.UpdatedAt = time.Now()
	return nil
}

// QueueStatus is the state of a queued entry.
type QueueStatus string

const (
	QueueStatusWaiting     QueueStatus = "WAITING"
	QueueStatusDispatching QueueStatus = "DISPATCHING"
	QueueStatusExpired     QueueStatus = "EXPIRED"
	QueueStatusRetrying    QueueStatus = "RETRYING"
)

// QueuedJob wraps an admitted job while it waits for dispatch. At most one
// entry exists per job id.
type QueuedJob struct {
	Job               *Job                 `json:"job"`
	QueuedAt          time.Time            `json:"queued_at"`
	BasePriority      int                  `json:"base_priority"`
	RetryCount        int                  `json:"retry_count"`
	MaxRetries        int                  `json:"max_retries"`
	Deadline          *time.Time           `json:"deadline,omitempty"`
	EstimatedDuration time.Duration        `json:"estimated_duration,omitempty"`
	Requirements      ResourceRequirements `json:"requirements"`
	Affinity          map[string]string    `json:"affinity,omitempty"`
	Status            QueueStatus          `json:"status"`
}

// IsExpired reports whether the entry's deadline has passed.
func (q *QueuedJob) IsExpired(now time.Time) bool {
	return q.Deadline != nil && q.Deadline.Before(now)
}

const (
	maxAgeBoost     = 300
	ageBoostStep    = 50
	ageBucket       = 10 * time.Minute
	deadlineBoost   = 200
	deadlineMargin  = 10 * time.Minute
	expiredBoost    = 500
	minEffective    = 1
	maxEffective    = 10000
)

// EffectivePriority derives the ranking priority:
// base + ageBoost + deadlineBoost + expiredBoost, clamped to [1, 10000].
// ageBoost = min(300, floor(minutesWaiting/10) * 50). deadlineBoost = 200 when
// now + estimatedDuration > deadline - 10m. expiredBoost = 500 when expired.
func (q *QueuedJob) EffectivePriority(now time.Time) int {
	p := q.BasePriority

	waiting := now.Sub(q.QueuedAt)
	if waiting > 0 {
		boost := int(waiting/ageBucket) * ageBoostStep
		if boost > maxAgeBoost {
			boost = maxAgeBoost
		}
		p += boost
	}

	if q.Deadline != nil {
		if q.IsExpired(now) {
			p += expiredBoost
		} else if now.Add(q.EstimatedDuration).After(q.Deadline.Add(-deadlineMargin)) {
			p += deadlineBoost
		}
	}

	if p < minEffective {
		p = minEffective
	}
	if p > maxEffective {
		p = maxEffective
	}
	return p
}

// PoolStatus represents the state of a resource pool.
type PoolStatus string

const (
	PoolStatusInactive PoolStatus = "INACTIVE"
	PoolStatusActive   PoolStatus = "ACTIVE"
	PoolStatusDraining PoolStatus = "DRAINING"
	PoolStatusFailed   PoolStatus = "FAILED"
)

// DefaultPoolID is the system-wide default pool. It always exists and cannot
// be deleted.
const DefaultPoolID PoolID = "default"

// ResourcePool is a named capacity bucket served by a single backend type
// ("kubernetes", "docker", "local", ...).
type ResourcePool struct {
	ID         PoolID            `json:"id"`
	Name       string            `json:"name"`
	Type       string            `json:"type"`
	Status     PoolStatus        `json:"status"`
	MaxWorkers int               `json:"max_workers"`
	MaxJobs    *int              `json:"max_jobs,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
	System     bool              `json:"system"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// ResourcePoolUtilization is a point-in-time capacity sample for a pool.
type ResourcePoolUtilization struct {
	PoolID           PoolID    `json:"pool_id"`
	TotalCPU         float64   `json:"total_cpu"`
	UsedCPU          float64   `json:"used_cpu"`
	TotalMemoryBytes int64     `json:"total_memory_bytes"`
	UsedMemoryBytes  int64     `json:"used_memory_bytes"`
	RunningJobs      int       `json:"running_jobs"`
	SampledAt        time.Time `json:"sampled_at"`
}

// FreeCPU returns remaining cores.
func (u *ResourcePoolUtilization) FreeCPU() float64 { return u.TotalCPU - u.UsedCPU }

// FreeMemoryBytes returns remaining memory.
func (u *ResourcePoolUtilization) FreeMemoryBytes() int64 {
	return u.TotalMemoryBytes - u.UsedMemoryBytes
}

// Load returns max(cpu, mem) utilization in [0, 1].
func (u *ResourcePoolUtilization) Load() float64 {
	var cpu, mem float64
	if u.TotalCPU > 0 {
		cpu = u.UsedCPU / u.TotalCPU
	}
	if u.TotalMemoryBytes > 0 {
		mem = float64(u.UsedMemoryBytes) / float64(u.TotalMemoryBytes)
	}
	if cpu > mem {
		return cpu
	}
	return mem
}

// InstanceType buckets worker sizing.
type InstanceType string

const (
	InstanceSmall  InstanceType = "SMALL"
	InstanceMedium InstanceType = "MEDIUM"
	InstanceLarge  InstanceType = "LARGE"
	InstanceXLarge InstanceType = "XLARGE"
	InstanceCustom InstanceType = "CUSTOM"
)

// InstanceStatus is the backend-reported state of a compute instance.
type InstanceStatus string

const (
	InstanceProvisioning InstanceStatus = "PROVISIONING"
	InstanceRunning      InstanceStatus = "RUNNING"
	InstanceStopping     InstanceStatus = "STOPPING"
	InstanceStopped      InstanceStatus = "STOPPED"
	InstanceFailed       InstanceStatus = "FAILED"
	InstanceTerminated   InstanceStatus = "TERMINATED"
)

// MetadataInstanceID is the metadata key under which drivers record their
// backend-specific instance id.
const MetadataInstanceID = "instance_id"

// WorkerInstance is an ephemeral compute instance hosting one worker process.
// Owned exclusively by the worker factory once provisioned.
type WorkerInstance struct {
	WorkerID      WorkerID          `json:"worker_id"`
	PoolID        PoolID            `json:"pool_id"`
	PoolType      string            `json:"pool_type"`
	InstanceType  InstanceType      `json:"instance_type"`
	Status        InstanceStatus    `json:"status"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	LastUpdatedAt time.Time         `json:"last_updated_at"`
}

// SessionState is the per-worker protocol state.
type SessionState string

const (
	SessionConnecting   SessionState = "CONNECTING"
	SessionRegistered   SessionState = "REGISTERED"
	SessionIdle         SessionState = "IDLE"
	SessionBusy         SessionState = "BUSY"
	SessionDraining     SessionState = "DRAINING"
	SessionDisconnected SessionState = "DISCONNECTED"
)

// ExecutionStatus is the state of a single run.
type ExecutionStatus string

const (
	ExecutionStarting  ExecutionStatus = "STARTING"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionCancelled ExecutionStatus = "CANCELLED"
)

// Execution records one run of a job on a specific worker. Created when an
// assignment is dispatched.
type Execution struct {
	ID          ExecutionID     `json:"id"`
	JobID       JobID           `json:"job_id"`
	WorkerID    WorkerID        `json:"worker_id"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	ExitCode    int             `json:"exit_code"`
	Status      ExecutionStatus `json:"status"`
	Reason      string          `json:"reason,omitempty"`
	LogSink     string          `json:"log_sink,omitempty"`
}

// Compression tags artifact chunk encoding.
type Compression string

const (
	CompressionNone Compression = "NONE"
	CompressionGzip Compression = "GZIP"
	CompressionZstd Compression = "ZSTD"
)

// ArtifactType classifies cached artifacts.
type ArtifactType string

const (
	ArtifactLibrary  ArtifactType = "LIBRARY"
	ArtifactDataset  ArtifactType = "DATASET"
	ArtifactConfig   ArtifactType = "CONFIG"
	ArtifactResource ArtifactType = "RESOURCE"
	ArtifactImage    ArtifactType = "IMAGE"
	ArtifactArchive  ArtifactType = "ARCHIVE"
)

// Artifact is a cache entry. The stored bytes, decompressed, must hash to
// Checksum; Size is the uncompressed byte length.
type Artifact struct {
	ID           ArtifactID   `json:"id"`
	Checksum     string       `json:"checksum"`
	Size         int64        `json:"size"`
	Compression  Compression  `json:"compression"`
	OriginalSize int64        `json:"original_size"`
	CachedAt     time.Time    `json:"cached_at"`
	Type         ArtifactType `json:"type"`
}

// AuditEntry is an opaque audit record appended by event observers.
type AuditEntry struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	Timestamp time.Time         `json:"timestamp"`
	Actor     string            `json:"actor,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// Template is a reusable job definition.
type Template struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Content    JobContent        `json:"content"`
	Parameters map[string]string `json:"parameters,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}
