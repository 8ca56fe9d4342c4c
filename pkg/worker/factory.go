package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hodei-pipelines/hodei/pkg/config"
	"github.com/hodei-pipelines/hodei/pkg/instance"
	"github.com/hodei-pipelines/hodei/pkg/log"
	"github.com/hodei-pipelines/hodei/pkg/metrics"
	"github.com/hodei-pipelines/hodei/pkg/scheduler"
	"github.com/hodei-pipelines/hodei/pkg/types"
)

// ConfigurationError means no worker configuration exists for a pool type.
type ConfigurationError struct {
	PoolType string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("no worker configuration for pool type %q", e.PoolType)
}

// WorkerNotFoundError means the factory does not track the worker id.
type WorkerNotFoundError struct {
	WorkerID types.WorkerID
}

func (e *WorkerNotFoundError) Error() string {
	return fmt.Sprintf("worker %s is not tracked", e.WorkerID)
}

// ProvisioningFailedError wraps a driver failure with worker context.
type ProvisioningFailedError struct {
	PoolID types.PoolID
	Cause  error
}

func (e *ProvisioningFailedError) Error() string {
	return fmt.Sprintf("failed to provision worker on pool %s: %v", e.PoolID, e.Cause)
}

func (e *ProvisioningFailedError) Unwrap() error { return e.Cause }

// Factory builds worker instances for jobs: it derives the instance spec from
// the job and pool, provisions through the instance manager, and tracks live
// workers in a serialized map.
type Factory struct {
	manager        instance.Manager
	configs        map[string]config.WorkerPool
	serverEndpoint string

	mu      sync.Mutex
	workers map[types.WorkerID]*types.WorkerInstance
}

// NewFactory creates a factory. configs is keyed by pool type.
func NewFactory(mgr instance.Manager, configs map[string]config.WorkerPool, serverEndpoint string) *Factory {
	return &Factory{
		manager:        mgr,
		configs:        configs,
		serverEndpoint: serverEndpoint,
		workers:        make(map[types.WorkerID]*types.WorkerInstance),
	}
}

// Instance-type derivation thresholds.
const (
	smallCPU  = 1.0
	smallMem  = 2048 * 1024 * 1024
	mediumCPU = 2.0
	mediumMem = 4096 * 1024 * 1024
	largeCPU  = 4.0
	largeMem  = 8192 * 1024 * 1024
)

// deriveInstanceType buckets resource hints into an instance size.
func deriveInstanceType(req types.ResourceRequirements) types.InstanceType {
	cpu := req.CPUCores
	mem := scheduler.ParseMemory(req.Memory)
	switch {
	case cpu <= smallCPU && mem <= smallMem:
		return types.InstanceSmall
	case cpu <= mediumCPU && mem <= mediumMem:
		return types.InstanceMedium
	case cpu <= largeCPU && mem <= largeMem:
		return types.InstanceLarge
	default:
		return types.InstanceXLarge
	}
}

// BuildSpec constructs the deterministic instance spec for a job on a pool.
func (f *Factory) BuildSpec(job *types.Job, pool *types.ResourcePool, workerID types.WorkerID) (*instance.InstanceSpec, error) {
	cfg, ok := f.configs[pool.Type]
	if !ok {
		return nil, &ConfigurationError{PoolType: pool.Type}
	}

	env := map[string]string{
		"HODEI_JOB_ID":    string(job.ID),
		"HODEI_POOL_ID":   string(pool.ID),
		"HODEI_POOL_TYPE": pool.Type,
		"HODEI_LOG_LEVEL": "INFO",
	}
	for k, v := range cfg.Env {
		env[k] = v
	}

	return &instance.InstanceSpec{
		InstanceType: deriveInstanceType(job.Requirements),
		Image:        cfg.Image,
		Command:      []string{cfg.Binary, "--server", f.serverEndpoint, "--pool-id", string(pool.ID), "--tls"},
		Environment:  env,
		Labels:       pool.Labels,
		Metadata: map[string]string{
			instance.MetadataWorkerID: string(workerID),
		},
	}, nil
}

// CreateWorker provisions a worker instance for the job on the pool. The
// provisioning timeout comes from the pool type's configuration.
func (f *Factory) CreateWorker(ctx context.Context, job *types.Job, pool *types.ResourcePool) (*types.WorkerInstance, error) {
	workerID := types.NewWorkerID()
	spec, err := f.BuildSpec(job, pool, workerID)
	if err != nil {
		return nil, err
	}

	cfg := f.configs[pool.Type]
	if timeout := cfg.ProvisioningTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	timer := metrics.NewTimer()
	inst, err := f.manager.ProvisionInstance(ctx, pool.ID, spec)
	metrics.ProvisioningDuration.WithLabelValues(pool.Type).Observe(timer.Duration().Seconds())
	if err != nil {
		kind := types.ProvisioningErrorKind("unknown")
		var pe *types.ProvisioningError
		if errors.As(err, &pe) {
			kind = pe.Kind
		}
		metrics.ProvisioningFailuresTotal.WithLabelValues(string(kind)).Inc()
		return nil, &ProvisioningFailedError{PoolID: pool.ID, Cause: err}
	}

	now := time.Now()
	w := &types.WorkerInstance{
		WorkerID:     workerID,
		PoolID:       pool.ID,
		PoolType:     pool.Type,
		InstanceType: spec.InstanceType,
		Status:       inst.Status,
		Metadata: map[string]string{
			types.MetadataInstanceID: inst.ID,
		},
		CreatedAt:     now,
		LastUpdatedAt: now,
	}

	f.mu.Lock()
	f.workers[workerID] = w
	f.mu.Unlock()

	log.WithWorkerID(string(workerID)).Info().
		Str("pool_id", string(pool.ID)).
		Str("instance_id", inst.ID).
		Str("instance_type", string(spec.InstanceType)).
		Msg("Worker provisioned")
	return w, nil
}

// DestroyWorker removes the tracking entry and delegates termination to the
// instance manager.
func (f *Factory) DestroyWorker(ctx context.Context, workerID types.WorkerID) error {
	f.mu.Lock()
	w, ok := f.workers[workerID]
	if ok {
		delete(f.workers, workerID)
	}
	f.mu.Unlock()
	if !ok {
		return &WorkerNotFoundError{WorkerID: workerID}
	}

	instanceID := w.Metadata[types.MetadataInstanceID]
	if instanceID == "" {
		return nil
	}
	if err := f.manager.TerminateInstance(ctx, instanceID); err != nil {
		return fmt.Errorf("failed to terminate instance %s: %w", instanceID, err)
	}
	log.WithWorkerID(string(workerID)).Info().Msg("Worker destroyed")
	return nil
}

// GetWorker returns the tracked instance for a worker id.
func (f *Factory) GetWorker(workerID types.WorkerID) (*types.WorkerInstance, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workers[workerID]
	return w, ok
}

// ListWorkers returns the tracked workers for a pool, or all for "".
func (f *Factory) ListWorkers(poolID types.PoolID) []*types.WorkerInstance {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.WorkerInstance, 0, len(f.workers))
	for _, w := range f.workers {
		if poolID == "" || w.PoolID == poolID {
			out = append(out, w)
		}
	}
	return out
}

// UpdateStatus records a backend-reported status change.
func (f *Factory) UpdateStatus(workerID types.WorkerID, status types.InstanceStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workers[workerID]
	if !ok {
		return &WorkerNotFoundError{WorkerID: workerID}
	}
	w.Status = status
	w.LastUpdatedAt = time.Now()
	return nil
}
