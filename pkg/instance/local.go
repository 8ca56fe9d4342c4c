package instance

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/hodei-pipelines/hodei/pkg/log"
	"github.com/hodei-pipelines/hodei/pkg/types"
)

// localInstance tracks one spawned worker process.
type localInstance struct {
	info *ComputeInstance
	cmd  *exec.Cmd
}

// LocalDriver runs worker instances as local OS processes. Intended for the
// "local" pool type and for development setups.
type LocalDriver struct {
	endpoint string

	mu        sync.Mutex
	instances map[string]*localInstance

	// DefaultSpec, when set, is used by ScaleInstances to provision
	// additional instances.
	DefaultSpec *InstanceSpec
}

// NewLocalDriver creates a driver that injects the given orchestrator
// endpoint into every spawned process.
func NewLocalDriver(endpoint string) *LocalDriver {
	return &LocalDriver{
		endpoint:  endpoint,
		instances: make(map[string]*localInstance),
	}
}

// ProvisionInstance spawns the worker process in its own process group.
func (d *LocalDriver) ProvisionInstance(ctx context.Context, poolID types.PoolID, spec *InstanceSpec) (*ComputeInstance, error) {
	if len(spec.Command) == 0 {
		return nil, &types.ProvisioningError{
			Kind:  types.ProvisioningBadSpec,
			Pool:  poolID,
			Cause: fmt.Errorf("empty command"),
		}
	}

	id := "local-" + uuid.New().String()[:8]
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Env = append(cmd.Environ(), flattenEnv(spec, d.endpoint)...)
	// Own process group so Terminate can kill the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, &types.ProvisioningError{
			Kind:  types.ProvisioningBackendUnavailable,
			Pool:  poolID,
			Cause: err,
		}
	}

	inst := &localInstance{
		info: &ComputeInstance{
			ID:        id,
			PoolID:    poolID,
			Status:    types.InstanceRunning,
			CreatedAt: time.Now(),
			Metadata:  copyMap(spec.Metadata),
		},
		cmd: cmd,
	}

	d.mu.Lock()
	d.instances[id] = inst
	d.mu.Unlock()

	go d.reap(id, cmd)

	log.WithPoolID(string(poolID)).Info().
		Str("instance_id", id).
		Int("pid", cmd.Process.Pid).
		Msg("Local worker process started")
	return inst.info, nil
}

// reap waits for the process and records its final state.
func (d *LocalDriver) reap(id string, cmd *exec.Cmd) {
	err := cmd.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()
	inst, ok := d.instances[id]
	if !ok {
		return
	}
	switch {
	case inst.info.Status == types.InstanceStopping || inst.info.Status == types.InstanceTerminated:
		inst.info.Status = types.InstanceTerminated
	case err != nil:
		inst.info.Status = types.InstanceFailed
	default:
		inst.info.Status = types.InstanceStopped
	}
}

// TerminateInstance kills the process group. Unknown ids succeed.
func (d *LocalDriver) TerminateInstance(ctx context.Context, instanceID string) error {
	d.mu.Lock()
	inst, ok := d.instances[instanceID]
	if ok {
		inst.info.Status = types.InstanceStopping
	}
	d.mu.Unlock()
	if !ok {
		return nil
	}

	if inst.cmd.Process != nil {
		// Negative pid targets the process group.
		_ = syscall.Kill(-inst.cmd.Process.Pid, syscall.SIGTERM)
	}

	d.mu.Lock()
	inst.info.Status = types.InstanceTerminated
	delete(d.instances, instanceID)
	d.mu.Unlock()
	return nil
}

// GetInstanceStatus returns the tracked state. Unknown ids are TERMINATED.
func (d *LocalDriver) GetInstanceStatus(ctx context.Context, instanceID string) (types.InstanceStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	inst, ok := d.instances[instanceID]
	if !ok {
		return types.InstanceTerminated, nil
	}
	return inst.info.Status, nil
}

// ListInstances returns instances for the pool, or all for an empty pool id.
func (d *LocalDriver) ListInstances(ctx context.Context, poolID types.PoolID) ([]*ComputeInstance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*ComputeInstance, 0, len(d.instances))
	for _, inst := range d.instances {
		if poolID == "" || inst.info.PoolID == poolID {
			out = append(out, inst.info)
		}
	}
	return out, nil
}

// ScaleInstances provisions or terminates processes to reach targetCount.
func (d *LocalDriver) ScaleInstances(ctx context.Context, poolID types.PoolID, targetCount int) (*ScaleResult, error) {
	current, err := d.ListInstances(ctx, poolID)
	if err != nil {
		return nil, err
	}

	result := &ScaleResult{Requested: targetCount, Actual: len(current)}

	for len(current) > targetCount {
		victim := current[len(current)-1]
		current = current[:len(current)-1]
		if err := d.TerminateInstance(ctx, victim.ID); err != nil {
			result.Failed = append(result.Failed, victim.ID)
			continue
		}
		result.Actual--
	}

	for result.Actual < targetCount {
		if d.DefaultSpec == nil {
			return result, &types.ProvisioningError{
				Kind:  types.ProvisioningBadSpec,
				Pool:  poolID,
				Cause: fmt.Errorf("no default spec configured for scale-up"),
			}
		}
		inst, err := d.ProvisionInstance(ctx, poolID, d.DefaultSpec)
		if err != nil {
			result.Failed = append(result.Failed, fmt.Sprintf("provision: %v", err))
			return result, err
		}
		result.Provisioned = append(result.Provisioned, inst.ID)
		result.Actual++
	}
	return result, nil
}

// GetAvailableInstanceTypes reports the sizes the local backend accepts.
func (d *LocalDriver) GetAvailableInstanceTypes(ctx context.Context, poolID types.PoolID) ([]types.InstanceType, error) {
	return []types.InstanceType{types.InstanceSmall, types.InstanceMedium, types.InstanceCustom}, nil
}

// flattenEnv builds the child environment: spec env plus the worker id and
// orchestrator endpoint every driver must inject.
func flattenEnv(spec *InstanceSpec, endpoint string) []string {
	env := make([]string, 0, len(spec.Environment)+2)
	for k, v := range spec.Environment {
		env = append(env, k+"="+v)
	}
	if wid := spec.WorkerID(); wid != "" {
		env = append(env, EnvWorkerID+"="+wid)
	}
	if endpoint != "" {
		env = append(env, EnvServerEndpoint+"="+endpoint)
	}
	return env
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
