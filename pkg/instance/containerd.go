package instance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/hodei-pipelines/hodei/pkg/log"
	"github.com/hodei-pipelines/hodei/pkg/types"
)

const (
	// DefaultNamespace is the containerd namespace for worker containers.
	DefaultNamespace = "hodei"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// labelPoolID marks which pool a container belongs to.
	labelPoolID = "hodei.pool.id"

	stopTimeout = 10 * time.Second
)

// ContainerdDriver provisions worker instances as containerd containers.
// Serves the "docker" pool type.
type ContainerdDriver struct {
	client    *containerd.Client
	namespace string
	endpoint  string

	mu    sync.Mutex
	pools map[string]types.PoolID
}

// NewContainerdDriver connects to containerd and returns a driver that
// injects the given orchestrator endpoint into every container.
func NewContainerdDriver(socketPath, endpoint string) (*ContainerdDriver, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}
	return &ContainerdDriver{
		client:    client,
		namespace: DefaultNamespace,
		endpoint:  endpoint,
		pools:     make(map[string]types.PoolID),
	}, nil
}

// Close closes the containerd client connection.
func (d *ContainerdDriver) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}

// ProvisionInstance pulls the image if needed, creates the container with the
// worker command and environment, and starts its task.
func (d *ContainerdDriver) ProvisionInstance(ctx context.Context, poolID types.PoolID, spec *InstanceSpec) (*ComputeInstance, error) {
	if spec.Image == "" {
		return nil, &types.ProvisioningError{
			Kind:  types.ProvisioningBadSpec,
			Pool:  poolID,
			Cause: fmt.Errorf("image is required for container instances"),
		}
	}
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	image, err := d.client.GetImage(ctx, spec.Image)
	if err != nil {
		image, err = d.client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
		if err != nil {
			return nil, d.classify(poolID, fmt.Errorf("failed to pull image %s: %w", spec.Image, err))
		}
	}

	id := "hodei-" + uuid.New().String()[:8]
	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(flattenEnv(spec, d.endpoint)),
	}
	if len(spec.Command) > 0 {
		opts = append(opts, oci.WithProcessArgs(spec.Command...))
	}
	if cache := spec.Metadata["artifact_cache_path"]; cache != "" {
		opts = append(opts, oci.WithMounts([]specs.Mount{{
			Source:      cache,
			Destination: "/var/cache/hodei",
			Type:        "bind",
			Options:     []string{"ro", "bind"},
		}}))
	}

	labels := map[string]string{labelPoolID: string(poolID)}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	container, err := d.client.NewContainer(
		ctx,
		id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(labels),
	)
	if err != nil {
		return nil, d.classify(poolID, fmt.Errorf("failed to create container: %w", err))
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, d.classify(poolID, fmt.Errorf("failed to create task: %w", err))
	}
	if err := task.Start(ctx); err != nil {
		_, _ = task.Delete(ctx)
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, d.classify(poolID, fmt.Errorf("failed to start task: %w", err))
	}

	d.mu.Lock()
	d.pools[id] = poolID
	d.mu.Unlock()

	log.WithPoolID(string(poolID)).Info().
		Str("instance_id", id).
		Str("image", spec.Image).
		Msg("Container instance started")

	return &ComputeInstance{
		ID:        id,
		PoolID:    poolID,
		Status:    types.InstanceRunning,
		CreatedAt: time.Now(),
		Metadata:  copyMap(spec.Metadata),
	}, nil
}

// TerminateInstance stops the task and deletes the container. Unknown ids
// succeed.
func (d *ContainerdDriver) TerminateInstance(ctx context.Context, instanceID string) error {
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	container, err := d.client.LoadContainer(ctx, instanceID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", instanceID, err)
	}

	if task, err := container.Task(ctx, nil); err == nil {
		stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
		defer cancel()

		if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to kill task: %w", err)
		}
		if statusC, err := task.Wait(stopCtx); err == nil {
			select {
			case <-statusC:
			case <-stopCtx.Done():
				_ = task.Kill(ctx, syscall.SIGKILL)
			}
		}
		if _, err := task.Delete(ctx); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to delete task: %w", err)
		}
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete container: %w", err)
	}

	d.mu.Lock()
	delete(d.pools, instanceID)
	d.mu.Unlock()
	return nil
}

// GetInstanceStatus maps the containerd task state to an InstanceStatus.
func (d *ContainerdDriver) GetInstanceStatus(ctx context.Context, instanceID string) (types.InstanceStatus, error) {
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	container, err := d.client.LoadContainer(ctx, instanceID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return types.InstanceTerminated, nil
		}
		return types.InstanceFailed, fmt.Errorf("failed to load container %s: %w", instanceID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task means created but not running.
		return types.InstanceProvisioning, nil
	}
	status, err := task.Status(ctx)
	if err != nil {
		return types.InstanceFailed, fmt.Errorf("failed to get task status: %w", err)
	}

	switch status.Status {
	case containerd.Running, containerd.Paused:
		return types.InstanceRunning, nil
	case containerd.Stopped:
		if status.ExitStatus == 0 {
			return types.InstanceStopped, nil
		}
		return types.InstanceFailed, nil
	default:
		return types.InstanceProvisioning, nil
	}
}

// ListInstances returns containers labelled with the given pool id.
func (d *ContainerdDriver) ListInstances(ctx context.Context, poolID types.PoolID) ([]*ComputeInstance, error) {
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	filter := fmt.Sprintf(`labels.%q==%q`, labelPoolID, string(poolID))
	containers, err := d.client.Containers(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	out := make([]*ComputeInstance, 0, len(containers))
	for _, c := range containers {
		status, err := d.GetInstanceStatus(ctx, c.ID())
		if err != nil {
			status = types.InstanceFailed
		}
		out = append(out, &ComputeInstance{
			ID:     c.ID(),
			PoolID: poolID,
			Status: status,
		})
	}
	return out, nil
}

// ScaleInstances only scales down for the container backend; scale-up goes
// through the worker factory which owns the instance spec.
func (d *ContainerdDriver) ScaleInstances(ctx context.Context, poolID types.PoolID, targetCount int) (*ScaleResult, error) {
	current, err := d.ListInstances(ctx, poolID)
	if err != nil {
		return nil, d.classify(poolID, err)
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
	return result, nil
}

// GetAvailableInstanceTypes reports the sizes the container backend accepts.
func (d *ContainerdDriver) GetAvailableInstanceTypes(ctx context.Context, poolID types.PoolID) ([]types.InstanceType, error) {
	return []types.InstanceType{
		types.InstanceSmall, types.InstanceMedium, types.InstanceLarge, types.InstanceXLarge,
	}, nil
}

// classify wraps a backend error into a ProvisioningError kind.
func (d *ContainerdDriver) classify(poolID types.PoolID, err error) error {
	kind := types.ProvisioningBackendUnavailable
	switch {
	case errdefs.IsInvalidArgument(err):
		kind = types.ProvisioningBadSpec
	case errdefs.IsDeadlineExceeded(err) || errors.Is(err, context.DeadlineExceeded):
		kind = types.ProvisioningTimeout
	}
	return &types.ProvisioningError{Kind: kind, Pool: poolID, Cause: err}
}
