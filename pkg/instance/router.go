package instance

import (
	"context"

	"github.com/hodei-pipelines/hodei/pkg/types"
)

// PoolTypeResolver maps a pool id to its backend type.
type PoolTypeResolver func(poolID types.PoolID) (string, error)

// Router fans Manager calls out to the driver registered for the pool's
// backend type. Instance-level calls (terminate, status) are tried against
// every driver since instance ids are only meaningful to their owner.
type Router struct {
	drivers map[string]Manager
	resolve PoolTypeResolver
}

// NewRouter creates a router. drivers is keyed by pool type.
func NewRouter(drivers map[string]Manager, resolve PoolTypeResolver) *Router {
	return &Router{drivers: drivers, resolve: resolve}
}

func (r *Router) forPool(poolID types.PoolID) (Manager, error) {
	poolType, err := r.resolve(poolID)
	if err != nil {
		return nil, &types.ProvisioningError{
			Kind:  types.ProvisioningPoolNotFound,
			Pool:  poolID,
			Cause: err,
		}
	}
	d, ok := r.drivers[poolType]
	if !ok {
		return nil, &types.ProvisioningError{
			Kind: types.ProvisioningBadSpec,
			Pool: poolID,
		}
	}
	return d, nil
}

func (r *Router) ProvisionInstance(ctx context.Context, poolID types.PoolID, spec *InstanceSpec) (*ComputeInstance, error) {
	d, err := r.forPool(poolID)
	if err != nil {
		return nil, err
	}
	return d.ProvisionInstance(ctx, poolID, spec)
}

// TerminateInstance asks every driver; termination of an unknown instance is
// a no-op, so the first real error wins.
func (r *Router) TerminateInstance(ctx context.Context, instanceID string) error {
	for _, d := range r.drivers {
		if err := d.TerminateInstance(ctx, instanceID); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) GetInstanceStatus(ctx context.Context, instanceID string) (types.InstanceStatus, error) {
	for _, d := range r.drivers {
		status, err := d.GetInstanceStatus(ctx, instanceID)
		if err != nil {
			continue
		}
		if status != types.InstanceTerminated {
			return status, nil
		}
	}
	return types.InstanceTerminated, nil
}

func (r *Router) ListInstances(ctx context.Context, poolID types.PoolID) ([]*ComputeInstance, error) {
	d, err := r.forPool(poolID)
	if err != nil {
		return nil, err
	}
	return d.ListInstances(ctx, poolID)
}

func (r *Router) ScaleInstances(ctx context.Context, poolID types.PoolID, targetCount int) (*ScaleResult, error) {
	d, err := r.forPool(poolID)
	if err != nil {
		return nil, err
	}
	return d.ScaleInstances(ctx, poolID, targetCount)
}

func (r *Router) GetAvailableInstanceTypes(ctx context.Context, poolID types.PoolID) ([]types.InstanceType, error) {
	d, err := r.forPool(poolID)
	if err != nil {
		return nil, err
	}
	return d.GetAvailableInstanceTypes(ctx, poolID)
}
