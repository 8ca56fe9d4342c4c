package instance

import (
	"context"
	"time"

	"github.com/hodei-pipelines/hodei/pkg/types"
)

// Environment keys every driver injects so the worker process can dial back.
const (
	EnvWorkerID       = "HODEI_WORKER_ID"
	EnvServerEndpoint = "HODEI_SERVER_ENDPOINT"
)

// InstanceSpec describes the compute instance a driver should create.
type InstanceSpec struct {
	InstanceType types.InstanceType `json:"instance_type"`
	Image        string             `json:"image,omitempty"`
	Command      []string           `json:"command"`
	Environment  map[string]string  `json:"environment,omitempty"`
	Labels       map[string]string  `json:"labels,omitempty"`
	// Metadata carries orchestrator context, including the allocated
	// worker id under MetadataWorkerID.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MetadataWorkerID is the metadata key carrying the allocated worker id.
const MetadataWorkerID = "worker_id"

// WorkerID returns the allocated worker id from metadata, if present.
func (s *InstanceSpec) WorkerID() string {
	return s.Metadata[MetadataWorkerID]
}

// ComputeInstance is the driver-side view of a provisioned instance.
type ComputeInstance struct {
	ID        string               `json:"id"`
	PoolID    types.PoolID         `json:"pool_id"`
	Status    types.InstanceStatus `json:"status"`
	CreatedAt time.Time            `json:"created_at"`
	Metadata  map[string]string    `json:"metadata,omitempty"`
}

// ScaleResult reports the outcome of a scaling operation.
type ScaleResult struct {
	Requested   int      `json:"requested"`
	Actual      int      `json:"actual"`
	Provisioned []string `json:"provisioned,omitempty"`
	Failed      []string `json:"failed,omitempty"`
}

// Manager is the provisioning port consumed by the worker factory. All
// operations may fail with a *types.ProvisioningError. TerminateInstance is
// idempotent: terminating an unknown instance succeeds.
type Manager interface {
	// ProvisionInstance returns once the backend has accepted the
	// workload, not necessarily once the worker process has booted.
	ProvisionInstance(ctx context.Context, poolID types.PoolID, spec *InstanceSpec) (*ComputeInstance, error)
	TerminateInstance(ctx context.Context, instanceID string) error
	GetInstanceStatus(ctx context.Context, instanceID string) (types.InstanceStatus, error)
	ListInstances(ctx context.Context, poolID types.PoolID) ([]*ComputeInstance, error)
	ScaleInstances(ctx context.Context, poolID types.PoolID, targetCount int) (*ScaleResult, error)
	GetAvailableInstanceTypes(ctx context.Context, poolID types.PoolID) ([]types.InstanceType, error)
}
