package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hodei-pipelines/hodei/pkg/types"
)

// MessageType tags each frame on the worker channel.
type MessageType string

// Worker to orchestrator.
const (
	TypeRegistrationRequest MessageType = "registration_request"
	TypeHeartbeat           MessageType = "heartbeat"
	TypeStatusUpdate        MessageType = "status_update"
	TypeLogChunk            MessageType = "log_chunk"
	TypeExecutionResult     MessageType = "execution_result"
	TypeArtifactCacheQuery  MessageType = "artifact_cache_query"
)

// Orchestrator to worker.
const (
	TypeRegistrationResponse  MessageType = "registration_response"
	TypeExecutionAssignment   MessageType = "execution_assignment"
	TypeCancelExecution       MessageType = "cancel_execution"
	TypeArtifactChunk         MessageType = "artifact_chunk"
	TypeArtifactCacheResponse MessageType = "artifact_cache_response"
)

// Envelope is the outer frame: a type tag and the raw payload. Unknown fields
// inside payloads are ignored by decoders, which gives cross-version
// tolerance for free.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode wraps a payload into an envelope frame.
func Encode(t MessageType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", t, err)
	}
	return json.Marshal(Envelope{Type: t, Payload: raw})
}

// Decode parses an envelope frame.
func Decode(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("frame has no type tag")
	}
	return &env, nil
}

// Unmarshal decodes the envelope payload into v.
func (e *Envelope) Unmarshal(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Timestamp is the wire representation of an instant: epoch seconds + nanos.
type Timestamp struct {
	Seconds int64 `json:"seconds"`
	Nanos   int32 `json:"nanos"`
}

// Now captures the current instant.
func Now() Timestamp { return FromTime(time.Now()) }

// FromTime converts a time.Time.
func FromTime(t time.Time) Timestamp {
	return Timestamp{Seconds: t.Unix(), Nanos: int32(t.Nanosecond())}
}

// Time converts back to time.Time.
func (ts Timestamp) Time() time.Time {
	return time.Unix(ts.Seconds, int64(ts.Nanos))
}

// StatusEventType classifies execution progress updates.
type StatusEventType string

const (
	EventStageStarted       StatusEventType = "STAGE_STARTED"
	EventStepStarted        StatusEventType = "STEP_STARTED"
	EventStepCompleted      StatusEventType = "STEP_COMPLETED"
	EventStageCompleted     StatusEventType = "STAGE_COMPLETED"
	EventExecutionStarted   StatusEventType = "EXECUTION_STARTED"
	EventExecutionCompleted StatusEventType = "EXECUTION_COMPLETED"
	EventExecutionFailed    StatusEventType = "EXECUTION_FAILED"
)

// LogStream tags a log chunk's origin.
type LogStream string

const (
	StreamStdout LogStream = "STDOUT"
	StreamStderr LogStream = "STDERR"
)

// RegistrationRequest announces a worker to the orchestrator.
type RegistrationRequest struct {
	WorkerID          types.WorkerID    `json:"worker_id"`
	WorkerName        string            `json:"worker_name"`
	PoolID            types.PoolID      `json:"pool_id"`
	Capabilities      map[string]string `json:"capabilities,omitempty"`
	MaxConcurrentJobs int               `json:"max_concurrent_jobs"`
}

// RegistrationResponse completes the handshake.
type RegistrationResponse struct {
	Success                  bool   `json:"success"`
	Message                  string `json:"message,omitempty"`
	SessionToken             string `json:"session_token,omitempty"`
	HeartbeatIntervalSeconds int    `json:"heartbeat_interval_seconds"`
}

// Heartbeat is the worker's periodic liveness signal.
type Heartbeat struct {
	Status     string    `json:"status"`
	ActiveJobs int       `json:"active_jobs"`
	Timestamp  Timestamp `json:"timestamp"`
}

// StatusUpdate reports execution progress.
type StatusUpdate struct {
	ExecutionID types.ExecutionID `json:"execution_id"`
	EventType   StatusEventType   `json:"event_type"`
	Message     string            `json:"message,omitempty"`
	Timestamp   Timestamp         `json:"timestamp"`
}

// LogChunk carries a slice of execution output. Sequence is per execution and
// stream, strictly increasing.
type LogChunk struct {
	ExecutionID types.ExecutionID `json:"execution_id"`
	Stream      LogStream         `json:"stream"`
	Data        []byte            `json:"data"`
	Sequence    int64             `json:"sequence"`
}

// ExecutionResult is the worker's terminal verdict for an execution.
type ExecutionResult struct {
	ExecutionID types.ExecutionID `json:"execution_id"`
	Success     bool              `json:"success"`
	ExitCode    int               `json:"exit_code"`
	Details     string            `json:"details,omitempty"`
}

// ExecutionDefinition is the compiled workload variant inside an assignment.
type ExecutionDefinition struct {
	Kind     types.ContentKind `json:"kind"`
	Commands []string          `json:"commands,omitempty"`
	Script   string            `json:"script,omitempty"`
	Timeout  time.Duration     `json:"timeout,omitempty"`
}

// ExecutionAssignment dispatches an execution to a worker.
type ExecutionAssignment struct {
	ExecutionID types.ExecutionID   `json:"execution_id"`
	JobID       types.JobID         `json:"job_id"`
	Definition  ExecutionDefinition `json:"definition"`
	EnvVars     map[string]string   `json:"env_vars,omitempty"`
}

// CancelExecution asks the worker to stop an in-flight execution.
type CancelExecution struct {
	ExecutionID types.ExecutionID `json:"execution_id"`
	Reason      string            `json:"reason,omitempty"`
}

// ArtifactCacheQuery lists artifact ids the worker already holds.
type ArtifactCacheQuery struct {
	JobID       types.JobID        `json:"job_id"`
	ArtifactIDs []types.ArtifactID `json:"artifact_ids"`
}

// ArtifactCacheResponse partitions the queried ids.
type ArtifactCacheResponse struct {
	JobID   types.JobID        `json:"job_id"`
	Cached  []types.ArtifactID `json:"cached"`
	Missing []types.ArtifactID `json:"missing"`
}

// ArtifactChunk is one frame of a chunked artifact transfer. Sequence starts
// at 0 and is strictly increasing; Checksum is set on the last chunk and is
// the SHA-256 of the whole decompressed artifact.
type ArtifactChunk struct {
	ArtifactID   types.ArtifactID  `json:"artifact_id"`
	Data         []byte            `json:"data"`
	Sequence     int64             `json:"sequence"`
	IsLast       bool              `json:"is_last"`
	Compression  types.Compression `json:"compression,omitempty"`
	OriginalSize int64             `json:"original_size,omitempty"`
	Checksum     string            `json:"checksum,omitempty"`
}
