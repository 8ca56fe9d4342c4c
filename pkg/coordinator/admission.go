package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/hodei-pipelines/hodei/pkg/artifact"
	"github.com/hodei-pipelines/hodei/pkg/events"
	"github.com/hodei-pipelines/hodei/pkg/log"
	"github.com/hodei-pipelines/hodei/pkg/metrics"
	"github.com/hodei-pipelines/hodei/pkg/protocol"
	"github.com/hodei-pipelines/hodei/pkg/queue"
	"github.com/hodei-pipelines/hodei/pkg/types"
)

func contextWithTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// SubmitJob validates and admits a job into the queue.
func (c *Coordinator) SubmitJob(job *types.Job) error {
	if job.Name == "" {
		return &types.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	switch job.Content.Kind {
	case types.ContentShell:
		if len(job.Content.Commands) == 0 {
			return &types.ValidationError{Field: "content.commands", Reason: "must not be empty"}
		}
	case types.ContentScript:
		if job.Content.Script == "" {
			return &types.ValidationError{Field: "content.script", Reason: "must not be empty"}
		}
	default:
		return &types.ValidationError{Field: "content.kind", Reason: "must be shell or script"}
	}
	if job.Priority == 0 {
		job.Priority = types.DefaultPriority
	}
	if job.Priority < types.MinPriority || job.Priority > types.MaxPriority {
		return &types.ValidationError{
			Field:  "priority",
			Reason: fmt.Sprintf("must be in [%d, %d]", types.MinPriority, types.MaxPriority),
		}
	}

	if job.ID == "" {
		job.ID = types.NewJobID()
	}
	now := time.Now()
	job.Metadata.CreatedAt = now
	job.Metadata.UpdatedAt = now
	job.Status = types.JobStatusPending

	if err := job.TransitionTo(types.JobStatusQueued); err != nil {
		return err
	}
	entry := &types.QueuedJob{
		Job:               job,
		QueuedAt:          now,
		BasePriority:      job.Priority,
		MaxRetries:        job.Retry.MaxRetries,
		Deadline:          job.Deadline,
		EstimatedDuration: job.EstimatedDuration,
		Requirements:      job.Requirements,
		Affinity:          job.Labels,
		Status:            types.QueueStatusWaiting,
	}
	if _, err := c.queue.Enqueue(entry); err != nil {
		return err
	}

	if err := c.store.SaveJob(job); err != nil {
		c.queue.Dequeue(job.ID)
		return err
	}
	if err := c.store.SaveQueuedJob(entry); err != nil {
		log.WithJobID(string(job.ID)).Error().Err(err).Msg("Failed to persist queue entry")
	}

	c.broker.Publish(events.Event{Kind: events.JobQueued, JobID: job.ID})
	log.WithJobID(string(job.ID)).Info().
		Str("name", job.Name).
		Int("priority", job.Priority).
		Msg("Job admitted")
	c.Wake()
	return nil
}

// CancelJob cancels a queued job immediately; a running job gets a
// CancelExecution and, failing a worker response within the grace period, a
// forced termination through the instance manager.
func (c *Coordinator) CancelJob(jobID types.JobID) error {
	job, err := c.store.GetJob(jobID)
	if err != nil {
		return err
	}

	switch job.Status {
	case types.JobStatusPending, types.JobStatusQueued:
		c.queue.Dequeue(jobID)
		if err := job.TransitionTo(types.JobStatusCancelled); err != nil {
			return err
		}
		now := time.Now()
		job.CompletedAt = &now
		if err := c.store.SaveJob(job); err != nil {
			return err
		}
		_ = c.store.DeleteQueuedJob(jobID)
		c.broker.Publish(events.Event{Kind: events.JobCancelled, JobID: jobID})
		return nil

	case types.JobStatusRunning:
		return c.cancelRunning(job)

	default:
		return &types.BusinessRuleError{
			Entity: "job",
			ID:     string(jobID),
			Rule:   "cannot cancel a job in status " + string(job.Status),
		}
	}
}

func (c *Coordinator) cancelRunning(job *types.Job) error {
	c.mu.Lock()
	b, ok := c.executions[job.CurrentExecutionID]
	if ok {
		b.cancelled = true
	}
	c.mu.Unlock()
	if !ok {
		return &types.BusinessRuleError{
			Entity: "job",
			ID:     string(job.ID),
			Rule:   "running job has no live execution",
		}
	}

	if sess, live := c.hub.Get(b.workerID); live {
		if err := sess.Send(protocol.TypeCancelExecution, protocol.CancelExecution{
			ExecutionID: b.execution.ID,
			Reason:      "cancelled by operator",
		}); err != nil {
			log.WithExecutionID(string(b.execution.ID)).Warn().Err(err).Msg("Cancel send failed")
		}
	}

	execID := b.execution.ID
	time.AfterFunc(c.grace, func() {
		c.mu.Lock()
		b, still := c.executions[execID]
		if still {
			delete(c.executions, execID)
		}
		c.mu.Unlock()
		if !still {
			return
		}

		log.WithExecutionID(string(execID)).Warn().Msg("Cancel grace period expired, forcing termination")
		c.finishExecution(b, types.ExecutionCancelled, -1, "grace period expired")
		_ = c.destroyWorkerQuiet(b.workerID)
		c.completeCancellation(b)
	})
	return nil
}

// completeCancellation records the job's CANCELLED terminal state.
func (c *Coordinator) completeCancellation(b *binding) {
	job := b.entry.Job
	if err := job.TransitionTo(types.JobStatusCancelled); err != nil {
		log.WithJobID(string(job.ID)).Error().Err(err).Msg("Cannot cancel job")
		return
	}
	now := time.Now()
	job.CompletedAt = &now
	job.CurrentExecutionID = ""
	if err := c.store.SaveJob(job); err != nil {
		log.WithJobID(string(job.ID)).Error().Err(err).Msg("Failed to persist cancelled job")
	}
	metrics.JobsByStatus.WithLabelValues(string(types.JobStatusCancelled)).Inc()
	c.broker.Publish(events.Event{Kind: events.JobCancelled, JobID: job.ID})
}

// RetryJob re-admits a FAILED job with a fresh retry budget.
func (c *Coordinator) RetryJob(jobID types.JobID) error {
	job, err := c.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if err := job.TransitionTo(types.JobStatusQueued); err != nil {
		return err
	}

	now := time.Now()
	entry := &types.QueuedJob{
		Job:               job,
		QueuedAt:          now,
		BasePriority:      job.Priority,
		MaxRetries:        job.Retry.MaxRetries,
		Deadline:          job.Deadline,
		EstimatedDuration: job.EstimatedDuration,
		Requirements:      job.Requirements,
		Affinity:          job.Labels,
		Status:            types.QueueStatusWaiting,
	}
	if _, err := c.queue.Enqueue(entry); err != nil {
		return err
	}
	if err := c.store.SaveJob(job); err != nil {
		c.queue.Dequeue(jobID)
		return err
	}
	_ = c.store.SaveQueuedJob(entry)
	c.broker.Publish(events.Event{Kind: events.JobQueued, JobID: jobID, Message: "manual retry"})
	c.Wake()
	return nil
}

// JobLogs returns the retained tail for a job's current execution.
func (c *Coordinator) JobLogs(jobID types.JobID) (lines []string, dropped bool, err error) {
	job, err := c.store.GetJob(jobID)
	if err != nil {
		return nil, false, err
	}
	c.mu.Lock()
	b, ok := c.executions[job.CurrentExecutionID]
	c.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	lines, dropped = b.tail.Tail()
	return lines, dropped, nil
}

// QueueStats exposes the live queue snapshot.
func (c *Coordinator) QueueStats() queue.Stats {
	return c.queue.Stats()
}

// StreamArtifact chunks a cached artifact onto the worker's session.
func (c *Coordinator) StreamArtifact(workerID types.WorkerID, id types.ArtifactID, comp types.Compression) error {
	sess, ok := c.hub.Get(workerID)
	if !ok {
		return fmt.Errorf("worker %s: %w", workerID, types.ErrNotFound)
	}
	_, data, err := c.cache.Get(id)
	if err != nil {
		return err
	}
	chunks, err := artifact.Chunk(id, data, comp, artifact.DefaultChunkSize)
	if err != nil {
		return err
	}
	for _, ch := range chunks {
		if err := sess.Send(protocol.TypeArtifactChunk, ch); err != nil {
			return err
		}
	}
	return nil
}

// auditLoop persists every domain event as an opaque audit record.
func (c *Coordinator) auditLoop() {
	for event := range c.auditSub.C {
		entry := &types.AuditEntry{
			ID:        event.ID,
			Kind:      string(event.Kind),
			Timestamp: event.Timestamp,
			Details:   map[string]string{},
		}
		if event.JobID != "" {
			entry.Details["job_id"] = string(event.JobID)
		}
		if event.WorkerID != "" {
			entry.Details["worker_id"] = string(event.WorkerID)
		}
		if event.PoolID != "" {
			entry.Details["pool_id"] = string(event.PoolID)
		}
		if event.ExecutionID != "" {
			entry.Details["execution_id"] = string(event.ExecutionID)
		}
		if event.Message != "" {
			entry.Details["message"] = event.Message
		}
		if err := c.store.AppendAudit(entry); err != nil {
			log.Logger.Warn().Err(err).Msg("Failed to append audit entry")
		}
	}
}
