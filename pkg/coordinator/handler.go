package coordinator

import (
	"time"

	"github.com/hodei-pipelines/hodei/pkg/events"
	"github.com/hodei-pipelines/hodei/pkg/log"
	"github.com/hodei-pipelines/hodei/pkg/protocol"
	"github.com/hodei-pipelines/hodei/pkg/session"
	"github.com/hodei-pipelines/hodei/pkg/types"
)

// OnRegistered admits a fresh worker into the dispatch set.
func (c *Coordinator) OnRegistered(s *session.Session) {
	c.mu.Lock()
	delete(c.pending, s.PoolID)
	c.idleSince[s.WorkerID] = time.Now()
	c.mu.Unlock()

	c.broker.Publish(events.Event{
		Kind:     events.WorkerRegistered,
		WorkerID: s.WorkerID,
		PoolID:   s.PoolID,
	})
	c.Wake()
}

// OnHeartbeat keeps idle bookkeeping current; liveness itself is tracked by
// the session.
func (c *Coordinator) OnHeartbeat(s *session.Session, hb *protocol.Heartbeat) {
	if s.State() == types.SessionIdle {
		c.mu.Lock()
		if _, ok := c.idleSince[s.WorkerID]; !ok {
			c.idleSince[s.WorkerID] = time.Now()
		}
		c.mu.Unlock()
	}
}

// OnStatusUpdate advances the execution record and republishes progress on
// the event bus.
func (c *Coordinator) OnStatusUpdate(s *session.Session, su *protocol.StatusUpdate) {
	c.mu.Lock()
	b, ok := c.executions[su.ExecutionID]
	c.mu.Unlock()
	if !ok {
		return
	}

	if su.EventType == protocol.EventExecutionStarted && b.execution.Status == types.ExecutionStarting {
		b.execution.Status = types.ExecutionRunning
		if err := c.store.SaveExecution(b.execution); err != nil {
			log.WithExecutionID(string(b.execution.ID)).Error().Err(err).Msg("Failed to persist execution")
		}
	}

	c.broker.Publish(events.Event{
		Kind:        events.JobStarted,
		JobID:       b.entry.Job.ID,
		WorkerID:    s.WorkerID,
		ExecutionID: su.ExecutionID,
		Message:     string(su.EventType),
		Metadata:    map[string]string{"detail": su.Message},
	})
}

// OnLogChunk appends execution output to the bounded tail.
func (c *Coordinator) OnLogChunk(s *session.Session, lc *protocol.LogChunk) {
	c.mu.Lock()
	b, ok := c.executions[lc.ExecutionID]
	c.mu.Unlock()
	if !ok {
		return
	}
	b.tail.Append(lc.Data)
}

// OnExecutionResult drives the job's terminal (or retry) transition.
func (c *Coordinator) OnExecutionResult(s *session.Session, res *protocol.ExecutionResult) {
	c.mu.Lock()
	b, ok := c.executions[res.ExecutionID]
	if ok {
		delete(c.executions, res.ExecutionID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	s.FinishExecution(res.ExecutionID)
	c.mu.Lock()
	c.idleSince[s.WorkerID] = time.Now()
	c.mu.Unlock()

	job := b.entry.Job
	switch {
	case b.cancelled:
		c.finishExecution(b, types.ExecutionCancelled, res.ExitCode, "cancelled")
		c.completeCancellation(b)

	case res.Success:
		c.finishExecution(b, types.ExecutionCompleted, res.ExitCode, "")
		if err := job.TransitionTo(types.JobStatusCompleted); err != nil {
			log.WithJobID(string(job.ID)).Error().Err(err).Msg("Cannot complete job")
			return
		}
		now := time.Now()
		job.CompletedAt = &now
		job.CurrentExecutionID = ""
		if err := c.store.SaveJob(job); err != nil {
			log.WithJobID(string(job.ID)).Error().Err(err).Msg("Failed to persist completed job")
		}
		c.broker.Publish(events.Event{
			Kind:        events.JobCompleted,
			JobID:       job.ID,
			WorkerID:    s.WorkerID,
			ExecutionID: res.ExecutionID,
		})
		log.WithJobID(string(job.ID)).Info().Int("exit_code", res.ExitCode).Msg("Job completed")

	default:
		c.finishExecution(b, types.ExecutionFailed, res.ExitCode, res.Details)
		retryable := job.Retry.RetryOnFailure
		c.retryOrFail(b, retryable, res.Details)
	}
	c.Wake()
}

// OnArtifactCacheQuery answers with the cache partition for the queried ids.
func (c *Coordinator) OnArtifactCacheQuery(s *session.Session, q *protocol.ArtifactCacheQuery) {
	cached, missing := c.cache.Query(q.ArtifactIDs)
	if cached == nil {
		cached = []types.ArtifactID{}
	}
	if missing == nil {
		missing = []types.ArtifactID{}
	}
	if err := s.Send(protocol.TypeArtifactCacheResponse, protocol.ArtifactCacheResponse{
		JobID:   q.JobID,
		Cached:  cached,
		Missing: missing,
	}); err != nil {
		log.WithWorkerID(string(s.WorkerID)).Warn().Err(err).Msg("Failed to send cache response")
	}
}

// OnDisconnected fails the worker's in-flight executions with a
// worker-disconnected cause and releases its tracking entry.
func (c *Coordinator) OnDisconnected(s *session.Session, reason string) {
	c.mu.Lock()
	var orphaned []*binding
	for id, b := range c.executions {
		if b.workerID == s.WorkerID {
			orphaned = append(orphaned, b)
			delete(c.executions, id)
		}
	}
	delete(c.idleSince, s.WorkerID)
	c.mu.Unlock()

	c.broker.Publish(events.Event{
		Kind:     events.WorkerDisconnected,
		WorkerID: s.WorkerID,
		PoolID:   s.PoolID,
		Message:  reason,
	})

	for _, b := range orphaned {
		c.finishExecution(b, types.ExecutionFailed, -1, "worker-disconnected")
		// Transport loss is always classified retryable; the retry budget
		// still applies.
		c.retryOrFail(b, true, "worker-disconnected")
	}

	if reason != "displaced" {
		go func() {
			// Best effort: the instance may already be gone.
			_ = c.destroyWorkerQuiet(s.WorkerID)
		}()
	}
	c.Wake()
}

func (c *Coordinator) destroyWorkerQuiet(id types.WorkerID) error {
	ctx, cancel := contextWithTimeout()
	defer cancel()
	return c.factory.DestroyWorker(ctx, id)
}
