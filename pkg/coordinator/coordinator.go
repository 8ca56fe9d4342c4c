package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/hodei-pipelines/hodei/pkg/artifact"
	"github.com/hodei-pipelines/hodei/pkg/config"
	"github.com/hodei-pipelines/hodei/pkg/events"
	"github.com/hodei-pipelines/hodei/pkg/log"
	"github.com/hodei-pipelines/hodei/pkg/metrics"
	"github.com/hodei-pipelines/hodei/pkg/protocol"
	"github.com/hodei-pipelines/hodei/pkg/queue"
	"github.com/hodei-pipelines/hodei/pkg/scheduler"
	"github.com/hodei-pipelines/hodei/pkg/session"
	"github.com/hodei-pipelines/hodei/pkg/storage"
	"github.com/hodei-pipelines/hodei/pkg/types"
	"github.com/hodei-pipelines/hodei/pkg/worker"
)

// binding ties an in-flight execution to its queue entry and worker.
type binding struct {
	execution *types.Execution
	entry     *types.QueuedJob
	workerID  types.WorkerID
	tail      *logTail
	cancelled bool
}

// Coordinator is the single loop gluing queue, placement, provisioning and
// worker sessions into the job lifecycle. It is also the hub's session
// handler.
type Coordinator struct {
	store    storage.Store
	queue    *queue.Queue
	sched    *scheduler.Scheduler
	factory  *worker.Factory
	broker   *events.Broker
	cache    *artifact.Cache
	hub      *session.Hub
	strategy string

	tick        time.Duration
	reuseWindow time.Duration
	grace       time.Duration
	tailLines   int

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once

	// pendingTTL bounds how long an in-flight provision marker blocks
	// further provisioning when the worker never registers.
	pendingTTL time.Duration

	mu         sync.Mutex
	executions map[types.ExecutionID]*binding
	pending    map[types.PoolID]time.Time
	idleSince  map[types.WorkerID]time.Time

	auditSub *events.Subscription
}

// New wires a coordinator. The hub it creates must be mounted at the worker
// connect route via Hub().
func New(
	store storage.Store,
	q *queue.Queue,
	sched *scheduler.Scheduler,
	factory *worker.Factory,
	broker *events.Broker,
	cache *artifact.Cache,
	sessCfg config.SessionConfig,
	coordCfg config.CoordinatorConfig,
	strategy string,
) *Coordinator {
	c := &Coordinator{
		store:       store,
		queue:       q,
		sched:       sched,
		factory:     factory,
		broker:      broker,
		cache:       cache,
		strategy:    strategy,
		tick:        coordCfg.Tick(),
		reuseWindow: coordCfg.ReuseWindow(),
		grace:       sessCfg.GracePeriod(),
		tailLines:   coordCfg.TailLines,
		pendingTTL:  2 * time.Minute,
		wake:        make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		executions:  make(map[types.ExecutionID]*binding),
		pending:     make(map[types.PoolID]time.Time),
		idleSince:   make(map[types.WorkerID]time.Time),
	}
	if c.tick <= 0 {
		c.tick = 500 * time.Millisecond
	}
	c.hub = session.NewHub(sessCfg.HeartbeatInterval(), c)
	return c
}

// Hub exposes the worker session hub for transport mounting.
func (c *Coordinator) Hub() *session.Hub { return c.hub }

// Start launches the dispatch loop, the session reaper and the audit
// observer.
func (c *Coordinator) Start() {
	c.hub.Start()
	c.auditSub = c.broker.SubscribeAll()
	go c.auditLoop()
	go c.run()
}

// Stop halts the loop and tears down all sessions.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.hub.Stop()
	if c.auditSub != nil {
		c.auditSub.Close()
	}
}

// Wake nudges the dispatch loop; concurrent wakes coalesce.
func (c *Coordinator) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// run is the single-flight dispatch loop: it wakes on admission, on worker
// changes and on a periodic tick.
func (c *Coordinator) run() {
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	for {
		select {
		case <-c.wake:
			c.dispatchPending()
		case <-ticker.C:
			c.dispatchPending()
			c.releaseIdleWorkers()
		case <-c.stopCh:
			return
		}
	}
}

// dispatchPending drains every job that has a matching live worker, then
// provisions capacity for whatever is left waiting.
func (c *Coordinator) dispatchPending() {
	for {
		entry := c.queue.NextJob(c.hub.Candidates())
		if entry == nil {
			break
		}
		if !c.dispatch(entry) {
			// The entry went back untouched; another pass would dequeue it
			// again. Leave it for the next wake or tick.
			break
		}
	}
	c.provisionForBacklog()
}

// dispatch places one dequeued entry and hands it to a worker. Returns false
// when the entry was restored to the queue unchanged.
func (c *Coordinator) dispatch(entry *types.QueuedJob) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := c.sched.FindPlacement(ctx, entry.Job, c.strategy)
	if err != nil {
		c.handleDispatchFailure(entry, err)
		return true
	}

	sess, ok := c.hub.AvailableWorker(pool.ID)
	if !ok {
		// A worker matched the queue's candidate view but none is
		// dispatchable on the placed pool. Put the entry back and grow the
		// pool.
		c.requeue(entry)
		c.ensureWorker(pool, entry.Job, 1)
		return false
	}
	c.startExecution(entry, sess)
	return true
}

// requeue restores an entry untouched (no retry consumed).
func (c *Coordinator) requeue(entry *types.QueuedJob) {
	if _, err := c.queue.Enqueue(entry); err != nil {
		log.WithJobID(string(entry.Job.ID)).Error().Err(err).Msg("Failed to restore queue entry")
	}
}

// handleDispatchFailure retries retryable placement failures with backoff and
// fails the job otherwise.
func (c *Coordinator) handleDispatchFailure(entry *types.QueuedJob, cause error) {
	var pe *scheduler.PlacementError
	transient := types.IsRetryable(cause) ||
		(errors.As(cause, &pe) && pe.Reason != scheduler.ReasonPoolNotActive)

	if transient && entry.RetryCount < entry.MaxRetries {
		delay := entry.Job.Retry.RetryDelay(entry.RetryCount)
		if _, err := c.queue.Retry(entry, delay); err == nil {
			log.WithJobID(string(entry.Job.ID)).Warn().Err(cause).
				Dur("delay", delay).
				Msg("Placement failed, retrying with backoff")
			return
		}
	}
	c.failJob(entry, "placement failed: "+cause.Error())
}

// failJob marks the job FAILED terminally.
func (c *Coordinator) failJob(entry *types.QueuedJob, reason string) {
	job := entry.Job
	if err := job.TransitionTo(types.JobStatusFailed); err != nil {
		// A job can fail before it ever ran (unplaceable, provisioning
		// dead-end). The transition set has no QUEUED to FAILED edge, so
		// the terminal state is set directly for queue-side failures.
		job.Status = types.JobStatusFailed
		job.Metadata.UpdatedAt = time.Now()
	}
	now := time.Now()
	job.CompletedAt = &now
	if err := c.store.SaveJob(job); err != nil {
		log.WithJobID(string(job.ID)).Error().Err(err).Msg("Failed to persist failed job")
	}
	_ = c.store.DeleteQueuedJob(job.ID)
	metrics.JobsByStatus.WithLabelValues(string(types.JobStatusFailed)).Inc()

	c.broker.Publish(events.Event{
		Kind:    events.JobFailed,
		JobID:   job.ID,
		Message: reason,
	})
	log.WithJobID(string(job.ID)).Warn().Str("reason", reason).Msg("Job failed")
}

// startExecution transitions the job to RUNNING and sends the assignment.
func (c *Coordinator) startExecution(entry *types.QueuedJob, sess *session.Session) {
	job := entry.Job
	exec := &types.Execution{
		ID:        types.NewExecutionID(),
		JobID:     job.ID,
		WorkerID:  sess.WorkerID,
		StartedAt: time.Now(),
		Status:    types.ExecutionStarting,
	}

	if err := job.TransitionTo(types.JobStatusRunning); err != nil {
		log.WithJobID(string(job.ID)).Error().Err(err).Msg("Cannot start job")
		return
	}
	now := exec.StartedAt
	job.StartedAt = &now
	job.CurrentExecutionID = exec.ID

	if err := c.store.SaveExecution(exec); err != nil {
		log.WithExecutionID(string(exec.ID)).Error().Err(err).Msg("Failed to persist execution")
	}
	if err := c.store.SaveJob(job); err != nil {
		log.WithJobID(string(job.ID)).Error().Err(err).Msg("Failed to persist running job")
	}
	_ = c.store.DeleteQueuedJob(job.ID)

	b := &binding{
		execution: exec,
		entry:     entry,
		workerID:  sess.WorkerID,
		tail:      newLogTail(c.tailLines),
	}
	c.mu.Lock()
	c.executions[exec.ID] = b
	delete(c.idleSince, sess.WorkerID)
	c.mu.Unlock()

	assignment := &protocol.ExecutionAssignment{
		ExecutionID: exec.ID,
		JobID:       job.ID,
		Definition: protocol.ExecutionDefinition{
			Kind:     job.Content.Kind,
			Commands: job.Content.Commands,
			Script:   job.Content.Script,
			Timeout:  job.Content.Timeout,
		},
		EnvVars: job.Parameters,
	}
	if err := sess.SendAssignment(assignment); err != nil {
		c.mu.Lock()
		delete(c.executions, exec.ID)
		c.mu.Unlock()
		c.finishExecution(b, types.ExecutionFailed, -1, "assignment send failed")
		c.retryOrFail(b, true, "assignment send failed: "+err.Error())
		return
	}

	metrics.JobsByStatus.WithLabelValues(string(types.JobStatusRunning)).Inc()
	c.broker.Publish(events.Event{
		Kind:        events.AssignmentDispatched,
		JobID:       job.ID,
		WorkerID:    sess.WorkerID,
		ExecutionID: exec.ID,
	})
	c.broker.Publish(events.Event{
		Kind:        events.JobStarted,
		JobID:       job.ID,
		WorkerID:    sess.WorkerID,
		ExecutionID: exec.ID,
	})
	log.WithJobID(string(job.ID)).Info().
		Str("execution_id", string(exec.ID)).
		Str("worker_id", string(sess.WorkerID)).
		Msg("Execution dispatched")
}

// provisionForBacklog grows pools for entries that are ready but have no
// dispatchable worker. Backlog is aggregated per placed pool so the scaling
// policy sees the full demand, not one entry at a time.
func (c *Coordinator) provisionForBacklog() {
	if c.queue.Size() == 0 {
		return
	}
	type poolBacklog struct {
		pool *types.ResourcePool
		job  *types.Job
		n    int
	}
	perPool := make(map[types.PoolID]*poolBacklog)

	now := time.Now()
	for _, entry := range c.queue.Snapshot() {
		if entry.QueuedAt.After(now) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pool, err := c.sched.FindPlacement(ctx, entry.Job, c.strategy)
		cancel()
		if err != nil {
			continue
		}
		if _, ok := c.hub.AvailableWorker(pool.ID); ok {
			continue
		}
		if b, ok := perPool[pool.ID]; ok {
			b.n++
		} else {
			perPool[pool.ID] = &poolBacklog{pool: pool, job: entry.Job, n: 1}
		}
	}
	for _, b := range perPool {
		c.ensureWorker(b.pool, b.job, b.n)
	}
}

// ensureWorker provisions a worker on the pool when the scaling policy wants
// one. One provision per pool is in flight at a time; a marker older than
// pendingTTL is treated as abandoned (the instance came up but its worker
// never registered) and no longer blocks.
func (c *Coordinator) ensureWorker(pool *types.ResourcePool, job *types.Job, backlog int) {
	c.mu.Lock()
	if started, ok := c.pending[pool.ID]; ok && time.Since(started) < c.pendingTTL {
		c.mu.Unlock()
		return
	}
	current := len(c.factory.ListWorkers(pool.ID))
	policy := worker.ScalingPolicy{MaxWorkers: pool.MaxWorkers, ScaleUpThreshold: 1}
	if current >= policy.DesiredSize(backlog, current, 0) {
		c.mu.Unlock()
		return
	}
	c.pending[pool.ID] = time.Now()
	c.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		w, err := c.factory.CreateWorker(ctx, job, pool)
		if err != nil {
			c.mu.Lock()
			delete(c.pending, pool.ID)
			c.mu.Unlock()
			log.WithPoolID(string(pool.ID)).Error().Err(err).Msg("Worker provisioning failed")
			if !types.IsRetryable(err) {
				if entry := c.queue.Dequeue(job.ID); entry != nil {
					c.failJob(entry, "provisioning failed: "+err.Error())
				}
			}
			return
		}
		c.broker.Publish(events.Event{
			Kind:     events.PoolUtilizationChanged,
			PoolID:   pool.ID,
			WorkerID: w.WorkerID,
			Message:  "worker provisioned",
		})
	}()
}

// releaseIdleWorkers destroys workers idle past the reuse window.
func (c *Coordinator) releaseIdleWorkers() {
	if c.reuseWindow <= 0 {
		return
	}
	cutoff := time.Now().Add(-c.reuseWindow)

	c.mu.Lock()
	var expired []types.WorkerID
	for id, since := range c.idleSince {
		if since.Before(cutoff) {
			expired = append(expired, id)
			delete(c.idleSince, id)
		}
	}
	c.mu.Unlock()

	for _, id := range expired {
		if sess, ok := c.hub.Get(id); ok {
			if sess.State() != types.SessionIdle {
				continue
			}
			sess.Drain()
		}
		var poolID types.PoolID
		if w, ok := c.factory.GetWorker(id); ok {
			poolID = w.PoolID
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := c.factory.DestroyWorker(ctx, id); err != nil {
			var nf *worker.WorkerNotFoundError
			if !errors.As(err, &nf) {
				log.WithWorkerID(string(id)).Warn().Err(err).Msg("Failed to release idle worker")
			}
		}
		cancel()
		c.broker.Publish(events.Event{
			Kind:     events.PoolUtilizationChanged,
			PoolID:   poolID,
			WorkerID: id,
			Message:  "idle worker released",
		})
		log.WithWorkerID(string(id)).Debug().Msg("Idle worker released")
	}
}

// finishExecution records the terminal state of an execution.
func (c *Coordinator) finishExecution(b *binding, status types.ExecutionStatus, exitCode int, reason string) {
	now := time.Now()
	b.execution.CompletedAt = &now
	b.execution.ExitCode = exitCode
	b.execution.Status = status
	b.execution.Reason = reason
	if err := c.store.SaveExecution(b.execution); err != nil {
		log.WithExecutionID(string(b.execution.ID)).Error().Err(err).Msg("Failed to persist execution")
	}
}

// retryOrFail re-queues the job with backoff when the cause is retryable and
// budget remains; otherwise the job fails with the last log lines attached.
func (c *Coordinator) retryOrFail(b *binding, retryable bool, reason string) {
	job := b.entry.Job
	job.CurrentExecutionID = ""

	if retryable && b.entry.RetryCount < b.entry.MaxRetries {
		if err := job.TransitionTo(types.JobStatusQueued); err == nil {
			delay := job.Retry.RetryDelay(b.entry.RetryCount)
			if fresh, err := c.queue.Retry(b.entry, delay); err == nil {
				_ = c.store.SaveJob(job)
				_ = c.store.SaveQueuedJob(fresh)
				c.broker.Publish(events.Event{
					Kind:    events.JobQueued,
					JobID:   job.ID,
					Message: "retry " + reason,
				})
				log.WithJobID(string(job.ID)).Info().
					Int("retry_count", fresh.RetryCount).
					Dur("delay", delay).
					Msg("Job re-queued for retry")
				return
			}
		}
	}

	if tail, dropped := b.tail.Tail(); len(tail) > 0 {
		reason = reason + "\n" + strings.Join(tail, "\n")
		if dropped {
			reason = reason + "\n[log-dropped: earlier output truncated]"
		}
	}
	c.failJob(b.entry, reason)
}
