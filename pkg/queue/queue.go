package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/hodei-pipelines/hodei/pkg/metrics"
	"github.com/hodei-pipelines/hodei/pkg/types"
)

// Strategy selects how NextJob ranks waiting entries.
type Strategy string

const (
	StrategyPriority Strategy = "PRIORITY_BASED"
	StrategyFIFO     Strategy = "FIFO"
	StrategyDeadline Strategy = "DEADLINE"
)

// AlreadyQueuedError is returned when a job id is already present.
type AlreadyQueuedError struct {
	JobID types.JobID
}

func (e *AlreadyQueuedError) Error() string {
	return fmt.Sprintf("job %s is already queued", e.JobID)
}

// QueueFullError is returned when the queue is at its configured capacity.
type QueueFullError struct {
	Max int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("queue is full (max %d)", e.Max)
}

// RetryExhaustedError is returned by Retry once the retry budget is spent.
type RetryExhaustedError struct {
	JobID      types.JobID
	RetryCount int
	MaxRetries int
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("job %s exhausted retries (%d of %d)", e.JobID, e.RetryCount, e.MaxRetries)
}

// CandidateWorker is the dispatch-side view of a live worker: its labels for
// affinity matching and its remaining concurrency headroom.
type CandidateWorker struct {
	WorkerID          types.WorkerID
	Labels            map[string]string
	ActiveJobs        int
	MaxConcurrentJobs int
}

// HasCapacity reports whether the worker can take one more job.
func (c CandidateWorker) HasCapacity() bool {
	return c.ActiveJobs < c.MaxConcurrentJobs
}

// Stats is a live snapshot of queue contents.
type Stats struct {
	TotalJobs         int            `json:"total_jobs"`
	PriorityBreakdown map[string]int `json:"priority_breakdown"`
	OldestJob         *time.Time     `json:"oldest_job,omitempty"`
	AverageWaitTime   time.Duration  `json:"average_wait_time"`
}

// Queue holds the set of admitted jobs waiting for dispatch, at most one entry
// per job id. All operations are serialized under one mutex.
type Queue struct {
	mu       sync.Mutex
	entries  map[types.JobID]*types.QueuedJob
	maxSize  int
	strategy Strategy
	now      func() time.Time
}

// New creates a bounded queue. maxSize <= 0 means unbounded.
func New(maxSize int, strategy Strategy) *Queue {
	if strategy == "" {
		strategy = StrategyPriority
	}
	return &Queue{
		entries:  make(map[types.JobID]*types.QueuedJob),
		maxSize:  maxSize,
		strategy: strategy,
		now:      time.Now,
	}
}

// Enqueue admits an entry and returns the resulting queue size. Duplicate job
// ids and a full queue are rejected.
func (q *Queue) Enqueue(entry *types.QueuedJob) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := entry.Job.ID
	if _, ok := q.entries[id]; ok {
		return len(q.entries), &AlreadyQueuedError{JobID: id}
	}
	if q.maxSize > 0 && len(q.entries) >= q.maxSize {
		return len(q.entries), &QueueFullError{Max: q.maxSize}
	}

	if entry.QueuedAt.IsZero() {
		entry.QueuedAt = q.now()
	}
	if entry.Status == "" {
		entry.Status = types.QueueStatusWaiting
	}
	q.entries[id] = entry

	size := len(q.entries)
	metrics.QueueDepth.Set(float64(size))
	metrics.JobsEnqueuedTotal.Inc()
	return size, nil
}

// Dequeue removes and returns the entry for the given job id, or nil.
func (q *Queue) Dequeue(jobID types.JobID) *types.QueuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.entries[jobID]
	if !ok {
		return nil
	}
	delete(q.entries, jobID)
	metrics.QueueDepth.Set(float64(len(q.entries)))
	return entry
}

// NextJob removes and returns the highest-ranked entry for which at least one
// candidate matches the entry's affinity labels and has free capacity. Entries
// whose QueuedAt is still in the future (retry backoff) are skipped. Returns
// nil when nothing is dispatchable.
func (q *Queue) NextJob(candidates []CandidateWorker) *types.QueuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var best *types.QueuedJob
	for _, entry := range q.entries {
		if entry.QueuedAt.After(now) {
			continue
		}
		if !matchable(entry, candidates) {
			continue
		}
		if best == nil || q.ranksAbove(entry, best, now) {
			best = entry
		}
	}
	if best == nil {
		return nil
	}
	delete(q.entries, best.Job.ID)
	metrics.QueueDepth.Set(float64(len(q.entries)))
	return best
}

// Retry re-admits the entry with retryCount+1 and QueuedAt stamped delay into
// the future, preserving all other fields.
func (q *Queue) Retry(entry *types.QueuedJob, delay time.Duration) (*types.QueuedJob, error) {
	if entry.RetryCount >= entry.MaxRetries {
		return nil, &RetryExhaustedError{
			JobID:      entry.Job.ID,
			RetryCount: entry.RetryCount,
			MaxRetries: entry.MaxRetries,
		}
	}

	fresh := *entry
	fresh.RetryCount = entry.RetryCount + 1
	fresh.QueuedAt = q.now().Add(delay)
	fresh.Status = types.QueueStatusRetrying

	if _, err := q.Enqueue(&fresh); err != nil {
		return nil, err
	}
	return &fresh, nil
}

// Size returns the number of waiting entries.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Contains reports whether a job id is currently queued.
func (q *Queue) Contains(jobID types.JobID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[jobID]
	return ok
}

// Snapshot returns the current entries, unordered.
func (q *Queue) Snapshot() []*types.QueuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*types.QueuedJob, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e)
	}
	return out
}

const (
	highPriorityFloor  = 700
	lowPriorityCeiling = 300
)

// Stats computes a live snapshot over the current contents. Priority bands use
// effective priority: high >= 700, low <= 300, normal otherwise.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	s := Stats{
		TotalJobs:         len(q.entries),
		PriorityBreakdown: map[string]int{"high": 0, "normal": 0, "low": 0},
	}

	var totalWait time.Duration
	var waiting int
	for _, entry := range q.entries {
		switch p := entry.EffectivePriority(now); {
		case p >= highPriorityFloor:
			s.PriorityBreakdown["high"]++
		case p <= lowPriorityCeiling:
			s.PriorityBreakdown["low"]++
		default:
			s.PriorityBreakdown["normal"]++
		}

		if !entry.QueuedAt.After(now) {
			totalWait += now.Sub(entry.QueuedAt)
			waiting++
		}
		if s.OldestJob == nil || entry.QueuedAt.Before(*s.OldestJob) {
			t := entry.QueuedAt
			s.OldestJob = &t
		}
	}
	if waiting > 0 {
		s.AverageWaitTime = totalWait / time.Duration(waiting)
	}
	return s
}

// ranksAbove reports whether a should dispatch before b under the configured
// strategy. Ranking is computed at call time so age and deadline boosts stay
// current.
func (q *Queue) ranksAbove(a, b *types.QueuedJob, now time.Time) bool {
	switch q.strategy {
	case StrategyFIFO:
		return a.QueuedAt.Before(b.QueuedAt)
	case StrategyDeadline:
		switch {
		case a.Deadline != nil && b.Deadline == nil:
			return true
		case a.Deadline == nil && b.Deadline != nil:
			return false
		case a.Deadline != nil && b.Deadline != nil && !a.Deadline.Equal(*b.Deadline):
			return a.Deadline.Before(*b.Deadline)
		}
		return a.EffectivePriority(now) > b.EffectivePriority(now)
	default:
		pa, pb := a.EffectivePriority(now), b.EffectivePriority(now)
		if pa != pb {
			return pa > pb
		}
		return a.QueuedAt.Before(b.QueuedAt)
	}
}

// matchable reports whether any candidate has capacity and carries every
// affinity label the entry requires.
func matchable(entry *types.QueuedJob, candidates []CandidateWorker) bool {
	for _, c := range candidates {
		if !c.HasCapacity() {
			continue
		}
		if labelsMatch(entry.Affinity, c.Labels) {
			return true
		}
	}
	return false
}

func labelsMatch(required, have map[string]string) bool {
	for k, v := range required {
		if have[k] != v {
			return false
		}
	}
	return true
}
