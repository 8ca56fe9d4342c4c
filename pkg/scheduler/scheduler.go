package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hodei-pipelines/hodei/pkg/log"
	"github.com/hodei-pipelines/hodei/pkg/metrics"
	"github.com/hodei-pipelines/hodei/pkg/storage"
	"github.com/hodei-pipelines/hodei/pkg/types"
)

// ResourceMonitor probes live capacity for pools of one backend type. It may
// be network-bound and must honor the context deadline.
type ResourceMonitor interface {
	GetUtilization(ctx context.Context, poolID types.PoolID) (*types.ResourcePoolUtilization, error)
}

// PlacementError carries the reason a job could not be placed.
type PlacementError struct {
	JobID  types.JobID
	Reason string
}

func (e *PlacementError) Error() string {
	return fmt.Sprintf("cannot place job %s: %s", e.JobID, e.Reason)
}

const (
	ReasonNoActivePools        = "no-active-pools"
	ReasonPoolNotActive        = "target-pool-not-active"
	ReasonInsufficientCapacity = "insufficient-capacity"
	ReasonNoMonitor            = "no-monitor-for-pool-type"
)

// candidate pairs a pool with its probed utilization.
type candidate struct {
	pool *types.ResourcePool
	util *types.ResourcePoolUtilization
}

// Scheduler picks a pool for each job by probing utilization through the
// resource monitors registered per pool type.
type Scheduler struct {
	store storage.Store

	mu       sync.RWMutex
	monitors map[string]ResourceMonitor

	rrMu     sync.Mutex
	rrCursor int

	defaultStrategy string
}

// NewScheduler creates a scheduler with no monitors registered.
func NewScheduler(store storage.Store, defaultStrategy string) *Scheduler {
	if defaultStrategy == "" {
		defaultStrategy = StrategyLeastLoaded
	}
	return &Scheduler{
		store:           store,
		monitors:        make(map[string]ResourceMonitor),
		defaultStrategy: defaultStrategy,
	}
}

// RegisterMonitor binds a resource monitor to a pool type ("docker", "local", ...).
func (s *Scheduler) RegisterMonitor(poolType string, m ResourceMonitor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monitors[poolType] = m
}

func (s *Scheduler) monitorFor(poolType string) (ResourceMonitor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.monitors[poolType]
	return m, ok
}

// Strategy names accepted by FindPlacement.
const (
	StrategyRoundRobin  = "roundrobin"
	StrategyGreedy      = "greedy"
	StrategyLeastLoaded = "leastloaded"
	StrategyBinPacking  = "binpacking"
)

// FindPlacement selects a pool for the job. When the job pins a target pool,
// only that pool is considered. Otherwise all active pools are probed
// concurrently; pools whose probe fails are logged and skipped.
func (s *Scheduler) FindPlacement(ctx context.Context, job *types.Job, strategy string) (*types.ResourcePool, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PlacementDuration)

	if strategy == "" {
		strategy = s.defaultStrategy
	}

	if job.TargetPoolID != "" {
		return s.placePinned(ctx, job)
	}

	pools, err := s.store.ListActivePools()
	if err != nil {
		return nil, fmt.Errorf("failed to list active pools: %w", err)
	}
	if len(pools) == 0 {
		metrics.PlacementFailuresTotal.Inc()
		return nil, &PlacementError{JobID: job.ID, Reason: ReasonNoActivePools}
	}

	candidates := s.probeAll(ctx, pools)

	fits := make([]candidate, 0, len(candidates))
	for _, c := range candidates {
		if s.fits(job, c) {
			fits = append(fits, c)
		}
	}
	if len(fits) == 0 {
		metrics.PlacementFailuresTotal.Inc()
		return nil, &PlacementError{JobID: job.ID, Reason: ReasonInsufficientCapacity}
	}

	chosen := s.pick(strategy, fits)
	log.WithJobID(string(job.ID)).Debug().
		Str("pool_id", string(chosen.ID)).
		Str("strategy", strategy).
		Msg("Placement selected")
	return chosen, nil
}

// placePinned handles jobs that name an explicit target pool.
func (s *Scheduler) placePinned(ctx context.Context, job *types.Job) (*types.ResourcePool, error) {
	pool, err := s.store.GetPool(job.TargetPoolID)
	if err != nil {
		metrics.PlacementFailuresTotal.Inc()
		return nil, fmt.Errorf("target pool %s: %w", job.TargetPoolID, err)
	}
	if pool.Status != types.PoolStatusActive {
		metrics.PlacementFailuresTotal.Inc()
		return nil, &PlacementError{JobID: job.ID, Reason: ReasonPoolNotActive}
	}

	m, ok := s.monitorFor(pool.Type)
	if !ok {
		metrics.PlacementFailuresTotal.Inc()
		return nil, &PlacementError{JobID: job.ID, Reason: ReasonNoMonitor}
	}
	util, err := m.GetUtilization(ctx, pool.ID)
	if err != nil {
		metrics.PlacementFailuresTotal.Inc()
		return nil, fmt.Errorf("utilization probe for pool %s: %w", pool.ID, err)
	}
	if !s.fits(job, candidate{pool: pool, util: util}) {
		metrics.PlacementFailuresTotal.Inc()
		return nil, &PlacementError{JobID: job.ID, Reason: ReasonInsufficientCapacity}
	}
	return pool, nil
}

// probeAll fans out one utilization probe per pool. Probe failures drop the
// pool from the candidate set rather than failing placement.
func (s *Scheduler) probeAll(ctx context.Context, pools []*types.ResourcePool) []candidate {
	var mu sync.Mutex
	candidates := make([]candidate, 0, len(pools))

	g, ctx := errgroup.WithContext(ctx)
	for _, pool := range pools {
		pool := pool
		g.Go(func() error {
			m, ok := s.monitorFor(pool.Type)
			if !ok {
				log.WithPoolID(string(pool.ID)).Warn().
					Str("pool_type", pool.Type).
					Msg("No resource monitor registered, skipping pool")
				return nil
			}
			util, err := m.GetUtilization(ctx, pool.ID)
			if err != nil {
				log.WithPoolID(string(pool.ID)).Warn().Err(err).
					Msg("Utilization probe failed, skipping pool")
				return nil
			}
			mu.Lock()
			candidates = append(candidates, candidate{pool: pool, util: util})
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].pool.Name < candidates[j].pool.Name
	})
	return candidates
}

// fits reports whether the pool's free capacity covers the job's requirements
// and its max-jobs bound.
func (s *Scheduler) fits(job *types.Job, c candidate) bool {
	needCPU := job.Requirements.CPUCores
	needMem := ParseMemory(job.Requirements.Memory)

	if needCPU > 0 && c.util.FreeCPU() < needCPU {
		return false
	}
	if needMem > 0 && c.util.FreeMemoryBytes() < needMem {
		return false
	}
	if c.pool.MaxJobs != nil && c.util.RunningJobs >= *c.pool.MaxJobs {
		return false
	}
	return true
}

// greedyScore totals a pool's free capacity, weighing one core equal to one
// GiB of memory. Lower means a tighter fit.
func greedyScore(c candidate) float64 {
	return c.util.FreeCPU() + float64(c.util.FreeMemoryBytes())/float64(1<<30)
}

// pick applies the named strategy to a non-empty candidate set ordered by
// pool name.
func (s *Scheduler) pick(strategy string, fits []candidate) *types.ResourcePool {
	switch strategy {
	case StrategyRoundRobin:
		s.rrMu.Lock()
		defer s.rrMu.Unlock()
		c := fits[s.rrCursor%len(fits)]
		s.rrCursor++
		return c.pool

	case StrategyGreedy:
		// Best fit: the tightest pool that still fits, counting both free
		// CPU and free memory.
		best := fits[0]
		for _, c := range fits[1:] {
			if greedyScore(c) < greedyScore(best) {
				best = c
			}
		}
		return best.pool

	case StrategyBinPacking:
		return fits[0].pool

	default: // leastloaded
		best := fits[0]
		for _, c := range fits[1:] {
			if c.util.Load() < best.util.Load() {
				best = c
			}
		}
		return best.pool
	}
}
