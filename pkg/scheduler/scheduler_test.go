package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hodei-pipelines/hodei/pkg/storage"
	"github.com/hodei-pipelines/hodei/pkg/types"
)

// fakeMonitor serves canned utilization per pool id.
type fakeMonitor struct {
	utils map[types.PoolID]*types.ResourcePoolUtilization
	errs  map[types.PoolID]error
}

func (m *fakeMonitor) GetUtilization(_ context.Context, poolID types.PoolID) (*types.ResourcePoolUtilization, error) {
	if err, ok := m.errs[poolID]; ok {
		return nil, err
	}
	u, ok := m.utils[poolID]
	if !ok {
		return nil, errors.New("unknown pool")
	}
	return u, nil
}

func util(id types.PoolID, totalCPU, usedCPU float64, totalMem, usedMem int64) *types.ResourcePoolUtilization {
	return &types.ResourcePoolUtilization{
		PoolID:           id,
		TotalCPU:         totalCPU,
		UsedCPU:          usedCPU,
		TotalMemoryBytes: totalMem,
		UsedMemoryBytes:  usedMem,
	}
}

const gi = int64(1024 * 1024 * 1024)

func setup(t *testing.T) (*Scheduler, storage.Store, *fakeMonitor) {
	t.Helper()
	store := storage.NewMemStore()
	mon := &fakeMonitor{
		utils: make(map[types.PoolID]*types.ResourcePoolUtilization),
		errs:  make(map[types.PoolID]error),
	}
	s := NewScheduler(store, "")
	s.RegisterMonitor("docker", mon)
	return s, store, mon
}

func addPool(t *testing.T, store storage.Store, id, name string) {
	t.Helper()
	require.NoError(t, store.SavePool(&types.ResourcePool{
		ID: types.PoolID(id), Name: name, Type: "docker", Status: types.PoolStatusActive,
	}))
}

func TestLeastLoadedPicksLowestLoad(t *testing.T) {
	s, store, mon := setup(t)
	addPool(t, store, "p1", "p1")
	addPool(t, store, "p2", "p2")
	mon.utils["p1"] = util("p1", 8, 2, 32*gi, 4*gi)
	mon.utils["p2"] = util("p2", 8, 7, 32*gi, 4*gi)
	// The bootstrapped default pool has type "local" with no monitor, so it is skipped.

	job := &types.Job{ID: "j1", Requirements: types.ResourceRequirements{CPUCores: 2}}
	pool, err := s.FindPlacement(context.Background(), job, StrategyLeastLoaded)
	require.NoError(t, err)
	assert.Equal(t, types.PoolID("p1"), pool.ID)
}

func TestNoActivePools(t *testing.T) {
	s, store, _ := setup(t)
	def, err := store.GetPool(types.DefaultPoolID)
	require.NoError(t, err)
	def.Status = types.PoolStatusInactive
	require.NoError(t, store.UpdatePool(def))

	_, err = s.FindPlacement(context.Background(), &types.Job{ID: "j1"}, "")
	var pe *PlacementError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, ReasonNoActivePools, pe.Reason)
}

func TestInsufficientCapacity(t *testing.T) {
	s, store, mon := setup(t)
	addPool(t, store, "p1", "p1")
	mon.utils["p1"] = util("p1", 2, 2, 8*gi, 8*gi)

	job := &types.Job{ID: "j1", Requirements: types.ResourceRequirements{CPUCores: 1}}
	_, err := s.FindPlacement(context.Background(), job, "")
	var pe *PlacementError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, ReasonInsufficientCapacity, pe.Reason)
}

func TestFailedProbeSkipsPool(t *testing.T) {
	s, store, mon := setup(t)
	addPool(t, store, "p1", "p1")
	addPool(t, store, "p2", "p2")
	mon.errs["p1"] = errors.New("probe timeout")
	mon.utils["p2"] = util("p2", 8, 0, 32*gi, 0)

	job := &types.Job{ID: "j1", Requirements: types.ResourceRequirements{CPUCores: 1}}
	pool, err := s.FindPlacement(context.Background(), job, "")
	require.NoError(t, err)
	assert.Equal(t, types.PoolID("p2"), pool.ID)
}

func TestPinnedPool(t *testing.T) {
	s, store, mon := setup(t)
	addPool(t, store, "p1", "p1")
	addPool(t, store, "p2", "p2")
	mon.utils["p1"] = util("p1", 8, 0, 32*gi, 0)
	mon.utils["p2"] = util("p2", 8, 8, 32*gi, 32*gi)

	job := &types.Job{ID: "j1", TargetPoolID: "p1", Requirements: types.ResourceRequirements{CPUCores: 1}}
	pool, err := s.FindPlacement(context.Background(), job, "")
	require.NoError(t, err)
	assert.Equal(t, types.PoolID("p1"), pool.ID)

	job.TargetPoolID = "p2"
	_, err = s.FindPlacement(context.Background(), job, "")
	var pe *PlacementError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, ReasonInsufficientCapacity, pe.Reason)

	job.TargetPoolID = "missing"
	_, err = s.FindPlacement(context.Background(), job, "")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestGreedyBestFit(t *testing.T) {
	s, store, mon := setup(t)
	addPool(t, store, "p1", "p1")
	addPool(t, store, "p2", "p2")
	mon.utils["p1"] = util("p1", 16, 0, 64*gi, 0) // plenty free
	mon.utils["p2"] = util("p2", 4, 1, 16*gi, 0)  // tight but fits

	job := &types.Job{ID: "j1", Requirements: types.ResourceRequirements{CPUCores: 2}}
	pool, err := s.FindPlacement(context.Background(), job, StrategyGreedy)
	require.NoError(t, err)
	assert.Equal(t, types.PoolID("p2"), pool.ID)
}

func TestGreedyCountsMemoryInFit(t *testing.T) {
	s, store, mon := setup(t)
	addPool(t, store, "p1", "p1")
	addPool(t, store, "p2", "p2")
	// Equal free CPU; p2 is the tighter fit on memory.
	mon.utils["p1"] = util("p1", 8, 4, 64*gi, 0)
	mon.utils["p2"] = util("p2", 8, 4, 16*gi, 8*gi)

	job := &types.Job{ID: "j1", Requirements: types.ResourceRequirements{CPUCores: 2, Memory: "4Gi"}}
	pool, err := s.FindPlacement(context.Background(), job, StrategyGreedy)
	require.NoError(t, err)
	assert.Equal(t, types.PoolID("p2"), pool.ID)
}

func TestRoundRobinCycles(t *testing.T) {
	s, store, mon := setup(t)
	addPool(t, store, "pa", "alpha")
	addPool(t, store, "pb", "beta")
	mon.utils["pa"] = util("pa", 8, 0, 32*gi, 0)
	mon.utils["pb"] = util("pb", 8, 0, 32*gi, 0)

	job := &types.Job{ID: "j1", Requirements: types.ResourceRequirements{CPUCores: 1}}
	var got []types.PoolID
	for i := 0; i < 4; i++ {
		pool, err := s.FindPlacement(context.Background(), job, StrategyRoundRobin)
		require.NoError(t, err)
		got = append(got, pool.ID)
	}
	assert.Equal(t, []types.PoolID{"pa", "pb", "pa", "pb"}, got)
}

func TestBinPackingFirstByName(t *testing.T) {
	s, store, mon := setup(t)
	addPool(t, store, "pz", "zeta")
	addPool(t, store, "pa", "alpha")
	mon.utils["pz"] = util("pz", 8, 0, 32*gi, 0)
	mon.utils["pa"] = util("pa", 8, 0, 32*gi, 0)

	job := &types.Job{ID: "j1", Requirements: types.ResourceRequirements{CPUCores: 1}}
	pool, err := s.FindPlacement(context.Background(), job, StrategyBinPacking)
	require.NoError(t, err)
	assert.Equal(t, types.PoolID("pa"), pool.ID)
}

func TestMaxJobsBound(t *testing.T) {
	s, store, mon := setup(t)
	maxJobs := 2
	require.NoError(t, store.SavePool(&types.ResourcePool{
		ID: "p1", Name: "p1", Type: "docker", Status: types.PoolStatusActive, MaxJobs: &maxJobs,
	}))
	u := util("p1", 8, 0, 32*gi, 0)
	u.RunningJobs = 2
	mon.utils["p1"] = u

	job := &types.Job{ID: "j1", Requirements: types.ResourceRequirements{CPUCores: 1}}
	_, err := s.FindPlacement(context.Background(), job, "")
	var pe *PlacementError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, ReasonInsufficientCapacity, pe.Reason)
}

func TestParseMemory(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"512Mi", 512 * 1024 * 1024},
		{"2Gi", 2 * 1024 * 1024 * 1024},
		{"1Ki", 1024},
		{"1Ti", 1024 * 1024 * 1024 * 1024},
		{"1K", 1000},
		{"5M", 5 * 1000 * 1000},
		{"3G", 3 * 1000 * 1000 * 1000},
		{"1T", 1000 * 1000 * 1000 * 1000},
		{"4096", 4096},
		{"", 0},
		{"garbage", 0},
		{"12XB", 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseMemory(tt.in))
		})
	}
}
