package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hodei-pipelines/hodei/pkg/artifact"
	"github.com/hodei-pipelines/hodei/pkg/config"
	"github.com/hodei-pipelines/hodei/pkg/events"
	"github.com/hodei-pipelines/hodei/pkg/instance"
	"github.com/hodei-pipelines/hodei/pkg/protocol"
	"github.com/hodei-pipelines/hodei/pkg/queue"
	"github.com/hodei-pipelines/hodei/pkg/scheduler"
	"github.com/hodei-pipelines/hodei/pkg/storage"
	"github.com/hodei-pipelines/hodei/pkg/types"
	"github.com/hodei-pipelines/hodei/pkg/worker"
)

// fakeMonitor reports a fixed utilization sample for every pool and counts
// probes.
type fakeMonitor struct {
	util types.ResourcePoolUtilization

	mu    sync.Mutex
	calls int
}

func (m *fakeMonitor) GetUtilization(ctx context.Context, poolID types.PoolID) (*types.ResourcePoolUtilization, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	u := m.util
	u.PoolID = poolID
	u.SampledAt = time.Now()
	return &u, nil
}

func (m *fakeMonitor) probeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// fakeManager records provisioning calls without starting anything.
type fakeManager struct {
	mu          sync.Mutex
	provisioned int
	terminated  []string
}

func (m *fakeManager) ProvisionInstance(ctx context.Context, poolID types.PoolID, spec *instance.InstanceSpec) (*instance.ComputeInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.provisioned++
	return &instance.ComputeInstance{
		ID:        fmt.Sprintf("inst-%d", m.provisioned),
		PoolID:    poolID,
		Status:    types.InstanceRunning,
		CreatedAt: time.Now(),
	}, nil
}

func (m *fakeManager) TerminateInstance(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminated = append(m.terminated, instanceID)
	return nil
}

func (m *fakeManager) GetInstanceStatus(ctx context.Context, instanceID string) (types.InstanceStatus, error) {
	return types.InstanceRunning, nil
}

func (m *fakeManager) ListInstances(ctx context.Context, poolID types.PoolID) ([]*instance.ComputeInstance, error) {
	return nil, nil
}

func (m *fakeManager) ScaleInstances(ctx context.Context, poolID types.PoolID, targetCount int) (*instance.ScaleResult, error) {
	return &instance.ScaleResult{Requested: targetCount}, nil
}

func (m *fakeManager) GetAvailableInstanceTypes(ctx context.Context, poolID types.PoolID) ([]types.InstanceType, error) {
	return []types.InstanceType{types.InstanceSmall}, nil
}

func (m *fakeManager) provisionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.provisioned
}

// fakeConn is an in-memory framed pipe driven by the test.
type fakeConn struct {
	inbound  chan []byte
	outbound chan []byte
	closed   chan struct{}
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound:  make(chan []byte, 16),
		outbound: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case frame := <-c.inbound:
		return frame, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteFrame(frame []byte) error {
	select {
	case c.outbound <- frame:
		return nil
	case <-c.closed:
		return errors.New("connection closed")
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(t *testing.T, typ protocol.MessageType, payload any) {
	t.Helper()
	frame, err := protocol.Encode(typ, payload)
	require.NoError(t, err)
	c.inbound <- frame
}

func (c *fakeConn) next(t *testing.T) *protocol.Envelope {
	t.Helper()
	select {
	case frame := <-c.outbound:
		env, err := protocol.Decode(frame)
		require.NoError(t, err)
		return env
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

// nextAssignment reads frames until an assignment arrives.
func (c *fakeConn) nextAssignment(t *testing.T) *protocol.ExecutionAssignment {
	t.Helper()
	for {
		env := c.next(t)
		if env.Type != protocol.TypeExecutionAssignment {
			continue
		}
		var a protocol.ExecutionAssignment
		require.NoError(t, env.Unmarshal(&a))
		return &a
	}
}

type fixture struct {
	coord   *Coordinator
	store   storage.Store
	manager *fakeManager
	monitor *fakeMonitor
	broker  *events.Broker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := storage.NewMemStore()
	q := queue.New(100, queue.StrategyPriority)

	monitor := &fakeMonitor{
		util: types.ResourcePoolUtilization{
			TotalCPU:         8,
			UsedCPU:          1,
			TotalMemoryBytes: 16 << 30,
			UsedMemoryBytes:  2 << 30,
		},
	}
	sched := scheduler.NewScheduler(store, scheduler.StrategyLeastLoaded)
	sched.RegisterMonitor("local", monitor)

	manager := &fakeManager{}
	factory := worker.NewFactory(manager, map[string]config.WorkerPool{
		"local": {Binary: "hodei-worker", ProvisioningTimeoutSeconds: 5},
	}, "ws://127.0.0.1:8080/v1/workers/connect")

	broker := events.NewBroker()
	cache, err := artifact.NewCache(t.TempDir())
	require.NoError(t, err)

	c := New(store, q, sched, factory, broker, cache,
		config.SessionConfig{HeartbeatIntervalSeconds: 30, GracePeriodSeconds: 1},
		config.CoordinatorConfig{TailLines: 10},
		scheduler.StrategyLeastLoaded,
	)
	c.tick = 10 * time.Millisecond
	c.reuseWindow = 0

	t.Cleanup(c.Stop)
	return &fixture{coord: c, store: store, manager: manager, monitor: monitor, broker: broker}
}

// connectWorker runs the registration handshake on the coordinator's hub.
func (f *fixture) connectWorker(t *testing.T, workerID string) *fakeConn {
	return f.connectWorkerOn(t, workerID, types.DefaultPoolID, 1)
}

func (f *fixture) connectWorkerOn(t *testing.T, workerID string, poolID types.PoolID, maxConcurrent int) *fakeConn {
	t.Helper()
	conn := newFakeConn()
	go func() { _ = f.coord.Hub().Serve(conn) }()
	conn.push(t, protocol.TypeRegistrationRequest, protocol.RegistrationRequest{
		WorkerID:          types.WorkerID(workerID),
		WorkerName:        workerID,
		PoolID:            poolID,
		MaxConcurrentJobs: maxConcurrent,
	})
	env := conn.next(t)
	require.Equal(t, protocol.TypeRegistrationResponse, env.Type)
	var resp protocol.RegistrationResponse
	require.NoError(t, env.Unmarshal(&resp))
	require.True(t, resp.Success)
	return conn
}

func buildJob(name string) *types.Job {
	return &types.Job{
		Name: name,
		Content: types.JobContent{
			Kind:     types.ContentShell,
			Commands: []string{"make", "test"},
		},
		Retry: types.RetryPolicy{
			MaxRetries:        2,
			Delay:             20 * time.Millisecond,
			BackoffMultiplier: 2,
			RetryOnFailure:    true,
		},
	}
}

func (f *fixture) jobStatus(t *testing.T, id types.JobID) types.JobStatus {
	t.Helper()
	job, err := f.store.GetJob(id)
	require.NoError(t, err)
	return job.Status
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)

	var ve *types.ValidationError

	err := f.coord.SubmitJob(&types.Job{Content: types.JobContent{Kind: types.ContentShell, Commands: []string{"ls"}}})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "name", ve.Field)

	err = f.coord.SubmitJob(&types.Job{Name: "no-commands", Content: types.JobContent{Kind: types.ContentShell}})
	require.ErrorAs(t, err, &ve)

	err = f.coord.SubmitJob(&types.Job{Name: "no-script", Content: types.JobContent{Kind: types.ContentScript}})
	require.ErrorAs(t, err, &ve)

	bad := buildJob("over")
	bad.Priority = 5000
	err = f.coord.SubmitJob(bad)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "priority", ve.Field)
}

func TestSubmitDefaultsAndPersists(t *testing.T) {
	f := newFixture(t)

	job := buildJob("defaults")
	require.NoError(t, f.coord.SubmitJob(job))

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, types.DefaultPriority, job.Priority)
	assert.Equal(t, types.JobStatusQueued, f.jobStatus(t, job.ID))

	entry, err := f.store.GetQueuedJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DefaultPriority, entry.BasePriority)
	assert.Equal(t, 2, entry.MaxRetries)
}

func TestSubmitDuplicateJobID(t *testing.T) {
	f := newFixture(t)

	job := buildJob("dup")
	job.ID = "fixed"
	require.NoError(t, f.coord.SubmitJob(job))

	again := buildJob("dup")
	again.ID = "fixed"
	err := f.coord.SubmitJob(again)
	var dup *queue.AlreadyQueuedError
	assert.ErrorAs(t, err, &dup)
}

func TestDispatchEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.coord.Start()
	conn := f.connectWorker(t, "w1")

	job := buildJob("build")
	require.NoError(t, f.coord.SubmitJob(job))

	a := conn.nextAssignment(t)
	assert.Equal(t, job.ID, a.JobID)
	assert.Equal(t, types.ContentShell, a.Definition.Kind)
	assert.Equal(t, []string{"make", "test"}, a.Definition.Commands)
	assert.Equal(t, types.JobStatusRunning, f.jobStatus(t, job.ID))

	conn.push(t, protocol.TypeStatusUpdate, protocol.StatusUpdate{
		ExecutionID: a.ExecutionID,
		EventType:   protocol.EventExecutionStarted,
	})
	conn.push(t, protocol.TypeExecutionResult, protocol.ExecutionResult{
		ExecutionID: a.ExecutionID,
		Success:     true,
		ExitCode:    0,
	})

	require.Eventually(t, func() bool {
		return f.jobStatus(t, job.ID) == types.JobStatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	execs, err := f.store.ListExecutionsByJob(job.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, types.ExecutionCompleted, execs[0].Status)
	assert.Equal(t, 0, execs[0].ExitCode)

	s, ok := f.coord.Hub().Get("w1")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return s.State() == types.SessionIdle
	}, 3*time.Second, 10*time.Millisecond)
}

func TestRetryBudgetThenSuccess(t *testing.T) {
	f := newFixture(t)
	f.coord.Start()
	conn := f.connectWorker(t, "w1")

	job := buildJob("flaky")
	require.NoError(t, f.coord.SubmitJob(job))

	// Two transient failures, then a success on the third attempt.
	for attempt := 0; attempt < 2; attempt++ {
		a := conn.nextAssignment(t)
		conn.push(t, protocol.TypeExecutionResult, protocol.ExecutionResult{
			ExecutionID: a.ExecutionID,
			Success:     false,
			ExitCode:    1,
			Details:     "flaky infra",
		})
	}
	a := conn.nextAssignment(t)
	conn.push(t, protocol.TypeExecutionResult, protocol.ExecutionResult{
		ExecutionID: a.ExecutionID,
		Success:     true,
	})

	require.Eventually(t, func() bool {
		return f.jobStatus(t, job.ID) == types.JobStatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	execs, err := f.store.ListExecutionsByJob(job.ID)
	require.NoError(t, err)
	assert.Len(t, execs, 3)
}

func TestRetryBudgetExhaustedFailsWithLogTail(t *testing.T) {
	f := newFixture(t)
	f.coord.Start()
	conn := f.connectWorker(t, "w1")

	job := buildJob("doomed")
	job.Retry.MaxRetries = 0
	require.NoError(t, f.coord.SubmitJob(job))

	a := conn.nextAssignment(t)
	conn.push(t, protocol.TypeLogChunk, protocol.LogChunk{
		ExecutionID: a.ExecutionID,
		Stream:      protocol.StreamStderr,
		Data:        []byte("compile error: boom\n"),
	})
	conn.push(t, protocol.TypeExecutionResult, protocol.ExecutionResult{
		ExecutionID: a.ExecutionID,
		Success:     false,
		ExitCode:    2,
		Details:     "exit status 2",
	})

	require.Eventually(t, func() bool {
		return f.jobStatus(t, job.ID) == types.JobStatusFailed
	}, 3*time.Second, 10*time.Millisecond)

	execs, err := f.store.ListExecutionsByJob(job.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, types.ExecutionFailed, execs[0].Status)
	assert.Equal(t, 2, execs[0].ExitCode)
	assert.Equal(t, "exit status 2", execs[0].Reason)
}

func TestNonRetryableFailureSkipsBudget(t *testing.T) {
	f := newFixture(t)
	f.coord.Start()
	conn := f.connectWorker(t, "w1")

	job := buildJob("fatal")
	job.Retry.RetryOnFailure = false
	require.NoError(t, f.coord.SubmitJob(job))

	a := conn.nextAssignment(t)
	conn.push(t, protocol.TypeExecutionResult, protocol.ExecutionResult{
		ExecutionID: a.ExecutionID,
		Success:     false,
		ExitCode:    1,
	})

	require.Eventually(t, func() bool {
		return f.jobStatus(t, job.ID) == types.JobStatusFailed
	}, 3*time.Second, 10*time.Millisecond)

	execs, err := f.store.ListExecutionsByJob(job.ID)
	require.NoError(t, err)
	assert.Len(t, execs, 1)
}

func TestCancelQueuedJob(t *testing.T) {
	f := newFixture(t)

	job := buildJob("waiting")
	require.NoError(t, f.coord.SubmitJob(job))

	require.NoError(t, f.coord.CancelJob(job.ID))
	assert.Equal(t, types.JobStatusCancelled, f.jobStatus(t, job.ID))
	assert.Equal(t, 0, f.coord.QueueStats().TotalJobs)

	_, err := f.store.GetQueuedJob(job.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestCancelTerminalJobRejected(t *testing.T) {
	f := newFixture(t)

	job := buildJob("done")
	require.NoError(t, f.coord.SubmitJob(job))
	require.NoError(t, f.coord.CancelJob(job.ID))

	var bre *types.BusinessRuleError
	err := f.coord.CancelJob(job.ID)
	assert.ErrorAs(t, err, &bre)
}

func TestCancelRunningCooperative(t *testing.T) {
	f := newFixture(t)
	f.coord.Start()
	conn := f.connectWorker(t, "w1")

	job := buildJob("long")
	require.NoError(t, f.coord.SubmitJob(job))
	a := conn.nextAssignment(t)

	require.NoError(t, f.coord.CancelJob(job.ID))

	env := conn.next(t)
	require.Equal(t, protocol.TypeCancelExecution, env.Type)
	var cancel protocol.CancelExecution
	require.NoError(t, env.Unmarshal(&cancel))
	assert.Equal(t, a.ExecutionID, cancel.ExecutionID)

	// Worker acknowledges by reporting a terminal result.
	conn.push(t, protocol.TypeExecutionResult, protocol.ExecutionResult{
		ExecutionID: a.ExecutionID,
		Success:     false,
		ExitCode:    -1,
		Details:     "killed",
	})

	require.Eventually(t, func() bool {
		return f.jobStatus(t, job.ID) == types.JobStatusCancelled
	}, 3*time.Second, 10*time.Millisecond)

	execs, err := f.store.ListExecutionsByJob(job.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, types.ExecutionCancelled, execs[0].Status)
}

func TestCancelRunningGraceExpiryForcesTermination(t *testing.T) {
	f := newFixture(t)
	f.coord.grace = 100 * time.Millisecond
	f.coord.Start()
	conn := f.connectWorker(t, "w1")

	job := buildJob("stuck")
	require.NoError(t, f.coord.SubmitJob(job))
	conn.nextAssignment(t)

	// Worker ignores the cancel request entirely.
	require.NoError(t, f.coord.CancelJob(job.ID))

	require.Eventually(t, func() bool {
		return f.jobStatus(t, job.ID) == types.JobStatusCancelled
	}, 3*time.Second, 10*time.Millisecond)

	execs, err := f.store.ListExecutionsByJob(job.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, types.ExecutionCancelled, execs[0].Status)
	assert.Equal(t, "grace period expired", execs[0].Reason)
}

func TestWorkerDisconnectRequeuesJob(t *testing.T) {
	f := newFixture(t)
	f.coord.Start()
	conn := f.connectWorker(t, "w1")

	job := buildJob("orphaned")
	require.NoError(t, f.coord.SubmitJob(job))
	conn.nextAssignment(t)

	conn.Close()

	require.Eventually(t, func() bool {
		return f.jobStatus(t, job.ID) == types.JobStatusQueued
	}, 3*time.Second, 10*time.Millisecond)

	execs, err := f.store.ListExecutionsByJob(job.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, types.ExecutionFailed, execs[0].Status)

	// A fresh worker picks the retry up after the backoff.
	conn2 := f.connectWorker(t, "w2")
	a := conn2.nextAssignment(t)
	conn2.push(t, protocol.TypeExecutionResult, protocol.ExecutionResult{
		ExecutionID: a.ExecutionID,
		Success:     true,
	})
	require.Eventually(t, func() bool {
		return f.jobStatus(t, job.ID) == types.JobStatusCompleted
	}, 3*time.Second, 10*time.Millisecond)
}

func TestRetryJobReadmitsFailed(t *testing.T) {
	f := newFixture(t)
	f.coord.Start()
	conn := f.connectWorker(t, "w1")

	job := buildJob("fixable")
	job.Retry.MaxRetries = 0
	require.NoError(t, f.coord.SubmitJob(job))
	a := conn.nextAssignment(t)
	conn.push(t, protocol.TypeExecutionResult, protocol.ExecutionResult{
		ExecutionID: a.ExecutionID,
		Success:     false,
		ExitCode:    1,
	})
	require.Eventually(t, func() bool {
		return f.jobStatus(t, job.ID) == types.JobStatusFailed
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, f.coord.RetryJob(job.ID))

	a = conn.nextAssignment(t)
	conn.push(t, protocol.TypeExecutionResult, protocol.ExecutionResult{
		ExecutionID: a.ExecutionID,
		Success:     true,
	})
	require.Eventually(t, func() bool {
		return f.jobStatus(t, job.ID) == types.JobStatusCompleted
	}, 3*time.Second, 10*time.Millisecond)
}

func TestBacklogTriggersProvisioning(t *testing.T) {
	f := newFixture(t)
	f.coord.Start()

	// No worker connected: the backlog must grow the pool.
	job := buildJob("needs-capacity")
	require.NoError(t, f.coord.SubmitJob(job))

	require.Eventually(t, func() bool {
		return f.manager.provisionCount() >= 1
	}, 3*time.Second, 10*time.Millisecond)

	// One provision in flight per pool at a time.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, f.manager.provisionCount())
}

func TestBusyWorkerWithHeadroomTakesSecondJob(t *testing.T) {
	f := newFixture(t)
	f.coord.Start()
	conn := f.connectWorkerOn(t, "w1", types.DefaultPoolID, 2)

	first := buildJob("first")
	require.NoError(t, f.coord.SubmitJob(first))
	a1 := conn.nextAssignment(t)

	second := buildJob("second")
	require.NoError(t, f.coord.SubmitJob(second))
	a2 := conn.nextAssignment(t)
	assert.NotEqual(t, a1.ExecutionID, a2.ExecutionID)

	s, ok := f.coord.Hub().Get("w1")
	require.True(t, ok)
	assert.Equal(t, 2, s.ActiveJobs())

	for _, a := range []*protocol.ExecutionAssignment{a1, a2} {
		conn.push(t, protocol.TypeExecutionResult, protocol.ExecutionResult{
			ExecutionID: a.ExecutionID,
			Success:     true,
		})
	}
	require.Eventually(t, func() bool {
		return f.jobStatus(t, first.ID) == types.JobStatusCompleted &&
			f.jobStatus(t, second.ID) == types.JobStatusCompleted
	}, 3*time.Second, 10*time.Millisecond)
}

func TestUndispatchableEntryWaitsForNextTick(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	require.NoError(t, f.store.SavePool(&types.ResourcePool{
		ID: "other", Name: "other", Type: "local", Status: types.PoolStatusActive,
		CreatedAt: now, UpdatedAt: now,
	}))
	f.coord.Start()

	// The only worker sits on a pool placement will not choose, so the entry
	// matches a candidate but cannot be handed over.
	f.connectWorkerOn(t, "w1", "other", 1)

	job := buildJob("stranded")
	require.NoError(t, f.coord.SubmitJob(job))

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, types.JobStatusQueued, f.jobStatus(t, job.ID))

	// A sleeping loop probes a handful of times per tick; a spinning one
	// reaches tens of thousands in this window.
	assert.Less(t, f.monitor.probeCount(), 500)
}

func TestStalledProvisionMarkerExpires(t *testing.T) {
	f := newFixture(t)
	f.coord.pendingTTL = 30 * time.Millisecond
	f.coord.Start()

	// The provisioned instance never dials back to register.
	job := buildJob("stalled")
	require.NoError(t, f.coord.SubmitJob(job))

	require.Eventually(t, func() bool {
		return f.manager.provisionCount() >= 2
	}, 3*time.Second, 10*time.Millisecond)
}

func TestProvisioningHonorsPoolCap(t *testing.T) {
	f := newFixture(t)
	pool, err := f.store.GetPool(types.DefaultPoolID)
	require.NoError(t, err)
	pool.MaxWorkers = 1
	require.NoError(t, f.store.UpdatePool(pool))

	// Markers never block here, so only the scaling clamp holds the line.
	f.coord.pendingTTL = 0
	f.coord.Start()

	job := buildJob("capped")
	require.NoError(t, f.coord.SubmitJob(job))

	require.Eventually(t, func() bool {
		return f.manager.provisionCount() == 1
	}, 3*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, f.manager.provisionCount())
}

func TestArtifactCacheQueryAnswered(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.cache.Put("lib-a", []byte("bytes"), types.ArtifactLibrary)
	require.NoError(t, err)

	f.coord.Start()
	conn := f.connectWorker(t, "w1")

	conn.push(t, protocol.TypeArtifactCacheQuery, protocol.ArtifactCacheQuery{
		JobID:       "j1",
		ArtifactIDs: []types.ArtifactID{"lib-a", "lib-b"},
	})

	env := conn.next(t)
	require.Equal(t, protocol.TypeArtifactCacheResponse, env.Type)
	var resp protocol.ArtifactCacheResponse
	require.NoError(t, env.Unmarshal(&resp))
	assert.Equal(t, []types.ArtifactID{"lib-a"}, resp.Cached)
	assert.Equal(t, []types.ArtifactID{"lib-b"}, resp.Missing)
}

func TestStreamArtifactChunksToWorker(t *testing.T) {
	f := newFixture(t)
	data := []byte("shared library payload")
	_, err := f.coord.cache.Put("lib-a", data, types.ArtifactLibrary)
	require.NoError(t, err)

	f.coord.Start()
	conn := f.connectWorker(t, "w1")

	require.NoError(t, f.coord.StreamArtifact("w1", "lib-a", types.CompressionGzip))

	env := conn.next(t)
	require.Equal(t, protocol.TypeArtifactChunk, env.Type)
	var ch protocol.ArtifactChunk
	require.NoError(t, env.Unmarshal(&ch))
	assert.True(t, ch.IsLast)
	assert.Equal(t, artifact.Checksum(data), ch.Checksum)

	err = f.coord.StreamArtifact("ghost", "lib-a", types.CompressionNone)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestAuditTrailRecordsLifecycle(t *testing.T) {
	f := newFixture(t)
	f.coord.Start()
	conn := f.connectWorker(t, "w1")

	job := buildJob("audited")
	require.NoError(t, f.coord.SubmitJob(job))
	a := conn.nextAssignment(t)
	conn.push(t, protocol.TypeExecutionResult, protocol.ExecutionResult{
		ExecutionID: a.ExecutionID,
		Success:     true,
	})

	require.Eventually(t, func() bool {
		entries, err := f.store.ListAudit(100)
		if err != nil {
			return false
		}
		kinds := map[string]bool{}
		for _, e := range entries {
			kinds[e.Kind] = true
		}
		return kinds[string(events.JobQueued)] && kinds[string(events.JobCompleted)]
	}, 3*time.Second, 10*time.Millisecond)
}
