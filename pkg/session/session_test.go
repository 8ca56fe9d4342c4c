package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hodei-pipelines/hodei/pkg/protocol"
	"github.com/hodei-pipelines/hodei/pkg/types"
)

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

// push sends a worker-side frame into the session.
func (c *fakeConn) push(t *testing.T, typ protocol.MessageType, payload any) {
	t.Helper()
	frame, err := protocol.Encode(typ, payload)
	require.NoError(t, err)
	c.inbound <- frame
}

// next reads the next orchestrator-side frame.
func (c *fakeConn) next(t *testing.T) *protocol.Envelope {
	t.Helper()
	select {
	case frame := <-c.outbound:
		env, err := protocol.Decode(frame)
		require.NoError(t, err)
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

// recorder captures handler callbacks.
type recorder struct {
	mu            sync.Mutex
	registered    []types.WorkerID
	heartbeats    int
	results       []*protocol.ExecutionResult
	logs          []*protocol.LogChunk
	disconnects   map[types.WorkerID]string
	disconnectsCh chan types.WorkerID
}

func newRecorder() *recorder {
	return &recorder{
		disconnects:   make(map[types.WorkerID]string),
		disconnectsCh: make(chan types.WorkerID, 8),
	}
}

func (r *recorder) OnRegistered(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered = append(r.registered, s.WorkerID)
}

func (r *recorder) OnHeartbeat(s *Session, hb *protocol.Heartbeat) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeats++
}

func (r *recorder) OnStatusUpdate(s *Session, su *protocol.StatusUpdate) {}

func (r *recorder) OnLogChunk(s *Session, lc *protocol.LogChunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, lc)
}

func (r *recorder) OnExecutionResult(s *Session, res *protocol.ExecutionResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *recorder) OnArtifactCacheQuery(s *Session, q *protocol.ArtifactCacheQuery) {}

func (r *recorder) OnDisconnected(s *Session, reason string) {
	r.mu.Lock()
	r.disconnects[s.WorkerID] = reason
	r.mu.Unlock()
	r.disconnectsCh <- s.WorkerID
}

func (r *recorder) disconnectReason(id types.WorkerID) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disconnects[id]
}

func register(t *testing.T, h *Hub, conn *fakeConn, workerID string) {
	t.Helper()
	go func() { _ = h.Serve(conn) }()
	conn.push(t, protocol.TypeRegistrationRequest, protocol.RegistrationRequest{
		WorkerID:          types.WorkerID(workerID),
		WorkerName:        workerID,
		PoolID:            "default",
		MaxConcurrentJobs: 1,
	})

	env := conn.next(t)
	require.Equal(t, protocol.TypeRegistrationResponse, env.Type)
	var resp protocol.RegistrationResponse
	require.NoError(t, env.Unmarshal(&resp))
	require.True(t, resp.Success)
	require.NotEmpty(t, resp.SessionToken)
}

func TestRegistrationHandshake(t *testing.T) {
	rec := newRecorder()
	h := NewHub(30*time.Second, rec)
	conn := newFakeConn()

	register(t, h, conn, "w1")

	s, ok := h.Get("w1")
	require.True(t, ok)
	assert.Equal(t, types.SessionIdle, s.State())

	rec.mu.Lock()
	assert.Equal(t, []types.WorkerID{"w1"}, rec.registered)
	rec.mu.Unlock()

	conn.Close()
	<-rec.disconnectsCh
	assert.Equal(t, "transport-failure", rec.disconnectReason("w1"))
	assert.Equal(t, types.SessionDisconnected, s.State())
}

func TestRegistrationRejectsBadFirstFrame(t *testing.T) {
	rec := newRecorder()
	h := NewHub(30*time.Second, rec)
	conn := newFakeConn()

	errCh := make(chan error, 1)
	go func() { errCh <- h.Serve(conn) }()
	conn.push(t, protocol.TypeHeartbeat, protocol.Heartbeat{Status: "IDLE"})

	env := conn.next(t)
	require.Equal(t, protocol.TypeRegistrationResponse, env.Type)
	var resp protocol.RegistrationResponse
	require.NoError(t, env.Unmarshal(&resp))
	assert.False(t, resp.Success)
	assert.Error(t, <-errCh)
}

func TestDuplicateRegistrationDisplaces(t *testing.T) {
	rec := newRecorder()
	h := NewHub(30*time.Second, rec)

	first := newFakeConn()
	register(t, h, first, "w1")
	old, _ := h.Get("w1")

	second := newFakeConn()
	register(t, h, second, "w1")

	<-rec.disconnectsCh
	assert.Equal(t, "displaced", rec.disconnectReason("w1"))
	require.Eventually(t, func() bool {
		return old.State() == types.SessionDisconnected
	}, 2*time.Second, 10*time.Millisecond)

	current, ok := h.Get("w1")
	require.True(t, ok)
	assert.NotSame(t, old, current)
	assert.Equal(t, types.SessionIdle, current.State())
}

func TestHeartbeatDispatch(t *testing.T) {
	rec := newRecorder()
	h := NewHub(30*time.Second, rec)
	conn := newFakeConn()
	register(t, h, conn, "w1")

	conn.push(t, protocol.TypeHeartbeat, protocol.Heartbeat{Status: "IDLE", Timestamp: protocol.Now()})
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.heartbeats == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAssignmentMarksBusyAndResultReleases(t *testing.T) {
	rec := newRecorder()
	h := NewHub(30*time.Second, rec)
	conn := newFakeConn()
	register(t, h, conn, "w1")
	s, _ := h.Get("w1")

	require.NoError(t, s.SendAssignment(&protocol.ExecutionAssignment{
		ExecutionID: "e1",
		JobID:       "j1",
		Definition:  protocol.ExecutionDefinition{Kind: types.ContentShell, Commands: []string{"make"}},
	}))
	assert.Equal(t, types.SessionBusy, s.State())
	assert.Equal(t, types.ExecutionID("e1"), s.CurrentExecution())

	env := conn.next(t)
	assert.Equal(t, protocol.TypeExecutionAssignment, env.Type)

	conn.push(t, protocol.TypeExecutionResult, protocol.ExecutionResult{ExecutionID: "e1", Success: true})
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.results) == 1
	}, 2*time.Second, 10*time.Millisecond)

	s.FinishExecution("e1")
	assert.Equal(t, types.SessionIdle, s.State())
	assert.Equal(t, 0, s.ActiveJobs())
}

func TestCandidatesReflectCapacity(t *testing.T) {
	rec := newRecorder()
	h := NewHub(30*time.Second, rec)
	conn := newFakeConn()
	register(t, h, conn, "w1")
	s, _ := h.Get("w1")

	cands := h.Candidates()
	require.Len(t, cands, 1)
	assert.True(t, cands[0].HasCapacity())

	require.NoError(t, s.SendAssignment(&protocol.ExecutionAssignment{ExecutionID: "e1"}))
	cands = h.Candidates()
	require.Len(t, cands, 1)
	assert.False(t, cands[0].HasCapacity())

	s.Drain()
	assert.Empty(t, h.Candidates())
}

func TestAvailableWorkerPrefersIdleThenHeadroom(t *testing.T) {
	rec := newRecorder()
	h := NewHub(30*time.Second, rec)

	multi := newFakeConn()
	go func() { _ = h.Serve(multi) }()
	multi.push(t, protocol.TypeRegistrationRequest, protocol.RegistrationRequest{
		WorkerID:          "w-multi",
		WorkerName:        "w-multi",
		PoolID:            "default",
		MaxConcurrentJobs: 2,
	})
	env := multi.next(t)
	require.Equal(t, protocol.TypeRegistrationResponse, env.Type)

	sm, _ := h.Get("w-multi")
	require.NoError(t, sm.SendAssignment(&protocol.ExecutionAssignment{ExecutionID: "e1"}))
	require.Equal(t, types.SessionBusy, sm.State())

	// A BUSY session with headroom is still dispatchable.
	got, ok := h.AvailableWorker("default")
	require.True(t, ok)
	assert.Equal(t, types.WorkerID("w-multi"), got.WorkerID)

	// An IDLE session wins over the busy one.
	idle := newFakeConn()
	register(t, h, idle, "w-idle")
	got, ok = h.AvailableWorker("default")
	require.True(t, ok)
	assert.Equal(t, types.WorkerID("w-idle"), got.WorkerID)

	// At capacity on both, nothing is dispatchable.
	si, _ := h.Get("w-idle")
	require.NoError(t, si.SendAssignment(&protocol.ExecutionAssignment{ExecutionID: "e2"}))
	require.NoError(t, sm.SendAssignment(&protocol.ExecutionAssignment{ExecutionID: "e3"}))
	_, ok = h.AvailableWorker("default")
	assert.False(t, ok)

	// No session on a different pool.
	_, ok = h.AvailableWorker("other")
	assert.False(t, ok)
}

func TestReapIntervalFractionOfHeartbeat(t *testing.T) {
	h := NewHub(time.Second, newRecorder())
	assert.Equal(t, 250*time.Millisecond, h.reapInterval())

	// Never a zero ticker.
	h = NewHub(0, newRecorder())
	assert.Equal(t, time.Second, h.reapInterval())
}

func TestReaperDisconnectsSilentWorker(t *testing.T) {
	rec := newRecorder()
	interval := 100 * time.Millisecond
	h := NewHub(interval, rec)
	conn := newFakeConn()
	register(t, h, conn, "w1")
	s, _ := h.Get("w1")

	// No traffic for more than three intervals.
	h.reap(time.Now().Add(4 * interval))

	<-rec.disconnectsCh
	assert.Equal(t, "heartbeat-timeout", rec.disconnectReason("w1"))
	assert.Equal(t, types.SessionDisconnected, s.State())
	_, ok := h.Get("w1")
	assert.False(t, ok)
}

func TestSendAfterCloseIsTransportError(t *testing.T) {
	rec := newRecorder()
	h := NewHub(30*time.Second, rec)
	conn := newFakeConn()
	register(t, h, conn, "w1")
	s, _ := h.Get("w1")

	conn.Close()
	<-rec.disconnectsCh

	err := s.Send(protocol.TypeCancelExecution, protocol.CancelExecution{ExecutionID: "e1"})
	assert.True(t, errors.Is(err, types.ErrTransport))
}
