package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hodei-pipelines/hodei/pkg/log"
	"github.com/hodei-pipelines/hodei/pkg/metrics"
	"github.com/hodei-pipelines/hodei/pkg/protocol"
	"github.com/hodei-pipelines/hodei/pkg/queue"
	"github.com/hodei-pipelines/hodei/pkg/types"
)

const staleMultiplier = 3

// Hub owns all live worker sessions. One session per worker id; a duplicate
// registration displaces the previous session.
type Hub struct {
	heartbeatInterval time.Duration
	handler           Handler

	mu       sync.RWMutex
	sessions map[types.WorkerID]*Session

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewHub creates a hub. The handler receives traffic from every session.
func NewHub(heartbeatInterval time.Duration, handler Handler) *Hub {
	return &Hub{
		heartbeatInterval: heartbeatInterval,
		handler:           handler,
		sessions:          make(map[types.WorkerID]*Session),
		stopCh:            make(chan struct{}),
	}
}

// Start launches the heartbeat reaper.
func (h *Hub) Start() {
	go h.reapLoop()
}

// Stop halts the reaper and closes every session.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })

	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[types.WorkerID]*Session)
	h.mu.Unlock()

	for _, s := range sessions {
		s.close()
		s.notifyDisconnect("shutdown")
	}
}

// Serve runs the registration handshake and then pumps the session until the
// transport drops. Blocks for the lifetime of the connection.
func (h *Hub) Serve(conn Conn) error {
	s := newSession(conn, h.handler)
	metrics.SessionsByState.WithLabelValues(string(types.SessionConnecting)).Inc()

	frame, err := conn.ReadFrame()
	if err != nil {
		s.close()
		return fmt.Errorf("registration read: %w", err)
	}
	env, err := protocol.Decode(frame)
	if err != nil || env.Type != protocol.TypeRegistrationRequest {
		_ = rejectRegistration(s, "first frame must be a registration request")
		s.close()
		return fmt.Errorf("invalid registration frame")
	}
	var req protocol.RegistrationRequest
	if err := env.Unmarshal(&req); err != nil {
		_ = rejectRegistration(s, "malformed registration request")
		s.close()
		return err
	}
	if req.WorkerID == "" {
		_ = rejectRegistration(s, "worker_id is required")
		s.close()
		return fmt.Errorf("registration without worker_id")
	}

	s.WorkerID = req.WorkerID
	s.Name = req.WorkerName
	s.PoolID = req.PoolID
	s.Capabilities = req.Capabilities
	s.MaxConcurrentJobs = req.MaxConcurrentJobs
	if s.MaxConcurrentJobs <= 0 {
		s.MaxConcurrentJobs = 1
	}
	s.Token = uuid.New().String()

	h.add(s)

	s.setState(types.SessionRegistered)
	go s.writeLoop()
	if err := s.Send(protocol.TypeRegistrationResponse, protocol.RegistrationResponse{
		Success:                  true,
		SessionToken:             s.Token,
		HeartbeatIntervalSeconds: int(h.heartbeatInterval / time.Second),
	}); err != nil {
		h.remove(s, "transport-failure")
		return err
	}
	s.setState(types.SessionIdle)

	log.WithWorkerID(string(s.WorkerID)).Info().
		Str("pool_id", string(s.PoolID)).
		Str("worker_name", s.Name).
		Msg("Worker registered")
	h.handler.OnRegistered(s)

	reason := s.readLoop()
	h.remove(s, reason)
	return nil
}

func rejectRegistration(s *Session, msg string) error {
	frame, err := protocol.Encode(protocol.TypeRegistrationResponse, protocol.RegistrationResponse{
		Success: false,
		Message: msg,
	})
	if err != nil {
		return err
	}
	return s.conn.WriteFrame(frame)
}

// add installs the session, displacing any prior session for the worker id.
func (h *Hub) add(s *Session) {
	h.mu.Lock()
	prior := h.sessions[s.WorkerID]
	h.sessions[s.WorkerID] = s
	h.mu.Unlock()

	if prior != nil {
		log.WithWorkerID(string(s.WorkerID)).Warn().Msg("Duplicate registration, displacing prior session")
		prior.notifyDisconnect("displaced")
		prior.close()
	}
}

// remove drops the session if it is still the current one for its worker id,
// then closes it and fires OnDisconnected.
func (h *Hub) remove(s *Session, reason string) {
	h.mu.Lock()
	if h.sessions[s.WorkerID] == s {
		delete(h.sessions, s.WorkerID)
	}
	h.mu.Unlock()

	s.close()
	s.notifyDisconnect(reason)
}

// Get returns the live session for a worker id.
func (h *Hub) Get(workerID types.WorkerID) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[workerID]
	return s, ok
}

// List returns all live sessions.
func (h *Hub) List() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

// Candidates projects dispatchable sessions (IDLE or below-capacity BUSY)
// into the queue's matching view. Capabilities double as affinity labels.
func (h *Hub) Candidates() []queue.CandidateWorker {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]queue.CandidateWorker, 0, len(h.sessions))
	for _, s := range h.sessions {
		switch s.State() {
		case types.SessionIdle, types.SessionBusy:
			out = append(out, queue.CandidateWorker{
				WorkerID:          s.WorkerID,
				Labels:            s.Capabilities,
				ActiveJobs:        s.ActiveJobs(),
				MaxConcurrentJobs: s.MaxConcurrentJobs,
			})
		}
	}
	return out
}

// AvailableWorker returns a dispatchable session on the given pool: an IDLE
// one when present, otherwise the BUSY session with the most remaining
// concurrency headroom.
func (h *Hub) AvailableWorker(poolID types.PoolID) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var best *Session
	bestHeadroom := 0
	for _, s := range h.sessions {
		if s.PoolID != poolID {
			continue
		}
		switch s.State() {
		case types.SessionIdle:
			return s, true
		case types.SessionBusy:
			if headroom := s.MaxConcurrentJobs - s.ActiveJobs(); headroom > bestHeadroom {
				best = s
				bestHeadroom = headroom
			}
		}
	}
	return best, best != nil
}

// reapInterval is the reaper's tick: a quarter of the heartbeat interval, so
// a silent session is flagged shortly after the 3x cutoff rather than a full
// interval later.
func (h *Hub) reapInterval() time.Duration {
	tick := h.heartbeatInterval / 4
	if tick <= 0 {
		tick = time.Second
	}
	return tick
}

// reapLoop marks sessions DISCONNECTED after 3x the heartbeat interval with
// no inbound traffic.
func (h *Hub) reapLoop() {
	ticker := time.NewTicker(h.reapInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.reap(time.Now())
		case <-h.stopCh:
			return
		}
	}
}

func (h *Hub) reap(now time.Time) {
	cutoff := now.Add(-staleMultiplier * h.heartbeatInterval)

	h.mu.Lock()
	var stale []*Session
	for _, s := range h.sessions {
		if s.LastSeen().Before(cutoff) {
			stale = append(stale, s)
		}
	}
	for _, s := range stale {
		delete(h.sessions, s.WorkerID)
	}
	h.mu.Unlock()

	for _, s := range stale {
		log.WithWorkerID(string(s.WorkerID)).Warn().
			Time("last_seen", s.LastSeen()).
			Msg("Reaping stale worker session")
		metrics.SessionsReapedTotal.Inc()
		s.close()
		s.notifyDisconnect("heartbeat-timeout")
	}
}
