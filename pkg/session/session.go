package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/hodei-pipelines/hodei/pkg/log"
	"github.com/hodei-pipelines/hodei/pkg/metrics"
	"github.com/hodei-pipelines/hodei/pkg/protocol"
	"github.com/hodei-pipelines/hodei/pkg/types"
)

// Conn is the framed transport under a session. The websocket adapter in this
// package is the production implementation; tests supply in-memory pipes.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
}

// Handler receives decoded worker traffic. Callbacks run on the session's
// read goroutine; implementations must not block for long.
type Handler interface {
	OnRegistered(s *Session)
	OnHeartbeat(s *Session, hb *protocol.Heartbeat)
	OnStatusUpdate(s *Session, su *protocol.StatusUpdate)
	OnLogChunk(s *Session, lc *protocol.LogChunk)
	OnExecutionResult(s *Session, res *protocol.ExecutionResult)
	OnArtifactCacheQuery(s *Session, q *protocol.ArtifactCacheQuery)
	// OnDisconnected fires exactly once, after the session left the hub.
	OnDisconnected(s *Session, reason string)
}

const sendBuffer = 64

// Session is one worker's live connection and protocol state. The send
// direction is owned by a single writer goroutine; all producers go through
// Send, which serializes at the channel boundary.
type Session struct {
	WorkerID          types.WorkerID
	Name              string
	PoolID            types.PoolID
	Capabilities      map[string]string
	MaxConcurrentJobs int
	Token             string

	conn    Conn
	handler Handler

	sendCh     chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	notifyOnce sync.Once

	mu               sync.Mutex
	state            types.SessionState
	activeJobs       int
	lastSeen         time.Time
	currentExecution types.ExecutionID
}

func newSession(conn Conn, handler Handler) *Session {
	return &Session{
		conn:     conn,
		handler:  handler,
		sendCh:   make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		state:    types.SessionConnecting,
		lastSeen: time.Now(),
	}
}

// State returns the current protocol state.
func (s *Session) State() types.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(next types.SessionState) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev != next {
		metrics.SessionsByState.WithLabelValues(string(prev)).Dec()
		metrics.SessionsByState.WithLabelValues(string(next)).Inc()
	}
}

// ActiveJobs returns the number of executions bound to this session.
func (s *Session) ActiveJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeJobs
}

// CurrentExecution returns the in-flight execution id, if any.
func (s *Session) CurrentExecution() types.ExecutionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentExecution
}

// LastSeen returns the time of the last frame received from the worker.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// Send encodes and queues a frame for the writer goroutine. Returns
// ErrTransport when the session is closed or the send buffer is full.
func (s *Session) Send(t protocol.MessageType, payload any) error {
	frame, err := protocol.Encode(t, payload)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return fmt.Errorf("session %s: %w", s.WorkerID, types.ErrTransport)
	case s.sendCh <- frame:
		return nil
	default:
		return fmt.Errorf("session %s send buffer full: %w", s.WorkerID, types.ErrTransport)
	}
}

// SendAssignment dispatches an execution and moves the session to BUSY.
func (s *Session) SendAssignment(a *protocol.ExecutionAssignment) error {
	if err := s.Send(protocol.TypeExecutionAssignment, a); err != nil {
		return err
	}
	s.mu.Lock()
	s.activeJobs++
	s.currentExecution = a.ExecutionID
	s.mu.Unlock()
	s.setState(types.SessionBusy)
	return nil
}

// FinishExecution releases the session back to IDLE (or keeps DRAINING).
func (s *Session) FinishExecution(id types.ExecutionID) {
	s.mu.Lock()
	if s.activeJobs > 0 {
		s.activeJobs--
	}
	if s.currentExecution == id {
		s.currentExecution = ""
	}
	idle := s.activeJobs == 0
	draining := s.state == types.SessionDraining
	s.mu.Unlock()

	if idle && !draining {
		s.setState(types.SessionIdle)
	}
}

// Drain stops new assignments; a BUSY worker finishes its current execution.
func (s *Session) Drain() {
	s.setState(types.SessionDraining)
}

// Close tears the session down once. reason is surfaced to OnDisconnected by
// the hub.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
		s.setState(types.SessionDisconnected)
	})
}

// notifyDisconnect fires the handler's OnDisconnected at most once; the first
// reason wins.
func (s *Session) notifyDisconnect(reason string) {
	s.notifyOnce.Do(func() {
		s.handler.OnDisconnected(s, reason)
	})
}

// writeLoop is the single owner of the send direction.
func (s *Session) writeLoop() {
	for {
		select {
		case frame := <-s.sendCh:
			if err := s.conn.WriteFrame(frame); err != nil {
				log.WithWorkerID(string(s.WorkerID)).Debug().Err(err).Msg("Session write failed")
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// readLoop decodes inbound frames and dispatches them to the handler. Any
// frame counts as liveness traffic.
func (s *Session) readLoop() (reason string) {
	for {
		frame, err := s.conn.ReadFrame()
		if err != nil {
			select {
			case <-s.done:
				return "closed"
			default:
				return "transport-failure"
			}
		}
		s.touch()

		env, err := protocol.Decode(frame)
		if err != nil {
			log.WithWorkerID(string(s.WorkerID)).Warn().Err(err).Msg("Dropping malformed frame")
			continue
		}

		switch env.Type {
		case protocol.TypeHeartbeat:
			var hb protocol.Heartbeat
			if err := env.Unmarshal(&hb); err == nil {
				metrics.HeartbeatsTotal.Inc()
				s.handler.OnHeartbeat(s, &hb)
			}
		case protocol.TypeStatusUpdate:
			var su protocol.StatusUpdate
			if err := env.Unmarshal(&su); err == nil {
				s.handler.OnStatusUpdate(s, &su)
			}
		case protocol.TypeLogChunk:
			var lc protocol.LogChunk
			if err := env.Unmarshal(&lc); err == nil {
				s.handler.OnLogChunk(s, &lc)
			}
		case protocol.TypeExecutionResult:
			var res protocol.ExecutionResult
			if err := env.Unmarshal(&res); err == nil {
				s.handler.OnExecutionResult(s, &res)
			}
		case protocol.TypeArtifactCacheQuery:
			var q protocol.ArtifactCacheQuery
			if err := env.Unmarshal(&q); err == nil {
				s.handler.OnArtifactCacheQuery(s, &q)
			}
		default:
			log.WithWorkerID(string(s.WorkerID)).Debug().
				Str("type", string(env.Type)).
				Msg("Ignoring unknown frame type")
		}
	}
}
