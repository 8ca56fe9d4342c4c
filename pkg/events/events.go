package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hodei-pipelines/hodei/pkg/metrics"
	"github.com/hodei-pipelines/hodei/pkg/types"
)

// Kind represents the type of domain event
type Kind string

const (
	JobQueued              Kind = "job.queued"
	JobStarted             Kind = "job.started"
	JobCompleted           Kind = "job.completed"
	JobFailed              Kind = "job.failed"
	JobCancelled           Kind = "job.cancelled"
	WorkerRegistered       Kind = "worker.registered"
	WorkerDisconnected     Kind = "worker.disconnected"
	PoolUtilizationChanged Kind = "pool.utilization_changed"
	AssignmentDispatched   Kind = "assignment.dispatched"
)

// Event is an immutable domain event record. It carries identifiers and a
// timestamp; no behavior.
type Event struct {
	ID          string            `json:"id"`
	Kind        Kind              `json:"kind"`
	Timestamp   time.Time         `json:"timestamp"`
	JobID       types.JobID       `json:"job_id,omitempty"`
	PoolID      types.PoolID      `json:"pool_id,omitempty"`
	WorkerID    types.WorkerID    `json:"worker_id,omitempty"`
	ExecutionID types.ExecutionID `json:"execution_id,omitempty"`
	Message     string            `json:"message,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// DefaultBufferSize bounds each subscriber's backlog.
const DefaultBufferSize = 1000

// Subscription is a registered event consumer. Events arrive on C in
// publication order; when the backlog exceeds the buffer size the oldest
// events are dropped and counted.
type Subscription struct {
	C      chan Event
	kinds  map[Kind]bool
	broker *Broker

	mu      sync.Mutex
	dropped uint64
	closed  bool
}

// Dropped returns the number of events dropped on this subscription.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close removes the subscription from the broker.
func (s *Subscription) Close() {
	s.broker.unsubscribe(s)
}

func (s *Subscription) wants(kind Kind) bool {
	return len(s.kinds) == 0 || s.kinds[kind]
}

// deliver pushes an event, evicting the oldest entry when the buffer is full.
func (s *Subscription) deliver(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.C <- e:
			return
		default:
		}
		select {
		case <-s.C:
			s.dropped++
			metrics.EventsDroppedTotal.Inc()
		default:
		}
	}
}

// Broker fans domain events out to subscribers in-process. Delivery is
// best-effort; publication order is preserved per producer.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[*Subscription]bool
	bufferSize  int
}

// NewBroker creates a broker with the default per-subscriber buffer.
func NewBroker() *Broker {
	return NewBrokerWithBuffer(DefaultBufferSize)
}

// NewBrokerWithBuffer creates a broker with a custom per-subscriber buffer.
func NewBrokerWithBuffer(size int) *Broker {
	if size < 1 {
		size = 1
	}
	return &Broker{
		subscribers: make(map[*Subscription]bool),
		bufferSize:  size,
	}
}

// Subscribe registers a consumer for the given kinds. No kinds means all.
func (b *Broker) Subscribe(kinds ...Kind) *Subscription {
	sub := &Subscription{
		C:      make(chan Event, b.bufferSize),
		broker: b,
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[sub] = true
	return sub
}

// SubscribeAll registers a consumer for every event kind.
func (b *Broker) SubscribeAll() *Subscription {
	return b.Subscribe()
}

func (b *Broker) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subscribers, sub)
	b.mu.Unlock()

	sub.mu.Lock()
	if !sub.closed {
		sub.closed = true
		close(sub.C)
	}
	sub.mu.Unlock()
}

// Publish delivers an event to all matching subscribers. The event id and
// timestamp are stamped if unset.
func (b *Broker) Publish(event Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	metrics.EventsPublishedTotal.WithLabelValues(string(event.Kind)).Inc()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		if sub.wants(event.Kind) {
			sub.deliver(event)
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
