package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hodei-pipelines/hodei/pkg/types"
)

func TestPublishSubscribe(t *testing.T) {
	b := NewBroker()
	sub := b.SubscribeAll()
	defer sub.Close()

	b.Publish(Event{Kind: JobQueued, JobID: types.JobID("j1")})

	select {
	case e := <-sub.C:
		assert.Equal(t, JobQueued, e.Kind)
		assert.Equal(t, types.JobID("j1"), e.JobID)
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestKindFiltering(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe(JobFailed)
	defer sub.Close()

	b.Publish(Event{Kind: JobQueued, JobID: "j1"})
	b.Publish(Event{Kind: JobFailed, JobID: "j2"})

	e := <-sub.C
	assert.Equal(t, JobFailed, e.Kind)
	assert.Equal(t, types.JobID("j2"), e.JobID)
	assert.Empty(t, sub.C)
}

func TestOrderPreservedPerProducer(t *testing.T) {
	b := NewBroker()
	sub := b.SubscribeAll()
	defer sub.Close()

	for i := 0; i < 10; i++ {
		b.Publish(Event{Kind: JobQueued, Message: string(rune('a' + i))})
	}

	for i := 0; i < 10; i++ {
		e := <-sub.C
		assert.Equal(t, string(rune('a'+i)), e.Message)
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	b := NewBrokerWithBuffer(3)
	sub := b.SubscribeAll()
	defer sub.Close()

	for i := 0; i < 5; i++ {
		b.Publish(Event{Kind: JobQueued, Message: string(rune('a' + i))})
	}

	require.Equal(t, uint64(2), sub.Dropped())

	// Oldest two were evicted; the backlog holds c, d, e.
	assert.Equal(t, "c", (<-sub.C).Message)
	assert.Equal(t, "d", (<-sub.C).Message)
	assert.Equal(t, "e", (<-sub.C).Message)
}

func TestCloseRemovesSubscriber(t *testing.T) {
	b := NewBroker()
	sub := b.SubscribeAll()
	require.Equal(t, 1, b.SubscriberCount())

	sub.Close()
	assert.Equal(t, 0, b.SubscriberCount())

	// Publishing after close must not panic.
	b.Publish(Event{Kind: JobQueued})
}
