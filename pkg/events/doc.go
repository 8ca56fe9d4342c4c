/*
Package events implements the in-process domain event bus.

Lifecycle observers (audit, metrics) subscribe to a Broker, optionally
filtered by kind:

	sub := broker.Subscribe(events.JobCompleted, events.JobFailed)
	defer sub.Close()
	for e := range sub.C {
		// handle
	}

Each subscription owns a bounded backlog (1000 events by default). A slow
subscriber never blocks a publisher: when the backlog is full the oldest
event is evicted and counted on the subscription and on the
hodei_events_dropped_total metric. Publication order is preserved per
producer; no ordering is guaranteed across producers.
*/
package events
