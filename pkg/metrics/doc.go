// Package metrics exposes Prometheus instrumentation for the orchestration
// engine: queue depth, job and session state gauges, event-bus drop counters,
// placement and provisioning latencies, artifact cache activity and admin API
// request metrics. All collectors are registered at init; mount Handler() on
// the admin mux to serve them.
package metrics
