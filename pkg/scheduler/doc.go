// Package scheduler places jobs onto resource pools. Active pools are probed
// concurrently through per-pool-type resource monitors, filtered by the job's
// cpu/memory/max-jobs requirements, and the configured strategy (roundrobin,
// greedy, leastloaded or binpacking) picks among the survivors.
package scheduler
