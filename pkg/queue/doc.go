// Package queue holds admitted jobs until a matching worker is available.
//
// The queue keeps at most one entry per job id and is bounded by a configured
// max size. NextJob ranks entries at call time under the configured strategy
// (PRIORITY_BASED, FIFO or DEADLINE), so age and deadline boosts are always
// current. Entries re-admitted by Retry carry a future QueuedAt and are
// invisible to NextJob until their backoff elapses.
package queue
