// Package coordinator drives the job lifecycle end to end: it pulls ready
// jobs from the queue, places them onto pools, reuses or provisions workers,
// dispatches assignments over live sessions, relays status and logs, and
// applies the retry policy on failure. The dispatch loop is single-flight;
// wakes from admission, worker changes and the periodic tick coalesce.
package coordinator
