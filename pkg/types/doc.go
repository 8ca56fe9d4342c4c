/*
Package types defines the Hodei domain model: jobs and their lifecycle state
machine, queued-job entries with derived effective priority, resource pools
and utilization samples, worker instances and sessions, executions, cached
artifacts, and the error kinds shared across the orchestration engine.

All identifiers are opaque strings compared by value; the core never parses
them. Status enums are string-typed so they serialize cleanly into both the
repository layer and the wire protocol.

Job status transitions are validated centrally:

	if err := job.TransitionTo(types.JobStatusRunning); err != nil {
		var bre *types.BusinessRuleError
		if errors.As(err, &bre) {
			// rejected: invalid move
		}
	}

The allowed set is PENDING→{QUEUED,CANCELLED}, QUEUED→{RUNNING,CANCELLED},
RUNNING→{COMPLETED,FAILED,CANCELLED,QUEUED}, FAILED→{QUEUED}; COMPLETED and
CANCELLED are terminal. RUNNING→QUEUED exists solely for retry re-admission.
*/
package types
