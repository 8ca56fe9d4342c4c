/*
Package storage provides the repository contract for all persisted
aggregates (jobs, queued jobs, resource pools, executions, audit entries and
templates) and two realizations: a bbolt-backed durable store and an
in-memory store.

Both realizations preserve the same invariants:

  - pool names are unique; Save and Update reject a name owned by another pool
  - the default pool exists after open and cannot be deleted
  - at most one queued entry exists per job id (the entry key is the job id)
  - pool listings are ordered by name ascending

Lookups that miss return an error wrapping types.ErrNotFound; uniqueness
violations wrap types.ErrConflict.
*/
package storage
