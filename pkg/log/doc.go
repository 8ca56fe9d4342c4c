// Package log provides structured logging for all Hodei components, built on
// zerolog. Call Init once at startup, then derive component- or entity-scoped
// child loggers with WithComponent, WithJobID, WithPoolID, WithWorkerID and
// WithExecutionID.
package log
