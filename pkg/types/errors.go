package types

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced to callers as-is.
var (
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("conflict")
	ErrIntegrity = errors.New("integrity check failed")
	ErrTransport = errors.New("transport lost")
)

// ValidationError rejects bad input at the boundary.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// BusinessRuleError reports a state-machine or domain-rule violation.
type BusinessRuleError struct {
	Entity string
	ID     string
	Rule   string
}

func (e *BusinessRuleError) Error() string {
	return fmt.Sprintf("business rule violation on %s %s: %s", e.Entity, e.ID, e.Rule)
}

// ProvisioningErrorKind classifies driver-side failures.
type ProvisioningErrorKind string

const (
	ProvisioningPoolNotFound         ProvisioningErrorKind = "PoolNotFound"
	ProvisioningInsufficientCapacity ProvisioningErrorKind = "InsufficientCapacity"
	ProvisioningBackendUnavailable   ProvisioningErrorKind = "BackendUnavailable"
	ProvisioningQuotaExceeded        ProvisioningErrorKind = "QuotaExceeded"
	ProvisioningTimeout              ProvisioningErrorKind = "Timeout"
	ProvisioningBadSpec              ProvisioningErrorKind = "BadSpec"
)

// ProvisioningError is a driver-side failure with a classified kind.
type ProvisioningError struct {
	Kind  ProvisioningErrorKind
	Pool  PoolID
	Cause error
}

func (e *ProvisioningError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("provisioning failed (%s) on pool %s: %v", e.Kind, e.Pool, e.Cause)
	}
	return fmt.Sprintf("provisioning failed (%s) on pool %s", e.Kind, e.Pool)
}

func (e *ProvisioningError) Unwrap() error { return e.Cause }

// Retryable reports whether the failure is transient and the job may be
// re-queued.
func (e *ProvisioningError) Retryable() bool {
	switch e.Kind {
	case ProvisioningInsufficientCapacity, ProvisioningBackendUnavailable, ProvisioningTimeout:
		return true
	}
	return false
}

// IsRetryable classifies an arbitrary error for the coordinator's retry
// policy: transport loss and transient provisioning failures qualify.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrTransport) {
		return true
	}
	var pe *ProvisioningError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}
