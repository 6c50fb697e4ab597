/*
errors.go - Centralized error types for the rebate/verification domain

PURPOSE:
  All error types in one place for consistency and discoverability.
  The transport layer should wrap these with HTTP-specific context, never
  the other way around.

ERROR CATEGORIES:
  1. Agreement lookup / invariant errors
  2. Configuration validation errors
  3. Tenant isolation errors
  4. Recompute concurrency errors

SEE ALSO:
  - engine.go, verify.go, agreement.go, emac.go: producers
  - api/errors.go: HTTP status mapping
*/
package rebate

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNoActiveAgreement means no agreement is active for (tenant, lab).
	// This is informational, not a user-facing error.
	ErrNoActiveAgreement = errors.New("no active agreement")

	// ErrInvalidConfig means agreement_config failed validation.
	ErrInvalidConfig = errors.New("invalid agreement config")

	// ErrCrossTenantAccess means a load returned a row of another tenant.
	ErrCrossTenantAccess = errors.New("cross-tenant access")

	// ErrInvariantViolation means a transactional invariant would be broken.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrStaleRead means the underlying row changed mid-compute.
	ErrStaleRead = errors.New("stale read, retry")

	// ErrParseFailure originates from the external ingestion collaborator.
	ErrParseFailure = errors.New("parse failure")

	// ErrScheduleNotFound means no schedule row exists for the given id.
	ErrScheduleNotFound = errors.New("schedule not found")

	// ErrAgreementNotFound means no agreement row exists for the given id.
	ErrAgreementNotFound = errors.New("agreement not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidConfigError explains which part of agreement_config failed.
type InvalidConfigError struct {
	Field  string
	Reason string
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid config field %q: %s", e.Field, e.Reason)
}

func (e *InvalidConfigError) Unwrap() error { return ErrInvalidConfig }

// CrossTenantAccessError records which tenant attempted which access.
type CrossTenantAccessError struct {
	RequestingTenant TenantID
	OwningTenant     TenantID
	EntityKind       string
	EntityID         string
}

func (e *CrossTenantAccessError) Error() string {
	return fmt.Sprintf("tenant %s cannot access %s %s (owned by %s)",
		e.RequestingTenant, e.EntityKind, e.EntityID, e.OwningTenant)
}

func (e *CrossTenantAccessError) Unwrap() error { return ErrCrossTenantAccess }

// InvariantViolationError names the invariant that would have broken.
type InvariantViolationError struct {
	Invariant string
	Detail    string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant %q violated: %s", e.Invariant, e.Detail)
}

func (e *InvariantViolationError) Unwrap() error { return ErrInvariantViolation }

// StaleReadError carries the entity and versions observed.
type StaleReadError struct {
	EntityKind     string
	ExpectedVersion int
	ActualVersion   int
}

func (e *StaleReadError) Error() string {
	return fmt.Sprintf("%s changed during compute: expected version %d, found %d",
		e.EntityKind, e.ExpectedVersion, e.ActualVersion)
}

func (e *StaleReadError) Unwrap() error { return ErrStaleRead }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStaleRead)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidConfig)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrScheduleNotFound) ||
		errors.Is(err, ErrAgreementNotFound) ||
		errors.Is(err, ErrNoActiveAgreement)
}

// IsInvariantViolation returns true if an invariant would have been broken.
func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrInvariantViolation)
}
