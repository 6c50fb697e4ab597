/*
errors.go - domain error to HTTP status mapping

PURPOSE:
  Every handler funnels its error return through writeDomainError, which
  classifies it with the rebate package's Is* helpers and picks a status
  code, rather than each handler guessing its own status per call site.
*/
package api

import (
	"errors"
	"net/http"

	"github.com/pharmaverif/rebate-engine/rebate"
)

// statusFor maps a domain error to an HTTP status code. nil maps to 200
// by convention of its caller never invoking this for a nil error.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case rebate.IsNotFound(err):
		return http.StatusNotFound
	case errors.As(err, new(*rebate.CrossTenantAccessError)):
		// Surfaces as 404, not 403: a tenant probing another tenant's IDs
		// must not be able to tell "exists, not yours" from "doesn't exist".
		return http.StatusNotFound
	case rebate.IsInvariantViolation(err):
		return http.StatusConflict
	case rebate.IsRetryable(err):
		return http.StatusServiceUnavailable
	case rebate.IsClientError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// codeFor returns the stable machine-readable error code carried in the
// error envelope's "error" field, independent of the HTTP status.
func codeFor(err error) string {
	switch {
	case errors.Is(err, rebate.ErrNoActiveAgreement):
		return "no_active_agreement"
	case errors.Is(err, rebate.ErrAgreementNotFound):
		return "agreement_not_found"
	case errors.Is(err, rebate.ErrScheduleNotFound):
		return "schedule_not_found"
	case errors.As(err, new(*rebate.InvalidConfigError)):
		return "invalid_config"
	case errors.As(err, new(*rebate.CrossTenantAccessError)):
		return "cross_tenant_access"
	case errors.As(err, new(*rebate.InvariantViolationError)):
		return "invariant_violation"
	case errors.As(err, new(*rebate.StaleReadError)):
		return "stale_read"
	case errors.Is(err, rebate.ErrParseFailure):
		return "parse_failure"
	default:
		return "internal_error"
	}
}

// writeDomainError writes the {error: <code>, message, details} envelope,
// deriving status and code from err itself so handlers never have to
// pick a status by hand.
func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), codeFor(err), err.Error(), nil)
}
