package errors

import (
	stderrors "errors"
	"net/http"

	"aquacli/internal/license"
)

// License error envelopes. Messages for network-classified failures stay
// generic; the caller substitutes the orchestrator's user-facing message
// where one exists.
var (
	ErrLicenseNotActivated = New(http.StatusNotFound, "LICENSE_NOT_ACTIVATED", "No license has been activated")
	ErrLicenseRevoked      = New(http.StatusForbidden, "LICENSE_REVOKED", "License has been revoked")
	ErrLicenseExpired      = New(http.StatusForbidden, "LICENSE_EXPIRED", "License has expired")
	ErrHardwareMismatch    = New(http.StatusForbidden, "HARDWARE_MISMATCH", "License is bound to different hardware")
	ErrClockTamper         = New(http.StatusForbidden, "CLOCK_INCONSISTENCY", "System clock inconsistency detected")
	ErrVerifyRateLimited   = New(http.StatusTooManyRequests, "VERIFY_RATE_LIMITED", "Daily manual verification limit reached")
	ErrRegistryUnreachable = New(http.StatusServiceUnavailable, "REGISTRY_UNREACHABLE", "Unable to verify license")
)

// FromLicenseError maps a validation failure kind to its HTTP envelope.
// The message argument, when non-empty, overrides the envelope's default
// so the API surfaces the same wording the orchestrator chose.
func FromLicenseError(err error, message string) *APIError {
	var base *APIError
	switch {
	case stderrors.Is(err, license.ErrNotActivated):
		base = ErrLicenseNotActivated
	case stderrors.Is(err, license.ErrRevoked):
		base = ErrLicenseRevoked
	case stderrors.Is(err, license.ErrExpired):
		base = ErrLicenseExpired
	case stderrors.Is(err, license.ErrHardwareMismatch):
		base = ErrHardwareMismatch
	case stderrors.Is(err, license.ErrTimeTamper):
		base = ErrClockTamper
	case stderrors.Is(err, license.ErrRateLimited):
		base = ErrVerifyRateLimited
	case stderrors.Is(err, license.ErrNetworkUnavailable), stderrors.Is(err, license.ErrRegistryProtocol):
		base = ErrRegistryUnreachable
	case stderrors.Is(err, license.ErrStoreUnavailable):
		base = ErrInternalServer
	default:
		base = ErrInternalServer
	}

	cp := *base
	if message != "" {
		cp.Message = message
	}
	return &cp
}
