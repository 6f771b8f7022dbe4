package license

import (
	"errors"
	"fmt"
)

// Sentinel errors for the validation failure taxonomy. Callers classify
// with errors.Is; the orchestrator decides per kind whether an offline
// grace downgrade is ever permitted.
var (
	// ErrNotActivated means no license record exists locally
	ErrNotActivated = errors.New("license not activated")
	// ErrHardwareMismatch means the bound hardware does not match this machine
	ErrHardwareMismatch = errors.New("hardware mismatch")
	// ErrExpired means the license expiry date has passed
	ErrExpired = errors.New("license expired")
	// ErrRevoked means the registry explicitly revoked the license
	ErrRevoked = errors.New("license revoked")
	// ErrNetworkUnavailable covers timeouts, transport and server errors
	// after the retry policy is exhausted. The only grace-eligible kind.
	ErrNetworkUnavailable = errors.New("license server unreachable")
	// ErrTimeTamper means the system clock moved backward past tolerance
	ErrTimeTamper = errors.New("system clock tampering detected")
	// ErrRateLimited means the manual verification cap was hit
	ErrRateLimited = errors.New("manual verification limit reached")
	// ErrRegistryProtocol means the registry answered with something we
	// cannot interpret. Treated like a network failure for grace purposes
	// but logged distinctly.
	ErrRegistryProtocol = errors.New("unexpected license server response")
	// ErrStoreUnavailable means local persistence failed. Fatal to the
	// attempt; never silently grants access.
	ErrStoreUnavailable = errors.New("license store unavailable")
)

// graceEligible reports whether a failure kind may be downgraded to an
// offline-grace continuation. Only network-shaped failures qualify;
// revocation, expiry, mismatch and tampering are always hard.
func graceEligible(err error) bool {
	return errors.Is(err, ErrNetworkUnavailable) || errors.Is(err, ErrRegistryProtocol)
}

// storeErr wraps a persistence failure with the ErrStoreUnavailable kind
func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}
