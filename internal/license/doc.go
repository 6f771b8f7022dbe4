// Package license implements client-side license activation and validation
// for the aquacli desktop application. It validates a locally stored license
// against the remote registry, tolerates temporary connectivity loss through
// a bounded offline grace window, and binds each license to the machine it
// was activated on via fuzzy hardware fingerprint matching.
//
// # Architecture Overview
//
// The package is organized around a small set of collaborating pieces:
//
//   - Manager: the validation orchestrator behind the three entry points
//   - Registry: the remote license registry contract (HTTPRegistry over JSON)
//   - Matcher: weighted fuzzy comparison of hardware snapshots
//   - Grace: offline grace window and clock rollback detection
//   - ManualLimiter: daily cap on user-triggered re-checks
//   - Metrics: optional OpenTelemetry instruments
//
// Storage, hardware probing and user notification are injected as
// interfaces (store.Store, hardware.Probe, notify.Notifier) so the
// orchestration logic stays testable without a filesystem or network.
//
// # Validation Entry Points
//
// Three entry points share one state machine and one mutex:
//
//  1. ValidateStartup: blocking; the host must not proceed until it
//     resolves. Auto-recovery of lost local state runs here only.
//  2. ValidateBackground: periodic and non-blocking; skipped entirely
//     when another validation is in flight, and a connectivity failure
//     leaves the previous access decision in force.
//  3. ValidateManual: user-triggered, capped per calendar day in a fixed
//     reference timezone.
//
// Every validation attempts online verification first, regardless of how
// recently the last check succeeded, so server-side revocations propagate
// as fast as connectivity allows.
//
// # Hardware Matching
//
// Snapshots are compared component-wise with fixed weights (board 0.40,
// CPU 0.30, MAC 0.30). A component contributes its weight only when both
// sides carry a non-empty, exactly equal value; anything missing on
// either side contributes nothing.
// The aggregate score must reach the configured threshold (default 0.60),
// so any two of the three components surviving a partial hardware change
// keeps the license valid. Two entirely empty snapshots never match.
//
// # Offline Grace
//
// Each successful online validation refuels a fixed-length grace window.
// While the window is open, network-shaped failures degrade to an offline
// continuation instead of blocking the user. Grace never applies to
// revocation, expiry, hardware mismatch or clock tampering, and a system
// clock rolled back past the skew tolerance forfeits it entirely.
//
// # Failure Taxonomy
//
// Failures carry sentinel error kinds classified with errors.Is:
//
//   - ErrNotActivated, ErrHardwareMismatch, ErrExpired, ErrRevoked
//   - ErrNetworkUnavailable, ErrRegistryProtocol (grace-eligible)
//   - ErrTimeTamper, ErrRateLimited, ErrStoreUnavailable
//
// User-facing messages for network-classified failures are deliberately
// generic; internal logs carry the diagnostic detail.
package license
