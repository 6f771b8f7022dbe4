package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"aquacli/internal/config"
	"aquacli/internal/hardware"
	"aquacli/internal/notify"
	"aquacli/internal/store"
)

// User-facing messages. Network-classified failures stay deliberately
// generic; revoked/expired/mismatch are specific enough to guide
// remediation.
const (
	msgValid        = "License valid"
	msgNotActivated = "No license has been activated. Please activate a license to continue."
	msgUnable       = "Unable to verify license. Please check your internet connection and try again."
	msgRevoked      = "Your license has been revoked. Please contact support."
	msgMismatch     = "This license is registered to a different machine. Please contact support."
	msgTamper       = "System clock inconsistency detected. Please correct your system time and connect to the internet."
	msgRateLimited  = "Daily manual verification limit reached. Please try again tomorrow."
	msgCheckSkipped = "License check skipped"
)

// Result is the outcome of one validation entry point
type Result struct {
	Valid   bool
	Message string
	Expiry  *time.Time
	// Offline is set when validity comes from the grace window rather
	// than a fresh online check
	Offline bool
}

// VerificationStatus describes the manual-check budget for status surfaces
type VerificationStatus struct {
	Count          int           `json:"count"`
	Limit          int           `json:"limit"`
	CanVerify      bool          `json:"can_verify"`
	TimeUntilReset time.Duration `json:"time_until_reset"`
}

// Manager is the validation orchestrator. It is constructed once at
// startup with all collaborators injected and serializes the three entry
// points over the single local license record.
type Manager struct {
	cfg      config.LicenseConfig
	retry    config.RegistryConfig
	store    store.Store
	registry Registry
	probe    hardware.Probe
	notifier notify.Notifier
	limiter  *ManualLimiter
	metrics  *Metrics
	logger   *slog.Logger

	// now is the clock source; tests substitute it
	now func() time.Time

	// mu serializes startup/background/manual validation so two entry
	// points never race a read-mutate-persist sequence on the record
	mu sync.Mutex
}

// NewManager creates the validation orchestrator
func NewManager(cfg *config.Config, st store.Store, reg Registry, probe hardware.Probe,
	notifier notify.Notifier, logger *slog.Logger) *Manager {

	return &Manager{
		cfg:      cfg.License,
		retry:    cfg.Registry,
		store:    st,
		registry: reg,
		probe:    probe,
		notifier: notifier,
		limiter:  NewManualLimiter(cfg.License.ManualChecksPerDay, cfg.ReferenceLocation()),
		logger:   logger.With(slog.String("component", "license_manager")),
		now:      time.Now,
	}
}

// SetMetrics attaches OpenTelemetry instruments. Optional; the manager
// is fully functional without them.
func (m *Manager) SetMetrics(metrics *Metrics) {
	m.metrics = metrics
}

// ValidateStartup runs the blocking startup validation. The host must not
// proceed until it resolves. Auto-recovery runs here, and only here, when
// no local record exists.
func (m *Manager) ValidateStartup(ctx context.Context) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validate(ctx, store.CheckStartup)
}

// ValidateBackground runs the periodic non-blocking validation. If
// another validation is already in flight the check is skipped and the
// previous access decision stays in force.
func (m *Manager) ValidateBackground(ctx context.Context) (*Result, error) {
	if !m.mu.TryLock() {
		return &Result{Valid: true, Message: msgCheckSkipped}, nil
	}
	defer m.mu.Unlock()
	return m.validate(ctx, store.CheckBackground)
}

// ValidateManual runs a user-triggered re-check, capped per reference day
func (m *Manager) ValidateManual(ctx context.Context) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	rec, err := m.store.GetLatest(ctx)
	if errors.Is(err, store.ErrNoRecord) {
		m.audit(ctx, nil, store.CheckManual, "not_activated", msgNotActivated)
		return &Result{Message: msgNotActivated}, ErrNotActivated
	}
	if err != nil {
		return &Result{Message: msgUnable}, storeErr("load record", err)
	}

	if !m.limiter.Allowed(rec, now) {
		m.audit(ctx, &rec.ID, store.CheckManual, "rate_limited", msgRateLimited)
		return &Result{Message: msgRateLimited}, ErrRateLimited
	}
	m.limiter.RecordAttempt(rec, now)
	if err := m.store.Upsert(ctx, rec); err != nil {
		return &Result{Message: msgUnable}, storeErr("persist manual counter", err)
	}

	return m.validate(ctx, store.CheckManual)
}

// validate is the shared state machine behind the three entry points.
// Callers hold m.mu.
func (m *Manager) validate(ctx context.Context, checkType string) (*Result, error) {
	start := m.now()
	res, err := m.validateLocked(ctx, checkType)

	outcome := "valid"
	if err != nil {
		outcome = "invalid"
	} else if res.Offline {
		outcome = "offline_grace"
	}
	m.metrics.recordValidation(ctx, checkType, outcome, m.now().Sub(start))
	return res, err
}

func (m *Manager) validateLocked(ctx context.Context, checkType string) (*Result, error) {
	now := m.now()

	rec, err := m.store.GetLatest(ctx)
	if errors.Is(err, store.ErrNoRecord) {
		if checkType != store.CheckStartup {
			m.audit(ctx, nil, checkType, "not_activated", msgNotActivated)
			return &Result{Message: msgNotActivated}, ErrNotActivated
		}

		recovered, blocking, recErr := m.tryAutoRecover(ctx)
		if recErr != nil {
			m.logger.ErrorContext(ctx, "Auto-recovery failed",
				slog.String("error", recErr.Error()),
			)
		}
		if blocking != "" {
			m.audit(ctx, nil, checkType, "revoked", blocking)
			return &Result{Message: blocking}, ErrRevoked
		}
		if !recovered {
			m.audit(ctx, nil, checkType, "not_activated", msgNotActivated)
			return &Result{Message: msgNotActivated}, ErrNotActivated
		}

		rec, err = m.store.GetLatest(ctx)
		if err != nil {
			return &Result{Message: msgUnable}, storeErr("reload recovered record", err)
		}
	} else if err != nil {
		return &Result{Message: msgUnable}, storeErr("load record", err)
	}

	// Revoked state is sticky: only a successful online re-activation can
	// clear it, so short of that we fail closed before doing anything else.
	if rec.Status == store.StatusRevoked {
		m.audit(ctx, &rec.ID, checkType, "revoked", msgRevoked)
		return &Result{Message: msgRevoked}, ErrRevoked
	}

	// Hardware check, or one-time bind completion for a freshly recovered
	// record that carries no snapshot yet.
	if res, err := m.checkHardware(ctx, rec, checkType); err != nil {
		return res, err
	}

	// Local expiry check by calendar date; no grace applies to expiry
	if rec.ExpiresAt != nil && dateBefore(*rec.ExpiresAt, now) {
		rec.Status = store.StatusExpired
		if err := m.store.Upsert(ctx, rec); err != nil {
			return &Result{Message: msgUnable}, storeErr("persist expired status", err)
		}
		msg := expiredMessage(*rec.ExpiresAt)
		m.audit(ctx, &rec.ID, checkType, "expired", msg)
		m.notifier.LicenseExpired(ctx, rec.LicenseKey, *rec.ExpiresAt)
		return &Result{Message: msg}, ErrExpired
	}

	// Always attempt online validation so revocations propagate as fast
	// as possible, no matter how recently the last check succeeded.
	snap, probeErr := m.probe.Capture()
	if probeErr != nil {
		m.logger.WarnContext(ctx, "Validating without hardware identifiers",
			slog.String("error", probeErr.Error()),
		)
	}
	status, netErr := validateWithRetry(ctx, m.registry, rec.LicenseKey, snap,
		m.retry.MaxAttempts, m.retry.RetryDelay, m.logger)

	if netErr != nil {
		return m.handleOnlineFailure(ctx, rec, checkType, netErr, now)
	}
	return m.handleOnlineAnswer(ctx, rec, checkType, status, now)
}

// checkHardware performs the bind-or-match step. Returns a non-nil error
// when validation must stop.
func (m *Manager) checkHardware(ctx context.Context, rec *store.LicenseRecord, checkType string) (*Result, error) {
	stored, err := rec.Hardware()
	if err != nil {
		return &Result{Message: msgUnable}, storeErr("decode stored hardware", err)
	}

	current, probeErr := m.probe.Capture()
	if stored.IsEmpty() {
		// Background checks tolerate a missing binding as pending; the
		// startup path completes it.
		if checkType == store.CheckBackground {
			return nil, nil
		}
		if probeErr != nil || current.IsEmpty() {
			m.logger.WarnContext(ctx, "Hardware binding deferred, no identifiers available")
			return nil, nil
		}
		if err := rec.SetHardware(current); err != nil {
			return &Result{Message: msgUnable}, storeErr("bind hardware", err)
		}
		if rec.Threshold == 0 {
			rec.Threshold = m.cfg.HardwareThreshold
		}
		if err := m.store.Upsert(ctx, rec); err != nil {
			return &Result{Message: msgUnable}, storeErr("persist hardware binding", err)
		}
		// Best effort: tell the registry about the completed binding
		if err := m.registry.PushBinding(ctx, rec.LicenseKey, current, rec.Name, rec.Email); err != nil {
			m.logger.WarnContext(ctx, "Failed to push hardware binding to registry",
				slog.String("error", err.Error()),
			)
		}
		m.logger.InfoContext(ctx, "Hardware binding completed",
			slog.String("check_type", checkType),
		)
		return nil, nil
	}

	threshold := rec.Threshold
	if threshold == 0 {
		threshold = m.cfg.HardwareThreshold
	}
	matched, score := Matches(current, stored, threshold)
	if !matched {
		// No grace ever applies to a hardware mismatch
		m.audit(ctx, &rec.ID, checkType, "hardware_mismatch", msgMismatch)
		m.notifier.TransferSuspected(ctx, rec.LicenseKey,
			fmt.Sprintf("hardware similarity %.2f below threshold %.2f", score, threshold))
		return &Result{Message: msgMismatch}, ErrHardwareMismatch
	}

	m.logger.DebugContext(ctx, "Hardware match confirmed",
		slog.Float64("score", score),
		slog.Float64("threshold", threshold),
	)
	return nil, nil
}

// handleOnlineAnswer applies an authoritative registry response
func (m *Manager) handleOnlineAnswer(ctx context.Context, rec *store.LicenseRecord, checkType string,
	status *RemoteStatus, now time.Time) (*Result, error) {

	if status.Valid {
		if rec.HasHardware() && !status.HasHardwareBinding {
			// The registry lost the binding; restore it and record the anomaly
			m.securityEvent(ctx, &rec.ID, store.EventMissingBinding,
				"registry reports no hardware binding for an activated license")
			if snap, err := rec.Hardware(); err == nil {
				if err := m.registry.PushBinding(ctx, rec.LicenseKey, snap, rec.Name, rec.Email); err != nil {
					m.logger.WarnContext(ctx, "Failed to restore hardware binding",
						slog.String("error", err.Error()),
					)
				}
			}
		}

		rec.Status = store.StatusActive
		if status.Tier != "" {
			rec.Tier = status.Tier
		}
		if status.ExpiryDate != nil {
			rec.ExpiresAt = status.ExpiryDate
		}
		RefreshGrace(rec, now, m.cfg.GraceDays)
		rec.LastCheckOnline = true
		if err := m.store.Upsert(ctx, rec); err != nil {
			return &Result{Message: msgUnable}, storeErr("persist online result", err)
		}
		m.audit(ctx, &rec.ID, checkType, "valid", msgValid)
		return &Result{Valid: true, Message: msgValid, Expiry: rec.ExpiresAt}, nil
	}

	switch status.Status {
	case store.StatusRevoked:
		rec.Status = store.StatusRevoked
		rec.LastCheckOnline = true
		if err := m.store.Upsert(ctx, rec); err != nil {
			return &Result{Message: msgUnable}, storeErr("persist revoked status", err)
		}
		m.audit(ctx, &rec.ID, checkType, "revoked", msgRevoked)
		m.notifier.LicenseRevoked(ctx, rec.LicenseKey, status.Message)
		return &Result{Message: msgRevoked}, ErrRevoked

	case store.StatusExpired:
		rec.Status = store.StatusExpired
		rec.LastCheckOnline = true
		if status.ExpiryDate != nil {
			rec.ExpiresAt = status.ExpiryDate
		}
		if err := m.store.Upsert(ctx, rec); err != nil {
			return &Result{Message: msgUnable}, storeErr("persist expired status", err)
		}
		expiredAt := now
		if rec.ExpiresAt != nil {
			expiredAt = *rec.ExpiresAt
		}
		msg := expiredMessage(expiredAt)
		m.audit(ctx, &rec.ID, checkType, "expired", msg)
		m.notifier.LicenseExpired(ctx, rec.LicenseKey, expiredAt)
		return &Result{Message: msg}, ErrExpired

	default:
		// Authoritatively invalid for a reason we do not model
		// (suspended, not found). Fail closed without touching status.
		m.audit(ctx, &rec.ID, checkType, "invalid", status.Message)
		return &Result{Message: msgUnable}, fmt.Errorf("%w: registry reported %q", ErrRegistryProtocol, status.Status)
	}
}

// handleOnlineFailure classifies a network-shaped failure after retries
// were exhausted and decides whether offline grace applies.
func (m *Manager) handleOnlineFailure(ctx context.Context, rec *store.LicenseRecord, checkType string,
	netErr error, now time.Time) (*Result, error) {

	if !graceEligible(netErr) {
		// Only network-shaped failures may be downgraded
		m.audit(ctx, &rec.ID, checkType, "invalid", msgUnable)
		return &Result{Message: msgUnable}, netErr
	}
	if errors.Is(netErr, ErrRegistryProtocol) {
		// Grace-eligible like a network failure, but logged distinctly
		m.logger.WarnContext(ctx, "Registry protocol error",
			slog.String("error", netErr.Error()),
		)
	}

	// Background checks never block continued use on connectivity loss
	if checkType == store.CheckBackground {
		m.audit(ctx, &rec.ID, checkType, "skipped", msgCheckSkipped)
		return &Result{Valid: true, Message: msgCheckSkipped, Expiry: rec.ExpiresAt}, nil
	}

	// Tamper check comes before any grace decision
	if ClockRollback(rec, now, m.cfg.ClockSkewTolerance) {
		m.metrics.recordTamper(ctx)
		m.securityEvent(ctx, &rec.ID, store.EventTimeTamper,
			fmt.Sprintf("clock at %s precedes last online check %s",
				now.Format(time.RFC3339), rec.LastOnlineCheck.Format(time.RFC3339)))
		m.audit(ctx, &rec.ID, checkType, "time_tamper", msgTamper)
		return &Result{Message: msgTamper}, ErrTimeTamper
	}

	if active, days := GraceActive(rec, now); active {
		rec.LastCheckOnline = false
		if err := m.store.Upsert(ctx, rec); err != nil {
			return &Result{Message: msgUnable}, storeErr("persist offline flag", err)
		}
		msg := offlineMessage(days)
		m.metrics.recordGraceFallback(ctx, checkType)
		m.audit(ctx, &rec.ID, checkType, "offline_grace", msg)
		return &Result{Valid: true, Message: msg, Expiry: rec.ExpiresAt, Offline: true}, nil
	}

	// Grace exhausted or never earned; fail closed with a generic message
	m.audit(ctx, &rec.ID, checkType, "network_unavailable", msgUnable)
	return &Result{Message: msgUnable}, fmt.Errorf("%w: grace period not active", ErrNetworkUnavailable)
}

// Activate validates a license key against the registry and persists a
// fresh local record bound to this machine. Activation is online-only.
func (m *Manager) Activate(ctx context.Context, licenseKey, name, email string) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	snap, probeErr := m.probe.Capture()
	if probeErr != nil {
		m.logger.WarnContext(ctx, "Activating without hardware identifiers",
			slog.String("error", probeErr.Error()),
		)
	}

	status, err := validateWithRetry(ctx, m.registry, licenseKey, snap,
		m.retry.MaxAttempts, m.retry.RetryDelay, m.logger)
	if err != nil {
		m.audit(ctx, nil, store.CheckManual, "activation_failed", msgUnable)
		return &Result{Message: msgUnable}, err
	}
	if !status.Valid {
		msg := status.Message
		if msg == "" {
			msg = "License key was not accepted."
		}
		m.audit(ctx, nil, store.CheckManual, "activation_rejected", msg)
		if status.Status == store.StatusRevoked {
			return &Result{Message: msgRevoked}, ErrRevoked
		}
		return &Result{Message: msg}, fmt.Errorf("%w: %s", ErrRegistryProtocol, status.Status)
	}

	rec := &store.LicenseRecord{
		LicenseKey:  licenseKey,
		Status:      store.StatusActive,
		Tier:        status.Tier,
		Name:        name,
		Email:       email,
		Threshold:   m.cfg.HardwareThreshold,
		ActivatedAt: now,
		ExpiresAt:   status.ExpiryDate,
	}
	if existing, err := m.store.GetLatest(ctx); err == nil {
		// Re-activation over an old record keeps identity and counters
		rec.ID = existing.ID
		rec.TransferCount = existing.TransferCount
	}
	if !snap.IsEmpty() {
		if err := rec.SetHardware(snap); err != nil {
			return &Result{Message: msgUnable}, storeErr("bind hardware", err)
		}
	}
	RefreshGrace(rec, now, m.cfg.GraceDays)
	rec.LastCheckOnline = true

	if err := m.store.Upsert(ctx, rec); err != nil {
		return &Result{Message: msgUnable}, storeErr("persist activation", err)
	}

	if !snap.IsEmpty() {
		if err := m.registry.PushBinding(ctx, licenseKey, snap, name, email); err != nil {
			m.logger.WarnContext(ctx, "Failed to push hardware binding after activation",
				slog.String("error", err.Error()),
			)
		}
	}

	m.audit(ctx, &rec.ID, store.CheckManual, "activated", "License activated")
	m.logger.InfoContext(ctx, "License activated",
		slog.String("tier", rec.Tier),
	)
	return &Result{Valid: true, Message: "License activated", Expiry: rec.ExpiresAt}, nil
}

// StatusSummary composes the user-facing status line. It never performs
// network calls.
func (m *Manager) StatusSummary(ctx context.Context) string {
	rec, err := m.store.GetLatest(ctx)
	if errors.Is(err, store.ErrNoRecord) {
		return "Not activated"
	}
	if err != nil {
		return "License status unavailable"
	}

	switch rec.Status {
	case store.StatusRevoked:
		return "License revoked"
	case store.StatusExpired:
		if rec.ExpiresAt != nil {
			return fmt.Sprintf("License expired on %s", rec.ExpiresAt.Format("2006-01-02"))
		}
		return "License expired"
	case store.StatusActive:
		suffix := ""
		if rec.ExpiresAt != nil {
			suffix = fmt.Sprintf(", expires %s", rec.ExpiresAt.Format("2006-01-02"))
		}
		if !rec.LastCheckOnline {
			if active, days := GraceActive(rec, m.now()); active {
				return fmt.Sprintf("License active (offline, %d day(s) of grace left)%s", days, suffix)
			}
		}
		return "License active" + suffix
	default:
		return "Not activated"
	}
}

// OfflineGrace reports whether the offline grace window is currently
// active and how many days remain.
func (m *Manager) OfflineGrace(ctx context.Context) (bool, int) {
	rec, err := m.store.GetLatest(ctx)
	if err != nil {
		return false, 0
	}
	return GraceActive(rec, m.now())
}

// GetVerificationStatus returns the manual re-check budget
func (m *Manager) GetVerificationStatus(ctx context.Context) VerificationStatus {
	status := VerificationStatus{Limit: m.limiter.Cap(), CanVerify: true}

	rec, err := m.store.GetLatest(ctx)
	if err != nil {
		return status
	}

	now := m.now()
	remaining, resetAt := m.limiter.Remaining(rec, now)
	status.Count = status.Limit - remaining
	status.CanVerify = remaining > 0
	if !resetAt.IsZero() {
		status.TimeUntilReset = resetAt.Sub(now)
	}
	return status
}

// audit writes exactly one validation log row for a branch. Append
// failures are logged, never surfaced: the audit trail is diagnostics,
// not an access decision.
func (m *Manager) audit(ctx context.Context, licenseID *uint, checkType, result, message string) {
	if err := m.store.AppendValidationLog(ctx, licenseID, checkType, result, message); err != nil {
		m.logger.ErrorContext(ctx, "Failed to append validation log",
			slog.String("check_type", checkType),
			slog.String("result", result),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) securityEvent(ctx context.Context, licenseID *uint, eventType, details string) {
	if err := m.store.AppendSecurityEvent(ctx, licenseID, eventType, details); err != nil {
		m.logger.ErrorContext(ctx, "Failed to append security event",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
	}
}

// dateBefore reports whether a's calendar date is strictly before b's,
// in local time. Expiry is a date, not an instant.
func dateBefore(a, b time.Time) bool {
	ay, am, ad := a.Local().Date()
	by, bm, bd := b.Local().Date()
	if ay != by {
		return ay < by
	}
	if am != bm {
		return am < bm
	}
	return ad < bd
}

func expiredMessage(expiredAt time.Time) string {
	return fmt.Sprintf("Your license expired on %s. Please renew to continue.", expiredAt.Format("2006-01-02"))
}

func offlineMessage(days int) string {
	return fmt.Sprintf("License valid (offline mode, %d day(s) of grace remaining)", days)
}
