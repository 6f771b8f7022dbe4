package license

import (
	"context"
	"fmt"
	"log/slog"

	"aquacli/internal/store"
)

// tryAutoRecover re-binds a license after local-state loss (typically a
// reinstall on the same machine) by matching current hardware against
// every record the registry holds. Invoked only when no local record
// exists. Returns whether a record was restored, plus a blocking message
// when the matching license turned out to be revoked: the user should
// learn their license is revoked, not silently get "no license found".
func (m *Manager) tryAutoRecover(ctx context.Context) (bool, string, error) {
	now := m.now()

	snap, err := m.probe.Capture()
	if err != nil || snap.IsEmpty() {
		// A blank fingerprint cannot be trusted to claim anything
		m.metrics.recordRecovery(ctx, "no_fingerprint")
		m.audit(ctx, nil, store.CheckAutoRecovery, "no_fingerprint",
			"hardware identifiers unavailable, recovery impossible")
		return false, "", nil
	}

	records, err := m.registry.ListAll(ctx)
	if err != nil {
		m.metrics.recordRecovery(ctx, "registry_unreachable")
		m.audit(ctx, nil, store.CheckAutoRecovery, "registry_unreachable",
			"could not reach license server for recovery scan")
		return false, "", fmt.Errorf("recovery scan failed: %w", err)
	}

	m.logger.InfoContext(ctx, "Scanning registry for recoverable license",
		slog.Int("candidates", len(records)),
	)

	for _, remote := range records {
		matched, score := Matches(snap, remote.Hardware, m.cfg.HardwareThreshold)
		if !matched {
			continue
		}

		if remote.Status == store.StatusRevoked {
			// This machine's license exists but was revoked server-side
			m.metrics.recordRecovery(ctx, "revoked_match")
			m.securityEvent(ctx, nil, store.EventRevokedHardwareMatch,
				fmt.Sprintf("revoked license matched local hardware with score %.2f", score))
			m.audit(ctx, nil, store.CheckAutoRecovery, "revoked", msgRevoked)
			return false, msgRevoked, nil
		}
		if !remote.Valid {
			// Expired, suspended and friends are skipped without comment
			continue
		}

		rec := &store.LicenseRecord{
			LicenseKey:  remote.LicenseKey,
			Status:      store.StatusActive,
			Tier:        remote.Tier,
			Name:        remote.Name,
			Email:       remote.Email,
			Threshold:   m.cfg.HardwareThreshold,
			ActivatedAt: now,
			ExpiresAt:   remote.ExpiryDate,
		}
		if err := rec.SetHardware(snap); err != nil {
			return false, "", storeErr("bind recovered hardware", err)
		}
		RefreshGrace(rec, now, m.cfg.GraceDays)
		rec.LastCheckOnline = true

		if err := m.store.Upsert(ctx, rec); err != nil {
			return false, "", storeErr("persist recovered record", err)
		}

		m.metrics.recordRecovery(ctx, "recovered")
		m.audit(ctx, &rec.ID, store.CheckAutoRecovery, "recovered",
			fmt.Sprintf("license restored from registry (similarity %.2f)", score))
		m.logger.InfoContext(ctx, "License recovered from registry",
			slog.Float64("score", score),
			slog.String("tier", rec.Tier),
		)
		return true, "", nil
	}

	m.metrics.recordRecovery(ctx, "no_match")
	m.audit(ctx, nil, store.CheckAutoRecovery, "no_match",
		"no registry record matches this machine")
	return false, "", nil
}
