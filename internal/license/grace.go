package license

import (
	"time"

	"aquacli/internal/store"
)

// GraceActive reports whether an offline continuation is currently
// permitted by the record's grace deadline, and how many whole days of
// grace remain. Remaining time is rounded up, so one second of grace
// reports as one day; a record with no deadline grants nothing.
func GraceActive(rec *store.LicenseRecord, now time.Time) (bool, int) {
	if rec == nil || rec.GraceDeadline == nil {
		return false, 0
	}
	remaining := rec.GraceDeadline.Sub(now)
	if remaining <= 0 {
		return false, 0
	}

	days := int(remaining / (24 * time.Hour))
	if remaining%(24*time.Hour) > 0 {
		days++
	}
	return true, days
}

// ClockRollback detects backward clock movement relative to the last
// successful online check, beyond the given skew tolerance. This is the
// primary defense against resetting the system clock to manufacture
// unlimited offline grace; a positive detection must deny any grace
// fallback.
func ClockRollback(rec *store.LicenseRecord, now time.Time, skew time.Duration) bool {
	if rec == nil || rec.LastOnlineCheck.IsZero() {
		return false
	}
	return rec.LastOnlineCheck.Sub(now) > skew
}

// RefreshGrace recomputes the grace deadline after a successful online
// validation. Each online check refuels the window rather than
// accumulating it; graceDays of 0 disables grace entirely.
func RefreshGrace(rec *store.LicenseRecord, now time.Time, graceDays int) {
	rec.LastOnlineCheck = now
	if graceDays <= 0 {
		rec.GraceDeadline = nil
		return
	}
	deadline := now.Add(time.Duration(graceDays) * 24 * time.Hour)
	rec.GraceDeadline = &deadline
}
