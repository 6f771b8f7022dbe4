package license

import (
	"time"

	"aquacli/internal/store"
)

// ManualLimiter caps user-triggered re-checks per calendar day. The day
// boundary is midnight in one fixed reference timezone so the limit
// cannot be gamed by changing the OS timezone. Only the manual entry
// point consults it; startup and background checks are never throttled.
type ManualLimiter struct {
	cap int
	loc *time.Location
}

// NewManualLimiter creates a limiter with the given daily cap and
// reference timezone
func NewManualLimiter(cap int, loc *time.Location) *ManualLimiter {
	if loc == nil {
		loc = time.UTC
	}
	return &ManualLimiter{cap: cap, loc: loc}
}

// Allowed reports whether another manual check may run right now.
// A due reset counts the record as zero without mutating it.
func (l *ManualLimiter) Allowed(rec *store.LicenseRecord, now time.Time) bool {
	count := rec.ManualCount
	if l.resetDue(rec, now) {
		count = 0
	}
	return count < l.cap
}

// RecordAttempt accounts one manual check on the record. Callers persist
// the record afterwards; the limiter itself never touches storage.
func (l *ManualLimiter) RecordAttempt(rec *store.LicenseRecord, now time.Time) {
	if l.resetDue(rec, now) {
		rec.ManualCount = 0
		rec.ManualResetAt = l.nextMidnight(now)
	}
	rec.ManualCount++
}

// Remaining returns how many manual checks are left today and when the
// counter resets.
func (l *ManualLimiter) Remaining(rec *store.LicenseRecord, now time.Time) (int, time.Time) {
	count := rec.ManualCount
	resetAt := rec.ManualResetAt
	if l.resetDue(rec, now) {
		count = 0
		resetAt = l.nextMidnight(now)
	}
	remaining := l.cap - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, resetAt
}

// Cap returns the configured daily cap
func (l *ManualLimiter) Cap() int {
	return l.cap
}

func (l *ManualLimiter) resetDue(rec *store.LicenseRecord, now time.Time) bool {
	return rec.ManualResetAt.IsZero() || !now.Before(rec.ManualResetAt)
}

// nextMidnight returns the first midnight after now in the reference zone
func (l *ManualLimiter) nextMidnight(now time.Time) time.Time {
	local := now.In(l.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, l.loc).AddDate(0, 0, 1)
}
