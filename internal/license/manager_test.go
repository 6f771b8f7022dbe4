package license

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aquacli/internal/hardware"
	"aquacli/internal/store"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func failNetwork(string, hardware.Snapshot) (*RemoteStatus, error) {
	return nil, fmt.Errorf("post validate: %w", ErrNetworkUnavailable)
}

// differentSnapshot is a machine sharing nothing with testSnapshot
func differentSnapshot() hardware.Snapshot {
	return hardware.Snapshot{Board: "board-9", CPU: "cpu-9", MAC: "ff:ee:dd:cc:bb:aa"}
}

// activeRecord returns a healthy activated record bound to testSnapshot
func activeRecord(t *testing.T) *store.LicenseRecord {
	t.Helper()
	expiry := testNow.AddDate(1, 0, 0)
	deadline := testNow.Add(5 * 24 * time.Hour)
	rec := &store.LicenseRecord{
		ID:              1,
		LicenseKey:      "AQ-1234-5678-9ABC",
		Status:          store.StatusActive,
		Tier:            "professional",
		Threshold:       0.60,
		ActivatedAt:     testNow.Add(-30 * 24 * time.Hour),
		LastOnlineCheck: testNow.Add(-time.Hour),
		GraceDeadline:   &deadline,
		ExpiresAt:       &expiry,
		LastCheckOnline: true,
	}
	require.NoError(t, rec.SetHardware(testSnapshot()))
	return rec
}

func seededStore(t *testing.T, rec *store.LicenseRecord) *memStore {
	t.Helper()
	st := newMemStore()
	require.NoError(t, st.Upsert(context.Background(), rec))
	st.logs = nil
	return st
}

func TestStartup_OnlineValid(t *testing.T) {
	st := seededStore(t, activeRecord(t))
	reg := &fakeRegistry{}
	m := newTestManager(st, reg, &fakeProbe{snap: testSnapshot()}, &fakeNotifier{}, testNow)

	res, err := m.ValidateStartup(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, "License valid", res.Message)
	assert.NotNil(t, res.Expiry)
	assert.False(t, res.Offline)

	rec := st.current()
	assert.Equal(t, store.StatusActive, rec.Status)
	assert.Equal(t, testNow, rec.LastOnlineCheck)
	require.NotNil(t, rec.GraceDeadline)
	assert.Equal(t, testNow.Add(7*24*time.Hour), *rec.GraceDeadline)
	assert.True(t, rec.LastCheckOnline)

	log := st.lastLog()
	require.NotNil(t, log)
	assert.Equal(t, store.CheckStartup, log.CheckType)
	assert.Equal(t, "valid", log.Result)
}

func TestStartup_AlwaysRevalidatesOnline(t *testing.T) {
	// Even with a fresh last check and active grace, startup must hit
	// the registry so revocations propagate immediately.
	rec := activeRecord(t)
	rec.LastOnlineCheck = testNow.Add(-time.Minute)
	st := seededStore(t, rec)
	reg := &fakeRegistry{}
	m := newTestManager(st, reg, &fakeProbe{snap: testSnapshot()}, &fakeNotifier{}, testNow)

	_, err := m.ValidateStartup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, reg.calls())
}

func TestStartup_NetworkDown_GraceActive(t *testing.T) {
	st := seededStore(t, activeRecord(t))
	reg := &fakeRegistry{}
	reg.validateFn = failNetwork
	m := newTestManager(st, reg, &fakeProbe{snap: testSnapshot()}, &fakeNotifier{}, testNow)

	res, err := m.ValidateStartup(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.True(t, res.Offline)
	assert.Contains(t, res.Message, "offline mode")
	assert.NotNil(t, res.Expiry)

	// All three retry attempts were spent before classification
	assert.Equal(t, 3, reg.calls())

	rec := st.current()
	assert.False(t, rec.LastCheckOnline)
	assert.Equal(t, store.StatusActive, rec.Status, "grace leaves status untouched")
	assert.Equal(t, "offline_grace", st.lastLog().Result)
}

func TestStartup_NetworkDown_GraceExpired(t *testing.T) {
	rec := activeRecord(t)
	past := testNow.Add(-time.Second)
	rec.GraceDeadline = &past
	st := seededStore(t, rec)
	reg := &fakeRegistry{}
	reg.validateFn = failNetwork
	m := newTestManager(st, reg, &fakeProbe{snap: testSnapshot()}, &fakeNotifier{}, testNow)

	res, err := m.ValidateStartup(context.Background())
	assert.ErrorIs(t, err, ErrNetworkUnavailable)
	assert.False(t, res.Valid)
	assert.Equal(t, msgUnable, res.Message, "network failures surface no diagnostics")
	assert.Nil(t, res.Expiry)
}

func TestStartup_NetworkDown_NoDeadlineEverSet(t *testing.T) {
	rec := activeRecord(t)
	rec.GraceDeadline = nil
	st := seededStore(t, rec)
	reg := &fakeRegistry{}
	reg.validateFn = failNetwork
	m := newTestManager(st, reg, &fakeProbe{snap: testSnapshot()}, &fakeNotifier{}, testNow)

	_, err := m.ValidateStartup(context.Background())
	assert.ErrorIs(t, err, ErrNetworkUnavailable)
}

func TestStartup_RegistryRevoked(t *testing.T) {
	st := seededStore(t, activeRecord(t))
	notifier := &fakeNotifier{}
	reg := &fakeRegistry{}
	reg.validateFn = func(key string, _ hardware.Snapshot) (*RemoteStatus, error) {
		return &RemoteStatus{Valid: false, Status: "revoked", Message: "revoked by admin"}, nil
	}
	m := newTestManager(st, reg, &fakeProbe{snap: testSnapshot()}, notifier, testNow)

	res, err := m.ValidateStartup(context.Background())
	assert.ErrorIs(t, err, ErrRevoked)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Message, "revoked")

	// Revocation is persisted even though the record was previously active
	assert.Equal(t, store.StatusRevoked, st.current().Status)
	assert.Len(t, notifier.revoked, 1)

	// Grace never applies once revoked, even with an active deadline
	res2, err2 := m.ValidateStartup(context.Background())
	assert.ErrorIs(t, err2, ErrRevoked)
	assert.False(t, res2.Valid)
}

func TestStartup_RegistryExpired(t *testing.T) {
	st := seededStore(t, activeRecord(t))
	notifier := &fakeNotifier{}
	reg := &fakeRegistry{}
	expiredAt := testNow.AddDate(0, -1, 0)
	reg.validateFn = func(string, hardware.Snapshot) (*RemoteStatus, error) {
		return &RemoteStatus{Valid: false, Status: "expired", ExpiryDate: &expiredAt}, nil
	}
	m := newTestManager(st, reg, &fakeProbe{snap: testSnapshot()}, notifier, testNow)

	res, err := m.ValidateStartup(context.Background())
	assert.ErrorIs(t, err, ErrExpired)
	assert.Contains(t, res.Message, "expired")
	assert.Equal(t, store.StatusExpired, st.current().Status)
	assert.Len(t, notifier.expired, 1)
}

func TestStartup_LocalExpiry(t *testing.T) {
	rec := activeRecord(t)
	past := testNow.Add(-48 * time.Hour)
	rec.ExpiresAt = &past
	st := seededStore(t, rec)
	reg := &fakeRegistry{}
	m := newTestManager(st, reg, &fakeProbe{snap: testSnapshot()}, &fakeNotifier{}, testNow)

	res, err := m.ValidateStartup(context.Background())
	assert.ErrorIs(t, err, ErrExpired)
	assert.Contains(t, res.Message, "expired on")
	assert.Equal(t, store.StatusExpired, st.current().Status)

	// Expiry fails closed before any network attempt
	assert.Zero(t, reg.calls())
}

func TestStartup_HardwareMismatch(t *testing.T) {
	st := seededStore(t, activeRecord(t))
	notifier := &fakeNotifier{}
	reg := &fakeRegistry{}
	// A wholly different machine
	probe := &fakeProbe{snap: differentSnapshot()}
	m := newTestManager(st, reg, probe, notifier, testNow)

	res, err := m.ValidateStartup(context.Background())
	assert.ErrorIs(t, err, ErrHardwareMismatch)
	assert.Equal(t, msgMismatch, res.Message)
	assert.Len(t, notifier.transfers, 1)

	// Mismatch never reaches the network and never gets grace
	assert.Zero(t, reg.calls())
	assert.Equal(t, "hardware_mismatch", st.lastLog().Result)
}

func TestStartup_SingleComponentSwapStillMatches(t *testing.T) {
	st := seededStore(t, activeRecord(t))
	reg := &fakeRegistry{}
	// Same board and CPU, new network card
	snap := testSnapshot()
	snap.MAC = "11:22:33:44:55:66"
	m := newTestManager(st, reg, &fakeProbe{snap: snap}, &fakeNotifier{}, testNow)

	res, err := m.ValidateStartup(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestStartup_TimeTamper(t *testing.T) {
	rec := activeRecord(t)
	rec.LastOnlineCheck = testNow.Add(10 * time.Minute) // clock rolled back
	st := seededStore(t, rec)
	reg := &fakeRegistry{}
	reg.validateFn = failNetwork
	m := newTestManager(st, reg, &fakeProbe{snap: testSnapshot()}, &fakeNotifier{}, testNow)

	res, err := m.ValidateStartup(context.Background())
	assert.ErrorIs(t, err, ErrTimeTamper)
	assert.False(t, res.Valid)

	require.Len(t, st.events, 1)
	assert.Equal(t, store.EventTimeTamper, st.events[0].EventType)
	assert.Equal(t, "time_tamper", st.lastLog().Result)
}

func TestStartup_ClockSkewWithinTolerance(t *testing.T) {
	rec := activeRecord(t)
	rec.LastOnlineCheck = testNow.Add(4 * time.Minute) // within 5m tolerance
	st := seededStore(t, rec)
	reg := &fakeRegistry{}
	reg.validateFn = failNetwork
	m := newTestManager(st, reg, &fakeProbe{snap: testSnapshot()}, &fakeNotifier{}, testNow)

	res, err := m.ValidateStartup(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.True(t, res.Offline)
	assert.Empty(t, st.events)
}

func TestStartup_BindsHardwareOnFirstUse(t *testing.T) {
	rec := activeRecord(t)
	rec.HardwareJSON = ""
	st := seededStore(t, rec)
	pushed := false
	reg := &fakeRegistry{}
	reg.pushFn = func(key string, snap hardware.Snapshot) error {
		pushed = true
		return nil
	}
	m := newTestManager(st, reg, &fakeProbe{snap: testSnapshot()}, &fakeNotifier{}, testNow)

	res, err := m.ValidateStartup(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.True(t, pushed)
	assert.True(t, st.current().HasHardware())
}

func TestStartup_RestoresLostRemoteBinding(t *testing.T) {
	st := seededStore(t, activeRecord(t))
	pushed := false
	reg := &fakeRegistry{}
	reg.validateFn = func(string, hardware.Snapshot) (*RemoteStatus, error) {
		return &RemoteStatus{Valid: true, Status: "active", HasHardwareBinding: false}, nil
	}
	reg.pushFn = func(string, hardware.Snapshot) error {
		pushed = true
		return nil
	}
	m := newTestManager(st, reg, &fakeProbe{snap: testSnapshot()}, &fakeNotifier{}, testNow)

	res, err := m.ValidateStartup(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.True(t, pushed)

	require.Len(t, st.events, 1)
	assert.Equal(t, store.EventMissingBinding, st.events[0].EventType)
}

func TestStartup_NoRecordNoRecovery(t *testing.T) {
	st := newMemStore()
	reg := &fakeRegistry{}
	m := newTestManager(st, reg, &fakeProbe{snap: testSnapshot()}, &fakeNotifier{}, testNow)

	res, err := m.ValidateStartup(context.Background())
	assert.ErrorIs(t, err, ErrNotActivated)
	assert.Equal(t, msgNotActivated, res.Message)
}

func TestStartup_StoreUnavailableFailsClosed(t *testing.T) {
	st := newMemStore()
	st.failGet = fmt.Errorf("disk io error")
	m := newTestManager(st, &fakeRegistry{}, &fakeProbe{snap: testSnapshot()}, &fakeNotifier{}, testNow)

	res, err := m.ValidateStartup(context.Background())
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.False(t, res.Valid)
}

func TestBackground_NetworkDownSkips(t *testing.T) {
	st := seededStore(t, activeRecord(t))
	reg := &fakeRegistry{}
	reg.validateFn = failNetwork
	m := newTestManager(st, reg, &fakeProbe{snap: testSnapshot()}, &fakeNotifier{}, testNow)

	res, err := m.ValidateBackground(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, msgCheckSkipped, res.Message)
	assert.Equal(t, "skipped", st.lastLog().Result)

	// Status and grace are left as they were
	assert.Equal(t, store.StatusActive, st.current().Status)
}

func TestBackground_RevokedStillPersisted(t *testing.T) {
	st := seededStore(t, activeRecord(t))
	notifier := &fakeNotifier{}
	reg := &fakeRegistry{}
	reg.validateFn = func(string, hardware.Snapshot) (*RemoteStatus, error) {
		return &RemoteStatus{Valid: false, Status: "revoked"}, nil
	}
	m := newTestManager(st, reg, &fakeProbe{snap: testSnapshot()}, notifier, testNow)

	res, err := m.ValidateBackground(context.Background())
	assert.ErrorIs(t, err, ErrRevoked)
	assert.False(t, res.Valid)
	assert.Equal(t, store.StatusRevoked, st.current().Status)
	assert.Len(t, notifier.revoked, 1)
}

func TestBackground_MissingBindingIsPending(t *testing.T) {
	rec := activeRecord(t)
	rec.HardwareJSON = ""
	st := seededStore(t, rec)
	reg := &fakeRegistry{}
	m := newTestManager(st, reg, &fakeProbe{snap: testSnapshot()}, &fakeNotifier{}, testNow)

	res, err := m.ValidateBackground(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Valid)

	// Binding is left for startup validation to complete
	assert.False(t, st.current().HasHardware())
}

func TestBackground_ProbeFailureLoggedNotSwallowed(t *testing.T) {
	rec := activeRecord(t)
	rec.HardwareJSON = ""
	st := seededStore(t, rec)
	reg := &fakeRegistry{}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	m := NewManager(testConfig(), st, reg, &fakeProbe{err: errors.New("dmi tables unreadable")},
		&fakeNotifier{}, logger)
	m.now = func() time.Time { return testNow }

	res, err := m.ValidateBackground(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 1, reg.calls(), "online validation proceeds without identifiers")

	logged := buf.String()
	assert.Contains(t, logged, "Validating without hardware identifiers")
	assert.Contains(t, logged, "dmi tables unreadable")
}

func TestBackground_SkipsWhenValidationInFlight(t *testing.T) {
	st := seededStore(t, activeRecord(t))
	m := newTestManager(st, &fakeRegistry{}, &fakeProbe{snap: testSnapshot()}, &fakeNotifier{}, testNow)

	m.mu.Lock()
	res, err := m.ValidateBackground(context.Background())
	m.mu.Unlock()

	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, msgCheckSkipped, res.Message)
	assert.Nil(t, st.lastLog(), "a skipped overlap is not a validation attempt")
}

func TestManual_RateLimit(t *testing.T) {
	st := seededStore(t, activeRecord(t))
	reg := &fakeRegistry{}
	m := newTestManager(st, reg, &fakeProbe{snap: testSnapshot()}, &fakeNotifier{}, testNow)

	for i := 0; i < 3; i++ {
		res, err := m.ValidateManual(context.Background())
		require.NoError(t, err, "manual check %d", i+1)
		assert.True(t, res.Valid)
	}

	res, err := m.ValidateManual(context.Background())
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, msgRateLimited, res.Message)
	assert.Equal(t, "rate_limited", st.lastLog().Result)

	// Startup and background are unaffected by the manual cap
	_, err = m.ValidateStartup(context.Background())
	assert.NoError(t, err)
	_, err = m.ValidateBackground(context.Background())
	assert.NoError(t, err)
}

func TestManual_NoRecord(t *testing.T) {
	st := newMemStore()
	m := newTestManager(st, &fakeRegistry{}, &fakeProbe{snap: testSnapshot()}, &fakeNotifier{}, testNow)

	_, err := m.ValidateManual(context.Background())
	assert.ErrorIs(t, err, ErrNotActivated)
}

func TestActivate_Success(t *testing.T) {
	st := newMemStore()
	pushed := false
	reg := &fakeRegistry{}
	expiry := testNow.AddDate(1, 0, 0)
	reg.validateFn = func(key string, _ hardware.Snapshot) (*RemoteStatus, error) {
		return &RemoteStatus{Valid: true, Status: "active", Tier: "professional", ExpiryDate: &expiry}, nil
	}
	reg.pushFn = func(string, hardware.Snapshot) error {
		pushed = true
		return nil
	}
	m := newTestManager(st, reg, &fakeProbe{snap: testSnapshot()}, &fakeNotifier{}, testNow)

	res, err := m.Activate(context.Background(), "AQ-NEW-KEY", "Jo", "jo@example.com")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.True(t, pushed)

	rec := st.current()
	require.NotNil(t, rec)
	assert.Equal(t, "AQ-NEW-KEY", rec.LicenseKey)
	assert.Equal(t, store.StatusActive, rec.Status)
	assert.Equal(t, "professional", rec.Tier)
	assert.True(t, rec.HasHardware())
	assert.NotNil(t, rec.GraceDeadline)
}

func TestActivate_ClearsRevokedOnlyViaReactivation(t *testing.T) {
	rec := activeRecord(t)
	rec.Status = store.StatusRevoked
	st := seededStore(t, rec)
	reg := &fakeRegistry{}
	m := newTestManager(st, reg, &fakeProbe{snap: testSnapshot()}, &fakeNotifier{}, testNow)

	// Validation can never clear a revoked record
	_, err := m.ValidateStartup(context.Background())
	assert.ErrorIs(t, err, ErrRevoked)

	// An explicit successful online re-activation can
	res, err := m.Activate(context.Background(), rec.LicenseKey, "", "")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, store.StatusActive, st.current().Status)
}

func TestActivate_Rejected(t *testing.T) {
	st := newMemStore()
	reg := &fakeRegistry{}
	reg.validateFn = func(string, hardware.Snapshot) (*RemoteStatus, error) {
		return &RemoteStatus{Valid: false, Status: "not_found", Message: "unknown license key"}, nil
	}
	m := newTestManager(st, reg, &fakeProbe{snap: testSnapshot()}, &fakeNotifier{}, testNow)

	res, err := m.Activate(context.Background(), "AQ-BAD", "", "")
	assert.Error(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, "unknown license key", res.Message)
	assert.Nil(t, st.current())
}

func TestActivate_NetworkDownFails(t *testing.T) {
	st := newMemStore()
	reg := &fakeRegistry{}
	reg.validateFn = failNetwork
	m := newTestManager(st, reg, &fakeProbe{snap: testSnapshot()}, &fakeNotifier{}, testNow)

	_, err := m.Activate(context.Background(), "AQ-KEY", "", "")
	assert.ErrorIs(t, err, ErrNetworkUnavailable)
	assert.Nil(t, st.current(), "activation is online-only, nothing persisted")
}

func TestStatusSummary(t *testing.T) {
	st := newMemStore()
	m := newTestManager(st, &fakeRegistry{}, &fakeProbe{snap: testSnapshot()}, &fakeNotifier{}, testNow)
	ctx := context.Background()

	assert.Equal(t, "Not activated", m.StatusSummary(ctx))

	rec := activeRecord(t)
	require.NoError(t, st.Upsert(ctx, rec))
	assert.Contains(t, m.StatusSummary(ctx), "License active")

	rec.LastCheckOnline = false
	require.NoError(t, st.Upsert(ctx, rec))
	assert.Contains(t, m.StatusSummary(ctx), "offline")

	rec.Status = store.StatusRevoked
	require.NoError(t, st.Upsert(ctx, rec))
	assert.Equal(t, "License revoked", m.StatusSummary(ctx))
}

func TestOfflineGrace(t *testing.T) {
	st := seededStore(t, activeRecord(t))
	m := newTestManager(st, &fakeRegistry{}, &fakeProbe{snap: testSnapshot()}, &fakeNotifier{}, testNow)

	active, days := m.OfflineGrace(context.Background())
	assert.True(t, active)
	assert.Equal(t, 5, days)
}

func TestGetVerificationStatus(t *testing.T) {
	st := seededStore(t, activeRecord(t))
	m := newTestManager(st, &fakeRegistry{}, &fakeProbe{snap: testSnapshot()}, &fakeNotifier{}, testNow)
	ctx := context.Background()

	status := m.GetVerificationStatus(ctx)
	assert.Equal(t, 0, status.Count)
	assert.Equal(t, 3, status.Limit)
	assert.True(t, status.CanVerify)

	_, err := m.ValidateManual(ctx)
	require.NoError(t, err)

	status = m.GetVerificationStatus(ctx)
	assert.Equal(t, 1, status.Count)
	assert.True(t, status.CanVerify)
	assert.Greater(t, status.TimeUntilReset, time.Duration(0))
}
