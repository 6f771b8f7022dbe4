package license

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"aquacli/internal/config"
	"aquacli/internal/hardware"
	"aquacli/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory store.Store for orchestrator tests
type memStore struct {
	mu     sync.Mutex
	rec    *store.LicenseRecord
	nextID uint

	logs   []store.ValidationLog
	events []store.SecurityEvent

	failGet    error
	failUpsert error
}

func newMemStore() *memStore {
	return &memStore{nextID: 1}
}

func (s *memStore) GetLatest(ctx context.Context) (*store.LicenseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet != nil {
		return nil, s.failGet
	}
	if s.rec == nil {
		return nil, store.ErrNoRecord
	}
	cp := *s.rec
	return &cp, nil
}

func (s *memStore) Upsert(ctx context.Context, rec *store.LicenseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpsert != nil {
		return s.failUpsert
	}
	if rec.ID == 0 {
		rec.ID = s.nextID
		s.nextID++
	}
	cp := *rec
	s.rec = &cp
	return nil
}

func (s *memStore) AppendValidationLog(ctx context.Context, licenseID *uint, checkType, result, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, store.ValidationLog{
		LicenseID: licenseID,
		CheckType: checkType,
		Result:    result,
		Message:   message,
		CreatedAt: time.Now(),
	})
	return nil
}

func (s *memStore) AppendSecurityEvent(ctx context.Context, licenseID *uint, eventType, details string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, store.SecurityEvent{
		LicenseID: licenseID,
		EventType: eventType,
		Details:   details,
		CreatedAt: time.Now(),
	})
	return nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) lastLog() *store.ValidationLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.logs) == 0 {
		return nil
	}
	return &s.logs[len(s.logs)-1]
}

func (s *memStore) current() *store.LicenseRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return nil
	}
	cp := *s.rec
	return &cp
}

// fakeRegistry is a scriptable Registry
type fakeRegistry struct {
	mu            sync.Mutex
	validateFn    func(key string, snap hardware.Snapshot) (*RemoteStatus, error)
	listFn        func() ([]RemoteRecord, error)
	pushFn        func(key string, snap hardware.Snapshot) error
	validateCalls int
}

func (r *fakeRegistry) Validate(ctx context.Context, key string, snap hardware.Snapshot) (*RemoteStatus, error) {
	r.mu.Lock()
	r.validateCalls++
	r.mu.Unlock()
	if r.validateFn == nil {
		return &RemoteStatus{Valid: true, Status: "active", HasHardwareBinding: true}, nil
	}
	return r.validateFn(key, snap)
}

func (r *fakeRegistry) ListAll(ctx context.Context) ([]RemoteRecord, error) {
	if r.listFn == nil {
		return nil, nil
	}
	return r.listFn()
}

func (r *fakeRegistry) PushBinding(ctx context.Context, key string, snap hardware.Snapshot, name, email string) error {
	if r.pushFn == nil {
		return nil
	}
	return r.pushFn(key, snap)
}

func (r *fakeRegistry) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.validateCalls
}

// fakeProbe returns a fixed snapshot
type fakeProbe struct {
	snap hardware.Snapshot
	err  error
}

func (p *fakeProbe) Capture() (hardware.Snapshot, error) {
	return p.snap, p.err
}

// fakeNotifier records events synchronously
type fakeNotifier struct {
	mu        sync.Mutex
	revoked   []string
	expired   []string
	transfers []string
}

func (n *fakeNotifier) LicenseRevoked(ctx context.Context, key, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.revoked = append(n.revoked, key)
}

func (n *fakeNotifier) LicenseExpired(ctx context.Context, key string, at time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.expired = append(n.expired, key)
}

func (n *fakeNotifier) TransferSuspected(ctx context.Context, key, details string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transfers = append(n.transfers, details)
}

// testSnapshot is the machine these tests pretend to run on
func testSnapshot() hardware.Snapshot {
	return hardware.Snapshot{Board: "board-1", CPU: "cpu-1", MAC: "aa:bb:cc:dd:ee:ff"}
}

func testConfig() *config.Config {
	return &config.Config{
		License: config.LicenseConfig{
			HardwareThreshold:  0.60,
			GraceDays:          7,
			ClockSkewTolerance: 5 * time.Minute,
			ManualChecksPerDay: 3,
			ReferenceTimezone:  "UTC",
		},
		Registry: config.RegistryConfig{
			MaxAttempts: 3,
			RetryDelay:  time.Millisecond,
		},
	}
}

// newTestManager wires a manager over fakes with a fixed clock
func newTestManager(st *memStore, reg *fakeRegistry, probe *fakeProbe, notifier *fakeNotifier, now time.Time) *Manager {
	m := NewManager(testConfig(), st, reg, probe, notifier, discardLogger())
	m.now = func() time.Time { return now }
	return m
}
