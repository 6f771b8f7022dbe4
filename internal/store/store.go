package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"aquacli/internal/hardware"
)

// License statuses as persisted locally. Revoked and expired are sticky:
// once recorded, only an explicit successful online re-activation clears
// them, never an offline grace continuation.
const (
	StatusNotActivated = "not_activated"
	StatusActive       = "active"
	StatusExpired      = "expired"
	StatusRevoked      = "revoked"
)

// Validation check types recorded in the audit log
const (
	CheckStartup      = "startup"
	CheckBackground   = "background"
	CheckManual       = "manual"
	CheckAutoRecovery = "auto_recovery"
)

// Security event types
const (
	EventTimeTamper           = "time_tamper"
	EventMissingBinding       = "missing_binding"
	EventRevokedHardwareMatch = "revoked_hardware_match"
)

// ErrNoRecord is returned by GetLatest when no license record exists
var ErrNoRecord = errors.New("no license record")

// LicenseRecord is the single row of local license state. The system
// assumes at most one active license per installation.
type LicenseRecord struct {
	ID              uint   `gorm:"primaryKey"`
	LicenseKey      string `gorm:"uniqueIndex;size:64"`
	Status          string `gorm:"size:20;default:not_activated"`
	Tier            string `gorm:"size:64"`
	Name            string `gorm:"size:128"`
	Email           string `gorm:"size:128"`
	HardwareJSON    string `gorm:"column:hardware_json;type:text"`
	Threshold       float64
	ActivatedAt     time.Time
	LastOnlineCheck time.Time
	GraceDeadline   *time.Time
	ExpiresAt       *time.Time
	TransferCount   int
	ManualCount     int
	ManualResetAt   time.Time
	LastCheckOnline bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ValidationLog is an append-only audit row written on every validation
// attempt. Diagnostics only; never consulted for access decisions.
type ValidationLog struct {
	ID        string `gorm:"primaryKey;size:36"`
	LicenseID *uint  `gorm:"index"`
	CheckType string `gorm:"size:20"`
	Result    string `gorm:"size:40"`
	Message   string `gorm:"type:text"`
	CreatedAt time.Time
}

// SecurityEvent is an append-only record of security-relevant anomalies.
// Kept separate from ValidationLog because it may feed alerting.
type SecurityEvent struct {
	ID        string `gorm:"primaryKey;size:36"`
	LicenseID *uint  `gorm:"index"`
	EventType string `gorm:"size:40"`
	Details   string `gorm:"type:text"`
	CreatedAt time.Time
}

// Store is the persistence contract the license engine depends on
type Store interface {
	// GetLatest returns the current license record or ErrNoRecord
	GetLatest(ctx context.Context) (*LicenseRecord, error)
	// Upsert persists the record, creating it on first use
	Upsert(ctx context.Context, rec *LicenseRecord) error
	// AppendValidationLog writes one audit row; licenseID may be nil for
	// pre-activation events
	AppendValidationLog(ctx context.Context, licenseID *uint, checkType, result, message string) error
	// AppendSecurityEvent writes one security anomaly row
	AppendSecurityEvent(ctx context.Context, licenseID *uint, eventType, details string) error
	// Close releases the underlying database handle
	Close() error
}

// Hardware deserializes the bound hardware snapshot from the record.
// A record with no stored snapshot returns an empty snapshot, not an error.
func (r *LicenseRecord) Hardware() (hardware.Snapshot, error) {
	if r.HardwareJSON == "" {
		return hardware.Snapshot{}, nil
	}
	var snap hardware.Snapshot
	if err := json.Unmarshal([]byte(r.HardwareJSON), &snap); err != nil {
		return hardware.Snapshot{}, fmt.Errorf("failed to decode stored hardware snapshot: %w", err)
	}
	return snap, nil
}

// SetHardware serializes a hardware snapshot into the record
func (r *LicenseRecord) SetHardware(snap hardware.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode hardware snapshot: %w", err)
	}
	r.HardwareJSON = string(data)
	return nil
}

// HasHardware reports whether a non-empty hardware snapshot is bound
func (r *LicenseRecord) HasHardware() bool {
	snap, err := r.Hardware()
	if err != nil {
		return false
	}
	return !snap.IsEmpty()
}
