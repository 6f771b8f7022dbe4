package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormStore is the SQLite-backed record store used by the desktop build
type GormStore struct {
	db *gorm.DB
}

// Open opens (creating if necessary) the local license database and runs
// migrations for the record and audit tables.
func Open(path string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open license database %s: %w", path, err)
	}

	if err := db.AutoMigrate(&LicenseRecord{}, &ValidationLog{}, &SecurityEvent{}); err != nil {
		return nil, fmt.Errorf("failed to migrate license database: %w", err)
	}

	return &GormStore{db: db}, nil
}

// GetLatest returns the most recently updated license record
func (s *GormStore) GetLatest(ctx context.Context) (*LicenseRecord, error) {
	var rec LicenseRecord
	err := s.db.WithContext(ctx).Order("updated_at DESC").First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoRecord
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load license record: %w", err)
	}
	return &rec, nil
}

// Upsert persists the record, creating it on first use
func (s *GormStore) Upsert(ctx context.Context, rec *LicenseRecord) error {
	if err := s.db.WithContext(ctx).Save(rec).Error; err != nil {
		return fmt.Errorf("failed to persist license record: %w", err)
	}
	return nil
}

// AppendValidationLog writes one append-only audit row
func (s *GormStore) AppendValidationLog(ctx context.Context, licenseID *uint, checkType, result, message string) error {
	row := ValidationLog{
		ID:        uuid.New().String(),
		LicenseID: licenseID,
		CheckType: checkType,
		Result:    result,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to append validation log: %w", err)
	}
	return nil
}

// AppendSecurityEvent writes one append-only security anomaly row
func (s *GormStore) AppendSecurityEvent(ctx context.Context, licenseID *uint, eventType, details string) error {
	row := SecurityEvent{
		ID:        uuid.New().String(),
		LicenseID: licenseID,
		EventType: eventType,
		Details:   details,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to append security event: %w", err)
	}
	return nil
}

// Close releases the underlying SQLite handle
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}
	return sqlDB.Close()
}

// RecentValidationLogs returns the newest audit rows for diagnostics
func (s *GormStore) RecentValidationLogs(ctx context.Context, limit int) ([]ValidationLog, error) {
	var rows []ValidationLog
	err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load validation logs: %w", err)
	}
	return rows, nil
}

// RecentSecurityEvents returns the newest security anomaly rows
func (s *GormStore) RecentSecurityEvents(ctx context.Context, limit int) ([]SecurityEvent, error) {
	var rows []SecurityEvent
	err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load security events: %w", err)
	}
	return rows, nil
}
