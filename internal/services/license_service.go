// Package services hosts the thin service layer between the license
// orchestrator and the HTTP transport. Services shape orchestrator
// results into API responses and own no validation logic themselves.
package services

import (
	"context"
	"log/slog"
	"time"

	"aquacli/internal/infrastructure"
	"aquacli/internal/license"
	"aquacli/internal/store"
)

// LicenseService exposes license operations to the transport layer
type LicenseService interface {
	// GetStatus composes the current status without any network calls
	GetStatus(ctx context.Context) (*LicenseStatusResponse, error)
	// Activate performs online activation and binds this machine
	Activate(ctx context.Context, key, name, email string) (*ActivationResponse, error)
	// Verify runs a manual, rate-limited re-validation
	Verify(ctx context.Context) (*VerifyResponse, error)
	// GetGraceStatus reports the offline grace window
	GetGraceStatus(ctx context.Context) (*GraceStatusResponse, error)
	// GetAuditLog returns the newest validation and security rows
	GetAuditLog(ctx context.Context, limit int) (*AuditLogResponse, error)
}

// AuditReader reads the diagnostics trail the validation engine writes.
// The engine only appends these rows; reading them is a service concern.
type AuditReader interface {
	RecentValidationLogs(ctx context.Context, limit int) ([]store.ValidationLog, error)
	RecentSecurityEvents(ctx context.Context, limit int) ([]store.SecurityEvent, error)
}

// LicenseStatusResponse is the GET /status payload
type LicenseStatusResponse struct {
	Message      string                     `json:"message"`
	GraceActive  bool                       `json:"grace_active"`
	GraceDays    int                        `json:"grace_days"`
	Verification license.VerificationStatus `json:"verification"`
	TraceID      string                     `json:"trace_id"`
	Timestamp    time.Time                  `json:"timestamp"`
}

// ActivationResponse is the POST /activate payload
type ActivationResponse struct {
	Success   bool       `json:"success"`
	Message   string     `json:"message"`
	Expiry    *time.Time `json:"expiry,omitempty"`
	TraceID   string     `json:"trace_id"`
	Timestamp time.Time  `json:"timestamp"`
}

// VerifyResponse is the POST /verify payload
type VerifyResponse struct {
	Valid        bool                       `json:"valid"`
	Message      string                     `json:"message"`
	Offline      bool                       `json:"offline"`
	Expiry       *time.Time                 `json:"expiry,omitempty"`
	Verification license.VerificationStatus `json:"verification"`
	TraceID      string                     `json:"trace_id"`
	Timestamp    time.Time                  `json:"timestamp"`
}

// GraceStatusResponse is the GET /grace payload
type GraceStatusResponse struct {
	Active        bool      `json:"active"`
	DaysRemaining int       `json:"days_remaining"`
	TraceID       string    `json:"trace_id"`
	Timestamp     time.Time `json:"timestamp"`
}

// AuditLogResponse is the GET /logs payload
type AuditLogResponse struct {
	Checks    []AuditCheck `json:"checks"`
	Security  []AuditEvent `json:"security_events"`
	TraceID   string       `json:"trace_id"`
	Timestamp time.Time    `json:"timestamp"`
}

// AuditCheck is one validation attempt in the diagnostics trail
type AuditCheck struct {
	CheckType string    `json:"check_type"`
	Result    string    `json:"result"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// AuditEvent is one recorded security anomaly
type AuditEvent struct {
	EventType string    `json:"event_type"`
	Details   string    `json:"details"`
	At        time.Time `json:"at"`
}

type licenseService struct {
	manager *license.Manager
	audit   AuditReader
	logger  *slog.Logger
}

// NewLicenseService creates the service over a validation manager and
// the audit trail reader
func NewLicenseService(manager *license.Manager, audit AuditReader, logger *slog.Logger) LicenseService {
	return &licenseService{
		manager: manager,
		audit:   audit,
		logger:  logger.With(slog.String("service", "license")),
	}
}

func (s *licenseService) GetStatus(ctx context.Context) (*LicenseStatusResponse, error) {
	active, days := s.manager.OfflineGrace(ctx)
	return &LicenseStatusResponse{
		Message:      s.manager.StatusSummary(ctx),
		GraceActive:  active,
		GraceDays:    days,
		Verification: s.manager.GetVerificationStatus(ctx),
		TraceID:      infrastructure.GetTraceID(ctx),
		Timestamp:    time.Now().UTC(),
	}, nil
}

func (s *licenseService) Activate(ctx context.Context, key, name, email string) (*ActivationResponse, error) {
	res, err := s.manager.Activate(ctx, key, name, email)
	if err != nil {
		s.logger.WarnContext(ctx, "Activation failed",
			slog.String("error", err.Error()),
		)
		return &ActivationResponse{
			Message:   res.Message,
			TraceID:   infrastructure.GetTraceID(ctx),
			Timestamp: time.Now().UTC(),
		}, err
	}

	return &ActivationResponse{
		Success:   true,
		Message:   res.Message,
		Expiry:    res.Expiry,
		TraceID:   infrastructure.GetTraceID(ctx),
		Timestamp: time.Now().UTC(),
	}, nil
}

func (s *licenseService) Verify(ctx context.Context) (*VerifyResponse, error) {
	res, err := s.manager.ValidateManual(ctx)
	resp := &VerifyResponse{
		Valid:        res.Valid,
		Message:      res.Message,
		Offline:      res.Offline,
		Expiry:       res.Expiry,
		Verification: s.manager.GetVerificationStatus(ctx),
		TraceID:      infrastructure.GetTraceID(ctx),
		Timestamp:    time.Now().UTC(),
	}
	return resp, err
}

func (s *licenseService) GetGraceStatus(ctx context.Context) (*GraceStatusResponse, error) {
	active, days := s.manager.OfflineGrace(ctx)
	return &GraceStatusResponse{
		Active:        active,
		DaysRemaining: days,
		TraceID:       infrastructure.GetTraceID(ctx),
		Timestamp:     time.Now().UTC(),
	}, nil
}

func (s *licenseService) GetAuditLog(ctx context.Context, limit int) (*AuditLogResponse, error) {
	logs, err := s.audit.RecentValidationLogs(ctx, limit)
	if err != nil {
		return nil, err
	}
	events, err := s.audit.RecentSecurityEvents(ctx, limit)
	if err != nil {
		return nil, err
	}

	resp := &AuditLogResponse{
		Checks:    make([]AuditCheck, 0, len(logs)),
		Security:  make([]AuditEvent, 0, len(events)),
		TraceID:   infrastructure.GetTraceID(ctx),
		Timestamp: time.Now().UTC(),
	}
	for _, l := range logs {
		resp.Checks = append(resp.Checks, AuditCheck{
			CheckType: l.CheckType,
			Result:    l.Result,
			Message:   l.Message,
			At:        l.CreatedAt,
		})
	}
	for _, e := range events {
		resp.Security = append(resp.Security, AuditEvent{
			EventType: e.EventType,
			Details:   e.Details,
			At:        e.CreatedAt,
		})
	}
	return resp, nil
}
