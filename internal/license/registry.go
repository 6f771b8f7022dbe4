package license

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"aquacli/internal/config"
	"aquacli/internal/hardware"
)

// RemoteStatus is the registry's authoritative answer for one license
type RemoteStatus struct {
	Valid              bool       `json:"valid"`
	Status             string     `json:"status"`
	Message            string     `json:"message"`
	ExpiryDate         *time.Time `json:"expiry_date,omitempty"`
	HasHardwareBinding bool       `json:"has_hardware_binding"`
	Tier               string     `json:"tier,omitempty"`
}

// RemoteRecord is one registry row as returned by ListAll, carrying the
// bound hardware needed for auto-recovery matching
type RemoteRecord struct {
	LicenseKey string            `json:"license_key"`
	Hardware   hardware.Snapshot `json:"hardware"`
	Name       string            `json:"name,omitempty"`
	Email      string            `json:"email,omitempty"`
	RemoteStatus
}

// Registry is the remote license registry contract. A nil error means the
// registry answered authoritatively, even when the answer is "revoked";
// errors carry the taxonomy kinds (ErrNetworkUnavailable,
// ErrRegistryProtocol) for classification.
type Registry interface {
	Validate(ctx context.Context, licenseKey string, snap hardware.Snapshot) (*RemoteStatus, error)
	ListAll(ctx context.Context) ([]RemoteRecord, error)
	PushBinding(ctx context.Context, licenseKey string, snap hardware.Snapshot, name, email string) error
}

// HTTPRegistry talks JSON over HTTP to the license registry. Outbound
// calls are throttled with a token bucket so a stuck retry loop cannot
// hammer the server.
type HTTPRegistry struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewHTTPRegistry creates a registry client from configuration
func NewHTTPRegistry(cfg config.RegistryConfig, logger *slog.Logger) *HTTPRegistry {
	rps := cfg.RequestsPerS
	if rps <= 0 {
		rps = 1
	}
	return &HTTPRegistry{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), 3),
		logger:  logger.With(slog.String("component", "registry_client")),
	}
}

type validateRequest struct {
	LicenseKey string            `json:"license_key"`
	Hardware   hardware.Snapshot `json:"hardware"`
}

type bindingRequest struct {
	LicenseKey string            `json:"license_key"`
	Hardware   hardware.Snapshot `json:"hardware"`
	Name       string            `json:"name,omitempty"`
	Email      string            `json:"email,omitempty"`
}

// Validate asks the registry whether one license is valid on this hardware
func (r *HTTPRegistry) Validate(ctx context.Context, licenseKey string, snap hardware.Snapshot) (*RemoteStatus, error) {
	var status RemoteStatus
	err := r.doJSON(ctx, http.MethodPost, "/v1/licenses/validate",
		validateRequest{LicenseKey: licenseKey, Hardware: snap}, &status)
	if err != nil {
		return nil, err
	}
	return &status, nil
}

// ListAll fetches every license record the registry holds for this product
func (r *HTTPRegistry) ListAll(ctx context.Context) ([]RemoteRecord, error) {
	var payload struct {
		Licenses []RemoteRecord `json:"licenses"`
	}
	if err := r.doJSON(ctx, http.MethodGet, "/v1/licenses", nil, &payload); err != nil {
		return nil, err
	}
	return payload.Licenses, nil
}

// PushBinding records the hardware binding for a freshly activated license
func (r *HTTPRegistry) PushBinding(ctx context.Context, licenseKey string, snap hardware.Snapshot, name, email string) error {
	var ack struct {
		OK bool `json:"ok"`
	}
	err := r.doJSON(ctx, http.MethodPost, "/v1/licenses/binding",
		bindingRequest{LicenseKey: licenseKey, Hardware: snap, Name: name, Email: email}, &ack)
	if err != nil {
		return err
	}
	if !ack.OK {
		return fmt.Errorf("%w: binding not acknowledged", ErrRegistryProtocol)
	}
	return nil
}

// doJSON performs one request and maps transport failures, server errors
// and undecodable bodies onto the error taxonomy.
func (r *HTTPRegistry) doJSON(ctx context.Context, method, path string, body, out any) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: server returned %d", ErrNetworkUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d", ErrRegistryProtocol, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		r.logger.Warn("Registry returned undecodable body",
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
		)
		return fmt.Errorf("%w: %v", ErrRegistryProtocol, err)
	}
	return nil
}

// validateWithRetry runs the registry validation under the retry policy:
// up to maxAttempts with a fixed delay, classifying only the final
// outcome so transient errors cannot flap between "revoked" and
// "offline grace". A nil error with a populated status is authoritative.
func validateWithRetry(ctx context.Context, reg Registry, licenseKey string, snap hardware.Snapshot,
	maxAttempts int, delay time.Duration, logger *slog.Logger) (*RemoteStatus, error) {

	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		status, err := reg.Validate(ctx, licenseKey, snap)
		if err == nil {
			return status, nil
		}
		lastErr = err

		logger.Debug("Registry validation attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxAttempts),
			slog.String("error", err.Error()),
		)

		if attempt < maxAttempts {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, ctx.Err())
			}
		}
	}
	return nil, lastErr
}
