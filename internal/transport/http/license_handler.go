// Package http contains the chi handlers exposing license state to the
// local web UI. Handlers shape service responses; they hold no license
// logic of their own.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apierrors "aquacli/internal/errors"
	"aquacli/internal/infrastructure"
	"aquacli/internal/services"
)

// licenseKeyPattern accepts dashed uppercase keys such as AQ-XXXX-XXXX-XXXX
var licenseKeyPattern = regexp.MustCompile(`^AQ(-[A-Z0-9]{3,6}){2,4}$`)

// Bounds for the diagnostics log listing
const (
	defaultLogLimit = 50
	maxLogLimit     = 200
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("licensekey", func(fl validator.FieldLevel) bool {
		return licenseKeyPattern.MatchString(fl.Field().String())
	})
	return v
}

// LicenseHandler handles license-related HTTP requests
type LicenseHandler struct {
	service services.LicenseService
	logger  *slog.Logger
}

// NewLicenseHandler creates a license handler
func NewLicenseHandler(service services.LicenseService, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "license")),
	}
}

// ActivationRequest is the POST /activate payload
type ActivationRequest struct {
	LicenseKey string `json:"license_key" validate:"required,licensekey"`
	Name       string `json:"name,omitempty" validate:"omitempty,max=128"`
	Email      string `json:"email,omitempty" validate:"omitempty,email"`
}

// Bind implements render.Binder
func (a *ActivationRequest) Bind(r *http.Request) error {
	return validate.Struct(a)
}

// Routes returns the chi router for license endpoints
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/status", h.GetStatus)
	r.Get("/grace", h.GetGrace)
	r.Get("/logs", h.GetLogs)
	r.Post("/activate", h.Activate)
	r.Post("/verify", h.Verify)

	return r
}

// GetStatus handles GET /api/license/status. It never triggers a network
// validation; the response reflects stored state only.
func (h *LicenseHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := infrastructure.EnsureTraceID(r.Context())

	resp, err := h.service.GetStatus(ctx)
	if err != nil {
		h.renderError(ctx, w, r, err, "")
		return
	}
	render.JSON(w, r, resp)
}

// GetGrace handles GET /api/license/grace
func (h *LicenseHandler) GetGrace(w http.ResponseWriter, r *http.Request) {
	ctx := infrastructure.EnsureTraceID(r.Context())

	resp, err := h.service.GetGraceStatus(ctx)
	if err != nil {
		h.renderError(ctx, w, r, err, "")
		return
	}
	render.JSON(w, r, resp)
}

// GetLogs handles GET /api/license/logs, the diagnostics trail of
// recent validation checks and security events
func (h *LicenseHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	ctx := infrastructure.EnsureTraceID(r.Context())

	limit := defaultLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= maxLogLimit {
			limit = n
		}
	}

	resp, err := h.service.GetAuditLog(ctx, limit)
	if err != nil {
		h.renderError(ctx, w, r, err, "")
		return
	}
	render.JSON(w, r, resp)
}

// Activate handles POST /api/license/activate
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx := infrastructure.EnsureTraceID(r.Context())
	start := time.Now()

	var req ActivationRequest
	if err := render.Bind(r, &req); err != nil {
		h.logger.WarnContext(ctx, "Invalid activation request",
			slog.String("error", err.Error()),
		)
		render.Render(w, r, apierrors.InvalidRequestWithError(err).
			WithTraceID(infrastructure.GetTraceID(ctx)))
		return
	}

	resp, err := h.service.Activate(ctx, req.LicenseKey, req.Name, req.Email)
	if err != nil {
		h.renderError(ctx, w, r, err, resp.Message)
		return
	}

	h.logger.InfoContext(ctx, "License activated via API",
		slog.Duration("latency", time.Since(start)),
	)
	render.JSON(w, r, resp)
}

// Verify handles POST /api/license/verify, the user-triggered re-check
func (h *LicenseHandler) Verify(w http.ResponseWriter, r *http.Request) {
	ctx := infrastructure.EnsureTraceID(r.Context())

	resp, err := h.service.Verify(ctx)
	if err != nil {
		h.renderError(ctx, w, r, err, resp.Message)
		return
	}
	render.JSON(w, r, resp)
}

// renderError maps a service failure onto the API error envelope. The
// orchestrator's user-facing message, when present, wins over the
// envelope default. ctx is the trace-enriched context from the handler,
// not r.Context(), so the envelope and the log share the trace id.
func (h *LicenseHandler) renderError(ctx context.Context, w http.ResponseWriter, r *http.Request, err error, message string) {
	apiErr := apierrors.FromLicenseError(err, message).
		WithTraceID(infrastructure.GetTraceID(ctx))

	h.logger.WarnContext(ctx, "License request failed",
		slog.String("path", r.URL.Path),
		slog.Int("status", apiErr.StatusCode),
		slog.String("error_code", apiErr.ErrorCode),
		slog.String("error", err.Error()),
	)
	render.Render(w, r, apiErr)
}
