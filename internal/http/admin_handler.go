package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/fjod/go_cart/reconciler-service/internal/service"
	"github.com/fjod/go_cart/reconciler-service/pkg/logger"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type ActiveOrderCanceller interface {
	CancelActiveOrder(ctx context.Context, principal service.Principal, customerID string) (service.CancelResult, error)
}

type StuckOrderScanner interface {
	Scan(ctx context.Context, minAge time.Duration, maxBatch int) (service.ScanReport, error)
}

type AdminHandler struct {
	override ActiveOrderCanceller
	scanner  StuckOrderScanner
	minAge   time.Duration
	maxBatch int
	log      *zap.Logger
}

// NewAdminHandler takes the scan defaults used when a request omits them.
func NewAdminHandler(override ActiveOrderCanceller, scanner StuckOrderScanner, minAge time.Duration, maxBatch int, log *zap.Logger) *AdminHandler {
	return &AdminHandler{
		override: override,
		scanner:  scanner,
		minAge:   minAge,
		maxBatch: maxBatch,
		log:      log,
	}
}

func (h *AdminHandler) CancelActiveOrder(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing operator authentication")
		return
	}

	customerID := chi.URLParam(r, "customer_id")
	result, err := h.override.CancelActiveOrder(r.Context(), principal, customerID)
	switch {
	case errors.Is(err, service.ErrForbidden):
		respondErrorDetails(w, http.StatusForbidden, "forbidden", "operator lacks the required capability", service.CapabilityCancelOrders)
		return
	case errors.Is(err, service.ErrMissingCustomerID):
		respondError(w, http.StatusBadRequest, "invalid_customer_id", "customer id is required")
		return
	case err != nil:
		logger.FromContext(r.Context(), h.log).Error("administrative cancel failed",
			zap.String("customer_id", customerID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to cancel order")
		return
	}

	if !result.Success {
		respondJSON(w, http.StatusConflict, result)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// ScanStuckOrders runs one scan now. min_age_minutes and max_batch override the
// configured defaults.
func (h *AdminHandler) ScanStuckOrders(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing operator authentication")
		return
	}
	if !principal.Has(service.CapabilityScanOrders) {
		respondErrorDetails(w, http.StatusForbidden, "forbidden", "operator lacks the required capability", service.CapabilityScanOrders)
		return
	}

	minAge := h.minAge
	if v := r.URL.Query().Get("min_age_minutes"); v != "" {
		minutes, err := strconv.Atoi(v)
		if err != nil || minutes <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_min_age", "min_age_minutes must be a positive integer")
			return
		}
		minAge = time.Duration(minutes) * time.Minute
	}
	maxBatch := h.maxBatch
	if v := r.URL.Query().Get("max_batch"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_max_batch", "max_batch must be a positive integer")
			return
		}
		maxBatch = n
	}

	log := logger.FromContext(r.Context(), h.log)
	log.Info("on-demand stuck-order scan", zap.String("operator", principal.Subject))

	report, err := h.scanner.Scan(r.Context(), minAge, maxBatch)
	if errors.Is(err, service.ErrInvalidScanParams) {
		respondError(w, http.StatusBadRequest, "invalid_scan_params", err.Error())
		return
	}
	if err != nil {
		log.Error("on-demand scan failed", zap.Int("scanned", report.Scanned), zap.Error(err))
		respondErrorDetails(w, http.StatusInternalServerError, "internal_error", "stuck-order scan failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, report)
}
