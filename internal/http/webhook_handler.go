package http

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/fjod/go_cart/reconciler-service/internal/service"
	"github.com/fjod/go_cart/reconciler-service/internal/webhook"
	"github.com/fjod/go_cart/reconciler-service/pkg/logger"
	"go.uber.org/zap"
)

const (
	DefaultSignatureHeader = "X-Signature"
	DefaultMaxBodyBytes    = 1 << 20 // 1MB
)

type PaymentReconciler interface {
	Apply(ctx context.Context, event webhook.Event) (service.ReconcileResult, error)
}

type WebhookHandler struct {
	reconciler      PaymentReconciler
	verifier        webhook.Verifier
	secret          string
	signatureHeader string
	maxBodyBytes    int64
	log             *zap.Logger
}

func NewWebhookHandler(reconciler PaymentReconciler, verifier webhook.Verifier, secret, signatureHeader string, maxBodyBytes int64, log *zap.Logger) *WebhookHandler {
	if signatureHeader == "" {
		signatureHeader = DefaultSignatureHeader
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &WebhookHandler{
		reconciler:      reconciler,
		verifier:        verifier,
		secret:          secret,
		signatureHeader: signatureHeader,
		maxBodyBytes:    maxBodyBytes,
		log:             log,
	}
}

// HandlePayment verifies the exact received bytes, normalizes them and reconciles.
// Every business outcome is acknowledged with 200 so the gateway stops retrying;
// only store failures return 500.
func (h *WebhookHandler) HandlePayment(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context(), h.log)

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "webhook body exceeds the size limit")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_body", "failed to read webhook body")
		return
	}

	signature := r.Header.Get(h.signatureHeader)
	if signature == "" {
		log.Warn("webhook rejected: missing signature", zap.String("header", h.signatureHeader))
		respondError(w, http.StatusBadRequest, "missing_signature", "missing webhook signature")
		return
	}
	if !h.verifier.Verify(raw, signature, h.secret) {
		log.Warn("webhook rejected: invalid signature", zap.Int("body_bytes", len(raw)))
		respondError(w, http.StatusBadRequest, "invalid_signature", "webhook signature verification failed")
		return
	}

	event, err := webhook.Parse(raw, r.Header.Get("Content-Type"))
	if errors.Is(err, webhook.ErrEmptyPayload) {
		respondError(w, http.StatusBadRequest, "empty_payload", "webhook body is empty")
		return
	}

	result, err := h.reconciler.Apply(r.Context(), event)
	if err != nil {
		log.Error("failed to reconcile webhook", zap.String("transaction_id", event.TransactionID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to reconcile payment")
		return
	}

	respondJSON(w, http.StatusOK, result)
}
