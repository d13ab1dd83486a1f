package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fjod/go_cart/reconciler-service/internal/domain"
	"github.com/fjod/go_cart/reconciler-service/internal/repository"
	"github.com/fjod/go_cart/reconciler-service/internal/service"
	"github.com/fjod/go_cart/reconciler-service/internal/webhook"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newSignedRequest(body, contentType string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(DefaultSignatureHeader, webhook.Sign([]byte(body), testWebhookSecret))
	return req
}

func newTestWebhookHandler(reconciler PaymentReconciler, maxBody int64) *WebhookHandler {
	return NewWebhookHandler(reconciler, webhook.HMACVerifier{}, testWebhookSecret, "", maxBody, zap.NewNop())
}

func decodeResult(t *testing.T, recorder *httptest.ResponseRecorder) service.ReconcileResult {
	t.Helper()
	var result service.ReconcileResult
	require.NoError(t, json.NewDecoder(recorder.Body).Decode(&result))
	return result
}

func TestHandlePayment_SettlesOrder(t *testing.T) {
	repo := repository.NewMemoryRepository(time.Now)
	require.NoError(t, repo.CreateOrder(context.Background(), &domain.Order{
		ID:          "order-1",
		Code:        "A100",
		State:       domain.OrderStateArrangingPayment,
		Active:      true,
		CustomerID:  "cust-1",
		TotalAmount: decimal.RequireFromString("49.90"),
		Currency:    "EUR",
	}))
	handler := newTestWebhookHandler(service.NewReconciler(repo, zap.NewNop()), 0)
	body := `{"orderId":"order-1","transactionId":"txn-1","state":"Settled","amount":"49.90","currency":"EUR"}`

	recorder := httptest.NewRecorder()
	handler.HandlePayment(recorder, newSignedRequest(body, "application/json"))

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, service.OutcomeApplied, decodeResult(t, recorder).Outcome)
	order, ok := repo.Order("order-1")
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatePaymentSettled, order.State)

	// gateway retry of the same delivery
	recorder = httptest.NewRecorder()
	handler.HandlePayment(recorder, newSignedRequest(body, "application/json"))

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, service.OutcomeAlreadyApplied, decodeResult(t, recorder).Outcome)
}

func TestHandlePayment_FormBodyWithJSONField(t *testing.T) {
	reconciler := &MockReconciler{Result: service.ReconcileResult{Outcome: service.OutcomeApplied}}
	handler := newTestWebhookHandler(reconciler, 0)
	body := `payload=%7B%22orderId%22%3A%22order-1%22%2C%22transactionId%22%3A%22txn-9%22%2C%22state%22%3A%22Authorized%22%7D`

	recorder := httptest.NewRecorder()
	handler.HandlePayment(recorder, newSignedRequest(body, "application/x-www-form-urlencoded"))

	require.Equal(t, http.StatusOK, recorder.Code)
	require.Len(t, reconciler.Events, 1)
	event := reconciler.Events[0]
	assert.Equal(t, webhook.FormatForm, event.Format)
	assert.Equal(t, "txn-9", event.TransactionID)
	assert.Equal(t, domain.PaymentStateAuthorized, event.State)
}

func TestHandlePayment_UnparsedIsAcknowledged(t *testing.T) {
	repo := repository.NewMemoryRepository(time.Now)
	handler := newTestWebhookHandler(service.NewReconciler(repo, zap.NewNop()), 0)

	recorder := httptest.NewRecorder()
	handler.HandlePayment(recorder, newSignedRequest("<xml>not supported</xml>", "text/xml"))

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, service.OutcomeUnparsed, decodeResult(t, recorder).Outcome)
	events := repo.Events()
	require.Len(t, events, 1)
	assert.Equal(t, service.EventUnparsedWebhook, events[0].EventType)
}

func TestHandlePayment_SignatureFailures(t *testing.T) {
	body := `{"orderId":"order-1","transactionId":"txn-1","state":"Settled"}`

	tests := []struct {
		name      string
		signature string
		wantCode  string
	}{
		{"missing", "", "missing_signature"},
		{"wrong secret", webhook.Sign([]byte(body), "other-secret"), "invalid_signature"},
		{"tampered body", webhook.Sign([]byte(strings.Replace(body, "Settled", "Declined", 1)), testWebhookSecret), "invalid_signature"},
		{"garbage", "sha256=zzzz", "invalid_signature"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reconciler := &MockReconciler{}
			handler := newTestWebhookHandler(reconciler, 0)
			req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader(body))
			if tt.signature != "" {
				req.Header.Set(DefaultSignatureHeader, tt.signature)
			}

			recorder := httptest.NewRecorder()
			handler.HandlePayment(recorder, req)

			assert.Equal(t, http.StatusBadRequest, recorder.Code)
			var resp ErrorResponse
			require.NoError(t, json.NewDecoder(recorder.Body).Decode(&resp))
			assert.Equal(t, tt.wantCode, resp.Code)
			assert.Empty(t, reconciler.Events, "rejected deliveries never reach the reconciler")
		})
	}
}

func TestHandlePayment_CustomSignatureHeader(t *testing.T) {
	reconciler := &MockReconciler{Result: service.ReconcileResult{Outcome: service.OutcomeIgnored}}
	handler := NewWebhookHandler(reconciler, webhook.HMACVerifier{}, testWebhookSecret, "X-Gateway-Signature", 0, zap.NewNop())
	body := `{"transactionId":"txn-1"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader(body))
	req.Header.Set("X-Gateway-Signature", webhook.Sign([]byte(body), testWebhookSecret))

	recorder := httptest.NewRecorder()
	handler.HandlePayment(recorder, req)

	assert.Equal(t, http.StatusOK, recorder.Code)
}

func TestHandlePayment_BodyTooLarge(t *testing.T) {
	reconciler := &MockReconciler{}
	handler := newTestWebhookHandler(reconciler, 16)
	body := string(bytes.Repeat([]byte("a"), 64))

	recorder := httptest.NewRecorder()
	handler.HandlePayment(recorder, newSignedRequest(body, "text/plain"))

	assert.Equal(t, http.StatusRequestEntityTooLarge, recorder.Code)
	assert.Empty(t, reconciler.Events)
}

func TestHandlePayment_EmptyBody(t *testing.T) {
	handler := newTestWebhookHandler(&MockReconciler{}, 0)

	recorder := httptest.NewRecorder()
	handler.HandlePayment(recorder, newSignedRequest("", "application/json"))

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestHandlePayment_StoreFailureAsksForRetry(t *testing.T) {
	reconciler := &MockReconciler{Err: errors.New("connection reset")}
	handler := newTestWebhookHandler(reconciler, 0)
	body := `{"orderId":"order-1","transactionId":"txn-1","state":"Settled"}`

	recorder := httptest.NewRecorder()
	handler.HandlePayment(recorder, newSignedRequest(body, "application/json"))

	assert.Equal(t, http.StatusInternalServerError, recorder.Code)
}
