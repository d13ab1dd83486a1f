package http

import (
	"context"
	"testing"
	"time"

	"github.com/fjod/go_cart/reconciler-service/internal/service"
	"github.com/fjod/go_cart/reconciler-service/internal/webhook"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const (
	testWebhookSecret = "whsec_test_secret"
	testJWTSecret     = "admin-signing-key"
)

type MockReconciler struct {
	Result service.ReconcileResult
	Err    error
	Events []webhook.Event
}

func (m *MockReconciler) Apply(_ context.Context, event webhook.Event) (service.ReconcileResult, error) {
	m.Events = append(m.Events, event)
	return m.Result, m.Err
}

type MockCanceller struct {
	Result     service.CancelResult
	Err        error
	Principal  service.Principal
	CustomerID string
}

func (m *MockCanceller) CancelActiveOrder(_ context.Context, principal service.Principal, customerID string) (service.CancelResult, error) {
	m.Principal = principal
	m.CustomerID = customerID
	return m.Result, m.Err
}

type MockScanner struct {
	Report   service.ScanReport
	Err      error
	MinAge   time.Duration
	MaxBatch int
	Calls    int
}

func (m *MockScanner) Scan(_ context.Context, minAge time.Duration, maxBatch int) (service.ScanReport, error) {
	m.Calls++
	m.MinAge = minAge
	m.MaxBatch = maxBatch
	return m.Report, m.Err
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return "Bearer " + signed
}
