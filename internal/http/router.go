package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

type Handlers struct {
	Webhooks *WebhookHandler
	Admin    *AdminHandler
	Auth     *Authenticator
}

func NewRouter(h Handlers, requestTimeout time.Duration, log *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/webhooks/payments", h.Webhooks.HandlePayment)

	r.Route("/admin", func(r chi.Router) {
		r.Use(h.Auth.Middleware)
		r.Post("/customers/{customer_id}/cancel-active-order", h.Admin.CancelActiveOrder)
		r.Post("/stuck-orders/scan", h.Admin.ScanStuckOrders)
	})

	return otelhttp.NewHandler(r, "reconciler-http")
}
