package http

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/fjod/go_cart/reconciler-service/internal/service"
	"github.com/fjod/go_cart/reconciler-service/pkg/logger"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

type contextKey string

const principalKey contextKey = "principal"

var (
	errMissingToken   = errors.New("missing bearer token")
	errInvalidToken   = errors.New("invalid token")
	errAuthDisabled   = errors.New("admin authentication is not configured")
	errMissingSubject = errors.New("token has no subject")
)

func WithPrincipal(ctx context.Context, p service.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func PrincipalFromContext(ctx context.Context) (service.Principal, bool) {
	p, ok := ctx.Value(principalKey).(service.Principal)
	return p, ok
}

// Authenticator validates HS256 operator tokens. Capabilities come from a
// "capabilities" array claim or a space-delimited "scope" claim.
type Authenticator struct {
	secret []byte
	log    *zap.Logger
}

func NewAuthenticator(secret string, log *zap.Logger) *Authenticator {
	return &Authenticator{secret: []byte(secret), log: log}
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := a.Principal(r.Header.Get("Authorization"))
		if err != nil {
			logger.FromContext(r.Context(), a.log).Info("admin request rejected", zap.Error(err))
			respondErrorDetails(w, http.StatusUnauthorized, "unauthorized", "authentication required", err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// Principal parses an Authorization header value.
func (a *Authenticator) Principal(header string) (service.Principal, error) {
	if len(a.secret) == 0 {
		return service.Principal{}, errAuthDisabled
	}
	tokenStr, ok := strings.CutPrefix(strings.TrimSpace(header), "Bearer ")
	if !ok || strings.TrimSpace(tokenStr) == "" {
		return service.Principal{}, errMissingToken
	}

	token, err := jwt.Parse(strings.TrimSpace(tokenStr), func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return service.Principal{}, errInvalidToken
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return service.Principal{}, errInvalidToken
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return service.Principal{}, errMissingSubject
	}
	return service.Principal{Subject: subject, Capabilities: capabilities(claims)}, nil
}

func capabilities(claims jwt.MapClaims) []string {
	var caps []string
	if list, ok := claims["capabilities"].([]interface{}); ok {
		for _, c := range list {
			if s, ok := c.(string); ok && s != "" {
				caps = append(caps, s)
			}
		}
	}
	if scope, ok := claims["scope"].(string); ok {
		caps = append(caps, strings.Fields(scope)...)
	}
	return caps
}

// RequestLogger logs one line per request with the request id and trace attached.
func RequestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.FromContext(r.Context(), log).Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr))
		})
	}
}
