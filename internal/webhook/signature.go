package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

const (
	SchemeHMACSHA256 = "hmac-sha256"
	SchemeStripe     = "stripe"

	hmacPrefix = "sha256="
)

var ErrUnknownScheme = errors.New("unknown signature scheme")

// Verifier authenticates a webhook delivery from the exact bytes received on the wire.
// Implementations fail closed and have no side effects.
type Verifier interface {
	Verify(raw []byte, signatureHeader string, secret string) bool
}

func NewVerifier(scheme string, stripeTolerance time.Duration) (Verifier, error) {
	switch strings.ToLower(strings.TrimSpace(scheme)) {
	case "", SchemeHMACSHA256:
		return HMACVerifier{}, nil
	case SchemeStripe:
		return StripeVerifier{Tolerance: stripeTolerance}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}
}

// HMACVerifier checks an HMAC-SHA256 of the body. The header may be "sha256=<hex>",
// bare hex, or standard base64.
type HMACVerifier struct{}

func (HMACVerifier) Verify(raw []byte, signatureHeader string, secret string) bool {
	if secret == "" {
		return false
	}
	provided, ok := decodeSignature(signatureHeader)
	if !ok {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(raw)
	return hmac.Equal(mac.Sum(nil), provided)
}

func decodeSignature(header string) ([]byte, bool) {
	header = strings.TrimSpace(header)
	if len(header) > len(hmacPrefix) && strings.EqualFold(header[:len(hmacPrefix)], hmacPrefix) {
		header = header[len(hmacPrefix):]
	}
	if header == "" {
		return nil, false
	}

	if sig, err := hex.DecodeString(header); err == nil && len(sig) == sha256.Size {
		return sig, true
	}
	if sig, err := base64.StdEncoding.DecodeString(header); err == nil && len(sig) == sha256.Size {
		return sig, true
	}
	return nil, false
}

// Sign returns the "sha256=<hex>" header value HMACVerifier accepts for raw.
func Sign(raw []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(raw)
	return hmacPrefix + hex.EncodeToString(mac.Sum(nil))
}

// StripeVerifier validates Stripe-Signature headers (t=...,v1=...), including the
// timestamp tolerance.
type StripeVerifier struct {
	Tolerance time.Duration
}

func (v StripeVerifier) Verify(raw []byte, signatureHeader string, secret string) bool {
	if secret == "" || signatureHeader == "" {
		return false
	}
	tolerance := v.Tolerance
	if tolerance <= 0 {
		tolerance = stripewebhook.DefaultTolerance
	}
	return stripewebhook.ValidatePayloadWithTolerance(raw, signatureHeader, secret, tolerance) == nil
}
