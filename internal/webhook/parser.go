package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/fjod/go_cart/reconciler-service/internal/domain"
	"github.com/shopspring/decimal"
)

// Format tags which decoder produced an Event.
type Format int

const (
	FormatUnparsed Format = iota
	FormatJSON
	FormatForm
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatForm:
		return "form"
	default:
		return "unparsed"
	}
}

var ErrEmptyPayload = errors.New("empty webhook payload")

// Event is a gateway notification normalized from any of the supported wire formats.
type Event struct {
	Format        Format
	EventID       string
	Type          string
	OrderID       string
	OrderCode     string
	TransactionID string
	// State is empty when the gateway status could not be mapped.
	State        domain.PaymentState
	GatewayState string
	Amount       decimal.Decimal
	Currency     string
	Method       string
	ErrorMessage string
	Metadata     map[string]any
	ContentType  string
	Raw          []byte
}

var (
	eventIDKeys       = []string{"eventId", "event_id", "webhookId", "webhook_id", "id"}
	typeKeys          = []string{"type", "eventType", "event_type", "event"}
	orderIDKeys       = []string{"orderId", "order_id", "orderID"}
	orderCodeKeys     = []string{"orderCode", "order_code", "merchantReference", "merchant_reference", "reference"}
	transactionIDKeys = []string{"transactionId", "transaction_id", "externalTransactionId", "external_transaction_id", "paymentId", "payment_id", "payment_intent", "chargeId", "charge_id"}
	stateKeys         = []string{"state", "status", "paymentState", "paymentStatus", "payment_status"}
	amountKeys        = []string{"amount", "totalAmount", "total_amount"}
	currencyKeys      = []string{"currency", "currencyCode", "currency_code"}
	methodKeys        = []string{"method", "paymentMethod", "payment_method", "gateway", "provider"}
	errorKeys         = []string{"errorMessage", "error_message", "failureMessage", "failure_message", "declineReason", "decline_reason", "reason"}
)

// containerPaths are searched in order after the root object.
var containerPaths = [][]string{
	{"data"},
	{"data", "object"},
	{"data", "object", "metadata"},
	{"data", "metadata"},
	{"metadata"},
	{"payload"},
	{"payload", "metadata"},
}

// Parse decodes raw as JSON, then as a form body whose values may themselves be JSON,
// and otherwise returns an Unparsed event carrying the raw bytes. An error is only
// reported for an empty body; an event is always returned.
func Parse(raw []byte, contentType string) (Event, error) {
	event := Event{
		Format:      FormatUnparsed,
		ContentType: contentType,
		Raw:         raw,
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return event, ErrEmptyPayload
	}

	if root, ok := decodeJSONObject(raw); ok {
		event.Format = FormatJSON
		event.fill(root)
		return event, nil
	}
	if root, ok := decodeForm(raw); ok {
		event.Format = FormatForm
		event.fill(root)
		return event, nil
	}
	return event, nil
}

func decodeJSONObject(raw []byte) (map[string]any, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var root map[string]any
	if err := dec.Decode(&root); err != nil || root == nil {
		return nil, false
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, false
	}
	return root, true
}

func decodeJSONValue(s string) (any, bool) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil, false
	}
	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, false
	}
	return v, true
}

func decodeForm(raw []byte) (map[string]any, bool) {
	if !utf8.Valid(raw) || !bytes.Contains(raw, []byte("=")) {
		return nil, false
	}
	values, err := url.ParseQuery(string(bytes.TrimSpace(raw)))
	if err != nil || len(values) == 0 {
		return nil, false
	}

	root := make(map[string]any, len(values))
	hasValue := false
	for key, vals := range values {
		if key == "" || len(vals) == 0 {
			return nil, false
		}
		v := vals[0]
		if v != "" {
			hasValue = true
		}
		if nested, ok := decodeJSONValue(v); ok {
			root[key] = nested
		} else {
			root[key] = v
		}
	}
	return root, hasValue
}

func (e *Event) fill(root map[string]any) {
	scopes := collectScopes(root)
	consumed := make(map[string]bool)

	e.EventID = lookupRoot(root, consumed, eventIDKeys)
	e.Type = lookupRoot(root, consumed, typeKeys)
	e.OrderID = lookup(scopes, consumed, orderIDKeys)
	e.OrderCode = lookup(scopes, consumed, orderCodeKeys)
	e.TransactionID = lookup(scopes, consumed, transactionIDKeys)
	if e.TransactionID == "" {
		if object, ok := resolve(root, []string{"data", "object"}); ok {
			if e.TransactionID = stringify(object["id"]); e.TransactionID != "" {
				consumed["data.object.id"] = true
			}
		}
	}
	e.GatewayState = lookup(scopes, consumed, stateKeys)
	e.Currency = strings.ToUpper(lookup(scopes, consumed, currencyKeys))
	e.Method = lookup(scopes, consumed, methodKeys)
	e.ErrorMessage = lookup(scopes, consumed, errorKeys)

	if amount, path := find(scopes, amountKeys); amount != "" {
		if d, err := decimal.NewFromString(amount); err == nil {
			e.Amount = d
			consumed[path] = true
		}
	}

	e.State = NormalizeState(e.GatewayState)
	if e.State == "" && e.Type != "" {
		suffix := e.Type
		if i := strings.LastIndex(suffix, "."); i >= 0 {
			suffix = suffix[i+1:]
		}
		e.State = NormalizeState(suffix)
	}

	e.Metadata = uninterpreted(root, "", consumed)
}

// NormalizeState maps gateway status vocabulary onto payment states. Unknown words
// yield "".
func NormalizeState(s string) domain.PaymentState {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "created", "pending", "processing", "requires_payment_method", "requires_action", "open":
		return domain.PaymentStateCreated
	case "authorized", "authorised", "requires_capture", "approved":
		return domain.PaymentStateAuthorized
	case "settled", "succeeded", "success", "paid", "captured", "completed":
		return domain.PaymentStateSettled
	case "declined", "failed", "failure", "canceled", "cancelled", "rejected", "expired", "error", "payment_failed":
		return domain.PaymentStateDeclined
	default:
		return ""
	}
}

// scope is an object searched for fields, addressed by its dotted path from the root.
type scope struct {
	path   string
	values map[string]any
}

func collectScopes(root map[string]any) []scope {
	scopes := []scope{{values: root}}
	seen := make(map[string]bool)
	for _, path := range containerPaths {
		if m, ok := resolve(root, path); ok {
			scopes = append(scopes, scope{path: strings.Join(path, "."), values: m})
			seen[path[0]] = true
		}
	}

	keys := make([]string, 0, len(root))
	for key := range root {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if seen[key] {
			continue
		}
		if m, ok := root[key].(map[string]any); ok {
			scopes = append(scopes, scope{path: key, values: m})
		}
	}
	return scopes
}

func resolve(root map[string]any, path []string) (map[string]any, bool) {
	current := root
	for _, key := range path {
		next, ok := current[key].(map[string]any)
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

func lookupRoot(root map[string]any, consumed map[string]bool, keys []string) string {
	for _, key := range keys {
		if s := stringify(root[key]); s != "" {
			consumed[key] = true
			return s
		}
	}
	return ""
}

func lookup(scopes []scope, consumed map[string]bool, keys []string) string {
	s, path := find(scopes, keys)
	if s != "" {
		consumed[path] = true
	}
	return s
}

// find returns the first non-empty value for keys and the dotted path it came from.
func find(scopes []scope, keys []string) (string, string) {
	for _, sc := range scopes {
		for _, key := range keys {
			if s := stringify(sc.values[key]); s != "" {
				return s, joinPath(sc.path, key)
			}
		}
	}
	return "", ""
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// uninterpreted copies m without consumed fields. A nested object whose fields were
// all interpreted is dropped with them.
func uninterpreted(m map[string]any, prefix string, consumed map[string]bool) map[string]any {
	out := make(map[string]any)
	for key, v := range m {
		path := joinPath(prefix, key)
		if consumed[path] {
			continue
		}
		if nested, ok := v.(map[string]any); ok && len(nested) > 0 {
			if rest := uninterpreted(nested, path, consumed); len(rest) > 0 {
				out[key] = rest
			}
			continue
		}
		out[key] = v
	}
	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}
