// Package event defines the unit relayed end to end and its queue wire format.
package event

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/xraph/crmrelay/internal/failure"
	"github.com/xraph/crmrelay/schema"
)

// Event is a customer update submitted by the sender.
type Event struct {
	// Token is the signed credential proving sender authenticity.
	Token string `json:"token"`

	// TenantID selects the tenant secrets and config. Must equal the token subject.
	TenantID string `json:"tenantId"`

	// ProcedureName is the remote procedure invoked on the target.
	ProcedureName string `json:"procedureName"`

	// Payload is forwarded to the target verbatim (serialized).
	Payload json.RawMessage `json:"payload,omitempty"`
}

// bodySchema constrains the inbound request body. TenantID doubles as a blob
// name prefix and ProcedureName as a URL path segment, so both are restricted.
var bodySchema = schema.MustCompile("event", `{
	"type": "object",
	"required": ["token", "tenantId", "procedureName"],
	"properties": {
		"token": {"type": "string", "minLength": 1},
		"tenantId": {"type": "string", "pattern": "^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$"},
		"procedureName": {"type": "string", "pattern": "^[A-Za-z0-9_]+(/[A-Za-z0-9_]+)*$"}
	}
}`)

// Parse builds an Event from a request body, rejecting empty, malformed, or
// schema-violating input with ErrInvalidPayload.
func Parse(body []byte) (*Event, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("%w: empty body", failure.ErrInvalidPayload)
	}
	if err := bodySchema.ValidateJSON(body); err != nil {
		return nil, fmt.Errorf("%w: %s", failure.ErrInvalidPayload, err.Error())
	}

	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, fmt.Errorf("%w: %s", failure.ErrInvalidPayload, err.Error())
	}
	return &evt, nil
}

// Encode returns the queue wire form: base64 of the JSON serialization.
func Encode(evt *Event) ([]byte, error) {
	raw, err := marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("event: marshal: %w", err)
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(out, raw)
	return out, nil
}

// Decode reverses Encode and re-applies the request body schema, so a message
// altered in the queue cannot smuggle an unchecked tenant or procedure name.
// Any failure is an ErrInvalidPayload, since a message that cannot be decoded
// will never succeed on redelivery.
func Decode(body []byte) (*Event, error) {
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(body)))
	n, err := base64.StdEncoding.Decode(raw, bytes.TrimSpace(body))
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %s", failure.ErrInvalidPayload, err.Error())
	}

	if err := bodySchema.ValidateJSON(raw[:n]); err != nil {
		return nil, fmt.Errorf("%w: %s", failure.ErrInvalidPayload, err.Error())
	}

	var evt Event
	if err := json.Unmarshal(raw[:n], &evt); err != nil {
		return nil, fmt.Errorf("%w: json: %s", failure.ErrInvalidPayload, err.Error())
	}
	return &evt, nil
}

// marshal is json.Marshal without HTML escaping, so payload text such as
// "<a & b>" survives the queue byte for byte.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// PayloadText returns the compact JSON text of the payload, or "null" when absent.
func (e *Event) PayloadText() (string, error) {
	if len(bytes.TrimSpace(e.Payload)) == 0 {
		return "null", nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, e.Payload); err != nil {
		return "", fmt.Errorf("%w: payload: %s", failure.ErrInvalidPayload, err.Error())
	}
	return buf.String(), nil
}
