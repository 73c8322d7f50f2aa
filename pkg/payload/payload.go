// Package payload holds the opaque client-submitted payment body. The
// service never validates it; it only projects a couple of fields out of it
// and stamps a dispatch timestamp onto the copy sent to a processor.
package payload

import (
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RequestedAtFormat is the wire format of the requestedAt stamp.
const RequestedAtFormat = "2006-01-02T15:04:05.000Z07:00"

// Payload wraps the pristine client bytes. The raw bytes are never mutated:
// requeues always see the body exactly as the client sent it, so every
// dispatch attempt gets a fresh requestedAt.
type Payload struct {
	raw []byte
}

func New(raw []byte) Payload {
	return Payload{raw: raw}
}

// Bytes returns the pristine client body.
func (p Payload) Bytes() []byte {
	return p.raw
}

// CorrelationID projects the correlationId field. Empty when absent or when
// the body is not a JSON object.
func (p Payload) CorrelationID() string {
	v := jsoniter.Get(p.raw, "correlationId")
	if v.ValueType() != jsoniter.StringValue {
		return ""
	}
	return v.ToString()
}

// Amount projects the amount field as a decimal. The second return is false
// when the field is absent or unparseable.
func (p Payload) Amount() (decimal.Decimal, bool) {
	v := jsoniter.Get(p.raw, "amount")
	switch v.ValueType() {
	case jsoniter.NumberValue, jsoniter.StringValue:
		d, err := decimal.NewFromString(v.ToString())
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	default:
		return decimal.Zero, false
	}
}

// WithRequestedAt returns a copy of the body augmented with a requestedAt
// field. A client-supplied requestedAt is overwritten. Bodies that are not
// JSON objects are forwarded verbatim; the processor is the authority on
// rejecting them.
func (p Payload) WithRequestedAt(t time.Time) []byte {
	var fields map[string]jsoniter.RawMessage
	if err := json.Unmarshal(p.raw, &fields); err != nil {
		return p.raw
	}
	if fields == nil {
		fields = make(map[string]jsoniter.RawMessage, 1)
	}

	stamp, err := json.Marshal(t.UTC().Format(RequestedAtFormat))
	if err != nil {
		return p.raw
	}
	fields["requestedAt"] = stamp

	out, err := json.Marshal(fields)
	if err != nil {
		return p.raw
	}
	return out
}
