package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// ErrMissingFlagName is returned when a flag document has no name.
var ErrMissingFlagName = errors.New("flag name is required")

// Payload is a tagged variant over the payload shapes a flag may carry. The
// zero value is an absent payload.
type Payload struct {
	kind PayloadKind
	str  string
	num  float64
	raw  json.RawMessage
}

// StringPayload returns a string payload.
func StringPayload(s string) Payload {
	return Payload{kind: PayloadString, str: s}
}

// NumberPayload returns a number payload.
func NumberPayload(n float64) Payload {
	return Payload{kind: PayloadNumber, num: n}
}

// JSONPayload returns a structured payload. raw must be valid JSON; invalid
// input yields an absent payload.
func JSONPayload(raw json.RawMessage) Payload {
	if !json.Valid(raw) {
		return Payload{}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return Payload{}
	}
	return Payload{kind: PayloadJSON, raw: buf.Bytes()}
}

// Kind returns the resolved kind, PayloadNone when absent.
func (p Payload) Kind() PayloadKind {
	if p.kind == "" {
		return PayloadNone
	}
	return p.kind
}

// Present reports whether the payload carries a value.
func (p Payload) Present() bool {
	return p.Kind() != PayloadNone
}

// AsString returns the string value when the payload is a string.
func (p Payload) AsString() (string, bool) {
	return p.str, p.kind == PayloadString
}

// AsNumber returns the numeric value when the payload is a number.
func (p Payload) AsNumber() (float64, bool) {
	return p.num, p.kind == PayloadNumber
}

// AsJSON returns the raw JSON when the payload is structured.
func (p Payload) AsJSON() (json.RawMessage, bool) {
	return p.raw, p.kind == PayloadJSON
}

// Clone returns a copy of p that shares no memory with it.
func (p Payload) Clone() Payload {
	if p.raw != nil {
		p.raw = append(json.RawMessage(nil), p.raw...)
	}
	return p
}

// MarshalJSON writes the payload in its wire form.
func (p Payload) MarshalJSON() ([]byte, error) {
	switch p.Kind() {
	case PayloadString:
		return json.Marshal(p.str)
	case PayloadNumber:
		return json.Marshal(p.num)
	case PayloadJSON:
		return p.raw, nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON infers the payload kind from the raw JSON value.
func (p *Payload) UnmarshalJSON(data []byte) error {
	*p = ResolvePayload("", data)
	return nil
}

// ResolvePayload resolves a raw wire payload against its declared kind. An
// empty kind infers the kind from the JSON value. Values that cannot be read
// as the declared kind resolve to an absent payload.
func ResolvePayload(kind PayloadKind, raw json.RawMessage) Payload {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || !json.Valid(raw) {
		return Payload{}
	}

	switch kind {
	case PayloadNone:
		return Payload{}
	case PayloadString:
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return StringPayload(s)
		}
		return StringPayload(string(raw))
	case PayloadNumber:
		return resolveNumber(raw)
	case PayloadJSON:
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			inner := strings.TrimSpace(s)
			if !strings.HasPrefix(inner, "{") && !strings.HasPrefix(inner, "[") {
				return Payload{}
			}
			return JSONPayload(json.RawMessage(inner))
		}
		return JSONPayload(raw)
	default:
		return inferPayload(raw)
	}
}

func resolveNumber(raw json.RawMessage) Payload {
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return NumberPayload(n)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return Payload{}
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || !isFinite(n) {
		return Payload{}
	}
	return NumberPayload(n)
}

func inferPayload(raw json.RawMessage) Payload {
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Payload{}
		}
		return StringPayload(s)
	case '{', '[', 't', 'f':
		return JSONPayload(raw)
	default:
		return resolveNumber(raw)
	}
}
