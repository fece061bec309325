package models

import (
	"bytes"
	"encoding/json"
	"errors"
)

// PayloadKind tags the top-level JSON value carried by a Payload.
type PayloadKind string

const (
	KindObject PayloadKind = "object"
	KindArray  PayloadKind = "array"
	KindString PayloadKind = "string"
	KindNumber PayloadKind = "number"
	KindBool   PayloadKind = "bool"
	KindNull   PayloadKind = "null"
)

var emptyObject = []byte("{}")

// Payload is an opaque JSON value relayed between the client and the bridge.
// It is never bound to a schema; only the top-level kind is inspected.
type Payload struct {
	raw  json.RawMessage
	kind PayloadKind
}

var errEmptyPayload = errors.New("empty payload")

// ParsePayload validates raw as a single JSON value and tags its kind.
func ParsePayload(raw []byte) (Payload, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Payload{}, errEmptyPayload
	}
	if !json.Valid(trimmed) {
		return Payload{}, errors.New("invalid json payload")
	}
	out := make([]byte, len(trimmed))
	copy(out, trimmed)
	return Payload{raw: out, kind: kindOf(out[0])}, nil
}

// PayloadOrEmpty parses raw and falls back to an empty object when the body is
// absent or not valid JSON. The second return reports whether raw was used.
func PayloadOrEmpty(raw []byte) (Payload, bool) {
	p, err := ParsePayload(raw)
	if err != nil {
		return EmptyObject(), false
	}
	return p, true
}

func EmptyObject() Payload {
	return Payload{raw: append(json.RawMessage(nil), emptyObject...), kind: KindObject}
}

// ErrorPayload builds the gateway's {"error": msg} body.
func ErrorPayload(msg string) Payload {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return Payload{raw: b, kind: KindObject}
}

// TextPayload wraps non-JSON text as a JSON string value.
func TextPayload(text string) Payload {
	b, _ := json.Marshal(text)
	return Payload{raw: b, kind: KindString}
}

// RawPayload wraps bytes that are already known to be JSON, such as an
// upstream response body. Non-JSON bytes are kept as-is and tagged by their
// first byte; callers relay them without inspection.
func RawPayload(raw []byte) Payload {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Payload{}
	}
	return Payload{raw: append(json.RawMessage(nil), raw...), kind: kindOf(trimmed[0])}
}

func (p Payload) Kind() PayloadKind { return p.kind }

func (p Payload) Bytes() []byte { return p.raw }

func (p Payload) IsZero() bool { return len(p.raw) == 0 }

func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p.raw) == 0 {
		return []byte("null"), nil
	}
	return p.raw, nil
}

func (p *Payload) UnmarshalJSON(b []byte) error {
	parsed, err := ParsePayload(b)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func kindOf(first byte) PayloadKind {
	switch first {
	case '{':
		return KindObject
	case '[':
		return KindArray
	case '"':
		return KindString
	case 't', 'f':
		return KindBool
	case 'n':
		return KindNull
	default:
		return KindNumber
	}
}
