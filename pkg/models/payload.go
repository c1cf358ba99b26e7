package models

import (
	"bytes"
	"encoding/json"
)

// Payload is an opaque JSON document carried by workflows (config) and tasks (output).
type Payload json.RawMessage

// NewPayload marshals v into a Payload.
func NewPayload(v any) (Payload, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Payload(b), nil
}

// IsEmpty reports whether the payload holds no document at all.
func (p Payload) IsEmpty() bool {
	return len(bytes.TrimSpace(p)) == 0
}

// Decode unmarshals the payload into an untyped JSON value.
func (p Payload) Decode() (any, error) {
	var v any
	if err := json.Unmarshal(p, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Object unmarshals the payload as a JSON object. Empty payloads decode to an empty map.
func (p Payload) Object() (map[string]any, error) {
	m := map[string]any{}
	if p.IsEmpty() {
		return m, nil
	}
	if err := json.Unmarshal(p, &m); err != nil {
		return map[string]any{}, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// String returns the payload text as stored.
func (p Payload) String() string {
	return string(p)
}

func (p Payload) MarshalJSON() ([]byte, error) {
	if p.IsEmpty() {
		return []byte("null"), nil
	}
	return json.RawMessage(p).MarshalJSON()
}

func (p *Payload) UnmarshalJSON(b []byte) error {
	*p = append((*p)[:0], b...)
	return nil
}
