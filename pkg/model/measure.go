package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cast"
)

var (
	// ErrInvalidConfig marks configuration errors that must be rejected
	// before any work starts
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNotFound is returned by repositories for unknown ids
	ErrNotFound = errors.New("not found")
)

// Measure is a millimetre value that accepts JSON numbers as well as numeric
// strings. Coercion happens at Float time so that garbled input surfaces as a
// configuration error instead of a silent zero.
type Measure struct {
	raw interface{}
}

// MM builds a Measure from a float
func MM(v float64) Measure {
	return Measure{raw: v}
}

// IsSet reports whether a value was supplied
func (m Measure) IsSet() bool {
	if m.raw == nil {
		return false
	}
	if s, ok := m.raw.(string); ok {
		return strings.TrimSpace(s) != ""
	}
	return true
}

// Float coerces the stored value to float64
func (m Measure) Float() (float64, error) {
	if !m.IsSet() {
		return 0, fmt.Errorf("%w: value is missing", ErrInvalidConfig)
	}
	raw := m.raw
	if s, ok := raw.(string); ok {
		raw = strings.TrimSpace(s)
	}
	v, err := cast.ToFloat64E(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidConfig, fmt.Sprint(m.raw))
	}
	return v, nil
}

// UnmarshalJSON implements json.Unmarshaler
func (m *Measure) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	m.raw = v
	return nil
}

// MarshalJSON implements json.Marshaler
func (m Measure) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.raw)
}
