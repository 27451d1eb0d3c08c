package option

import (
	"encoding/json"
	"fmt"
)

const (
	kindSome = "some"
	kindNone = "none"
)

// envelope is the wire form shared by the directory service and its clients
type envelope struct {
	Kind   string          `json:"kind"`
	Value  json.RawMessage `json:"value,omitempty"`
	Reason Reason          `json:"reason,omitempty"`
	Detail string          `json:"detail,omitempty"`
}

// MarshalJSON encodes the option as {"kind":"some","value":...} or {"kind":"none","reason":...}
func (o Option[T]) MarshalJSON() ([]byte, error) {
	if !o.present {
		return json.Marshal(envelope{Kind: kindNone, Reason: o.reason, Detail: o.detail})
	}
	raw, err := json.Marshal(o.value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Kind: kindSome, Value: raw})
}

// UnmarshalJSON decodes the envelope; unknown kinds or reasons are rejected
func (o *Option[T]) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	switch env.Kind {
	case kindSome:
		if len(env.Value) == 0 {
			return fmt.Errorf("option: some without value")
		}
		var v T
		if err := json.Unmarshal(env.Value, &v); err != nil {
			return fmt.Errorf("option: decode value: %w", err)
		}
		*o = Some(v)
	case kindNone:
		if !env.Reason.Valid() {
			return fmt.Errorf("option: unknown reason %q", string(env.Reason))
		}
		*o = Option[T]{reason: env.Reason, detail: env.Detail}
	default:
		return fmt.Errorf("option: unknown kind %q", env.Kind)
	}
	return nil
}
