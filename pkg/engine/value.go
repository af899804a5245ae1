package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ValueType is the declared type of a parameter or step output.
type ValueType string

const (
	ValueTypeString  ValueType = "String"
	ValueTypeBoolean ValueType = "Boolean"
	ValueTypeNumber  ValueType = "Number"
)

// Validate checks if the value type is valid. The empty type means String.
func (t ValueType) Validate() error {
	switch t {
	case "", ValueTypeString, ValueTypeBoolean, ValueTypeNumber:
		return nil
	default:
		return fmt.Errorf("invalid value type: %s", t)
	}
}

// Value is a scalar held in parameters and in the execution context.
// The zero Value is unset.
type Value struct {
	kind ValueType
	s    string
	b    bool
	n    float64
}

// String returns a string value.
func String(s string) Value { return Value{kind: ValueTypeString, s: s} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: ValueTypeBoolean, b: b} }

// Number returns a numeric value.
func Number(n float64) Value { return Value{kind: ValueTypeNumber, n: n} }

// Int returns a numeric value from an int.
func Int(i int) Value { return Number(float64(i)) }

// ValueOf converts a Go scalar into a Value.
func ValueOf(x interface{}) (Value, error) {
	switch v := x.(type) {
	case Value:
		return v, nil
	case string:
		return String(v), nil
	case bool:
		return Bool(v), nil
	case int:
		return Number(float64(v)), nil
	case int32:
		return Number(float64(v)), nil
	case int64:
		return Number(float64(v)), nil
	case float32:
		return Number(float64(v)), nil
	case float64:
		return Number(v), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", v, err)
		}
		return Number(f), nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", x)
	}
}

// Type returns the value's type.
func (v Value) Type() ValueType { return v.kind }

// IsZero reports whether the value is unset.
func (v Value) IsZero() bool { return v.kind == "" }

// String renders the value as text. Numbers without a fractional part render
// as integers.
func (v Value) String() string {
	switch v.kind {
	case ValueTypeBoolean:
		return strconv.FormatBool(v.b)
	case ValueTypeNumber:
		return strconv.FormatFloat(v.n, 'f', -1, 64)
	default:
		return v.s
	}
}

// AsBool interprets the value as a boolean. Strings "true"/"false" are accepted.
func (v Value) AsBool() (bool, error) {
	switch v.kind {
	case ValueTypeBoolean:
		return v.b, nil
	case ValueTypeString:
		b, err := strconv.ParseBool(strings.TrimSpace(v.s))
		if err != nil {
			return false, fmt.Errorf("%q is not a boolean", v.s)
		}
		return b, nil
	default:
		return false, fmt.Errorf("%s value %s is not a boolean", v.kind, v.String())
	}
}

// AsNumber interprets the value as a number. Numeric strings are accepted.
func (v Value) AsNumber() (float64, error) {
	switch v.kind {
	case ValueTypeNumber:
		return v.n, nil
	case ValueTypeString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.s), 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", v.s)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%s value %s is not a number", v.kind, v.String())
	}
}

// AsInt interprets the value as a whole number.
func (v Value) AsInt() (int, error) {
	f, err := v.AsNumber()
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("%s is not a whole number", v.String())
	}
	return int(f), nil
}

// Coerce converts the value to the given type.
func (v Value) Coerce(t ValueType) (Value, error) {
	switch t {
	case "", ValueTypeString:
		return String(v.String()), nil
	case ValueTypeBoolean:
		b, err := v.AsBool()
		if err != nil {
			return Value{}, err
		}
		return Bool(b), nil
	case ValueTypeNumber:
		n, err := v.AsNumber()
		if err != nil {
			return Value{}, err
		}
		return Number(n), nil
	default:
		return Value{}, fmt.Errorf("invalid value type: %s", t)
	}
}

// Interface returns the value as a plain Go value.
func (v Value) Interface() interface{} {
	switch v.kind {
	case ValueTypeBoolean:
		return v.b
	case ValueTypeNumber:
		return v.n
	case ValueTypeString:
		return v.s
	default:
		return nil
	}
}

// MarshalJSON encodes the value as its JSON scalar.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// UnmarshalJSON decodes a JSON scalar.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*v = Value{}
		return nil
	}
	decoded, err := ValueOf(raw)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

// MarshalYAML encodes the value as its YAML scalar.
func (v Value) MarshalYAML() (interface{}, error) {
	return v.Interface(), nil
}

// Parameters holds the caller-supplied values for a run.
type Parameters map[string]Value

// Clone returns a copy of the parameters.
func (p Parameters) Clone() Parameters {
	out := make(Parameters, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// ParametersFrom converts a plain map into Parameters.
func ParametersFrom(m map[string]interface{}) (Parameters, error) {
	out := make(Parameters, len(m))
	for k, raw := range m {
		v, err := ValueOf(raw)
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}
