package engine

import (
	"fmt"
	"math"
	"regexp"
	"sort"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// CheckSelector reports whether a selector expression parses.
func CheckSelector(expr string) error {
	if expr == "" {
		return nil
	}
	if _, err := syntax.ParseExpr("selector", expr, 0); err != nil {
		return fmt.Errorf("invalid selector %q: %w", expr, err)
	}
	return nil
}

// Select evaluates a selector against an action's result document. The
// document is available as "result", and each top-level key that is a valid
// identifier is also predeclared, so `Attributes["InstanceType"]` and
// `result["State"]` both work. An empty selector returns the key named
// fallback.
func Select(doc map[string]interface{}, expr, fallback string) (interface{}, error) {
	if expr == "" {
		v, ok := doc[fallback]
		if !ok {
			return nil, fmt.Errorf("result has no field %q", fallback)
		}
		return v, nil
	}

	root, err := starlarkOf(doc)
	if err != nil {
		return nil, err
	}
	env := starlark.StringDict{"result": root}
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !identPattern.MatchString(k) || k == "result" {
			continue
		}
		v, err := starlarkOf(doc[k])
		if err != nil {
			return nil, err
		}
		env[k] = v
	}

	thread := &starlark.Thread{Name: "selector"}
	out, err := starlark.Eval(thread, "selector", expr, env)
	if err != nil {
		return nil, fmt.Errorf("selector %q failed: %w", expr, err)
	}
	return scalarOf(out)
}

// SelectValue evaluates a selector and coerces the result to a scalar of the
// declared type.
func SelectValue(doc map[string]interface{}, out Output) (Value, error) {
	raw, err := Select(doc, out.Selector, out.Name)
	if err != nil {
		return Value{}, err
	}
	v, err := ValueOf(raw)
	if err != nil {
		return Value{}, fmt.Errorf("output %s: %w", out.Name, err)
	}
	coerced, err := v.Coerce(out.Type)
	if err != nil {
		return Value{}, fmt.Errorf("output %s: %w", out.Name, err)
	}
	return coerced, nil
}

func starlarkOf(v interface{}) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			return starlark.MakeInt64(int64(val)), nil
		}
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, s := range val {
			list[i] = starlark.String(s)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := starlarkOf(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := starlarkOf(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case map[string]string:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			if err := dict.SetKey(starlark.String(k), starlark.String(item)); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type for selector document: %T", v)
	}
}

func scalarOf(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, fmt.Errorf("selector returned None")
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large: %s", val.String())
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	default:
		return nil, fmt.Errorf("selector must yield a scalar, got %s", v.Type())
	}
}
