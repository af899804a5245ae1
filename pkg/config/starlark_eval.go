package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// StarlarkEvaluator executes Starlark configuration scripts. A script builds
// the configuration procedurally and assigns it to the global "config".
type StarlarkEvaluator struct {
	timeout time.Duration
	getenv  func(string) string
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{
		timeout: timeout,
		getenv:  os.Getenv,
	}
}

// Evaluate runs the script and decodes its "config" global onto f.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, name string, script []byte, f *File) []ValidationError {
	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  "rightsize-config",
		Print: func(_ *starlark.Thread, _ string) {},
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-evalCtx.Done():
			thread.Cancel(fmt.Sprintf("configuration evaluation stopped: %v", evalCtx.Err()))
		case <-done:
		}
	}()

	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"getenv": starlark.NewBuiltin("getenv", se.builtinGetenv),
	}

	globals, err := starlark.ExecFile(thread, name, script, predeclared)
	if err != nil {
		return starlarkErrors(name, err)
	}

	cfg, ok := globals["config"]
	if !ok {
		return []ValidationError{{File: name, Message: "script does not assign config"}}
	}
	goVal, err := toGo("config", cfg)
	if err != nil {
		return []ValidationError{{File: name, Message: err.Error()}}
	}

	data, err := json.Marshal(goVal)
	if err != nil {
		return []ValidationError{{File: name, Message: fmt.Sprintf("failed to encode config: %v", err)}}
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(f); err != nil {
		return []ValidationError{{File: name, Message: fmt.Sprintf("failed to decode config: %v", err)}}
	}
	return nil
}

// builtinGetenv implements getenv(name, default="").
func (se *StarlarkEvaluator) builtinGetenv(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, def string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "default?", &def); err != nil {
		return nil, err
	}
	if v := se.getenv(name); v != "" {
		return starlark.String(v), nil
	}
	return starlark.String(def), nil
}

// starlarkErrors reports an evaluation error at the innermost call frame.
func starlarkErrors(name string, err error) []ValidationError {
	ve := ValidationError{File: name, Message: err.Error()}
	if evalErr, ok := err.(*starlark.EvalError); ok {
		ve.Message = evalErr.Msg
		if n := len(evalErr.CallStack); n > 0 {
			pos := evalErr.CallStack[n-1].Pos
			ve.Line = int(pos.Line)
			ve.Column = int(pos.Col)
		}
	}
	return []ValidationError{ve}
}

// toGo converts a Starlark value into the JSON-shaped value the File
// decoder expects. path names the value in error messages.
func toGo(path string, v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		if i, ok := val.Int64(); ok {
			return i, nil
		}
		return nil, fmt.Errorf("%s: integer %s out of range", path, val)
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case starlark.Bytes:
		return string(val), nil
	case *starlark.Dict:
		out := make(map[string]interface{}, val.Len())
		for _, kv := range val.Items() {
			key, ok := starlark.AsString(kv[0])
			if !ok {
				return nil, fmt.Errorf("%s: key %s is a %s, not a string", path, kv[0], kv[0].Type())
			}
			item, err := toGo(path+"."+key, kv[1])
			if err != nil {
				return nil, err
			}
			out[key] = item
		}
		return out, nil
	case *starlarkstruct.Struct:
		out := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", path, name, err)
			}
			item, err := toGo(path+"."+name, attr)
			if err != nil {
				return nil, err
			}
			out[name] = item
		}
		return out, nil
	case starlark.Indexable:
		// lists and tuples
		out := make([]interface{}, val.Len())
		for i := range out {
			item, err := toGo(fmt.Sprintf("%s[%d]", path, i), val.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = item
		}
		return out, nil
	}
	return nil, fmt.Errorf("%s: %s values are not supported", path, v.Type())
}
