package components

import (
	"context"
	"fmt"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// DefaultScriptTimeout bounds a single values script evaluation.
const DefaultScriptTimeout = 30 * time.Second

// ValuesScript is a Starlark program that computes chart values.
//
// The script sees these predeclared names:
//
//	base          dict of the component's static values
//	component     component id
//	environment   deployment environment
//	kube_context  kube context the release targets
//	merge(a, b)   deep merge of two dicts, b wins
//
// and must bind a top-level dict named values. The result is deep-merged
// over the static values.
type ValuesScript struct {
	name    string
	source  string
	timeout time.Duration
}

// NewValuesScript creates a script from source. Syntax errors surface on
// Evaluate.
func NewValuesScript(name, source string, timeout time.Duration) *ValuesScript {
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	return &ValuesScript{name: name, source: source, timeout: timeout}
}

// ScriptInput is what a values script can read.
type ScriptInput struct {
	Base        map[string]interface{}
	Component   string
	Environment string
	KubeContext string
}

// Evaluate runs the script and returns its values dict.
func (s *ValuesScript) Evaluate(ctx context.Context, in ScriptInput) (map[string]interface{}, error) {
	evalCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  s.name,
		Print: func(_ *starlark.Thread, _ string) {},
	}

	type outcome struct {
		values map[string]interface{}
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		values, err := s.evaluateSync(thread, in)
		done <- outcome{values, err}
	}()

	select {
	case <-evalCtx.Done():
		thread.Cancel("timeout")
		return nil, fmt.Errorf("values script %s: execution timeout after %v", s.name, s.timeout)
	case out := <-done:
		return out.values, out.err
	}
}

func (s *ValuesScript) evaluateSync(thread *starlark.Thread, in ScriptInput) (map[string]interface{}, error) {
	base, err := toStarlarkValue(in.Base)
	if err != nil {
		return nil, fmt.Errorf("values script %s: failed to convert base values: %w", s.name, err)
	}
	if base == starlark.None {
		base = starlark.NewDict(0)
	}

	predeclared := starlark.StringDict{
		"struct":       starlarkstruct.Default,
		"merge":        starlark.NewBuiltin("merge", builtinMerge),
		"base":         base,
		"component":    starlark.String(in.Component),
		"environment":  starlark.String(in.Environment),
		"kube_context": starlark.String(in.KubeContext),
	}

	globals, err := starlark.ExecFile(thread, s.name, s.source, predeclared)
	if err != nil {
		return nil, fmt.Errorf("values script %s failed: %w", s.name, err)
	}

	raw, ok := globals["values"]
	if !ok {
		return nil, fmt.Errorf("values script %s does not define values", s.name)
	}
	out, err := fromStarlarkValue(raw)
	if err != nil {
		return nil, fmt.Errorf("values script %s: %w", s.name, err)
	}
	values, ok := out.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("values script %s: values must be a dict, got %s", s.name, raw.Type())
	}
	return values, nil
}

// builtinMerge implements merge(a, b).
func builtinMerge(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var left, right *starlark.Dict
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &left, &right); err != nil {
		return nil, err
	}

	l, err := fromStarlarkValue(left)
	if err != nil {
		return nil, err
	}
	r, err := fromStarlarkValue(right)
	if err != nil {
		return nil, err
	}
	return toStarlarkValue(DeepMerge(l.(map[string]interface{}), r.(map[string]interface{})))
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, v := range val {
			starlarkVal, err := toStarlarkValue(v)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value. Integers come
// back as int so that they render the same as YAML-decoded values.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return int(i), nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			goItem, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = goItem
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
