package plans

import (
	"context"
	"fmt"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/recowave/recowave/pkg/orchestrator"
)

// DefaultScriptTimeout bounds a single config-script evaluation.
const DefaultScriptTimeout = 30 * time.Second

// ScriptEvaluator runs a wave's Starlark config script once per member
// server to derive its launch configuration. The script sees a "server"
// dict (id, hostname, region, tags) and must assign a "config" dict:
//
//	config = {
//	    "instance_type": "m5.large" if server["tags"].get("tier") == "db" else "t3.medium",
//	    "copy_private_ip": True,
//	}
type ScriptEvaluator struct {
	timeout time.Duration
}

// NewScriptEvaluator creates a script evaluator. A zero timeout gets
// DefaultScriptTimeout.
func NewScriptEvaluator(timeout time.Duration) *ScriptEvaluator {
	if timeout == 0 {
		timeout = DefaultScriptTimeout
	}
	return &ScriptEvaluator{timeout: timeout}
}

// BuildLaunchConfigs evaluates the script for each server and returns the
// derived launch configurations keyed by source server id. A script error
// for any server fails the whole build; partial configuration sets are
// worse than none.
func (se *ScriptEvaluator) BuildLaunchConfigs(ctx context.Context, script string, servers []orchestrator.SourceServer) (map[string]map[string]any, error) {
	configs := make(map[string]map[string]any, len(servers))
	for i := range servers {
		cfg, err := se.evaluate(ctx, script, &servers[i])
		if err != nil {
			return nil, fmt.Errorf("config script failed for server %s: %w", servers[i].SourceServerID, err)
		}
		configs[servers[i].SourceServerID] = cfg
	}
	return configs, nil
}

// evaluate runs the script for one server under the evaluator's timeout.
func (se *ScriptEvaluator) evaluate(ctx context.Context, script string, server *orchestrator.SourceServer) (map[string]any, error) {
	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	type outcome struct {
		config map[string]any
		err    error
	}
	resultCh := make(chan outcome, 1)

	go func() {
		cfg, err := se.evaluateSync(script, server)
		resultCh <- outcome{config: cfg, err: err}
	}()

	select {
	case <-evalCtx.Done():
		return nil, fmt.Errorf("script execution timeout after %v", se.timeout)
	case res := <-resultCh:
		return res.config, res.err
	}
}

func (se *ScriptEvaluator) evaluateSync(script string, server *orchestrator.SourceServer) (map[string]any, error) {
	thread := &starlark.Thread{
		Name: "recowave",
		Print: func(_ *starlark.Thread, _ string) {
			// Scripts have no output channel
		},
	}

	serverVal, err := toStarlarkValue(serverInput(server))
	if err != nil {
		return nil, fmt.Errorf("failed to convert server input: %w", err)
	}

	predeclared := starlark.StringDict{
		"struct":    starlarkstruct.Default,
		"range":     starlark.NewBuiltin("range", builtinRange),
		"enumerate": starlark.NewBuiltin("enumerate", builtinEnumerate),
		"server":    serverVal,
	}

	opts := &syntax.FileOptions{TopLevelControl: true, GlobalReassign: true}
	globals, err := starlark.ExecFileOptions(opts, thread, "config.star", script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("script execution failed: %w", err)
	}

	configVal, ok := globals["config"]
	if !ok {
		return nil, fmt.Errorf("script did not assign a config dict")
	}
	raw, err := fromStarlarkValue(configVal)
	if err != nil {
		return nil, fmt.Errorf("failed to convert config: %w", err)
	}
	config, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("config must be a dict, got %s", configVal.Type())
	}
	return config, nil
}

// serverInput builds the input document the script sees for one server.
func serverInput(server *orchestrator.SourceServer) map[string]any {
	tags := make(map[string]any, len(server.Tags))
	for k, v := range server.Tags {
		tags[k] = v
	}
	return map[string]any{
		"id":       server.SourceServerID,
		"hostname": server.Hostname,
		"region":   server.Region,
		"tags":     tags,
	}
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v any) (starlark.Value, error) {
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
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			converted, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = converted
		}
		return starlark.NewList(list), nil
	case map[string]any:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			converted, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), converted); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (any, error) {
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
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]any, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]any)
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
		dict := make(map[string]any)
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

// builtinRange implements the range() built-in function.
func builtinRange(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var start, stop, step int64 = 0, 0, 1

	switch len(args) {
	case 1:
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "stop", &stop); err != nil {
			return nil, err
		}
	case 2:
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "start", &start, "stop", &stop); err != nil {
			return nil, err
		}
	case 3:
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "start", &start, "stop", &stop, "step", &step); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("range takes 1 to 3 arguments, got %d", len(args))
	}

	if step == 0 {
		return nil, fmt.Errorf("range step cannot be zero")
	}

	var list []starlark.Value
	if step > 0 {
		for i := start; i < stop; i += step {
			list = append(list, starlark.MakeInt64(i))
		}
	} else {
		for i := start; i > stop; i += step {
			list = append(list, starlark.MakeInt64(i))
		}
	}
	return starlark.NewList(list), nil
}

// builtinEnumerate implements the enumerate() built-in function.
func builtinEnumerate(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var iterable starlark.Iterable
	var start int64

	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "iterable", &iterable, "start?", &start); err != nil {
		return nil, err
	}

	iter := iterable.Iterate()
	defer iter.Done()

	var list []starlark.Value
	var x starlark.Value
	i := start
	for iter.Next(&x) {
		list = append(list, starlark.Tuple{starlark.MakeInt64(i), x})
		i++
	}
	return starlark.NewList(list), nil
}
