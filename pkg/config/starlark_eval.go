package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

const launchLocalKey = "simlaunch.launch"

// StarlarkEvaluator executes .star launch scripts.
//
// A script declares its launch file by calling launch() exactly once:
//
//	model = arg("model", description = "Absolute path to robot model file")
//	launch(
//	    arguments = [model],
//	    actions = [
//	        process("rviz2", package = "rviz2", args = ["-d", var("rvizconfig")]),
//	    ],
//	)
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{
		timeout: timeout,
	}
}

// Evaluate executes script and returns the document passed to launch().
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, path string, script []byte) (map[string]interface{}, error) {
	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  path,
		Print: func(_ *starlark.Thread, msg string) {},
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-evalCtx.Done():
			thread.Cancel(fmt.Sprintf("execution timeout after %v", se.timeout))
		case <-stop:
		}
	}()

	if _, err := starlark.ExecFile(thread, path, script, launchBuiltins()); err != nil {
		if evalErr, ok := err.(*starlark.EvalError); ok {
			return nil, fmt.Errorf("starlark execution failed: %s", evalErr.Backtrace())
		}
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	result, ok := thread.Local(launchLocalKey).(starlark.Value)
	if !ok {
		return nil, fmt.Errorf("script did not call launch()")
	}

	doc, err := fromStarlarkValue(result)
	if err != nil {
		return nil, err
	}
	m, ok := doc.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("launch() produced %T, expected a dict", doc)
	}
	return m, nil
}

func launchBuiltins() starlark.StringDict {
	return starlark.StringDict{
		"struct":    starlarkstruct.Default,
		"arg":       starlark.NewBuiltin("arg", builtinArg),
		"var":       starlark.NewBuiltin("var", builtinVar),
		"env":       starlark.NewBuiltin("env", builtinEnv),
		"command":   starlark.NewBuiltin("command", builtinCommand),
		"join":      starlark.NewBuiltin("join", builtinJoin),
		"process":   starlark.NewBuiltin("process", builtinProcess),
		"component": starlark.NewBuiltin("component", builtinComponent),
		"include":   starlark.NewBuiltin("include", builtinInclude),
		"launch":    starlark.NewBuiltin("launch", builtinLaunch),
	}
}

// builtinArg implements arg(name, default=None, description="", choices=[]).
func builtinArg(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, description string
	var def starlark.Value = starlark.None
	var choices *starlark.List

	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"name", &name, "default?", &def, "description?", &description, "choices?", &choices); err != nil {
		return nil, err
	}

	out := map[string]interface{}{"name": name}
	if def != starlark.None {
		out["default"] = scalarString(def)
	}
	if description != "" {
		out["description"] = description
	}
	if choices != nil {
		list, err := stringList(b.Name(), "choices", choices)
		if err != nil {
			return nil, err
		}
		out["choices"] = list
	}
	return toStarlarkValue(out)
}

// builtinVar implements var(name).
func builtinVar(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &name); err != nil {
		return nil, err
	}
	return starlark.String("$(var " + name + ")"), nil
}

// builtinEnv implements env(name, default=None).
func builtinEnv(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var def starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "default?", &def); err != nil {
		return nil, err
	}
	if def == starlark.None {
		return starlark.String("$(env " + name + ")"), nil
	}
	d := scalarString(def)
	if strings.ContainsAny(d, " \t\n)") {
		return nil, fmt.Errorf("%s: default %q may not contain whitespace or ')'", b.Name(), d)
	}
	return starlark.String("$(env " + name + " " + d + ")"), nil
}

// builtinCommand implements command(tool, *args).
func builtinCommand(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%s: missing tool", b.Name())
	}
	words := make([]string, 0, len(args))
	for _, a := range args {
		words = append(words, scalarString(a))
	}
	return starlark.String("$(command " + strings.Join(words, " ") + ")"), nil
}

// builtinJoin implements join(*parts).
func builtinJoin(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
	}
	var sb strings.Builder
	for _, a := range args {
		sb.WriteString(scalarString(a))
	}
	return starlark.String(sb.String()), nil
}

// actionArgs are the keyword arguments shared by process() and component().
type actionArgs struct {
	name           string
	pkg            string
	executable     string
	plugin         string
	when           string
	unless         string
	output         string
	ready          string
	container      string
	ownsContainer  bool
	args           *starlark.List
	parameters     starlark.Value
	parameterFiles *starlark.List
	environment    *starlark.Dict
}

func (a *actionArgs) toMap(fnName, typ string) (map[string]interface{}, error) {
	out := map[string]interface{}{"type": typ}
	set := func(key, val string) {
		if val != "" {
			out[key] = val
		}
	}
	set("name", a.name)
	set("package", a.pkg)
	set("executable", a.executable)
	set("plugin", a.plugin)
	set("when", a.when)
	set("unless", a.unless)
	set("output", a.output)
	set("ready_pattern", a.ready)
	set("container", a.container)
	if a.ownsContainer {
		out["owns_container"] = true
	}

	if a.args != nil {
		list, err := stringList(fnName, "args", a.args)
		if err != nil {
			return nil, err
		}
		out["args"] = list
	}

	params, err := parameterList(fnName, a.parameters)
	if err != nil {
		return nil, err
	}
	if a.parameterFiles != nil {
		files, err := stringList(fnName, "parameter_files", a.parameterFiles)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			params = append(params, map[string]interface{}{"file": f})
		}
	}
	if len(params) > 0 {
		out["parameters"] = params
	}

	if a.environment != nil {
		env := make(map[string]interface{}, a.environment.Len())
		for _, item := range a.environment.Items() {
			k, ok := starlark.AsString(item[0])
			if !ok {
				return nil, fmt.Errorf("%s: environment keys must be strings", fnName)
			}
			env[k] = scalarString(item[1])
		}
		out["environment"] = env
	}
	return out, nil
}

// builtinProcess implements process(executable, package="", name="", args=[],
// parameters=None, parameter_files=[], environment={}, when="", unless="",
// output="", ready_pattern="").
func builtinProcess(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var a actionArgs
	a.parameters = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"executable", &a.executable,
		"package?", &a.pkg,
		"name?", &a.name,
		"args?", &a.args,
		"parameters?", &a.parameters,
		"parameter_files?", &a.parameterFiles,
		"environment?", &a.environment,
		"when?", &a.when,
		"unless?", &a.unless,
		"output?", &a.output,
		"ready_pattern?", &a.ready,
	); err != nil {
		return nil, err
	}
	out, err := a.toMap(b.Name(), "process")
	if err != nil {
		return nil, err
	}
	return toStarlarkValue(out)
}

// builtinComponent implements component(plugin, package="", name="",
// container="", owns_container=False, executable="", ...).
func builtinComponent(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var a actionArgs
	a.parameters = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"plugin", &a.plugin,
		"package?", &a.pkg,
		"name?", &a.name,
		"container?", &a.container,
		"owns_container?", &a.ownsContainer,
		"executable?", &a.executable,
		"args?", &a.args,
		"parameters?", &a.parameters,
		"parameter_files?", &a.parameterFiles,
		"environment?", &a.environment,
		"when?", &a.when,
		"unless?", &a.unless,
		"output?", &a.output,
		"ready_pattern?", &a.ready,
	); err != nil {
		return nil, err
	}
	out, err := a.toMap(b.Name(), "component")
	if err != nil {
		return nil, err
	}
	return toStarlarkValue(out)
}

// builtinInclude implements include(source, arguments={}, name="", when="", unless="").
func builtinInclude(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var source, name, when, unless string
	var overrides *starlark.Dict
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"source", &source, "arguments?", &overrides, "name?", &name, "when?", &when, "unless?", &unless); err != nil {
		return nil, err
	}

	inc := map[string]interface{}{"source": source}
	if overrides != nil {
		m := make(map[string]interface{}, overrides.Len())
		for _, item := range overrides.Items() {
			k, ok := starlark.AsString(item[0])
			if !ok {
				return nil, fmt.Errorf("%s: argument names must be strings", b.Name())
			}
			m[k] = scalarString(item[1])
		}
		inc["arguments"] = m
	}

	out := map[string]interface{}{"type": "include", "include": inc}
	if name != "" {
		out["name"] = name
	}
	if when != "" {
		out["when"] = when
	}
	if unless != "" {
		out["unless"] = unless
	}
	return toStarlarkValue(out)
}

// builtinLaunch implements launch(arguments=[], actions=[]).
func builtinLaunch(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var arguments, actions *starlark.List
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "arguments?", &arguments, "actions?", &actions); err != nil {
		return nil, err
	}
	if thread.Local(launchLocalKey) != nil {
		return nil, fmt.Errorf("%s: called more than once", b.Name())
	}

	doc := starlark.NewDict(2)
	if arguments == nil {
		arguments = starlark.NewList(nil)
	}
	if actions == nil {
		actions = starlark.NewList(nil)
	}
	if err := doc.SetKey(starlark.String("arguments"), arguments); err != nil {
		return nil, err
	}
	if err := doc.SetKey(starlark.String("actions"), actions); err != nil {
		return nil, err
	}
	doc.Freeze()
	thread.SetLocal(launchLocalKey, starlark.Value(doc))
	return starlark.None, nil
}

// parameterList accepts a dict (in insertion order) or a list of dicts.
func parameterList(fnName string, v starlark.Value) ([]interface{}, error) {
	switch val := v.(type) {
	case nil, starlark.NoneType:
		return nil, nil
	case *starlark.Dict:
		out := make([]interface{}, 0, val.Len())
		for _, item := range val.Items() {
			k, ok := starlark.AsString(item[0])
			if !ok {
				return nil, fmt.Errorf("%s: parameter names must be strings", fnName)
			}
			out = append(out, map[string]interface{}{"name": k, "value": scalarString(item[1])})
		}
		return out, nil
	case *starlark.List:
		converted, err := fromStarlarkValue(val)
		if err != nil {
			return nil, err
		}
		return converted.([]interface{}), nil
	default:
		return nil, fmt.Errorf("%s: parameters must be a dict or list, got %s", fnName, v.Type())
	}
}

func stringList(fnName, field string, l *starlark.List) ([]interface{}, error) {
	out := make([]interface{}, 0, l.Len())
	for i := 0; i < l.Len(); i++ {
		switch v := l.Index(i).(type) {
		case starlark.String, starlark.Int, starlark.Float, starlark.Bool:
			out = append(out, scalarString(v))
		default:
			return nil, fmt.Errorf("%s: %s[%d] must be a scalar, got %s", fnName, field, i, v.Type())
		}
	}
	return out, nil
}

// scalarString renders strings without quotes and other scalars in their
// Starlark form, except booleans which become "true"/"false".
func scalarString(v starlark.Value) string {
	switch val := v.(type) {
	case starlark.String:
		return string(val)
	case starlark.Bool:
		if val {
			return "true"
		}
		return "false"
	default:
		return v.String()
	}
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
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
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

// fromStarlarkValue converts a Starlark value to a Go value.
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
		return i, nil
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
		for i, elem := range val {
			item, err := fromStarlarkValue(elem)
			if err != nil {
				return nil, err
			}
			list[i] = item
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
