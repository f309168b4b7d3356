package config

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/mitchellh/mapstructure"

	"github.com/openfroyo/simlaunch/pkg/engine"
)

// decodeLaunchFile decodes a generic document produced by any front end.
// Unknown keys are rejected and scalar values are accepted for string fields.
func decodeLaunchFile(doc map[string]interface{}) (*LaunchFile, error) {
	var f LaunchFile
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:  stringifyScalars,
		ErrorUnused: true,
		TagName:     "mapstructure",
		Result:      &f,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(doc); err != nil {
		return nil, err
	}
	return &f, nil
}

// stringifyScalars lets `default: true` or `z: 0.5` decode into string fields.
func stringifyScalars(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if to.Kind() != reflect.String {
		return data, nil
	}
	switch from.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return fmt.Sprint(data), nil
	}
	return data, nil
}

// Description converts the launch file into an engine description. Include
// actions carry their source path; the Loader attaches the nested description.
func (f *LaunchFile) Description(source string) (*engine.LaunchDescription, error) {
	desc := &engine.LaunchDescription{
		Source:    source,
		Arguments: make([]engine.LaunchArgument, 0, len(f.Arguments)),
		Actions:   make([]engine.Action, 0, len(f.Actions)),
	}

	for _, a := range f.Arguments {
		desc.Arguments = append(desc.Arguments, engine.LaunchArgument{
			Name:        a.Name,
			Default:     a.Default,
			Description: a.Description,
			Choices:     a.Choices,
		})
	}

	for i, ac := range f.Actions {
		action, err := ac.action()
		if err != nil {
			label := ac.Name
			if label == "" {
				label = ac.Type
			}
			return nil, fmt.Errorf("actions[%d] (%s): %w", i, label, err)
		}
		desc.Actions = append(desc.Actions, action)
	}
	return desc, nil
}

func (ac *ActionConfig) action() (engine.Action, error) {
	a := engine.Action{
		Name:          ac.Name,
		Package:       ac.Package,
		Plugin:        ac.Plugin,
		Container:     ac.Container,
		OwnsContainer: ac.OwnsContainer,
		ReadyPattern:  ac.ReadyPattern,
		Output:        engine.OutputMode(ac.Output),
	}

	switch ac.Type {
	case "process":
		a.Kind = engine.ActionProcess
	case "component":
		a.Kind = engine.ActionComposableNode
	case "include":
		a.Kind = engine.ActionInclude
	default:
		return a, fmt.Errorf("unknown action type %q", ac.Type)
	}

	switch {
	case ac.When != "":
		a.Condition = engine.If(ac.When)
	case ac.Unless != "":
		a.Condition = engine.Unless(ac.Unless)
	}

	var err error
	if ac.Executable != "" {
		if a.Executable, err = ParseExpression(ac.Executable); err != nil {
			return a, fmt.Errorf("executable: %w", err)
		}
	}
	if a.Arguments, err = parseExpressions(ac.Args); err != nil {
		return a, fmt.Errorf("args: %w", err)
	}

	for _, p := range ac.Parameters {
		if p.File != "" {
			file, err := ParseExpression(p.File)
			if err != nil {
				return a, fmt.Errorf("parameter file: %w", err)
			}
			a.ParameterFiles = append(a.ParameterFiles, file)
			continue
		}
		value, err := ParseExpression(p.Value)
		if err != nil {
			return a, fmt.Errorf("parameter %s: %w", p.Name, err)
		}
		a.Parameters = append(a.Parameters, engine.Parameter{Name: p.Name, Value: value})
	}

	if len(ac.Environment) > 0 {
		a.Environment = make(map[string]engine.Substitution, len(ac.Environment))
		for k, v := range ac.Environment {
			sub, err := ParseExpression(v)
			if err != nil {
				return a, fmt.Errorf("environment %s: %w", k, err)
			}
			a.Environment[k] = sub
		}
	}

	if ac.Include != nil {
		inc := &engine.Inclusion{Source: ac.Include.Source}
		names := make([]string, 0, len(ac.Include.Arguments))
		for k := range ac.Include.Arguments {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			value, err := ParseExpression(ac.Include.Arguments[k])
			if err != nil {
				return a, fmt.Errorf("include argument %s: %w", k, err)
			}
			inc.Overrides = append(inc.Overrides, engine.ArgumentOverride{Name: k, Value: value})
		}
		a.Include = inc
	}

	return a, nil
}
