package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/simlaunch/pkg/engine"
)

// DefaultMaxIncludeDepth bounds include nesting when loading files.
const DefaultMaxIncludeDepth = engine.DefaultMaxIncludeDepth

var argNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Format is a launch file front end.
type Format string

const (
	FormatCUE      Format = "cue"
	FormatStarlark Format = "starlark"
	FormatYAML     Format = "yaml"
	FormatJSON     Format = "json"
)

// DetectFormat picks the front end from the file extension.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return FormatCUE, nil
	case ".star", ".starlark":
		return FormatStarlark, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported launch file extension %q", filepath.Ext(path))
	}
}

// Result is a loaded launch description together with every file it read.
type Result struct {
	Description *engine.LaunchDescription
	Files       []string
}

// Loader reads launch files and resolves their includes.
type Loader struct {
	registry  *SchemaRegistry
	cue       *CUEParser
	starlark  *StarlarkEvaluator
	validator *validator.Validate
	maxDepth  int
	logger    zerolog.Logger
}

// NewLoader creates a loader with the built-in schema and validators.
func NewLoader(logger zerolog.Logger) (*Loader, error) {
	registry, err := NewSchemaRegistry()
	if err != nil {
		return nil, err
	}

	v := validator.New()
	if err := v.RegisterValidation("argname", func(fl validator.FieldLevel) bool {
		return argNamePattern.MatchString(fl.Field().String())
	}); err != nil {
		return nil, err
	}

	return &Loader{
		registry:  registry,
		cue:       NewCUEParser(registry),
		starlark:  NewStarlarkEvaluator(30 * time.Second),
		validator: v,
		maxDepth:  DefaultMaxIncludeDepth,
		logger:    logger.With().Str("component", "loader").Logger(),
	}, nil
}

// WithMaxDepth sets the include depth bound.
func (l *Loader) WithMaxDepth(depth int) *Loader {
	if depth > 0 {
		l.maxDepth = depth
	}
	return l
}

// Decode reads and validates a single launch file without following includes.
func (l *Loader) Decode(ctx context.Context, path string) (*LaunchFile, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, engine.NewConfigError(path, err)
	}

	src, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewConfigError(fmt.Sprintf("failed to read %s", path), err)
	}

	var doc map[string]interface{}
	switch format {
	case FormatCUE:
		doc, err = l.cue.Parse(path, src)
	case FormatStarlark:
		doc, err = l.starlark.Evaluate(ctx, path, src)
	case FormatYAML:
		err = yaml.Unmarshal(src, &doc)
	case FormatJSON:
		err = json.Unmarshal(src, &doc)
	}
	if err != nil {
		return nil, engine.NewConfigError(fmt.Sprintf("failed to parse %s", path), err)
	}
	if doc == nil {
		return nil, engine.NewConfigError(fmt.Sprintf("%s is empty", path), nil)
	}

	file, err := decodeLaunchFile(doc)
	if err != nil {
		return nil, engine.NewConfigError(fmt.Sprintf("failed to decode %s", path), err)
	}
	if err := l.validator.Struct(file); err != nil {
		return nil, engine.NewConfigError(fmt.Sprintf("invalid launch file %s", path), err)
	}
	if err := l.registry.ValidateLaunchFile(file); err != nil {
		return nil, engine.NewConfigError(fmt.Sprintf("%s does not match the launch schema", path), err)
	}

	l.logger.Debug().
		Str("path", path).
		Str("format", string(format)).
		Int("arguments", len(file.Arguments)).
		Int("actions", len(file.Actions)).
		Msg("Launch file decoded")

	return file, nil
}

// Load reads path and every file it includes. Include sources are resolved
// relative to the including file.
func (l *Loader) Load(ctx context.Context, path string) (*Result, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, engine.NewConfigError(fmt.Sprintf("failed to resolve %s", path), err)
	}

	state := &loadState{cache: make(map[string]*engine.LaunchDescription)}
	desc, err := l.load(ctx, abs, nil, state)
	if err != nil {
		return nil, err
	}
	return &Result{Description: desc, Files: state.files}, nil
}

type loadState struct {
	cache map[string]*engine.LaunchDescription
	files []string
}

func (l *Loader) load(ctx context.Context, path string, stack []string, state *loadState) (*engine.LaunchDescription, error) {
	for _, p := range stack {
		if p == path {
			chain := append(append([]string{}, stack...), path)
			return nil, engine.NewPlanError(engine.ErrCodeIncludeCycle,
				fmt.Sprintf("include cycle: %s", strings.Join(chain, " -> ")), nil)
		}
	}
	if len(stack) > l.maxDepth {
		return nil, engine.NewPlanError(engine.ErrCodeIncludeCycle,
			fmt.Sprintf("include depth exceeds %d at %s", l.maxDepth, path), nil)
	}
	if desc, ok := state.cache[path]; ok {
		return desc, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	file, err := l.Decode(ctx, path)
	if err != nil {
		return nil, err
	}
	state.files = append(state.files, path)

	desc, err := file.Description(path)
	if err != nil {
		return nil, engine.NewConfigError(fmt.Sprintf("invalid launch file %s", path), err)
	}

	stack = append(stack, path)
	for i := range desc.Actions {
		inc := desc.Actions[i].Include
		if inc == nil {
			continue
		}
		source := inc.Source
		if !filepath.IsAbs(source) {
			source = filepath.Join(filepath.Dir(path), source)
		}
		child, err := l.load(ctx, filepath.Clean(source), stack, state)
		if err != nil {
			var le *engine.LaunchError
			if errors.As(err, &le) && le.Action == "" && desc.Actions[i].Name != "" {
				le.WithAction(desc.Actions[i].Name)
			}
			return nil, err
		}
		inc.Source = source
		inc.Description = child
	}

	state.cache[path] = desc
	return desc, nil
}
