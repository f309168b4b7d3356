package config

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
)

// CUEParser decodes .cue launch files.
type CUEParser struct {
	registry *SchemaRegistry
}

// NewCUEParser creates a CUE parser validating against the registry's schemas.
func NewCUEParser(registry *SchemaRegistry) *CUEParser {
	return &CUEParser{registry: registry}
}

// Parse compiles src, unifies it with #LaunchFile and returns the generic
// document. A top-level "launch" field is used when present, so files may
// keep helper fields next to the declaration.
func (cp *CUEParser) Parse(path string, src []byte) (map[string]interface{}, error) {
	val := cp.registry.Context().CompileBytes(src, cue.Filename(path))
	if err := val.Err(); err != nil {
		return nil, cueError(err)
	}

	if launch := val.LookupPath(cue.ParsePath("launch")); launch.Exists() {
		val = launch
	}

	unified, err := cp.registry.Unify("#LaunchFile", val)
	if err != nil {
		return nil, cueError(err)
	}

	var doc map[string]interface{}
	if err := unified.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode: %w", err)
	}
	return doc, nil
}

// ValidationError is a positioned CUE error.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	if e.File == "" {
		return e.Message
	}
	return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
}

// ValidationErrors collects every error CUE reported.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d errors:", len(e))
	for _, ve := range e {
		msg += "\n  " + ve.Error()
	}
	return msg
}

// cueError converts CUE errors to ValidationErrors with source positions.
func cueError(err error) error {
	var out ValidationErrors
	for _, e := range errors.Errors(err) {
		ve := ValidationError{Message: strings.TrimSpace(errors.Details(e, nil))}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		return err
	}
	return out
}
