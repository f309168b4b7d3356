package config

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry holds compiled CUE definitions used to validate launch files.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry with the built-in launch file schema.
func NewSchemaRegistry() (*SchemaRegistry, error) {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema("#LaunchFile", builtinLaunchSchema); err != nil {
		return nil, err
	}
	return sr, nil
}

// Context returns the CUE context the schemas were compiled in. Values
// unified with a schema must come from the same context.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// RegisterSchema compiles source and registers the definition named def.
func (sr *SchemaRegistry) RegisterSchema(def, source string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename("schema.cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", def, err)
	}
	schema := val.LookupPath(cue.ParsePath(def))
	if !schema.Exists() {
		return fmt.Errorf("schema source does not define %s", def)
	}
	sr.schemas[def] = schema
	return nil
}

// GetSchema retrieves a schema by definition name.
func (sr *SchemaRegistry) GetSchema(def string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[def]
	return val, ok
}

// Unify unifies val with the named schema and checks the result is concrete.
func (sr *SchemaRegistry) Unify(def string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(def)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", def)
	}
	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// ValidateAgainstSchema encodes data and validates it against the named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(def string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	if _, err := sr.Unify(def, dataVal); err != nil {
		return err
	}
	return nil
}

// ValidateLaunchFile validates a decoded launch file against #LaunchFile.
func (sr *SchemaRegistry) ValidateLaunchFile(f *LaunchFile) error {
	return sr.ValidateAgainstSchema("#LaunchFile", f)
}

const builtinLaunchSchema = `
#Name: =~"^[A-Za-z_][A-Za-z0-9_]*$"

#Argument: {
	name:         #Name
	default?:     string
	description?: string
	choices?: [...string]
}

#Parameter: {
	name?:  string
	value?: string
	file?:  string
}

#Include: {
	source: string & !=""
	arguments?: {[#Name]: string}
}

#Action: {
	type:            "process" | "component" | "include"
	name?:           string
	package?:        string
	executable?:     string
	plugin?:         string
	args?: [...string]
	parameters?: [...#Parameter]
	environment?: {[string]: string}
	when?:           #Name
	unless?:         #Name
	container?:      string
	owns_container?: bool
	ready_pattern?:  string
	output?:         "screen" | "log"
	include?:        #Include

	if type == "include" {
		include: #Include
	}
	if type == "component" {
		plugin: string & !=""
	}
	if type == "process" {
		executable: string & !=""
	}
}

#LaunchFile: {
	arguments?: [...#Argument]
	actions: [...#Action]
}
`
