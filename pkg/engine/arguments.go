package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ArgumentStore holds declared launch arguments and their runtime overrides.
//
// The store is two-phase: every Declare and Override must happen before the
// first Resolve. Resolution seals the store and later mutation fails, so the
// values seen while building a plan cannot change underneath it.
type ArgumentStore struct {
	mu        sync.RWMutex
	order     []string
	decls     map[string]LaunchArgument
	overrides map[string]string
	sealed    bool
}

// NewArgumentStore creates an empty argument store.
func NewArgumentStore() *ArgumentStore {
	return &ArgumentStore{
		decls:     make(map[string]LaunchArgument),
		overrides: make(map[string]string),
	}
}

// NewScopedStore creates a store holding decls with overrides applied.
// It is used for included descriptions so their overrides never reach the
// including scope.
func NewScopedStore(decls []LaunchArgument, overrides map[string]string) (*ArgumentStore, error) {
	store := NewArgumentStore()
	for _, d := range decls {
		if err := store.Declare(d); err != nil {
			return nil, err
		}
	}

	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := store.Override(name, overrides[name]); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// Declare adds an argument declaration.
func (s *ArgumentStore) Declare(arg LaunchArgument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed {
		return NewPlanError(ErrCodeArgumentStoreSealed,
			"cannot declare argument after resolution has begun", nil).WithArgument(arg.Name)
	}
	if strings.TrimSpace(arg.Name) == "" {
		return NewDeclarationError(ErrCodeInvalidAction, "argument name must not be empty")
	}
	if _, exists := s.decls[arg.Name]; exists {
		return NewDeclarationError(ErrCodeDuplicateArgument,
			"argument declared more than once").WithArgument(arg.Name)
	}

	s.decls[arg.Name] = arg
	s.order = append(s.order, arg.Name)
	return nil
}

// Override replaces the default of a declared argument.
func (s *ArgumentStore) Override(name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed {
		return NewPlanError(ErrCodeArgumentStoreSealed,
			"cannot override argument after resolution has begun", nil).WithArgument(name)
	}
	if _, exists := s.decls[name]; !exists {
		return NewPlanError(ErrCodeUnknownArgument, "override for undeclared argument", nil).
			WithArgument(name).
			WithDetail("declared", s.namesLocked())
	}

	s.overrides[name] = value
	return nil
}

// Seal ends the declaration phase. Resolve seals implicitly.
func (s *ArgumentStore) Seal() {
	s.mu.Lock()
	s.sealed = true
	s.mu.Unlock()
}

// Sealed reports whether resolution has begun.
func (s *ArgumentStore) Sealed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sealed
}

// Resolve returns the override for name if present, else its default.
func (s *ArgumentStore) Resolve(name string) (string, error) {
	s.mu.RLock()
	sealed := s.sealed
	s.mu.RUnlock()
	if !sealed {
		s.Seal()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	decl, exists := s.decls[name]
	if !exists {
		return "", NewPlanError(ErrCodeUnknownArgument, "reference to undeclared argument", nil).
			WithArgument(name)
	}

	value, ok := s.overrides[name]
	if !ok {
		if decl.Default == nil {
			return "", NewPlanError(ErrCodeUnresolvedArgument,
				"argument has no default and was not supplied", nil).WithArgument(name)
		}
		value = *decl.Default
	}

	if len(decl.Choices) > 0 && !contains(decl.Choices, value) {
		return "", NewPlanError(ErrCodeInvalidArgumentChoice,
			fmt.Sprintf("value %q is not one of %s", value, strings.Join(decl.Choices, ", ")), nil).
			WithArgument(name)
	}
	return value, nil
}

// Declared reports whether name has been declared.
func (s *ArgumentStore) Declared(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.decls[name]
	return ok
}

// Arguments returns the declarations in declaration order.
func (s *ArgumentStore) Arguments() []LaunchArgument {
	s.mu.RLock()
	defer s.mu.RUnlock()

	args := make([]LaunchArgument, 0, len(s.order))
	for _, name := range s.order {
		args = append(args, s.decls[name])
	}
	return args
}

// Snapshot resolves every argument that has a value.
// Arguments Resolve would reject are omitted: required arguments without an
// override and values outside the declared choices.
func (s *ArgumentStore) Snapshot() map[string]string {
	s.Seal()

	s.mu.RLock()
	defer s.mu.RUnlock()

	values := make(map[string]string, len(s.decls))
	for _, name := range s.order {
		decl := s.decls[name]
		v, ok := s.overrides[name]
		if !ok {
			if decl.Default == nil {
				continue
			}
			v = *decl.Default
		}
		if len(decl.Choices) > 0 && !contains(decl.Choices, v) {
			continue
		}
		values[name] = v
	}
	return values
}

func (s *ArgumentStore) namesLocked() []string {
	names := make([]string, len(s.order))
	copy(names, s.order)
	return names
}

func contains(values []string, v string) bool {
	for _, c := range values {
		if c == v {
			return true
		}
	}
	return false
}
