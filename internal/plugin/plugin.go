// Package plugin hosts user-supplied frame transformations: a registry of
// declared transformers, parameter validation, a sandboxed run and the
// left-merge of results back into the workspace.
package plugin

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ontask-platform/ontask/internal/frame"
	"github.com/ontask-platform/ontask/internal/types"
)

var (
	// ErrPlugin is the base kind of every plugin failure.
	ErrPlugin = errors.New("plugin: execution failed")
	// ErrPluginNotFound reports a lookup miss in the registry.
	ErrPluginNotFound = fmt.Errorf("%w: not registered", ErrPlugin)
	// ErrPluginParams reports a parameter that violates its declaration.
	ErrPluginParams = fmt.Errorf("%w: invalid parameters", ErrPlugin)
	// ErrPluginSchema reports a returned frame that misses declared
	// outputs or the merge key.
	ErrPluginSchema = fmt.Errorf("%w: result schema mismatch", ErrPlugin)
	// ErrPluginRuntime reports a panic or error inside the transformer.
	ErrPluginRuntime = fmt.Errorf("%w: runtime failure", ErrPlugin)
	// ErrPluginTimeout reports a run that exceeded its deadline.
	ErrPluginTimeout = fmt.Errorf("%w: timed out", ErrPlugin)
)

// Parameter declares one tunable of a transformer.
type Parameter struct {
	Name          string
	Type          types.ColumnType
	AllowedValues []any
	Default       any
	Help          string
}

// Transformer is a user-supplied frame transformation. Run must return a
// frame containing the declared output columns plus the merge key.
type Transformer interface {
	Name() string
	Description() string
	// InputColumns names the required inputs; empty means the caller
	// chooses at run time.
	InputColumns() []string
	// OutputColumns names the produced columns; empty means the inputs
	// are copied under a suffix.
	OutputColumns() []string
	Parameters() []Parameter
	Run(input *frame.Frame, params map[string]any) (*frame.Frame, error)
}

// Registry indexes transformers by name.
type Registry struct {
	mu           sync.RWMutex
	transformers map[string]Transformer
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{transformers: make(map[string]Transformer)}
}

// Register adds a transformer, rejecting name collisions.
func (r *Registry) Register(t Transformer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrPluginParams)
	}
	if _, exists := r.transformers[name]; exists {
		return fmt.Errorf("%w: %q already registered", ErrPluginParams, name)
	}
	r.transformers[name] = t
	return nil
}

// Get resolves a transformer by name.
func (r *Registry) Get(name string) (Transformer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transformers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPluginNotFound, name)
	}
	return t, nil
}

// Names lists the registered transformers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.transformers))
	for name := range r.transformers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolveParams validates supplied values against the declaration, coerces
// them to the declared type and fills defaults.
func resolveParams(declared []Parameter, supplied map[string]any) (map[string]any, error) {
	byName := make(map[string]Parameter, len(declared))
	for _, p := range declared {
		byName[p.Name] = p
	}
	for name := range supplied {
		if _, ok := byName[name]; !ok {
			return nil, fmt.Errorf("%w: unknown parameter %q", ErrPluginParams, name)
		}
	}
	resolved := make(map[string]any, len(declared))
	for _, p := range declared {
		value, ok := supplied[p.Name]
		if !ok || value == nil {
			resolved[p.Name] = p.Default
			continue
		}
		coerced, err := types.Coerce(value, p.Type, nil)
		if err != nil {
			return nil, fmt.Errorf(
				"%w: parameter %q: %v", ErrPluginParams, p.Name, err)
		}
		if len(p.AllowedValues) > 0 && !allowed(p.AllowedValues, coerced, p.Type) {
			return nil, fmt.Errorf(
				"%w: parameter %q value %v not allowed", ErrPluginParams, p.Name, coerced)
		}
		resolved[p.Name] = coerced
	}
	return resolved, nil
}

func allowed(values []any, candidate any, colType types.ColumnType) bool {
	for _, value := range values {
		coerced, err := types.Coerce(value, colType, nil)
		if err != nil {
			continue
		}
		if coerced == candidate {
			return true
		}
	}
	return false
}
