package tools

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrToolNotFound is returned when a requested tool isn't registered.
var ErrToolNotFound = errors.New("tool not found")

// ErrDuplicateTool is returned when registering a name that's already taken.
var ErrDuplicateTool = errors.New("tool already registered")

// Registry holds the set of tools available to an Agent or delegate.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds tool to the registry, failing if its name is already taken.
func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name()]; exists {
		return errors.Wrapf(ErrDuplicateTool, "tool %q", tool.Name())
	}
	r.tools[tool.Name()] = tool
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, errors.Wrapf(ErrToolNotFound, "tool %q", name)
	}
	return t, nil
}

// List returns every registered tool, in no particular order.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// CopyExcluding builds a new Registry containing every tool in r except the
// ones named in excluded. Used by the Delegation Subsystem to build a
// restricted executor for a child agent that must not recurse into its own
// delegation tool.
func (r *Registry) CopyExcluding(excluded ...string) *Registry {
	skip := make(map[string]bool, len(excluded))
	for _, name := range excluded {
		skip[name] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := NewRegistry()
	for name, t := range r.tools {
		if skip[name] {
			continue
		}
		out.tools[name] = t
	}
	return out
}
