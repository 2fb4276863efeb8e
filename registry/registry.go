// Package registry implements per-agent action registration and
// introspection: spec.md §4.2. The registration shape (register/get/list,
// duplicate-name rejection, a protecting mutex) is grounded on the
// teacher's plugin.InMemoryRegistry.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/relaygrid/space/message"
)

// AccessPolicy controls whether an invocation of an action is allowed to
// reach its handler. The receiving agent.Runtime enforces it at dispatch;
// space.Gate can back the requires-confirmation path.
type AccessPolicy string

const (
	Permitted             AccessPolicy = "permitted"
	Denied                AccessPolicy = "denied"
	RequiresConfirmation  AccessPolicy = "requires-confirmation"
)

// ArgSpec documents one declared argument of an action. Type is a short
// descriptive tag ("int", "string", ...); it is never enforced by the core
// at dispatch time, only surfaced through help.
type ArgSpec struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// ReturnSpec documents an action's return value.
type ReturnSpec struct {
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
}

// Handler is the function signature every registered action implements.
// Args are bound from action.Args by name; ctx is the context the owning
// Runtime was started with, with no per-invocation deadline. The message
// being handled is available via the owning
// Runtime's CurrentMessage, not through ctx. The return value (possibly
// nil) becomes the auto-reply's args.value unless the handler already
// called RespondWith.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Descriptor is the declarative metadata recorded for one registered
// action: spec.md's action descriptor shape.
type Descriptor struct {
	Name        string
	Description string
	Args        map[string]ArgSpec
	Returns     ReturnSpec
	AccessPolicy AccessPolicy
	Handler     Handler
}

// Entry is the introspected, handler-free view of a Descriptor returned by
// help. It is the shape serialized back to callers of the help action.
type Entry struct {
	Name         string             `json:"name"`
	Description  string             `json:"description,omitempty"`
	Args         map[string]ArgSpec `json:"args,omitempty"`
	Returns      ReturnSpec         `json:"returns"`
	AccessPolicy AccessPolicy       `json:"access_policy"`
}

// Registry is an agent's ordered mapping from action name to handler
// descriptor. Registering two actions under the same name fails, matching
// spec.md §4.2's registration contract.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]Descriptor
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]Descriptor)}
}

// Register adds an action. name must be non-empty and not already taken,
// and may not be one of the reserved reply action names.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("registry: action name is required")
	}
	if message.IsReply(d.Name) {
		return fmt.Errorf("registry: action name %q is reserved", d.Name)
	}
	if d.Handler == nil {
		return fmt.Errorf("registry: action %q has no handler", d.Name)
	}
	if d.AccessPolicy == "" {
		d.AccessPolicy = Permitted
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[d.Name]; exists {
		return fmt.Errorf("registry: action %q already registered", d.Name)
	}
	r.entries[d.Name] = d
	r.order = append(r.order, d.Name)
	return nil
}

// Get returns the descriptor for name, if registered.
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.entries[name]
	return d, ok
}

// Help returns the introspected entry for name, or ok=false if unknown.
func (r *Registry) Help(name string) (Entry, bool) {
	d, ok := r.Get(name)
	if !ok {
		return Entry{}, false
	}
	return toEntry(d), true
}

// HelpAll returns the introspected registry in registration order.
func (r *Registry) HelpAll() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, toEntry(r.entries[name]))
	}
	return out
}

// Names returns all registered action names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]string(nil), r.order...)
	sort.Strings(out)
	return out
}

func toEntry(d Descriptor) Entry {
	return Entry{
		Name:         d.Name,
		Description:  d.Description,
		Args:         d.Args,
		Returns:      d.Returns,
		AccessPolicy: d.AccessPolicy,
	}
}
