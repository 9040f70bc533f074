// Package provider defines Tom's tool-provider contract (§4.3, §9): every
// capability ("module") is an implementation of ToolProvider, discovered
// through a static name→factory registry rather than the reflection-driven,
// duck-typed module lookup the source system used.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// ToolSpec describes one LLM-callable function, per spec §3.4.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
	Strict      bool            `json:"strict"`
}

// ToolProvider is the contract every module satisfies, per spec §9's
// redesign of the duck-typed module registry: "model as an interface/trait
// ToolProvider with methods Describe(), Tools() []ToolSpec, Invoke(name,
// argsJSON) (resultJSON, error), BackgroundStatus() Option<string>".
type ToolProvider interface {
	// Name is the module's unique, process-wide identifier (e.g. "calendar").
	Name() string

	// Describe returns the short natural-language description used in the
	// triage catalogue, per §4.3.1's description://<module>.
	Describe() string

	// Complexity selects which of the three LLM model tiers activating this
	// module requires (0, 1 or 2), per §3.4.
	Complexity() int

	// SystemContext is appended to the conversation when this module is
	// active, per §4.1.4.
	SystemContext() string

	// IsPersonal marks a module as exposing user-specific data (affects
	// whether a deployment may share one provider instance across users).
	IsPersonal() bool

	// Tools lists the functions this module advertises to the LLM.
	Tools() []ToolSpec

	// Invoke dispatches a named tool call with raw JSON arguments and
	// returns a JSON-serializable result. Per §4.3.2, invalid input must be
	// returned as a {"status":"error",...} payload, not an error return,
	// unless the failure is transport/upstream-level (§4.1.7).
	Invoke(ctx context.Context, name string, argsJSON json.RawMessage) (json.RawMessage, error)

	// BackgroundStatus returns the provider's current notification string
	// and whether one is present, per §4.3.1's description://tom_notification
	// and §4.4.1's status aggregation.
	BackgroundStatus(ctx context.Context) (status string, ok bool)

	// PromptConsign optionally returns a JSON snippet appended to the
	// execute-phase system prompt, per §4.3.1's description://prompt_consign.
	PromptConsign(ctx context.Context) (json.RawMessage, bool)
}

// Factory constructs a ToolProvider for a given user (empty username for
// shared, non-personal providers).
type Factory func(username string) (ToolProvider, error)

// Registry is the static name→factory table populated at startup, replacing
// the source system's runtime reflection-based module discovery.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	instances map[string]ToolProvider // cache of instances keyed by "name/username"
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: map[string]Factory{},
		instances: map[string]ToolProvider{},
	}
}

// Register adds a module factory under name. Calling Register twice for the
// same name is a programmer error and panics at startup, matching the
// teacher's fail-fast registration idiom for static tables.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		panic(fmt.Sprintf("provider %q already registered", name))
	}
	r.factories[name] = f
}

// Names returns every registered module name, sorted for deterministic
// catalogue ordering.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Get returns the ToolProvider instance for name scoped to username,
// constructing and caching it on first use. Every provider gets one
// instance per (name, username) pair; IsPersonal is not consulted, so
// non-personal providers are not shared across users either.
func (r *Registry) Get(name, username string) (ToolProvider, error) {
	cacheKey := name
	r.mu.RLock()
	f, known := r.factories[name]
	cached, hasCached := r.instances[cacheKey+"/"+username]
	r.mu.RUnlock()
	if !known {
		return nil, fmt.Errorf("unknown module %q", name)
	}
	if hasCached {
		return cached, nil
	}

	inst, err := f(username)
	if err != nil {
		return nil, fmt.Errorf("construct module %q for %q: %w", name, username, err)
	}

	r.mu.Lock()
	r.instances[cacheKey+"/"+username] = inst
	r.mu.Unlock()
	return inst, nil
}

// All returns every registered module's live instance for username, used to
// build the triage catalogue and to poll background status.
func (r *Registry) All(username string) ([]ToolProvider, error) {
	names := r.Names()
	out := make([]ToolProvider, 0, len(names))
	for _, n := range names {
		p, err := r.Get(n, username)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
