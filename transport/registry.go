package transport

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

var (
	ErrConfigRequired   = errors.New("transport: config is required")
	ErrUnknownTransport = errors.New("transport: unknown sink transport")
)

// Registry maps sink transport names to builders. Names are matched
// case-insensitively.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

type entry struct {
	build Builder
	caps  *Capabilities
}

// DefaultRegistry holds every transport whose package has been imported.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds or replaces a builder. Capabilities registered earlier under
// the same name are kept.
func (r *Registry) Register(name string, build Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := normalize(name)
	e := r.entries[key]
	e.build = build
	r.entries[key] = e
}

// RegisterWithCapabilities adds or replaces a builder together with what it
// supports.
func (r *Registry) RegisterWithCapabilities(name string, build Builder, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[normalize(name)] = entry{build: build, caps: &caps}
}

// GetCapabilities returns what name supports. Unknown names, and names
// registered without capabilities, report only their name.
func (r *Registry) GetCapabilities(name string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[normalize(name)]; ok && e.caps != nil {
		return *e.caps
	}
	return Capabilities{Name: name}
}

// Build runs the builder selected by cfg.GetSinkSystem(). Builder failures
// are returned with the transport name attached.
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	if cfg == nil {
		return Transport{}, ErrConfigRequired
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	name := normalize(cfg.GetSinkSystem())
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok || e.build == nil {
		return Transport{}, fmt.Errorf("%w: %q (registered: %s)", ErrUnknownTransport, name, strings.Join(r.Names(), ", "))
	}

	tr, err := e.build(ctx, cfg, logger)
	if err != nil {
		return Transport{}, fmt.Errorf("sink transport %s: %w", name, err)
	}
	return tr, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name, e := range r.entries {
		if e.build != nil {
			names = append(names, name)
		}
	}
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}

// Has reports whether a builder is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[normalize(name)]
	return ok && e.build != nil
}

// Register adds a builder to DefaultRegistry.
func Register(name string, build Builder) {
	DefaultRegistry.Register(name, build)
}

// RegisterWithCapabilities adds a builder and its capabilities to
// DefaultRegistry.
func RegisterWithCapabilities(name string, build Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, build, caps)
}

// Build builds from DefaultRegistry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
