package breaker

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Dependency names.
const (
	Template = "template"
	Push     = "push"
)

// Config selects the breaker backend and its trip parameters.
type Config struct {
	Backend  string `mapstructure:"backend"` // redis, local
	Settings `mapstructure:",squash"`
}

// Registry holds one breaker per dependency name.
type Registry struct {
	breakers map[string]Breaker
}

// NewRegistry builds a breaker for each name. The redis backend requires client.
func NewRegistry(cfg Config, client redis.UniversalClient, logger zerolog.Logger, names ...string) (*Registry, error) {
	if len(names) == 0 {
		names = []string{Template, Push}
	}

	r := &Registry{breakers: make(map[string]Breaker, len(names))}
	switch cfg.Backend {
	case "", "redis":
		if client == nil {
			return nil, fmt.Errorf("breaker backend redis requires a redis client")
		}
		store := NewRedisStateStore(client)
		for _, name := range names {
			r.breakers[name] = NewShared(name, store, cfg.Settings, logger)
		}
	case "local":
		for _, name := range names {
			r.breakers[name] = NewLocal(name, cfg.Settings, logger)
		}
	default:
		return nil, fmt.Errorf("unsupported breaker backend: %s", cfg.Backend)
	}
	return r, nil
}

// NewRegistryFrom wraps already constructed breakers.
func NewRegistryFrom(breakers ...Breaker) *Registry {
	r := &Registry{breakers: make(map[string]Breaker, len(breakers))}
	for _, b := range breakers {
		r.breakers[b.Name()] = b
	}
	return r
}

// Get returns the breaker for name.
func (r *Registry) Get(name string) (Breaker, bool) {
	b, ok := r.breakers[name]
	return b, ok
}

// MustGet returns the breaker for name and panics if it is not registered.
func (r *Registry) MustGet(name string) Breaker {
	b, ok := r.breakers[name]
	if !ok {
		panic(fmt.Sprintf("breaker %q not registered", name))
	}
	return b
}

// Snapshots returns the state of every breaker, sorted by name.
func (r *Registry) Snapshots(ctx context.Context) ([]Snapshot, error) {
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Snapshot, 0, len(names))
	for _, name := range names {
		insp, ok := r.breakers[name].(Inspector)
		if !ok {
			out = append(out, Snapshot{Name: name, State: "unknown"})
			continue
		}
		snap, err := insp.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}
