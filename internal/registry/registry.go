// Package registry maps role names to role factories. The workflow engine
// resolves roles by name from its catalog; unknown names fail before any
// agent record is created.
package registry

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/devflow-io/devflow/internal/agent"
	"github.com/devflow-io/devflow/internal/agent/roles"
)

// Registry implements Resolver over a named factory set.
type Registry struct {
	deps   Deps
	logger *zap.Logger

	mu        sync.RWMutex
	factories map[string]Factory
}

// New creates an empty registry over the dependency bundle.
func New(deps Deps, logger *zap.Logger) *Registry {
	return &Registry{
		deps:      deps,
		logger:    logger,
		factories: map[string]Factory{},
	}
}

// Register adds a factory under a name. Re-registering a name is a
// configuration error, not an override.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" || f == nil {
		return agent.NewError(agent.KindConfigInvalid, "role registration requires a name and a factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return agent.NewError(agent.KindConfigInvalid, "role %q is already registered", name)
	}
	r.factories[name] = f
	return nil
}

// Resolve builds a fresh instance of the named role.
func (r *Registry) Resolve(name string) (agent.Role, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, agent.NewError(agent.KindConfigInvalid, "unknown role %q", name)
	}
	return f(r.deps), nil
}

// Names lists the registered role names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default builds the registry with the built-in role set. Core roles are
// always registered; externally-facing roles follow the config switches.
func Default(deps Deps, cfg Config, logger *zap.Logger) (*Registry, error) {
	r := New(deps, logger)

	register := func(name string, f Factory) error {
		if err := r.Register(name, f); err != nil {
			return err
		}
		logger.Debug("Registered role", zap.String("role", name))
		return nil
	}

	if err := register("code", func(d Deps) agent.Role {
		return roles.NewCode(d.Logger)
	}); err != nil {
		return nil, err
	}
	if err := register("security", func(d Deps) agent.Role {
		return roles.NewSecurity(d.Logger, cfg.ScanWorkers)
	}); err != nil {
		return nil, err
	}
	if err := register("project-identity", func(d Deps) agent.Role {
		return roles.NewProjectIdentity(d.Identity, d.Store, d.Logger)
	}); err != nil {
		return nil, err
	}

	if cfg.EnableSourceControl {
		if err := register("source-control", func(d Deps) agent.Role {
			return roles.NewSourceControl(d.Host, d.Creds, d.Store, d.Logger)
		}); err != nil {
			return nil, err
		}
	}
	if cfg.EnableCommunication {
		if err := register("communication", func(d Deps) agent.Role {
			return roles.NewCommunication(d.Chat, d.Creds, d.Store, d.Logger)
		}); err != nil {
			return nil, err
		}
	}
	if cfg.EnableDeploy {
		if err := register("deploy", func(d Deps) agent.Role {
			return roles.NewDeploy(d.Runtime, d.Logger)
		}); err != nil {
			return nil, err
		}
	}

	logger.Info("Role registry ready", zap.Strings("roles", r.Names()))
	return r, nil
}
