/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package kanban

import (
	"os"
	"strings"
	"sync"

	"github.com/virtengine/openfleet/internal/errors"
)

// Factory constructs an adapter for a backend name.
type Factory func() (Adapter, error)

// Registry resolves the active backend and caches its adapter instance.
// Resolution order: runtime override, then the KANBAN_BACKEND environment
// variable, then the configured backend, then "internal". The cached
// instance is discarded when the resolved name changes.
type Registry struct {
	mu sync.Mutex

	factories       map[string]Factory
	configuredName  string
	runtimeOverride string

	activeName string
	active     Adapter
}

// NewRegistry creates a registry with the given factories and the backend
// name from configuration.
func NewRegistry(configuredName string, factories map[string]Factory) *Registry {
	return &Registry{
		factories:      factories,
		configuredName: strings.TrimSpace(configuredName),
	}
}

// SetOverride installs (or clears, with "") a runtime backend override.
// The next Active call re-resolves.
func (r *Registry) SetOverride(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runtimeOverride = strings.TrimSpace(name)
}

// ResolvedName returns the backend name the registry would use right now.
func (r *Registry) ResolvedName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveLocked()
}

func (r *Registry) resolveLocked() string {
	if r.runtimeOverride != "" {
		return r.runtimeOverride
	}
	if env := strings.TrimSpace(os.Getenv("KANBAN_BACKEND")); env != "" {
		return env
	}
	if r.configuredName != "" {
		return r.configuredName
	}
	return "internal"
}

// Active returns the adapter for the resolved backend, constructing it on
// first use and whenever the resolved name changes. Unknown backend names
// are fatal.
func (r *Registry) Active() (Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := r.resolveLocked()
	if r.active != nil && r.activeName == name {
		return r.active, nil
	}

	factory, ok := r.factories[name]
	if !ok {
		return nil, errors.New(errors.KindFatal, "unknown kanban backend %q", name)
	}
	adapter, err := factory()
	if err != nil {
		return nil, err
	}

	// The previous instance is discarded, not drained: adapters hold no
	// exclusive resources beyond their HTTP clients.
	r.active = adapter
	r.activeName = name
	return adapter, nil
}
