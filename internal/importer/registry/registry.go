// Package registry maps each provider to its ordered list of importable
// modules, mirroring the MODULES lookup the worker consults to resolve a
// high-priority task's requested module names (or, when none are named, to
// run every module for that provider in a fixed order).
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/syncdplatform/syncd/internal/domain/syncdomain"
)

// ImportFunc runs one module's import for integration, bounded to the
// optional [since, until) window. A nil since means "from the beginning";
// a nil until means "through now". It returns the number of rows extracted
// so the caller can log it on the module's completion SyncLogEvent.
type ImportFunc func(ctx context.Context, integration *syncdomain.Integration, since, until *time.Time) (int, error)

// Module names one importable unit of work within a provider.
type Module struct {
	Name string
	Run  ImportFunc
}

// Registry holds the ordered module list for each provider.
type Registry struct {
	modules map[syncdomain.Provider][]Module
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{modules: make(map[syncdomain.Provider][]Module)}
}

// Register appends module to provider's ordered list. Order matters: it is
// the fallback order used when a high-priority task names no specific
// modules.
func (r *Registry) Register(provider syncdomain.Provider, module Module) {
	r.modules[provider] = append(r.modules[provider], module)
}

// ModulesFor returns the full ordered module list for a provider.
func (r *Registry) ModulesFor(provider syncdomain.Provider) []Module {
	return r.modules[provider]
}

// Resolve returns the modules to run for a task: the named subset, in
// registry order, or every module for the provider if names is empty. An
// unknown module name is skipped with an error collected, not a hard
// failure, so the remaining named modules still run.
func (r *Registry) Resolve(provider syncdomain.Provider, names []string) ([]Module, error) {
	all := r.modules[provider]
	if len(names) == 0 {
		return all, nil
	}

	requested := make(map[string]bool, len(names))
	for _, name := range names {
		requested[name] = true
	}

	var resolved []Module
	known := make(map[string]bool, len(all))
	for _, m := range all {
		known[m.Name] = true
		if requested[m.Name] {
			resolved = append(resolved, m)
		}
	}
	var missing []string
	for _, name := range names {
		if !known[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return resolved, fmt.Errorf("unknown modules for provider %s: %v", provider, missing)
	}
	return resolved, nil
}
