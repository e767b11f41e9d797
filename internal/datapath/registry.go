// Package datapath implements the Datapath-Plugin Registry (spec.md §4.4)
// and the Datapath Chooser (spec.md §4.5). The registry is an in-memory
// map of capability sets mutated only by the plugin watcher goroutine,
// following the teacher's plugins-map-plus-RWMutex pattern in loader.go.
package datapath

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/xapi-storage/storage-scriptd/internal/model"
	"github.com/xapi-storage/storage-scriptd/internal/pathresolver"
	"github.com/xapi-storage/storage-scriptd/internal/rpcscript"
)

// Registry tracks datapath plugins discovered by the watcher, keyed by
// datapath name, along with the capabilities each one advertised the
// last time it was queried.
type Registry struct {
	log *slog.Logger

	mu    sync.RWMutex
	plugins map[string]model.PluginCapabilities
}

// NewRegistry builds an empty registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		log:     log,
		plugins: make(map[string]model.PluginCapabilities),
	}
}

// Register queries name's Plugin.query script and, on success, records
// its advertised capabilities. A query failure leaves the registry
// unchanged and the plugin silently unregistered, per spec.md §4.4.
func (r *Registry) Register(ctx context.Context, resolver pathresolver.Resolver, name string) error {
	script := resolver.DatapathScript(name, "Plugin.query")
	result, err := rpcscript.Invoke(ctx, script, resolver.DatapathDir(name), map[string]any{})
	if err != nil {
		r.log.Warn("datapath plugin query failed, not registering", "plugin", name, "error", err)
		return err
	}
	if result.Kind != rpcscript.KindSuccess {
		r.log.Warn("datapath plugin query did not succeed, not registering", "plugin", name, "kind", result.Kind)
		return fmt.Errorf("query %s: kind=%d", name, result.Kind)
	}

	var caps model.PluginCapabilities
	if err := rpcscript.Decode(result, &caps); err != nil {
		r.log.Warn("datapath plugin query returned unparseable capabilities", "plugin", name, "error", err)
		return err
	}
	caps.Name = name

	r.mu.Lock()
	r.plugins[name] = caps
	r.mu.Unlock()
	r.log.Info("registered datapath plugin", "plugin", name, "features", caps.Features)
	return nil
}

// Unregister removes name from the registry, if present.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.plugins, name)
	r.mu.Unlock()
}

// Supports reports whether name is currently registered.
func (r *Registry) Supports(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.plugins[name]
	return ok
}

// Capabilities returns the last-seen capability set for name.
func (r *Registry) Capabilities(name string) (model.PluginCapabilities, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caps, ok := r.plugins[name]
	return caps, ok
}

// Names returns every currently registered datapath plugin name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		out = append(out, name)
	}
	return out
}
