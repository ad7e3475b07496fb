// Package plugin implements the fleet plugin host.
// Plugins are loaded from the configured plugins directory as Go shared objects (.so files).
// Each .so must export a "FleetPlugin" symbol implementing api/v1.PluginV1.
package plugin

import (
	"context"
	"fmt"
	"path/filepath"
	"plugin"
	"sort"
	"sync"

	v1 "github.com/f9-o/fleet/api/v1"
	"github.com/f9-o/fleet/internal/core/logger"
)

// Symbol is the exported name looked up in every shared object.
const Symbol = "FleetPlugin"

// Host manages plugin lifecycle and hook dispatch.
type Host struct {
	mu      sync.RWMutex
	plugins map[string]v1.PluginV1   // name → plugin
	hooks   map[string][]v1.HookFunc // hookName → ordered list
	log     *logger.Logger
}

// NewHost creates and returns an empty plugin host.
func NewHost(log *logger.Logger) *Host {
	return &Host{
		plugins: make(map[string]v1.PluginV1),
		hooks:   make(map[string][]v1.HookFunc),
		log:     log,
	}
}

// LoadDir scans dir for *.so files and attempts to load each as a fleet plugin.
// Load failures are logged and skipped.
func (h *Host) LoadDir(dir string) error {
	if dir == "" {
		return nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.so"))
	if err != nil {
		return fmt.Errorf("glob plugins: %w", err)
	}

	for _, path := range matches {
		if err := h.loadPlugin(path); err != nil {
			h.log.Warn("plugin.load.failed", "path", path, "err", err)
		}
	}
	return nil
}

// loadPlugin opens a single .so file and registers it.
func (h *Host) loadPlugin(path string) (retErr error) {
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("plugin panicked during load: %v", r)
		}
	}()

	p, err := plugin.Open(path)
	if err != nil {
		return fmt.Errorf("open shared object: %w", err)
	}

	sym, err := p.Lookup(Symbol)
	if err != nil {
		return fmt.Errorf("symbol %s not found: %w", Symbol, err)
	}

	impl, ok := sym.(v1.PluginV1)
	if !ok {
		return fmt.Errorf("%s does not implement PluginV1", Symbol)
	}
	return h.Register(impl)
}

// Register initialises impl and subscribes its hooks.
func (h *Host) Register(impl v1.PluginV1) error {
	if impl.APIVersion() != v1.PluginAPIVersion {
		return fmt.Errorf("API version mismatch: plugin=%q, host=%q",
			impl.APIVersion(), v1.PluginAPIVersion)
	}

	if err := impl.Init(nil); err != nil {
		return fmt.Errorf("plugin Init() failed: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	name := impl.Name()
	if _, dup := h.plugins[name]; dup {
		return fmt.Errorf("plugin %q already loaded", name)
	}
	h.plugins[name] = impl

	for hookName, fn := range impl.Hooks() {
		h.hooks[hookName] = append(h.hooks[hookName], fn)
	}

	h.log.Info("plugin.loaded", "name", name, "api_version", impl.APIVersion())
	return nil
}

// Fire dispatches a named hook to all registered plugins.
// Hook errors and panics are logged; they never reach the deploy or secret operation.
// A nil Host is a no-op.
func (h *Host) Fire(ctx context.Context, hookName string, hctx v1.HookContext) {
	if h == nil {
		return
	}
	h.mu.RLock()
	fns := h.hooks[hookName]
	h.mu.RUnlock()

	for _, fn := range fns {
		select {
		case <-ctx.Done():
			return
		default:
		}

		func(f v1.HookFunc) {
			defer func() {
				if r := recover(); r != nil {
					h.log.Error("plugin.hook.panicked",
						"hook", hookName,
						"host", hctx.Host,
						"panic", fmt.Sprintf("%v", r),
					)
				}
			}()
			if err := f(hctx); err != nil {
				h.log.Warn("plugin.hook.failed",
					"hook", hookName,
					"host", hctx.Host,
					"err", err,
				)
			}
		}(fn)
	}
}

// Shutdown calls Shutdown() on every loaded plugin.
func (h *Host) Shutdown() {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	for name, p := range h.plugins {
		if err := p.Shutdown(); err != nil {
			h.log.Warn("plugin.shutdown.failed", "name", name, "err", err)
		}
	}
}

// List returns the names of all loaded plugins, sorted.
func (h *Host) List() []string {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.plugins))
	for name := range h.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
