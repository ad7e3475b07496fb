package plugin

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/f9-o/fleet/api/v1"
	"github.com/f9-o/fleet/internal/core/logger"
)

type stubPlugin struct {
	name    string
	version string
	hooks   map[string]v1.HookFunc
	closed  bool
}

func (p *stubPlugin) Name() string                     { return p.name }
func (p *stubPlugin) APIVersion() string               { return p.version }
func (p *stubPlugin) Init(cfg map[string]string) error { return nil }
func (p *stubPlugin) Hooks() map[string]v1.HookFunc    { return p.hooks }
func (p *stubPlugin) Shutdown() error                  { p.closed = true; return nil }

func TestFireIsolatesFailures(t *testing.T) {
	h := NewHost(logger.Discard())

	var seen []string
	require.NoError(t, h.Register(&stubPlugin{
		name:    "panics",
		version: v1.PluginAPIVersion,
		hooks: map[string]v1.HookFunc{
			v1.HookPostDeploy: func(v1.HookContext) error { panic("boom") },
		},
	}))
	require.NoError(t, h.Register(&stubPlugin{
		name:    "errors",
		version: v1.PluginAPIVersion,
		hooks: map[string]v1.HookFunc{
			v1.HookPostDeploy: func(c v1.HookContext) error {
				seen = append(seen, "errors:"+c.Host)
				return errors.New("nope")
			},
		},
	}))
	require.NoError(t, h.Register(&stubPlugin{
		name:    "records",
		version: v1.PluginAPIVersion,
		hooks: map[string]v1.HookFunc{
			v1.HookPostDeploy: func(c v1.HookContext) error {
				seen = append(seen, "records:"+c.Result)
				return nil
			},
		},
	}))

	h.Fire(context.Background(), v1.HookPostDeploy, v1.HookContext{Host: "web-1", Result: "success"})
	assert.ElementsMatch(t, []string{"errors:web-1", "records:success"}, seen)
	assert.Equal(t, []string{"errors", "panics", "records"}, h.List())
}

func TestRegisterRejectsVersionMismatch(t *testing.T) {
	h := NewHost(logger.Discard())
	err := h.Register(&stubPlugin{name: "old", version: "v0"})
	assert.ErrorContains(t, err, "API version mismatch")
	assert.Empty(t, h.List())
}

func TestShutdown(t *testing.T) {
	h := NewHost(logger.Discard())
	p := &stubPlugin{name: "p", version: v1.PluginAPIVersion}
	require.NoError(t, h.Register(p))
	h.Shutdown()
	assert.True(t, p.closed)
}

func TestNilHostFire(t *testing.T) {
	var h *Host
	h.Fire(context.Background(), v1.HookPreDeploy, v1.HookContext{})
	h.Shutdown()
}
