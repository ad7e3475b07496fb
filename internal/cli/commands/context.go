// Package commands provides the shared context type and all CLI subcommands.
package commands

import (
	"context"
	"sort"

	"github.com/f9-o/fleet/internal/catalog"
	"github.com/f9-o/fleet/internal/core/config"
	"github.com/f9-o/fleet/internal/core/logger"
	"github.com/f9-o/fleet/internal/core/plugin"
	"github.com/f9-o/fleet/internal/core/state"
	"github.com/f9-o/fleet/internal/metrics"
	"github.com/f9-o/fleet/internal/orchestrator"
	"github.com/f9-o/fleet/internal/remote"
	"github.com/f9-o/fleet/internal/secrets"
	"github.com/f9-o/fleet/pkg/errs"
)

// contextKey is the key type for values stored in a command context.
type contextKey string

const runtimeContextKey contextKey = "fleet.runtime"

// GlobalFlags holds the parsed global flags for use by subcommands.
type GlobalFlags struct {
	Hosts      []string
	Skip       []string
	Debug      bool
	JSONOutput bool
}

// Runtime is the shared dependency bundle injected into each subcommand via context.
type Runtime struct {
	Config  *config.Config
	Log     *logger.Logger
	State   *state.DB
	Fleet   *remote.Fleet
	Catalog *catalog.Session
	Keys    *remote.KeyRegistry
	Metrics *metrics.Collector
	Plugins *plugin.Host
	Flags   GlobalFlags
}

// NewContext returns a new context carrying the Runtime.
func NewContext(parent context.Context, rt *Runtime) context.Context {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithValue(parent, runtimeContextKey, rt)
}

// FromContext extracts the Runtime from ctx. Panics if not present (programming error).
func FromContext(ctx context.Context) *Runtime {
	rt, ok := ctx.Value(runtimeContextKey).(*Runtime)
	if !ok || rt == nil {
		panic("fleet: Runtime not found in context, missing PersistentPreRunE?")
	}
	return rt
}

// SelectedHosts applies --host and --skip to the catalog hosts, sorted.
func (rt *Runtime) SelectedHosts() ([]string, error) {
	known := map[string]bool{}
	for _, name := range rt.Catalog.HostNames() {
		known[name] = true
	}
	for _, name := range append(append([]string{}, rt.Flags.Hosts...), rt.Flags.Skip...) {
		if !known[name] {
			return nil, errs.Newf(errs.ErrHostNotFound, "cli.hosts", "host %q is not declared", name).
				WithAdvice("check --host and --skip against the catalog")
		}
	}

	only := toSet(rt.Flags.Hosts)
	skip := toSet(rt.Flags.Skip)
	var out []string
	for name := range known {
		if len(only) > 0 && !only[name] {
			continue
		}
		if skip[name] {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// Orchestrator returns the fleet-wide deploy driver.
func (rt *Runtime) Orchestrator() *orchestrator.Fleet {
	return &orchestrator.Fleet{
		Catalog: rt.Catalog,
		Hosts:   rt.Fleet,
		State:   rt.State,
		Deployer: &orchestrator.Deployer{
			Log:     rt.Log,
			Metrics: rt.Metrics,
			Plugins: rt.Plugins,
		},
		Uploader: &orchestrator.Uploader{
			Local:   rt.Fleet.Local(),
			Metrics: rt.Metrics,
			Log:     rt.Log,
		},
		Metrics:      rt.Metrics,
		Log:          rt.Log,
		GCRootPrefix: rt.Config.GCRootPrefix,
		Parallelism:  rt.Config.Deploy.Parallelism,
	}
}

// Secrets returns the secret store manager.
func (rt *Runtime) Secrets() *secrets.Manager {
	engine := secrets.Engine{}
	return &secrets.Manager{
		Catalog: rt.Catalog,
		State:   rt.State,
		Hosts:   rt.Fleet,
		Keys:    rt.Keys,
		Generator: &secrets.Generator{
			Catalog:     rt.Catalog,
			Hosts:       rt.Fleet,
			Keys:        rt.Keys,
			Engine:      engine,
			ProjectRoot: rt.Config.ProjectRoot,
			Log:         rt.Log,
		},
		Engine:           engine,
		Seal:             secrets.AgeSeal,
		PreferIdentities: rt.Config.Secrets.PreferIdentities,
		Parallelism:      rt.Config.Deploy.Parallelism,
		Metrics:          rt.Metrics,
		Plugins:          rt.Plugins,
		Log:              rt.Log,
	}
}

// Close flushes metrics and releases connections and the state DB.
func (rt *Runtime) Close() error {
	rt.Plugins.Shutdown()
	if rt.Fleet != nil {
		rt.Fleet.Close()
	}
	err := rt.Metrics.Export(rt.Config.Metrics.Textfile)
	if err != nil {
		rt.Log.Warn("metrics.export.failed", "path", rt.Config.Metrics.Textfile, "err", err)
	}
	if rt.State != nil {
		return rt.State.Close()
	}
	return nil
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}
