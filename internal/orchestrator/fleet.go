package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	v1 "github.com/f9-o/fleet/api/v1"
	"github.com/f9-o/fleet/internal/core/logger"
	"github.com/f9-o/fleet/internal/core/state"
	"github.com/f9-o/fleet/internal/metrics"
	"github.com/f9-o/fleet/internal/remote"
)

// TopLevelOutput is the build output deployed to hosts.
const TopLevelOutput = "toplevel"

// Builds is what the fleet driver needs from the catalog session.
type Builds interface {
	DeployKind(host string) (v1.DeployKind, error)
	Specialisation(host string) (string, error)
	BuildOutput(ctx context.Context, host, output string) (string, error)
}

// Fleet fans deploys out to hosts. Every host runs to completion on its own;
// a failure is logged and recorded, never propagated to siblings.
type Fleet struct {
	Catalog      Builds
	Hosts        remote.Resolver
	State        *state.DB
	Deployer     *Deployer
	Uploader     *Uploader
	Metrics      *metrics.Collector
	Log          *logger.Logger
	GCRootPrefix string
	// Parallelism caps concurrent host tasks; 0 = unlimited.
	Parallelism  int
}

// HostResult is the outcome of one host task.
type HostResult struct {
	Host      string
	StorePath string
	Report    *Report
	Err       error
}

// Failed reports whether the host task or any deploy step failed.
func (r HostResult) Failed() bool {
	return r.Err != nil || (r.Report != nil && r.Report.Failed)
}

// DeployOptions are the fleet-wide deploy flags.
type DeployOptions struct {
	Action          v1.DeployAction
	DisableRollback bool
}

// Deploy builds, uploads and activates every host. Results are in hosts order.
func (f *Fleet) Deploy(ctx context.Context, hosts []string, opts DeployOptions) []HostResult {
	results := make([]HostResult, len(hosts))
	f.each(hosts, func(i int, name string) {
		started := time.Now()
		res := f.deployHost(ctx, name, opts)
		f.record(name, opts.Action, started, res)
		results[i] = res
	})
	return results
}

func (f *Fleet) deployHost(ctx context.Context, name string, opts DeployOptions) HostResult {
	res := HostResult{Host: name}
	log := f.Log.ForHost(name)

	kind, err := f.Catalog.DeployKind(name)
	if err != nil {
		res.Err = err
		return res
	}
	specialisation, err := f.Catalog.Specialisation(name)
	if err != nil {
		res.Err = err
		return res
	}
	host, err := f.Hosts.Host(name)
	if err != nil {
		res.Err = err
		return res
	}

	log.Info("deploy.build.start")
	built, err := f.Catalog.BuildOutput(ctx, name, TopLevelOutput)
	if err != nil {
		res.Err = err
		return res
	}
	res.StorePath = built

	if !host.IsLocal() {
		if err := f.addGCRoot(ctx, name, built); err != nil {
			res.Err = err
			return res
		}
	}

	path, err := f.Uploader.Upload(ctx, host, v1.StorageMachine, built)
	if err != nil {
		res.Err = err
		return res
	}

	res.Report, res.Err = f.Deployer.Deploy(ctx, host, DeployRequest{
		Action:          opts.Action,
		Kind:            kind,
		StorePath:       path,
		Specialisation:  specialisation,
		DisableRollback: opts.DisableRollback,
	})
	return res
}

// addGCRoot keeps the closure alive on the deployer. These profiles are the
// deployer-held rollback targets.
func (f *Fleet) addGCRoot(ctx context.Context, host, built string) error {
	profile := filepath.Join(remote.ProfilesDir, GCRootProfile(f.GCRootPrefix, host))
	cmd := remote.Cmd("nix", "build", "--profile", profile, built).Privileged()
	if _, err := f.Hosts.Local().Run(ctx, cmd); err != nil {
		return fmt.Errorf("add gc root %s: %w", profile, err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Rollback
// ─────────────────────────────────────────────────────────────────────────────

// ListTargets returns the rollback targets of one host.
func (f *Fleet) ListTargets(ctx context.Context, name string) ([]v1.Generation, error) {
	host, err := f.Hosts.Host(name)
	if err != nil {
		return nil, err
	}
	return ListRollbackTargets(ctx, host, f.Hosts.Local(), f.GCRootPrefix, f.Log), nil
}

// RollbackOptions select a historical generation to activate.
type RollbackOptions struct {
	Action         v1.DeployAction
	Target         string
	Specialisation string
	// EnableRollback arms the marker and watchdog for the rollback itself.
	EnableRollback bool
}

// Rollback activates a previous generation. Deployer-held generations are
// uploaded first.
func (f *Fleet) Rollback(ctx context.Context, name string, opts RollbackOptions) (*Report, error) {
	started := time.Now()
	res := f.rollbackHost(ctx, name, opts)
	f.record(name, opts.Action, started, res)
	return res.Report, res.Err
}

func (f *Fleet) rollbackHost(ctx context.Context, name string, opts RollbackOptions) HostResult {
	res := HostResult{Host: name}

	kind, err := f.Catalog.DeployKind(name)
	if err != nil {
		res.Err = err
		return res
	}
	host, err := f.Hosts.Host(name)
	if err != nil {
		res.Err = err
		return res
	}

	gens := ListRollbackTargets(ctx, host, f.Hosts.Local(), f.GCRootPrefix, f.Log)
	target, err := FindRollbackTarget(gens, opts.Target)
	if err != nil {
		res.Err = err
		return res
	}
	res.StorePath = target.StorePath

	path := target.StorePath
	if target.Location != v1.StorageMachine {
		path, err = f.Uploader.Upload(ctx, host, target.Location, target.StorePath)
		if err != nil {
			res.Err = err
			return res
		}
	}

	res.Report, res.Err = f.Deployer.Deploy(ctx, host, DeployRequest{
		Action:          opts.Action,
		Kind:            kind,
		StorePath:       path,
		Specialisation:  opts.Specialisation,
		DisableRollback: !opts.EnableRollback,
	})
	return res
}

// ─────────────────────────────────────────────────────────────────────────────
// Build without deploying
// ─────────────────────────────────────────────────────────────────────────────

// BuildSystems builds output for every host and links it as built-<host> in dir.
func (f *Fleet) BuildSystems(ctx context.Context, hosts []string, output, dir string) []HostResult {
	results := make([]HostResult, len(hosts))
	f.each(hosts, func(i int, name string) {
		res := HostResult{Host: name}
		res.StorePath, res.Err = f.Catalog.BuildOutput(ctx, name, output)
		if res.Err == nil {
			res.Err = relink(res.StorePath, filepath.Join(dir, "built-"+name))
		}
		if res.Err != nil {
			f.Log.Error("build.failed", "host", name, "err", res.Err)
		}
		results[i] = res
	})
	return results
}

func relink(target, link string) error {
	if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", link, err)
	}
	if err := os.Symlink(target, link); err != nil {
		return fmt.Errorf("link %s: %w", link, err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

// each runs fn once per host under the parallelism limit and waits for all.
func (f *Fleet) each(hosts []string, fn func(i int, name string)) {
	var g errgroup.Group
	if f.Parallelism > 0 {
		g.SetLimit(f.Parallelism)
	}
	for i, name := range hosts {
		g.Go(func() error {
			fn(i, name)
			return nil
		})
	}
	_ = g.Wait()
}

// record logs the outcome and appends it to deploy history and the audit log.
func (f *Fleet) record(name string, action v1.DeployAction, started time.Time, res HostResult) {
	log := f.Log.ForHost(name)
	elapsed := time.Since(started)

	result := metrics.ResultSuccess
	var errText string
	switch {
	case res.Err != nil:
		result = metrics.ResultFailure
		errText = res.Err.Error()
		log.Error("deploy.failed", "action", action, "err", res.Err)
	case res.Report != nil && res.Report.Failed:
		result = res.Report.Result()
		if err := res.Report.Err(); err != nil {
			errText = err.Error()
		}
		log.Error("deploy.failed", "action", action, "result", result, "err", errText)
	default:
		log.Info("deploy.done", "action", action, "duration", elapsed.Round(time.Millisecond))
	}

	f.Metrics.Deploy(string(action), result, elapsed)
	f.Log.Audit(logger.AuditEntry{
		Op:     "deploy." + string(action),
		Host:   name,
		Result: result,
		Meta:   map[string]string{"store_path": res.StorePath},
	})

	if f.State == nil {
		return
	}
	rec := v1.DeploymentRecord{
		ID:          uuid.NewString(),
		Host:        name,
		Action:      action,
		StorePath:   res.StorePath,
		StartedAt:   started.UTC(),
		CompletedAt: time.Now().UTC(),
		Result:      result,
		DurationMS:  elapsed.Milliseconds(),
		Error:       errText,
	}
	if err := f.State.PutDeployment(rec); err != nil {
		log.Warn("deploy.history.write.failed", "err", err)
	}
}
