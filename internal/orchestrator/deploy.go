// Package orchestrator: per-host deploy state machine with watchdog-based rollback.
package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/kballard/go-shellquote"

	v1 "github.com/f9-o/fleet/api/v1"
	"github.com/f9-o/fleet/internal/core/logger"
	"github.com/f9-o/fleet/internal/core/plugin"
	"github.com/f9-o/fleet/internal/metrics"
	"github.com/f9-o/fleet/internal/remote"
	"github.com/f9-o/fleet/pkg/errs"
)

// Host-side rollback contract.
const (
	RollbackMarker        = "/etc/fleet_rollback_marker"
	RollbackService       = "rollback-watchdog.service"
	RollbackTimer         = "rollback-watchdog.timer"
	RollbackRunUnit       = "rollback-watchdog-run"
	RollbackRunTimer      = RollbackRunUnit + ".timer"
	RollbackWatchdogDelay = "3min"
)

// Kind-specific host paths.
const (
	SystemProfilePath = remote.ProfilesDir + "/" + SystemProfile
	LustrateMarker    = "/etc/NIXOS_LUSTRATE"
	NixosMarker       = "/etc/NIXOS"
	InstallRoot       = "/mnt"
)

// ─────────────────────────────────────────────────────────────────────────────
// States and outcomes
// ─────────────────────────────────────────────────────────────────────────────

// State is one step of a host deploy. Steps run strictly in declaration order.
type State string

const (
	StatePreflight        State = "preflight"
	StateMarkerArmed      State = "marker-armed"
	StatePrepared         State = "prepared"
	StateProfileSwitched  State = "profile-switched"
	StateActivated        State = "activated"
	StateRollbackResolved State = "rollback-resolved"
)

// Outcome is the result of one transition.
type Outcome string

const (
	OutcomeDone    Outcome = "done"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Skip reasons.
const (
	skipNotRequired = "not required"
	skipAfterFail   = "earlier step failed"
)

// Transition records how the deploy moved into State.
type Transition struct {
	State   State
	Outcome Outcome
	Reason  string
	Err     error
}

// Report is the full trace of one host deploy.
type Report struct {
	Host              string
	Action            v1.DeployAction
	Transitions       []Transition
	Failed            bool
	RollbackTriggered bool
	MarkerRemoved     bool
}

// Outcome returns how the deploy moved into s, or "" if it never got there.
func (r *Report) Outcome(s State) Outcome {
	for _, t := range r.Transitions {
		if t.State == s {
			return t.Outcome
		}
	}
	return ""
}

// Result is the history label of the deploy.
func (r *Report) Result() string {
	switch {
	case r.RollbackTriggered:
		return "rolledback"
	case r.Failed:
		return "failure"
	default:
		return "success"
	}
}

// Err joins the errors of every failed transition, nil when nothing failed.
func (r *Report) Err() error {
	var msgs []string
	for _, t := range r.Transitions {
		if t.Outcome == OutcomeFailed && t.Err != nil {
			msgs = append(msgs, fmt.Sprintf("%s: %v", t.State, t.Err))
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return errs.Newf(errs.ErrHostCommand, "deploy", "%s", strings.Join(msgs, "; ")).WithHost(r.Host)
}

func (r *Report) record(s State, o Outcome, reason string, err error) {
	r.Transitions = append(r.Transitions, Transition{State: s, Outcome: o, Reason: reason, Err: err})
	if o == OutcomeFailed {
		r.Failed = true
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Deployer
// ─────────────────────────────────────────────────────────────────────────────

// DeployRequest describes one host deploy.
type DeployRequest struct {
	Action          v1.DeployAction
	Kind            v1.DeployKind
	StorePath       string // closure already present on the host
	Specialisation  string
	DisableRollback bool
}

// Deployer drives the state machine on one host at a time. It is safe for
// concurrent use across hosts.
type Deployer struct {
	Log     *logger.Logger
	Metrics *metrics.Collector
	Plugins *plugin.Host
}

// run is the per-deploy machine state.
type run struct {
	host     remote.Host
	req      DeployRequest
	log      *logger.Logger
	report   *Report
	rollback bool   // marker and watchdog handling applies
	current  string // generation id written into the marker
}

// Deploy runs every step on host. The error is non-nil only when pre-flight
// rejects the deploy, in which case nothing was mutated. Step failures are
// reported through Report.Failed and decide the rollback.
func (d *Deployer) Deploy(ctx context.Context, host remote.Host, req DeployRequest) (*Report, error) {
	r := &run{
		host:   host,
		req:    req,
		log:    d.Log.ForHost(host.Name()),
		report: &Report{Host: host.Name(), Action: req.Action},
	}

	if err := r.preflight(ctx); err != nil {
		r.report.record(StatePreflight, OutcomeFailed, "", err)
		return r.report, err
	}
	r.report.record(StatePreflight, OutcomeDone, "", nil)

	d.Plugins.Fire(ctx, v1.HookPreDeploy, v1.HookContext{Host: host.Name(), Action: req.Action, StorePath: req.StorePath})

	r.armMarker(ctx)
	r.prepare(ctx)
	r.switchProfile(ctx)
	r.activate(ctx)
	r.resolveRollback(ctx)

	if r.report.RollbackTriggered {
		d.Metrics.RollbackTriggered()
	}
	d.Plugins.Fire(ctx, v1.HookPostDeploy, v1.HookContext{
		Host:      host.Name(),
		Action:    req.Action,
		StorePath: req.StorePath,
		Result:    r.report.Result(),
	})
	return r.report, nil
}

// preflight validates the request before any remote mutation.
func (r *run) preflight(ctx context.Context) error {
	req := r.req
	name := r.host.Name()

	if !req.Kind.AllowsAction(req.Action) {
		return errs.Newf(errs.ErrDeployKind, "deploy.preflight",
			"%s hosts only accept boot and upload, got %s", req.Kind, req.Action).WithHost(name)
	}

	if req.Kind != v1.KindFleet && !req.DisableRollback {
		r.log.Warn("deploy.rollback.unsupported", "kind", req.Kind)
		r.req.DisableRollback = true
	}

	if req.Kind == v1.KindNixosLustrate && req.Action != v1.ActionUpload {
		ok, err := r.host.FileExists(ctx, LustrateMarker)
		if err != nil {
			return errs.Wrap(err, errs.ErrHostCommand, "deploy.preflight.lustrate").WithHost(name)
		}
		if !ok {
			return errs.Newf(errs.ErrDeployLustrate, "deploy.preflight.lustrate",
				"%s is missing", LustrateMarker).WithHost(name).
				WithAdvice("lustrate removes the existing system; create " + LustrateMarker + " on the host to confirm")
		}
	}

	r.rollback = !r.req.DisableRollback && req.Action.ShouldCreateRollbackMarker()
	if !r.rollback {
		return nil
	}

	gens, err := r.host.ListGenerations(ctx, SystemProfile)
	if err != nil {
		return errs.Wrap(err, errs.ErrHostCommand, "deploy.preflight.generation").WithHost(name)
	}
	var current []v1.Generation
	for _, g := range gens {
		if g.Current {
			current = append(current, g)
		}
	}
	if len(current) != 1 {
		return errs.Newf(errs.ErrGenerationState, "deploy.preflight.generation",
			"expected exactly one current generation, found %d", len(current)).WithHost(name).
			WithAdvice("inspect " + SystemProfilePath + " on the host, or deploy with --disable-rollback")
	}
	r.current = current[0].ID
	return nil
}

// armMarker records the generation to restore and schedules the watchdog.
func (r *run) armMarker(ctx context.Context) {
	if !r.rollback {
		r.report.record(StateMarkerArmed, OutcomeSkipped, skipNotRequired, nil)
		return
	}

	if _, err := r.host.Run(ctx, markerCommand(r.current)); err != nil {
		r.log.Error("deploy.marker.failed", "err", err)
		r.report.record(StateMarkerArmed, OutcomeFailed, "", err)
		return
	}
	if r.req.Action.ShouldScheduleRollbackRun() {
		if _, err := r.host.Run(ctx, watchdogCommand()); err != nil {
			r.log.Error("deploy.watchdog.failed", "err", err)
			r.report.record(StateMarkerArmed, OutcomeFailed, "", err)
			return
		}
	}
	r.log.Info("deploy.marker.armed", "generation", r.current)
	r.report.record(StateMarkerArmed, OutcomeDone, "", nil)
}

// prepare runs the kind-specific step.
func (r *run) prepare(ctx context.Context) {
	if r.report.Failed {
		r.report.record(StatePrepared, OutcomeSkipped, skipAfterFail, nil)
		return
	}
	if r.req.Action == v1.ActionUpload {
		r.report.record(StatePrepared, OutcomeSkipped, skipNotRequired, nil)
		return
	}

	var cmd remote.Command
	switch r.req.Kind {
	case v1.KindNixosLustrate:
		cmd = remote.Cmd("touch", NixosMarker).Privileged()
	case v1.KindNixosInstall:
		cmd = remote.Cmd("nixos-install", "--system", r.req.StorePath, "--no-channel-copy", "--root", InstallRoot).Privileged()
	default:
		r.report.record(StatePrepared, OutcomeSkipped, skipNotRequired, nil)
		return
	}
	if _, err := r.host.Run(ctx, cmd); err != nil {
		r.log.Error("deploy.prepare.failed", "kind", r.req.Kind, "err", err)
		r.report.record(StatePrepared, OutcomeFailed, "", err)
		return
	}
	r.report.record(StatePrepared, OutcomeDone, "", nil)
}

func (r *run) switchProfile(ctx context.Context) {
	if reason, skip := r.skip(r.req.Action.ShouldSwitchProfile()); skip {
		r.report.record(StateProfileSwitched, OutcomeSkipped, reason, nil)
		return
	}
	cmd := remote.Cmd("nix", "build", "--profile", SystemProfilePath, r.req.StorePath).Privileged()
	if _, err := r.host.Run(ctx, cmd); err != nil {
		r.log.Error("deploy.profile.failed", "err", err)
		r.report.record(StateProfileSwitched, OutcomeFailed, "", err)
		return
	}
	r.report.record(StateProfileSwitched, OutcomeDone, "", nil)
}

func (r *run) activate(ctx context.Context) {
	if reason, skip := r.skip(r.req.Action.ShouldActivate()); skip {
		r.report.record(StateActivated, OutcomeSkipped, reason, nil)
		return
	}

	closure := r.req.StorePath
	if r.req.Specialisation != "" {
		closure = closure + "/specialisation/" + r.req.Specialisation
		ok, err := r.host.FileExists(ctx, closure)
		if err == nil && !ok {
			err = fmt.Errorf("specialisation %q not found in %s", r.req.Specialisation, r.req.StorePath)
		}
		if err != nil {
			r.log.Error("deploy.specialisation.failed", "err", err)
			r.report.record(StateActivated, OutcomeFailed, "", err)
			return
		}
	}

	arg, _ := r.req.Action.Name()
	cmd := remote.Cmd(closure+"/bin/switch-to-configuration", arg).
		Privileged().
		WithEnv("FLEET_ONLINE_ACTIVATION", "1")
	if r.req.Kind == v1.KindNixosLustrate {
		cmd = cmd.WithEnv("NIXOS_INSTALL_BOOTLOADER", "1")
	}
	if _, err := r.host.Run(ctx, cmd); err != nil {
		r.log.Error("deploy.activation.failed", "action", arg, "err", err)
		r.report.record(StateActivated, OutcomeFailed, "", err)
		return
	}
	r.report.record(StateActivated, OutcomeDone, "", nil)
}

// skip decides whether a mutating step runs. Install never reaches profile
// switch or activation: the installer does both.
func (r *run) skip(required bool) (string, bool) {
	switch {
	case !required || r.req.Kind == v1.KindNixosInstall:
		return skipNotRequired, true
	case r.report.Failed:
		return skipAfterFail, true
	default:
		return "", false
	}
}

// resolveRollback always runs. The absence of the marker is what tells the
// watchdog that the deploy succeeded.
func (r *run) resolveRollback(ctx context.Context) {
	if !r.rollback {
		// Upload leaves the host alone, including a marker a failed boot left behind.
		if r.req.DisableRollback && r.req.Action.ShouldCreateRollbackMarker() {
			if err := r.host.RmFile(ctx, RollbackMarker, true); err != nil {
				r.log.Warn("deploy.marker.cleanup.failed", "err", err)
			}
			r.report.record(StateRollbackResolved, OutcomeDone, "", nil)
			return
		}
		r.report.record(StateRollbackResolved, OutcomeSkipped, skipNotRequired, nil)
		return
	}

	scheduled := r.req.Action.ShouldScheduleRollbackRun()
	var resolveErr error
	switch {
	case r.report.Failed && scheduled:
		r.log.Warn("deploy.rollback.trigger")
		if err := r.host.SystemctlStart(ctx, RollbackService); err != nil {
			r.log.Error("deploy.rollback.trigger.failed", "err", err)
			resolveErr = err
		} else {
			r.report.RollbackTriggered = true
		}
	case !r.report.Failed:
		if err := r.host.RmFile(ctx, RollbackMarker, true); err != nil {
			r.log.Error("deploy.marker.remove.failed",
				"err", err, "note", "host may roll back on the next watchdog run or boot")
			resolveErr = err
		} else {
			r.report.MarkerRemoved = true
		}
	}

	if err := r.host.SystemctlStop(ctx, RollbackTimer); err != nil {
		r.log.Debug("deploy.watchdog.stop", "unit", RollbackTimer, "err", err)
	}
	if scheduled {
		if err := r.host.SystemctlStop(ctx, RollbackRunTimer); err != nil {
			r.log.Debug("deploy.watchdog.stop", "unit", RollbackRunTimer, "err", err)
		}
	}

	// A failed resolution is logged above; it does not turn a good deploy into a failed one.
	r.report.Transitions = append(r.report.Transitions, Transition{
		State:   StateRollbackResolved,
		Outcome: outcomeOf(resolveErr),
		Err:     resolveErr,
	})
}

func outcomeOf(err error) Outcome {
	if err != nil {
		return OutcomeFailed
	}
	return OutcomeDone
}

// markerCommand writes the marker through a temp file so a half-written marker
// is never observed, and refuses to replace a marker left by an unfinished deploy.
func markerCommand(generation string) remote.Command {
	script := "mark=$(mktemp -p /etc -t fleet_rollback_marker.XXXXX)" +
		" && echo -n " + shellquote.Join(generation) + " > $mark" +
		" && mv --no-clobber $mark " + RollbackMarker
	return remote.Cmd("sh", "-c", script).Privileged()
}

func watchdogCommand() remote.Command {
	return remote.Cmd("systemd-run",
		"--on-active", RollbackWatchdogDelay,
		"--unit", RollbackRunUnit,
		"systemctl", "start", RollbackService,
	).Privileged()
}
