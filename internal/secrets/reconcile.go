package secrets

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	v1 "github.com/f9-o/fleet/api/v1"
	"github.com/f9-o/fleet/internal/catalog"
	"github.com/f9-o/fleet/internal/core/logger"
	"github.com/f9-o/fleet/internal/core/plugin"
	"github.com/f9-o/fleet/internal/core/state"
	"github.com/f9-o/fleet/internal/metrics"
	"github.com/f9-o/fleet/internal/remote"
	"github.com/f9-o/fleet/pkg/errs"
)

// Metric scopes and operations.
const (
	ScopeHost   = "host"
	ScopeShared = "shared"

	OpGenerate  = "generate"
	OpReencrypt = "reencrypt"
	OpRemove    = "remove"
	OpAdd       = "add"
	OpEdit      = "edit"
)

// Declarations is the part of the catalog session secrets are reconciled
// against. Implemented by *catalog.Session.
type Declarations interface {
	HostSecretNames(host string) (v1.NameSet, error)
	HostSecret(host, name string) (*catalog.HostSecretDefinition, error)
	SharedSecretNames() v1.NameSet
	SharedSecret(name string) (*catalog.SharedSecretDefinition, error)
}

// SecretGenerator produces fresh secret data. Implemented by *Generator.
type SecretGenerator interface {
	Generate(ctx context.Context, def catalog.Definition, exp catalog.Expectations) (v1.FleetSecretData, error)
}

// Manager owns the secret store: it reconciles it with the catalog and
// implements the operator secret commands.
type Manager struct {
	Catalog          Declarations
	State            *state.DB
	Hosts            remote.Resolver
	Keys             Keyring
	Generator        SecretGenerator
	Engine           Engine
	Seal             Sealer
	// PreferIdentities are tried first when a host must decrypt a shared secret.
	PreferIdentities []string
	// Parallelism caps concurrent host tasks; 0 = unlimited.
	Parallelism      int
	Metrics          *metrics.Collector
	Plugins          *plugin.Host
	Log              *logger.Logger
}

// Result counts what one reconciliation changed.
type Result struct {
	Generated   int
	Reencrypted int
	Removed     int
	Failed      int
}

// Changed reports whether anything was written or removed.
func (r Result) Changed() bool {
	return r.Generated+r.Reencrypted+r.Removed > 0
}

type counter struct {
	mu  sync.Mutex
	res Result
}

func (c *counter) add(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case err != nil:
		c.res.Failed++
	case op == OpGenerate:
		c.res.Generated++
	case op == OpReencrypt:
		c.res.Reencrypted++
	case op == OpRemove:
		c.res.Removed++
	}
}

func (c *counter) result() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.res
}

// ─────────────────────────────────────────────────────────────────────────────
// Reconciliation
// ─────────────────────────────────────────────────────────────────────────────

// Reconcile brings the store in line with the catalog for hosts and for every
// shared secret. Failures are isolated per secret and counted; only store read
// failures abort the run.
func (m *Manager) Reconcile(ctx context.Context, hosts []string) (Result, error) {
	var c counter

	if err := m.reconcileSharedMissing(ctx, &c); err != nil {
		return c.result(), err
	}

	var g errgroup.Group
	if m.Parallelism > 0 {
		g.SetLimit(m.Parallelism)
	}
	for _, host := range hosts {
		g.Go(func() error {
			m.reconcileHost(ctx, host, &c)
			return nil
		})
	}
	_ = g.Wait()

	if err := m.reconcileSharedExisting(ctx, &c); err != nil {
		return c.result(), err
	}

	res := c.result()
	m.Log.Info("secret.reconcile.done",
		"generated", res.Generated,
		"reencrypted", res.Reencrypted,
		"removed", res.Removed,
		"failed", res.Failed,
	)
	return res, nil
}

func (m *Manager) reconcileSharedMissing(ctx context.Context, c *counter) error {
	stored, err := m.State.ListSharedSecrets()
	if err != nil {
		return err
	}
	for _, name := range m.Catalog.SharedSecretNames().Sorted() {
		if _, ok := stored[name]; ok {
			continue
		}
		def, err := m.Catalog.SharedSecret(name)
		if err != nil {
			m.finish(ctx, ScopeShared, OpGenerate, "", name, err, c)
			continue
		}
		if !def.Managed() {
			m.Log.ForSecret(name).Warn("secret.shared.unmanaged.missing",
				"advice", "add it with `fleet secret add-shared`")
			continue
		}
		m.Log.ForSecret(name).Info("secret.shared.generate", "reason", "missing")
		m.finish(ctx, ScopeShared, OpGenerate, "", name, m.generateShared(ctx, def, def.Expectations()), c)
	}
	return nil
}

func (m *Manager) reconcileHost(ctx context.Context, host string, c *counter) {
	log := m.Log.ForHost(host)

	declared, err := m.Catalog.HostSecretNames(host)
	if err != nil {
		log.Error("secret.host.declarations.failed", "err", err)
		c.add("", err)
		return
	}
	stored, err := m.State.ListHostSecrets(host)
	if err != nil {
		log.Error("secret.host.list.failed", "err", err)
		c.add("", err)
		return
	}

	for _, name := range declared.Sorted() {
		def, err := m.Catalog.HostSecret(host, name)
		if err != nil {
			m.finish(ctx, ScopeHost, OpGenerate, host, name, err, c)
			continue
		}
		if def.Shared() {
			continue
		}
		existing, ok := stored[name]
		switch {
		case !ok && !def.Managed():
			log.Warn("secret.host.unmanaged.missing", "secret", name,
				"advice", "add it with `fleet secret add`")
			continue
		case !ok:
			log.Info("secret.host.generate", "secret", name, "reason", "missing")
		case !def.Managed():
			continue
		default:
			reason := m.Engine.NeedsRegeneration(existing.Secret, nil, def.Expectations())
			if reason == nil {
				continue
			}
			log.Info("secret.host.generate", "secret", name, "reason", reason.String())
		}
		m.finish(ctx, ScopeHost, OpGenerate, host, name, m.generateHost(ctx, def), c)
	}

	for _, name := range sortedKeys(stored) {
		if declared.Has(name) {
			continue
		}
		log.Info("secret.host.remove", "secret", name, "reason", "no longer declared")
		m.finish(ctx, ScopeHost, OpRemove, host, name, m.State.DeleteHostSecret(host, name), c)
	}
}

func (m *Manager) reconcileSharedExisting(ctx context.Context, c *counter) error {
	stored, err := m.State.ListSharedSecrets()
	if err != nil {
		return err
	}
	declared := m.Catalog.SharedSecretNames()

	for _, name := range sortedKeys(stored) {
		log := m.Log.ForSecret(name)
		secret := stored[name]

		if !declared.Has(name) {
			log.Info("secret.shared.remove", "reason", "no longer declared")
			m.finish(ctx, ScopeShared, OpRemove, "", name, m.State.DeleteSharedSecret(name), c)
			continue
		}
		def, err := m.Catalog.SharedSecret(name)
		if err != nil {
			m.finish(ctx, ScopeShared, OpGenerate, "", name, err, c)
			continue
		}
		exp := def.Expectations()
		reason := m.Engine.NeedsRegeneration(secret.Secret, secret.Owners, exp)
		policy := DecidePolicy(reason, def)

		switch {
		case policy.Regenerate:
			log.Info("secret.shared.generate", "reason", reason.String())
			m.finish(ctx, ScopeShared, OpGenerate, "", name, m.generateShared(ctx, def, exp), c)
		case policy.Reencrypt:
			log.Info("secret.shared.reencrypt", "reason", reason.String())
			m.finish(ctx, ScopeShared, OpReencrypt, "", name, m.reencryptShared(ctx, name, secret, exp.Owners), c)
		case reason != nil:
			log.Info("secret.shared.kept", "reason", reason.String())
		}
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Store updates
// ─────────────────────────────────────────────────────────────────────────────

func (m *Manager) generateHost(ctx context.Context, def *catalog.HostSecretDefinition) error {
	data, err := m.Generator.Generate(ctx, def, def.Expectations())
	if err != nil {
		return err
	}
	return m.State.PutHostSecret(def.Host(), def.Name(), v1.FleetHostSecret{Managed: true, Secret: data})
}

// generateShared stores freshly generated data for exp.Owners.
func (m *Manager) generateShared(ctx context.Context, def catalog.Definition, exp catalog.Expectations) error {
	data, err := m.Generator.Generate(ctx, def, exp)
	if err != nil {
		return err
	}
	return m.State.PutSharedSecret(def.Name(), v1.FleetSharedSecret{
		Managed: def.Managed(),
		Owners:  exp.Owners.Clone(),
		Secret:  data,
	})
}

func (m *Manager) reencryptShared(ctx context.Context, name string, secret v1.FleetSharedSecret, owners v1.NameSet) error {
	updated, err := m.reencrypt(ctx, secret, owners)
	if err != nil {
		return err
	}
	return m.State.PutSharedSecret(name, updated)
}

// reencrypt makes every encrypted part decryptable by exactly owners. One of
// the current owners decrypts; plain parts are kept as they are.
func (m *Manager) reencrypt(ctx context.Context, secret v1.FleetSharedSecret, owners v1.NameSet) (v1.FleetSharedSecret, error) {
	const op = "secret.reencrypt"

	holderName, err := SelectIdentityHolder(m.PreferIdentities, secret.Owners)
	if err != nil {
		return secret, err
	}
	holder, err := m.Hosts.Host(holderName)
	if err != nil {
		return secret, err
	}
	recipients, err := m.Keys.Recipients(owners.Sorted())
	if err != nil {
		return secret, err
	}

	parts := make(map[string]v1.SecretPart, len(secret.Secret.Parts))
	for _, name := range secret.Secret.PartNames().Sorted() {
		part := secret.Secret.Parts[name]
		if part.Raw.Encrypted {
			raw, err := holder.Reencrypt(ctx, part.Raw, recipients)
			if err != nil {
				return secret, errs.Wrap(err, errs.ErrEncrypt, op).WithHost(holderName)
			}
			part = v1.SecretPart{Raw: raw}
		}
		parts[name] = part
	}

	secret.Owners = owners.Clone()
	secret.Secret.Parts = parts
	return secret, nil
}

// finish logs, counts and audits one secret operation. Successful generations
// fire the OnSecretRegenerated hook.
func (m *Manager) finish(ctx context.Context, scope, op, host, name string, err error, c *counter) {
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultFailure
		log := m.Log.ForSecret(name)
		if host != "" {
			log = log.ForHost(host)
		}
		log.Error("secret."+scope+"."+op+".failed", "err", err)
	}
	if c != nil {
		c.add(op, err)
	}
	m.Metrics.Secret(scope, op, result)
	m.Log.Audit(logger.AuditEntry{
		Op:     "secret." + scope + "." + op,
		Host:   host,
		Secret: name,
		Result: result,
	})
	if err == nil && op == OpGenerate {
		m.Plugins.Fire(ctx, v1.HookSecretRegenerated, v1.HookContext{
			Host:   host,
			Secret: name,
			Result: result,
		})
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
