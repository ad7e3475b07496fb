package secrets

import (
	"bytes"
	"context"
	"errors"
	"time"

	v1 "github.com/f9-o/fleet/api/v1"
	"github.com/f9-o/fleet/internal/catalog"
	"github.com/f9-o/fleet/pkg/errs"
)

// Default part names of manually added secrets.
const (
	DefaultPrivatePart = "secret"
	DefaultPublicPart  = "public"
)

// Material is operator-supplied secret content.
type Material struct {
	// Secret is encrypted for the owners. Empty means no private part.
	Secret     []byte
	// Public is stored as plain data. Nil means no public part.
	Public     []byte
	PartName   string
	PublicName string
	ExpiresAt  *time.Time
}

func (mat Material) partName() string {
	if mat.PartName == "" {
		return DefaultPrivatePart
	}
	return mat.PartName
}

func (mat Material) publicName() string {
	if mat.PublicName == "" {
		return DefaultPublicPart
	}
	return mat.PublicName
}

// sealParts encrypts the private part for recipients and passes the public part through.
func (m *Manager) sealParts(mat Material, recipients []string) (map[string]v1.SecretPart, error) {
	parts := map[string]v1.SecretPart{}
	if len(mat.Secret) > 0 {
		raw, err := m.Seal(mat.Secret, recipients)
		if err != nil {
			return nil, err
		}
		parts[mat.partName()] = v1.SecretPart{Raw: raw}
	}
	if mat.Public != nil {
		parts[mat.publicName()] = v1.SecretPart{Raw: v1.SecretData{Data: mat.Public}}
	}
	if len(parts) == 0 {
		return nil, errs.Newf(errs.ErrUsage, "secret.add", "nothing to store").
			WithAdvice("pipe the secret on stdin or pass --public")
	}
	return parts, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Host secrets
// ─────────────────────────────────────────────────────────────────────────────

// AddOptions controls AddHostSecret when the secret already exists.
type AddOptions struct {
	Material
	// Replace discards the existing secret.
	Replace bool
	// Merge adds new parts to the existing secret.
	Merge   bool
}

// AddHostSecret stores operator-supplied material as an unmanaged host secret.
func (m *Manager) AddHostSecret(ctx context.Context, host, name string, opts AddOptions) (err error) {
	const op = "secret.add"
	defer func() { m.finish(ctx, ScopeHost, OpAdd, host, name, err, nil) }()

	existing, err := m.State.GetHostSecret(host, name)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.Managed {
			return errs.Newf(errs.ErrSecretManaged, op,
				"secret is managed by fleet and should not be updated manually").WithHost(host)
		}
		if !opts.Replace && !opts.Merge {
			return errs.Newf(errs.ErrSecretExists, op, "secret already defined").
				WithHost(host).
				WithAdvice("use --replace to override, or --merge to add new parts to the existing secret")
		}
	}

	recipients, err := m.Keys.Recipients([]string{host})
	if err != nil {
		return err
	}
	added, err := m.sealParts(opts.Material, recipients)
	if err != nil {
		return err
	}

	secret := v1.FleetSecretData{CreatedAt: m.Engine.now().UTC(), ExpiresAt: opts.ExpiresAt, Parts: added}
	if existing != nil && opts.Merge && !opts.Replace {
		secret = existing.Secret
		if secret.Parts == nil {
			secret.Parts = map[string]v1.SecretPart{}
		}
		for part, p := range added {
			if _, clash := secret.Parts[part]; clash {
				return errs.Newf(errs.ErrSecretExists, op,
					"part %q is already defined, use --replace if you wish to replace it", part).WithHost(host)
			}
			secret.Parts[part] = p
		}
	}
	return m.State.PutHostSecret(host, name, v1.FleetHostSecret{Managed: false, Secret: secret})
}

// ReadHostSecret returns the plaintext of one part, decrypted on the host.
func (m *Manager) ReadHostSecret(ctx context.Context, host, name, part string) ([]byte, error) {
	stored, err := m.State.GetHostSecret(host, name)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, errs.Newf(errs.ErrSecretNotFound, "secret.read", "secret %q doesn't exist", name).WithHost(host)
	}
	return m.readPart(ctx, host, name, stored.Secret, part)
}

// EditFunc receives the current plaintext and returns the new one.
type EditFunc func(current []byte) ([]byte, error)

// EditHostSecret decrypts a part on the host, passes it through edit and
// stores the result encrypted for the host. With add, a missing part starts
// empty. It reports whether anything changed.
func (m *Manager) EditHostSecret(ctx context.Context, host, name, part string, add bool, edit EditFunc) (changed bool, err error) {
	const op = "secret.edit"
	defer func() {
		if changed || err != nil {
			m.finish(ctx, ScopeHost, OpEdit, host, name, err, nil)
		}
	}()

	stored, err := m.State.GetHostSecret(host, name)
	if err != nil {
		return false, err
	}
	if stored == nil {
		return false, errs.Newf(errs.ErrSecretNotFound, op, "secret %q doesn't exist", name).WithHost(host)
	}
	if stored.Managed {
		return false, errs.Newf(errs.ErrSecretManaged, op,
			"secret is managed by fleet and should not be updated manually").WithHost(host)
	}

	var current []byte
	if _, ok := stored.Secret.Parts[part]; ok {
		if current, err = m.readPart(ctx, host, name, stored.Secret, part); err != nil {
			return false, err
		}
	} else if !add {
		return false, errs.Newf(errs.ErrSecretNotFound, op,
			"part %s not found in secret %s. Did you mean to `--add` it?", part, name).WithHost(host)
	}

	updated, err := edit(current)
	if err != nil {
		return false, err
	}
	if bytes.Equal(updated, current) {
		m.Log.ForHost(host).Info("secret.edit.unchanged", "secret", name, "part", part)
		return false, nil
	}

	recipients, err := m.Keys.Recipients([]string{host})
	if err != nil {
		return false, err
	}
	raw, err := m.Seal(updated, recipients)
	if err != nil {
		return false, err
	}
	if stored.Secret.Parts == nil {
		stored.Secret.Parts = map[string]v1.SecretPart{}
	}
	stored.Secret.Parts[part] = v1.SecretPart{Raw: raw}
	if err := m.State.PutHostSecret(host, name, *stored); err != nil {
		return false, err
	}
	return true, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Shared secrets
// ─────────────────────────────────────────────────────────────────────────────

// AddSharedOptions controls AddSharedSecret.
type AddSharedOptions struct {
	Material
	Machines []string
	// Force overwrites an existing unmanaged secret.
	Force    bool
	// ReAdd replaces the content of an existing secret, keeping its owners.
	ReAdd    bool
}

// AddSharedSecret stores operator-supplied material as an unmanaged shared secret.
func (m *Manager) AddSharedSecret(ctx context.Context, name string, opts AddSharedOptions) (err error) {
	const op = "secret.add_shared"
	defer func() { m.finish(ctx, ScopeShared, OpAdd, "", name, err, nil) }()

	owners := v1.NewNameSet(opts.Machines...)
	existing, err := m.State.GetSharedSecret(name)
	if err != nil {
		return err
	}
	switch {
	case opts.ReAdd && opts.Force:
		return errs.Newf(errs.ErrUsage, op, "--force and --re-add are not compatible")
	case opts.ReAdd && len(opts.Machines) > 0:
		return errs.Newf(errs.ErrUsage, op, "you can't use --machines with --re-add")
	case existing == nil && opts.ReAdd:
		return errs.Newf(errs.ErrSecretNotFound, op, "secret %q doesn't exist", name)
	case existing != nil && existing.Managed:
		return errs.Newf(errs.ErrSecretManaged, op, "secret is marked as managed, should not be updated manually")
	case existing != nil && !opts.Force && !opts.ReAdd:
		return errs.Newf(errs.ErrSecretExists, op, "secret already defined").
			WithAdvice("use --force to override it, or --re-add to keep its owners")
	}
	if opts.ReAdd {
		owners = existing.Owners.Clone()
	}
	if len(owners) == 0 {
		return errs.Newf(errs.ErrUsage, op, "at least one owner is required").WithAdvice("pass --machines")
	}

	recipients, err := m.Keys.Recipients(owners.Sorted())
	if err != nil {
		return err
	}
	parts, err := m.sealParts(opts.Material, recipients)
	if err != nil {
		return err
	}
	return m.State.PutSharedSecret(name, v1.FleetSharedSecret{
		Managed: false,
		Owners:  owners,
		Secret: v1.FleetSecretData{
			CreatedAt: m.Engine.now().UTC(),
			ExpiresAt: opts.ExpiresAt,
			Parts:     parts,
		},
	})
}

// ReadSharedSecret returns the plaintext of one part, decrypted by an owner.
func (m *Manager) ReadSharedSecret(ctx context.Context, name, part string, prefer []string) ([]byte, error) {
	stored, err := m.State.GetSharedSecret(name)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, errs.Newf(errs.ErrSecretNotFound, "secret.read_shared", "secret %q doesn't exist", name)
	}
	var holder string
	if p, ok := stored.Secret.Parts[part]; ok && p.Raw.Encrypted {
		if len(prefer) == 0 {
			prefer = m.PreferIdentities
		}
		if holder, err = SelectIdentityHolder(prefer, stored.Owners); err != nil {
			return nil, err
		}
	}
	return m.readPart(ctx, holder, name, stored.Secret, part)
}

// OwnerEdit changes the owners of a shared secret: either a full list or
// add/remove lists, never both.
type OwnerEdit struct {
	Machines []string
	Add      []string
	Remove   []string
}

// UpdateSharedOwners applies an owner edit and returns the resulting owners.
// The new owner set goes through the regenerate-or-reencrypt policy; explicit
// removals always re-encrypt to the narrowed set. An empty result deletes the
// secret.
func (m *Manager) UpdateSharedOwners(ctx context.Context, name string, edit OwnerEdit) (v1.NameSet, error) {
	const op = "secret.update_shared"

	if len(edit.Machines) > 0 && (len(edit.Add) > 0 || len(edit.Remove) > 0) {
		return nil, errs.Newf(errs.ErrUsage, op, "can't combine --machines and --add-machines/--remove-machines")
	}
	if len(edit.Machines)+len(edit.Add)+len(edit.Remove) == 0 {
		return nil, errs.Newf(errs.ErrUsage, op, "no operation").
			WithAdvice("pass --machines, --add-machines or --remove-machines")
	}

	stored, err := m.State.GetSharedSecret(name)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, errs.Newf(errs.ErrSecretNotFound, op, "secret %q doesn't exist", name)
	}
	if !hasEncryptedPart(stored.Secret) {
		return nil, errs.Newf(errs.ErrValidation, op, "secret %q has no encrypted part", name)
	}

	log := m.Log.ForSecret(name)
	log.Info("secret.owners.current", "owners", stored.Owners.String())
	target := editOwners(stored.Owners, edit, func(event, host string) {
		log.Warn(event, "host", host)
	})
	removed := stored.Owners.Difference(target)

	if len(target) == 0 {
		log.Info("secret.shared.remove", "reason", "no machines left")
		err := m.State.DeleteSharedSecret(name)
		m.finish(ctx, ScopeShared, OpRemove, "", name, err, nil)
		return v1.NameSet{}, err
	}

	def, exp := m.sharedExpectations(name, stored, target)
	reason := m.Engine.NeedsRegeneration(stored.Secret, stored.Owners, exp)
	policy := DecidePolicy(reason, def)
	if len(removed) > 0 && !policy.Regenerate {
		log.Warn("secret.owners.removed", "hosts", removed.String(),
			"advice", "removed hosts keep the ability to decrypt copies they already hold until the secret is regenerated")
		policy.Reencrypt = true
	}

	switch {
	case policy.Regenerate:
		log.Info("secret.shared.generate", "reason", reason.String())
		err = m.generateShared(ctx, def, exp)
		m.finish(ctx, ScopeShared, OpGenerate, "", name, err, nil)
	case policy.Reencrypt:
		log.Info("secret.shared.reencrypt", "owners", target.String())
		err = m.reencryptShared(ctx, name, *stored, target)
		m.finish(ctx, ScopeShared, OpReencrypt, "", name, err, nil)
	default:
		log.Info("secret.owners.unchanged")
	}
	if err != nil {
		return nil, err
	}
	return target, nil
}

// editOwners computes the target owner set. warn receives no-op edits.
func editOwners(current v1.NameSet, edit OwnerEdit, warn func(event, host string)) v1.NameSet {
	add, remove := edit.Add, edit.Remove
	if len(edit.Machines) > 0 {
		full := v1.NewNameSet(edit.Machines...)
		add = full.Difference(current).Sorted()
		remove = current.Difference(full).Sorted()
	}
	target := current.Clone()
	for _, h := range remove {
		if !target.Has(h) {
			warn("secret.owner.not_enabled", h)
			continue
		}
		delete(target, h)
	}
	for _, h := range add {
		if target.Has(h) {
			warn("secret.owner.already_added", h)
			continue
		}
		target[h] = struct{}{}
	}
	return target
}

// sharedExpectations returns the declaration of name with owners substituted.
// Undeclared secrets only carry owner expectations.
func (m *Manager) sharedExpectations(name string, stored *v1.FleetSharedSecret, owners v1.NameSet) (catalog.Definition, catalog.Expectations) {
	def, err := m.Catalog.SharedSecret(name)
	if err != nil {
		return undeclared{name: name}, catalog.Expectations{
			Owners:         owners,
			GenerationData: stored.Secret.GenerationData,
		}
	}
	exp := def.Expectations()
	if !exp.Owners.Equal(owners) {
		m.Log.ForSecret(name).Warn("secret.owners.diverge",
			"declared", exp.Owners.String(),
			"advice", "the next `fleet secret regenerate` restores the declared owners")
	}
	exp.Owners = owners
	return def, exp
}

// undeclared stands in for a stored shared secret missing from the catalog.
type undeclared struct{ name string }

func (d undeclared) Name() string                     { return d.name }
func (undeclared) Shared() bool                       { return true }
func (undeclared) Managed() bool                      { return false }
func (undeclared) Expectations() catalog.Expectations { return catalog.Expectations{} }
func (undeclared) RegenerateOnOwnerAdded() bool       { return false }
func (undeclared) RegenerateOnOwnerRemoved() bool     { return false }

func (d undeclared) Generator() (catalog.Generator, error) {
	return nil, errs.Newf(errs.ErrNoGenerator, "secret.generate", "secret %q is not declared", d.name)
}

// SharedStatus compares a shared secret in the store with its declaration.
type SharedStatus struct {
	Name     string
	Stored   bool
	Declared bool
	Managed  bool
	// Owners is the stored owner set.
	Owners   v1.NameSet
	// Expected is the declared owner set.
	Expected v1.NameSet
	// Reason is why reconciliation would touch the secret; nil when in sync.
	Reason   Reason
}

// ListShared reports every stored or declared shared secret, sorted by name.
func (m *Manager) ListShared() ([]SharedStatus, error) {
	stored, err := m.State.ListSharedSecrets()
	if err != nil {
		return nil, err
	}
	names := m.Catalog.SharedSecretNames().Union(v1.NewNameSet(sortedKeys(stored)...))

	out := make([]SharedStatus, 0, len(names))
	for _, name := range names.Sorted() {
		st := SharedStatus{Name: name}
		secret, ok := stored[name]
		if ok {
			st.Stored, st.Managed, st.Owners = true, secret.Managed, secret.Owners
		}
		if def, err := m.Catalog.SharedSecret(name); err == nil {
			exp := def.Expectations()
			st.Declared, st.Expected = true, exp.Owners
			if ok {
				st.Reason = m.Engine.NeedsRegeneration(secret.Secret, secret.Owners, exp)
			}
		}
		out = append(out, st)
	}
	return out, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Host keys
// ─────────────────────────────────────────────────────────────────────────────

// ForceKeys fetches and records the key of every host, replacing cached keys.
// Every host is attempted; failures are joined.
func (m *Manager) ForceKeys(ctx context.Context, hosts []string) ([]v1.HostKeyRecord, error) {
	var (
		records []v1.HostKeyRecord
		failed  []error
	)
	for _, name := range hosts {
		rec, err := m.refreshKey(ctx, name)
		if err != nil {
			m.Log.ForHost(name).Error("secret.hostkey.failed", "err", err)
			failed = append(failed, errs.Wrap(err, errs.ErrHostKey, "secret.force_keys").WithHost(name))
			continue
		}
		m.Log.ForHost(name).Info("secret.hostkey.recorded", "key", rec.Key)
		records = append(records, rec)
	}
	return records, errors.Join(failed...)
}

func (m *Manager) refreshKey(ctx context.Context, name string) (v1.HostKeyRecord, error) {
	h, err := m.Hosts.Host(name)
	if err != nil {
		return v1.HostKeyRecord{}, err
	}
	return m.Keys.Refresh(ctx, h)
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

// readPart returns the plaintext of part, decrypting encrypted data on holder.
func (m *Manager) readPart(ctx context.Context, holder, name string, secret v1.FleetSecretData, part string) ([]byte, error) {
	const op = "secret.read"
	p, ok := secret.Parts[part]
	if !ok {
		return nil, errs.Newf(errs.ErrSecretNotFound, op, "no part %s in secret %s", part, name).
			WithAdvice("available parts: " + secret.PartNames().String())
	}
	if !p.Raw.Encrypted {
		return p.Raw.Data, nil
	}
	h, err := m.Hosts.Host(holder)
	if err != nil {
		return nil, err
	}
	plain, err := h.Decrypt(ctx, p.Raw)
	if err != nil {
		return nil, errs.Wrap(err, errs.ErrHostCommand, op).WithHost(holder)
	}
	return plain, nil
}

func hasEncryptedPart(d v1.FleetSecretData) bool {
	for _, p := range d.Parts {
		if p.Raw.Encrypted {
			return true
		}
	}
	return false
}
