// Package secrets keeps stored secrets consistent with their declarations:
// it decides when a secret must be regenerated or re-encrypted, runs
// generators, and implements the operator commands over the secret store.
package secrets

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	v1 "github.com/f9-o/fleet/api/v1"
	"github.com/f9-o/fleet/internal/catalog"
	"github.com/f9-o/fleet/pkg/errs"
)

// ─────────────────────────────────────────────────────────────────────────────
// Regeneration reasons
// ─────────────────────────────────────────────────────────────────────────────

// Reason explains why a stored secret no longer matches its declaration.
type Reason interface {
	fmt.Stringer
	reason()
}

// OwnersAdded lists declared owners that cannot decrypt the stored secret.
type OwnersAdded struct{ Owners v1.NameSet }

// OwnersRemoved lists stored owners that are no longer declared.
type OwnersRemoved struct{ Owners v1.NameSet }

// GenerationDataChanged reports a stale generation fingerprint.
type GenerationDataChanged struct{ Expected, Found any }

// PartListChanged reports a different set of part names.
type PartListChanged struct{ Expected, Found v1.NameSet }

// ExpectedPrivate reports an encrypted part that is not declared private.
type ExpectedPrivate struct{ Part string }

// ExpectedPublic reports a plain part that is not declared public.
type ExpectedPublic struct{ Part string }

// Expired reports a secret past its expiry.
type Expired struct{ At time.Time }

func (OwnersAdded) reason()           {}
func (OwnersRemoved) reason()         {}
func (GenerationDataChanged) reason() {}
func (PartListChanged) reason()       {}
func (ExpectedPrivate) reason()       {}
func (ExpectedPublic) reason()        {}
func (Expired) reason()               {}

func (r OwnersAdded) String() string   { return "owners added: " + r.Owners.String() }
func (r OwnersRemoved) String() string { return "owners removed: " + r.Owners.String() }

func (r GenerationDataChanged) String() string {
	return fmt.Sprintf("generation data changed: expected %s, found %s", canonical(r.Expected), canonical(r.Found))
}

func (r PartListChanged) String() string {
	return fmt.Sprintf("part list changed: expected %s, found %s", r.Expected, r.Found)
}

func (r ExpectedPrivate) String() string {
	return fmt.Sprintf("part %q is encrypted but not declared private", r.Part)
}

func (r ExpectedPublic) String() string {
	return fmt.Sprintf("part %q is not encrypted but not declared public", r.Part)
}

func (r Expired) String() string { return "expired at " + r.At.Format(time.RFC3339) }

// ─────────────────────────────────────────────────────────────────────────────
// Engine
// ─────────────────────────────────────────────────────────────────────────────

// Engine evaluates stored secrets against expectations. It performs no I/O.
type Engine struct {
	// Now returns the current time; nil means time.Now.
	Now func() time.Time
}

type evaluation struct {
	stored v1.FleetSecretData
	owners v1.NameSet
	exp    catalog.Expectations
	now    time.Time
}

// checks run in this order and the first hit wins. Owner changes must be seen
// before anything else: they decide between regeneration and re-encryption.
var checks = []struct {
	name  string
	check func(e evaluation) Reason
}{
	{"owners", checkOwners},
	{"generation-data", checkGenerationData},
	{"part-list", checkPartList},
	{"part-encryption", checkPartEncryption},
	{"expiry", checkExpiry},
}

// NeedsRegeneration returns the first mismatch, or nil when the stored secret
// satisfies its expectations. An empty owners set skips the owner checks.
func (e Engine) NeedsRegeneration(stored v1.FleetSecretData, owners v1.NameSet, exp catalog.Expectations) Reason {
	ev := evaluation{stored: stored, owners: owners, exp: exp, now: e.now()}
	for _, c := range checks {
		if r := c.check(ev); r != nil {
			return r
		}
	}
	return nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func checkOwners(e evaluation) Reason {
	if len(e.owners) == 0 {
		return nil
	}
	if added := e.exp.Owners.Difference(e.owners); len(added) > 0 {
		return OwnersAdded{Owners: added}
	}
	if removed := e.owners.Difference(e.exp.Owners); len(removed) > 0 {
		return OwnersRemoved{Owners: removed}
	}
	return nil
}

func checkGenerationData(e evaluation) Reason {
	if !bytes.Equal(canonical(e.exp.GenerationData), canonical(e.stored.GenerationData)) {
		return GenerationDataChanged{Expected: e.exp.GenerationData, Found: e.stored.GenerationData}
	}
	return nil
}

func checkPartList(e evaluation) Reason {
	expected := e.exp.PublicParts.Union(e.exp.PrivateParts)
	if len(expected) == 0 {
		return nil
	}
	if found := e.stored.PartNames(); !found.Equal(expected) {
		return PartListChanged{Expected: expected, Found: found}
	}
	return nil
}

func checkPartEncryption(e evaluation) Reason {
	if len(e.exp.PublicParts)+len(e.exp.PrivateParts) == 0 {
		return nil
	}
	for _, name := range e.stored.PartNames().Sorted() {
		encrypted := e.stored.Parts[name].Raw.Encrypted
		if encrypted && !e.exp.PrivateParts.Has(name) {
			return ExpectedPrivate{Part: name}
		}
		if !encrypted && !e.exp.PublicParts.Has(name) {
			return ExpectedPublic{Part: name}
		}
	}
	return nil
}

func checkExpiry(e evaluation) Reason {
	if at := e.stored.ExpiresAt; at != nil && at.Before(e.now) {
		return Expired{At: *at}
	}
	return nil
}

// canonical renders v as JSON so values decoded from YAML and from the store
// compare equal (4096 and 4096.0, map key order).
func canonical(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(fmt.Sprintf("%#v", v))
	}
	return data
}

// ─────────────────────────────────────────────────────────────────────────────
// Policy
// ─────────────────────────────────────────────────────────────────────────────

// Policy is what the reconciler does about a reason.
type Policy struct {
	Regenerate bool
	Reencrypt  bool
}

// DecidePolicy maps a reason to an action. Owner additions re-encrypt unless the
// declaration opts into regeneration. Owner removals do nothing unless it opts
// in: removed owners keep the ability to decrypt ciphertext they already have.
func DecidePolicy(reason Reason, def catalog.Definition) Policy {
	switch reason.(type) {
	case nil:
		return Policy{}
	case OwnersAdded:
		if def.RegenerateOnOwnerAdded() {
			return Policy{Regenerate: true}
		}
		return Policy{Reencrypt: true}
	case OwnersRemoved:
		return Policy{Regenerate: def.RegenerateOnOwnerRemoved()}
	default:
		return Policy{Regenerate: true}
	}
}

// SelectIdentityHolder picks the owner that decrypts during re-encryption: the
// first preferred identity that is an owner, else the first owner by name.
func SelectIdentityHolder(prefer []string, owners v1.NameSet) (string, error) {
	for _, p := range prefer {
		if owners.Has(p) {
			return p, nil
		}
	}
	if sorted := owners.Sorted(); len(sorted) > 0 {
		return sorted[0], nil
	}
	return "", errs.Newf(errs.ErrNoIdentityHolder, "secret.identity_holder",
		"no identity holder available").
		WithAdvice("add the secret's owners to the fleet or set secrets.prefer_identities")
}
