package catalog

import (
	v1 "github.com/f9-o/fleet/api/v1"
	"github.com/f9-o/fleet/pkg/errs"
)

// Expectations is the declared target shape of a secret.
type Expectations struct {
	Owners         v1.NameSet
	GenerationData any
	PublicParts    v1.NameSet
	PrivateParts   v1.NameSet
}

// ─────────────────────────────────────────────────────────────────────────────
// Secret definitions
// ─────────────────────────────────────────────────────────────────────────────

// Definition is a declared secret, host-scoped or shared.
type Definition interface {
	Name() string
	// Shared reports whether the declaration refers to a fleet-wide shared secret.
	Shared() bool
	// Managed reports whether fleet generates the secret (a generator is declared).
	Managed() bool
	Expectations() Expectations
	Generator() (Generator, error)
	RegenerateOnOwnerAdded() bool
	RegenerateOnOwnerRemoved() bool
}

// HostSecretDefinition is a secret declared on one host.
type HostSecretDefinition struct {
	host string
	name string
	decl secretDecl
}

func (d *HostSecretDefinition) Name() string  { return d.name }
func (d *HostSecretDefinition) Host() string  { return d.host }
func (d *HostSecretDefinition) Shared() bool  { return d.decl.Shared }
func (d *HostSecretDefinition) Managed() bool { return d.decl.Generator != nil }

// Expectations of a host secret: the host owns it, parts are split by their encrypted flag.
func (d *HostSecretDefinition) Expectations() Expectations {
	exp := Expectations{
		Owners:         v1.NewNameSet(d.host),
		GenerationData: d.decl.ExpectedGenerationData,
		PublicParts:    v1.NameSet{},
		PrivateParts:   v1.NameSet{},
	}
	for part, p := range d.decl.Parts {
		if p.Encrypted {
			exp.PrivateParts[part] = struct{}{}
		} else {
			exp.PublicParts[part] = struct{}{}
		}
	}
	return exp
}

func (d *HostSecretDefinition) Generator() (Generator, error) {
	return d.decl.generator(d.host + "/" + d.name)
}

// Host secrets have no owner set to track.
func (d *HostSecretDefinition) RegenerateOnOwnerAdded() bool   { return false }
func (d *HostSecretDefinition) RegenerateOnOwnerRemoved() bool { return false }

// SharedSecretDefinition is a secret declared once for several owners.
type SharedSecretDefinition struct {
	name string
	decl secretDecl
}

func (d *SharedSecretDefinition) Name() string  { return d.name }
func (d *SharedSecretDefinition) Shared() bool  { return true }
func (d *SharedSecretDefinition) Managed() bool { return d.decl.Generator != nil }

func (d *SharedSecretDefinition) Expectations() Expectations {
	return Expectations{
		Owners:         v1.NewNameSet(d.decl.ExpectedOwners...),
		GenerationData: d.decl.ExpectedGenerationData,
		PublicParts:    v1.NewNameSet(d.decl.ExpectedPublicParts...),
		PrivateParts:   v1.NewNameSet(d.decl.ExpectedPrivateParts...),
	}
}

func (d *SharedSecretDefinition) Generator() (Generator, error) {
	return d.decl.generator(d.name)
}

func (d *SharedSecretDefinition) RegenerateOnOwnerAdded() bool   { return d.decl.RegenerateOnOwnerAdded }
func (d *SharedSecretDefinition) RegenerateOnOwnerRemoved() bool { return d.decl.RegenerateOnOwnerRemoved }

// ─────────────────────────────────────────────────────────────────────────────
// Generators
// ─────────────────────────────────────────────────────────────────────────────

// GeneratorKind is the generation strategy of a generator.
type GeneratorKind string

const (
	KindImpure GeneratorKind = "impure"
	KindPure   GeneratorKind = "pure"
)

// Generator is a resolved generator declaration.
type Generator interface {
	Kind() GeneratorKind
}

// ImpureGenerator runs a built program that writes secret parts to $out.
type ImpureGenerator struct {
	// On names the host the program runs on; empty = the deployer.
	On   string
	Attr string
}

func (ImpureGenerator) Kind() GeneratorKind { return KindImpure }

// PureGenerator evaluates secret material without running a program.
type PureGenerator struct {
	Attr string
}

func (PureGenerator) Kind() GeneratorKind { return KindPure }

func (d secretDecl) generator(display string) (Generator, error) {
	g := d.Generator
	if g == nil {
		return nil, errs.Newf(errs.ErrNoGenerator, "catalog.generator",
			"secret has no generator defined, can't automatically generate it").WithHost(display)
	}
	if g.Callable != nil && !*g.Callable {
		return nil, errs.Newf(errs.ErrGenerator, "catalog.generator",
			"generator should be functor, got %s", valueOr(g.Type, "function")).WithHost(display)
	}
	if g.Attr == "" {
		return nil, errs.Newf(errs.ErrGenerator, "catalog.generator", "generator has no attr").WithHost(display)
	}
	switch GeneratorKind(g.Kind) {
	case KindImpure, "":
		return ImpureGenerator{On: g.ImpureOn, Attr: g.Attr}, nil
	case KindPure:
		return PureGenerator{Attr: g.Attr}, nil
	default:
		return nil, errs.Newf(errs.ErrGenerator, "catalog.generator", "unknown generator kind %q", g.Kind).WithHost(display)
	}
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
