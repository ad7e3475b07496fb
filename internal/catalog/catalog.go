// Package catalog holds the declared fleet: hosts, their deploy kinds, and
// secret declarations. A Session is opened once per process by the CLI and
// passed explicitly to everything that needs declarations or builds.
package catalog

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	v1 "github.com/f9-o/fleet/api/v1"
	"github.com/f9-o/fleet/internal/core/logger"
	"github.com/f9-o/fleet/internal/remote"
	"github.com/f9-o/fleet/pkg/errs"
	"github.com/f9-o/fleet/pkg/netutil"
)

// ─────────────────────────────────────────────────────────────────────────────
// Document
// ─────────────────────────────────────────────────────────────────────────────

// document is the decoded catalog. The same shape comes from a static YAML file
// or from `nix eval --json`.
type document struct {
	Hosts         map[string]hostDecl   `yaml:"hosts"`
	SharedSecrets map[string]secretDecl `yaml:"sharedSecrets"`
}

type hostDecl struct {
	Address        string                `yaml:"address"`
	User           string                `yaml:"user"`
	Port           int                   `yaml:"port"`
	Key            string                `yaml:"key"`
	Local          bool                  `yaml:"local"`
	DeployKind     string                `yaml:"deployKind"`
	Specialisation string                `yaml:"specialisation"`
	Secrets        map[string]secretDecl `yaml:"secrets"`
}

type secretDecl struct {
	Shared                   bool                `yaml:"shared"`
	Generator                *generatorDecl      `yaml:"generator"`
	ExpectedOwners           []string            `yaml:"expectedOwners"`
	ExpectedGenerationData   any                 `yaml:"expectedGenerationData"`
	ExpectedPublicParts      []string            `yaml:"expectedPublicParts"`
	ExpectedPrivateParts     []string            `yaml:"expectedPrivateParts"`
	Parts                    map[string]partDecl `yaml:"parts"`
	RegenerateOnOwnerAdded   bool                `yaml:"regenerateOnOwnerAdded"`
	RegenerateOnOwnerRemoved bool                `yaml:"regenerateOnOwnerRemoved"`
}

type partDecl struct {
	Encrypted bool `yaml:"encrypted"`
}

type generatorDecl struct {
	Kind     string `yaml:"kind"`
	ImpureOn string `yaml:"impureOn"`
	Attr     string `yaml:"attr"`
	// Callable is false when the declaration is a bare function instead of a functor.
	Callable *bool  `yaml:"callable"`
	Type     string `yaml:"type"`
}

func decode(data []byte) (*document, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errs.Wrap(err, errs.ErrConfig, "catalog.decode")
	}
	for name, h := range doc.Hosts {
		if !netutil.IsValidHostName(name) {
			return nil, errs.Newf(errs.ErrConfig, "catalog.decode", "invalid host name %q", name)
		}
		if _, err := v1.ParseDeployKind(h.DeployKind); err != nil {
			return nil, errs.Wrap(err, errs.ErrConfig, "catalog.decode").WithHost(name)
		}
		if h.Address != "" && !netutil.IsValidAddress(h.Address) {
			return nil, errs.Newf(errs.ErrConfig, "catalog.decode", "invalid address %q", h.Address).WithHost(name)
		}
	}
	for name, s := range doc.SharedSecrets {
		for _, owner := range s.ExpectedOwners {
			if _, ok := doc.Hosts[owner]; !ok {
				return nil, errs.Newf(errs.ErrConfig, "catalog.decode",
					"shared secret %q expects unknown owner %q", name, owner)
			}
		}
	}
	return &doc, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Session
// ─────────────────────────────────────────────────────────────────────────────

// Options configures Open.
type Options struct {
	File  string // static document; empty = evaluate Attr
	Flake string
	Attr  string
	// Local runs nix on the deployer.
	Local remote.Host
	Log   *logger.Logger
}

// Session is one evaluation of the fleet declarations.
type Session struct {
	doc     *document
	builder *Builder
	log     *logger.Logger
}

// Open loads the catalog document and returns a session over it.
func Open(ctx context.Context, opts Options) (*Session, error) {
	builder := &Builder{Flake: opts.Flake, Host: opts.Local}

	var data []byte
	var err error
	if opts.File != "" {
		data, err = os.ReadFile(opts.File)
		if err != nil {
			return nil, errs.Wrap(err, errs.ErrConfig, "catalog.open").
				WithAdvice("check catalog.file in fleet.yaml")
		}
	} else {
		data, err = builder.Eval(ctx, opts.Attr)
		if err != nil {
			return nil, err
		}
	}
	return New(data, builder, opts.Log)
}

// New builds a session over an already loaded document.
func New(data []byte, builder *Builder, log *logger.Logger) (*Session, error) {
	doc, err := decode(data)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Session{doc: doc, builder: builder, log: log}, nil
}

// Hosts returns the connection specs of every host, sorted by name.
func (s *Session) Hosts() []v1.HostSpec {
	specs := make([]v1.HostSpec, 0, len(s.doc.Hosts))
	for _, name := range s.HostNames() {
		specs = append(specs, s.spec(name, s.doc.Hosts[name]))
	}
	return specs
}

// HostNames returns every declared host name, sorted.
func (s *Session) HostNames() []string {
	names := make([]string, 0, len(s.doc.Hosts))
	for n := range s.doc.Hosts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *Session) spec(name string, h hostDecl) v1.HostSpec {
	return v1.HostSpec{Name: name, Address: h.Address, User: h.User, Port: h.Port, Key: h.Key, Local: h.Local}
}

func (s *Session) host(name string) (hostDecl, error) {
	h, ok := s.doc.Hosts[name]
	if !ok {
		return hostDecl{}, errs.Newf(errs.ErrHostNotFound, "catalog.host", "host is not declared").WithHost(name)
	}
	return h, nil
}

// Host returns the connection spec of one host.
func (s *Session) Host(name string) (v1.HostSpec, error) {
	h, err := s.host(name)
	if err != nil {
		return v1.HostSpec{}, err
	}
	return s.spec(name, h), nil
}

// DeployKind returns how the host is deployed.
func (s *Session) DeployKind(name string) (v1.DeployKind, error) {
	h, err := s.host(name)
	if err != nil {
		return "", err
	}
	return v1.ParseDeployKind(h.DeployKind)
}

// Specialisation returns the specialisation activated on deploy, or "" for the base system.
func (s *Session) Specialisation(name string) (string, error) {
	h, err := s.host(name)
	if err != nil {
		return "", err
	}
	return h.Specialisation, nil
}

// HostSecretNames returns every secret name declared on a host, shared references included.
func (s *Session) HostSecretNames(host string) (v1.NameSet, error) {
	h, err := s.host(host)
	if err != nil {
		return nil, err
	}
	names := make(v1.NameSet, len(h.Secrets))
	for n := range h.Secrets {
		names[n] = struct{}{}
	}
	return names, nil
}

// HostSecret returns one declared host secret.
func (s *Session) HostSecret(host, name string) (*HostSecretDefinition, error) {
	h, err := s.host(host)
	if err != nil {
		return nil, err
	}
	decl, ok := h.Secrets[name]
	if !ok {
		return nil, errs.Newf(errs.ErrSecretNotFound, "catalog.host_secret", "secret %q is not declared", name).WithHost(host)
	}
	return &HostSecretDefinition{host: host, name: name, decl: decl}, nil
}

// SharedSecretNames returns every declared shared secret name.
func (s *Session) SharedSecretNames() v1.NameSet {
	names := make(v1.NameSet, len(s.doc.SharedSecrets))
	for n := range s.doc.SharedSecrets {
		names[n] = struct{}{}
	}
	return names
}

// SharedSecret returns one declared shared secret.
func (s *Session) SharedSecret(name string) (*SharedSecretDefinition, error) {
	decl, ok := s.doc.SharedSecrets[name]
	if !ok {
		return nil, errs.Newf(errs.ErrSecretNotFound, "catalog.shared_secret", "shared secret %q is not declared", name)
	}
	return &SharedSecretDefinition{name: name, decl: decl}, nil
}

// SystemAttr is the attribute path of a host's build outputs.
func SystemAttr(host, output string) string {
	return fmt.Sprintf("fleetConfigurations.%s.config.system.build.%s", host, output)
}

// BuildOutput builds the named system.build output of a host and returns its store path.
func (s *Session) BuildOutput(ctx context.Context, host, output string) (string, error) {
	if _, err := s.host(host); err != nil {
		return "", err
	}
	s.log.Info("building", "host", host, "attr", output)
	path, err := s.builder.Build(ctx, SystemAttr(host, output), nil)
	if err != nil {
		return "", errs.AsFleet(err).WithHost(host)
	}
	return path, nil
}

// ResolveGenerator builds the generator program for the host it will run on,
// parameterised by the owners' recipients.
func (s *Session) ResolveGenerator(ctx context.Context, gen ImpureGenerator, runOn string, recipients []string) (string, error) {
	env, err := recipientsEnv(runOn, recipients)
	if err != nil {
		return "", err
	}
	return s.builder.Build(ctx, gen.Attr, env)
}
