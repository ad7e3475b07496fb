package catalog

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/f9-o/fleet/api/v1"
	"github.com/f9-o/fleet/internal/remote"
	"github.com/f9-o/fleet/internal/remote/remotetest"
	"github.com/f9-o/fleet/pkg/errs"
)

const sampleCatalog = `
hosts:
  web-1:
    address: 10.0.0.1
    user: deploy
    specialisation: gpu
    secrets:
      ssh-host:
        generator: {kind: impure, attr: generators.ssh-host}
        expectedGenerationData: {bits: 4096}
        parts:
          secret: {encrypted: true}
          public: {encrypted: false}
      wg-psk:
        shared: true
      manual:
        parts:
          secret: {encrypted: true}
  db-1:
    deployKind: nixos-lustrate
    secrets:
      broken:
        generator: {attr: x, callable: false}
  builder:
    local: true
sharedSecrets:
  wg-psk:
    expectedOwners: [web-1, db-1]
    expectedPrivateParts: [secret]
    regenerateOnOwnerAdded: true
    generator: {kind: impure, impureOn: builder, attr: generators.wg}
  pure-one:
    expectedOwners: [web-1]
    generator: {kind: pure, attr: generators.pure}
`

func newSession(t *testing.T, local remote.Host) *Session {
	t.Helper()
	s, err := New([]byte(sampleCatalog), &Builder{Flake: "/src/fleet", Host: local}, nil)
	require.NoError(t, err)
	return s
}

func TestHosts(t *testing.T) {
	s := newSession(t, remotetest.NewLocal("deployer"))

	assert.Equal(t, []string{"builder", "db-1", "web-1"}, s.HostNames())
	spec, err := s.Host("web-1")
	require.NoError(t, err)
	assert.Equal(t, "deploy@10.0.0.1", spec.Destination())
	assert.True(t, s.Hosts()[0].Local)

	kind, err := s.DeployKind("db-1")
	require.NoError(t, err)
	assert.Equal(t, v1.KindNixosLustrate, kind)
	kind, err = s.DeployKind("web-1")
	require.NoError(t, err)
	assert.Equal(t, v1.KindFleet, kind)

	special, err := s.Specialisation("web-1")
	require.NoError(t, err)
	assert.Equal(t, "gpu", special)
	special, err = s.Specialisation("db-1")
	require.NoError(t, err)
	assert.Empty(t, special)

	_, err = s.Host("ghost")
	assert.True(t, errs.IsCode(err, errs.ErrHostNotFound))
}

func TestHostSecretDefinition(t *testing.T) {
	s := newSession(t, remotetest.NewLocal("deployer"))

	names, err := s.HostSecretNames("web-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"manual", "ssh-host", "wg-psk"}, names.Sorted())

	def, err := s.HostSecret("web-1", "ssh-host")
	require.NoError(t, err)
	assert.True(t, def.Managed())
	assert.False(t, def.Shared())
	exp := def.Expectations()
	assert.Equal(t, []string{"web-1"}, exp.Owners.Sorted())
	assert.Equal(t, []string{"secret"}, exp.PrivateParts.Sorted())
	assert.Equal(t, []string{"public"}, exp.PublicParts.Sorted())
	assert.Equal(t, map[string]any{"bits": 4096}, exp.GenerationData)

	gen, err := def.Generator()
	require.NoError(t, err)
	assert.Equal(t, ImpureGenerator{Attr: "generators.ssh-host"}, gen)

	shared, err := s.HostSecret("web-1", "wg-psk")
	require.NoError(t, err)
	assert.True(t, shared.Shared())

	manual, err := s.HostSecret("web-1", "manual")
	require.NoError(t, err)
	assert.False(t, manual.Managed())
	_, err = manual.Generator()
	assert.True(t, errs.IsCode(err, errs.ErrNoGenerator))

	broken, err := s.HostSecret("db-1", "broken")
	require.NoError(t, err)
	_, err = broken.Generator()
	assert.True(t, errs.IsCode(err, errs.ErrGenerator))
	assert.ErrorContains(t, err, "generator should be functor")

	_, err = s.HostSecret("web-1", "nope")
	assert.True(t, errs.IsCode(err, errs.ErrSecretNotFound))
}

func TestSharedSecretDefinition(t *testing.T) {
	s := newSession(t, remotetest.NewLocal("deployer"))

	assert.Equal(t, []string{"pure-one", "wg-psk"}, s.SharedSecretNames().Sorted())

	def, err := s.SharedSecret("wg-psk")
	require.NoError(t, err)
	assert.True(t, def.RegenerateOnOwnerAdded())
	assert.False(t, def.RegenerateOnOwnerRemoved())
	assert.Equal(t, []string{"db-1", "web-1"}, def.Expectations().Owners.Sorted())

	gen, err := def.Generator()
	require.NoError(t, err)
	assert.Equal(t, ImpureGenerator{On: "builder", Attr: "generators.wg"}, gen)

	pure, err := s.SharedSecret("pure-one")
	require.NoError(t, err)
	gen, err = pure.Generator()
	require.NoError(t, err)
	assert.Equal(t, KindPure, gen.Kind())
}

func TestDecodeRejects(t *testing.T) {
	tests := map[string]string{
		"bad host name": "hosts:\n  a.b: {}\n",
		"bad kind":      "hosts:\n  a: {deployKind: docker}\n",
		"unknown owner": "hosts:\n  a: {}\nsharedSecrets:\n  s: {expectedOwners: [b]}\n",
		"not yaml":      "hosts: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := New([]byte(doc), &Builder{}, nil)
			assert.True(t, errs.IsCode(err, errs.ErrConfig), "got %v", err)
		})
	}
}

func TestBuildOutput(t *testing.T) {
	local := remotetest.NewLocal("deployer")
	local.RunHook = func(h *remotetest.FakeHost, cmd remote.Command) ([]byte, error) {
		return []byte("/nix/store/abc-nixos-system-web-1\n"), nil
	}
	s := newSession(t, local)

	path, err := s.BuildOutput(context.Background(), "web-1", "toplevel")
	require.NoError(t, err)
	assert.Equal(t, "/nix/store/abc-nixos-system-web-1", path)
	assert.Equal(t,
		"run nix build --no-link --print-out-paths /src/fleet#fleetConfigurations.web-1.config.system.build.toplevel",
		local.Calls()[0])
}

func TestResolveGeneratorPassesRecipients(t *testing.T) {
	local := remotetest.NewLocal("deployer")
	var seen remote.Command
	local.RunHook = func(h *remotetest.FakeHost, cmd remote.Command) ([]byte, error) {
		seen = cmd
		return []byte("/nix/store/gen\n"), nil
	}
	s := newSession(t, local)

	path, err := s.ResolveGenerator(context.Background(), ImpureGenerator{Attr: "generators.wg"}, "builder", []string{"k1", "k2"})
	require.NoError(t, err)
	assert.Equal(t, "/nix/store/gen", path)
	assert.Equal(t, `["k1","k2"]`, seen.Env["FLEET_RECIPIENTS"])
	assert.Equal(t, "builder", seen.Env["FLEET_GENERATOR_HOST"])
	assert.Contains(t, seen.Args, "--impure")
}

func TestBuildFailure(t *testing.T) {
	local := remotetest.NewLocal("deployer")
	local.FailOn("run nix build", assert.AnError)
	s := newSession(t, local)

	_, err := s.BuildOutput(context.Background(), "web-1", "toplevel")
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.ErrBuild))
	assert.True(t, strings.Contains(err.Error(), "web-1"))
}
