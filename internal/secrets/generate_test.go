package secrets

import (
	"context"
	"path"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/f9-o/fleet/api/v1"
	"github.com/f9-o/fleet/internal/catalog"
	"github.com/f9-o/fleet/internal/core/logger"
	"github.com/f9-o/fleet/internal/remote"
	"github.com/f9-o/fleet/internal/remote/remotetest"
	"github.com/f9-o/fleet/pkg/errs"
)

// testDef is a configurable catalog.Definition.
type testDef struct {
	name      string
	gen       catalog.Generator
	genErr    error
	exp       catalog.Expectations
	onAdded   bool
	onRemoved bool
}

func (d testDef) Name() string                       { return d.name }
func (d testDef) Shared() bool                       { return true }
func (d testDef) Managed() bool                      { return d.gen != nil }
func (d testDef) Expectations() catalog.Expectations { return d.exp }
func (d testDef) RegenerateOnOwnerAdded() bool       { return d.onAdded }
func (d testDef) RegenerateOnOwnerRemoved() bool     { return d.onRemoved }

func (d testDef) Generator() (catalog.Generator, error) {
	if d.genErr != nil {
		return nil, d.genErr
	}
	if d.gen == nil {
		return nil, errs.Newf(errs.ErrNoGenerator, "catalog.generator", "secret has no generator defined")
	}
	return d.gen, nil
}

// stubResolver pretends every generator builds to /nix/store/gen-<attr>.
type stubResolver struct {
	runOn      string
	recipients []string
}

func (r *stubResolver) ResolveGenerator(ctx context.Context, gen catalog.ImpureGenerator, runOn string, recipients []string) (string, error) {
	r.runOn, r.recipients = runOn, recipients
	return "/nix/store/gen-" + gen.Attr, nil
}

// stubKeys derives a recipient from the host name.
type stubKeys struct{}

func (stubKeys) Recipients(hosts []string) ([]string, error) {
	out := make([]string, len(hosts))
	for i, h := range hosts {
		out[i] = "key-" + h
	}
	return out, nil
}

func (stubKeys) Refresh(ctx context.Context, h remote.Host) (v1.HostKeyRecord, error) {
	key, err := h.HostKey(ctx)
	return v1.HostKeyRecord{Host: h.Name(), Key: key}, err
}

// writeOutput scripts a generator run that writes files into $out.
func writeOutput(files map[string]string) func(h *remotetest.FakeHost, cmd remote.Command) ([]byte, error) {
	return func(h *remotetest.FakeHost, cmd remote.Command) ([]byte, error) {
		out := cmd.Env[OutputEnv]
		for name, content := range files {
			h.WriteFile(path.Join(out, name), content)
		}
		return nil, nil
	}
}

func generatorOutput() map[string]string {
	return map[string]string{
		MarkerFile:    "SUCCESS",
		CreatedAtFile: "2026-04-01T00:00:00Z\n",
		"secret":      remotetest.Seal("hunter2", "key-a", "key-b").String(),
		"public":      v1.SecretData{Data: []byte("pub")}.String(),
	}
}

func newGenerator(fl *remotetest.FakeFleet) (*Generator, *stubResolver) {
	res := &stubResolver{}
	return &Generator{
		Catalog:     res,
		Hosts:       fl,
		Keys:        stubKeys{},
		Engine:      engine,
		ProjectRoot: "/src/project",
		Log:         logger.Discard(),
	}, res
}

func sharedDef(gen catalog.Generator) testDef {
	return testDef{name: "wg-psk", gen: gen, exp: expectations("a", "b")}
}

func TestGenerateOnDeployer(t *testing.T) {
	fl := remotetest.NewFleet("web-1")
	fl.LocalHost.RunHook = writeOutput(generatorOutput())
	g, res := newGenerator(fl)
	def := sharedDef(catalog.ImpureGenerator{Attr: "wg"})

	data, err := g.Generate(context.Background(), def, def.exp)
	require.NoError(t, err)

	assert.Equal(t, "deployer", res.runOn)
	assert.Equal(t, []string{"key-a", "key-b"}, res.recipients)
	assert.True(t, fl.LocalHost.Called("run env FLEET_PROJECT=/src/project out=/tmp/fleet.1/out /nix/store/gen-wg"))
	assert.Equal(t, 0, fl.LocalHost.TempDirsLeft())

	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), data.CreatedAt)
	assert.Nil(t, data.ExpiresAt)
	assert.Equal(t, []string{"public", "secret"}, data.PartNames().Sorted())
	assert.Equal(t, "pub", string(data.Parts["public"].Raw.Data))
	assert.Equal(t, []string{"key-a", "key-b"}, remotetest.SealedFor(data.Parts["secret"].Raw))
	assert.Equal(t, def.exp.GenerationData, data.GenerationData)
}

func TestGenerateOnRemoteHost(t *testing.T) {
	fl := remotetest.NewFleet("web-1")
	files := generatorOutput()
	files[ExpiresAtFile] = "2027-01-01T00:00:00Z"
	fl.Get("web-1").RunHook = writeOutput(files)
	g, res := newGenerator(fl)
	def := sharedDef(catalog.ImpureGenerator{On: "web-1", Attr: "wg"})

	data, err := g.Generate(context.Background(), def, def.exp)
	require.NoError(t, err)

	h := fl.Get("web-1")
	assert.Equal(t, "web-1", res.runOn)
	assert.True(t, h.Called("copy /nix/store/gen-wg"))
	assert.True(t, h.Called("run env out=/tmp/fleet.1/out /nix/store/gen-wg"))
	assert.Empty(t, fl.LocalHost.Calls())
	require.NotNil(t, data.ExpiresAt)
	assert.Equal(t, 2027, data.ExpiresAt.Year())
}

func TestGenerateFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(files map[string]string)
		runErr error
		code   errs.ErrorCode
	}{
		{
			name:   "marker",
			mutate: func(files map[string]string) { files[MarkerFile] = "FAILED" },
			code:   errs.ErrGenerator,
		},
		{
			name:   "marker with trailing newline",
			mutate: func(files map[string]string) { files[MarkerFile] = "SUCCESS\n" },
			code:   errs.ErrGenerator,
		},
		{
			name:   "missing created_at",
			mutate: func(files map[string]string) { delete(files, CreatedAtFile) },
			code:   errs.ErrGenerator,
		},
		{
			name:   "unparseable part",
			mutate: func(files map[string]string) { files["secret"] = "hunter2" },
			code:   errs.ErrGenerator,
		},
		{
			name:   "program failed",
			runErr: assert.AnError,
			code:   errs.ErrGenerator,
		},
		{
			name:   "output violates declared parts",
			mutate: func(files map[string]string) { files["secret"] = v1.SecretData{Data: []byte("plain")}.String() },
			code:   errs.ErrSecretInconsistent,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fl := remotetest.NewFleet()
			files := generatorOutput()
			if tt.mutate != nil {
				tt.mutate(files)
			}
			fl.LocalHost.RunHook = writeOutput(files)
			if tt.runErr != nil {
				fl.LocalHost.FailOn("run ", tt.runErr)
			}
			g, _ := newGenerator(fl)
			def := sharedDef(catalog.ImpureGenerator{Attr: "wg"})

			_, err := g.Generate(context.Background(), def, def.exp)
			assert.True(t, errs.IsCode(err, tt.code), "%v", err)
			assert.Equal(t, 0, fl.LocalHost.TempDirsLeft())
		})
	}
}

func TestGenerateToleratesBadExpiry(t *testing.T) {
	fl := remotetest.NewFleet()
	files := generatorOutput()
	files[ExpiresAtFile] = "next tuesday"
	fl.LocalHost.RunHook = writeOutput(files)
	g, _ := newGenerator(fl)
	def := sharedDef(catalog.ImpureGenerator{Attr: "wg"})

	data, err := g.Generate(context.Background(), def, def.exp)
	require.NoError(t, err)
	assert.Nil(t, data.ExpiresAt)
}

func TestGenerateRejectsUnsupportedGenerators(t *testing.T) {
	fl := remotetest.NewFleet()
	g, _ := newGenerator(fl)

	def := sharedDef(catalog.PureGenerator{Attr: "wg"})
	_, err := g.Generate(context.Background(), def, def.exp)
	assert.True(t, errs.IsCode(err, errs.ErrGenerator))
	assert.Contains(t, err.Error(), "pure generators are not supported")

	def = sharedDef(nil)
	_, err = g.Generate(context.Background(), def, def.exp)
	assert.True(t, errs.IsCode(err, errs.ErrNoGenerator))

	assert.Empty(t, fl.LocalHost.Calls())
}
