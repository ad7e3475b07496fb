package secrets

import (
	"context"
	"path"
	"time"

	v1 "github.com/f9-o/fleet/api/v1"
	"github.com/f9-o/fleet/internal/catalog"
	"github.com/f9-o/fleet/internal/core/logger"
	"github.com/f9-o/fleet/internal/remote"
	"github.com/f9-o/fleet/pkg/errs"
)

// Generator output layout.
const (
	OutputEnv     = "out"
	ProjectEnv    = "FLEET_PROJECT"
	MarkerFile    = "marker"
	CreatedAtFile = "created_at"
	ExpiresAtFile = "expires_at"
	SuccessMarker = "SUCCESS"
	outputDirName = "out"
)

var reservedFiles = v1.NewNameSet(MarkerFile, CreatedAtFile, ExpiresAtFile)

// GeneratorResolver builds generator programs. Implemented by *catalog.Session.
type GeneratorResolver interface {
	ResolveGenerator(ctx context.Context, gen catalog.ImpureGenerator, runOn string, recipients []string) (string, error)
}

// Keyring maps hosts to encryption recipients. Implemented by *remote.KeyRegistry.
type Keyring interface {
	Recipients(hosts []string) ([]string, error)
	Refresh(ctx context.Context, h remote.Host) (v1.HostKeyRecord, error)
}

// Generator runs impure generator programs and collects their output.
type Generator struct {
	Catalog     GeneratorResolver
	Hosts       remote.Resolver
	Keys        Keyring
	Engine      Engine
	// ProjectRoot is exported to generators that run on the deployer.
	ProjectRoot string
	Log         *logger.Logger
}

// Generate produces fresh secret data satisfying exp. Every failure is scoped
// to this secret; callers log it and move on.
func (g *Generator) Generate(ctx context.Context, def catalog.Definition, exp catalog.Expectations) (v1.FleetSecretData, error) {
	const op = "secret.generate"
	var none v1.FleetSecretData

	decl, err := def.Generator()
	if err != nil {
		return none, err
	}
	var gen catalog.ImpureGenerator
	switch d := decl.(type) {
	case catalog.ImpureGenerator:
		gen = d
	case catalog.PureGenerator:
		return none, errs.Newf(errs.ErrGenerator, op, "%s: pure generators are not supported", def.Name())
	default:
		return none, errs.Newf(errs.ErrGenerator, op, "%s: unknown generator kind %q", def.Name(), decl.Kind())
	}

	host := g.Hosts.Local()
	if gen.On != "" {
		if host, err = g.Hosts.Host(gen.On); err != nil {
			return none, err
		}
	}
	log := g.Log.ForSecret(def.Name()).ForHost(host.Name())

	recipients, err := g.Keys.Recipients(exp.Owners.Sorted())
	if err != nil {
		return none, err
	}
	program, err := g.Catalog.ResolveGenerator(ctx, gen, host.Name(), recipients)
	if err != nil {
		return none, err
	}
	program, err = host.RemoteDerivation(ctx, program)
	if err != nil {
		return none, errs.Wrap(err, errs.ErrGenerator, op).WithHost(host.Name())
	}

	var data v1.FleetSecretData
	err = remote.WithTempDir(ctx, host, func(dir string) error {
		out := path.Join(dir, outputDirName)
		cmd := remote.Cmd(program).WithEnv(OutputEnv, out)
		if gen.On == "" {
			cmd = cmd.WithEnv(ProjectEnv, g.ProjectRoot)
		}
		log.Info("secret.generator.run", "program", program)
		if _, err := host.Run(ctx, cmd); err != nil {
			return errs.Wrap(err, errs.ErrGenerator, op).WithHost(host.Name())
		}
		collected, err := collect(ctx, host, out, log)
		if err != nil {
			return err
		}
		data = collected
		return nil
	})
	if err != nil {
		return none, err
	}
	data.GenerationData = exp.GenerationData

	if reason := g.Engine.NeedsRegeneration(data, exp.Owners, exp); reason != nil {
		return none, errs.Newf(errs.ErrSecretInconsistent, op,
			"%s: generated secret does not satisfy its declaration: %s", def.Name(), reason).
			WithAdvice("check the generator's output parts against the declared public and private parts")
	}
	return data, nil
}

// collect reads a finished generator output directory.
func collect(ctx context.Context, host remote.Host, out string, log *logger.Logger) (v1.FleetSecretData, error) {
	const op = "secret.generate.collect"
	var none v1.FleetSecretData

	marker, err := host.ReadFileText(ctx, path.Join(out, MarkerFile))
	if err != nil {
		return none, errs.Wrap(err, errs.ErrGenerator, op).WithHost(host.Name())
	}
	// The token must match exactly; generators write it with `echo -n`.
	if marker != SuccessMarker {
		return none, errs.Newf(errs.ErrGenerator, op, "generation not succeeded").WithHost(host.Name())
	}

	names, err := host.ReadDir(ctx, out)
	if err != nil {
		return none, errs.Wrap(err, errs.ErrGenerator, op).WithHost(host.Name())
	}
	parts := make(map[string]v1.SecretPart, len(names))
	for _, name := range names {
		if reservedFiles.Has(name) {
			continue
		}
		raw, err := remote.ReadFileValue(ctx, host, path.Join(out, name), v1.ParseSecretData)
		if err != nil {
			return none, errs.Wrap(err, errs.ErrGenerator, op).WithHost(host.Name())
		}
		parts[name] = v1.SecretPart{Raw: raw}
	}

	createdAt, err := remote.ReadFileValue(ctx, host, path.Join(out, CreatedAtFile), parseTimestamp)
	if err != nil {
		return none, errs.Wrap(err, errs.ErrGenerator, op).WithHost(host.Name())
	}
	data := v1.FleetSecretData{CreatedAt: createdAt, Parts: parts}

	expiresAt, err := remote.ReadFileValue(ctx, host, path.Join(out, ExpiresAtFile), parseTimestamp)
	if err == nil {
		data.ExpiresAt = &expiresAt
	} else {
		log.Debug("secret.generator.no_expiry", "err", err)
	}
	return data, nil
}

func parseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
