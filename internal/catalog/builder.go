package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/f9-o/fleet/internal/remote"
	"github.com/f9-o/fleet/pkg/errs"
)

// Builder drives the nix CLI on the deployer.
type Builder struct {
	Flake string
	Host  remote.Host
}

// Eval evaluates <flake>#<attr> to JSON.
func (b *Builder) Eval(ctx context.Context, attr string) ([]byte, error) {
	out, err := b.Host.Run(ctx, remote.Cmd("nix", "eval", "--json", b.installable(attr)))
	if err != nil {
		return nil, errs.Wrap(err, errs.ErrConfig, "catalog.eval").
			WithAdvice("check that the flake exposes the catalog attribute")
	}
	return out, nil
}

// Build realises <flake>#<attr> and returns its output path.
// A non-empty env forces an impure build so the expression can read it.
func (b *Builder) Build(ctx context.Context, attr string, env map[string]string) (string, error) {
	args := []string{"build", "--no-link", "--print-out-paths"}
	if len(env) > 0 {
		args = append(args, "--impure")
	}
	cmd := remote.Cmd("nix", append(args, b.installable(attr))...)
	for k, v := range env {
		cmd = cmd.WithEnv(k, v)
	}
	out, err := b.Host.Run(ctx, cmd)
	if err != nil {
		return "", errs.Wrap(err, errs.ErrBuild, "catalog.build")
	}
	lines := strings.Fields(string(out))
	if len(lines) == 0 {
		return "", errs.Newf(errs.ErrBuild, "catalog.build", "nix build printed no output path for %s", attr)
	}
	return lines[0], nil
}

func (b *Builder) installable(attr string) string {
	flake := b.Flake
	if flake == "" {
		flake = "."
	}
	return flake + "#" + attr
}

func recipientsEnv(host string, recipients []string) (map[string]string, error) {
	data, err := json.Marshal(recipients)
	if err != nil {
		return nil, fmt.Errorf("encode recipients: %w", err)
	}
	return map[string]string{
		"FLEET_RECIPIENTS":     string(data),
		"FLEET_GENERATOR_HOST": host,
	}, nil
}
