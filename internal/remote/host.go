package remote

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	v1 "github.com/f9-o/fleet/api/v1"
)

// ProfilesDir holds system and GC-root profiles on every host.
const ProfilesDir = "/nix/var/nix/profiles"

// InstallSecretsTool is the host-side helper that owns the host identity.
const InstallSecretsTool = "fleet-install-secrets"

// hostKeyPath is read when the executor cannot capture the key itself.
const hostKeyPath = "/etc/ssh/ssh_host_ed25519_key.pub"

// Host is everything fleet needs from a managed machine, local or remote.
type Host interface {
	Name() string
	IsLocal() bool

	Run(ctx context.Context, cmd Command) ([]byte, error)
	ReadFileText(ctx context.Context, path string) (string, error)
	ReadDir(ctx context.Context, path string) ([]string, error)
	FileExists(ctx context.Context, path string) (bool, error)
	RmFile(ctx context.Context, path string, ignoreMissing bool) error
	MkTempDir(ctx context.Context) (string, error)
	RmDir(ctx context.Context, path string) error

	ListGenerations(ctx context.Context, profile string) ([]v1.Generation, error)
	SystemctlStart(ctx context.Context, unit string) error
	SystemctlStop(ctx context.Context, unit string) error

	Decrypt(ctx context.Context, data v1.SecretData) ([]byte, error)
	Reencrypt(ctx context.Context, data v1.SecretData, recipients []string) (v1.SecretData, error)
	RemoteDerivation(ctx context.Context, storePath string) (string, error)
	HostKey(ctx context.Context) (string, error)
}

// WithTempDir creates a temporary directory on h, runs fn, and always removes it.
func WithTempDir(ctx context.Context, h Host, fn func(dir string) error) error {
	dir, err := h.MkTempDir(ctx)
	if err != nil {
		return fmt.Errorf("create temp dir on %s: %w", h.Name(), err)
	}
	fnErr := fn(dir)
	rmErr := h.RmDir(context.WithoutCancel(ctx), dir)
	if fnErr != nil {
		return fnErr
	}
	if rmErr != nil {
		return fmt.Errorf("remove temp dir %s on %s: %w", dir, h.Name(), rmErr)
	}
	return nil
}

// ReadFileValue reads a file from h and parses its trimmed content.
func ReadFileValue[T any](ctx context.Context, h Host, path string, parse func(string) (T, error)) (T, error) {
	var zero T
	text, err := h.ReadFileText(ctx, path)
	if err != nil {
		return zero, err
	}
	v, err := parse(strings.TrimSpace(text))
	if err != nil {
		return zero, fmt.Errorf("parse %s: %w", path, err)
	}
	return v, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Machine
// ─────────────────────────────────────────────────────────────────────────────

// Machine implements Host over an Executor.
type Machine struct {
	spec     v1.HostSpec
	local    bool
	exec     Executor
	deployer Executor // runs deployer-side commands such as nix copy
	sshUser  string
}

// NewMachine builds a Host. deployer may equal exec for the local host.
func NewMachine(spec v1.HostSpec, local bool, exec, deployer Executor, defaultUser string) *Machine {
	return &Machine{spec: spec, local: local, exec: exec, deployer: deployer, sshUser: defaultUser}
}

func (m *Machine) Name() string  { return m.spec.Name }
func (m *Machine) IsLocal() bool { return m.local }

func (m *Machine) Run(ctx context.Context, cmd Command) ([]byte, error) {
	return m.exec.Exec(ctx, cmd)
}

func (m *Machine) ReadFileText(ctx context.Context, p string) (string, error) {
	out, err := m.Run(ctx, Cmd("cat", "--", p))
	return string(out), err
}

func (m *Machine) ReadDir(ctx context.Context, p string) ([]string, error) {
	out, err := m.Run(ctx, Cmd("ls", "-1A", "--", p))
	if err != nil {
		return nil, err
	}
	return splitLines(string(out)), nil
}

func (m *Machine) FileExists(ctx context.Context, p string) (bool, error) {
	_, err := m.Run(ctx, Cmd("test", "-e", p))
	if err == nil {
		return true, nil
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && cmdErr.Exit == 1 {
		return false, nil
	}
	return false, err
}

func (m *Machine) RmFile(ctx context.Context, p string, ignoreMissing bool) error {
	cmd := Cmd("rm", "--", p)
	if ignoreMissing {
		cmd = Cmd("rm", "-f", "--", p)
	}
	_, err := m.Run(ctx, cmd.Privileged())
	return err
}

func (m *Machine) MkTempDir(ctx context.Context) (string, error) {
	out, err := m.Run(ctx, Cmd("mktemp", "-d", "-t", "fleet.XXXXXXXX"))
	if err != nil {
		return "", err
	}
	dir := strings.TrimSpace(string(out))
	if dir == "" {
		return "", fmt.Errorf("mktemp returned no path")
	}
	return dir, nil
}

func (m *Machine) RmDir(ctx context.Context, p string) error {
	_, err := m.Run(ctx, Cmd("rm", "-rf", "--", p))
	return err
}

// ListGenerations lists <profile>-<id>-link entries of a profile namespace.
// A profile that was never created yields an empty list.
func (m *Machine) ListGenerations(ctx context.Context, profile string) ([]v1.Generation, error) {
	listing, err := m.Run(ctx, Cmd("find", ProfilesDir, "-maxdepth", "1",
		"-name", profile+"-*-link", "-printf", `%f\t%l\t%T@\n`))
	if err != nil {
		return nil, fmt.Errorf("list profile %s: %w", profile, err)
	}
	current, err := m.Run(ctx, Cmd("readlink", path.Join(ProfilesDir, profile)))
	if err != nil {
		var cmdErr *CommandError
		if !errors.As(err, &cmdErr) || cmdErr.Exit != 1 {
			return nil, fmt.Errorf("read profile %s: %w", profile, err)
		}
		current = nil
	}
	return ParseGenerations(profile, strings.TrimSpace(string(current)), string(listing))
}

func (m *Machine) SystemctlStart(ctx context.Context, unit string) error {
	_, err := m.Run(ctx, Cmd("systemctl", "start", unit).Privileged())
	return err
}

func (m *Machine) SystemctlStop(ctx context.Context, unit string) error {
	_, err := m.Run(ctx, Cmd("systemctl", "stop", unit).Privileged())
	return err
}

// Decrypt returns plaintext using the host identity. Plain data passes through.
func (m *Machine) Decrypt(ctx context.Context, data v1.SecretData) ([]byte, error) {
	if !data.Encrypted {
		return data.Data, nil
	}
	return m.Run(ctx, Cmd(InstallSecretsTool, "decrypt").Privileged().WithStdin([]byte(data.String())))
}

// Reencrypt decrypts with the host identity and encrypts for recipients.
func (m *Machine) Reencrypt(ctx context.Context, data v1.SecretData, recipients []string) (v1.SecretData, error) {
	args := []string{"reencrypt"}
	for _, r := range recipients {
		args = append(args, "--targets", r)
	}
	out, err := m.Run(ctx, Cmd(InstallSecretsTool, args...).Privileged().WithStdin([]byte(data.String())))
	if err != nil {
		return v1.SecretData{}, err
	}
	return v1.ParseSecretData(string(out))
}

// RemoteDerivation copies a deployer store path to this host and returns its path there.
func (m *Machine) RemoteDerivation(ctx context.Context, storePath string) (string, error) {
	if m.local {
		return storePath, nil
	}
	spec := m.spec
	if spec.User == "" {
		spec.User = m.sshUser
	}
	copyCmd := Cmd("nix", "copy", "--substitute-on-destination", "--to", "ssh-ng://"+spec.Destination(), storePath)
	if _, err := m.deployer.Exec(ctx, copyCmd); err != nil {
		return "", err
	}
	out, err := m.Run(ctx, Cmd("nix", "path-info", storePath))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// HostKey returns the host public key in authorized_keys form.
func (m *Machine) HostKey(ctx context.Context) (string, error) {
	if hk, ok := m.exec.(hostKeyer); ok && !m.local {
		return hk.HostKey(ctx)
	}
	text, err := m.ReadFileText(ctx, hostKeyPath)
	if err != nil {
		return "", err
	}
	fields := strings.Fields(text)
	if len(fields) < 2 {
		return "", fmt.Errorf("malformed host key in %s", hostKeyPath)
	}
	return fields[0] + " " + fields[1], nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Generation listing
// ─────────────────────────────────────────────────────────────────────────────

// ParseGenerations parses `find -printf '%f\t%l\t%T@\n'` output for a profile.
// current is the profile symlink target; entries belonging to other profiles
// sharing the prefix are ignored.
func ParseGenerations(profile, current, listing string) ([]v1.Generation, error) {
	currentName := path.Base(current)
	var gens []v1.Generation
	for _, line := range splitLines(listing) {
		fields := strings.Split(line, "\t")
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed generation entry %q", line)
		}
		name, target, mtime := fields[0], fields[1], fields[2]
		id := strings.TrimSuffix(strings.TrimPrefix(name, profile+"-"), "-link")
		if _, err := strconv.ParseUint(id, 10, 64); err != nil {
			continue
		}
		ts, err := parseEpoch(mtime)
		if err != nil {
			return nil, fmt.Errorf("generation %s: %w", name, err)
		}
		gens = append(gens, v1.Generation{
			ID:        id,
			Datetime:  ts,
			StorePath: target,
			Current:   current != "" && name == currentName,
			Location:  v1.StorageMachine,
		})
	}
	sort.SliceStable(gens, func(i, j int) bool { return gens[i].Datetime.Before(gens[j].Datetime) })
	return gens, nil
}

func parseEpoch(s string) (time.Time, error) {
	secs, frac, _ := strings.Cut(s, ".")
	sec, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q", s)
	}
	var nsec int64
	if frac != "" {
		if len(frac) > 9 {
			frac = frac[:9]
		}
		frac += strings.Repeat("0", 9-len(frac))
		if nsec, err = strconv.ParseInt(frac, 10, 64); err != nil {
			return time.Time{}, fmt.Errorf("bad timestamp %q", s)
		}
	}
	return time.Unix(sec, nsec).UTC(), nil
}

func splitLines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}
