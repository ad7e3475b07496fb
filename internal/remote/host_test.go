package remote

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/f9-o/fleet/api/v1"
)

// scriptExecutor answers commands by their rendered prefix.
type scriptExecutor struct {
	answers map[string]func() ([]byte, error)
	seen    []string
}

func (s *scriptExecutor) Exec(ctx context.Context, cmd Command) ([]byte, error) {
	line := cmd.Shell()
	s.seen = append(s.seen, line)
	for prefix, fn := range s.answers {
		if strings.HasPrefix(line, prefix) {
			return fn()
		}
	}
	return nil, nil
}

func exitWith(code int) func() ([]byte, error) {
	return func() ([]byte, error) {
		return nil, &CommandError{Host: "h", Exit: code, Cause: errors.New("exit")}
	}
}

func TestParseGenerations(t *testing.T) {
	listing := strings.Join([]string{
		"system-2-link\t/nix/store/bbb-system\t1700000200.5",
		"system-1-link\t/nix/store/aaa-system\t1700000100",
		"system-x-3-link\t/nix/store/ccc-system\t1700000300",
		"",
	}, "\n")

	gens, err := ParseGenerations("system", "system-2-link", listing)
	require.NoError(t, err)
	require.Len(t, gens, 2)
	assert.Equal(t, "1", gens[0].ID)
	assert.False(t, gens[0].Current)
	assert.Equal(t, "2", gens[1].ID)
	assert.True(t, gens[1].Current)
	assert.Equal(t, "/nix/store/bbb-system", gens[1].StorePath)
	assert.Equal(t, v1.StorageMachine, gens[1].Location)
	assert.Equal(t, time.Unix(1700000200, 500000000).UTC(), gens[1].Datetime)
}

func TestParseGenerationsMalformed(t *testing.T) {
	_, err := ParseGenerations("system", "", "system-1-link only-two")
	assert.Error(t, err)
}

func TestParseGenerationsNoProfile(t *testing.T) {
	gens, err := ParseGenerations("system", "", "system-1-link\t/nix/store/a\t1")
	require.NoError(t, err)
	require.Len(t, gens, 1)
	assert.False(t, gens[0].Current)
}

func TestMachineFileExists(t *testing.T) {
	exec := &scriptExecutor{answers: map[string]func() ([]byte, error){
		"test -e /missing": exitWith(1),
		"test -e /broken":  exitWith(255),
	}}
	m := NewMachine(v1.HostSpec{Name: "h"}, false, exec, exec, "root")
	ctx := context.Background()

	ok, err := m.FileExists(ctx, "/present")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.FileExists(ctx, "/missing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = m.FileExists(ctx, "/broken")
	assert.Error(t, err)
}

func TestMachineListGenerationsWithoutProfile(t *testing.T) {
	exec := &scriptExecutor{answers: map[string]func() ([]byte, error){
		"find ":     func() ([]byte, error) { return nil, nil },
		"readlink ": exitWith(1),
	}}
	m := NewMachine(v1.HostSpec{Name: "h"}, false, exec, exec, "root")

	gens, err := m.ListGenerations(context.Background(), "fleet-gcroot-h")
	require.NoError(t, err)
	assert.Empty(t, gens)
	assert.Contains(t, exec.seen[0], `-name fleet-gcroot-h-\*-link`)
}

func TestMachineRemoteDerivation(t *testing.T) {
	remoteExec := &scriptExecutor{answers: map[string]func() ([]byte, error){
		"nix path-info": func() ([]byte, error) { return []byte("/nix/store/abc-system\n"), nil },
	}}
	deployer := &scriptExecutor{}
	m := NewMachine(v1.HostSpec{Name: "web-1", Address: "10.0.0.5"}, false, remoteExec, deployer, "deploy")

	got, err := m.RemoteDerivation(context.Background(), "/nix/store/abc-system")
	require.NoError(t, err)
	assert.Equal(t, "/nix/store/abc-system", got)
	require.Len(t, deployer.seen, 1)
	assert.Equal(t, "nix copy --substitute-on-destination --to ssh-ng://deploy@10.0.0.5 /nix/store/abc-system", deployer.seen[0])

	local := NewMachine(v1.HostSpec{Name: "me"}, true, deployer, deployer, "")
	got, err = local.RemoteDerivation(context.Background(), "/nix/store/x")
	require.NoError(t, err)
	assert.Equal(t, "/nix/store/x", got)
	assert.Len(t, deployer.seen, 1)
}

func TestMachineReencrypt(t *testing.T) {
	out := v1.SecretData{Data: []byte("new"), Encrypted: true}
	exec := &scriptExecutor{answers: map[string]func() ([]byte, error){
		"sudo fleet-install-secrets reencrypt": func() ([]byte, error) { return []byte(out.String() + "\n"), nil },
	}}
	m := NewMachine(v1.HostSpec{Name: "h"}, false, exec, exec, "root")

	got, err := m.Reencrypt(context.Background(), v1.SecretData{Data: []byte("old"), Encrypted: true}, []string{"k1", "k2"})
	require.NoError(t, err)
	assert.Equal(t, out, got)
	assert.Equal(t, "sudo fleet-install-secrets reencrypt --targets k1 --targets k2", exec.seen[0])
}

func TestLocalExecutor(t *testing.T) {
	e := LocalExecutor{Name: "local"}
	out, err := e.Exec(context.Background(), Cmd("cat").WithStdin([]byte("hello")))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))

	_, err = e.Exec(context.Background(), Cmd("sh", "-c", "echo oops >&2; exit 3"))
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, 3, cmdErr.Exit)
	assert.Equal(t, "oops\n", cmdErr.Stderr)
}
