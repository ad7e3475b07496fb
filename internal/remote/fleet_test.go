package remote_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/f9-o/fleet/api/v1"
	"github.com/f9-o/fleet/internal/core/logger"
	"github.com/f9-o/fleet/internal/core/state"
	"github.com/f9-o/fleet/internal/remote"
	"github.com/f9-o/fleet/internal/remote/remotetest"
	"github.com/f9-o/fleet/pkg/errs"
)

func TestWithTempDirAlwaysRemoves(t *testing.T) {
	h := remotetest.New("web-1")
	ctx := context.Background()

	err := remote.WithTempDir(ctx, h, func(dir string) error {
		h.WriteFile(dir+"/out", "x")
		return errors.New("generator failed")
	})
	assert.EqualError(t, err, "generator failed")
	assert.Zero(t, h.TempDirsLeft())
	_, ok := h.File("/tmp/fleet.1/out")
	assert.False(t, ok)

	require.NoError(t, remote.WithTempDir(ctx, h, func(string) error { return nil }))
	assert.Zero(t, h.TempDirsLeft())
}

func TestFleetResolve(t *testing.T) {
	f := remote.NewFleet([]v1.HostSpec{{Name: "web-1", Address: "10.0.0.1"}, {Name: "builder", Local: true}},
		"deployer", remote.NewPool(remote.PoolOptions{}, logger.Discard()), "root", logger.Discard())
	defer f.Close()

	h, err := f.Host("web-1")
	require.NoError(t, err)
	assert.False(t, h.IsLocal())

	b, err := f.Host("builder")
	require.NoError(t, err)
	assert.True(t, b.IsLocal())

	assert.True(t, f.Local().IsLocal())
	assert.Equal(t, "deployer", f.Local().Name())

	_, err = f.Host("nope")
	assert.True(t, errs.IsCode(err, errs.ErrHostNotFound))
	assert.Equal(t, []string{"builder", "web-1"}, f.Names())
}

func TestKeyRegistry(t *testing.T) {
	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer db.Close()

	reg := remote.NewKeyRegistry(db)
	_, err = reg.Recipient("web-1")
	assert.True(t, errs.IsCode(err, errs.ErrHostKey))

	h := remotetest.New("web-1")
	h.Key = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIGb9ECWmEzf6FQbrBZ9w7lshQhqowtrbLDFw4rXAxZuE"
	rec, err := reg.Refresh(context.Background(), h)
	require.NoError(t, err)
	assert.Contains(t, rec.Fingerprint, "SHA256:")

	keys, err := reg.Recipients([]string{"web-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{h.Key}, keys)

	bad := remotetest.New("db-1")
	bad.Key = "garbage"
	_, err = reg.Refresh(context.Background(), bad)
	assert.True(t, errs.IsCode(err, errs.ErrHostKey))
}
