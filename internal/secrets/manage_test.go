package secrets

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/f9-o/fleet/api/v1"
	"github.com/f9-o/fleet/internal/remote/remotetest"
	"github.com/f9-o/fleet/pkg/errs"
)

func unmanaged(owners ...string) v1.FleetSharedSecret {
	s := storedWG(owners...)
	s.Managed = false
	return s
}

func TestAddHostSecret(t *testing.T) {
	h := newHarness(t, fleetCatalog)
	ctx := context.Background()

	require.NoError(t, h.m.AddHostSecret(ctx, "a", "api", AddOptions{
		Material: Material{Secret: []byte("s3cr3t"), Public: []byte("id-1")},
	}))
	got, err := h.db.GetHostSecret("a", "api")
	require.NoError(t, err)
	assert.False(t, got.Managed)
	assert.Equal(t, []string{"public", "secret"}, got.Secret.PartNames().Sorted())
	assert.Equal(t, []string{"key-a"}, remotetest.SealedFor(got.Secret.Parts["secret"].Raw))
	assert.Equal(t, "id-1", string(got.Secret.Parts["public"].Raw.Data))
	assert.Equal(t, now, got.Secret.CreatedAt)

	err = h.m.AddHostSecret(ctx, "a", "api", AddOptions{Material: Material{Secret: []byte("x")}})
	assert.True(t, errs.IsCode(err, errs.ErrSecretExists))

	err = h.m.AddHostSecret(ctx, "a", "api", AddOptions{Material: Material{Secret: []byte("x")}, Merge: true})
	assert.True(t, errs.IsCode(err, errs.ErrSecretExists))
	assert.Contains(t, err.Error(), `part "secret" is already defined`)

	require.NoError(t, h.m.AddHostSecret(ctx, "a", "api", AddOptions{
		Material: Material{Secret: []byte("k"), PartName: "key"},
		Merge:    true,
	}))
	got, err = h.db.GetHostSecret("a", "api")
	require.NoError(t, err)
	assert.Equal(t, []string{"key", "public", "secret"}, got.Secret.PartNames().Sorted())

	require.NoError(t, h.m.AddHostSecret(ctx, "a", "api", AddOptions{
		Material: Material{Secret: []byte("fresh")},
		Replace:  true,
	}))
	got, err = h.db.GetHostSecret("a", "api")
	require.NoError(t, err)
	assert.Equal(t, []string{"secret"}, got.Secret.PartNames().Sorted())

	err = h.m.AddHostSecret(ctx, "a", "empty", AddOptions{})
	assert.True(t, errs.IsCode(err, errs.ErrUsage))
}

func TestAddHostSecretRejectsManaged(t *testing.T) {
	h := newHarness(t, fleetCatalog)
	require.NoError(t, h.db.PutHostSecret("a", "ssh-host", v1.FleetHostSecret{Managed: true}))

	err := h.m.AddHostSecret(context.Background(), "a", "ssh-host", AddOptions{
		Material: Material{Secret: []byte("x")},
		Replace:  true,
	})
	assert.True(t, errs.IsCode(err, errs.ErrSecretManaged))
}

func TestAddSharedSecret(t *testing.T) {
	h := newHarness(t, fleetCatalog)
	ctx := context.Background()
	add := func(opts AddSharedOptions) error {
		if opts.Secret == nil {
			opts.Secret = []byte("psk")
		}
		return h.m.AddSharedSecret(ctx, "vpn", opts)
	}

	assert.True(t, errs.IsCode(add(AddSharedOptions{}), errs.ErrUsage), "owners are required")
	assert.True(t, errs.IsCode(add(AddSharedOptions{ReAdd: true}), errs.ErrSecretNotFound))

	require.NoError(t, add(AddSharedOptions{Machines: []string{"b", "a"}}))
	got, err := h.db.GetSharedSecret("vpn")
	require.NoError(t, err)
	assert.False(t, got.Managed)
	assert.Equal(t, []string{"a", "b"}, got.Owners.Sorted())
	assert.Equal(t, []string{"key-a", "key-b"}, remotetest.SealedFor(got.Secret.Parts["secret"].Raw))

	assert.True(t, errs.IsCode(add(AddSharedOptions{Machines: []string{"a"}}), errs.ErrSecretExists))
	assert.True(t, errs.IsCode(add(AddSharedOptions{ReAdd: true, Force: true}), errs.ErrUsage))
	assert.True(t, errs.IsCode(add(AddSharedOptions{ReAdd: true, Machines: []string{"a"}}), errs.ErrUsage))

	require.NoError(t, add(AddSharedOptions{ReAdd: true, Material: Material{Secret: []byte("rotated")}}))
	got, err = h.db.GetSharedSecret("vpn")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got.Owners.Sorted())
	plain, err := remotetest.Open(got.Secret.Parts["secret"].Raw)
	require.NoError(t, err)
	assert.Equal(t, "rotated", string(plain))

	require.NoError(t, add(AddSharedOptions{Force: true, Machines: []string{"c"}}))
	got, err = h.db.GetSharedSecret("vpn")
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, got.Owners.Sorted())

	require.NoError(t, h.db.PutSharedSecret("wg-psk", storedWG("a", "b")))
	err = h.m.AddSharedSecret(ctx, "wg-psk", AddSharedOptions{Force: true, Machines: []string{"a"}, Material: Material{Secret: []byte("x")}})
	assert.True(t, errs.IsCode(err, errs.ErrSecretManaged))
}

func TestReadSecrets(t *testing.T) {
	h := newHarness(t, fleetCatalog)
	ctx := context.Background()
	require.NoError(t, h.db.PutSharedSecret("wg-psk", storedWG("a", "b")))
	require.NoError(t, h.m.AddHostSecret(ctx, "a", "api", AddOptions{
		Material: Material{Secret: []byte("s3cr3t"), Public: []byte("id-1")},
	}))

	plain, err := h.m.ReadHostSecret(ctx, "a", "api", "secret")
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", string(plain))
	assert.Equal(t, 1, h.fleet.Get("a").Count("decrypt"))

	plain, err = h.m.ReadHostSecret(ctx, "a", "api", "public")
	require.NoError(t, err)
	assert.Equal(t, "id-1", string(plain))
	assert.Equal(t, 1, h.fleet.Get("a").Count("decrypt"))

	_, err = h.m.ReadHostSecret(ctx, "a", "api", "nope")
	assert.True(t, errs.IsCode(err, errs.ErrSecretNotFound))
	_, err = h.m.ReadHostSecret(ctx, "b", "api", "secret")
	assert.True(t, errs.IsCode(err, errs.ErrSecretNotFound))

	plain, err = h.m.ReadSharedSecret(ctx, "wg-psk", "secret", []string{"b"})
	require.NoError(t, err)
	assert.Equal(t, "psk", string(plain))
	assert.True(t, h.fleet.Get("b").Called("decrypt"))

	_, err = h.m.ReadSharedSecret(ctx, "wg-psk", "secret", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, h.fleet.Get("a").Count("decrypt"))

	_, err = h.m.ReadSharedSecret(ctx, "ghost", "secret", nil)
	assert.True(t, errs.IsCode(err, errs.ErrSecretNotFound))
}

func TestUpdateSharedOwnersUsage(t *testing.T) {
	h := newHarness(t, fleetCatalog)
	ctx := context.Background()
	require.NoError(t, h.db.PutSharedSecret("vpn", unmanaged("a", "b")))

	_, err := h.m.UpdateSharedOwners(ctx, "vpn", OwnerEdit{Machines: []string{"a"}, Add: []string{"c"}})
	assert.True(t, errs.IsCode(err, errs.ErrUsage))
	_, err = h.m.UpdateSharedOwners(ctx, "vpn", OwnerEdit{})
	assert.True(t, errs.IsCode(err, errs.ErrUsage))
	_, err = h.m.UpdateSharedOwners(ctx, "ghost", OwnerEdit{Add: []string{"c"}})
	assert.True(t, errs.IsCode(err, errs.ErrSecretNotFound))

	got, err := h.db.GetSharedSecret("vpn")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got.Owners.Sorted())
	assert.Equal(t, 0, h.reencryptCalls())

	plainOnly := unmanaged("a")
	delete(plainOnly.Secret.Parts, "secret")
	require.NoError(t, h.db.PutSharedSecret("plain", plainOnly))
	_, err = h.m.UpdateSharedOwners(ctx, "plain", OwnerEdit{Add: []string{"b"}})
	assert.True(t, errs.IsCode(err, errs.ErrValidation))
}

func TestUpdateSharedOwners(t *testing.T) {
	tests := []struct {
		name       string
		edit       OwnerEdit
		want       []string
		reencrypts string
	}{
		{name: "add", edit: OwnerEdit{Add: []string{"c"}}, want: []string{"a", "b", "c"}, reencrypts: "reencrypt key-a,key-b,key-c"},
		{name: "remove", edit: OwnerEdit{Remove: []string{"b"}}, want: []string{"a"}, reencrypts: "reencrypt key-a"},
		{name: "full list", edit: OwnerEdit{Machines: []string{"b", "c"}}, want: []string{"b", "c"}, reencrypts: "reencrypt key-b,key-c"},
		{name: "no-op edits only warn", edit: OwnerEdit{Add: []string{"a"}, Remove: []string{"c"}}, want: []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, fleetCatalog)
			require.NoError(t, h.db.PutSharedSecret("vpn", unmanaged("a", "b")))

			owners, err := h.m.UpdateSharedOwners(context.Background(), "vpn", tt.edit)
			require.NoError(t, err)
			assert.Equal(t, tt.want, owners.Sorted())

			got, err := h.db.GetSharedSecret("vpn")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Owners.Sorted())
			if tt.reencrypts == "" {
				assert.Equal(t, 0, h.reencryptCalls())
				return
			}
			assert.True(t, h.fleet.Get("a").Called(tt.reencrypts))
			assert.Equal(t, v1.SecretData{Data: []byte("fp")}, got.Secret.Parts["fingerprint"].Raw)
			assert.Empty(t, h.gen.Calls())
		})
	}
}

func TestUpdateSharedOwnersEmptyDeletes(t *testing.T) {
	h := newHarness(t, fleetCatalog)
	require.NoError(t, h.db.PutSharedSecret("vpn", unmanaged("a", "b")))

	owners, err := h.m.UpdateSharedOwners(context.Background(), "vpn", OwnerEdit{Remove: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Empty(t, owners)
	got, err := h.db.GetSharedSecret("vpn")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpdateSharedOwnersRegeneratesWhenDeclared(t *testing.T) {
	doc := strings.Replace(fleetCatalog, "generator: {attr: generators.wg}",
		"generator: {attr: generators.wg}\n    regenerateOnOwnerAdded: true", 1)
	h := newHarness(t, doc)
	require.NoError(t, h.db.PutSharedSecret("wg-psk", storedWG("a", "b")))

	owners, err := h.m.UpdateSharedOwners(context.Background(), "wg-psk", OwnerEdit{Add: []string{"c"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, owners.Sorted())
	assert.Equal(t, []string{"wg-psk"}, h.gen.Calls())
	assert.Equal(t, 0, h.reencryptCalls())

	got, err := h.db.GetSharedSecret("wg-psk")
	require.NoError(t, err)
	assert.Equal(t, []string{"key-a", "key-b", "key-c"}, remotetest.SealedFor(got.Secret.Parts["secret"].Raw))
}

func TestEditHostSecret(t *testing.T) {
	h := newHarness(t, fleetCatalog)
	ctx := context.Background()
	require.NoError(t, h.m.AddHostSecret(ctx, "a", "api", AddOptions{Material: Material{Secret: []byte("old")}}))
	upper := func(b []byte) ([]byte, error) { return bytes.ToUpper(b), nil }

	changed, err := h.m.EditHostSecret(ctx, "a", "api", "secret", false, upper)
	require.NoError(t, err)
	assert.True(t, changed)
	got, err := h.db.GetHostSecret("a", "api")
	require.NoError(t, err)
	plain, err := remotetest.Open(got.Secret.Parts["secret"].Raw)
	require.NoError(t, err)
	assert.Equal(t, "OLD", string(plain))

	changed, err = h.m.EditHostSecret(ctx, "a", "api", "secret", false, upper)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = h.m.EditHostSecret(ctx, "a", "api", "extra", false, upper)
	assert.True(t, errs.IsCode(err, errs.ErrSecretNotFound))
	assert.Contains(t, err.Error(), "Did you mean to `--add` it?")

	changed, err = h.m.EditHostSecret(ctx, "a", "api", "extra", true,
		func([]byte) ([]byte, error) { return []byte("new"), nil })
	require.NoError(t, err)
	assert.True(t, changed)
	got, err = h.db.GetHostSecret("a", "api")
	require.NoError(t, err)
	assert.Equal(t, []string{"key-a"}, remotetest.SealedFor(got.Secret.Parts["extra"].Raw))

	require.NoError(t, h.db.PutHostSecret("a", "ssh-host", v1.FleetHostSecret{Managed: true}))
	_, err = h.m.EditHostSecret(ctx, "a", "ssh-host", "secret", true, upper)
	assert.True(t, errs.IsCode(err, errs.ErrSecretManaged))
}

func TestListShared(t *testing.T) {
	h := newHarness(t, fleetCatalog)
	require.NoError(t, h.db.PutSharedSecret("wg-psk", storedWG("a")))
	require.NoError(t, h.db.PutSharedSecret("vpn", unmanaged("c")))

	list, err := h.m.ListShared()
	require.NoError(t, err)
	require.Len(t, list, 3)

	assert.Equal(t, "api-token", list[0].Name)
	assert.True(t, list[0].Declared)
	assert.False(t, list[0].Stored)

	assert.Equal(t, "vpn", list[1].Name)
	assert.False(t, list[1].Declared)
	assert.Nil(t, list[1].Reason)

	assert.Equal(t, "wg-psk", list[2].Name)
	assert.Equal(t, []string{"a", "b"}, list[2].Expected.Sorted())
	assert.Equal(t, OwnersAdded{Owners: v1.NewNameSet("b")}, list[2].Reason)
}

func TestForceKeys(t *testing.T) {
	h := newHarness(t, fleetCatalog)

	records, err := h.m.ForceKeys(context.Background(), []string{"a", "ghost", "b"})
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.ErrHostKey))
	require.Len(t, records, 2)
	assert.Equal(t, "ssh-ed25519 AAAAa", records[0].Key)
	assert.True(t, h.fleet.Get("b").Called("hostkey"))
}
