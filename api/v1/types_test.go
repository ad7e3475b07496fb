package v1

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDeployAction(t *testing.T) {
	for _, a := range DeployActions {
		got, err := ParseDeployAction(string(a))
		require.NoError(t, err)
		assert.Equal(t, a, got)
	}
	_, err := ParseDeployAction("dry-activate")
	assert.Error(t, err)
}

func TestDeployActionFlags(t *testing.T) {
	tests := []struct {
		action   DeployAction
		profile  bool
		activate bool
		marker   bool
		watchdog bool
	}{
		{ActionUpload, false, false, false, false},
		{ActionTest, false, true, true, true},
		{ActionBoot, true, true, true, false},
		{ActionSwitch, true, true, true, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			assert.Equal(t, tt.profile, tt.action.ShouldSwitchProfile())
			assert.Equal(t, tt.activate, tt.action.ShouldActivate())
			assert.Equal(t, tt.marker, tt.action.ShouldCreateRollbackMarker())
			assert.Equal(t, tt.watchdog, tt.action.ShouldScheduleRollbackRun())
		})
	}

	_, ok := ActionUpload.Name()
	assert.False(t, ok)
	name, ok := ActionBoot.Name()
	assert.True(t, ok)
	assert.Equal(t, "boot", name)
}

func TestDeployKind(t *testing.T) {
	k, err := ParseDeployKind("")
	require.NoError(t, err)
	assert.Equal(t, KindFleet, k)

	_, err = ParseDeployKind("kexec")
	assert.Error(t, err)

	for _, a := range DeployActions {
		assert.True(t, KindFleet.AllowsAction(a), a)
	}
	for _, k := range []DeployKind{KindNixosInstall, KindNixosLustrate} {
		assert.True(t, k.AllowsAction(ActionBoot))
		assert.True(t, k.AllowsAction(ActionUpload))
		assert.False(t, k.AllowsAction(ActionSwitch))
		assert.False(t, k.AllowsAction(ActionTest))
	}
}

func TestRollbackID(t *testing.T) {
	assert.Equal(t, "12", Generation{ID: "12", Location: StorageMachine}.RollbackID())
	assert.Equal(t, "deployer-12", Generation{ID: "12", Location: StorageDeployer}.RollbackID())
}

func TestHostSpecDestination(t *testing.T) {
	assert.Equal(t, "web-1", HostSpec{Name: "web-1"}.Destination())
	assert.Equal(t, "root@10.0.0.5", HostSpec{Name: "web-1", Address: "10.0.0.5", User: "root"}.Destination())
}

func TestSecretDataText(t *testing.T) {
	enc := SecretData{Data: []byte("cipher"), Encrypted: true}
	assert.Equal(t, "<ENCRYPTED>Y2lwaGVy", enc.String())

	got, err := ParseSecretData(enc.String() + "\n")
	require.NoError(t, err)
	assert.Equal(t, enc, got)

	got, err = ParseSecretData("<PLAINTEXT>cHVi")
	require.NoError(t, err)
	assert.False(t, got.Encrypted)
	assert.Equal(t, []byte("pub"), got.Data)

	_, err = ParseSecretData("cHVi")
	assert.Error(t, err)
	_, err = ParseSecretData("<PLAINTEXT>!!")
	assert.Error(t, err)
}

func TestNameSet(t *testing.T) {
	a := NewNameSet("c", "a", "b")
	b := NewNameSet("b", "d")

	assert.Equal(t, []string{"a", "b", "c"}, a.Sorted())
	assert.Equal(t, "{a, c}", a.Difference(b).String())
	assert.Equal(t, []string{"a", "b", "c", "d"}, a.Union(b).Sorted())
	assert.True(t, a.Equal(NewNameSet("a", "b", "c")))
	assert.False(t, a.Equal(b))

	c := a.Clone()
	delete(c, "a")
	assert.True(t, a.Has("a"))

	raw, err := json.Marshal(a)
	require.NoError(t, err)
	assert.JSONEq(t, `["a","b","c"]`, string(raw))

	var back NameSet
	require.NoError(t, json.Unmarshal([]byte(`["z","y"]`), &back))
	assert.Equal(t, []string{"y", "z"}, back.Sorted())
}

func TestPartNames(t *testing.T) {
	d := FleetSecretData{Parts: map[string]SecretPart{"secret": {}, "public": {}}}
	assert.Equal(t, []string{"public", "secret"}, d.PartNames().Sorted())
}
