package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProject(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, ProjectFile)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := writeProject(t, "version: \"1\"\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ".", cfg.Flake)
	assert.Equal(t, "fleetCatalog", cfg.Catalog.Attr)
	assert.Equal(t, "fleet-gcroot", cfg.GCRootPrefix)
	assert.Equal(t, filepath.Dir(path), cfg.ProjectRoot)
	assert.Equal(t, filepath.Join(filepath.Dir(path), ".fleet", "state.db"), cfg.StatePath())
	assert.Empty(t, cfg.CatalogFile())
}

func TestLoadTemplateAndEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("FLEET_LOG_LEVEL", "debug")
	path := writeProject(t, DefaultConfigTemplate)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "root", cfg.SSH.User)
	assert.Equal(t, 22, cfg.SSH.Port)
}

func TestLoadValidation(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	tests := []struct {
		name string
		body string
	}{
		{"bad local host", "local_host: \"no/slash\"\n"},
		{"negative parallelism", "deploy:\n  parallelism: -1\n"},
		{"bad port", "ssh:\n  port: 70000\n"},
		{"bad identity", "secrets:\n  prefer_identities: [\"a.b\"]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeProject(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestFindUp(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ProjectFile), nil, 0o644))

	got, err := findUp(nested, ProjectFile)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, ProjectFile), got)

	_, err = findUp(nested, "absent.yaml")
	assert.Error(t, err)
}

func TestIsSensitiveKey(t *testing.T) {
	assert.True(t, IsSensitiveKey("ssh.key"))
	assert.False(t, IsSensitiveKey("flake"))
}
