package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportTextfile(t *testing.T) {
	c := New()
	c.Deploy("switch", ResultSuccess, 3*time.Second)
	c.Deploy("switch", ResultFailure, time.Second)
	c.Upload(ResultFailure)
	c.Upload(ResultSuccess)
	c.Secret("shared", "reencrypt", ResultSuccess)
	c.RollbackTriggered()

	path := filepath.Join(t.TempDir(), "fleet.prom")
	require.NoError(t, c.Export(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `fleet_deploys_total{action="switch",result="success"} 1`)
	assert.Contains(t, text, `fleet_deploys_total{action="switch",result="failure"} 1`)
	assert.Contains(t, text, `fleet_upload_attempts_total{result="failure"} 1`)
	assert.Contains(t, text, `fleet_secret_operations_total{op="reencrypt",result="success",scope="shared"} 1`)
	assert.Contains(t, text, "fleet_rollbacks_triggered_total 1")
	assert.Contains(t, text, `fleet_deploy_duration_seconds_count{action="switch"} 2`)
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.Deploy("boot", ResultSuccess, time.Second)
	c.Upload(ResultSuccess)
	c.Secret("host", "generate", ResultFailure)
	c.RollbackTriggered()
	assert.NoError(t, c.Export(filepath.Join(t.TempDir(), "x.prom")))
}

func TestExportWithoutPath(t *testing.T) {
	assert.NoError(t, New().Export(""))
}
