package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/f9-o/fleet/api/v1"
	"github.com/f9-o/fleet/internal/core/logger"
	"github.com/f9-o/fleet/internal/remote/remotetest"
	"github.com/f9-o/fleet/pkg/errs"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func gen(id string, hours int, path string, current bool, loc v1.GenerationStorage) v1.Generation {
	return v1.Generation{ID: id, Datetime: t0.Add(time.Duration(hours) * time.Hour), StorePath: path, Current: current, Location: loc}
}

func TestMergeGenerationsDeduplicatesByStorePath(t *testing.T) {
	hostGens := []v1.Generation{
		gen("7", 2, "/nix/store/b", false, v1.StorageMachine),
		gen("8", 4, "/nix/store/c", true, v1.StorageMachine),
	}
	localGens := []v1.Generation{
		gen("1", 1, "/nix/store/a", true, v1.StorageMachine),
		gen("2", 3, "/nix/store/c", true, v1.StorageMachine),
	}

	merged := MergeGenerations(hostGens, localGens)
	require.Len(t, merged, 3)

	assert.Equal(t, "deployer-1", merged[0].RollbackID())
	assert.False(t, merged[0].Current)
	assert.Equal(t, v1.StorageDeployer, merged[0].Location)

	assert.Equal(t, "7", merged[1].ID)

	shared := merged[2]
	assert.Equal(t, "/nix/store/c", shared.StorePath)
	assert.Equal(t, "8", shared.ID)
	assert.True(t, shared.Current)
	assert.Equal(t, v1.StorageMachine, shared.Location)
}

func TestListRollbackTargetsToleratesFailures(t *testing.T) {
	fl := remotetest.NewFleet("web-1")
	host := fl.Get("web-1")
	host.FailOn("generations system", assert.AnError)
	fl.LocalHost.Generations["fleet-gcroot-web-1"] = []v1.Generation{
		gen("3", 0, "/nix/store/x", true, v1.StorageMachine),
	}

	gens := ListRollbackTargets(context.Background(), host, fl.LocalHost, "fleet-gcroot", logger.Discard())
	require.Len(t, gens, 1)
	assert.Equal(t, "deployer-3", gens[0].RollbackID())
	assert.True(t, fl.LocalHost.Called("generations fleet-gcroot-web-1"))
}

func TestFindRollbackTarget(t *testing.T) {
	gens := MergeGenerations(
		[]v1.Generation{gen("4", 1, "/nix/store/d", true, v1.StorageMachine)},
		[]v1.Generation{gen("4", 0, "/nix/store/e", false, v1.StorageMachine)},
	)

	g, err := FindRollbackTarget(gens, "deployer-4")
	require.NoError(t, err)
	assert.Equal(t, "/nix/store/e", g.StorePath)

	g, err = FindRollbackTarget(gens, "4")
	require.NoError(t, err)
	assert.Equal(t, "/nix/store/d", g.StorePath)

	_, err = FindRollbackTarget(gens, "9")
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.ErrGenerationNotFound))
	assert.Contains(t, err.Error(), "target not found: 9")
	assert.Contains(t, err.Error(), "deployer-4")
}
