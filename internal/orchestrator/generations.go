package orchestrator

import (
	"context"
	"sort"

	v1 "github.com/f9-o/fleet/api/v1"
	"github.com/f9-o/fleet/internal/core/logger"
	"github.com/f9-o/fleet/internal/remote"
	"github.com/f9-o/fleet/pkg/errs"
	"github.com/f9-o/fleet/pkg/pprint"
)

// SystemProfile is the profile namespace of the running system on every host.
const SystemProfile = "system"

// GCRootProfile is the deployer-side profile that keeps a host's closures alive.
func GCRootProfile(prefix, host string) string {
	return prefix + "-" + host
}

// ListRollbackTargets merges the host's own generations with the GC roots the
// deployer retains for it. Either listing failing only shrinks the result.
func ListRollbackTargets(ctx context.Context, host, local remote.Host, prefix string, log *logger.Logger) []v1.Generation {
	hostGens, err := host.ListGenerations(ctx, SystemProfile)
	if err != nil {
		log.Error("generations.list.host.failed", "host", host.Name(), "err", err)
		hostGens = nil
	}
	localGens, err := local.ListGenerations(ctx, GCRootProfile(prefix, host.Name()))
	if err != nil {
		log.Error("generations.list.deployer.failed", "host", host.Name(), "err", err)
		localGens = nil
	}
	return MergeGenerations(hostGens, localGens)
}

// MergeGenerations drops deployer entries whose closure the host still has,
// marks the rest as deployer-held and sorts everything by time.
func MergeGenerations(hostGens, localGens []v1.Generation) []v1.Generation {
	onHost := make(map[string]struct{}, len(hostGens))
	for _, g := range hostGens {
		onHost[g.StorePath] = struct{}{}
	}

	merged := make([]v1.Generation, 0, len(hostGens)+len(localGens))
	merged = append(merged, hostGens...)
	for _, g := range localGens {
		if _, dup := onHost[g.StorePath]; dup {
			continue
		}
		g.Current = false
		g.Location = v1.StorageDeployer
		merged = append(merged, g)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Datetime.Before(merged[j].Datetime)
	})
	return merged
}

// FindRollbackTarget selects a generation by its user-facing id.
func FindRollbackTarget(gens []v1.Generation, id string) (v1.Generation, error) {
	for _, g := range gens {
		if g.RollbackID() == id {
			return g, nil
		}
	}
	return v1.Generation{}, errs.Newf(errs.ErrGenerationNotFound, "rollback.target",
		"target not found: %s\n%s", id, GenerationTable(gens).String()).
		WithAdvice("run `fleet rollback <host> list-targets`")
}

// GenerationTable renders generations as ID/DATE/CURRENT/LOCATION rows.
func GenerationTable(gens []v1.Generation) *pprint.Table {
	t := pprint.NewTable("ID", "DATE", "CURRENT", "LOCATION", "PATH")
	for _, g := range gens {
		current := ""
		if g.Current {
			current = "*"
		}
		t.AddRow(g.RollbackID(), g.Datetime.Local().Format("2006-01-02 15:04:05"), current, string(g.Location), g.StorePath)
	}
	return t
}
