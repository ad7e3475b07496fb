// fleet deploy: build, upload and activate every selected host.
package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	v1 "github.com/f9-o/fleet/api/v1"
	"github.com/f9-o/fleet/internal/orchestrator"
	"github.com/f9-o/fleet/pkg/errs"
	"github.com/f9-o/fleet/pkg/pprint"
)

func NewDeployCmd() *cobra.Command {
	var disableRollback bool

	cmd := &cobra.Command{
		Use:   "deploy <upload|test|boot|switch>",
		Short: "Build, upload and activate host configurations",
		Long: `Builds every selected host, uploads the closure and runs the action.

switch and test arm a watchdog that rolls the host back unless the deploy
completes; boot leaves a marker so a failed boot rolls back on the next one.`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: actionWords(),
		Example: `  fleet deploy switch
  fleet deploy boot --host web-1
  fleet deploy switch --skip db-1 --disable-rollback`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt := FromContext(cmd.Context())
			action, err := v1.ParseDeployAction(args[0])
			if err != nil {
				return errs.Wrap(err, errs.ErrUsage, "cli.deploy")
			}
			hosts, err := rt.SelectedHosts()
			if err != nil {
				return err
			}

			if !rt.Flags.JSONOutput {
				pprint.Header("Deploy: " + string(action))
				pprint.KV("Hosts", strings.Join(hosts, ", "))
				if disableRollback {
					pprint.Warn("Rollback disabled: failed activations will not be reverted")
				}
				fmt.Println()
			}

			sp := pprint.NewSpinner(fmt.Sprintf("Deploying %d host(s)", len(hosts)))
			sp.Start()
			results := rt.Orchestrator().Deploy(cmd.Context(), hosts, orchestrator.DeployOptions{
				Action:          action,
				DisableRollback: disableRollback,
			})
			sp.Stop(!anyFailed(results))

			return printResults(rt, results)
		},
	}

	cmd.Flags().BoolVar(&disableRollback, "disable-rollback", false, "Do not arm the rollback marker and watchdog")
	return cmd
}

func NewBuildSystemsCmd() *cobra.Command {
	var attr string

	cmd := &cobra.Command{
		Use:   "build-systems",
		Short: "Build host configurations and link them as built-<host>",
		Example: `  fleet build-systems
  fleet build-systems --host web-1 --build-attr vm`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt := FromContext(cmd.Context())
			hosts, err := rt.SelectedHosts()
			if err != nil {
				return err
			}
			dir, err := os.Getwd()
			if err != nil {
				return err
			}

			sp := pprint.NewSpinner(fmt.Sprintf("Building %s for %d host(s)", attr, len(hosts)))
			sp.Start()
			results := rt.Orchestrator().BuildSystems(cmd.Context(), hosts, attr, dir)
			sp.Stop(!anyFailed(results))

			return printResults(rt, results)
		},
	}

	cmd.Flags().StringVar(&attr, "build-attr", orchestrator.TopLevelOutput, "system.build attribute to build")
	return cmd
}

// ─────────────────────────────────────────────────────────────────────────────
// Output helpers
// ─────────────────────────────────────────────────────────────────────────────

type hostResultJSON struct {
	Host      string `json:"host"`
	StorePath string `json:"store_path,omitempty"`
	Result    string `json:"result"`
	Rollback  bool   `json:"rollback_triggered,omitempty"`
	Error     string `json:"error,omitempty"`
}

// printResults reports every host. Host failures are already logged and
// recorded, so they never fail the command.
func printResults(rt *Runtime, results []orchestrator.HostResult) error {
	rows := make([]hostResultJSON, 0, len(results))
	for _, r := range results {
		row := hostResultJSON{Host: r.Host, StorePath: r.StorePath, Result: "success"}
		if r.Report != nil {
			row.Result = r.Report.Result()
			row.Rollback = r.Report.RollbackTriggered
		}
		err := r.Err
		if err == nil && r.Report != nil {
			err = r.Report.Err()
		}
		if err != nil {
			row.Error = err.Error()
			if r.Report == nil {
				row.Result = "failure"
			}
		}
		rows = append(rows, row)
	}

	if rt.Flags.JSONOutput {
		return json.NewEncoder(os.Stdout).Encode(rows)
	}

	t := pprint.NewTable("HOST", "RESULT", "STORE PATH", "ERROR")
	failed := 0
	for _, row := range rows {
		if row.Error != "" {
			failed++
		}
		t.AddRow(row.Host, row.Result, row.StorePath, row.Error)
	}
	fmt.Println()
	t.Render()
	if failed > 0 {
		pprint.Warn("%d of %d host(s) failed, see the log for details", failed, len(rows))
	} else {
		pprint.Success("All %d host(s) done", len(rows))
	}
	return nil
}

func anyFailed(results []orchestrator.HostResult) bool {
	for _, r := range results {
		if r.Failed() {
			return true
		}
	}
	return false
}

func actionWords() []string {
	words := make([]string, len(v1.DeployActions))
	for i, a := range v1.DeployActions {
		words[i] = string(a)
	}
	return words
}
