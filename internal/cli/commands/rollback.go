// fleet rollback: list or activate previous host generations.
package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	v1 "github.com/f9-o/fleet/api/v1"
	"github.com/f9-o/fleet/internal/orchestrator"
	"github.com/f9-o/fleet/pkg/errs"
	"github.com/f9-o/fleet/pkg/pprint"
)

const listTargets = "list-targets"

func NewRollbackCmd() *cobra.Command {
	var enableRollback bool
	var specialisation string

	cmd := &cobra.Command{
		Use:   "rollback <host> <list-targets | test|boot|switch <id>>",
		Short: "List rollback targets or activate a previous generation",
		Long: `Rollback targets are the generations of the host's system profile plus
the generations the deployer keeps as GC roots (ids prefixed with "deployer-").`,
		Args: cobra.RangeArgs(2, 3),
		Example: `  fleet rollback web-1 list-targets
  fleet rollback web-1 switch 41
  fleet rollback web-1 boot deployer-7 --enable-rollback`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt := FromContext(cmd.Context())
			host, verb := args[0], args[1]
			fleet := rt.Orchestrator()

			if verb == listTargets {
				if len(args) != 2 {
					return errs.Newf(errs.ErrUsage, "cli.rollback", "list-targets takes no id")
				}
				gens, err := fleet.ListTargets(cmd.Context(), host)
				if err != nil {
					return err
				}
				if rt.Flags.JSONOutput {
					return json.NewEncoder(os.Stdout).Encode(gens)
				}
				orchestrator.GenerationTable(gens).Render()
				return nil
			}

			action, err := v1.ParseDeployAction(verb)
			if err != nil || action == v1.ActionUpload {
				return errs.Newf(errs.ErrUsage, "cli.rollback", "unknown rollback action %q", verb).
					WithAdvice("use list-targets, test, boot or switch")
			}
			if len(args) != 3 {
				return errs.Newf(errs.ErrUsage, "cli.rollback", "%s needs a target id", verb).
					WithAdvice(fmt.Sprintf("run `fleet rollback %s list-targets`", host))
			}

			pprint.Header("Rollback: " + host)
			pprint.KV("Action", string(action))
			pprint.KV("Target", args[2])
			if !enableRollback {
				pprint.Warn("Watchdog disabled for this rollback, pass --enable-rollback to arm it")
			}
			fmt.Println()

			report, err := fleet.Rollback(cmd.Context(), host, orchestrator.RollbackOptions{
				Action:         action,
				Target:         args[2],
				Specialisation: specialisation,
				EnableRollback: enableRollback,
			})
			if err != nil {
				return err
			}
			if err := report.Err(); err != nil {
				return err
			}
			pprint.Success("%s is running generation %s", host, args[2])
			return nil
		},
	}

	cmd.Flags().BoolVar(&enableRollback, "enable-rollback", false, "Arm the rollback marker and watchdog")
	cmd.Flags().StringVar(&specialisation, "specialisation", "", "Activate this specialisation of the target")
	return cmd
}

func NewHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "history <host>",
		Short:        "Show recorded deploys of a host",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt := FromContext(cmd.Context())
			records, err := rt.State.ListDeployments(args[0])
			if err != nil {
				return err
			}
			if rt.Flags.JSONOutput {
				return json.NewEncoder(os.Stdout).Encode(records)
			}

			t := pprint.NewTable("STARTED", "ACTION", "RESULT", "DURATION", "STORE PATH")
			for _, r := range records {
				t.AddRow(
					r.StartedAt.Local().Format("2006-01-02 15:04:05"),
					string(r.Action),
					r.Result,
					(time.Duration(r.DurationMS) * time.Millisecond).String(),
					r.StorePath,
				)
			}
			t.Render()
			return nil
		},
	}
}
