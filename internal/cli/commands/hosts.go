// fleet hosts: inspect the hosts declared in the catalog.
package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	v1 "github.com/f9-o/fleet/api/v1"
	"github.com/f9-o/fleet/internal/remote"
	"github.com/f9-o/fleet/pkg/pprint"
)

func NewHostsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hosts",
		Short: "Inspect declared hosts",
		Long:  "List, inspect and test the hosts declared in the catalog.",
	}

	cmd.AddCommand(
		newHostsLsCmd(),
		newHostsInfoCmd(),
		newHostsTestCmd(),
	)
	return cmd
}

// hostView joins a catalog host with its recorded key.
type hostView struct {
	Spec v1.HostSpec       `json:"spec"`
	Kind v1.DeployKind     `json:"deploy_kind"`
	Key  *v1.HostKeyRecord `json:"host_key,omitempty"`
}

func (rt *Runtime) hostView(name string) (hostView, error) {
	spec, err := rt.Catalog.Host(name)
	if err != nil {
		return hostView{}, err
	}
	kind, err := rt.Catalog.DeployKind(name)
	if err != nil {
		return hostView{}, err
	}
	key, err := rt.State.GetHostKey(name)
	if err != nil {
		return hostView{}, err
	}
	return hostView{Spec: spec, Kind: kind, Key: key}, nil
}

func newHostsLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List the selected hosts",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt := FromContext(cmd.Context())
			names, err := rt.SelectedHosts()
			if err != nil {
				return err
			}

			views := make([]hostView, 0, len(names))
			for _, name := range names {
				v, err := rt.hostView(name)
				if err != nil {
					return err
				}
				views = append(views, v)
			}
			if rt.Flags.JSONOutput {
				return json.NewEncoder(os.Stdout).Encode(views)
			}

			t := pprint.NewTable("NAME", "DESTINATION", "KIND", "KEY RECORDED")
			for _, v := range views {
				dest := v.Spec.Destination()
				if v.Spec.Local {
					dest = "local"
				}
				recorded := "✗"
				if v.Key != nil {
					recorded = "✓ " + fmtDuration(time.Since(v.Key.RecordedAt)) + " ago"
				}
				t.AddRow(v.Spec.Name, dest, string(v.Kind), recorded)
			}
			t.Render()
			return nil
		},
	}
}

func newHostsInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <name>",
		Short: "Show the declaration and recorded key of a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt := FromContext(cmd.Context())
			v, err := rt.hostView(args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(v, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	}
}

func newHostsTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test <name>",
		Short: "Test connectivity to a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt := FromContext(cmd.Context())
			h, err := rt.Fleet.Host(args[0])
			if err != nil {
				return err
			}

			fmt.Printf("◉ Testing connection to %s...\n", args[0])
			out, err := h.Run(cmd.Context(), remote.Cmd("uname", "-sr"))
			if err != nil {
				return fmt.Errorf("connection test failed: %w", err)
			}
			pprint.Success("Connection successful")
			pprint.KV("Remote", strings.TrimSpace(string(out)))
			return nil
		},
	}
}

func fmtDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 48*time.Hour {
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}
