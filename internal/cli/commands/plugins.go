// fleet plugins: list loaded hook plugins.
package commands

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/f9-o/fleet/pkg/pprint"
)

type pluginsJSON struct {
	Dir     string   `json:"dir"`
	Plugins []string `json:"plugins"`
}

func NewPluginsCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "plugins",
		Short:        "List plugins loaded from the plugins directory",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt := FromContext(cmd.Context())
			names := rt.Plugins.List()

			if rt.Flags.JSONOutput {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(pluginsJSON{Dir: rt.Config.Plugins.Dir, Plugins: names})
			}

			pprint.KV("Directory", rt.Config.Plugins.Dir)
			if len(names) == 0 {
				pprint.Info("No plugins loaded")
				return nil
			}
			t := pprint.NewTable("NAME")
			for _, n := range names {
				t.AddRow(n)
			}
			t.Render()
			return nil
		},
	}
}
