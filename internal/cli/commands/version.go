// fleet version: print build information.
package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"

	v1 "github.com/f9-o/fleet/api/v1"
	"github.com/f9-o/fleet/pkg/pprint"
)

// Build-time variables injected via -ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

type versionInfo struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	BuildDate  string `json:"build_date"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
	PluginAPI  string `json:"plugin_api"`
	ModulePath string `json:"module,omitempty"`
}

func currentVersion() versionInfo {
	info := versionInfo{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		PluginAPI: v1.PluginAPIVersion,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info.ModulePath = bi.Main.Path
		if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
	}
	return info
}

func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "version",
		Short:        "Print fleet version information",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := currentVersion()

			jsonFlag, _ := cmd.Root().PersistentFlags().GetBool("json")
			if jsonFlag {
				return json.NewEncoder(os.Stdout).Encode(info)
			}

			pprint.PrintBanner(info.Version, info.BuildDate)
			pprint.KV("Version", info.Version)
			pprint.KV("Commit", info.Commit)
			pprint.KV("Built", info.BuildDate)
			pprint.KV("Go", info.GoVersion)
			pprint.KV("Platform", info.Platform)
			pprint.KV("Plugin API", info.PluginAPI)
			fmt.Println()
			return nil
		},
	}
}
