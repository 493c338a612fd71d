// Command droidctl is an operator CLI for inspecting and maintaining a
// running droidlab deployment: coordinator/worker status, orphaned
// port-claim cleanup, and a parallel trajectory rollout demo.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/droidlab/droidlab/pkg/settings"
	"github.com/droidlab/droidlab/pkg/version"
)

var (
	apiAddr      string
	settingsPath string
)

func main() {
	root := &cobra.Command{
		Use:     "droidctl",
		Short:   "operator CLI for droidlab",
		Version: version.Info(),
	}
	root.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:8080", "droidlab facade base URL")
	root.PersistentFlags().StringVar(&settingsPath, "config", settings.DefaultSettingsPath(), "path to settings.json")

	root.AddCommand(newStatusCmd())
	root.AddCommand(newGCCmd())
	root.AddCommand(newDemoCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
