// deanctl is a thin argv-to-socket adapter for the hub's command
// plane: one subcommand per §4.8 command, printing the raw response.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	addr   string
	secret string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "deanctl",
	Short:         "Operator client for the Slimhub command socket",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "127.0.0.1:6604", "command socket address")
	rootCmd.PersistentFlags().StringVar(&secret, "secret", "", "shared secret, if the command socket requires one")

	rootCmd.AddCommand(
		newListCmd(),
		newApplyCmd(),
		newConfigCmd(),
		newResetCmd(),
		newServiceCmd(),
		newModelCmd(),
		newFeatureCmd(),
		newFileCmd(),
		newQuitCmd(),
	)
}
