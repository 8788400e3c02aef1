package commands

import (
	"fmt"
	"runtime"

	"github.com/logzai/logzai-go/telemetry"
	"github.com/spf13/cobra"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the client version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "logzai %s\n", telemetry.Version)
			fmt.Fprintf(cmd.OutOrStdout(), "  commit:     %s\n", telemetry.GitCommit)
			fmt.Fprintf(cmd.OutOrStdout(), "  built:      %s\n", telemetry.BuildDate)
			fmt.Fprintf(cmd.OutOrStdout(), "  go version: %s\n", runtime.Version())
		},
	}
}
