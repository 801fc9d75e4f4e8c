package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags globalFlags
	cmd := &cobra.Command{
		Use:           "labterm",
		Short:         "Start hands-on lab sessions and work in them from your terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags.bind(cmd)
	cmd.AddCommand(newStartCmd(&flags))
	cmd.AddCommand(newCheckCmd(&flags))
	cmd.AddCommand(newDeleteCmd(&flags))
	cmd.AddCommand(newSubmitCmd(&flags))
	cmd.AddCommand(newLoginCmd(&flags))
	cmd.AddCommand(newLogoutCmd(&flags))
	return cmd
}
