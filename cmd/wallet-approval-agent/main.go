package main

import (
	"os"

	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	log.Info("wallet-approval-agent",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	if err := buildRootCmd().Execute(); err != nil {
		log.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var opts serveOptions
	rootCmd := &cobra.Command{
		Use:           "wallet-approval-agent",
		Short:         "Local wallet agent that gates every transaction behind an approval",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	bindServeFlags(rootCmd, &opts)

	rootCmd.AddCommand(
		buildServeCmd(),
		buildKeysCmd(),
		buildRequestsCmd(),
	)
	return rootCmd
}
