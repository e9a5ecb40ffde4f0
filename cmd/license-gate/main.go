package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/rcourtman/pulse-license-gate/internal/config"
	"github.com/rcourtman/pulse-license-gate/internal/logging"
	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// errDenied makes the process exit 1 after the result was already printed.
var errDenied = errors.New("license denied")

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "license-gate",
		Short: "License token validation service",
		Long: `license-gate validates and consumes encrypted license tokens and can front
an application as a reverse proxy that requires a token on selected routes.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "",
		"path to license_config.json (default $LICENSE_GATE_CONFIG or "+config.DefaultConfigFile+")")

	root.AddCommand(
		newServeCmd(&configPath),
		newCheckCmd(&configPath),
		newUseCmd(&configPath),
		newInfoCmd(&configPath),
		newConfigCmd(&configPath),
		newVersionCmd(),
	)
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the license API and gate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "license-gate %s\n", Version)
			if BuildTime != "unknown" {
				fmt.Fprintf(out, "Built: %s\n", BuildTime)
			}
			if GitCommit != "unknown" {
				fmt.Fprintf(out, "Commit: %s\n", GitCommit)
			}
		},
	}
}

func main() {
	err := newRootCmd().Execute()
	logging.Shutdown()
	if err != nil {
		if !errors.Is(err, errDenied) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
