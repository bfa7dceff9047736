package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyrange/xenbuild/internal/config"
)

var (
	hostEnv  config.Env
	logLevel string
	dryRun   bool
)

var rootCmd = &cobra.Command{
	Use:           "xenbuild",
	Short:         "Construct Xen guest domains ready to boot",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		hostEnv, err = config.LoadEnv()
		if err != nil {
			return fmt.Errorf("load environment: %w", err)
		}
		if cmd.Flags().Changed("log-level") {
			hostEnv.LogLevel = logLevel
		}
		if cmd.Flags().Changed("dry-run") {
			hostEnv.DryRun = dryRun
		}
		lvl, err := hostEnv.SlogLevel()
		if err != nil {
			return err
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "Build against a simulated hypervisor")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "xenbuild: %v\n", err)
		os.Exit(1)
	}
}
