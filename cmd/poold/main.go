package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jbweber/poold/internal/config"
	"github.com/jbweber/poold/internal/output"
)

var (
	version = "dev"
	commit  = "unknown"
)

// Global flags.
var (
	configPath   string
	logLevel     string
	logFormat    string
	outputFormat string
	noHeaders    bool
	readOnly     bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "poold",
	Short: "poold - storage pool and volume manager",
	Long: `poold manages storage pools and the volumes inside them.

Pools are defined from libvirt-compatible XML or YAML files and kept under
the configured base directory. Directory pools hold image files; SCSI pools
expose the LUNs of a SCSI or Fibre Channel host adapter.

Run "poold serve" to autostart pools and export metrics, or use the pool and
vol commands to manage storage directly.`,
	Version:           fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return output.ValidateFormat(outputFormat) },
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", config.DefaultPath, "path to the configuration file")
	flags.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	flags.StringVar(&logFormat, "log-format", "", "log format: console, json (overrides config)")
	flags.StringVarP(&outputFormat, "output", "o", string(output.FormatTable), "output format: table, yaml, json")
	flags.BoolVar(&noHeaders, "no-headers", false, "omit table headers")
	flags.BoolVar(&readOnly, "read-only", false, "allow only operations that do not modify storage")

	rootCmd.AddCommand(poolCmd)
	rootCmd.AddCommand(volCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "poold %s (commit: %s)\n", version, commit)
		return nil
	},
}
