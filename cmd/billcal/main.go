// billcal classifies calendar bookings into billable, on-time and late
// cancellations and reports billable minutes per project.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"billcal/internal/config"
	appLog "billcal/internal/log"
	"billcal/internal/pipeline"
)

var version = "0.1.0-dev"

// Global flags
var (
	configPath string
	logLevel   string
)

// conf is loaded once in PersistentPreRunE.
var conf *config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "billcal",
	Short: "Billable-minute reports from calendar bookings",
	Long: `billcal reads ICS calendar exports of resource bookings, classifies each
occurrence as active, cancelled on time or cancelled late, and computes
billable minutes per project. Late cancellations are credited for time
covered by other billable bookings.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config %s: %w", configPath, err)
		}
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = logLevel
		}
		level, err := appLog.ParseLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		appLog.SetLevel(level)
		conf = cfg
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "billcal.yaml", "Path to config file (created with defaults if missing)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
}

func newBuilder() (*pipeline.Builder, error) {
	b, err := pipeline.FromConfig(conf)
	if err != nil {
		return nil, err
	}
	return b, nil
}
