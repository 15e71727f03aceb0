package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/core"
	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/pkg/logger"
)

// Version is set via ldflags at build time.
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "aegis",
	Short: "Evidence-gated incident assessment and traffic failover",
	Long: `AEGIS correlates metrics, traces, KPIs and deployments into a health
snapshot for each service, and moves traffic between backends only after
liveness, cooldown and approval checks pass. Every state change is written
to an append-only audit trail.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of aegis",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("aegis %s\n", Version)
	},
}

func init() {
	defaultPath := os.Getenv("AEGIS_CONFIG_PATH")
	if defaultPath == "" {
		defaultPath = "configs/aegis.yaml"
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", defaultPath, "config file path")
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the config file and initializes the global logger from it.
func loadConfig() (*core.Config, error) {
	cfg, err := core.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := logger.Initialize(cfg.App.LogLevel); err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	return cfg, nil
}
