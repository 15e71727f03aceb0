package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/core"
	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/model"
	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/pkg/logger"
)

var (
	assessWindow   string
	assessIncident bool
)

var assessCmd = &cobra.Command{
	Use:   "assess <service>",
	Short: "Print a health snapshot for one service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()

		a, err := buildApp(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		window := core.Duration(cfg.Telemetry.DefaultWindow)
		if assessWindow != "" {
			if window, err = model.ParseWindow(assessWindow); err != nil {
				return err
			}
		}
		r, err := model.LastWindow(time.Now().UTC(), window, a.engine.MaxRange())
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		var result any
		if assessIncident {
			result, err = a.engine.Correlate(ctx, args[0], r)
		} else {
			result, err = a.engine.Assess(ctx, args[0], r)
		}
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return fmt.Errorf("failed to write result: %w", err)
		}
		return nil
	},
}

func init() {
	assessCmd.Flags().StringVarP(&assessWindow, "window", "w", "", "lookback window, e.g. 30m, 1h, 2d (default telemetry.default_window)")
	assessCmd.Flags().BoolVar(&assessIncident, "incident", false, "include deployments and the suspect deployment")
	rootCmd.AddCommand(assessCmd)
}
