package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/core"
)

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the config file and print the resulting catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := core.LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		catalog, err := core.NewCatalogHolder(cfg)
		if err != nil {
			return err
		}

		fmt.Printf("%s: ok (store=%s, cache=%s, cooldown=%s)\n", cfgFile, cfg.Store.Driver, cfg.Cache.Backend, cfg.Failover.Cooldown)
		for _, svc := range catalog.Current().Services() {
			flags := []string{}
			if svc.RequiresApproval {
				flags = append(flags, "approval")
			}
			if svc.BlockWhenHealthy {
				flags = append(flags, "block-when-healthy")
			}
			fmt.Printf("  %-20s %d backends  kpis=%s  %s\n",
				svc.Name, len(svc.Backends), strings.Join(svc.KPIs, ","), strings.Join(flags, " "))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkConfigCmd)
}
