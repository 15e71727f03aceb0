package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/pkg/logger"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history [service]",
	Short: "List audit records, newest first",
	Long:  `Lists audit records for one service, or across all services when none is named.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		service := ""
		if len(args) == 1 {
			service = args[0]
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		records, err := store.History(ctx, service, historyLimit)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No audit records.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "AT\tACTION\tKIND\tSERVICE\tFROM\tTO\tREASON\tACTOR\tTARGET")
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				r.At.Format(time.RFC3339), r.ActionID, r.Kind, r.Service,
				dash(string(r.From)), r.To, dash(string(r.Reason)), r.Actor, r.Target)
		}
		return w.Flush()
	},
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "maximum number of records")
	rootCmd.AddCommand(historyCmd)
}
