package main

import (
	"encoding/json"
	"time"

	"github.com/fjod/go_cart/reconciler-service/internal/service"
	"github.com/spf13/cobra"
)

// scanCmd runs a single pass, for deployments that schedule scans externally (cron,
// Kubernetes CronJob).
func scanCmd(configPath *string) *cobra.Command {
	var (
		minAgeMinutes int
		maxBatch      int
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Resolve orders stuck in ArrangingPayment once and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(*configPath, false)
			if err != nil {
				return err
			}
			defer a.Close()

			minAge := a.cfg.ScanMinAge()
			if cmd.Flags().Changed("min-age-minutes") {
				minAge = time.Duration(minAgeMinutes) * time.Minute
			}
			batch := a.cfg.Scanner.MaxBatch
			if cmd.Flags().Changed("max-batch") {
				batch = maxBatch
			}

			scanner := service.NewScanner(a.store, a.cfg.ScanPolicy(), a.log)
			report, err := scanner.Scan(cmd.Context(), minAge, batch)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}

	cmd.Flags().IntVar(&minAgeMinutes, "min-age-minutes", 0, "Override scanner.min_age_minutes")
	cmd.Flags().IntVar(&maxBatch, "max-batch", 0, "Override scanner.max_batch")

	return cmd
}
