package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show relay request statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			stats, err := client.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if ctx.asJSON {
				return writeJSON(cmd, stats)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Requests:      %d (%d ok, %d failed, %.1f%% success)\n",
				stats.TotalRequests, stats.Succeeded, stats.Failed, stats.SuccessRate*100)
			fmt.Fprintf(out, "Latency:       avg %.0fms, p95 %.0fms\n", stats.AvgLatencyMS, stats.P95LatencyMS)
			fmt.Fprintf(out, "Tokens:        %d (~$%.4f)\n", stats.TotalTokens, stats.EstimatedCostUSD)
			fmt.Fprintf(out, "Cache:         %d hits, %d misses\n", stats.CacheHits, stats.CacheMisses)
			if len(stats.Errors) > 0 {
				codes := make([]string, 0, len(stats.Errors))
				for code := range stats.Errors {
					codes = append(codes, code)
				}
				sort.Strings(codes)
				fmt.Fprintln(out, "Errors:")
				for _, code := range codes {
					fmt.Fprintf(out, "  %-20s %d\n", code, stats.Errors[code])
				}
			}
			return nil
		},
	}
}
