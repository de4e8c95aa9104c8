package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/qrclock/attendcore/internal/optimizer"
	"github.com/qrclock/attendcore/pkg/attendcore"
	"github.com/qrclock/attendcore/pkg/color"
)

var (
	cleanupMaxAge   int
	cleanupMaxCount int
	cleanupDryRun   bool
	usageKeys       bool
)

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Storage quota management",
}

var storageUsageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show storage usage against the quota",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core *attendcore.Core) error {
			var (
				rep optimizer.UsageReport
				err error
			)
			if usageKeys {
				rep, err = core.Optimizer.UsageReport(ctx)
			} else {
				rep, err = core.Optimizer.Usage(ctx)
			}
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(rep)
			}
			fmt.Printf("Used:  %s\n", formatBytes(rep.UsedBytes))
			if rep.QuotaBytes > 0 {
				fmt.Printf("Quota: %s (%.1f%%, %s)\n", formatBytes(rep.QuotaBytes), rep.Percent, levelLabel(rep.Level))
			} else {
				fmt.Println("Quota: unlimited")
			}
			for _, k := range rep.Keys {
				packed := ""
				if k.Compressed {
					packed = color.Dim(" (compressed)")
				}
				fmt.Printf("  %-18s %10s%s\n", k.Key, formatBytes(k.Bytes), packed)
			}
			return nil
		})
	},
}

func levelLabel(l optimizer.Level) string {
	switch l {
	case optimizer.LevelCritical:
		return color.Error(string(l))
	case optimizer.LevelWarning:
		return color.Warning(string(l))
	default:
		return color.Success(string(l))
	}
}

var storageCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Drop aged and excess entries from bounded collections",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWriter(cmd, "storage cleanup", func(ctx context.Context, core *attendcore.Core) error {
			var (
				res optimizer.CleanupResult
				err error
			)
			maxAge, maxCount := cleanupMaxAge, cleanupMaxCount
			if !cmd.Flags().Changed("max-age-days") {
				maxAge = core.Config().Storage.MaxAgeDays
			}
			if !cmd.Flags().Changed("max-count") {
				maxCount = core.Config().Storage.MaxCount
			}
			if cleanupDryRun {
				res, err = core.Optimizer.PlanCleanup(ctx, maxAge, maxCount)
			} else {
				res, err = core.Optimizer.RunCleanup(ctx, maxAge, maxCount)
			}
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(res)
			}
			verb := "Dropped"
			if res.DryRun {
				verb = "Would drop"
			}
			for _, k := range res.Keys {
				if k.Dropped > 0 {
					fmt.Printf("  %-18s %d -> %d\n", k.Key, k.Before, k.After)
				}
			}
			fmt.Printf("%s %d entries, %s freed\n", verb, res.Dropped(), formatBytes(res.FreedBytes))
			return nil
		})
	},
}

var storageOptimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Compress historical data and run cleanup",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWriter(cmd, "storage optimize", func(ctx context.Context, core *attendcore.Core) error {
			rep, err := core.Optimizer.OptimizeAllStorage(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(rep)
			}
			for _, h := range rep.Compressed {
				if h.Applied {
					fmt.Printf("  %-18s %d historical, %d recent, %s -> %s\n", h.Key, h.HistoricalCount, h.RecentCount, formatBytes(h.BeforeBytes), formatBytes(h.AfterBytes))
				}
			}
			fmt.Printf("Saved %s (%.1f%%): %s -> %s\n", formatBytes(rep.SavedBytes), rep.SavedPercent, formatBytes(rep.BeforeBytes), formatBytes(rep.AfterBytes))
			return nil
		})
	},
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func init() {
	storageUsageCmd.Flags().BoolVar(&usageKeys, "keys", false, "include per-key usage")
	storageCleanupCmd.Flags().IntVar(&cleanupMaxAge, "max-age-days", 0, "drop entries older than this (default storage.max_age_days)")
	storageCleanupCmd.Flags().IntVar(&cleanupMaxCount, "max-count", 0, "keep at most this many entries per key (default storage.max_count)")
	storageCleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "report what would be dropped")

	storageCmd.AddCommand(storageUsageCmd, storageCleanupCmd, storageOptimizeCmd)
	rootCmd.AddCommand(storageCmd)
}
