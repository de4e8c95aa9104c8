package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/qrclock/attendcore/pkg/attendcore"
	"github.com/qrclock/attendcore/pkg/color"
	"github.com/qrclock/attendcore/pkg/errclass"
	"github.com/qrclock/attendcore/pkg/model"
)

var (
	policyPriority  string
	policyStrategy  string
	policyBatchSize int
	policyRetry     bool
	policyStable    bool
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage per data type sync policies",
}

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List effective sync policies",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core *attendcore.Core) error {
			list, err := core.Policies.List(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(list)
			}
			fmt.Println(color.Header(fmt.Sprintf("%-18s %-10s %-9s %5s  %s", "DATA TYPE", "PRIORITY", "STRATEGY", "BATCH", "FLAGS")))
			for _, p := range list {
				fmt.Printf("%-18s %-10s %-9s %5d  %s\n", p.DataType, p.Priority, p.Strategy, p.BatchSize, policyFlags(p))
			}
			return nil
		})
	},
}

func policyFlags(p model.SyncPolicy) string {
	var flags []string
	if p.RetryOnFailure {
		flags = append(flags, "retry")
	}
	if p.RequireStableConnection {
		flags = append(flags, "stable")
	}
	if len(flags) == 0 {
		return "-"
	}
	return strings.Join(flags, ",")
}

var policySetCmd = &cobra.Command{
	Use:   "set <data-type>",
	Short: "Override the sync policy of a data type",
	Example: `  attendctl policy set notifications --strategy immediate
  attendctl policy set audit-log --priority low --stable=false`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		actor, err := currentActor()
		if err != nil {
			return err
		}
		return withWriter(cmd, "policy set", func(ctx context.Context, core *attendcore.Core) error {
			p := model.PolicyOverride{DataType: args[0]}
			flags := cmd.Flags()
			if flags.Changed("priority") {
				prio, ok := model.ParsePriority(policyPriority)
				if !ok {
					return errclass.ErrConfigInvalid.WithMessagef("unknown priority %q", policyPriority)
				}
				p.Priority = prio
			}
			if flags.Changed("strategy") {
				p.Strategy = model.Strategy(strings.ToLower(policyStrategy))
			}
			if flags.Changed("batch-size") {
				if policyBatchSize < 1 {
					return errclass.ErrConfigInvalid.WithMessage("--batch-size must be at least 1")
				}
				p.BatchSize = policyBatchSize
			}
			if flags.Changed("retry") {
				p.RetryOnFailure = &policyRetry
			}
			if flags.Changed("stable") {
				p.RequireStableConnection = &policyStable
			}
			saved, err := core.Policies.Set(ctx, p, actor)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(saved)
			}
			fmt.Printf("Policy for %s: %s %s batch=%d %s\n", color.Highlight(saved.DataType), saved.Priority, saved.Strategy, saved.BatchSize, policyFlags(saved))
			return nil
		})
	},
}

var policyResetCmd = &cobra.Command{
	Use:   "reset [data-type]",
	Short: "Drop policy overrides",
	Long:  `Drop the override of one data type, or every override when none is given.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		actor, err := currentActor()
		if err != nil {
			return err
		}
		dataType := ""
		if len(args) == 1 {
			dataType = args[0]
		}
		return withWriter(cmd, "policy reset", func(ctx context.Context, core *attendcore.Core) error {
			n, err := core.Policies.Reset(ctx, dataType, actor)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(map[string]int{"removed": n})
			}
			fmt.Printf("Removed %d policy overrides\n", n)
			return nil
		})
	},
}

func init() {
	policySetCmd.Flags().StringVar(&policyPriority, "priority", "", "critical, high, medium, low or background")
	policySetCmd.Flags().StringVar(&policyStrategy, "strategy", "", "immediate, batch, scheduled or manual")
	policySetCmd.Flags().IntVar(&policyBatchSize, "batch-size", 0, "operations sent per batch")
	policySetCmd.Flags().BoolVar(&policyRetry, "retry", true, "retry failed sends")
	policySetCmd.Flags().BoolVar(&policyStable, "stable", false, "only sync over a good or medium connection")

	policyCmd.AddCommand(policyListCmd, policySetCmd, policyResetCmd)
	rootCmd.AddCommand(policyCmd)
}
