package cli

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/qrclock/attendcore/internal/syncqueue"
	"github.com/qrclock/attendcore/pkg/attendcore"
	"github.com/qrclock/attendcore/pkg/color"
	"github.com/qrclock/attendcore/pkg/errclass"
	"github.com/qrclock/attendcore/pkg/model"
)

var (
	queueKind      string
	queueData      string
	queueSet       []string
	queueDrainType []string
	queuePurgeAll  bool
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and drain the sync queue",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core *attendcore.Core) error {
			st, err := core.Queue.Status(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(st)
			}
			fmt.Printf("Pending:    %d\n", st.Pending)
			fmt.Printf("Processing: %d\n", st.Processing)
			fmt.Printf("Failed:     %s\n", failedCount(st.Failed))
			if len(st.ByDataType) > 0 {
				types := make([]string, 0, len(st.ByDataType))
				for t := range st.ByDataType {
					types = append(types, t)
				}
				sort.Strings(types)
				fmt.Println(color.Header("By data type:"))
				for _, t := range types {
					fmt.Printf("  %-18s %d\n", t, st.ByDataType[t])
				}
			}
			return nil
		})
	},
}

func failedCount(n int) string {
	if n == 0 {
		return "0"
	}
	return color.Error(fmt.Sprint(n))
}

var queueEnqueueCmd = &cobra.Command{
	Use:   "enqueue <data-type>",
	Short: "Queue an operation by hand",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := model.OpKind(queueKind)
		switch kind {
		case model.OpAdd, model.OpUpdate, model.OpDelete:
		default:
			return errclass.ErrConfigInvalid.WithMessagef("--kind must be add, update or delete: %q", queueKind)
		}
		payload, err := parsePayload(queueData, queueSet)
		if err != nil {
			return err
		}
		return withWriter(cmd, "queue enqueue", func(ctx context.Context, core *attendcore.Core) error {
			op, err := core.Queue.Enqueue(ctx, args[0], kind, payload)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(op)
			}
			fmt.Printf("Queued %s %s as %s (priority %s)\n", op.DataType, op.Kind, color.RecordID(op.ID), op.Priority)
			return nil
		})
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Send queued operations now",
	Long: `Send queued operations now, in priority then FIFO order.

A manual drain ignores sync strategies and retry backoff but still skips
sending while offline.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWriter(cmd, "queue drain", func(ctx context.Context, core *attendcore.Core) error {
			res, err := core.Queue.Drain(ctx, syncqueue.DrainOptions{Manual: true, DataTypes: queueDrainType})
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(res)
			}
			fmt.Printf("Drained %d operations in %d batches: %s succeeded, %d retried, %s failed\n",
				res.Processed, res.Batches, color.Success(fmt.Sprint(res.Succeeded)), res.Retried, failedCount(len(res.Failed)))
			for _, op := range res.Failed {
				fmt.Printf("  %s %s %s: %s\n", color.Error("failed"), op.DataType, color.RecordID(op.ID), op.LastError)
			}
			return nil
		})
	},
}

var queueFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List operations that exhausted their retries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core *attendcore.Core) error {
			ops, err := core.Queue.Failed(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				if ops == nil {
					ops = []model.SyncOperation{}
				}
				return outputJSON(ops)
			}
			if len(ops) == 0 {
				fmt.Println("No failed operations.")
				return nil
			}
			for _, op := range ops {
				fmt.Printf("%s  %-18s %-6s attempts=%d  %s\n", color.RecordID(op.ID), op.DataType, op.Kind, op.Attempts, op.LastError)
			}
			return nil
		})
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Requeue a failed operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWriter(cmd, "queue retry", func(ctx context.Context, core *attendcore.Core) error {
			op, err := core.Queue.Retry(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(op)
			}
			fmt.Printf("Requeued %s as %s\n", args[0], color.RecordID(op.ID))
			return nil
		})
	},
}

var queuePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Drop failed operations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWriter(cmd, "queue purge", func(ctx context.Context, core *attendcore.Core) error {
			n, err := core.Queue.Purge(ctx, model.StatusFailed)
			if err != nil {
				return err
			}
			if queuePurgeAll {
				done, err := core.Queue.Purge(ctx, model.StatusDone)
				if err != nil {
					return err
				}
				n += done
			}
			if jsonOutput {
				return outputJSON(map[string]int{"purged": n})
			}
			fmt.Printf("Purged %d operations\n", n)
			return nil
		})
	},
}

func init() {
	queueEnqueueCmd.Flags().StringVar(&queueKind, "kind", string(model.OpAdd), "operation kind: add, update or delete")
	queueEnqueueCmd.Flags().StringVar(&queueData, "data", "", "payload as a JSON object")
	queueEnqueueCmd.Flags().StringArrayVar(&queueSet, "set", nil, "payload field as key=value (repeatable)")
	queueDrainCmd.Flags().StringSliceVar(&queueDrainType, "type", nil, "restrict the drain to these data types")
	queuePurgeCmd.Flags().BoolVar(&queuePurgeAll, "all", false, "also drop completed operations")

	queueCmd.AddCommand(queueStatusCmd, queueEnqueueCmd, queueDrainCmd, queueFailedCmd, queueRetryCmd, queuePurgeCmd)
	rootCmd.AddCommand(queueCmd)
}
