package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/qrclock/attendcore/internal/audit"
	"github.com/qrclock/attendcore/pkg/attendcore"
	"github.com/qrclock/attendcore/pkg/color"
	"github.com/qrclock/attendcore/pkg/errclass"
	"github.com/qrclock/attendcore/pkg/fsutil"
	"github.com/qrclock/attendcore/pkg/model"
)

var (
	auditOutput string
	auditAction string
	auditTarget string
	auditActor  string
	auditSince  time.Duration
	auditLimit  int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the hash-chained audit log",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core *attendcore.Core) error {
			f := audit.Filter{
				Action:   model.AuditAction(auditAction),
				TargetID: auditTarget,
				ActorID:  auditActor,
				Limit:    auditLimit,
			}
			if auditSince > 0 {
				f.Since = time.Now().Add(-auditSince)
			}
			entries, err := core.Audit.List(ctx, f)
			if err != nil {
				return err
			}
			if jsonOutput {
				if entries == nil {
					entries = []model.AuditEntry{}
				}
				return outputJSON(entries)
			}
			for _, e := range entries {
				target := ""
				if e.TargetID != "" {
					target = " " + color.RecordID(e.TargetID)
				}
				fmt.Printf("%s  %-8s  %-16s %s/%s%s\n", e.Timestamp.UTC().Format(time.RFC3339),
					color.Severity(string(e.Severity)), e.Action, e.Module, e.ActorID, target)
			}
			return nil
		})
	},
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the audit log as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core *attendcore.Core) error {
			if auditOutput == "" || auditOutput == "-" {
				return core.Audit.Export(ctx, os.Stdout)
			}
			var buf bytes.Buffer
			if err := core.Audit.Export(ctx, &buf); err != nil {
				return err
			}
			if err := fsutil.AtomicWrite(auditOutput, buf.Bytes(), 0600); err != nil {
				return errclass.ErrStorageFailure.Wrap(err, "write audit export")
			}
			fmt.Fprintf(os.Stderr, "Audit log written to %s\n", auditOutput)
			return nil
		})
	},
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the audit hash chain",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core *attendcore.Core) error {
			rep, err := core.Audit.VerifyChain(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				if err := outputJSON(rep); err != nil {
					return err
				}
			} else if rep.OK() {
				fmt.Printf("%s audit chain intact (%d entries)\n", color.Success("OK"), rep.Entries)
			} else {
				for _, b := range rep.Broken {
					fmt.Printf("%s entry %d (%s): %s\n", color.Error("BROKEN"), b.Index, b.EntryID, b.Reason)
				}
			}
			if !rep.OK() {
				return errclass.ErrAuditChainBroken.WithMessagef("%d broken links", len(rep.Broken))
			}
			return nil
		})
	},
}

func init() {
	auditExportCmd.Flags().StringVarP(&auditOutput, "output", "o", "", "write to this file instead of stdout")
	auditListCmd.Flags().StringVar(&auditAction, "action", "", "only entries with this action")
	auditListCmd.Flags().StringVar(&auditTarget, "target", "", "only entries for this target ID")
	auditListCmd.Flags().StringVar(&auditActor, "by", "", "only entries by this actor ID")
	auditListCmd.Flags().DurationVar(&auditSince, "since", 0, "only entries newer than this age, e.g. 24h")
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 0, "show only the newest N entries")

	auditCmd.AddCommand(auditListCmd, auditExportCmd, auditVerifyCmd)
	rootCmd.AddCommand(auditCmd)
}
