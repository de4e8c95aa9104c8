package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/qrclock/attendcore/pkg/attendcore"
	"github.com/qrclock/attendcore/pkg/color"
	"github.com/qrclock/attendcore/pkg/errclass"
)

var doctorStrict bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check data directory health",
	Long: `Check data directory health.

Verifies the audit chain and record signatures, and reports failed sync
operations, quota pressure, stale writer leases and orphan temp files.
Use --strict to record every tampered record in the audit log.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core *attendcore.Core) error {
			result, err := core.Doctor().Check(ctx, doctorStrict)
			if err != nil {
				return err
			}
			if jsonOutput {
				if err := outputJSON(result); err != nil {
					return err
				}
			} else if len(result.Findings) == 0 {
				fmt.Println(color.Success("Data directory is healthy."))
			} else {
				fmt.Printf("Findings (%d):\n", len(result.Findings))
				for _, f := range result.Findings {
					fmt.Printf("  [%s] %s: %s\n", color.Severity(f.Severity), f.Category, f.Description)
				}
			}
			if !result.Healthy {
				return errclass.ErrIntegrityViolation.WithMessage("doctor found critical issues")
			}
			return nil
		})
	},
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorStrict, "strict", false, "record tamper detections in the audit log")
	rootCmd.AddCommand(doctorCmd)
}
