package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/qrclock/attendcore/internal/backup"
	"github.com/qrclock/attendcore/pkg/attendcore"
	"github.com/qrclock/attendcore/pkg/color"
	"github.com/qrclock/attendcore/pkg/errclass"
	"github.com/qrclock/attendcore/pkg/fsutil"
	"github.com/qrclock/attendcore/pkg/model"
	"github.com/qrclock/attendcore/pkg/progress"
)

var (
	backupReason      string
	backupOutput      string
	backupGzip        bool
	backupMode        string
	backupCollections []string
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create, verify and import signed backups",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a signed backup",
	Long: `Create a signed backup of every backed-up collection.

The backup is stored in the configured archive (backup.dir or backup.s3).
--output writes a copy to a file, or to stdout with "-".`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		actor, err := currentActor()
		if err != nil {
			return err
		}
		return withCore(cmd, func(ctx context.Context, core *attendcore.Core) error {
			snap, info, err := core.Backup.Create(ctx, actor, backupReason)
			if err != nil {
				return err
			}
			if backupOutput != "" {
				gz := backupGzip || strings.HasSuffix(backupOutput, ".gz")
				data, err := backup.Marshal(snap, gz)
				if err != nil {
					return err
				}
				if backupOutput == "-" {
					_, err = os.Stdout.Write(data)
					return err
				}
				if err := fsutil.AtomicWrite(backupOutput, data, 0600); err != nil {
					return errclass.ErrStorageFailure.Wrap(err, "write backup file")
				}
			}
			if jsonOutput {
				return outputJSON(map[string]any{"metadata": snap.Metadata, "signature": snap.Signature, "archived": info, "output": backupOutput})
			}
			fmt.Printf("Backup created: %d items in %d collections\n", snap.Metadata.ItemCount, len(snap.Metadata.Collections))
			if info != nil {
				fmt.Printf("  archived as %s\n", color.Highlight(info.Location))
			}
			if backupOutput != "" {
				fmt.Printf("  written to %s\n", color.Highlight(backupOutput))
			}
			if info == nil && backupOutput == "" {
				fmt.Println(color.Warning("No archive configured and no --output given; the backup was not kept."))
			}
			return nil
		})
	},
}

var backupVerifyCmd = &cobra.Command{
	Use:   "verify <file|archive-name>",
	Short: "Check the shape and signature of a backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core *attendcore.Core) error {
			artifact, err := readArtifact(ctx, core, args[0])
			if err != nil {
				return err
			}
			snap, err := backup.Parse(artifact)
			if err == nil {
				err = core.Backup.Verify(snap)
			}
			if err != nil {
				if jsonOutput {
					_ = outputJSON(map[string]any{"valid": false, "error": err.Error()})
				}
				return err
			}
			if jsonOutput {
				return outputJSON(map[string]any{"valid": true, "metadata": snap.Metadata})
			}
			fmt.Printf("%s backup %s from %s, %d items\n", color.Success("Valid"), snap.Metadata.Version,
				snap.Metadata.Timestamp.UTC().Format("2006-01-02 15:04:05Z"), snap.Metadata.ItemCount)
			return nil
		})
	},
}

var backupImportCmd = &cobra.Command{
	Use:   "import <file|archive-name>",
	Short: "Restore a signed backup",
	Long: `Restore a signed backup.

The whole backup is verified before anything is written, and a safety
backup of the current state is taken first. In replace mode every selected
collection is overwritten; in merge mode records are upserted by ID.
--collections takes glob patterns over collection names, for example
"clock-*" or "{workers,positions}".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		actor, err := currentActor()
		if err != nil {
			return err
		}
		return withWriter(cmd, "backup import", func(ctx context.Context, core *attendcore.Core) error {
			artifact, err := readArtifact(ctx, core, args[0])
			if err != nil {
				return err
			}
			opts := backup.ImportOptions{
				Mode:        backup.Mode(backupMode),
				Collections: backupCollections,
				Actor:       actor,
			}
			if !jsonOutput {
				opts.Progress = progress.NewTerminal(os.Stderr).Callback()
			}
			res, err := core.Backup.Import(ctx, artifact, opts)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(res)
			}
			for _, c := range res.Applied {
				fmt.Printf("  %-18s %d items\n", c.Collection, c.Items)
			}
			if len(res.Skipped) > 0 {
				fmt.Printf("  skipped: %s\n", color.Dim(strings.Join(res.Skipped, ", ")))
			}
			fmt.Printf("Imported %d items (%s)\n", res.Items(), res.Mode)
			return nil
		})
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived backups",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core *attendcore.Core) error {
			list, err := core.Backup.List(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				if list == nil {
					list = []model.BackupInfo{}
				}
				return outputJSON(list)
			}
			if len(list) == 0 {
				fmt.Println("No backups archived.")
				return nil
			}
			for _, b := range list {
				fmt.Printf("%s  %s  %10s\n", b.Timestamp.UTC().Format("2006-01-02 15:04:05Z"), b.Name, formatBytes(b.SizeBytes))
			}
			return nil
		})
	},
}

var backupSafetyCmd = &cobra.Command{
	Use:   "safety",
	Short: "List safety backups taken before imports",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core *attendcore.Core) error {
			list, err := core.Backup.SafetyBackups(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				meta := make([]model.BackupMetadata, len(list))
				for i, s := range list {
					meta[i] = s.Metadata
				}
				return outputJSON(meta)
			}
			if len(list) == 0 {
				fmt.Println("No safety backups.")
				return nil
			}
			for _, s := range list {
				fmt.Printf("%s  %d items  %s\n", s.Metadata.Timestamp.UTC().Format("2006-01-02 15:04:05Z"), s.Metadata.ItemCount, s.Metadata.Reason)
			}
			return nil
		})
	},
}

// readArtifact reads a backup from a local file, falling back to the
// configured archive.
func readArtifact(ctx context.Context, core *attendcore.Core, ref string) ([]byte, error) {
	data, err := os.ReadFile(ref)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read backup: %w", err)
	}
	data, aerr := core.Backup.Load(ctx, ref)
	if aerr != nil {
		if errclass.Code(aerr) == errclass.ErrConfigInvalid.Code {
			return nil, errclass.ErrNotFound.WithMessagef("backup file %s not found", ref)
		}
		return nil, aerr
	}
	return data, nil
}

func init() {
	backupCreateCmd.Flags().StringVar(&backupReason, "reason", "manual", "reason stored in the backup metadata")
	backupCreateCmd.Flags().StringVarP(&backupOutput, "output", "o", "", "also write the backup to this file (- for stdout)")
	backupCreateCmd.Flags().BoolVar(&backupGzip, "gzip", false, "gzip the --output file")
	backupImportCmd.Flags().StringVar(&backupMode, "mode", string(backup.ModeReplace), "replace or merge")
	backupImportCmd.Flags().StringArrayVar(&backupCollections, "collections", nil, "collection glob patterns to import")

	backupCmd.AddCommand(backupCreateCmd, backupVerifyCmd, backupImportCmd, backupListCmd, backupSafetyCmd)
	rootCmd.AddCommand(backupCmd)
}
