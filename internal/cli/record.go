package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/qrclock/attendcore/pkg/attendcore"
	"github.com/qrclock/attendcore/pkg/color"
	"github.com/qrclock/attendcore/pkg/errclass"
	"github.com/qrclock/attendcore/pkg/model"
)

var (
	recordData          string
	recordSet           []string
	recordExpectVersion int64
	recordListDeleted   bool
	recordListAll       bool
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Manage attendance records",
	Long: `Manage records of the positions, workers, clock-records,
absence-requests, user-settings and notifications collections.

Every mutation is signed, audited and queued for sync.`,
}

var recordAddCmd = &cobra.Command{
	Use:   "add <collection>",
	Short: "Add a record",
	Example: `  attendctl record add clock-records --set workerId=w-1 --set type=in
  attendctl record add positions --data '{"name":"Gate A","active":true}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		coll, err := parseCollection(args[0])
		if err != nil {
			return err
		}
		item, err := parsePayload(recordData, recordSet)
		if err != nil {
			return err
		}
		actor, err := currentActor()
		if err != nil {
			return err
		}
		return withWriter(cmd, "record add", func(ctx context.Context, core *attendcore.Core) error {
			rec, err := core.Add(ctx, coll, item, actor)
			if err != nil {
				return err
			}
			return printRecordResult("Added", coll, rec)
		})
	},
}

var recordGetCmd = &cobra.Command{
	Use:   "get <collection> <id>",
	Short: "Show a record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		coll, err := parseCollection(args[0])
		if err != nil {
			return err
		}
		return withCore(cmd, func(ctx context.Context, core *attendcore.Core) error {
			rec, err := core.Store.Get(ctx, coll, args[1])
			if err != nil {
				return err
			}
			state, err := core.Signer.State(coll, rec)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(map[string]any{"record": rec, "integrity": state})
			}
			printRecord(rec, state)
			return nil
		})
	},
}

var recordListCmd = &cobra.Command{
	Use:   "list <collection>",
	Short: "List records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		coll, err := parseCollection(args[0])
		if err != nil {
			return err
		}
		return withCore(cmd, func(ctx context.Context, core *attendcore.Core) error {
			var recs []model.Record
			switch {
			case recordListAll:
				recs, err = core.Store.All(ctx, coll)
			case recordListDeleted:
				recs, err = core.Store.GetDeleted(ctx, coll)
			default:
				recs, err = core.Store.GetActive(ctx, coll)
			}
			if err != nil {
				return err
			}
			if jsonOutput {
				if recs == nil {
					recs = []model.Record{}
				}
				return outputJSON(recs)
			}
			if len(recs) == 0 {
				fmt.Printf("No records in %s.\n", color.Collection(coll.String()))
				return nil
			}
			fmt.Println(color.Header(fmt.Sprintf("%-36s  %7s  %-7s  %s", "ID", "VERSION", "STATE", "UPDATED")))
			for _, r := range recs {
				state := "active"
				if r.IsDeleted {
					state = "deleted"
				}
				fmt.Printf("%-36s  %7d  %-7s  %s\n", color.RecordID(r.ID), r.Version, state, formatTime(lastChange(r)))
			}
			return nil
		})
	},
}

var recordUpdateCmd = &cobra.Command{
	Use:   "update <collection> <id>",
	Short: "Patch a record",
	Long: `Patch a record. Fields given with --set or --data replace the stored
values; other fields are kept. With --expect-version the update fails with
E_VERSION_CONFLICT when the record changed in the meantime.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		coll, err := parseCollection(args[0])
		if err != nil {
			return err
		}
		patch, err := parsePayload(recordData, recordSet)
		if err != nil {
			return err
		}
		actor, err := currentActor()
		if err != nil {
			return err
		}
		return withWriter(cmd, "record update", func(ctx context.Context, core *attendcore.Core) error {
			rec, err := core.Update(ctx, coll, args[1], patch, actor, recordExpectVersion)
			if err != nil {
				return err
			}
			return printRecordResult("Updated", coll, rec)
		})
	},
}

var recordDeleteCmd = &cobra.Command{
	Use:   "delete <collection> <id>",
	Short: "Soft-delete a record",
	Args:  cobra.ExactArgs(2),
	RunE: recordMutation("Deleted", "record delete", func(ctx context.Context, core *attendcore.Core, c model.Collection, id string, a model.Actor) (model.Record, error) {
		return core.SoftDelete(ctx, c, id, a)
	}),
}

var recordRestoreCmd = &cobra.Command{
	Use:   "restore <collection> <id>",
	Short: "Restore a soft-deleted record",
	Args:  cobra.ExactArgs(2),
	RunE: recordMutation("Restored", "record restore", func(ctx context.Context, core *attendcore.Core, c model.Collection, id string, a model.Actor) (model.Record, error) {
		return core.Restore(ctx, c, id, a)
	}),
}

var recordPurgeCmd = &cobra.Command{
	Use:   "purge <collection> <id>",
	Short: "Permanently delete a soft-deleted record",
	Long: `Permanently delete a soft-deleted record. Requires an admin or
supervisor role.`,
	Args: cobra.ExactArgs(2),
	RunE: recordMutation("Purged", "record purge", func(ctx context.Context, core *attendcore.Core, c model.Collection, id string, a model.Actor) (model.Record, error) {
		return core.PermanentDelete(ctx, c, id, a)
	}),
}

type mutateFunc func(ctx context.Context, core *attendcore.Core, c model.Collection, id string, a model.Actor) (model.Record, error)

func recordMutation(verb, purpose string, fn mutateFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		coll, err := parseCollection(args[0])
		if err != nil {
			return err
		}
		actor, err := currentActor()
		if err != nil {
			return err
		}
		return withWriter(cmd, purpose, func(ctx context.Context, core *attendcore.Core) error {
			rec, err := fn(ctx, core, coll, args[1], actor)
			if err != nil {
				return err
			}
			return printRecordResult(verb, coll, rec)
		})
	}
}

func printRecordResult(verb string, coll model.Collection, rec model.Record) error {
	if jsonOutput {
		return outputJSON(rec)
	}
	fmt.Printf("%s %s record %s (version %d)\n", verb, color.Collection(coll.String()), color.RecordID(rec.ID), rec.Version)
	return nil
}

func printRecord(rec model.Record, state model.IntegrityState) {
	fmt.Printf("ID:        %s\n", color.RecordID(rec.ID))
	fmt.Printf("Version:   %d\n", rec.Version)
	fmt.Printf("Created:   %s\n", formatTime(rec.CreatedAt))
	if rec.UpdatedAt != nil {
		fmt.Printf("Updated:   %s\n", formatTime(*rec.UpdatedAt))
	}
	if rec.IsDeleted {
		fmt.Printf("Deleted:   %s by %s\n", formatTime(derefTime(rec.DeletedAt)), rec.DeletedBy)
	}
	switch state {
	case model.IntegrityTampered:
		fmt.Printf("Integrity: %s\n", color.Error(string(state)))
	case model.IntegrityVerified:
		fmt.Printf("Integrity: %s\n", color.Success(string(state)))
	default:
		fmt.Printf("Integrity: %s\n", color.Dim(string(state)))
	}
	keys := make([]string, 0, len(rec.Payload))
	for k := range rec.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, _ := json.Marshal(rec.Payload[k])
		fmt.Printf("  %s: %s\n", k, v)
	}
}

// parsePayload merges a JSON object with key=value pairs. Values that parse
// as JSON keep their type; anything else is a string.
func parsePayload(data string, pairs []string) (map[string]any, error) {
	out := map[string]any{}
	if strings.TrimSpace(data) != "" {
		if err := json.Unmarshal([]byte(data), &out); err != nil {
			return nil, errclass.ErrConfigInvalid.WithMessagef("--data must be a JSON object: %v", err)
		}
	}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, errclass.ErrConfigInvalid.WithMessagef("--set expects key=value, got %q", p)
		}
		var parsed any
		if err := json.Unmarshal([]byte(v), &parsed); err != nil {
			parsed = v
		}
		out[k] = parsed
	}
	if len(out) == 0 {
		return nil, errclass.ErrConfigInvalid.WithMessage("no fields given; use --data or --set")
	}
	return out, nil
}

func lastChange(r model.Record) time.Time {
	if r.UpdatedAt != nil {
		return *r.UpdatedAt
	}
	return r.CreatedAt
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func init() {
	for _, c := range []*cobra.Command{recordAddCmd, recordUpdateCmd} {
		c.Flags().StringVar(&recordData, "data", "", "record fields as a JSON object")
		c.Flags().StringArrayVar(&recordSet, "set", nil, "record field as key=value (repeatable)")
	}
	recordUpdateCmd.Flags().Int64Var(&recordExpectVersion, "expect-version", 0, "fail unless the stored version matches")
	recordListCmd.Flags().BoolVar(&recordListDeleted, "deleted", false, "list soft-deleted records only")
	recordListCmd.Flags().BoolVar(&recordListAll, "all", false, "list active and deleted records")

	recordCmd.AddCommand(recordAddCmd, recordGetCmd, recordListCmd, recordUpdateCmd,
		recordDeleteCmd, recordRestoreCmd, recordPurgeCmd)
	rootCmd.AddCommand(recordCmd)
}
