package cli

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/qrclock/attendcore/pkg/color"
)

// DataDirEnv overrides the default data directory.
const DataDirEnv = "ATTENDCORE_DATA_DIR"

var (
	jsonOutput bool
	noColor    bool
	dataDir    string
	actorID    string
	actorRole  string

	rootCmd = &cobra.Command{
		Use:   "attendctl",
		Short: "attendctl - offline-first attendance data core",
		Long: `attendctl operates an attendcore data directory: signed attendance
records, the hash-chained audit log, the priority sync queue, storage
quota management, and signed backups.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.Disable()
			}
			color.Init(noColor)
		},
	}
)

func init() {
	addGlobalFlags(rootCmd)
}

func addGlobalFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDataDir(), "attendcore data directory (env "+DataDirEnv+")")
	cmd.PersistentFlags().StringVar(&actorID, "actor", "cli", "actor ID recorded in the audit log")
	cmd.PersistentFlags().StringVar(&actorRole, "role", "admin", "actor role: admin, supervisor, worker or system")
}

func defaultDataDir() string {
	if v := os.Getenv(DataDirEnv); v != "" {
		return v
	}
	return ".attendcore"
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmtErr("%v", err)
		os.Exit(1)
	}
}

// outputJSON prints v as JSON if --json flag is set, otherwise does nothing.
func outputJSON(v any) error {
	if !jsonOutput {
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
