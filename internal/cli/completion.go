package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/qrclock/attendcore/pkg/model"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion script",
	Long: `Generate shell completion script for attendctl.

Bash:
  source <(attendctl completion bash)

Zsh:
  attendctl completion zsh > "${fpath[1]}/_attendctl"

Fish:
  attendctl completion fish | source

PowerShell:
  attendctl completion powershell | Out-String | Invoke-Expression`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "bash":
			return cmd.Root().GenBashCompletion(os.Stdout)
		case "zsh":
			return cmd.Root().GenZshCompletion(os.Stdout)
		case "fish":
			return cmd.Root().GenFishCompletion(os.Stdout, true)
		case "powershell":
			return cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
		}
		return fmt.Errorf("unsupported shell type: %s", args[0])
	},
}

// completeCollection completes the collection argument of record commands.
func completeCollection(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	names := make([]string, len(model.RecordCollections))
	for i, c := range model.RecordCollections {
		names[i] = string(c)
	}
	return names, cobra.ShellCompDirectiveNoFileComp
}

func init() {
	for _, c := range []*cobra.Command{recordAddCmd, recordGetCmd, recordListCmd, recordUpdateCmd,
		recordDeleteCmd, recordRestoreCmd, recordPurgeCmd, verifyCmd, repairCmd} {
		c.ValidArgsFunction = completeCollection
	}
	rootCmd.AddCommand(completionCmd)
}
