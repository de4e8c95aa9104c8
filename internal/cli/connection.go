package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/qrclock/attendcore/pkg/attendcore"
	"github.com/qrclock/attendcore/pkg/color"
	"github.com/qrclock/attendcore/pkg/model"
)

var connectionCmd = &cobra.Command{
	Use:   "connection",
	Short: "Connectivity status",
}

var connectionCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Probe connection.probe_url and report link quality",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core *attendcore.Core) error {
			st := core.Monitor.CheckConnection(ctx)
			if jsonOutput {
				return outputJSON(st)
			}
			online := color.Error("offline")
			if st.Online {
				online = color.Success("online")
			}
			fmt.Printf("Status:  %s\n", online)
			fmt.Printf("Quality: %s\n", qualityLabel(st.Quality))
			if st.LatencyEstimateMs != nil {
				fmt.Printf("Latency: %d ms\n", *st.LatencyEstimateMs)
			}
			if core.Config().Connection.ProbeURL == "" {
				fmt.Println(color.Dim("No probe_url configured; quality is not measured."))
			}
			return nil
		})
	},
}

func qualityLabel(q model.Quality) string {
	switch q {
	case model.QualityGood:
		return color.Success(string(q))
	case model.QualityMedium:
		return color.Info(string(q))
	case model.QualityPoor, model.QualityOffline:
		return color.Warning(string(q))
	default:
		return color.Dim(string(q))
	}
}

func init() {
	connectionCmd.AddCommand(connectionCheckCmd)
	rootCmd.AddCommand(connectionCmd)
}
