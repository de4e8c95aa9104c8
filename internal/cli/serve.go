package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/qrclock/attendcore/pkg/attendcore"
	"github.com/qrclock/attendcore/pkg/color"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync and cleanup schedulers",
	Long: `Run the background services in the foreground: the connection monitor,
the sync scheduler and the storage cleanup scheduler.

With --addr a Prometheus /metrics endpoint and a /healthz endpoint are
served. The writer lease, when enabled, is held and renewed until exit.

Examples:
  attendctl serve                  # serve metrics on :2112
  attendctl serve --addr :9090     # custom port
  attendctl serve --addr ""        # schedulers only`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		core, err := openCore(ctx)
		if err != nil {
			return err
		}
		defer core.Close()

		release, err := core.HoldWriterLease(ctx, "serve")
		if err != nil {
			return err
		}
		defer release()

		if err := core.Start(ctx); err != nil {
			return err
		}

		if serveAddr == "" {
			fmt.Println("Schedulers running. Press Ctrl+C to stop")
			<-ctx.Done()
			return nil
		}

		srv := &http.Server{
			Addr:              serveAddr,
			Handler:           serveMux(core),
			ReadHeaderTimeout: 5 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		fmt.Printf("Metrics available at %s\n", color.Highlight("http://"+serveAddr+"/metrics"))
		fmt.Println("Press Ctrl+C to stop")

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func serveMux(core *attendcore.Core) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", core.Metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		st, err := core.Queue.Status(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"connection": core.Monitor.Status(),
			"queue":      st,
		})
	})
	return mux
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":2112", "metrics listen address (empty disables)")
	rootCmd.AddCommand(serveCmd)
}
