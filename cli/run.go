package cli

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/weftlabs/weft/internal/colors"
	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/docstore"
	"github.com/weftlabs/weft/internal/driver"
	"github.com/weftlabs/weft/internal/logging"
)

var runMetricsAddr string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync engine until interrupted",
	Long: `Run watches the project directory, commits local edits onto the
checked-out branch, mirrors remote commits back to disk and replicates
with the configured sync server.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := findRoot()
		if err != nil {
			return err
		}
		cfg, err := config.Load(root)
		if err != nil {
			return err
		}
		if cfg.Project.MetadataDocID == "" {
			return fmt.Errorf("project at %s is not initialized, run 'weft init'", root)
		}
		log := logging.New(logging.Options{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		d, err := driver.New(ctx, driver.Options{
			Root:           root,
			Username:       cfg.User.Name,
			ServerURL:      cfg.Server.URL,
			StorePath:      cfg.StorePath(root),
			MetadataDocID:  docstore.DocumentID(cfg.Project.MetadataDocID),
			IgnoreGlobs:    cfg.Project.Ignore,
			Codec:          sceneCodec(),
			Log:            log,
			ConnMaxRetries: cfg.Server.MaxRetries,
		})
		if err != nil {
			return err
		}

		if runMetricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			srv := &http.Server{Addr: runMetricsAddr, Handler: mux}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error().Err(err).Msg("metrics server failed")
				}
			}()
			defer srv.Close()
		}

		fmt.Printf("%s %s\n", colors.SuccessText("Syncing"), colors.Dim(root))
		if cfg.Server.URL != "" {
			fmt.Printf("  server: %s\n", colors.Cyan(cfg.Server.URL))
		} else {
			fmt.Printf("  %s\n", colors.Dim("offline, no server configured"))
		}

		d.Run(ctx)
		fmt.Println("Shutting down...")
		return d.Close(context.Background())
	},
}

func init() {
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics", "", "serve Prometheus metrics on this address")
}
