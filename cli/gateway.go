package cli

import (
	"errors"
	"net/http"

	"github.com/spf13/cobra"

	"hcc.evalgo.org/common"
	"hcc.evalgo.org/gateway"
	hcchttp "hcc.evalgo.org/http"
)

func init() {
	RootCmd.AddCommand(gatewayCmd)
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "run the HTTP document gateway",
	Long: `Serves the document API: upload, listing, download, reprocess, delete,
and status aggregates. Uploads are stored, registered, and handed to the
pipeline over the broker.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signalContext()
		defer stop()

		rt, err := newRuntime(ctx, cfg)
		if err != nil {
			return err
		}
		defer rt.Close()

		// Bind the extractor queue so uploads published before any worker
		// starts are retained.
		if err := rt.declarePipeline(); err != nil {
			return err
		}

		e := hcchttp.NewEchoServer(cfg.Server, cfg.Security)
		e.GET("/health", hcchttp.HealthCheckHandler(cfg.Service.Name, cfg.Service.Version))
		gateway.New(rt.registry, rt.store, rt.bus, rt.markers).Register(e)

		errCh := make(chan error, 1)
		go func() {
			if err := hcchttp.StartServer(e, cfg.Server); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		if err := hcchttp.GracefulShutdown(e, cfg.Server.ShutdownTimeout); err != nil {
			common.Logger.WithError(err).Error("Shutdown failed")
			return err
		}
		return nil
	},
}
