package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"hcc.evalgo.org/watcher"
)

func init() {
	RootCmd.AddCommand(watcherCmd)
}

var watcherCmd = &cobra.Command{
	Use:   "watcher",
	Short: "run the drop directory watcher",
	Long: `Polls the configured directory and ingests new files into the pipeline
the same way a gateway upload would: blob stored, registry row created,
document.uploaded published.`,
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

		if err := rt.declarePipeline(); err != nil {
			return err
		}

		w := watcher.New(cfg.Watcher, rt.registry, rt.store, rt.bus, rt.markers)
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}
