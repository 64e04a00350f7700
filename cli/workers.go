package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"hcc.evalgo.org/analyzer"
	"hcc.evalgo.org/common"
	"hcc.evalgo.org/extractor"
	"hcc.evalgo.org/models"
	"hcc.evalgo.org/rules"
	"hcc.evalgo.org/validator"
)

// Worker run modes. Batch drains pending work once and exits; consumer
// follows the queue until shutdown; both does batch first, then consumes.
const (
	modeBatch    = "batch"
	modeConsumer = "consumer"
	modeBoth     = "both"
)

var workerMode string

func init() {
	for _, cmd := range []*cobra.Command{extractorCmd, analyzerCmd, validatorCmd} {
		cmd.Flags().StringVar(&workerMode, "mode", modeConsumer, "run mode: batch, consumer, or both")
		RootCmd.AddCommand(cmd)
	}
}

func validMode() error {
	switch workerMode {
	case modeBatch, modeConsumer, modeBoth:
		return nil
	default:
		return fmt.Errorf("unknown mode %q, want batch, consumer, or both", workerMode)
	}
}

// runWorker executes the batch and consumer phases per the selected mode.
// Consumer loops end with context.Canceled on clean shutdown, which is not
// an error.
func runWorker(ctx context.Context, log *common.ContextLogger, batch func(context.Context) error, consume func(context.Context) error) error {
	log.WithField("mode", workerMode).Info("Worker starting")

	if workerMode == modeBatch || workerMode == modeBoth {
		if err := common.LogOperation(log, "batch", func() error { return batch(ctx) }); err != nil {
			return err
		}
		if workerMode == modeBatch {
			return nil
		}
	}

	if err := consume(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("Worker stopped")
	return nil
}

var extractorCmd = &cobra.Command{
	Use:   "extractor",
	Short: "run the extraction stage worker",
	Long: `Consumes document.uploaded events, parses the clinical note into
structured conditions (rule-based with optional LLM assistance), stores the
extraction artifact, and emits document.extraction.completed.

In batch mode the watcher directory is processed directly instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validMode(); err != nil {
			return err
		}
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

		ref, err := rt.reference()
		if err != nil {
			return err
		}
		client, err := rt.llmClient(ctx)
		if err != nil {
			return err
		}

		w := extractor.New(rt.stageDeps(), client, ref)
		return runWorker(ctx, common.ServiceLogger("extractor", cfg.Service.Version),
			func(ctx context.Context) error {
				return w.RunBatch(ctx, cfg.Watcher.Directory, cfg.Watcher.Extensions)
			},
			func(ctx context.Context) error {
				return rt.consume(ctx, models.QueueExtractor, models.RouteDocumentUploaded, w.Handler())
			},
		)
	},
}

var analyzerCmd = &cobra.Command{
	Use:   "analyzer",
	Short: "run the HCC analysis stage worker",
	Long: `Consumes document.extraction.completed events, determines HCC relevance
for every condition against the reference table (LLM-enriched when
configured), stores the analysis artifact, and emits
document.analysis.completed.

In batch mode, Extracting documents with a recorded extraction artifact are
re-driven from the registry.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validMode(); err != nil {
			return err
		}
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

		ref, err := rt.reference()
		if err != nil {
			return err
		}
		client, err := rt.llmClient(ctx)
		if err != nil {
			return err
		}

		w := analyzer.New(rt.stageDeps(), client, ref)
		return runWorker(ctx, common.ServiceLogger("analyzer", cfg.Service.Version),
			w.RunBatch,
			func(ctx context.Context) error {
				return rt.consume(ctx, models.QueueAnalyzer, models.RouteExtractionCompleted, w.Handler())
			},
		)
	},
}

var validatorCmd = &cobra.Command{
	Use:   "validator",
	Short: "run the compliance validation stage worker",
	Long: `Consumes document.analysis.completed events, applies the compliance
rules to every condition, stores the validation report, completes the
document, and emits document.validation.completed.

In batch mode, Analyzing documents with a recorded analysis artifact are
re-driven from the registry.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validMode(); err != nil {
			return err
		}
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

		ref, err := rt.reference()
		if err != nil {
			return err
		}

		w := validator.New(rt.stageDeps(), rules.NewComplianceEngine(ref))
		return runWorker(ctx, common.ServiceLogger("validator", cfg.Service.Version),
			w.RunBatch,
			func(ctx context.Context) error {
				return rt.consume(ctx, models.QueueValidator, models.RouteAnalysisCompleted, w.Handler())
			},
		)
	},
}
