package cli

import (
	"context"
	"fmt"

	"hcc.evalgo.org/cache"
	"hcc.evalgo.org/common"
	"hcc.evalgo.org/config"
	"hcc.evalgo.org/db"
	"hcc.evalgo.org/hccref"
	"hcc.evalgo.org/llm"
	"hcc.evalgo.org/models"
	"hcc.evalgo.org/queue"
	"hcc.evalgo.org/registry"
	"hcc.evalgo.org/stage"
	"hcc.evalgo.org/storage"
)

// runtime holds the collaborators shared by every service.
type runtime struct {
	cfg      *config.Config
	registry *registry.Registry
	store    storage.Store
	bus      *queue.RabbitMQBus
	markers  *cache.Markers
}

// newRuntime connects registry, artifact store, broker, and the optional
// marker cache. Callers must Close it.
func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	gdb, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, err
	}

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return nil, err
	}

	bus, err := queue.NewRabbitMQBus(cfg.Broker)
	if err != nil {
		return nil, err
	}

	markers, err := cache.NewMarkers(ctx, cfg.Cache)
	if err != nil {
		bus.Close()
		return nil, err
	}

	return &runtime{
		cfg:      cfg,
		registry: registry.New(gdb),
		store:    store,
		bus:      bus,
		markers:  markers,
	}, nil
}

func (r *runtime) Close() {
	if err := r.bus.Close(); err != nil {
		common.Logger.WithError(err).Warn("Broker close failed")
	}
	if err := r.markers.Close(); err != nil {
		common.Logger.WithError(err).Warn("Cache close failed")
	}
}

// stageDeps bundles the collaborators the way the workers expect them.
func (r *runtime) stageDeps() stage.Deps {
	return stage.Deps{
		Registry: r.registry,
		Store:    r.store,
		Bus:      r.bus,
		Markers:  r.markers,
	}
}

// reference loads the HCC code table.
func (r *runtime) reference() (*hccref.Reference, error) {
	ref, err := hccref.Load(r.cfg.Reference.CSVPath, r.cfg.Reference.ReloadTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to load HCC reference: %w", err)
	}
	common.Logger.WithField("codes", ref.Len()).Info("HCC reference loaded")
	return ref, nil
}

// llmClient builds the Gemini client, or the disabled stand-in when no key
// is configured.
func (r *runtime) llmClient(ctx context.Context) (llm.Client, error) {
	client, err := llm.NewGeminiClient(ctx, r.cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	if _, disabled := client.(llm.Disabled); disabled {
		common.Logger.Info("LLM disabled, running rule-based only")
	}
	return client, nil
}

// consume binds the queue and runs the handler loop until the context ends.
func (r *runtime) consume(ctx context.Context, queueName, routingKey string, handler queue.DeliveryHandler) error {
	if err := r.bus.DeclareQueue(queueName, routingKey); err != nil {
		return err
	}
	return r.bus.Consume(ctx, queueName, handler)
}

// declarePipeline declares every stage queue so events published before the
// consumers start are not lost.
func (r *runtime) declarePipeline() error {
	bindings := []struct {
		queue string
		key   string
	}{
		{models.QueueExtractor, models.RouteDocumentUploaded},
		{models.QueueAnalyzer, models.RouteExtractionCompleted},
		{models.QueueValidator, models.RouteAnalysisCompleted},
	}
	for _, b := range bindings {
		if err := r.bus.DeclareQueue(b.queue, b.key); err != nil {
			return err
		}
	}
	return nil
}
