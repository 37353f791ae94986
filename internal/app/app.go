package app

import (
	"context"
	"fmt"

	"github.com/timmy/catalogsync/internal/config"
	"github.com/timmy/catalogsync/internal/logger"
	"github.com/timmy/catalogsync/internal/repository"
	"github.com/timmy/catalogsync/internal/service"
	"github.com/timmy/catalogsync/internal/source/catalog"
	"github.com/timmy/catalogsync/internal/storage"
	"gorm.io/gorm"
)

// App holds the wired services shared by the API server and the CLI.
type App struct {
	Config    *config.Config
	DB        *gorm.DB
	Connector *service.Connector
	Namer     *service.IndexNamer
	Queue     *service.Queue
	Replicas  *service.ReplicaManager
	Reindex   *service.ReindexService
}

// New wires every service from configuration.
// Parameters:
//   - ctx: context used while connecting to external services.
//   - cfg: validated configuration.
//
// Returns:
//   - *App: wired application.
//   - error: non-nil if the database or object storage cannot be initialized.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	api := repository.NewAlgoliaRepository(searchClientConfig(&cfg.Algolia))

	snapshots, err := storage.NewStorage(ctx, &cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	return Wire(cfg, db, api, snapshots), nil
}

func searchClientConfig(cfg *config.AlgoliaConfig) *repository.AlgoliaConnectionConfig {
	return &repository.AlgoliaConnectionConfig{
		ApplicationID: cfg.ApplicationID,
		APIKey:        cfg.APIKey,
		BaseURL:       cfg.BaseURL,
		Timeout:       cfg.Timeout,
		RetryCount:    cfg.RetryCount,
	}
}

// Wire builds the services over existing clients. snapshots may be nil.
func Wire(cfg *config.Config, db *gorm.DB, api service.SearchAPI, snapshots storage.ObjectStorage) *App {
	preparer := service.NewRecordPreparer(cfg.Algolia.MaxRecordSize, cfg.Algolia.NonCastableAttributes, cfg.Algolia.DateFields)
	connector := service.NewConnector(api, preparer, service.ConnectorConfig{
		PollInterval:   cfg.Algolia.TaskPollInterval,
		PollMaxRetries: cfg.Algolia.TaskPollMaxRetries,
	})
	namer := service.NewIndexNamer(cfg.Algolia.IndexPrefix, cfg.Stores)

	queue := service.NewQueue(repository.NewJobRepository(db), service.QueueConfig{
		Enabled:           cfg.Queue.Enabled,
		NumberOfJobsToRun: cfg.Queue.NumberOfJobsToRun,
		MaxRetries:        cfg.Queue.MaxRetries,
		PageSize:          cfg.Indexing.PageSize,
		LockTimeout:       cfg.Queue.LockTimeout,
	})

	replicas := service.NewReplicaManager(connector, namer, cfg.Stores, snapshots, service.ReplicaManagerConfig{
		DeleteRetries:       cfg.Replicas.DeleteRetries,
		DeleteRetryInterval: cfg.Replicas.DeleteRetryInterval,
		SnapshotSettings:    cfg.Replicas.SnapshotSettings,
		SnapshotPrefix:      cfg.Storage.Prefix,
	})

	deps := service.IndexerDeps{
		Connector:     connector,
		Namer:         namer,
		Queue:         queue,
		Emulator:      service.NewContextEmulator(cfg.Stores),
		ExtraSettings: cfg.Algolia.ExtraSettingsFor,
		PageSize:      cfg.Indexing.PageSize,
		UseTmpIndex:   cfg.Indexing.UseTmpIndex,
	}

	products := service.NewProductIndexer(catalog.NewProducts(db), cfg.Indexing.Products, deps, replicas)
	categories := service.NewCategoryIndexer(catalog.NewCategories(db), cfg.Indexing.Categories, deps)
	pages := service.NewPageIndexer(catalog.NewPages(db), cfg.Indexing.Pages, deps)
	suggestions := service.NewSuggestionIndexer(catalog.NewSuggestions(db), cfg.Indexing.Suggestions, deps)
	sections := service.NewSectionIndexer(catalog.NewProducts(db), cfg.Indexing.Sections, deps)

	reindex := service.NewReindexService(cfg.StoreIDs())
	products.RegisterHandlers(queue)
	reindex.Register(service.ProductsKind.Name, products.RebuildStore)
	categories.RegisterHandlers(queue)
	reindex.Register(service.CategoriesKind.Name, categories.RebuildStore)
	pages.RegisterHandlers(queue)
	reindex.Register(service.PagesKind.Name, pages.RebuildStore)
	suggestions.RegisterHandlers(queue)
	reindex.Register(service.SuggestionsKind.Name, suggestions.RebuildStore)
	sections.RegisterHandlers(queue)
	reindex.Register(service.SectionsClass, func(ctx context.Context, storeID int, _ []int) error {
		return sections.RebuildStore(ctx, storeID)
	})

	logger.Info("Services wired: stores=%d, queue_enabled=%t, tmp_index=%t, handlers=%d",
		len(cfg.Stores), cfg.Queue.Enabled, cfg.Indexing.UseTmpIndex, len(queue.Handlers()))

	return &App{
		Config:    cfg,
		DB:        db,
		Connector: connector,
		Namer:     namer,
		Queue:     queue,
		Replicas:  replicas,
		Reindex:   reindex,
	}
}

// StoreIDs returns storeID alone when set, otherwise every configured store.
func (a *App) StoreIDs(storeID int) []int {
	if storeID > 0 {
		return []int{storeID}
	}
	return a.Config.StoreIDs()
}
