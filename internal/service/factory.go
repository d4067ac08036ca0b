// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cardscout/internal/catalog"
	"github.com/xkilldash9x/cardscout/internal/config"
	"github.com/xkilldash9x/cardscout/internal/fetcher"
	"github.com/xkilldash9x/cardscout/internal/generation"
	"github.com/xkilldash9x/cardscout/internal/network"
	"github.com/xkilldash9x/cardscout/internal/objecturl"
	"github.com/xkilldash9x/cardscout/internal/observability"
	"github.com/xkilldash9x/cardscout/internal/sampler"
	"github.com/xkilldash9x/cardscout/internal/sandbox"
	"github.com/xkilldash9x/cardscout/internal/sources/chub"
	"github.com/xkilldash9x/cardscout/internal/sources/quillgen"
	"github.com/xkilldash9x/cardscout/internal/store"
	"github.com/xkilldash9x/cardscout/internal/transport"
)

// ComponentFactory builds the component graph for one command run.
// This abstraction is what keeps the commands testable.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

// FactoryOption customizes the production factory.
type FactoryOption func(*concreteFactory)

// WithRegisterer registers metrics somewhere other than the default registry.
func WithRegisterer(reg prometheus.Registerer) FactoryOption {
	return func(f *concreteFactory) { f.registerer = reg }
}

// WithHTTPClient replaces the tuned network client.
func WithHTTPClient(client fetcher.HTTPClient) FactoryOption {
	return func(f *concreteFactory) { f.httpClient = client }
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct {
	registerer prometheus.Registerer
	httpClient fetcher.HTTPClient
}

// NewComponentFactory creates a new production-ready component factory.
func NewComponentFactory(opts ...FactoryOption) ComponentFactory {
	f := &concreteFactory{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Create wires configuration into a ready component graph. Nothing touches the
// network here: the runtime loads on first use and the store is only dialed
// when a URL is configured.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	if logger == nil {
		logger = observability.GetLogger()
	}
	components := &Components{
		Config: cfg,
		Logger: logger,
		Guard:  generation.New(),
		Blobs:  objecturl.NewRegistry(),
	}
	components.Display = objecturl.NewSlot("display")

	// Ensure cleanup happens if initialization fails midway.
	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Metrics
	observer, err := observability.NewFetchObserver(cfg.Metrics().Namespace, f.registerer)
	if err != nil {
		initializationErr = fmt.Errorf("failed to register metrics: %w", err)
		return nil, initializationErr
	}
	components.Observer = observer

	// 2. Transports and chains
	registry, err := transport.NewRegistryFromConfig(cfg.Relays())
	if err != nil {
		initializationErr = fmt.Errorf("failed to build strategy registry: %w", err)
		return nil, initializationErr
	}
	resolver, err := registry.NewResolver(cfg.Chains())
	if err != nil {
		initializationErr = fmt.Errorf("failed to build chain resolver: %w", err)
		return nil, initializationErr
	}
	components.Registry = registry
	components.Resolver = resolver
	logger.Debug("Chain resolver initialized.", zap.Strings("services", resolver.Services()))

	// 3. Sandboxed runtime
	if cfg.Runtime().Enabled {
		runtime := sandbox.NewChromeRuntime(cfg.Runtime(), logger)
		opts := sandbox.OptionsFromConfig(cfg.Runtime())
		opts.Recorder = observer
		components.runtime = runtime
		components.Loader = sandbox.NewMemoLoader(runtime, opts, logger)
		logger.Debug("Sandboxed runtime configured; it loads on first use.")
	} else {
		components.Loader = sandbox.Disabled{}
		observer.RecordRuntimeAvailability(transport.SandboxedRuntime.Name, false)
		logger.Debug("Sandboxed runtime disabled.")
	}

	// 4. Fetcher
	client := f.httpClient
	if client == nil {
		httpClient := network.NewClient(cfg.Network(), logger)
		components.httpClient = httpClient
		client = httpClient
	}
	settings := fetcher.SettingsFromConfig(cfg)
	settings.Recorder = observer
	components.Fetcher = fetcher.New(client, resolver, components.Loader, settings, logger)

	// 5. Consumers
	components.Sampler = sampler.New(components.Fetcher, cfg.Sampler().MaxWalkDepth, logger)
	components.Chub = chub.NewClient(components.Fetcher, logger)
	// The bearer header reaches QuillGen through the fetcher's auth merge;
	// the bare key is only needed to sign card image URLs.
	components.Quillgen = quillgen.NewClient(components.Fetcher, quillgen.KeyFromAuth(cfg.Auth()[quillgen.ServiceID]), logger)
	cat, err := catalog.New(components.Fetcher, cfg.Catalog().BaseURL, cfg.Catalog().CacheSize, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to create catalog: %w", err)
		return nil, initializationErr
	}
	components.Catalog = cat

	// 6. Optional store
	if cfg.Store().URL == "" {
		logger.Debug("No store URL configured; history is not persisted.")
		return components, nil
	}
	dbPool, err := pgxpool.New(ctx, cfg.Store().URL)
	if err != nil {
		initializationErr = fmt.Errorf("failed to create database connection pool: %w", err)
		return nil, initializationErr
	}
	// Add to components immediately so the deferred Shutdown can close it if later steps fail.
	components.DBPool = dbPool

	if err := dbPool.Ping(ctx); err != nil {
		initializationErr = fmt.Errorf("failed to ping database: %w", err)
		return nil, initializationErr
	}
	dbStore := store.New(dbPool, cfg.Store().MaxRecentlyViewed, logger)
	if err := dbStore.EnsureSchema(ctx); err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Store = dbStore
	logger.Debug("Store initialized.")

	return components, nil
}

var _ fetcher.HTTPClient = (*http.Client)(nil)
