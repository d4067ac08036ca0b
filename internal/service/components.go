// File: internal/service/components.go
package service

import (
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cardscout/internal/catalog"
	"github.com/xkilldash9x/cardscout/internal/config"
	"github.com/xkilldash9x/cardscout/internal/fetcher"
	"github.com/xkilldash9x/cardscout/internal/generation"
	"github.com/xkilldash9x/cardscout/internal/objecturl"
	"github.com/xkilldash9x/cardscout/internal/observability"
	"github.com/xkilldash9x/cardscout/internal/sampler"
	"github.com/xkilldash9x/cardscout/internal/sandbox"
	"github.com/xkilldash9x/cardscout/internal/sources/chub"
	"github.com/xkilldash9x/cardscout/internal/sources/quillgen"
	"github.com/xkilldash9x/cardscout/internal/store"
	"github.com/xkilldash9x/cardscout/internal/transport"
)

// Components holds every initialized service a command needs and owns their
// lifecycle.
type Components struct {
	Config   config.Interface
	Logger   *zap.Logger
	Observer *observability.FetchObserver

	Registry *transport.Registry
	Resolver *transport.Resolver
	Loader   sandbox.Loader
	Fetcher  *fetcher.Fetcher

	Sampler  *sampler.Sampler
	Chub     *chub.Client
	Quillgen *quillgen.Client
	Catalog  *catalog.Catalog

	Guard   *generation.Guard
	Blobs   *objecturl.Registry
	Display *objecturl.Slot

	// Store is nil when no database is configured.
	Store  *store.Store
	DBPool *pgxpool.Pool

	runtime    *sandbox.ChromeRuntime
	httpClient *http.Client
}

// Shutdown releases everything in reverse dependency order. It is safe to call
// on partially built components.
func (c *Components) Shutdown() {
	logger := c.Logger
	if logger == nil {
		logger = observability.GetLogger()
	}
	logger.Debug("Beginning components shutdown sequence.")

	// 1. Release displayed content.
	if c.Display != nil {
		c.Display.Teardown()
	}

	// 2. Stop any runtime load and close the browser.
	if closer, ok := c.Loader.(interface{ Close() }); ok {
		closer.Close()
		logger.Debug("Runtime loader closed.")
	}
	if c.runtime != nil {
		c.runtime.Close()
		logger.Debug("Browser shut down.")
	}

	// 3. Drop idle connections.
	if c.httpClient != nil {
		c.httpClient.CloseIdleConnections()
	}

	// 4. Close the database connection pool.
	if c.DBPool != nil {
		c.DBPool.Close()
		logger.Debug("Database connection pool closed.")
	}

	logger.Debug("Components shutdown complete.")
}
