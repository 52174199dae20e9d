package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/greyhat-cli/api/schemas"
	"github.com/xkilldash9x/greyhat-cli/internal/config"
	"github.com/xkilldash9x/greyhat-cli/internal/provider"
	"github.com/xkilldash9x/greyhat-cli/internal/session"
	"github.com/xkilldash9x/greyhat-cli/internal/store"
	"github.com/xkilldash9x/greyhat-cli/internal/tooladapter"
	"github.com/xkilldash9x/greyhat-cli/internal/voice"
)

// components holds the initialized services shared by the CLI commands.
type components struct {
	Manager *session.Manager
	Store   *store.Store
	DBPool  *pgxpool.Pool
}

// Shutdown winds down running sessions and closes the database pool.
func (c *components) Shutdown(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if c.Manager != nil {
		c.Manager.Shutdown(shutdownCtx)
	}
	if c.DBPool != nil {
		c.DBPool.Close()
	}
}

// initializeComponents handles dependency injection for the session pipeline.
func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger, observers ...session.Observer) (*components, error) {
	c := &components{}

	if len(cfg.Providers.Backends) == 0 {
		return nil, fmt.Errorf("no provider backends configured (providers.backends)")
	}
	providers, err := provider.BuildAll(cfg.Providers.Backends, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build provider backends: %w", err)
	}
	health := provider.NewHealthRegistry(logger, cfg.Providers)
	pool, err := provider.NewPool(logger, cfg.Providers, providers, health)
	if err != nil {
		return nil, fmt.Errorf("failed to build provider pool: %w", err)
	}

	bindings := []tooladapter.Binding{
		tooladapter.NewExecBinding(logger, cfg.Tools.AllowedBinaries),
		tooladapter.NewNmapBinding(logger),
	}
	if cfg.Tools.Browser.Enabled {
		bindings = append(bindings, tooladapter.NewBrowserBinding(logger, cfg.Tools.Browser))
	}
	adapter := tooladapter.New(logger, cfg.Tools, bindings...)

	// The store is optional; without it sessions are not durable.
	var sessionStore schemas.Store
	if cfg.Database.URL != "" {
		dbPool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		c.DBPool = dbPool

		dbStore, err := store.New(ctx, dbPool, logger)
		if err != nil {
			c.Shutdown(ctx)
			return nil, fmt.Errorf("failed to initialize session store: %w", err)
		}
		c.Store = dbStore
		sessionStore = dbStore
	}

	c.Manager = session.NewManager(logger, cfg, pool, adapter, sessionStore, observers...)

	// The narrator is registered whenever credentials exist; each session
	// opts in through its start options.
	if cfg.Voice.APIKey != "" {
		c.Manager.SetVoiceObserver(voice.NewAnnouncer(logger, cfg.Voice))
	} else if cfg.Voice.Enabled {
		logger.Warn("Voice narration enabled but GREYHAT_ELEVENLABS_API_KEY is not set; disabling")
	}
	return c, nil
}
