package internal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/DukeRupert/riskquota/internal/catalog"
	"github.com/DukeRupert/riskquota/internal/service"
	"github.com/DukeRupert/riskquota/internal/storage"
	"github.com/DukeRupert/riskquota/internal/store"
	"github.com/DukeRupert/riskquota/internal/store/memory"
	"github.com/DukeRupert/riskquota/internal/store/postgres"
)

// App holds the ledger, catalog and services shared by the server and the
// admin CLI.
type App struct {
	Store    store.Store
	Catalog  *catalog.Catalog
	Quota    service.QuotaService
	Trials   service.TrialService
	Abuse    service.AbuseService
	Archiver service.Archiver

	closers []func() error
}

// NewApp opens the ledger and builds the services from cfg.
func NewApp(ctx context.Context, cfg *Config, logger *slog.Logger) (*App, error) {
	app := &App{}

	cat, err := LoadCatalog(cfg)
	if err != nil {
		return nil, err
	}
	app.Catalog = cat

	st, closeStore, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	app.Store = st
	app.closers = append(app.closers, closeStore)

	if err := st.SyncTiers(ctx, cat.Ordered()); err != nil {
		app.Close()
		return nil, fmt.Errorf("sync tier catalog: %w", err)
	}

	var sinks []service.FunnelSink
	if cfg.RedisURL != "" {
		sink, err := service.NewRedisFunnelSink(ctx, cfg.RedisURL, cfg.FunnelStream, cfg.FunnelStreamMaxLen)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("funnel stream: %w", err)
		}
		sinks = append(sinks, sink)
		app.closers = append(app.closers, sink.Close)
		logger.Info("Funnel events published to Redis", "stream", cfg.FunnelStream)
	}
	funnel := service.NewFunnelRecorder(st, logger, sinks...)

	app.Quota = service.NewQuotaService(st, st, cat, logger)
	app.Trials = service.NewTrialService(st, st, cat, funnel, service.TrialConfig{
		ReportsLimit: cfg.TrialReportsLimit,
		Duration:     cfg.TrialDuration,
	}, logger)
	app.Abuse = service.NewAbuseService(st, logger)

	archive, err := storage.New(StorageConfig(cfg), logger)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("archive storage: %w", err)
	}
	app.Archiver = service.NewArchiver(st, archive, cfg.ArchiveRetentionMonths, logger)

	return app, nil
}

// Close releases the ledger connection and the funnel stream.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// LoadCatalog reads CATALOG_PATH, or the embedded catalog when unset, and
// checks tier monotonicity.
func LoadCatalog(cfg *Config) (*catalog.Catalog, error) {
	var (
		cat *catalog.Catalog
		err error
	)
	if cfg.CatalogPath != "" {
		cat, err = catalog.LoadFile(cfg.CatalogPath)
	} else {
		cat, err = catalog.Default()
	}
	if err != nil {
		return nil, fmt.Errorf("load tier catalog: %w", err)
	}
	return cat, nil
}

// OpenStore connects the configured ledger. PostgreSQL is migrated before
// use. The returned func closes the connection.
func OpenStore(ctx context.Context, cfg *Config, logger *slog.Logger) (store.Store, func() error, error) {
	switch cfg.StoreProvider {
	case "memory":
		logger.Warn("Using in-memory ledger, usage is lost on restart")
		return memory.New(), func() error { return nil }, nil
	case "postgres":
	default:
		return nil, nil, fmt.Errorf("unknown store provider %q", cfg.StoreProvider)
	}

	db, err := sql.Open("pgx", cfg.DatabaseUrl)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("database ping failed: %w", err)
	}
	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migration failed: %w", err)
	}
	logger.Info("Database ready")

	return postgres.New(db, cfg.LedgerLockTimeout), db.Close, nil
}

// StorageConfig maps the archive settings to a storage provider config.
func StorageConfig(cfg *Config) storage.Config {
	return storage.Config{
		Provider: cfg.StorageProvider,
		Local: storage.LocalConfig{
			BasePath: cfg.LocalStoragePath,
		},
		R2: storage.R2Config{
			AccountID:       cfg.R2AccountID,
			AccessKeyID:     cfg.R2AccessKeyID,
			SecretAccessKey: cfg.R2SecretAccessKey,
			BucketName:      cfg.R2BucketName,
			Region:          "auto",
		},
	}
}
