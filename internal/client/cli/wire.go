package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/dmitrijs2005/msgvault/internal/client/cache"
	"github.com/dmitrijs2005/msgvault/internal/client/config"
	"github.com/dmitrijs2005/msgvault/internal/client/folders"
	"github.com/dmitrijs2005/msgvault/internal/client/metrics"
	"github.com/dmitrijs2005/msgvault/internal/client/migration"
	"github.com/dmitrijs2005/msgvault/internal/client/notify"
	"github.com/dmitrijs2005/msgvault/internal/client/remote"
	"github.com/dmitrijs2005/msgvault/internal/client/remote/memchannel"
	"github.com/dmitrijs2005/msgvault/internal/client/remote/s3channel"
	"github.com/dmitrijs2005/msgvault/internal/client/remote/sqlitechannel"
	"github.com/dmitrijs2005/msgvault/internal/client/resilience"
	"github.com/dmitrijs2005/msgvault/internal/client/services"
	"github.com/dmitrijs2005/msgvault/internal/client/transfer"
	"github.com/dmitrijs2005/msgvault/internal/filex"
	"github.com/dmitrijs2005/msgvault/internal/logging"
)

// openChannel connects the configured backend. The returned closer may be nil.
func openChannel(ctx context.Context, cfg *config.Config) (remote.Channel, func() error, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return memchannel.New(), nil, nil

	case config.BackendSQLite:
		if _, err := filex.EnsureDir(cfg.DataDir); err != nil {
			return nil, nil, err
		}
		ch, err := sqlitechannel.Open(ctx, cfg.RemoteDBPath())
		if err != nil {
			return nil, nil, err
		}
		return ch, ch.Close, nil

	case config.BackendS3:
		ch, err := s3channel.New(ctx, s3Config(cfg))
		if err != nil {
			return nil, nil, err
		}
		return ch, nil, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

func s3Config(cfg *config.Config) s3channel.Config {
	return s3channel.Config{
		Bucket:       cfg.S3Bucket,
		Region:       cfg.S3Region,
		BaseEndpoint: cfg.S3BaseEndpoint,
		AccessKey:    cfg.S3AccessKey,
		SecretKey:    cfg.S3SecretKey,
	}
}

// connector rebuilds the handle after a failed health probe. Only the S3
// backend has client state worth rebuilding.
func connector(cfg *config.Config) remote.Connector {
	if cfg.Backend != config.BackendS3 {
		return nil
	}
	return func(ctx context.Context) (remote.Channel, error) {
		return s3channel.New(ctx, s3Config(cfg))
	}
}

// NewApp validates cfg and builds every component the CLI needs.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := logging.NewTextLogger(os.Stderr, cfg.LogLevel)

	ch, closer, err := openChannel(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", cfg.Backend, err)
	}
	session := remote.NewSession(ch, connector(cfg))

	c := cache.New(cfg.DataDir, logger)
	if err := c.EnsureLoaded(ctx); err != nil {
		if closer != nil {
			_ = closer()
		}
		return nil, err
	}

	sink := notify.Multi(notify.NewConsoleSink(os.Stdout), notify.NewLogSink(logger))

	controller := resilience.NewController(session, logger, resilience.WithObserver(metrics.Observer{}))
	resolver := folders.NewResolver(c, session, logger)
	engine := transfer.NewEngine(c, resolver, session, controller, logger,
		transfer.WithMaxUploadSize(cfg.MaxUploadSize),
		transfer.WithSink(sink),
	)
	migrator := migration.New(c, resolver, engine, logger,
		migration.WithPacing(cfg.MigrationPacing),
		migration.WithSink(sink),
	)

	app := &App{
		config:  cfg,
		svc:     services.NewStorageService(c, session, resolver, engine, migrator, logger),
		session: session,
		logger:  logger,
		out:     os.Stdout,
		reader:  bufio.NewReader(os.Stdin),
	}
	if closer != nil {
		app.closers = append(app.closers, closer)
	}
	return app, nil
}
