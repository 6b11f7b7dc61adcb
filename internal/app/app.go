// Package app wires configuration into a running engine: logger, store, sinks, identity resolver.
package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"moltmarket/internal/activity"
	"moltmarket/internal/config"
	"moltmarket/internal/db"
	"moltmarket/internal/engine"
	"moltmarket/internal/engine/auth"
	"moltmarket/internal/logger"
	"moltmarket/internal/migrate"
	"moltmarket/internal/server"
	"moltmarket/internal/telemetry"
)

// App owns every long-lived resource behind an engine. Close releases them in reverse order.
type App struct {
	Config   *config.Config
	DB       *sql.DB
	Engine   engine.Engine
	Recorder *activity.Recorder
	Resolver *auth.Resolver
	Logger   *slog.Logger

	provider *sdkmetric.MeterProvider
	reader   *sdkmetric.ManualReader
}

// LoggerConfig maps the logging section onto the logger package.
func LoggerConfig(c config.LoggingConfig) logger.Config {
	return logger.Config{
		Level:       c.Level,
		Format:      c.Format,
		OutputPaths: c.OutputPaths,
		Rotation: logger.RotationConfig{
			MaxSizeMB:  c.Rotation.MaxSizeMB,
			MaxBackups: c.Rotation.MaxBackups,
			MaxAgeDays: c.Rotation.MaxAgeDays,
			Compress:   c.Rotation.Compress,
		},
	}
}

// Open builds the engine described by cfg. withSinks controls whether external activity
// sinks are dialed; one-shot CLI commands leave them off.
func Open(ctx context.Context, cfg *config.Config, withSinks bool) (_ *App, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := logger.Init(LoggerConfig(cfg.Logging)); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a.Logger = logger.Named("app")

	a.DB, err = db.Open(db.Config{
		Driver:          cfg.Database.Driver,
		Workspace:       cfg.Database.Workspace,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.MigrateDialect(a.DB, cfg.Database.Driver); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	e := engine.New(a.DB, cfg)
	e.Logger = logger.Named("engine")
	if cfg.Telemetry.Enabled {
		a.provider, a.reader = telemetry.NewProvider()
		if e.Metrics, err = telemetry.NewMetrics(a.provider); err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
	}

	var sinks []activity.Sink
	if withSinks {
		if sinks, err = buildSinks(ctx, cfg.Activity); err != nil {
			return nil, err
		}
	}
	a.Recorder = activity.NewRecorder(e.Repo, sinks...)
	a.Recorder.Logger = logger.Named("activity")
	e.Activity = a.Recorder

	secret := cfg.Auth.SessionSecret
	if secret == "" {
		// Sessions will not survive a restart.
		a.Logger.Warn("auth.session_secret is empty; using an ephemeral secret")
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, err
		}
		secret = hex.EncodeToString(buf)
	}
	a.Resolver, err = auth.NewResolver(e.Repo, auth.Options{
		SessionSecret: secret,
		SessionTTL:    cfg.Auth.SessionTTL,
		CacheTTL:      cfg.Auth.KeyCacheTTL,
		CacheSize:     cfg.Auth.KeyCacheSize,
		Logger:        logger.Named("auth"),
	})
	if err != nil {
		return nil, err
	}
	e.Auth = a.Resolver
	a.Engine = e
	return a, nil
}

func buildSinks(ctx context.Context, c config.ActivityConfig) ([]activity.Sink, error) {
	var sinks []activity.Sink
	fail := func(err error) ([]activity.Sink, error) {
		for _, s := range sinks {
			s.Close()
		}
		return nil, err
	}
	if c.Sinks.NATS.URL != "" {
		s, err := activity.NewNATSSink(c.Sinks.NATS.URL, c.Sinks.NATS.Subject)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
	}
	if c.Sinks.Redis.Addr != "" {
		s, err := activity.NewRedisSink(ctx, c.Sinks.Redis.Addr, c.Sinks.Redis.Password, c.Sinks.Redis.DB, c.Sinks.Redis.Channel)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
	}
	if c.Sinks.AMQP.URL != "" {
		s, err := activity.NewAMQPSink(c.Sinks.AMQP.URL, c.Sinks.AMQP.Queue)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
	}
	for _, hook := range c.Sinks.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		sinks = append(sinks, activity.NewWebhookSink(hook.URL, hook.Events))
	}
	return sinks, nil
}

// Handler builds the HTTP API for the app's engine.
func (a *App) Handler() (http.Handler, error) {
	return server.New(server.Config{
		Engine:      a.Engine,
		BasePath:    a.Config.Server.BasePath,
		ServiceName: a.Config.Telemetry.ServiceName,
		StatsTTL:    a.Config.Stats.CacheTTL,
		Logger:      logger.Named("http"),
	})
}

// MetricTotals returns counter totals since start. It is empty when telemetry is disabled.
func (a *App) MetricTotals(ctx context.Context) (map[string]int64, error) {
	if a.reader == nil {
		return map[string]int64{}, nil
	}
	return telemetry.Sums(ctx, a.reader)
}

// Close drains activity sinks, then releases the cache, metrics and database.
func (a *App) Close() error {
	var errs []error
	if a.Recorder != nil {
		errs = append(errs, a.Recorder.Close())
	}
	if a.Resolver != nil {
		a.Resolver.Close()
	}
	if a.provider != nil {
		errs = append(errs, a.provider.Shutdown(context.Background()))
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
