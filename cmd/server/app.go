package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/example/proximity-matching/internal/config"
	"github.com/example/proximity-matching/internal/directory"
	"github.com/example/proximity-matching/internal/dispatch"
	"github.com/example/proximity-matching/internal/geo"
	httpapi "github.com/example/proximity-matching/internal/http"
	"github.com/example/proximity-matching/internal/ingest"
	"github.com/example/proximity-matching/internal/matcher"
	"github.com/example/proximity-matching/internal/presence"
	"github.com/example/proximity-matching/internal/session"
	"github.com/example/proximity-matching/internal/storage"
	"github.com/example/proximity-matching/internal/worker"
)

type app struct {
	cfg    config.ServerConfig
	logger *slog.Logger

	store    storage.Store
	redis    *redis.Client
	producer *ingest.KafkaProducer
	pool     *worker.Pool
	manager  *session.Manager
	presence *presence.Service
	webhook  *dispatch.Webhook
	sweeper  *cron.Cron
	server   *http.Server
}

func newApp(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger, migrations string) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	if a.store, err = openStore(ctx, cfg, migrations, logger); err != nil {
		return nil, err
	}

	var (
		index geo.Index
		dir   directory.Directory
	)
	readyChecks := map[string]httpapi.ReadyCheck{}
	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.redis.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
		}
		index = geo.NewRedisGeo(geo.NewGeoClient(a.redis), cfg.RedisGeoKey, logger)
		dir = directory.NewRedis(a.redis, "")
		readyChecks["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
		logger.Info("using redis geo index", "addr", cfg.RedisAddr, "key", cfg.RedisGeoKey)
	} else {
		index = geo.NewGrid(cfg.GridCellDegrees, logger)
		dir = directory.NewMemory()
		logger.Info("using in-memory grid index", "cell_degrees", cfg.GridCellDegrees)
	}

	a.presence = &presence.Service{Index: index, Directory: dir, Store: a.store, Logger: logger}
	if publishesPresence(cfg) {
		a.producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		a.presence.Publisher = a.producer
		logger.Info("publishing presence to kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	} else if len(cfg.KafkaBrokers) > 0 {
		logger.Warn("KAFKA_BROKERS ignored: presence is written to redis directly")
	}
	if _, err := a.presence.Restore(ctx); err != nil {
		return nil, fmt.Errorf("restore participants: %w", err)
	}

	hub := dispatch.NewHub(logger)
	observers := []session.Observer{hub}
	if cfg.PushEndpoint != "" {
		a.webhook = dispatch.NewWebhook(cfg.PushEndpoint, logger)
		observers = append(observers, a.webhook)
	}

	a.pool = worker.NewPool(cfg.WorkerPoolSize, cfg.WorkerQueueSize, logger)
	a.pool.Start()
	finder := &matcher.Finder{Index: index, Directory: dir, TopN: cfg.MatcherTopN, Logger: logger}
	a.manager = session.NewManager(finder, a.pool, session.Config{
		TTL:       cfg.SearchTTL,
		Retention: cfg.SearchRetention,
		Archive:   a.store,
		Observers: observers,
		Logger:    logger,
	})
	if a.sweeper, err = session.StartSweeper(ctx, a.manager, cfg.SweepInterval); err != nil {
		return nil, err
	}

	api := httpapi.NewServer(a.manager, a.presence, hub, httpapi.Options{
		DefaultRadiusMeters: cfg.DefaultRadiusMeters,
		MaxRadiusMeters:     cfg.MaxRadiusMeters,
		CORSOrigins:         cfg.CORSOrigins,
		ReadyChecks:         readyChecks,
	}, logger)
	a.server = &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return a, nil
}

// publishesPresence reports whether presence changes go to Kafka. Publishing and
// writing Redis directly are exclusive: when the server publishes, the consumer
// is the only Redis writer.
func publishesPresence(cfg config.ServerConfig) bool {
	return len(cfg.KafkaBrokers) > 0 && cfg.RedisAddr == ""
}

func openStore(ctx context.Context, cfg config.ServerConfig, migrations string, logger *slog.Logger) (storage.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		if cfg.RunMigrations {
			script, err := os.ReadFile(migrations)
			if err != nil {
				_ = ps.Close(ctx)
				return nil, fmt.Errorf("read migrations: %w", err)
			}
			if err := ps.Migrate(ctx, string(script)); err != nil {
				_ = ps.Close(ctx)
				return nil, err
			}
			logger.Info("migration applied", "path", migrations)
		}
		return ps, nil
	case config.BackendMongo:
		ms, err := storage.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase, 10*time.Second)
		if err != nil {
			return nil, err
		}
		return ms, nil
	default:
		return storage.NewMemoryStore(), nil
	}
}

// run serves until ctx is cancelled, then shuts everything down.
func (a *app) run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("proximity-matching listening", "addr", a.cfg.HTTPAddr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case serveErr = <-errCh:
		a.logger.Error("http server failed", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http shutdown", "error", err)
	}
	a.close(shutdownCtx)
	return serveErr
}

func (a *app) close(ctx context.Context) {
	if a.sweeper != nil {
		<-a.sweeper.Stop().Done()
	}
	if a.pool != nil {
		a.pool.Stop()
	}
	if a.manager != nil {
		n := a.manager.Flush(ctx)
		a.logger.Info("searches archived", "count", n)
	}
	if a.webhook != nil {
		a.webhook.Wait()
	}
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Warn("close kafka producer", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(ctx); err != nil {
			a.logger.Warn("close store", "error", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	a.logger.Info("shutdown complete")
}
