package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sungwon/push-worker/internal/api"
	"github.com/sungwon/push-worker/internal/breaker"
	"github.com/sungwon/push-worker/internal/config"
	"github.com/sungwon/push-worker/internal/deadletter"
	"github.com/sungwon/push-worker/internal/downstream"
	"github.com/sungwon/push-worker/internal/idempotency"
	"github.com/sungwon/push-worker/internal/logger"
	"github.com/sungwon/push-worker/internal/pipeline"
	"github.com/sungwon/push-worker/internal/queue"
	"github.com/sungwon/push-worker/internal/storage"
	"github.com/sungwon/push-worker/internal/worker"
)

func main() {
	cfg, err := config.Load("config")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, closer := logger.NewFromConfig(cfg.Logging)
	defer closer.Close()

	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("push worker exited with error")
		closer.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	log.Info().Str("queue", cfg.Queue.Type).Msg("starting push worker")

	// Cancelled on SIGINT/SIGTERM; the loop then stops receiving and drains.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		redisClient *redis.Client
		checks      []api.ReadinessCheck
	)
	if cfg.NeedsRedis() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		checks = append(checks, api.ReadinessCheck{Name: "redis", Pinger: redisPinger{redisClient}})
	}

	// Idempotency store.
	var (
		store idempotency.Store
		purge func(context.Context) (int64, error)
	)
	switch cfg.Idempotency.Backend {
	case "postgres":
		db, err := storage.NewDB(ctx, cfg.Database.Config)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer db.Close()

		pg := idempotency.NewPostgresStore(db.Pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure idempotency schema: %w", err)
		}
		store, purge = pg, pg.Purge
		checks = append(checks, api.ReadinessCheck{Name: "database", Pinger: db})
	default:
		store = idempotency.NewRedisStore(redisClient)
	}
	gate := idempotency.NewGate(store, cfg.Idempotency.Config)

	breakers, err := breaker.NewRegistry(cfg.Breaker, redisOrNil(redisClient), log, breaker.Template, breaker.Push)
	if err != nil {
		return fmt.Errorf("create breakers: %w", err)
	}

	httpClient := downstream.NewHTTPClient(cfg.HTTP)
	defer httpClient.CloseIdleConnections()
	templates := downstream.NewTemplateClient(cfg.Template, httpClient)
	push := downstream.NewPushClient(cfg.Push, httpClient)

	broker, err := queue.NewBroker(ctx, cfg.Queue, redisOrNil(redisClient), cfg.Worker.Concurrency, log)
	if err != nil {
		return fmt.Errorf("create %s broker: %w", cfg.Queue.Type, err)
	}
	defer broker.Close()
	checks = append(checks, api.ReadinessCheck{Name: "broker", Pinger: broker})

	orchestrator := pipeline.NewOrchestrator(gate, templates, push, breakers, log)
	router := deadletter.NewRouter(broker, log)

	loop, err := worker.NewLoop(broker, orchestrator, router, cfg.Worker, log)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr: cfg.Admin.Addr(),
		Handler: api.NewRouter(api.Deps{
			DLQ:          broker,
			Breakers:     breakers,
			Checks:       checks,
			AdminKeyHash: cfg.Admin.APIKeyHash,
		}, log),
		ReadTimeout:  cfg.Admin.ReadTimeout,
		WriteTimeout: cfg.Admin.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return loop.Run(gctx)
	})

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("admin server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down admin server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if purge != nil && cfg.Database.PurgeInterval > 0 {
		g.Go(func() error {
			purgeExpired(gctx, purge, cfg.Database.PurgeInterval, log)
			return nil
		})
	}

	err = g.Wait()
	log.Info().Msg("push worker stopped")
	return err
}

// purgeExpired deletes expired idempotency rows on every tick until ctx ends.
func purgeExpired(ctx context.Context, purge func(context.Context) (int64, error), interval time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := purge(ctx)
			if err != nil {
				log.Error().Err(err).Msg("purge expired idempotency records failed")
				continue
			}
			if n > 0 {
				log.Debug().Int64("purged", n).Msg("purged expired idempotency records")
			}
		}
	}
}

type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// redisOrNil avoids handing a typed nil to constructors that check for a
// missing client.
func redisOrNil(c *redis.Client) redis.UniversalClient {
	if c == nil {
		return nil
	}
	return c
}
