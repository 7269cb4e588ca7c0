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

	"qms/dispatch-service/internal/config"
	"qms/dispatch-service/internal/fanout"
	"qms/dispatch-service/internal/httpapi"
	"qms/dispatch-service/internal/logging"
	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/queue"
	"qms/dispatch-service/internal/sequence"
	"qms/dispatch-service/internal/store"
	"qms/dispatch-service/internal/store/memory"
	"qms/dispatch-service/internal/store/postgres"
	"qms/dispatch-service/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const serviceName = "dispatch-service"

type directoryWriter interface {
	UpsertService(ctx context.Context, service models.Service) error
	UpsertCounter(ctx context.Context, counter models.Counter) error
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("dispatch-service stopped", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry := telemetry.Setup(ctx, serviceName, log)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("timezone: %w", err)
	}

	var (
		st    store.Store
		dir   directoryWriter
		alloc sequence.Allocator
	)
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("db connect: %w", err)
		}
		defer pool.Close()
		pg := postgres.NewStore(pool)
		if cfg.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			log.Info("schema applied")
		}
		st, dir = pg, pg
		if cfg.SequenceBackend == config.SequenceStore {
			alloc = sequence.FromStore(pg)
		}
	} else {
		log.Warn("DB_DSN not set, using in-memory store")
		mem := memory.New()
		st, dir = mem, mem
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
	}
	switch {
	case cfg.SequenceBackend == config.SequenceRedis:
		alloc = sequence.NewRedis(rdb, st)
	case alloc == nil:
		alloc = sequence.NewMemory(st)
	}

	if err := seedDirectory(ctx, dir, cfg.Directory); err != nil {
		return err
	}

	hub := fanout.NewHub(log)
	sinks := []fanout.Sink{hub}
	if rdb != nil {
		sinks = append(sinks, fanout.NewRedisSink(rdb, ""))
	}
	if cfg.AMQPURL != "" {
		amqpSink, err := fanout.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return err
		}
		defer amqpSink.Close()
		sinks = append(sinks, amqpSink)
	}

	engine := queue.New(st, alloc, queue.Options{
		Retry:        cfg.RetryPolicy(),
		Location:     loc,
		Logger:       log,
		Publisher:    fanout.NewPublisher(log, 0, sinks...),
		LapseGrace:   cfg.LapseGrace,
		RecoverGrace: cfg.RecoveryGrace,
	})

	if n, err := engine.Recover(ctx); err != nil {
		log.Warn("startup recovery failed", zap.Error(err))
	} else if n > 0 {
		log.Info("recovered interrupted transfers", zap.Int("count", n))
	}

	var verifier httpapi.Verifier
	if cfg.APITokens != "" {
		tokens, err := httpapi.ParseTokens(cfg.APITokens)
		if err != nil {
			return fmt.Errorf("API_TOKENS: %w", err)
		}
		verifier = tokens
	} else {
		log.Warn("API_TOKENS not set, staff endpoints are unauthenticated")
	}

	handler := httpapi.NewHandler(engine, httpapi.Options{
		Verifier: verifier,
		Realtime: httpapi.NewRealtime(hub, log),
		Logger:   log,
	})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute: cfg.RateLimitPerMinute,
		IPBurst:     cfg.RateLimitBurst,
	})
	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     otelhttp.NewHandler(httpapi.Wrap(handler.Routes(), log, limiter), serviceName),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("dispatch-service listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		every(gctx, cfg.RecoveryInterval, func(ctx context.Context) {
			if _, err := engine.Recover(ctx); err != nil {
				log.Warn("recovery pass failed", zap.Error(err))
			}
		})
		return nil
	})
	if cfg.LapseGrace > 0 {
		g.Go(func() error {
			every(gctx, cfg.LapseInterval, func(ctx context.Context) {
				n, err := engine.SweepLapsed(ctx)
				if err != nil {
					log.Warn("lapse sweep failed", zap.Error(err))
					return
				}
				if n > 0 {
					log.Info("lapsed unanswered calls", zap.Int("count", n))
				}
			})
			return nil
		})
	}
	return g.Wait()
}

// every runs fn on each tick until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, interval)
			fn(runCtx)
			cancel()
		}
	}
}

func seedDirectory(ctx context.Context, dir directoryWriter, raw string) error {
	services, counters, err := config.ParseDirectory(raw)
	if err != nil {
		return fmt.Errorf("DIRECTORY: %w", err)
	}
	for _, service := range services {
		if err := dir.UpsertService(ctx, service); err != nil {
			return fmt.Errorf("seed service %s: %w", service.Code, err)
		}
	}
	for _, counter := range counters {
		if err := dir.UpsertCounter(ctx, counter); err != nil {
			return fmt.Errorf("seed counter %s: %w", counter.CounterID, err)
		}
	}
	return nil
}
