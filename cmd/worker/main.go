package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	app "github.com/kode4food/argyll/worker"
	"github.com/kode4food/argyll/worker/internal/channel"
	"github.com/kode4food/argyll/worker/internal/config"
	"github.com/kode4food/argyll/worker/internal/consumer"
	"github.com/kode4food/argyll/worker/internal/metrics"
	"github.com/kode4food/argyll/worker/internal/pool"
	"github.com/kode4food/argyll/worker/internal/process"
	"github.com/kode4food/argyll/worker/internal/queue"
	"github.com/kode4food/argyll/worker/internal/ratelimit"
	"github.com/kode4food/argyll/worker/internal/scheduler"
	"github.com/kode4food/argyll/worker/internal/server"
	"github.com/kode4food/argyll/worker/internal/stepstate"
	"github.com/kode4food/argyll/worker/pkg/log"
)

type argyllWorker struct {
	cfg        *config.Config
	redis      *redis.Client
	metrics    *metrics.Collector
	scheduler  *scheduler.Scheduler
	channel    *channel.Server
	pool       *pool.Manager
	limiter    *ratelimit.Limiter
	queue      *queue.Queue
	steps      *stepstate.Store
	consumer   *consumer.Consumer
	httpServer *http.Server
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	quit       chan os.Signal
}

const (
	queueRecoverInterval = time.Minute
	queueResultTTL       = 24 * time.Hour
)

var (
	ErrConnectRedis    = errors.New("failed to connect to redis")
	ErrCreatePool      = errors.New("failed to create execution pool")
	ErrCreateLimiter   = errors.New("failed to create rate limiter")
	ErrOpenStepState   = errors.New("failed to open step state store")
	ErrCreateConsumer  = errors.New("failed to create job consumer")
	ErrInvalidSettings = errors.New("invalid configuration")
)

func main() {
	_ = godotenv.Load()

	cfg := config.NewDefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		slog.Error("Invalid configuration", log.Error(err))
		os.Exit(1)
	}

	w := &argyllWorker{
		cfg:  cfg,
		quit: make(chan os.Signal, 1),
	}
	w.setupLogging()

	if err := w.run(); err != nil {
		slog.Error("Failed to start worker", log.Error(err))
		os.Exit(1)
	}
}

func (w *argyllWorker) run() error {
	if err := w.cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	defer cancel()

	if err := w.connectRedis(ctx); err != nil {
		return err
	}
	if err := w.initializeComponents(ctx); err != nil {
		return err
	}
	w.startBackground(ctx)
	w.startServer()

	signal.Notify(w.quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(w.quit)
	<-w.quit

	w.shutdown()
	return nil
}

func (w *argyllWorker) setupLogging() {
	level := log.ParseLevel(w.cfg.LogLevel)
	logger := log.NewWithLevel(
		app.Name, string(w.cfg.Environment), app.Version, level,
	)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level)

	slog.Info("Argyll Worker starting",
		slog.String("log_level", w.cfg.LogLevel))

	slog.Info("Configuration loaded",
		slog.String("redis_addr", w.cfg.Redis.Addr),
		slog.Int("redis_db", w.cfg.Redis.DB),
		slog.String("api_host", w.cfg.APIHost),
		slog.Int("api_port", w.cfg.APIPort),
		slog.Int("pool_size", w.cfg.PoolSize),
		slog.String("execution_mode", string(w.cfg.ExecutionMode)),
		slog.String("edition", string(w.cfg.Edition)),
		slog.Bool("reuse_sandboxes", w.cfg.ReuseSandboxes()))
}

func (w *argyllWorker) connectRedis(ctx context.Context) error {
	w.redis = redis.NewClient(&redis.Options{
		Addr:     w.cfg.Redis.Addr,
		Password: w.cfg.Redis.Password,
		DB:       w.cfg.Redis.DB,
	})
	if err := w.redis.Ping(ctx).Err(); err != nil {
		_ = w.redis.Close()
		return fmt.Errorf("%w: %w", ErrConnectRedis, err)
	}
	return nil
}

func (w *argyllWorker) initializeComponents(ctx context.Context) error {
	var err error

	w.metrics = metrics.NewCollector()
	w.scheduler = scheduler.NewSystem()
	w.channel = channel.NewServer()
	progressChannel := pool.ProgressChannel(w.cfg.Redis.Prefix)

	w.pool, err = pool.New(pool.Config{
		Size:           w.cfg.PoolSize,
		Command:        w.cfg.SandboxCommand,
		ControlURL:     w.controlURL(),
		MemoryLimitMB:  w.cfg.SandboxMemoryLimitMB,
		ConnectTimeout: w.cfg.SandboxConnectTimeout,
		Reusable:       w.cfg.ReuseSandboxes(),
	}, pool.Dependencies{
		Spawner:  process.NewOSSpawner(),
		Channel:  w.channel,
		Metrics:  w.metrics,
		Progress: pool.PublishProgress(w.redis, progressChannel),
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCreatePool, err)
	}

	w.limiter, err = ratelimit.New(ratelimit.Config{
		Prefix:        w.cfg.Redis.Prefix,
		FlowTimeout:   w.cfg.FlowTimeout,
		DefaultLimit:  w.cfg.MaxConcurrentJobsPerProject,
		UsePlanLimits: w.cfg.Edition == config.EditionCloud,
		PlanLimits:    w.cfg.PlanLimits,
	}, ratelimit.Dependencies{
		Redis:   w.redis,
		Metrics: w.metrics,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCreateLimiter, err)
	}

	w.queue = queue.New(w.redis, queue.Config{
		Prefix:            w.cfg.Redis.Prefix,
		Lease:             w.cfg.FlowTimeout + time.Minute,
		ResultTTL:         queueResultTTL,
		RetentionDays:     w.cfg.FailedJobRetentionDays,
		RetentionMaxCount: w.cfg.FailedJobRetentionMaxCount,
	}, nil)

	w.steps, err = stepstate.Open(ctx, w.cfg.StepStateURL, w.redis,
		w.scheduler, stepstate.Config{
			Prefix:        w.cfg.Redis.Prefix,
			FlushInterval: w.cfg.StepStateFlushInterval,
		},
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOpenStepState, err)
	}

	w.consumer, err = consumer.New(consumer.Config{
		Concurrency:    w.cfg.PoolSize,
		FlowTimeout:    w.cfg.FlowTimeout,
		TriggerTimeout: w.cfg.TriggerTimeout,
	}, consumer.Dependencies{
		Queue:    w.queue,
		Executor: w.pool,
		Limiter:  w.limiter,
		Metrics:  w.metrics,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCreateConsumer, err)
	}
	return nil
}

func (w *argyllWorker) startBackground(ctx context.Context) {
	w.wg.Add(3)
	go func() {
		defer w.wg.Done()
		w.scheduler.Run(ctx)
	}()
	go func() {
		defer w.wg.Done()
		ch := pool.GenerationChannel(w.cfg.Redis.Prefix)
		err := w.pool.Generation().Watch(ctx, w.redis, ch,
			func(int64) { w.metrics.GenerationBumped() },
		)
		if err != nil && ctx.Err() == nil {
			slog.Error("Generation watch stopped", log.Error(err))
		}
	}()
	go func() {
		defer w.wg.Done()
		if err := w.consumer.Run(ctx); err != nil {
			slog.Error("Job consumer stopped", log.Error(err))
		}
	}()

	w.scheduler.ScheduleEvery(ctx, []string{"queue", "recover"},
		queueRecoverInterval, func() error {
			n, err := w.queue.Recover(ctx)
			if n > 0 {
				slog.Info("Recovered stalled jobs", slog.Int("count", n))
			}
			return err
		},
	)
}

func (w *argyllWorker) startServer() {
	api := server.NewServer(server.Dependencies{
		Pool:      w.pool,
		Channel:   w.channel.Handle,
		Queue:     w.queue,
		StepState: w.steps,
		Metrics:   w.metrics,
		Redis:     w.redis,
	}, w.cfg.TriggerTimeout)

	w.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", w.cfg.APIHost, w.cfg.APIPort),
		Handler: api.SetupRoutes(),
	}

	go func() {
		slog.Info("HTTP server starting",
			slog.String("addr", w.httpServer.Addr))
		err := w.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", log.Error(err))
			w.quit <- syscall.SIGTERM
		}
	}()
}

func (w *argyllWorker) controlURL() string {
	if w.cfg.ControlURL != "" {
		return w.cfg.ControlURL
	}
	return fmt.Sprintf("ws://127.0.0.1:%d/worker/ws", w.cfg.APIPort)
}

func (w *argyllWorker) shutdown() {
	slog.Info("Shutting down")

	ctx, cancel := context.WithTimeout(
		context.Background(), w.cfg.ShutdownTimeout,
	)
	defer cancel()

	w.cancel()
	w.wg.Wait()

	if err := w.pool.Close(ctx); err != nil {
		slog.Error("Pool shutdown failed", log.Error(err))
	}
	w.channel.Close()

	if err := w.httpServer.Shutdown(ctx); err != nil {
		slog.Error("Shutdown failed", log.Error(err))
	}
	if err := w.steps.Close(); err != nil {
		slog.Error("Step state close failed", log.Error(err))
	}
	if err := w.redis.Close(); err != nil {
		slog.Error("Redis close failed", log.Error(err))
	}

	slog.Info("Shutdown complete")
}
