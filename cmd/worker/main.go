package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"chatbot-event-delivery/internal/config"
	"chatbot-event-delivery/internal/dispatch"
	"chatbot-event-delivery/internal/events"
	"chatbot-event-delivery/internal/logging"
	"chatbot-event-delivery/internal/queue"
	"chatbot-event-delivery/internal/registry"
	"chatbot-event-delivery/internal/store"
	"chatbot-event-delivery/internal/telemetry"
	"chatbot-event-delivery/internal/tracking"
	"chatbot-event-delivery/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logging.New(cfg.LogLevel, cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.WithError(err).Fatal("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.WithError(err).Fatal("run migrations")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	q := queue.NewTaskQueue(redisClient, cfg.VisibilityTimeout, cfg.DLQName)

	eventSvc := events.NewService(st, q, log)
	registrySvc := registry.NewService(st, log)
	tracker := tracking.NewTracker(st, log)
	dispatcher := dispatch.NewDispatcher(log)

	processor := worker.NewProcessor(cfg, q, eventSvc, st, registrySvc, tracker, dispatcher, log)

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		return metricsServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		log.WithField("visibility", cfg.VisibilityTimeout.String()).Info("worker started")
		err := processor.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("worker stopped")
	}
}
