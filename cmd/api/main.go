package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"mss/internal/api"
	"mss/internal/broker"
	"mss/internal/buildinfo"
	"mss/internal/config"
	"mss/internal/counter"
	"mss/internal/logging"
	"mss/internal/metrics"
	"mss/internal/registry"
	"mss/internal/router"
)

func main() {
	configPath := flag.String("config", os.Getenv("MSS_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("Service stopped with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Starting",
		zap.Any("build", buildinfo.Info()),
		zap.String("broker", cfg.Broker.Kind),
		zap.String("exchange", cfg.Broker.Exchange),
		zap.Int("http_port", cfg.HTTP.Port),
	)
	metrics.RegisterDefault()

	raw, watch, err := newGateway(ctx, cfg, log)
	if err != nil {
		return err
	}
	gw := broker.Observe(raw, metrics.ObserveBroker)
	defer func() { _ = gw.Close() }()
	if c, ok := watch.(io.Closer); ok {
		defer func() { _ = c.Close() }()
	}

	counters := counter.New()
	notifier := &api.Notifier{Watch: watch, Counters: counters}
	reg := registry.New(gw, counters, registry.Config{
		Exchange:              cfg.Broker.Exchange,
		BindConcurrency:       cfg.Registry.BindConcurrency,
		RollbackOnBindFailure: cfg.Registry.RollbackOnBindFailure,
		Logger:                log,
		Notifier:              notifier,
	})
	rt := router.New(gw, counters, router.Config{
		Exchange: cfg.Broker.Exchange,
		Logger:   log,
		Notifier: notifier,
	})
	srv := api.NewServer(api.Deps{Registry: reg, Router: rt, Watch: watch, Config: cfg, Logger: log})

	declareCtx, cancel := context.WithTimeout(ctx, cfg.Broker.Timeout)
	err = gw.ExchangeDeclare(declareCtx, cfg.Broker.Exchange, broker.ExchangeDirect)
	cancel()
	if err != nil {
		return fmt.Errorf("declare exchange %s: %w", cfg.Broker.Exchange, err)
	}
	log.Info("Exchange has been declared", zap.String("exchange", cfg.Broker.Exchange))
	srv.SetReady(true)

	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("API listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	srv.SetReady(false)
	srv.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", zap.Error(err))
	}

	if err := gw.ExchangeDelete(shutdownCtx, cfg.Broker.Exchange); err != nil {
		log.Warn("Exchange couldn't be deleted", zap.String("exchange", cfg.Broker.Exchange), zap.Error(err))
	} else {
		log.Info("Exchange has been deleted", zap.String("exchange", cfg.Broker.Exchange))
	}
	return nil
}

// newGateway builds the configured broker gateway and the watcher that
// goes with it.
func newGateway(ctx context.Context, cfg *config.Config, log *zap.Logger) (broker.Gateway, api.Watcher, error) {
	switch cfg.Broker.Kind {
	case config.BrokerAMQP:
		g := broker.NewAMQP(broker.AMQPConfig{URL: cfg.AMQPURL(), Logger: log})
		dialCtx, cancel := context.WithTimeout(ctx, cfg.Broker.Timeout)
		defer cancel()
		if err := g.Connect(dialCtx); err != nil {
			return nil, nil, fmt.Errorf("connect to rabbitmq at %s:%d: %w", cfg.Rabbit.Host, cfg.Rabbit.Port, err)
		}
		return g, api.NewHub(), nil
	case config.BrokerRedis:
		g, err := broker.NewRedisFromURL(cfg.Redis.URL, cfg.Redis.Prefix)
		if err != nil {
			return nil, nil, fmt.Errorf("redis url: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, cfg.Broker.Timeout)
		defer cancel()
		if err := g.Ping(pingCtx); err != nil {
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		return g, api.NewRedisHub(g.Client(), cfg.Redis.Prefix, log), nil
	case config.BrokerMemory:
		log.Warn("Using the in-process broker; messages are not delivered outside this process")
		return broker.NewMemory(), api.NewHub(), nil
	default:
		return nil, nil, fmt.Errorf("unknown broker kind %q", cfg.Broker.Kind)
	}
}
