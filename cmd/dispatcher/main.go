package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"outreach/internal/agent"
	"outreach/internal/awsutil"
	"outreach/internal/config"
	"outreach/internal/dispatcher"
	"outreach/internal/httpserver"
	"outreach/internal/logging"
	"outreach/internal/observability"
	sqsqueue "outreach/internal/queue/sqs"
	"outreach/internal/scheduler"
	"outreach/internal/store/backend"
	"outreach/internal/store/memstore"
	"outreach/internal/store/pg"
	"outreach/internal/transition"
)

type dispatchStore interface {
	dispatcher.Store
	Ping(ctx context.Context) error
}

func main() {
	cfg, err := config.LoadDispatcher()
	if err != nil {
		logging.Init("dispatcher", os.Getenv("LOG_FORMAT"))
		slog.Error("dispatcher config invalid", "err", err)
		os.Exit(1)
	}
	logging.Init("dispatcher", cfg.LogFormat)

	rules, _ := cfg.Rules()
	table := transition.Default()
	if err := table.Validate(rules); err != nil {
		slog.Error("transition table does not cover eligibility rules", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var st dispatchStore
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		if cfg.DBAutoMigrate {
			res, err := pg.Migrate(cfg.DBDSN)
			if err != nil {
				slog.Error("dispatcher db migrate failed", "err", err)
				os.Exit(1)
			}
			slog.Info("dispatcher db migrated", "version", res.Version, "changed", res.Changed)
		}
		db, err := pg.Connect(ctx, cfg.DBDSN, pg.PoolOptions{
			MaxConns:          cfg.DBPoolMaxConns,
			MinConns:          cfg.DBPoolMinConns,
			MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
			MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
			HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
		}, 3*time.Second)
		if err != nil {
			slog.Error("dispatcher db connect failed", "err", err)
			os.Exit(1)
		}
		defer db.Close()
		st = pg.New(db)
	case config.DriverBackend:
		st = &backend.Client{
			BaseURL: cfg.BackendURL,
			Token:   cfg.BackendToken,
			HTTP:    &http.Client{Timeout: 15 * time.Second},
		}
	case config.DriverMemory:
		slog.Warn("using in-memory store, nothing will be persisted")
		st = memstore.New()
	}

	reg := prometheus.DefaultRegisterer
	observability.Register(reg)

	var events dispatcher.EventPublisher
	if cfg.EventsQueueURL != "" {
		sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
		if err != nil {
			slog.Error("dispatcher sqs client init failed", "err", err)
			os.Exit(1)
		}
		events = &sqsqueue.Producer{SQS: sqsClient, QueueURL: cfg.EventsQueueURL}
	}

	limit := rate.Inf
	if cfg.ItemDelay > 0 {
		limit = rate.Every(cfg.ItemDelay)
	}
	disp := &dispatcher.Dispatcher{
		Store: st,
		Agent: &agent.Client{
			URL:   cfg.AgentURL,
			Token: cfg.AgentToken,
			HTTP:  &http.Client{Timeout: cfg.AgentTimeout + 5*time.Second},
		},
		Table:        table,
		Rules:        rules,
		BatchSize:    cfg.BatchSize,
		Limiter:      rate.NewLimiter(limit, 1),
		Breaker:      dispatcher.NewBreaker(cfg.BreakerMaxFailures, cfg.BreakerOpenTimeout),
		CallTimeout:  cfg.AgentTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Events:       events,
	}

	runner := &scheduler.Runner{
		Interval: cfg.RunInterval,
		Task: func(ctx context.Context) error {
			_, err := disp.Run(ctx)
			return err
		},
	}

	// health + manual trigger, metrics on their own port
	srv := httpserver.New(observability.HTTPRequests, st.Ping)
	api := &httpserver.API{
		Table: table,
		Trigger: func(ctx context.Context) (dispatcher.RunSummary, error) {
			var sum dispatcher.RunSummary
			err := runner.RunWith(ctx, func(ctx context.Context) error {
				var err error
				sum, err = disp.Run(ctx)
				return err
			})
			return sum, err
		},
	}
	api.Register(srv.Mux)

	healthSrv := &http.Server{Addr: ":" + cfg.Port, Handler: srv.Mux}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("dispatcher http listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()
	metricsErrCh := make(chan error, 1)
	go func() {
		slog.Info("dispatcher metrics listening", "port", cfg.MetricsPort)
		metricsErrCh <- metricsSrv.ListenAndServe()
	}()

	runErrCh := make(chan error, 1)
	go func() {
		slog.Info("dispatcher started",
			"store", cfg.StoreDriver,
			"agent_url", cfg.AgentURL,
			"batch_size", cfg.BatchSize,
			"run_interval", cfg.RunInterval,
			"item_delay", cfg.ItemDelay,
		)
		runErrCh <- runner.Start(ctx)
	}()

	// shutdown wiring
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-runErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("dispatcher scheduler failed", "err", err)
			os.Exit(1)
		}
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("dispatcher http server failed", "err", err)
			os.Exit(1)
		}
	case err := <-metricsErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("dispatcher metrics server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("dispatcher shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	select {
	case <-runErrCh:
	case <-time.After(10 * time.Second):
		slog.Info("dispatcher shutdown timeout waiting for current run")
	}
}
