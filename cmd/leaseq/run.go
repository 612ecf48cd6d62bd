package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	leaseq "github.com/eugener/leaseq/internal"
	"github.com/eugener/leaseq/internal/backoff"
	"github.com/eugener/leaseq/internal/circuitbreaker"
	"github.com/eugener/leaseq/internal/cloudauth"
	"github.com/eugener/leaseq/internal/config"
	"github.com/eugener/leaseq/internal/deadletter"
	"github.com/eugener/leaseq/internal/history"
	"github.com/eugener/leaseq/internal/manager"
	"github.com/eugener/leaseq/internal/ratelimit"
	"github.com/eugener/leaseq/internal/server"
	"github.com/eugener/leaseq/internal/taskqueue"
	"github.com/eugener/leaseq/internal/telemetry"
	"github.com/eugener/leaseq/internal/webhook"
	"github.com/eugener/leaseq/internal/worker"
)

func run(configPath string, drain bool) error {
	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := setupLogging(cfg.Log); err != nil {
		return err
	}

	// ctx outlives every component; token refresh retries stop when it ends.
	ctx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	resolver := &dnscache.Resolver{}

	// Queue client
	client, err := newQueueClient(ctx, cfg.Queue, resolver)
	if err != nil {
		return err
	}
	queue := taskqueue.Serialized(client, ratelimit.New(cfg.Queue.MaxRPS, cfg.Queue.Burst))

	if drain {
		n, err := taskqueue.Drain(ctx, queue)
		if err != nil {
			return err
		}
		slog.Info("queue drained", "queue", client.QueueName(), "deleted", n)
		return nil
	}

	slog.Info("starting leaseq", "version", version, "queue", client.QueueName(), "addr", cfg.Server.Addr)

	// Bootstrap from config
	if _, err := config.Bootstrap(ctx, cfg, queue); err != nil {
		return err
	}

	// Telemetry
	reg := prometheus.NewRegistry()
	var metrics *telemetry.Metrics
	if cfg.Telemetry.Metrics.Enabled {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = telemetry.NewMetrics(reg)
	}
	if tc := cfg.Telemetry.Tracing; tc.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, telemetry.TracingConfig{
			ServiceName:    "leaseq",
			ServiceVersion: version,
			Queue:          client.QueueName(),
			Endpoint:       tc.Endpoint,
			SampleRate:     tc.SampleRate,
		})
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				slog.Warn("tracing shutdown failed", "error", err)
			}
		}()
	}

	// Deadletter store
	var (
		store   *deadletter.Store
		sink    leaseq.DeadletterSink
		workers []worker.Worker
	)
	if cfg.Deadletter.Enabled {
		store, err = deadletter.New(cfg.Deadletter.DSN)
		if err != nil {
			return err
		}
		defer store.Close()
		sink = store
		if cfg.Deadletter.Retention > 0 {
			workers = append(workers, worker.NewDeadletterPruner(store, cfg.Deadletter.Retention, 0))
		}
	}

	// Disposition history
	hist, err := history.New(cfg.History.MaxSize, cfg.History.TTL)
	if err != nil {
		return err
	}
	recorder := worker.NewDispositionRecorder(hist)
	workers = append(workers, recorder, worker.NewDNSRefresher(resolver, 0))

	// Webhook worker
	breaker := circuitbreaker.NewBreaker(circuitbreaker.Config{
		ErrorThreshold: cfg.Webhook.Breaker.ErrorThreshold,
		MinSamples:     cfg.Webhook.Breaker.MinSamples,
		WindowSeconds:  cfg.Webhook.Breaker.WindowSeconds,
		OpenTimeout:    cfg.Webhook.Breaker.OpenTimeout,
	})
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		slog.Warn("webhook circuit breaker state changed", "from", from.String(), "to", to.String())
	})
	hook, err := webhook.New(webhook.Config{
		URL:         cfg.Webhook.URL,
		Timeout:     cfg.Webhook.Timeout,
		Concurrency: cfg.Webhook.Concurrency,
		Headers:     cfg.Webhook.Headers,
		HTTPClient:  &http.Client{Transport: taskqueue.NewTransport(resolver)},
		Breaker:     breaker,
		Metrics:     metrics,
	})
	if err != nil {
		return err
	}

	// Task manager
	mc := cfg.Manager
	mgr, err := manager.New(manager.Config{
		BatchSize:          mc.BatchSize,
		LeaseDuration:      mc.LeaseDuration(),
		RetryLimit:         mc.RetryLimit,
		BurnMode:           mc.BurnMode,
		BurnCapacity:       mc.BurnCapacity,
		BurnAction:         leaseq.Action(mc.BurnAction),
		FailFastAction:     leaseq.Action(mc.FailFastAction),
		ResolveConcurrency: mc.ResolveConcurrency,
		RenewTimeout:       mc.RenewTimeout,
		Backoff: backoff.Config{
			Base:   mc.Backoff.Base,
			Factor: mc.Backoff.Factor,
			Max:    mc.Backoff.MaxValue,
		},
	}, manager.Deps{
		Queue:               queue,
		Worker:              hook.Handle,
		Deadletter:          sink,
		DeadletterNameField: cfg.Deadletter.NameField,
		Recorder:            recorder,
		Metrics:             metrics,
	})
	if err != nil {
		return err
	}

	// Create HTTP server
	deps := server.Deps{
		ReadyCheck: mgr.Ready,
		History:    hist,
		AdminToken: cfg.Server.AdminToken,
		Metrics:    metrics,
	}
	if cfg.Telemetry.Metrics.Enabled {
		deps.MetricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}
	if store != nil {
		deps.Deadletters = store
		deps.ReadyCheck = server.AllReady(mgr.Ready, store.Ping)
	}
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.New(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start everything
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	bgCtx, cancelBg := context.WithCancel(ctx)
	defer cancelBg()
	runnerDone := make(chan error, 1)
	go func() { runnerDone <- worker.NewRunner(workers...).Run(bgCtx) }()

	mgrCtx, cancelMgr := context.WithCancel(ctx)
	defer cancelMgr()
	mgrDone := make(chan error, 1)
	go func() { mgrDone <- mgr.Run(mgrCtx) }()

	slog.Info("leaseq ready", "addr", cfg.Server.Addr)

	// Wait for signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	runnerStopped, runErr := lifecycle{
		sigCh:      sigCh,
		mgr:        mgr,
		mgrDone:    mgrDone,
		cancelMgr:  cancelMgr,
		runnerDone: runnerDone,
		serveErr:   errCh,
		timeout:    cfg.Server.ShutdownTimeout,
	}.wait()

	// Shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}
	cancelBg()
	if !runnerStopped {
		if err := <-runnerDone; err != nil && !errors.Is(err, context.Canceled) {
			runErr = errors.Join(runErr, err)
		}
	}

	slog.Info("leaseq stopped")
	return runErr
}

// lifecycle is what run waits on once everything has started.
type lifecycle struct {
	sigCh      <-chan os.Signal
	mgr        interface{ Stop() }
	mgrDone    <-chan error
	cancelMgr  context.CancelFunc
	runnerDone <-chan error
	serveErr   <-chan error
	timeout    time.Duration
}

// wait blocks until a signal arrives or a component exits, and returns once
// the manager has stopped. runnerStopped reports that runnerDone was
// consumed, so the caller must not read it again.
func (l lifecycle) wait() (runnerStopped bool, err error) {
	select {
	case sig := <-l.sigCh:
		slog.Info("shutting down", "signal", sig)
		return false, l.stopManager()
	case err := <-l.mgrDone:
		return false, err
	case err := <-l.runnerDone:
		if err == nil {
			err = errors.New("background workers exited")
		}
		l.cancelMgr()
		<-l.mgrDone
		return true, err
	case err := <-l.serveErr:
		l.cancelMgr()
		<-l.mgrDone
		return false, err
	}
}

// stopManager asks the manager to finish its current batch. A second signal
// or the shutdown timeout cancels it instead.
func (l lifecycle) stopManager() error {
	l.mgr.Stop()
	timer := time.NewTimer(l.timeout)
	defer timer.Stop()
	select {
	case err := <-l.mgrDone:
		return err
	case sig := <-l.sigCh:
		slog.Warn("second signal, cancelling in-flight batch", "signal", sig)
	case <-timer.C:
		slog.Warn("graceful stop timed out, cancelling in-flight batch", "timeout", l.timeout)
	}
	l.cancelMgr()
	return <-l.mgrDone
}

func newQueueClient(ctx context.Context, qc config.QueueConfig, resolver *dnscache.Resolver) (*taskqueue.Client, error) {
	var rt http.RoundTripper = taskqueue.NewTransport(resolver)
	switch {
	case qc.Token != "":
		rt = &cloudauth.BearerTransport{Token: qc.Token, Prefix: "Bearer ", Base: rt}
	case qc.BaseURL == "" || qc.CredentialsFile != "":
		gcp, err := cloudauth.NewGCPOAuthTransport(ctx, rt, qc.CredentialsFile, qc.Scopes...)
		if err != nil {
			return nil, err
		}
		rt = gcp
	default:
		slog.Warn("queue credentials not configured, sending unauthenticated requests", "base_url", qc.BaseURL)
	}
	return taskqueue.New(taskqueue.Config{
		Project:    qc.Project,
		Location:   qc.Location,
		Queue:      qc.Name,
		BaseURL:    qc.BaseURL,
		Filter:     qc.Filter,
		HTTPClient: &http.Client{Transport: rt, Timeout: qc.Timeout},
	})
}

func setupLogging(lc config.LogConfig) error {
	level, err := lc.SlogLevel()
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if lc.Format == "text" {
		h = slog.NewTextHandler(os.Stderr, opts)
	} else {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
	return nil
}
