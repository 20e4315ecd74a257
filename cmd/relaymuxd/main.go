// Command relaymuxd is the process entry point: it loads configuration
// once, builds every component (C1-C9) in one place, exposes the HTTP
// boundary, relays the MCP stdio boundary into the worker pool, and
// performs a two-phase graceful shutdown on SIGINT/SIGTERM.
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

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/relaymux/relaymux/internal/adapter"
	"github.com/relaymux/relaymux/internal/breaker"
	"github.com/relaymux/relaymux/internal/cache"
	"github.com/relaymux/relaymux/internal/config"
	"github.com/relaymux/relaymux/internal/health"
	"github.com/relaymux/relaymux/internal/httpapi"
	"github.com/relaymux/relaymux/internal/mcprpc"
	"github.com/relaymux/relaymux/internal/metrics"
	"github.com/relaymux/relaymux/internal/pool"
	"github.com/relaymux/relaymux/internal/router"
)

// Exit codes per spec's CLI collaborator surface.
const (
	exitSuccess            = 0
	exitUsage              = 1
	exitNoHealthyBackend   = 2
	exitDeadlineExceeded   = 3
	exitOverloaded         = 4
	exitInternal           = 5
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	enableMCPStdio := flag.Bool("mcp-stdio", true, "relay line-framed JSON-RPC requests on stdin/stdout into the worker pool")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "relaymuxd: -config is required")
		os.Exit(exitUsage)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relaymuxd: build logger: %v\n", err)
		os.Exit(exitInternal)
	}
	defer logger.Sync()

	if err := run(*configPath, *enableMCPStdio, logger); err != nil {
		logger.Error("relaymuxd exited with error", zap.Error(err))
		os.Exit(exitInternal)
	}
}

func run(configPath string, enableMCPStdio bool, logger *zap.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	sink := metrics.New(prometheus.DefaultRegisterer)

	adapters, breakers, err := buildAdapters(cfg, logger)
	if err != nil {
		return fmt.Errorf("build adapters: %w", err)
	}

	healthMon := health.New(adapters, cfg.Health.HealthConfig(), logger)
	for _, br := range breakers {
		br.OnTransition(func(name string, from, to breaker.State) {
			logger.Info("circuit breaker transition", zap.String("adapter", name), zap.String("from", from.String()), zap.String("to", to.String()))
			sink.ObserveBreakerTransition(name, to.String())
		})
	}

	rtr := router.New(adapters, breakers, healthMon, cfg.Router.RouterConfig(), logger, trace.NewNoopTracerProvider().Tracer("relaymuxd"))
	rtr.SetRecorder(sink)

	respCache := cache.New(cfg.Cache.CacheConfig())
	go respCache.RunSweeper()

	workerPool := pool.New(cfg.Pool.PoolConfig(), logger)
	workerPool.SetRecorder(sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go healthMon.Run(ctx)

	if err := workerPool.Start(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}

	httpSrv := httpapi.New(httpapi.Config{
		ListenAddr:  cfg.HTTP.ListenAddr,
		JWTSecret:   cfg.HTTP.JWTSecret,
		RequireAuth: cfg.HTTP.RequireAuth,
	}, rtr, respCache, healthMon, workerPool, sink, logger)

	httpServer := &http.Server{
		Addr:    cfg.HTTP.ListenAddr,
		Handler: httpSrv.Handler(),
	}

	serveErrCh := make(chan error, 1)
	go func() {
		logger.Info("http boundary listening", zap.String("addr", cfg.HTTP.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- err
			return
		}
		serveErrCh <- nil
	}()

	if enableMCPStdio {
		go relayMCPStdio(ctx, workerPool, os.Stdin, os.Stdout, logger)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-serveErrCh:
		if err != nil {
			logger.Error("http server failed", zap.Error(err))
		}
	}

	cancel()
	respCache.Stop()

	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		logger.Warn("http server shutdown reported an error", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Pool.PoolConfig().ShutdownGrace+5*time.Second)
	defer shutdownCancel()
	if err := workerPool.Shutdown(shutdownCtx); err != nil {
		logger.Warn("worker pool shutdown reported an error", zap.Error(err))
	}

	return nil
}

func buildAdapters(cfg *config.Config, logger *zap.Logger) ([]adapter.Adapter, map[string]*breaker.Breaker, error) {
	adapters := make([]adapter.Adapter, 0, len(cfg.Adapters))
	breakers := make(map[string]*breaker.Breaker, len(cfg.Adapters))

	for _, spec := range cfg.Adapters {
		desc := adapter.Descriptor{
			Name:               spec.Name,
			SupportsStreaming:  spec.SupportsStreaming,
			SupportsToolCalls:  spec.SupportsToolCalls,
			CostPer1kInputUSD:  spec.CostPer1kInputUSD,
			CostPer1kOutputUSD: spec.CostPer1kOutputUSD,
			TypicalLatency:     time.Duration(spec.TypicalLatencyMs) * time.Millisecond,
			ConcurrencyCap:     spec.ConcurrencyCap,
			QualityRating:      spec.QualityRating,
			Affinity: adapter.TaskAffinity{
				Math:          spec.Affinity.Math,
				Code:          spec.Affinity.Code,
				Reasoning:     spec.Affinity.Reasoning,
				LanguageEn:    spec.Affinity.LanguageEn,
				LanguageOther: spec.Affinity.LanguageOther,
				Short:         spec.Affinity.Short,
				Long:          spec.Affinity.Long,
			},
			Timeout:        time.Duration(spec.TimeoutMs) * time.Millisecond,
			RateLimitRPS:   spec.RateLimitRPS,
			RateLimitBurst: spec.RateLimitBurst,
		}

		a := adapter.NewHTTPAdapter(adapter.HTTPAdapterConfig{
			Descriptor: desc,
			Endpoint:   spec.Endpoint,
			APIKey:     spec.APIKey,
		}, logger)

		adapters = append(adapters, a)
		breakers[spec.Name] = breaker.New(spec.Name, cfg.Breaker.BreakerConfig())
	}

	if len(adapters) == 0 {
		logger.Warn("no adapters configured; every request will return NO_HEALTHY_BACKEND")
	}

	return adapters, breakers, nil
}

// relayMCPStdio implements the MCP boundary: it reads line-framed
// JSON-RPC 2.0 requests from r, submits each to the pool, and writes the
// (id-restored) reply to w. The pool itself performs the id rewrite for
// worker-side correlation and returns the worker's reply still carrying
// the rewritten id; this relay puts the caller's original id back.
func relayMCPStdio(ctx context.Context, p *pool.Pool, r io.Reader, w io.Writer, logger *zap.Logger) {
	dec := mcprpc.NewDecoder(r)
	enc := mcprpc.NewEncoder(w)

	for {
		var req mcprpc.Request
		if err := dec.Next(&req); err != nil {
			if err != io.EOF {
				logger.Warn("mcp stdio decode failed", zap.Error(err))
			}
			return
		}

		callerID := req.ID
		resp, err := p.Submit(ctx, &req)
		if err != nil {
			resp = &mcprpc.Response{JSONRPC: "2.0", ID: callerID, Error: &mcprpc.Error{Code: -32000, Message: err.Error()}}
		} else {
			resp.ID = callerID
		}

		if err := enc.Encode(resp); err != nil {
			logger.Warn("mcp stdio encode failed", zap.Error(err))
			return
		}
	}
}
