package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/obsidianstack/obsidian-exporter/internal/config"
	"github.com/obsidianstack/obsidian-exporter/internal/registry"
	"github.com/obsidianstack/obsidian-exporter/internal/scheduler"
	"github.com/obsidianstack/obsidian-exporter/internal/server"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	level := new(slog.LevelVar)
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	slog.Info("obsidian-exporter starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	setupLogging(cfg, level)

	slog.Info("config loaded",
		"listen", cfg.Listen.Addr(),
		"jobs", len(cfg.Jobs),
		"failure_threshold", cfg.Failure.Threshold,
		"shutdown_grace", cfg.ShutdownGrace,
	)

	os.Exit(run(*configPath, cfg, level))
}

// run wires the exporter and blocks until shutdown. It returns the process
// exit code.
func run(configPath string, cfg *config.Config, level *slog.LevelVar) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, fail := context.WithCancelCause(ctx)
	defer fail(nil)

	pipelines, err := scheduler.NewPipelines(cfg.Jobs)
	if err != nil {
		slog.Error("failed to build jobs", "err", err)
		return 1
	}

	// Self-instrumentation lives on its own registry, apart from exported samples.
	self := prometheus.NewRegistry()
	self.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	reg := registry.New(cfg.Registry.StaleAfter)
	sched := scheduler.New(reg, scheduler.Options{
		FailureThreshold: cfg.Failure.Threshold,
		ShutdownGrace:    cfg.ShutdownGrace,
		Registerer:       self,
		OnFatal:          fail,
	})

	httpSrv := server.NewHTTPServer(cfg.Listen.Addr(), server.New(reg, sched, server.Options{
		Timestamps: cfg.Server.Timestamps,
		Gatherer:   self,
		Registerer: self,
	}))
	lis, err := net.Listen("tcp", cfg.Listen.Addr())
	if err != nil {
		slog.Error("failed to listen", "addr", cfg.Listen.Addr(), "err", err)
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("scrape server listening", "addr", lis.Addr().String())
		if err := httpSrv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("scrape server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		reg.Run(gctx)
		return nil
	})

	// Hot-reload applies the log level; job changes need a restart.
	g.Go(func() error {
		err := config.Watch(gctx, configPath, func(updated *config.Config) {
			if lvl, err := parseLevel(updated.LogLevel); err == nil && lvl != level.Level() {
				level.Set(lvl)
				slog.Info("log level changed", "level", lvl)
			}
			if config.JobsChanged(cfg, updated) {
				slog.Warn("job definitions changed; restart the exporter to apply them")
			}
		})
		if err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
		return nil
	})

	if err := sched.Start(gctx, pipelines); err != nil {
		slog.Error("failed to start scheduler", "err", err)
		fail(err)
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("obsidian-exporter shutting down", "cause", context.Cause(gctx))

		shutdown(cfg.ShutdownGrace, sched, httpSrv)
		return nil
	})

	err = g.Wait()
	if cause := context.Cause(ctx); errors.Is(cause, registry.ErrUnavailable) {
		slog.Error("exiting on fatal registry error", "err", cause)
		return 1
	}
	if err != nil {
		slog.Error("exiting on error", "err", err)
		return 1
	}
	slog.Info("obsidian-exporter stopped")
	return 0
}

// stopper is the part of the scheduler shutdown needs.
type stopper interface {
	Stop() error
}

// shutdown stops the job timers and the scrape listener together, so no new
// connection is accepted while cycles drain. Both share one grace period.
func shutdown(grace time.Duration, sched stopper, srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := sched.Stop(); err != nil {
			slog.Warn("scheduler stopped after forcing in-flight cycles", "err", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Warn("scrape server did not drain in time, closing", "err", err)
			srv.Close() //nolint:errcheck
		}
	}()
	wg.Wait()
}

// setupLogging applies the configured format and level to the default logger.
func setupLogging(cfg *config.Config, level *slog.LevelVar) {
	if lvl, err := parseLevel(cfg.LogLevel); err == nil {
		level.Set(lvl)
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, opts)))
		return
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, opts)))
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	err := lvl.UnmarshalText([]byte(s))
	return lvl, err
}
