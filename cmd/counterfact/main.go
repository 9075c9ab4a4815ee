package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/crimson-sun/counterfact/internal/config"
	"github.com/crimson-sun/counterfact/internal/eval"
	"github.com/crimson-sun/counterfact/internal/logging"
	"github.com/crimson-sun/counterfact/internal/oracle"
	"github.com/crimson-sun/counterfact/internal/results"
	"github.com/crimson-sun/counterfact/internal/store"
	"github.com/crimson-sun/counterfact/pkg/metrics"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "counterfact: config: %v\n", err)
		return 1
	}
	logging.Init(cfg.LogJSON, logging.ParseLevel(cfg.LogLevel))

	// Load the event stream.
	st, err := store.Load(cfg.Data.Dir, cfg.Data.Name, store.Options{
		Directed:  cfg.Data.Directed,
		Bipartite: cfg.Data.Bipartite,
	})
	if err != nil {
		slog.Error("dataset load failed", "err", err)
		return 1
	}
	slog.Info("dataset loaded", "name", st.Name(), "events", st.Len())

	met := metrics.New()

	// Cache predictor scores across runs when a cache directory is set.
	cache := oracle.NewMemoryCache()
	if cfg.CacheDir != "" {
		digest, err := oracle.ModelDigest(cfg.Model.Path)
		if err != nil {
			slog.Error("model digest failed", "err", err)
			return 1
		}
		cache, err = oracle.NewBadgerCache(cfg.CacheDir, digest)
		if err != nil {
			slog.Error("score cache open failed", "err", err)
			return 1
		}
	}

	orc, err := oracle.New(cfg.Model.Path, st, oracle.Config{
		Workers: cfg.Model.Workers,
		Cache:   cache,
		Metrics: met,
	})
	if err != nil {
		slog.Error("predictor load failed", "err", err)
		return 1
	}
	defer orc.Close()

	opts := []eval.Option{eval.WithMetrics(met)}
	if cfg.Model.SamplerPath != "" {
		scorer, err := oracle.NewScorer(cfg.Model.SamplerPath)
		if err != nil {
			slog.Error("sampler load failed", "err", err)
			return 1
		}
		defer scorer.Close()
		opts = append(opts, eval.WithScorer(scorer))
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Output.ResultsPath), 0755); err != nil {
		slog.Error("results dir create failed", "err", err)
		return 1
	}
	writer, err := results.Open(cfg.Output.ResultsPath)
	if err != nil {
		slog.Error("results open failed", "err", err)
		return 1
	}
	defer writer.Close()

	// Graceful shutdown: a signal checkpoints the in-flight search.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	runner := eval.NewRunner(cfg, st, orc, writer, opts...)
	if err := runner.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Info("run interrupted, progress checkpointed")
			return 130
		}
		slog.Error("run failed", "err", err)
		return 1
	}
	slog.Info("run completed", "results", cfg.Output.ResultsPath)
	return 0
}
