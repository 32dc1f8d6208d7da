// SPDX-License-Identifier: MIT

// The checkarr daemon: probes the streams behind a Dispatcharr
// instance, scores them and keeps every channel's stream list ordered
// best-first.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/checkarr/checkarr/internal/api"
	"github.com/checkarr/checkarr/internal/cache"
	"github.com/checkarr/checkarr/internal/changelog"
	"github.com/checkarr/checkarr/internal/config"
	"github.com/checkarr/checkarr/internal/deadtrack"
	"github.com/checkarr/checkarr/internal/dispatcharr"
	"github.com/checkarr/checkarr/internal/health"
	"github.com/checkarr/checkarr/internal/history"
	"github.com/checkarr/checkarr/internal/limiter"
	"github.com/checkarr/checkarr/internal/log"
	"github.com/checkarr/checkarr/internal/matcher"
	"github.com/checkarr/checkarr/internal/netguard"
	"github.com/checkarr/checkarr/internal/pipeline"
	"github.com/checkarr/checkarr/internal/prober"
	"github.com/checkarr/checkarr/internal/queue"
	"github.com/checkarr/checkarr/internal/scheduler"
	"github.com/checkarr/checkarr/internal/telemetry"
	"github.com/checkarr/checkarr/internal/udi"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
	snapshotMaxAge    = 24 * time.Hour
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("checkarr %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// No explicit -config: pick up ${CHECKARR_DATA_DIR}/config.yaml when
	// one exists, so a file dropped into the data dir just works.
	effectivePath := *configPath
	if effectivePath == "" {
		autoPath := filepath.Join(config.ParseString("CHECKARR_DATA_DIR", "/data"), "config.yaml")
		if _, err := os.Stat(autoPath); err == nil {
			effectivePath = autoPath
		}
	}

	cfg, err := config.Load(effectivePath)

	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Service: "checkarr",
		Version: version,
	})
	logger := log.WithComponent("daemon")

	if err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "config.load_failed").
			Str("path", effectivePath).
			Msg("loading configuration failed")
	}
	if effectivePath != "" {
		logger.Info().
			Str(log.FieldEvent, "config.loaded").
			Str("path", effectivePath).
			Msg("configuration file applied")
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "config.invalid").
			Msg("bootstrap configuration rejected")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "daemon.failed").
			Msg("daemon exited with error")
	}
	logger.Info().
		Str(log.FieldEvent, "daemon.stopped").
		Msg("daemon stopped")
}

func run(ctx context.Context, cfg config.App, logger zerolog.Logger) error {
	tracing, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.OTELEnabled,
		ServiceName:    "checkarr",
		ServiceVersion: version,
		Protocol:       cfg.OTELProtocol,
		Endpoint:       cfg.OTELEndpoint,
		SampleRatio:    cfg.OTELSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).
				Str(log.FieldEvent, "telemetry.shutdown_failed").
				Msg("tracer provider shutdown failed")
		}
	}()

	client, err := dispatcharr.New(dispatcharr.Options{
		BaseURL:  cfg.AggregatorURL,
		Username: cfg.Username,
		Password: cfg.Password,
		Token:    cfg.Token,
		Timeout:  cfg.HTTPTimeout,
	})
	if err != nil {
		return fmt.Errorf("aggregator client: %w", err)
	}

	liveCache := cache.New(cache.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	defer func() { _ = liveCache.Close() }()

	// Settings documents plus the fsnotify watcher for hot reload.
	settings := config.NewManager(ctx, cfg.DataDir)
	if err := settings.StartWatcher(ctx); err != nil {
		logger.Warn().Err(err).
			Str(log.FieldEvent, "config.watcher_failed").
			Msg("settings hot reload disabled")
	}
	defer settings.Stop()

	idx := udi.New(client, filepath.Join(cfg.DataDir, "udi"), liveCache)
	idx.LoadSnapshot(ctx)
	lim := limiter.New(idx)
	idx.SetCheckingSource(lim)

	if idx.LastFullRefresh().IsZero() {
		logger.Info().
			Str(log.FieldEvent, "udi.initial_refresh").
			Msg("no usable snapshot, fetching full state from aggregator")
		if err := idx.RefreshAll(ctx); err != nil {
			logger.Warn().Err(err).
				Str(log.FieldEvent, "udi.initial_refresh_failed").
				Msg("starting with an empty index, the playlist cycle will retry")
		}
	}

	dead := deadtrack.Open(ctx, filepath.Join(cfg.DataDir, "dead_streams.json"))
	match := matcher.Open(ctx, filepath.Join(cfg.DataDir, "channel_regex_config.json"))

	clog, err := changelog.Open(ctx, filepath.Join(cfg.DataDir, "stream_checker_changelog.json"))
	if err != nil {
		return fmt.Errorf("changelog: %w", err)
	}
	progress := changelog.NewProgress(filepath.Join(cfg.DataDir, "stream_checker_progress.json"))

	var ledger pipeline.ProbeLedger
	hist, err := history.Open(cfg.HistoryDB)
	if err != nil {
		logger.Warn().Err(err).
			Str(log.FieldEvent, "history.open_failed").
			Msg("probe history disabled")
		hist = nil
	} else {
		ledger = hist
		defer func() { _ = hist.Close() }()
	}

	prb := prober.New(prober.Options{
		FFmpegPath: cfg.FFmpegPath,
		Proxy:      cfg.ProbeProxy,
		Guard:      netguard.Policy{AllowPrivate: cfg.StreamAllowPrivate},
	})

	tracker := scheduler.OpenTracker(ctx, filepath.Join(cfg.DataDir, "channel_updates.json"))
	q := queue.New(settings.Checker.Get().Queue.MaxSize)

	pipe := pipeline.New(pipeline.Deps{
		Index:    idx,
		Client:   client,
		Limiter:  lim,
		Prober:   prb,
		Dead:     dead,
		Tracker:  tracker,
		Settings: settings.Checker,
		Channels: settings.Channels,
		Progress: progress,
		Log:      clog,
		History:  ledger,
	})
	worker := queue.NewWorker(q, pipe, clog)

	sched := scheduler.New(scheduler.Deps{
		Index:      idx,
		Client:     client,
		Match:      match,
		Queue:      q,
		Worker:     worker,
		Pipe:       pipe,
		Dead:       dead,
		Settings:   settings.Checker,
		Automation: settings.Automation,
		Channels:   settings.Channels,
		Tracker:    tracker,
		Log:        clog,
	})

	// Settings reloads wake the scheduler so a changed cadence or EPG
	// flag takes effect without waiting for the next tick.
	reloads := make(chan struct{}, 1)
	settings.RegisterListener(reloads)

	hm := health.NewManager(version)
	hm.Register(health.NewAggregatorChecker(func(ctx context.Context) error {
		_, err := client.Providers(ctx)
		return err
	}))
	hm.Register(health.NewSnapshotAgeChecker(idx.LastFullRefresh, snapshotMaxAge))
	hm.Register(health.NewWorkerChecker("queue_worker", worker.Running))

	ops := api.New(api.Deps{
		Health:     hm,
		Index:      idx,
		Queue:      q,
		Dead:       dead,
		Control:    sched,
		Settings:   settings.Checker,
		Automation: settings.Automation,
		Progress:   progress,
		Changelog:  clog,
		History:    hist,
	})
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           ops.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		worker.Run(ctx)
		return nil
	})
	g.Go(func() error {
		sched.Run(ctx)
		return nil
	})
	g.Go(func() error {
		sched.RunEPGEvents(ctx)
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-reloads:
				sched.Wake()
				sched.WakeEPG()
			}
		}
	})
	g.Go(func() error {
		logger.Info().
			Str(log.FieldEvent, "daemon.listening").
			Str("addr", cfg.Listen).
			Msg("ops server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
