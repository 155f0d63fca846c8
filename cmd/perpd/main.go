package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/uhyunpark/perpcore/params"
	"github.com/uhyunpark/perpcore/pkg/api"
	"github.com/uhyunpark/perpcore/pkg/app/perp"
	"github.com/uhyunpark/perpcore/pkg/events"
	"github.com/uhyunpark/perpcore/pkg/storage"
	"github.com/uhyunpark/perpcore/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Log.File != "" {
		logger, err = util.NewLoggerWithFile(cfg.Log.File, cfg.Log.Level)
	} else {
		logger, err = util.NewLogger(cfg.Log.Level)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	markets, err := params.LoadMarkets(cfg.Node.MarketsPath)
	if err != nil {
		sugar.Fatalw("markets_load_failed", "path", cfg.Node.MarketsPath, "err", err)
	}

	// ---- Storage ----
	var repo *storage.Repository
	if cfg.Storage.InMemory {
		repo = storage.NewMemory()
		sugar.Warn("storage_in_memory - state is lost on exit")
	} else {
		repo, err = storage.OpenPebble(cfg.Storage.Path, cfg.Storage.Sync)
		if err != nil {
			sugar.Fatalw("storage_open_failed", "path", cfg.Storage.Path, "err", err)
		}
	}
	defer repo.Close()

	// ---- Event sinks ----
	hub := api.NewHub(logger.Named("ws"))
	sinks := events.Fanout{hub}
	if len(cfg.Events.KafkaBrokers) > 0 {
		kcfg := events.DefaultKafkaConfig()
		kcfg.Brokers = cfg.Events.KafkaBrokers
		k, err := events.NewKafka(kcfg, logger.Named("kafka"))
		if err != nil {
			sugar.Fatalw("kafka_init_failed", "err", err)
		}
		sinks = append(sinks, k)
		sugar.Infow("kafka_enabled", "brokers", cfg.Events.KafkaBrokers)
	}
	if cfg.Events.JournalPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Events.JournalPath), 0o755); err != nil {
			sugar.Fatalw("journal_dir_failed", "err", err)
		}
		j, err := storage.OpenJournal(cfg.Events.JournalPath)
		if err != nil {
			sugar.Fatalw("journal_open_failed", "err", err)
		}
		sinks = append(sinks, j)
		sugar.Infow("journal_enabled", "path", cfg.Events.JournalPath)
	}
	defer sinks.Close()

	// ---- Metrics ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// ---- Exchange ----
	clock := util.RealClock{}
	oracle := perp.NewFixedOracle(clock)
	for _, s := range markets.Instruments {
		oracle.Set(s.Symbol, s.IndexPrice)
	}
	ex, err := perp.New(perp.Options{
		Config:     cfg,
		Markets:    markets,
		Repo:       repo,
		Events:     sinks,
		Registerer: reg,
		Oracle:     oracle,
		Logger:     logger,
	})
	if err != nil {
		sugar.Fatalw("exchange_init_failed", "err", err)
	}
	sugar.Infow("exchange_ready",
		"venues", ex.Venues(),
		"instruments", len(markets.Instruments),
		"state_hash", ex.StateHash().Hex())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Liquidity seeder (devnet) ----
	if cfg.Node.SeedLiquidity {
		seeder := perp.NewSeeder(ex, perp.DefaultSeederConfig(), clock, logger.Named("seeder"))
		go seeder.Run(ctx)
	} else {
		sugar.Info("seeder_disabled")
	}

	go every(ctx, cfg.Node.BatchInterval, func() {
		ex.Tick(util.NowMs(clock))
	})
	go every(ctx, cfg.Node.FundingInterval, func() {
		n, err := ex.UpdateFunding(util.NowMs(clock))
		if err != nil {
			sugar.Warnw("funding_persist_failed", "err", err)
			return
		}
		if n > 0 {
			sugar.Infow("funding_applied", "instruments", n)
		}
	})
	go every(ctx, cfg.Node.SnapshotInterval, func() {
		if err := ex.Persist(); err != nil {
			sugar.Warnw("snapshot_failed", "err", err)
		}
	})

	// ---- API ----
	srv := api.NewServer(ex, cfg.API, hub, reg, clock, logger.Named("api"))
	sugar.Infow("node_starting",
		"api", cfg.API.Addr,
		"storage", cfg.Storage.Path,
		"batch_interval_ms", cfg.Node.BatchInterval.Milliseconds(),
		"funding_interval_ms", cfg.Node.FundingInterval.Milliseconds())
	if err := srv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		sugar.Errorw("api_stopped", "err", err)
	}

	if err := ex.Persist(); err != nil {
		sugar.Errorw("final_persist_failed", "err", err)
	}
	sugar.Infow("node_stopped", "state_hash", ex.StateHash().Hex())
}

// every runs fn on each tick of d until ctx is done.
func every(ctx context.Context, d time.Duration, fn func()) {
	if d <= 0 {
		return
	}
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}
