package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blockedby/chatlog/internal/api"
	"github.com/blockedby/chatlog/internal/backfill"
	"github.com/blockedby/chatlog/internal/config"
	"github.com/blockedby/chatlog/internal/database"
	"github.com/blockedby/chatlog/internal/events"
	"github.com/blockedby/chatlog/internal/ingest"
	"github.com/blockedby/chatlog/internal/logger"
	"github.com/blockedby/chatlog/internal/metrics"
	"github.com/blockedby/chatlog/internal/migrator"
	"github.com/blockedby/chatlog/internal/nats"
	"github.com/blockedby/chatlog/internal/publisher"
	"github.com/blockedby/chatlog/internal/relay"
	"github.com/blockedby/chatlog/internal/repository"
	"github.com/blockedby/chatlog/internal/spool"
	"github.com/blockedby/chatlog/internal/telegram"
	"github.com/blockedby/chatlog/migrations"
)

// dialog pages read to warm the peer cache after login
const warmPages = 5

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// 2. Initialize logger
	if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	log := logger.Get()
	log.Info().Str("backend", cfg.StoreBackend).Msg("starting chatlog")

	// 3. Setup context with graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("received shutdown signal")
		cancel()
	}()

	// 4. Open the store
	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer closeStore()

	if created := ingest.EnsureIndexes(ctx, store, ingest.RequiredIndexes(), log); len(created) > 0 {
		log.Info().Strs("indexes", created).Msg("created missing indexes")
	}

	// 5. Error sink with local spool
	sp, err := spool.Open(cfg.SpoolDir)
	if err != nil {
		log.Warn().Err(err).Str("dir", cfg.SpoolDir).Msg("failed to open spool, failures the store rejects will be dropped")
	} else {
		defer sp.Close()
	}

	m := metrics.New()
	counters := ingest.NewCounters(m)
	sink := ingest.NewSink(store, sp, counters, log.Component("sink"))
	sink.OnSpool = m.Spooled
	if sp != nil {
		go sink.RunReplay(ctx, cfg.SpoolReplayInterval)
	}

	// 6. Connect to NATS
	nc, err := nats.New(ctx, cfg.NatsURL)
	if err != nil {
		log.Warn().Err(err).Msg("failed to connect to nats, publishing disabled")
	} else {
		defer nc.Close()
	}

	// 7. Live notification fan-out
	hub := api.NewHub(log)
	go hub.Run(ctx)

	notifiers := ingest.Notifiers{hub}
	if nc != nil {
		prefix := cfg.NatsSubjectPrefix
		if err := nc.EnsureStream(ctx, prefix+"_notifications", []string{prefix + ".*"}); err != nil {
			log.Warn().Err(err).Msg("failed to ensure notification stream")
		}
		notifiers = append(notifiers, publisher.NewNATSPublisher(nc, prefix, m, log))
	}

	opts := []ingest.Option{
		ingest.WithNotifier(notifiers),
		ingest.WithHookObserver(m),
	}

	// 8. Telegram source
	peers := telegram.NewPeerCache()
	rl := telegram.NewRateLimiter(cfg.BackfillRPS, 1)

	var (
		mgr    *telegram.Manager
		source backfill.Source = unconfiguredSource{}
		live   ingest.LiveChecker
	)
	if cfg.TelegramEnabled() {
		sessionDB, err := database.OpenSessionDB(cfg.TGSessionDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open session db")
		}
		storage, err := telegram.NewSessionStorage(sessionDB)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to init session storage")
		}

		tgLog := log.Component("telegram")
		mgr = telegram.NewManager(cfg.TGApiID, cfg.TGApiHash, storage, tgLog)
		onDemand := telegram.DefaultRateLimiter()
		if cfg.LogMedia {
			opts = append(opts, ingest.WithMediaFetcher(telegram.NewMediaFetcher(mgr, cfg.MediaDir, onDemand)))
		}
		source = telegram.NewHistory(mgr.RPC, peers, mgr.SelfID, rl, tgLog)
		live = telegram.NewLiveChecker(mgr.RPC, peers, onDemand)
	} else {
		log.Warn().Msg("TG_API_ID and TG_API_HASH not set, telegram source disabled")
	}

	// 9. Ingestion driver
	driver := ingest.NewDriver(store, sink, counters, ingest.Config{
		LogMessages: cfg.LogMessages,
		LogService:  cfg.LogService,
		LogMedia:    cfg.LogMedia,
	}, log.Component("ingest"), opts...)

	status := func() string { return "disabled" }
	if mgr != nil {
		telegram.NewUpdates(mgr.SelfID, peers, driver.Handle, log.Component("telegram")).Register(mgr.Dispatcher())
		status = func() string { return string(mgr.GetStatus()) }

		go func() {
			if err := mgr.Run(ctx); err != nil {
				log.Error().Err(err).Msg("telegram client stopped")
			}
		}()
		go warmPeers(ctx, mgr, peers, rl, log)
	}

	// 10. Backfill
	bfLog := log.Component("backfill")
	scanner := backfill.NewScanner(driver, sink, bfLog)
	scanner.Observer = m
	jobs := backfill.NewManager(scanner, source, cfg.BackfillMaxJobs, bfLog)
	m.RunningJobs(jobs.Running)

	// 11. Relay consumer
	if cfg.RelayEnabled {
		if nc == nil {
			log.Warn().Msg("relay enabled but nats is not connected, relay disabled")
		} else {
			consumer := relay.NewConsumer(nc, driver, sink, cfg.NatsSubjectPrefix, log.Component("relay"))
			if err := nc.EnsureStream(ctx, consumer.Stream(), []string{consumer.Subject()}); err != nil {
				log.Fatal().Err(err).Msg("failed to ensure relay stream")
			}
			if err := consumer.Start(ctx); err != nil {
				log.Fatal().Err(err).Msg("failed to start relay consumer")
			}
		}
	}

	// 12. Start Server
	deps := &api.Dependencies{
		Store:     store,
		Deletions: driver.Correlator(),
		Counters:  counters,
		Backfill:  jobs,
		Status:    status,
		Live:      live,
		Hub:       hub,
		Metrics:   m.Handler(),
	}
	server := api.NewServer(cfg.HTTPPort, deps, log.Component("api"))
	go func() {
		if err := server.Start(); err != nil {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// 13. Wait for shutdown
	<-ctx.Done()
	log.Info().Msg("shutting down services...")

	if n := jobs.StopAll(); n > 0 {
		log.Info().Int("jobs", n).Msg("stopped backfill jobs")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown")
	}

	log.Info().Msg("shutdown complete")
}

// openStore connects the configured backend and returns it with its close
// function.
func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (repository.Store, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendMongo:
		client, err := database.NewMongo(ctx, cfg.MongoURL)
		if err != nil {
			return nil, nil, err
		}
		return repository.NewMongoStore(client.Database(cfg.MongoDatabase)), func() {
			_ = client.Disconnect(context.Background())
		}, nil

	case config.BackendMemory:
		log.Warn().Msg("memory backend: nothing survives a restart")
		return repository.NewMemoryStore(), func() {}, nil

	default:
		if cfg.AutoMigrate {
			mig, err := migrator.NewWithFS(migrations.FS)
			if err != nil {
				return nil, nil, err
			}
			if err := mig.Up(ctx, cfg.DatabaseURL); err != nil {
				return nil, nil, err
			}
			version, _, _ := mig.Version(ctx, cfg.DatabaseURL)
			log.Info().Uint("version", version).Msg("migrations applied")
		}

		db, err := database.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return repository.NewPostgresStore(db.Pool), db.Close, nil
	}
}

// warmPeers fills the peer cache from the dialog list once the account is
// logged in, so backfill and live checks can address chats seen before.
func warmPeers(ctx context.Context, mgr *telegram.Manager, peers *telegram.PeerCache, rl *telegram.RateLimiter, log *logger.Logger) {
	if err := mgr.WaitReady(ctx); err != nil {
		return
	}
	rpc, err := mgr.RPC()
	if err != nil {
		log.Warn().Err(err).Msg("peer cache warm-up skipped")
		return
	}
	if err := peers.Warm(ctx, rpc, rl, warmPages); err != nil {
		log.Warn().Err(err).Msg("peer cache warm-up failed")
		return
	}
	log.Info().Int("peers", peers.Len()).Msg("peer cache warmed")
}

// unconfiguredSource fails every backfill when no telegram account is set.
type unconfiguredSource struct{}

func (unconfiguredSource) History(context.Context, backfill.Request) (events.Iterator, error) {
	return nil, errors.New("telegram source is not configured")
}
