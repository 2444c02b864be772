package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/blockedby/chatlog/internal/backfill"
	"github.com/blockedby/chatlog/internal/config"
	"github.com/blockedby/chatlog/internal/database"
	"github.com/blockedby/chatlog/internal/events"
	"github.com/blockedby/chatlog/internal/ingest"
	"github.com/blockedby/chatlog/internal/logger"
	"github.com/blockedby/chatlog/internal/migrator"
	"github.com/blockedby/chatlog/internal/repository"
	"github.com/blockedby/chatlog/migrations"
)

// Replays newline-delimited event envelopes (REPLAY_FILE, or stdin when
// unset) into the configured store. Duplicates are ignored, so a dump can
// be replayed over a store that already holds part of it.
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
	log := logger.Get().Component("replay")

	// 3. Setup context with graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Open input
	var in io.Reader = os.Stdin
	if path := os.Getenv("REPLAY_FILE"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("failed to open replay file")
		}
		defer f.Close()
		in = f
	}

	// 5. Open the store
	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer store.Close(context.Background())
	ingest.EnsureIndexes(ctx, store, ingest.RequiredIndexes(), log)

	// 6. Run the envelopes through the ingestion driver
	counters := ingest.NewCounters(nil)
	sink := ingest.NewSink(store, nil, counters, log)
	driver := ingest.NewDriver(store, sink, counters, ingest.Config{
		LogMessages: true,
		LogService:  true,
	}, log)

	it := events.NewStreamIterator(in)
	it.Skip = func(e *events.LineError) {
		sink.Record(ctx, "replay", e.Raw, e)
	}

	scanner := backfill.NewScanner(driver, sink, log)
	p, err := scanner.Run(ctx, it, backfill.Options{
		ProgressEvery: cfg.BackfillProgressEvery,
		OnProgress: func(p backfill.Progress) {
			log.Info().Int64("processed", p.Processed).Int64("failed", p.Failed).Msg("replay progress")
		},
	})
	if err != nil {
		log.Error().Err(err).Int64("processed", p.Processed).Msg("replay stopped")
		return
	}

	log.Info().
		Int64("processed", p.Processed).
		Int64("written", p.Written).
		Int64("failed", p.Failed).
		Interface("counters", counters.Snapshot()).
		Msg("replay complete")
}

func openStore(ctx context.Context, cfg *config.Config) (repository.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendMongo:
		client, err := database.NewMongo(ctx, cfg.MongoURL)
		if err != nil {
			return nil, err
		}
		return repository.NewMongoStore(client.Database(cfg.MongoDatabase)), nil
	case config.BackendMemory:
		return repository.NewMemoryStore(), nil
	default:
		if cfg.AutoMigrate {
			mig, err := migrator.NewWithFS(migrations.FS)
			if err != nil {
				return nil, err
			}
			if err := mig.Up(ctx, cfg.DatabaseURL); err != nil {
				return nil, err
			}
		}
		db, err := database.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return repository.NewPostgresStore(db.Pool), nil
	}
}
