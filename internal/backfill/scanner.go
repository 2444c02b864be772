// Package backfill drains historical event iterators through the ingestion
// path. Every scan owns its cancellation through its context, so several
// scans can run and stop independently.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/blockedby/chatlog/internal/events"
	"github.com/blockedby/chatlog/internal/logger"
)

// Ingester writes one event. Backfill always runs in ignore-duplicates mode.
type Ingester interface {
	Ingest(ctx context.Context, ev events.Event, ignoreDuplicates bool) error
}

// FailureRecorder takes events that failed to ingest.
type FailureRecorder interface {
	Record(ctx context.Context, kind string, raw any, err error)
}

// Observer is told about every event a scan wrote.
type Observer interface {
	BackfillProcessed(n int64)
}

// Progress is a point-in-time view of a scan.
type Progress struct {
	// events taken from the iterator and run through ingestion
	Processed int64 `json:"processed"`
	// of those, ingested without error
	Written int64 `json:"written"`
	Failed  int64 `json:"failed"`
}

// Tracker holds live scan counters readable while the scan runs.
type Tracker struct {
	processed atomic.Int64
	written   atomic.Int64
	failed    atomic.Int64
}

// Snapshot returns the current counts.
func (t *Tracker) Snapshot() Progress {
	return Progress{
		Processed: t.processed.Load(),
		Written:   t.written.Load(),
		Failed:    t.failed.Load(),
	}
}

// Options tune one scan.
type Options struct {
	// stop after this many events; 0 drains the iterator
	Limit int64
	// call OnProgress every this many events; 0 disables it
	ProgressEvery int64
	OnProgress    func(Progress)
	// receives live counts; a private tracker is used when nil
	Tracker *Tracker
}

// Scanner feeds iterators through an Ingester.
type Scanner struct {
	ingest   Ingester
	failures FailureRecorder
	log      *logger.Logger

	// Observer, when set, receives written counts.
	Observer Observer
}

// NewScanner creates a scanner.
func NewScanner(ingest Ingester, failures FailureRecorder, log *logger.Logger) *Scanner {
	return &Scanner{ingest: ingest, failures: failures, log: log}
}

// Run drains it until it ends, opts.Limit is reached or ctx is cancelled.
// Cancellation is checked once per event, before reading it; an event
// already being written is finished first. On cancellation Run returns the
// progress so far together with ctx.Err().
func (s *Scanner) Run(ctx context.Context, it events.Iterator, opts Options) (Progress, error) {
	tr := opts.Tracker
	if tr == nil {
		tr = &Tracker{}
	}
	// writes outlive cancellation so no event is half-stored
	writeCtx := context.WithoutCancel(ctx)

	for {
		if err := ctx.Err(); err != nil {
			p := tr.Snapshot()
			s.log.Info().Int64("processed", p.Processed).Msg("backfill cancelled")
			return p, err
		}
		if opts.Limit > 0 && tr.processed.Load() >= opts.Limit {
			return tr.Snapshot(), nil
		}

		ev, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			return tr.Snapshot(), nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return tr.Snapshot(), ctx.Err()
			}
			return tr.Snapshot(), fmt.Errorf("read history: %w", err)
		}

		if err := s.ingest.Ingest(writeCtx, ev, true); err != nil {
			tr.failed.Add(1)
			s.failures.Record(writeCtx, string(ev.Kind()), ev, err)
		} else {
			tr.written.Add(1)
			if s.Observer != nil {
				s.Observer.BackfillProcessed(1)
			}
		}
		n := tr.processed.Add(1)

		if opts.ProgressEvery > 0 && n%opts.ProgressEvery == 0 {
			p := tr.Snapshot()
			s.log.Debug().Int64("processed", p.Processed).Int64("failed", p.Failed).Msg("backfill progress")
			if opts.OnProgress != nil {
				opts.OnProgress(p)
			}
		}
	}
}
