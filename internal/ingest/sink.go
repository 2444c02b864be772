package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/blockedby/chatlog/internal/events"
	"github.com/blockedby/chatlog/internal/logger"
	"github.com/blockedby/chatlog/internal/models"
	"github.com/blockedby/chatlog/internal/repository"
	"github.com/blockedby/chatlog/internal/spool"
)

// PanicError carries a recovered panic and the stack it happened on.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// recovered converts a recover() value into a PanicError, or nil.
func recovered(r any) error {
	if r == nil {
		return nil
	}
	return &PanicError{Value: r, Stack: debug.Stack()}
}

// Sink records events that failed to ingest. It never returns an error:
// when the store refuses the record it goes to the local spool, and when
// that fails too it is logged and dropped.
type Sink struct {
	store    repository.FailureStore
	spool    *spool.Spool
	counters *Counters
	log      *logger.Logger

	// OnSpool is called after a record was spooled.
	OnSpool func()
	now     func() time.Time
}

// NewSink creates a sink writing to store. sp may be nil.
func NewSink(store repository.FailureStore, sp *spool.Spool, counters *Counters, log *logger.Logger) *Sink {
	return &Sink{store: store, spool: sp, counters: counters, log: log, now: time.Now}
}

// Record stores raw together with err. kind names the failing stage or
// event kind.
func (s *Sink) Record(ctx context.Context, kind string, raw any, err error) {
	f := &models.Failure{
		ID:    uuid.NewString(),
		Date:  s.now().UTC(),
		Kind:  kind,
		Error: err.Error(),
		Raw:   rawPayload(raw),
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		f.Stack = string(pe.Stack)
	}
	s.counters.Inc(CounterFailures)

	s.log.Error().Err(err).Str("kind", kind).Str("failure_id", f.ID).Msg("event failed")

	// the failing operation's context may already be cancelled
	storeErr := s.store.InsertFailure(context.WithoutCancel(ctx), f)
	if storeErr == nil {
		return
	}
	s.log.Warn().Err(storeErr).Str("failure_id", f.ID).Msg("failed to store failure record")
	s.spoolFailure(f)
}

func (s *Sink) spoolFailure(f *models.Failure) {
	if s.spool == nil {
		return
	}
	data, err := json.Marshal(f)
	if err != nil {
		s.log.Error().Err(err).Str("failure_id", f.ID).Msg("failed to encode failure record")
		return
	}
	if _, err := s.spool.Put(data); err != nil {
		s.log.Error().Err(err).Str("failure_id", f.ID).Msg("failed to spool failure record")
		return
	}
	if s.OnSpool != nil {
		s.OnSpool()
	}
}

// Replay moves spooled records into the store, oldest first, and returns
// how many were moved. It stops at the first store error, leaving the rest
// spooled.
func (s *Sink) Replay(ctx context.Context) (int, error) {
	if s.spool == nil {
		return 0, nil
	}
	moved := 0
	var storeErr error
	err := s.spool.Each(func(key string, value []byte) error {
		if ctx.Err() != nil {
			return spool.ErrStop
		}
		var f models.Failure
		if err := json.Unmarshal(value, &f); err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("dropping unreadable spooled failure")
			return s.spool.Delete(key)
		}
		if err := s.store.InsertFailure(ctx, &f); err != nil {
			storeErr = err
			return spool.ErrStop
		}
		moved++
		return s.spool.Delete(key)
	})
	if err != nil {
		return moved, fmt.Errorf("replay spool: %w", err)
	}
	if storeErr != nil {
		return moved, fmt.Errorf("replay spool: %w", storeErr)
	}
	return moved, nil
}

// RunReplay calls Replay every interval until ctx is done.
func (s *Sink) RunReplay(ctx context.Context, interval time.Duration) {
	if s.spool == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Replay(ctx)
			if err != nil {
				s.log.Warn().Err(err).Int("replayed", n).Msg("spool replay incomplete")
				continue
			}
			if n > 0 {
				s.log.Info().Int("replayed", n).Msg("replayed spooled failures")
			}
		}
	}
}

// rawPayload renders the failing input for later inspection. Events use the
// envelope codec so they can be decoded and fed back in.
func rawPayload(raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case events.Event:
		if data, err := events.Marshal(v); err == nil {
			return string(data)
		}
	}
	if data, err := json.Marshal(raw); err == nil {
		return string(data)
	}
	return fmt.Sprintf("%+v", raw)
}
