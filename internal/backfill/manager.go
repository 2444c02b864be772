package backfill

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blockedby/chatlog/internal/events"
	"github.com/blockedby/chatlog/internal/logger"
)

// errors
var (
	ErrTooManyJobs = errors.New("too many backfill jobs running")
	ErrJobNotFound = errors.New("backfill job not found")
)

// Request selects the history a job scans.
type Request struct {
	Chat int64 `json:"chat"`
	// messages to read; 0 reads the whole history
	Limit int `json:"limit,omitempty"`
	// start below (or, oldest first, above) this message id
	OffsetID    int  `json:"offset_id,omitempty"`
	OldestFirst bool `json:"oldest_first,omitempty"`
	// progress log interval in events
	ProgressEvery int64 `json:"progress_every,omitempty"`
}

// Source opens history iterators.
type Source interface {
	History(ctx context.Context, req Request) (events.Iterator, error)
}

// State of a job.
type State string

// job states
const (
	StateRunning   State = "running"
	StateDone      State = "done"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// Job is a snapshot of one backfill job.
type Job struct {
	ID         uuid.UUID  `json:"id"`
	Request    Request    `json:"request"`
	State      State      `json:"state"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
	Progress   Progress   `json:"progress"`
}

type job struct {
	info    Job
	cancel  context.CancelFunc
	tracker *Tracker
	done    chan struct{}
}

func (j *job) snapshot() Job {
	out := j.info
	out.Progress = j.tracker.Snapshot()
	return out
}

// Manager runs backfill jobs in the background, each with its own cancel
// func. Finished jobs stay listed with their final progress.
// thread-safe
type Manager struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]*job
	scanner *Scanner
	source  Source
	maxJobs int
	log     *logger.Logger
}

// NewManager creates a manager. maxJobs caps concurrently running jobs;
// 0 means no cap.
func NewManager(scanner *Scanner, source Source, maxJobs int, log *logger.Logger) *Manager {
	return &Manager{
		jobs:    map[uuid.UUID]*job{},
		scanner: scanner,
		source:  source,
		maxJobs: maxJobs,
		log:     log,
	}
}

// Start launches a job for req. It returns ErrTooManyJobs when the cap is
// reached.
func (m *Manager) Start(_ context.Context, req Request) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxJobs > 0 && m.running() >= m.maxJobs {
		return nil, ErrTooManyJobs
	}

	// not the caller's context: jobs outlive the request that started them
	ctx, cancel := context.WithCancel(context.Background())
	j := &job{
		info: Job{
			ID:        uuid.New(),
			Request:   req,
			State:     StateRunning,
			StartedAt: time.Now().UTC(),
		},
		cancel:  cancel,
		tracker: &Tracker{},
		done:    make(chan struct{}),
	}
	m.jobs[j.info.ID] = j

	go m.run(ctx, j)

	snap := j.snapshot()
	return &snap, nil
}

func (m *Manager) run(ctx context.Context, j *job) {
	defer close(j.done)
	defer j.cancel()

	log := m.log.With().Str("job_id", j.info.ID.String()).Int64("chat_id", j.info.Request.Chat).Logger()
	log.Info().Int("limit", j.info.Request.Limit).Bool("oldest_first", j.info.Request.OldestFirst).Msg("backfill started")

	var (
		p   Progress
		err error
	)
	it, err := m.source.History(ctx, j.info.Request)
	if err == nil {
		p, err = m.scanner.Run(ctx, it, Options{
			ProgressEvery: j.info.Request.ProgressEvery,
			Tracker:       j.tracker,
		})
	} else {
		err = fmt.Errorf("open history: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	j.info.FinishedAt = &now
	switch {
	case err == nil:
		j.info.State = StateDone
	case errors.Is(err, context.Canceled):
		j.info.State = StateCancelled
	default:
		j.info.State = StateFailed
		j.info.Error = err.Error()
	}
	log.Info().Str("state", string(j.info.State)).Int64("processed", p.Processed).Int64("failed", p.Failed).Msg("backfill finished")
}

// Stop cancels job id. Stopping a finished job is a no-op.
func (m *Manager) Stop(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	j.cancel()
	return nil
}

// StopAll cancels every running job and returns how many there were.
func (m *Manager) StopAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, j := range m.jobs {
		if j.info.State == StateRunning {
			j.cancel()
			n++
		}
	}
	return n
}

// Get returns a snapshot of job id.
func (m *Manager) Get(id uuid.UUID) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return j.snapshot(), nil
}

// Jobs returns every known job, oldest first.
func (m *Manager) Jobs() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j.snapshot())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].StartedAt.Before(out[b].StartedAt) })
	return out
}

// Running returns how many jobs are running.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running()
}

func (m *Manager) running() int {
	n := 0
	for _, j := range m.jobs {
		if j.info.State == StateRunning {
			n++
		}
	}
	return n
}

// Wait blocks until job id finishes or ctx is done.
func (m *Manager) Wait(ctx context.Context, id uuid.UUID) (Job, error) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	select {
	case <-j.done:
		return m.Get(id)
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}
