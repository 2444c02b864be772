package ingest

import "sync/atomic"

// Counter names one session counter.
type Counter int

// session counters
const (
	CounterMessages Counter = iota
	CounterEdits
	CounterDeletions
	CounterService
	CounterMembers
	CounterPresence
	CounterNewUsers
	CounterNewChats
	CounterFailures
	numCounters
)

var counterNames = [numCounters]string{
	CounterMessages:  "messages",
	CounterEdits:     "edits",
	CounterDeletions: "deletions",
	CounterService:   "service",
	CounterMembers:   "members",
	CounterPresence:  "presence",
	CounterNewUsers:  "new_users",
	CounterNewChats:  "new_chats",
	CounterFailures:  "failures",
}

func (c Counter) String() string {
	if c < 0 || c >= numCounters {
		return "unknown"
	}
	return counterNames[c]
}

// CounterObserver receives every counter increment, e.g. to mirror it into
// Prometheus.
type CounterObserver interface {
	Observe(name string, delta int64)
}

// Counters are the in-memory ingestion counters of this process. They start
// at zero and report session deltas only; persisted counts live in the store.
type Counters struct {
	values   [numCounters]atomic.Int64
	observer CounterObserver
}

// NewCounters returns zeroed counters. observer may be nil.
func NewCounters(observer CounterObserver) *Counters {
	return &Counters{observer: observer}
}

// Add increments c by delta.
func (cs *Counters) Add(c Counter, delta int64) {
	if delta == 0 || c < 0 || c >= numCounters {
		return
	}
	cs.values[c].Add(delta)
	if cs.observer != nil {
		cs.observer.Observe(c.String(), delta)
	}
}

// Inc increments c by one.
func (cs *Counters) Inc(c Counter) {
	cs.Add(c, 1)
}

// Get returns the current value of c.
func (cs *Counters) Get(c Counter) int64 {
	if c < 0 || c >= numCounters {
		return 0
	}
	return cs.values[c].Load()
}

// Snapshot returns every counter by name.
func (cs *Counters) Snapshot() map[string]int64 {
	out := make(map[string]int64, numCounters)
	for c := Counter(0); c < numCounters; c++ {
		out[c.String()] = cs.values[c].Load()
	}
	return out
}
