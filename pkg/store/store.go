package store

import (
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/sambigeara/nectar/pkg/entry"
	"github.com/sambigeara/nectar/pkg/observability/metrics"
	"github.com/sambigeara/nectar/pkg/types"
	"github.com/sambigeara/nectar/pkg/wire"
)

// Broadcaster propagates accepted changes to peers. Send must not block and
// must never call back into the store.
type Broadcaster interface {
	Send(msg *wire.Message, exclude types.PeerAddr)
}

// SequenceLedger is the durable identity -> highest sequence map.
type SequenceLedger interface {
	Highest(id types.Hash160) (uint32, bool)
	Record(id types.Hash160, seq uint32)
}

type EventKind uint8

const (
	EventAdded EventKind = iota + 1
	EventRemoved
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

type Event struct {
	Record  *entry.Record
	Kind    EventKind
	ID      types.Hash160
	Expired bool
}

type Listener func(Event)

type subscription struct {
	fn        Listener
	cancelled bool
}

type SweepState uint8

const (
	SweepIdle SweepState = iota
	Sweeping
)

type Entry struct {
	Record *entry.Record
	ID     types.Hash160
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// Store is the authoritative local set of protected records. It is not safe
// for concurrent use: every call must come from the same goroutine (see
// node.Node), which is what lets admission checks and the mutation they guard
// happen atomically without locks.
type Store struct {
	ledger    SequenceLedger
	bc        Broadcaster
	now       func() time.Time
	log       *zap.SugaredLogger
	metrics   *metrics.Metrics
	records   map[types.Hash160]*entry.Record
	listeners []*subscription
	sweep     SweepState
}

// New builds a store. A nil Broadcaster keeps every change local.
func New(l SequenceLedger, bc Broadcaster, opts ...Option) *Store {
	s := &Store{
		ledger:  l,
		bc:      bc,
		now:     time.Now,
		log:     zap.S().Named("store"),
		records: make(map[types.Hash160]*entry.Record),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Get(id types.Hash160) (*entry.Record, bool) {
	rec, ok := s.records[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

func (s *Store) Len() int {
	return len(s.records)
}

// Snapshot returns copies of all held records ordered by identity.
func (s *Store) Snapshot() []Entry {
	out := make([]Entry, 0, len(s.records))
	for id, rec := range s.records {
		out = append(out, Entry{ID: id, Record: rec.Clone()})
	}
	slices.SortFunc(out, func(a, b Entry) int {
		return a.ID.Compare(b.ID)
	})
	return out
}

func (s *Store) SweepState() SweepState {
	return s.sweep
}

// Subscribe registers a listener for add and remove events. The returned
// func unsubscribes it and may be called from inside a notification.
func (s *Store) Subscribe(fn Listener) func() {
	sub := &subscription{fn: fn}
	s.listeners = append(s.listeners, sub)

	return func() {
		if sub.cancelled {
			return
		}
		sub.cancelled = true
		s.listeners = slices.DeleteFunc(s.listeners, func(x *subscription) bool { return x == sub })
	}
}

func (s *Store) notify(ev Event) {
	for _, sub := range slices.Clone(s.listeners) {
		if sub.cancelled {
			continue
		}
		sub.fn(ev)
	}
}

func (s *Store) broadcast(kind types.MsgKind, rec *entry.Record, exclude types.PeerAddr) {
	if s.bc == nil {
		return
	}
	s.bc.Send(wire.NewMessage(kind, rec.Clone()), exclude)
}
