package ledger

import (
	"maps"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sambigeara/nectar/pkg/observability/metrics"
	"github.com/sambigeara/nectar/pkg/types"
)

const (
	DefaultKey        = "sequence_ledger"
	DefaultFlushDelay = 2 * time.Second
)

// PersistentMap is the durable key/value collaborator the ledger is loaded
// from and written back to. Load reports ok=false when nothing was saved
// under key.
type PersistentMap interface {
	Load(key string) (m map[string]uint32, ok bool, err error)
	Save(key string, m map[string]uint32) error
}

type Option func(*Ledger)

// WithFlushDelay sets the debounce window. Every Record inside the window is
// written by a single Save.
func WithFlushDelay(d time.Duration) Option {
	return func(l *Ledger) { l.delay = d }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// Ledger maps record identities to the highest sequence number ever accepted.
// Entries are never removed, so replays of expired or removed records stay
// detectable.
type Ledger struct {
	pm      PersistentMap
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
	seqs    map[types.Hash160]uint32
	timer   *time.Timer
	key     string
	delay   time.Duration
	mu      sync.Mutex
	saveMu  sync.Mutex
	closed  bool
}

func Load(pm PersistentMap, key string, opts ...Option) (*Ledger, error) {
	if key == "" {
		key = DefaultKey
	}

	l := &Ledger{
		pm:    pm,
		key:   key,
		delay: DefaultFlushDelay,
		log:   zap.S().Named("ledger"),
		seqs:  make(map[types.Hash160]uint32),
	}
	for _, opt := range opts {
		opt(l)
	}

	stored, ok, err := pm.Load(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		l.log.Infow("no persisted ledger, starting empty", "key", key)
		return l, nil
	}

	for k, seq := range stored {
		id, err := types.Hash160FromString(k)
		if err != nil {
			l.log.Warnw("skipping malformed ledger entry", "entry", k, zap.Error(err))
			continue
		}
		l.seqs[id] = seq
	}
	l.log.Infow("loaded ledger", "key", key, "entries", len(l.seqs))

	return l, nil
}

func (l *Ledger) Highest(id types.Hash160) (uint32, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq, ok := l.seqs[id]
	return seq, ok
}

// Record raises the stored sequence for id and schedules a write. Lower or
// equal values are ignored.
func (l *Ledger) Record(id types.Hash160, seq uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.seqs[id]; ok && seq <= cur {
		return
	}
	l.seqs[id] = seq
	l.scheduleLocked()
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seqs)
}

func (l *Ledger) Snapshot() map[types.Hash160]uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return maps.Clone(l.seqs)
}

// Flush writes the ledger immediately, cancelling any pending debounced write.
func (l *Ledger) Flush() error {
	l.saveMu.Lock()
	defer l.saveMu.Unlock()

	l.mu.Lock()
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	snap := l.encodeLocked()
	l.mu.Unlock()

	if err := l.pm.Save(l.key, snap); err != nil {
		l.metrics.PersistFailed()
		return err
	}
	return nil
}

// Close stops scheduling writes and performs a final flush.
func (l *Ledger) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	return l.Flush()
}

func (l *Ledger) scheduleLocked() {
	if l.closed || l.timer != nil {
		return
	}
	l.timer = time.AfterFunc(l.delay, l.flushPending)
}

func (l *Ledger) flushPending() {
	l.saveMu.Lock()
	defer l.saveMu.Unlock()

	l.mu.Lock()
	l.timer = nil
	snap := l.encodeLocked()
	l.mu.Unlock()

	if err := l.pm.Save(l.key, snap); err != nil {
		l.metrics.PersistFailed()
		l.log.Errorw("failed to persist ledger", "key", l.key, "entries", len(snap), zap.Error(err))
		return
	}
	l.log.Debugw("persisted ledger", "key", l.key, "entries", len(snap))
}

func (l *Ledger) encodeLocked() map[string]uint32 {
	out := make(map[string]uint32, len(l.seqs))
	for id, seq := range l.seqs {
		out[id.String()] = seq
	}
	return out
}
