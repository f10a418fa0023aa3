// Package broadcast floods store changes to a static set of peers over a
// datagram transport.
package broadcast

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sambigeara/nectar/pkg/transport"
	"github.com/sambigeara/nectar/pkg/types"
	"github.com/sambigeara/nectar/pkg/wire"
)

const defaultSeenSize = 4096

// Handler receives every decoded message not seen before. It runs on the
// receive goroutine and must not block for long.
type Handler func(from types.PeerAddr, msg *wire.Message)

type Option func(*Flood)

// WithSeenSize bounds how many message IDs are remembered for dedupe.
func WithSeenSize(n int) Option {
	return func(f *Flood) {
		if n > 0 {
			f.seen = newSeenSet(n)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(f *Flood) { f.now = now }
}

// Flood sends each message to every known peer except the one it came from.
// It is safe for concurrent use.
type Flood struct {
	tr    transport.Transport
	now   func() time.Time
	log   *zap.SugaredLogger
	seen  *seenSet
	peers []types.PeerAddr
	mu    sync.RWMutex
}

func New(tr transport.Transport, peers []types.PeerAddr, opts ...Option) *Flood {
	f := &Flood{
		tr:   tr,
		now:  time.Now,
		log:  zap.S().Named("broadcast"),
		seen: newSeenSet(defaultSeenSize),
	}
	for _, opt := range opts {
		opt(f)
	}
	for _, p := range peers {
		f.AddPeer(p)
	}
	return f
}

// AddPeer adds p to the flood set. Our own address and duplicates are ignored.
func (f *Flood) AddPeer(p types.PeerAddr) {
	if p.IsZero() || p == f.tr.LocalAddr() {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !slices.Contains(f.peers, p) {
		f.peers = append(f.peers, p)
	}
}

func (f *Flood) Peers() []types.PeerAddr {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return slices.Clone(f.peers)
}

// Send is fire-and-forget: failures are logged per peer and never returned.
func (f *Flood) Send(msg *wire.Message, exclude types.PeerAddr) {
	b, err := wire.Marshal(msg)
	if err != nil {
		f.log.Warnw("failed to encode message", "id", msg.ID, "err", err)
		return
	}
	f.seen.Add(msg.ID)

	for _, p := range f.Peers() {
		if p == exclude {
			continue
		}
		if err := f.tr.Send(p, b); err != nil {
			f.log.Debugw("send failed", "peer", p, "id", msg.ID, "err", err)
		}
	}
}

// Run reads from the transport until ctx is cancelled or the transport is
// closed, handing new messages to h. Undecodable datagrams and duplicates are
// dropped.
func (f *Flood) Run(ctx context.Context, h Handler) error {
	for {
		src, b, err := f.tr.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}

		msg, err := wire.Unmarshal(b, f.now())
		if err != nil {
			f.log.Debugw("dropping undecodable datagram", "peer", src, "size", len(b), "err", err)
			continue
		}
		if !f.seen.Add(msg.ID) {
			continue
		}

		h(src, msg)
	}
}

func (f *Flood) Close() error {
	return f.tr.Close()
}
