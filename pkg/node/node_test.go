package node_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/sambigeara/nectar/internal/testutil/memnet"
	"github.com/sambigeara/nectar/internal/testutil/metrictest"
	"github.com/sambigeara/nectar/pkg/auth"
	"github.com/sambigeara/nectar/pkg/broadcast"
	"github.com/sambigeara/nectar/pkg/entry"
	"github.com/sambigeara/nectar/pkg/ledger"
	"github.com/sambigeara/nectar/pkg/node"
	"github.com/sambigeara/nectar/pkg/persist"
	"github.com/sambigeara/nectar/pkg/store"
	"github.com/sambigeara/nectar/pkg/types"
	"github.com/sambigeara/nectar/pkg/wire"
)

const (
	addrA types.PeerAddr = "10.0.0.1:7946"
	addrB types.PeerAddr = "10.0.0.2:7946"
	addrC types.PeerAddr = "10.0.0.3:7946"
	addrX types.PeerAddr = "10.0.0.99:7946"

	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type clock struct {
	now time.Time
	mu  sync.Mutex
}

func newClock() *clock {
	return &clock{now: time.Unix(1_700_000_000, 0)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testNode struct {
	node   *node.Node
	ledger *ledger.Ledger
	cancel context.CancelFunc
	errCh  chan error
	addr   types.PeerAddr
}

type nodeOpts struct {
	conf  node.Config
	opts  []node.Option
	clock *clock
}

func startNode(t *testing.T, net *memnet.Network, addr types.PeerAddr, peers []types.PeerAddr, o nodeOpts) *testNode {
	t.Helper()

	if o.clock == nil {
		o.clock = newClock()
	}
	if o.conf.SweepInterval == 0 {
		o.conf.SweepInterval = time.Hour
	}

	conn, err := net.Bind(addr)
	require.NoError(t, err)
	flood := broadcast.New(conn, peers, broadcast.WithClock(o.clock.Now))

	l, err := ledger.Load(persist.NewMemory(), ledger.DefaultKey)
	require.NoError(t, err)

	opts := append([]node.Option{node.WithClock(o.clock.Now)}, o.opts...)
	n := node.New(o.conf, l, flood, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- n.Start(ctx) }()

	select {
	case <-n.Ready():
	case <-time.After(waitFor):
		t.Fatal("node did not start")
	}

	tn := &testNode{node: n, ledger: l, cancel: cancel, errCh: errCh, addr: addr}
	t.Cleanup(func() {
		tn.stop(t)
		require.NoError(t, flood.Close())
		require.NoError(t, l.Close())
	})
	return tn
}

func (tn *testNode) stop(t *testing.T) {
	t.Helper()
	tn.cancel()
	select {
	case err, ok := <-tn.errCh:
		if ok {
			require.NoError(t, err)
			close(tn.errCh)
		}
	case <-time.After(waitFor):
		t.Fatal("node did not stop")
	}
}

func (tn *testNode) has(t *testing.T, id types.Hash160) bool {
	t.Helper()
	_, ok, err := tn.node.Get(context.Background(), id)
	require.NoError(t, err)
	return ok
}

// line builds A <-> B <-> C so anything reaching C from A was relayed by B.
func line(t *testing.T, net *memnet.Network, o map[types.PeerAddr]nodeOpts) (a, b, c *testNode) {
	t.Helper()
	a = startNode(t, net, addrA, []types.PeerAddr{addrB}, o[addrA])
	b = startNode(t, net, addrB, []types.PeerAddr{addrA, addrC}, o[addrB])
	c = startNode(t, net, addrC, []types.PeerAddr{addrB}, o[addrC])
	return a, b, c
}

func keyPair(t *testing.T) auth.KeyPair {
	t.Helper()
	kp, err := auth.GenerateKeyPair()
	require.NoError(t, err)
	return kp
}

func mustID(t *testing.T, p entry.Payload) types.Hash160 {
	t.Helper()
	id, err := entry.IdentityOf(p)
	require.NoError(t, err)
	return id
}

func TestPublishPropagatesThroughRelay(t *testing.T) {
	a, b, c := line(t, memnet.NewNetwork(), nil)
	alice := keyPair(t)
	p := &entry.OwnedBlob{Owner: alice.Pub, Data: []byte("offer"), Lifetime: time.Hour}
	id := mustID(t, p)

	rec, err := a.node.Publish(context.Background(), p, alice)
	require.NoError(t, err)
	require.Zero(t, rec.Sequence)

	require.Eventually(t, func() bool { return b.has(t, id) }, waitFor, tick)
	require.Eventually(t, func() bool { return c.has(t, id) }, waitFor, tick)

	got, ok, err := c.node.Get(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rec.Signature, got.Signature)

	seq, ok := c.ledger.Highest(id)
	require.True(t, ok)
	require.Zero(t, seq)

	rm, err := a.node.Retract(context.Background(), p, alice)
	require.NoError(t, err)
	require.Equal(t, uint32(1), rm.Sequence)
	require.False(t, a.has(t, id))
	require.Eventually(t, func() bool { return !c.has(t, id) }, waitFor, tick)

	seq, _ = c.ledger.Highest(id)
	require.Equal(t, uint32(1), seq)
}

func TestMailboxReceiverRemovalPropagates(t *testing.T) {
	a, _, c := line(t, memnet.NewNetwork(), nil)
	alice, bob := keyPair(t), keyPair(t)
	p := &entry.MailboxBlob{Sender: alice.Pub, Receiver: bob.Pub, Data: []byte("hi bob"), Lifetime: time.Hour}
	id := mustID(t, p)

	_, err := a.node.Publish(context.Background(), p, alice)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.has(t, id) }, waitFor, tick)

	_, err = c.node.Retract(context.Background(), p, alice)
	require.ErrorIs(t, err, store.ReceiverMismatch)
	require.True(t, c.has(t, id))

	_, err = c.node.Retract(context.Background(), p, bob)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !a.has(t, id) }, waitFor, tick)
}

func TestPublishRejectionIsReturned(t *testing.T) {
	a := startNode(t, memnet.NewNetwork(), addrA, nil, nodeOpts{})
	alice, mallory := keyPair(t), keyPair(t)
	p := &entry.OwnedBlob{Owner: alice.Pub, Data: []byte("offer"), Lifetime: time.Hour}

	_, err := a.node.Publish(context.Background(), p, mallory)
	require.ErrorIs(t, err, store.OwnershipMismatch)

	_, err = a.node.Retract(context.Background(), p, alice)
	require.ErrorIs(t, err, store.NotFound)
}

func TestRejectedMessagesAreNotRelayed(t *testing.T) {
	net := memnet.NewNetwork()
	m, reader := metrictest.New(t)
	_, b, c := line(t, net, map[types.PeerAddr]nodeOpts{
		addrB: {opts: []node.Option{node.WithMetrics(m)}},
	})

	raw, err := net.Bind(addrX)
	require.NoError(t, err)

	alice, mallory := keyPair(t), keyPair(t)
	p := &entry.OwnedBlob{Owner: alice.Pub, Data: []byte("forged"), Lifetime: time.Hour}
	digest, err := entry.DigestForSignature(p, 0)
	require.NoError(t, err)
	sig, err := auth.Sign(mallory.Priv, digest.Bytes())
	require.NoError(t, err)

	forged, err := wire.Marshal(wire.NewMessage(types.MsgKindAdd, entry.NewRecord(p, alice.Pub, 0, sig, time.Now())))
	require.NoError(t, err)
	require.NoError(t, raw.Send(addrB, forged))

	require.Eventually(t, func() bool {
		return metrictest.Sum(t, reader, "nectar.store.rejected") == 1
	}, waitFor, tick)

	id := mustID(t, p)
	require.False(t, b.has(t, id))
	require.Never(t, func() bool { return c.has(t, id) }, 50*time.Millisecond, tick)
}

func TestRateLimitDropsExcess(t *testing.T) {
	net := memnet.NewNetwork()
	m, reader := metrictest.New(t)
	b := startNode(t, net, addrB, nil, nodeOpts{
		conf: node.Config{RatePerSecond: 0.001, RateBurst: 1},
		opts: []node.Option{node.WithMetrics(m)},
	})

	raw, err := net.Bind(addrX)
	require.NoError(t, err)

	alice := keyPair(t)
	var ids []types.Hash160
	for _, data := range []string{"a", "b", "c"} {
		p := &entry.OwnedBlob{Owner: alice.Pub, Data: []byte(data), Lifetime: time.Hour}
		ids = append(ids, mustID(t, p))

		digest, err := entry.DigestForSignature(p, 0)
		require.NoError(t, err)
		sig, err := auth.Sign(alice.Priv, digest.Bytes())
		require.NoError(t, err)

		frame, err := wire.Marshal(wire.NewMessage(types.MsgKindAdd, entry.NewRecord(p, alice.Pub, 0, sig, time.Now())))
		require.NoError(t, err)
		require.NoError(t, raw.Send(addrB, frame))
	}

	require.Eventually(t, func() bool {
		return metrictest.Sum(t, reader, "nectar.node.dropped") == 2
	}, waitFor, tick)

	require.True(t, b.has(t, ids[0]))
	require.False(t, b.has(t, ids[1]))
	require.False(t, b.has(t, ids[2]))
}

func TestSweepNowExpiresAndBlocksReplay(t *testing.T) {
	net := memnet.NewNetwork()
	clk := newClock()
	a, b, _ := line(t, net, map[types.PeerAddr]nodeOpts{
		addrB: {clock: clk},
	})

	alice := keyPair(t)
	p := &entry.OwnedBlob{Owner: alice.Pub, Data: []byte("short"), Lifetime: time.Second}
	id := mustID(t, p)

	rec, err := a.node.Publish(context.Background(), p, alice)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.has(t, id) }, waitFor, tick)

	expired, err := b.node.SweepNow(context.Background())
	require.NoError(t, err)
	require.Empty(t, expired)

	clk.Advance(1100 * time.Millisecond)
	expired, err = b.node.SweepNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, []types.Hash160{id}, expired)
	require.False(t, b.has(t, id))

	raw, err := net.Bind(addrX)
	require.NoError(t, err)
	replay, err := wire.Marshal(wire.NewMessage(types.MsgKindAdd, rec))
	require.NoError(t, err)
	require.NoError(t, raw.Send(addrB, replay))

	require.Never(t, func() bool { return b.has(t, id) }, 50*time.Millisecond, tick)
}

func TestWatchDeliversEvents(t *testing.T) {
	a, b, _ := line(t, memnet.NewNetwork(), nil)
	alice := keyPair(t)

	events := make(chan store.Event, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := b.node.Watch(ctx, func(ev store.Event) { events <- ev })
	require.NoError(t, err)

	p := &entry.OwnedBlob{Owner: alice.Pub, Data: []byte("offer"), Lifetime: time.Hour}
	_, err = a.node.Publish(context.Background(), p, alice)
	require.NoError(t, err)

	select {
	case ev := <-events:
		require.Equal(t, store.EventAdded, ev.Kind)
		require.Equal(t, mustID(t, p), ev.ID)
	case <-time.After(waitFor):
		t.Fatal("no event delivered")
	}
}

func TestDispatchIsTraced(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	a, _, _ := line(t, memnet.NewNetwork(), map[types.PeerAddr]nodeOpts{
		addrB: {opts: []node.Option{node.WithTracerProvider(tp)}},
	})

	alice := keyPair(t)
	p := &entry.OwnedBlob{Owner: alice.Pub, Data: []byte("offer"), Lifetime: time.Hour}
	_, err := a.node.Publish(context.Background(), p, alice)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, span := range recorder.Ended() {
			if span.Name() == "nectar.node.dispatch" {
				return true
			}
		}
		return false
	}, waitFor, tick)
}

func TestDoAfterStop(t *testing.T) {
	a := startNode(t, memnet.NewNetwork(), addrA, nil, nodeOpts{})
	a.stop(t)

	_, err := a.node.Snapshot(context.Background())
	require.ErrorIs(t, err, node.ErrStopped)
}

func TestWatchDetaches(t *testing.T) {
	t.Run("on cancel", func(t *testing.T) {
		a := startNode(t, memnet.NewNetwork(), addrA, nil, nodeOpts{})
		alice := keyPair(t)

		var calls int
		ctx, cancel := context.WithCancel(context.Background())
		detached, err := a.node.Watch(ctx, func(store.Event) { calls++ })
		require.NoError(t, err)

		cancel()
		select {
		case <-detached:
		case <-time.After(waitFor):
			t.Fatal("listener not detached after cancel")
		}

		p := &entry.OwnedBlob{Owner: alice.Pub, Data: []byte("offer"), Lifetime: time.Hour}
		_, err = a.node.Publish(context.Background(), p, alice)
		require.NoError(t, err)

		// calls is only touched on the event loop.
		var got int
		require.NoError(t, a.node.Do(context.Background(), func(*store.Store) error {
			got = calls
			return nil
		}))
		require.Zero(t, got)
	})

	t.Run("on node stop", func(t *testing.T) {
		a := startNode(t, memnet.NewNetwork(), addrA, nil, nodeOpts{})

		detached, err := a.node.Watch(context.Background(), func(store.Event) {})
		require.NoError(t, err)

		a.stop(t)
		select {
		case <-detached:
		case <-time.After(waitFor):
			t.Fatal("listener goroutine outlived the node")
		}
	})
}
