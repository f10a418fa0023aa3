package broadcast_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sambigeara/nectar/internal/testutil/memnet"
	"github.com/sambigeara/nectar/pkg/auth"
	"github.com/sambigeara/nectar/pkg/broadcast"
	"github.com/sambigeara/nectar/pkg/entry"
	"github.com/sambigeara/nectar/pkg/types"
	"github.com/sambigeara/nectar/pkg/wire"
	"github.com/stretchr/testify/require"
)

type received struct {
	msg  *wire.Message
	from types.PeerAddr
}

type inbox struct {
	got []received
	mu  sync.Mutex
}

func (i *inbox) handle(from types.PeerAddr, msg *wire.Message) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.got = append(i.got, received{from: from, msg: msg})
}

func (i *inbox) len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.got)
}

func (i *inbox) snapshot() []received {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]received(nil), i.got...)
}

func startFlood(t *testing.T, net *memnet.Network, addr types.PeerAddr, peers ...types.PeerAddr) (*broadcast.Flood, *inbox) {
	t.Helper()

	conn, err := net.Bind(addr)
	require.NoError(t, err)

	f := broadcast.New(conn, peers)
	in := &inbox{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, in.handle) }()

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		require.NoError(t, f.Close())
	})
	return f, in
}

func testMessage(t *testing.T) *wire.Message {
	t.Helper()

	kp, err := auth.GenerateKeyPair()
	require.NoError(t, err)

	p := &entry.OwnedBlob{Owner: kp.Pub, Data: []byte("offer"), Lifetime: time.Minute}
	digest, err := entry.DigestForSignature(p, 0)
	require.NoError(t, err)
	sig, err := auth.Sign(kp.Priv, digest.Bytes())
	require.NoError(t, err)

	return wire.NewMessage(types.MsgKindAdd, entry.NewRecord(p, kp.Pub, 0, sig, time.Now()))
}

func TestFloodReachesPeersExceptExcluded(t *testing.T) {
	net := memnet.NewNetwork()
	a, _ := startFlood(t, net, "10.0.0.1:7946", "10.0.0.2:7946", "10.0.0.3:7946", "10.0.0.1:7946")
	_, inB := startFlood(t, net, "10.0.0.2:7946")
	_, inC := startFlood(t, net, "10.0.0.3:7946")

	require.ElementsMatch(t, []types.PeerAddr{"10.0.0.2:7946", "10.0.0.3:7946"}, a.Peers())

	msg := testMessage(t)
	a.Send(msg, "10.0.0.3:7946")

	require.Eventually(t, func() bool { return inB.len() == 1 }, time.Second, 5*time.Millisecond)

	got := inB.snapshot()[0]
	require.Equal(t, types.PeerAddr("10.0.0.1:7946"), got.from)
	require.Equal(t, msg.ID, got.msg.ID)
	require.Equal(t, msg.Record.Signature, got.msg.Record.Signature)
	require.False(t, got.msg.Record.CreatedAt.IsZero())

	require.Never(t, func() bool { return inC.len() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestFloodDropsDuplicatesAndGarbage(t *testing.T) {
	net := memnet.NewNetwork()
	_, inB := startFlood(t, net, "10.0.0.2:7946")

	raw, err := net.Bind("10.0.0.1:7946")
	require.NoError(t, err)

	b, err := wire.Marshal(testMessage(t))
	require.NoError(t, err)

	require.NoError(t, raw.Send("10.0.0.2:7946", []byte("not a message")))
	require.NoError(t, raw.Send("10.0.0.2:7946", b))
	require.NoError(t, raw.Send("10.0.0.2:7946", b))

	require.Eventually(t, func() bool { return inB.len() == 1 }, time.Second, 5*time.Millisecond)
	require.Never(t, func() bool { return inB.len() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestFloodIgnoresOwnEcho(t *testing.T) {
	net := memnet.NewNetwork()
	a, inA := startFlood(t, net, "10.0.0.1:7946", "10.0.0.2:7946")

	relay, err := net.Bind("10.0.0.2:7946")
	require.NoError(t, err)

	msg := testMessage(t)
	a.Send(msg, "")

	_, b, err := relay.Recv(context.Background())
	require.NoError(t, err)
	require.NoError(t, relay.Send("10.0.0.1:7946", b))

	require.Never(t, func() bool { return inA.len() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestFloodSendToMissingPeerIsLogged(t *testing.T) {
	net := memnet.NewNetwork()
	a, _ := startFlood(t, net, "10.0.0.1:7946", "10.0.0.9:7946")

	require.NotPanics(t, func() { a.Send(testMessage(t), "") })
}
