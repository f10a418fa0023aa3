package transport_test

import (
	"context"
	"testing"
	"time"

	"github.com/sambigeara/nectar/pkg/transport"
	"github.com/stretchr/testify/require"
)

func TestUDPSendRecv(t *testing.T) {
	a, err := transport.ListenUDP("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	b, err := transport.ListenUDP("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	require.NoError(t, a.Send(b.LocalAddr(), []byte("ping")))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	src, got, err := b.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, a.LocalAddr(), src)
	require.Equal(t, []byte("ping"), got)
}

func TestUDPRecvStopsOnCancel(t *testing.T) {
	a, err := transport.ListenUDP("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, _, err := a.Recv(ctx)
		errCh <- err
	}()

	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for Recv to return")
	}
}

func TestUDPCloseIsIdempotent(t *testing.T) {
	a, err := transport.ListenUDP("127.0.0.1:0")
	require.NoError(t, err)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	_, _, err = a.Recv(context.Background())
	require.ErrorIs(t, err, transport.ErrClosed)
}
