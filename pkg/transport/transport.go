package transport

import (
	"context"
	"errors"
	"net"

	"github.com/sambigeara/nectar/pkg/types"
	"github.com/sambigeara/nectar/pkg/wire"
)

var ErrClosed = errors.New("transport closed")

var _ Transport = (*UDP)(nil)

// Transport moves whole datagrams between peers addressed as "ip:port".
type Transport interface {
	Recv(ctx context.Context) (src types.PeerAddr, b []byte, err error)
	Send(dst types.PeerAddr, b []byte) error
	LocalAddr() types.PeerAddr
	Close() error
}

type UDP struct {
	conn *net.UDPConn
}

// ListenUDP binds addr, e.g. ":7946" or "127.0.0.1:0".
func ListenUDP(addr string) (*UDP, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	return &UDP{conn: conn}, nil
}

// Recv blocks for the next datagram. Cancelling ctx closes the socket, so the
// receive loop owns the transport's lifetime.
func (u *UDP) Recv(ctx context.Context) (types.PeerAddr, []byte, error) {
	stop := context.AfterFunc(ctx, func() { _ = u.conn.Close() })
	defer stop()

	buf := make([]byte, wire.MaxMessageSize+1)
	n, addr, err := u.conn.ReadFromUDP(buf)
	if err != nil {
		if ctx.Err() != nil {
			return "", nil, ctx.Err()
		}
		if errors.Is(err, net.ErrClosed) {
			return "", nil, ErrClosed
		}
		return "", nil, err
	}

	return types.PeerAddr(addr.String()), buf[:n], nil
}

func (u *UDP) Send(dst types.PeerAddr, b []byte) error {
	addr, err := net.ResolveUDPAddr("udp", string(dst))
	if err != nil {
		return err
	}

	_, err = u.conn.WriteToUDP(b, addr)
	return err
}

func (u *UDP) LocalAddr() types.PeerAddr {
	return types.PeerAddr(u.conn.LocalAddr().String())
}

func (u *UDP) Close() error {
	err := u.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
