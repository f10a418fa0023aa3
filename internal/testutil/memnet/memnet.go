// Package memnet is an in-process datagram network for exercising nodes
// without sockets.
package memnet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sambigeara/nectar/pkg/transport"
	"github.com/sambigeara/nectar/pkg/types"
)

const defaultQueueSize = 256

var (
	ErrUnknownDestination = errors.New("destination not bound")
	ErrQueueFull          = errors.New("receive queue full")
)

// Filter decides whether a datagram from src to dst is delivered.
type Filter func(src, dst types.PeerAddr) bool

type Network struct {
	endpoints map[types.PeerAddr]*endpoint
	filter    Filter
	mu        sync.RWMutex
}

type packet struct {
	src     types.PeerAddr
	payload []byte
}

type endpoint struct {
	recvCh    chan packet
	done      chan struct{}
	addr      types.PeerAddr
	closeOnce sync.Once
	closed    atomic.Bool
}

func NewNetwork() *Network {
	return &Network{endpoints: make(map[types.PeerAddr]*endpoint)}
}

// SetFilter installs f for every later send; nil delivers everything.
func (n *Network) SetFilter(f Filter) {
	n.mu.Lock()
	n.filter = f
	n.mu.Unlock()
}

// Partition drops all traffic between a and b in both directions.
func (n *Network) Partition(a, b types.PeerAddr) {
	n.SetFilter(func(src, dst types.PeerAddr) bool {
		return !(src == a && dst == b) && !(src == b && dst == a)
	})
}

func (n *Network) Heal() {
	n.SetFilter(nil)
}

func (n *Network) Bind(addr types.PeerAddr) (*Conn, error) {
	if addr.IsZero() {
		return nil, errors.New("address required")
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if ep, ok := n.endpoints[addr]; ok && !ep.closed.Load() {
		return nil, fmt.Errorf("address already bound: %s", addr)
	}

	ep := &endpoint{
		addr:   addr,
		recvCh: make(chan packet, defaultQueueSize),
		done:   make(chan struct{}),
	}
	n.endpoints[addr] = ep

	return &Conn{net: n, ep: ep}, nil
}

func (n *Network) unbind(ep *endpoint) {
	n.mu.Lock()
	if curr, ok := n.endpoints[ep.addr]; ok && curr == ep {
		delete(n.endpoints, ep.addr)
	}
	n.mu.Unlock()
}

func (n *Network) send(src, dst types.PeerAddr, b []byte) error {
	n.mu.RLock()
	dest, ok := n.endpoints[dst]
	filter := n.filter
	n.mu.RUnlock()

	if !ok || dest.closed.Load() {
		return fmt.Errorf("%w: %s", ErrUnknownDestination, dst)
	}
	if filter != nil && !filter(src, dst) {
		return nil
	}

	select {
	case dest.recvCh <- packet{src: src, payload: append([]byte(nil), b...)}:
		return nil
	case <-dest.done:
		return transport.ErrClosed
	default:
		return ErrQueueFull
	}
}

// Conn is one bound address on a Network.
type Conn struct {
	net *Network
	ep  *endpoint
}

var _ transport.Transport = (*Conn)(nil)

func (c *Conn) Recv(ctx context.Context) (types.PeerAddr, []byte, error) {
	select {
	case pkt := <-c.ep.recvCh:
		return pkt.src, pkt.payload, nil
	case <-c.ep.done:
		return "", nil, transport.ErrClosed
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

func (c *Conn) Send(dst types.PeerAddr, b []byte) error {
	if c.ep.closed.Load() {
		return transport.ErrClosed
	}
	return c.net.send(c.ep.addr, dst, b)
}

func (c *Conn) LocalAddr() types.PeerAddr {
	return c.ep.addr
}

func (c *Conn) Close() error {
	c.ep.closeOnce.Do(func() {
		c.ep.closed.Store(true)
		close(c.ep.done)
		c.net.unbind(c.ep)
	})
	return nil
}
