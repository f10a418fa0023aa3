package node

import (
	"context"

	"github.com/sambigeara/nectar/pkg/auth"
	"github.com/sambigeara/nectar/pkg/entry"
	"github.com/sambigeara/nectar/pkg/store"
	"github.com/sambigeara/nectar/pkg/types"
)

// Do runs fn on the event loop and waits for it. fn must not call back into
// the node.
func (n *Node) Do(ctx context.Context, fn func(*store.Store) error) error {
	errCh := make(chan error, 1)
	cmd := func() { errCh <- fn(n.store) }

	select {
	case n.cmds <- cmd:
	case <-n.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish signs p with kp at the next sequence number and adds it.
func (n *Node) Publish(ctx context.Context, p entry.Payload, kp auth.KeyPair) (*entry.Record, error) {
	var rec *entry.Record
	err := n.Do(ctx, func(s *store.Store) error {
		var err error
		if rec, err = s.Mint(p, kp); err != nil {
			return err
		}
		_, err = s.Add(rec, "")
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Retract removes p with a freshly minted record signed by kp. Mailbox
// payloads go through the receiver path, so only their receiver can retract
// them.
func (n *Node) Retract(ctx context.Context, p entry.Payload, kp auth.KeyPair) (*entry.Record, error) {
	var rec *entry.Record
	err := n.Do(ctx, func(s *store.Store) error {
		var err error
		if rec, err = s.Mint(p, kp); err != nil {
			return err
		}

		if p.Capability().Kind == entry.KindMailbox {
			_, err = s.RemoveMailbox(rec, "")
		} else {
			_, err = s.Remove(rec, "")
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (n *Node) Get(ctx context.Context, id types.Hash160) (*entry.Record, bool, error) {
	var (
		rec *entry.Record
		ok  bool
	)
	err := n.Do(ctx, func(s *store.Store) error {
		rec, ok = s.Get(id)
		return nil
	})
	return rec, ok, err
}

func (n *Node) Snapshot(ctx context.Context) ([]store.Entry, error) {
	var out []store.Entry
	err := n.Do(ctx, func(s *store.Store) error {
		out = s.Snapshot()
		return nil
	})
	return out, err
}

// SweepNow expires records immediately and restarts the sweep period.
func (n *Node) SweepNow(ctx context.Context) ([]types.Hash160, error) {
	var expired []types.Hash160
	err := n.Do(ctx, func(*store.Store) error {
		expired = n.sweep()
		n.ticker.Reset()
		return nil
	})
	return expired, err
}

// Watch calls fn on the event loop for every store event until ctx is done or
// the node stops. fn must not block and must not call back into the node. The
// returned channel is closed once fn has been detached.
func (n *Node) Watch(ctx context.Context, fn store.Listener) (<-chan struct{}, error) {
	var unsubscribe func()
	if err := n.Do(ctx, func(s *store.Store) error {
		unsubscribe = s.Subscribe(fn)
		return nil
	}); err != nil {
		return nil, err
	}

	detached := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-n.done:
			close(detached)
			return
		}

		select {
		case n.cmds <- func() {
			unsubscribe()
			close(detached)
		}:
		case <-n.done:
			close(detached)
		}
	}()
	return detached, nil
}
