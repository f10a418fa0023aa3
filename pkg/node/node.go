package node

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sambigeara/nectar/pkg/broadcast"
	"github.com/sambigeara/nectar/pkg/observability/metrics"
	"github.com/sambigeara/nectar/pkg/store"
	"github.com/sambigeara/nectar/pkg/types"
	"github.com/sambigeara/nectar/pkg/util"
	"github.com/sambigeara/nectar/pkg/wire"
)

const (
	defaultInboxSize     = 256
	defaultSweepInterval = 10 * time.Minute
	maxTrackedPeers      = 1024
	tracerName           = "github.com/sambigeara/nectar/pkg/node"
)

var ErrStopped = errors.New("node stopped")

// Config tunes the event loop. A zero SweepInterval falls back to the default
// and a zero RatePerSecond disables per-peer rate limiting.
type Config struct {
	SweepInterval time.Duration
	SweepJitter   float64
	RatePerSecond float64
	RateBurst     int
	InboxSize     int
}

// Flooder is the network side of a node: it propagates accepted changes and
// delivers messages from peers. broadcast.Flood implements it.
type Flooder interface {
	store.Broadcaster
	Run(ctx context.Context, h broadcast.Handler) error
}

type Option func(*Node)

func WithClock(now func() time.Time) Option {
	return func(n *Node) { n.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Node) { n.metrics = m }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(n *Node) { n.tracer = tp.Tracer(tracerName) }
}

type inbound struct {
	msg  *wire.Message
	from types.PeerAddr
}

// Node owns a store and serialises everything that touches it (peer
// messages, local commands, sweep ticks) onto the goroutine running Start.
type Node struct {
	store    *store.Store
	flood    Flooder
	conf     Config
	now      func() time.Time
	log      *zap.SugaredLogger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	ticker   *util.JitterTicker
	limiters map[types.PeerAddr]*rate.Limiter
	inbox    chan inbound
	cmds     chan func()
	ready    chan struct{}
	done     chan struct{}
}

func New(conf Config, l store.SequenceLedger, flood Flooder, opts ...Option) *Node {
	if conf.InboxSize <= 0 {
		conf.InboxSize = defaultInboxSize
	}
	if conf.SweepInterval <= 0 {
		conf.SweepInterval = defaultSweepInterval
	}

	n := &Node{
		flood:    flood,
		conf:     conf,
		now:      time.Now,
		log:      zap.S().Named("node"),
		tracer:   noop.NewTracerProvider().Tracer(tracerName),
		limiters: make(map[types.PeerAddr]*rate.Limiter),
		inbox:    make(chan inbound, conf.InboxSize),
		cmds:     make(chan func()),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}

	n.store = store.New(l, flood, store.WithClock(n.now), store.WithMetrics(n.metrics))
	return n
}

// Ready is closed once Start is serving.
func (n *Node) Ready() <-chan struct{} {
	return n.ready
}

// Start runs the event loop until ctx is cancelled or the receive side fails.
// It must be called once.
func (n *Node) Start(ctx context.Context) error {
	defer close(n.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	recvErr := make(chan error, 1)
	go func() { recvErr <- n.flood.Run(ctx, n.enqueue) }()

	n.ticker = util.NewJitterTicker(ctx, n.conf.SweepInterval, n.conf.SweepJitter)
	defer n.ticker.Stop()

	close(n.ready)
	n.log.Infow("node started", "sweepInterval", n.conf.SweepInterval)

	for {
		select {
		case <-ctx.Done():
			n.log.Infow("node stopping", "records", n.store.Len())
			return nil
		case err := <-recvErr:
			if err != nil {
				return err
			}
			n.log.Warnw("receive loop exited, continuing without peers")
			recvErr = nil
		case in := <-n.inbox:
			n.handleInbound(ctx, in)
		case cmd := <-n.cmds:
			cmd()
		case <-n.ticker.C:
			n.sweep()
		}
	}
}

// enqueue runs on the receive goroutine and never blocks it.
func (n *Node) enqueue(from types.PeerAddr, msg *wire.Message) {
	select {
	case n.inbox <- inbound{from: from, msg: msg}:
	default:
		n.metrics.Dropped("inbox_full")
		n.log.Debugw("inbox full, dropping message", "peer", from, "id", msg.ID)
	}
}

func (n *Node) handleInbound(ctx context.Context, in inbound) {
	if !n.limiter(in.from).Allow() {
		n.metrics.Dropped("rate_limited")
		n.log.Debugw("peer over rate limit, dropping message", "peer", in.from, "id", in.msg.ID)
		return
	}

	_, span := n.tracer.Start(ctx, "nectar.node.dispatch", trace.WithAttributes(
		attribute.String("op", in.msg.Kind.String()),
		attribute.String("peer", string(in.from)),
		attribute.String("message.id", in.msg.ID),
	))
	defer span.End()

	changed, err := n.store.Dispatch(in.msg, in.from)
	span.SetAttributes(attribute.Bool("changed", changed))
	if err != nil {
		var reason store.RejectReason
		if errors.As(err, &reason) {
			span.SetAttributes(attribute.String("rejected", reason.String()))
			return
		}
		span.SetStatus(codes.Error, err.Error())
	}
}

func (n *Node) limiter(peer types.PeerAddr) *rate.Limiter {
	if l, ok := n.limiters[peer]; ok {
		return l
	}
	if len(n.limiters) >= maxTrackedPeers {
		clear(n.limiters)
	}

	limit := rate.Inf
	if n.conf.RatePerSecond > 0 {
		limit = rate.Limit(n.conf.RatePerSecond)
	}
	l := rate.NewLimiter(limit, n.conf.RateBurst)
	n.limiters[peer] = l
	return l
}

func (n *Node) sweep() []types.Hash160 {
	expired := n.store.Sweep(n.now())
	if len(expired) > 0 {
		n.log.Infow("expired records", "count", len(expired))
	}
	return expired
}
