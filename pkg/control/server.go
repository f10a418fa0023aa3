package control

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"connectrpc.com/connect"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/sambigeara/nectar/pkg/auth"
	"github.com/sambigeara/nectar/pkg/entry"
	"github.com/sambigeara/nectar/pkg/node"
	"github.com/sambigeara/nectar/pkg/perm"
	"github.com/sambigeara/nectar/pkg/store"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Node is the part of a running node the control API drives.
type Node interface {
	Publish(ctx context.Context, p entry.Payload, kp auth.KeyPair) (*entry.Record, error)
	Retract(ctx context.Context, p entry.Payload, kp auth.KeyPair) (*entry.Record, error)
	Snapshot(ctx context.Context) ([]store.Entry, error)
}

type Server struct {
	node Node
	log  *zap.SugaredLogger
	kp   auth.KeyPair
}

// NewServer signs everything it publishes or retracts with kp.
func NewServer(n Node, kp auth.KeyPair) *Server {
	return &Server{node: n, kp: kp, log: zap.S().Named("control")}
}

// Handler serves the control procedures over h2c.
func (s *Server) Handler() http.Handler {
	opts := []connect.HandlerOption{connect.WithCodec(jsonCodec{})}

	mux := http.NewServeMux()
	mux.Handle(PublishProcedure, connect.NewUnaryHandler(PublishProcedure, s.publish, opts...))
	mux.Handle(RetractProcedure, connect.NewUnaryHandler(RetractProcedure, s.retract, opts...))
	mux.Handle(ListRecordsProcedure, connect.NewUnaryHandler(ListRecordsProcedure, s.listRecords, opts...))
	return h2c.NewHandler(mux, &http2.Server{})
}

// Serve listens on the unix socket at path until ctx is done. A stale socket
// left by a crashed node is replaced; a live one is left alone.
func (s *Server) Serve(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err == nil {
		dialer := &net.Dialer{Timeout: time.Second}
		if conn, dialErr := dialer.DialContext(ctx, "unix", path); dialErr == nil {
			_ = conn.Close()
			return ErrSocketInUse
		}
		_ = os.Remove(path)
	}

	l, err := (&net.ListenConfig{}).Listen(ctx, "unix", path)
	if err != nil {
		return fmt.Errorf("listen on control socket: %w", err)
	}
	defer os.Remove(path) //nolint:errcheck

	if err := perm.SetGroupSocket(path); err != nil {
		_ = l.Close()
		return err
	}

	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: readHeaderTimeout}
	s.log.Infow("control socket listening", "path", path)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(l); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) publish(ctx context.Context, req *connect.Request[BlobRequest]) (*connect.Response[RecordReceipt], error) {
	p, err := s.payload(req.Msg)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	rec, err := s.node.Publish(ctx, p, s.kp)
	if err != nil {
		return nil, statusOf(err)
	}
	return receipt(p, rec)
}

func (s *Server) retract(ctx context.Context, req *connect.Request[BlobRequest]) (*connect.Response[RecordReceipt], error) {
	p, err := s.payload(req.Msg)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	rec, err := s.node.Retract(ctx, p, s.kp)
	if err != nil {
		return nil, statusOf(err)
	}
	return receipt(p, rec)
}

func (s *Server) listRecords(ctx context.Context, _ *connect.Request[ListRecordsRequest]) (*connect.Response[ListRecordsResponse], error) {
	entries, err := s.node.Snapshot(ctx)
	if err != nil {
		return nil, statusOf(err)
	}

	out := &ListRecordsResponse{Records: make([]RecordInfo, 0, len(entries))}
	for _, e := range entries {
		info := RecordInfo{
			ID:        e.ID.String(),
			Kind:      e.Record.Payload.Capability().Kind.String(),
			Owner:     hex.EncodeToString(e.Record.Owner),
			Sequence:  e.Record.Sequence,
			TTLMillis: e.Record.TTL.Milliseconds(),
			CreatedAt: e.Record.CreatedAt,
		}
		if e.Record.IsMailbox() {
			info.Receiver = hex.EncodeToString(e.Record.Receiver)
		}
		out.Records = append(out.Records, info)
	}
	return connect.NewResponse(out), nil
}

// payload builds the blob a request describes with the node's key in the
// writer or receiver slot.
func (s *Server) payload(req *BlobRequest) (entry.Payload, error) {
	if req.TTLMillis < 0 {
		return nil, entry.ErrInvalidLifetime
	}

	switch {
	case len(req.To) > 0 && len(req.From) > 0:
		return nil, errors.New("to and from are mutually exclusive")
	case len(req.To) > 0:
		receiver, err := publicKey(req.To)
		if err != nil {
			return nil, fmt.Errorf("to: %w", err)
		}
		return &entry.MailboxBlob{Sender: s.kp.Pub, Receiver: receiver, Data: req.Data, Lifetime: req.TTL()}, nil
	case len(req.From) > 0:
		sender, err := publicKey(req.From)
		if err != nil {
			return nil, fmt.Errorf("from: %w", err)
		}
		return &entry.MailboxBlob{Sender: sender, Receiver: s.kp.Pub, Data: req.Data, Lifetime: req.TTL()}, nil
	default:
		return &entry.OwnedBlob{Owner: s.kp.Pub, Data: req.Data, Lifetime: req.TTL()}, nil
	}
}

func publicKey(b []byte) (ed25519.PublicKey, error) {
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(bytes.Clone(b)), nil
}

func receipt(p entry.Payload, rec *entry.Record) (*connect.Response[RecordReceipt], error) {
	id, err := entry.IdentityOf(p)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(&RecordReceipt{ID: id.String(), Sequence: rec.Sequence}), nil
}

// statusOf maps node and admission errors onto RPC codes.
func statusOf(err error) error {
	var reason store.RejectReason
	switch {
	case errors.Is(err, store.NotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.As(err, &reason):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.Is(err, store.ErrSequenceExhausted):
		return connect.NewError(connect.CodeResourceExhausted, err)
	case errors.Is(err, entry.ErrInvalidLifetime), errors.Is(err, entry.ErrPayloadTooLarge):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, node.ErrStopped):
		return connect.NewError(connect.CodeUnavailable, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeCanceled, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}
