package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sambigeara/nectar/pkg/broadcast"
	"github.com/sambigeara/nectar/pkg/control"
	"github.com/sambigeara/nectar/pkg/ledger"
	"github.com/sambigeara/nectar/pkg/node"
	"github.com/sambigeara/nectar/pkg/observability/metrics"
	"github.com/sambigeara/nectar/pkg/store"
	"github.com/sambigeara/nectar/pkg/transport"
)

const metricsReportInterval = time.Minute

func newNodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run a node until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runNode,
	}
	addNetworkFlags(cmd)
	addStorageFlags(cmd)
	return cmd
}

func runNode(cmd *cobra.Command, _ []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	defer zap.S().Sync() //nolint:errcheck

	log := zap.S().Named("cmd")

	kp, err := e.loadKeys()
	if err != nil {
		return err
	}
	log.Infow("starting nectar", "version", version, "dir", e.dir, "key", kp.String())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mp, reader, err := newMeterProvider()
	if err != nil {
		return err
	}
	defer func() {
		if err := mp.Shutdown(context.Background()); err != nil {
			log.Warnw("meter provider shutdown failed", zap.Error(err))
		}
	}()

	m, err := metrics.New(mp)
	if err != nil {
		return err
	}

	l, closeLedger, err := e.openLedger(ledger.WithMetrics(m))
	if err != nil {
		return err
	}
	defer func() {
		if err := closeLedger(); err != nil {
			log.Errorw("failed to flush ledger", zap.Error(err))
		}
	}()

	tr, err := transport.ListenUDP(e.cfg.ListenAddr())
	if err != nil {
		return err
	}
	flood := broadcast.New(tr, e.cfg.PeerAddrs())
	defer flood.Close() //nolint:errcheck

	n := node.New(node.Config{
		SweepInterval: e.cfg.SweepEvery(),
		SweepJitter:   e.cfg.SweepJitterPercent(),
		RatePerSecond: e.cfg.RatePerSecond(),
		RateBurst:     e.cfg.RateBurst(),
	}, l, flood, node.WithMetrics(m))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.Start(ctx)
	})
	g.Go(func() error {
		reportMetrics(ctx, reader, metricsReportInterval)
		return nil
	})
	g.Go(func() error {
		select {
		case <-n.Ready():
		case <-ctx.Done():
			return nil
		}
		log.Infow("node ready",
			"listen", tr.LocalAddr(),
			"peers", flood.Peers(),
			"backend", e.cfg.StorageBackend(),
			"ledgerEntries", l.Len())

		_, err := n.Watch(ctx, func(ev store.Event) {
			log.Debugw("store event", "id", ev.ID.Short(), "kind", ev.Kind, "seq", ev.Record.Sequence, "expired", ev.Expired)
		})
		return err
	})
	g.Go(func() error {
		return control.NewServer(n, kp).Serve(ctx, e.socketPath())
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("node stopped")
	return nil
}
