package util

import (
	"context"
	"math/rand/v2"
	"time"
)

// JitterTicker fires roughly every base interval, each period drawn uniformly
// from base ± base*percent so that peers started together drift apart.
type JitterTicker struct {
	C     <-chan time.Time
	reset chan struct{}
	stop  context.CancelFunc
}

func NewJitterTicker(ctx context.Context, base time.Duration, percent float64) *JitterTicker {
	tickCh := make(chan time.Time)
	reset := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(tickCh)
		timer := time.NewTimer(Jitter(base, percent))
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-reset:
				timer.Reset(Jitter(base, percent))
			case t := <-timer.C:
				select {
				case <-ctx.Done():
					return
				case tickCh <- t:
				}
				timer.Reset(Jitter(base, percent))
			}
		}
	}()

	return &JitterTicker{C: tickCh, reset: reset, stop: cancel}
}

// Reset starts a fresh period, e.g. after the work the ticker paces was just
// done out of band.
func (t *JitterTicker) Reset() {
	select {
	case t.reset <- struct{}{}:
	default:
	}
}

func (t *JitterTicker) Stop() {
	t.stop()
}

// Jitter returns d shifted by a random offset of at most d*percent either
// way. percent is clamped to [0, 1).
func Jitter(d time.Duration, percent float64) time.Duration {
	if percent <= 0 || d <= 0 {
		return d
	}
	percent = min(percent, 0.99)

	delta := time.Duration(float64(d) * percent)
	if delta <= 0 {
		return d
	}
	offset := time.Duration(rand.N(2*int64(delta)+1)) - delta //nolint:gosec
	return d + offset
}
