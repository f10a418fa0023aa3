package ledger_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sambigeara/nectar/internal/testutil/metrictest"
	"github.com/sambigeara/nectar/pkg/ledger"
	"github.com/sambigeara/nectar/pkg/persist"
	"github.com/sambigeara/nectar/pkg/types"
	"github.com/stretchr/testify/require"
)

func id(b byte) types.Hash160 {
	var h types.Hash160
	h[0] = b
	return h
}

type failingMap struct {
	attempts atomic.Int32
}

func (f *failingMap) Load(string) (map[string]uint32, bool, error) { return nil, false, nil }

func (f *failingMap) Save(string, map[string]uint32) error {
	f.attempts.Add(1)
	return errors.New("disk full")
}

func TestLoadEmptyWhenNothingPersisted(t *testing.T) {
	l, err := ledger.Load(persist.NewMemory(), "")
	require.NoError(t, err)
	require.Zero(t, l.Len())

	_, ok := l.Highest(id(1))
	require.False(t, ok)
}

func TestRecordNeverShrinks(t *testing.T) {
	l, err := ledger.Load(persist.NewMemory(), ledger.DefaultKey, ledger.WithFlushDelay(time.Hour))
	require.NoError(t, err)

	l.Record(id(1), 5)
	l.Record(id(1), 3)
	seq, ok := l.Highest(id(1))
	require.True(t, ok)
	require.Equal(t, uint32(5), seq)

	l.Record(id(1), 9)
	seq, _ = l.Highest(id(1))
	require.Equal(t, uint32(9), seq)
}

func TestRecordZeroIsStored(t *testing.T) {
	l, err := ledger.Load(persist.NewMemory(), ledger.DefaultKey, ledger.WithFlushDelay(time.Hour))
	require.NoError(t, err)

	l.Record(id(1), 0)
	seq, ok := l.Highest(id(1))
	require.True(t, ok)
	require.Zero(t, seq)
}

func TestDebouncedWritesCoalesce(t *testing.T) {
	pm := persist.NewMemory()
	l, err := ledger.Load(pm, ledger.DefaultKey, ledger.WithFlushDelay(50*time.Millisecond))
	require.NoError(t, err)

	for i := range 10 {
		l.Record(id(byte(i)), uint32(i))
	}

	require.Eventually(t, func() bool { return pm.Saves() == 1 }, time.Second, 5*time.Millisecond)

	stored, ok, err := pm.Load(ledger.DefaultKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, stored, 10)

	// Nothing new recorded, so no further writes happen.
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, pm.Saves())
}

func TestIgnoredRecordDoesNotSchedule(t *testing.T) {
	pm := persist.NewMemory()
	l, err := ledger.Load(pm, ledger.DefaultKey, ledger.WithFlushDelay(10*time.Millisecond))
	require.NoError(t, err)

	l.Record(id(1), 4)
	require.Eventually(t, func() bool { return pm.Saves() == 1 }, time.Second, 5*time.Millisecond)

	l.Record(id(1), 2)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, pm.Saves())
}

func TestReloadRestoresSequences(t *testing.T) {
	pm := persist.NewMemory()
	l, err := ledger.Load(pm, ledger.DefaultKey, ledger.WithFlushDelay(time.Hour))
	require.NoError(t, err)

	l.Record(id(1), 2)
	l.Record(id(2), 11)
	require.NoError(t, l.Close())

	reloaded, err := ledger.Load(pm, ledger.DefaultKey)
	require.NoError(t, err)
	require.Equal(t, l.Snapshot(), reloaded.Snapshot())
}

func TestLoadSkipsMalformedEntries(t *testing.T) {
	pm := persist.NewMemory()
	require.NoError(t, pm.Save(ledger.DefaultKey, map[string]uint32{
		"not-hex":      1,
		id(3).String(): 8,
	}))

	l, err := ledger.Load(pm, ledger.DefaultKey)
	require.NoError(t, err)
	require.Equal(t, 1, l.Len())

	seq, ok := l.Highest(id(3))
	require.True(t, ok)
	require.Equal(t, uint32(8), seq)
}

func TestPersistFailureIsCountedNotFatal(t *testing.T) {
	m, reader := metrictest.New(t)
	pm := &failingMap{}

	l, err := ledger.Load(pm, ledger.DefaultKey, ledger.WithFlushDelay(time.Millisecond), ledger.WithMetrics(m))
	require.NoError(t, err)

	l.Record(id(1), 1)
	require.Eventually(t, func() bool { return pm.attempts.Load() >= 1 }, time.Second, time.Millisecond)

	seq, ok := l.Highest(id(1))
	require.True(t, ok)
	require.Equal(t, uint32(1), seq)

	// Flush waits for the debounced write, so both failures are counted.
	require.Error(t, l.Flush())
	require.Equal(t, int64(2), metrictest.Sum(t, reader, "nectar.ledger.persist_failures"))
}

func TestCloseFlushesPendingWrite(t *testing.T) {
	pm := persist.NewMemory()
	l, err := ledger.Load(pm, ledger.DefaultKey, ledger.WithFlushDelay(time.Hour))
	require.NoError(t, err)

	l.Record(id(7), 3)
	require.Zero(t, pm.Saves())

	require.NoError(t, l.Close())
	require.Equal(t, 1, pm.Saves())

	l.Record(id(8), 1)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, pm.Saves())
}
