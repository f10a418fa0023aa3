package broadcast

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSeenSetEvictsOldest(t *testing.T) {
	s := newSeenSet(2)

	require.True(t, s.Add("a"))
	require.False(t, s.Add("a"))
	require.True(t, s.Add("b"))
	require.True(t, s.Add("c"))

	require.True(t, s.Add("a"))
	require.False(t, s.Add("c"))
}
