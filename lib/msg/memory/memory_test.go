package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/deeds/lib/msg"
)

func TestFanOut(t *testing.T) {
	m := New()
	require.NoError(t, m.Setup())

	a, _, err := m.GetNudges("a")
	require.NoError(t, err)
	b, _, err := m.GetNudges("b")
	require.NoError(t, err)

	n := msg.Nudge{Instance: "a", Event: "uem.hub.saved", ID: "1"}
	require.NoError(t, m.SendNudge(n))

	assert.Equal(t, n, <-a)
	assert.Equal(t, n, <-b)

	require.NoError(t, m.Close())

	_, ok := <-a
	assert.False(t, ok)
	require.ErrorIs(t, m.SendNudge(n), ErrClosed)
}
