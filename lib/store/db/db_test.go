package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/deeds/lib/store/bolt"
	"github.com/tarancss/deeds/lib/store/memory"
)

func TestNew(t *testing.T) {
	m, err := New(MEMORY, "", "")
	require.NoError(t, err)
	assert.IsType(t, &memory.Memory{}, m)
	require.NoError(t, Close(m))

	b, err := New(BOLT, filepath.Join(t.TempDir(), "deeds.db"), "")
	require.NoError(t, err)
	assert.IsType(t, &bolt.Bolt{}, b)
	require.NoError(t, Close(b))

	_, err = New("oracle", "", "")
	require.ErrorIs(t, err, ErrNoDB)
	require.NoError(t, Close(nil))
}
