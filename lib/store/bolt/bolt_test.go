package bolt

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/deeds/lib/store"
	"github.com/tarancss/deeds/lib/store/storetest"
)

func TestBolt(t *testing.T) {
	b, err := New(filepath.Join(t.TempDir(), "deeds.db"))
	require.NoError(t, err)

	defer b.Close()

	storetest.Run(t, b)
}

func TestReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "deeds.db")

	b, err := New(path)
	require.NoError(t, err)
	require.NoError(t, b.Put(ctx, store.Settings, "scanner.block", store.Setting{ID: "scanner.block", Value: "42"}))
	require.NoError(t, b.Close())

	b, err = New(path)
	require.NoError(t, err)

	defer b.Close()

	var s store.Setting
	require.NoError(t, b.Get(ctx, store.Settings, "scanner.block", &s))
	assert.Equal(t, "42", s.Value)
}
