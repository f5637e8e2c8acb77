package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/deeds/lib/store"
	"github.com/tarancss/deeds/lib/store/storetest"
)

func TestMemory(t *testing.T) {
	storetest.Run(t, New())
}

func TestCopies(t *testing.T) {
	ctx := context.Background()
	offers := store.NewRepo[store.Offer](New(), store.Offers)

	o := store.Offer{ID: "1", ViewAddresses: []string{"0xa"}}
	require.NoError(t, offers.Put(ctx, o.ID, o))

	o.ViewAddresses[0] = "0xb"

	got, err := offers.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, []string{"0xa"}, got.ViewAddresses)
}
