package blocktest

import (
	"context"
	"testing"

	"github.com/tarancss/deeds/lib/block"
	"github.com/tarancss/deeds/lib/block/types"
)

var _ block.Chain = (*Chain)(nil)

func TestMineAndEvents(t *testing.T) {
	c := New()
	c.SetOfferEvents("0xAB", map[types.OfferStatus]types.OfferState{types.OfferCreated: {ID: 1, DeedID: 2}})

	s, err := c.TxStatus(context.Background(), "0xab")
	if err != nil || s != types.TrxSuccess {
		t.Fatalf("status %v err %v", s, err)
	}

	evs, _ := c.OfferEvents(context.Background(), "0xab")
	if evs[types.OfferCreated].ID != 1 {
		t.Errorf("events %+v", evs)
	}

	if n, _ := c.BlockNumber(context.Background()); n != 2 {
		t.Errorf("head %d", n)
	}
}
