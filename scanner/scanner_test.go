package scanner

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/deeds/auth"
	"github.com/tarancss/deeds/eventbus"
	"github.com/tarancss/deeds/hub"
	"github.com/tarancss/deeds/lib/block/blocktest"
	"github.com/tarancss/deeds/lib/block/types"
	"github.com/tarancss/deeds/lib/config"
	"github.com/tarancss/deeds/lib/lock"
	"github.com/tarancss/deeds/lib/store"
	"github.com/tarancss/deeds/lib/store/memory"
	"github.com/tarancss/deeds/reconcile"
	"github.com/tarancss/deeds/reward"
)

const (
	owner   = "0x27d282d1e7e790df596f50a0e7d8a9a0d0c6c4e1"
	hubAddr = "0x00000000000000000000000000000000000000aa"
	deed    = uint64(7)
)

type fixture struct {
	chain *blocktest.Chain
	db    store.DB
	svc   Services
	s     *Scanner
}

func newFixture(t *testing.T, maxBlocks int) *fixture {
	t.Helper()

	chain := blocktest.New()
	chain.Owners[deed] = owner
	chain.CardTypes[deed] = types.CardRare
	chain.Cities[deed] = 1

	db := memory.New()
	bus := eventbus.New(db, nil, eventbus.Config{InstanceID: "test", Primary: true})
	offers := reconcile.NewOffers(db, chain, bus, lock.New("offers", 16), time.Second)

	svc := Services{
		Offers:  offers,
		Leases:  reconcile.NewLeases(db, chain, bus, offers, lock.New("leases", 16), time.Second),
		Hubs:    hub.NewManager(db, chain, bus, auth.NewTokenStore(config.TokenConfig{MaxTokens: 10, LiveTime: time.Minute})),
		Rewards: reward.NewEngine(db, chain, bus, config.RewardConfig{UemRewardAmount: 100}),
	}

	s := New(db, chain, svc, config.BlockConfig{MaxBlocks: maxBlocks, StartBlock: 3},
		config.ScannerConfig{Interval: 10 * time.Millisecond, Workers: 2})
	require.NoError(t, s.Load(context.Background()))

	return &fixture{chain: chain, db: db, svc: svc, s: s}
}

func (f *fixture) chainOffer(id uint64, hash string) types.OfferState {
	o := types.OfferState{
		ID:               id,
		BlockNumber:      5,
		DeedID:           deed,
		Creator:          owner,
		Months:           3,
		NoticePeriod:     1,
		Price:            big.NewInt(1e18),
		AllDurationPrice: big.NewInt(3e18),
		StartDate:        time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC).Unix(),
		AuthorizedTenant: "0x0000000000000000000000000000000000000000",
		TransactionHash:  hash,
	}
	f.chain.SetOffer(o)

	return o
}

func TestLoad(t *testing.T) {
	f := newFixture(t, 0)
	assert.Equal(t, uint64(2), f.s.LastBlock())

	settings := store.NewRepo[store.Setting](f.db, store.Settings)
	require.NoError(t, settings.Put(context.Background(), BlockSetting, store.Setting{ID: BlockSetting, Value: "42"}))
	require.NoError(t, f.s.Load(context.Background()))
	assert.Equal(t, uint64(42), f.s.LastBlock())

	require.NoError(t, settings.Put(context.Background(), BlockSetting, store.Setting{ID: BlockSetting, Value: "x"}))
	assert.Error(t, f.s.Load(context.Background()))
}

func TestScanOffers(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()

	state := f.chainOffer(3, "0xc1")
	f.chain.SetOfferEvents("0xc1", map[types.OfferStatus]types.OfferState{types.OfferCreated: state})
	f.chain.LogList = []types.Log{
		{Block: 5, TxHash: "0xc1"},
		{Block: 5, TxHash: "0xc1"},
		{Block: 6, TxHash: "0xc2", Removed: true},
	}
	f.chain.Head = 10

	n, done, err := f.s.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, done)
	assert.Equal(t, uint64(6), f.s.LastBlock())

	offer, err := f.svc.Offers.GetByChainID(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, owner, offer.Owner)
	assert.Equal(t, "0xc1", offer.TransactionHash)

	n, done, err = f.s.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.True(t, done)
	assert.Equal(t, uint64(10), f.s.LastBlock())

	set, err := store.NewRepo[store.Setting](f.db, store.Settings).Get(ctx, BlockSetting)
	require.NoError(t, err)
	assert.Equal(t, "10", set.Value)

	_, done, err = f.s.Scan(ctx)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestScanHubs(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	f.chain.SetWomHub(hubAddr, types.WomHub{DeedID: deed, Owner: owner, Enabled: true,
		JoinDate: time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC).Unix()})
	f.chain.SetWomDeed(deed, types.WomDeed{OwnerAddress: owner, ManagerAddress: owner, HubAddress: hubAddr})
	f.chain.LogList = []types.Log{
		{Block: 4, TxHash: "0xd1", Topics: []string{"0x01", common.HexToHash(hubAddr).Hex()}},
		{Block: 4, TxHash: "0xd1", Topics: []string{"0x01"}},
	}
	f.chain.Head = 4

	n, done, err := f.s.Scan(ctx)
	require.NoError(t, err)
	assert.True(t, done)
	// the fake chain returns the same logs for both contracts
	assert.Equal(t, 2, n)

	h, err := f.svc.Hubs.Get(ctx, hubAddr, false)
	require.NoError(t, err)
	assert.True(t, h.Enabled)
	assert.Equal(t, deed, h.DeedID)
	assert.Equal(t, owner, h.OwnerAddress)
}

func TestScanChainError(t *testing.T) {
	f := newFixture(t, 0)

	f.chain.Head = 8
	f.chain.Err = errors.New("node down")

	_, _, err := f.s.Scan(context.Background())
	assert.Error(t, err)
	assert.Equal(t, uint64(2), f.s.LastBlock())
}

func TestCheckPending(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	confirmed, err := f.svc.Offers.Create(ctx, owner, store.Offer{NftID: deed, TransactionHash: "0xC1"})
	require.NoError(t, err)

	reverted, err := f.svc.Offers.Create(ctx, owner, store.Offer{NftID: deed, TransactionHash: "0xC2"})
	require.NoError(t, err)

	_, err = f.svc.Offers.Create(ctx, owner, store.Offer{NftID: deed, TransactionHash: "0xC3"})
	require.NoError(t, err)

	state := f.chainOffer(3, "0xc1")
	f.chain.SetOfferEvents("0xc1", map[types.OfferStatus]types.OfferState{types.OfferCreated: state})
	f.chain.Mine("0xc2", types.TrxFailed)

	n, err := f.s.CheckPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	offer, err := f.svc.Offers.Get(ctx, confirmed.ID, owner, false)
	require.NoError(t, err)
	assert.True(t, offer.Confirmed())
	assert.Equal(t, uint64(3), offer.OfferID)

	_, err = f.svc.Offers.Get(ctx, reverted.ID, owner, false)
	assert.ErrorIs(t, err, reconcile.ErrOfferNotFound)

	// 0xc3 is still pending
	ps, err := f.svc.Offers.PendingTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, "0xc3", ps[0].TransactionHash)
}

func TestCheckRewards(t *testing.T) {
	f := newFixture(t, 0)

	require.NoError(t, f.s.CheckRewards(context.Background()))

	rewards, err := f.svc.Rewards.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rewards)
}

func TestExploreStops(t *testing.T) {
	f := newFixture(t, 0)

	f.chain.Head = 5

	ctx, cancel := context.WithCancel(context.Background())
	done := f.s.Explore(ctx)

	assert.Eventually(t, func() bool { return f.s.LastBlock() == 5 }, time.Second, 5*time.Millisecond)

	cancel()

	select {
	case msg := <-done:
		assert.Contains(t, msg, "last block 5")
	case <-time.After(time.Second):
		t.Fatal("scanner did not stop")
	}
}

func TestStop(t *testing.T) {
	f := newFixture(t, 0)

	done := f.s.Explore(context.Background())
	f.s.Stop()
	assert.Equal(t, STOP, f.s.Status())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scanner did not stop")
	}
}
