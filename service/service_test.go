package service

import (
	"context"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/deeds/eventbus"
	"github.com/tarancss/deeds/lib/block/blocktest"
	"github.com/tarancss/deeds/lib/block/types"
	"github.com/tarancss/deeds/lib/config"
	"github.com/tarancss/deeds/lib/logging"
	"github.com/tarancss/deeds/lib/store"
	"github.com/tarancss/deeds/lib/store/memory"
	"github.com/tarancss/deeds/reconcile"
)

const (
	owner   = "0x27d282d1e7e790df596f50a0e7d8a9a0d0c6c4e1"
	manager = "0x4f6a3ec7c0e1fbcbbd12d19f2a06a7f6e3ee9a3b"
	deed    = uint64(7)
)

func testConfig() config.ServiceConfig {
	return config.ServiceConfig{
		InstanceID: "test",
		Primary:    true,
		Tokens:     config.TokenConfig{MaxTokens: 10, LiveTime: time.Minute},
		Locks:      config.LockConfig{Shards: 4, RefreshTimeout: time.Second, DrainTimeout: time.Second},
		Reward:     config.RewardConfig{UemRewardAmount: 100},
	}
}

func newService(t *testing.T) (*Service, *blocktest.Chain) {
	t.Helper()

	chain := blocktest.New()
	chain.Head = 10
	chain.Owners[deed] = owner
	chain.CardTypes[deed] = types.CardRare
	chain.Cities[deed] = 1

	return New(testConfig(), memory.New(), nil, chain), chain
}

func TestLeaseListeners(t *testing.T) {
	ctx := context.Background()
	s, chain := newService(t)

	offer, err := s.Offers.Create(ctx, owner, store.Offer{NftID: deed, TransactionHash: "0xc1"})
	require.NoError(t, err)

	state := types.OfferState{
		ID:               3,
		BlockNumber:      2,
		DeedID:           deed,
		Creator:          owner,
		Months:           3,
		NoticePeriod:     1,
		Price:            big.NewInt(1e18),
		AllDurationPrice: big.NewInt(3e18),
		StartDate:        time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC).Unix(),
		AuthorizedTenant: "0x0000000000000000000000000000000000000000",
		TransactionHash:  "0xc1",
	}
	chain.SetOffer(state)
	chain.SetOfferEvents("0xc1", map[types.OfferStatus]types.OfferState{types.OfferCreated: state})

	offer, err = s.Offers.Get(ctx, offer.ID, owner, true)
	require.NoError(t, err)
	require.True(t, offer.Confirmed())

	// the acquisition is recorded on the offer by the leaseAcquired listener
	_, err = s.Leases.Create(ctx, manager, offer.ID, "0xACQ")
	require.NoError(t, err)

	offer, err = s.Offers.Get(ctx, offer.ID, owner, false)
	require.NoError(t, err)
	assert.Len(t, offer.Pending, 1)

	start := time.Date(2023, 3, 2, 0, 0, 0, 0, time.UTC)
	lease := types.LeaseState{
		ID:               3,
		BlockNumber:      12,
		DeedID:           deed,
		PaidMonths:       1,
		PaidRentsDate:    start.AddDate(0, 1, 0).Unix(),
		NoticePeriodDate: start.AddDate(0, 2, 0).Unix(),
		LeaseStartDate:   start.Unix(),
		LeaseEndDate:     start.AddDate(0, 3, 0).Unix(),
		Tenant:           manager,
	}
	chain.SetLease(lease)
	chain.SetLeaseEvents("0xacq", map[types.LeaseStatus]types.LeaseState{types.LeaseAcquired: lease})

	// the confirmation marks the offer acquired
	_, err = s.Leases.Get(ctx, "3", true)
	require.NoError(t, err)

	acquired, err := store.NewRepo[store.Offer](s.DB, store.Offers).Get(ctx, offer.ID)
	require.NoError(t, err)
	assert.True(t, acquired.Acquired)

	cls, err := s.Offers.Changelogs(ctx, offer.ID)
	require.NoError(t, err)
	assert.Empty(t, cls)
}

func TestListenerPayloads(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t)

	bad := eventbus.Event{Name: reconcile.EventLeaseAcquisitionConfirmed, Data: []byte(`{"id":"x"}`)}
	assert.Error(t, s.onLeaseConfirmed(ctx, bad))

	bad.Data = []byte(`{`)
	assert.Error(t, s.onLeaseAcquired(ctx, bad))
	assert.Error(t, onOfferCreated(ctx, bad))

	// leases without transaction are ignored
	assert.NoError(t, s.onLeaseAcquired(ctx, eventbus.Event{Data: []byte(`{"id":"99","nftId":7}`)}))
	assert.NoError(t, onOfferCreated(ctx, eventbus.Event{Data: []byte(`{"id":"a","nftId":7}`)}))
}

func TestReload(t *testing.T) {
	s, _ := newService(t)
	s.logger = logging.Setup("test", "", config.LogConfig{Level: "info"})

	conf := testConfig()
	conf.Tokens.MaxTokens = 1
	conf.Log.Level = "error"
	s.Reload(conf)

	first := s.Tokens.Issue()
	assert.Equal(t, first, s.Tokens.Issue(), "the store is full")
	assert.False(t, s.logger.Enabled(context.Background(), slog.LevelInfo))
}

func TestRun(t *testing.T) {
	s, _ := newService(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		s.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		_, found, err := s.Bus.Watermark(context.Background())

		return err == nil && found
	}, time.Second, 5*time.Millisecond)

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("bus did not stop")
	}
}

func TestOpenUnknownDatabase(t *testing.T) {
	conf := testConfig()
	conf.DbType = "unknown"

	_, err := Open(conf, nil)
	assert.Error(t, err)
}

func TestOpenBroker(t *testing.T) {
	mb, err := openBroker("", "")
	require.NoError(t, err)
	assert.Nil(t, mb)

	mb, err = openBroker(MEMORY, "")
	require.NoError(t, err)
	require.NotNil(t, mb)
	assert.NoError(t, mb.Close())
}
