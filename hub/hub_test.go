package hub

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/deeds/auth"
	"github.com/tarancss/deeds/eventbus"
	"github.com/tarancss/deeds/lib/block/blocktest"
	"github.com/tarancss/deeds/lib/block/types"
	"github.com/tarancss/deeds/lib/config"
	"github.com/tarancss/deeds/lib/errs"
	"github.com/tarancss/deeds/lib/store"
	"github.com/tarancss/deeds/lib/store/memory"
)

const deed = uint64(7)

type wallet struct {
	key     *ecdsa.PrivateKey
	address string
}

func newWallet(t *testing.T) wallet {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	return wallet{key: key, address: strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())}
}

func (w wallet) sign(t *testing.T, message string) string {
	t.Helper()

	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), w.key)
	require.NoError(t, err)

	return hexutil.Encode(sig)
}

type events struct {
	mu    sync.Mutex
	names []string
}

func (e *events) count(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0

	for _, v := range e.names {
		if v == name {
			n++
		}
	}

	return n
}

type fixture struct {
	chain   *blocktest.Chain
	db      store.DB
	m       *Manager
	events  *events
	manager wallet
	hub     wallet
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		chain:   blocktest.New(),
		db:      memory.New(),
		events:  &events{},
		manager: newWallet(t),
		hub:     newWallet(t),
	}

	f.chain.Owners[deed] = f.manager.address
	f.chain.CardTypes[deed] = types.CardRare
	f.chain.Cities[deed] = 2
	f.chain.SetWomHub(f.hub.address, types.WomHub{DeedID: deed, Owner: f.manager.address, Enabled: true,
		JoinDate: time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC).Unix()})

	bus := eventbus.New(f.db, nil, eventbus.Config{InstanceID: "test", Primary: true})
	for _, name := range []string{EventSaved, EventConnected, EventDisconnected, EventStatusChanged} {
		bus.AddListener(name, eventbus.Listen("test", func(_ context.Context, e eventbus.Event) error {
			f.events.mu.Lock()
			defer f.events.mu.Unlock()

			f.events.names = append(f.events.names, e.Name)

			return nil
		}))
	}

	f.m = NewManager(f.db, f.chain, bus, auth.NewTokenStore(config.TokenConfig{MaxTokens: 10, LiveTime: time.Minute}))

	return f
}

func (f *fixture) connectRequest(t *testing.T, signer wallet) ConnectRequest {
	t.Helper()

	token := f.m.Token()
	message := "Connect hub to the WoM " + token

	return ConnectRequest{
		Address:            f.hub.address,
		DeedID:             deed,
		DeedOwnerAddress:   f.chain.Owners[deed],
		DeedManagerAddress: signer.address,
		RawMessage:         message,
		SignedMessage:      signer.sign(t, message),
		HubSignedMessage:   f.hub.sign(t, message),
		Token:              token,
		Name:               "Meeds hub",
		URL:                "https://hub.example.org",
		Color:              "#123456",
	}
}

func (f *fixture) disconnectRequest(t *testing.T, signer wallet) DisconnectRequest {
	t.Helper()

	token := f.m.Token()
	message := "Disconnect hub from the WoM " + token

	return DisconnectRequest{
		HubAddress:         f.hub.address,
		DeedManagerAddress: signer.address,
		RawMessage:         message,
		SignedMessage:      signer.sign(t, message),
		Token:              token,
	}
}

func TestConnect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	h, err := f.m.Connect(ctx, f.connectRequest(t, f.manager))
	require.NoError(t, err)

	assert.Equal(t, f.hub.address, h.Address)
	assert.True(t, h.Enabled)
	assert.Equal(t, deed, h.DeedID)
	assert.Equal(t, f.manager.address, h.OwnerAddress)
	assert.Equal(t, f.manager.address, h.ManagerAddress)
	assert.Equal(t, "Meeds hub", h.Name)
	assert.Equal(t, "#123456", h.Color)
	assert.Equal(t, time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC), h.JoinDate)
	assert.Nil(t, h.UntilDate)

	updates := f.chain.Updates()
	require.Len(t, updates, 1)
	assert.Equal(t, types.WomDeed{
		City:            2,
		CardType:        types.CardRare,
		MintingPower:    1.3,
		MaxUsers:        updates[0].MaxUsers,
		OwnerAddress:    f.manager.address,
		ManagerAddress:  f.manager.address,
		OwnerPercentage: 100,
	}, updates[0])
	assert.Positive(t, updates[0].MaxUsers)

	assert.Equal(t, 1, f.events.count(EventConnected))
	assert.Equal(t, 1, f.events.count(EventSaved))

	// WoM already holds the deed, nothing is sent again
	_, err = f.m.Connect(ctx, f.connectRequest(t, f.manager))
	require.NoError(t, err)
	assert.Len(t, f.chain.Updates(), 1)
	assert.Equal(t, 1, f.events.count(EventConnected))

	saved, err := f.m.Get(ctx, "0x"+strings.ToUpper(f.hub.address[2:]), false)
	require.NoError(t, err)
	assert.Equal(t, "https://hub.example.org", saved.URL)
}

func TestConnectErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("hub signature by another wallet", func(t *testing.T) {
		f := newFixture(t)
		req := f.connectRequest(t, f.manager)
		req.HubSignedMessage = f.manager.sign(t, req.RawMessage)

		_, err := f.m.Connect(ctx, req)
		assert.True(t, errs.IsKind(err, errs.KindAuthorization))
		assert.Equal(t, auth.KeyInvalidMessage, errs.As(err).Key)
	})

	t.Run("unknown token", func(t *testing.T) {
		f := newFixture(t)
		req := f.connectRequest(t, f.manager)
		req.Token = "unknown"
		req.RawMessage = "Connect hub to the WoM unknown"
		req.SignedMessage = f.manager.sign(t, req.RawMessage)

		_, err := f.m.Connect(ctx, req)
		require.Error(t, err)
		assert.True(t, errs.As(err).ShouldRetry)
	})

	t.Run("deed used by another hub", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, store.NewRepo[store.Hub](f.db, store.Hubs).Put(ctx, "0xother",
			store.Hub{Address: "0xother", DeedID: deed, Enabled: true}))

		_, err := f.m.Connect(ctx, f.connectRequest(t, f.manager))
		require.ErrorIs(t, err, ErrDeedAlreadyUsed)
	})

	t.Run("deed bound on WoM to another hub", func(t *testing.T) {
		f := newFixture(t)
		f.chain.SetWomDeed(deed, types.WomDeed{HubAddress: "0x1111111111111111111111111111111111111111"})

		_, err := f.m.Connect(ctx, f.connectRequest(t, f.manager))
		require.ErrorIs(t, err, ErrDeedAlreadyUsed)
		assert.Empty(t, f.chain.Updates())
	})

	t.Run("owner of a leased deed", func(t *testing.T) {
		f := newFixture(t)
		f.chain.Managers[deed] = "0x4444444444444444444444444444444444444444"

		_, err := f.m.Connect(ctx, f.connectRequest(t, f.manager))
		require.ErrorIs(t, err, ErrNotDeedManager)
		assert.Empty(t, f.chain.Updates())
	})

	t.Run("not the hub owner", func(t *testing.T) {
		f := newFixture(t)
		f.chain.SetWomHub(f.hub.address, types.WomHub{DeedID: deed, Owner: "0x1111111111111111111111111111111111111111"})

		_, err := f.m.Connect(ctx, f.connectRequest(t, f.manager))
		require.ErrorIs(t, err, ErrNotHubOwner)
	})

	t.Run("not the deed owner", func(t *testing.T) {
		f := newFixture(t)
		req := f.connectRequest(t, f.manager)
		req.DeedOwnerAddress = "0x1111111111111111111111111111111111111111"

		_, err := f.m.Connect(ctx, req)
		require.ErrorIs(t, err, ErrNotDeedOwner)
		assert.Empty(t, f.chain.Updates())
	})

	t.Run("WoM revert reason", func(t *testing.T) {
		f := newFixture(t)
		f.chain.SendErr = errors.New("execution reverted: wom.deedNotAvailable")

		_, err := f.m.Connect(ctx, f.connectRequest(t, f.manager))
		require.Error(t, err)
		assert.Equal(t, "wom.deedNotAvailable", errs.As(err).Key)
		assert.True(t, errs.IsKind(err, errs.KindRequest))
	})

	t.Run("node failure", func(t *testing.T) {
		f := newFixture(t)
		f.chain.SendErr = errors.New("connection refused")

		_, err := f.m.Connect(ctx, f.connectRequest(t, f.manager))
		require.Error(t, err)
		assert.Nil(t, errs.As(err))
		assert.Equal(t, 500, errs.HTTPCode(err))
	})
}

func TestConnectNewHub(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	delete(f.chain.WomHubs, f.hub.address)
	f.chain.SetWomDeed(deed, types.WomDeed{HubAddress: "0x0000000000000000000000000000000000000000"})

	h, err := f.m.Connect(ctx, f.connectRequest(t, f.manager))
	require.NoError(t, err)
	assert.Equal(t, f.hub.address, h.Address)
	assert.False(t, h.Enabled, "enabled once WoM registers the hub")
	assert.Len(t, f.chain.Updates(), 1)

	f.chain.SetWomHub(f.hub.address, types.WomHub{DeedID: deed, Owner: f.manager.address, Enabled: true})

	h, err = f.m.RefreshHub(ctx, f.hub.address)
	require.NoError(t, err)
	assert.True(t, h.Enabled)
	assert.Equal(t, "Meeds hub", h.Name)
	assert.Equal(t, f.manager.address, h.ManagerAddress)
}

func TestConnectLeasedDeed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	owner := newWallet(t)
	f.chain.Owners[deed] = owner.address
	f.chain.Managers[deed] = f.manager.address

	_, err := f.m.Connect(ctx, f.connectRequest(t, f.manager))
	require.ErrorIs(t, err, ErrNoLease)

	end := time.Now().Add(30 * 24 * time.Hour).UTC()
	require.NoError(t, store.NewRepo[store.Lease](f.db, store.Leases).Put(ctx, "3", store.Lease{
		ID:                     "3",
		NftID:                  deed,
		Manager:                f.manager.address,
		Owner:                  owner.address,
		OwnerMintingPercentage: 30,
		StartDate:              time.Now().Add(-time.Hour).UTC(),
		EndDate:                end,
		Confirmed:              true,
		Enabled:                true,
	}))

	h, err := f.m.Connect(ctx, f.connectRequest(t, f.manager))
	require.NoError(t, err)

	updates := f.chain.Updates()
	require.Len(t, updates, 1)
	assert.Equal(t, owner.address, updates[0].OwnerAddress)
	assert.Equal(t, f.manager.address, updates[0].ManagerAddress)
	assert.Equal(t, 30, updates[0].OwnerPercentage)

	require.NotNil(t, h.UntilDate)
	assert.True(t, end.Equal(*h.UntilDate))
}

func TestDisconnect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.m.Disconnect(ctx, f.disconnectRequest(t, f.manager))
	require.ErrorIs(t, err, ErrAlreadyDisconnected)

	_, err = f.m.Connect(ctx, f.connectRequest(t, f.manager))
	require.NoError(t, err)

	_, err = f.m.Disconnect(ctx, f.disconnectRequest(t, newWallet(t)))
	require.ErrorIs(t, err, ErrNotDeedManager)

	h, err := f.m.Disconnect(ctx, f.disconnectRequest(t, f.manager))
	require.NoError(t, err)
	assert.False(t, h.Enabled)
	require.NotNil(t, h.UntilDate)
	assert.Equal(t, 1, f.events.count(EventDisconnected))

	_, err = f.m.Disconnect(ctx, f.disconnectRequest(t, f.manager))
	require.ErrorIs(t, err, ErrAlreadyDisconnected)

	hubs, err := f.m.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, hubs)
}

func TestRefreshHub(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.m.RefreshHub(ctx, "0x2222222222222222222222222222222222222222")
	require.ErrorIs(t, err, ErrHubNotFound)

	h, err := f.m.RefreshHub(ctx, strings.ToUpper(f.hub.address))
	require.NoError(t, err)
	assert.True(t, h.Enabled)
	assert.Equal(t, 1, f.events.count(EventConnected))

	f.chain.SetWomHub(f.hub.address, types.WomHub{DeedID: deed, Owner: f.manager.address, Enabled: false})

	h, err = f.m.RefreshHub(ctx, f.hub.address)
	require.NoError(t, err)
	assert.False(t, h.Enabled)
	assert.Equal(t, 1, f.events.count(EventDisconnected))

	f.chain.SetWomHub(f.hub.address, types.WomHub{DeedID: deed, Owner: f.manager.address, Enabled: true})
	_, err = f.m.RefreshHub(ctx, f.hub.address)
	require.NoError(t, err)

	delete(f.chain.WomHubs, f.hub.address)

	h, err = f.m.RefreshHub(ctx, f.hub.address)
	require.NoError(t, err)
	assert.False(t, h.Enabled, "hubs unknown to WoM are disabled")
	assert.Equal(t, 2, f.events.count(EventDisconnected))
}

func TestCheckStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.m.Connect(ctx, f.connectRequest(t, f.manager))
	require.NoError(t, err)

	n, err := f.m.CheckStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	wd := f.chain.WomDeeds[deed]
	wd.HubAddress = "0x3333333333333333333333333333333333333333"
	f.chain.SetWomDeed(deed, wd)

	n, err = f.m.CheckStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.events.count(EventStatusChanged))

	h, err := f.m.Get(ctx, f.hub.address, false)
	require.NoError(t, err)
	assert.False(t, h.Enabled)

	n, err = f.m.CheckStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCheckStatusManagerInvalidated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.m.Connect(ctx, f.connectRequest(t, f.manager))
	require.NoError(t, err)

	f.chain.Managers[deed] = "0x4444444444444444444444444444444444444444"

	n, err := f.m.CheckStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
