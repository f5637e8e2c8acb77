package api

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
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

type fixture struct {
	chain   *blocktest.Chain
	api     *API
	srv     *httptest.Server
	manager wallet
	hub     wallet
}

func newFixture(t *testing.T, conf config.APIConfig) *fixture {
	t.Helper()

	f := &fixture{chain: blocktest.New(), manager: newWallet(t), hub: newWallet(t)}
	f.chain.Owners[deed] = f.manager.address
	f.chain.CardTypes[deed] = types.CardUncommon
	f.chain.RewardAmt = 100
	f.chain.SetWomHub(f.hub.address, types.WomHub{DeedID: deed, Owner: f.manager.address, Enabled: true,
		JoinDate: time.Now().Unix()})

	db := memory.New()
	bus := eventbus.New(db, nil, eventbus.Config{InstanceID: "test"})
	offers := reconcile.NewOffers(db, f.chain, bus, lock.New("offers", 4), time.Second)

	f.api = New(Services{
		Hubs:    hub.NewManager(db, f.chain, bus, auth.NewTokenStore(config.TokenConfig{MaxTokens: 10, LiveTime: time.Minute})),
		Offers:  offers,
		Leases:  reconcile.NewLeases(db, f.chain, bus, offers, lock.New("leases", 4), time.Second),
		Rewards: reward.NewEngine(db, f.chain, bus, config.RewardConfig{}),
	}, conf)

	f.srv = httptest.NewServer(f.api.Handler())
	t.Cleanup(f.srv.Close)

	return f
}

// call sends a request and decodes the reply into body, when not nil.
func (f *fixture) call(t *testing.T, method, uri string, obj, body interface{}) (int, Response) {
	t.Helper()

	var payload bytes.Buffer
	if obj != nil {
		require.NoError(t, json.NewEncoder(&payload).Encode(obj))
	}

	req, err := http.NewRequest(method, f.srv.URL+uri, &payload)
	require.NoError(t, err)

	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	var raw struct {
		Response
		Body json.RawMessage `json:"body"`
	}

	if resp.Header.Get("Content-Type") == "application/json;charset=utf8" {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))

		if body != nil && len(raw.Body) > 0 {
			require.NoError(t, json.Unmarshal(raw.Body, body))
		}
	}

	return resp.StatusCode, raw.Response
}

func (f *fixture) token(t *testing.T) string {
	t.Helper()

	var token string

	code, _ := f.call(t, http.MethodGet, "/api/authorization", nil, &token)
	require.Equal(t, http.StatusOK, code)
	require.NotEmpty(t, token)

	return token
}

func (f *fixture) connect(t *testing.T) store.Hub {
	t.Helper()

	token := f.token(t)
	message := "Connect my hub " + token

	var h store.Hub

	code, res := f.call(t, http.MethodPost, "/api/hubs", hub.ConnectRequest{
		Address:            f.hub.address,
		DeedID:             deed,
		DeedOwnerAddress:   f.manager.address,
		DeedManagerAddress: f.manager.address,
		RawMessage:         message,
		SignedMessage:      f.manager.sign(t, message),
		HubSignedMessage:   f.hub.sign(t, message),
		Token:              token,
		Name:               "hub",
	}, &h)
	require.Equal(t, http.StatusOK, code, res.Error)

	return h
}

func TestHealth(t *testing.T) {
	f := newFixture(t, config.APIConfig{})

	var body string

	code, _ := f.call(t, http.MethodGet, "/healthz", nil, &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)

	code, _ = f.call(t, http.MethodPost, "/healthz", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestTokenRateLimit(t *testing.T) {
	f := newFixture(t, config.APIConfig{TokenRate: 0.001, TokenBurst: 2})

	f.token(t)
	f.token(t)

	code, res := f.call(t, http.MethodGet, "/api/authorization", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "wom.tooManyRequests", res.Error)
	assert.True(t, res.ShouldRetry)

	f.api.SetTokenLimits(1000, 10)
	assert.Eventually(t, func() bool {
		code, _ = f.call(t, http.MethodGet, "/api/authorization", nil, nil)

		return code == http.StatusOK
	}, time.Second, 10*time.Millisecond)
}

func TestHubs(t *testing.T) {
	f := newFixture(t, config.APIConfig{})

	h := f.connect(t)
	assert.Equal(t, f.hub.address, h.Address)
	assert.True(t, h.Enabled)
	assert.Equal(t, "hub", h.Name)

	var read store.Hub

	code, _ := f.call(t, http.MethodGet, "/api/hubs/0x"+strings.ToUpper(f.hub.address[2:]), nil, &read)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, f.hub.address, read.Address)

	code, _ = f.call(t, http.MethodGet, "/api/hubs/0x00000000000000000000000000000000000000ff", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.call(t, http.MethodGet, "/api/hubs/"+f.hub.address+"?refresh=true", nil, &read)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, deed, read.DeedID)

	var hubs []store.Hub

	code, _ = f.call(t, http.MethodGet, "/api/hubs", nil, &hubs)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, hubs, 1)

	code, res := f.call(t, http.MethodGet, "/api/hubs/"+f.hub.address+"?refresh=maybe", nil, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "api.badQuery", res.Error)

	// the signature doesn't match the token
	code, res = f.call(t, http.MethodDelete, "/api/hubs/"+f.hub.address, hub.DisconnectRequest{
		DeedManagerAddress: f.manager.address,
		RawMessage:         "Disconnect",
		SignedMessage:      f.manager.sign(t, "Disconnect"),
		Token:              "unknown",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.True(t, res.ShouldRetry)

	token := f.token(t)
	message := "Disconnect my hub " + token

	code, res = f.call(t, http.MethodDelete, "/api/hubs/"+f.hub.address, hub.DisconnectRequest{
		DeedManagerAddress: f.manager.address,
		RawMessage:         message,
		SignedMessage:      f.manager.sign(t, message),
		Token:              token,
	}, &read)
	require.Equal(t, http.StatusOK, code, res.Error)
	assert.False(t, read.Enabled)
}

func TestBadBody(t *testing.T) {
	f := newFixture(t, config.APIConfig{})

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/api/hubs", strings.NewReader("{"))
	require.NoError(t, err)

	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	var res Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "api.invalidBody", res.Error)
	assert.Equal(t, http.StatusUnprocessableEntity, res.Code)
}

func TestObjectsNotFound(t *testing.T) {
	f := newFixture(t, config.APIConfig{})

	for uri, key := range map[string]string{
		"/api/offers/unknown":     "deeds.offerNotFound",
		"/api/leases/12":          "deeds.leaseNotFound",
		"/api/rewards/2023-03-06": "uem.rewardNotFound",
		"/api/reports/0xff":       "uem.reportNotFound",
	} {
		code, res := f.call(t, http.MethodGet, uri, nil, nil)
		assert.Equal(t, http.StatusNotFound, code, uri)
		assert.Equal(t, key, res.Error, uri)
		assert.False(t, res.ShouldRetry, uri)
	}
}

func TestReportsAndRewards(t *testing.T) {
	f := newFixture(t, config.APIConfig{})

	f.connect(t)

	period := reward.PeriodOf(time.Now()).Previous()

	var report store.HubReport

	code, res := f.call(t, http.MethodPost, "/api/reports", store.HubReport{
		ReportID:          "0xAB01",
		HubAddress:        f.hub.address,
		FromDate:          period.From,
		ToDate:            period.To,
		ParticipantsCount: 2,
		AchievementsCount: 6,
	}, &report)
	require.Equal(t, http.StatusOK, code, res.Error)
	assert.Equal(t, "0xab01", report.ReportID)
	assert.Equal(t, store.ReportSent, report.Status)

	code, _ = f.call(t, http.MethodGet, "/api/reports/0xAB01", nil, &report)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, f.hub.address, report.HubAddress)

	code, res = f.call(t, http.MethodPost, "/api/reports", store.HubReport{
		ReportID:   "0xab02",
		HubAddress: "0x00000000000000000000000000000000000000ff",
		FromDate:   period.From,
		ToDate:     period.To,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "uem.hubUnknown", res.Error)

	computed, err := f.api.svc.Rewards.Compute(context.Background(), period)
	require.NoError(t, err)
	require.NotNil(t, computed)

	var rw store.UEMReward

	code, _ = f.call(t, http.MethodGet, "/api/rewards/"+period.ID(), nil, &rw)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"0xab01"}, rw.ReportIDs)
	assert.InDelta(t, 100.0, rw.UemRewardAmount, 1e-9)

	code, _ = f.call(t, http.MethodPut, "/api/rewards/"+period.ID()+"/transaction",
		TransactionRequest{TransactionHash: "0xFEED"}, &rw)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, store.RewardPending, rw.Status)
	assert.Equal(t, []string{"0xfeed"}, rw.TransactionHashes)
}
