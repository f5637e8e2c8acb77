// Package storetest holds the behaviour every store.DB implementation must show.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/deeds/lib/store"
)

// Run checks db. Collections used are emptied first.
func Run(t *testing.T, db store.DB) {
	t.Helper()

	ctx := context.Background()

	for _, coll := range []string{store.Offers, store.Hubs, store.Settings} {
		_, err := db.DeleteMany(ctx, coll, store.Query{})
		require.NoError(t, err)
	}

	t.Run("get put delete", func(t *testing.T) { getPutDelete(ctx, t, db) })
	t.Run("find", func(t *testing.T) { find(ctx, t, db) })
	t.Run("delete many", func(t *testing.T) { deleteMany(ctx, t, db) })
}

func getPutDelete(ctx context.Context, t *testing.T, db store.DB) {
	settings := store.NewRepo[store.Setting](db, store.Settings)

	_, err := settings.Get(ctx, "missing")
	require.ErrorIs(t, err, store.ErrDataNotFound)

	require.NoError(t, settings.Put(ctx, "scanner.block", store.Setting{ID: "scanner.block", Value: "10"}))
	require.NoError(t, settings.Put(ctx, "scanner.block", store.Setting{ID: "scanner.block", Value: "11"}))

	s, err := settings.Get(ctx, "scanner.block")
	require.NoError(t, err)
	assert.Equal(t, "11", s.Value)

	require.NoError(t, settings.Delete(ctx, "scanner.block"))
	require.NoError(t, settings.Delete(ctx, "scanner.block"))

	_, err = settings.Get(ctx, "scanner.block")
	require.ErrorIs(t, err, store.ErrDataNotFound)
}

func find(ctx context.Context, t *testing.T, db store.DB) {
	hubs := store.NewRepo[store.Hub](db, store.Hubs)
	join := time.Date(2023, 3, 6, 0, 0, 0, 0, time.UTC)
	until := join.Add(time.Hour)

	for i, h := range []store.Hub{
		{Address: "0xa", DeedID: 1, Enabled: true, JoinDate: join, UsersCount: 10},
		{Address: "0xb", DeedID: 2, Enabled: false, JoinDate: join.Add(24 * time.Hour), UntilDate: &until},
		{Address: "0xc", DeedID: 1, Enabled: true, JoinDate: join.Add(48 * time.Hour), UsersCount: 30},
	} {
		h.Name = []string{"first", "second", "third"}[i]
		require.NoError(t, hubs.Put(ctx, h.Address, h))
	}

	var tests = []struct {
		name string
		q    store.Query
		want []string
	}{
		{"eq", store.Where(store.Eq("deedId", uint64(1))).OrderBy("address", false), []string{"0xa", "0xc"}},
		{"ne bool", store.Where(store.Ne("enabled", true)), []string{"0xb"}},
		{"gt number", store.Where(store.Gt("usersCount", 10)), []string{"0xc"}},
		{"time range", store.Where(store.Gte("joinDate", join.Add(time.Hour)), store.Lt("joinDate", join.Add(72*time.Hour))).
			OrderBy("joinDate", false), []string{"0xb", "0xc"}},
		{"in", store.Where(store.In("address", "0xa", "0xb")).OrderBy("address", true), []string{"0xb", "0xa"}},
		{"sorted desc limited", store.Query{}.OrderBy("joinDate", true).Take(2), []string{"0xc", "0xb"}},
	}

	for _, tt := range tests {
		got, err := hubs.Find(ctx, tt.q)
		require.NoError(t, err, tt.name)

		addrs := make([]string, len(got))
		for i := range got {
			addrs[i] = got[i].Address
		}

		assert.Equal(t, tt.want, addrs, tt.name)
	}

	h, err := hubs.First(ctx, store.Where(store.Eq("address", "0xb")))
	require.NoError(t, err)
	require.NotNil(t, h.UntilDate)
	assert.True(t, until.Equal(*h.UntilDate))
	assert.True(t, join.Add(24*time.Hour).Equal(h.JoinDate))

	_, err = hubs.First(ctx, store.Where(store.Eq("address", "0xz")))
	require.ErrorIs(t, err, store.ErrDataNotFound)

	offers := store.NewRepo[store.Offer](db, store.Offers)
	require.NoError(t, offers.Put(ctx, "o1", store.Offer{ID: "o1", ViewAddresses: []string{store.EveryoneAddress}}))
	require.NoError(t, offers.Put(ctx, "o2", store.Offer{ID: "o2", ViewAddresses: []string{"0xa"}}))

	got, err := offers.Find(ctx, store.Where(store.Contains("viewAddresses", "0xa")))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "o2", got[0].ID)

	got, err = offers.Find(ctx, store.Where(store.NotContains("viewAddresses", "0xa")))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "o1", got[0].ID)
}

func deleteMany(ctx context.Context, t *testing.T, db store.DB) {
	hubs := store.NewRepo[store.Hub](db, store.Hubs)

	n, err := hubs.DeleteMany(ctx, store.Where(store.Eq("enabled", true)))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	left, err := hubs.Find(ctx, store.Query{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "0xb", left[0].Address)
}
