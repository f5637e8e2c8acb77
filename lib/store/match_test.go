package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raws(t *testing.T, docs ...interface{}) [][]byte {
	t.Helper()

	out := make([][]byte, len(docs))

	for i, d := range docs {
		b, err := json.Marshal(d)
		require.NoError(t, err)

		out[i] = b
	}

	return out
}

func TestFilter(t *testing.T) {
	day := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)
	docs := raws(t,
		Offer{ID: "a", NftID: 1, Owner: "0xa", Enabled: true, StartDate: day, ViewAddresses: []string{"ALL"}},
		Offer{ID: "b", NftID: 1, Owner: "0xb", Enabled: false, StartDate: day.Add(48 * time.Hour)},
		Offer{ID: "c", NftID: 2, Owner: "0xa", Enabled: true, StartDate: day.Add(24 * time.Hour),
			ViewAddresses: []string{"0xa"}},
	)

	var tests = []struct {
		name string
		q    Query
		want []string
	}{
		{"all", Query{}, []string{"a", "b", "c"}},
		{"eq uint", Where(Eq("nftId", uint64(1))), []string{"a", "b"}},
		{"eq bool", Where(Eq("enabled", true)), []string{"a", "c"}},
		{"ne", Where(Ne("owner", "0xa")), []string{"b"}},
		{"and", Where(Eq("owner", "0xa"), Gt("nftId", 1)), []string{"c"}},
		{"time gte", Where(Gte("startDate", day.Add(24*time.Hour))), []string{"b", "c"}},
		{"time lt", Where(Lt("startDate", day.Add(time.Hour))), []string{"a"}},
		{"in", Where(In("id", "a", "c", "z")), []string{"a", "c"}},
		{"contains", Where(Contains("viewAddresses", "ALL")), []string{"a"}},
		{"not contains", Where(NotContains("viewAddresses", "ALL")), []string{"b", "c"}},
		{"sort time desc", Query{}.OrderBy("startDate", true), []string{"b", "c", "a"}},
		{"sort limit", Query{}.OrderBy("id", false).Take(2), []string{"a", "b"}},
	}

	for _, tt := range tests {
		got, err := Filter(docs, tt.q)
		require.NoError(t, err, tt.name)

		var offers []Offer
		require.NoError(t, DecodeAll(got, &offers), tt.name)

		ids := make([]string, len(offers))
		for i := range offers {
			ids[i] = offers[i].ID
		}

		assert.Equal(t, tt.want, ids, tt.name)
	}
}

func TestFilterBadQuery(t *testing.T) {
	_, err := Filter(raws(t, Setting{ID: "x"}), Where(Cond{"id", OpIn, "x"}))
	require.ErrorIs(t, err, ErrBadQuery)
}

func TestPendingChanges(t *testing.T) {
	var p PendingChanges

	p = p.Set(ChangeUpdate, "u1").Set(ChangeAcquisition, "a1").Set(ChangeUpdate, "u2").Set(ChangeAcquisition, "a2")
	p = p.Set(ChangeAcquisition, "a1").Set(ChangeDelete, "d1")

	id, ok := p.Get(ChangeUpdate)
	require.True(t, ok)
	assert.Equal(t, "u2", id)
	assert.False(t, p.Has("u1"))
	assert.ElementsMatch(t, []string{"u2", "a1", "a2", "d1"}, p.IDs())

	p = p.Remove("u2")
	_, ok = p.Get(ChangeUpdate)
	assert.False(t, ok)
	assert.Len(t, p, 3)
}
