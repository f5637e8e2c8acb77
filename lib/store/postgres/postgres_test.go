package postgres

import (
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/deeds/lib/store"
)

func TestWhere(t *testing.T) {
	day := time.Date(2023, 3, 6, 0, 0, 0, 0, time.UTC)

	var tests = []struct {
		name  string
		conds []store.Cond
		want  string
		args  []interface{}
	}{
		{"empty", nil, "", nil},
		{"string", []store.Cond{store.Eq("owner", "0xa")}, " WHERE (body->>'owner') = $1", []interface{}{"0xa"}},
		{"uint and bool", []store.Cond{store.Eq("nftId", uint64(7)), store.Ne("enabled", true)},
			" WHERE (body->>'nftId')::numeric = $1 AND (body->>'enabled')::boolean IS DISTINCT FROM $2",
			[]interface{}{"7", true}},
		{"time", []store.Cond{store.Lte("toDate", day)}, " WHERE (body->>'toDate')::timestamptz <= $1",
			[]interface{}{day}},
		{"null", []store.Cond{store.Eq("untilDate", nil)}, " WHERE (body->>'untilDate') IS NULL", []interface{}{}},
		{"in", []store.Cond{store.In("status", "NONE", "SENT")}, " WHERE body->>'status' = ANY($1)",
			[]interface{}{pq.Array([]string{"NONE", "SENT"})}},
		{"contains", []store.Cond{store.NotContains("consumers", "i1")},
			" WHERE NOT (coalesce(body->'consumers', '[]'::jsonb) ? $1)", []interface{}{"i1"}},
	}

	for _, tt := range tests {
		got, args, err := Where(tt.conds)
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, got, tt.name)

		if tt.args != nil {
			assert.Equal(t, tt.args, args, tt.name)
		}
	}
}

func TestWhereBadName(t *testing.T) {
	_, _, err := Where([]store.Cond{store.Eq("owner'; DROP TABLE offers; --", "x")})
	require.ErrorIs(t, err, store.ErrBadName)
}
