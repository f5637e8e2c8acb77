package mongo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/tarancss/deeds/lib/store"
)

func TestFilter(t *testing.T) {
	var tests = []struct {
		name  string
		conds []store.Cond
		want  bson.M
	}{
		{"empty", nil, bson.M{}},
		{"eq", []store.Cond{store.Eq("owner", "0xa")}, bson.M{"$and": bson.A{bson.M{"owner": "0xa"}}}},
		{"range", []store.Cond{store.Gte("nftId", 1), store.Lt("nftId", 5)}, bson.M{"$and": bson.A{
			bson.M{"nftId": bson.M{"$gte": 1}}, bson.M{"nftId": bson.M{"$lt": 5}}}}},
		{"in", []store.Cond{store.In("status", "NONE", "SENT")}, bson.M{"$and": bson.A{
			bson.M{"status": bson.M{"$in": bson.A{"NONE", "SENT"}}}}}},
		{"not contains", []store.Cond{store.NotContains("consumers", "i1")}, bson.M{"$and": bson.A{
			bson.M{"consumers": bson.M{"$ne": "i1"}}}}},
	}

	for _, tt := range tests {
		got, err := Filter(tt.conds)
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, got, tt.name)
	}

	_, err := Filter([]store.Cond{{Field: "x", Op: store.OpIn, Value: 1}})
	require.ErrorIs(t, err, store.ErrBadQuery)
}
