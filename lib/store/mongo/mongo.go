// Package mongo implements the interface for MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mgo "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tarancss/deeds/lib/store"
)

// Mongo implements a connection to a MongoDB database.
type Mongo struct {
	c  *mgo.Client
	db *mgo.Database
}

// New returns a Mongo client connection to the database name of the specified MongoDB uri.
func New(uri, name string) (*Mongo, error) {
	// get a client
	c, err := mgo.NewClient(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to mongo DB in %s: %w", uri, err)
	}
	// connect client
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second) //nolint:gomnd // 5 seconds timeout
	defer cancel()

	err = c.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("error connecting to mongo DB: %w", err)
	}

	return &Mongo{c: c, db: c.Database(name)}, nil
}

// Close will close a database connection. Must be called at termination time.
func (m *Mongo) Close() error {
	return m.c.Disconnect(context.Background())
}

// Get implements store.DB.
func (m *Mongo) Get(ctx context.Context, coll, id string, doc interface{}) error {
	err := m.db.Collection(coll).FindOne(ctx, bson.M{"_id": id}).Decode(doc)
	if errors.Is(err, mgo.ErrNoDocuments) {
		return store.ErrDataNotFound
	}

	return err
}

// Put implements store.DB. The document is stored with its id as _id.
func (m *Mongo) Put(ctx context.Context, coll, id string, doc interface{}) error {
	_, err := m.db.Collection(coll).ReplaceOne(ctx, bson.M{"_id": id}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("saving %s %s: %w", coll, id, err)
	}

	return nil
}

// Delete implements store.DB.
func (m *Mongo) Delete(ctx context.Context, coll, id string) error {
	_, err := m.db.Collection(coll).DeleteOne(ctx, bson.M{"_id": id})

	return err
}

// Find implements store.DB.
func (m *Mongo) Find(ctx context.Context, coll string, q store.Query, docs interface{}) error {
	filter, err := Filter(q.Where)
	if err != nil {
		return err
	}

	opts := options.Find()
	if q.Sort != "" {
		dir := 1
		if q.Desc {
			dir = -1
		}

		opts.SetSort(bson.D{{Key: q.Sort, Value: dir}})
	}

	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	cur, err := m.db.Collection(coll).Find(ctx, filter, opts)
	if err != nil {
		return fmt.Errorf("finding in %s: %w", coll, err)
	}

	return cur.All(ctx, docs)
}

// DeleteMany implements store.DB.
func (m *Mongo) DeleteMany(ctx context.Context, coll string, q store.Query) (int64, error) {
	filter, err := Filter(q.Where)
	if err != nil {
		return 0, err
	}

	res, err := m.db.Collection(coll).DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("deleting in %s: %w", coll, err)
	}

	return res.DeletedCount, nil
}

// Filter translates conditions into a mongo filter.
func Filter(conds []store.Cond) (bson.M, error) {
	if len(conds) == 0 {
		return bson.M{}, nil
	}

	and := make(bson.A, 0, len(conds))

	for _, c := range conds {
		var f bson.M

		switch c.Op {
		case store.OpEq, store.OpContains:
			f = bson.M{c.Field: c.Value}
		case store.OpNe, store.OpNotContains:
			f = bson.M{c.Field: bson.M{"$ne": c.Value}}
		case store.OpGt:
			f = bson.M{c.Field: bson.M{"$gt": c.Value}}
		case store.OpGte:
			f = bson.M{c.Field: bson.M{"$gte": c.Value}}
		case store.OpLt:
			f = bson.M{c.Field: bson.M{"$lt": c.Value}}
		case store.OpLte:
			f = bson.M{c.Field: bson.M{"$lte": c.Value}}
		case store.OpIn:
			vs, ok := c.Value.([]interface{})
			if !ok {
				return nil, store.ErrBadQuery
			}

			f = bson.M{c.Field: bson.M{"$in": bson.A(vs)}}
		default:
			return nil, store.ErrBadQuery
		}

		and = append(and, f)
	}

	return bson.M{"$and": and}, nil
}
