// Package bolt implements the store interface on an embedded bbolt file, one bucket per collection.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/tarancss/deeds/lib/store"
)

// Bolt is a store.DB in a bbolt file.
type Bolt struct {
	db *bolt.DB
}

// New opens (or creates) the database file at path and its collection buckets.
func New(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("cannot open bolt DB in %s: %w", path, err)
	}

	if err = db.Update(func(tx *bolt.Tx) error {
		for _, coll := range store.Collections {
			if _, errB := tx.CreateBucketIfNotExists([]byte(coll)); errB != nil {
				return errB
			}
		}

		return nil
	}); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &Bolt{db: db}, nil
}

// Close releases the database file.
func (b *Bolt) Close() error {
	return b.db.Close()
}

// Get implements store.DB.
func (b *Bolt) Get(_ context.Context, coll, id string, doc interface{}) error {
	var raw []byte

	if err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte(coll))
		if bk == nil {
			return nil
		}

		if v := bk.Get([]byte(id)); v != nil {
			raw = append([]byte(nil), v...)
		}

		return nil
	}); err != nil {
		return err
	}

	if raw == nil {
		return store.ErrDataNotFound
	}

	return json.Unmarshal(raw, doc)
}

// Put implements store.DB.
func (b *Bolt) Put(_ context.Context, coll, id string, doc interface{}) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding %s %s: %w", coll, id, err)
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		bk, errB := tx.CreateBucketIfNotExists([]byte(coll))
		if errB != nil {
			return errB
		}

		return bk.Put([]byte(id), raw)
	})
}

// Delete implements store.DB.
func (b *Bolt) Delete(_ context.Context, coll, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte(coll))
		if bk == nil {
			return nil
		}

		return bk.Delete([]byte(id))
	})
}

// Find implements store.DB.
func (b *Bolt) Find(_ context.Context, coll string, q store.Query, docs interface{}) error {
	var raws [][]byte

	if err := b.db.View(func(tx *bolt.Tx) error {
		_, matched, err := match(tx, coll, q)
		raws = matched

		return err
	}); err != nil {
		return err
	}

	return store.DecodeAll(raws, docs)
}

// DeleteMany implements store.DB.
func (b *Bolt) DeleteMany(_ context.Context, coll string, q store.Query) (int64, error) {
	var n int64

	err := b.db.Update(func(tx *bolt.Tx) error {
		keys, _, err := match(tx, coll, q)
		if err != nil {
			return err
		}

		bk := tx.Bucket([]byte(coll))
		for _, k := range keys {
			if err = bk.Delete(k); err != nil {
				return err
			}
		}

		n = int64(len(keys))

		return nil
	})

	return n, err
}

// match returns the keys and copies of the documents matching q, visited in key order.
func match(tx *bolt.Tx, coll string, q store.Query) ([][]byte, [][]byte, error) {
	bk := tx.Bucket([]byte(coll))
	if bk == nil {
		return nil, nil, nil
	}

	var keys, raws [][]byte

	if err := bk.ForEach(func(k, v []byte) error {
		keys = append(keys, append([]byte(nil), k...))
		raws = append(raws, append([]byte(nil), v...))

		return nil
	}); err != nil {
		return nil, nil, err
	}

	idx, err := store.Select(raws, q)
	if err != nil {
		return nil, nil, err
	}

	mk := make([][]byte, len(idx))
	mr := make([][]byte, len(idx))

	for i, n := range idx {
		mk[i], mr[i] = keys[n], raws[n]
	}

	return mk, mr, nil
}
