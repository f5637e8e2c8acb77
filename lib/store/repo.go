package store

import (
	"context"
)

// Repo gives typed access to the documents of a collection.
type Repo[T any] struct {
	db   DB
	coll string
}

// NewRepo returns a repository of coll documents.
func NewRepo[T any](db DB, coll string) *Repo[T] {
	return &Repo[T]{db: db, coll: coll}
}

// Get returns a copy of the document id. It returns ErrDataNotFound when missing.
func (r *Repo[T]) Get(ctx context.Context, id string) (T, error) {
	var v T

	err := r.db.Get(ctx, r.coll, id, &v)

	return v, err
}

// Put creates or replaces the document id.
func (r *Repo[T]) Put(ctx context.Context, id string, v T) error {
	return r.db.Put(ctx, r.coll, id, v)
}

// Delete removes the document id.
func (r *Repo[T]) Delete(ctx context.Context, id string) error {
	return r.db.Delete(ctx, r.coll, id)
}

// Find returns the documents matching q.
func (r *Repo[T]) Find(ctx context.Context, q Query) ([]T, error) {
	var vs []T
	if err := r.db.Find(ctx, r.coll, q, &vs); err != nil {
		return nil, err
	}

	return vs, nil
}

// First returns the first document matching q, or ErrDataNotFound.
func (r *Repo[T]) First(ctx context.Context, q Query) (T, error) {
	var zero T

	vs, err := r.Find(ctx, q.Take(1))
	if err != nil {
		return zero, err
	}

	if len(vs) == 0 {
		return zero, ErrDataNotFound
	}

	return vs[0], nil
}

// DeleteMany removes the documents matching q.
func (r *Repo[T]) DeleteMany(ctx context.Context, q Query) (int64, error) {
	return r.db.DeleteMany(ctx, r.coll, q)
}
