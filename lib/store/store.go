// Package store defines the interface for the document database implementations used by the deeds services.
// Documents are structs with identical json and bson tags, stored by id in a named collection. Queries refer to
// fields by their tag name.
package store

import (
	"context"
	"errors"
)

// DB defines required methods for every database implementation.
type DB interface {
	// Get loads the document id of coll into doc. It returns ErrDataNotFound when missing.
	Get(ctx context.Context, coll, id string, doc interface{}) error
	// Put creates or replaces the document id of coll.
	Put(ctx context.Context, coll, id string, doc interface{}) error
	// Delete removes the document id of coll. Deleting a missing document is not an error.
	Delete(ctx context.Context, coll, id string) error
	// Find loads the documents of coll matching q into docs, which must point to a slice.
	Find(ctx context.Context, coll string, q Query, docs interface{}) error
	// DeleteMany removes the documents of coll matching q and returns how many were deleted.
	DeleteMany(ctx context.Context, coll string, q Query) (int64, error)
	Close() error
}

// Collections.
const (
	Offers          = "offers"
	OfferChangelogs = "offer_changelogs"
	Leases          = "leases"
	Hubs            = "hubs"
	HubReports      = "hub_reports"
	UEMRewards      = "uem_rewards"
	Events          = "events"
	Settings        = "settings"
)

// Collections lists every collection, in creation order.
var Collections = []string{Offers, OfferChangelogs, Leases, Hubs, HubReports, UEMRewards, Events, Settings}

// Errors returned
var (
	ErrDataNotFound = errors.New("data was not found in store")
	ErrBadQuery     = errors.New("invalid query")
	ErrBadName      = errors.New("invalid collection or field name")
)

// Op is a condition operator.
type Op uint8

// Condition operators.
const (
	OpEq Op = iota
	OpNe
	OpGt
	OpGte
	OpLt
	OpLte
	OpIn          // field value is one of Value, a slice
	OpContains    // field is an array holding Value
	OpNotContains // field is an array not holding Value, or missing
)

// Cond is a condition on a top-level document field.
type Cond struct {
	Field string
	Op    Op
	Value interface{}
}

// Query selects documents matching all its conditions, sorted by Sort when given.
type Query struct {
	Where []Cond
	Sort  string
	Desc  bool
	Limit int
}

// Where returns a query with the given conditions.
func Where(conds ...Cond) Query {
	return Query{Where: conds}
}

// OrderBy sorts the results by field.
func (q Query) OrderBy(field string, desc bool) Query {
	q.Sort, q.Desc = field, desc

	return q
}

// Take limits the number of results.
func (q Query) Take(n int) Query {
	q.Limit = n

	return q
}

func Eq(field string, v interface{}) Cond  { return Cond{field, OpEq, v} }
func Ne(field string, v interface{}) Cond  { return Cond{field, OpNe, v} }
func Gt(field string, v interface{}) Cond  { return Cond{field, OpGt, v} }
func Gte(field string, v interface{}) Cond { return Cond{field, OpGte, v} }
func Lt(field string, v interface{}) Cond  { return Cond{field, OpLt, v} }
func Lte(field string, v interface{}) Cond { return Cond{field, OpLte, v} }

// In matches fields equal to any of vs.
func In(field string, vs ...interface{}) Cond { return Cond{field, OpIn, vs} }

func Contains(field string, v interface{}) Cond    { return Cond{field, OpContains, v} }
func NotContains(field string, v interface{}) Cond { return Cond{field, OpNotContains, v} }
