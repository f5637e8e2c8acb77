// Package postgres implements the interface for PostgreSQL. Each collection is a table of JSONB documents.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/tarancss/deeds/lib/store"
)

var name = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Postgres implements a connection to a PostgreSQL database.
type Postgres struct {
	db     *sql.DB
	tables sync.Map // collections whose table exists
}

// New returns a postgres client connection to the specified database in 'connection'.
func New(connection string) (*Postgres, error) {
	db, err := sql.Open("postgres", connection)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to DB in %s: %w", connection, err)
	}

	return &Postgres{db: db}, nil
}

// Close will close any database connection. Must be called at termination time.
func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) table(ctx context.Context, coll string) (string, error) {
	if !name.MatchString(coll) {
		return "", store.ErrBadName
	}

	if _, ok := p.tables.Load(coll); ok {
		return coll, nil
	}

	_, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+coll+` (id TEXT PRIMARY KEY, body JSONB NOT NULL)`)
	if err != nil {
		return "", fmt.Errorf("creating table %s: %w", coll, err)
	}

	p.tables.Store(coll, struct{}{})

	return coll, nil
}

// Get implements store.DB.
func (p *Postgres) Get(ctx context.Context, coll, id string, doc interface{}) error {
	t, err := p.table(ctx, coll)
	if err != nil {
		return err
	}

	var body []byte

	err = p.db.QueryRowContext(ctx, `SELECT body FROM `+t+` WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrDataNotFound
	}

	if err != nil {
		return fmt.Errorf("reading %s %s: %w", coll, id, err)
	}

	return json.Unmarshal(body, doc)
}

// Put implements store.DB.
func (p *Postgres) Put(ctx context.Context, coll, id string, doc interface{}) error {
	t, err := p.table(ctx, coll)
	if err != nil {
		return err
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding %s %s: %w", coll, id, err)
	}

	_, err = p.db.ExecContext(ctx, `INSERT INTO `+t+` (id, body) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET body = EXCLUDED.body`, id, string(body))
	if err != nil {
		return fmt.Errorf("saving %s %s: %w", coll, id, err)
	}

	return nil
}

// Delete implements store.DB.
func (p *Postgres) Delete(ctx context.Context, coll, id string) error {
	t, err := p.table(ctx, coll)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `DELETE FROM `+t+` WHERE id = $1`, id)

	return err
}

// Find implements store.DB.
func (p *Postgres) Find(ctx context.Context, coll string, q store.Query, docs interface{}) error {
	t, err := p.table(ctx, coll)
	if err != nil {
		return err
	}

	where, args, err := Where(q.Where)
	if err != nil {
		return err
	}

	query := `SELECT body FROM ` + t + where

	if q.Sort != "" {
		if !name.MatchString(q.Sort) {
			return store.ErrBadName
		}

		dir := " ASC"
		if q.Desc {
			dir = " DESC"
		}

		// timestamps are compared as instants, anything else as jsonb
		query += ` ORDER BY (CASE WHEN body->>'` + q.Sort + `' ~ '^\d{4}-\d\d-\d\dT' THEN (body->>'` + q.Sort +
			`')::timestamptz END)` + dir + `, body->'` + q.Sort + `'` + dir
	}

	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("finding in %s: %w", coll, err)
	}
	defer rows.Close()

	var raws [][]byte

	for rows.Next() {
		var body []byte
		if err = rows.Scan(&body); err != nil {
			return err
		}

		raws = append(raws, body)
	}

	if err = rows.Err(); err != nil {
		return err
	}

	return store.DecodeAll(raws, docs)
}

// DeleteMany implements store.DB.
func (p *Postgres) DeleteMany(ctx context.Context, coll string, q store.Query) (int64, error) {
	t, err := p.table(ctx, coll)
	if err != nil {
		return 0, err
	}

	where, args, err := Where(q.Where)
	if err != nil {
		return 0, err
	}

	res, err := p.db.ExecContext(ctx, `DELETE FROM `+t+where, args...)
	if err != nil {
		return 0, fmt.Errorf("deleting in %s: %w", coll, err)
	}

	return res.RowsAffected()
}

// Where translates conditions into a WHERE clause over the body column and its arguments.
func Where(conds []store.Cond) (string, []interface{}, error) {
	if len(conds) == 0 {
		return "", nil, nil
	}

	parts := make([]string, 0, len(conds))
	args := make([]interface{}, 0, len(conds))

	for _, c := range conds {
		if !name.MatchString(c.Field) {
			return "", nil, store.ErrBadName
		}

		arg := fmt.Sprintf("$%d", len(args)+1)

		switch c.Op {
		case store.OpEq, store.OpNe, store.OpGt, store.OpGte, store.OpLt, store.OpLte:
			expr, v := typed(c.Field, c.Value)

			switch {
			case v == nil && c.Op == store.OpEq:
				parts = append(parts, expr+" IS NULL")
			case v == nil && c.Op == store.OpNe:
				parts = append(parts, expr+" IS NOT NULL")
			case v == nil:
				return "", nil, store.ErrBadQuery
			default:
				parts = append(parts, expr+" "+sqlOp[c.Op]+" "+arg)
				args = append(args, v)
			}
		case store.OpIn:
			vs, ok := c.Value.([]interface{})
			if !ok {
				return "", nil, store.ErrBadQuery
			}

			strs := make([]string, len(vs))
			for i := range vs {
				strs[i] = fmt.Sprint(vs[i])
			}

			parts = append(parts, "body->>'"+c.Field+"' = ANY("+arg+")")
			args = append(args, pq.Array(strs))
		case store.OpContains:
			parts = append(parts, "body->'"+c.Field+"' ? "+arg)
			args = append(args, fmt.Sprint(c.Value))
		case store.OpNotContains:
			parts = append(parts, "NOT (coalesce(body->'"+c.Field+"', '[]'::jsonb) ? "+arg+")")
			args = append(args, fmt.Sprint(c.Value))
		default:
			return "", nil, store.ErrBadQuery
		}
	}

	return " WHERE " + strings.Join(parts, " AND "), args, nil
}

//nolint:gochecknoglobals // operator table
var sqlOp = map[store.Op]string{
	store.OpEq: "=", store.OpNe: "IS DISTINCT FROM", store.OpGt: ">", store.OpGte: ">=", store.OpLt: "<", store.OpLte: "<=",
}

// typed returns the expression of field cast to the type of v, and the argument to compare it with.
func typed(field string, v interface{}) (string, interface{}) {
	text := "(body->>'" + field + "')"

	switch x := v.(type) {
	case time.Time:
		return text + "::timestamptz", x
	case *time.Time:
		if x == nil {
			return text, nil
		}

		return text + "::timestamptz", *x
	case nil:
		return text, nil
	}

	rv := reflect.ValueOf(v)

	switch rv.Kind() {
	case reflect.Bool:
		return text + "::boolean", rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return text + "::numeric", rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return text + "::numeric", fmt.Sprint(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return text + "::numeric", rv.Float()
	default:
		return text, fmt.Sprint(v)
	}
}
