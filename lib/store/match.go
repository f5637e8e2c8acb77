package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"time"
)

// Filter returns the JSON documents in raws matching q, sorted and limited as q says. It is shared by the
// implementations that can't query their documents natively.
func Filter(raws [][]byte, q Query) ([][]byte, error) {
	idx, err := Select(raws, q)
	if err != nil {
		return nil, err
	}

	out := make([][]byte, len(idx))
	for i, n := range idx {
		out[i] = raws[n]
	}

	return out, nil
}

// Select is Filter returning the positions in raws of the resulting documents.
func Select(raws [][]byte, q Query) ([]int, error) {
	type item struct {
		n   int
		doc map[string]interface{}
	}

	items := make([]item, 0, len(raws))

	for n, raw := range raws {
		var doc map[string]interface{}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decoding document: %w", err)
		}

		ok, err := Match(doc, q.Where)
		if err != nil {
			return nil, err
		}

		if ok {
			items = append(items, item{n, doc})
		}
	}

	if q.Sort != "" {
		sort.SliceStable(items, func(i, j int) bool {
			c, _ := compare(items[i].doc[q.Sort], items[j].doc[q.Sort])
			if q.Desc {
				return c > 0
			}

			return c < 0
		})
	}

	if q.Limit > 0 && len(items) > q.Limit {
		items = items[:q.Limit]
	}

	out := make([]int, len(items))
	for i := range items {
		out[i] = items[i].n
	}

	return out, nil
}

// DecodeAll decodes JSON documents into docs, a pointer to a slice.
func DecodeAll(raws [][]byte, docs interface{}) error {
	var buf bytes.Buffer

	buf.WriteByte('[')
	buf.Write(bytes.Join(raws, []byte{','}))
	buf.WriteByte(']')

	return json.Unmarshal(buf.Bytes(), docs)
}

// Match returns true when the decoded JSON document satisfies all conditions.
func Match(doc map[string]interface{}, conds []Cond) (bool, error) {
	for _, c := range conds {
		ok, err := matchCond(doc[c.Field], c)
		if err != nil || !ok {
			return false, err
		}
	}

	return true, nil
}

func matchCond(v interface{}, c Cond) (bool, error) {
	switch c.Op {
	case OpEq:
		return equal(v, c.Value), nil
	case OpNe:
		return !equal(v, c.Value), nil
	case OpGt, OpGte, OpLt, OpLte:
		r, ok := compare(v, normalize(c.Value))
		if !ok {
			return false, nil
		}

		switch c.Op {
		case OpGt:
			return r > 0, nil
		case OpGte:
			return r >= 0, nil
		case OpLt:
			return r < 0, nil
		default:
			return r <= 0, nil
		}
	case OpIn:
		vs, ok := c.Value.([]interface{})
		if !ok {
			return false, ErrBadQuery
		}

		for _, x := range vs {
			if equal(v, x) {
				return true, nil
			}
		}

		return false, nil
	case OpContains, OpNotContains:
		found := false

		if arr, ok := v.([]interface{}); ok {
			for _, x := range arr {
				if equal(x, c.Value) {
					found = true

					break
				}
			}
		}

		return found == (c.Op == OpContains), nil
	default:
		return false, ErrBadQuery
	}
}

func equal(v, want interface{}) bool {
	r, ok := compare(v, normalize(want))

	return ok && r == 0
}

// normalize converts a Go query value into its JSON decoded form. Times are kept to be compared as instants.
func normalize(v interface{}) interface{} {
	switch x := v.(type) {
	case nil:
		return nil
	case time.Time:
		return x
	case *time.Time:
		if x == nil {
			return nil
		}

		return *x
	}

	rv := reflect.ValueOf(v)

	switch rv.Kind() {
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	default:
		return v
	}
}

// compare orders two JSON values of the same type. ok is false when they can't be compared.
func compare(a, b interface{}) (r int, ok bool) {
	if t, isTime := b.(time.Time); isTime {
		s, isStr := a.(string)
		if !isStr {
			return 0, false
		}

		at, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return 0, false
		}

		return at.Compare(t), true
	}

	switch x := a.(type) {
	case nil:
		return 0, b == nil
	case bool:
		y, isBool := b.(bool)
		if !isBool {
			return 0, false
		}

		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		default:
			return 1, true
		}
	case float64:
		y, isNum := b.(float64)
		if !isNum {
			return 0, false
		}

		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		default:
			return 0, true
		}
	case string:
		y, isStr := b.(string)
		if !isStr {
			return 0, false
		}

		xt, errX := time.Parse(time.RFC3339Nano, x)
		yt, errY := time.Parse(time.RFC3339Nano, y)

		if errX == nil && errY == nil {
			return xt.Compare(yt), true
		}

		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		default:
			return 0, true
		}
	default:
		return 0, false
	}
}
