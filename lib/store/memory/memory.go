// Package memory implements an in-process store. Documents are kept JSON encoded so callers always get copies.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/tarancss/deeds/lib/store"
)

// Memory is a store.DB held in memory.
type Memory struct {
	mu    sync.RWMutex
	colls map[string]map[string][]byte
}

// New returns an empty store.
func New() *Memory {
	return &Memory{colls: make(map[string]map[string][]byte)}
}

// Close does nothing.
func (m *Memory) Close() error { return nil }

// Get implements store.DB.
func (m *Memory) Get(_ context.Context, coll, id string, doc interface{}) error {
	m.mu.RLock()
	raw, ok := m.colls[coll][id]
	m.mu.RUnlock()

	if !ok {
		return store.ErrDataNotFound
	}

	return json.Unmarshal(raw, doc)
}

// Put implements store.DB.
func (m *Memory) Put(_ context.Context, coll, id string, doc interface{}) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding %s %s: %w", coll, id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.colls[coll]
	if !ok {
		c = make(map[string][]byte)
		m.colls[coll] = c
	}

	c[id] = raw

	return nil
}

// Delete implements store.DB.
func (m *Memory) Delete(_ context.Context, coll, id string) error {
	m.mu.Lock()
	delete(m.colls[coll], id)
	m.mu.Unlock()

	return nil
}

// Find implements store.DB.
func (m *Memory) Find(_ context.Context, coll string, q store.Query, docs interface{}) error {
	_, raws, err := m.match(coll, q)
	if err != nil {
		return err
	}

	return store.DecodeAll(raws, docs)
}

// DeleteMany implements store.DB.
func (m *Memory) DeleteMany(_ context.Context, coll string, q store.Query) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids, _, err := m.matchLocked(coll, q)
	if err != nil {
		return 0, err
	}

	for _, id := range ids {
		delete(m.colls[coll], id)
	}

	return int64(len(ids)), nil
}

func (m *Memory) match(coll string, q store.Query) ([]string, [][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.matchLocked(coll, q)
}

// matchLocked returns the ids and documents matching q. Documents are visited in id order so that results
// without a sort are deterministic.
func (m *Memory) matchLocked(coll string, q store.Query) ([]string, [][]byte, error) {
	c := m.colls[coll]

	keys := make([]string, 0, len(c))
	for id := range c {
		keys = append(keys, id)
	}

	sort.Strings(keys)

	raws := make([][]byte, len(keys))
	for i, id := range keys {
		raws[i] = c[id]
	}

	idx, err := store.Select(raws, q)
	if err != nil {
		return nil, nil, err
	}

	ids := make([]string, len(idx))
	matched := make([][]byte, len(idx))

	for i, n := range idx {
		ids[i], matched[i] = keys[n], raws[n]
	}

	return ids, matched, nil
}
