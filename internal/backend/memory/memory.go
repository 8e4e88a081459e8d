// Package memory provides an in-process backend.KV implementation.
// It backs single-node deployments and the test suites; conditions are
// evaluated under one mutex, which makes every write atomic.
package memory

import (
	"context"
	"sync"

	"github.com/kneutral-org/lockbox/internal/backend"
)

// KV is an in-memory conditional key-value store.
type KV struct {
	mu     sync.Mutex
	tables map[string]map[string]backend.Item
}

// New creates an empty in-memory store.
func New() *KV {
	return &KV{tables: make(map[string]map[string]backend.Item)}
}

func itemKey(key backend.Key) string {
	// The separator cannot occur in attribute values that came off the wire
	// as strings, so composite keys never collide.
	return key.PartitionValue + "\x00" + key.SortValue
}

func (s *KV) table(name string) map[string]backend.Item {
	t, ok := s.tables[name]
	if !ok {
		t = make(map[string]backend.Item)
		s.tables[name] = t
	}
	return t
}

// Get returns the stored item or nil if absent.
func (s *KV) Get(ctx context.Context, tableName string, key backend.Key) (backend.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.table(tableName)[itemKey(key)]
	if !ok {
		return nil, nil
	}
	return item.Clone(), nil
}

// Put stores item under key if cond holds.
func (s *KV) Put(ctx context.Context, tableName string, key backend.Key, item backend.Item, cond backend.Condition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.table(tableName)
	k := itemKey(key)
	if !cond.Matches(t[k]) {
		return backend.ErrConditionFailed
	}
	stored := item.Clone()
	stored[key.PartitionName] = key.PartitionValue
	stored[key.SortName] = key.SortValue
	t[k] = stored
	return nil
}

// Update sets the given attributes if cond holds.
func (s *KV) Update(ctx context.Context, tableName string, key backend.Key, set backend.Item, cond backend.Condition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.table(tableName)
	k := itemKey(key)
	existing := t[k]
	if existing == nil || !cond.Matches(existing) {
		return backend.ErrConditionFailed
	}
	updated := existing.Clone()
	for attr, v := range set {
		updated[attr] = v
	}
	t[k] = updated
	return nil
}

// Delete removes the record if cond holds.
func (s *KV) Delete(ctx context.Context, tableName string, key backend.Key, cond backend.Condition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.table(tableName)
	k := itemKey(key)
	if !cond.Matches(t[k]) {
		return backend.ErrConditionFailed
	}
	delete(t, k)
	return nil
}

// Len returns the number of records in a table. Test helper.
func (s *KV) Len(tableName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tables[tableName])
}
