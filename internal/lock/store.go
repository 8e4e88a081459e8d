package lock

import (
	"context"
	"time"

	"github.com/kneutral-org/lockbox/internal/backend"
	"github.com/kneutral-org/lockbox/internal/table"
)

// store shapes the five lock-plane operations into conditional writes
// against the backend. It owns no state beyond the table description.
type store struct {
	kv  backend.KV
	cfg table.Config
}

func (s *store) key(group, id string) backend.Key {
	return backend.Key{
		PartitionName:  s.cfg.PartitionKey,
		PartitionValue: id,
		SortName:       s.cfg.SortKey,
		SortValue:      group,
	}
}

// ttlValue computes the record expiry in epoch seconds,
// round((now + ttl) / 1000) in millisecond terms.
func (s *store) ttlValue(now time.Time) int64 {
	return (now.UnixMilli() + s.cfg.TTL.Milliseconds() + 500) / 1000
}

// record is the typed view of a persisted lock item.
type record struct {
	Owner             string
	Version           string
	LastUpdatedTimeMs int64
	LeaseDurationMs   int64
	Attributes        map[string]any
}

// getLock reads the current record with strong consistency.
// Returns nil when no record exists.
func (s *store) getLock(ctx context.Context, group, id string) (*record, error) {
	item, err := s.kv.Get(ctx, s.cfg.Name, s.key(group, id))
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, nil
	}
	r := &record{}
	r.Owner, _ = item[table.AttrOwnerName].(string)
	r.Version, _ = item[table.AttrRecordVersionNumber].(string)
	r.LastUpdatedTimeMs, _ = item[table.AttrLastUpdatedTimeInMs].(int64)
	r.LeaseDurationMs, _ = item[table.AttrLeaseDurationInMs].(int64)
	r.Attributes, _ = item[table.AttrAdditionalAttributes].(map[string]any)
	return r, nil
}

// createLock writes a fresh record, conditional on no record existing.
func (s *store) createLock(ctx context.Context, l *Lock) error {
	version, owner := l.snapshot()
	now := time.UnixMilli(l.LastUpdatedTimeMs())

	item := backend.Item{
		table.AttrOwnerName:            owner,
		table.AttrRecordVersionNumber:  version,
		table.AttrLastUpdatedTimeInMs:  l.LastUpdatedTimeMs(),
		table.AttrLeaseDurationInMs:    l.opts.leaseDuration.Milliseconds(),
		table.AttrAdditionalAttributes: attributesOrEmpty(l.opts.additionalAttributes),
	}
	if s.cfg.TTLEnabled() {
		item[s.cfg.TTLKey] = s.ttlValue(now)
	}
	return s.kv.Put(ctx, s.cfg.Name, s.key(l.group, l.id), item, backend.Condition{MustNotExist: true})
}

// renewLock advances the record version and write time, conditional on the
// prior version and the owner. Binding the owner makes a stolen or deleted
// record fail the renewal.
func (s *store) renewLock(ctx context.Context, l *Lock, newVersion string, now time.Time) error {
	oldVersion, owner := l.snapshot()

	set := backend.Item{
		table.AttrRecordVersionNumber: newVersion,
		table.AttrLastUpdatedTimeInMs: now.UnixMilli(),
	}
	if s.cfg.TTLEnabled() {
		set[s.cfg.TTLKey] = s.ttlValue(now)
	}
	cond := backend.Condition{Expect: backend.Item{
		table.AttrRecordVersionNumber: oldVersion,
		table.AttrOwnerName:           owner,
	}}
	return s.kv.Update(ctx, s.cfg.Name, s.key(l.group, l.id), set, cond)
}

// stealLock replaces an existing record with the new handle's content,
// conditional on the observed version only. The owner is deliberately
// absent from the predicate: stealing crosses owners.
func (s *store) stealLock(ctx context.Context, existingVersion string, l *Lock) error {
	version, owner := l.snapshot()
	now := time.UnixMilli(l.LastUpdatedTimeMs())

	set := backend.Item{
		table.AttrOwnerName:            owner,
		table.AttrRecordVersionNumber:  version,
		table.AttrLastUpdatedTimeInMs:  l.LastUpdatedTimeMs(),
		table.AttrLeaseDurationInMs:    l.opts.leaseDuration.Milliseconds(),
		table.AttrAdditionalAttributes: attributesOrEmpty(l.opts.additionalAttributes),
	}
	if s.cfg.TTLEnabled() {
		set[s.cfg.TTLKey] = s.ttlValue(now)
	}
	cond := backend.Condition{Expect: backend.Item{
		table.AttrRecordVersionNumber: existingVersion,
	}}
	return s.kv.Update(ctx, s.cfg.Name, s.key(l.group, l.id), set, cond)
}

// deleteLock removes the record, conditional on version and owner.
func (s *store) deleteLock(ctx context.Context, l *Lock) error {
	version, owner := l.snapshot()

	cond := backend.Condition{Expect: backend.Item{
		table.AttrRecordVersionNumber: version,
		table.AttrOwnerName:           owner,
	}}
	return s.kv.Delete(ctx, s.cfg.Name, s.key(l.group, l.id), cond)
}

func attributesOrEmpty(attrs map[string]any) map[string]any {
	if attrs == nil {
		return map[string]any{}
	}
	return attrs
}
