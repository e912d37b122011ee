package memory

import (
	"context"
	"sort"
	"time"

	"github.com/AshkanYarmoradi/go-kin/adapters"
)

// SaveSnapshot stores the snapshot and stamps expireAt on earlier snapshots.
func (a *MemoryAdapter) SaveSnapshot(ctx context.Context, record *adapters.SnapshotRecord, expireAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return adapters.ErrAdapterClosed
	}
	if err := record.Key().Validate(); err != nil {
		return err
	}
	if err := a.fault(OpSaveSnapshot); err != nil {
		return err
	}

	key := record.Key()
	for _, prior := range a.snapshots[key] {
		if prior.ExpiresAt == nil {
			t := expireAt
			prior.ExpiresAt = &t
		}
	}

	stored := adapters.CopySnapshot(record)
	stored.ExpiresAt = nil
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = a.now()
	}
	a.snapshots[key] = append(a.snapshots[key], stored)
	sort.SliceStable(a.snapshots[key], func(i, j int) bool {
		return a.snapshots[key][i].Version < a.snapshots[key][j].Version
	})

	return nil
}

// LatestSnapshot returns the snapshot with the highest version, or nil.
func (a *MemoryAdapter) LatestSnapshot(ctx context.Context, key adapters.StreamKey) (*adapters.SnapshotRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	list := a.snapshots[key]
	if len(list) == 0 {
		return nil, nil
	}
	return adapters.CopySnapshot(list[len(list)-1]), nil
}

// ListSnapshots returns every retained snapshot of a stream, oldest first.
func (a *MemoryAdapter) ListSnapshots(ctx context.Context, key adapters.StreamKey) ([]*adapters.SnapshotRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	out := make([]*adapters.SnapshotRecord, 0, len(a.snapshots[key]))
	for _, s := range a.snapshots[key] {
		out = append(out, adapters.CopySnapshot(s))
	}
	return out, nil
}

// PurgeExpiredSnapshots deletes snapshots whose expiry is not after now.
func (a *MemoryAdapter) PurgeExpiredSnapshots(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return 0, adapters.ErrAdapterClosed
	}

	var purged int64
	for key, list := range a.snapshots {
		kept := list[:0]
		for _, s := range list {
			if s.Expired(now) {
				purged++
				continue
			}
			kept = append(kept, s)
		}
		if len(kept) == 0 {
			delete(a.snapshots, key)
			continue
		}
		a.snapshots[key] = kept
	}

	return purged, nil
}
