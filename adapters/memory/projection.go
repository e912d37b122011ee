package memory

import (
	"context"

	"github.com/AshkanYarmoradi/go-kin/adapters"
)

// GetRow returns a copy of the projection row for key.
func (a *MemoryAdapter) GetRow(ctx context.Context, key adapters.StreamKey) (*adapters.ProjectionRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}
	if err := a.fault(OpGetRow); err != nil {
		return nil, err
	}

	row, ok := a.rows[key]
	if !ok {
		return nil, adapters.ErrRowNotFound
	}
	return adapters.CopyRow(row), nil
}

// PutRow writes the row when the stored last event id matches expectedLastEventID.
func (a *MemoryAdapter) PutRow(ctx context.Context, row *adapters.ProjectionRow, expectedLastEventID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return adapters.ErrAdapterClosed
	}
	key := row.Key()
	if err := key.Validate(); err != nil {
		return err
	}
	if err := a.fault(OpPutRow); err != nil {
		return err
	}

	current, exists := a.rows[key]
	switch {
	case !exists && expectedLastEventID != "":
		return adapters.ErrConcurrencyConflict
	case exists && current.LastEventID != expectedLastEventID:
		return adapters.ErrConcurrencyConflict
	}

	a.rows[key] = adapters.CopyRow(row)
	return nil
}

// ListActive returns the active rows of a tenant ordered by aggregate id.
func (a *MemoryAdapter) ListActive(ctx context.Context, tenantID string, limit int) ([]*adapters.ProjectionRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	var rows []*adapters.ProjectionRow
	for key, row := range a.rows {
		if key.TenantID == tenantID && row.Active {
			rows = append(rows, adapters.CopyRow(row))
		}
	}
	adapters.SortRowsByAggregate(rows)

	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// DeleteRow removes a row permanently.
func (a *MemoryAdapter) DeleteRow(ctx context.Context, key adapters.StreamKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return adapters.ErrAdapterClosed
	}

	delete(a.rows, key)
	return nil
}

// ResetTenant removes every projection row of a tenant.
func (a *MemoryAdapter) ResetTenant(ctx context.Context, tenantID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return adapters.ErrAdapterClosed
	}

	for key := range a.rows {
		if key.TenantID == tenantID {
			delete(a.rows, key)
		}
	}
	return nil
}

// RowCount returns the number of stored projection rows.
func (a *MemoryAdapter) RowCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.rows)
}
