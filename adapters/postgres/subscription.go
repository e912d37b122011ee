package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/AshkanYarmoradi/go-kin/adapters"
)

const (
	defaultPollInterval = 100 * time.Millisecond
	subscriptionBatch   = 100
)

// LoadFromPosition loads events with a global position greater than fromPosition.
func (a *PostgresAdapter) LoadFromPosition(ctx context.Context, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}

	rows, err := a.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE global_position > $1
		ORDER BY global_position ASC
		LIMIT $2`, eventColumns, a.table("events")),
		fromPosition, adapters.DefaultLimit(limit, 1000))
	if err != nil {
		return nil, fmt.Errorf("kin/postgres: failed to load events: %w", classify(err))
	}
	defer rows.Close()

	return scanEvents(rows)
}

// SubscribeAll polls the events table and streams every event after
// fromPosition until ctx is cancelled. Appends hold the event log lock until
// commit, so a position is never exposed before a lower one.
func (a *PostgresAdapter) SubscribeAll(ctx context.Context, fromPosition uint64) (<-chan adapters.StoredEvent, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}

	ch := make(chan adapters.StoredEvent, subscriptionBatch)

	go func() {
		defer close(ch)
		ticker := time.NewTicker(a.pollInterval)
		defer ticker.Stop()

		position := fromPosition
		for {
			if ctx.Err() != nil || a.closed.Load() {
				return
			}

			events, err := a.LoadFromPosition(ctx, position, subscriptionBatch)
			if err != nil {
				if ctx.Err() == nil {
					a.logger.Warn("Change feed poll failed", "position", position, "error", err)
				}
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					continue
				}
			}

			for _, event := range events {
				select {
				case ch <- event:
					position = event.GlobalPosition
				case <-ctx.Done():
					return
				}
			}

			// A full batch means there is likely more to read right away.
			if len(events) < subscriptionBatch {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		}
	}()

	return ch, nil
}
