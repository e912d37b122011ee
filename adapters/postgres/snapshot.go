package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/AshkanYarmoradi/go-kin/adapters"
)

const snapshotColumns = `tenant_id, aggregate_id, cutoff_event_id, version, data, created_at, expires_at`

// SaveSnapshot stores the snapshot and stamps expireAt on earlier snapshots
// in the same transaction. Saving the same cutoff twice replaces the data.
func (a *PostgresAdapter) SaveSnapshot(ctx context.Context, record *adapters.SnapshotRecord, expireAt time.Time) error {
	if a.closed.Load() {
		return adapters.ErrAdapterClosed
	}
	if err := record.Key().Validate(); err != nil {
		return err
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("kin/postgres: failed to begin transaction: %w", classify(err))
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET expires_at = $3
		WHERE tenant_id = $1 AND aggregate_id = $2 AND expires_at IS NULL AND cutoff_event_id <> $4`,
		a.table("snapshots")), record.TenantID, record.AggregateID, expireAt.UTC(), record.CutoffEventID)
	if err != nil {
		return fmt.Errorf("kin/postgres: failed to expire snapshots: %w", classify(err))
	}

	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = a.now()
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (tenant_id, aggregate_id, cutoff_event_id, version, data, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULL)
		ON CONFLICT (tenant_id, aggregate_id, cutoff_event_id)
		DO UPDATE SET version = EXCLUDED.version, data = EXCLUDED.data,
			created_at = EXCLUDED.created_at, expires_at = NULL`, a.table("snapshots")),
		record.TenantID, record.AggregateID, record.CutoffEventID, record.Version, record.Data, createdAt.UTC())
	if err != nil {
		return fmt.Errorf("kin/postgres: failed to save snapshot: %w", classify(err))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("kin/postgres: failed to commit snapshot: %w", classify(err))
	}
	return nil
}

// LatestSnapshot returns the snapshot with the highest version, or nil.
func (a *PostgresAdapter) LatestSnapshot(ctx context.Context, key adapters.StreamKey) (*adapters.SnapshotRecord, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}

	row := a.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE tenant_id = $1 AND aggregate_id = $2
		ORDER BY version DESC, created_at DESC
		LIMIT 1`, snapshotColumns, a.table("snapshots")), key.TenantID, key.AggregateID)

	record, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kin/postgres: failed to load snapshot: %w", classify(err))
	}
	return record, nil
}

// ListSnapshots returns every retained snapshot of a stream, oldest first.
func (a *PostgresAdapter) ListSnapshots(ctx context.Context, key adapters.StreamKey) ([]*adapters.SnapshotRecord, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}

	rows, err := a.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE tenant_id = $1 AND aggregate_id = $2
		ORDER BY version ASC, created_at ASC`, snapshotColumns, a.table("snapshots")),
		key.TenantID, key.AggregateID)
	if err != nil {
		return nil, fmt.Errorf("kin/postgres: failed to list snapshots: %w", classify(err))
	}
	defer rows.Close()

	out := []*adapters.SnapshotRecord{}
	for rows.Next() {
		record, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("kin/postgres: failed to scan snapshot: %w", classify(err))
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("kin/postgres: failed to iterate snapshots: %w", classify(err))
	}
	return out, nil
}

// PurgeExpiredSnapshots deletes snapshots whose expiry is not after now.
func (a *PostgresAdapter) PurgeExpiredSnapshots(ctx context.Context, now time.Time) (int64, error) {
	if a.closed.Load() {
		return 0, adapters.ErrAdapterClosed
	}

	result, err := a.db.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= $1`, a.table("snapshots")), now.UTC())
	if err != nil {
		return 0, fmt.Errorf("kin/postgres: failed to purge snapshots: %w", classify(err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("kin/postgres: failed to count purged snapshots: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(s scanner) (*adapters.SnapshotRecord, error) {
	var (
		record  adapters.SnapshotRecord
		expires sql.NullTime
	)
	if err := s.Scan(&record.TenantID, &record.AggregateID, &record.CutoffEventID,
		&record.Version, &record.Data, &record.CreatedAt, &expires); err != nil {
		return nil, err
	}
	record.CreatedAt = record.CreatedAt.UTC()
	if expires.Valid {
		t := expires.Time.UTC()
		record.ExpiresAt = &t
	}
	return &record, nil
}
