package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AshkanYarmoradi/go-kin/adapters"
)

const rowColumns = `tenant_id, aggregate_id, title, description, tags, assignees, status, active,
	created_by, created_at, updated_at, completed_at, deleted_at, version, last_event_id`

// GetRow returns the projection row for key or adapters.ErrRowNotFound.
func (a *PostgresAdapter) GetRow(ctx context.Context, key adapters.StreamKey) (*adapters.ProjectionRow, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}

	row, err := scanRow(a.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE tenant_id = $1 AND aggregate_id = $2`, rowColumns, a.table("task_projections")),
		key.TenantID, key.AggregateID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, adapters.ErrRowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kin/postgres: failed to get row: %w", classify(err))
	}
	return row, nil
}

// PutRow inserts the row when expectedLastEventID is empty, otherwise updates
// it only while the stored last_event_id still matches.
func (a *PostgresAdapter) PutRow(ctx context.Context, row *adapters.ProjectionRow, expectedLastEventID string) error {
	if a.closed.Load() {
		return adapters.ErrAdapterClosed
	}
	if err := row.Key().Validate(); err != nil {
		return err
	}

	tags, err := jsonList(row.Tags)
	if err != nil {
		return err
	}
	assignees, err := jsonList(row.Assignees)
	if err != nil {
		return err
	}

	args := []any{
		row.TenantID, row.AggregateID, row.Title, row.Description, tags, assignees,
		row.Status, row.Active, row.CreatedBy, row.CreatedAt.UTC(), row.UpdatedAt.UTC(),
		nullTime(row.CompletedAt), nullTime(row.DeletedAt), row.Version, row.LastEventID,
	}

	var query string
	if expectedLastEventID == "" {
		query = fmt.Sprintf(`
			INSERT INTO %s (%s)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (tenant_id, aggregate_id) DO NOTHING`, a.table("task_projections"), rowColumns)
	} else {
		query = fmt.Sprintf(`
			UPDATE %s SET
				title = $3, description = $4, tags = $5, assignees = $6, status = $7, active = $8,
				created_by = $9, created_at = $10, updated_at = $11, completed_at = $12,
				deleted_at = $13, version = $14, last_event_id = $15
			WHERE tenant_id = $1 AND aggregate_id = $2 AND last_event_id = $16`, a.table("task_projections"))
		args = append(args, expectedLastEventID)
	}

	result, err := a.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("kin/postgres: failed to put row: %w", classify(err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("kin/postgres: failed to put row: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("kin/postgres: row %s moved past %q: %w", row.Key(), expectedLastEventID, adapters.ErrConcurrencyConflict)
	}
	return nil
}

// ListActive returns the active rows of a tenant ordered by aggregate id.
func (a *PostgresAdapter) ListActive(ctx context.Context, tenantID string, limit int) ([]*adapters.ProjectionRow, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE tenant_id = $1 AND active
		ORDER BY aggregate_id ASC`, rowColumns, a.table("task_projections"))
	args := []any{tenantID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("kin/postgres: failed to list active rows: %w", classify(err))
	}
	defer rows.Close()

	var out []*adapters.ProjectionRow
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("kin/postgres: failed to scan row: %w", classify(err))
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("kin/postgres: failed to iterate rows: %w", classify(err))
	}
	return out, nil
}

// DeleteRow removes a row permanently.
func (a *PostgresAdapter) DeleteRow(ctx context.Context, key adapters.StreamKey) error {
	if a.closed.Load() {
		return adapters.ErrAdapterClosed
	}

	_, err := a.db.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE tenant_id = $1 AND aggregate_id = $2`, a.table("task_projections")),
		key.TenantID, key.AggregateID)
	if err != nil {
		return fmt.Errorf("kin/postgres: failed to delete row: %w", classify(err))
	}
	return nil
}

// ResetTenant removes every projection row of a tenant.
func (a *PostgresAdapter) ResetTenant(ctx context.Context, tenantID string) error {
	if a.closed.Load() {
		return adapters.ErrAdapterClosed
	}

	_, err := a.db.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE tenant_id = $1`, a.table("task_projections")), tenantID)
	if err != nil {
		return fmt.Errorf("kin/postgres: failed to reset tenant: %w", classify(err))
	}
	return nil
}

func scanRow(s scanner) (*adapters.ProjectionRow, error) {
	var (
		row                  adapters.ProjectionRow
		tags, assignees      []byte
		completedAt, deleted sql.NullTime
	)
	err := s.Scan(&row.TenantID, &row.AggregateID, &row.Title, &row.Description, &tags, &assignees,
		&row.Status, &row.Active, &row.CreatedBy, &row.CreatedAt, &row.UpdatedAt,
		&completedAt, &deleted, &row.Version, &row.LastEventID)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(tags, &row.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if err := json.Unmarshal(assignees, &row.Assignees); err != nil {
		return nil, fmt.Errorf("decode assignees: %w", err)
	}
	if len(row.Tags) == 0 {
		row.Tags = nil
	}
	if len(row.Assignees) == 0 {
		row.Assignees = nil
	}
	row.CreatedAt = row.CreatedAt.UTC()
	row.UpdatedAt = row.UpdatedAt.UTC()
	row.CompletedAt = timePtr(completedAt)
	row.DeletedAt = timePtr(deleted)
	return &row, nil
}

func jsonList(values []string) ([]byte, error) {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("kin/postgres: failed to encode list: %w", err)
	}
	return data, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
