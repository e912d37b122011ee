// Package postgres provides a PostgreSQL implementation of the kin storage adapters.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	kin "github.com/AshkanYarmoradi/go-kin"
	"github.com/AshkanYarmoradi/go-kin/adapters"
)

// DefaultSchema is the schema used when WithSchema is not given.
const DefaultSchema = "kin"

// Ensure PostgresAdapter implements required interfaces.
var (
	_ adapters.EventStoreAdapter = (*PostgresAdapter)(nil)
	_ adapters.FeedAdapter       = (*PostgresAdapter)(nil)
	_ adapters.SnapshotAdapter   = (*PostgresAdapter)(nil)
	_ adapters.ProjectionAdapter = (*PostgresAdapter)(nil)
	_ adapters.CheckpointAdapter = (*PostgresAdapter)(nil)
	_ adapters.HealthChecker     = (*PostgresAdapter)(nil)
)

// PostgresAdapter stores streams, snapshots, projection rows and checkpoints
// in one PostgreSQL schema.
type PostgresAdapter struct {
	db           *sql.DB
	schema       string
	quoted       string
	logger       kin.Logger
	pollInterval time.Duration
	now          func() time.Time
	closed       atomic.Bool
}

// Option configures a PostgresAdapter.
type Option func(*PostgresAdapter)

// WithSchema sets the database schema name.
func WithSchema(schema string) Option {
	return func(a *PostgresAdapter) {
		a.schema = schema
	}
}

// WithMaxConnections sets the maximum number of open connections.
func WithMaxConnections(n int) Option {
	return func(a *PostgresAdapter) {
		a.db.SetMaxOpenConns(n)
	}
}

// WithMaxIdleConnections sets the maximum number of idle connections.
func WithMaxIdleConnections(n int) Option {
	return func(a *PostgresAdapter) {
		a.db.SetMaxIdleConns(n)
	}
}

// WithConnectionMaxLifetime sets the maximum connection lifetime.
func WithConnectionMaxLifetime(d time.Duration) Option {
	return func(a *PostgresAdapter) {
		a.db.SetConnMaxLifetime(d)
	}
}

// WithLogger sets the logger used for background polling failures.
func WithLogger(l kin.Logger) Option {
	return func(a *PostgresAdapter) {
		a.logger = l
	}
}

// WithPollInterval sets how often SubscribeAll polls for new events.
func WithPollInterval(d time.Duration) Option {
	return func(a *PostgresAdapter) {
		if d > 0 {
			a.pollInterval = d
		}
	}
}

// NewAdapter opens a connection pool with the pgx driver.
func NewAdapter(connStr string, opts ...Option) (*PostgresAdapter, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("kin/postgres: failed to open database: %w", err)
	}

	a := NewAdapterWithDB(db, opts...)
	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("kin/postgres: failed to connect: %w", classify(err))
	}
	return a, nil
}

// NewAdapterWithDB wraps an existing pool. The caller keeps ownership of
// pool settings not covered by options.
func NewAdapterWithDB(db *sql.DB, opts ...Option) *PostgresAdapter {
	a := &PostgresAdapter{
		db:           db,
		schema:       DefaultSchema,
		logger:       kin.NopLogger(),
		pollInterval: defaultPollInterval,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	a.quoted = pq.QuoteIdentifier(a.schema)
	return a
}

// table returns the schema-qualified, quoted table name.
func (a *PostgresAdapter) table(name string) string {
	return a.quoted + "." + pq.QuoteIdentifier(name)
}

// Initialize creates the schema and tables if they do not exist.
func (a *PostgresAdapter) Initialize(ctx context.Context) error {
	return a.Migrate(ctx)
}

// Migrate runs the idempotent DDL for every table the adapter uses.
func (a *PostgresAdapter) Migrate(ctx context.Context) error {
	if a.closed.Load() {
		return adapters.ErrAdapterClosed
	}

	statements := []struct {
		name string
		sql  string
	}{
		{"schema", fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, a.quoted)},
		{"streams table", fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				tenant_id       VARCHAR(200) NOT NULL,
				aggregate_id    VARCHAR(200) NOT NULL,
				version         BIGINT NOT NULL DEFAULT 0,
				created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (tenant_id, aggregate_id)
			)`, a.table("streams"))},
		{"events table", fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				global_position BIGSERIAL PRIMARY KEY,
				event_id        VARCHAR(64) NOT NULL UNIQUE,
				tenant_id       VARCHAR(200) NOT NULL,
				aggregate_id    VARCHAR(200) NOT NULL,
				version         BIGINT NOT NULL,
				kind            VARCHAR(200) NOT NULL,
				schema_version  INT NOT NULL DEFAULT 1,
				actor_id        VARCHAR(200) NOT NULL DEFAULT '',
				data            JSONB NOT NULL,
				metadata        JSONB,
				timestamp       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				UNIQUE (tenant_id, aggregate_id, version)
			)`, a.table("events"))},
		{"tenant index", fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_events_tenant ON %s (tenant_id, global_position)`,
			a.table("events"))},
		{"kind index", fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_events_kind ON %s (kind)`, a.table("events"))},
		{"snapshots table", fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				tenant_id       VARCHAR(200) NOT NULL,
				aggregate_id    VARCHAR(200) NOT NULL,
				cutoff_event_id VARCHAR(64) NOT NULL,
				version         BIGINT NOT NULL,
				data            BYTEA NOT NULL,
				created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				expires_at      TIMESTAMPTZ,
				PRIMARY KEY (tenant_id, aggregate_id, cutoff_event_id)
			)`, a.table("snapshots"))},
		{"snapshot expiry index", fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_snapshots_expiry ON %s (expires_at) WHERE expires_at IS NOT NULL`,
			a.table("snapshots"))},
		{"projections table", fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				tenant_id       VARCHAR(200) NOT NULL,
				aggregate_id    VARCHAR(200) NOT NULL,
				title           VARCHAR(400) NOT NULL,
				description     TEXT NOT NULL DEFAULT '',
				tags            JSONB NOT NULL DEFAULT '[]',
				assignees       JSONB NOT NULL DEFAULT '[]',
				status          VARCHAR(20) NOT NULL,
				active          BOOLEAN NOT NULL,
				created_by      VARCHAR(200) NOT NULL DEFAULT '',
				created_at      TIMESTAMPTZ NOT NULL,
				updated_at      TIMESTAMPTZ NOT NULL,
				completed_at    TIMESTAMPTZ,
				deleted_at      TIMESTAMPTZ,
				version         BIGINT NOT NULL,
				last_event_id   VARCHAR(64) NOT NULL,
				PRIMARY KEY (tenant_id, aggregate_id)
			)`, a.table("task_projections"))},
		{"active index", fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_task_projections_active ON %s (tenant_id, aggregate_id) WHERE active`,
			a.table("task_projections"))},
		{"checkpoints table", fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				name            VARCHAR(500) PRIMARY KEY,
				position        BIGINT NOT NULL DEFAULT 0,
				updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, a.table("checkpoints"))},
	}

	for _, stmt := range statements {
		if _, err := a.db.ExecContext(ctx, stmt.sql); err != nil {
			return fmt.Errorf("kin/postgres: failed to create %s: %w", stmt.name, classify(err))
		}
	}
	return nil
}

// MigrationVersion returns 1 once the events table exists and 0 before.
func (a *PostgresAdapter) MigrationVersion(ctx context.Context) (int, error) {
	var exists bool
	err := a.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_schema = $1 AND table_name = 'events'
		)`, a.schema).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("kin/postgres: failed to read migration version: %w", classify(err))
	}
	if exists {
		return 1, nil
	}
	return 0, nil
}

// Append stores events to the stream with optimistic concurrency control.
func (a *PostgresAdapter) Append(ctx context.Context, key adapters.StreamKey, expectedVersion int64, records []adapters.EventRecord) ([]adapters.StoredEvent, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, adapters.ErrNoEvents
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("kin/postgres: failed to begin transaction: %w", classify(err))
	}
	defer func() { _ = tx.Rollback() }()

	stored, err := a.appendTx(ctx, tx, key, expectedVersion, records)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("kin/postgres: failed to commit transaction: %w", classify(err))
	}
	return stored, nil
}

// lockAppends serializes event inserts within the schema until tx ends, so
// global positions become visible in the order they were assigned. Callers
// must already hold the stream row lock.
func (a *PostgresAdapter) lockAppends(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, a.schema+".events")
	if err != nil {
		return fmt.Errorf("kin/postgres: failed to lock event log: %w", classify(err))
	}
	return nil
}

func (a *PostgresAdapter) appendTx(ctx context.Context, tx *sql.Tx, key adapters.StreamKey, expectedVersion int64, records []adapters.EventRecord) ([]adapters.StoredEvent, error) {
	var currentVersion int64
	streamExists := true
	err := tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT version FROM %s
		WHERE tenant_id = $1 AND aggregate_id = $2
		FOR UPDATE`, a.table("streams")), key.TenantID, key.AggregateID).Scan(&currentVersion)
	if errors.Is(err, sql.ErrNoRows) {
		streamExists = false
		currentVersion = 0
	} else if err != nil {
		return nil, fmt.Errorf("kin/postgres: failed to get stream version: %w", classify(err))
	}

	if err := adapters.CheckVersion(key, expectedVersion, currentVersion, streamExists); err != nil {
		return nil, err
	}

	// A concurrent creator that committed first surfaces here as a unique violation.
	conflict := func(err error) error {
		if isUniqueViolation(err) {
			return adapters.NewConcurrencyError(key, expectedVersion, currentVersion)
		}
		return classify(err)
	}

	if !streamExists {
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (tenant_id, aggregate_id, version)
			VALUES ($1, $2, 0)`, a.table("streams")), key.TenantID, key.AggregateID)
		if err != nil {
			return nil, fmt.Errorf("kin/postgres: failed to create stream: %w", conflict(err))
		}
	}

	if err := a.lockAppends(ctx, tx); err != nil {
		return nil, err
	}

	now := a.now()
	insert := fmt.Sprintf(`
		INSERT INTO %s (event_id, tenant_id, aggregate_id, version, kind, schema_version, actor_id, data, metadata, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING global_position`, a.table("events"))

	stored := make([]adapters.StoredEvent, len(records))
	for i, record := range records {
		currentVersion++

		id := record.ID
		if id == "" {
			id = uuid.Must(uuid.NewV7()).String()
		}
		ts := record.Timestamp
		if ts.IsZero() {
			ts = now
		}
		metadataJSON, err := json.Marshal(record.Metadata)
		if err != nil {
			return nil, fmt.Errorf("kin/postgres: failed to marshal metadata: %w", err)
		}

		var globalPosition uint64
		err = tx.QueryRowContext(ctx, insert,
			id, key.TenantID, key.AggregateID, currentVersion, record.Kind,
			record.SchemaVersion, record.ActorID, record.Data, metadataJSON, ts,
		).Scan(&globalPosition)
		if err != nil {
			return nil, fmt.Errorf("kin/postgres: failed to insert event: %w", conflict(err))
		}

		stored[i] = adapters.StoredEvent{
			ID:             id,
			TenantID:       key.TenantID,
			AggregateID:    key.AggregateID,
			Kind:           record.Kind,
			SchemaVersion:  record.SchemaVersion,
			ActorID:        record.ActorID,
			Data:           record.Data,
			Metadata:       record.Metadata,
			Timestamp:      ts,
			Version:        currentVersion,
			GlobalPosition: globalPosition,
		}
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET version = $1, updated_at = NOW()
		WHERE tenant_id = $2 AND aggregate_id = $3`, a.table("streams")),
		currentVersion, key.TenantID, key.AggregateID)
	if err != nil {
		return nil, fmt.Errorf("kin/postgres: failed to update stream version: %w", classify(err))
	}
	return stored, nil
}

const eventColumns = `event_id, tenant_id, aggregate_id, version, kind, schema_version, actor_id, data, metadata, timestamp, global_position`

// Load retrieves events of a stream with a version greater than fromVersion.
func (a *PostgresAdapter) Load(ctx context.Context, key adapters.StreamKey, fromVersion int64) ([]adapters.StoredEvent, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}

	rows, err := a.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE tenant_id = $1 AND aggregate_id = $2 AND version > $3
		ORDER BY version ASC`, eventColumns, a.table("events")),
		key.TenantID, key.AggregateID, fromVersion)
	if err != nil {
		return nil, fmt.Errorf("kin/postgres: failed to load events: %w", classify(err))
	}
	defer rows.Close()

	return scanEvents(rows)
}

// LoadAfter retrieves the events appended after afterEventID.
func (a *PostgresAdapter) LoadAfter(ctx context.Context, key adapters.StreamKey, afterEventID string) ([]adapters.StoredEvent, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}

	var cutoff int64
	err := a.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT version FROM %s
		WHERE tenant_id = $1 AND aggregate_id = $2 AND event_id = $3`, a.table("events")),
		key.TenantID, key.AggregateID, afterEventID).Scan(&cutoff)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s in stream %q", adapters.ErrEventNotFound, afterEventID, key.String())
	}
	if err != nil {
		return nil, fmt.Errorf("kin/postgres: failed to find cutoff event: %w", classify(err))
	}

	return a.Load(ctx, key, cutoff)
}

// LoadTenant retrieves events of every aggregate of a tenant in global order.
func (a *PostgresAdapter) LoadTenant(ctx context.Context, tenantID string, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}

	rows, err := a.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE tenant_id = $1 AND global_position > $2
		ORDER BY global_position ASC
		LIMIT $3`, eventColumns, a.table("events")),
		tenantID, fromPosition, adapters.DefaultLimit(limit, 1000))
	if err != nil {
		return nil, fmt.Errorf("kin/postgres: failed to load tenant events: %w", classify(err))
	}
	defer rows.Close()

	return scanEvents(rows)
}

// GetStreamInfo returns metadata about a stream.
func (a *PostgresAdapter) GetStreamInfo(ctx context.Context, key adapters.StreamKey) (*adapters.StreamInfo, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}

	info := adapters.StreamInfo{Key: key}
	err := a.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT version, created_at, updated_at FROM %s
		WHERE tenant_id = $1 AND aggregate_id = $2`, a.table("streams")),
		key.TenantID, key.AggregateID).Scan(&info.Version, &info.CreatedAt, &info.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, adapters.NewStreamNotFoundError(key)
	}
	if err != nil {
		return nil, fmt.Errorf("kin/postgres: failed to get stream info: %w", classify(err))
	}

	// Versions are dense, so the count always equals the version.
	info.EventCount = info.Version
	return &info, nil
}

// GetLastPosition returns the global position of the newest event.
func (a *PostgresAdapter) GetLastPosition(ctx context.Context) (uint64, error) {
	if a.closed.Load() {
		return 0, adapters.ErrAdapterClosed
	}

	var position uint64
	err := a.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COALESCE(MAX(global_position), 0) FROM %s`, a.table("events"))).Scan(&position)
	if err != nil {
		return 0, fmt.Errorf("kin/postgres: failed to get last position: %w", classify(err))
	}
	return position, nil
}

// GetCheckpoint returns the last processed global position for a consumer.
func (a *PostgresAdapter) GetCheckpoint(ctx context.Context, name string) (uint64, error) {
	if a.closed.Load() {
		return 0, adapters.ErrAdapterClosed
	}

	var position uint64
	err := a.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT position FROM %s WHERE name = $1`, a.table("checkpoints")), name).Scan(&position)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("kin/postgres: failed to get checkpoint: %w", classify(err))
	}
	return position, nil
}

// SetCheckpoint stores the last processed global position for a consumer.
func (a *PostgresAdapter) SetCheckpoint(ctx context.Context, name string, position uint64) error {
	if a.closed.Load() {
		return adapters.ErrAdapterClosed
	}

	_, err := a.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (name, position, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET position = EXCLUDED.position, updated_at = NOW()`,
		a.table("checkpoints")), name, position)
	if err != nil {
		return fmt.Errorf("kin/postgres: failed to set checkpoint: %w", classify(err))
	}
	return nil
}

// Ping checks the database connection.
func (a *PostgresAdapter) Ping(ctx context.Context) error {
	if a.closed.Load() {
		return adapters.ErrAdapterClosed
	}
	if err := a.db.PingContext(ctx); err != nil {
		return fmt.Errorf("kin/postgres: ping failed: %w", classify(err))
	}
	return nil
}

// Close closes the connection pool.
func (a *PostgresAdapter) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	return a.db.Close()
}

// DB returns the underlying pool.
func (a *PostgresAdapter) DB() *sql.DB {
	return a.db
}

// Schema returns the unquoted schema name.
func (a *PostgresAdapter) Schema() string {
	return a.schema
}

func scanEvents(rows *sql.Rows) ([]adapters.StoredEvent, error) {
	events := []adapters.StoredEvent{}
	for rows.Next() {
		var (
			e            adapters.StoredEvent
			metadataJSON []byte
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.AggregateID, &e.Version, &e.Kind,
			&e.SchemaVersion, &e.ActorID, &e.Data, &metadataJSON, &e.Timestamp, &e.GlobalPosition); err != nil {
			return nil, fmt.Errorf("kin/postgres: failed to scan event: %w", classify(err))
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &e.Metadata); err != nil {
				return nil, fmt.Errorf("kin/postgres: failed to unmarshal metadata: %w", err)
			}
		}
		e.Timestamp = e.Timestamp.UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("kin/postgres: failed to iterate events: %w", classify(err))
	}
	return events, nil
}
