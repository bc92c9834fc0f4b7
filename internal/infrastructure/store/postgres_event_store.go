package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresEventStore stores events, snapshots and publisher high-water
// marks in PostgreSQL. The unique key on (aggregate_id, version) is the
// concurrency primitive; no application-level locks are taken.
type PostgresEventStore struct {
	db *sql.DB
}

func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

// EnsureSchema creates the event-side tables if they do not exist.
func (es *PostgresEventStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			aggregate_id TEXT NOT NULL,
			version      INT  NOT NULL,
			id           TEXT NOT NULL,
			kind         TEXT NOT NULL,
			payload      JSONB NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (aggregate_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			aggregate_id   TEXT PRIMARY KEY,
			version        INT  NOT NULL,
			schema_version INT  NOT NULL,
			state          JSONB NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS publisher_offsets (
			aggregate_id           TEXT PRIMARY KEY,
			last_published_version INT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := es.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure event schema: %w", err)
		}
	}
	return nil
}

func (es *PostgresEventStore) LoadEvents(ctx context.Context, aggregateID string) ([]Event, error) {
	return es.LoadEventsFromVersion(ctx, aggregateID, 0)
}

func (es *PostgresEventStore) LoadEventsFromVersion(ctx context.Context, aggregateID string, fromVersion int) ([]Event, error) {
	rows, err := es.db.QueryContext(ctx,
		`SELECT id, aggregate_id, kind, payload, version, created_at
		 FROM events
		 WHERE aggregate_id = $1 AND version >= $2
		 ORDER BY version ASC`,
		aggregateID, fromVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load events for %s: %w", aggregateID, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.Kind, &e.Payload, &e.Version, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event for %s: %w", aggregateID, err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (es *PostgresEventStore) Append(ctx context.Context, aggregateID string, events []Event, expectedVersion int) error {
	if err := validateAppend(aggregateID, events, expectedVersion); err != nil {
		return err
	}

	tx, err := es.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin append tx: %w", err)
	}
	defer tx.Rollback()

	var current int
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), -1) FROM events WHERE aggregate_id = $1",
		aggregateID,
	).Scan(&current)
	if err != nil {
		return fmt.Errorf("failed to read current version for %s: %w", aggregateID, err)
	}
	if current != expectedVersion {
		return fmt.Errorf("%w: aggregate %s at version %d, expected %d",
			ErrConcurrencyConflict, aggregateID, current, expectedVersion)
	}

	for _, e := range events {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO events (aggregate_id, version, id, kind, payload, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			e.AggregateID, e.Version, e.ID, e.Kind, e.Payload, e.Timestamp,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: aggregate %s version %d already stored",
					ErrConcurrencyConflict, aggregateID, e.Version)
			}
			return fmt.Errorf("failed to insert event %s v%d: %w", aggregateID, e.Version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: aggregate %s", ErrConcurrencyConflict, aggregateID)
		}
		return fmt.Errorf("failed to commit append for %s: %w", aggregateID, err)
	}
	return nil
}

func (es *PostgresEventStore) LastEvent(ctx context.Context, aggregateID string) (*Event, error) {
	var e Event
	err := es.db.QueryRowContext(ctx,
		`SELECT id, aggregate_id, kind, payload, version, created_at
		 FROM events
		 WHERE aggregate_id = $1
		 ORDER BY version DESC
		 LIMIT 1`,
		aggregateID,
	).Scan(&e.ID, &e.AggregateID, &e.Kind, &e.Payload, &e.Version, &e.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load last event for %s: %w", aggregateID, err)
	}
	return &e, nil
}

func (es *PostgresEventStore) SaveSnapshot(ctx context.Context, snapshot *Snapshot) error {
	_, err := es.db.ExecContext(ctx,
		`INSERT INTO snapshots (aggregate_id, version, schema_version, state, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (aggregate_id) DO UPDATE
		 SET version = EXCLUDED.version,
		     schema_version = EXCLUDED.schema_version,
		     state = EXCLUDED.state,
		     created_at = EXCLUDED.created_at`,
		snapshot.AggregateID, snapshot.Version, snapshot.SchemaVersion, snapshot.State, snapshot.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot for %s: %w", snapshot.AggregateID, err)
	}
	return nil
}

func (es *PostgresEventStore) LoadSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error) {
	var s Snapshot
	err := es.db.QueryRowContext(ctx,
		`SELECT aggregate_id, version, schema_version, state, created_at
		 FROM snapshots
		 WHERE aggregate_id = $1`,
		aggregateID,
	).Scan(&s.AggregateID, &s.Version, &s.SchemaVersion, &s.State, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot for %s: %w", aggregateID, err)
	}
	return &s, nil
}

// MarkPublished implements HighWaterMarkStore.
func (es *PostgresEventStore) MarkPublished(ctx context.Context, aggregateID string, version int) error {
	_, err := es.db.ExecContext(ctx,
		`INSERT INTO publisher_offsets (aggregate_id, last_published_version)
		 VALUES ($1, $2)
		 ON CONFLICT (aggregate_id) DO UPDATE
		 SET last_published_version = GREATEST(publisher_offsets.last_published_version, EXCLUDED.last_published_version)`,
		aggregateID, version,
	)
	if err != nil {
		return fmt.Errorf("failed to mark %s published at v%d: %w", aggregateID, version, err)
	}
	return nil
}

// UnpublishedEvents implements HighWaterMarkStore.
func (es *PostgresEventStore) UnpublishedEvents(ctx context.Context) ([]Event, error) {
	rows, err := es.db.QueryContext(ctx,
		`SELECT e.id, e.aggregate_id, e.kind, e.payload, e.version, e.created_at
		 FROM events e
		 LEFT JOIN publisher_offsets p ON p.aggregate_id = e.aggregate_id
		 WHERE e.version > COALESCE(p.last_published_version, -1)
		 ORDER BY e.aggregate_id, e.version ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query unpublished events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.Kind, &e.Payload, &e.Version, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan unpublished event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// ConnectPostgres establishes a pooled connection to PostgreSQL.
func ConnectPostgres(connStr string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}
