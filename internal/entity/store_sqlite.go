package entity

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	// timeLayout is fixed width so stored timestamps sort as text.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// SQLiteStore persists last-known entity values and their change history.
//
// It expects the entity_state and entity_history tables from the embedded
// migrations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store on an open SQLite connection.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Save upserts the entity's last value and appends a history row, in one
// transaction.
func (r *SQLiteStore) Save(ctx context.Context, u Update) error {
	if u.EntityID == "" {
		return fmt.Errorf("entity id is required")
	}
	num, text, err := splitValue(u.Kind, u.Value)
	if err != nil {
		return err
	}
	at := u.At.UTC().Format(timeLayout)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	_, err = tx.ExecContext(ctx,
		`INSERT INTO entity_state (entity_id, value_kind, value_num, value_text, topic, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(entity_id) DO UPDATE SET
		     value_kind = excluded.value_kind,
		     value_num  = excluded.value_num,
		     value_text = excluded.value_text,
		     topic      = excluded.topic,
		     updated_at = excluded.updated_at`,
		u.EntityID, u.Kind.String(), num, text, u.Topic, at,
	)
	if err != nil {
		return fmt.Errorf("upserting entity state: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO entity_history (entity_id, value_kind, value_num, value_text, topic, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		u.EntityID, u.Kind.String(), num, text, u.Topic, at,
	)
	if err != nil {
		return fmt.Errorf("inserting entity history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing entity update: %w", err)
	}
	return nil
}

// LoadAll returns the last value of every stored entity.
func (r *SQLiteStore) LoadAll(ctx context.Context) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT entity_id, value_kind, value_num, value_text, topic, updated_at
		 FROM entity_state
		 ORDER BY entity_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying entity state: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// History returns recent values of one entity, newest first.
//
// Parameters:
//   - limit: Maximum entries to return (default 50, max 500)
func (r *SQLiteStore) History(ctx context.Context, entityID string, limit int) ([]Record, error) {
	if entityID == "" {
		return nil, fmt.Errorf("entity id is required")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)

	rows, err := r.db.QueryContext(ctx,
		`SELECT entity_id, value_kind, value_num, value_text, topic, recorded_at
		 FROM entity_history
		 WHERE entity_id = ?
		 ORDER BY id DESC
		 LIMIT ?`,
		entityID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying entity history: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// PruneHistory deletes history rows older than olderThan.
func (r *SQLiteStore) PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	cutoff := time.Now().UTC().Add(-olderThan).Format(timeLayout)
	result, err := r.db.ExecContext(ctx, "DELETE FROM entity_history WHERE recorded_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting entity history: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var (
			rec  Record
			kind string
			num  sql.NullFloat64
			text sql.NullString
			at   string
		)
		if err := rows.Scan(&rec.EntityID, &kind, &num, &text, &rec.Topic, &at); err != nil {
			return nil, fmt.Errorf("scanning entity row: %w", err)
		}

		k, err := ParseKind(kind)
		if err != nil {
			return nil, err
		}
		rec.Kind = k
		if k == KindNumeric {
			rec.Value = num.Float64
		} else {
			rec.Value = text.String
		}

		ts, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		rec.At = ts

		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entity rows: %w", err)
	}
	return records, nil
}

// splitValue maps a converted value onto the numeric or text column.
func splitValue(kind Kind, v any) (sql.NullFloat64, sql.NullString, error) {
	switch kind {
	case KindNumeric:
		f, ok := v.(float64)
		if !ok {
			return sql.NullFloat64{}, sql.NullString{}, fmt.Errorf("%w: numeric entity value is %T", ErrInvalidValue, v)
		}
		return sql.NullFloat64{Float64: f, Valid: true}, sql.NullString{}, nil
	default:
		s, ok := v.(string)
		if !ok {
			return sql.NullFloat64{}, sql.NullString{}, fmt.Errorf("%w: string entity value is %T", ErrInvalidValue, v)
		}
		return sql.NullFloat64{}, sql.NullString{String: s, Valid: true}, nil
	}
}
