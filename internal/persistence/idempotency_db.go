package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"
)

// PostgresIdempotencyChecker is the second dedup tier: a lookup against
// the committed command log.
type PostgresIdempotencyChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db:      db,
		timeout: 500 * time.Millisecond,
	}
}

// IsDuplicate checks if the command exists in the event log.
func (pic *PostgresIdempotencyChecker) IsDuplicate(commandType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), pic.timeout)
	defer cancel()

	query := `
        SELECT 1
        FROM event_log.commands
        WHERE command_type = $1 AND idempotency_key = $2
        LIMIT 1
    `

	var exists int
	err := pic.db.QueryRowContext(ctx, query, commandType, idempotencyKey).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// LoadRecentIdempotencyKeys returns the newest limit composite keys
// ("command_type:idempotency_key") for warming the in-memory tier.
func LoadRecentIdempotencyKeys(ctx context.Context, db *sql.DB, limit int) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT command_type, idempotency_key
		FROM event_log.commands
		ORDER BY sequence DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("load idempotency keys: %w", err)
	}
	defer rows.Close()

	keys := make([]string, 0, limit)
	for rows.Next() {
		var commandType, key string
		if err := rows.Scan(&commandType, &key); err != nil {
			return nil, err
		}
		keys = append(keys, commandType+":"+key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Oldest first so the newest keys end up most recently used.
	slices.Reverse(keys)
	return keys, nil
}
