package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/example/ec-stock-saga/internal/messaging"
	"github.com/lib/pq"
)

// claimLease is how long a claimed entry stays hidden from other relays. A relay that
// dies mid-send releases its claims when the lease runs out.
const claimLease = 30 * time.Second

// PostgresOutbox keeps unsent messages in the outbox table until the relay delivers them.
type PostgresOutbox struct {
	db *sql.DB
}

var _ messaging.Outbox = (*PostgresOutbox)(nil)

func NewPostgresOutbox(db *sql.DB) *PostgresOutbox {
	return &PostgresOutbox{db: db}
}

func (o *PostgresOutbox) Store(ctx context.Context, entries ...messaging.OutboxEntry) error {
	for _, e := range entries {
		headers, err := json.Marshal(e.Message.Headers)
		if err != nil {
			return fmt.Errorf("encode outbox headers: %w", err)
		}
		_, err = o.db.ExecContext(ctx,
			`INSERT INTO outbox (id, queue, message_key, value, headers, attempts, next_attempt_at, last_error, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (id) DO NOTHING`,
			e.ID, e.Message.Queue, e.Message.Key, e.Message.Value, headers, e.Attempts, e.NextAttemptAt, e.LastError, e.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("store outbox entry %s: %w", e.ID, err)
		}
	}
	return nil
}

// Due claims up to limit entries ready at now by pushing their next attempt past a
// lease. Rows another relay has locked are skipped, so relays sharing the table never
// hand out the same entry at once.
func (o *PostgresOutbox) Due(ctx context.Context, now time.Time, limit int) ([]messaging.OutboxEntry, error) {
	rows, err := o.db.QueryContext(ctx,
		`WITH due AS (
			SELECT id FROM outbox
			WHERE next_attempt_at <= $1
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		 )
		 UPDATE outbox o SET next_attempt_at = $3
		 FROM due WHERE o.id = due.id
		 RETURNING o.id, o.queue, o.message_key, o.value, o.headers, o.attempts, o.next_attempt_at, o.last_error, o.created_at`,
		now, limit, now.Add(claimLease),
	)
	if err != nil {
		return nil, fmt.Errorf("query due outbox entries: %w", err)
	}
	defer rows.Close()

	var out []messaging.OutboxEntry
	for rows.Next() {
		var (
			e       messaging.OutboxEntry
			headers []byte
		)
		if err := rows.Scan(&e.ID, &e.Message.Queue, &e.Message.Key, &e.Message.Value, &headers,
			&e.Attempts, &e.NextAttemptAt, &e.LastError, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(headers, &e.Message.Headers); err != nil {
			return nil, fmt.Errorf("decode headers of outbox entry %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b messaging.OutboxEntry) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (o *PostgresOutbox) MarkSent(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := o.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ANY($1)`, pq.Array(ids)); err != nil {
		return fmt.Errorf("delete sent outbox entries: %w", err)
	}
	return nil
}

func (o *PostgresOutbox) MarkFailed(ctx context.Context, id, lastErr string, next time.Time) error {
	_, err := o.db.ExecContext(ctx,
		`UPDATE outbox SET attempts = attempts + 1, last_error = $2, next_attempt_at = $3 WHERE id = $1`,
		id, lastErr, next,
	)
	if err != nil {
		return fmt.Errorf("mark outbox entry %s failed: %w", id, err)
	}
	return nil
}
