package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/weightmasters/storefront-api/internal/domain/reconcile"
)

const insertEventSQL = `INSERT INTO webhook_events (event_id, event_type, session_id, payload)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (event_id) DO NOTHING`

const streamEventsSQL = `SELECT event_id, event_type, session_id, payload, received_at
	FROM webhook_events
	WHERE received_at >= $1 AND received_at < $2
	ORDER BY received_at`

// StoredEvent is one archived webhook delivery.
type StoredEvent struct {
	ID         string
	Type       string
	SessionID  string
	Payload    []byte
	ReceivedAt time.Time
}

// EventStore archives every verified webhook delivery. Duplicate deliveries
// of the same event id collapse into one row.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore returns an EventStore that uses the given pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Insert archives a verified event. Inserting an already archived event id
// is a no-op.
func (s *EventStore) Insert(ctx context.Context, ev *reconcile.Event) error {
	_, err := s.pool.Exec(ctx, insertEventSQL, ev.ID, ev.Type, ev.SessionID, ev.Raw)
	if err != nil {
		return fmt.Errorf("archiving webhook event %q: %w", ev.ID, err)
	}
	return nil
}

// Stream walks the archived events within [from, to) in arrival order,
// invoking fn for each. Iteration stops on the first error from fn.
func (s *EventStore) Stream(ctx context.Context, from, to time.Time, fn func(*StoredEvent) error) error {
	rows, err := s.pool.Query(ctx, streamEventsSQL, from, to)
	if err != nil {
		return fmt.Errorf("querying webhook events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ev StoredEvent
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.SessionID, &ev.Payload, &ev.ReceivedAt); err != nil {
			return fmt.Errorf("scanning webhook event: %w", err)
		}
		if err := fn(&ev); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating webhook events: %w", err)
	}
	return nil
}
