package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/weightmasters/storefront-api/internal/domain/fulfillment"
	"github.com/weightmasters/storefront-api/internal/domain/reconcile"
)

const findRecordSQL = `SELECT order_id, email_sent, ledger_appended, attempts, updated_at
	FROM fulfillment_records WHERE order_id = $1`

const touchRecordSQL = `INSERT INTO fulfillment_records
		(order_id, order_label, customer_email, order_total, attempts)
	VALUES ($1, $2, $3, $4, 1)
	ON CONFLICT (order_id) DO UPDATE
		SET attempts = fulfillment_records.attempts + 1, updated_at = now()
	RETURNING order_id, email_sent, ledger_appended, attempts, updated_at`

const markEmailSentSQL = `UPDATE fulfillment_records
	SET email_sent = TRUE, updated_at = now() WHERE order_id = $1`

const markLedgerAppendedSQL = `UPDATE fulfillment_records
	SET ledger_appended = TRUE, updated_at = now() WHERE order_id = $1`

const recentOrderIDsSQL = `SELECT order_id FROM fulfillment_records
	ORDER BY updated_at DESC LIMIT $1`

var _ fulfillment.RecordStore = (*RecordStore)(nil)

// RecordStore implements fulfillment.RecordStore backed by PostgreSQL.
type RecordStore struct {
	pool *pgxpool.Pool
}

// NewRecordStore returns a RecordStore that uses the given pool.
func NewRecordStore(pool *pgxpool.Pool) *RecordStore {
	return &RecordStore{pool: pool}
}

// Find returns the record for an order, or fulfillment.ErrRecordNotFound.
func (s *RecordStore) Find(ctx context.Context, orderID string) (*fulfillment.Record, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx, findRecordSQL, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fulfillment.ErrRecordNotFound
		}
		return nil, fmt.Errorf("finding fulfillment record %q: %w", orderID, err)
	}
	return rec, nil
}

// Touch upserts the record and bumps its attempt counter atomically, so
// concurrent deliveries of the same event each observe a distinct attempt.
func (s *RecordStore) Touch(ctx context.Context, orderID string, o *reconcile.Order) (*fulfillment.Record, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx, touchRecordSQL,
		orderID, o.Label, o.Email, o.Total,
	))
	if err != nil {
		return nil, fmt.Errorf("touching fulfillment record %q: %w", orderID, err)
	}
	return rec, nil
}

func (s *RecordStore) MarkEmailSent(ctx context.Context, orderID string) error {
	if _, err := s.pool.Exec(ctx, markEmailSentSQL, orderID); err != nil {
		return fmt.Errorf("marking email sent for %q: %w", orderID, err)
	}
	return nil
}

func (s *RecordStore) MarkLedgerAppended(ctx context.Context, orderID string) error {
	if _, err := s.pool.Exec(ctx, markLedgerAppendedSQL, orderID); err != nil {
		return fmt.Errorf("marking ledger appended for %q: %w", orderID, err)
	}
	return nil
}

// RecentOrderIDs returns the most recently touched order ids, newest first.
// Used to warm the duplicate filter at startup.
func (s *RecordStore) RecentOrderIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, recentOrderIDsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent order ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scanning recent order ids: %w", err)
	}
	return ids, nil
}

func scanRecord(row pgx.Row) (*fulfillment.Record, error) {
	var rec fulfillment.Record
	err := row.Scan(&rec.OrderID, &rec.EmailSent, &rec.LedgerAppended, &rec.Attempts, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
