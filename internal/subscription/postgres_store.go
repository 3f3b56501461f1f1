package subscription

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subscriptionColumns = `id, status,
	COALESCE(balance_threshold, '{}'::jsonb), COALESCE(remaining_balance, '[]'::jsonb),
	balance_updated_at, version, created_at, updated_at`

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var s Subscription
	err := row.Scan(
		&s.ID, &s.Status, &s.BalanceThreshold, &s.RemainingBalance,
		&s.BalanceUpdatedAt, &s.Version, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *PostgresStore) Find(ctx context.Context, id string) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`

	sub, err := scanSubscription(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// Upsert writes the row in a single statement. The WHERE clause on the
// conflict branch drops updates observed before the stored balance; in that
// case no row is returned and the current row is read back.
func (s *PostgresStore) Upsert(ctx context.Context, sub *Subscription) (*Subscription, error) {
	if err := validate(sub); err != nil {
		return nil, err
	}

	query := `
		INSERT INTO subscriptions (id, status, balance_threshold, remaining_balance, balance_updated_at, version)
		VALUES ($1, $2, $3::jsonb, $4::jsonb, COALESCE($5, now()), 1)
		ON CONFLICT (id) DO UPDATE SET
			status             = EXCLUDED.status,
			remaining_balance  = EXCLUDED.remaining_balance,
			balance_updated_at = EXCLUDED.balance_updated_at,
			version            = subscriptions.version + 1,
			updated_at         = now()
		WHERE subscriptions.balance_updated_at <= EXCLUDED.balance_updated_at
		RETURNING ` + subscriptionColumns

	var observed any
	if !sub.BalanceUpdatedAt.IsZero() {
		observed = sub.BalanceUpdatedAt
	}

	saved, err := scanSubscription(s.db.QueryRow(ctx, query,
		sub.ID, string(sub.Status), nullableJSON(sub.BalanceThreshold), nullableJSON(sub.RemainingBalance), observed,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.Find(ctx, sub.ID)
		}
		return nil, fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return saved, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
