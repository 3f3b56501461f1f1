package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

// fakeDB answers QueryRow calls in order from rows.
type fakeDB struct {
	rows    []fakeRow
	queries []string
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.queries = append(f.queries, sql)
	row := f.rows[0]
	f.rows = f.rows[1:]
	return row
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errors.New("not implemented")
}

func rowOf(sub Subscription) fakeRow {
	return fakeRow{scan: func(dest ...any) error {
		*dest[0].(*string) = sub.ID
		*dest[1].(*Status) = sub.Status
		*dest[2].(*json.RawMessage) = sub.BalanceThreshold
		*dest[3].(*json.RawMessage) = sub.RemainingBalance
		*dest[4].(*time.Time) = sub.BalanceUpdatedAt
		*dest[5].(*int64) = sub.Version
		*dest[6].(*time.Time) = sub.CreatedAt
		*dest[7].(*time.Time) = sub.UpdatedAt
		return nil
	}}
}

func errRowOf(err error) fakeRow {
	return fakeRow{scan: func(dest ...any) error { return err }}
}

func TestPostgresStore_FindNotFound(t *testing.T) {
	db := &fakeDB{rows: []fakeRow{errRowOf(pgx.ErrNoRows)}}
	_, err := NewPostgresStore(db).Find(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_FindError(t *testing.T) {
	db := &fakeDB{rows: []fakeRow{errRowOf(errors.New("connection reset"))}}
	_, err := NewPostgresStore(db).Find(context.Background(), "sub-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "failed to get subscription")
}

func TestPostgresStore_UpsertGuardReadsBack(t *testing.T) {
	current := Subscription{ID: "sub-1", Status: StatusActive, RemainingBalance: json.RawMessage(`[{"remaining_usage_units":9}]`), Version: 4}
	db := &fakeDB{rows: []fakeRow{errRowOf(pgx.ErrNoRows), rowOf(current)}}

	got, err := NewPostgresStore(db).Upsert(context.Background(), &Subscription{ID: "sub-1", Status: StatusActive, BalanceUpdatedAt: time.Unix(0, 0)})
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.Version)
	assert.Len(t, db.queries, 2)
	assert.Contains(t, db.queries[0], "ON CONFLICT (id) DO UPDATE")
}

func TestPostgresStore_UpsertRejectsInvalid(t *testing.T) {
	db := &fakeDB{}
	_, err := NewPostgresStore(db).Upsert(context.Background(), &Subscription{ID: "sub-1"})
	assert.Error(t, err)
	assert.Empty(t, db.queries)
}

// Runs against a real database when TEST_POSTGRES_DSN is set.
func TestPostgresStore_Integration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	lazy := NewLazyPool(dsn, zap.NewNop())
	defer lazy.Close()

	pool, err := lazy.Pool(ctx)
	require.NoError(t, err)
	require.NoError(t, Migrate(pool))

	store := NewPostgresStore(lazy)
	id := "it-" + uuid.NewString()
	balance := json.RawMessage(`[{"metric":"credit_cents","remaining_usage_units":500}]`)

	_, err = store.Find(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)

	created, err := store.Upsert(ctx, &Subscription{ID: id, Status: StatusActive, BalanceThreshold: json.RawMessage(`{}`), RemainingBalance: balance})
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)

	updated, err := store.Upsert(ctx, &Subscription{ID: id, Status: StatusActive, BalanceThreshold: json.RawMessage(`{"x":1}`), RemainingBalance: balance})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.JSONEq(t, `{}`, string(updated.BalanceThreshold))

	stale, err := store.Upsert(ctx, &Subscription{ID: id, Status: StatusActive, RemainingBalance: json.RawMessage(`[]`), BalanceUpdatedAt: created.BalanceUpdatedAt.Add(-time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), stale.Version)

	got, err := store.Find(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.JSONEq(t, string(balance), string(got.RemainingBalance))

	_, err = lazy.Exec(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	require.NoError(t, err)
}
