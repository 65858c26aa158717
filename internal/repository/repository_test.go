package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/sndwch/cliffracer-sub001/internal/errz"
)

type account struct {
	ID        string    `db:"id"`
	Email     string    `db:"email"`
	Balance   int64     `db:"balance"`
	Status    string    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
	Note      string
}

const accountSchema = `
CREATE TABLE accounts (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL,
	balance INTEGER NOT NULL,
	status TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
`

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(accountSchema)
	require.NoError(t, err)
	return db
}

func newAccounts(t *testing.T, db *sql.DB, opts ...Option[account]) *Repository[account] {
	t.Helper()

	repo, err := New[account](db, "accounts", opts...)
	require.NoError(t, err)
	return repo
}

func seedAccount(t *testing.T, repo *Repository[account], id, email, status string, balance int64) account {
	t.Helper()

	acct := account{ID: id, Email: email, Status: status, Balance: balance}
	require.NoError(t, repo.Create(context.Background(), &acct))
	return acct
}

func TestNewValidation(t *testing.T) {
	db := openTestDB(t)

	_, err := New[account](nil, "accounts")
	require.Error(t, err)
	assert.ErrorIs(t, err, errz.ErrConfiguration)

	_, err = New[account](db, "accounts; DROP TABLE accounts")
	require.Error(t, err)
	assert.ErrorIs(t, err, errz.ErrConfiguration)
	assert.Contains(t, err.Error(), "invalid table name")

	_, err = New[int](db, "numbers")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a struct")

	type bare struct{ Name string }
	_, err = New[bare](db, "bares")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no db-tagged fields")

	type clash struct {
		A string `db:"x"`
		B string `db:"x"`
	}
	_, err = New[clash](db, "clashes")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate column")
}

func TestCreateAssignsIDAndTimestamps(t *testing.T) {
	stamp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := newAccounts(t, openTestDB(t), WithClock[account](func() time.Time { return stamp }))
	ctx := context.Background()

	acct := account{Email: "ada@example.com", Status: "active", Balance: 100}
	require.NoError(t, repo.Create(ctx, &acct))

	assert.Len(t, acct.ID, 36, "expected a uuid id")
	assert.True(t, acct.CreatedAt.Equal(stamp))
	assert.True(t, acct.UpdatedAt.Equal(stamp))

	loaded, err := repo.Get(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", loaded.Email)
	assert.Equal(t, int64(100), loaded.Balance)
	assert.True(t, loaded.CreatedAt.Equal(stamp), "created_at drifted through the database")
}

func TestCreateKeepsProvidedValues(t *testing.T) {
	repo := newAccounts(t, openTestDB(t))
	ctx := context.Background()

	at := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	acct := account{ID: "acct-1", Email: "bob@example.com", Status: "frozen", CreatedAt: at, UpdatedAt: at}
	require.NoError(t, repo.Create(ctx, &acct))

	assert.Equal(t, "acct-1", acct.ID)

	loaded, err := repo.Get(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, loaded.CreatedAt.Equal(at))
	assert.Equal(t, "frozen", loaded.Status)
}

func TestGetMissing(t *testing.T) {
	repo := newAccounts(t, openTestDB(t))

	_, err := repo.Get(context.Background(), "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, errz.ErrNotFound)
}

func TestFindOne(t *testing.T) {
	repo := newAccounts(t, openTestDB(t))
	ctx := context.Background()

	seedAccount(t, repo, "acct-1", "ada@example.com", "active", 10)
	seedAccount(t, repo, "acct-2", "bob@example.com", "frozen", 20)

	found, err := repo.FindOne(ctx, Filters{"status": "frozen"})
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "acct-2", found.ID)

	missing, err := repo.FindOne(ctx, Filters{"status": "closed"})
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = repo.FindOne(ctx, Filters{"shoe_size": 44})
	require.Error(t, err)
	assert.ErrorIs(t, err, errz.ErrConfiguration)
	assert.Contains(t, err.Error(), "unknown filter column")
}

func TestFindBy(t *testing.T) {
	repo := newAccounts(t, openTestDB(t))
	ctx := context.Background()

	seedAccount(t, repo, "acct-3", "cal@example.com", "active", 30)
	seedAccount(t, repo, "acct-1", "ada@example.com", "active", 10)
	seedAccount(t, repo, "acct-2", "bob@example.com", "frozen", 20)

	active, err := repo.FindBy(ctx, Filters{"status": "active"})
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "acct-1", active[0].ID)
	assert.Equal(t, "acct-3", active[1].ID)

	all, err := repo.FindBy(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestUpdate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := newAccounts(t, openTestDB(t), WithClock[account](func() time.Time { return now }))
	ctx := context.Background()

	acct := seedAccount(t, repo, "acct-1", "ada@example.com", "active", 100)

	now = now.Add(time.Minute)
	updated, err := repo.Update(ctx, "acct-1", map[string]any{"balance": int64(250)})
	require.NoError(t, err)
	assert.Equal(t, int64(250), updated.Balance)
	assert.True(t, updated.UpdatedAt.Equal(now), "updated_at not refreshed")
	assert.True(t, updated.CreatedAt.Equal(acct.CreatedAt))
}

func TestUpdateExplicitUpdatedAt(t *testing.T) {
	repo := newAccounts(t, openTestDB(t))
	ctx := context.Background()
	seedAccount(t, repo, "acct-1", "ada@example.com", "active", 100)

	pinned := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	updated, err := repo.Update(ctx, "acct-1", map[string]any{"updated_at": pinned})
	require.NoError(t, err)
	assert.True(t, updated.UpdatedAt.Equal(pinned))
}

func TestUpdateValidation(t *testing.T) {
	repo := newAccounts(t, openTestDB(t))
	ctx := context.Background()
	seedAccount(t, repo, "acct-1", "ada@example.com", "active", 100)

	_, err := repo.Update(ctx, "nope", map[string]any{"balance": int64(1)})
	require.Error(t, err)
	assert.ErrorIs(t, err, errz.ErrNotFound)

	_, err = repo.Update(ctx, "acct-1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errz.ErrValidation)

	_, err = repo.Update(ctx, "acct-1", map[string]any{"id": "acct-2"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errz.ErrValidation)
	assert.Contains(t, err.Error(), "cannot change id")

	_, err = repo.Update(ctx, "acct-1", map[string]any{"shoe_size": 44})
	require.Error(t, err)
	assert.ErrorIs(t, err, errz.ErrConfiguration)
}

func TestDelete(t *testing.T) {
	repo := newAccounts(t, openTestDB(t))
	ctx := context.Background()
	seedAccount(t, repo, "acct-1", "ada@example.com", "active", 100)

	deleted, err := repo.Delete(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = repo.Delete(ctx, "acct-1")
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = repo.Get(ctx, "acct-1")
	assert.ErrorIs(t, err, errz.ErrNotFound)
}

func TestCountAndExists(t *testing.T) {
	repo := newAccounts(t, openTestDB(t))
	ctx := context.Background()

	seedAccount(t, repo, "acct-1", "ada@example.com", "active", 10)
	seedAccount(t, repo, "acct-2", "bob@example.com", "active", 20)
	seedAccount(t, repo, "acct-3", "cal@example.com", "frozen", 30)

	total, err := repo.Count(ctx, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)

	active, err := repo.Count(ctx, Filters{"status": "active"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, active)

	frozen, err := repo.Exists(ctx, Filters{"status": "frozen"})
	require.NoError(t, err)
	assert.True(t, frozen)

	closed, err := repo.Exists(ctx, Filters{"status": "closed"})
	require.NoError(t, err)
	assert.False(t, closed)

	_, err = repo.Count(ctx, Filters{"shoe_size": 44})
	require.Error(t, err)
	assert.ErrorIs(t, err, errz.ErrConfiguration)
}

func TestListPagination(t *testing.T) {
	repo := newAccounts(t, openTestDB(t))
	ctx := context.Background()

	seedAccount(t, repo, "acct-2", "bob@example.com", "active", 20)
	seedAccount(t, repo, "acct-1", "ada@example.com", "active", 10)
	seedAccount(t, repo, "acct-3", "cal@example.com", "frozen", 30)

	page, err := repo.List(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "acct-1", page[0].ID)
	assert.Equal(t, "acct-2", page[1].ID)

	rest, err := repo.List(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "acct-3", rest[0].ID)

	_, err = repo.List(ctx, 0, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, errz.ErrValidation)

	_, err = repo.List(ctx, 1, -1)
	require.Error(t, err)
	assert.ErrorIs(t, err, errz.ErrValidation)
}

func TestFiltersAreBound(t *testing.T) {
	repo := newAccounts(t, openTestDB(t))
	ctx := context.Background()

	hostile := `x'); DROP TABLE accounts;--`
	seedAccount(t, repo, "acct-1", hostile, "active", 0)

	found, err := repo.FindOne(ctx, Filters{"email": hostile})
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "acct-1", found.ID)

	total, err := repo.Count(ctx, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total, "table should have survived the hostile value")
}

func TestNoIDColumn(t *testing.T) {
	type event struct {
		Kind string `db:"kind"`
	}
	db := openTestDB(t)
	_, err := db.Exec(`CREATE TABLE events (kind TEXT NOT NULL)`)
	require.NoError(t, err)

	repo, err := New[event](db, "events")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &event{Kind: "deploy"}))

	_, err = repo.Get(ctx, "x")
	assert.ErrorIs(t, err, errz.ErrConfiguration)
	_, err = repo.Update(ctx, "x", map[string]any{"kind": "rollback"})
	assert.ErrorIs(t, err, errz.ErrConfiguration)
	_, err = repo.Delete(ctx, "x")
	assert.ErrorIs(t, err, errz.ErrConfiguration)

	events, err := repo.FindBy(ctx, Filters{"kind": "deploy"})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestWithTxCommit(t *testing.T) {
	db := openTestDB(t)
	repo := newAccounts(t, db)
	ctx := context.Background()

	err := WithTx(ctx, db, func(tx *sql.Tx) error {
		acct := account{ID: "acct-1", Email: "ada@example.com", Status: "active"}
		return repo.Tx(tx).Create(ctx, &acct)
	})
	require.NoError(t, err)

	total, err := repo.Count(ctx, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	db := openTestDB(t)
	repo := newAccounts(t, db)
	ctx := context.Background()

	boom := errors.New("boom")
	err := WithTx(ctx, db, func(tx *sql.Tx) error {
		acct := account{ID: "acct-1", Email: "ada@example.com", Status: "active"}
		if err := repo.Tx(tx).Create(ctx, &acct); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	total, err := repo.Count(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestWithTxRollsBackOnPanic(t *testing.T) {
	db := openTestDB(t)
	repo := newAccounts(t, db)
	ctx := context.Background()

	require.Panics(t, func() {
		_ = WithTx(ctx, db, func(tx *sql.Tx) error {
			acct := account{ID: "acct-1", Email: "ada@example.com", Status: "active"}
			if err := repo.Tx(tx).Create(ctx, &acct); err != nil {
				return err
			}
			panic("boom")
		})
	})

	total, err := repo.Count(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, total)
}
