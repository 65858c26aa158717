package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/sndwch/cliffracer-sub001/internal/errz"
	"github.com/sndwch/cliffracer-sub001/internal/saga"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sagas (
	saga_id TEXT PRIMARY KEY,
	saga_type TEXT NOT NULL,
	state TEXT NOT NULL,
	document TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS sagas_state_idx ON sagas(state);
`

// SQLite persists saga snapshots in a single table. The full snapshot
// is stored as a JSON document; saga_type and state are lifted into
// columns for querying.
type SQLite struct {
	db *sql.DB
}

var _ saga.Store = (*SQLite)(nil)

// OpenSQLite opens or creates the saga database at path. Use ":memory:"
// for an ephemeral store.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open saga store %q: %w", errz.ErrConnection, path, err)
	}
	// a single connection keeps ":memory:" databases coherent and lets
	// sqlite serialize writers itself
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping saga store %q: %w", errz.ErrConnection, path, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: migrate saga store: %w", errz.ErrConnection, err)
	}
	return &SQLite{db: db}, nil
}

// DB exposes the underlying handle, mostly for tests.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Save upserts the snapshot keyed by its SagaID.
func (s *SQLite) Save(ctx context.Context, status saga.Status) error {
	if status.SagaID == "" {
		return fmt.Errorf("%w: snapshot has no saga id", errz.ErrConfiguration)
	}
	document, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encode saga snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sagas (saga_id, saga_type, state, document, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(saga_id) DO UPDATE SET
			state = excluded.state,
			document = excluded.document,
			updated_at = excluded.updated_at`,
		status.SagaID, status.Type, status.State, string(document), status.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("%w: save saga %q: %w", errz.ErrConnection, status.SagaID, err)
	}
	return nil
}

// Load returns the snapshot for sagaID.
func (s *SQLite) Load(ctx context.Context, sagaID string) (saga.Status, error) {
	var document string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM sagas WHERE saga_id = ?`, sagaID).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return saga.Status{}, fmt.Errorf("%w: saga %q", errz.ErrNotFound, sagaID)
	}
	if err != nil {
		return saga.Status{}, fmt.Errorf("%w: load saga %q: %w", errz.ErrConnection, sagaID, err)
	}

	var status saga.Status
	if err := json.Unmarshal([]byte(document), &status); err != nil {
		return saga.Status{}, fmt.Errorf("decode saga snapshot %q: %w", sagaID, err)
	}
	return status, nil
}

// ListActive returns every non-terminal snapshot, oldest first.
func (s *SQLite) ListActive(ctx context.Context) ([]saga.Status, error) {
	terminals := saga.TerminalStates()
	placeholders := make([]string, len(terminals))
	args := make([]any, len(terminals))
	for i, state := range terminals {
		placeholders[i] = "?"
		args[i] = state
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT document FROM sagas
		 WHERE state NOT IN (`+strings.Join(placeholders, ",")+`)
		 ORDER BY updated_at, saga_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list active sagas: %w", errz.ErrConnection, err)
	}
	defer rows.Close()

	var active []saga.Status
	for rows.Next() {
		var document string
		if err := rows.Scan(&document); err != nil {
			return nil, fmt.Errorf("%w: scan saga row: %w", errz.ErrConnection, err)
		}
		var status saga.Status
		if err := json.Unmarshal([]byte(document), &status); err != nil {
			return nil, fmt.Errorf("decode saga snapshot: %w", err)
		}
		active = append(active, status)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list active sagas: %w", errz.ErrConnection, err)
	}
	return active, nil
}
