package demo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/sndwch/cliffracer-sub001/internal/repository"
	"github.com/sndwch/cliffracer-sub001/internal/service"
)

// Reporter is the audit service's persisted signup record.
type Reporter struct {
	ID        string    `db:"id"`
	Username  string    `db:"username"`
	Email     string    `db:"email"`
	Age       int       `db:"age"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

const reporterSchema = `
CREATE TABLE IF NOT EXISTS reporters (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL,
	email TEXT NOT NULL,
	age INTEGER NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
)`

// openReporters opens the signup database the audit service writes
// registrations to. Every topology gets its own ephemeral one.
func openReporters() (*sql.DB, *repository.Repository[Reporter], error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, nil, fmt.Errorf("open reporter store: %w", err)
	}
	// a single connection keeps the in-memory database coherent
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(reporterSchema); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrate reporter store: %w", err)
	}
	repo, err := repository.New[Reporter](db, "reporters")
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return db, repo, nil
}

// registerAudit binds the fire-and-forget event log, reporter signup,
// and the calc broadcast listener.
func (t *Topology) registerAudit() error {
	if err := service.RegisterAsync(t.Audit, "log_event",
		func(ctx context.Context, msg *AuditEvent) error {
			t.Recorder.Record("audit.log_event " + msg.Event)
			return nil
		}); err != nil {
		return err
	}

	if err := service.RegisterRPC(t.Audit, "register",
		func(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
			reporter := Reporter{Username: req.Username, Email: req.Email, Age: req.Age}
			if err := t.reporters.Create(ctx, &reporter); err != nil {
				return nil, err
			}
			n, err := t.reporters.Count(ctx, nil)
			if err != nil {
				return nil, err
			}
			t.Recorder.Record("audit.register " + req.Username)
			return &RegisterResponse{Registered: true, Reporters: int(n)}, nil
		}); err != nil {
		return err
	}

	return service.RegisterBroadcastListener(t.Audit,
		func(ctx context.Context, msg *CalcPerformed) error {
			t.Recorder.Record("audit.calc_performed " + msg.Expression)
			return nil
		})
}
