package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fpemud/mycdn-controller-sub000/internal/history"
)

// Sink writes history events to SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one writer; also keeps ":memory:" on a single shared connection
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS mirror_history(
			occurred_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
			type TEXT NOT NULL,
			site TEXT NOT NULL,
			kind TEXT,
			pid INTEGER,
			exit_code INTEGER,
			state TEXT,
			error TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS mirror_history_site ON mirror_history(site, occurred_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mirror_history(occurred_at, type, site, kind, pid, exit_code, state, error)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), string(e.Type), e.Site, e.Kind, e.PID, e.ExitCode, e.State, e.Error)
	return err
}

// Recent returns up to limit events of site, newest first.
func (s *Sink) Recent(ctx context.Context, site string, limit int) ([]history.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT occurred_at, type, site, kind, pid, exit_code, state, error
		FROM mirror_history WHERE site = ?
		ORDER BY occurred_at DESC, rowid DESC LIMIT ?;`, site, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []history.Event
	for rows.Next() {
		var (
			e                 history.Event
			typ               string
			at                time.Time
			kind, state, errS sql.NullString
			pid, code         sql.NullInt64
		)
		if err := rows.Scan(&at, &typ, &e.Site, &kind, &pid, &code, &state, &errS); err != nil {
			return nil, err
		}
		e.OccurredAt = at
		e.Type = history.EventType(typ)
		e.Kind = kind.String
		e.PID = int(pid.Int64)
		e.ExitCode = int(code.Int64)
		e.State = state.String
		e.Error = errS.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
