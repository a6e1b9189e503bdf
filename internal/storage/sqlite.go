package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "pitwall/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var sqliteSchema string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	log.Debug("sqlite ledger opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutEntry(ctx context.Context, e Entry) error {
	if e.Fingerprint == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger(session, fingerprint, kind, admitted_at) VALUES(?,?,?,?)
		 ON CONFLICT(session, fingerprint) DO UPDATE SET kind=excluded.kind, admitted_at=excluded.admitted_at`,
		e.Session, e.Fingerprint, nullStr(e.Kind), e.AdmittedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) DeleteEntry(ctx context.Context, session int, fingerprint string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM ledger WHERE session = ? AND fingerprint = ?`, session, fingerprint)
	return err
}

func (s *sqliteStore) LoadSession(ctx context.Context, session int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fingerprint, COALESCE(kind, ''), admitted_at FROM ledger WHERE session = ?`, session)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e := Entry{Session: session}
		var ms int64
		if err := rows.Scan(&e.Fingerprint, &e.Kind, &ms); err != nil {
			return nil, err
		}
		e.AdmittedAt = time.UnixMilli(ms)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkFinished(ctx context.Context, session int, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO finished(session, at) VALUES(?,?)
		 ON CONFLICT(session) DO UPDATE SET at=excluded.at`,
		session, at.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) Finished(ctx context.Context) (map[int]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session, at FROM finished`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[int]time.Time{}
	for rows.Next() {
		var (
			session int
			ms      int64
		)
		if err := rows.Scan(&session, &ms); err != nil {
			return nil, err
		}
		out[session] = time.UnixMilli(ms)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteSession(ctx context.Context, session int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM ledger WHERE session = ?`, session); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM finished WHERE session = ?`, session); err != nil {
		return err
	}
	return tx.Commit()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
