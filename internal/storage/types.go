package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	TTL         time.Duration // badger only; 0 means DefaultTTL
}

// DefaultTTL bounds the lifetime of badger entries whose session was never
// marked finished (for example when the bot was stopped mid-race).
const DefaultTTL = 72 * time.Hour

// Entry is one admitted ledger record.
type Entry struct {
	Session     int       `json:"session" msgpack:"s"`
	Fingerprint string    `json:"fp" msgpack:"f"`
	Kind        string    `json:"kind,omitempty" msgpack:"k"`
	AdmittedAt  time.Time `json:"at" msgpack:"a"`
}

// Store is the durable side of the ledger. Implementations are safe for
// concurrent use.
type Store interface {
	// PutEntry records an admission. Re-putting an existing fingerprint overwrites it.
	PutEntry(ctx context.Context, e Entry) error
	// DeleteEntry removes a single admission (rolled back before dispatch).
	DeleteEntry(ctx context.Context, session int, fingerprint string) error
	// LoadSession returns every entry recorded for a session.
	LoadSession(ctx context.Context, session int) ([]Entry, error)
	// MarkFinished records when a session finished.
	MarkFinished(ctx context.Context, session int, at time.Time) error
	// Finished returns all sessions marked finished and when.
	Finished(ctx context.Context) (map[int]time.Time, error)
	// DeleteSession drops the session's entries and its finished marker.
	DeleteSession(ctx context.Context, session int) error
	Close() error
}
