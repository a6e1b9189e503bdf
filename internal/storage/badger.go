package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/vmihailenco/msgpack/v5"

	logx "pitwall/pkg/logx"
)

// badgerStore keeps one key per admission:
//
//	ledger/<session>/<fingerprint>  -> msgpack(Entry), expires after ttl
//	finished/<session>              -> msgpack(unix milli)
type badgerStore struct {
	db  *badger.DB
	ttl time.Duration
	log logx.Logger
}

func openBadger(cfg Config, log logx.Logger) (Store, error) {
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, err
	}
	opts := badger.DefaultOptions(cfg.Path).
		WithLogger(badgerLogger{log: log.With(logx.String("comp", "badger"))}).
		WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &badgerStore{db: db, ttl: ttl, log: log}, nil
}

func sessionPrefix(session int) []byte {
	return []byte(fmt.Sprintf("ledger/%d/", session))
}

func entryKey(session int, fp string) []byte {
	return []byte(fmt.Sprintf("ledger/%d/%s", session, fp))
}

func finishedKey(session int) []byte {
	return []byte(fmt.Sprintf("finished/%d", session))
}

var finishedPrefix = []byte("finished/")

func (s *badgerStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *badgerStore) PutEntry(ctx context.Context, e Entry) error {
	_ = ctx
	if e.Fingerprint == "" {
		return nil
	}
	buf, err := msgpack.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(entryKey(e.Session, e.Fingerprint), buf).WithTTL(s.ttl))
	})
}

func (s *badgerStore) DeleteEntry(ctx context.Context, session int, fingerprint string) error {
	_ = ctx
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(entryKey(session, fingerprint))
	})
}

func (s *badgerStore) LoadSession(ctx context.Context, session int) ([]Entry, error) {
	_ = ctx
	var out []Entry
	prefix := sessionPrefix(session)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e Entry
			if err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &e)
			}); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load session %d: %w", session, err)
	}
	return out, nil
}

func (s *badgerStore) MarkFinished(ctx context.Context, session int, at time.Time) error {
	_ = ctx
	buf, err := msgpack.Marshal(at.UnixMilli())
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(finishedKey(session), buf)
	})
}

func (s *badgerStore) Finished(ctx context.Context) (map[int]time.Time, error) {
	_ = ctx
	out := map[int]time.Time{}
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(finishedPrefix); it.ValidForPrefix(finishedPrefix); it.Next() {
			item := it.Item()
			var session int
			if _, err := fmt.Sscanf(strings.TrimPrefix(string(item.Key()), string(finishedPrefix)), "%d", &session); err != nil {
				continue
			}
			var ms int64
			if err := item.Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &ms)
			}); err != nil {
				return err
			}
			out[session] = time.UnixMilli(ms)
		}
		return nil
	})
	return out, err
}

func (s *badgerStore) DeleteSession(ctx context.Context, session int) error {
	_ = ctx
	prefix := sessionPrefix(session)
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}
	keys = append(keys, finishedKey(session))

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	if err := wb.Flush(); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	return nil
}

// badgerLogger routes badger's printf-style logging into logx.
type badgerLogger struct {
	log logx.Logger
}

func (l badgerLogger) Errorf(f string, v ...interface{}) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (l badgerLogger) Warningf(f string, v ...interface{}) {
	l.log.Warn(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (l badgerLogger) Infof(f string, v ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (l badgerLogger) Debugf(f string, v ...interface{}) {
	l.log.Trace(strings.TrimSpace(fmt.Sprintf(f, v...)))
}
