package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "pitwall/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.ledger.snapshot.json (periodic snapshot)
//   - <prefix>.ledger.journal.jsonl (append-only journal)
//
// The journal is compacted into the snapshot every compactEvery writes and on
// session deletion.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File

	entries  map[int]map[string]Entry
	finished map[int]int64 // unix milli

	writes       int
	compactEvery int
}

type journalOp string

const (
	opPut      journalOp = "put"
	opDelete   journalOp = "del"
	opFinished journalOp = "fin"
	opDrop     journalOp = "drop"
)

type journalRecord struct {
	Op      journalOp `json:"op"`
	Session int       `json:"session"`
	FP      string    `json:"fp,omitempty"`
	Kind    string    `json:"kind,omitempty"`
	At      int64     `json:"at,omitempty"`
}

type fileSnapshot struct {
	Entries  []Entry       `json:"entries"`
	Finished map[int]int64 `json:"finished,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".ledger.snapshot.json",
		entries:      map[int]map[string]Entry{},
		finished:     map[int]int64{},
		compactEvery: 1000,
	}
	journalPath := prefix + ".ledger.journal.jsonl"

	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("ledger snapshot unreadable, starting from journal", logx.Err(err))
	}
	if err := s.replayJournal(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("ledger journal replay stopped early", logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) PutEntry(ctx context.Context, e Entry) error {
	_ = ctx
	if e.Fingerprint == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r := journalRecord{Op: opPut, Session: e.Session, FP: e.Fingerprint, Kind: e.Kind, At: e.AdmittedAt.UnixMilli()}
	s.apply(r)
	return s.appendLocked(r)
}

func (s *fileStore) DeleteEntry(ctx context.Context, session int, fingerprint string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	r := journalRecord{Op: opDelete, Session: session, FP: fingerprint}
	s.apply(r)
	return s.appendLocked(r)
}

func (s *fileStore) LoadSession(ctx context.Context, session int) ([]Entry, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries[session]))
	for _, e := range s.entries[session] {
		out = append(out, e)
	}
	return out, nil
}

func (s *fileStore) MarkFinished(ctx context.Context, session int, at time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	r := journalRecord{Op: opFinished, Session: session, At: at.UnixMilli()}
	s.apply(r)
	return s.appendLocked(r)
}

func (s *fileStore) Finished(ctx context.Context) (map[int]time.Time, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]time.Time, len(s.finished))
	for k, ms := range s.finished {
		out[k] = time.UnixMilli(ms)
	}
	return out, nil
}

func (s *fileStore) DeleteSession(ctx context.Context, session int) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	r := journalRecord{Op: opDrop, Session: session}
	s.apply(r)
	if err := s.appendLocked(r); err != nil {
		return err
	}
	if err := s.compactLocked(); err != nil {
		s.log.Debug("ledger compact failed", logx.Err(err))
	}
	return nil
}

func (s *fileStore) apply(r journalRecord) {
	switch r.Op {
	case opPut:
		m := s.entries[r.Session]
		if m == nil {
			m = map[string]Entry{}
			s.entries[r.Session] = m
		}
		m[r.FP] = Entry{Session: r.Session, Fingerprint: r.FP, Kind: r.Kind, AdmittedAt: time.UnixMilli(r.At)}
	case opDelete:
		delete(s.entries[r.Session], r.FP)
	case opFinished:
		s.finished[r.Session] = r.At
	case opDrop:
		delete(s.entries, r.Session)
		delete(s.finished, r.Session)
	}
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.compactEvery > 0 && s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("ledger compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	if s.journal == nil {
		return ErrClosed
	}
	snap := fileSnapshot{Finished: s.finished}
	for _, m := range s.entries {
		for _, e := range m {
			snap.Entries = append(snap.Entries, e)
		}
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, e := range snap.Entries {
		s.apply(journalRecord{Op: opPut, Session: e.Session, FP: e.Fingerprint, Kind: e.Kind, At: e.AdmittedAt.UnixMilli()})
	}
	for k, v := range snap.Finished {
		s.finished[k] = v
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// torn tail write
			continue
		}
		s.apply(r)
	}
	return sc.Err()
}
