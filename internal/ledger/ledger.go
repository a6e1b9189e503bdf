package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"pitwall/internal/eventbus"
	"pitwall/internal/race"
	"pitwall/internal/storage"
	logx "pitwall/pkg/logx"
)

// DefaultGrace is how long a finished session's entries are kept.
const DefaultGrace = 2 * time.Hour

type Config struct {
	Grace time.Duration
}

// Admission is published on the bus for every admitted event.
type Admission struct {
	Session     int            `json:"session"`
	Fingerprint string         `json:"fingerprint"`
	Kind        race.EventKind `json:"kind"`
	At          time.Time      `json:"at"`
	Event       race.Event     `json:"event"`
}

// Eviction is published when a finished session is dropped.
type Eviction struct {
	Session  int       `json:"session"`
	Finished time.Time `json:"finished"`
	Entries  int       `json:"entries"`
}

type Stats struct {
	Sessions int
	Entries  int
	Finished int
}

type sessionLog struct {
	seen     map[string]time.Time
	finished time.Time
	loaded   bool
}

// Ledger remembers which events were announced per session so each real-world
// event is admitted exactly once. The durable store is optional; store errors
// are logged and never change the admission decision.
type Ledger struct {
	mu       sync.Mutex
	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
	store    storage.Store
	sessions map[int]*sessionLog
	now      func() time.Time
}

func New(cfg Config, store storage.Store, log logx.Logger, bus eventbus.Bus) *Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Ledger{
		log:      log,
		bus:      bus,
		store:    store,
		sessions: map[int]*sessionLog{},
		now:      time.Now,
	}
	l.applyLocked(cfg)
	return l
}

func (l *Ledger) Apply(cfg Config) {
	l.mu.Lock()
	l.applyLocked(cfg)
	l.mu.Unlock()
}

func (l *Ledger) applyLocked(cfg Config) {
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	l.cfg = cfg
}

// Restore loads finished markers from the store so sessions that finished
// before a restart still get evicted.
func (l *Ledger) Restore(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	fin, err := l.store.Finished(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, at := range fin {
		s := l.sessionLocked(ctx, key)
		s.finished = at
	}
	return nil
}

// Admit returns true exactly once per event fingerprint per session.
func (l *Ledger) Admit(ctx context.Context, sessionKey int, ev race.Event) bool {
	if ev == nil {
		return false
	}
	fp := ev.Fingerprint()
	now := l.now()

	l.mu.Lock()
	s := l.sessionLocked(ctx, sessionKey)
	if _, dup := s.seen[fp]; dup {
		l.mu.Unlock()
		return false
	}
	s.seen[fp] = now
	l.mu.Unlock()

	if l.store != nil {
		err := l.store.PutEntry(ctx, storage.Entry{Session: sessionKey, Fingerprint: fp, Kind: string(ev.Kind()), AdmittedAt: now})
		if err != nil {
			l.log.Warn("ledger persist failed", logx.Int("session", sessionKey), logx.String("fp", fp), logx.Err(err))
		}
	}
	eventbus.Publish(l.bus, eventbus.TypeEventAdmitted, Admission{
		Session:     sessionKey,
		Fingerprint: fp,
		Kind:        ev.Kind(),
		At:          now,
		Event:       ev,
	})
	return true
}

// Forget rolls back an admission whose dispatch could not be enqueued, so the
// event is admitted again by a later cycle.
func (l *Ledger) Forget(ctx context.Context, sessionKey int, ev race.Event) {
	if ev == nil {
		return
	}
	fp := ev.Fingerprint()
	l.mu.Lock()
	if s, ok := l.sessions[sessionKey]; ok {
		delete(s.seen, fp)
	}
	l.mu.Unlock()

	if l.store != nil {
		if err := l.store.DeleteEntry(ctx, sessionKey, fp); err != nil {
			l.log.Warn("ledger rollback failed", logx.Int("session", sessionKey), logx.String("fp", fp), logx.Err(err))
		}
	}
}

// Has reports whether fingerprint was admitted for the session.
func (l *Ledger) Has(sessionKey int, fingerprint string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessions[sessionKey]
	if !ok {
		return false
	}
	_, ok = s.seen[fingerprint]
	return ok
}

// MarkFinished starts the session's grace window. The first mark wins.
func (l *Ledger) MarkFinished(ctx context.Context, sessionKey int, at time.Time) {
	l.mu.Lock()
	s := l.sessionLocked(ctx, sessionKey)
	if !s.finished.IsZero() {
		l.mu.Unlock()
		return
	}
	s.finished = at
	l.mu.Unlock()

	if l.store != nil {
		if err := l.store.MarkFinished(ctx, sessionKey, at); err != nil {
			l.log.Warn("ledger finish persist failed", logx.Int("session", sessionKey), logx.Err(err))
		}
	}
}

// Evict drops every session finished longer than the grace window before now
// and returns their keys in ascending order.
func (l *Ledger) Evict(ctx context.Context, now time.Time) []int {
	l.mu.Lock()
	grace := l.cfg.Grace
	var (
		keys    []int
		evicted []Eviction
	)
	for key, s := range l.sessions {
		if s.finished.IsZero() || now.Sub(s.finished) <= grace {
			continue
		}
		keys = append(keys, key)
		evicted = append(evicted, Eviction{Session: key, Finished: s.finished, Entries: len(s.seen)})
		delete(l.sessions, key)
	}
	l.mu.Unlock()

	sort.Ints(keys)
	for _, ev := range evicted {
		if l.store != nil {
			if err := l.store.DeleteSession(ctx, ev.Session); err != nil {
				l.log.Warn("ledger evict from store failed", logx.Int("session", ev.Session), logx.Err(err))
			}
		}
		l.log.Debug("ledger session evicted", logx.Int("session", ev.Session), logx.Int("entries", ev.Entries))
		eventbus.Publish(l.bus, eventbus.TypeLedgerEvicted, ev)
	}
	return keys
}

// Sweep evicts using the ledger clock.
func (l *Ledger) Sweep(ctx context.Context) []int {
	return l.Evict(ctx, l.now())
}

func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := Stats{Sessions: len(l.sessions)}
	for _, s := range l.sessions {
		st.Entries += len(s.seen)
		if !s.finished.IsZero() {
			st.Finished++
		}
	}
	return st
}

// sessionLocked returns the session log, loading durable entries on first use.
func (l *Ledger) sessionLocked(ctx context.Context, key int) *sessionLog {
	s, ok := l.sessions[key]
	if !ok {
		s = &sessionLog{seen: map[string]time.Time{}}
		l.sessions[key] = s
	}
	if s.loaded || l.store == nil {
		s.loaded = true
		return s
	}
	entries, err := l.store.LoadSession(ctx, key)
	if err != nil {
		// retried on next reference
		l.log.Warn("ledger load failed", logx.Int("session", key), logx.Err(err))
		return s
	}
	for _, e := range entries {
		if _, ok := s.seen[e.Fingerprint]; !ok {
			s.seen[e.Fingerprint] = e.AdmittedAt
		}
	}
	s.loaded = true
	return s
}
