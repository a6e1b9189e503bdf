package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"pitwall/internal/eventbus"
	"pitwall/internal/race"
	"pitwall/internal/storage"
	logx "pitwall/pkg/logx"
)

var now = time.Date(2025, 6, 1, 16, 0, 0, 0, time.UTC)

func overtake(session, lap int) race.Event {
	return race.Overtake{
		SessionKey:        session,
		Lap:               lap,
		Overtaker:         race.DriverRef{Number: 44, Code: "HAM"},
		Overtaken:         race.DriverRef{Number: 16, Code: "LEC"},
		Position:          3,
		OvertakenPosition: 4,
	}
}

func newLedger(t *testing.T, store storage.Store) *Ledger {
	t.Helper()
	l := New(Config{Grace: 2 * time.Hour}, store, logx.Nop(), nil)
	l.now = func() time.Time { return now }
	return l
}

func TestAdmitOncePerFingerprint(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := newLedger(t, nil)

	if !l.Admit(ctx, 1, overtake(1, 10)) {
		t.Fatal("first admit should succeed")
	}
	if l.Admit(ctx, 1, overtake(1, 10)) {
		t.Fatal("duplicate admitted")
	}
	if !l.Admit(ctx, 1, overtake(1, 11)) {
		t.Fatal("different lap is a different event")
	}
	if !l.Admit(ctx, 2, overtake(1, 10)) {
		t.Fatal("sessions must not share entries")
	}
	if l.Admit(ctx, 1, nil) {
		t.Fatal("nil event admitted")
	}
}

func TestForgetAllowsReadmission(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := newLedger(t, nil)
	ev := overtake(1, 10)
	l.Admit(ctx, 1, ev)
	l.Forget(ctx, 1, ev)
	if l.Has(1, ev.Fingerprint()) {
		t.Fatal("entry still present after Forget")
	}
	if !l.Admit(ctx, 1, ev) {
		t.Fatal("forgotten event should be admitted again")
	}
}

func TestEvictAfterGrace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := newLedger(t, nil)

	old, recent := overtake(100, 5), overtake(200, 5)
	l.Admit(ctx, 100, old)
	l.Admit(ctx, 200, recent)
	l.MarkFinished(ctx, 100, now.Add(-3*time.Hour))
	l.MarkFinished(ctx, 200, now.Add(-30*time.Minute))

	evicted := l.Evict(ctx, now)
	if len(evicted) != 1 || evicted[0] != 100 {
		t.Fatalf("evicted = %v, want [100]", evicted)
	}
	if l.Has(100, old.Fingerprint()) {
		t.Fatal("session finished 3h ago still present")
	}
	if !l.Has(200, recent.Fingerprint()) {
		t.Fatal("session finished 30m ago was evicted")
	}
	if st := l.Stats(); st.Sessions != 1 || st.Entries != 1 || st.Finished != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestMarkFinishedFirstMarkWins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := newLedger(t, nil)
	l.MarkFinished(ctx, 7, now.Add(-3*time.Hour))
	l.MarkFinished(ctx, 7, now)
	if got := l.Evict(ctx, now); len(got) != 1 {
		t.Fatalf("evicted = %v, later mark must not extend the grace window", got)
	}
}

func TestUnfinishedSessionsAreKept(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := newLedger(t, nil)
	l.Admit(ctx, 5, overtake(5, 1))
	if got := l.Evict(ctx, now.Add(48*time.Hour)); len(got) != 0 {
		t.Fatalf("evicted live session: %v", got)
	}
}

func TestDurableLedgerSurvivesRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "ledger.json")}

	st, err := storage.Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	l := newLedger(t, st)
	ev := overtake(9158, 12)
	l.Admit(ctx, 9158, ev)
	l.MarkFinished(ctx, 9158, now.Add(-3*time.Hour))
	_ = st.Close()

	st, err = storage.Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	l = newLedger(t, st)
	if l.Admit(ctx, 9158, ev) {
		t.Fatal("event re-admitted after restart")
	}

	l2 := newLedger(t, st)
	if err := l2.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got := l2.Evict(ctx, now); len(got) != 1 || got[0] != 9158 {
		t.Fatalf("restored finished marker not evicted: %v", got)
	}
	if entries, _ := st.LoadSession(ctx, 9158); len(entries) != 0 {
		t.Fatalf("store still holds %d entries after eviction", len(entries))
	}
}

func TestAdmitPublishesAdmission(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	l := New(Config{}, nil, logx.Nop(), bus)
	ev := overtake(3, 2)
	l.Admit(ctx, 3, ev)
	l.Admit(ctx, 3, ev)

	select {
	case e := <-ch:
		a, ok := e.Data.(Admission)
		if e.Type != eventbus.TypeEventAdmitted || !ok || a.Fingerprint != ev.Fingerprint() {
			t.Fatalf("unexpected bus event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no admission published")
	}
	select {
	case e := <-ch:
		t.Fatalf("duplicate published: %+v", e)
	default:
	}
}
