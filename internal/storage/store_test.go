package storage

import (
	"context"
	"path/filepath"
	"sort"
	"testing"
	"time"

	logx "pitwall/pkg/logx"
)

var backends = []struct {
	driver string
	path   string
}{
	{"file", "ledger.json"},
	{"sqlite", "ledger.db"},
	{"badger", "ledger-badger"},
}

func openTemp(t *testing.T, driver, name string) (Store, Config) {
	t.Helper()
	cfg := Config{Driver: driver, Path: filepath.Join(t.TempDir(), name), BusyTimeout: time.Second}
	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	if st == nil {
		t.Fatalf("Open(%s) returned nil store", driver)
	}
	return st, cfg
}

func fingerprints(es []Entry) []string {
	out := make([]string, 0, len(es))
	for _, e := range es {
		out = append(out, e.Fingerprint)
	}
	sort.Strings(out)
	return out
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", "memory"} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver should fail")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("file driver without path should fail")
	}
}

func TestStoreContract(t *testing.T) {
	t.Parallel()
	for _, b := range backends {
		b := b
		t.Run(b.driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st, _ := openTemp(t, b.driver, b.path)
			defer st.Close()

			at := time.UnixMilli(1_745_751_600_000)
			for _, fp := range []string{"overtake:01", "pit_stop:02", "race_control:03"} {
				if err := st.PutEntry(ctx, Entry{Session: 9158, Fingerprint: fp, Kind: "x", AdmittedAt: at}); err != nil {
					t.Fatalf("PutEntry: %v", err)
				}
			}
			if err := st.PutEntry(ctx, Entry{Session: 9159, Fingerprint: "overtake:01", AdmittedAt: at}); err != nil {
				t.Fatalf("PutEntry other session: %v", err)
			}
			if err := st.DeleteEntry(ctx, 9158, "pit_stop:02"); err != nil {
				t.Fatalf("DeleteEntry: %v", err)
			}

			got, err := st.LoadSession(ctx, 9158)
			if err != nil {
				t.Fatalf("LoadSession: %v", err)
			}
			fps := fingerprints(got)
			if len(fps) != 2 || fps[0] != "overtake:01" || fps[1] != "race_control:03" {
				t.Fatalf("session entries = %v", fps)
			}
			if !got[0].AdmittedAt.Equal(at) {
				t.Fatalf("admitted_at = %v, want %v", got[0].AdmittedAt, at)
			}

			if err := st.MarkFinished(ctx, 9158, at); err != nil {
				t.Fatalf("MarkFinished: %v", err)
			}
			fin, err := st.Finished(ctx)
			if err != nil {
				t.Fatalf("Finished: %v", err)
			}
			if ts, ok := fin[9158]; !ok || !ts.Equal(at) || len(fin) != 1 {
				t.Fatalf("finished = %v", fin)
			}

			if err := st.DeleteSession(ctx, 9158); err != nil {
				t.Fatalf("DeleteSession: %v", err)
			}
			if got, _ := st.LoadSession(ctx, 9158); len(got) != 0 {
				t.Fatalf("entries after delete = %v", got)
			}
			if fin, _ := st.Finished(ctx); len(fin) != 0 {
				t.Fatalf("finished after delete = %v", fin)
			}
			if got, _ := st.LoadSession(ctx, 9159); len(got) != 1 {
				t.Fatalf("other session touched: %v", got)
			}
		})
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	for _, b := range backends {
		b := b
		t.Run(b.driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st, cfg := openTemp(t, b.driver, b.path)
			if err := st.PutEntry(ctx, Entry{Session: 1, Fingerprint: "flag_change:aa", AdmittedAt: time.Now()}); err != nil {
				t.Fatalf("PutEntry: %v", err)
			}
			if err := st.MarkFinished(ctx, 1, time.Now()); err != nil {
				t.Fatalf("MarkFinished: %v", err)
			}
			if err := st.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			st, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer st.Close()
			got, err := st.LoadSession(ctx, 1)
			if err != nil || len(got) != 1 || got[0].Fingerprint != "flag_change:aa" {
				t.Fatalf("after reopen entries=%v err=%v", got, err)
			}
			if fin, _ := st.Finished(ctx); len(fin) != 1 {
				t.Fatalf("after reopen finished=%v", fin)
			}
		})
	}
}

func TestFileStoreCompaction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, cfg := openTemp(t, "file", "ledger.json")
	fs := st.(*fileStore)
	fs.compactEvery = 3

	for i, fp := range []string{"a", "b", "c", "d"} {
		if err := st.PutEntry(ctx, Entry{Session: 7, Fingerprint: fp, AdmittedAt: time.UnixMilli(int64(i))}); err != nil {
			t.Fatalf("PutEntry: %v", err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	got, _ := st.LoadSession(ctx, 7)
	if fps := fingerprints(got); len(fps) != 4 {
		t.Fatalf("entries after compaction + journal = %v", fps)
	}
}
