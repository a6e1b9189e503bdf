package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"pitwall/internal/eventbus"
	"pitwall/internal/race"
	kit "pitwall/internal/transport"
	logx "pitwall/pkg/logx"
)

type fakeSender struct {
	mu      sync.Mutex
	fail    map[int64]bool
	sent    map[int64][]string
	edits   map[int64][]string
	calls   map[int64]int
	nextID  int
	editErr error
}

func newFakeSender(failing ...int64) *fakeSender {
	f := &fakeSender{fail: map[int64]bool{}, sent: map[int64][]string{}, edits: map[int64][]string{}, calls: map[int64]int{}}
	for _, id := range failing {
		f.fail[id] = true
	}
	return f
}

func (f *fakeSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[to.ChatID]++
	if f.fail[to.ChatID] {
		return kit.MessageRef{}, errors.New("chat not found")
	}
	f.nextID++
	f.sent[to.ChatID] = append(f.sent[to.ChatID], text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: f.nextID}, nil
}

func (f *fakeSender) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return f.editErr
	}
	f.edits[ref.ChatID] = append(f.edits[ref.ChatID], text)
	return nil
}

func (f *fakeSender) snapshot(chat int64) (sent []string, calls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent[chat]...), f.calls[chat]
}

func fastConfig() Config {
	return Config{
		MinInterval:   time.Millisecond,
		RetryMax:      3,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		SendTimeout:   time.Second,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var swap = race.Overtake{
	SessionKey:        9158,
	Lap:               23,
	Overtaker:         race.DriverRef{Number: 44, Code: "HAM"},
	Overtaken:         race.DriverRef{Number: 16, Code: "LEC"},
	Position:          3,
	OvertakenPosition: 4,
}

func TestDispatchIsolatesFailingSubscriber(t *testing.T) {
	t.Parallel()
	sender := newFakeSender(3)
	bus := eventbus.New()
	failed, unsub := bus.Subscribe(16)
	defer unsub()

	d := New(fastConfig(), sender, logx.Nop(), bus)
	d.Start(context.Background())
	defer d.Stop(context.Background())

	chats := []int64{1, 2, 3, 4, 5}
	if err := d.Dispatch(context.Background(), 9158, swap, chats); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	waitFor(t, "delivery and failure", func() bool {
		return d.Stats(3).Failed == 1 && d.Stats(1).Delivered+d.Stats(2).Delivered+d.Stats(4).Delivered+d.Stats(5).Delivered == 4
	})
	for _, id := range []int64{1, 2, 4, 5} {
		sent, _ := sender.snapshot(id)
		if len(sent) != 1 || !strings.Contains(sent[0], "HAM overtook LEC") {
			t.Fatalf("chat %d got %v", id, sent)
		}
	}
	if _, calls := sender.snapshot(3); calls != 4 {
		t.Fatalf("failing chat attempts = %d, want 1 + 3 retries", calls)
	}

	deadline := time.After(time.Second)
	for {
		select {
		case e := <-failed:
			if e.Type != eventbus.TypeDispatchFailed {
				continue
			}
			if dl := e.Data.(Delivery); dl.ChatID != 3 || dl.Error == "" {
				t.Fatalf("failure event = %+v", dl)
			}
			return
		case <-deadline:
			t.Fatal("no dispatch.failed event published")
		}
	}
}

func TestDispatchCoalescesBacklog(t *testing.T) {
	t.Parallel()
	sender := newFakeSender()
	cfg := fastConfig()
	cfg.MinInterval = 200 * time.Millisecond
	cfg.CoalesceMax = 3
	d := New(cfg, sender, logx.Nop(), nil)
	d.Start(context.Background())
	defer d.Stop(context.Background())

	ctx := context.Background()
	// the first send consumes the limiter burst; the rest queue behind it
	for lap := 1; lap <= 4; lap++ {
		ev := swap
		ev.Lap = lap
		if err := d.Dispatch(ctx, 9158, ev, []int64{7}); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}

	waitFor(t, "all delivered", func() bool { return d.Stats(7).Delivered == 4 })
	sent, _ := sender.snapshot(7)
	if len(sent) >= 4 {
		t.Fatalf("sends = %d, want backlog coalesced", len(sent))
	}
	for _, s := range sent {
		if n := strings.Count(s, "Overtake"); n > 3 {
			t.Fatalf("message carries %d events, coalesce_max is 3", n)
		}
	}
	if st := d.Stats(7); st.Coalesced == 0 {
		t.Fatalf("stats = %+v, want coalesced > 0", st)
	}
}

func TestDispatchAfterStop(t *testing.T) {
	t.Parallel()
	d := New(fastConfig(), newFakeSender(), logx.Nop(), nil)
	if err := d.Dispatch(context.Background(), 1, swap, []int64{1}); !errors.Is(err, ErrStopped) {
		t.Fatalf("before start err = %v, want ErrStopped", err)
	}
	d.Start(context.Background())
	d.Stop(context.Background())
	if err := d.Notice(context.Background(), []int64{1}, "x"); !errors.Is(err, ErrStopped) {
		t.Fatalf("after stop err = %v, want ErrStopped", err)
	}
}

func TestStopDrainsQueue(t *testing.T) {
	t.Parallel()
	sender := newFakeSender()
	cfg := fastConfig()
	cfg.CoalesceMax = 1
	d := New(cfg, sender, logx.Nop(), nil)
	d.Start(context.Background())
	for i := 0; i < 5; i++ {
		_ = d.Notice(context.Background(), []int64{9}, "notice")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	d.Stop(ctx)
	if sent, _ := sender.snapshot(9); len(sent) != 5 {
		t.Fatalf("delivered %d of 5 queued notices before stop returned", len(sent))
	}
}

func TestDashboardSendsThenEdits(t *testing.T) {
	t.Parallel()
	sender := newFakeSender()
	d := New(fastConfig(), sender, logx.Nop(), nil)
	d.Start(context.Background())
	defer d.Stop(context.Background())
	ctx := context.Background()

	_ = d.Dashboard(ctx, 11, "table v1")
	waitFor(t, "dashboard send", func() bool { s, _ := sender.snapshot(11); return len(s) == 1 })

	_ = d.Dashboard(ctx, 11, "table v2")
	waitFor(t, "dashboard edit", func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		return len(sender.edits[11]) == 1
	})
	sender.mu.Lock()
	got := sender.edits[11][0]
	sender.mu.Unlock()
	if got != "table v2" {
		t.Fatalf("edit text = %q", got)
	}

	d.ResetDashboard(11)
	_ = d.Dashboard(ctx, 11, "table v3")
	waitFor(t, "fresh dashboard", func() bool { s, _ := sender.snapshot(11); return len(s) == 2 })
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 6; attempt++ {
		want := 100 * time.Millisecond << (attempt - 1)
		if want > time.Second {
			want = time.Second
		}
		got := retryDelay(cfg, attempt)
		lo := time.Duration(float64(want) * 0.7)
		hi := min(time.Duration(float64(want)*1.3), time.Second)
		if got < lo || got > hi {
			t.Fatalf("attempt %d: delay %v outside [%v, %v]", attempt, got, lo, hi)
		}
	}
}

func TestDeliveryErrorUnwraps(t *testing.T) {
	t.Parallel()
	base := errors.New("forbidden")
	err := error(&DeliveryError{ChatID: 3, Attempts: 4, Err: base})
	var de *DeliveryError
	if !errors.Is(err, base) || !errors.As(err, &de) || de.ChatID != 3 {
		t.Fatalf("DeliveryError does not unwrap: %v", err)
	}
}
