package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	kit "pitwall/internal/transport"
	logx "pitwall/pkg/logx"
)

type fakeAdapter struct {
	mu       sync.Mutex
	texts    []string
	answered []string
	menu     []kit.BotCommand
}

func (f *fakeAdapter) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return kit.MessageRef{}, nil
}

func (f *fakeAdapter) EditText(context.Context, kit.MessageRef, string, *kit.SendOptions) error {
	return nil
}
func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) AnswerCallback(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answered = append(f.answered, id)
	return nil
}

func (f *fakeAdapter) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.menu = cmds
	return nil
}

func (f *fakeAdapter) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type call struct {
	cmd     string
	chat    int64
	args    []string
	payload string
}

func setup(t *testing.T, allowed []int64) (*Manager, *fakeAdapter, chan<- kit.Update, <-chan call) {
	t.Helper()
	ad := &fakeAdapter{}
	m := NewManager(logx.Nop(), ad, allowed)
	calls := make(chan call, 8)
	record := func(ctx context.Context, req *Request) error {
		calls <- call{cmd: req.Command, chat: req.Chat.ChatID, args: req.Args, payload: req.Payload}
		return nil
	}
	m.SetRegistry(context.Background(),
		[]Command{
			{Name: "schedule", Usage: "/schedule [tz]", Description: "weekend schedule", Handle: record},
			{Name: "live", Access: AccessAllowed, Description: "follow a session", Handle: record},
		},
		[]CallbackRoute{{Scope: "f1", Action: "standings", Handle: record}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update)
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx, updates)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return m, ad, updates, calls
}

func message(chat int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: chat, FromID: chat, Text: text}}
}

func wait(t *testing.T, calls <-chan call) call {
	t.Helper()
	select {
	case c := <-calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
	return call{}
}

func TestCommandRouting(t *testing.T) {
	t.Parallel()
	_, _, updates, calls := setup(t, nil)

	updates <- message(7, `/schedule@pitwall_bot "Europe/Rome"`)
	got := wait(t, calls)
	want := call{cmd: "schedule", chat: 7, args: []string{"Europe/Rome"}}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(call{})); diff != "" {
		t.Fatalf("routed call mismatch (-want +got):\n%s", diff)
	}
}

func TestUnknownCommandAndPlainText(t *testing.T) {
	t.Parallel()
	_, ad, updates, _ := setup(t, nil)

	updates <- message(7, "hello there")
	updates <- message(7, "/warp")
	deadline := time.Now().Add(2 * time.Second)
	for len(ad.sentTexts()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := ad.sentTexts(); len(got) != 1 || got[0] != textUnknown {
		t.Fatalf("replies = %q, want one unknown-command reply", got)
	}
}

func TestAllowListGuardsRestrictedCommands(t *testing.T) {
	t.Parallel()
	m, _, updates, calls := setup(t, []int64{100})

	updates <- message(200, "/live")
	updates <- message(100, "/live")
	if got := wait(t, calls); got.chat != 100 {
		t.Fatalf("live ran for chat %d, want 100", got.chat)
	}

	m.SetAllowed(nil)
	updates <- message(300, "/live")
	if got := wait(t, calls); got.chat != 300 {
		t.Fatalf("live ran for chat %d, want 300", got.chat)
	}
}

func TestCallbackRouting(t *testing.T) {
	t.Parallel()
	_, ad, updates, calls := setup(t, nil)

	updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "cb1", ChatID: 9, Data: "f1:standings:2025"}}
	got := wait(t, calls)
	if got.cmd != "cb:f1:standings" || got.payload != "2025" || got.chat != 9 {
		t.Fatalf("unexpected callback call %+v", got)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ad.mu.Lock()
		n := len(ad.answered)
		ad.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("callback was not answered")
}

func TestMenuIncludesHelp(t *testing.T) {
	t.Parallel()
	_, ad, _, _ := setup(t, nil)
	ad.mu.Lock()
	defer ad.mu.Unlock()
	want := []kit.BotCommand{
		{Command: "schedule", Description: "weekend schedule"},
		{Command: "live", Description: "follow a session"},
		{Command: "help", Description: "show available commands"},
	}
	if diff := cmp.Diff(want, ad.menu); diff != "" {
		t.Fatalf("menu mismatch (-want +got):\n%s", diff)
	}
}

func TestSanitizeCommand(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"/Schedule":     "schedule",
		"race-control":  "race_control",
		"  two  words ": "two_words",
		"2025":          "cmd_2025",
		"x.y":           "xy",
		"":              "",
	}
	for in, want := range tests {
		if got := sanitizeCommand(in); got != want {
			t.Fatalf("sanitizeCommand(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTokenizeCommandLine(t *testing.T) {
	t.Parallel()
	got := tokenizeCommandLine(`/schedule 'America/New_York' utc\ -5`)
	want := []string{"/schedule", "America/New_York", "utc -5"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("tokens mismatch (-want +got):\n%s", diff)
	}
}
