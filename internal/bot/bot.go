// Package bot implements the chat commands and inline buttons.
package bot

import (
	"context"
	"errors"
	"sync"
	"time"

	"pitwall/internal/config"
	"pitwall/internal/dispatch"
	"pitwall/internal/live"
	"pitwall/internal/openf1"
	"pitwall/internal/race"
	"pitwall/internal/scheduler"
	kit "pitwall/internal/transport"
	"pitwall/internal/transport/telegram/router"
	logx "pitwall/pkg/logx"
	"pitwall/pkg/tgui"
)

const scope = "f1"

// Live is the session loop controller as seen by chat commands.
type Live interface {
	Start(ctx context.Context, chat int64) (live.StartResult, error)
	Stop(chat int64) error
	ToggleCommentary(chat int64) bool
	Status() []live.TaskStatus
}

// Calendar answers schedule and championship questions.
type Calendar interface {
	NextSession(ctx context.Context, now time.Time) (race.Session, error)
	WeekendSessions(ctx context.Context, meetingKey int) ([]race.Session, error)
	DriverStandings(ctx context.Context) ([]openf1.Standing, error)
}

type Deps struct {
	Live     Live
	Calendar Calendar
	// Stats and Jobs are optional and only feed /status.
	Stats interface {
		Stats(chat int64) dispatch.ChatStats
	}
	Jobs interface {
		Snapshot() []scheduler.JobInfo
	}
}

type Bot struct {
	mu  sync.RWMutex
	loc *time.Location

	deps Deps
	log  logx.Logger
	now  func() time.Time
}

// New builds the command set. loc is the default display time zone.
func New(deps Deps, loc *time.Location, log logx.Logger) *Bot {
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &Bot{deps: deps, log: log, now: time.Now}
	b.SetLocation(loc)
	return b
}

// SetLocation changes the default display time zone.
func (b *Bot) SetLocation(loc *time.Location) {
	if loc == nil {
		loc = time.UTC
	}
	b.mu.Lock()
	b.loc = loc
	b.mu.Unlock()
}

func (b *Bot) location() *time.Location {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.loc
}

// Commands returns the slash commands in menu order.
func (b *Bot) Commands() []router.Command {
	return []router.Command{
		{Name: "start", Description: "show the main menu", Handle: b.handleStart},
		{Name: "live", Description: "follow the current or next session", Access: router.AccessAllowed, Timeout: 20 * time.Second, Handle: b.handleLive},
		{Name: "stop", Description: "stop live updates", Handle: b.handleStop},
		{Name: "commentary", Description: "toggle race control commentary", Handle: b.handleCommentary},
		{Name: "standings", Description: "drivers' championship", Timeout: 20 * time.Second, Handle: b.handleStandings},
		{Name: "schedule", Description: "weekend schedule", Usage: "/schedule [tz]", Timeout: 20 * time.Second, Handle: b.handleSchedule},
		{Name: "status", Description: "live tasks and delivery stats", Handle: b.handleStatus},
	}
}

// Callbacks returns the inline button routes. help renders the help page.
func (b *Bot) Callbacks(help func() string) []router.CallbackRoute {
	return []router.CallbackRoute{
		{Scope: scope, Action: "live", Access: router.AccessAllowed, Timeout: 20 * time.Second, Handle: b.handleLive},
		{Scope: scope, Action: "stop", Handle: b.handleStop},
		{Scope: scope, Action: "commentary", Handle: b.handleCommentary},
		{Scope: scope, Action: "standings", Timeout: 20 * time.Second, Handle: b.handleStandings},
		{Scope: scope, Action: "schedule", Timeout: 20 * time.Second, Handle: b.handleSchedule},
		{Scope: scope, Action: "help", Handle: func(ctx context.Context, req *router.Request) error {
			return req.Reply(ctx, help())
		}},
	}
}

func button(text, action string) kit.Button {
	return kit.Button{Text: text, Data: tgui.Data(scope, action, "")}
}

func (b *Bot) handleStart(ctx context.Context, req *router.Request) error {
	return req.Reply(ctx, "🏎️ <b>F1 Live Dashboard</b>\n\nWelcome! Use the buttons below to get live F1 data.",
		[]kit.Button{button("🔴 Start Live Updates", "live")},
		[]kit.Button{button("🏆 Standings", "standings"), button("💬 Commentary", "commentary")},
		[]kit.Button{button("🗓️ Weekend Schedule", "schedule")},
		[]kit.Button{button("❓ Help", "help")},
	)
}

func (b *Bot) handleLive(ctx context.Context, req *router.Request) error {
	res, err := b.deps.Live.Start(ctx, req.Chat.ChatID)
	switch {
	case errors.Is(err, live.ErrNoSession):
		return req.Reply(ctx, "❌ No current or upcoming session found.")
	case errors.Is(err, live.ErrNotRunning):
		return req.Reply(ctx, "⚠️ Live updates are not available right now.")
	case err != nil:
		req.Logger.Warn("live start failed", logx.Err(err))
		return req.Reply(ctx, "❌ Could not reach the timing feed. Try again in a minute.")
	}
	return req.Reply(ctx, formatFollowing(res, b.location()),
		[]kit.Button{button("⏹ Stop", "stop"), button("💬 Commentary", "commentary")},
		[]kit.Button{button("🗓️ Weekend Schedule", "schedule"), button("🏆 Standings", "standings")},
	)
}

func (b *Bot) handleStop(ctx context.Context, req *router.Request) error {
	if err := b.deps.Live.Stop(req.Chat.ChatID); errors.Is(err, live.ErrNotSubscribed) {
		return req.Reply(ctx, "ℹ️ This chat is not following a session.")
	} else if err != nil {
		return err
	}
	return req.Reply(ctx, "⏹ Live updates stopped.")
}

func (b *Bot) handleCommentary(ctx context.Context, req *router.Request) error {
	if b.deps.Live.ToggleCommentary(req.Chat.ChatID) {
		return req.Reply(ctx, "💬 Race control commentary <b>on</b>. Messages from race control will be posted here.")
	}
	return req.Reply(ctx, "🔕 Race control commentary <b>off</b>. Overtakes, pit stops and flags still come through.")
}

func (b *Bot) handleStandings(ctx context.Context, req *router.Request) error {
	rows, err := b.deps.Calendar.DriverStandings(ctx)
	if err != nil && !openf1.IsKind(err, openf1.KindNotFound) {
		req.Logger.Warn("standings unavailable", logx.Err(err))
	}
	return req.Reply(ctx, formatStandings(rows))
}

func (b *Bot) handleSchedule(ctx context.Context, req *router.Request) error {
	loc := b.location()
	if len(req.Args) > 0 {
		l, err := config.ParseLocation(req.Args[0], loc)
		if err != nil {
			return req.Reply(ctx, "❌ Unknown time zone. Try <code>/schedule utc-5</code> or <code>/schedule Europe/Rome</code>.")
		}
		loc = l
	}
	next, err := b.deps.Calendar.NextSession(ctx, b.now())
	if err != nil {
		if !openf1.IsKind(err, openf1.KindNotFound) {
			req.Logger.Warn("next session lookup failed", logx.Err(err))
		}
		return req.Reply(ctx, "❌ Could not determine the current or next F1 weekend.")
	}
	sessions, err := b.deps.Calendar.WeekendSessions(ctx, next.MeetingKey)
	if err != nil {
		req.Logger.Warn("weekend lookup failed", logx.Int("meeting", next.MeetingKey), logx.Err(err))
		sessions = []race.Session{next}
	}
	return req.Reply(ctx, formatSchedule(sessions, loc))
}

func (b *Bot) handleStatus(ctx context.Context, req *router.Request) error {
	v := statusView{Tasks: b.deps.Live.Status(), Location: b.location()}
	if b.deps.Stats != nil {
		st := b.deps.Stats.Stats(req.Chat.ChatID)
		v.Chat = &st
	}
	if b.deps.Jobs != nil {
		v.Jobs = b.deps.Jobs.Snapshot()
	}
	return req.Reply(ctx, formatStatus(v))
}
