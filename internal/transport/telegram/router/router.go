package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/ksuid"

	rtsup "pitwall/internal/runtime/supervisor"
	kit "pitwall/internal/transport"
	logx "pitwall/pkg/logx"
	"pitwall/pkg/tgui"
)

type Access int

const (
	AccessEveryone Access = iota
	// AccessAllowed limits a command to the configured allow-list of chats.
	AccessAllowed
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

// CallbackRoute handles inline button data of the form scope:action[:payload].
type CallbackRoute struct {
	Scope   string
	Action  string
	Access  Access
	Timeout time.Duration
	Handle  HandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	Payload string
	// MessageID is the message holding the pressed button, 0 for commands.
	MessageID int
	ReqID     string
	Logger    logx.Logger
	Sender    kit.Sender
}

// Reply sends HTML text to the request's chat.
func (r *Request) Reply(ctx context.Context, text string, keyboard ...[]kit.Button) error {
	_, err := r.Sender.SendText(ctx, r.Chat, text, &kit.SendOptions{
		ParseMode:      "HTML",
		DisablePreview: true,
		Keyboard:       keyboard,
	})
	return err
}

const textUnknown = "❓ Unknown command. Try /help"

// Manager routes updates to commands and callbacks on a bounded worker pool.
type Manager struct {
	mu        sync.RWMutex
	cmds      []Command
	byName    map[string]*Command
	callbacks map[string]CallbackRoute
	allowed   []int64

	log     logx.Logger
	adapter kit.Adapter
	limiter *chatLimiter

	jobs chan func()
}

func NewManager(log logx.Logger, adapter kit.Adapter, allowed []int64) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		byName:    map[string]*Command{},
		callbacks: map[string]CallbackRoute{},
		allowed:   slices.Clone(allowed),
		log:       log,
		adapter:   adapter,
		limiter:   newChatLimiter(1, 4),
		jobs:      make(chan func(), 256),
	}
}

// SetAllowed updates the allow-list used by AccessAllowed. Empty means everyone.
func (m *Manager) SetAllowed(ids []int64) {
	m.mu.Lock()
	m.allowed = slices.Clone(ids)
	m.mu.Unlock()
}

func (m *Manager) permitted(a Access, chat int64) bool {
	if a == AccessEveryone {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.allowed) == 0 || slices.Contains(m.allowed, chat)
}

// Commands returns the registered commands, help included.
func (m *Manager) Commands() []Command {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.cmds)
}

// SetRegistry installs commands and callbacks and refreshes the Telegram menu.
func (m *Manager) SetRegistry(ctx context.Context, cmds []Command, cbs []CallbackRoute) {
	cmds = append(slices.Clone(cmds), Command{
		Name:        "help",
		Aliases:     []string{"h"},
		Description: "show available commands",
		Usage:       "/help",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, HelpText(m.Commands()))
		},
	})

	byName := map[string]*Command{}
	kept := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		name := sanitizeCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		kept = append(kept, c)
	}
	for i := range kept {
		c := &kept[i]
		byName[c.Name] = c
		for _, a := range c.Aliases {
			if a = sanitizeCommand(a); a != "" {
				if _, exists := byName[a]; !exists {
					byName[a] = c
				}
			}
		}
	}
	cb := map[string]CallbackRoute{}
	for _, r := range cbs {
		if r.Handle == nil || r.Scope == "" || r.Action == "" {
			continue
		}
		cb[r.Scope+":"+r.Action] = r
	}

	m.mu.Lock()
	m.cmds, m.byName, m.callbacks = kept, byName, cb
	m.mu.Unlock()

	if up, ok := m.adapter.(kit.CommandMenuUpdater); ok {
		uctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := up.UpdateMenuCommands(uctx, menuCommands(kept)); err != nil {
			m.log.Warn("menu update failed", logx.Err(err))
		}
	}
}

// Run consumes updates until ctx is done or the channel closes.
func (m *Manager) Run(ctx context.Context, updates <-chan kit.Update) error {
	workers := max(runtime.NumCPU(), 2)
	sup := rtsup.New(ctx,
		rtsup.WithLogger(m.log.With(logx.String("comp", "telegram.router"))),
		rtsup.WithCancelOnError(false),
	)
	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))

	for i := range workers {
		sup.GoRestart("command.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-m.jobs:
					m.runJob(i, job)
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
			rtsup.WithStopOnCleanExit(true),
		)
	}
	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.route(ctx, up)
		}
	}
}

func (m *Manager) runJob(worker int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (m *Manager) route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		m.routeMessage(ctx, up)
	case kit.UpdateCallback:
		m.routeCallback(ctx, up)
	}
}

func (m *Manager) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil || !strings.HasPrefix(strings.TrimSpace(msg.Text), "/") {
		return
	}
	parts := tokenizeCommandLine(msg.Text)
	if len(parts) == 0 {
		return
	}
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	to := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	m.mu.RLock()
	cmd, ok := m.byName[word]
	m.mu.RUnlock()
	if !ok {
		_, _ = m.adapter.SendText(ctx, to, textUnknown, nil)
		return
	}
	if !m.permitted(cmd.Access, msg.ChatID) {
		_, _ = m.adapter.SendText(ctx, to, "🔒 This chat is not allowed to use /"+cmd.Name, nil)
		return
	}
	if !m.limiter.allow(msg.ChatID) {
		m.log.Debug("command rate limited", logx.Int64("chat_id", msg.ChatID), logx.String("cmd", cmd.Name))
		return
	}

	req := m.newRequest(up, to, msg.FromID, cmd.Name)
	req.Args = parts[1:]
	final := Chain(cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(cmd.Timeout),
	)
	if !m.enqueue(func() { _ = final(ctx, req) }) {
		_, _ = m.adapter.SendText(ctx, to, "busy, try again", nil)
	}
}

func (m *Manager) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	scope, action, payload, ok := tgui.ParseData(cb.Data)
	if !ok {
		return
	}
	m.mu.RLock()
	route, ok := m.callbacks[scope+":"+action]
	m.mu.RUnlock()
	if !ok {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	if !m.permitted(route.Access, cb.ChatID) {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "not allowed here")
		return
	}

	to := kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID}
	req := m.newRequest(up, to, cb.FromID, "cb:"+scope+":"+action)
	req.Payload = payload
	req.MessageID = cb.MessageID
	final := Chain(route.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(route.Timeout),
	)
	if !m.enqueue(func() {
		_ = final(ctx, req)
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "")
	}) {
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "busy")
	}
}

func (m *Manager) newRequest(up kit.Update, to kit.ChatTarget, from int64, command string) *Request {
	rid := ksuid.New().String()
	return &Request{
		Update:  up,
		Chat:    to,
		FromID:  from,
		Command: command,
		ReqID:   rid,
		Sender:  m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", to.ChatID),
			logx.Int64("from_id", from),
			logx.String("cmd", command),
		),
	}
}

func (m *Manager) enqueue(fn func()) bool {
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}
