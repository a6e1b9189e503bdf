// Package live runs one poll loop per followed session:
// fetch, diff, classify, admit, dispatch.
package live

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"pitwall/internal/dispatch"
	"pitwall/internal/eventbus"
	"pitwall/internal/openf1"
	"pitwall/internal/race"
	rtsup "pitwall/internal/runtime/supervisor"
	logx "pitwall/pkg/logx"
	"pitwall/pkg/tgui"
)

var (
	ErrNotRunning    = errors.New("live controller not running")
	ErrNoSession     = errors.New("no current or upcoming session")
	ErrNotSubscribed = errors.New("chat is not following a session")
)

const (
	textUnavailable = "⚠️ Live feed unavailable, retrying..."
	textRestored    = "✅ Live feed restored."
)

// Feed is the upstream timing source.
type Feed interface {
	Fetch(ctx context.Context, sessionKey int) (race.Snapshot, error)
	LatestSession(ctx context.Context, now time.Time) (race.Session, error)
	NextSession(ctx context.Context, now time.Time) (race.Session, error)
}

// Notifier delivers rendered output to chats.
type Notifier interface {
	Dispatch(ctx context.Context, session int, ev race.Event, subscribers []int64) error
	Notice(ctx context.Context, subscribers []int64, text string) error
	Dashboard(ctx context.Context, chat int64, text string) error
	ResetDashboard(chat int64)
}

// Ledger admits each event once per session.
type Ledger interface {
	Admit(ctx context.Context, session int, ev race.Event) bool
	Forget(ctx context.Context, session int, ev race.Event)
	MarkFinished(ctx context.Context, session int, at time.Time)
}

// StartResult tells the caller what a chat is now following.
type StartResult struct {
	RunID   string
	Session race.Session
	Status  race.SessionStatus
	// Joined is true when the chat joined a task that was already polling.
	Joined bool
}

type Controller struct {
	mu         sync.Mutex
	cfg        Config
	classifier *race.Classifier
	sup        *rtsup.Supervisor

	feed   Feed
	out    Notifier
	ledger Ledger
	reg    *Registry
	log    logx.Logger
	bus    eventbus.Bus
	now    func() time.Time
}

func New(cfg Config, feed Feed, out Notifier, ledger Ledger, log logx.Logger, bus eventbus.Bus) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Controller{
		feed:   feed,
		out:    out,
		ledger: ledger,
		reg:    NewRegistry(),
		log:    log,
		bus:    bus,
		now:    time.Now,
	}
	c.Apply(cfg)
	return c
}

// Apply takes effect from the next cycle of every task.
func (c *Controller) Apply(cfg Config) {
	cfg = normalize(cfg)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	c.classifier = race.NewClassifier(cfg.RetirementCycles)
}

func (c *Controller) config() (Config, *race.Classifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg, c.classifier
}

func (c *Controller) Registry() *Registry { return c.reg }

// Open binds the controller to ctx. Tasks started later live until Close or ctx ends.
func (c *Controller) Open(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sup != nil {
		return
	}
	c.sup = rtsup.New(ctx, rtsup.WithLogger(c.log), rtsup.WithCancelOnError(false))
}

// Close stops every task and waits for the loops to exit.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	sup := c.sup
	c.sup = nil
	c.mu.Unlock()
	if sup == nil {
		return nil
	}
	for _, t := range c.reg.Tasks() {
		t.stop("shutdown")
	}
	return sup.Stop(ctx)
}

// Start subscribes a chat to the current session, or the next one when nothing is on.
// A chat following another session is moved.
func (c *Controller) Start(ctx context.Context, chat int64) (StartResult, error) {
	c.mu.Lock()
	sup := c.sup
	c.mu.Unlock()
	if sup == nil {
		return StartResult{}, ErrNotRunning
	}

	if key, ok := c.reg.SessionOf(chat); ok {
		if t, ok := c.reg.Task(key); ok && !t.ending() {
			st := t.snapshot(0)
			return StartResult{RunID: t.RunID(), Session: t.Session(), Status: st.Status, Joined: true}, nil
		}
	}

	s, err := c.resolve(ctx, c.now())
	if err != nil {
		return StartResult{}, err
	}
	t, created := c.reg.add(newTask(s, race.StatusUpcoming))
	if prev, moved := c.reg.attach(chat, s.Key); moved {
		c.release(prev)
	}
	if created {
		c.launch(sup, t)
	}
	st := t.snapshot(0)
	c.log.Info("chat following session",
		logx.Int64("chat_id", chat), logx.Int("session", s.Key), logx.String("run_id", t.RunID()), logx.Bool("new_task", created))
	return StartResult{RunID: t.RunID(), Session: s, Status: st.Status, Joined: !created}, nil
}

// Stop unsubscribes a chat. The task stops with its last subscriber.
func (c *Controller) Stop(chat int64) error {
	session, last, ok := c.reg.detach(chat)
	if !ok {
		return ErrNotSubscribed
	}
	c.out.ResetDashboard(chat)
	if last {
		if t, ok := c.reg.Task(session); ok {
			t.stop("no subscribers")
		}
	}
	return nil
}

// ToggleCommentary flips race control commentary for a chat and returns the new setting.
func (c *Controller) ToggleCommentary(chat int64) bool {
	return c.reg.ToggleCommentary(chat)
}

// Status reports every registered task.
func (c *Controller) Status() []TaskStatus {
	tasks := c.reg.Tasks()
	out := make([]TaskStatus, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.snapshot(len(c.reg.Subscribers(t.Session().Key))))
	}
	return out
}

func (c *Controller) release(session int) {
	if len(c.reg.Subscribers(session)) > 0 {
		return
	}
	if t, ok := c.reg.Task(session); ok {
		t.stop("no subscribers")
	}
}

func (c *Controller) resolve(ctx context.Context, now time.Time) (race.Session, error) {
	s, err := c.feed.LatestSession(ctx, now)
	switch {
	case err == nil && (s.End.IsZero() || now.Before(s.End.Add(overrunAllowance))):
		return s, nil
	case err != nil && !openf1.IsKind(err, openf1.KindNotFound):
		return race.Session{}, fmt.Errorf("resolve current session: %w", err)
	}
	next, err := c.feed.NextSession(ctx, now)
	if err != nil {
		if openf1.IsKind(err, openf1.KindNotFound) {
			return race.Session{}, ErrNoSession
		}
		return race.Session{}, fmt.Errorf("resolve next session: %w", err)
	}
	return next, nil
}

func (c *Controller) launch(sup *rtsup.Supervisor, t *Task) {
	ctx, cancel := context.WithCancel(sup.Context())
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
	t.transition(TaskPolling)
	sup.Go("live.session."+strconv.Itoa(t.Session().Key), func(context.Context) error {
		defer cancel()
		c.run(ctx, t)
		return nil
	})
}

func (c *Controller) run(ctx context.Context, t *Task) {
	log := c.log.With(logx.Int("session", t.Session().Key), logx.String("run_id", t.RunID()))
	log.Info("poll loop started", logx.String("title", t.Session().Title()))
	defer func() {
		t.transition(TaskStopped)
		for _, chat := range c.reg.remove(t) {
			c.out.ResetDashboard(chat)
		}
		st := t.snapshot(0)
		close(t.done)
		eventbus.Publish(c.bus, eventbus.TypeTaskStopped, st)
		log.Info("poll loop stopped", logx.String("reason", st.StopReason), logx.Uint64("cycles", st.Cycles))
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		wait := c.cycle(ctx, t, log)
		if ctx.Err() != nil {
			return
		}
		cfg, _ := c.config()
		if since, done := t.finishedFor(c.now()); done && since >= cfg.StopAfterFinish {
			t.stop("session finished")
			return
		}
		timer.Reset(wait)
	}
}

// cycle runs one fetch and everything that follows from it, and returns the delay
// before the next one. State is committed only after a successful diff.
func (c *Controller) cycle(ctx context.Context, t *Task, log logx.Logger) time.Duration {
	cfg, classifier := c.config()
	now := c.now()
	key := t.Session().Key

	t.mu.Lock()
	status := t.status
	t.mu.Unlock()
	if status == race.StatusUpcoming {
		if open := t.Session().Start.Add(-preSessionBuffer); now.Before(open) {
			return min(open.Sub(now), time.Hour)
		}
	}

	snap, err := c.feed.Fetch(ctx, key)
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		return c.fetchFailed(ctx, t, cfg, status, err, now, log)
	}
	if t.recovered() {
		log.Info("live feed restored")
		eventbus.Publish(c.bus, eventbus.TypeFeedRestored, key)
		_ = c.out.Notice(ctx, c.reg.Subscribers(key), textRestored)
	}

	batch, err := race.Diff(t.table, snap)
	if err != nil {
		if errors.Is(err, race.ErrStaleSnapshot) {
			log.Trace("stale snapshot skipped", logx.Int64("seq", snap.Seq))
			eventbus.Publish(c.bus, eventbus.TypeSnapshotStale, key)
		} else {
			log.Warn("snapshot rejected", logx.Err(err))
		}
		c.checkTimeout(ctx, t, cfg, now)
		return interval(cfg, status)
	}
	cls := classifier.Classify(t.cls, batch)
	for _, a := range cls.Ambiguities {
		log.Debug("ambiguous delta dropped", logx.String("reason", a.Reason), logx.Any("drivers", a.Drivers))
	}

	t.mu.Lock()
	t.table = batch.Next
	t.cls = cls.Next
	t.lastData = now
	t.cycles++
	wentLive := t.status == race.StatusUpcoming
	if wentLive {
		t.status = race.StatusLive
		status = race.StatusLive
	}
	t.mu.Unlock()
	if wentLive {
		log.Info("session live", logx.Bool("baseline", batch.Baseline))
		eventbus.Publish(c.bus, eventbus.TypeSessionStatus, t.snapshot(0))
	}

	for _, ev := range cls.Events {
		c.emit(ctx, key, ev, log)
	}
	if batch.Ended {
		c.finish(ctx, t, now, "chequered flag", log)
	}
	c.dashboard(ctx, t, cfg, now)

	eventbus.Publish(c.bus, eventbus.TypeCycleCompleted, CycleReport{
		Session: key, Seq: snap.Seq, Events: len(cls.Events), Ambiguities: len(cls.Ambiguities),
	})
	return interval(cfg, status)
}

// CycleReport is published after every committed cycle.
type CycleReport struct {
	Session     int   `json:"session"`
	Seq         int64 `json:"seq"`
	Events      int   `json:"events"`
	Ambiguities int   `json:"ambiguities"`
}

func (c *Controller) emit(ctx context.Context, key int, ev race.Event, log logx.Logger) {
	if !c.ledger.Admit(ctx, key, ev) {
		return
	}
	audience := c.reg.Audience(key, ev)
	if len(audience) == 0 {
		return
	}
	if err := c.out.Dispatch(ctx, key, ev, audience); err != nil {
		c.ledger.Forget(ctx, key, ev)
		log.Warn("event not dispatched", logx.String("kind", string(ev.Kind())), logx.Err(err))
	}
}

func (c *Controller) fetchFailed(ctx context.Context, t *Task, cfg Config, status race.SessionStatus, err error, now time.Time, log logx.Logger) time.Duration {
	key := t.Session().Key
	if status == race.StatusUpcoming && openf1.IsKind(err, openf1.KindNotFound) {
		log.Debug("no timing data yet")
		return cfg.IdleInterval
	}

	t.mu.Lock()
	t.failures++
	step := backoffStep(cfg, t.failures)
	if step >= cfg.BackoffMax {
		t.ceilingHits++
	}
	lost := t.ceilingHits >= cfg.UnavailableAfter && !t.unavailable
	if lost {
		t.unavailable = true
	}
	failures := t.failures
	t.mu.Unlock()

	log.Warn("fetch failed", logx.Int("failures", failures), logx.Duration("retry_in", step), logx.Err(err))
	eventbus.Publish(c.bus, eventbus.TypeFetchFailed, key)
	if lost {
		eventbus.Publish(c.bus, eventbus.TypeFeedLost, key)
		_ = c.out.Notice(ctx, c.reg.Subscribers(key), textUnavailable)
	}
	c.checkTimeout(ctx, t, cfg, now)
	return jitter(step, cfg.BackoffMax)
}

// checkTimeout finishes a live session that has gone quiet for FinishTimeout.
func (c *Controller) checkTimeout(ctx context.Context, t *Task, cfg Config, now time.Time) {
	t.mu.Lock()
	quiet := t.status == race.StatusLive && !t.lastData.IsZero() && now.Sub(t.lastData) >= cfg.FinishTimeout
	t.mu.Unlock()
	if quiet {
		c.finish(ctx, t, now, "no fresh data", c.log.With(logx.Int("session", t.Session().Key)))
	}
}

func (c *Controller) finish(ctx context.Context, t *Task, now time.Time, reason string, log logx.Logger) {
	t.mu.Lock()
	if t.status == race.StatusFinished {
		t.mu.Unlock()
		return
	}
	t.status = race.StatusFinished
	t.finishedAt = now
	t.mu.Unlock()

	key := t.Session().Key
	c.ledger.MarkFinished(ctx, key, now)
	log.Info("session finished", logx.String("reason", reason))
	eventbus.Publish(c.bus, eventbus.TypeSessionStatus, t.snapshot(0))
	_ = c.out.Notice(ctx, c.reg.Subscribers(key), "🏁 <b>Session finished</b>\n"+tgui.Esc(t.Session().Title()).String())
}

func (c *Controller) dashboard(ctx context.Context, t *Task, cfg Config, now time.Time) {
	if !cfg.Dashboard {
		return
	}
	t.mu.Lock()
	if !t.lastDash.IsZero() && now.Sub(t.lastDash) < cfg.DashboardInterval {
		t.mu.Unlock()
		return
	}
	t.lastDash = now
	drivers, flag := t.table.Present(), t.cls.Flag
	t.mu.Unlock()

	text := dispatch.RenderDashboard(t.Session(), drivers, flag, now, cfg.Location)
	for _, chat := range c.reg.Subscribers(t.Session().Key) {
		_ = c.out.Dashboard(ctx, chat, text)
	}
}

func interval(cfg Config, status race.SessionStatus) time.Duration {
	if status == race.StatusUpcoming {
		return cfg.IdleInterval
	}
	return cfg.PollInterval
}

// backoffStep is the unjittered delay after n consecutive failures.
func backoffStep(cfg Config, n int) time.Duration {
	d := cfg.BackoffBase
	for i := 1; i < n; i++ {
		d *= 2
		if d >= cfg.BackoffMax {
			return cfg.BackoffMax
		}
	}
	return min(d, cfg.BackoffMax)
}

func jitter(d, ceiling time.Duration) time.Duration {
	// 0.7..1.3
	j := time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return max(0, min(j, ceiling))
}
