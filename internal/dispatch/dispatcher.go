package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pitwall/internal/eventbus"
	"pitwall/internal/race"
	rtsup "pitwall/internal/runtime/supervisor"
	kit "pitwall/internal/transport"
	logx "pitwall/pkg/logx"
)

var (
	ErrStopped   = errors.New("dispatcher stopped")
	ErrQueueFull = errors.New("dispatch queue full")
)

// DeliveryError is a failed delivery to one chat after all retries.
type DeliveryError struct {
	ChatID   int64
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to chat %d failed after %d attempts: %v", e.ChatID, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

type Config struct {
	MinInterval   time.Duration
	QueueSize     int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	CoalesceMax   int
	SendTimeout   time.Duration
}

// ChatStats are per-chat delivery counters.
type ChatStats struct {
	Delivered uint64    `json:"delivered"`
	Failed    uint64    `json:"failed"`
	Dropped   uint64    `json:"dropped"`
	Coalesced uint64    `json:"coalesced"`
	LastSent  time.Time `json:"last_sent"`
	LastError string    `json:"last_error,omitempty"`
}

// Delivery is published on the bus for sent, failed and dropped messages.
type Delivery struct {
	ChatID  int64     `json:"chat_id"`
	Session int       `json:"session,omitempty"`
	Keys    []string  `json:"keys,omitempty"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}

type item struct {
	text    string
	session int
	key     string
}

type dashboard struct {
	ref     kit.MessageRef
	text    string
	pending bool
}

type chatQueue struct {
	id      int64
	items   chan item
	kick    chan struct{}
	limiter *rate.Limiter
	dash    dashboard
}

// Dispatcher delivers rendered events to chats. Each chat has its own queue,
// worker and rate limiter, so a failing or slow chat never delays others.
//
// It is safe for concurrent use.
type Dispatcher struct {
	mu sync.Mutex

	log    logx.Logger
	sender kit.Sender
	bus    eventbus.Bus
	cfg    Config

	accepting bool
	sendWG    sync.WaitGroup
	sup       *rtsup.Supervisor
	chats     map[int64]*chatQueue

	smu   sync.Mutex
	stats map[int64]*ChatStats
}

func New(cfg Config, sender kit.Sender, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		log:    log,
		sender: sender,
		bus:    bus,
		chats:  map[int64]*chatQueue{},
		stats:  map[int64]*ChatStats{},
	}
	d.applyLocked(cfg)
	return d
}

func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.applyLocked(cfg)
	for _, q := range d.chats {
		q.limiter.SetLimit(rate.Every(d.cfg.MinInterval))
	}
	d.mu.Unlock()
}

func (d *Dispatcher) applyLocked(cfg Config) {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.CoalesceMax <= 0 {
		cfg.CoalesceMax = 5
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	d.cfg = cfg
}

// Start is idempotent.
func (d *Dispatcher) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sup != nil {
		return
	}
	d.sup = rtsup.New(ctx,
		rtsup.WithLogger(d.log.With(logx.String("comp", "dispatch"))),
		// one chat's failures must not stop the others
		rtsup.WithCancelOnError(false),
	)
	d.accepting = true
}

// Stop stops intake and lets workers drain their queues until ctx expires.
func (d *Dispatcher) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	sup := d.sup
	if sup == nil {
		d.mu.Unlock()
		return
	}
	d.accepting = false
	chats := d.chats
	d.chats = map[int64]*chatQueue{}
	d.sup = nil
	d.mu.Unlock()

	d.sendWG.Wait()
	for _, q := range chats {
		close(q.items)
	}
	if err := sup.Wait(ctx); err != nil && errors.Is(err, context.DeadlineExceeded) {
		d.log.Warn("dispatch drain timed out")
	}
	sup.Cancel()
}

// Dispatch renders ev once and enqueues it for every subscriber. It never
// blocks on delivery. A full queue drops the message for that chat only;
// ErrStopped means nothing was enqueued.
func (d *Dispatcher) Dispatch(ctx context.Context, session int, ev race.Event, subscribers []int64) error {
	text := Render(ev)
	if text == "" {
		return fmt.Errorf("no renderer for %T", ev)
	}
	return d.enqueue(ctx, subscribers, item{text: text, session: session, key: ev.Fingerprint()})
}

// Notice enqueues a system message (feed state, session finished).
func (d *Dispatcher) Notice(ctx context.Context, subscribers []int64, text string) error {
	return d.enqueue(ctx, subscribers, item{text: text})
}

func (d *Dispatcher) enqueue(ctx context.Context, chats []int64, it item) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	d.mu.Lock()
	if !d.accepting {
		d.mu.Unlock()
		return ErrStopped
	}
	d.sendWG.Add(1)
	queues := make([]*chatQueue, 0, len(chats))
	for _, id := range chats {
		queues = append(queues, d.queueLocked(id))
	}
	d.mu.Unlock()
	defer d.sendWG.Done()

	for _, q := range queues {
		select {
		case q.items <- it:
		default:
			d.bump(q.id, func(s *ChatStats) { s.Dropped++ })
			d.log.Warn("dispatch queue full, message dropped", logx.Int64("chat_id", q.id), logx.String("key", it.key))
			eventbus.Publish(d.bus, eventbus.TypeDispatchDrop, Delivery{ChatID: q.id, Session: it.session, Keys: keysOf(it), At: time.Now(), Error: ErrQueueFull.Error()})
		}
	}
	return nil
}

// Dashboard sets the latest dashboard text for a chat. Only the newest text is
// delivered; the first delivery sends a message and later ones edit it.
func (d *Dispatcher) Dashboard(ctx context.Context, chat int64, text string) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.accepting {
		return ErrStopped
	}
	q := d.queueLocked(chat)
	if q.dash.text == text && !q.dash.pending {
		return nil
	}
	q.dash.text = text
	q.dash.pending = true
	select {
	case q.kick <- struct{}{}:
	default:
	}
	return nil
}

// ResetDashboard forgets the chat's dashboard message so the next Dashboard
// call sends a fresh one.
func (d *Dispatcher) ResetDashboard(chat int64) {
	d.mu.Lock()
	if q, ok := d.chats[chat]; ok {
		q.dash = dashboard{}
	}
	d.mu.Unlock()
}

func (d *Dispatcher) Stats(chat int64) ChatStats {
	d.smu.Lock()
	defer d.smu.Unlock()
	if s, ok := d.stats[chat]; ok {
		return *s
	}
	return ChatStats{}
}

func (d *Dispatcher) AllStats() map[int64]ChatStats {
	d.smu.Lock()
	defer d.smu.Unlock()
	out := make(map[int64]ChatStats, len(d.stats))
	for id, s := range d.stats {
		out[id] = *s
	}
	return out
}

func (d *Dispatcher) bump(chat int64, fn func(*ChatStats)) {
	d.smu.Lock()
	s, ok := d.stats[chat]
	if !ok {
		s = &ChatStats{}
		d.stats[chat] = s
	}
	fn(s)
	d.smu.Unlock()
}

// queueLocked returns the chat queue, starting its worker on first use.
func (d *Dispatcher) queueLocked(chat int64) *chatQueue {
	if q, ok := d.chats[chat]; ok {
		return q
	}
	q := &chatQueue{
		id:      chat,
		items:   make(chan item, d.cfg.QueueSize),
		kick:    make(chan struct{}, 1),
		limiter: rate.NewLimiter(rate.Every(d.cfg.MinInterval), 1),
	}
	d.chats[chat] = q
	d.sup.Go0("chat."+strconv.FormatInt(chat, 10), func(ctx context.Context) {
		d.worker(ctx, q)
	})
	return q
}

func (d *Dispatcher) worker(ctx context.Context, q *chatQueue) {
	for {
		select {
		case <-ctx.Done():
			return
		case it, ok := <-q.items:
			if !ok {
				return
			}
			if err := q.limiter.Wait(ctx); err != nil {
				return
			}
			batch := d.coalesce(q, it)
			d.deliver(ctx, q.id, batch)
		case <-q.kick:
			if err := q.limiter.Wait(ctx); err != nil {
				return
			}
			d.flushDashboard(ctx, q)
		}
	}
}

// coalesce drains up to CoalesceMax-1 backlogged items into one send.
func (d *Dispatcher) coalesce(q *chatQueue, first item) []item {
	d.mu.Lock()
	limit := d.cfg.CoalesceMax
	d.mu.Unlock()

	batch := []item{first}
	for len(batch) < limit {
		select {
		case it, ok := <-q.items:
			if !ok {
				return batch
			}
			batch = append(batch, it)
		default:
			return batch
		}
	}
	return batch
}

func (d *Dispatcher) deliver(ctx context.Context, chat int64, batch []item) {
	texts := make([]string, 0, len(batch))
	for _, it := range batch {
		texts = append(texts, it.text)
	}
	text := strings.Join(texts, "\n\n")
	to := kit.ChatTarget{ChatID: chat}

	attempts, err := d.withRetry(ctx, chat, func(c context.Context) error {
		_, err := d.sender.SendText(c, to, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
		return err
	})
	now := time.Now()
	ev := Delivery{ChatID: chat, Session: batch[0].session, Keys: keysOf(batch...), At: now}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		derr := &DeliveryError{ChatID: chat, Attempts: attempts, Err: err}
		d.bump(chat, func(s *ChatStats) {
			s.Failed += uint64(len(batch))
			s.LastError = err.Error()
		})
		d.log.Warn("dispatch failed, message dropped", logx.Int64("chat_id", chat), logx.Int("attempts", attempts), logx.Int("messages", len(batch)), logx.Err(err))
		ev.Error = derr.Error()
		eventbus.Publish(d.bus, eventbus.TypeDispatchFailed, ev)
		return
	}
	d.bump(chat, func(s *ChatStats) {
		s.Delivered += uint64(len(batch))
		s.Coalesced += uint64(len(batch) - 1)
		s.LastSent = now
	})
	eventbus.Publish(d.bus, eventbus.TypeDispatchSent, ev)
}

func (d *Dispatcher) flushDashboard(ctx context.Context, q *chatQueue) {
	d.mu.Lock()
	if !q.dash.pending {
		d.mu.Unlock()
		return
	}
	text, ref := q.dash.text, q.dash.ref
	q.dash.pending = false
	d.mu.Unlock()

	opt := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
	if ref.MessageID != 0 {
		_, err := d.withRetry(ctx, q.id, func(c context.Context) error {
			return d.sender.EditText(c, ref, text, opt)
		})
		if err == nil {
			return
		}
		if strings.Contains(err.Error(), "message is not modified") {
			return
		}
		d.log.Debug("dashboard edit failed, sending a new message", logx.Int64("chat_id", q.id), logx.Err(err))
	}

	var sent kit.MessageRef
	_, err := d.withRetry(ctx, q.id, func(c context.Context) error {
		r, err := d.sender.SendText(c, kit.ChatTarget{ChatID: q.id}, text, opt)
		sent = r
		return err
	})
	if err != nil {
		d.log.Warn("dashboard send failed", logx.Int64("chat_id", q.id), logx.Err(err))
		return
	}
	d.mu.Lock()
	q.dash.ref = sent
	d.mu.Unlock()
}

// withRetry runs fn up to 1+RetryMax times with jittered exponential backoff.
func (d *Dispatcher) withRetry(ctx context.Context, chat int64, fn func(context.Context) error) (int, error) {
	d.mu.Lock()
	cfg := d.cfg
	d.mu.Unlock()

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return attempt, nil
		}
		lastErr = err
		d.log.Debug("dispatch send failed", logx.Int64("chat_id", chat), logx.Int("attempt", attempt), logx.Int("max", maxAttempts), logx.Err(err))
		if attempt >= maxAttempts {
			return attempt, lastErr
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return attempt, ctx.Err()
		}
	}
	return maxAttempts, lastErr
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1 (first attempt), delay is for the NEXT attempt.
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	return min(d, maxD)
}

func keysOf(items ...item) []string {
	var out []string
	for _, it := range items {
		if it.key != "" {
			out = append(out, it.key)
		}
	}
	return out
}
