package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"pitwall/internal/eventbus"
	logx "pitwall/pkg/logx"
)

var ErrDuplicateJob = errors.New("scheduler: duplicate job")

type Config struct {
	Enabled  bool
	Timezone string
}

// Job is a scheduled housekeeping function.
type Job func(ctx context.Context) error

// JobInfo is a point-in-time view of a registered job.
type JobInfo struct {
	Name     string
	Schedule string
	Timeout  time.Duration
	Next     time.Time
	LastRun  time.Time
	LastErr  string
	Runs     uint64
	Skipped  uint64
}

// JobResult is published on the bus after every run.
type JobResult struct {
	Name  string
	Took  time.Duration
	Error string
}

type job struct {
	name    string
	spec    ParsedSpec
	timeout time.Duration
	fn      Job
	entry   cron.EntryID
	running atomic.Bool
	runs    atomic.Uint64
	skipped atomic.Uint64

	mu      sync.Mutex
	lastRun time.Time
	lastErr string
}

// Service triggers registered jobs on cron or interval schedules. A job that is
// still running when its next tick fires is skipped.
type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	parser cron.Parser
	c      *cron.Cron
	loc    *time.Location
	ctx    context.Context
	cancel context.CancelFunc
	jobs   []*job
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		bus: bus,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c != nil && oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.restartLocked()
	}
}

// Add registers a job. Jobs added after Start are scheduled immediately.
func (s *Service) Add(name, schedule string, timeout time.Duration, fn Job) error {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	if ps.Kind == SpecCron {
		if _, err := s.parser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("job %s: invalid cron %q: %w", name, ps.Cron, err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.ContainsFunc(s.jobs, func(j *job) bool { return j.name == name }) {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}
	j := &job{name: name, spec: ps, timeout: timeout, fn: fn}
	s.jobs = append(s.jobs, j)
	if s.c != nil {
		return s.scheduleLocked(j)
	}
	return nil
}

// Start begins triggering. It is a no-op when disabled or already started.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.startLocked()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// RunNow runs a job synchronously, honoring the overlap guard.
func (s *Service) RunNow(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	var j *job
	if idx := slices.IndexFunc(s.jobs, func(j *job) bool { return j.name == name }); idx >= 0 {
		j = s.jobs[idx]
	}
	s.mu.Unlock()
	if j == nil {
		return false, fmt.Errorf("scheduler: unknown job %s", name)
	}
	return s.run(ctx, j)
}

// Snapshot lists registered jobs in registration order.
func (s *Service) Snapshot() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		info := JobInfo{
			Name:     j.name,
			Schedule: j.spec.Spec(),
			Timeout:  j.timeout,
			Runs:     j.runs.Load(),
			Skipped:  j.skipped.Load(),
		}
		j.mu.Lock()
		info.LastRun, info.LastErr = j.lastRun, j.lastErr
		j.mu.Unlock()
		if s.c != nil && j.entry != 0 {
			info.Next = s.c.Entry(j.entry).Next
		}
		out = append(out, info)
	}
	return out
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cronLogger{s.log})),
	)
	for _, j := range s.jobs {
		if err := s.scheduleLocked(j); err != nil {
			s.log.Warn("job not scheduled", logx.String("job", j.name), logx.Err(err))
		}
	}
	s.c.Start()
}

func (s *Service) restartLocked() {
	old := s.c
	s.c = nil
	for _, j := range s.jobs {
		j.entry = 0
	}
	go func() { <-old.Stop().Done() }()
	s.startLocked()
	s.log.Info("service restarted", logx.String("tz", s.loc.String()))
}

func (s *Service) scheduleLocked(j *job) error {
	id, err := s.c.AddFunc(j.spec.Spec(), func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil {
			return
		}
		_, _ = s.run(ctx, j)
	})
	if err != nil {
		return err
	}
	j.entry = id
	return nil
}

// run executes j unless it is already running. It reports whether j ran.
func (s *Service) run(ctx context.Context, j *job) (bool, error) {
	if !j.running.CompareAndSwap(false, true) {
		j.skipped.Add(1)
		s.log.Debug("job still running, tick skipped", logx.String("job", j.name))
		return false, nil
	}
	defer j.running.Store(false)

	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}
	start := time.Now()
	err := j.fn(ctx)
	took := time.Since(start)
	j.runs.Add(1)

	res := JobResult{Name: j.name, Took: took}
	j.mu.Lock()
	j.lastRun = start
	j.lastErr = ""
	if err != nil {
		j.lastErr = err.Error()
		res.Error = j.lastErr
	}
	j.mu.Unlock()

	if err != nil {
		s.log.Warn("job failed", logx.String("job", j.name), logx.Duration("took", took), logx.Err(err))
	} else {
		s.log.Debug("job done", logx.String("job", j.name), logx.Duration("took", took))
	}
	eventbus.Publish(s.bus, eventbus.TypeJobFinished, res)
	return true, err
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// cronLogger routes robfig/cron diagnostics into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, fields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(fields(kv), logx.Err(err))...)
}

func fields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
