package live

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/ksuid"

	"pitwall/internal/race"
)

// TaskState is the poll loop lifecycle. It only moves forward.
type TaskState int

const (
	TaskIdle TaskState = iota
	TaskPolling
	TaskStopped
)

func (s TaskState) String() string {
	switch s {
	case TaskIdle:
		return "idle"
	case TaskPolling:
		return "polling"
	case TaskStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// TaskStatus is a point-in-time view of a task for /status and tests.
type TaskStatus struct {
	RunID       string
	Session     race.Session
	State       TaskState
	Status      race.SessionStatus
	Subscribers int
	Cycles      uint64
	Failures    int
	Unavailable bool
	Seq         int64
	LastData    time.Time
	FinishedAt  time.Time
	StopReason  string
}

// Task polls one session. The committed table and classifier state are touched only
// by the loop goroutine; the mutex guards what Status reads.
type Task struct {
	runID   string
	session race.Session

	mu          sync.Mutex
	state       TaskState
	status      race.SessionStatus
	cycles      uint64
	failures    int
	ceilingHits int
	unavailable bool
	lastData    time.Time
	finishedAt  time.Time
	lastDash    time.Time
	stopReason  string
	cancel      context.CancelFunc
	done        chan struct{}

	table race.State
	cls   race.ClassifierState
}

func newTask(s race.Session, status race.SessionStatus) *Task {
	return &Task{
		runID:   ksuid.New().String(),
		session: s,
		status:  status,
		done:    make(chan struct{}),
	}
}

func (t *Task) RunID() string         { return t.runID }
func (t *Task) Session() race.Session { return t.session }

// Done is closed when the loop has exited.
func (t *Task) Done() <-chan struct{} { return t.done }

func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// transition applies a forward state change. Stopped is terminal, and Polling is
// entered only from Idle.
func (t *Task) transition(to TaskState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.state == TaskStopped:
		return false
	case to == TaskPolling && t.state != TaskIdle:
		return false
	case to <= t.state:
		return false
	}
	t.state = to
	return true
}

// stop requests the loop to exit. The first reason is kept.
func (t *Task) stop(reason string) {
	t.mu.Lock()
	if t.stopReason == "" {
		t.stopReason = reason
	}
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ending reports whether the task stopped or was asked to.
func (t *Task) ending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == TaskStopped || t.stopReason != ""
}

// recovered clears the failure streak and reports whether the feed had been
// declared unavailable.
func (t *Task) recovered() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := t.unavailable
	t.failures, t.ceilingHits, t.unavailable = 0, 0, false
	return was
}

func (t *Task) finishedFor(now time.Time) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != race.StatusFinished {
		return 0, false
	}
	return now.Sub(t.finishedAt), true
}

func (t *Task) snapshot(subscribers int) TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TaskStatus{
		RunID:       t.runID,
		Session:     t.session,
		State:       t.state,
		Status:      t.status,
		Subscribers: subscribers,
		Cycles:      t.cycles,
		Failures:    t.failures,
		Unavailable: t.unavailable,
		Seq:         t.table.Seq,
		LastData:    t.lastData,
		FinishedAt:  t.finishedAt,
		StopReason:  t.stopReason,
	}
}
