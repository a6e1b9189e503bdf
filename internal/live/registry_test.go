package live

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"pitwall/internal/race"
)

func TestTaskStateOnlyMovesForward(t *testing.T) {
	t.Parallel()

	task := newTask(race.Session{Key: 1}, race.StatusUpcoming)
	if !task.transition(TaskPolling) {
		t.Fatalf("idle -> polling refused")
	}
	if task.transition(TaskPolling) {
		t.Fatalf("polling re-entered")
	}
	if !task.transition(TaskStopped) {
		t.Fatalf("polling -> stopped refused")
	}
	if task.transition(TaskPolling) || task.transition(TaskIdle) {
		t.Fatalf("stopped task left the terminal state")
	}
	if got := task.State(); got != TaskStopped {
		t.Fatalf("state = %v, want stopped", got)
	}
}

func TestRegistryMovesChatBetweenSessions(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	a, _ := r.add(newTask(race.Session{Key: 10}, race.StatusLive))
	r.add(newTask(race.Session{Key: 20}, race.StatusLive))

	r.attach(1, 10)
	r.attach(2, 10)
	if prev, moved := r.attach(1, 20); !moved || prev != 10 {
		t.Fatalf("attach = (%d, %v), want (10, true)", prev, moved)
	}
	if diff := cmp.Diff([]int64{2}, r.Subscribers(10)); diff != "" {
		t.Fatalf("session 10 subscribers (-want +got):\n%s", diff)
	}

	session, last, ok := r.detach(2)
	if !ok || session != 10 || !last {
		t.Fatalf("detach = (%d, %v, %v), want (10, true, true)", session, last, ok)
	}
	if got := r.remove(a); len(got) != 0 {
		t.Fatalf("remove released %v, want none", got)
	}
	if _, ok := r.Task(10); ok {
		t.Fatalf("task 10 still registered")
	}
	if s, _ := r.SessionOf(1); s != 20 {
		t.Fatalf("chat 1 follows %d, want 20", s)
	}
}

func TestRegistryReplacesEndingTask(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	first, _ := r.add(newTask(race.Session{Key: 5}, race.StatusLive))
	if cur, added := r.add(newTask(race.Session{Key: 5}, race.StatusLive)); added || cur != first {
		t.Fatalf("second task for a running session was registered")
	}
	first.stop("test")
	second := newTask(race.Session{Key: 5}, race.StatusLive)
	if cur, added := r.add(second); !added || cur != second {
		t.Fatalf("ending task was not replaced")
	}
	if got := r.remove(first); got != nil {
		t.Fatalf("stale remove released %v", got)
	}
}
