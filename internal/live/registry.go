package live

import (
	"slices"
	"sync"

	"github.com/samber/lo"

	"pitwall/internal/race"
)

// Registry maps sessions to their poll task and chats to the session they follow.
// A chat follows at most one session. It is owned by one Controller.
type Registry struct {
	mu         sync.RWMutex
	tasks      map[int]*Task
	chats      map[int64]int
	commentary map[int64]bool
}

func NewRegistry() *Registry {
	return &Registry{
		tasks:      map[int]*Task{},
		chats:      map[int64]int{},
		commentary: map[int64]bool{},
	}
}

func (r *Registry) Task(session int) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[session]
	return t, ok
}

// SessionOf returns the session a chat follows.
func (r *Registry) SessionOf(chat int64) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.chats[chat]
	return s, ok
}

// Tasks returns all registered tasks ordered by session key.
func (r *Registry) Tasks() []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := lo.Values(r.tasks)
	slices.SortFunc(out, func(a, b *Task) int { return a.Session().Key - b.Session().Key })
	return out
}

// Subscribers returns the chats following a session, sorted.
func (r *Registry) Subscribers(session int) []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subscribersLocked(session)
}

func (r *Registry) subscribersLocked(session int) []int64 {
	var out []int64
	for chat, s := range r.chats {
		if s == session {
			out = append(out, chat)
		}
	}
	slices.Sort(out)
	return out
}

// Audience returns the chats an event goes to. Race control commentary only reaches
// chats that turned it on; every other event reaches all subscribers.
func (r *Registry) Audience(session int, ev race.Event) []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs := r.subscribersLocked(session)
	if _, ok := ev.(race.RaceControl); !ok {
		return subs
	}
	return lo.Filter(subs, func(chat int64, _ int) bool { return r.commentary[chat] })
}

// Commentary reports whether race control commentary is on for a chat.
func (r *Registry) Commentary(chat int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.commentary[chat]
}

// ToggleCommentary flips the commentary switch of a chat and returns the new value.
func (r *Registry) ToggleCommentary(chat int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	on := !r.commentary[chat]
	if on {
		r.commentary[chat] = true
	} else {
		delete(r.commentary, chat)
	}
	return on
}

// add registers a task. An existing task for the same session is returned instead.
func (r *Registry) add(t *Task) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := t.Session().Key
	if cur, ok := r.tasks[key]; ok && !cur.ending() {
		return cur, false
	}
	r.tasks[key] = t
	return t, true
}

// attach points a chat at a session and returns the session it followed before.
func (r *Registry) attach(chat int64, session int) (prev int, moved bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, had := r.chats[chat]
	r.chats[chat] = session
	return prev, had && prev != session
}

// detach removes a chat. last is true when the session has no subscribers left.
func (r *Registry) detach(chat int64) (session int, last bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok = r.chats[chat]
	if !ok {
		return 0, false, false
	}
	delete(r.chats, chat)
	return session, len(r.subscribersLocked(session)) == 0, true
}

// remove drops a task and releases its chats, if t is still the registered task.
func (r *Registry) remove(t *Task) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := t.Session().Key
	if cur, ok := r.tasks[key]; !ok || cur != t {
		return nil
	}
	delete(r.tasks, key)
	subs := r.subscribersLocked(key)
	for _, chat := range subs {
		delete(r.chats, chat)
	}
	return subs
}
