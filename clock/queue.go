package clock

import (
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

// Key identifies a deferred task. Owner is the peer id the task belongs to,
// so that removing a peer can cancel everything it scheduled.
type Key struct {
	Owner int32
	Name  string
}

type task struct {
	key Key
	due time.Time
	seq uint64
	run func()
}

// Queue holds deferred tasks keyed by owner and name. It is not safe for
// concurrent use: it lives on the same logical thread as the roster.
type Queue struct {
	tasks map[Key]*task
	seq   uint64
}

// NewQueue creates an empty deferred task queue.
func NewQueue() *Queue {
	return &Queue{tasks: make(map[Key]*task)}
}

// Schedule arms fn to run once at or after due. A task already scheduled
// under the same key is replaced.
func (q *Queue) Schedule(key Key, due time.Time, fn func()) {
	if fn == nil {
		return
	}
	q.seq++
	q.tasks[key] = &task{key: key, due: due, seq: q.seq, run: fn}

	logrus.WithFields(logrus.Fields{
		"function": "Schedule",
		"owner":    key.Owner,
		"name":     key.Name,
		"due":      due,
	}).Debug("Deferred task scheduled")
}

// Cancel drops the task under key. It reports whether a task was pending.
func (q *Queue) Cancel(key Key) bool {
	if _, ok := q.tasks[key]; !ok {
		return false
	}
	delete(q.tasks, key)
	return true
}

// CancelOwner drops every task belonging to owner and returns how many were dropped.
func (q *Queue) CancelOwner(owner int32) int {
	n := 0
	for key := range q.tasks {
		if key.Owner == owner {
			delete(q.tasks, key)
			n++
		}
	}
	return n
}

// Pending reports whether a task is scheduled under key.
func (q *Queue) Pending(key Key) bool {
	_, ok := q.tasks[key]
	return ok
}

// Len returns the number of pending tasks.
func (q *Queue) Len() int {
	return len(q.tasks)
}

// Next returns the earliest due time, if any task is pending.
func (q *Queue) Next() (time.Time, bool) {
	var next time.Time
	found := false
	for _, t := range q.tasks {
		if !found || t.due.Before(next) {
			next = t.due
			found = true
		}
	}
	return next, found
}

// RunDue runs every task due at or before now, earliest first, and returns
// how many ran. Tasks scheduled by a running task are not run in the same pass.
func (q *Queue) RunDue(now time.Time) int {
	due := make([]*task, 0, len(q.tasks))
	for _, t := range q.tasks {
		if !t.due.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].due.Equal(due[j].due) {
			return due[i].seq < due[j].seq
		}
		return due[i].due.Before(due[j].due)
	})

	ran := 0
	for _, t := range due {
		// A previous task in this pass may have cancelled or replaced this one.
		if cur, ok := q.tasks[t.key]; !ok || cur != t {
			continue
		}
		delete(q.tasks, t.key)
		t.run()
		ran++
	}
	return ran
}
