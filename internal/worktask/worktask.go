// Package worktask implements the server's deferred work tasks: callbacks
// that run either at a deadline or when an asynchronous reply arrives.
//
// Callbacks always run with the scheduler's loop lock held, which is the
// same lock every other server decision takes. Cancel and List.CancelAll
// must be called with that lock held too; a cancelled task never fires.
package worktask

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Kind says what arms a task.
type Kind int

const (
	// Timed tasks fire at an absolute deadline.
	Timed Kind = iota
	// Event tasks fire when Dispatch delivers their reply.
	Event
)

func (k Kind) String() string {
	if k == Timed {
		return "timed"
	}
	return "event"
}

// Func is a task callback.
type Func func(t *Task)

// Task is one deferred unit of work.
type Task struct {
	Kind     Kind
	Deadline time.Time
	// Parm is the callback's primary argument.
	Parm any
	// Aux is extra per-dispatch context.
	Aux any
	// Reply is the reply code delivered to an Event task.
	Reply int

	fn    Func
	sched *Scheduler
	timer clock.Timer
	owner *List
	done  bool
}

// Pending reports whether the task can still fire.
func (t *Task) Pending() bool {
	return !t.done
}

// Link adds the task to an owner's list so the owner can cancel it.
func (t *Task) Link(l *List) {
	if t.owner != nil {
		t.owner.remove(t)
	}
	t.owner = l
	l.tasks = append(l.tasks, t)
}

// Cancel stops the task; its callback will not run.
// It reports whether the task was still pending.
func (t *Task) Cancel() bool {
	if t.done {
		return false
	}
	t.finish()
	return true
}

func (t *Task) finish() {
	t.done = true
	if t.timer != nil {
		t.timer.Stop()
	}
	if t.owner != nil {
		t.owner.remove(t)
		t.owner = nil
	}
}

// List is the set of tasks linked to one owner (a job).
type List struct {
	tasks []*Task
}

// Len is the number of linked tasks.
func (l *List) Len() int {
	return len(l.tasks)
}

// CancelAll cancels every linked task and returns how many were pending.
func (l *List) CancelAll() int {
	n := 0
	for len(l.tasks) > 0 {
		if l.tasks[0].Cancel() {
			n++
		}
	}
	return n
}

func (l *List) remove(t *Task) {
	for i, lt := range l.tasks {
		if lt == t {
			l.tasks = append(l.tasks[:i], l.tasks[i+1:]...)
			return
		}
	}
}

// Scheduler creates tasks and runs their callbacks under loop.
type Scheduler struct {
	clock clock.WithDelayedExecution
	loop  sync.Locker
}

// NewScheduler returns a scheduler driven by clk whose callbacks run with
// loop held.
func NewScheduler(clk clock.WithDelayedExecution, loop sync.Locker) *Scheduler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Scheduler{clock: clk, loop: loop}
}

// Now is the scheduler's current time.
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// SetTimed arms fn to run at deadline.
func (s *Scheduler) SetTimed(deadline time.Time, fn Func, parm any) *Task {
	t := &Task{Kind: Timed, Deadline: deadline, Parm: parm, fn: fn, sched: s}
	t.timer = s.clock.AfterFunc(deadline.Sub(s.clock.Now()), func() {
		s.loop.Lock()
		defer s.loop.Unlock()
		s.run(t)
	})
	return t
}

// SetEvent creates a task that runs fn when Dispatch delivers a reply.
func (s *Scheduler) SetEvent(fn Func, parm, aux any) *Task {
	return &Task{Kind: Event, Parm: parm, Aux: aux, fn: fn, sched: s}
}

// Dispatch delivers reply to an Event task and runs it under the loop lock.
// It must not be called with the loop lock held; it reports whether the
// callback ran.
func (s *Scheduler) Dispatch(t *Task, reply int) bool {
	s.loop.Lock()
	defer s.loop.Unlock()
	t.Reply = reply
	return s.run(t)
}

func (s *Scheduler) run(t *Task) bool {
	if t.done {
		return false
	}
	t.finish()
	t.fn(t)
	return true
}
