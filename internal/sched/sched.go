// Package sched implements the cooperative thread scheduler: run/wait
// queues, voluntary and cancellable sleep, broadcast wakeup, and the switch
// primitive that moves a thread off the (single, cooperative) CPU.
//
// A bare-metal kernel implements context switching with stack swapping and
// a real interrupt controller; neither exists in portable Go. This package
// maps one kernel Thread onto one goroutine and implements "context switch"
// as baton-passing over a per-thread channel, serialized by the Core's
// mutex the way a real kernel serializes run-queue mutation by masking
// interrupts. The net effect is the same cooperative discipline: exactly
// one thread ever runs kernel code at a time, and Yield, SleepOn,
// CancellableSleepOn, and Exit are the only places a thread can stop
// running.
package sched

import (
	"container/list"
	"sync"

	"nucleuskernel/internal/defs"
)

// State is a thread's position in the scheduler state machine.
type State int

const (
	NoState State = iota
	Runnable
	OnCPU
	Sleep
	SleepCancellable
	Exited
)

// Thread is the scheduler's view of a kernel thread. The process supervisor
// (package proc) embeds a *Thread per process; this package knows nothing
// about processes.
type Thread struct {
	Tid       defs.Tid_t
	State     State
	Cancelled bool
	Retval    int

	// Preempt is the preemption-disable nesting count: interrupt-driven
	// wakeups must not recursively invoke the scheduler while it is
	// nonzero. This kernel has no real interrupts, so it is enforced
	// only as an invariant check.
	Preempt int

	core    *Core
	resume  chan struct{}
	onQueue *Queue
	elem    *list.Element

	// Body is invoked on the thread's goroutine once it is first
	// scheduled. It must return by calling Exit.
	Body func(t *Thread)
}

// NewThread allocates a NO_STATE thread; it becomes eligible to run only
// after MakeRunnable.
func NewThread(tid defs.Tid_t, body func(t *Thread)) *Thread {
	return &Thread{Tid: tid, State: NoState, Body: body, resume: make(chan struct{}, 1)}
}

// Core is a single cooperative CPU: a run queue plus the mutex and
// condition variable that serialize every queue mutation, standing in for
// interrupt masking around queue operations.
type Core struct {
	mu   sync.Mutex
	cond *sync.Cond
	runq *Queue
	cur  *Thread
}

// NewCore returns an idle core with an empty run queue.
func NewCore() *Core {
	c := &Core{runq: NewQueue()}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Current returns the thread presently ON_CPU, or nil if the core is idle.
func (c *Core) Current() *Thread {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

// Spawn creates and starts t's goroutine, then makes it runnable. This is
// the scheduler-level half of thread creation; package proc layers process
// semantics (address space, descriptors) on top.
func (c *Core) Spawn(t *Thread) {
	t.core = c
	go func() {
		<-t.resume
		t.Body(t)
	}()
	c.MakeRunnable(t)
}

// Boot starts the core with t already ON_CPU, bypassing MakeRunnable and
// the switch path entirely: the very first thread has no predecessor to
// switch away from.
func (c *Core) Boot(t *Thread) {
	t.core = c
	t.State = OnCPU
	c.cur = t
	go func() {
		<-t.resume
		t.Body(t)
	}()
	t.resume <- struct{}{}
}

// MakeRunnable enqueues t on the run queue. Precondition: t is not the
// current thread and not already ON_CPU.
func (c *Core) MakeRunnable(t *Thread) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t == c.cur {
		panic("make_runnable on current thread")
	}
	if t.State == OnCPU {
		panic("make_runnable on an ON_CPU thread")
	}
	t.State = Runnable
	c.runq.PushBack(t)
	c.cond.Signal()
}

// switchLocked performs the deposit-then-dequeue-then-resume dance at the
// heart of the scheduler: the outgoing thread lands on its deposit queue
// before anything can observe it there, then the next RUNNABLE thread takes
// the CPU. Called with c.mu held; it releases the lock before blocking or
// returning.
func (c *Core) switchLocked(outgoing *Thread, deposit *Queue) {
	if outgoing.Preempt != 0 {
		panic("context switch with preemption disabled")
	}
	if deposit != nil {
		deposit.PushBack(outgoing)
	}
	next := c.runq.PopFront()
	for next == nil {
		// "halts awaiting interrupt": block until some other goroutine
		// (another thread, or an external wakeup) pushes work and
		// signals the condition variable. This *is* the idle loop, and
		// while it waits no thread is current.
		c.cur = nil
		c.cond.Wait()
		next = c.runq.PopFront()
	}
	next.State = OnCPU
	c.cur = next
	if next == outgoing {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	next.resume <- struct{}{}
	<-outgoing.resume
}

// Yield voluntarily gives up the CPU. Precondition: current is ON_CPU.
func (t *Thread) Yield() {
	c := t.core
	c.mu.Lock()
	if t.State != OnCPU {
		c.mu.Unlock()
		panic("yield: not ON_CPU")
	}
	t.State = Runnable
	c.switchLocked(t, c.runq)
}

// SleepOn is the uninterruptible sleep primitive: t goes to SLEEP and is
// deposited on q. Only wakeup_on/broadcast_on can return it to RUNNABLE.
func (t *Thread) SleepOn(q *Queue) {
	c := t.core
	c.mu.Lock()
	if t.State != OnCPU {
		c.mu.Unlock()
		panic("sleep_on: not ON_CPU")
	}
	t.State = Sleep
	c.switchLocked(t, q)
}

// CancellableSleepOn sleeps on q but can be aborted by another thread
// calling Cancel(t). Returns EINTR if cancelled (either before blocking or
// upon wakeup via cancellation), 0 otherwise.
func (t *Thread) CancellableSleepOn(q *Queue) defs.Err_t {
	c := t.core
	c.mu.Lock()
	if t.Cancelled {
		c.mu.Unlock()
		return defs.EINTR
	}
	if t.State != OnCPU {
		c.mu.Unlock()
		panic("cancellable_sleep_on: not ON_CPU")
	}
	t.State = SleepCancellable
	c.switchLocked(t, q)
	if t.Cancelled {
		return defs.EINTR
	}
	return 0
}

// WakeupOn dequeues and reschedules one thread from q, if any is waiting.
func WakeupOn(q *Queue) *Thread {
	if q.Len() == 0 {
		return nil
	}
	t := q.PopFront()
	if t == nil {
		return nil
	}
	t.core.MakeRunnable(t)
	return t
}

// BroadcastOn wakes every thread currently waiting on q.
func BroadcastOn(q *Queue) {
	for {
		if WakeupOn(q) == nil {
			return
		}
	}
}

// Cancel marks t cancelled. If t is cancellably asleep it is pulled off its
// wait channel and rescheduled immediately; an uninterruptible sleeper, or
// a thread that simply hasn't checked yet, is only flagged.
func Cancel(t *Thread) {
	c := t.core
	c.mu.Lock()
	t.Cancelled = true
	if t.State == SleepCancellable {
		q := t.onQueue
		if q != nil {
			q.Remove(t)
		}
		t.State = Runnable
		c.runq.PushBack(t)
		c.cond.Signal()
	}
	c.mu.Unlock()
}

// Exit transitions t to EXITED and switches away with no deposit target —
// the thread is never scheduled again; it is destroyed only by another
// thread reaping its process (package proc).
func (t *Thread) Exit(retval int) {
	c := t.core
	c.mu.Lock()
	if t.State != OnCPU {
		c.mu.Unlock()
		panic("exit: not ON_CPU")
	}
	t.Retval = retval
	t.State = Exited
	c.switchLocked(t, nil)
}
