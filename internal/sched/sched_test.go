package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nucleuskernel/internal/defs"
)

// waitFor polls until cond is true or the deadline passes, to synchronize
// with goroutine-backed threads without a real scheduler to single-step.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.Fail(t, "condition never became true")
}

// TestYieldRunsBothThreads exercises the run queue: two threads that each
// yield once must both complete, in the order they were made runnable.
func TestYieldRunsBothThreads(t *testing.T) {
	core := NewCore()
	var order []int
	done := make(chan struct{})

	first := NewThread(1, func(th *Thread) {
		order = append(order, 1)
		th.Yield()
		th.Exit(0)
	})
	second := NewThread(2, func(th *Thread) {
		order = append(order, 2)
		close(done)
		th.Exit(0)
	})

	boot := NewThread(0, func(th *Thread) {
		core.Spawn(first)
		core.Spawn(second)
		th.Exit(0)
	})
	core.Boot(boot)

	<-done
	assert.Equal(t, []int{1, 2}, order)
}

// TestCancellableSleepCancel: a thread
// sleeping cancellably on a queue is cancelled by another thread, wakes
// with EINTR, and is off the queue.
func TestCancellableSleepCancel(t *testing.T) {
	core := NewCore()
	q := NewQueue()
	var sleeperErr defs.Err_t
	var sleeper *Thread
	ready := make(chan struct{})
	done := make(chan struct{})

	sleeper = NewThread(1, func(th *Thread) {
		close(ready)
		sleeperErr = th.CancellableSleepOn(q)
		close(done)
		th.Exit(0)
	})

	boot := NewThread(0, func(th *Thread) {
		core.Spawn(sleeper)
		th.Exit(0)
	})
	core.Boot(boot)

	<-ready
	waitFor(t, func() bool { return q.Len() == 1 })

	canceller := NewThread(2, func(th *Thread) {
		Cancel(sleeper)
		th.Exit(0)
	})
	core2 := NewCore()
	bootC := NewThread(0, func(th *Thread) {
		core2.Spawn(canceller)
		th.Exit(0)
	})
	core2.Boot(bootC)

	<-done
	assert.Equal(t, defs.EINTR, sleeperErr)
	assert.Equal(t, 0, q.Len())
}

// TestCancelAlreadyCancelledReturnsImmediately: a thread marked cancelled
// before it ever sleeps returns EINTR without blocking.
func TestCancelAlreadyCancelledReturnsImmediately(t *testing.T) {
	core := NewCore()
	q := NewQueue()
	var ret defs.Err_t
	done := make(chan struct{})

	th := NewThread(1, func(t *Thread) {
		ret = t.CancellableSleepOn(q)
		close(done)
		t.Exit(0)
	})
	th.Cancelled = true

	boot := NewThread(0, func(t *Thread) {
		core.Spawn(th)
		t.Exit(0)
	})
	core.Boot(boot)

	<-done
	assert.Equal(t, defs.EINTR, ret)
	assert.Equal(t, 0, q.Len())
}

// TestBroadcastWakesAll: three threads
// sleep uninterruptibly on the same queue; broadcast wakes all three and
// leaves the queue empty.
func TestBroadcastWakesAll(t *testing.T) {
	core := NewCore()
	q := NewQueue()
	var woke [3]bool
	var wg = make(chan struct{}, 3)

	mk := func(i int) *Thread {
		return NewThread(defs.Tid_t(i+1), func(th *Thread) {
			th.SleepOn(q)
			woke[i] = true
			wg <- struct{}{}
			th.Exit(0)
		})
	}

	threads := []*Thread{mk(0), mk(1), mk(2)}
	boot := NewThread(0, func(th *Thread) {
		for _, s := range threads {
			core.Spawn(s)
		}
		th.Exit(0)
	})
	core.Boot(boot)

	waitFor(t, func() bool { return q.Len() == 3 })

	BroadcastOn(q)

	for i := 0; i < 3; i++ {
		<-wg
	}
	assert.Equal(t, [3]bool{true, true, true}, woke)
	assert.Equal(t, 0, q.Len())
}

// TestWakeupOnDequeuesOne confirms wakeup_on only ever removes a single
// waiter and is a no-op on an empty queue.
func TestWakeupOnDequeuesOne(t *testing.T) {
	core := NewCore()
	q := NewQueue()
	woke := make(chan int, 2)

	mk := func(i int) *Thread {
		return NewThread(defs.Tid_t(i+1), func(th *Thread) {
			th.SleepOn(q)
			woke <- i
			th.Exit(0)
		})
	}
	a, b := mk(0), mk(1)
	boot := NewThread(0, func(th *Thread) {
		core.Spawn(a)
		core.Spawn(b)
		th.Exit(0)
	})
	core.Boot(boot)

	waitFor(t, func() bool { return q.Len() == 2 })

	assert.Nil(t, WakeupOn(NewQueue()))

	woken := WakeupOn(q)
	require.NotNil(t, woken)
	<-woke
	assert.Equal(t, 1, q.Len())

	BroadcastOn(q)
	<-woke
}

// TestMakeRunnableOnCurrentPanics exercises MakeRunnable's precondition:
// it must never be called on the current thread.
func TestMakeRunnableOnCurrentPanics(t *testing.T) {
	core := NewCore()
	done := make(chan struct{})
	var panicked bool
	th := NewThread(1, func(t *Thread) {
		func() {
			defer func() {
				if recover() != nil {
					panicked = true
				}
			}()
			core.MakeRunnable(t)
		}()
		close(done)
		t.Exit(0)
	})
	boot := NewThread(0, func(t *Thread) {
		core.Spawn(th)
		t.Exit(0)
	})
	core.Boot(boot)
	<-done
	assert.True(t, panicked)
}
