package proc_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nucleuskernel/internal/defs"
	"nucleuskernel/internal/fd"
	"nucleuskernel/internal/mem"
	"nucleuskernel/internal/proc"
	"nucleuskernel/internal/sched"
	"nucleuskernel/internal/vm"
)

// runOnCore spawns a boot thread that runs fn and then exits, the same
// shape cmd/kernel/boot.go uses to kick init off: fn does its scheduling
// (Create/Fork calls only enqueue), and the boot thread's own Exit is what
// hands the CPU to whatever it just made runnable.
func runOnCore(core *sched.Core, fn func(th *sched.Thread)) {
	boot := sched.NewThread(0, func(th *sched.Thread) {
		fn(th)
		th.Exit(0)
	})
	core.Boot(boot)
}

// cooperativeWaitFor yields th repeatedly until cond is true. Plain
// wall-clock polling would never let the threads it's waiting on actually
// run, since nothing but Yield/SleepOn/Exit hands control to the run queue.
func cooperativeWaitFor(th *sched.Thread, cond func() bool) {
	for !cond() {
		th.Yield()
	}
}

// TestForkExitWaitpid: a child exits with a
// specific status, the parent's waitpid(-1) reaps it and observes that
// status, and a second waitpid call on the now-childless parent returns
// ECHILD.
func TestForkExitWaitpid(t *testing.T) {
	core := sched.NewCore()
	ptab := proc.NewPtable()
	done := make(chan struct{})

	var gotPid defs.Pid_t
	var gotStatus int
	var waitErr, secondErr defs.Err_t

	runOnCore(core, func(th *sched.Thread) {
		_, err := ptab.Create(nil, "parent", &fd.Cwd_t{}, mem.NewSimPageTable(), mem.NewSimAllocator(), core, func(p *proc.Process, pth *sched.Thread) {
			_, ferr := proc.Fork(p, mem.NewSimPageTable(), core, func(cp *proc.Process, cth *sched.Thread) {
				cp.ThreadExit(cth, 7)
			})
			require.Equal(t, defs.Err_t(0), ferr)

			gotPid, gotStatus, waitErr = proc.Waitpid(pth, p, -1, 0)
			_, _, secondErr = proc.Waitpid(pth, p, -1, 0)
			close(done)
			p.ThreadExit(pth, 0)
		})
		require.Equal(t, defs.Err_t(0), err)
	})

	<-done
	assert.Equal(t, defs.Err_t(0), waitErr)
	assert.Equal(t, 7, gotStatus)
	assert.Equal(t, defs.ECHILD, secondErr)
	assert.NotEqual(t, defs.Pid_t(0), gotPid)
}

// TestWaitpidSpecificPidIgnoresOtherChildren: waitpid for an exact pid
// returns ECHILD immediately when no child (zombie or not) has that pid,
// even though a different child exists.
func TestWaitpidSpecificPidIgnoresOtherChildren(t *testing.T) {
	core := sched.NewCore()
	ptab := proc.NewPtable()
	done := make(chan struct{})
	var err1 defs.Err_t

	runOnCore(core, func(th *sched.Thread) {
		_, err := ptab.Create(nil, "parent", &fd.Cwd_t{}, mem.NewSimPageTable(), mem.NewSimAllocator(), core, func(p *proc.Process, pth *sched.Thread) {
			child, ferr := proc.Fork(p, mem.NewSimPageTable(), core, func(cp *proc.Process, cth *sched.Thread) {
				cp.ThreadExit(cth, 0)
			})
			require.Equal(t, defs.Err_t(0), ferr)

			_, _, err1 = proc.Waitpid(pth, p, child.Pid+1000, 0)
			close(done)
			p.ThreadExit(pth, 0)
		})
		require.Equal(t, defs.Err_t(0), err)
	})

	<-done
	assert.Equal(t, defs.ECHILD, err1)
}

// TestWaitpidRejectsUnsupportedForms: Waitpid reserves pid == 0 and
// pid <= -2 (process-group waits) and any nonzero options for ENOTSUP,
// independent of whether the caller actually has matching children.
func TestWaitpidRejectsUnsupportedForms(t *testing.T) {
	core := sched.NewCore()
	ptab := proc.NewPtable()
	done := make(chan struct{})
	var errPidZero, errPidGroup, errOptions defs.Err_t

	runOnCore(core, func(th *sched.Thread) {
		_, err := ptab.Create(nil, "solo", &fd.Cwd_t{}, mem.NewSimPageTable(), mem.NewSimAllocator(), core, func(p *proc.Process, pth *sched.Thread) {
			_, _, errPidZero = proc.Waitpid(pth, p, 0, 0)
			_, _, errPidGroup = proc.Waitpid(pth, p, -2, 0)
			_, _, errOptions = proc.Waitpid(pth, p, -1, 1)
			close(done)
			p.ThreadExit(pth, 0)
		})
		require.Equal(t, defs.Err_t(0), err)
	})

	<-done
	assert.Equal(t, defs.ENOTSUP, errPidZero)
	assert.Equal(t, defs.ENOTSUP, errPidGroup)
	assert.Equal(t, defs.ENOTSUP, errOptions)
}

// TestOrphanReparentedToInit: a grandchild whose direct parent exits first
// is reparented to init (pid defs.PID_INIT) rather than left parentless.
func TestOrphanReparentedToInit(t *testing.T) {
	core := sched.NewCore()
	ptab := proc.NewPtable()
	done := make(chan struct{})
	var grandchildPid defs.Pid_t

	runOnCore(core, func(th *sched.Thread) {
		init, err := ptab.Create(nil, "init", &fd.Cwd_t{}, mem.NewSimPageTable(), mem.NewSimAllocator(), core, func(p *proc.Process, pth *sched.Thread) {
			_, ferr := proc.Fork(p, mem.NewSimPageTable(), core, func(mp *proc.Process, mth *sched.Thread) {
				gc, gerr := proc.Fork(mp, mem.NewSimPageTable(), core, func(gp *proc.Process, gth *sched.Thread) {
					gp.ThreadExit(gth, 0)
				})
				require.Equal(t, defs.Err_t(0), gerr)
				grandchildPid = gc.Pid
				// mid exits right away, orphaning gc before gc's own
				// body ever runs.
				mp.ThreadExit(mth, 0)
			})
			require.Equal(t, defs.Err_t(0), ferr)

			cooperativeWaitFor(pth, func() bool {
				gc, ok := ptab.Lookup(grandchildPid)
				return ok && gc.Parent != nil && gc.Parent.Pid == defs.PID_INIT
			})
			close(done)
			p.ThreadExit(pth, 0)
		})
		require.Equal(t, defs.Err_t(0), err)
		assert.Equal(t, defs.PID_INIT, init.Pid)
	})

	<-done
}

// TestPgfaultKillsProcess: a fault against an unmapped address terminates
// the faulting process with the segfault status, observable by the
// parent's waitpid.
func TestPgfaultKillsProcess(t *testing.T) {
	core := sched.NewCore()
	ptab := proc.NewPtable()
	done := make(chan struct{})
	var gotStatus int
	var waitErr defs.Err_t

	runOnCore(core, func(th *sched.Thread) {
		_, err := ptab.Create(nil, "parent", &fd.Cwd_t{}, mem.NewSimPageTable(), mem.NewSimAllocator(), core, func(p *proc.Process, pth *sched.Thread) {
			_, ferr := proc.Fork(p, mem.NewSimPageTable(), core, func(cp *proc.Process, cth *sched.Thread) {
				// No mapping exists anywhere near this address; the
				// fault cannot resolve and must kill the process.
				cp.Pgfault(cth, 0xdead0000, vm.FaultWrite)
				t.Error("Pgfault on an unmapped address must not return")
			})
			require.Equal(t, defs.Err_t(0), ferr)

			_, gotStatus, waitErr = proc.Waitpid(pth, p, -1, 0)
			close(done)
			p.ThreadExit(pth, 0)
		})
		require.Equal(t, defs.Err_t(0), err)
	})

	<-done
	assert.Equal(t, defs.Err_t(0), waitErr)
	assert.Equal(t, defs.ExitSegfault, gotStatus)
}

// TestShutdownSparesInitAndSelf: Shutdown, invoked from a running
// process, cancels every other non-init process, never wakes init, and
// exits the caller itself with -1.
func TestShutdownSparesInitAndSelf(t *testing.T) {
	core := sched.NewCore()
	ptab := proc.NewPtable()
	initAwake := make(chan struct{})
	childAwake := make(chan struct{})
	var childErr defs.Err_t
	var killer *proc.Process

	runOnCore(core, func(th *sched.Thread) {
		init, err := ptab.Create(nil, "init", &fd.Cwd_t{}, mem.NewSimPageTable(), mem.NewSimAllocator(), core, func(p *proc.Process, pth *sched.Thread) {
			q := sched.NewQueue()
			pth.CancellableSleepOn(q)
			close(initAwake)
			p.ThreadExit(pth, 0)
		})
		require.Equal(t, defs.Err_t(0), err)
		require.Equal(t, defs.PID_INIT, init.Pid)

		_, ferr := proc.Fork(init, mem.NewSimPageTable(), core, func(cp *proc.Process, cth *sched.Thread) {
			q := sched.NewQueue()
			childErr = cth.CancellableSleepOn(q)
			close(childAwake)
			cp.ThreadExit(cth, 0)
		})
		require.Equal(t, defs.Err_t(0), ferr)

		// Spawned last, so by the time the killer's body runs, init and
		// the child have both already run (FIFO order) and parked in
		// their cancellable sleeps.
		var kerr defs.Err_t
		killer, kerr = proc.Fork(init, mem.NewSimPageTable(), core, func(kp *proc.Process, kth *sched.Thread) {
			proc.Shutdown(kp, kth)
			t.Error("Shutdown must not return")
		})
		require.Equal(t, defs.Err_t(0), kerr)
	})

	select {
	case <-childAwake:
	case <-time.After(2 * time.Second):
		require.Fail(t, "Shutdown must wake the non-init child")
	}
	assert.Equal(t, defs.EINTR, childErr)

	select {
	case <-initAwake:
		require.Fail(t, "Shutdown must not wake init")
	case <-time.After(200 * time.Millisecond):
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		killer.Lock()
		state, status := killer.State, killer.ExitStatus
		killer.Unlock()
		if state == proc.Zombie {
			assert.Equal(t, -1, status)
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.Fail(t, "Shutdown must leave the caller a zombie with status -1")
}
