// Package proc is the thin process supervisor tying package sched
// (threads/scheduling), package vm (address spaces), and package fd
// (descriptors/cwd) together: pid allocation, process creation and fork,
// thread exit with orphan reparenting, waitpid reaping, and kill.
package proc

import (
	"sync"

	"nucleuskernel/internal/accnt"
	"nucleuskernel/internal/defs"
	"nucleuskernel/internal/fd"
	"nucleuskernel/internal/klog"
	"nucleuskernel/internal/limits"
	"nucleuskernel/internal/mem"
	"nucleuskernel/internal/sched"
	"nucleuskernel/internal/vm"
)

// State is a process's lifecycle stage.
type State int

const (
	Running State = iota
	Zombie        // every thread has exited; awaiting reap by waitpid
	Reaped
)

// Process is the supervisor's view of one process: one address space, one
// descriptor table, one or more threads, and the parent/child bookkeeping
// waitpid needs.
type Process struct {
	mu sync.Mutex

	Pid    defs.Pid_t
	Name   string
	Parent *Process
	table  *Ptable

	children map[defs.Pid_t]*Process
	threads  map[defs.Tid_t]*sched.Thread
	tstart   map[defs.Tid_t]int64
	nexttid  defs.Tid_t

	Core *sched.Core
	Vm   *vm.AddressSpace
	Cwd  *fd.Cwd_t
	Fds  *fd.Table

	State      State
	ExitStatus int

	// deadkids is signalled whenever a child transitions to Zombie;
	// waitpid sleeps here.
	deadkids *sched.Queue

	Accnt accnt.Accnt_t
}

// Lock/Unlock serialize access to the supervisor-owned fields (State,
// ExitStatus, children) for readers outside the supervisor itself.
func (p *Process) Lock()   { p.mu.Lock() }
func (p *Process) Unlock() { p.mu.Unlock() }

// Ptable tracks every live process of one booted kernel instance. There
// is deliberately no package-level registry: every Create call goes
// through a Ptable the caller owns, so two instances (or two tests) never
// share pid space.
type Ptable struct {
	mu      sync.Mutex
	procs   map[defs.Pid_t]*Process
	nextPid defs.Pid_t
}

// NewPtable returns an empty process table whose first non-init pid is
// PID_INIT+1.
func NewPtable() *Ptable {
	return &Ptable{procs: make(map[defs.Pid_t]*Process), nextPid: defs.PID_INIT + 1}
}

// allocPid returns the next free pid above PID_INIT, wrapping around
// limits.MAX_PID and skipping live pids. limits.Syslimit.Procs bounds how
// many can be live at once; it does not by itself pick the number.
func (tbl *Ptable) allocPid() (defs.Pid_t, defs.Err_t) {
	if !limits.Syslimit.Procs.Take() {
		return 0, defs.ENOMEM
	}
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	start := tbl.nextPid
	for {
		if _, taken := tbl.procs[tbl.nextPid]; !taken {
			pid := tbl.nextPid
			tbl.nextPid++
			if tbl.nextPid >= limits.MAX_PID {
				tbl.nextPid = defs.PID_INIT + 1
			}
			return pid, 0
		}
		tbl.nextPid++
		if tbl.nextPid >= limits.MAX_PID {
			tbl.nextPid = defs.PID_INIT + 1
		}
		if tbl.nextPid == start {
			limits.Syslimit.Procs.Give()
			return 0, defs.ENOMEM
		}
	}
}

// allocInitPid reserves defs.PID_INIT itself, for the one Create call that
// starts init. Every later process goes through allocPid instead, which
// never hands out PID_INIT.
func (tbl *Ptable) allocInitPid() (defs.Pid_t, defs.Err_t) {
	if !limits.Syslimit.Procs.Take() {
		return 0, defs.ENOMEM
	}
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	if _, taken := tbl.procs[defs.PID_INIT]; taken {
		limits.Syslimit.Procs.Give()
		panic("init already created")
	}
	return defs.PID_INIT, 0
}

func (tbl *Ptable) freePid(pid defs.Pid_t) {
	tbl.mu.Lock()
	delete(tbl.procs, pid)
	tbl.mu.Unlock()
	limits.Syslimit.Procs.Give()
}

// Lookup returns the live process with the given pid.
func (tbl *Ptable) Lookup(pid defs.Pid_t) (*Process, bool) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	p, ok := tbl.procs[pid]
	return p, ok
}

// Create allocates a new process as a child of parent (nil only for
// init/pid 1), with its own address space built on the given PageTable/
// PhysAllocator, and starts its first thread running body. This is the
// combined fork+exec entry point;
// the caller decides whether body behaves like a freshly exec'd program
// or a forked copy of the parent (see Fork below for the latter).
func (tbl *Ptable) Create(parent *Process, name string, cwd *fd.Cwd_t, pt mem.PageTable, alloc mem.PhysAllocator, core *sched.Core, body func(*Process, *sched.Thread)) (*Process, defs.Err_t) {
	var pid defs.Pid_t
	var err defs.Err_t
	if parent == nil {
		pid, err = tbl.allocInitPid()
	} else {
		pid, err = tbl.allocPid()
	}
	if err != 0 {
		return nil, err
	}
	p := &Process{
		Pid:      pid,
		Name:     name,
		Parent:   parent,
		table:    tbl,
		children: make(map[defs.Pid_t]*Process),
		threads:  make(map[defs.Tid_t]*sched.Thread),
		tstart:   make(map[defs.Tid_t]int64),
		Core:     core,
		Vm:       vm.NewAddressSpace(pt, alloc),
		Fds:      fd.NewTable(limits.NOFILE),
		Cwd:      cwd,
		deadkids: sched.NewQueue(),
	}
	tbl.mu.Lock()
	tbl.procs[pid] = p
	tbl.mu.Unlock()
	if parent != nil {
		parent.mu.Lock()
		parent.children[pid] = p
		parent.mu.Unlock()
	}
	p.spawnThread(body)
	klog.Infof("proc %d (%s) created", pid, name)
	return p, 0
}

// Fork creates a child process that shares nothing but starts with a
// copy-on-write clone of parent's address space and a duplicated
// descriptor table, built on vm.AddressSpace.Clone and fd.Table.Fork.
func Fork(parent *Process, childPT mem.PageTable, core *sched.Core, body func(*Process, *sched.Thread)) (*Process, defs.Err_t) {
	tbl := parent.table
	pid, err := tbl.allocPid()
	if err != 0 {
		return nil, err
	}
	parent.mu.Lock()
	childVm := parent.Vm.Clone(childPT)
	fds, ferr := parent.Fds.Fork()
	parentPath := append([]byte(nil), parent.Cwd.Path...)
	parentCwdFd := parent.Cwd.Fd
	parent.mu.Unlock()
	if ferr != 0 {
		tbl.freePid(pid)
		return nil, ferr
	}
	var childCwdFd *fd.Fd_t
	if parentCwdFd != nil {
		var cerr defs.Err_t
		childCwdFd, cerr = fd.Copyfd(parentCwdFd)
		if cerr != 0 {
			fds.CloseAll()
			tbl.freePid(pid)
			return nil, cerr
		}
	}
	p := &Process{
		Pid:      pid,
		Name:     parent.Name,
		Parent:   parent,
		table:    tbl,
		children: make(map[defs.Pid_t]*Process),
		threads:  make(map[defs.Tid_t]*sched.Thread),
		tstart:   make(map[defs.Tid_t]int64),
		Core:     core,
		Vm:       childVm,
		Fds:      fds,
		Cwd:      &fd.Cwd_t{Fd: childCwdFd, Path: parentPath},
		deadkids: sched.NewQueue(),
	}
	tbl.mu.Lock()
	tbl.procs[pid] = p
	tbl.mu.Unlock()
	parent.mu.Lock()
	parent.children[pid] = p
	parent.mu.Unlock()
	p.spawnThread(body)
	return p, 0
}

func (p *Process) spawnThread(body func(*Process, *sched.Thread)) defs.Tid_t {
	p.mu.Lock()
	tid := p.nexttid + 1
	p.nexttid = tid
	p.mu.Unlock()
	t := sched.NewThread(tid, func(th *sched.Thread) {
		body(p, th)
		p.ThreadExit(th, 0)
	})
	p.mu.Lock()
	p.threads[tid] = t
	p.tstart[tid] = p.Accnt.Now()
	p.mu.Unlock()
	p.Core.Spawn(t)
	return tid
}

// ThreadExit retires tid. When it is the process's last live thread, the
// process becomes a Zombie: its children are reparented to init, its
// resource accounting is folded into its parent, and its parent is woken
// if blocked in Waitpid.
func (p *Process) ThreadExit(t *sched.Thread, status int) {
	p.mu.Lock()
	delete(p.threads, t.Tid)
	remaining := len(p.threads)
	start, tracked := p.tstart[t.Tid]
	delete(p.tstart, t.Tid)
	p.mu.Unlock()
	if tracked {
		p.Accnt.Finish(start)
	}
	if remaining > 0 {
		t.Exit(status)
		return
	}
	p.finish(status)
	t.Exit(status)
}

func (p *Process) finish(status int) {
	p.Vm.Destroy()
	p.Fds.CloseAll()
	if p.Cwd != nil && p.Cwd.Fd != nil {
		fd.ClosePanic(p.Cwd.Fd)
		p.Cwd.Fd = nil
	}

	initproc, _ := p.table.Lookup(defs.PID_INIT)
	p.mu.Lock()
	kids := make([]*Process, 0, len(p.children))
	for _, c := range p.children {
		kids = append(kids, c)
	}
	p.children = make(map[defs.Pid_t]*Process)
	p.mu.Unlock()
	for _, c := range kids {
		c.mu.Lock()
		c.Parent = initproc
		c.mu.Unlock()
		if initproc != nil {
			initproc.mu.Lock()
			initproc.children[c.Pid] = c
			initproc.mu.Unlock()
		}
	}

	p.mu.Lock()
	p.State = Zombie
	p.ExitStatus = status
	parent := p.Parent
	p.mu.Unlock()

	if parent != nil {
		parent.Accnt.Add(&p.Accnt)
		parent.mu.Lock()
		q := parent.deadkids
		parent.mu.Unlock()
		sched.BroadcastOn(q)
	}
	klog.Infof("proc %d exited, status %d", p.Pid, status)
}

// Waitpid blocks the calling thread until a child matching pid becomes a
// Zombie, then reaps it and returns its pid and exit status. pid > 0
// waits for that exact direct child; pid == -1 waits for any child;
// options must be 0 and pid must not be 0 or <= -2 (process-group waits
// are not supported), both ENOTSUP.
func Waitpid(caller *sched.Thread, parent *Process, pid defs.Pid_t, options int) (defs.Pid_t, int, defs.Err_t) {
	if options != 0 || pid == 0 || pid <= -2 {
		return 0, 0, defs.ENOTSUP
	}
	wildcard := pid == -1
	for {
		parent.mu.Lock()
		if len(parent.children) == 0 && wildcard {
			parent.mu.Unlock()
			return 0, 0, defs.ECHILD
		}
		var found *Process
		haveTarget := false
		for _, c := range parent.children {
			if !wildcard && c.Pid != pid {
				continue
			}
			haveTarget = true
			c.mu.Lock()
			isZombie := c.State == Zombie
			c.mu.Unlock()
			if isZombie {
				found = c
				break
			}
		}
		if !haveTarget {
			parent.mu.Unlock()
			return 0, 0, defs.ECHILD
		}
		if found != nil {
			delete(parent.children, found.Pid)
			parent.mu.Unlock()
			found.mu.Lock()
			found.State = Reaped
			status := found.ExitStatus
			found.mu.Unlock()
			parent.table.freePid(found.Pid)
			return found.Pid, status, 0
		}
		q := parent.deadkids
		parent.mu.Unlock()
		caller.SleepOn(q)
	}
}

// Pgfault resolves a user page fault against the process's address
// space. An unresolvable fault — no vmarea, cause/protection mismatch,
// frame acquisition failure — kills the process with a segfault status
// and does not return.
func (p *Process) Pgfault(t *sched.Thread, va uintptr, cause vm.FaultCause) defs.Err_t {
	err := p.Vm.Pgfault(va, cause)
	if err != 0 {
		klog.Segfault(int(p.Pid), int(t.Tid), va, cause.String())
		p.ThreadExit(t, defs.ExitSegfault)
	}
	return err
}

// Kill marks every thread of the target process cancelled with status as
// its return value, tearing a cancellably-sleeping thread out of
// whatever it is waiting on immediately, built on sched.Cancel.
func Kill(target *Process, status int) {
	target.mu.Lock()
	threads := make([]*sched.Thread, 0, len(target.threads))
	for _, t := range target.threads {
		threads = append(threads, t)
	}
	target.mu.Unlock()
	for _, t := range threads {
		t.Retval = status
		sched.Cancel(t)
	}
}

// KillAll kills every process in the table that is neither init nor the
// caller itself, then exits the caller's own thread with -1. It does not
// return.
func (tbl *Ptable) KillAll(self *Process, t *sched.Thread) {
	tbl.mu.Lock()
	targets := make([]*Process, 0, len(tbl.procs))
	for pid, p := range tbl.procs {
		if pid == defs.PID_INIT || p == self {
			continue
		}
		targets = append(targets, p)
	}
	tbl.mu.Unlock()
	for _, p := range targets {
		Kill(p, defs.ExitKilled)
	}
	self.ThreadExit(t, -1)
}

// Shutdown is the emergency-stop syscall entry: the calling process
// tears down every other process (init excepted) and exits with -1. It
// does not return.
func Shutdown(self *Process, t *sched.Thread) {
	self.table.KillAll(self, t)
}

// Rusage returns the getrusage-shaped readout of the process's
// accumulated accounting (accnt.Accnt_t folded into a Rusage).
func (p *Process) Rusage() accnt.Rusage {
	return p.Accnt.Fetch()
}
