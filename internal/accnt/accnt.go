// Package accnt accumulates per-process CPU accounting. A process's
// Accnt_t receives each of its threads' lifetimes as the thread exits
// (via Finish), and a dying child's usage merges into its parent via Add.
package accnt

import (
	"sync"
	"sync/atomic"
	"time"
)

// Accnt_t holds nanosecond counters for user and system time. The embedded
// mutex lets callers take a consistent snapshot via Fetch/Add.
type Accnt_t struct {
	Userns int64
	Sysns  int64
	mu     sync.Mutex
}

// Utadd adds delta nanoseconds to the user-time counter.
func (a *Accnt_t) Utadd(delta int64) {
	atomic.AddInt64(&a.Userns, delta)
}

// Systadd adds delta nanoseconds to the system-time counter.
func (a *Accnt_t) Systadd(delta int64) {
	atomic.AddInt64(&a.Sysns, delta)
}

// Now returns the current time in nanoseconds since the Unix epoch.
func (a *Accnt_t) Now() int64 {
	return time.Now().UnixNano()
}

// Finish adds the time elapsed since start to system time, closing out a
// syscall's accounting window.
func (a *Accnt_t) Finish(start int64) {
	a.Systadd(a.Now() - start)
}

// Add merges n's counters into a, used when a dying process's accounting
// is folded into its parent.
func (a *Accnt_t) Add(n *Accnt_t) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Userns += atomic.LoadInt64(&n.Userns)
	a.Sysns += atomic.LoadInt64(&n.Sysns)
}

// Rusage is the serialized (utime, stime) pair a getrusage-shaped readout
// returns, seconds and microseconds for each.
type Rusage struct {
	UtimeSec, UtimeUsec int64
	StimeSec, StimeUsec int64
}

// Fetch takes a locked snapshot and renders it as a Rusage.
func (a *Accnt_t) Fetch() Rusage {
	a.mu.Lock()
	defer a.mu.Unlock()
	us, uu := split(a.Userns)
	ss, su := split(a.Sysns)
	return Rusage{UtimeSec: us, UtimeUsec: uu, StimeSec: ss, StimeUsec: su}
}

func split(nanos int64) (secs, usecs int64) {
	return nanos / 1e9, (nanos % 1e9) / 1000
}
