// Package limits tracks system-wide resource limits with a give/take
// counter that fails reservations atomically instead of overcommitting.
package limits

import "sync/atomic"

// Fixed sizing constants referenced throughout the kernel.
const (
	// NOFILE is the size of a process's descriptor table.
	NOFILE = 256
	// NAME_LEN is the maximum length of a single path component.
	NAME_LEN = 255
	// MAX_PID is the first pid value never handed out (pids range 1..MAX_PID-1).
	MAX_PID = 1 << 16
	// NTTY is the number of /dev/ttyN nodes created at boot.
	NTTY = 4
	// NDISK is the number of /dev/hdaN nodes created at boot.
	NDISK = 1
)

// Atomic is a give/take counter for a bounded system resource: Taken(n)
// reserves n units and fails without side effects if that would exceed the
// configured ceiling; Given(n) returns units to the pool.
type Atomic struct {
	remaining int64
}

// NewAtomic returns a counter that can hand out up to ceiling units.
func NewAtomic(ceiling int64) *Atomic {
	return &Atomic{remaining: ceiling}
}

// Taken reserves n units, returning false (and changing nothing) if that
// would drive the remaining count negative.
func (a *Atomic) Taken(n int64) bool {
	if atomic.AddInt64(&a.remaining, -n) >= 0 {
		return true
	}
	atomic.AddInt64(&a.remaining, n)
	return false
}

// Take reserves a single unit.
func (a *Atomic) Take() bool { return a.Taken(1) }

// Given returns n units to the pool.
func (a *Atomic) Given(n int64) {
	atomic.AddInt64(&a.remaining, n)
}

// Give returns a single unit.
func (a *Atomic) Give() { a.Given(1) }

// Remaining reports the current headroom, for diagnostics.
func (a *Atomic) Remaining() int64 {
	return atomic.LoadInt64(&a.remaining)
}

// Syslimit_t is the process-wide table of resource ceilings.
type Syslimit_t struct {
	Procs  *Atomic
	Vnodes *Atomic
	Pipes  *Atomic
}

// Syslimit is the default system-wide ceiling set, sized generously for an
// in-process instructional kernel.
var Syslimit = &Syslimit_t{
	Procs:  NewAtomic(MAX_PID - 2),
	Vnodes: NewAtomic(1 << 20),
	Pipes:  NewAtomic(1 << 14),
}
