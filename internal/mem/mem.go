// Package mem defines the interfaces through which the VM core talks to the
// physical frame allocator and the hardware page table. A bare-metal
// kernel implements these with literal x86-64 PTE bit-twiddling; none of
// that is expressible in portable Go, so this package defines only the
// interfaces the VM core consumes and supplies a process-local simulation
// good enough to drive and test it (PageTable, PhysAllocator below).
package mem

import (
	"fmt"
	"sync"

	"nucleuskernel/internal/klog"
)

// PageShift/PageSize describe the simulated page geometry; 4KiB, as on
// x86-64.
const (
	PageShift = 12
	PageSize  = 1 << PageShift
)

// PageAlignDown/PageAlignUp round an address down/up to a page boundary.
func PageAlignDown(v uintptr) uintptr { return v &^ (PageSize - 1) }
func PageAlignUp(v uintptr) uintptr   { return PageAlignDown(v + PageSize - 1) }

// Frame is a physical page frame: a fixed-size byte array a PhysAllocator
// hands out. The VM core never interprets frame identity beyond pointer
// equality and the allocator's refcounting.
type Frame struct {
	bytes [PageSize]byte
}

// Bytes exposes the frame's backing storage.
func (f *Frame) Bytes() []byte { return f.bytes[:] }

// PhysAllocator abstracts physical frame allocation and reference
// counting. A mobj (package vm)
// holds exactly the frames it has filled; a shared/COW frame can be
// referenced by more than one mobj at once, so the allocator — not the VM
// core — is the authority on when a frame is actually freed.
type PhysAllocator interface {
	// Alloc returns a zero-filled frame with refcount 1.
	Alloc() (*Frame, bool)
	// AllocN allocates n contiguous-in-spirit (not physically, in this
	// simulation) frames for a kernel stack; n must be a power of two.
	AllocN(n int) ([]*Frame, bool)
	Ref(*Frame)
	// Unref drops a reference, freeing the frame once it reaches zero.
	Unref(*Frame)
	Refcnt(*Frame) int
}

// framePool recycles *Frame values across Alloc/Unref: a frame is this
// simulation's scratch buffer, and pooling it avoids allocating a fresh
// 4KiB array on every allocation once the pool is warm.
var framePool = sync.Pool{New: func() interface{} { return new(Frame) }}

type simAllocator struct {
	mu   sync.Mutex
	refs map[*Frame]int
}

// NewSimAllocator returns an in-process PhysAllocator good enough to back
// tests and the booted kernel's address spaces; it never actually runs out of memory
// short of the Go heap itself.
func NewSimAllocator() PhysAllocator {
	return &simAllocator{refs: make(map[*Frame]int)}
}

func (a *simAllocator) Alloc() (*Frame, bool) {
	f := framePool.Get().(*Frame)
	*f = Frame{}
	a.mu.Lock()
	a.refs[f] = 1
	a.mu.Unlock()
	return f, true
}

func (a *simAllocator) AllocN(n int) ([]*Frame, bool) {
	if n <= 0 || n&(n-1) != 0 {
		panic("stack size must be a power of two pages")
	}
	out := make([]*Frame, n)
	for i := range out {
		f, ok := a.Alloc()
		if !ok {
			return nil, false
		}
		out[i] = f
	}
	return out, true
}

func (a *simAllocator) Ref(f *Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refs[f]++
}

func (a *simAllocator) Unref(f *Frame) {
	a.mu.Lock()
	c, ok := a.refs[f]
	if !ok || c <= 0 {
		a.mu.Unlock()
		panic("unref of untracked frame")
	}
	c--
	freed := c == 0
	if freed {
		delete(a.refs, f)
	} else {
		a.refs[f] = c
	}
	a.mu.Unlock()
	if freed {
		framePool.Put(f)
	}
}

func (a *simAllocator) Refcnt(f *Frame) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refs[f]
}

// Perm is the permission a page-table mapping carries; the page fault
// handler (package vm) computes these from the vmarea's protection bits
// plus the COW state of the frame being mapped.
type Perm struct {
	Write bool
	Exec  bool
}

// PageTable is the hardware page-table collaborator: create/destroy,
// map/unmap, virt-to-phys translation, and TLB flushing. USER and PRESENT
// are implicit (every mapping this kernel installs is a user mapping);
// Perm carries the rest.
type PageTable interface {
	Map(va uintptr, f *Frame, perm Perm)
	Unmap(va uintptr)
	UnmapRange(start uintptr, n int)
	Lookup(va uintptr) (*Frame, Perm, bool)
	FlushRange(start uintptr, n int)
	FlushAll()
}

type simPageTable struct {
	mu   sync.Mutex
	ptes map[uintptr]simPTE
}

type simPTE struct {
	frame *Frame
	perm  Perm
}

// NewSimPageTable returns an in-process PageTable: a plain map from
// page-aligned virtual address to frame and permission. TLB flushes are
// no-ops (there is no TLB to shoot down), which is exactly the contract a
// single-address-space-per-goroutine simulation needs.
func NewSimPageTable() PageTable {
	return &simPageTable{ptes: make(map[uintptr]simPTE)}
}

func (pt *simPageTable) Map(va uintptr, f *Frame, perm Perm) {
	if va&(PageSize-1) != 0 {
		klog.Panic(fmt.Sprintf("unaligned map at %#x", va))
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.ptes[va] = simPTE{frame: f, perm: perm}
}

func (pt *simPageTable) Unmap(va uintptr) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	delete(pt.ptes, va)
}

func (pt *simPageTable) UnmapRange(start uintptr, n int) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	for i := 0; i < n; i++ {
		delete(pt.ptes, start+uintptr(i)*PageSize)
	}
}

func (pt *simPageTable) Lookup(va uintptr) (*Frame, Perm, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	p, ok := pt.ptes[va]
	return p.frame, p.perm, ok
}

func (pt *simPageTable) FlushRange(start uintptr, n int) {}
func (pt *simPageTable) FlushAll()                       {}
