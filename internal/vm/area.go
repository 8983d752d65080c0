package vm

import (
	"sync"

	"github.com/google/btree"

	"nucleuskernel/internal/defs"
	"nucleuskernel/internal/klog"
	"nucleuskernel/internal/mem"
)

// USERMIN is the lowest virtual address an address space may map, keeping
// the zero page unmapped so a nil dereference faults.
const USERMIN = uintptr(mem.PageSize)

// USERMAX is the first virtual address no vmarea may reach: a generous
// but finite user address ceiling.
const USERMAX = uintptr(1) << 46

// FindDir selects which end of the address space AddressSpace.FindRange
// scans from.
type FindDir int

const (
	LowToHigh FindDir = iota
	HighToLow
)

// Vmarea is one mapped region of an address space: a contiguous run of
// pages with uniform protection (mem.Perm) and a single backing object.
type Vmarea struct {
	Start  uintptr
	Npages int
	Perm   mem.Perm
	Obj    Mobj
}

func (v *Vmarea) end() uintptr { return v.Start + uintptr(v.Npages)*mem.PageSize }

func areaLess(a, b *Vmarea) bool { return a.Start < b.Start }

// areaDegree is the btree.BTreeG node fan-out; address spaces rarely carry
// more than a few dozen live regions, so a small degree keeps node splits
// cheap without mattering for depth.
const areaDegree = 32

// AddressSpace is an ordered, non-overlapping set of Vmareas plus the
// page table and physical allocator it drives. The region set is kept in
// a btree.BTreeG ordered by start address so insert/lookup/find/remove
// all work off ordered traversal instead of a hand-sorted slice. Nothing
// calls back into the fault handler while the mutex is held.
type AddressSpace struct {
	mu       sync.Mutex
	areas    *btree.BTreeG[*Vmarea]
	pt       mem.PageTable
	alloc    mem.PhysAllocator
	brk      uintptr
	startBrk uintptr
}

// NewAddressSpace returns an empty address space bound to the given
// hardware collaborators.
func NewAddressSpace(pt mem.PageTable, alloc mem.PhysAllocator) *AddressSpace {
	return &AddressSpace{areas: btree.NewG(areaDegree, areaLess), pt: pt, alloc: alloc, brk: USERMIN, startBrk: USERMIN}
}

// floorLocked returns the region with the greatest Start <= va, if any.
func (as *AddressSpace) floorLocked(va uintptr) (*Vmarea, bool) {
	var found *Vmarea
	as.areas.DescendLessOrEqual(&Vmarea{Start: va}, func(a *Vmarea) bool {
		found = a
		return false
	})
	return found, found != nil
}

// Insert adds area to the region set. Precondition: area does not overlap
// any existing region; callers resolve placement via FindRange first.
func (as *AddressSpace) Insert(area *Vmarea) defs.Err_t {
	as.mu.Lock()
	defer as.mu.Unlock()
	if f, ok := as.floorLocked(area.Start); ok && f.end() > area.Start {
		klog.Panic("overlapping vmarea insert")
	}
	var next *Vmarea
	as.areas.AscendGreaterOrEqual(&Vmarea{Start: area.Start}, func(a *Vmarea) bool {
		next = a
		return false
	})
	if next != nil && next.Start < area.end() {
		klog.Panic("overlapping vmarea insert")
	}
	as.areas.ReplaceOrInsert(area)
	return 0
}

// Lookup returns the region containing va, if any.
func (as *AddressSpace) Lookup(va uintptr) (*Vmarea, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.lookupLocked(va)
}

func (as *AddressSpace) lookupLocked(va uintptr) (*Vmarea, bool) {
	a, ok := as.floorLocked(va)
	if !ok || a.end() <= va {
		return nil, false
	}
	return a, true
}

// IsRangeEmpty reports whether [start, start+n*PageSize) overlaps no
// mapped region.
func (as *AddressSpace) IsRangeEmpty(start uintptr, n int) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	end := start + uintptr(n)*mem.PageSize
	if f, ok := as.floorLocked(start); ok && f.end() > start {
		return false
	}
	empty := true
	as.areas.AscendGreaterOrEqual(&Vmarea{Start: start}, func(a *Vmarea) bool {
		if a.Start < end {
			empty = false
			return false
		}
		return false
	})
	return empty
}

// FindRange locates an unmapped run of n pages, first-fit, scanning from
// hint in the direction dir requests: low-to-high walks gaps ascending,
// high-to-low walks descending and returns the highest-address fit.
// Returns false if no such run exists below USERMAX.
func (as *AddressSpace) FindRange(hint uintptr, n int, dir FindDir) (uintptr, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	need := uintptr(n) * mem.PageSize
	gaps := as.gapsLocked()
	if dir == HighToLow {
		ceiling := hint
		if ceiling == 0 || ceiling > USERMAX {
			ceiling = USERMAX
		}
		for i := len(gaps) - 1; i >= 0; i-- {
			g := gaps[i]
			end := g.end
			if end > ceiling {
				end = ceiling
			}
			if end <= g.start || end-g.start < need {
				continue
			}
			return end - need, true
		}
		return 0, false
	}
	floor := hint
	if floor < USERMIN {
		floor = USERMIN
	}
	for _, g := range gaps {
		start := g.start
		if start < floor {
			start = floor
		}
		if start >= g.end || g.end-start < need {
			continue
		}
		return start, true
	}
	return 0, false
}

type gap struct{ start, end uintptr }

// gapsLocked returns every unmapped run within [USERMIN, USERMAX), in
// ascending order. Called with as.mu held.
func (as *AddressSpace) gapsLocked() []gap {
	var gaps []gap
	cur := USERMIN
	as.areas.Ascend(func(a *Vmarea) bool {
		if a.Start > cur {
			gaps = append(gaps, gap{cur, a.Start})
		}
		if a.end() > cur {
			cur = a.end()
		}
		return true
	})
	if cur < USERMAX {
		gaps = append(gaps, gap{cur, USERMAX})
	}
	return gaps
}

// Remove unmaps [start, start+n*PageSize), splitting or shrinking
// boundary regions as needed and unmapping the hardware page table over
// that range. Any region fully covered has its mobj reference dropped.
func (as *AddressSpace) Remove(start uintptr, n int) defs.Err_t {
	as.mu.Lock()
	defer as.mu.Unlock()
	end := start + uintptr(n)*mem.PageSize

	var touched []*Vmarea
	if f, ok := as.floorLocked(start); ok && f.end() > start {
		touched = append(touched, f)
	}
	as.areas.AscendGreaterOrEqual(&Vmarea{Start: start}, func(a *Vmarea) bool {
		if a.Start >= end {
			return false
		}
		if len(touched) == 0 || touched[len(touched)-1] != a {
			touched = append(touched, a)
		}
		return true
	})

	for _, a := range touched {
		as.areas.Delete(a)
		switch {
		case a.Start >= start && a.end() <= end:
			a.Obj.Unref()
		case a.Start < start && a.end() > end:
			left := &Vmarea{Start: a.Start, Npages: int((start - a.Start) / mem.PageSize), Perm: a.Perm, Obj: a.Obj}
			a.Obj.Ref()
			right := &Vmarea{Start: end, Npages: int((a.end() - end) / mem.PageSize), Perm: a.Perm, Obj: a.Obj}
			as.areas.ReplaceOrInsert(left)
			as.areas.ReplaceOrInsert(right)
		case a.Start < start:
			a.Npages = int((start - a.Start) / mem.PageSize)
			as.areas.ReplaceOrInsert(a)
		default: // a.end() > end
			dropped := int((end - a.Start) / mem.PageSize)
			a.Start = end
			a.Npages -= dropped
			as.areas.ReplaceOrInsert(a)
		}
	}
	as.pt.UnmapRange(start, n)
	return 0
}

// Clone duplicates the address space for fork: every private region gets
// a shadow object layered over its current mobj, shared regions are
// simply re-referenced, and the hardware page table starts empty — the
// child's first touch of each page takes a fault that populates the new
// page table lazily.
func (as *AddressSpace) Clone(childPT mem.PageTable) *AddressSpace {
	as.mu.Lock()
	defer as.mu.Unlock()
	child := &AddressSpace{areas: btree.NewG(areaDegree, areaLess), pt: childPT, alloc: as.alloc, brk: as.brk, startBrk: as.startBrk}
	as.areas.Ascend(func(a *Vmarea) bool {
		na := &Vmarea{Start: a.Start, Npages: a.Npages, Perm: a.Perm}
		if shadowable(a.Obj) {
			a.Obj, na.Obj = forkShadows(as.alloc, a.Obj)
			// The parent's mappings over this region must be torn
			// down so its next touch faults into its own shadow.
			as.pt.UnmapRange(a.Start, a.Npages)
			as.pt.FlushRange(a.Start, a.Npages)
		} else {
			a.Obj.Ref()
			na.Obj = a.Obj
		}
		child.areas.ReplaceOrInsert(na)
		return true
	})
	return child
}

// shadowable reports whether an object participates in copy-on-write
// forking. Shared mappings (block devices, or any object explicitly
// marked shared) are never shadowed; both sides keep writing the same
// pages.
func shadowable(o Mobj) bool {
	switch m := o.(type) {
	case *anonMobj:
		return !m.shared
	case *fileMobj:
		return !m.shared
	case *shadowMobj:
		return true
	default:
		return false
	}
}

// forkShadows gives both sides of a fork their own fresh shadow over the
// shared base object, rather than letting one side keep writing directly
// into a node the other side's shadow chain still falls through to.
// Nesting the child's shadow under whatever object the parent happens to
// keep mutating would let the parent's post-fork writes leak to the
// child (or a future sibling) through that shared node; two sibling
// shadows over an immutable base keep each side's post-fork writes
// private. base's original implicit reference (held by the vmarea being
// forked) is replaced by the two new shadows' own references.
func forkShadows(alloc mem.PhysAllocator, base Mobj) (parentObj, childObj Mobj) {
	parentObj = newShadowMobj(alloc, base)
	childObj = newShadowMobj(alloc, base)
	base.Unref()
	return parentObj, childObj
}

// Read copies len(dst) bytes starting at va, faulting in pages as needed.
func (as *AddressSpace) Read(va uintptr, dst []byte) (int, defs.Err_t) {
	n := 0
	for n < len(dst) {
		cur := va + uintptr(n)
		f, _, err := as.faultFor(cur, FaultRead)
		if err != 0 {
			return n, err
		}
		off := int(cur % mem.PageSize)
		c := copy(dst[n:], f.Bytes()[off:])
		n += c
	}
	return n, 0
}

// Write copies src into the address space starting at va, faulting in
// writable pages (copying on write where needed) as it goes.
func (as *AddressSpace) Write(va uintptr, src []byte) (int, defs.Err_t) {
	n := 0
	for n < len(src) {
		cur := va + uintptr(n)
		f, _, err := as.faultFor(cur, FaultWrite)
		if err != 0 {
			return n, err
		}
		off := int(cur % mem.PageSize)
		c := copy(f.Bytes()[off:], src[n:])
		n += c
	}
	return n, 0
}
