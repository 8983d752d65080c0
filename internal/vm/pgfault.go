package vm

import (
	"nucleuskernel/internal/defs"
	"nucleuskernel/internal/mem"
)

// FaultCause classifies a page fault by the access that raised it: a
// plain user read, a write, or an instruction fetch. There is no real
// trap frame to decode in this simulation, so the caller states the
// cause directly.
type FaultCause int

const (
	FaultRead FaultCause = iota
	FaultWrite
	FaultExec
)

// String renders the cause the way segfault log lines report it.
func (c FaultCause) String() string {
	switch c {
	case FaultWrite:
		return "write"
	case FaultExec:
		return "exec"
	default:
		return "read"
	}
}

// faultFor resolves the page covering va, installing a page-table mapping
// for it, and returns the backing frame. cause is checked against the
// region's protection before any page is materialized.
func (as *AddressSpace) faultFor(va uintptr, cause FaultCause) (*mem.Frame, mem.Perm, defs.Err_t) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.faultForLocked(va, cause)
}

func (as *AddressSpace) faultForLocked(va uintptr, cause FaultCause) (*mem.Frame, mem.Perm, defs.Err_t) {
	area, ok := as.lookupLocked(va)
	if !ok {
		return nil, mem.Perm{}, defs.EFAULT
	}
	write := cause == FaultWrite
	if write && !area.Perm.Write {
		return nil, mem.Perm{}, defs.EFAULT
	}
	if cause == FaultExec && !area.Perm.Exec {
		return nil, mem.Perm{}, defs.EFAULT
	}
	aligned := mem.PageAlignDown(va)
	if f, perm, ok := as.pt.Lookup(aligned); ok {
		if !write || perm.Write {
			return f, perm, 0
		}
	}
	pageno := int((aligned - area.Start) / mem.PageSize)

	var f *mem.Frame
	var perm mem.Perm
	var err defs.Err_t
	if sh, isShadow := area.Obj.(*shadowMobj); isShadow && write {
		f, err = sh.CopyOnWrite(pageno)
		perm = mem.Perm{Write: true, Exec: area.Perm.Exec}
	} else {
		var writable bool
		f, writable, err = area.Obj.GetPframe(pageno)
		perm = mem.Perm{Write: write && writable && area.Perm.Write, Exec: area.Perm.Exec}
	}
	if err != 0 {
		return nil, mem.Perm{}, err
	}
	as.pt.Map(aligned, f, perm)
	return f, perm, 0
}

// Pgfault handles a page fault at fa for the thread that took it: locate
// the region, match cause against its protection, and install the
// mapping.
func (as *AddressSpace) Pgfault(fa uintptr, cause FaultCause) defs.Err_t {
	_, _, err := as.faultFor(fa, cause)
	return err
}

// MapAnon creates a private (or, if shared is set, shared) anonymous
// mapping; the only difference is the shared flag on the underlying mobj.
func (as *AddressSpace) MapAnon(start uintptr, npages int, perm mem.Perm, shared bool) defs.Err_t {
	obj := newAnonMobj(as.alloc, shared)
	return as.Insert(&Vmarea{Start: start, Npages: npages, Perm: perm, Obj: obj})
}

// MapFile creates a file-backed mapping over backing, starting foff bytes
// into it.
func (as *AddressSpace) MapFile(start uintptr, npages int, perm mem.Perm, backing FileBacking, foff int, shared bool) defs.Err_t {
	obj := newFileMobj(as.alloc, backing, foff, shared)
	return as.Insert(&Vmarea{Start: start, Npages: npages, Perm: perm, Obj: obj})
}

// Mmap is the syscall-level entry point: FindRange when addr is a hint
// (MAP_FIXED unset) or validate+clear addr when fixed, then install the
// mapping. Only ANON mappings are supported directly here; file-backed
// mmap goes through fs, which calls MapFile with its own FileBacking.
func (as *AddressSpace) Mmap(addr uintptr, length int, perm mem.Perm, fixed, shared bool) (uintptr, defs.Err_t) {
	if length <= 0 {
		return 0, defs.EINVAL
	}
	npages := int(mem.PageAlignUp(uintptr(length)) / mem.PageSize)
	var start uintptr
	if fixed {
		start = mem.PageAlignDown(addr)
		if start < USERMIN || start+uintptr(npages)*mem.PageSize > USERMAX {
			return 0, defs.EINVAL
		}
		if !as.IsRangeEmpty(start, npages) {
			if err := as.Remove(start, npages); err != 0 {
				return 0, err
			}
		}
	} else {
		var ok bool
		start, ok = as.FindRange(addr, npages, LowToHigh)
		if !ok {
			return 0, defs.ENOMEM
		}
	}
	if err := as.MapAnon(start, npages, perm, shared); err != 0 {
		return 0, err
	}
	return start, 0
}

// Munmap tears down [addr, addr+length).
func (as *AddressSpace) Munmap(addr uintptr, length int) defs.Err_t {
	if length <= 0 {
		return defs.EINVAL
	}
	start := mem.PageAlignDown(addr)
	npages := int(mem.PageAlignUp(uintptr(length)) / mem.PageSize)
	return as.Remove(start, npages)
}

// Brk grows or shrinks the heap's anonymous mapping to end at newbrk.
// brk always manages a single contiguous anonymous region starting right
// above the program break's original base.
func (as *AddressSpace) Brk(newbrk uintptr) (uintptr, defs.Err_t) {
	as.mu.Lock()
	cur := as.brk
	as.mu.Unlock()
	if newbrk == 0 {
		return cur, 0
	}
	newbrk = mem.PageAlignUp(newbrk)
	if newbrk == cur {
		return cur, 0
	}
	as.mu.Lock()
	start := as.startBrk
	as.mu.Unlock()
	if newbrk < start || newbrk > USERMAX {
		return 0, defs.ENOMEM
	}
	if newbrk > cur {
		npages := int((newbrk - cur) / mem.PageSize)
		if err := as.MapAnon(cur, npages, mem.Perm{Write: true}, false); err != 0 {
			return 0, err
		}
	} else {
		npages := int((cur - newbrk) / mem.PageSize)
		if err := as.Remove(newbrk, npages); err != 0 {
			return 0, err
		}
	}
	as.mu.Lock()
	as.brk = newbrk
	as.mu.Unlock()
	return newbrk, 0
}

// Destroy releases every region's mobj reference. There is no separate
// pmap object to free in this simulation; the PageTable is owned and
// discarded by whoever owns the AddressSpace.
func (as *AddressSpace) Destroy() {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.areas.Ascend(func(a *Vmarea) bool {
		a.Obj.Unref()
		return true
	})
	as.areas.Clear(false)
}
