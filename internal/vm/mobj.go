// Package vm is the address-space core: an ordered set of mapped regions
// backed by memory objects, serviced by a page-fault handler that
// resolves copy-on-write lazily through chains of shadow objects,
// collapsed as siblings die so chains stay bounded. The hardware side of
// "install a mapping" is delegated to the mem.PageTable interface.
package vm

import (
	"sync"

	"nucleuskernel/internal/defs"
	"nucleuskernel/internal/mem"
)

// Mtype is the memory-object kind a Vmarea's mapping is backed by.
type Mtype int

const (
	MANON Mtype = iota
	MFILE
	MSHADOW
	MBLOCKDEV
)

// FileBacking is the interface a filesystem (package fs) implements so
// its vnodes can back a FILE mobj without vm importing fs.
type FileBacking interface {
	ReadPage(pageno int, dst []byte) defs.Err_t
	WritePage(pageno int, src []byte) defs.Err_t
}

// Mobj is a memory object: the thing a Vmarea's pages actually come from.
// GetPframe returns the frame backing pageno, allocating/fetching/copying
// as the object's kind requires.
type Mobj interface {
	Mtype() Mtype
	// GetPframe returns the frame for pageno, and whether the caller may
	// write to it directly (false means the fault handler must copy
	// before installing a writable mapping).
	GetPframe(pageno int) (f *mem.Frame, writable bool, err defs.Err_t)
	// Flush writes any dirty shared pages back to their backing store
	// (file-backed shared mappings only; a no-op otherwise).
	Flush() defs.Err_t
	// Ref/Unref track how many Vmareas (across address spaces, after
	// fork) reference this object.
	Ref()
	Unref()
}

// anonMobj backs private or shared anonymous memory: pages are allocated
// on first touch and zero-filled.
type anonMobj struct {
	mu     sync.Mutex
	alloc  mem.PhysAllocator
	pages  map[int]*mem.Frame
	shared bool
	refs   int
}

func newAnonMobj(alloc mem.PhysAllocator, shared bool) *anonMobj {
	return &anonMobj{alloc: alloc, pages: make(map[int]*mem.Frame), shared: shared, refs: 1}
}

func (m *anonMobj) Mtype() Mtype { return MANON }

func (m *anonMobj) GetPframe(pageno int) (*mem.Frame, bool, defs.Err_t) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.pages[pageno]; ok {
		return f, true, 0
	}
	f, ok := m.alloc.Alloc()
	if !ok {
		return nil, false, defs.ENOMEM
	}
	m.pages[pageno] = f
	return f, true, 0
}

func (m *anonMobj) Flush() defs.Err_t { return 0 }

func (m *anonMobj) Ref() {
	m.mu.Lock()
	m.refs++
	m.mu.Unlock()
}

func (m *anonMobj) Unref() {
	m.mu.Lock()
	m.refs--
	r := m.refs
	pages := m.pages
	m.mu.Unlock()
	if r == 0 {
		for _, f := range pages {
			m.alloc.Unref(f)
		}
	}
}

// fileMobj backs a file-mapped region. Shared mappings write faults
// straight back through FileBacking; private mappings copy-on-write via a
// shadow object layered on top at fork (newShadowMobj wraps a fileMobj the
// same as it wraps an anonMobj).
type fileMobj struct {
	mu      sync.Mutex
	alloc   mem.PhysAllocator
	backing FileBacking
	foff    int // byte offset of pageno 0 within the file
	shared  bool
	cache   map[int]*mem.Frame
	refs    int
}

func newFileMobj(alloc mem.PhysAllocator, backing FileBacking, foff int, shared bool) *fileMobj {
	return &fileMobj{alloc: alloc, backing: backing, foff: foff, shared: shared, cache: make(map[int]*mem.Frame), refs: 1}
}

func (m *fileMobj) Mtype() Mtype { return MFILE }

func (m *fileMobj) GetPframe(pageno int) (*mem.Frame, bool, defs.Err_t) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.cache[pageno]; ok {
		return f, m.shared, 0
	}
	f, ok := m.alloc.Alloc()
	if !ok {
		return nil, false, defs.ENOMEM
	}
	if err := m.backing.ReadPage(pageno+m.foff/mem.PageSize, f.Bytes()); err != 0 {
		m.alloc.Unref(f)
		return nil, false, err
	}
	m.cache[pageno] = f
	return f, m.shared, 0
}

func (m *fileMobj) Flush() defs.Err_t {
	if !m.shared {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for pageno, f := range m.cache {
		if err := m.backing.WritePage(pageno+m.foff/mem.PageSize, f.Bytes()); err != 0 {
			return err
		}
	}
	return 0
}

func (m *fileMobj) Ref() {
	m.mu.Lock()
	m.refs++
	m.mu.Unlock()
}

func (m *fileMobj) Unref() {
	m.mu.Lock()
	m.refs--
	r := m.refs
	cache := m.cache
	m.mu.Unlock()
	if r == 0 {
		for _, f := range cache {
			m.alloc.Unref(f)
		}
	}
}

// shadowMobj is the copy-on-write layer: a fork duplicates a Vmarea's
// mobj as a shadow whose parent is the original object. A read falls
// through to the
// nearest ancestor holding the page; a write copies the page into this
// shadow's own map first. Collapse merges a parent shadow into its child
// once the parent has no other live references, keeping chains from growing
// unboundedly across repeated forks.
type shadowMobj struct {
	mu     sync.Mutex
	alloc  mem.PhysAllocator
	parent Mobj
	owned  map[int]*mem.Frame
	refs   int
}

func newShadowMobj(alloc mem.PhysAllocator, parent Mobj) *shadowMobj {
	parent.Ref()
	return &shadowMobj{alloc: alloc, parent: parent, owned: make(map[int]*mem.Frame), refs: 1}
}

func (m *shadowMobj) Mtype() Mtype { return MSHADOW }

// GetPframe always returns writable=false: the fault handler is
// responsible for copying into this shadow's own map on a write fault
// (write faults are resolved by CopyOnWrite below). Walks the parent
// chain iteratively rather than recursing through the Mobj interface — a
// fork bomb produces arbitrarily long chains, and Go gives no tail-call
// guarantee across an interface method dispatch.
func (m *shadowMobj) GetPframe(pageno int) (*mem.Frame, bool, defs.Err_t) {
	m.mu.Lock()
	if f, ok := m.owned[pageno]; ok {
		m.mu.Unlock()
		return f, false, 0
	}
	m.mu.Unlock()

	var cur Mobj = m.parent
	for {
		sh, isShadow := cur.(*shadowMobj)
		if !isShadow {
			f, _, err := cur.GetPframe(pageno)
			return f, false, err
		}
		sh.mu.Lock()
		if f, ok := sh.owned[pageno]; ok {
			sh.mu.Unlock()
			return f, false, 0
		}
		parent := sh.parent
		sh.mu.Unlock()
		cur = parent
	}
}

// CopyOnWrite materializes pageno in this shadow's own map, copying from
// whichever ancestor currently backs it, and returns the new frame. The
// fault handler calls this on a write fault against a shadow-backed
// private mapping.
func (m *shadowMobj) CopyOnWrite(pageno int) (*mem.Frame, defs.Err_t) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.owned[pageno]; ok {
		return f, 0
	}
	src, _, err := m.parent.GetPframe(pageno)
	if err != 0 {
		return nil, err
	}
	nf, ok := m.alloc.Alloc()
	if !ok {
		return nil, defs.ENOMEM
	}
	copy(nf.Bytes(), src.Bytes())
	m.owned[pageno] = nf
	collapse(m)
	return nf, 0
}

func (m *shadowMobj) Flush() defs.Err_t { return 0 }

func (m *shadowMobj) Ref() {
	m.mu.Lock()
	m.refs++
	m.mu.Unlock()
}

// Unref walks the chain iteratively when a drop cascades: a dying chain
// must not unwind by recursion, since its length is unbounded.
func (m *shadowMobj) Unref() {
	var cur Mobj = m
	for cur != nil {
		sh, isShadow := cur.(*shadowMobj)
		if !isShadow {
			cur.Unref()
			return
		}
		sh.mu.Lock()
		sh.refs--
		r := sh.refs
		owned := sh.owned
		parent := sh.parent
		sh.mu.Unlock()
		if r != 0 {
			return
		}
		for _, f := range owned {
			sh.alloc.Unref(f)
		}
		cur = parent
	}
}

// collapse folds m's parent into m when m is the parent's only remaining
// child: the parent's pages are no longer shared by anyone but m, so m can
// absorb them directly and drop the indirection. This keeps shadow chains
// from growing without bound across repeated fork+exit cycles; done
// iteratively (never recursively) since chains are unbounded in
// principle.
func collapse(m *shadowMobj) {
	for {
		parent, ok := m.parent.(*shadowMobj)
		if !ok {
			return
		}
		parent.mu.Lock()
		if parent.refs != 1 {
			parent.mu.Unlock()
			return
		}
		for pageno, f := range parent.owned {
			if _, have := m.owned[pageno]; !have {
				m.owned[pageno] = f
			} else {
				m.alloc.Unref(f)
			}
		}
		grandparent := parent.parent
		parent.owned = nil
		parent.mu.Unlock()
		m.parent = grandparent
	}
}
