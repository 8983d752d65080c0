// Package memfs is the concrete VnodeOps driver exercising package fs
// end-to-end, backing every inode with an in-memory node rather than
// disk blocks. There is no on-disk format; node contents live for the
// life of the Filesystem.
package memfs

import (
	"sync"
	"sync/atomic"

	"nucleuskernel/internal/defs"
	"nucleuskernel/internal/fdops"
	"nucleuskernel/internal/fs"
	"nucleuskernel/internal/ustr"
)

// node is the backing store for one inode: directories hold a name->ino
// map, regular files hold a byte slice, device nodes hold only a Rdev
// (read/write for those goes through devfs, not memfs.Ops).
type node struct {
	mu       sync.Mutex
	vtype    defs.Vtype
	rdev     uint
	data     []byte
	children map[string]uint64
	nlink    int
}

// Memfs is a single in-memory filesystem instance: one root, one inode
// table. Multiple instances never share inode numbers, so a *fs.Filesystem
// built from one Memfs must not be confused with another's vnodes.
type Memfs struct {
	mu      sync.Mutex
	nodes   map[uint64]*node
	nextIno uint64
	Fs      *fs.Filesystem
}

// New constructs an empty memfs with a root directory at inode 1 and
// wires it to a fresh *fs.Filesystem.
func New() *Memfs {
	m := &Memfs{nodes: make(map[uint64]*node)}
	m.Fs = fs.NewFilesystem(m)
	rootIno := m.allocIno()
	m.nodes[rootIno] = &node{vtype: defs.VDIR, children: make(map[string]uint64), nlink: 1}
	m.Fs.Root = m.Fs.GetOrCreate(rootIno, func() (defs.Vtype, uint) { return defs.VDIR, 0 })
	return m
}

func (m *Memfs) allocIno() uint64 {
	return atomic.AddUint64(&m.nextIno, 1)
}

func (m *Memfs) nodeFor(v *fs.Vnode) *node {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nodes[v.Ino]
}

// Lookup is only ever asked to resolve a single path component — "." and
// ".." are collapsed lexically by bpath.Canonicalize before a path
// reaches package fs's walk, so neither appears here.
func (m *Memfs) Lookup(dir *fs.Vnode, name ustr.Ustr) (*fs.Vnode, defs.Err_t) {
	dn := m.nodeFor(dir)
	dn.mu.Lock()
	ino, ok := dn.children[name.String()]
	dn.mu.Unlock()
	if !ok {
		return nil, defs.ENOENT
	}
	m.mu.Lock()
	n := m.nodes[ino]
	m.mu.Unlock()
	return m.Fs.GetOrCreate(ino, func() (defs.Vtype, uint) { return n.vtype, n.rdev }), 0
}

func (m *Memfs) Create(dir *fs.Vnode, name ustr.Ustr, vtype defs.Vtype, rdev uint) (*fs.Vnode, defs.Err_t) {
	dn := m.nodeFor(dir)
	dn.mu.Lock()
	defer dn.mu.Unlock()
	if _, exists := dn.children[name.String()]; exists {
		return nil, defs.EEXIST
	}
	ino := m.allocIno()
	nn := &node{vtype: vtype, rdev: rdev, nlink: 1}
	if vtype == defs.VDIR {
		nn.children = make(map[string]uint64)
	}
	m.mu.Lock()
	m.nodes[ino] = nn
	m.mu.Unlock()
	dn.children[name.String()] = ino
	return m.Fs.GetOrCreate(ino, func() (defs.Vtype, uint) { return vtype, rdev }), 0
}

func (m *Memfs) Mkdir(dir *fs.Vnode, name ustr.Ustr) (*fs.Vnode, defs.Err_t) {
	return m.Create(dir, name, defs.VDIR, 0)
}

func (m *Memfs) Unlink(dir *fs.Vnode, name ustr.Ustr) defs.Err_t {
	dn := m.nodeFor(dir)
	dn.mu.Lock()
	defer dn.mu.Unlock()
	ino, ok := dn.children[name.String()]
	if !ok {
		return defs.ENOENT
	}
	delete(dn.children, name.String())
	m.dropLink(ino)
	return 0
}

// dropLink decrements ino's link count and frees the node once nothing
// names it and no live vnode holds it open. An unlinked-but-open inode
// survives here until Reclaim fires for it.
func (m *Memfs) dropLink(ino uint64) {
	m.mu.Lock()
	n := m.nodes[ino]
	m.mu.Unlock()
	if n == nil {
		return
	}
	n.mu.Lock()
	n.nlink--
	dead := n.nlink <= 0
	n.mu.Unlock()
	if dead && !m.Fs.Interned(ino) {
		m.mu.Lock()
		delete(m.nodes, ino)
		m.mu.Unlock()
	}
}

// Reclaim frees the backing node once the last vnode reference drops, if
// every directory entry naming it is already gone.
func (m *Memfs) Reclaim(v *fs.Vnode) {
	m.mu.Lock()
	n := m.nodes[v.Ino]
	m.mu.Unlock()
	if n == nil {
		return
	}
	n.mu.Lock()
	dead := n.nlink <= 0
	n.mu.Unlock()
	if dead {
		m.mu.Lock()
		delete(m.nodes, v.Ino)
		m.mu.Unlock()
	}
}

func (m *Memfs) Rmdir(dir *fs.Vnode, name ustr.Ustr) defs.Err_t {
	dn := m.nodeFor(dir)
	dn.mu.Lock()
	ino, ok := dn.children[name.String()]
	if !ok {
		dn.mu.Unlock()
		return defs.ENOENT
	}
	m.mu.Lock()
	n := m.nodes[ino]
	m.mu.Unlock()
	n.mu.Lock()
	if n.vtype != defs.VDIR {
		n.mu.Unlock()
		dn.mu.Unlock()
		return defs.ENOTDIR
	}
	if len(n.children) != 0 {
		n.mu.Unlock()
		dn.mu.Unlock()
		return defs.ENOTEMPTY
	}
	n.mu.Unlock()
	delete(dn.children, name.String())
	dn.mu.Unlock()
	m.dropLink(ino)
	return 0
}

func (m *Memfs) Link(dir *fs.Vnode, name ustr.Ustr, target *fs.Vnode) defs.Err_t {
	dn := m.nodeFor(dir)
	dn.mu.Lock()
	defer dn.mu.Unlock()
	if _, exists := dn.children[name.String()]; exists {
		return defs.EEXIST
	}
	tn := m.nodeFor(target)
	tn.mu.Lock()
	tn.nlink++
	tn.mu.Unlock()
	dn.children[name.String()] = target.Ino
	return 0
}

func (m *Memfs) Rename(olddir *fs.Vnode, oldname ustr.Ustr, newdir *fs.Vnode, newname ustr.Ustr) defs.Err_t {
	odn := m.nodeFor(olddir)
	ndn := m.nodeFor(newdir)
	// olddir and newdir are already lock-ordered by the caller (package
	// fs's lockTwo); locking their node maps here is just protecting this
	// driver's own children maps, which are distinct from the vnode locks.
	if odn == ndn {
		odn.mu.Lock()
		defer odn.mu.Unlock()
	} else {
		odn.mu.Lock()
		defer odn.mu.Unlock()
		ndn.mu.Lock()
		defer ndn.mu.Unlock()
	}
	ino, ok := odn.children[oldname.String()]
	if !ok {
		return defs.ENOENT
	}
	if existing, exists := ndn.children[newname.String()]; exists {
		m.dropLink(existing)
	}
	delete(odn.children, oldname.String())
	ndn.children[newname.String()] = ino
	return 0
}

func (m *Memfs) Getdents(dir *fs.Vnode) ([]fs.Dirent, defs.Err_t) {
	dn := m.nodeFor(dir)
	dn.mu.Lock()
	defer dn.mu.Unlock()
	out := make([]fs.Dirent, 0, len(dn.children))
	for name, ino := range dn.children {
		m.mu.Lock()
		n := m.nodes[ino]
		m.mu.Unlock()
		out = append(out, fs.Dirent{Name: ustr.Ustr(name), Ino: ino, Vtype: n.vtype})
	}
	return out, 0
}

func (m *Memfs) Read(v *fs.Vnode, dst []byte, off int) (int, defs.Err_t) {
	if v.Vtype == defs.VDIR {
		return 0, defs.EISDIR
	}
	n := m.nodeFor(v)
	n.mu.Lock()
	defer n.mu.Unlock()
	if off >= len(n.data) {
		return 0, 0
	}
	c := copy(dst, n.data[off:])
	return c, 0
}

func (m *Memfs) Write(v *fs.Vnode, src []byte, off int) (int, defs.Err_t) {
	n := m.nodeFor(v)
	n.mu.Lock()
	defer n.mu.Unlock()
	end := off + len(src)
	if end > len(n.data) {
		grown := make([]byte, end)
		copy(grown, n.data)
		n.data = grown
	}
	copy(n.data[off:end], src)
	return len(src), 0
}

func (m *Memfs) Truncate(v *fs.Vnode, size int) defs.Err_t {
	n := m.nodeFor(v)
	n.mu.Lock()
	defer n.mu.Unlock()
	if size < 0 {
		return defs.EINVAL
	}
	if size <= len(n.data) {
		n.data = n.data[:size]
		return 0
	}
	grown := make([]byte, size)
	copy(grown, n.data)
	n.data = grown
	return 0
}

func (m *Memfs) Stat(v *fs.Vnode) (fdops.Stat_t, defs.Err_t) {
	n := m.nodeFor(v)
	n.mu.Lock()
	defer n.mu.Unlock()
	return fdops.Stat_t{Ino: v.Ino, Size: len(n.data), Vtype: n.vtype, Rdev: n.rdev}, 0
}
