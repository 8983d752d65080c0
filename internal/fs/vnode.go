// Package fs implements the VFS layer: reference-counted,
// per-filesystem-interned vnodes, path resolution (Resolve/Dir/Open),
// and the syscall surface built on top. A concrete filesystem plugs in
// through the VnodeOps driver contract; package memfs is the in-memory
// implementation.
package fs

import (
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"nucleuskernel/internal/defs"
	"nucleuskernel/internal/fdops"
	"nucleuskernel/internal/hashtable"
	"nucleuskernel/internal/limits"
	"nucleuskernel/internal/ustr"
)

// Dirent is one directory entry: a name and the inode it names.
type Dirent struct {
	Name  ustr.Ustr
	Ino   uint64
	Vtype defs.Vtype
}

// VnodeOps is the driver contract a concrete filesystem implements.
// Every operation that names a directory entry
// takes the parent vnode and the single path component to act on; the
// caller (resolve/dir/open below) is responsible for all the descending
// and for serializing two-vnode operations in a fixed lock order.
type VnodeOps interface {
	Lookup(dir *Vnode, name ustr.Ustr) (*Vnode, defs.Err_t)
	Create(dir *Vnode, name ustr.Ustr, vtype defs.Vtype, rdev uint) (*Vnode, defs.Err_t)
	Mkdir(dir *Vnode, name ustr.Ustr) (*Vnode, defs.Err_t)
	Unlink(dir *Vnode, name ustr.Ustr) defs.Err_t
	Rmdir(dir *Vnode, name ustr.Ustr) defs.Err_t
	Link(dir *Vnode, name ustr.Ustr, target *Vnode) defs.Err_t
	Rename(olddir *Vnode, oldname ustr.Ustr, newdir *Vnode, newname ustr.Ustr) defs.Err_t
	Getdents(dir *Vnode) ([]Dirent, defs.Err_t)
	Read(v *Vnode, dst []byte, off int) (int, defs.Err_t)
	Write(v *Vnode, src []byte, off int) (int, defs.Err_t)
	Truncate(v *Vnode, size int) defs.Err_t
	Stat(v *Vnode) (fdops.Stat_t, defs.Err_t)
	// Reclaim is called once when the vnode's last in-memory reference
	// drops, after it has been evicted from the interning cache. The
	// driver frees the backing inode here iff its link count is zero —
	// an unlinked file must stay readable through any fd still open on
	// it until that fd closes.
	Reclaim(v *Vnode)
}

// Vnode is the in-memory, refcounted representative of one inode. Vnodes
// are interned per filesystem by inode number: two
// lookups that land on the same inode return the identical *Vnode, so
// locking a vnode really does serialize every path to that inode.
type Vnode struct {
	mu    sync.Mutex
	Ino   uint64
	Vtype defs.Vtype
	Rdev  uint // valid when Vtype == VCHR/VBLK

	fs   *Filesystem
	refs int
}

// Lock/Unlock serialize operations against this vnode's contents.
func (v *Vnode) Lock()   { v.mu.Lock() }
func (v *Vnode) Unlock() { v.mu.Unlock() }

// Ref bumps the vnode's reference count (another descriptor, dentry, or
// mmap now points at it).
func (v *Vnode) Ref() {
	v.fs.mu.Lock()
	v.refs++
	v.fs.mu.Unlock()
}

// Unref drops a reference, evicting the vnode from its filesystem's
// interning table once the count reaches zero.
func (v *Vnode) Unref() {
	v.fs.mu.Lock()
	v.refs--
	dead := v.refs == 0
	v.fs.mu.Unlock()
	if dead {
		v.fs.cache.Del(v.Ino)
		limits.Syslimit.Vnodes.Give()
		v.fs.Ops.Reclaim(v)
	}
}

// Filesystem bundles a driver (VnodeOps) with the root vnode and the
// per-filesystem vnode cache. One instance
// backs the entire namespace in this kernel (no separate mount table);
// device nodes are ordinary VCHR/VBLK entries created in it by mknod,
// and package devfs only maps their device numbers to implementations,
// rather than mounting a second Filesystem.
type Filesystem struct {
	mu    sync.Mutex
	Ops   VnodeOps
	Root  *Vnode
	cache *hashtable.Table[uint64, *Vnode]
	sf    singleflight.Group
}

// NewFilesystem wires a driver to a freshly-constructed, empty vnode
// cache. The caller still must set Root once the driver has created it
// (chicken-and-egg: the root vnode's own creation typically needs a live
// *Filesystem to intern into).
func NewFilesystem(ops VnodeOps) *Filesystem {
	return &Filesystem{Ops: ops, cache: hashtable.New[uint64, *Vnode](hashtable.HashInt[uint64])}
}

// GetOrCreate returns the interned vnode for ino, constructing one via
// make_ on a cache miss. Drivers call this from Lookup/Create/Mkdir so
// that every call site sees the same *Vnode for a given inode. Concurrent
// callers racing to intern the same not-yet-cached inode collapse onto one
// cache-fill via sf, rather than each paying for their own
// hashtable.Table.GetOrInsert call — singleflight.Group is keyed by ino
// alone, which is finer-grained than the table's own per-bucket locking.
func (fs *Filesystem) GetOrCreate(ino uint64, make_ func() (defs.Vtype, uint)) *Vnode {
	key := strconv.FormatUint(ino, 10)
	v, _, _ := fs.sf.Do(key, func() (interface{}, error) {
		v, existed := fs.cache.GetOrInsert(ino, func() *Vnode {
			vt, rdev := make_()
			return &Vnode{Ino: ino, Vtype: vt, Rdev: rdev, fs: fs, refs: 0}
		})
		if !existed {
			limits.Syslimit.Vnodes.Take()
		}
		return v, nil
	})
	vn := v.(*Vnode)
	vn.Ref()
	return vn
}

// Interned reports whether a live vnode for ino is present in the cache.
// Drivers use this to decide whether an inode whose link count just hit
// zero can be freed now or must wait for Reclaim.
func (fs *Filesystem) Interned(ino uint64) bool {
	_, ok := fs.cache.Get(ino)
	return ok
}

// lockTwo locks a and b in a fixed order (ascending inode number) so
// link/rename's two-vnode operations never deadlock against a concurrent
// operation locking the same pair in the other order. Two distinct vnodes
// with equal inode numbers are locked in argument order; there is no
// further tiebreak.
func lockTwo(a, b *Vnode) {
	if a == b {
		a.Lock()
		return
	}
	first, second := a, b
	if a.Ino > b.Ino {
		first, second = b, a
	}
	first.Lock()
	second.Lock()
}

func unlockTwo(a, b *Vnode) {
	if a == b {
		a.Unlock()
		return
	}
	a.Unlock()
	b.Unlock()
}
