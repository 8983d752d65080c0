package fs

import (
	"sync"

	"nucleuskernel/internal/defs"
	"nucleuskernel/internal/fd"
	"nucleuskernel/internal/fdops"
	"nucleuskernel/internal/vm"
)

// regFile adapts a *Vnode to fdops.Fdops_i: the open-file-description
// state (byte offset, append mode) that in POSIX lives separately from
// the vnode itself, so two descriptors on the same file can seek
// independently while dup'd descriptors share one offset.
type regFile struct {
	mu     sync.Mutex
	v      *Vnode
	off    int
	append bool
}

// OpenVnode wraps v in a fresh open-file-description-backed Fd_t with
// full read/write permissions, consuming the caller's reference to v (the
// Fd_t owns it from here and will Unref on Close). Used internally for
// directory descriptors (chdir), where access-mode flags don't apply.
func OpenVnode(v *Vnode) (*fd.Fd_t, defs.Err_t) {
	return wrapFd(v, defs.O_RDWR, false), 0
}

// OpenRoot returns a descriptor on the filesystem root holding its own
// reference, leaving the Filesystem's canonical Root reference live.
func OpenRoot(fsys *Filesystem) (*fd.Fd_t, defs.Err_t) {
	fsys.Root.Ref()
	return OpenVnode(fsys.Root)
}

// OpenVnodeFlags wraps v honoring the access-mode and append bits of
// flags, the way the open(2) syscall layer needs: a directory may never be
// opened with write access (EISDIR), and O_WRONLY|O_RDWR together name no
// valid access mode (EINVAL).
func OpenVnodeFlags(v *Vnode, flags int) (*fd.Fd_t, defs.Err_t) {
	accmode := flags & 0x3
	if accmode == (defs.O_WRONLY | defs.O_RDWR) {
		return nil, defs.EINVAL
	}
	if v.Vtype == defs.VDIR && accmode != defs.O_RDONLY {
		return nil, defs.EISDIR
	}
	return wrapFd(v, flags, flags&defs.O_APPEND != 0), 0
}

func wrapFd(v *Vnode, flags int, appendMode bool) *fd.Fd_t {
	rf := &regFile{v: v, append: appendMode}
	perms := 0
	switch flags & 0x3 {
	case defs.O_RDONLY:
		perms = fd.FD_READ
	case defs.O_WRONLY:
		perms = fd.FD_WRITE
	case defs.O_RDWR:
		perms = fd.FD_READ | fd.FD_WRITE
	}
	return &fd.Fd_t{Fops: rf, Perms: perms}
}

func (rf *regFile) Vnode() *Vnode { return rf.v }

func (rf *regFile) Read(dst []byte) (int, defs.Err_t) {
	rf.mu.Lock()
	off := rf.off
	rf.mu.Unlock()
	rf.v.Lock()
	n, err := rf.v.fs.Ops.Read(rf.v, dst, off)
	rf.v.Unlock()
	if err != 0 {
		return 0, err
	}
	rf.mu.Lock()
	rf.off += n
	rf.mu.Unlock()
	return n, 0
}

func (rf *regFile) Write(src []byte) (int, defs.Err_t) {
	rf.mu.Lock()
	off := rf.off
	if rf.append {
		rf.v.Lock()
		st, _ := rf.v.fs.Ops.Stat(rf.v)
		rf.v.Unlock()
		off = st.Size
	}
	rf.mu.Unlock()
	rf.v.Lock()
	n, err := rf.v.fs.Ops.Write(rf.v, src, off)
	rf.v.Unlock()
	if err != 0 {
		return 0, err
	}
	rf.mu.Lock()
	rf.off = off + n
	rf.mu.Unlock()
	return n, 0
}

func (rf *regFile) Lseek(off int, whence int) (int, defs.Err_t) {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	var newoff int
	switch whence {
	case defs.SEEK_SET:
		newoff = off
	case defs.SEEK_CUR:
		newoff = rf.off + off
	case defs.SEEK_END:
		rf.v.Lock()
		st, err := rf.v.fs.Ops.Stat(rf.v)
		rf.v.Unlock()
		if err != 0 {
			return 0, err
		}
		newoff = st.Size + off
	default:
		return 0, defs.EINVAL
	}
	if newoff < 0 {
		return 0, defs.EINVAL
	}
	rf.off = newoff
	return rf.off, 0
}

func (rf *regFile) Close() defs.Err_t {
	rf.v.Unref()
	return 0
}

func (rf *regFile) Reopen() defs.Err_t {
	rf.v.Ref()
	return 0
}

func (rf *regFile) Stat() (fdops.Stat_t, defs.Err_t) {
	rf.v.Lock()
	defer rf.v.Unlock()
	return rf.v.fs.Ops.Stat(rf.v)
}

// Mmappable exposes this file as a vm.FileBacking for shared/private
// mmap, reading/writing whole pages through the same Ops.Read/Write path
// regular I/O uses.
func (rf *regFile) Mmappable() (vm.FileBacking, bool) {
	return (*vnodeBacking)(rf.v), true
}

// vnodeBacking adapts a *Vnode to vm.FileBacking.
type vnodeBacking Vnode

func (b *vnodeBacking) v() *Vnode { return (*Vnode)(b) }

func (b *vnodeBacking) ReadPage(pageno int, dst []byte) defs.Err_t {
	v := b.v()
	v.Lock()
	defer v.Unlock()
	n, err := v.fs.Ops.Read(v, dst, pageno*len(dst))
	if err != 0 {
		return err
	}
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	return 0
}

func (b *vnodeBacking) WritePage(pageno int, src []byte) defs.Err_t {
	v := b.v()
	v.Lock()
	defer v.Unlock()
	_, err := v.fs.Ops.Write(v, src, pageno*len(src))
	return err
}
