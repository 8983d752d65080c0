// Package fd implements the per-process file descriptor table and
// working directory.
package fd

import (
	"sync"

	"nucleuskernel/internal/bpath"
	"nucleuskernel/internal/defs"
	"nucleuskernel/internal/fdops"
	"nucleuskernel/internal/ustr"
)

// File descriptor permission bits.
const (
	FD_READ    = 0x1
	FD_WRITE   = 0x2
	FD_CLOEXEC = 0x4
)

// Fd_t represents an open file descriptor: operations plus the
// permissions this particular descriptor (not the underlying file) was
// opened with.
type Fd_t struct {
	Fops  fdops.Fdops_i
	Perms int
}

// Copyfd duplicates an open file descriptor by reopening it — used by
// dup/dup2/fork.
func Copyfd(fd *Fd_t) (*Fd_t, defs.Err_t) {
	nfd := &Fd_t{}
	*nfd = *fd
	if err := nfd.Fops.Reopen(); err != 0 {
		return nil, err
	}
	return nfd, 0
}

// ClosePanic closes the descriptor and panics on failure — reserved for
// close paths the kernel considers infallible (e.g. closing a descriptor
// this process is guaranteed to hold the only reference to).
func ClosePanic(f *Fd_t) {
	if f.Fops.Close() != 0 {
		panic("must succeed")
	}
}

// Cwd_t tracks a process's current working directory: the open descriptor
// on that directory plus its canonical path, kept in lockstep so chdir/
// getcwd never disagree.
type Cwd_t struct {
	mu   sync.Mutex
	Fd   *Fd_t
	Path ustr.Ustr
}

// Fullpath joins cwd with p if p is not already absolute.
func (cwd *Cwd_t) Fullpath(p ustr.Ustr) ustr.Ustr {
	if p.IsAbsolute() {
		return p
	}
	return cwd.Path.Extend(p)
}

// Canonicalpath resolves p relative to cwd and lexically collapses it.
func (cwd *Cwd_t) Canonicalpath(p ustr.Ustr) ustr.Ustr {
	return bpath.Canonicalize(cwd.Fullpath(p))
}

// Lock/Unlock serialize concurrent chdirs against readers of Path.
func (cwd *Cwd_t) Lock()   { cwd.mu.Lock() }
func (cwd *Cwd_t) Unlock() { cwd.mu.Unlock() }

// MkRootCwd constructs a Cwd_t rooted at "/", backed by fd.
func MkRootCwd(fd *Fd_t) *Cwd_t {
	return &Cwd_t{Fd: fd, Path: ustr.MkUstrRoot()}
}

// Table is the per-process descriptor table: a dense slice of *Fd_t
// indexed by fd number, capped at limits.NOFILE, with POSIX dup2
// semantics.
type Table struct {
	mu  sync.Mutex
	fds []*Fd_t
}

// NewTable returns an empty descriptor table.
func NewTable(capacity int) *Table {
	return &Table{fds: make([]*Fd_t, capacity)}
}

// Install places f in the lowest-numbered free slot and returns its
// number, or -1 if the table is full.
func (t *Table) Install(f *Fd_t) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.fds {
		if e == nil {
			t.fds[i] = f
			return i
		}
	}
	return -1
}

// InstallAt places f at exactly fdnum, closing and replacing whatever was
// there (dup2 semantics). Growing the table is not supported; fdnum must
// be within capacity.
func (t *Table) InstallAt(fdnum int, f *Fd_t) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fdnum < 0 || fdnum >= len(t.fds) {
		return defs.EINVAL
	}
	if old := t.fds[fdnum]; old != nil && old != f {
		old.Fops.Close()
	}
	t.fds[fdnum] = f
	return 0
}

// Get returns the descriptor at fdnum.
func (t *Table) Get(fdnum int) (*Fd_t, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fdnum < 0 || fdnum >= len(t.fds) || t.fds[fdnum] == nil {
		return nil, false
	}
	return t.fds[fdnum], true
}

// Close removes and closes the descriptor at fdnum.
func (t *Table) Close(fdnum int) defs.Err_t {
	t.mu.Lock()
	f := (*Fd_t)(nil)
	if fdnum >= 0 && fdnum < len(t.fds) {
		f = t.fds[fdnum]
		t.fds[fdnum] = nil
	}
	t.mu.Unlock()
	if f == nil {
		return defs.EBADF
	}
	return f.Fops.Close()
}

// CloseOnExec closes every descriptor marked FD_CLOEXEC — the table-level
// half of exec().
func (t *Table) CloseOnExec() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, f := range t.fds {
		if f != nil && f.Perms&FD_CLOEXEC != 0 {
			f.Fops.Close()
			t.fds[i] = nil
		}
	}
}

// Fork duplicates every live descriptor into a new table for a child
// process (reopen bumps whatever refcount the backing object keeps).
func (t *Table) Fork() (*Table, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	nt := NewTable(len(t.fds))
	for i, f := range t.fds {
		if f == nil {
			continue
		}
		nf, err := Copyfd(f)
		if err != 0 {
			return nil, err
		}
		nt.fds[i] = nf
	}
	return nt, 0
}

// CloseAll closes every live descriptor — called when a process exits.
func (t *Table) CloseAll() {
	t.mu.Lock()
	fds := append([]*Fd_t(nil), t.fds...)
	for i := range t.fds {
		t.fds[i] = nil
	}
	t.mu.Unlock()
	for _, f := range fds {
		if f != nil {
			f.Fops.Close()
		}
	}
}
