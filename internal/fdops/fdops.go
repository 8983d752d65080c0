// Package fdops defines the interface an open file description must
// satisfy to sit behind a file descriptor: the seam between
// process-visible fd operations and whatever backs them (a regular file,
// a directory, a pipe, a device). Keeping it in its own leaf package lets
// fd, fs, and devfs all implement or consume it without importing each
// other. Its method set is the union every backing type
// invokes (Read/Write/Close/Reopen/Lseek/Stat/mmap support).
package fdops

import (
	"nucleuskernel/internal/defs"
	"nucleuskernel/internal/vm"
)

// Stat_t is the subset of file metadata stat/fstat report.
type Stat_t struct {
	Ino   uint64
	Size  int
	Vtype defs.Vtype
	Rdev  uint
}

// Fdops_i is the operation set every open file description exposes to the
// descriptor table, regardless of what is behind it.
type Fdops_i interface {
	Read(dst []byte) (int, defs.Err_t)
	Write(src []byte) (int, defs.Err_t)
	// Lseek repositions the description's offset per whence
	// (defs.SEEK_SET/CUR/END) and returns the new offset.
	Lseek(off int, whence int) (int, defs.Err_t)
	Close() defs.Err_t
	// Reopen bumps whatever reference count backs this description; used
	// by dup/dup2/fork to share one underlying file among descriptors.
	Reopen() defs.Err_t
	Stat() (Stat_t, defs.Err_t)
	// Mmappable reports whether this description can back a MapFile
	// call and, if so, returns the vm.FileBacking adaptor for it. Most
	// fdops implementations (pipes, devices) are not mmappable.
	Mmappable() (backing vm.FileBacking, ok bool)
}
