// Package devfs backs the fixed device nodes created at boot: /dev/null,
// /dev/zero, /dev/ttyN, and /dev/hdaN. Each is registered by device
// number (defs.Mkdev) to a factory that produces the fdops.Fdops_i
// instance an open() on that device number gets; package fs consults this
// registry whenever it opens a VCHR/VBLK vnode instead of going
// through the filesystem driver's own Read/Write, since device vnodes
// carry no file data of their own.
package devfs

import (
	"sync"

	"nucleuskernel/internal/circbuf"
	"nucleuskernel/internal/defs"
	"nucleuskernel/internal/fdops"
	"nucleuskernel/internal/vm"
)

var (
	mu        sync.Mutex
	factories = map[uint]func() fdops.Fdops_i{}
)

// Register installs the device at (maj,min). Called once at boot for
// each fixed node; re-registering the same device number is a bug.
func Register(maj, min int, factory func() fdops.Fdops_i) {
	mu.Lock()
	defer mu.Unlock()
	d := defs.Mkdev(maj, min)
	if _, exists := factories[d]; exists {
		panic("device already registered")
	}
	factories[d] = factory
}

// Open returns a fresh Fdops_i for the device numbered rdev, or ENXIO if
// nothing is registered there.
func Open(rdev uint) (fdops.Fdops_i, defs.Err_t) {
	mu.Lock()
	f, ok := factories[rdev]
	mu.Unlock()
	if !ok {
		return nil, defs.ENXIO
	}
	return f(), 0
}

// devStat returns the same placeholder stat for every device: size 0,
// defs.VCHR (callers already know the vnode's real type; this is just
// what Fdops_i.Stat must return to satisfy the interface).
func devStat() (fdops.Stat_t, defs.Err_t) {
	return fdops.Stat_t{Vtype: defs.VCHR}, 0
}

// nullDev is /dev/null: reads EOF, writes succeed and discard everything.
type nullDev struct{}

func (nullDev) Read(dst []byte) (int, defs.Err_t)            { return 0, 0 }
func (nullDev) Write(src []byte) (int, defs.Err_t)            { return len(src), 0 }
func (nullDev) Lseek(off int, whence int) (int, defs.Err_t)   { return 0, 0 }
func (nullDev) Close() defs.Err_t                             { return 0 }
func (nullDev) Reopen() defs.Err_t                            { return 0 }
func (nullDev) Stat() (fdops.Stat_t, defs.Err_t)              { return devStat() }
func (nullDev) Mmappable() (vm.FileBacking, bool)               { return nil, false }

// zeroDev is /dev/zero: reads an endless stream of zero bytes, writes
// succeed and discard everything.
type zeroDev struct{}

func (zeroDev) Read(dst []byte) (int, defs.Err_t) {
	for i := range dst {
		dst[i] = 0
	}
	return len(dst), 0
}
func (zeroDev) Write(src []byte) (int, defs.Err_t)          { return len(src), 0 }
func (zeroDev) Lseek(off int, whence int) (int, defs.Err_t) { return 0, 0 }
func (zeroDev) Close() defs.Err_t                           { return 0 }
func (zeroDev) Reopen() defs.Err_t                          { return 0 }
func (zeroDev) Stat() (fdops.Stat_t, defs.Err_t)            { return devStat() }
func (zeroDev) Mmappable() (vm.FileBacking, bool)           { return nil, false }

// ttyDev is a /dev/ttyN node: reads and writes against a shared circular
// buffer, standing in for a real line discipline.
type ttyDev struct {
	buf *circbuf.Circbuf
}

// NewTTY allocates the backing ring buffer for one tty device; called
// once per /dev/ttyN at boot, with every open() of that node sharing the
// same buffer (a real tty's input queue is per-device, not per-fd).
func NewTTY(bufsz int) func() fdops.Fdops_i {
	buf := circbuf.New(bufsz)
	return func() fdops.Fdops_i { return &ttyDev{buf: buf} }
}

func (t *ttyDev) Read(dst []byte) (int, defs.Err_t) { return t.buf.Read(dst), 0 }
func (t *ttyDev) Write(src []byte) (int, defs.Err_t) {
	return t.buf.Write(src), 0
}
func (t *ttyDev) Lseek(off int, whence int) (int, defs.Err_t) { return 0, defs.ENOTSUP }
func (t *ttyDev) Close() defs.Err_t                           { return 0 }
func (t *ttyDev) Reopen() defs.Err_t                          { return 0 }
func (t *ttyDev) Stat() (fdops.Stat_t, defs.Err_t)            { return devStat() }
func (t *ttyDev) Mmappable() (vm.FileBacking, bool)           { return nil, false }

// rawdiskDev is /dev/hdaN: registered so the device node exists and open()
// resolves, but read, write and lseek fail with ENODEV (close, reopen and
// stat succeed) until a disk driver is wired behind it.
type rawdiskDev struct{}

func (rawdiskDev) Read(dst []byte) (int, defs.Err_t)          { return 0, defs.ENODEV }
func (rawdiskDev) Write(src []byte) (int, defs.Err_t)         { return 0, defs.ENODEV }
func (rawdiskDev) Lseek(off int, whence int) (int, defs.Err_t) { return 0, defs.ENODEV }
func (rawdiskDev) Close() defs.Err_t                          { return 0 }
func (rawdiskDev) Reopen() defs.Err_t                         { return 0 }
func (rawdiskDev) Stat() (fdops.Stat_t, defs.Err_t)           { return fdops.Stat_t{Vtype: defs.VBLK}, 0 }
func (rawdiskDev) Mmappable() (vm.FileBacking, bool)          { return nil, false }

// RegisterFixed installs the fixed device set created at boot:
// /dev/null and /dev/zero, ntty tty nodes, and ndisk raw disk nodes.
func RegisterFixed(ntty, ndisk int) {
	Register(defs.D_DEVNULL, 0, func() fdops.Fdops_i { return nullDev{} })
	Register(defs.D_DEVZERO, 0, func() fdops.Fdops_i { return zeroDev{} })
	for i := 0; i < ntty; i++ {
		Register(defs.D_TTY, i, NewTTY(4096))
	}
	for i := 0; i < ndisk; i++ {
		Register(defs.D_RAWDISK, i, func() fdops.Fdops_i { return rawdiskDev{} })
	}
}
