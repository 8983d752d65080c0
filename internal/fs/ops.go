package fs

import (
	"nucleuskernel/internal/defs"
	"nucleuskernel/internal/devfs"
	"nucleuskernel/internal/fd"
	"nucleuskernel/internal/fdops"
	"nucleuskernel/internal/mem"
	"nucleuskernel/internal/proc"
	"nucleuskernel/internal/ustr"
	"nucleuskernel/internal/vm"
)

// SysOpen is the open(2) syscall: resolve (and possibly create) path,
// install a descriptor for it in p's table, and return the fd number. A
// VCHR/VBLK vnode carries no file data of its own; opening one dispatches
// to the devfs registry instead of memfs's Read/Write.
func SysOpen(p *proc.Process, fsys *Filesystem, path ustr.Ustr, flags int, vtype defs.Vtype) (int, defs.Err_t) {
	v, err := Open(p.Cwd, fsys, path, flags, vtype, 0)
	if err != 0 {
		return -1, err
	}
	var f *fd.Fd_t
	if v.Vtype == defs.VCHR || v.Vtype == defs.VBLK {
		if flags&0x3 == (defs.O_WRONLY | defs.O_RDWR) {
			v.Unref()
			return -1, defs.EINVAL
		}
		devops, derr := devfs.Open(v.Rdev)
		v.Unref()
		if derr != 0 {
			return -1, derr
		}
		perms := 0
		switch flags & 0x3 {
		case defs.O_RDONLY:
			perms = fd.FD_READ
		case defs.O_WRONLY:
			perms = fd.FD_WRITE
		case defs.O_RDWR:
			perms = fd.FD_READ | fd.FD_WRITE
		}
		f = &fd.Fd_t{Fops: devops, Perms: perms}
	} else {
		f, err = OpenVnodeFlags(v, flags)
		if err != 0 {
			v.Unref()
			return -1, err
		}
	}
	fdnum := p.Fds.Install(f)
	if fdnum < 0 {
		f.Fops.Close()
		return -1, defs.EMFILE
	}
	return fdnum, 0
}

// SysMknod creates a device special file at path with the given type and
// device number.
func SysMknod(p *proc.Process, fsys *Filesystem, path ustr.Ustr, vtype defs.Vtype, rdev uint) defs.Err_t {
	parent, name, err := Dir(p.Cwd, fsys, path)
	if err != 0 {
		return err
	}
	parent.Lock()
	v, cerr := parent.fs.Ops.Create(parent, name, vtype, rdev)
	parent.Unlock()
	parent.Unref()
	if cerr != 0 {
		return cerr
	}
	v.Unref()
	return 0
}

// SysMkdir, SysUnlink, SysRmdir, SysLink, SysRename, SysChdir are thin
// wrappers binding the path-resolution primitives to a process's cwd.
func SysMkdir(p *proc.Process, fsys *Filesystem, path ustr.Ustr) defs.Err_t {
	return Mkdir(p.Cwd, fsys, path)
}

func SysUnlink(p *proc.Process, fsys *Filesystem, path ustr.Ustr) defs.Err_t {
	return Unlink(p.Cwd, fsys, path)
}

func SysRmdir(p *proc.Process, fsys *Filesystem, path ustr.Ustr) defs.Err_t {
	return Rmdir(p.Cwd, fsys, path)
}

func SysLink(p *proc.Process, fsys *Filesystem, oldpath, newpath ustr.Ustr) defs.Err_t {
	return Link(p.Cwd, fsys, oldpath, newpath)
}

func SysRename(p *proc.Process, fsys *Filesystem, oldpath, newpath ustr.Ustr) defs.Err_t {
	return Rename(p.Cwd, fsys, oldpath, newpath)
}

func SysChdir(p *proc.Process, fsys *Filesystem, path ustr.Ustr) defs.Err_t {
	return Chdir(p.Cwd, fsys, path)
}

// SysClose, SysDup, SysDup2, SysRead, SysWrite, SysLseek operate purely
// on the descriptor table and don't need a *Filesystem at all.
func SysClose(p *proc.Process, fdnum int) defs.Err_t {
	return p.Fds.Close(fdnum)
}

func SysDup(p *proc.Process, fdnum int) (int, defs.Err_t) {
	f, ok := p.Fds.Get(fdnum)
	if !ok {
		return -1, defs.EBADF
	}
	nf, err := fd.Copyfd(f)
	if err != 0 {
		return -1, err
	}
	n := p.Fds.Install(nf)
	if n < 0 {
		nf.Fops.Close()
		return -1, defs.EMFILE
	}
	return n, 0
}

func SysDup2(p *proc.Process, oldfd, newfd int) defs.Err_t {
	f, ok := p.Fds.Get(oldfd)
	if !ok {
		return defs.EBADF
	}
	if oldfd == newfd {
		return 0
	}
	nf, err := fd.Copyfd(f)
	if err != 0 {
		return err
	}
	return p.Fds.InstallAt(newfd, nf)
}

func SysRead(p *proc.Process, fdnum int, dst []byte) (int, defs.Err_t) {
	f, ok := p.Fds.Get(fdnum)
	if !ok {
		return 0, defs.EBADF
	}
	if f.Perms&fd.FD_READ == 0 {
		return 0, defs.EBADF
	}
	return f.Fops.Read(dst)
}

func SysWrite(p *proc.Process, fdnum int, src []byte) (int, defs.Err_t) {
	f, ok := p.Fds.Get(fdnum)
	if !ok {
		return 0, defs.EBADF
	}
	if f.Perms&fd.FD_WRITE == 0 {
		return 0, defs.EBADF
	}
	return f.Fops.Write(src)
}

func SysLseek(p *proc.Process, fdnum int, off, whence int) (int, defs.Err_t) {
	f, ok := p.Fds.Get(fdnum)
	if !ok {
		return 0, defs.EBADF
	}
	return f.Fops.Lseek(off, whence)
}

func SysStat(p *proc.Process, fdnum int) (fdops.Stat_t, defs.Err_t) {
	f, ok := p.Fds.Get(fdnum)
	if !ok {
		return fdops.Stat_t{}, defs.EBADF
	}
	return f.Fops.Stat()
}

// SysMmap is the file-backed half of mmap(2); the anonymous half is
// vm.AddressSpace.Mmap directly. A mapping over
// an fd must additionally check the fd's own mode before it ever reaches
// the address space — EBADF/EACCES for an fd that can't support the
// mapping being asked for, ENODEV for a file that isn't backed by
// something pageable at all (a device node, a pipe).
func SysMmap(p *proc.Process, fdnum int, addr uintptr, length int, perm mem.Perm, fixed, shared bool, foff int) (uintptr, defs.Err_t) {
	f, ok := p.Fds.Get(fdnum)
	if !ok {
		return 0, defs.EBADF
	}
	if f.Perms&fd.FD_READ == 0 {
		return 0, defs.EACCES
	}
	if shared && perm.Write && f.Perms&fd.FD_WRITE == 0 {
		return 0, defs.EACCES
	}
	rf, ok := f.Fops.(*regFile)
	if !ok {
		return 0, defs.ENODEV
	}
	rf.mu.Lock()
	appendOnly := rf.append
	rf.mu.Unlock()
	if perm.Write && appendOnly {
		return 0, defs.EACCES
	}
	backing, ok := rf.Mmappable()
	if !ok {
		return 0, defs.ENODEV
	}
	if length <= 0 {
		return 0, defs.EINVAL
	}
	npages := int(mem.PageAlignUp(uintptr(length)) / mem.PageSize)
	var start uintptr
	if fixed {
		start = mem.PageAlignDown(addr)
		if start < vm.USERMIN || start+uintptr(npages)*mem.PageSize > vm.USERMAX {
			return 0, defs.EINVAL
		}
		if !p.Vm.IsRangeEmpty(start, npages) {
			if err := p.Vm.Remove(start, npages); err != 0 {
				return 0, err
			}
		}
	} else {
		var found bool
		start, found = p.Vm.FindRange(addr, npages, vm.LowToHigh)
		if !found {
			return 0, defs.ENOMEM
		}
	}
	if err := p.Vm.MapFile(start, npages, perm, backing, foff, shared); err != 0 {
		return 0, err
	}
	return start, 0
}

// SysGetdents reads the directory entries of the vnode behind fdnum.
func SysGetdents(p *proc.Process, fdnum int) ([]Dirent, defs.Err_t) {
	f, ok := p.Fds.Get(fdnum)
	if !ok {
		return nil, defs.EBADF
	}
	rf, ok := f.Fops.(*regFile)
	if !ok {
		return nil, defs.ENOTDIR
	}
	v := rf.v
	if v.Vtype != defs.VDIR {
		return nil, defs.ENOTDIR
	}
	v.Lock()
	defer v.Unlock()
	return v.fs.Ops.Getdents(v)
}
