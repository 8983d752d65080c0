package main

import (
	"strconv"

	"nucleuskernel/internal/defs"
	"nucleuskernel/internal/devfs"
	"nucleuskernel/internal/fd"
	"nucleuskernel/internal/fs"
	"nucleuskernel/internal/fs/memfs"
	"nucleuskernel/internal/klog"
	"nucleuskernel/internal/mem"
	"nucleuskernel/internal/proc"
	"nucleuskernel/internal/sched"
	"nucleuskernel/internal/ustr"
)

// Boot runs the kernel init sequence to completion against the
// simulated collaborators this kernel supplies in place of real hardware:
// a simPageTable/simAllocator pair (package mem), an in-memory filesystem
// (package fs/memfs) as the one mounted root, and the fixed device set
// (package devfs). It returns once pid 1's body has run to completion, or
// with the error if pid 1 could not be created.
func Boot(ntty, ndisk int) defs.Err_t {
	klog.Boot("scheduler")
	core := sched.NewCore()

	klog.Boot("devfs")
	devfs.RegisterFixed(ntty, ndisk)

	klog.Boot("memfs")
	m := memfs.New()

	pt := mem.NewSimPageTable()
	alloc := mem.NewSimAllocator()

	rootFd, err := fs.OpenRoot(m.Fs)
	if err != 0 {
		return err
	}
	cwd := fd.MkRootCwd(rootFd)

	done := make(chan struct{})
	var createErr defs.Err_t

	initBody := func(p *proc.Process, th *sched.Thread) {
		defer close(done)
		runInit(p, m.Fs, ntty, ndisk)
	}

	ptab := proc.NewPtable()
	boot := sched.NewThread(0, func(t *sched.Thread) {
		_, cerr := ptab.Create(nil, "init", cwd, pt, alloc, core, initBody)
		if cerr != 0 {
			createErr = cerr
			close(done)
		}
		t.Exit(0)
	})
	core.Boot(boot)

	<-done
	return createErr
}

// runInit is pid 1's body: populate /dev with the fixed device nodes and
// log readiness. A production-shaped init would go on to fork and exec a
// shell; this kernel carries no user-mode program loader, so init's job
// ends at standing the device tree up.
func runInit(p *proc.Process, fsys *fs.Filesystem, ntty, ndisk int) {
	if err := fs.SysMkdir(p, fsys, ustr.Ustr("/dev")); err != 0 {
		klog.Infof("init: mkdir /dev failed: %d", err)
		return
	}
	mknod := func(name string, maj, min int) {
		path := ustr.Ustr("/dev/" + name)
		if err := fs.SysMknod(p, fsys, path, defs.VCHR, defs.Mkdev(maj, min)); err != 0 {
			klog.Infof("init: mknod %s failed: %d", name, err)
		}
	}
	mknod("null", defs.D_DEVNULL, 0)
	mknod("zero", defs.D_DEVZERO, 0)
	for i := 0; i < ntty; i++ {
		mknod(fmtTTY(i), defs.D_TTY, i)
	}
	for i := 0; i < ndisk; i++ {
		mknod(fmtDisk(i), defs.D_RAWDISK, i)
	}
	klog.Infof("init: device tree ready (pid %d)", p.Pid)
}

func fmtTTY(i int) string  { return "tty" + strconv.Itoa(i) }
func fmtDisk(i int) string { return "hda" + strconv.Itoa(i) }
