package fs_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nucleuskernel/internal/defs"
	"nucleuskernel/internal/fd"
	"nucleuskernel/internal/fs"
	"nucleuskernel/internal/fs/memfs"
	"nucleuskernel/internal/mem"
	"nucleuskernel/internal/proc"
	"nucleuskernel/internal/sched"
	"nucleuskernel/internal/ustr"
)

// TestMmapFileRoundTripThroughFd: mmap(f) reads the same bytes as
// read(f), exercised through a real fd end to end
// (SysOpen, SysWrite, SysMmap), rather than against an anonymous mapping.
func TestMmapFileRoundTripThroughFd(t *testing.T) {
	m := memfs.New()
	rootFd, err := fs.OpenRoot(m.Fs)
	require.Equal(t, defs.Err_t(0), err)
	cwd := fd.MkRootCwd(rootFd)

	core := sched.NewCore()
	ptab := proc.NewPtable()
	done := make(chan struct{})
	var mapErr defs.Err_t
	var matched bool
	payload := []byte("mmap me")

	boot := sched.NewThread(0, func(th *sched.Thread) {
		_, cerr := ptab.Create(nil, "mmaptest", cwd, mem.NewSimPageTable(), mem.NewSimAllocator(), core, func(p *proc.Process, pth *sched.Thread) {
			fdnum, oerr := fs.SysOpen(p, m.Fs, ustr.Ustr("/f"), defs.O_CREAT|defs.O_RDWR, defs.VREG)
			require.Equal(t, defs.Err_t(0), oerr)

			_, werr := fs.SysWrite(p, fdnum, payload)
			require.Equal(t, defs.Err_t(0), werr)

			addr, merr := fs.SysMmap(p, fdnum, 0, len(payload), mem.Perm{Write: false}, false, false, 0)
			mapErr = merr
			if merr == 0 {
				mapped := make([]byte, len(payload))
				_, rerr := p.Vm.Read(addr, mapped)
				require.Equal(t, defs.Err_t(0), rerr)
				matched = string(mapped) == string(payload)
			}
			close(done)
			p.ThreadExit(pth, 0)
		})
		require.Equal(t, defs.Err_t(0), cerr)
		th.Exit(0)
	})
	core.Boot(boot)

	<-done
	assert.Equal(t, defs.Err_t(0), mapErr)
	assert.True(t, matched)
}

// TestMmapRejectsWriteWithoutFdWritePerm: a SHARED|WRITE mapping over a
// read-only fd is EACCES — the fd's own mode gates the mapping before the
// address space ever sees it.
func TestMmapRejectsWriteWithoutFdWritePerm(t *testing.T) {
	m := memfs.New()
	rootFd, err := fs.OpenRoot(m.Fs)
	require.Equal(t, defs.Err_t(0), err)
	cwd := fd.MkRootCwd(rootFd)

	core := sched.NewCore()
	ptab := proc.NewPtable()
	done := make(chan struct{})
	var mapErr defs.Err_t

	boot := sched.NewThread(0, func(th *sched.Thread) {
		_, cerr := ptab.Create(nil, "mmaptest2", cwd, mem.NewSimPageTable(), mem.NewSimAllocator(), core, func(p *proc.Process, pth *sched.Thread) {
			fdnum, oerr := fs.SysOpen(p, m.Fs, ustr.Ustr("/g"), defs.O_CREAT|defs.O_RDONLY, defs.VREG)
			require.Equal(t, defs.Err_t(0), oerr)

			_, mapErr = fs.SysMmap(p, fdnum, 0, mem.PageSize, mem.Perm{Write: true}, false, true, 0)
			close(done)
			p.ThreadExit(pth, 0)
		})
		require.Equal(t, defs.Err_t(0), cerr)
		th.Exit(0)
	})
	core.Boot(boot)

	<-done
	assert.Equal(t, defs.EACCES, mapErr)
}
