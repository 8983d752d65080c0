package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nucleuskernel/internal/defs"
	"nucleuskernel/internal/mem"
)

func newSpace() *AddressSpace {
	return NewAddressSpace(mem.NewSimPageTable(), mem.NewSimAllocator())
}

func TestMmapWriteReadRoundTrip(t *testing.T) {
	as := newSpace()
	addr, err := as.Mmap(0, mem.PageSize, mem.Perm{Write: true}, false, false)
	require.Equal(t, defs.Err_t(0), err)

	buf := []byte("hello, kernel")
	n, err := as.Write(addr, buf)
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, len(buf), n)

	out := make([]byte, len(buf))
	n, err = as.Read(addr, out)
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, len(buf), n)
	assert.Equal(t, buf, out)
}

func TestMunmapThenFaultIsEFAULT(t *testing.T) {
	as := newSpace()
	addr, err := as.Mmap(0, mem.PageSize, mem.Perm{Write: true}, false, false)
	require.Equal(t, defs.Err_t(0), err)

	require.Equal(t, defs.Err_t(0), as.Munmap(addr, mem.PageSize))

	_, err = as.Read(addr, make([]byte, 1))
	assert.Equal(t, defs.EFAULT, err)
}

func TestAreasStayDisjointAndSorted(t *testing.T) {
	as := newSpace()
	a1, err := as.Mmap(0, mem.PageSize, mem.Perm{Write: true}, false, false)
	require.Equal(t, defs.Err_t(0), err)
	a2, err := as.Mmap(0, mem.PageSize, mem.Perm{Write: true}, false, false)
	require.Equal(t, defs.Err_t(0), err)
	assert.NotEqual(t, a1, a2)

	var starts []uintptr
	as.areas.Ascend(func(v *Vmarea) bool {
		starts = append(starts, v.Start)
		return true
	})
	require.Len(t, starts, 2)
	assert.Less(t, starts[0], starts[1])
	for i := 0; i < len(starts)-1; i++ {
		assert.GreaterOrEqual(t, starts[i+1], starts[i]+mem.PageSize)
	}
}

// TestBrkGrowShrinkRestores: brk(x); brk(y); brk(x) with x <= y leaves
// brk == x and the heap shrunk back.
func TestBrkGrowShrinkRestores(t *testing.T) {
	as := newSpace()
	x, err := as.Brk(USERMIN + mem.PageSize)
	require.Equal(t, defs.Err_t(0), err)

	y, err := as.Brk(x + 4*mem.PageSize)
	require.Equal(t, defs.Err_t(0), err)
	assert.Greater(t, y, x)

	back, err := as.Brk(x)
	require.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, x, back)

	cur, _ := as.Brk(0)
	assert.Equal(t, x, cur)
}

func TestBrkQueryDoesNotMutate(t *testing.T) {
	as := newSpace()
	x, err := as.Brk(USERMIN + mem.PageSize)
	require.Equal(t, defs.Err_t(0), err)

	again, err := as.Brk(0)
	require.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, x, again)
}

// TestForkCOW: parent writes before fork
// are visible after fork; post-fork writes on either side are private to
// that side, and the child's pre-write read observes the parent's
// pre-fork byte.
func TestForkCOW(t *testing.T) {
	parent := newSpace()
	addr, err := parent.Mmap(0, mem.PageSize, mem.Perm{Write: true}, false, false)
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, defs.Err_t(0), errOf(parent.Write(addr, []byte{0x41})))

	childPT := mem.NewSimPageTable()
	child := parent.Clone(childPT)

	// Child reads the parent's pre-fork byte through the shared shadow
	// chain.
	buf := make([]byte, 1)
	_, err = child.Read(addr, buf)
	require.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, byte(0x41), buf[0])

	// Child writes: materializes its own copy, parent unaffected.
	require.Equal(t, defs.Err_t(0), errOf(child.Write(addr, []byte{0x42})))

	pbuf := make([]byte, 1)
	_, _ = parent.Read(addr, pbuf)
	assert.Equal(t, byte(0x41), pbuf[0], "parent must not see child's write")

	cbuf := make([]byte, 1)
	_, _ = child.Read(addr, cbuf)
	assert.Equal(t, byte(0x42), cbuf[0])

	// Parent writes after fork: child must not see it.
	require.Equal(t, defs.Err_t(0), errOf(parent.Write(addr, []byte{0x43})))
	_, _ = parent.Read(addr, pbuf)
	assert.Equal(t, byte(0x43), pbuf[0])
	_, _ = child.Read(addr, cbuf)
	assert.Equal(t, byte(0x42), cbuf[0], "child must not see parent's post-fork write")
}

func errOf(_ int, err defs.Err_t) defs.Err_t { return err }

// TestForkSharedMappingStaysShared: a SHARED anonymous mapping is never
// shadowed, so writes on either side of a fork are mutually visible.
func TestForkSharedMappingStaysShared(t *testing.T) {
	parent := newSpace()
	addr, err := parent.Mmap(0, mem.PageSize, mem.Perm{Write: true}, false, true)
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, defs.Err_t(0), errOf(parent.Write(addr, []byte{0x10})))

	child := parent.Clone(mem.NewSimPageTable())
	require.Equal(t, defs.Err_t(0), errOf(child.Write(addr, []byte{0x20})))

	buf := make([]byte, 1)
	_, _ = parent.Read(addr, buf)
	assert.Equal(t, byte(0x20), buf[0], "shared mappings must see writes from either side")
}

// TestShadowCollapseMigratesPages: collapsing a shadow link that is the sole
// remaining child of its parent must absorb the parent's own owned pages
// rather than dropping them, and must splice the parent out of the chain.
// Built directly against the shadow chain (same package) rather than
// through repeated AddressSpace.Clone/Destroy, since the exact refcount
// this guards on (parent.refs == 1) is easiest to state precisely here.
func TestShadowCollapseMigratesPages(t *testing.T) {
	alloc := mem.NewSimAllocator()
	bottom := newAnonMobj(alloc, false)
	bf, _, err := bottom.GetPframe(0)
	require.Equal(t, defs.Err_t(0), err)
	bf.Bytes()[0] = 0xAA

	mid := newShadowMobj(alloc, bottom)
	// mid materializes page 1 on its own, independent of bottom ever
	// holding it; this is the page collapse must migrate.
	midFrame, err := mid.CopyOnWrite(1)
	require.Equal(t, defs.Err_t(0), err)
	midFrame.Bytes()[0] = 0xBB

	top := newShadowMobj(alloc, mid)

	// Drop the only other reference to mid (its own vmarea, or a sibling
	// that has since exited), leaving top as mid's sole remaining child.
	mid.Unref()

	// top faults in page 0, which falls through mid to bottom; the
	// resulting CopyOnWrite should also trigger collapse() since mid's
	// refcount is now exactly 1.
	gotFrame, err := top.CopyOnWrite(0)
	require.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, byte(0xAA), gotFrame.Bytes()[0])

	gotBottom, ok := top.parent.(*anonMobj)
	require.True(t, ok, "collapse must splice mid out, chaining top directly to bottom")
	assert.Same(t, bottom, gotBottom)

	migrated, ok := top.owned[1]
	require.True(t, ok, "collapse must migrate mid's own page into top")
	assert.Equal(t, byte(0xBB), migrated.Bytes()[0])
}

func TestFindRangeFirstFit(t *testing.T) {
	as := newSpace()
	start, ok := as.FindRange(USERMIN, 4, LowToHigh)
	require.True(t, ok)
	assert.Equal(t, USERMIN, start)

	require.Equal(t, defs.Err_t(0), as.Insert(&Vmarea{Start: start, Npages: 2, Perm: mem.Perm{}, Obj: newAnonMobj(as.alloc, false)}))

	next, ok := as.FindRange(USERMIN, 2, LowToHigh)
	require.True(t, ok)
	assert.Equal(t, start+2*mem.PageSize, next)
}

// TestFindRangeHighToLow exercises the descending scan direction: the
// returned range ends exactly
// at the scan ceiling when nothing is mapped there, and a subsequent
// search continues downward from whatever is already mapped rather than
// overlapping it.
func TestFindRangeHighToLow(t *testing.T) {
	as := newSpace()
	start, ok := as.FindRange(USERMAX, 4, HighToLow)
	require.True(t, ok)
	assert.Equal(t, USERMAX-4*mem.PageSize, start)

	// Occupy only the top half of the found run, leaving [start, start+2pg)
	// free directly below it.
	require.Equal(t, defs.Err_t(0), as.Insert(&Vmarea{Start: start + 2*mem.PageSize, Npages: 2, Perm: mem.Perm{}, Obj: newAnonMobj(as.alloc, false)}))

	next, ok := as.FindRange(USERMAX, 2, HighToLow)
	require.True(t, ok)
	assert.Equal(t, start, next)
}

func TestIsRangeEmpty(t *testing.T) {
	as := newSpace()
	addr, err := as.Mmap(USERMIN, mem.PageSize, mem.Perm{}, true, false)
	require.Equal(t, defs.Err_t(0), err)
	assert.False(t, as.IsRangeEmpty(addr, 1))
	assert.True(t, as.IsRangeEmpty(addr+mem.PageSize, 1))
}

func TestRemoveSplitsOverlappingArea(t *testing.T) {
	as := newSpace()
	addr, err := as.Mmap(USERMIN, 4*mem.PageSize, mem.Perm{Write: true}, true, false)
	require.Equal(t, defs.Err_t(0), err)

	// Remove the middle two pages, leaving a split left/right pair.
	require.Equal(t, defs.Err_t(0), as.Remove(addr+mem.PageSize, 2))

	_, ok := as.Lookup(addr)
	assert.True(t, ok)
	_, ok = as.Lookup(addr + mem.PageSize)
	assert.False(t, ok)
	_, ok = as.Lookup(addr + 3*mem.PageSize)
	assert.True(t, ok)
}

// TestPagefaultWriteToReadOnlyIsEFAULT exercises the pagefault
// cause-vs-protection check.
func TestPagefaultWriteToReadOnlyIsEFAULT(t *testing.T) {
	as := newSpace()
	addr, err := as.Mmap(0, mem.PageSize, mem.Perm{Write: false}, false, false)
	require.Equal(t, defs.Err_t(0), err)

	err = as.Pgfault(addr, FaultWrite)
	assert.Equal(t, defs.EFAULT, err)
}

// TestPagefaultExecChecksProt: an instruction fetch from a region mapped
// without exec permission is EFAULT; the same fetch succeeds once the
// region carries it.
func TestPagefaultExecChecksProt(t *testing.T) {
	as := newSpace()
	noexec, err := as.Mmap(0, mem.PageSize, mem.Perm{Write: true}, false, false)
	require.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, defs.EFAULT, as.Pgfault(noexec, FaultExec))

	text, err := as.Mmap(0, mem.PageSize, mem.Perm{Exec: true}, false, false)
	require.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, defs.Err_t(0), as.Pgfault(text, FaultExec))
	assert.Equal(t, defs.Err_t(0), as.Pgfault(text, FaultRead))
}
