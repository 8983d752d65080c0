package fs

import (
	"nucleuskernel/internal/bpath"
	"nucleuskernel/internal/defs"
	"nucleuskernel/internal/fd"
	"nucleuskernel/internal/limits"
	"nucleuskernel/internal/ustr"
)

// walk descends one component at a time, starting from start, calling
// lookup for every component. It is the shared machinery behind
// Resolve/Dir/Open, which are three facets
// of one walk, not independent algorithms.
func walk(start *Vnode, comps []ustr.Ustr) (*Vnode, defs.Err_t) {
	cur := start
	cur.Ref()
	for _, c := range comps {
		if len(c) > limits.NAME_LEN {
			cur.Unref()
			return nil, defs.ENAMETOOLONG
		}
		if cur.Vtype != defs.VDIR {
			cur.Unref()
			return nil, defs.ENOTDIR
		}
		cur.Lock()
		next, err := cur.fs.Ops.Lookup(cur, c)
		cur.Unlock()
		if err != 0 {
			cur.Unref()
			return nil, err
		}
		cur.Unref()
		cur = next
	}
	return cur, 0
}

// startVnode returns the vnode a path resolution should begin from: the
// filesystem root for an absolute path, the process's cwd vnode
// otherwise.
func startVnode(cwd *fd.Cwd_t, fsys *Filesystem, p ustr.Ustr) *Vnode {
	if p.IsAbsolute() {
		return fsys.Root
	}
	return cwd.Fd.Fops.(interface{ Vnode() *Vnode }).Vnode()
}

// Resolve is the Go-cased namei/resolve: walk the full (canonicalized)
// path and return the vnode it names.
func Resolve(cwd *fd.Cwd_t, fsys *Filesystem, p ustr.Ustr) (*Vnode, defs.Err_t) {
	canon := bpath.Canonicalize(cwd.Canonicalpath(p))
	comps := ustr.Split(canon)
	return walk(startVnode(cwd, fsys, canon), comps)
}

// Dir is the Go-cased namev_dir: resolve every component but the last,
// returning the parent directory vnode and the final component name
// unresolved. Callers that need to create or remove an entry use this so
// the entry itself need not already exist.
func Dir(cwd *fd.Cwd_t, fsys *Filesystem, p ustr.Ustr) (*Vnode, ustr.Ustr, defs.Err_t) {
	canon := bpath.Canonicalize(cwd.Canonicalpath(p))
	comps := ustr.Split(canon)
	if len(comps) == 0 {
		return nil, nil, defs.EINVAL
	}
	last := comps[len(comps)-1]
	if len(last) > limits.NAME_LEN {
		return nil, nil, defs.ENAMETOOLONG
	}
	parent, err := walk(startVnode(cwd, fsys, canon), comps[:len(comps)-1])
	if err != 0 {
		return nil, nil, err
	}
	return parent, last, 0
}

// Open is the Go-cased namev_open: resolve p, optionally creating it (and
// the open-time truncate) per flags, mirroring open(2) semantics.
func Open(cwd *fd.Cwd_t, fsys *Filesystem, p ustr.Ustr, flags int, vtype defs.Vtype, rdev uint) (*Vnode, defs.Err_t) {
	v, err := Resolve(cwd, fsys, p)
	if err == 0 {
		if flags&defs.O_CREAT != 0 && flags&defs.O_EXCL != 0 {
			v.Unref()
			return nil, defs.EEXIST
		}
		if flags&defs.O_TRUNC != 0 && v.Vtype == defs.VREG {
			v.Lock()
			err := v.fs.Ops.Truncate(v, 0)
			v.Unlock()
			if err != 0 {
				v.Unref()
				return nil, err
			}
		}
		return v, 0
	}
	if err != defs.ENOENT || flags&defs.O_CREAT == 0 {
		return nil, err
	}
	parent, name, derr := Dir(cwd, fsys, p)
	if derr != 0 {
		return nil, derr
	}
	parent.Lock()
	nv, cerr := parent.fs.Ops.Create(parent, name, vtype, rdev)
	parent.Unlock()
	parent.Unref()
	if cerr != 0 {
		return nil, cerr
	}
	return nv, 0
}

// rawLastComponent returns the final slash-separated component of p
// before any canonicalization, or nil for an empty or all-slash path.
func rawLastComponent(p ustr.Ustr) ustr.Ustr {
	end := len(p)
	for end > 0 && p[end-1] == '/' {
		end--
	}
	if end == 0 {
		return nil
	}
	start := end
	for start > 0 && p[start-1] != '/' {
		start--
	}
	return p[start:end]
}

// Mkdir creates a directory at p.
func Mkdir(cwd *fd.Cwd_t, fsys *Filesystem, p ustr.Ustr) defs.Err_t {
	parent, name, err := Dir(cwd, fsys, p)
	if err != 0 {
		return err
	}
	parent.Lock()
	v, err := parent.fs.Ops.Mkdir(parent, name)
	parent.Unlock()
	parent.Unref()
	if err == 0 {
		v.Unref()
	}
	return err
}

// Unlink removes a non-directory entry at p. VREG/VCHR/VBLK/VLNK only —
// unlinking a directory is EPERM (use Rmdir).
func Unlink(cwd *fd.Cwd_t, fsys *Filesystem, p ustr.Ustr) defs.Err_t {
	parent, name, err := Dir(cwd, fsys, p)
	if err != 0 {
		return err
	}
	parent.Lock()
	target, lerr := parent.fs.Ops.Lookup(parent, name)
	if lerr != 0 {
		parent.Unlock()
		parent.Unref()
		return lerr
	}
	if target.Vtype == defs.VDIR {
		target.Unref()
		parent.Unlock()
		parent.Unref()
		return defs.EPERM
	}
	target.Unref()
	err = parent.fs.Ops.Unlink(parent, name)
	parent.Unlock()
	parent.Unref()
	return err
}

// Rmdir removes an empty directory entry at p. A path naming "." is
// EINVAL and one naming ".." is ENOTEMPTY; both must be rejected against
// the raw path, since canonicalization erases those components.
func Rmdir(cwd *fd.Cwd_t, fsys *Filesystem, p ustr.Ustr) defs.Err_t {
	if raw := rawLastComponent(p); raw != nil {
		if raw.Isdot() {
			return defs.EINVAL
		}
		if raw.Isdotdot() {
			return defs.ENOTEMPTY
		}
	}
	parent, name, err := Dir(cwd, fsys, p)
	if err != 0 {
		return err
	}
	parent.Lock()
	err = parent.fs.Ops.Rmdir(parent, name)
	parent.Unlock()
	parent.Unref()
	return err
}

// Link creates a hard link named newp pointing at the vnode named oldp.
func Link(cwd *fd.Cwd_t, fsys *Filesystem, oldp, newp ustr.Ustr) defs.Err_t {
	target, err := Resolve(cwd, fsys, oldp)
	if err != 0 {
		return err
	}
	defer target.Unref()
	if target.Vtype == defs.VDIR {
		return defs.EPERM
	}
	parent, name, derr := Dir(cwd, fsys, newp)
	if derr != 0 {
		return derr
	}
	defer parent.Unref()
	lockTwo(parent, target)
	err = parent.fs.Ops.Link(parent, name, target)
	unlockTwo(parent, target)
	return err
}

// Rename moves the entry at oldp to newp, taking both parent directories'
// locks in canonical order when they differ.
func Rename(cwd *fd.Cwd_t, fsys *Filesystem, oldp, newp ustr.Ustr) defs.Err_t {
	oldparent, oldname, err := Dir(cwd, fsys, oldp)
	if err != 0 {
		return err
	}
	defer oldparent.Unref()
	newparent, newname, err := Dir(cwd, fsys, newp)
	if err != 0 {
		return err
	}
	defer newparent.Unref()
	lockTwo(oldparent, newparent)
	err = oldparent.fs.Ops.Rename(oldparent, oldname, newparent, newname)
	unlockTwo(oldparent, newparent)
	return err
}

// Chdir resolves p to a directory and updates cwd in place.
func Chdir(cwd *fd.Cwd_t, fsys *Filesystem, p ustr.Ustr) defs.Err_t {
	v, err := Resolve(cwd, fsys, p)
	if err != 0 {
		return err
	}
	if v.Vtype != defs.VDIR {
		v.Unref()
		return defs.ENOTDIR
	}
	newFile, ferr := OpenVnode(v)
	if ferr != 0 {
		v.Unref()
		return ferr
	}
	cwd.Lock()
	old := cwd.Fd
	cwd.Fd = newFile
	cwd.Path = bpath.Canonicalize(cwd.Canonicalpath(p))
	cwd.Unlock()
	if old != nil {
		old.Fops.Close()
	}
	return 0
}
