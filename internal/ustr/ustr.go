// Package ustr provides the immutable path/string type path resolution and
// the VFS use throughout the kernel.
package ustr

// Ustr represents a path or path component as kernel code sees it: a raw
// byte slice, never a Go string, so it can alias user-supplied memory
// without a conversion at every call site.
type Ustr []uint8

// Isdot reports whether the string equals ".".
func (us Ustr) Isdot() bool {
	return len(us) == 1 && us[0] == '.'
}

// Isdotdot reports whether the string equals "..".
func (us Ustr) Isdotdot() bool {
	return len(us) == 2 && us[0] == '.' && us[1] == '.'
}

// Eq compares two Ustr values for byte equality.
func (us Ustr) Eq(s Ustr) bool {
	if len(us) != len(s) {
		return false
	}
	for i, v := range us {
		if v != s[i] {
			return false
		}
	}
	return true
}

// MkUstr creates an empty Ustr value.
func MkUstr() Ustr {
	return Ustr{}
}

// MkUstrDot returns a Ustr representing ".".
func MkUstrDot() Ustr {
	return Ustr(".")
}

// MkUstrRoot returns a Ustr for the root directory "/".
func MkUstrRoot() Ustr {
	return Ustr("/")
}

// DotDot is a reusable Ustr containing "..".
var DotDot = Ustr{'.', '.'}

// Extend appends '/' and p to the current Ustr and returns the result.
func (us Ustr) Extend(p Ustr) Ustr {
	tmp := make(Ustr, len(us))
	copy(tmp, us)
	r := append(tmp, '/')
	return append(r, p...)
}

// ExtendStr appends '/' and the string p to the current Ustr.
func (us Ustr) ExtendStr(p string) Ustr {
	return us.Extend(Ustr(p))
}

// IsAbsolute reports whether the path begins with '/'.
func (us Ustr) IsAbsolute() bool {
	return len(us) > 0 && us[0] == '/'
}

// IndexByte returns the index of b in the string or -1 if not present.
func (us Ustr) IndexByte(b uint8) int {
	for i, v := range us {
		if v == b {
			return i
		}
	}
	return -1
}

// String converts the Ustr to a Go string.
func (us Ustr) String() string {
	return string(us)
}

// Split breaks a path into its non-empty, non-"." components in order,
// exactly the component stream resolve() in package fs walks. "/a//b/./c"
// yields {"a","b","c"}.
func Split(p Ustr) []Ustr {
	var parts []Ustr
	start := -1
	flush := func(end int) {
		if start < 0 {
			return
		}
		c := p[start:end]
		if len(c) > 0 && !c.Isdot() {
			parts = append(parts, c)
		}
		start = -1
	}
	for i, b := range p {
		if b == '/' {
			flush(i)
			continue
		}
		if start < 0 {
			start = i
		}
	}
	flush(len(p))
	return parts
}
