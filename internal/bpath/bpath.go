// Package bpath canonicalizes paths: "." and empty components are
// dropped, ".." consumes the preceding component, and ".." at the root
// stays at the root.
package bpath

import "nucleuskernel/internal/ustr"

// Canonicalize collapses "." and ".." components in p against an absolute
// base, without touching the filesystem. It is purely lexical — resolving
// symlinks or checking existence is the job of fs.Resolve.
func Canonicalize(p ustr.Ustr) ustr.Ustr {
	parts := ustr.Split(p)
	out := make([]ustr.Ustr, 0, len(parts))
	for _, c := range parts {
		if c.Isdotdot() {
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
			continue
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return ustr.MkUstrRoot()
	}
	res := ustr.Ustr{}
	for _, c := range out {
		res = res.Extend(c)
	}
	return res
}
