// Package klog is the kernel's diagnostic log: boot-sequence tracing,
// panics, and fatal user-fault (segfault) reporting, as a thin wrapper
// over the standard library's log.Logger writing to a single sink.
package klog

import (
	"log"
	"os"

	"nucleuskernel/internal/caller"
)

var l = log.New(os.Stdout, "", log.LstdFlags)

// faultSites dedups segfault reports by kernel call chain, so a process
// busy-looping on the same unresolvable fault doesn't flood the log.
var faultSites = caller.Distinct{Enabled: true}

// Boot logs a boot-sequence milestone.
func Boot(stage string) {
	l.Printf("boot: %s", stage)
}

// Segfault logs a fatal user fault terminating a process. The first
// report from a given kernel call chain carries the chain; repeats from
// the same chain are suppressed.
func Segfault(pid int, tid int, vaddr uintptr, cause string) {
	if faultSites.Seen() {
		return
	}
	l.Printf("segfault: pid=%d tid=%d vaddr=%#x cause=%s\n\t%s", pid, tid, vaddr, cause, caller.Dump(2))
}

// Panic logs an assertion-failure-shaped kernel bug, with its call
// chain, then panics.
func Panic(msg string) {
	l.Printf("panic: %s\n%s", msg, caller.Dump(2))
	panic(msg)
}

// Infof logs a free-form informational line.
func Infof(format string, args ...interface{}) {
	l.Printf(format, args...)
}
