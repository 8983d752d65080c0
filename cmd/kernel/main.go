// Command kernel is the boot entrypoint: it wires one scheduler core, one
// in-memory filesystem, the fixed device set, and pid 1 together into a
// single running instance. Subcommand dispatch goes through
// github.com/google/subcommands, which also supplies the stock
// help/flags/commands introspection.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"nucleuskernel/internal/limits"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&bootCmd{ntty: limits.NTTY, ndisk: limits.NDISK}, "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

// bootCmd is the kernel's one real subcommand: bring the simulated machine
// up and run init to completion.
type bootCmd struct {
	ntty  int
	ndisk int
}

func (*bootCmd) Name() string     { return "boot" }
func (*bootCmd) Synopsis() string { return "bring up the kernel and run init to completion" }
func (*bootCmd) Usage() string {
	return "boot [-ntty N] [-ndisk N]\n  start the scheduler, VFS, and device layers, then run pid 1.\n"
}

func (c *bootCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.ntty, "ntty", limits.NTTY, "number of /dev/ttyN nodes to register")
	f.IntVar(&c.ndisk, "ndisk", limits.NDISK, "number of /dev/hdaN nodes to register")
}

func (c *bootCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := Boot(c.ntty, c.ndisk); err != 0 {
		fmt.Fprintf(os.Stderr, "boot: %d\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
