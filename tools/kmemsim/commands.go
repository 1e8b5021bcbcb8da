package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"github.com/itamar567/os/kernel/mm/memory"
	"github.com/itamar567/os/kernel/mm/pmm"
)

// loadSimulation loads the profile named by the single positional argument.
func loadSimulation(f *flag.FlagSet) (*Simulation, subcommands.ExitStatus) {
	if f.NArg() != 1 {
		f.Usage()
		return nil, subcommands.ExitUsageError
	}

	p, err := LoadProfile(f.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "[kmemsim] error: %s\n", err)
		return nil, subcommands.ExitFailure
	}

	sim, err := NewSimulation(p)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[kmemsim] error: %s\n", err)
		return nil, subcommands.ExitFailure
	}

	return sim, subcommands.ExitSuccess
}

func printScreen(w io.Writer, sim *Simulation) {
	for _, line := range sim.Screen() {
		fmt.Fprintln(w, line)
	}
}

// bootCmd implements subcommands.Command for the "boot" command.
type bootCmd struct {
	out io.Writer
}

// Name implements subcommands.Command.
func (*bootCmd) Name() string { return "boot" }

// Synopsis implements subcommands.Command.
func (*bootCmd) Synopsis() string { return "boot the kernel and print the console output" }

// Usage implements subcommands.Command.
func (*bootCmd) Usage() string { return "boot <profile>\n" }

// SetFlags implements subcommands.Command.
func (*bootCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (c *bootCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	sim, status := loadSimulation(f)
	if sim == nil {
		return status
	}

	k, halted := sim.Boot()
	printScreen(c.out, sim)
	if halted {
		return subcommands.ExitFailure
	}

	stats := k.Memory.Stats()
	fmt.Fprintf(c.out, "\nframes allocated:      %d\n", stats.AllocatedFrames)
	fmt.Fprintf(c.out, "page table:            0x%x\n", stats.PageTable)
	fmt.Fprintf(c.out, "guard page:            0x%x\n", stats.GuardPage)
	fmt.Fprintf(c.out, "heap:                  0x%x (%dKb)\n", stats.HeapStart, uint64(stats.HeapSize/1024))
	fmt.Fprintf(c.out, "free stack pages:      %d\n", stats.RemainingStackPages)
	fmt.Fprintf(c.out, "double fault stack:    0x%x\n", k.TSS.InterruptStackTable[0])
	return subcommands.ExitSuccess
}

// dumpCmd implements subcommands.Command for the "dump" command.
type dumpCmd struct {
	out io.Writer
}

// Name implements subcommands.Command.
func (*dumpCmd) Name() string { return "dump" }

// Synopsis implements subcommands.Command.
func (*dumpCmd) Synopsis() string { return "boot the kernel and list the active page mappings" }

// Usage implements subcommands.Command.
func (*dumpCmd) Usage() string { return "dump <profile>\n" }

// SetFlags implements subcommands.Command.
func (*dumpCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (c *dumpCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	sim, status := loadSimulation(f)
	if sim == nil {
		return status
	}

	if _, halted := sim.Boot(); halted {
		printScreen(c.out, sim)
		return subcommands.ExitFailure
	}

	status = subcommands.ExitSuccess
	for _, mapping := range sim.Machine.LeafMappings() {
		perm := []byte("r--")
		if mapping.Writable {
			perm[1] = 'w'
		}
		if !mapping.NoExecute {
			perm[2] = 'x'
		}

		fmt.Fprintf(c.out, "0x%016x -> 0x%010x %7d %s", mapping.VirtAddr, mapping.PhysAddr, mapping.Size, perm)
		if mapping.Writable && !mapping.NoExecute {
			fmt.Fprint(c.out, " writable and executable")
			status = subcommands.ExitFailure
		}
		fmt.Fprintln(c.out)
	}

	return status
}

// framesCmd implements subcommands.Command for the "frames" command.
type framesCmd struct {
	out   io.Writer
	limit int
}

// Name implements subcommands.Command.
func (*framesCmd) Name() string { return "frames" }

// Synopsis implements subcommands.Command.
func (*framesCmd) Synopsis() string { return "list the frames handed out by the frame allocator" }

// Usage implements subcommands.Command.
func (*framesCmd) Usage() string { return "frames [-n count] <profile>\n" }

// SetFlags implements subcommands.Command.
func (c *framesCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.limit, "n", 16, "maximum number of frames to allocate.")
}

// Execute implements subcommands.Command.Execute.
func (c *framesCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	sim, status := loadSimulation(f)
	if sim == nil {
		return status
	}

	info, err := sim.Info()
	if err != nil {
		fmt.Fprintf(os.Stderr, "[kmemsim] error: %s\n", err)
		return subcommands.ExitFailure
	}

	kernelStart, kernelEnd, kerr := memory.KernelRange(info)
	if kerr != nil {
		fmt.Fprintf(os.Stderr, "[kmemsim] error: %s\n", kerr)
		return subcommands.ExitFailure
	}

	alloc := pmm.NewAreaFrameAllocator(kernelStart, kernelEnd, info.StartAddress(), info.EndAddress(), pmm.AvailableAreas(info))
	for i := 0; i < c.limit; i++ {
		frame, kerr := alloc.AllocFrame()
		if kerr != nil {
			fmt.Fprintf(c.out, "%s after %d frames\n", kerr.Message, i)
			break
		}
		fmt.Fprintf(c.out, "%4d 0x%010x\n", i, frame.Address())
	}

	return subcommands.ExitSuccess
}
