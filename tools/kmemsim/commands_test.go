package main

import (
	"bytes"
	"context"
	"flag"
	"strings"
	"testing"

	"github.com/google/subcommands"
	"github.com/itamar567/os/kernel/kfmt"
)

func runCommand(t *testing.T, cmd subcommands.Command, args ...string) subcommands.ExitStatus {
	t.Helper()

	defer func() {
		kfmt.SetOutputSink(nil)
		kfmt.SetHaltFn(nil)
	}()

	f := flag.NewFlagSet(cmd.Name(), flag.ContinueOnError)
	cmd.SetFlags(f)
	if err := f.Parse(args); err != nil {
		t.Fatal(err)
	}

	return cmd.Execute(context.Background(), f)
}

func TestBootCommand(t *testing.T) {
	var out bytes.Buffer
	if status := runCommand(t, &bootCmd{out: &out}, "testdata/minimal.toml"); status != subcommands.ExitSuccess {
		t.Fatalf("expected boot to succeed; got status %d with output:\n%s", status, out.String())
	}

	for _, exp := range []string{
		"Starting kernel",
		"Guard page at 0x105000",
		"Double fault stack: 0x4001a000-0x4001c000",
		"guard page:            0x105000",
		"free stack pages:      98",
	} {
		if !strings.Contains(out.String(), exp) {
			t.Errorf("expected output to contain %q; got:\n%s", exp, out.String())
		}
	}
}

func TestBootCommandHalts(t *testing.T) {
	var out bytes.Buffer
	if status := runCommand(t, &bootCmd{out: &out}, "testdata/misaligned.toml"); status != subcommands.ExitFailure {
		t.Fatalf("expected boot to fail; got status %d", status)
	}

	if exp := "[vmm] unrecoverable error: kernel section is not frame aligned"; !strings.Contains(out.String(), exp) {
		t.Fatalf("expected output to contain %q; got:\n%s", exp, out.String())
	}
}

func TestCommandUsage(t *testing.T) {
	var out bytes.Buffer
	for _, cmd := range []subcommands.Command{&bootCmd{out: &out}, &dumpCmd{out: &out}, &framesCmd{out: &out}} {
		if status := runCommand(t, cmd); status != subcommands.ExitUsageError {
			t.Errorf("[%s] expected usage error without a profile; got status %d", cmd.Name(), status)
		}

		if status := runCommand(t, cmd, "testdata/missing.toml"); status != subcommands.ExitFailure {
			t.Errorf("[%s] expected failure for a missing profile; got status %d", cmd.Name(), status)
		}
	}
}

func TestDumpCommand(t *testing.T) {
	var out bytes.Buffer
	if status := runCommand(t, &dumpCmd{out: &out}, "testdata/minimal.yaml"); status != subcommands.ExitSuccess {
		t.Fatalf("expected dump to succeed; got status %d with output:\n%s", status, out.String())
	}

	for _, exp := range []string{
		"0x00000000000b8000 -> 0x00000b8000    4096 rw-\n",
		"0x0000000000100000 -> 0x0000100000    4096 r-x\n",
		"0x0000000000103000 -> 0x0000103000    4096 r--\n",
		"0x0000000040000000 -> ",
	} {
		if !strings.Contains(out.String(), exp) {
			t.Errorf("expected output to contain %q; got:\n%s", exp, out.String())
		}
	}

	// The YAML profile places the boot tables at the start of .bss
	if unexp := "0x0000000000104000 -> "; strings.Contains(out.String(), unexp) {
		t.Errorf("expected guard page 0x104000 to be unmapped; got:\n%s", out.String())
	}

	if strings.Contains(out.String(), "writable and executable") {
		t.Errorf("expected no writable and executable mappings; got:\n%s", out.String())
	}
}

func TestFramesCommand(t *testing.T) {
	var out bytes.Buffer
	if status := runCommand(t, &framesCmd{out: &out}, "-n", "3", "testdata/minimal.toml"); status != subcommands.ExitSuccess {
		t.Fatalf("expected frames to succeed; got status %d", status)
	}

	exp := "   0 0x0000001000\n   1 0x0000002000\n   2 0x0000003000\n"
	if got := out.String(); got != exp {
		t.Fatalf("expected output:\n%s\ngot:\n%s", exp, got)
	}
}
