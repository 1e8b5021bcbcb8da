// Command kmemsim boots the kernel memory subsystem on a simulated machine
// described by a boot profile.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[kmemsim] error: %s\n", err.Error())
	os.Exit(1)
}

func main() {
	logLevel := flag.String("log-level", "warning", "log level: panic, fatal, error, warning, info, debug or trace.")

	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&bootCmd{out: os.Stdout}, "")
	subcommands.Register(&dumpCmd{out: os.Stdout}, "")
	subcommands.Register(&framesCmd{out: os.Stdout}, "")

	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		exit(err)
	}
	logrus.SetLevel(level)

	os.Exit(int(subcommands.Execute(context.Background())))
}
