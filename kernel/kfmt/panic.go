package kfmt

import (
	"runtime"

	"github.com/itamar567/os/kernel"
	"github.com/sirupsen/logrus"
)

var (
	// cpuHaltFn is replaced by SetHaltFn once a CPU is available and is
	// mocked by tests.
	cpuHaltFn = runtime.Goexit

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}

	log = logrus.WithField("module", "kfmt")
)

// SetHaltFn registers the function that Panic invokes to stop the CPU.
func SetHaltFn(fn func()) {
	if fn == nil {
		fn = runtime.Goexit
	}
	cpuHaltFn = fn
}

// Panic outputs the supplied error (if not nil) to the console and halts the
// CPU. Calls to Panic never return when the halt function does not return.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t}
	case error:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t.Error()}
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
		log.WithField("cause", err.Module).Error(err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	cpuHaltFn()
}
