//go:build !windows

package main

import (
	"os"
	"syscall"
)

var (
	shutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}
	// SIGHUP reinitializes the engine.
	reinitSignals = []os.Signal{syscall.SIGHUP}
)
