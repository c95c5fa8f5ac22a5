//go:build !windows

package signals

import (
	"os"
	"syscall"
)

var notifySignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP}

func classify(sig os.Signal) signalKind {
	switch sig {
	case syscall.SIGHUP:
		return kindReload
	case syscall.SIGINT, syscall.SIGTERM:
		return kindShutdown
	}
	return kindOther
}
