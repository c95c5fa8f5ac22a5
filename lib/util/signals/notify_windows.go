//go:build windows

package signals

import "os"

var notifySignals = []os.Signal{os.Interrupt}

func classify(sig os.Signal) signalKind {
	if sig == os.Interrupt {
		return kindShutdown
	}
	return kindOther
}
