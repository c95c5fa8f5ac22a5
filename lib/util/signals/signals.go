// Package signals turns process signals into reload and shutdown callbacks.
package signals

import (
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

// DefaultShutdownTimeout bounds how long shutdown handlers may run.
const DefaultShutdownTimeout = 30 * time.Second

// Handler is called when a signal arrives.
type Handler func()

// Dispatcher fans signals out to registered handlers. Handlers run in
// registration order and a panicking handler does not stop the rest.
type Dispatcher struct {
	mu       sync.Mutex
	reload   []Handler
	shutdown []Handler
	timeout  time.Duration

	ch       chan os.Signal
	stopOnce sync.Once
	done     chan struct{}
}

// New returns a Dispatcher that is not yet listening.
func New() *Dispatcher {
	return &Dispatcher{
		timeout: DefaultShutdownTimeout,
		ch:      make(chan os.Signal, 1),
		done:    make(chan struct{}),
	}
}

// OnReload registers f for SIGHUP. Nil is ignored.
func (d *Dispatcher) OnReload(f Handler) {
	if f == nil {
		return
	}
	d.mu.Lock()
	d.reload = append(d.reload, f)
	d.mu.Unlock()
}

// OnShutdown registers f for SIGINT and SIGTERM. Nil is ignored.
func (d *Dispatcher) OnShutdown(f Handler) {
	if f == nil {
		return
	}
	d.mu.Lock()
	d.shutdown = append(d.shutdown, f)
	d.mu.Unlock()
}

// SetShutdownTimeout changes the shutdown bound; non-positive values restore
// the default.
func (d *Dispatcher) SetShutdownTimeout(timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	d.mu.Lock()
	d.timeout = timeout
	d.mu.Unlock()
}

// Run listens for signals until a shutdown signal has been handled or Stop is
// called. It returns true when it ended because of a shutdown signal.
func (d *Dispatcher) Run() bool {
	signal.Notify(d.ch, notifySignals...)
	defer signal.Stop(d.ch)
	for {
		select {
		case sig := <-d.ch:
			switch classify(sig) {
			case kindReload:
				log.WithField("signal", sig.String()).Info("reloading")
				d.Reload()
			case kindShutdown:
				log.WithField("signal", sig.String()).Info("shutting down")
				d.Shutdown()
				return true
			}
		case <-d.done:
			return false
		}
	}
}

// Stop ends Run without calling any handler.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
}

// Reload runs the reload handlers.
func (d *Dispatcher) Reload() {
	d.mu.Lock()
	list := append([]Handler(nil), d.reload...)
	d.mu.Unlock()
	for _, h := range list {
		safeCall("reload", h)
	}
}

// Shutdown runs the shutdown handlers and reports whether they finished
// inside the timeout.
func (d *Dispatcher) Shutdown() bool {
	d.mu.Lock()
	list := append([]Handler(nil), d.shutdown...)
	timeout := d.timeout
	d.mu.Unlock()
	if len(list) == 0 {
		return true
	}

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for _, h := range list {
			safeCall("shutdown", h)
		}
	}()
	select {
	case <-finished:
		return true
	case <-time.After(timeout):
		log.WithField("timeout", timeout.String()).Warn("shutdown handlers did not finish in time")
		return false
	}
}

func safeCall(kind string, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logger.Fields{
				"at":    "signals.safeCall",
				"kind":  kind,
				"panic": r,
			}).Error("signal handler panicked")
		}
	}()
	h()
}

type signalKind int

const (
	kindOther signalKind = iota
	kindReload
	kindShutdown
)
