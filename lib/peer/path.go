package peer

import (
	"net/netip"
	"sync/atomic"
)

// Path is one physical route to a peer: a local socket and a remote
// endpoint. Paths are interned by the Context so every peer reached through
// the same socket and endpoint shares one Path and its liveness counters.
type Path struct {
	socket   int64
	endpoint netip.AddrPort

	lastIn  atomic.Int64
	lastOut atomic.Int64
	// latency in ms, -1 until measured
	latency atomic.Int64
}

// NewPath creates an unused path.
func NewPath(socket int64, endpoint netip.AddrPort) *Path {
	p := &Path{socket: socket, endpoint: endpoint}
	p.latency.Store(-1)
	return p
}

func (p *Path) Socket() int64            { return p.socket }
func (p *Path) Endpoint() netip.AddrPort { return p.endpoint }
func (p *Path) LastIn() int64            { return p.lastIn.Load() }
func (p *Path) LastOut() int64           { return p.lastOut.Load() }
func (p *Path) Latency() int64           { return p.latency.Load() }

// Same reports whether p goes through socket to endpoint.
func (p *Path) Same(socket int64, endpoint netip.AddrPort) bool {
	return p.socket == socket && p.endpoint == endpoint
}

// Alive reports inbound traffic within timeout.
func (p *Path) Alive(now, timeout int64) bool {
	return now-p.lastIn.Load() < timeout
}

// Received records inbound traffic.
func (p *Path) Received(now int64) { p.lastIn.Store(now) }

// UpdateLatency folds a round-trip sample into a moving average.
func (p *Path) UpdateLatency(sample int64) {
	for {
		old := p.latency.Load()
		next := sample
		if old >= 0 {
			next = (old*3 + sample) / 4
		}
		if p.latency.CompareAndSwap(old, next) {
			return
		}
	}
}

// Send hands data to the wire and records the attempt.
func (p *Path) Send(ctx Context, now int64, data []byte) bool {
	ok := ctx.WireSend(p.socket, p.endpoint, data)
	if ok {
		p.lastOut.Store(now)
	}
	return ok
}
