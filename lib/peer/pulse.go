package peer

import (
	"net/netip"

	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/go-vnet/lib/protocol"
	"github.com/go-i2p/logger"
)

// Pulse performs periodic maintenance: it expires and re-sorts paths, sends
// a HELLO when the interval, key age or odometer calls for one, works through
// the NAT traversal try queue and keeps idle paths alive.
func (p *Peer) Pulse(now int64) {
	s := p.ctx.Settings()

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.expireLocked(now, s)
	p.sortPathsLocked(now)

	alive := make([]*Path, 0, len(p.paths))
	for _, path := range p.paths {
		if path.Alive(now, s.PathAliveTimeout) {
			alive = append(alive, path)
		}
	}

	needHello := now-p.lastHello >= s.HelloInterval ||
		(p.rotationDue(now, s) && now-p.lastHello >= s.HandshakeRetryInterval)
	if needHello {
		p.lastHello = now
	}

	budget := s.MaxTriesPerPulse
	var tries []tryEntry
	for len(p.tryQueue) > 0 && budget > 0 {
		e := p.tryQueue[0]
		p.tryQueue = p.tryQueue[1:]
		tries = append(tries, e)
		budget--
	}
	p.mu.Unlock()

	if needHello {
		log.WithFields(logger.Fields{
			"at":      "peer.Pulse",
			"address": p.Address().String(),
			"paths":   len(alive),
		}).Debug("sending handshake")
		if len(alive) > 0 {
			for _, path := range alive {
				p.sendHello(now, path)
			}
		} else {
			p.sendHelloViaRoot(now)
		}
	}

	var requeue []tryEntry
	for _, e := range tries {
		p.attempt(now, e, len(alive) == 0, s)
		if e.tries--; e.tries > 0 {
			requeue = append(requeue, e)
		}
	}
	if len(requeue) > 0 {
		p.mu.Lock()
		p.tryQueue = append(p.tryQueue, requeue...)
		if over := len(p.tryQueue) - s.MaxTryQueue; over > 0 {
			p.tryQueue = p.tryQueue[over:]
		}
		p.mu.Unlock()
	}

	if !needHello {
		for _, path := range alive {
			if now-path.LastOut() >= s.KeepalivePeriod {
				if pkt, err := p.Seal(protocol.VerbNOP, nil, false); err == nil {
					path.Send(p.ctx, now, pkt)
				}
			}
		}
	}
}

// rotationDue reports whether the active key should be replaced.
func (p *Peer) rotationDue(now int64, s Settings) bool {
	if p.renegotiate.Load() {
		return true
	}
	k := p.activeKey.Load()
	if k == p.identityKey {
		return true
	}
	return now-k.Timestamp() >= s.EphemeralKeyTTL || k.Odometer() >= s.KeyOdometerLimit
}

func (p *Peer) expireLocked(now int64, s Settings) {
	kept := p.paths[:0]
	for _, path := range p.paths {
		if path.Alive(now, s.PathAliveTimeout) {
			kept = append(kept, path)
		}
	}
	for i := len(kept); i < len(p.paths); i++ {
		p.paths[i] = nil
	}
	p.paths = kept

	for id, pr := range p.probes {
		if now-pr.sent > s.ProbeTimeout {
			delete(p.probes, id)
		}
	}
	for ep, t := range p.lastTried {
		if now-t > 10*s.ContactRetryInterval {
			delete(p.lastTried, ep)
		}
	}

	// Sessions older than three rotation windows are dropped; the identity
	// key takes over until the next handshake completes.
	active := p.activeKey.Load()
	for i, k := range p.sessions {
		if k != nil && now-k.Timestamp() >= 3*s.EphemeralKeyTTL {
			if k == active {
				p.activeKey.Store(p.identityKey)
			}
			k.Destroy()
			p.sessions[i] = nil
		}
	}
}

// attempt sends trial HELLOs for one try-queue entry. With no direct path,
// IPv4 endpoints also get NAT traversal guesses: a batch of privileged
// ports when the reported port is privileged, otherwise the next few ports
// for NATs that allocate sequentially.
func (p *Peer) attempt(now int64, e tryEntry, natTraversal bool, s Settings) {
	p.mu.Lock()
	p.lastTried[e.endpoint] = now
	p.mu.Unlock()
	p.sendHello(now, p.ctx.Path(e.socket, e.endpoint))

	if !natTraversal || !e.endpoint.Addr().Is4() {
		return
	}
	addr := e.endpoint.Addr()
	if e.endpoint.Port() < 1024 {
		for i := 0; i < s.PrivilegedPortBatch; i++ {
			port := p.nextPrivilegedPort()
			if port == e.endpoint.Port() {
				continue
			}
			p.sendHello(now, p.ctx.Path(e.socket, netip.AddrPortFrom(addr, port)))
		}
		return
	}
	for i := 1; i <= s.SequentialPortSpan; i++ {
		port := int(e.endpoint.Port()) + i
		if port > 0xffff {
			break
		}
		p.sendHello(now, p.ctx.Path(e.socket, netip.AddrPortFrom(addr, uint16(port))))
	}
}

// nextPrivilegedPort walks a random permutation of ports 1..1023.
func (p *Peer) nextPrivilegedPort() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.portScan == nil {
		p.portScan = make([]uint16, 1023)
		for i := range p.portScan {
			p.portScan[i] = uint16(i + 1)
		}
		for i := len(p.portScan) - 1; i > 0; i-- {
			j := rand.Intn(i + 1)
			p.portScan[i], p.portScan[j] = p.portScan[j], p.portScan[i]
		}
	}
	port := p.portScan[p.portScanPos]
	p.portScanPos = (p.portScanPos + 1) % len(p.portScan)
	return port
}
