// Package peer tracks the state this node keeps about each remote node: the
// identity agreement key, ephemeral sessions, physical paths and the
// maintenance that keeps them alive.
//
// A Peer's hot paths (Send, Decrypt, Deduplicate, the rate gates) read
// atomics only. Topology changes take the write lock.
package peer

import (
	"math"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/go-i2p/go-vnet/lib/crypto/symmetric"
	"github.com/go-i2p/go-vnet/lib/identity"
	"github.com/go-i2p/go-vnet/lib/protocol"
	"github.com/go-i2p/go-vnet/lib/util/secure"
	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

const (
	ephemeralRing = 3
	sessionRing   = 3
	dedupSize     = 1024
	maxProbes     = 64
)

// Protocol version advertised in HELLO and persisted with the peer.
const (
	ProtocolVersion uint16 = 1
	VersionMajor    uint16 = 0
	VersionMinor    uint16 = 1
	VersionRevision uint16 = 0
)

type probe struct {
	socket   int64
	endpoint netip.AddrPort
	sent     int64
}

type tryEntry struct {
	socket   int64
	endpoint netip.AddrPort
	tries    int
}

// Peer is a remote node.
type Peer struct {
	ctx Context
	id  *identity.Identity

	identityKey *symmetric.Key
	activeKey   atomic.Pointer[symmetric.Key]
	bestPath    atomic.Pointer[Path]
	lastReceive atomic.Int64
	lastSend    atomic.Int64
	renegotiate atomic.Bool
	dedup       [dedupSize]atomic.Uint64

	lastWhois atomic.Int64
	lastEcho  atomic.Int64
	lastProbe atomic.Int64

	mu            sync.RWMutex
	paths         []*Path
	tryQueue      []tryEntry
	lastTried     map[netip.AddrPort]int64
	probes        map[uint64]probe
	ephemeral     [ephemeralRing]*ephemeralKey
	ephemeralNext int
	sessions      [sessionRing]*symmetric.Key
	sessionNext   int
	pending       *symmetric.Key
	locator       *Locator
	lastHello     int64
	versions      [4]uint16
	portScan      []uint16
	portScanPos   int
	destroyed     bool
}

// New creates a peer for id, performing identity key agreement.
func New(ctx Context, now int64, id *identity.Identity) (*Peer, error) {
	local := ctx.Identity()
	if id.Address() == local.Address() {
		return nil, ErrSelf
	}
	secret, err := local.Agree(id)
	if err != nil {
		return nil, err
	}
	defer secure.Erase(secret[:])
	key, err := symmetric.New(now, secret[:])
	if err != nil {
		return nil, err
	}
	return newPeer(ctx, id, key), nil
}

func newPeer(ctx Context, id *identity.Identity, key *symmetric.Key) *Peer {
	p := &Peer{
		ctx:         ctx,
		id:          id.PublicOnly(),
		identityKey: key,
		lastTried:   make(map[netip.AddrPort]int64),
		probes:      make(map[uint64]probe),
		lastHello:   math.MinInt64 / 2,
	}
	p.activeKey.Store(key)
	for _, g := range []*atomic.Int64{&p.lastWhois, &p.lastEcho, &p.lastProbe} {
		g.Store(math.MinInt64 / 2)
	}
	// slot i only ever holds IDs congruent to i, so i+1 marks it empty
	for i := range p.dedup {
		p.dedup[i].Store(uint64(i) + 1)
	}
	log.WithFields(logger.Fields{
		"at":      "peer.New",
		"address": id.Address().String(),
	}).Debug("created peer")
	return p
}

// Identity returns the peer's public identity.
func (p *Peer) Identity() *identity.Identity { return p.id }

// Address returns the peer's address.
func (p *Peer) Address() identity.Address { return p.id.Address() }

// IdentityKey returns the long-lived agreement key.
func (p *Peer) IdentityKey() *symmetric.Key { return p.identityKey }

// ActiveKey returns the key used for sending.
func (p *Peer) ActiveKey() *symmetric.Key { return p.activeKey.Load() }

// NeedsRenegotiation is set when a packet only decrypted under a fallback key.
func (p *Peer) NeedsRenegotiation() bool { return p.renegotiate.Load() }

// LastReceive is the time of the last authenticated packet.
func (p *Peer) LastReceive() int64 { return p.lastReceive.Load() }

// Versions returns protocol, major, minor and revision as last reported.
func (p *Peer) Versions() [4]uint16 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.versions
}

// Locator returns the last verified locator, or nil.
func (p *Peer) Locator() *Locator {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.locator
}

// SetLocator installs l if it is correctly signed and newer than the one held.
func (p *Peer) SetLocator(l *Locator) bool {
	if l == nil || !l.Verify(p.id) {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.locator != nil && p.locator.Timestamp >= l.Timestamp {
		return false
	}
	p.locator = l
	return true
}

// Paths returns a snapshot of the live path table in priority order.
func (p *Peer) Paths() []*Path {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*Path(nil), p.paths...)
}

// BestPath returns the highest-priority path if it is alive.
func (p *Peer) BestPath(now int64) *Path {
	bp := p.bestPath.Load()
	if bp != nil && bp.Alive(now, p.ctx.Settings().PathAliveTimeout) {
		return bp
	}
	return nil
}

// Deduplicate returns true if packetID was seen recently.
func (p *Peer) Deduplicate(packetID uint64) bool {
	slot := &p.dedup[packetID%dedupSize]
	return slot.Swap(packetID) == packetID
}

func gate(ts *atomic.Int64, now, interval int64) bool {
	for {
		last := ts.Load()
		if now-last < interval {
			return false
		}
		if ts.CompareAndSwap(last, now) {
			return true
		}
	}
}

// RateGateWhois allows one WHOIS reply per interval.
func (p *Peer) RateGateWhois(now int64) bool {
	return gate(&p.lastWhois, now, p.ctx.Settings().WhoisInterval)
}

// RateGateEcho allows one ECHO reply per interval.
func (p *Peer) RateGateEcho(now int64) bool {
	return gate(&p.lastEcho, now, p.ctx.Settings().EchoInterval)
}

// RateGateProbe allows one path probe per interval.
func (p *Peer) RateGateProbe(now int64) bool {
	return gate(&p.lastProbe, now, p.ctx.Settings().ProbeInterval)
}

// Seal encrypts a message to this peer under the active key.
func (p *Peer) Seal(verb protocol.Verb, payload []byte, compress bool) ([]byte, error) {
	return protocol.Seal(p.activeKey.Load(), p.ctx.Identity().Address(), p.Address(), verb, payload, compress)
}

// SealWithIdentityKey encrypts under the identity key; used for handshake
// replies the peer must be able to read before any session exists.
func (p *Peer) SealWithIdentityKey(verb protocol.Verb, payload []byte) ([]byte, error) {
	return protocol.Seal(p.identityKey, p.ctx.Identity().Address(), p.Address(), verb, payload, false)
}

// Decrypt authenticates a packet from this peer. HELLO-suite packets use the
// identity key. Others try the active key first, then every other key held;
// success under a fallback key flags renegotiation. Failure is silent.
func (p *Peer) Decrypt(data []byte) (protocol.Message, bool) {
	h, err := protocol.ParseHeader(data)
	if err != nil {
		return protocol.Message{}, false
	}
	if h.Cipher == protocol.CipherHello {
		return protocol.Open(p.identityKey, data)
	}

	active := p.activeKey.Load()
	if m, ok := protocol.Open(active, data); ok {
		return m, true
	}

	p.mu.RLock()
	candidates := make([]*symmetric.Key, 0, sessionRing+1)
	for i := 1; i <= sessionRing; i++ {
		k := p.sessions[(p.sessionNext-i+sessionRing)%sessionRing]
		if k != nil && k != active {
			candidates = append(candidates, k)
		}
	}
	p.mu.RUnlock()
	if p.identityKey != active {
		candidates = append(candidates, p.identityKey)
	}

	for _, k := range candidates {
		if m, ok := protocol.Open(k, data); ok {
			if p.confirmPending(k) {
				return m, true
			}
			p.renegotiate.Store(true)
			log.WithFields(logger.Fields{
				"at":      "peer.Decrypt",
				"address": p.Address().String(),
			}).Debug("packet decrypted under fallback key")
			return m, true
		}
	}
	return protocol.Message{}, false
}

// confirmPending promotes k to the active key if it is the session we
// answered a HELLO with and the initiator has now used it.
func (p *Peer) confirmPending(k *symmetric.Key) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending != k || p.destroyed {
		return false
	}
	p.pending = nil
	p.activeKey.Store(k)
	p.renegotiate.Store(false)
	log.WithFields(logger.Fields{
		"at":      "peer.confirmPending",
		"address": p.Address().String(),
	}).Debug("initiator confirmed ephemeral session")
	return true
}

// Send transmits an already sealed packet over the best direct path, or via
// the root when there is none.
func (p *Peer) Send(now int64, data []byte) bool {
	if bp := p.BestPath(now); bp != nil {
		if bp.Send(p.ctx, now, data) {
			p.lastSend.Store(now)
			return true
		}
	}
	root := p.ctx.Root()
	if root == nil || root == p {
		return false
	}
	rp := root.BestPath(now)
	if rp == nil || !rp.Send(p.ctx, now, data) {
		return false
	}
	p.lastSend.Store(now)
	return true
}

// Received is called for every authenticated packet from this peer. A direct
// path not yet in the table is promoted only when the packet is an OK
// answering a HELLO we sent to that exact endpoint; otherwise a rate-limited
// trial HELLO is sent to prove the path.
func (p *Peer) Received(now int64, path *Path, hops uint8, packetID uint64, verb protocol.Verb, inRePacketID uint64) {
	p.lastReceive.Store(now)
	path.Received(now)
	if hops != 0 {
		return
	}

	p.mu.RLock()
	known := p.indexOf(path) >= 0
	p.mu.RUnlock()
	if known {
		return
	}
	if !p.ctx.ShouldUsePath(path.Socket(), p.Address(), path.Endpoint()) {
		return
	}

	if verb == protocol.VerbOK && p.confirmProbe(now, path, inRePacketID) {
		p.learnPath(now, path)
		return
	}

	if !p.markTried(now, path.Endpoint()) {
		return
	}
	p.sendHello(now, path)
}

func (p *Peer) indexOf(path *Path) int {
	for i, q := range p.paths {
		if q == path || q.Same(path.Socket(), path.Endpoint()) {
			return i
		}
	}
	return -1
}

func (p *Peer) markTried(now int64, ep netip.AddrPort) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if last, ok := p.lastTried[ep]; ok && now-last < p.ctx.Settings().ContactRetryInterval {
		return false
	}
	p.lastTried[ep] = now
	return true
}

func (p *Peer) confirmProbe(now int64, path *Path, packetID uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.probes[packetID]
	if !ok || !path.Same(pr.socket, pr.endpoint) {
		return false
	}
	delete(p.probes, packetID)
	if now-pr.sent > p.ctx.Settings().ProbeTimeout {
		return false
	}
	path.UpdateLatency(now - pr.sent)
	return true
}

func (p *Peer) learnPath(now int64, path *Path) {
	s := p.ctx.Settings()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed || p.indexOf(path) >= 0 {
		return
	}
	if len(p.paths) < s.MaxPaths {
		p.paths = append(p.paths, path)
	} else {
		p.sortPathsLocked(now)
		p.paths[len(p.paths)-1] = path
	}
	p.sortPathsLocked(now)
	log.WithFields(logger.Fields{
		"at":       "peer.learnPath",
		"address":  p.Address().String(),
		"endpoint": path.Endpoint().String(),
		"paths":    len(p.paths),
	}).Debug("learned new direct path")
}

// sortPathsLocked orders paths alive first, then by latency, then by most
// recent receipt, and publishes the best one.
func (p *Peer) sortPathsLocked(now int64) {
	timeout := p.ctx.Settings().PathAliveTimeout
	slices.SortStableFunc(p.paths, func(a, b *Path) int {
		aa, ba := a.Alive(now, timeout), b.Alive(now, timeout)
		if aa != ba {
			if aa {
				return -1
			}
			return 1
		}
		al, bl := a.Latency(), b.Latency()
		if al != bl {
			switch {
			case al < 0:
				return 1
			case bl < 0:
				return -1
			case al < bl:
				return -1
			default:
				return 1
			}
		}
		switch {
		case a.LastIn() > b.LastIn():
			return -1
		case a.LastIn() < b.LastIn():
			return 1
		}
		return 0
	})
	if len(p.paths) > 0 && p.paths[0].Alive(now, timeout) {
		p.bestPath.Store(p.paths[0])
	} else {
		p.bestPath.Store(nil)
	}
}

// Contact asks the peer to try endpoint for tries pulses. Endpoints already
// alive or already queued are not duplicated, and each endpoint is retried
// at most once per ContactRetryInterval.
func (p *Peer) Contact(now int64, socket int64, endpoint netip.AddrPort, tries int) {
	s := p.ctx.Settings()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, path := range p.paths {
		if path.Same(socket, endpoint) && path.Alive(now, s.PathAliveTimeout) {
			return
		}
	}
	if last, ok := p.lastTried[endpoint]; ok && now-last < s.ContactRetryInterval {
		return
	}
	for i := range p.tryQueue {
		if p.tryQueue[i].endpoint == endpoint && p.tryQueue[i].socket == socket {
			if tries > p.tryQueue[i].tries {
				p.tryQueue[i].tries = tries
			}
			return
		}
	}
	if len(p.tryQueue) >= s.MaxTryQueue {
		p.tryQueue = p.tryQueue[1:]
	}
	p.tryQueue = append(p.tryQueue, tryEntry{socket: socket, endpoint: endpoint, tries: tries})
}

// TryQueueLen returns the number of pending endpoint attempts.
func (p *Peer) TryQueueLen() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.tryQueue)
}

// Destroy erases every key held for this peer.
func (p *Peer) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return
	}
	p.destroyed = true
	p.pending = nil
	for i, k := range p.sessions {
		if k != nil {
			k.Destroy()
			p.sessions[i] = nil
		}
	}
	for i, e := range p.ephemeral {
		if e != nil {
			e.erase()
			p.ephemeral[i] = nil
		}
	}
	p.identityKey.Destroy()
	p.bestPath.Store(nil)
}
