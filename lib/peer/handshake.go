package peer

import (
	"bytes"
	"crypto/sha512"
	"encoding/binary"
	"io"

	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/go-vnet/lib/crypto/symmetric"
	"github.com/go-i2p/go-vnet/lib/protocol"
	"github.com/go-i2p/go-vnet/lib/util/secure"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var sessionInfo = []byte("vnet-ephemeral-session")

const ephemeralKeySize = 32

type ephemeralKey struct {
	priv    [ephemeralKeySize]byte
	pub     [ephemeralKeySize]byte
	created int64
}

func newEphemeralKey(now int64) (*ephemeralKey, error) {
	e := &ephemeralKey{created: now}
	if _, err := rand.Read(e.priv[:]); err != nil {
		return nil, oops.Wrapf(err, "peer: reading ephemeral key")
	}
	pub, err := curve25519.X25519(e.priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, oops.Wrapf(err, "peer: deriving ephemeral public key")
	}
	copy(e.pub[:], pub)
	return e, nil
}

func (e *ephemeralKey) erase() { secure.Erase(e.priv[:]) }

// hello is the HELLO body:
// [proto 2][major 2][minor 2][revision 2][timestamp 8][ephemeral 32][has locator 1][locator]
type hello struct {
	versions  [4]uint16
	timestamp int64
	ephemeral [ephemeralKeySize]byte
	locator   *Locator
}

func (h *hello) marshal() []byte {
	var b bytes.Buffer
	for _, v := range h.versions {
		binary.Write(&b, binary.BigEndian, v)
	}
	binary.Write(&b, binary.BigEndian, h.timestamp)
	b.Write(h.ephemeral[:])
	if h.locator != nil {
		b.WriteByte(1)
		b.Write(h.locator.Marshal())
	} else {
		b.WriteByte(0)
	}
	return b.Bytes()
}

func parseHello(data []byte) (*hello, error) {
	const fixed = 8 + 8 + ephemeralKeySize + 1
	if len(data) < fixed {
		return nil, ErrShortHello
	}
	h := &hello{}
	for i := range h.versions {
		h.versions[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	h.timestamp = int64(binary.BigEndian.Uint64(data[8:]))
	copy(h.ephemeral[:], data[16:16+ephemeralKeySize])
	if data[fixed-1] != 0 {
		l, _, err := UnmarshalLocator(data[fixed:])
		if err != nil {
			return nil, err
		}
		h.locator = l
	}
	return h, nil
}

// helloOK is the OK(HELLO) body:
// [echoed timestamp 8][versions 8][responder ephemeral 32][initiator ephemeral 32]
type helloOK struct {
	timestamp int64
	versions  [4]uint16
	responder [ephemeralKeySize]byte
	initiator [ephemeralKeySize]byte
}

const helloOKSize = 8 + 8 + 2*ephemeralKeySize

func (o *helloOK) marshal() []byte {
	b := make([]byte, helloOKSize)
	binary.BigEndian.PutUint64(b, uint64(o.timestamp))
	for i, v := range o.versions {
		binary.BigEndian.PutUint16(b[8+i*2:], v)
	}
	copy(b[16:], o.responder[:])
	copy(b[16+ephemeralKeySize:], o.initiator[:])
	return b
}

func parseHelloOK(data []byte) (*helloOK, error) {
	if len(data) < helloOKSize {
		return nil, ErrShortHello
	}
	o := &helloOK{timestamp: int64(binary.BigEndian.Uint64(data))}
	for i := range o.versions {
		o.versions[i] = binary.BigEndian.Uint16(data[8+i*2:])
	}
	copy(o.responder[:], data[16:])
	copy(o.initiator[:], data[16+ephemeralKeySize:])
	return o, nil
}

func localVersions() [4]uint16 {
	return [4]uint16{ProtocolVersion, VersionMajor, VersionMinor, VersionRevision}
}

// currentEphemeralLocked returns the newest local ephemeral key, generating a
// new one when none exists or the newest is older than the rotation window.
func (p *Peer) currentEphemeralLocked(now int64) (*ephemeralKey, error) {
	latest := p.ephemeral[(p.ephemeralNext+ephemeralRing-1)%ephemeralRing]
	if latest != nil && now-latest.created < p.ctx.Settings().EphemeralKeyTTL {
		return latest, nil
	}
	e, err := newEphemeralKey(now)
	if err != nil {
		return nil, err
	}
	if old := p.ephemeral[p.ephemeralNext]; old != nil {
		old.erase()
	}
	p.ephemeral[p.ephemeralNext] = e
	p.ephemeralNext = (p.ephemeralNext + 1) % ephemeralRing
	return e, nil
}

// sendHello sends a HELLO over path and records it as a probe of that path.
func (p *Peer) sendHello(now int64, path *Path) bool {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return false
	}
	eph, err := p.currentEphemeralLocked(now)
	if err != nil {
		p.mu.Unlock()
		log.WithError(err).Error("failed to generate ephemeral key")
		return false
	}
	h := hello{versions: localVersions(), timestamp: now, ephemeral: eph.pub}
	p.mu.Unlock()

	pkt, err := protocol.SealHello(p.identityKey, p.ctx.Identity(), p.Address(), protocol.VerbHello, h.marshal())
	if err != nil {
		return false
	}
	hdr, _ := protocol.ParseHeader(pkt)

	p.mu.Lock()
	p.recordProbeLocked(now, hdr.PacketID, path)
	p.mu.Unlock()

	return path.Send(p.ctx, now, pkt)
}

// sendHelloViaRoot sends a HELLO relayed by the root. It proves no path.
func (p *Peer) sendHelloViaRoot(now int64) bool {
	root := p.ctx.Root()
	if root == nil || root == p {
		return false
	}
	rp := root.BestPath(now)
	if rp == nil {
		return false
	}
	p.mu.Lock()
	eph, err := p.currentEphemeralLocked(now)
	p.mu.Unlock()
	if err != nil {
		return false
	}
	h := hello{versions: localVersions(), timestamp: now, ephemeral: eph.pub}
	pkt, err := protocol.SealHello(p.identityKey, p.ctx.Identity(), p.Address(), protocol.VerbHello, h.marshal())
	if err != nil {
		return false
	}
	return rp.Send(p.ctx, now, pkt)
}

func (p *Peer) recordProbeLocked(now int64, packetID uint64, path *Path) {
	if len(p.probes) >= maxProbes {
		timeout := p.ctx.Settings().ProbeTimeout
		for id, pr := range p.probes {
			if now-pr.sent > timeout {
				delete(p.probes, id)
			}
		}
		if len(p.probes) >= maxProbes {
			for id := range p.probes {
				delete(p.probes, id)
				break
			}
		}
	}
	p.probes[packetID] = probe{socket: path.Socket(), endpoint: path.Endpoint(), sent: now}
}

// OnHello processes an authenticated HELLO: it records versions and locator,
// derives a session from the initiator's ephemeral key and answers with
// OK(HELLO) over the path the HELLO arrived on. The new session stays
// pending, and we keep sending under the previous key, until the initiator
// sends a packet under it.
func (p *Peer) OnHello(now int64, path *Path, m protocol.Message) error {
	h, err := parseHello(m.Payload)
	if err != nil {
		return err
	}
	if h.locator != nil && p.SetLocator(h.locator) {
		for _, ep := range h.locator.Endpoints {
			p.Contact(now, path.Socket(), ep, 1)
		}
	}

	p.mu.Lock()
	p.versions = h.versions
	eph, err := p.currentEphemeralLocked(now)
	p.mu.Unlock()
	if err != nil {
		return err
	}

	session, err := p.deriveSession(now, eph, h.ephemeral)
	if err != nil {
		return err
	}
	p.installSession(session, false)

	ok := helloOK{timestamp: h.timestamp, versions: localVersions(), responder: eph.pub, initiator: h.ephemeral}
	body := protocol.MarshalReply(protocol.Reply{
		InReVerb:     protocol.VerbHello,
		InRePacketID: m.PacketID,
		Body:         ok.marshal(),
	})
	pkt, err := p.SealWithIdentityKey(protocol.VerbOK, body)
	if err != nil {
		return err
	}
	if m.Hops == 0 {
		path.Send(p.ctx, now, pkt)
	} else {
		p.Send(now, pkt)
	}
	return nil
}

// OnHelloOK completes a handshake we initiated.
func (p *Peer) OnHelloOK(now int64, reply protocol.Reply) error {
	o, err := parseHelloOK(reply.Body)
	if err != nil {
		return err
	}
	p.mu.Lock()
	var mine *ephemeralKey
	for _, e := range p.ephemeral {
		if e != nil && e.pub == o.initiator {
			mine = e
			break
		}
	}
	p.versions = o.versions
	p.mu.Unlock()
	if mine == nil {
		return ErrUnknownEphemeral
	}
	session, err := p.deriveSession(now, mine, o.responder)
	if err != nil {
		return err
	}
	p.installSession(session, true)
	return nil
}

// deriveSession computes HKDF-SHA384(X25519(mine, theirs)) salted with the
// identity agreement secret.
func (p *Peer) deriveSession(now int64, mine *ephemeralKey, theirs [ephemeralKeySize]byte) (*symmetric.Key, error) {
	shared, err := curve25519.X25519(mine.priv[:], theirs[:])
	if err != nil {
		return nil, oops.Wrapf(err, "peer: ephemeral agreement")
	}
	defer secure.Erase(shared)
	salt := p.identityKey.Secret()
	defer secure.Erase(salt[:])

	var secret [symmetric.SecretSize]byte
	defer secure.Erase(secret[:])
	if _, err := io.ReadFull(hkdf.New(sha512.New384, shared, salt[:], sessionInfo), secret[:]); err != nil {
		return nil, oops.Wrapf(err, "peer: session key derivation")
	}
	return symmetric.New(now, secret[:])
}

// installSession adds k to the session ring unless an identical session is
// already held. With activate it becomes the active key at once; otherwise
// it waits in pending for confirmPending. The oldest session in the ring is
// destroyed, and if that was the active key k takes over.
func (p *Peer) installSession(k *symmetric.Key, activate bool) {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		k.Destroy()
		return
	}
	for _, s := range p.sessions {
		if s != nil && s.Equal(k) {
			p.settleLocked(s, activate)
			p.mu.Unlock()
			k.Destroy()
			return
		}
	}
	old := p.sessions[p.sessionNext]
	p.sessions[p.sessionNext] = k
	p.sessionNext = (p.sessionNext + 1) % sessionRing
	if old != nil && old == p.activeKey.Load() {
		activate = true
	}
	if old != nil && old == p.pending {
		p.pending = nil
	}
	p.settleLocked(k, activate)
	p.mu.Unlock()

	if old != nil {
		old.Destroy()
	}
	log.WithFields(logger.Fields{
		"at":      "peer.installSession",
		"address": p.Address().String(),
		"active":  activate,
	}).Debug("established ephemeral session")
}

func (p *Peer) settleLocked(k *symmetric.Key, activate bool) {
	switch {
	case activate:
		p.pending = nil
		p.activeKey.Store(k)
		p.renegotiate.Store(false)
	case k != p.activeKey.Load():
		p.pending = k
	}
}

// Sessions returns the number of established ephemeral sessions.
func (p *Peer) Sessions() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, s := range p.sessions {
		if s != nil {
			n++
		}
	}
	return n
}
