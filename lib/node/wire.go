package node

import (
	"encoding/binary"
	"net/netip"

	"github.com/go-i2p/go-vnet/lib/credential"
	"github.com/go-i2p/go-vnet/lib/identity"
	"github.com/go-i2p/go-vnet/lib/network"
	"github.com/go-i2p/go-vnet/lib/peer"
	"github.com/go-i2p/go-vnet/lib/protocol"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

// ERROR codes carried as the first body byte.
const (
	errorObjectNotFound      byte = 0x03
	errorUnsupported         byte = 0x05
	errorNeedMembership      byte = 0x06
	errorNetworkAccessDenied byte = 0x07
)

// maxWhoisPerRequest bounds addresses answered from one WHOIS.
const maxWhoisPerRequest = 64

// ProcessWirePacket handles one datagram received on socket from the given
// endpoint. Malformed, unauthenticated and duplicate packets are dropped
// silently.
func (n *Node) ProcessWirePacket(now int64, socket int64, from netip.AddrPort, data []byte) {
	n.clock.Store(now)
	h, err := protocol.ParseHeader(data)
	if err != nil {
		log.WithFields(logger.Fields{
			"at":   "node.ProcessWirePacket",
			"from": from.String(),
		}).WithError(err).Debug("dropping malformed packet")
		return
	}
	if h.Dest != n.id.Address() {
		n.relay(now, h, data)
		return
	}

	p, fresh := n.Peer(h.Source), false
	if p == nil {
		if h.Cipher != protocol.CipherHello {
			n.RequestWhois(h.Source)
			return
		}
		if p = n.helloCandidate(now, data); p == nil {
			return
		}
		fresh = true
	}

	m, ok := p.Decrypt(data)
	if !ok {
		if fresh {
			p.Destroy()
		}
		log.WithFields(logger.Fields{
			"at":     "node.ProcessWirePacket",
			"source": h.Source.String(),
		}).Debug("authentication failed")
		return
	}
	if fresh {
		p = n.addPeer(now, p)
	}
	if p.Deduplicate(m.PacketID) {
		return
	}
	// interned only once the sender has authenticated
	path := n.Path(socket, from)

	var inRe uint64
	if m.Verb == protocol.VerbOK || m.Verb == protocol.VerbError {
		reply, err := protocol.ParseReply(m.Payload)
		if err != nil {
			return
		}
		inRe = reply.InRePacketID
		n.dispatchReply(now, p, path, m, reply)
	} else {
		n.dispatch(now, p, path, m)
	}
	p.Received(now, path, m.Hops, m.PacketID, m.Verb, inRe)
}

// helloCandidate builds a peer from the identity a HELLO carries. It is not
// installed until the packet authenticates.
func (n *Node) helloCandidate(now int64, data []byte) *peer.Peer {
	id, err := protocol.HelloIdentity(data)
	if err == nil {
		err = id.LocallyValidate()
	}
	if err != nil {
		log.WithField("at", "node.helloCandidate").WithError(err).Debug("rejecting HELLO identity")
		return nil
	}
	if p, err := peer.Load(n, now, id.Address()); err == nil {
		if p.Identity().Equal(id) {
			return p
		}
		p.Destroy()
	}
	p, err := peer.New(n, now, id)
	if err != nil {
		log.WithField("at", "node.helloCandidate").WithError(err).Debug("cannot key HELLO sender")
		return nil
	}
	return p
}

// relay forwards a packet addressed to another node one more hop.
func (n *Node) relay(now int64, h protocol.Header, data []byte) {
	next := n.Peer(h.Dest)
	if next == nil {
		log.WithFields(logger.Fields{
			"at":   "node.relay",
			"dest": h.Dest.String(),
		}).Debug("no route for relayed packet")
		return
	}
	pkt := append([]byte(nil), data...)
	if err := protocol.IncrementHops(pkt); err != nil {
		return
	}
	next.Send(now, pkt)
}

func (n *Node) dispatch(now int64, p *peer.Peer, path *peer.Path, m protocol.Message) {
	switch m.Verb {
	case protocol.VerbNOP:
	case protocol.VerbHello:
		if err := p.OnHello(now, path, m); err != nil {
			log.WithFields(logger.Fields{
				"at":   "node.dispatch",
				"peer": p.Address().String(),
			}).WithError(err).Debug("HELLO rejected")
		}
	case protocol.VerbWhois:
		n.onWhois(now, p, m)
	case protocol.VerbEcho:
		if p.RateGateEcho(now) {
			n.sendReply(now, p, protocol.VerbOK, m, m.Payload)
		}
	case protocol.VerbFrame:
		n.onFrame(now, p, m)
	case protocol.VerbNetworkCredentials:
		n.onCredentials(now, p, m.Payload)
	case protocol.VerbNetworkConfig:
		n.onNetworkConfig(now, p, m.Payload)
	case protocol.VerbNetworkConfigReq:
		// this node does not serve configurations
		n.sendReply(now, p, protocol.VerbError, m, []byte{errorUnsupported})
	default:
		log.WithFields(logger.Fields{
			"at":   "node.dispatch",
			"peer": p.Address().String(),
			"verb": m.Verb.String(),
		}).Debug("ignoring unknown verb")
	}
}

func (n *Node) dispatchReply(now int64, p *peer.Peer, path *peer.Path, m protocol.Message, r protocol.Reply) {
	if m.Verb == protocol.VerbError {
		n.onError(now, p, r)
		return
	}
	switch r.InReVerb {
	case protocol.VerbHello:
		if err := p.OnHelloOK(now, r); err != nil {
			log.WithFields(logger.Fields{
				"at":   "node.dispatchReply",
				"peer": p.Address().String(),
			}).WithError(err).Debug("OK(HELLO) rejected")
		}
	case protocol.VerbWhois:
		n.onWhoisReply(now, r.Body)
	case protocol.VerbEcho:
		if m.Hops == 0 && len(r.Body) >= 8 {
			if sent := int64(binary.BigEndian.Uint64(r.Body)); sent <= now {
				path.UpdateLatency(now - sent)
			}
		}
	}
}

// sendReply answers m with an OK or ERROR carrying body.
func (n *Node) sendReply(now int64, p *peer.Peer, verb protocol.Verb, m protocol.Message, body []byte) {
	payload := protocol.MarshalReply(protocol.Reply{InReVerb: m.Verb, InRePacketID: m.PacketID, Body: body})
	pkt, err := p.Seal(verb, payload, false)
	if err != nil {
		log.WithField("at", "node.sendReply").WithError(err).Warn("failed to seal reply")
		return
	}
	p.Send(now, pkt)
}

// send seals and transmits one message to p.
func (n *Node) send(now int64, p *peer.Peer, verb protocol.Verb, payload []byte, compress bool) error {
	pkt, err := p.Seal(verb, payload, compress)
	if err != nil {
		return err
	}
	if !p.Send(now, pkt) {
		return ErrSendFailed
	}
	return nil
}

// Echo sends an ECHO carrying the current time to addr; the reply updates the
// latency of the path it returns on.
func (n *Node) Echo(now int64, addr identity.Address) error {
	p := n.Peer(addr)
	if p == nil {
		return ErrUnknownPeer
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(now))
	return n.send(now, p, protocol.VerbEcho, b[:], false)
}

func (n *Node) onError(now int64, p *peer.Peer, r protocol.Reply) {
	if len(r.Body) < 1 {
		return
	}
	code := r.Body[0]
	var nwid uint64
	if len(r.Body) >= 9 {
		nwid = binary.BigEndian.Uint64(r.Body[1:])
	}
	log.WithFields(logger.Fields{
		"at":    "node.onError",
		"peer":  p.Address().String(),
		"in_re": r.InReVerb.String(),
		"code":  code,
	}).Debug("received ERROR")

	switch r.InReVerb {
	case protocol.VerbNetworkConfigReq:
		nw := n.Network(nwid)
		if nw == nil || credential.Controller(nwid) != p.Address() {
			return
		}
		switch code {
		case errorObjectNotFound:
			nw.SetFailure(network.StatusNotFound)
		case errorNetworkAccessDenied:
			nw.SetFailure(network.StatusAccessDenied)
		}
	case protocol.VerbFrame:
		if code != errorNeedMembership {
			return
		}
		// the member asked, so skip the push interval
		if nw := n.Network(nwid); nw != nil {
			if cfg := nw.Config(); cfg != nil {
				n.sendCredentials(now, nw, p, cfg.Credentials())
			}
		}
	}
}

// onWhois answers with the identities of every requested address we know.
func (n *Node) onWhois(now int64, p *peer.Peer, m protocol.Message) {
	if !p.RateGateWhois(now) {
		return
	}
	var body []byte
	for i := 0; i+identity.AddressLength <= len(m.Payload) && i/identity.AddressLength < maxWhoisPerRequest; i += identity.AddressLength {
		addr := identity.AddressFromBytes(m.Payload[i:])
		if id := n.lookup(addr); id != nil {
			body = append(body, id.Marshal(false)...)
		}
	}
	if len(body) == 0 {
		n.sendReply(now, p, protocol.VerbError, m, []byte{errorObjectNotFound})
		return
	}
	n.sendReply(now, p, protocol.VerbOK, m, body)
}

// onWhoisReply learns every valid identity in an OK(WHOIS) and retries
// credentials that were waiting on them.
func (n *Node) onWhoisReply(now int64, body []byte) {
	learned := 0
	for len(body) > 0 {
		id, used, err := identity.Unmarshal(body)
		if err != nil {
			break
		}
		body = body[used:]
		if id.Address() == n.id.Address() || id.LocallyValidate() != nil {
			continue
		}
		if _, err := n.peerFor(now, id); err != nil {
			log.WithFields(logger.Fields{
				"at":      "node.onWhoisReply",
				"address": id.Address().String(),
			}).WithError(err).Warn("ignoring WHOIS answer")
			continue
		}
		n.whoisMu.Lock()
		delete(n.whoisPending, id.Address())
		n.whoisMu.Unlock()
		learned++
	}
	if learned > 0 {
		n.retryDeferred(now)
	}
}

// onCredentials offers each credential to the network it names.
func (n *Node) onCredentials(now int64, from *peer.Peer, payload []byte) {
	list, err := credential.UnmarshalList(payload)
	if err != nil {
		log.WithFields(logger.Fields{
			"at":   "node.onCredentials",
			"peer": from.Address().String(),
		}).WithError(err).Debug("malformed credentials")
		return
	}
	for _, c := range list {
		n.offerCredential(now, from.Address(), c)
	}
}

func (n *Node) offerCredential(now int64, from identity.Address, c credential.Credential) credential.AddResult {
	nw := n.Network(c.NetworkID())
	if nw == nil {
		return credential.Rejected
	}
	res := nw.AddCredential(n.Resolver(), c)
	switch res {
	case credential.DeferredForWhois:
		n.deferCredential(c)
	case credential.AcceptedNew:
		if rev, ok := c.(*credential.Revocation); ok && rev.FastPropagate() {
			n.propagateRevocation(now, nw, rev, from)
		}
	}
	return res
}

// propagateRevocation forwards a newly accepted revocation to every other
// admitted member we have a peer for.
func (n *Node) propagateRevocation(now int64, nw *network.Network, rev *credential.Revocation, from identity.Address) {
	payload := credential.MarshalList([]credential.Credential{rev})
	for _, addr := range nw.Members() {
		if addr == from || addr == rev.Target() || !nw.MemberAllowed(addr) {
			continue
		}
		if p := n.Peer(addr); p != nil {
			if err := n.send(now, p, protocol.VerbNetworkCredentials, payload, true); err != nil {
				log.WithFields(logger.Fields{
					"at":   "node.propagateRevocation",
					"peer": addr.String(),
				}).WithError(err).Debug("could not forward revocation")
			}
		}
	}
}

// onNetworkConfig installs a config pushed by the network's controller.
func (n *Node) onNetworkConfig(now int64, from *peer.Peer, payload []byte) {
	cfg, err := network.UnmarshalConfig(payload)
	if err != nil {
		log.WithFields(logger.Fields{
			"at":   "node.onNetworkConfig",
			"peer": from.Address().String(),
		}).WithError(err).Warn("malformed network config")
		return
	}
	if err := n.acceptNetworkConfig(now, from.Address(), cfg); err != nil {
		log.WithFields(logger.Fields{
			"at":      "node.onNetworkConfig",
			"peer":    from.Address().String(),
			"network": network.FormatNetworkID(cfg.NetworkID),
		}).WithError(err).Warn("network config ignored")
	}
}

// acceptNetworkConfig installs cfg for a joined network if it came from the
// network's controller and verifies.
func (n *Node) acceptNetworkConfig(now int64, from identity.Address, cfg *network.NetworkConfig) error {
	nw := n.Network(cfg.NetworkID)
	if nw == nil {
		return oops.Wrapf(ErrNotJoined, "%s", network.FormatNetworkID(cfg.NetworkID))
	}
	if from != credential.Controller(cfg.NetworkID) {
		return oops.Wrapf(ErrBadNetworkConfig, "sent by %s, not the controller", from)
	}
	if v := cfg.Verify(n.Resolver()); v != credential.VerifyOK {
		return oops.Wrapf(ErrBadNetworkConfig, "verification: %s", v)
	}
	res := nw.SetConfiguration(now, cfg, true)
	log.WithFields(logger.Fields{
		"at":       "node.acceptNetworkConfig",
		"network":  network.FormatNetworkID(cfg.NetworkID),
		"revision": cfg.Revision,
		"result":   int(res),
	}).Debug("network config received")
	return nil
}

// requestConfig asks the controller for nw's current config.
func (n *Node) requestConfig(now int64, nw *network.Network) {
	ctl := credential.Controller(nw.ID())
	if ctl == n.id.Address() {
		return
	}
	p := n.Peer(ctl)
	if p == nil {
		n.requestWhois(now, ctl)
		return
	}
	var payload [16]byte
	binary.BigEndian.PutUint64(payload[:], nw.ID())
	if cfg := nw.Config(); cfg != nil {
		binary.BigEndian.PutUint64(payload[8:], cfg.Revision)
	}
	if err := n.send(now, p, protocol.VerbNetworkConfigReq, payload[:], false); err != nil {
		log.WithFields(logger.Fields{
			"at":      "node.requestConfig",
			"network": network.FormatNetworkID(nw.ID()),
		}).WithError(err).Debug("config request not sent")
	}
}

// SendNetworkConfig pushes a signed config to the member it is issued to. Only
// the network's controller may do this.
func (n *Node) SendNetworkConfig(now int64, cfg *network.NetworkConfig) error {
	n.clock.Store(now)
	if credential.Controller(cfg.NetworkID) != n.id.Address() {
		return ErrNotController
	}
	p := n.Peer(cfg.IssuedTo)
	if p == nil {
		n.requestWhois(now, cfg.IssuedTo)
		return ErrUnknownPeer
	}
	return n.send(now, p, protocol.VerbNetworkConfig, cfg.Marshal(), true)
}
