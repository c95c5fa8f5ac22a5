package node

import (
	"encoding/binary"

	"github.com/go-i2p/go-vnet/lib/credential"
	"github.com/go-i2p/go-vnet/lib/identity"
	"github.com/go-i2p/go-vnet/lib/network"
	"github.com/go-i2p/go-vnet/lib/peer"
	"github.com/go-i2p/go-vnet/lib/protocol"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

// FRAME payload: [nwid 8][dest MAC 6][source MAC 6][ethertype 2][data]
const frameHeaderSize = 22

func marshalFrame(nwid uint64, f *network.Frame, data []byte) []byte {
	b := make([]byte, frameHeaderSize+len(data))
	binary.BigEndian.PutUint64(b, nwid)
	dst, src := f.MACDest.Bytes(), f.MACSource.Bytes()
	copy(b[8:], dst[:])
	copy(b[14:], src[:])
	binary.BigEndian.PutUint16(b[20:], f.EtherType)
	copy(b[frameHeaderSize:], data)
	return b
}

func parseFrame(payload []byte) (uint64, *network.Frame, error) {
	if len(payload) < frameHeaderSize {
		return 0, nil, ErrShortFrame
	}
	f := &network.Frame{
		MACDest:   network.MACFromBytes(payload[8:14]),
		MACSource: network.MACFromBytes(payload[14:20]),
		EtherType: binary.BigEndian.Uint16(payload[20:]),
		Data:      payload[frameHeaderSize:],
	}
	return binary.BigEndian.Uint64(payload), f, nil
}

// SendFrame sends an Ethernet frame from the host onto network nwid. Unicast
// destinations are resolved from the MAC, or from a learned bridge route;
// multicast frames go to every admitted peer up to the network's limit.
func (n *Node) SendFrame(now int64, nwid uint64, src, dst network.MAC, etherType uint16, data []byte) error {
	n.clock.Store(now)
	nw := n.Network(nwid)
	if nw == nil {
		return oops.Wrapf(ErrNotJoined, "%s", network.FormatNetworkID(nwid))
	}
	cfg := nw.Config()
	if cfg == nil {
		return ErrNoConfig
	}
	if src != nw.MAC() && !cfg.HasFlag(network.FlagAllowPassiveBridging) {
		return ErrBridging
	}
	f := &network.Frame{
		Source:    n.id.Address(),
		MACSource: src,
		MACDest:   dst,
		EtherType: etherType,
		Data:      data,
	}
	if dst.IsMulticast() {
		return n.multicast(now, nw, cfg, f)
	}

	f.Dest = dst.ToAddress(nwid)
	if via, ok := nw.BridgeRoute(dst); ok {
		f.Dest = via
	}
	if f.Dest == n.id.Address() {
		return nil
	}
	out := nw.FilterOutgoing(f, false)
	if out.Result == network.FilterDrop {
		return ErrFiltered
	}
	n.sendTees(now, nw, f, out.Tees)
	to := f.Dest
	if out.Result == network.FilterRedirect {
		to = out.FinalDest
	}
	return n.sendFrameTo(now, nw, cfg, to, f)
}

func (n *Node) multicast(now int64, nw *network.Network, cfg *network.NetworkConfig, f *network.Frame) error {
	if f.MACDest.IsBroadcast() && !cfg.HasFlag(network.FlagEnableBroadcast) {
		return ErrFiltered
	}
	sent := 0
	for _, p := range n.Peers() {
		if cfg.MulticastLimit > 0 && sent >= int(cfg.MulticastLimit) {
			break
		}
		if !nw.Gate(p.Address()) {
			continue
		}
		g := *f
		g.Dest = p.Address()
		out := nw.FilterOutgoing(&g, false)
		if out.Result == network.FilterDrop {
			continue
		}
		n.sendTees(now, nw, &g, out.Tees)
		if err := n.sendFrameTo(now, nw, cfg, p.Address(), &g); err == nil {
			sent++
		}
	}
	log.WithFields(logger.Fields{
		"at":         "node.multicast",
		"network":    network.FormatNetworkID(nw.ID()),
		"group":      f.MACDest.String(),
		"recipients": sent,
	}).Debug("multicast sent")
	return nil
}

// sendFrameTo delivers f to one member, pushing our credentials first when
// they are due.
func (n *Node) sendFrameTo(now int64, nw *network.Network, cfg *network.NetworkConfig, to identity.Address, f *network.Frame) error {
	return n.sendFrameData(now, nw, cfg, to, f, f.Data)
}

func (n *Node) sendFrameData(now int64, nw *network.Network, cfg *network.NetworkConfig, to identity.Address, f *network.Frame, data []byte) error {
	p := n.Peer(to)
	if p == nil {
		n.requestWhois(now, to)
		return oops.Wrapf(ErrUnknownPeer, "%s", to)
	}
	n.pushCredentials(now, nw, p)
	payload := marshalFrame(nw.ID(), f, data)
	return n.send(now, p, protocol.VerbFrame, payload, !cfg.HasFlag(network.FlagDisableCompression))
}

// sendTees sends the truncated copies a TEE or WATCH asked for.
func (n *Node) sendTees(now int64, nw *network.Network, f *network.Frame, tees []network.Tee) {
	if len(tees) == 0 {
		return
	}
	cfg := nw.Config()
	if cfg == nil {
		return
	}
	for _, t := range tees {
		if t.Target == n.id.Address() {
			continue
		}
		data := f.Data
		if t.Length < len(data) {
			data = data[:t.Length]
		}
		if err := n.sendFrameData(now, nw, cfg, t.Target, f, data); err != nil {
			log.WithFields(logger.Fields{
				"at":     "node.sendTees",
				"target": t.Target.String(),
				"watch":  t.Watch,
			}).WithError(err).Debug("tee not sent")
		}
	}
}

// pushCredentials sends our credentials for nw to p when they are due.
func (n *Node) pushCredentials(now int64, nw *network.Network, p *peer.Peer) {
	n.sendCredentials(now, nw, p, nw.ShouldPushCredentials(now, p.Address()))
}

func (n *Node) sendCredentials(now int64, nw *network.Network, p *peer.Peer, creds []credential.Credential) {
	for len(creds) > 0 {
		batch := creds
		if len(batch) > credential.MaxListSize {
			batch = batch[:credential.MaxListSize]
		}
		creds = creds[len(batch):]
		if err := n.send(now, p, protocol.VerbNetworkCredentials, credential.MarshalList(batch), true); err != nil {
			log.WithFields(logger.Fields{
				"at":      "node.pushCredentials",
				"peer":    p.Address().String(),
				"network": network.FormatNetworkID(nw.ID()),
			}).WithError(err).Debug("credentials not sent")
			return
		}
	}
}

// onFrame runs an inbound FRAME through the network's gate and filter and
// hands accepted frames to the host.
func (n *Node) onFrame(now int64, p *peer.Peer, m protocol.Message) {
	nwid, f, err := parseFrame(m.Payload)
	if err != nil {
		return
	}
	nw := n.Network(nwid)
	if nw == nil {
		return
	}
	if !nw.Gate(p.Address()) {
		var body [9]byte
		body[0] = errorNeedMembership
		binary.BigEndian.PutUint64(body[1:], nwid)
		n.sendReply(now, p, protocol.VerbError, m, body[:])
		log.WithFields(logger.Fields{
			"at":      "node.onFrame",
			"peer":    p.Address().String(),
			"network": network.FormatNetworkID(nwid),
		}).Debug("frame from non-member")
		return
	}
	cfg := nw.Config()
	if cfg == nil {
		return
	}
	f.Source = p.Address()
	f.Dest = n.id.Address()

	out := nw.FilterIncoming(f)
	switch out.Result {
	case network.FilterDrop:
		return
	case network.FilterRedirect:
		n.sendTees(now, nw, f, out.Tees)
		if err := n.sendFrameTo(now, nw, cfg, out.FinalDest, f); err != nil {
			log.WithField("at", "node.onFrame").WithError(err).Debug("redirect not sent")
		}
		return
	case network.FilterAccept:
		if f.MACSource.ToAddress(nwid) != p.Address() {
			if !cfg.HasFlag(network.FlagAllowPassiveBridging) {
				log.WithFields(logger.Fields{
					"at":   "node.onFrame",
					"peer": p.Address().String(),
					"mac":  f.MACSource.String(),
				}).Debug("bridged frame on a network without bridging")
				return
			}
			nw.LearnBridgeRoute(f.MACSource, p.Address())
		}
	}
	n.sendTees(now, nw, f, out.Tees)
	if n.cb.VirtualFrame != nil {
		n.cb.VirtualFrame(nwid, f)
	}
}
