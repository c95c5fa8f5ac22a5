package node

import (
	"github.com/go-i2p/go-vnet/lib/peer"
	"github.com/go-i2p/logger"
)

// Pulse runs periodic maintenance. Hosts call it every second or so; nothing
// here blocks on the network.
func (n *Node) Pulse(now int64) {
	n.clock.Store(now)
	for _, p := range n.Peers() {
		p.Pulse(now)
	}
	if now-n.lastSave.Load() >= n.settings.PeerSaveInterval {
		n.lastSave.Store(now)
		n.savePeers()
	}
	n.expirePeers(now)
	n.prunePaths(now)

	for _, nw := range n.Networks() {
		nw.Pulse(now)
		if nw.ConfigRequestDue(now) {
			n.requestConfig(now, nw)
		}
	}
	n.retryWhois(now)
}

func (n *Node) savePeers() {
	if n.store == nil {
		return
	}
	for _, p := range n.Peers() {
		if err := p.Save(); err != nil {
			log.WithFields(logger.Fields{
				"at":   "node.savePeers",
				"peer": p.Address().String(),
			}).WithError(err).Warn("failed to save peer")
		}
	}
}

// expirePeers forgets non-root peers silent for longer than PeerExpiry. A
// peer never heard from is measured from when it was added.
func (n *Node) expirePeers(now int64) {
	root := n.root.Load()
	var gone []*peer.Peer
	n.peersMu.Lock()
	for addr, p := range n.peers {
		if p == root {
			continue
		}
		last := p.LastReceive()
		if b := n.born[addr]; b > last {
			last = b
		}
		if now-last > n.settings.PeerExpiry {
			gone = append(gone, p)
			delete(n.peers, addr)
			delete(n.born, addr)
		}
	}
	n.peersMu.Unlock()

	for _, p := range gone {
		if n.store != nil {
			if err := p.Save(); err != nil {
				log.WithField("at", "node.expirePeers").WithError(err).Warn("failed to save peer")
			}
		}
		p.Destroy()
		log.WithFields(logger.Fields{
			"at":   "node.expirePeers",
			"peer": p.Address().String(),
		}).Debug("forgot idle peer")
	}
}

// prunePaths forgets interned paths that no peer holds and that have seen
// no traffic either way for PathAliveTimeout.
func (n *Node) prunePaths(now int64) {
	inUse := make(map[*peer.Path]bool)
	for _, p := range n.Peers() {
		for _, path := range p.Paths() {
			inUse[path] = true
		}
	}
	timeout := n.settings.Peer.PathAliveTimeout
	n.pathsMu.Lock()
	defer n.pathsMu.Unlock()
	for k, path := range n.paths {
		if inUse[path] {
			continue
		}
		if now-path.LastIn() >= timeout && now-path.LastOut() >= timeout {
			delete(n.paths, k)
		}
	}
}
