package node

import (
	"time"

	"github.com/go-i2p/go-vnet/lib/credential"
	"github.com/go-i2p/go-vnet/lib/identity"
	"github.com/go-i2p/go-vnet/lib/protocol"
	"github.com/go-i2p/logger"
)

const (
	// whoisGiveUp is how many retry intervals an unanswered WHOIS is kept.
	whoisGiveUp = 8
	// maxWhoisPending bounds outstanding WHOIS addresses; new ones are
	// refused while it is full.
	maxWhoisPending = 1024
)

// RequestWhois asks the root for addr's identity. Repeat requests for the
// same address inside the retry interval are coalesced.
func (n *Node) RequestWhois(addr identity.Address) {
	n.requestWhois(n.clock.Load(), addr)
}

func (n *Node) requestWhois(now int64, addr identity.Address) {
	if addr == n.id.Address() || addr.IsReserved() || n.Peer(addr) != nil {
		return
	}
	n.whoisMu.Lock()
	e, ok := n.whoisPending[addr]
	if ok && now-e.last < n.settings.WhoisRetryInterval {
		n.whoisMu.Unlock()
		return
	}
	if !ok {
		if len(n.whoisPending) >= maxWhoisPending {
			n.whoisMu.Unlock()
			log.WithField("at", "node.requestWhois").Debug("WHOIS table full")
			return
		}
		e = &whoisEntry{first: now}
		n.whoisPending[addr] = e
	}
	e.last = now
	n.whoisMu.Unlock()
	n.sendWhois(now, []identity.Address{addr})
}

// sendWhois sends one WHOIS for addrs to the root, subject to the node-wide
// rate limit.
func (n *Node) sendWhois(now int64, addrs []identity.Address) bool {
	root := n.root.Load()
	if root == nil || len(addrs) == 0 {
		return false
	}
	if !n.whoisLimiter.AllowN(time.UnixMilli(now), 1) {
		log.WithFields(logger.Fields{
			"at":    "node.sendWhois",
			"count": len(addrs),
		}).Debug("WHOIS rate limited")
		return false
	}
	payload := make([]byte, 0, len(addrs)*identity.AddressLength)
	for _, a := range addrs {
		payload = append(payload, a.Bytes()...)
	}
	if err := n.send(now, root, protocol.VerbWhois, payload, false); err != nil {
		log.WithField("at", "node.sendWhois").WithError(err).Debug("WHOIS not sent")
		return false
	}
	return true
}

// retryWhois resends overdue requests in one batch and forgets ones that
// have gone unanswered too long.
func (n *Node) retryWhois(now int64) {
	var due []identity.Address
	n.whoisMu.Lock()
	for addr, e := range n.whoisPending {
		switch {
		case now-e.first >= whoisGiveUp*n.settings.WhoisRetryInterval:
			delete(n.whoisPending, addr)
		case now-e.last >= n.settings.WhoisRetryInterval && len(due) < maxWhoisPerRequest:
			e.last = now
			due = append(due, addr)
		}
	}
	n.whoisMu.Unlock()
	n.sendWhois(now, due)
}

// deferCredential parks c until its signer's identity arrives. The oldest
// entry is dropped when the list is full.
func (n *Node) deferCredential(c credential.Credential) {
	n.whoisMu.Lock()
	defer n.whoisMu.Unlock()
	if limit := n.settings.MaxDeferredCredentials; limit > 0 && len(n.deferred) >= limit {
		n.deferred = n.deferred[1:]
	}
	n.deferred = append(n.deferred, c)
}

// DeferredCredentials returns how many credentials are waiting on a WHOIS.
func (n *Node) DeferredCredentials() int {
	n.whoisMu.Lock()
	defer n.whoisMu.Unlock()
	return len(n.deferred)
}

// retryDeferred offers every parked credential again. Ones still missing a
// signer are parked again by offerCredential.
func (n *Node) retryDeferred(now int64) {
	n.whoisMu.Lock()
	list := n.deferred
	n.deferred = nil
	n.whoisMu.Unlock()
	for _, c := range list {
		n.offerCredential(now, c.Signer(), c)
	}
}
