// Package node ties peers and networks together behind the wire and virtual
// frame entry points a host drives.
package node

import (
	"crypto/sha512"
	"io"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/go-i2p/go-vnet/lib/credential"
	"github.com/go-i2p/go-vnet/lib/crypto/aes"
	"github.com/go-i2p/go-vnet/lib/identity"
	"github.com/go-i2p/go-vnet/lib/network"
	"github.com/go-i2p/go-vnet/lib/peer"
	"github.com/go-i2p/go-vnet/lib/store"
	"github.com/go-i2p/go-vnet/lib/util/secure"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/time/rate"
)

var log = logger.GetGoI2PLogger()

var localSecretInfo = []byte("vnet local secret")

// rootTries is how many pulses a configured root endpoint is attempted.
const rootTries = 16

// Callbacks connect a Node to its host. Only WireSend is required.
type Callbacks struct {
	// WireSend transmits a datagram on a local socket.
	WireSend func(socket int64, to netip.AddrPort, data []byte) bool
	// VirtualFrame delivers an accepted inbound frame to the host.
	VirtualFrame func(nwid uint64, f *network.Frame)
	// NetworkConfig receives network lifecycle notifications.
	NetworkConfig network.ConfigCallback
	// PathCheck may veto physical paths to a peer.
	PathCheck func(socket int64, remote identity.Address, endpoint netip.AddrPort) bool
}

type pathKey struct {
	socket   int64
	endpoint netip.AddrPort
}

type whoisEntry struct {
	first int64
	last  int64
}

// Node is one participant on the overlay. All entry points take the current
// time in milliseconds; the most recent value is remembered for calls that
// arrive without one, such as WHOIS requests raised during credential checks.
type Node struct {
	id       *identity.Identity
	cipher   *aes.Cipher
	store    store.Store
	cb       Callbacks
	settings Settings

	clock    atomic.Int64
	lastSave atomic.Int64

	peersMu sync.RWMutex
	peers   map[identity.Address]*peer.Peer
	born    map[identity.Address]int64
	root    atomic.Pointer[peer.Peer]

	pathsMu sync.Mutex
	paths   map[pathKey]*peer.Path

	networksMu sync.RWMutex
	networks   map[uint64]*network.Network

	whoisLimiter *rate.Limiter
	whoisMu      sync.Mutex
	whoisPending map[identity.Address]*whoisEntry
	deferred     []credential.Credential
}

// New creates a node for id, which must carry its private key. st may be nil,
// in which case nothing is persisted.
func New(now int64, id *identity.Identity, st store.Store, settings Settings, cb Callbacks) (*Node, error) {
	if !id.HasPrivate() {
		return nil, identity.ErrNoPrivateKey
	}
	cipher, err := localSecretCipher(id)
	if err != nil {
		return nil, err
	}
	n := &Node{
		id:           id,
		cipher:       cipher,
		store:        st,
		cb:           cb,
		settings:     settings,
		peers:        make(map[identity.Address]*peer.Peer),
		born:         make(map[identity.Address]int64),
		paths:        make(map[pathKey]*peer.Path),
		networks:     make(map[uint64]*network.Network),
		whoisLimiter: rate.NewLimiter(rate.Limit(settings.WhoisPerSecond), settings.WhoisBurst),
		whoisPending: make(map[identity.Address]*whoisEntry),
	}
	n.clock.Store(now)
	n.lastSave.Store(now)
	log.WithFields(logger.Fields{
		"at":      "node.New",
		"address": id.Address().String(),
	}).Info("node started")
	return n, nil
}

// localSecretCipher derives the at-rest key from the identity's private key.
func localSecretCipher(id *identity.Identity) (*aes.Cipher, error) {
	secret, err := id.Secret()
	if err != nil {
		return nil, err
	}
	defer secure.Erase(secret)
	var key [aes.KeySize]byte
	defer secure.Erase(key[:])
	if _, err := io.ReadFull(hkdf.New(sha512.New384, secret, nil, localSecretInfo), key[:]); err != nil {
		return nil, oops.Wrapf(err, "derive local secret")
	}
	return aes.New(key[:])
}

// Address returns the local address.
func (n *Node) Address() identity.Address { return n.id.Address() }

// peer.Context

func (n *Node) Identity() *identity.Identity   { return n.id }
func (n *Node) LocalSecretCipher() *aes.Cipher { return n.cipher }
func (n *Node) Store() store.Store             { return n.store }
func (n *Node) Settings() peer.Settings        { return n.settings.Peer }
func (n *Node) Root() *peer.Peer               { return n.root.Load() }

func (n *Node) WireSend(socket int64, to netip.AddrPort, data []byte) bool {
	if n.cb.WireSend == nil {
		return false
	}
	return n.cb.WireSend(socket, to, data)
}

func (n *Node) ShouldUsePath(socket int64, remote identity.Address, endpoint netip.AddrPort) bool {
	if !endpoint.IsValid() || endpoint.Port() == 0 {
		return false
	}
	if n.cb.PathCheck == nil {
		return true
	}
	return n.cb.PathCheck(socket, remote, endpoint)
}

// Path returns the one Path object for socket and endpoint, so peers share
// liveness for the same physical route.
func (n *Node) Path(socket int64, endpoint netip.AddrPort) *peer.Path {
	k := pathKey{socket: socket, endpoint: endpoint}
	n.pathsMu.Lock()
	defer n.pathsMu.Unlock()
	if p, ok := n.paths[k]; ok {
		return p
	}
	p := peer.NewPath(socket, endpoint)
	n.paths[k] = p
	return p
}

// credential.Resolver

// lookup resolves an address to a known identity, including our own.
func (n *Node) lookup(addr identity.Address) *identity.Identity {
	if addr == n.id.Address() {
		return n.id.PublicOnly()
	}
	if p := n.Peer(addr); p != nil {
		return p.Identity()
	}
	return nil
}

// resolver adapts the node to credential.Resolver; Identity is taken by
// peer.Context.
type resolver struct{ n *Node }

func (r resolver) Identity(addr identity.Address) *identity.Identity { return r.n.lookup(addr) }
func (r resolver) RequestWhois(addr identity.Address)                { r.n.RequestWhois(addr) }

// Resolver returns the node as a credential.Resolver.
func (n *Node) Resolver() credential.Resolver { return resolver{n} }

// Peers

// Peer returns the peer for addr, or nil.
func (n *Node) Peer(addr identity.Address) *peer.Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()
	return n.peers[addr]
}

// Peers returns every known peer ordered by address.
func (n *Node) Peers() []*peer.Peer {
	n.peersMu.RLock()
	out := make([]*peer.Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, p)
	}
	n.peersMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Address() < out[j].Address() })
	return out
}

// addPeer installs p unless another goroutine got there first, in which case
// p is destroyed and the existing peer returned.
func (n *Node) addPeer(now int64, p *peer.Peer) *peer.Peer {
	n.peersMu.Lock()
	if have, ok := n.peers[p.Address()]; ok {
		n.peersMu.Unlock()
		p.Destroy()
		return have
	}
	n.peers[p.Address()] = p
	n.born[p.Address()] = now
	n.peersMu.Unlock()
	return p
}

// peerFor returns the peer for id, restoring it from the store or creating it
// when it is not already known.
func (n *Node) peerFor(now int64, id *identity.Identity) (*peer.Peer, error) {
	if p := n.Peer(id.Address()); p != nil {
		if !p.Identity().Equal(id) {
			return nil, ErrIdentityCollision
		}
		return p, nil
	}
	p, err := peer.Load(n, now, id.Address())
	if err != nil || !p.Identity().Equal(id) {
		if p != nil {
			p.Destroy()
		}
		if p, err = peer.New(n, now, id); err != nil {
			return nil, err
		}
	}
	return n.addPeer(now, p), nil
}

// AddPeer learns id and, when endpoint is valid, starts contacting it there.
func (n *Node) AddPeer(now int64, id *identity.Identity, socket int64, endpoint netip.AddrPort) (*peer.Peer, error) {
	n.clock.Store(now)
	if err := id.LocallyValidate(); err != nil {
		return nil, err
	}
	p, err := n.peerFor(now, id)
	if err != nil {
		return nil, err
	}
	if endpoint.IsValid() {
		p.Contact(now, socket, endpoint, rootTries)
	}
	return p, nil
}

// SetRoot makes id the relay of last resort and starts contacting it.
func (n *Node) SetRoot(now int64, id *identity.Identity, socket int64, endpoint netip.AddrPort) error {
	p, err := n.AddPeer(now, id, socket, endpoint)
	if err != nil {
		return oops.Wrapf(ErrInvalidRoot, "%s: %v", id.Address(), err)
	}
	n.root.Store(p)
	log.WithFields(logger.Fields{
		"at":       "node.SetRoot",
		"root":     id.Address().String(),
		"endpoint": endpoint.String(),
	}).Info("root set")
	return nil
}

// Networks

// Join starts participating in nwid. A stored configuration is restored
// immediately; otherwise one is requested from the controller on the next
// pulse.
func (n *Node) Join(now int64, nwid uint64) (*network.Network, error) {
	n.clock.Store(now)
	n.networksMu.Lock()
	if _, ok := n.networks[nwid]; ok {
		n.networksMu.Unlock()
		return nil, oops.Wrapf(ErrAlreadyJoined, "%s", network.FormatNetworkID(nwid))
	}
	nw := network.New(now, n.id.Address(), nwid, n.store, n.settings.Network, n.cb.NetworkConfig)
	n.networks[nwid] = nw
	n.networksMu.Unlock()
	log.WithFields(logger.Fields{
		"at":      "node.Join",
		"network": network.FormatNetworkID(nwid),
	}).Info("joined network")
	n.requestConfig(now, nw)
	return nw, nil
}

// Leave stops participating in nwid and deletes its stored configuration.
func (n *Node) Leave(nwid uint64) error {
	n.networksMu.Lock()
	nw, ok := n.networks[nwid]
	delete(n.networks, nwid)
	n.networksMu.Unlock()
	if !ok {
		return oops.Wrapf(ErrNotJoined, "%s", network.FormatNetworkID(nwid))
	}
	nw.Leave()
	log.WithFields(logger.Fields{
		"at":      "node.Leave",
		"network": network.FormatNetworkID(nwid),
	}).Info("left network")
	return nil
}

// Network returns the joined network nwid, or nil.
func (n *Node) Network(nwid uint64) *network.Network {
	n.networksMu.RLock()
	defer n.networksMu.RUnlock()
	return n.networks[nwid]
}

// Networks returns every joined network ordered by ID.
func (n *Node) Networks() []*network.Network {
	n.networksMu.RLock()
	out := make([]*network.Network, 0, len(n.networks))
	for _, nw := range n.networks {
		out = append(out, nw)
	}
	n.networksMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Close brings every network down, saves peers and erases key material. The
// node must not be used afterwards.
func (n *Node) Close() {
	n.networksMu.Lock()
	nets := n.networks
	n.networks = make(map[uint64]*network.Network)
	n.networksMu.Unlock()
	for _, nw := range nets {
		nw.Close()
	}

	n.peersMu.Lock()
	peers := n.peers
	n.peers = make(map[identity.Address]*peer.Peer)
	n.born = make(map[identity.Address]int64)
	n.peersMu.Unlock()
	n.root.Store(nil)
	for _, p := range peers {
		if err := p.Save(); err != nil {
			log.WithFields(logger.Fields{
				"at":   "node.Close",
				"peer": p.Address().String(),
			}).WithError(err).Warn("failed to save peer")
		}
		p.Destroy()
	}
	n.cipher.Destroy()
	log.WithField("at", "node.Close").Info("node stopped")
}
