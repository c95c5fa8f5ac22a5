// Package network implements a node's view of one virtual network: the
// controller-issued configuration, the credentials other members present,
// and the rule engine that decides the fate of every frame.
package network

import (
	"math"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/go-i2p/go-vnet/lib/credential"
	"github.com/go-i2p/go-vnet/lib/identity"
	"github.com/go-i2p/go-vnet/lib/store"
	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

// Operation tells the application what happened to a network.
type Operation int

const (
	OpUp Operation = iota + 1
	OpConfigUpdate
	OpDown
	OpDestroy
)

func (o Operation) String() string {
	switch o {
	case OpUp:
		return "up"
	case OpConfigUpdate:
		return "config-update"
	case OpDown:
		return "down"
	case OpDestroy:
		return "destroy"
	}
	return "unknown"
}

// Status is the configuration state reported to the application.
type Status int

const (
	StatusRequestingConfiguration Status = iota
	StatusOK
	StatusAccessDenied
	StatusNotFound
)

func (s Status) String() string {
	switch s {
	case StatusRequestingConfiguration:
		return "requesting-configuration"
	case StatusOK:
		return "ok"
	case StatusAccessDenied:
		return "access-denied"
	case StatusNotFound:
		return "not-found"
	}
	return "unknown"
}

// ConfigResult is the outcome of SetConfiguration.
type ConfigResult int

const (
	ConfigRejected  ConfigResult = 0
	ConfigUnchanged ConfigResult = 1
	ConfigApplied   ConfigResult = 2
)

// ExternalConfig is the snapshot of a network handed to the application.
type ExternalConfig struct {
	NetworkID         uint64
	MAC               MAC
	Name              string
	Status            Status
	Type              Type
	MTU               uint16
	Bridge            bool
	Broadcast         bool
	Revision          uint64
	AssignedAddresses []netip.Prefix
	Routes            []Route
	MulticastGroups   []MulticastGroup
}

// ConfigCallback receives network lifecycle notifications. It is called
// without any network lock held.
type ConfigCallback func(nwid uint64, op Operation, cfg *ExternalConfig)

// Settings holds network tunables in milliseconds where they are times.
type Settings struct {
	MaxBridgeRoutes        int
	CredentialPushInterval int64
	ConfigRequestInterval  int64
	BridgedGroupTimeout    int64
}

// DefaultSettings returns the defaults used when none are configured.
func DefaultSettings() Settings {
	return Settings{
		MaxBridgeRoutes:        1 << 16,
		CredentialPushInterval: 60000,
		ConfigRequestInterval:  60000,
		BridgedGroupTimeout:    600000,
	}
}

// Network is one joined virtual network. The membership lock is always
// taken before the config lock.
type Network struct {
	id       uint64
	self     identity.Address
	mac      MAC
	store    store.Store
	onConfig ConfigCallback
	settings Settings

	membersMu sync.Mutex
	members   map[identity.Address]*Member

	configMu          sync.Mutex
	config            *NetworkConfig
	status            Status
	portInitialized   bool
	lastConfigUpdate  int64
	lastConfigRequest int64

	destroyed atomic.Bool

	groupsMu      sync.Mutex
	groups        []MulticastGroup
	bridgedGroups map[MulticastGroup]int64

	bridgeMu     sync.Mutex
	bridgeRoutes map[MAC]identity.Address
}

// New joins a network. A configuration saved in st is restored, otherwise
// the network comes up waiting for one. Either way cb sees OpUp.
func New(now int64, self identity.Address, nwid uint64, st store.Store, settings Settings, cb ConfigCallback) *Network {
	n := &Network{
		id:                nwid,
		self:              self,
		mac:               MACFromAddress(self, nwid),
		store:             st,
		onConfig:          cb,
		settings:          settings,
		members:           map[identity.Address]*Member{},
		lastConfigUpdate:  math.MinInt64 / 2,
		lastConfigRequest: math.MinInt64 / 2,
		bridgedGroups:     map[MulticastGroup]int64{},
		bridgeRoutes:      map[MAC]identity.Address{},
	}
	n.groups = []MulticastGroup{BroadcastGroup}

	if cfg := n.loadConfig(); cfg != nil {
		if n.SetConfiguration(now, cfg, false) == ConfigApplied {
			return n
		}
	}

	n.configMu.Lock()
	n.portInitialized = true
	ext := n.externalLocked()
	n.configMu.Unlock()
	n.notify(OpUp, ext)
	return n
}

func (n *Network) loadConfig() *NetworkConfig {
	if n.store == nil {
		return nil
	}
	data, err := n.store.Get(store.KindNetworkConfig, store.Key{n.id})
	if err != nil {
		return nil
	}
	cfg, err := DecodeDocument(data)
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{
			"at":      "network.loadConfig",
			"network": FormatNetworkID(n.id),
		}).Warn("ignoring unreadable stored config")
		return nil
	}
	return cfg
}

func (n *Network) ID() uint64 { return n.id }

// MAC is this node's MAC address on the network.
func (n *Network) MAC() MAC { return n.mac }

func (n *Network) Destroyed() bool { return n.destroyed.Load() }

// Config returns the active configuration, or nil. It must not be modified.
func (n *Network) Config() *NetworkConfig {
	n.configMu.Lock()
	defer n.configMu.Unlock()
	return n.config
}

func (n *Network) Status() Status {
	n.configMu.Lock()
	defer n.configMu.Unlock()
	return n.status
}

// ExternalConfig returns the current application-facing snapshot.
func (n *Network) ExternalConfig() *ExternalConfig {
	n.configMu.Lock()
	defer n.configMu.Unlock()
	return n.externalLocked()
}

func (n *Network) externalLocked() *ExternalConfig {
	ext := &ExternalConfig{
		NetworkID:       n.id,
		MAC:             n.mac,
		Status:          n.status,
		MulticastGroups: n.MulticastGroups(),
	}
	if c := n.config; c != nil {
		ext.Name = c.Name
		ext.Type = c.Type
		ext.MTU = c.MTU
		ext.Bridge = c.HasFlag(FlagAllowPassiveBridging)
		ext.Broadcast = c.HasFlag(FlagEnableBroadcast)
		ext.Revision = c.Revision
		ext.AssignedAddresses = append([]netip.Prefix(nil), c.StaticIPs...)
		ext.Routes = append([]Route(nil), c.Routes...)
	}
	return ext
}

func (n *Network) notify(op Operation, ext *ExternalConfig) {
	log.WithFields(logger.Fields{
		"at":      "network.notify",
		"network": FormatNetworkID(n.id),
		"op":      op.String(),
		"status":  ext.Status.String(),
	}).Debug("network state changed")
	if n.onConfig != nil {
		n.onConfig(n.id, op, ext)
	}
}

// SetConfiguration installs cfg. It returns ConfigRejected for a config not
// issued to us, for another network, or older than the active one;
// ConfigUnchanged for a duplicate; and ConfigApplied otherwise, after
// notifying the application and, if save is set, writing it to the store.
// The caller is responsible for having verified the controller signature.
func (n *Network) SetConfiguration(now int64, cfg *NetworkConfig, save bool) ConfigResult {
	if n.destroyed.Load() || cfg == nil {
		return ConfigRejected
	}
	if cfg.IssuedTo != n.self || cfg.NetworkID != n.id {
		return ConfigRejected
	}

	n.configMu.Lock()
	if n.config != nil {
		if n.config.Equal(cfg) {
			n.configMu.Unlock()
			return ConfigUnchanged
		}
		if cfg.Revision < n.config.Revision {
			n.configMu.Unlock()
			return ConfigRejected
		}
	}
	n.config = cfg
	n.status = StatusOK
	n.lastConfigUpdate = now
	op := OpConfigUpdate
	if !n.portInitialized {
		op = OpUp
	}
	n.portInitialized = true
	ext := n.externalLocked()
	n.configMu.Unlock()

	n.notify(op, ext)

	if save && n.store != nil {
		doc, err := cfg.EncodeDocument()
		if err == nil {
			err = n.store.Put(store.KindNetworkConfig, store.Key{n.id}, doc)
		}
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"at":      "network.SetConfiguration",
				"network": FormatNetworkID(n.id),
			}).Error("failed to persist network config")
		}
	}
	return ConfigApplied
}

// SetFailure records a controller refusal and tells the application.
func (n *Network) SetFailure(s Status) {
	if n.destroyed.Load() {
		return
	}
	n.configMu.Lock()
	n.status = s
	ext := n.externalLocked()
	n.configMu.Unlock()
	n.notify(OpConfigUpdate, ext)
}

// ConfigRequestDue is a rate gate for asking the controller for a config.
// Once configured, requests are only due when the config is older than the
// request interval.
func (n *Network) ConfigRequestDue(now int64) bool {
	n.configMu.Lock()
	defer n.configMu.Unlock()
	iv := n.settings.ConfigRequestInterval
	if now-n.lastConfigRequest < iv {
		return false
	}
	if n.config != nil && now-n.lastConfigUpdate < iv {
		return false
	}
	n.lastConfigRequest = now
	return true
}

// Close takes the network down without leaving it.
func (n *Network) Close() { n.shutdown(OpDown) }

// Leave destroys the network and removes its stored config.
func (n *Network) Leave() {
	n.shutdown(OpDestroy)
	if n.store != nil {
		if err := n.store.Delete(store.KindNetworkConfig, store.Key{n.id}); err != nil {
			log.WithError(err).WithField("at", "network.Leave").Debug("no stored config to delete")
		}
	}
}

func (n *Network) shutdown(op Operation) {
	n.membersMu.Lock()
	n.configMu.Lock()
	if n.destroyed.Load() {
		n.configMu.Unlock()
		n.membersMu.Unlock()
		return
	}
	n.destroyed.Store(true)
	ext := n.externalLocked()
	n.configMu.Unlock()
	n.membersMu.Unlock()
	n.notify(op, ext)
}

func (n *Network) memberLocked(addr identity.Address) *Member {
	m, ok := n.members[addr]
	if !ok {
		m = newMember(addr)
		n.members[addr] = m
	}
	return m
}

// Members returns the addresses of every member we hold state for.
func (n *Network) Members() []identity.Address {
	n.membersMu.Lock()
	defer n.membersMu.Unlock()
	out := make([]identity.Address, 0, len(n.members))
	for a := range n.members {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Gate reports whether peer may exchange frames with us on this network.
func (n *Network) Gate(peer identity.Address) bool {
	n.membersMu.Lock()
	defer n.membersMu.Unlock()
	n.configMu.Lock()
	defer n.configMu.Unlock()
	if n.config == nil || n.destroyed.Load() {
		return false
	}
	return n.memberLocked(peer).IsAllowedOnNetwork(n.config)
}

// ShouldPushCredentials reports whether our credentials should be sent to
// peer now, and returns them if so.
func (n *Network) ShouldPushCredentials(now int64, peer identity.Address) []credential.Credential {
	n.membersMu.Lock()
	defer n.membersMu.Unlock()
	n.configMu.Lock()
	defer n.configMu.Unlock()
	if n.config == nil {
		return nil
	}
	if !n.memberLocked(peer).ShouldPushCredentials(now, n.settings.CredentialPushInterval) {
		return nil
	}
	return n.config.Credentials()
}

// AddCredential files a credential with the member it concerns: the holder
// for issued credentials, the target for revocations.
func (n *Network) AddCredential(r credential.Resolver, c credential.Credential) credential.AddResult {
	if c.NetworkID() != n.id || n.destroyed.Load() {
		return credential.Rejected
	}
	var holder identity.Address
	switch c := c.(type) {
	case *credential.Revocation:
		holder = c.Target()
	case interface{ IssuedTo() identity.Address }:
		holder = c.IssuedTo()
	default:
		return credential.Rejected
	}
	n.membersMu.Lock()
	defer n.membersMu.Unlock()
	return n.memberLocked(holder).Add(r, c)
}

// MemberAllowed is Gate without creating member state, for diagnostics.
func (n *Network) MemberAllowed(peer identity.Address) bool {
	n.membersMu.Lock()
	defer n.membersMu.Unlock()
	m, ok := n.members[peer]
	if !ok {
		return false
	}
	n.configMu.Lock()
	defer n.configMu.Unlock()
	return n.config != nil && m.IsAllowedOnNetwork(n.config)
}

// FilterOutgoing applies our rules, then our own capabilities, to a frame we
// are about to send. The destination's member record supplies its tags.
func (n *Network) FilterOutgoing(f *Frame, noTee bool) FilterOutcome {
	n.membersMu.Lock()
	defer n.membersMu.Unlock()
	n.configMu.Lock()
	defer n.configMu.Unlock()
	if n.config == nil || n.destroyed.Load() {
		return FilterOutcome{Result: FilterDrop}
	}
	var m *Member
	if f.Dest != 0 {
		m = n.members[f.Dest]
	}
	return n.filterLocked(f, m, false, n.config.Capabilities, noTee)
}

// FilterIncoming applies our rules, then the sender's valid capabilities in
// ascending ID order, to a frame received from f.Source.
func (n *Network) FilterIncoming(f *Frame) FilterOutcome {
	n.membersMu.Lock()
	defer n.membersMu.Unlock()
	n.configMu.Lock()
	defer n.configMu.Unlock()
	if n.config == nil || n.destroyed.Load() {
		return FilterOutcome{Result: FilterDrop}
	}
	m := n.memberLocked(f.Source)
	return n.filterLocked(f, m, true, m.Capabilities(n.config), false)
}

func (n *Network) filterLocked(f *Frame, m *Member, inbound bool, caps []*credential.Capability, noTee bool) FilterOutcome {
	out := FilterOutcome{FinalDest: f.Dest, QoSBucket: defaultQoSBucket}
	e := &evaluation{
		self:    n.self,
		cfg:     n.config,
		member:  m,
		inbound: inbound,
		frame:   f,
		dest:    f.Dest,
		qos:     defaultQoSBucket,
	}
	v := e.run(n.config.Rules)
	if v == verdictNoMatch {
		for _, c := range caps {
			ce := &evaluation{
				self:    n.self,
				cfg:     n.config,
				member:  m,
				inbound: inbound,
				frame:   f,
				dest:    f.Dest,
				qos:     e.qos,
			}
			cv := ce.run(c.Rules())
			if cv == verdictNoMatch || cv == verdictDrop {
				// a DROP inside a capability only ends that capability
				continue
			}
			v = cv
			// outbound treats a super-accepting capability as a plain accept
			if !inbound && v == verdictSuperAccept {
				v = verdictAccept
			}
			out.UsedCapability = true
			out.CapabilityID = c.ID()
			e.dest = ce.dest
			e.qos = ce.qos
			if ce.tee != 0 && !noTee {
				out.Tees = append(out.Tees, Tee{Target: ce.tee, Length: ce.teeLength, Watch: ce.teeWatch})
			}
			break
		}
	}
	out.QoSBucket = e.qos

	switch v {
	case verdictNoMatch, verdictDrop:
		out.Result = FilterDrop
		out.Tees = nil
		return out
	case verdictSuperAccept:
		out.Result = FilterSuperAccept
	default:
		out.Result = FilterAccept
	}
	if e.tee != 0 && !noTee {
		out.Tees = append(out.Tees, Tee{Target: e.tee, Length: e.teeLength, Watch: e.teeWatch})
	}
	for i := range out.Tees {
		if out.Tees[i].Length > len(f.Data) {
			out.Tees[i].Length = len(f.Data)
		}
	}
	if e.dest != f.Dest && e.dest != 0 {
		out.Result = FilterRedirect
		out.FinalDest = e.dest
	}
	return out
}

// LearnBridgeRoute records that mac is reachable through addr. When the
// table overflows, every route owned by the address holding the most
// routes is dropped; ties go to the lowest address.
func (n *Network) LearnBridgeRoute(mac MAC, addr identity.Address) {
	n.bridgeMu.Lock()
	defer n.bridgeMu.Unlock()
	n.bridgeRoutes[mac] = addr
	for len(n.bridgeRoutes) > n.settings.MaxBridgeRoutes {
		counts := map[identity.Address]int{}
		for _, a := range n.bridgeRoutes {
			counts[a]++
		}
		var worst identity.Address
		most := 0
		for a, c := range counts {
			if c > most || (c == most && a < worst) {
				worst, most = a, c
			}
		}
		log.WithFields(logger.Fields{
			"at":      "network.LearnBridgeRoute",
			"network": FormatNetworkID(n.id),
			"address": worst.String(),
			"routes":  most,
		}).Warn("bridge route table full, evicting heaviest bridge")
		for m, a := range n.bridgeRoutes {
			if a == worst {
				delete(n.bridgeRoutes, m)
			}
		}
	}
}

// BridgeRoute returns the member a bridged MAC is behind.
func (n *Network) BridgeRoute(mac MAC) (identity.Address, bool) {
	n.bridgeMu.Lock()
	defer n.bridgeMu.Unlock()
	a, ok := n.bridgeRoutes[mac]
	return a, ok
}

func (n *Network) BridgeRouteCount() int {
	n.bridgeMu.Lock()
	defer n.bridgeMu.Unlock()
	return len(n.bridgeRoutes)
}

// MulticastSubscribe adds a group this node listens to.
func (n *Network) MulticastSubscribe(g MulticastGroup) {
	n.groupsMu.Lock()
	defer n.groupsMu.Unlock()
	i := sort.Search(len(n.groups), func(i int) bool { return !n.groups[i].less(g) })
	if i < len(n.groups) && n.groups[i] == g {
		return
	}
	n.groups = append(n.groups, MulticastGroup{})
	copy(n.groups[i+1:], n.groups[i:])
	n.groups[i] = g
}

func (n *Network) MulticastUnsubscribe(g MulticastGroup) {
	n.groupsMu.Lock()
	defer n.groupsMu.Unlock()
	for i := range n.groups {
		if n.groups[i] == g {
			n.groups = append(n.groups[:i], n.groups[i+1:]...)
			return
		}
	}
}

// LearnBridgedMulticastGroup records a group a bridged host behind us
// listens to.
func (n *Network) LearnBridgedMulticastGroup(now int64, g MulticastGroup) {
	n.groupsMu.Lock()
	defer n.groupsMu.Unlock()
	n.bridgedGroups[g] = now
}

// SubscribedToMulticastGroup reports whether we, or optionally a bridged
// host behind us, listen to g.
func (n *Network) SubscribedToMulticastGroup(g MulticastGroup, includeBridged bool) bool {
	n.groupsMu.Lock()
	defer n.groupsMu.Unlock()
	i := sort.Search(len(n.groups), func(i int) bool { return !n.groups[i].less(g) })
	if i < len(n.groups) && n.groups[i] == g {
		return true
	}
	if includeBridged {
		_, ok := n.bridgedGroups[g]
		return ok
	}
	return false
}

// MulticastGroups returns our own subscriptions in sorted order.
func (n *Network) MulticastGroups() []MulticastGroup {
	n.groupsMu.Lock()
	defer n.groupsMu.Unlock()
	return append([]MulticastGroup(nil), n.groups...)
}

// Pulse expires bridged multicast groups.
func (n *Network) Pulse(now int64) {
	n.groupsMu.Lock()
	defer n.groupsMu.Unlock()
	for g, t := range n.bridgedGroups {
		if now-t > n.settings.BridgedGroupTimeout {
			delete(n.bridgedGroups, g)
		}
	}
}
