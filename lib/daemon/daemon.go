// Package daemon runs a node on a real UDP socket with a wall clock.
package daemon

import (
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-i2p/go-vnet/lib/config"
	"github.com/go-i2p/go-vnet/lib/keys"
	"github.com/go-i2p/go-vnet/lib/network"
	"github.com/go-i2p/go-vnet/lib/node"
	"github.com/go-i2p/go-vnet/lib/store"
	"github.com/go-i2p/go-vnet/lib/util/time/monotonic"
	"github.com/go-i2p/go-vnet/lib/util/time/sntp"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

var log = logger.GetGoI2PLogger()

var (
	ErrAlreadyRunning = oops.New("daemon already running")
	ErrNotRunning     = oops.New("daemon not running")
	ErrStopped        = oops.New("daemon already stopped")
)

const (
	// udpSocket is the socket ID handed to the node for our one UDP socket.
	udpSocket     int64 = 1
	pulseInterval       = time.Second
	maxDatagram         = 16384
)

// Daemon owns a node, its store, the UDP socket and the clock.
type Daemon struct {
	cfg   *config.NodeConfig
	clock *monotonic.Clock
	ntp   *sntp.Timestamper
	store *store.FileStore
	node  *node.Node
	conn  atomic.Pointer[net.UDPConn]

	// OnFrame, when set before Start, receives accepted inbound frames.
	OnFrame func(nwid uint64, f *network.Frame)

	running   bool
	runMux    sync.RWMutex
	closeChnl chan struct{}
	wg        sync.WaitGroup
}

// New opens the store, loads or creates the identity and builds the node.
// Nothing touches the network until Start.
func New(cfg *config.NodeConfig) (*Daemon, error) {
	if err := os.MkdirAll(cfg.StoreDir, 0o700); err != nil {
		return nil, oops.Wrapf(err, "creating store directory")
	}
	st, err := store.NewFileStore(cfg.StoreDir)
	if err != nil {
		return nil, err
	}
	id, err := keys.LoadOrCreate(st)
	if err != nil {
		return nil, err
	}
	d := &Daemon{
		cfg:       cfg,
		clock:     monotonic.NewClock(),
		store:     st,
		closeChnl: make(chan struct{}),
	}
	if cfg.NTPEnabled {
		d.ntp = sntp.New(sntp.DefaultNTPClient{}, cfg.NTPServers, cfg.NTPInterval)
		d.ntp.AddListener(d.clock)
	}
	d.node, err = node.New(d.clock.NowMs(), id, st, cfg.Settings, node.Callbacks{
		WireSend:      d.wireSend,
		VirtualFrame:  d.virtualFrame,
		NetworkConfig: d.networkConfig,
	})
	if err != nil {
		return nil, err
	}
	log.WithFields(logger.Fields{
		"at":      "daemon.New",
		"address": id.Address().String(),
		"store":   cfg.StoreDir,
	}).Info("node created")
	return d, nil
}

// Node returns the running node.
func (d *Daemon) Node() *node.Node { return d.node }

// NowMs returns the daemon's clock.
func (d *Daemon) NowMs() int64 { return d.clock.NowMs() }

// LocalAddr returns the bound UDP address, or the zero value before Start.
func (d *Daemon) LocalAddr() netip.AddrPort {
	c := d.conn.Load()
	if c == nil {
		return netip.AddrPort{}
	}
	return c.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Start binds the UDP port, sets roots, joins configured networks and runs
// the receive and pulse loops.
func (d *Daemon) Start() error {
	d.runMux.Lock()
	defer d.runMux.Unlock()
	if d.running {
		return ErrAlreadyRunning
	}
	select {
	case <-d.closeChnl:
		return ErrStopped
	default:
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: d.cfg.Port})
	if err != nil {
		return oops.Wrapf(err, "binding UDP port %d", d.cfg.Port)
	}
	d.conn.Store(conn)
	d.running = true

	now := d.clock.NowMs()
	d.applyRoots(now, d.cfg.Roots)
	d.joinNetworks(now, d.cfg.Networks)
	if d.ntp != nil {
		d.ntp.Start()
	}

	d.wg.Add(2)
	go d.readLoop(conn)
	go d.pulseLoop()
	log.WithFields(logger.Fields{
		"at":   "daemon.Start",
		"addr": d.LocalAddr().String(),
	}).Info("daemon started")
	return nil
}

// Reload applies a new configuration: roots are set again, new networks are
// joined and networks no longer listed are left.
func (d *Daemon) Reload(cfg *config.NodeConfig) error {
	d.runMux.Lock()
	defer d.runMux.Unlock()
	if !d.running {
		return ErrNotRunning
	}
	now := d.clock.NowMs()
	d.applyRoots(now, cfg.Roots)

	want := make(map[uint64]bool, len(cfg.Networks))
	for _, nwid := range cfg.Networks {
		want[nwid] = true
	}
	for _, nw := range d.node.Networks() {
		if !want[nw.ID()] {
			if err := d.node.Leave(nw.ID()); err != nil {
				log.WithField("network", network.FormatNetworkID(nw.ID())).WithError(err).Warn("failed to leave network")
			}
		}
	}
	d.joinNetworks(now, cfg.Networks)
	d.cfg.Roots, d.cfg.Networks = cfg.Roots, cfg.Networks
	return nil
}

// applyRoots uses the first root the node accepts.
func (d *Daemon) applyRoots(now int64, roots []config.Root) {
	for _, r := range roots {
		err := d.node.SetRoot(now, r.Identity, udpSocket, r.Endpoint)
		if err == nil {
			return
		}
		log.WithFields(logger.Fields{
			"at":   "daemon.applyRoots",
			"root": r.Identity.Address().String(),
		}).WithError(err).Warn("root rejected")
	}
}

func (d *Daemon) joinNetworks(now int64, nwids []uint64) {
	for _, nwid := range nwids {
		if d.node.Network(nwid) != nil {
			continue
		}
		if _, err := d.node.Join(now, nwid); err != nil {
			log.WithField("network", network.FormatNetworkID(nwid)).WithError(err).Warn("failed to join network")
		}
	}
}

// Stop ends the loops and releases the socket. The node stays usable for
// inspection until Close.
func (d *Daemon) Stop() {
	d.runMux.Lock()
	if !d.running {
		d.runMux.Unlock()
		return
	}
	d.running = false
	close(d.closeChnl)
	d.runMux.Unlock()

	if c := d.conn.Load(); c != nil {
		c.Close()
	}
	if d.ntp != nil {
		d.ntp.Stop()
	}
	d.wg.Wait()
	log.WithField("at", "daemon.Stop").Info("daemon stopped")
}

// Wait blocks until Stop has been called.
func (d *Daemon) Wait() {
	<-d.closeChnl
}

// Close stops the daemon and persists and wipes node state.
func (d *Daemon) Close() error {
	d.Stop()
	d.node.Close()
	return nil
}

func (d *Daemon) readLoop(conn *net.UDPConn) {
	defer d.wg.Done()
	for {
		buf := make([]byte, maxDatagram)
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-d.closeChnl:
				return
			default:
			}
			log.WithField("at", "daemon.readLoop").WithError(err).Warn("UDP read failed")
			continue
		}
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		d.node.ProcessWirePacket(d.clock.NowMs(), udpSocket, from, buf[:n])
	}
}

func (d *Daemon) pulseLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(pulseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.node.Pulse(d.clock.NowMs())
		case <-d.closeChnl:
			return
		}
	}
}

func (d *Daemon) wireSend(socket int64, to netip.AddrPort, data []byte) bool {
	c := d.conn.Load()
	if c == nil || socket != udpSocket {
		return false
	}
	if _, err := c.WriteToUDPAddrPort(data, to); err != nil {
		log.WithFields(logger.Fields{
			"at": "daemon.wireSend",
			"to": to.String(),
		}).WithError(err).Debug("UDP send failed")
		return false
	}
	return true
}

func (d *Daemon) virtualFrame(nwid uint64, f *network.Frame) {
	if d.OnFrame != nil {
		d.OnFrame(nwid, f)
		return
	}
	log.WithFields(logger.Fields{
		"at":      "daemon.virtualFrame",
		"network": network.FormatNetworkID(nwid),
		"src":     f.MACSource.String(),
		"dst":     f.MACDest.String(),
		"len":     len(f.Data),
	}).Debug("frame received")
}

func (d *Daemon) networkConfig(nwid uint64, op network.Operation, cfg *network.ExternalConfig) {
	fields := logger.Fields{
		"at":      "daemon.networkConfig",
		"network": network.FormatNetworkID(nwid),
		"op":      op.String(),
	}
	if cfg != nil {
		fields["name"] = cfg.Name
		fields["revision"] = cfg.Revision
		fields["addresses"] = len(cfg.AssignedAddresses)
	}
	log.WithFields(fields).Info("network changed")
}
