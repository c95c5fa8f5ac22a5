package config

import (
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-i2p/go-vnet/lib/identity"
	"github.com/go-i2p/go-vnet/lib/network"
	"github.com/go-i2p/go-vnet/lib/node"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/spf13/viper"
)

var (
	// CfgFile overrides the config file location when set.
	CfgFile string
	log     = logger.GetGoI2PLogger()
)

var (
	ErrConfigNotFound = oops.New("config file not found")
	ErrInvalidRoot    = oops.New("root must be identity@host:port")
	ErrInvalidNetwork = oops.New("invalid network ID")
)

// InitConfig loads defaults, the config file and the environment into the
// global viper instance. The default file is written when it does not exist;
// an explicit CfgFile must exist.
func InitConfig() error {
	viper.SetEnvPrefix("vnet")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	setDefaults()

	if CfgFile != "" {
		viper.SetConfigFile(CfgFile)
	} else {
		viper.AddConfigPath(viper.GetString("home"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}
	return handleConfigFile()
}

func setDefaults() {
	d := Defaults()
	viper.SetDefault("home", d.Home)
	viper.SetDefault("store.dir", d.StoreDir)
	viper.SetDefault("port", d.Port)
	viper.SetDefault("roots", d.Roots)
	viper.SetDefault("networks", d.Networks)

	viper.SetDefault("ntp.enabled", d.NTP.Enabled)
	viper.SetDefault("ntp.servers", d.NTP.Servers)
	viper.SetDefault("ntp.interval", d.NTP.Interval)

	p := d.Node.Peer
	viper.SetDefault("peer.hello_interval", p.HelloInterval)
	viper.SetDefault("peer.path_alive_timeout", p.PathAliveTimeout)
	viper.SetDefault("peer.keepalive_period", p.KeepalivePeriod)
	viper.SetDefault("peer.ephemeral_key_ttl", p.EphemeralKeyTTL)
	viper.SetDefault("peer.key_odometer_limit", p.KeyOdometerLimit)
	viper.SetDefault("peer.handshake_retry_interval", p.HandshakeRetryInterval)
	viper.SetDefault("peer.contact_retry_interval", p.ContactRetryInterval)
	viper.SetDefault("peer.probe_timeout", p.ProbeTimeout)
	viper.SetDefault("peer.whois_interval", p.WhoisInterval)
	viper.SetDefault("peer.echo_interval", p.EchoInterval)
	viper.SetDefault("peer.probe_interval", p.ProbeInterval)
	viper.SetDefault("peer.max_paths", p.MaxPaths)
	viper.SetDefault("peer.max_try_queue", p.MaxTryQueue)
	viper.SetDefault("peer.max_tries_per_pulse", p.MaxTriesPerPulse)
	viper.SetDefault("peer.privileged_port_batch", p.PrivilegedPortBatch)
	viper.SetDefault("peer.sequential_port_span", p.SequentialPortSpan)

	nw := d.Node.Network
	viper.SetDefault("network.max_bridge_routes", nw.MaxBridgeRoutes)
	viper.SetDefault("network.credential_push_interval", nw.CredentialPushInterval)
	viper.SetDefault("network.config_request_interval", nw.ConfigRequestInterval)
	viper.SetDefault("network.bridged_group_timeout", nw.BridgedGroupTimeout)

	n := d.Node
	viper.SetDefault("node.whois_per_second", n.WhoisPerSecond)
	viper.SetDefault("node.whois_burst", n.WhoisBurst)
	viper.SetDefault("node.whois_retry_interval", n.WhoisRetryInterval)
	viper.SetDefault("node.max_deferred_credentials", n.MaxDeferredCredentials)
	viper.SetDefault("node.peer_save_interval", n.PeerSaveInterval)
	viper.SetDefault("node.peer_expiry", n.PeerExpiry)
}

func handleConfigFile() error {
	err := viper.ReadInConfig()
	if err == nil {
		log.WithField("file", viper.ConfigFileUsed()).Debug("using config file")
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	switch {
	case CfgFile != "" && (errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)):
		return oops.Wrapf(ErrConfigNotFound, "%s", CfgFile)
	case errors.As(err, &notFound):
		return createDefaultConfig(viper.GetString("home"))
	default:
		return oops.Wrapf(err, "reading config file")
	}
}

func createDefaultConfig(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return oops.Wrapf(err, "creating config directory")
	}
	file := filepath.Join(dir, "config.yaml")
	if err := viper.SafeWriteConfigAs(file); err != nil {
		return oops.Wrapf(err, "writing default config")
	}
	log.WithField("file", file).Info("created default configuration")
	return nil
}

// Root is a parsed roots entry.
type Root struct {
	Identity *identity.Identity
	Endpoint netip.AddrPort
}

// NodeConfig is everything the daemon needs to start.
type NodeConfig struct {
	Home     string
	StoreDir string
	Port     int
	Roots    []Root
	Networks []uint64

	NTPEnabled  bool
	NTPServers  []string
	NTPInterval time.Duration

	Settings node.Settings
}

// NewNodeConfigFromViper builds a NodeConfig from the current viper state.
func NewNodeConfigFromViper() (*NodeConfig, error) {
	cfg := &NodeConfig{
		Home:        viper.GetString("home"),
		StoreDir:    viper.GetString("store.dir"),
		Port:        viper.GetInt("port"),
		NTPEnabled:  viper.GetBool("ntp.enabled"),
		NTPServers:  viper.GetStringSlice("ntp.servers"),
		NTPInterval: viper.GetDuration("ntp.interval"),
		Settings:    settingsFromViper(),
	}
	for _, s := range viper.GetStringSlice("roots") {
		r, err := ParseRoot(s)
		if err != nil {
			return nil, err
		}
		cfg.Roots = append(cfg.Roots, r)
	}
	for _, s := range viper.GetStringSlice("networks") {
		nwid, err := network.ParseNetworkID(s)
		if err != nil {
			return nil, oops.Wrapf(ErrInvalidNetwork, "%q: %v", s, err)
		}
		cfg.Networks = append(cfg.Networks, nwid)
	}
	return cfg, nil
}

func settingsFromViper() node.Settings {
	s := node.DefaultSettings()

	p := &s.Peer
	p.HelloInterval = viper.GetInt64("peer.hello_interval")
	p.PathAliveTimeout = viper.GetInt64("peer.path_alive_timeout")
	p.KeepalivePeriod = viper.GetInt64("peer.keepalive_period")
	p.EphemeralKeyTTL = viper.GetInt64("peer.ephemeral_key_ttl")
	p.KeyOdometerLimit = viper.GetUint64("peer.key_odometer_limit")
	p.HandshakeRetryInterval = viper.GetInt64("peer.handshake_retry_interval")
	p.ContactRetryInterval = viper.GetInt64("peer.contact_retry_interval")
	p.ProbeTimeout = viper.GetInt64("peer.probe_timeout")
	p.WhoisInterval = viper.GetInt64("peer.whois_interval")
	p.EchoInterval = viper.GetInt64("peer.echo_interval")
	p.ProbeInterval = viper.GetInt64("peer.probe_interval")
	p.MaxPaths = viper.GetInt("peer.max_paths")
	p.MaxTryQueue = viper.GetInt("peer.max_try_queue")
	p.MaxTriesPerPulse = viper.GetInt("peer.max_tries_per_pulse")
	p.PrivilegedPortBatch = viper.GetInt("peer.privileged_port_batch")
	p.SequentialPortSpan = viper.GetInt("peer.sequential_port_span")

	nw := &s.Network
	nw.MaxBridgeRoutes = viper.GetInt("network.max_bridge_routes")
	nw.CredentialPushInterval = viper.GetInt64("network.credential_push_interval")
	nw.ConfigRequestInterval = viper.GetInt64("network.config_request_interval")
	nw.BridgedGroupTimeout = viper.GetInt64("network.bridged_group_timeout")

	s.WhoisPerSecond = viper.GetFloat64("node.whois_per_second")
	s.WhoisBurst = viper.GetInt("node.whois_burst")
	s.WhoisRetryInterval = viper.GetInt64("node.whois_retry_interval")
	s.MaxDeferredCredentials = viper.GetInt("node.max_deferred_credentials")
	s.PeerSaveInterval = viper.GetInt64("node.peer_save_interval")
	s.PeerExpiry = viper.GetInt64("node.peer_expiry")
	return s
}

// ParseRoot parses "identity@host:port". The identity must be public only
// and must validate.
func ParseRoot(s string) (Root, error) {
	idStr, ep, ok := strings.Cut(strings.TrimSpace(s), "@")
	if !ok {
		return Root{}, oops.Wrapf(ErrInvalidRoot, "%q", s)
	}
	id, err := identity.FromString(idStr)
	if err != nil {
		return Root{}, oops.Wrapf(ErrInvalidRoot, "%q: %v", s, err)
	}
	if err := id.LocallyValidate(); err != nil {
		return Root{}, oops.Wrapf(ErrInvalidRoot, "%q: %v", s, err)
	}
	addr, err := netip.ParseAddrPort(ep)
	if err != nil {
		return Root{}, oops.Wrapf(ErrInvalidRoot, "%q: %v", s, err)
	}
	return Root{Identity: id.PublicOnly(), Endpoint: addr}, nil
}
