package config

import (
	"path/filepath"
	"time"

	"github.com/go-i2p/go-vnet/lib/node"
	"github.com/go-i2p/go-vnet/lib/util"
)

// BaseDirName is the directory under the user's home holding config and
// state.
const BaseDirName = ".go-vnet"

// ConfigDefaults holds every default value in one place.
type ConfigDefaults struct {
	// Home is the base directory.
	// Default: $HOME/.go-vnet
	Home string

	// StoreDir holds the identity, peer records and network configs.
	// Default: $HOME/.go-vnet/store
	StoreDir string

	// Port is the UDP port the node listens on.
	// Default: 9993
	Port int

	// Roots are "identity@host:port" entries; the first valid one becomes
	// the root.
	// Default: none
	Roots []string

	// Networks are joined at startup, as 16 hex digit network IDs.
	// Default: none
	Networks []string

	NTP NTPDefaults

	// Node carries peer, network and node timing and limits.
	Node node.Settings
}

// NTPDefaults configures clock discipline.
type NTPDefaults struct {
	// Enabled turns the SNTP timestamper on.
	// Default: true
	Enabled bool

	// Servers are queried at random.
	// Default: 0.pool.ntp.org, 1.pool.ntp.org, 2.pool.ntp.org
	Servers []string

	// Interval is the base time between syncs.
	// Default: 11 minutes
	Interval time.Duration
}

// Defaults returns the built-in configuration.
func Defaults() ConfigDefaults {
	home := BuildBaseDirPath()
	return ConfigDefaults{
		Home:     home,
		StoreDir: filepath.Join(home, "store"),
		Port:     9993,
		NTP: NTPDefaults{
			Enabled:  true,
			Servers:  []string{"0.pool.ntp.org", "1.pool.ntp.org", "2.pool.ntp.org"},
			Interval: 11 * time.Minute,
		},
		Node: node.DefaultSettings(),
	}
}

// BuildBaseDirPath returns $HOME/.go-vnet.
func BuildBaseDirPath() string {
	return filepath.Join(util.UserHome(), BaseDirName)
}
