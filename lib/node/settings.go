package node

import (
	"github.com/go-i2p/go-vnet/lib/network"
	"github.com/go-i2p/go-vnet/lib/peer"
)

// Settings configures a Node. Times are milliseconds on the caller's clock.
type Settings struct {
	Peer    peer.Settings
	Network network.Settings

	// WhoisPerSecond and WhoisBurst bound outbound WHOIS requests node-wide.
	// Default: 10, 32
	WhoisPerSecond float64
	WhoisBurst     int

	// WhoisRetryInterval is how long an unanswered WHOIS waits before it is
	// asked again.
	// Default: 2000
	WhoisRetryInterval int64

	// MaxDeferredCredentials bounds credentials waiting for a signer
	// identity.
	// Default: 256
	MaxDeferredCredentials int

	// PeerSaveInterval spaces peer record writes to the store.
	// Default: 60000
	PeerSaveInterval int64

	// PeerExpiry forgets peers we have not heard from for this long. Roots
	// are never forgotten.
	// Default: 600000
	PeerExpiry int64
}

// DefaultSettings returns the stock values.
func DefaultSettings() Settings {
	return Settings{
		Peer:                   peer.DefaultSettings(),
		Network:                network.DefaultSettings(),
		WhoisPerSecond:         10,
		WhoisBurst:             32,
		WhoisRetryInterval:     2000,
		MaxDeferredCredentials: 256,
		PeerSaveInterval:       60000,
		PeerExpiry:             600000,
	}
}
