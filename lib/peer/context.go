package peer

import (
	"net/netip"

	"github.com/go-i2p/go-vnet/lib/crypto/aes"
	"github.com/go-i2p/go-vnet/lib/identity"
	"github.com/go-i2p/go-vnet/lib/store"
)

// Context is everything a Peer needs from the node that owns it.
type Context interface {
	// Identity is the local identity, with private key.
	Identity() *identity.Identity
	// LocalSecretCipher encrypts key material at rest.
	LocalSecretCipher() *aes.Cipher
	// WireSend transmits a datagram; false means it was not sent.
	WireSend(socket int64, to netip.AddrPort, data []byte) bool
	// ShouldUsePath is the external path admission filter.
	ShouldUsePath(socket int64, remote identity.Address, endpoint netip.AddrPort) bool
	// Path returns the interned Path for socket and endpoint.
	Path(socket int64, endpoint netip.AddrPort) *Path
	// Root returns the relay of last resort, or nil.
	Root() *Peer
	// Store persists peer records; may be nil.
	Store() store.Store
	// Settings returns timing and sizing parameters.
	Settings() Settings
}
