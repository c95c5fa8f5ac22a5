package protocol

import "github.com/samber/oops"

var (
	ErrShortPacket      = oops.New("protocol: packet shorter than header")
	ErrUnknownCipher    = oops.New("protocol: unknown cipher suite")
	ErrPacketTooLarge   = oops.New("protocol: payload exceeds maximum message size")
	ErrDecompression    = oops.New("protocol: payload decompression failed")
	ErrHopLimit         = oops.New("protocol: hop limit reached")
	ErrMissingIdentity  = oops.New("protocol: hello packet without identity prefix")
	ErrIdentityMismatch = oops.New("protocol: hello identity does not match source address")
)
