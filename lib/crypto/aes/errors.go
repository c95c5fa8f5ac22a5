package aes

import "github.com/samber/oops"

var (
	ErrInvalidKeySize     = oops.New("aes: key must be 32 bytes")
	ErrBackendUnavailable = oops.New("aes: requested backend is not available on this CPU")
	ErrNotBlockAligned    = oops.New("aes: data length is not a multiple of the block size")
	ErrMessageTooLarge    = oops.New("aes: message exceeds GMAC-SIV size limit")
	ErrShortIVMAC         = oops.New("aes: IV/MAC blob must be 16 bytes")
)
