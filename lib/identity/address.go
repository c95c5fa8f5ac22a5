package identity

import (
	"encoding/hex"
	"fmt"
	"strconv"
)

// AddressLength is the wire size of a node address.
const AddressLength = 5

// ReservedAddressPrefix marks addresses set aside for future use.
const ReservedAddressPrefix = 0xff

// Address is a 40-bit node address held in the low bits of a uint64.
type Address uint64

// AddressFromBytes reads a big-endian 5-byte address.
func AddressFromBytes(b []byte) Address {
	_ = b[4]
	return Address(uint64(b[0])<<32 | uint64(b[1])<<24 | uint64(b[2])<<16 | uint64(b[3])<<8 | uint64(b[4]))
}

// PutBytes writes the address as 5 big-endian bytes.
func (a Address) PutBytes(b []byte) {
	_ = b[4]
	b[0] = byte(a >> 32)
	b[1] = byte(a >> 24)
	b[2] = byte(a >> 16)
	b[3] = byte(a >> 8)
	b[4] = byte(a)
}

// Bytes returns the 5-byte form.
func (a Address) Bytes() []byte {
	b := make([]byte, AddressLength)
	a.PutBytes(b)
	return b
}

// IsReserved is true for the zero address and the 0xff prefix.
func (a Address) IsReserved() bool {
	return a == 0 || byte(a>>32) == ReservedAddressPrefix
}

func (a Address) String() string {
	return fmt.Sprintf("%010x", uint64(a)&0xffffffffff)
}

// ParseAddress parses 10 hex digits.
func ParseAddress(s string) (Address, error) {
	if len(s) != AddressLength*2 {
		return 0, ErrInvalidString
	}
	if _, err := hex.DecodeString(s); err != nil {
		return 0, ErrInvalidString
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, ErrInvalidString
	}
	return Address(v), nil
}
