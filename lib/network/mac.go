package network

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-i2p/go-vnet/lib/identity"
)

// MAC is a 48-bit Ethernet address held in the low bits of a uint64.
type MAC uint64

// BroadcastMAC is ff:ff:ff:ff:ff:ff.
const BroadcastMAC MAC = 0xffffffffffff

// firstOctet picks a locally administered, unicast first octet for a
// network, avoiding 0x52 which some hypervisors claim.
func firstOctet(nwid uint64) uint8 {
	a := uint8(nwid&0xfe) | 0x02
	if a == 0x52 {
		return 0x32
	}
	return a
}

// MACFromAddress derives the MAC a node uses on a network. The mapping is
// reversible with ToAddress so MAC ownership can be checked without
// credentials.
func MACFromAddress(addr identity.Address, nwid uint64) MAC {
	m := uint64(firstOctet(nwid))<<40 | uint64(addr)&0xffffffffff
	m ^= ((nwid >> 8) & 0xff) << 32
	m ^= ((nwid >> 16) & 0xff) << 24
	m ^= ((nwid >> 24) & 0xff) << 16
	m ^= ((nwid >> 32) & 0xff) << 8
	m ^= (nwid >> 40) & 0xff
	return MAC(m)
}

// ToAddress reverses MACFromAddress.
func (m MAC) ToAddress(nwid uint64) identity.Address {
	a := uint64(m) & 0xffffffffff
	a ^= ((nwid >> 8) & 0xff) << 32
	a ^= ((nwid >> 16) & 0xff) << 24
	a ^= ((nwid >> 24) & 0xff) << 16
	a ^= ((nwid >> 32) & 0xff) << 8
	a ^= (nwid >> 40) & 0xff
	return identity.Address(a)
}

// IsMulticast reports whether the group bit is set.
func (m MAC) IsMulticast() bool { return (m>>40)&0x01 != 0 }

func (m MAC) IsBroadcast() bool { return m == BroadcastMAC }

// IsLocallyAdministered reports whether the U/L bit is set.
func (m MAC) IsLocallyAdministered() bool { return (m>>40)&0x02 != 0 }

// Bytes returns the six octets.
func (m MAC) Bytes() [6]byte {
	var b [6]byte
	for i := range b {
		b[i] = byte(m >> (40 - 8*i))
	}
	return b
}

// MACFromBytes reads six octets.
func MACFromBytes(b []byte) MAC {
	var m MAC
	for i := 0; i < 6; i++ {
		m = m<<8 | MAC(b[i])
	}
	return m
}

func (m MAC) String() string {
	b := m.Bytes()
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", b[0], b[1], b[2], b[3], b[4], b[5])
}

// ParseMAC parses the colon-separated hex form.
func ParseMAC(s string) (MAC, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return 0, ErrInvalidMAC
	}
	var m MAC
	for _, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil || len(p) != 2 {
			return 0, ErrInvalidMAC
		}
		m = m<<8 | MAC(v)
	}
	return m, nil
}

// MulticastGroup is a multicast MAC plus an additional distinguishing
// information field, used to scope ARP broadcasts by target IP.
type MulticastGroup struct {
	MAC MAC
	ADI uint32
}

// BroadcastGroup is the Ethernet broadcast group with no ADI.
var BroadcastGroup = MulticastGroup{MAC: BroadcastMAC}

// ARPGroup returns the group for ARP requests targeting an IPv4 address.
func ARPGroup(ip [4]byte) MulticastGroup {
	return MulticastGroup{MAC: BroadcastMAC, ADI: uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])}
}

func (g MulticastGroup) less(o MulticastGroup) bool {
	if g.MAC != o.MAC {
		return g.MAC < o.MAC
	}
	return g.ADI < o.ADI
}
