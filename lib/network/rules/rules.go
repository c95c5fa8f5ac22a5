// Package rules defines the packet filter rule entries shared by network
// configurations and capabilities, and their binary encoding.
//
// Each rule is encoded as [type 1][length 1][fields]. The low six bits of the
// type byte select the rule, 0x40 chains a match with OR instead of AND, and
// 0x80 inverts a match.
package rules

import (
	"encoding/binary"
	"net/netip"

	"github.com/go-i2p/go-vnet/lib/identity"
	"github.com/samber/oops"
)

var (
	ErrTruncated = oops.New("rules: truncated rule")
	ErrTooMany   = oops.New("rules: too many rules")
	ErrBadField  = oops.New("rules: malformed rule field")
)

// MaxRules bounds a rule list.
const MaxRules = 1024

// Type selects what a rule does.
type Type uint8

const (
	ActionDrop     Type = 0
	ActionAccept   Type = 1
	ActionTee      Type = 2
	ActionWatch    Type = 3
	ActionRedirect Type = 4
	ActionBreak    Type = 5
	ActionPriority Type = 6

	MatchSourceAddress     Type = 24
	MatchDestAddress       Type = 25
	MatchVLANID            Type = 26
	MatchVLANPCP           Type = 27
	MatchVLANDEI           Type = 28
	MatchMACSource         Type = 29
	MatchMACDest           Type = 30
	MatchIPv4Source        Type = 31
	MatchIPv4Dest          Type = 32
	MatchIPv6Source        Type = 33
	MatchIPv6Dest          Type = 34
	MatchIPTOS             Type = 35
	MatchIPProtocol        Type = 36
	MatchEtherType         Type = 37
	MatchICMP              Type = 38
	MatchIPSourcePortRange Type = 39
	MatchIPDestPortRange   Type = 40
	MatchCharacteristics   Type = 41
	MatchFrameSizeRange    Type = 42
	MatchRandom            Type = 43
	MatchTagsDifference    Type = 44
	MatchTagsBitwiseAnd    Type = 45
	MatchTagsBitwiseOr     Type = 46
	MatchTagsBitwiseXor    Type = 47
	MatchTagsEqual         Type = 48
	MatchTagSender         Type = 49
	MatchTagReceiver       Type = 50
	MatchIntegerRange      Type = 51

	typeMask = 0x3f
	flagOr   = 0x40
	flagNot  = 0x80
)

// actionMaxID is the highest type number reserved for actions. Unknown
// actions in that range are no-ops.
const actionMaxID Type = 15

// IsAction reports whether t terminates or redirects rather than matches.
func (t Type) IsAction() bool { return t <= actionMaxID }

// Characteristic bits for MatchCharacteristics.
const (
	CharInbound                uint64 = 1 << 63
	CharMulticast              uint64 = 1 << 62
	CharBroadcast              uint64 = 1 << 61
	CharSenderIPAuthenticated  uint64 = 1 << 60
	CharSenderMACAuthenticated uint64 = 1 << 59
	CharTCPReserved0           uint64 = 1 << 11
	CharTCPReserved1           uint64 = 1 << 10
	CharTCPReserved2           uint64 = 1 << 9
	CharTCPNS                  uint64 = 1 << 8
	CharTCPCWR                 uint64 = 1 << 7
	CharTCPECE                 uint64 = 1 << 6
	CharTCPURG                 uint64 = 1 << 5
	CharTCPACK                 uint64 = 1 << 4
	CharTCPPSH                 uint64 = 1 << 3
	CharTCPRST                 uint64 = 1 << 2
	CharTCPSYN                 uint64 = 1 << 1
	CharTCPFIN                 uint64 = 1 << 0
)

// Integer range format: low six bits are (width in bits - 1), 0x80 selects
// little-endian.
const (
	IntFormatLittleEndian uint8 = 0x80
	intFormatBitsMask     uint8 = 0x3f
)

// Rule is one entry of a rule list. Only the fields relevant to Type are
// meaningful.
type Rule struct {
	Type Type
	Not  bool
	Or   bool

	// MatchSourceAddress, MatchDestAddress, and the target of
	// ActionTee, ActionWatch and ActionRedirect.
	Address identity.Address
	// ActionTee/Watch/Redirect flags and copy length (0 means whole frame).
	Flags  uint32
	Length uint16
	// ActionPriority
	Priority uint8

	VLANID  uint16
	VLANPCP uint8
	VLANDEI uint8

	MAC [6]byte

	// MatchIPv4*/MatchIPv6*
	Prefix netip.Prefix

	TOSMask  uint8
	TOSStart uint8
	TOSEnd   uint8

	IPProtocol uint8
	EtherType  uint16

	ICMPType      uint8
	ICMPCode      uint8
	ICMPCodeValid bool

	PortStart uint16
	PortEnd   uint16

	Characteristics uint64

	FrameSizeStart uint16
	FrameSizeEnd   uint16

	// MatchRandom: match when a uniform 32-bit sample is <= Probability.
	Probability uint32

	TagID    uint32
	TagValue uint32

	IntStart  uint64
	IntDelta  uint32
	IntIndex  uint16
	IntFormat uint8
}

// Accept, Drop and Break are convenience constructors.
func Accept() Rule { return Rule{Type: ActionAccept} }
func Drop() Rule   { return Rule{Type: ActionDrop} }
func Break() Rule  { return Rule{Type: ActionBreak} }

func (r *Rule) typeByte() byte {
	b := byte(r.Type) & typeMask
	if r.Or {
		b |= flagOr
	}
	if r.Not {
		b |= flagNot
	}
	return b
}

func put16(b []byte, v uint16) []byte { return binary.BigEndian.AppendUint16(b, v) }
func put32(b []byte, v uint32) []byte { return binary.BigEndian.AppendUint32(b, v) }
func put64(b []byte, v uint64) []byte { return binary.BigEndian.AppendUint64(b, v) }

func (r *Rule) fields() []byte {
	var f []byte
	switch r.Type {
	case ActionTee, ActionWatch, ActionRedirect:
		f = append(f, r.Address.Bytes()...)
		f = put32(f, r.Flags)
		f = put16(f, r.Length)
	case ActionPriority:
		f = append(f, r.Priority)
	case MatchSourceAddress, MatchDestAddress:
		f = append(f, r.Address.Bytes()...)
	case MatchVLANID:
		f = put16(f, r.VLANID)
	case MatchVLANPCP:
		f = append(f, r.VLANPCP)
	case MatchVLANDEI:
		f = append(f, r.VLANDEI)
	case MatchMACSource, MatchMACDest:
		f = append(f, r.MAC[:]...)
	case MatchIPv4Source, MatchIPv4Dest:
		a := r.Prefix.Addr().As4()
		f = append(f, a[:]...)
		f = append(f, byte(r.Prefix.Bits()))
	case MatchIPv6Source, MatchIPv6Dest:
		a := r.Prefix.Addr().As16()
		f = append(f, a[:]...)
		f = append(f, byte(r.Prefix.Bits()))
	case MatchIPTOS:
		f = append(f, r.TOSMask, r.TOSStart, r.TOSEnd)
	case MatchIPProtocol:
		f = append(f, r.IPProtocol)
	case MatchEtherType:
		f = put16(f, r.EtherType)
	case MatchICMP:
		var flags byte
		if r.ICMPCodeValid {
			flags = 1
		}
		f = append(f, r.ICMPType, r.ICMPCode, flags)
	case MatchIPSourcePortRange, MatchIPDestPortRange:
		f = put16(f, r.PortStart)
		f = put16(f, r.PortEnd)
	case MatchCharacteristics:
		f = put64(f, r.Characteristics)
	case MatchFrameSizeRange:
		f = put16(f, r.FrameSizeStart)
		f = put16(f, r.FrameSizeEnd)
	case MatchRandom:
		f = put32(f, r.Probability)
	case MatchTagsDifference, MatchTagsBitwiseAnd, MatchTagsBitwiseOr,
		MatchTagsBitwiseXor, MatchTagsEqual, MatchTagSender, MatchTagReceiver:
		f = put32(f, r.TagID)
		f = put32(f, r.TagValue)
	case MatchIntegerRange:
		f = put64(f, r.IntStart)
		f = put32(f, r.IntDelta)
		f = put16(f, r.IntIndex)
		f = append(f, r.IntFormat)
	}
	return f
}

// Marshal encodes a rule list.
func Marshal(list []Rule) []byte {
	out := binary.BigEndian.AppendUint16(nil, uint16(len(list)))
	for i := range list {
		f := list[i].fields()
		out = append(out, list[i].typeByte(), byte(len(f)))
		out = append(out, f...)
	}
	return out
}

// Unmarshal decodes a rule list and returns the bytes consumed. Rules of an
// unknown type keep their type so evaluation can treat them as unsupported.
func Unmarshal(data []byte) ([]Rule, int, error) {
	if len(data) < 2 {
		return nil, 0, ErrTruncated
	}
	n := int(binary.BigEndian.Uint16(data))
	if n > MaxRules {
		return nil, 0, ErrTooMany
	}
	p := 2
	list := make([]Rule, 0, n)
	for i := 0; i < n; i++ {
		if p+2 > len(data) {
			return nil, 0, ErrTruncated
		}
		tb, fl := data[p], int(data[p+1])
		p += 2
		if p+fl > len(data) {
			return nil, 0, ErrTruncated
		}
		r := Rule{Type: Type(tb & typeMask), Or: tb&flagOr != 0, Not: tb&flagNot != 0}
		if err := r.parseFields(data[p : p+fl]); err != nil {
			return nil, 0, err
		}
		list = append(list, r)
		p += fl
	}
	return list, p, nil
}

func need(f []byte, n int) error {
	if len(f) < n {
		return ErrBadField
	}
	return nil
}

func (r *Rule) parseFields(f []byte) error {
	be := binary.BigEndian
	switch r.Type {
	case ActionTee, ActionWatch, ActionRedirect:
		if err := need(f, 11); err != nil {
			return err
		}
		r.Address = identity.AddressFromBytes(f)
		r.Flags = be.Uint32(f[5:])
		r.Length = be.Uint16(f[9:])
	case ActionPriority:
		if err := need(f, 1); err != nil {
			return err
		}
		r.Priority = f[0]
	case MatchSourceAddress, MatchDestAddress:
		if err := need(f, 5); err != nil {
			return err
		}
		r.Address = identity.AddressFromBytes(f)
	case MatchVLANID:
		if err := need(f, 2); err != nil {
			return err
		}
		r.VLANID = be.Uint16(f)
	case MatchVLANPCP:
		if err := need(f, 1); err != nil {
			return err
		}
		r.VLANPCP = f[0]
	case MatchVLANDEI:
		if err := need(f, 1); err != nil {
			return err
		}
		r.VLANDEI = f[0]
	case MatchMACSource, MatchMACDest:
		if err := need(f, 6); err != nil {
			return err
		}
		copy(r.MAC[:], f)
	case MatchIPv4Source, MatchIPv4Dest:
		if err := need(f, 5); err != nil {
			return err
		}
		pfx, err := netip.AddrFrom4([4]byte(f[:4])).Prefix(int(f[4]))
		if err != nil {
			return ErrBadField
		}
		r.Prefix = pfx
	case MatchIPv6Source, MatchIPv6Dest:
		if err := need(f, 17); err != nil {
			return err
		}
		pfx, err := netip.AddrFrom16([16]byte(f[:16])).Prefix(int(f[16]))
		if err != nil {
			return ErrBadField
		}
		r.Prefix = pfx
	case MatchIPTOS:
		if err := need(f, 3); err != nil {
			return err
		}
		r.TOSMask, r.TOSStart, r.TOSEnd = f[0], f[1], f[2]
	case MatchIPProtocol:
		if err := need(f, 1); err != nil {
			return err
		}
		r.IPProtocol = f[0]
	case MatchEtherType:
		if err := need(f, 2); err != nil {
			return err
		}
		r.EtherType = be.Uint16(f)
	case MatchICMP:
		if err := need(f, 3); err != nil {
			return err
		}
		r.ICMPType, r.ICMPCode, r.ICMPCodeValid = f[0], f[1], f[2]&1 != 0
	case MatchIPSourcePortRange, MatchIPDestPortRange:
		if err := need(f, 4); err != nil {
			return err
		}
		r.PortStart, r.PortEnd = be.Uint16(f), be.Uint16(f[2:])
	case MatchCharacteristics:
		if err := need(f, 8); err != nil {
			return err
		}
		r.Characteristics = be.Uint64(f)
	case MatchFrameSizeRange:
		if err := need(f, 4); err != nil {
			return err
		}
		r.FrameSizeStart, r.FrameSizeEnd = be.Uint16(f), be.Uint16(f[2:])
	case MatchRandom:
		if err := need(f, 4); err != nil {
			return err
		}
		r.Probability = be.Uint32(f)
	case MatchTagsDifference, MatchTagsBitwiseAnd, MatchTagsBitwiseOr,
		MatchTagsBitwiseXor, MatchTagsEqual, MatchTagSender, MatchTagReceiver:
		if err := need(f, 8); err != nil {
			return err
		}
		r.TagID, r.TagValue = be.Uint32(f), be.Uint32(f[4:])
	case MatchIntegerRange:
		if err := need(f, 15); err != nil {
			return err
		}
		r.IntStart = be.Uint64(f)
		r.IntDelta = be.Uint32(f[8:])
		r.IntIndex = be.Uint16(f[12:])
		r.IntFormat = f[14]
	}
	return nil
}
