package network

import (
	"encoding/binary"
	"net/netip"

	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/go-vnet/lib/identity"
	"github.com/go-i2p/go-vnet/lib/network/rules"
)

// Ethernet types the filter inspects.
const (
	EtherTypeIPv4 uint16 = 0x0800
	EtherTypeARP  uint16 = 0x0806
	EtherTypeIPv6 uint16 = 0x86dd
)

// IPv6 next-header values.
const (
	ipv6HopByHop  = 0
	ipv6Routing   = 43
	ipv6Fragment  = 44
	ipv6ESP       = 50
	ipv6AH        = 51
	ipv6DestOpts  = 60
	ipv6Mobility  = 135
	ipProtoICMP   = 0x01
	ipProtoTCP    = 0x06
	ipProtoUDP    = 0x11
	ipProtoICMPv6 = 0x3a
	ipProtoSCTP   = 0x84
	ipProtoUDPLit = 0x88
)

// Frame is an Ethernet frame presented to the filter. Data starts at the
// L3 header.
type Frame struct {
	Source    identity.Address
	Dest      identity.Address
	MACSource MAC
	MACDest   MAC
	EtherType uint16
	VLANID    uint16
	Data      []byte
}

// FilterResult is what the caller should do with a frame.
type FilterResult int

const (
	FilterDrop FilterResult = iota
	FilterAccept
	// FilterSuperAccept accepts inbound traffic this node is a TEE, WATCH or
	// REDIRECT target for, bypassing address ownership checks.
	FilterSuperAccept
	// FilterRedirect means the frame must go to FinalDest instead.
	FilterRedirect
)

func (r FilterResult) String() string {
	switch r {
	case FilterDrop:
		return "drop"
	case FilterAccept:
		return "accept"
	case FilterSuperAccept:
		return "super-accept"
	case FilterRedirect:
		return "redirect"
	}
	return "unknown"
}

// Tee is a request to send a copy of a frame to another member.
type Tee struct {
	Target identity.Address
	Length int
	Watch  bool
}

// FilterOutcome carries a FilterResult and its side effects.
type FilterOutcome struct {
	Result    FilterResult
	FinalDest identity.Address
	Tees      []Tee
	// CapabilityID is set when a capability rather than the base rules
	// accepted the frame.
	CapabilityID   uint32
	UsedCapability bool
	QoSBucket      uint8
}

// defaultQoSBucket is used when no PRIORITY action fires.
const defaultQoSBucket = 4

type verdict int

const (
	verdictNoMatch verdict = iota
	verdictDrop
	verdictAccept
	verdictSuperAccept
	verdictRedirect
)

// randomSample returns a uniform 32-bit value for MatchRandom.
var randomSample = func() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return binary.BigEndian.Uint32(b[:])
}

// evaluation is one pass of a rule list over a frame.
type evaluation struct {
	self    identity.Address
	cfg     *NetworkConfig
	member  *Member // remote member, may be nil
	inbound bool
	frame   *Frame
	dest    identity.Address // rewritten by REDIRECT

	tee       identity.Address
	teeLength int
	teeWatch  bool
	qos       uint8

	ownershipDone bool
	ownership     uint64
}

// run evaluates list. Matches accumulate into the current set with AND (or
// OR when the entry carries the OR flag); an action fires when the set
// matches and then resets the set.
func (e *evaluation) run(list []rules.Rule) verdict {
	superAccept := false
	setMatches := true

	for i := range list {
		r := &list[i]
		if r.Type.IsAction() {
			if !setMatches {
				if e.inbound && isForward(r.Type) && r.Address == e.self {
					superAccept = true
				}
				setMatches = true
				continue
			}
			switch r.Type {
			case rules.ActionPriority:
				e.qos = r.Priority
				if e.qos > 8 {
					e.qos = defaultQoSBucket
				}
				return verdictAccept
			case rules.ActionDrop:
				return verdictDrop
			case rules.ActionAccept:
				if superAccept {
					return verdictSuperAccept
				}
				return verdictAccept
			case rules.ActionTee, rules.ActionWatch, rules.ActionRedirect:
				switch r.Address {
				case e.frame.Source:
					// the sender already has the frame
				case e.self:
					if e.inbound {
						return verdictSuperAccept
					}
				case e.dest:
				default:
					if r.Type == rules.ActionRedirect {
						e.dest = r.Address
						return verdictRedirect
					}
					e.tee = r.Address
					e.teeLength = int(r.Length)
					if e.teeLength == 0 {
						e.teeLength = len(e.frame.Data)
					}
					e.teeWatch = r.Type == rules.ActionWatch
				}
				continue
			case rules.ActionBreak:
				return verdictNoMatch
			}
			continue
		}

		// anything AND false is false
		if !setMatches && !r.Or {
			continue
		}
		m := e.match(r, superAccept) != r.Not
		if r.Or {
			setMatches = setMatches || m
		} else {
			setMatches = setMatches && m
		}
	}
	return verdictNoMatch
}

func isForward(t rules.Type) bool {
	return t == rules.ActionTee || t == rules.ActionWatch || t == rules.ActionRedirect
}

func (e *evaluation) match(r *rules.Rule, superAccept bool) bool {
	f := e.frame
	d := f.Data
	switch r.Type {
	case rules.MatchSourceAddress:
		return r.Address == f.Source
	case rules.MatchDestAddress:
		return r.Address == e.dest
	case rules.MatchVLANID:
		return r.VLANID == f.VLANID
	case rules.MatchVLANPCP:
		// priority code points are not carried, so only zero matches
		return r.VLANPCP == 0
	case rules.MatchVLANDEI:
		return r.VLANDEI == 0
	case rules.MatchMACSource:
		return MACFromBytes(r.MAC[:]) == f.MACSource
	case rules.MatchMACDest:
		return MACFromBytes(r.MAC[:]) == f.MACDest
	case rules.MatchIPv4Source, rules.MatchIPv4Dest:
		if f.EtherType != EtherTypeIPv4 || len(d) < 20 {
			return false
		}
		off := 12
		if r.Type == rules.MatchIPv4Dest {
			off = 16
		}
		return r.Prefix.Contains(netip.AddrFrom4([4]byte(d[off : off+4])))
	case rules.MatchIPv6Source, rules.MatchIPv6Dest:
		if f.EtherType != EtherTypeIPv6 || len(d) < 40 {
			return false
		}
		off := 8
		if r.Type == rules.MatchIPv6Dest {
			off = 24
		}
		return r.Prefix.Contains(netip.AddrFrom16([16]byte(d[off : off+16])))
	case rules.MatchIPTOS:
		var tos uint8
		switch {
		case f.EtherType == EtherTypeIPv4 && len(d) >= 20:
			tos = d[1]
		case f.EtherType == EtherTypeIPv6 && len(d) >= 40:
			tos = (d[0]<<4)&0xf0 | (d[1]>>4)&0x0f
		default:
			return false
		}
		tos &= r.TOSMask
		return tos >= r.TOSStart && tos <= r.TOSEnd
	case rules.MatchIPProtocol:
		proto, _, ok := ipProtocol(f)
		return ok && proto == r.IPProtocol
	case rules.MatchEtherType:
		return r.EtherType == f.EtherType
	case rules.MatchICMP:
		return e.matchICMP(r)
	case rules.MatchIPSourcePortRange, rules.MatchIPDestPortRange:
		p, ok := port(f, r.Type == rules.MatchIPDestPortRange)
		return ok && p >= r.PortStart && p <= r.PortEnd
	case rules.MatchCharacteristics:
		return e.characteristics()&r.Characteristics != 0
	case rules.MatchFrameSizeRange:
		n := len(d)
		return n >= int(r.FrameSizeStart) && n <= int(r.FrameSizeEnd)
	case rules.MatchRandom:
		return randomSample() <= r.Probability
	case rules.MatchTagsDifference, rules.MatchTagsBitwiseAnd, rules.MatchTagsBitwiseOr,
		rules.MatchTagsBitwiseXor, rules.MatchTagsEqual:
		return e.matchTags(r, superAccept)
	case rules.MatchTagSender, rules.MatchTagReceiver:
		return e.matchTagSide(r, superAccept)
	case rules.MatchIntegerRange:
		v, ok := extractInteger(d, r.IntIndex, r.IntFormat)
		return ok && v >= r.IntStart && v <= r.IntStart+uint64(r.IntDelta)
	}
	return e.cfg.HasFlag(FlagRulesResultOfUnsupportedMatch)
}

func (e *evaluation) matchICMP(r *rules.Rule) bool {
	f := e.frame
	d := f.Data
	var pos int
	switch f.EtherType {
	case EtherTypeIPv4:
		if len(d) < 20 || d[9] != ipProtoICMP {
			return false
		}
		pos = int(d[0]&0x0f) * 4
	case EtherTypeIPv6:
		proto, off, ok := ipv6Payload(d)
		if !ok || proto != ipProtoICMPv6 {
			return false
		}
		pos = off
	default:
		return false
	}
	if len(d) < pos+2 || d[pos] != r.ICMPType {
		return false
	}
	if r.ICMPCodeValid {
		return d[pos+1] == r.ICMPCode
	}
	return true
}

// ipProtocol returns the transport protocol and its header offset.
func ipProtocol(f *Frame) (uint8, int, bool) {
	d := f.Data
	switch f.EtherType {
	case EtherTypeIPv4:
		if len(d) < 20 {
			return 0, 0, false
		}
		return d[9], int(d[0]&0x0f) * 4, true
	case EtherTypeIPv6:
		return ipv6Payload(d)
	}
	return 0, 0, false
}

// ipv6Payload walks IPv6 extension headers to the upper-layer protocol.
// Fragments and IPsec payloads cannot be inspected and fail.
func ipv6Payload(d []byte) (uint8, int, bool) {
	if len(d) < 40 {
		return 0, 0, false
	}
	next := d[6]
	p := 40
	for p < len(d) {
		switch next {
		case ipv6HopByHop, ipv6Routing, ipv6DestOpts, ipv6Mobility:
			if p+8 > len(d) {
				return 0, 0, false
			}
			next = d[p]
			p += (int(d[p+1]) + 1) * 8
		case ipv6Fragment, ipv6ESP, ipv6AH:
			return 0, 0, false
		default:
			return next, p, true
		}
	}
	return 0, 0, false
}

// port extracts a TCP, UDP, SCTP or UDP-Lite port.
func port(f *Frame, dest bool) (uint16, bool) {
	proto, off, ok := ipProtocol(f)
	if !ok {
		return 0, false
	}
	switch proto {
	case ipProtoTCP, ipProtoUDP, ipProtoSCTP, ipProtoUDPLit:
	default:
		return 0, false
	}
	if len(f.Data) <= off+4 {
		return 0, false
	}
	if dest {
		off += 2
	}
	return binary.BigEndian.Uint16(f.Data[off:]), true
}

// characteristics computes the packet characteristic bits, including
// whether the sender provably owns its source IP and MAC.
func (e *evaluation) characteristics() uint64 {
	f := e.frame
	d := f.Data
	var cf uint64
	if e.inbound {
		cf |= rules.CharInbound
	}
	if f.MACDest.IsMulticast() {
		cf |= rules.CharMulticast
	}
	if f.MACDest.IsBroadcast() {
		cf |= rules.CharBroadcast
	}
	if !e.ownershipDone {
		e.ownershipDone = true
		e.ownership = e.senderOwnership()
	}
	cf |= e.ownership

	proto, off, ok := ipProtocol(f)
	if ok && proto == ipProtoTCP && len(d) > off+14 {
		cf |= uint64(d[off+13])
		cf |= uint64(d[off+12]&0x0f) << 8
	}
	return cf
}

func (e *evaluation) senderOwnership() uint64 {
	f := e.frame
	d := f.Data
	var mask uint64
	var src netip.Addr
	switch {
	case f.EtherType == EtherTypeIPv4 && len(d) >= 20:
		src = netip.AddrFrom4([4]byte(d[12:16]))
	case f.EtherType == EtherTypeIPv6 && len(d) >= 40:
		if len(d) >= 40+8+16 && d[6] == ipProtoICMPv6 && (d[40] == 0x87 || d[40] == 0x88) {
			if d[40] == 0x87 {
				// neighbor solicitations carry no usable source address
				mask |= rules.CharSenderIPAuthenticated
			} else {
				src = netip.AddrFrom16([16]byte(d[48:64]))
			}
		} else {
			src = netip.AddrFrom16([16]byte(d[8:24]))
		}
	case f.EtherType == EtherTypeARP && len(d) >= 28:
		src = netip.AddrFrom4([4]byte(d[14:18]))
	}

	if e.inbound {
		if e.member != nil {
			if src.IsValid() && e.member.ownsIP(e.cfg, src) {
				mask |= rules.CharSenderIPAuthenticated
			}
			if e.member.ownsMAC(e.cfg, f.MACSource) {
				mask |= rules.CharSenderMACAuthenticated
			}
		}
		return mask
	}
	if src.IsValid() && e.cfg.OwnsIP(src) {
		mask |= rules.CharSenderIPAuthenticated
	}
	if e.cfg.OwnsMAC(f.MACSource) {
		mask |= rules.CharSenderMACAuthenticated
	}
	return mask
}

func (e *evaluation) remoteTag(id uint32) (uint32, bool) {
	if e.member == nil {
		return 0, false
	}
	t := e.member.Tag(e.cfg, id)
	if t == nil {
		return 0, false
	}
	return t.Value(), true
}

func (e *evaluation) matchTags(r *rules.Rule, superAccept bool) bool {
	local := e.cfg.Tag(r.TagID)
	if local == nil {
		return false
	}
	rtv, ok := e.remoteTag(r.TagID)
	if !ok {
		// Outbound is lenient: we may not know the receiver's tags yet, and
		// the receiver filters inbound anyway.
		return !e.inbound || superAccept
	}
	ltv := local.Value()
	switch r.Type {
	case rules.MatchTagsDifference:
		diff := ltv - rtv
		if rtv > ltv {
			diff = rtv - ltv
		}
		return diff <= r.TagValue
	case rules.MatchTagsBitwiseAnd:
		return ltv&rtv == r.TagValue
	case rules.MatchTagsBitwiseOr:
		return ltv|rtv == r.TagValue
	case rules.MatchTagsBitwiseXor:
		return ltv^rtv == r.TagValue
	case rules.MatchTagsEqual:
		return ltv == r.TagValue && rtv == r.TagValue
	}
	return false
}

// matchTagSide compares the sender's or receiver's tag value. The remote
// side's tag comes from its member record, our side's from our config.
func (e *evaluation) matchTagSide(r *rules.Rule, superAccept bool) bool {
	if superAccept {
		return true
	}
	remoteSide := (r.Type == rules.MatchTagSender && e.inbound) ||
		(r.Type == rules.MatchTagReceiver && !e.inbound)
	if remoteSide {
		v, ok := e.remoteTag(r.TagID)
		if !ok {
			return r.Type == rules.MatchTagReceiver
		}
		return v == r.TagValue
	}
	local := e.cfg.Tag(r.TagID)
	return local != nil && local.Value() == r.TagValue
}

// extractInteger reads an integer of 1 to 64 bits starting at byte idx.
// Big-endian fields take the low bits of the bytes read; little-endian
// fields are assembled least significant byte first.
func extractInteger(d []byte, idx uint16, format uint8) (uint64, bool) {
	bits := uint(format&0x3f) + 1
	n := int((bits + 7) / 8)
	start := int(idx)
	if start+n > len(d) {
		return 0, false
	}
	var v uint64
	if format&rules.IntFormatLittleEndian == 0 {
		for _, b := range d[start : start+n] {
			v = v<<8 | uint64(b)
		}
	} else {
		for i := n - 1; i >= 0; i-- {
			v = v<<8 | uint64(d[start+i])
		}
	}
	if bits < 64 {
		v &= (uint64(1) << bits) - 1
	}
	return v, true
}
