package node

import "github.com/samber/oops"

var (
	ErrNotJoined         = oops.New("node: not a member of that network")
	ErrNoConfig          = oops.New("node: network has no configuration yet")
	ErrFiltered          = oops.New("node: frame dropped by network rules")
	ErrUnknownPeer       = oops.New("node: destination peer identity not known yet")
	ErrSendFailed        = oops.New("node: no usable path to destination")
	ErrShortFrame        = oops.New("node: frame payload truncated")
	ErrAlreadyJoined     = oops.New("node: already a member of that network")
	ErrInvalidRoot       = oops.New("node: root identity failed validation")
	ErrBadNetworkConfig  = oops.New("node: network config rejected")
	ErrIdentityCollision = oops.New("node: address already bound to a different identity")
	ErrNotController     = oops.New("node: only the network controller may push configs")
	ErrBridging          = oops.New("node: network does not allow bridged source MACs")
)
