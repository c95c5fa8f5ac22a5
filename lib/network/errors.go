package network

import "github.com/samber/oops"

var (
	ErrInvalidMAC      = oops.New("network: malformed MAC address")
	ErrTruncatedConfig = oops.New("network: truncated network config")
	ErrConfigVersion   = oops.New("network: unsupported network config version")
	ErrConfigTooLarge  = oops.New("network: network config field too large")
	ErrConfigDocument  = oops.New("network: malformed stored network config")
	ErrWrongNetwork    = oops.New("network: config is for another network")
	ErrNoConfig        = oops.New("network: no configuration yet")
	ErrDestroyed       = oops.New("network: network has been destroyed")
)
