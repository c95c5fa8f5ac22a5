package peer

import "github.com/samber/oops"

var (
	ErrShortRecord      = oops.New("peer: record truncated")
	ErrRecordVersion    = oops.New("peer: unsupported record version")
	ErrShortHello       = oops.New("peer: hello payload truncated")
	ErrUnknownEphemeral = oops.New("peer: reply names an ephemeral key we do not hold")
	ErrBadLocator       = oops.New("peer: malformed locator")
	ErrLocatorSignature = oops.New("peer: locator signature invalid")
	ErrSelf             = oops.New("peer: refusing to create a peer for our own identity")
	ErrRecordAddress    = oops.New("peer: stored record belongs to another address")
)
