package credential

import "github.com/samber/oops"

var (
	ErrTruncated       = oops.New("credential: truncated")
	ErrUnknownKind     = oops.New("credential: unknown kind")
	ErrCustodyChain    = oops.New("credential: invalid custody chain")
	ErrTooManyThings   = oops.New("credential: too many owned things")
	ErrTooMany         = oops.New("credential: too many entries")
	ErrSignatureSize   = oops.New("credential: signature too large")
	ErrBadQualifier    = oops.New("credential: qualifiers must be sorted and unique")
	ErrUnsupportedIP   = oops.New("credential: address is neither IPv4 nor IPv6")
	ErrTrailingGarbage = oops.New("credential: trailing bytes after credential list")
)
