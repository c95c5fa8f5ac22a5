package identity

import "github.com/samber/oops"

var (
	ErrNoPrivateKey      = oops.New("identity: private key not present")
	ErrShortIdentity     = oops.New("identity: buffer too short")
	ErrUnknownKeyType    = oops.New("identity: unknown key type")
	ErrInvalidString     = oops.New("identity: malformed string form")
	ErrAddressMismatch   = oops.New("identity: address does not match public keys")
	ErrReservedAddress   = oops.New("identity: address is reserved")
	ErrInvalidPrivateLen = oops.New("identity: invalid private key length")
)
