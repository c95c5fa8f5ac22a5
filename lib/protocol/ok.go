package protocol

import (
	"encoding/binary"

	"github.com/samber/oops"
)

// ErrShortOK is returned for an OK or ERROR body too short to name the packet
// it answers.
var ErrShortOK = oops.New("protocol: reply shorter than in-re header")

// inReSize is [in-re verb 1][in-re packet ID 8].
const inReSize = 9

// Reply is the common prefix of OK and ERROR bodies.
type Reply struct {
	InReVerb     Verb
	InRePacketID uint64
	Body         []byte
}

// MarshalReply builds an OK/ERROR body.
func MarshalReply(r Reply) []byte {
	b := make([]byte, inReSize+len(r.Body))
	b[0] = byte(r.InReVerb)
	binary.BigEndian.PutUint64(b[1:], r.InRePacketID)
	copy(b[inReSize:], r.Body)
	return b
}

// ParseReply decodes an OK/ERROR body.
func ParseReply(payload []byte) (Reply, error) {
	if len(payload) < inReSize {
		return Reply{}, ErrShortOK
	}
	return Reply{
		InReVerb:     Verb(payload[0]),
		InRePacketID: binary.BigEndian.Uint64(payload[1:]),
		Body:         payload[inReSize:],
	}, nil
}
