// Package store defines the persistent object store the node core reads and
// writes through, and two implementations: an in-memory map for tests and
// embedding, and a directory tree of small files.
package store

import (
	"fmt"
	"strings"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

var log = logger.GetGoI2PLogger()

// ErrNotFound is returned by Get when no object exists.
var ErrNotFound = oops.New("store: object not found")

// Kind names a class of stored object.
type Kind uint8

const (
	KindPeer Kind = iota + 1
	KindNetworkConfig
	KindIdentitySecret
	KindIdentityPublic
)

func (k Kind) String() string {
	switch k {
	case KindPeer:
		return "peer"
	case KindNetworkConfig:
		return "network"
	case KindIdentitySecret:
		return "identity"
	case KindIdentityPublic:
		return "identity.public"
	default:
		return fmt.Sprintf("kind%d", uint8(k))
	}
}

// Key identifies an object within a kind. Most objects use one part (a peer
// address or a network ID); the identity secret uses none.
type Key []uint64

func (k Key) String() string {
	if len(k) == 0 {
		return "_"
	}
	parts := make([]string, len(k))
	for i, p := range k {
		parts[i] = fmt.Sprintf("%016x", p)
	}
	return strings.Join(parts, ".")
}

// Store is the narrow persistence interface. Implementations must be safe for
// concurrent use; calls may block on I/O.
type Store interface {
	Get(kind Kind, key Key) ([]byte, error)
	Put(kind Kind, key Key, data []byte) error
	Delete(kind Kind, key Key) error
}
