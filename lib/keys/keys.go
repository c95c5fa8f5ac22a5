// Package keys loads the node's long-lived identity from its store, creating
// one on first start.
package keys

import (
	"errors"
	"strings"

	"github.com/go-i2p/go-vnet/lib/identity"
	"github.com/go-i2p/go-vnet/lib/store"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

var log = logger.GetGoI2PLogger()

var (
	ErrCorruptIdentity = oops.New("stored identity secret is corrupt")
	ErrNoPrivateKey    = oops.New("stored identity has no private key")
)

// LoadOrCreate returns the identity kept under store.KindIdentitySecret. When
// none exists a new identity is generated and written. The public identity
// object is rewritten whenever it is missing or stale.
func LoadOrCreate(st store.Store) (*identity.Identity, error) {
	id, err := load(st)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		if id, err = create(st); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	if err := syncPublic(st, id); err != nil {
		log.WithField("at", "keys.LoadOrCreate").WithError(err).Warn("failed to write public identity")
	}
	return id, nil
}

func load(st store.Store) (*identity.Identity, error) {
	raw, err := st.Get(store.KindIdentitySecret, nil)
	if err != nil {
		return nil, err
	}
	id, err := identity.FromString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, oops.Wrapf(ErrCorruptIdentity, "%v", err)
	}
	if !id.HasPrivate() {
		return nil, ErrNoPrivateKey
	}
	if err := id.LocallyValidate(); err != nil {
		return nil, oops.Wrapf(ErrCorruptIdentity, "%v", err)
	}
	log.WithFields(logger.Fields{
		"at":      "keys.load",
		"address": id.Address().String(),
	}).Debug("loaded identity")
	return id, nil
}

func create(st store.Store) (*identity.Identity, error) {
	id, err := identity.Generate()
	if err != nil {
		return nil, oops.Wrapf(err, "generating identity")
	}
	secret, err := id.PrivateString()
	if err != nil {
		return nil, err
	}
	if err := st.Put(store.KindIdentitySecret, nil, []byte(secret+"\n")); err != nil {
		return nil, oops.Wrapf(err, "saving identity")
	}
	log.WithFields(logger.Fields{
		"at":      "keys.create",
		"address": id.Address().String(),
	}).Info("generated new identity")
	return id, nil
}

func syncPublic(st store.Store, id *identity.Identity) error {
	want := id.String()
	if raw, err := st.Get(store.KindIdentityPublic, nil); err == nil && strings.TrimSpace(string(raw)) == want {
		return nil
	}
	return st.Put(store.KindIdentityPublic, nil, []byte(want+"\n"))
}
