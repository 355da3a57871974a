package auth

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/docker/libtrust"
	"github.com/quay/quay-sub006/registry/datastore"
)

// ErrUnknownKey is returned when a token references a key id that is not part of the key set.
var ErrUnknownKey = errors.New("unknown signing key")

const defaultKeyRefresh = 5 * time.Minute

// KeySet is the set of instance keys tokens may be signed with. The local private key signs minted tokens. Public
// keys of other instances are loaded from the auth_signing_keys table and refreshed lazily.
type KeySet struct {
	db      datastore.Queryer
	service string
	clock   clock.Clock
	refresh time.Duration

	signingKey libtrust.PrivateKey
	kid        string

	mu       sync.RWMutex
	keys     map[string]crypto.PublicKey
	loadedAt time.Time
}

// KeySetOption configures a KeySet.
type KeySetOption func(*KeySet)

// WithKeySetClock overrides the clock used to decide when to refresh keys.
func WithKeySetClock(c clock.Clock) KeySetOption {
	return func(ks *KeySet) { ks.clock = c }
}

// WithKeyRefresh sets how long loaded keys are trusted before they are reloaded from the database.
func WithKeyRefresh(d time.Duration) KeySetOption {
	return func(ks *KeySet) { ks.refresh = d }
}

// NewKeySet builds a key set signing with key. If kid is empty the libtrust key id of key is used. db may be nil, in
// which case only the local key is known.
func NewKeySet(db datastore.Queryer, service string, key libtrust.PrivateKey, kid string, opts ...KeySetOption) *KeySet {
	if kid == "" {
		kid = key.KeyID()
	}
	ks := &KeySet{
		db:         db,
		service:    service,
		clock:      clock.New(),
		refresh:    defaultKeyRefresh,
		signingKey: key,
		kid:        kid,
		keys:       make(map[string]crypto.PublicKey),
	}
	for _, o := range opts {
		o(ks)
	}
	return ks
}

// LoadSigningKey reads a PEM or JWK encoded private key from path.
func LoadSigningKey(path string) (libtrust.PrivateKey, error) {
	k, err := libtrust.LoadKeyFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading signing key %q: %w", path, err)
	}
	return k, nil
}

// SigningKey returns the key id and private key minted tokens are signed with.
func (ks *KeySet) SigningKey() (string, crypto.PrivateKey) {
	return ks.kid, ks.signingKey.CryptoPrivateKey()
}

// PublicKey returns the public key with the given key id.
func (ks *KeySet) PublicKey(ctx context.Context, kid string) (crypto.PublicKey, error) {
	if kid == ks.kid {
		return ks.signingKey.PublicKey().CryptoPublicKey(), nil
	}

	ks.mu.RLock()
	k, ok := ks.keys[kid]
	stale := ks.clock.Since(ks.loadedAt) > ks.refresh
	ks.mu.RUnlock()
	if ok && !stale {
		return k, nil
	}

	if err := ks.reload(ctx); err != nil {
		return nil, err
	}

	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if k, ok := ks.keys[kid]; ok {
		return k, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKey, kid)
}

func (ks *KeySet) reload(ctx context.Context) error {
	if ks.db == nil {
		return nil
	}

	rows, err := datastore.NewAuthKeyStore(ks.db).FindValid(ctx, ks.service, ks.clock.Now())
	if err != nil {
		return fmt.Errorf("loading signing keys: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(rows))
	for _, r := range rows {
		pk, err := libtrust.UnmarshalPublicKeyPEM([]byte(r.PublicKey))
		if err != nil {
			return fmt.Errorf("decoding signing key %q: %w", r.KID, err)
		}
		keys[r.KID] = pk.CryptoPublicKey()
	}

	ks.mu.Lock()
	ks.keys = keys
	ks.loadedAt = ks.clock.Now()
	ks.mu.Unlock()

	return nil
}
