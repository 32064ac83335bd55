package repomgr

import (
	"context"
	"errors"
	"fmt"

	"github.com/bluesky-social/atrepo/atproto/crypto"
	"github.com/bluesky-social/atrepo/atproto/syntax"

	"github.com/puzpuzpuz/xsync/v3"
)

var ErrNoSigningKey = errors.New("no signing key for account")

var ErrNoPublicKey = errors.New("no public key for account")

// Provides commit signing keys for local accounts, and verification keys for any account.
type KeyManager interface {
	SigningKey(ctx context.Context, did syntax.DID) (crypto.PrivateKey, error)
	PublicKey(ctx context.Context, did syntax.DID) (crypto.PublicKey, error)
}

// In-process key registry. Safe for concurrent use.
type MemKeyManager struct {
	keys *xsync.MapOf[syntax.DID, crypto.PrivateKey]
	pubs *xsync.MapOf[syntax.DID, crypto.PublicKey]
}

var _ KeyManager = (*MemKeyManager)(nil)

func NewMemKeyManager() *MemKeyManager {
	return &MemKeyManager{
		keys: xsync.NewMapOf[syntax.DID, crypto.PrivateKey](),
		pubs: xsync.NewMapOf[syntax.DID, crypto.PublicKey](),
	}
}

// Sets (or replaces) the signing key for an account.
func (km *MemKeyManager) AddKey(did syntax.DID, key crypto.PrivateKey) {
	km.keys.Store(did, key)
}

// Sets the verification key for an account whose commits are signed elsewhere.
func (km *MemKeyManager) AddPublicKey(did syntax.DID, pub crypto.PublicKey) {
	km.pubs.Store(did, pub)
}

func (km *MemKeyManager) SigningKey(ctx context.Context, did syntax.DID) (crypto.PrivateKey, error) {
	key, ok := km.keys.Load(did)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSigningKey, did)
	}
	return key, nil
}

func (km *MemKeyManager) PublicKey(ctx context.Context, did syntax.DID) (crypto.PublicKey, error) {
	if pub, ok := km.pubs.Load(did); ok {
		return pub, nil
	}
	key, ok := km.keys.Load(did)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPublicKey, did)
	}
	return key.PublicKey()
}
