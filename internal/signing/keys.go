// Package signing provides the JWKS/key provider and RS256 access-token
// mint/verify operations (spec §4.8.5/§4.8.6, §6 "Key provider"). Grounded
// in datum-cloud-milo's internal/grpc/auth/jwt use of
// github.com/lestrrat-go/jwx/v2 (jwk.Set + jwt.Parse(..., jwt.WithKeySet)),
// adapted here to also mint tokens (the teacher repo only verifies).
package signing

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// KeyProvider holds the process-wide signing key and any additional public
// keys kept around for JWKS rotation overlap (spec §5 "Resource policy":
// the signing key is process-wide and read-only; rotation accepts multiple
// kids during overlap).
type KeyProvider struct {
	mu         sync.RWMutex
	activeKID  string
	privateSet jwk.Set // all known private keys, keyed by kid
	publicSet  jwk.Set // corresponding public keys, served at /.well-known/jwks.json
}

// NewKeyProvider generates a single RSA-2048 keypair and makes it the
// active signing key. Key generation ceremony beyond this is out of scope
// per spec §1 Non-goals.
func NewKeyProvider() (*KeyProvider, error) {
	kp := &KeyProvider{
		privateSet: jwk.NewSet(),
		publicSet:  jwk.NewSet(),
	}
	if _, err := kp.Rotate(); err != nil {
		return nil, err
	}
	return kp, nil
}

// Rotate generates a new RSA-2048 keypair, makes it the active signing key,
// and keeps the previous key(s) in the JWKS for verification during
// overlap. Returns the new kid.
func (kp *KeyProvider) Rotate() (string, error) {
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", fmt.Errorf("generating RSA key: %w", err)
	}
	kid := uuid.New().String()

	priv, err := jwk.FromRaw(raw)
	if err != nil {
		return "", fmt.Errorf("wrapping private key: %w", err)
	}
	if err := priv.Set(jwk.KeyIDKey, kid); err != nil {
		return "", err
	}
	if err := priv.Set(jwk.AlgorithmKey, "RS256"); err != nil {
		return "", err
	}

	pub, err := jwk.PublicKeyOf(priv)
	if err != nil {
		return "", fmt.Errorf("deriving public key: %w", err)
	}
	if err := pub.Set(jwk.KeyIDKey, kid); err != nil {
		return "", err
	}
	if err := pub.Set(jwk.AlgorithmKey, "RS256"); err != nil {
		return "", err
	}

	kp.mu.Lock()
	defer kp.mu.Unlock()
	if err := kp.privateSet.AddKey(priv); err != nil {
		return "", err
	}
	if err := kp.publicSet.AddKey(pub); err != nil {
		return "", err
	}
	kp.activeKID = kid
	return kid, nil
}

// ActiveKey returns the current signing key and its kid, for minting.
func (kp *KeyProvider) ActiveKey() (jwk.Key, string, error) {
	kp.mu.RLock()
	defer kp.mu.RUnlock()
	key, ok := kp.privateSet.LookupKeyID(kp.activeKID)
	if !ok {
		return nil, "", fmt.Errorf("no active signing key")
	}
	return key, kp.activeKID, nil
}

// PublicSet returns the public JWKS served at /.well-known/jwks.json.
func (kp *KeyProvider) PublicSet(context.Context) (jwk.Set, error) {
	kp.mu.RLock()
	defer kp.mu.RUnlock()
	return kp.publicSet, nil
}

// LookupPublic resolves a verification key by kid, for introspect's
// signature-verification step (spec §4.8.6 step 2).
func (kp *KeyProvider) LookupPublic(kid string) (jwk.Key, bool) {
	kp.mu.RLock()
	defer kp.mu.RUnlock()
	return kp.publicSet.LookupKeyID(kid)
}
