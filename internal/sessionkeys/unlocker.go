package sessionkeys

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"sync"
	"time"
)

// ErrKeyLocked means no wallet signature is cached for the session key, so
// its private key cannot be decrypted server-side.
var ErrKeyLocked = errors.New("sessionkeys: key is locked; no wallet signature cached")

// DefaultUnlockTTL bounds how long a cached signature stays usable.
const DefaultUnlockTTL = time.Hour

type cachedSignature struct {
	signature string
	expiresAt time.Time
}

// Unlocker caches user wallet signatures so automated executions can decrypt
// session keys without re-prompting the wallet. Signatures are held in memory
// only and expire after a TTL; a revoked or restarted process forgets them.
type Unlocker struct {
	authority *Authority
	ttl       time.Duration

	mu   sync.RWMutex
	sigs map[string]cachedSignature
}

// NewUnlocker creates an unlocker over the authority. A non-positive ttl
// falls back to DefaultUnlockTTL.
func NewUnlocker(authority *Authority, ttl time.Duration) *Unlocker {
	if ttl <= 0 {
		ttl = DefaultUnlockTTL
	}
	return &Unlocker{
		authority: authority,
		ttl:       ttl,
		sigs:      make(map[string]cachedSignature),
	}
}

// Unlock caches the wallet signature for a session key.
func (u *Unlocker) Unlock(sessionKeyID, userSignature string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.sigs[sessionKeyID] = cachedSignature{
		signature: userSignature,
		expiresAt: time.Now().Add(u.ttl),
	}
}

// Lock drops the cached signature for a session key.
func (u *Unlocker) Lock(sessionKeyID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.sigs, sessionKeyID)
}

// SigningKey decrypts the session private key using the cached signature.
// Returns ErrKeyLocked when no live signature is cached.
func (u *Unlocker) SigningKey(ctx context.Context, sessionKeyID string) (*ecdsa.PrivateKey, error) {
	u.mu.RLock()
	cached, ok := u.sigs[sessionKeyID]
	u.mu.RUnlock()

	if !ok || time.Now().After(cached.expiresAt) {
		if ok {
			u.Lock(sessionKeyID)
		}
		return nil, ErrKeyLocked
	}

	kp, err := u.authority.DecryptKey(ctx, sessionKeyID, cached.signature)
	if err != nil {
		return nil, err
	}
	return kp.PrivateKey, nil
}
