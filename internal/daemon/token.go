package daemon

import (
	"crypto/sha1"
	"io"
	"net/netip"
	"time"
)

// tokenRotationInterval is how often the announce token secret rotates.
// Tokens remain valid for one rotation after being handed out.
const tokenRotationInterval = 5 * time.Minute

// tokenManager hands out and validates the opaque tokens that get_peers
// responses carry and announce_peer queries must echo. A token binds the
// requester's IP to a rotating secret.
type tokenManager struct {
	currentSecret  [20]byte
	previousSecret [20]byte
	rotatedAt      time.Time
	rng            io.Reader
}

func newTokenManager(rng io.Reader, now time.Time) (*tokenManager, error) {
	tm := &tokenManager{rotatedAt: now, rng: rng}
	if _, err := io.ReadFull(rng, tm.currentSecret[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(rng, tm.previousSecret[:]); err != nil {
		return nil, err
	}
	return tm, nil
}

// maybeRotate swaps in a fresh secret once the rotation interval elapsed.
// Called from the daemon loop; there is no background timer.
func (tm *tokenManager) maybeRotate(now time.Time) {
	if now.Sub(tm.rotatedAt) < tokenRotationInterval {
		return
	}

	tm.previousSecret = tm.currentSecret
	if _, err := io.ReadFull(tm.rng, tm.currentSecret[:]); err != nil {
		// Keep the old secret; tokens stay valid and a later rotation
		// retries.
		return
	}
	tm.rotatedAt = now
}

func (tm *tokenManager) generate(addr netip.Addr) string {
	return tokenFor(addr, tm.currentSecret)
}

func (tm *tokenManager) validate(addr netip.Addr, token string) bool {
	return token == tokenFor(addr, tm.currentSecret) ||
		token == tokenFor(addr, tm.previousSecret)
}

func tokenFor(addr netip.Addr, secret [20]byte) string {
	h := sha1.New()
	ip := addr.Unmap().AsSlice()
	h.Write(ip)
	h.Write(secret[:])
	return string(h.Sum(nil))
}
