// Package registry derives service digests from shared tokens and
// rate-limits authentication attempts per remote address.
package registry

import (
	"crypto/sha256"
	"crypto/subtle"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DigestSize is the length in bytes of a service digest.
const DigestSize = sha256.Size

// ServiceDigest derives the 32-byte digest a Hello/DataChannelHello message
// carries in place of the shared token, which never crosses the wire.
func ServiceDigest(token string) [DigestSize]byte {
	return sha256.Sum256([]byte(token))
}

// AuthHash computes SHA-256(digest ‖ nonce), the value the client proves
// knowledge of the token with in its Auth message.
func AuthHash(digest [DigestSize]byte, nonce []byte) [DigestSize]byte {
	h := sha256.New()
	h.Write(digest[:])
	h.Write(nonce)
	var out [DigestSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// VerifyAuthHash compares a claimed auth hash against the expected value in
// constant time.
func VerifyAuthHash(digest [DigestSize]byte, nonce []byte, claimed []byte) bool {
	expected := AuthHash(digest, nonce)
	return subtle.ConstantTimeCompare(expected[:], claimed) == 1
}

// AuthLimiter rate-limits authentication attempts per remote address: a
// token bucket governs the sustained rate, and exhausting the bucket opens
// a fixed block window during which every attempt is refused outright,
// regardless of how much the bucket would otherwise have refilled. This
// gives a brute-forcing client a hard cooldown rather than just a slower
// drip.
type AuthLimiter struct {
	rate     rate.Limit
	burst    int
	blockFor time.Duration

	mu      sync.Mutex
	entries map[string]*limiterEntry
}

type limiterEntry struct {
	limiter      *rate.Limiter
	blockedUntil time.Time
}

// NewAuthLimiter constructs a limiter allowing attemptsPerMinute sustained
// attempts per address with the given burst; once an address exhausts its
// burst, every attempt from it is refused until blockFor has elapsed.
func NewAuthLimiter(attemptsPerMinute float64, burst int, blockFor time.Duration) *AuthLimiter {
	return &AuthLimiter{
		rate:     rate.Limit(attemptsPerMinute / 60),
		burst:    burst,
		blockFor: blockFor,
		entries:  make(map[string]*limiterEntry),
	}
}

// Allow reports whether an authentication attempt from addr is permitted
// right now, keying by host only so distinct source ports of the same
// client share one bucket.
func (l *AuthLimiter) Allow(addr net.Addr) bool {
	host := hostOf(addr)
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[host]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.entries[host] = e
	}

	if now.Before(e.blockedUntil) {
		return false
	}
	if !e.blockedUntil.IsZero() {
		// The block window has elapsed: start over with a full bucket.
		e.limiter = rate.NewLimiter(l.rate, l.burst)
		e.blockedUntil = time.Time{}
	}
	if !e.limiter.Allow() {
		e.blockedUntil = now.Add(l.blockFor)
		return false
	}
	return true
}

// Forget drops the bucket and any active block for addr, reclaiming memory
// once a control channel closes cleanly.
func (l *AuthLimiter) Forget(addr net.Addr) {
	host := hostOf(addr)
	l.mu.Lock()
	delete(l.entries, host)
	l.mu.Unlock()
}

func hostOf(addr net.Addr) string {
	host := addr.String()
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
