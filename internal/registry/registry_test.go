package registry

import (
	"crypto/rand"
	"net"
	"testing"
	"time"
)

func TestServiceDigestStableAndDistinct(t *testing.T) {
	d1 := ServiceDigest("s3cret")
	d2 := ServiceDigest("s3cret")
	if d1 != d2 {
		t.Error("ServiceDigest must be deterministic for the same token")
	}
	d3 := ServiceDigest("other")
	if d1 == d3 {
		t.Error("ServiceDigest must differ for different tokens")
	}
}

func TestAuthHashRoundTrip(t *testing.T) {
	digest := ServiceDigest("s3cret")
	nonce := make([]byte, 32)
	rand.Read(nonce)

	claimed := AuthHash(digest, nonce)
	if !VerifyAuthHash(digest, nonce, claimed[:]) {
		t.Error("expected VerifyAuthHash to accept the correct hash")
	}

	wrongNonce := make([]byte, 32)
	rand.Read(wrongNonce)
	if VerifyAuthHash(digest, wrongNonce, claimed[:]) {
		t.Error("expected VerifyAuthHash to reject a hash bound to a different nonce")
	}
}

func TestAuthLimiterAllowsBurstThenThrottles(t *testing.T) {
	l := NewAuthLimiter(60, 2, 50*time.Millisecond)
	addr := &net.TCPAddr{IP: net.ParseIP("203.0.113.1"), Port: 5555}

	if !l.Allow(addr) {
		t.Fatal("expected first attempt to be allowed")
	}
	if !l.Allow(addr) {
		t.Fatal("expected second attempt (within burst) to be allowed")
	}
	if l.Allow(addr) {
		t.Fatal("expected third immediate attempt to be throttled")
	}
}

func TestAuthLimiterBlocksForFullWindowAfterExhaustion(t *testing.T) {
	l := NewAuthLimiter(60, 1, 100*time.Millisecond)
	addr := &net.TCPAddr{IP: net.ParseIP("203.0.113.1"), Port: 5555}

	if !l.Allow(addr) {
		t.Fatal("expected first attempt to be allowed")
	}
	if l.Allow(addr) {
		t.Fatal("expected second attempt to exhaust the burst and be refused")
	}

	// Still inside the block window: refused even though the token bucket
	// would have refilled some allowance at a 1/sec rate by now.
	time.Sleep(30 * time.Millisecond)
	if l.Allow(addr) {
		t.Fatal("expected attempt during the block window to be refused")
	}

	time.Sleep(100 * time.Millisecond)
	if !l.Allow(addr) {
		t.Fatal("expected an attempt after the block window to be allowed")
	}
}

func TestAuthLimiterPerAddress(t *testing.T) {
	l := NewAuthLimiter(60, 1, 50*time.Millisecond)
	a1 := &net.TCPAddr{IP: net.ParseIP("203.0.113.1"), Port: 1}
	a2 := &net.TCPAddr{IP: net.ParseIP("203.0.113.2"), Port: 1}

	if !l.Allow(a1) {
		t.Fatal("expected a1 first attempt allowed")
	}
	if !l.Allow(a2) {
		t.Fatal("expected a2 to have its own independent bucket")
	}
}

func TestAuthLimiterForget(t *testing.T) {
	l := NewAuthLimiter(60, 1, 50*time.Millisecond)
	addr := &net.TCPAddr{IP: net.ParseIP("203.0.113.1"), Port: 1}

	l.Allow(addr)
	l.Allow(addr) // exhausts the burst and opens the block window
	l.Forget(addr)

	if !l.Allow(addr) {
		t.Fatal("expected a fresh bucket to allow again after Forget")
	}
}
