// Package noise implements the Noise_NK_25519_ChaChaPoly_BLAKE2s handshake
// pattern used by the Noise transport variant: the server has a known
// static Curve25519 key, the client (initiator) does not, and the result is
// mutual confidentiality plus server authentication. Client authentication
// remains the control protocol's job (the Auth/AuthOk exchange).
//
// This mirrors the structure the Noise Protocol Framework specifies
// (MixHash/MixKey/EncryptAndHash over a running symmetric state) rather than
// an ad-hoc raw-ECDH-then-HKDF scheme, since Noise_NK is the named pattern.
package noise

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

const (
	// KeySize is the size of a Curve25519 key in bytes.
	KeySize = 32

	// protocolName identifies the handshake pattern, hashed into the
	// initial chaining key per the Noise specification.
	protocolName = "Noise_NK_25519_ChaChaPoly_BLAKE2s"

	// MaxMessageSize is the largest single Noise handshake or transport
	// message, per the Noise specification's message size limit.
	MaxMessageSize = 65535
)

// Keypair is a Curve25519 static or ephemeral keypair.
type Keypair struct {
	Private [KeySize]byte
	Public  [KeySize]byte
}

// GenerateKeypair produces a fresh random Curve25519 keypair, clamped per
// the X25519 specification.
func GenerateKeypair() (Keypair, error) {
	var kp Keypair
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return Keypair{}, fmt.Errorf("generate private key: %w", err)
	}
	kp.Private[0] &= 248
	kp.Private[31] &= 127
	kp.Private[31] |= 64

	curve25519.ScalarBaseMult(&kp.Public, &kp.Private)
	return kp, nil
}

// PublicFromPrivate derives the Curve25519 public key for a clamped private
// scalar, used to recover a configured static keypair's public half from
// its stored private key.
func PublicFromPrivate(priv [KeySize]byte) [KeySize]byte {
	var pub [KeySize]byte
	curve25519.ScalarBaseMult(&pub, &priv)
	return pub
}

// symmetricState tracks the running handshake hash, chaining key, and the
// current AEAD key/nonce, following the Noise Protocol Framework.
type symmetricState struct {
	h  [32]byte
	ck [32]byte
	k  [32]byte
	n  uint64
	hasKey bool
}

func newSymmetricState() *symmetricState {
	s := &symmetricState{}
	h := blake2s256([]byte(protocolName))
	s.h = h
	s.ck = h
	return s
}

func blake2s256(data []byte) [32]byte {
	var out [32]byte
	sum := blake2s.Sum256(data)
	copy(out[:], sum[:])
	return out
}

func (s *symmetricState) mixHash(data []byte) {
	s.h = blake2s256(append(append([]byte{}, s.h[:]...), data...))
}

func (s *symmetricState) mixKey(ikm []byte) {
	// HKDF-BLAKE2s with two output blocks, per Noise's MixKey.
	out1, out2 := hkdf2(s.ck[:], ikm)
	s.ck = out1
	s.k = out2
	s.n = 0
	s.hasKey = true
}

// hkdf2 implements the two-output HKDF used by Noise's MixKey, built
// directly from HMAC-BLAKE2s (no external HKDF package carries a BLAKE2s
// hash.Hash constructor usable this way, so this follows RFC 5869 by hand,
// matching how the Noise spec itself defines HKDF for MixKey).
func hkdf2(chainingKey, ikm []byte) (out1, out2 [32]byte) {
	tempKey := hmacBlake2s(chainingKey, ikm)
	out1 = hmacBlake2s(tempKey[:], []byte{0x01})
	combined := append(append([]byte{}, out1[:]...), 0x02)
	out2 = hmacBlake2s(tempKey[:], combined)
	return out1, out2
}

func hmacBlake2s(key, data []byte) [32]byte {
	mac := hmac.New(func() hash.Hash {
		h, err := blake2s.New256(nil)
		if err != nil {
			// blake2s.New256 only errors on a key longer than 32 bytes.
			panic(fmt.Sprintf("blake2s hash: %v", err))
		}
		return h
	}, key)
	mac.Write(data)
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

func (s *symmetricState) encryptAndHash(plaintext []byte) ([]byte, error) {
	if !s.hasKey {
		s.mixHash(plaintext)
		return plaintext, nil
	}
	ct, err := s.encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	s.mixHash(ct)
	return ct, nil
}

func (s *symmetricState) decryptAndHash(ciphertext []byte) ([]byte, error) {
	if !s.hasKey {
		s.mixHash(ciphertext)
		return ciphertext, nil
	}
	pt, err := s.decrypt(ciphertext)
	if err != nil {
		return nil, err
	}
	s.mixHash(ciphertext)
	return pt, nil
}

func (s *symmetricState) encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(s.k[:])
	if err != nil {
		return nil, err
	}
	nonce := nonceBytes(s.n)
	s.n++
	return aead.Seal(nil, nonce, plaintext, s.h[:]), nil
}

func (s *symmetricState) decrypt(ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(s.k[:])
	if err != nil {
		return nil, err
	}
	nonce := nonceBytes(s.n)
	s.n++
	return aead.Open(nil, nonce, ciphertext, s.h[:])
}

func nonceBytes(n uint64) []byte {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], n)
	return nonce[:]
}

// Split derives the two directional transport keys from the final chaining
// key, one CipherState per direction.
func (s *symmetricState) split() (initToResp, respToInit *CipherState) {
	k1, k2 := hkdf2(s.ck[:], nil)
	return &CipherState{key: k1}, &CipherState{key: k2}
}

func dh(priv, pub [KeySize]byte) ([KeySize]byte, error) {
	var shared [KeySize]byte
	curve25519.ScalarMult(&shared, &priv, &pub)
	var zero [KeySize]byte
	if shared == zero {
		return shared, fmt.Errorf("invalid DH result: low-order point")
	}
	return shared, nil
}

// CipherState is one direction's post-handshake transport AEAD.
type CipherState struct {
	key [32]byte
	n   uint64
}

// Encrypt seals plaintext with the next nonce in sequence.
func (c *CipherState) Encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(c.key[:])
	if err != nil {
		return nil, err
	}
	nonce := nonceBytes(c.n)
	c.n++
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext sealed by the peer's matching CipherState.
// Messages must arrive in order: the nonce counter is strictly sequential.
func (c *CipherState) Decrypt(ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(c.key[:])
	if err != nil {
		return nil, err
	}
	nonce := nonceBytes(c.n)
	c.n++
	return aead.Open(nil, nonce, ciphertext, nil)
}

// HandshakeResult holds the two directional cipher states produced by a
// completed handshake, ready to wrap a raw stream into an encrypted Conn.
type HandshakeResult struct {
	Send *CipherState
	Recv *CipherState
}

// rw is the minimal capability set the handshake needs; kept
// narrow so it can run over any io.ReadWriter, not just net.Conn.
type rw interface {
	io.Reader
	io.Writer
}

func writeMessage(w io.Writer, msg []byte) error {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(msg)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}

func readMessage(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// DialNK runs the initiator side of Noise_NK against a peer whose static
// public key is remoteStatic. The caller has no static key of its own (NK:
// "N" = no static key for the initiator).
func DialNK(conn rw, remoteStatic [KeySize]byte) (*HandshakeResult, error) {
	s := newSymmetricState()
	s.mixHash(remoteStatic[:])

	e, err := GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral: %w", err)
	}

	// -> e, es
	s.mixHash(e.Public[:])
	es, err := dh(e.Private, remoteStatic)
	if err != nil {
		return nil, fmt.Errorf("es dh: %w", err)
	}
	s.mixKey(es[:])
	payload1, err := s.encryptAndHash(nil)
	if err != nil {
		return nil, err
	}
	msg1 := append(append([]byte{}, e.Public[:]...), payload1...)
	if err := writeMessage(conn, msg1); err != nil {
		return nil, fmt.Errorf("write message 1: %w", err)
	}

	// <- e, ee
	msg2, err := readMessage(conn)
	if err != nil {
		return nil, fmt.Errorf("read message 2: %w", err)
	}
	if len(msg2) < KeySize {
		return nil, fmt.Errorf("message 2 too short")
	}
	var re [KeySize]byte
	copy(re[:], msg2[:KeySize])
	s.mixHash(re[:])
	ee, err := dh(e.Private, re)
	if err != nil {
		return nil, fmt.Errorf("ee dh: %w", err)
	}
	s.mixKey(ee[:])
	if _, err := s.decryptAndHash(msg2[KeySize:]); err != nil {
		return nil, fmt.Errorf("decrypt message 2 payload: %w", err)
	}

	send, recv := s.split()
	return &HandshakeResult{Send: send, Recv: recv}, nil
}

// AcceptNK runs the responder side of Noise_NK using the server's static
// keypair local.
func AcceptNK(conn rw, local Keypair) (*HandshakeResult, error) {
	s := newSymmetricState()
	s.mixHash(local.Public[:])

	// -> e, es
	msg1, err := readMessage(conn)
	if err != nil {
		return nil, fmt.Errorf("read message 1: %w", err)
	}
	if len(msg1) < KeySize {
		return nil, fmt.Errorf("message 1 too short")
	}
	var re [KeySize]byte
	copy(re[:], msg1[:KeySize])
	s.mixHash(re[:])
	es, err := dh(local.Private, re)
	if err != nil {
		return nil, fmt.Errorf("es dh: %w", err)
	}
	s.mixKey(es[:])
	if _, err := s.decryptAndHash(msg1[KeySize:]); err != nil {
		return nil, fmt.Errorf("decrypt message 1 payload: %w", err)
	}

	// <- e, ee
	e, err := GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral: %w", err)
	}
	s.mixHash(e.Public[:])
	ee, err := dh(e.Private, re)
	if err != nil {
		return nil, fmt.Errorf("ee dh: %w", err)
	}
	s.mixKey(ee[:])
	payload2, err := s.encryptAndHash(nil)
	if err != nil {
		return nil, err
	}
	msg2 := append(append([]byte{}, e.Public[:]...), payload2...)
	if err := writeMessage(conn, msg2); err != nil {
		return nil, fmt.Errorf("write message 2: %w", err)
	}

	// Responder's Send/Recv are the mirror of the initiator's: it sends on
	// the resp->init key and receives on the init->resp key.
	initToResp, respToInit := s.split()
	return &HandshakeResult{Send: respToInit, Recv: initToResp}, nil
}
