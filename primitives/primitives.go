// Package primitives adapts golang.org/x/crypto into the fixed set of
// operations the ratchet needs: DH keypair generation and agreement, a
// KDF for subkey derivation, XChaCha20-Poly1305 AEAD, detached Ed25519
// signatures, constant-time comparison, and key wiping. No endianness
// or encoding choice is exposed to callers; that lives in envelope.
package primitives

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"io"

	"github.com/companyzero/ratchetmesh/faults"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"lukechampine.com/blake3"
)

// KeySize is the size in bytes of every chain key, root key, and
// message key in the ratchet.
const KeySize = 32

// NonceSize is the size in bytes of an XChaCha20-Poly1305 nonce.
const NonceSize = chacha20poly1305.NonceSizeX

// SignatureSize is the size in bytes of a detached Ed25519 signature.
const SignatureSize = ed25519.SignatureSize

// Key is a zero-on-drop container for 32-byte key material. The caller
// owns the lifetime and must call Wipe once the key is no longer
// needed; Key itself never grows a copy of its bytes into another
// buffer.
type Key [KeySize]byte

// Wipe overwrites k with zeros.
func (k *Key) Wipe() {
	for i := range k {
		k[i] = 0
	}
}

// DHKeyPair is a local X25519 keypair used for ratchet agreement and
// rotation.
type DHKeyPair struct {
	Private Key
	Public  Key
}

// GenerateDHKeyPair creates a fresh X25519 keypair.
func GenerateDHKeyPair(rng io.Reader) (DHKeyPair, error) {
	if rng == nil {
		rng = rand.Reader
	}
	var kp DHKeyPair
	if _, err := io.ReadFull(rng, kp.Private[:]); err != nil {
		return DHKeyPair{}, faults.NewCryptoFault("generate dh keypair", err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return DHKeyPair{}, faults.NewCryptoFault("derive dh public key", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SigningKeyPair is the dedicated Ed25519 signing keypair carried in
// the pre-key bundle alongside the DH public key. It is never derived
// from or used interchangeably with a DH key.
type SigningKeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// GenerateSigningKeyPair creates a fresh Ed25519 signing keypair.
func GenerateSigningKeyPair(rng io.Reader) (SigningKeyPair, error) {
	if rng == nil {
		rng = rand.Reader
	}
	pub, priv, err := ed25519.GenerateKey(rng)
	if err != nil {
		return SigningKeyPair{}, faults.NewCryptoFault("generate signing keypair", err)
	}
	return SigningKeyPair{Private: priv, Public: pub}, nil
}

// Sign produces a detached signature over msg using the dedicated
// signing key.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify checks a detached signature over msg using the peer's
// signing public key.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// Agree performs the client-session agreement: an X25519 Diffie-Hellman
// exchange between the local private key and the remote public key,
// followed by derivation of two independent 32-byte subkeys, rx and
// tx, using the KDF below with fixed context strings and subkey ids.
// isInitiator determines which side of the pair is labeled rx/tx so
// that the two peers land on mirrored keys: the initiator's tx equals
// the responder's rx and vice versa.
func Agree(local Key, remote Key, isInitiator bool) (rx, tx Key, err error) {
	shared, agreeErr := curve25519.X25519(local[:], remote[:])
	if agreeErr != nil {
		return Key{}, Key{}, faults.NewCryptoFault("dh agreement", agreeErr)
	}
	defer func() {
		for i := range shared {
			shared[i] = 0
		}
	}()

	master := Key(sha256sum(shared))
	var toLocal, toRemote Key
	toLocal, err = KDF(master, 1, [8]byte{'c', 'l', 'i', 'e', 'n', 't', 'r', 'x'})
	if err != nil {
		return Key{}, Key{}, err
	}
	toRemote, err = KDF(master, 2, [8]byte{'c', 'l', 'i', 'e', 'n', 't', 't', 'x'})
	if err != nil {
		return Key{}, Key{}, err
	}

	if isInitiator {
		return toLocal, toRemote, nil
	}
	return toRemote, toLocal, nil
}

func sha256sum(b []byte) [32]byte {
	return sha256.Sum256(b)
}

// KDF derives a 32-byte subkey from a 32-byte master key, an 8-byte
// context string, and a 64-bit subkey id, using HKDF-Expand with
// SHA-256.
func KDF(master Key, id uint64, ctx [8]byte) (Key, error) {
	info := make([]byte, 16)
	copy(info[:8], ctx[:])
	info[8] = byte(id >> 56)
	info[9] = byte(id >> 48)
	info[10] = byte(id >> 40)
	info[11] = byte(id >> 32)
	info[12] = byte(id >> 24)
	info[13] = byte(id >> 16)
	info[14] = byte(id >> 8)
	info[15] = byte(id)

	r := hkdf.Expand(sha256.New, master[:], info)
	var out Key
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return Key{}, faults.NewCryptoFault("kdf expand", err)
	}
	return out, nil
}

// Seal encrypts plaintext with an XChaCha20-Poly1305 key, using the
// supplied 24-byte nonce. No associated data is used.
func Seal(key Key, nonce [NonceSize]byte, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, faults.NewCryptoFault("aead init", err)
	}
	return aead.Seal(nil, nonce[:], plaintext, nil), nil
}

// Open decrypts ciphertext with an XChaCha20-Poly1305 key and nonce.
// Any failure, including tag mismatch, is reported as AuthFault by the
// caller since this adapter cannot distinguish a usage error from a
// forged ciphertext at this layer.
func Open(key Key, nonce [NonceSize]byte, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, faults.NewCryptoFault("aead init", err)
	}
	pt, err := aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, err
	}
	return pt, nil
}

// RandomNonce fills a fresh random 24-byte AEAD nonce.
func RandomNonce(rng io.Reader) ([NonceSize]byte, error) {
	if rng == nil {
		rng = rand.Reader
	}
	var n [NonceSize]byte
	if _, err := io.ReadFull(rng, n[:]); err != nil {
		return n, faults.NewCryptoFault("generate nonce", err)
	}
	return n, nil
}

// ConstantTimeEqual reports whether a and b are equal, in constant
// time with respect to their contents (not their lengths).
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// HMAC computes HMAC-SHA256(key, msg), used only by the peer
// verification handshake over the room PSK.
func HMAC(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

// GenericHash computes a 32-byte BLAKE3 hash of parts, keyed by key
// when key is non-empty. BLAKE3's keyed mode takes exactly 32 bytes,
// so a key of any other length is first hashed down to 32 bytes. Used
// to derive the swarm join key and the room PSK from the room
// identifier and, for the PSK, the room's shared secret: the secret is
// passed as the key rather than just concatenated in, the same way a
// server-only secret keys an internally-derived identifier so it isn't
// guessable from the public data alone.
func GenericHash(key []byte, parts ...[]byte) [32]byte {
	switch {
	case len(key) == 0:
		key = nil
	case len(key) != 32:
		k := blake3.Sum256(key)
		key = k[:]
	}
	h := blake3.New(32, key)
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	h.Sum(out[:0])
	return out
}
