// Package fingerprint gives an Ed25519 public key — a peer's
// long-term identity key, or a per-session signing key from a
// ratchet pre-key bundle — a short, comparable, loggable form.
package fingerprint

import (
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/companyzero/ratchetmesh/primitives"
)

// ID is a 32-byte identity fingerprint — in this module, always the
// GenericHash of an Ed25519 public key (see Of).
type ID [32]byte

// Bytes returns the ID as a slice of bytes.
func (u ID) Bytes() []byte {
	return u[:]
}

// String returns the hex encoding of the ID.
func (u ID) String() string {
	return hex.EncodeToString(u[:])
}

// ShortLogID returns the first 8 bytes in hex (16 chars), for a log
// line that names a peer without printing its whole public key.
func (u ID) ShortLogID() string {
	return hex.EncodeToString(u[:8])
}

// MarshalJSON marshals the id into a json string.
func (u ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON unmarshals the json representation of an ID.
func (u *ID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return u.FromString(s)
}

// FromString decodes s into an ID. s must be a hex-encoded ID of the
// correct length.
func (u *ID) FromString(s string) error {
	h, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(h) != len(u) {
		return fmt.Errorf("invalid fingerprint length: %d", len(h))
	}
	copy(u[:], h)
	return nil
}

// FromBytes copies the fingerprint from b, which must have the
// correct length (32 bytes, the size of an ID).
func (u *ID) FromBytes(b []byte) error {
	if len(b) != len(u) {
		return fmt.Errorf("invalid fingerprint length: %d", len(b))
	}
	copy(u[:], b)
	return nil
}

// ConstantTimeEq returns whether the two ids are equal, compared in
// constant time.
func (u ID) ConstantTimeEq(other *ID) bool {
	return subtle.ConstantTimeCompare(u[:], other[:]) == 1
}

// IsEmpty returns true if the fingerprint is all zero.
func (u ID) IsEmpty() bool {
	var empty ID
	return u.ConstantTimeEq(&empty)
}

// Of derives an ID from a signing public key via the same
// generic-hash construction C6 uses to derive the swarm join key and
// room PSK (unkeyed here, since a fingerprint identifies public key
// material rather than gating access to it). Hashing rather than
// truncating means an ID never collides between a real 32-byte
// Ed25519 key and a shorter or longer value passed in error.
func Of(key []byte) ID {
	return ID(primitives.GenericHash(nil, key))
}
