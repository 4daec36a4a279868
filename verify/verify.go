// Package verify implements the peer verification handshake (C5): a
// challenge/response exchange over the room pre-shared key that gates
// a socket before any ratchet traffic flows. It complements, and does
// not replace, the per-message AEAD in the ratchet.
package verify

import (
	"crypto/rand"
	"io"
	"time"

	"github.com/companyzero/ratchetmesh/envelope"
	"github.com/companyzero/ratchetmesh/faults"
	"github.com/companyzero/ratchetmesh/primitives"
)

// Timeout is how long a socket may remain in PendingChallenge before
// it is dropped.
const Timeout = 10 * time.Second

// State is the verification status of one socket.
type State int

const (
	// PendingChallenge is the initial state on an inbound connection.
	PendingChallenge State = iota
	Verified
	Failed
)

func (s State) String() string {
	switch s {
	case PendingChallenge:
		return "pending_challenge"
	case Verified:
		return "verified"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Handshake drives one socket's verification state machine against a
// shared room PSK.
type Handshake struct {
	psk       []byte
	rng       io.Reader
	state     State
	challenge [32]byte
	deadline  time.Time
}

// New starts a handshake in PendingChallenge and arms the timeout
// deadline relative to now.
func New(psk []byte, rng io.Reader, now time.Time) (*Handshake, envelope.VerificationChallenge, error) {
	if rng == nil {
		rng = rand.Reader
	}
	h := &Handshake{
		psk:      psk,
		rng:      rng,
		state:    PendingChallenge,
		deadline: now.Add(Timeout),
	}
	if _, err := io.ReadFull(rng, h.challenge[:]); err != nil {
		return nil, envelope.VerificationChallenge{}, faults.NewCryptoFault("generate challenge", err)
	}
	return h, envelope.VerificationChallenge{Challenge: envelope.Base64Bytes32(h.challenge)}, nil
}

// State returns the handshake's current state.
func (h *Handshake) State() State { return h.state }

// Expired reports whether now is past the verification deadline while
// the handshake is still pending.
func (h *Handshake) Expired(now time.Time) bool {
	return h.state == PendingChallenge && now.After(h.deadline)
}

// RespondToChallenge computes the HMAC response to a peer's challenge.
func (h *Handshake) RespondToChallenge(c envelope.VerificationChallenge) envelope.VerificationResponse {
	resp := primitives.HMAC(h.psk, c.Challenge[:])
	var out envelope.Base64Bytes32
	copy(out[:], resp)
	return envelope.VerificationResponse{Response: out}
}

// CheckResponse verifies a peer's response against the challenge this
// handshake issued. On success it transitions to Verified; on failure
// it transitions to Failed.
func (h *Handshake) CheckResponse(r envelope.VerificationResponse) error {
	want := primitives.HMAC(h.psk, h.challenge[:])
	if !primitives.ConstantTimeEqual(want, r.Response[:]) {
		h.state = Failed
		return faults.NewVerifyFault("challenge response mismatch")
	}
	h.state = Verified
	return nil
}

// CheckTimeout transitions to Failed if the deadline has passed while
// still pending, returning a VerifyFault in that case.
func (h *Handshake) CheckTimeout(now time.Time) error {
	if h.Expired(now) {
		h.state = Failed
		return faults.NewVerifyFault("verification timed out")
	}
	return nil
}
