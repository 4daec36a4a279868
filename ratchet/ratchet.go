// Package ratchet implements the session state machine (C2): root,
// sending, and receiving chain keys, per-message key derivation,
// periodic Diffie-Hellman rotation, and the bounded replay set. Only
// one encrypt or decrypt call may be in flight against a given State
// at a time; the type performs no locking of its own, matching the
// single-threaded-per-session cooperative model the session
// controller enforces.
package ratchet

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"io"

	"github.com/companyzero/ratchetmesh/envelope"
	"github.com/companyzero/ratchetmesh/faults"
	"github.com/companyzero/ratchetmesh/primitives"
)

// RotateAfter is the number of sent messages after which the ratchet
// rotates its DH keypair.
const RotateAfter = 100

// replayCapacity bounds the number of (generation, counter, timestamp)
// triples retained for duplicate detection.
const replayCapacity = 4096

var (
	ctxSending = [8]byte{'s', 'e', 'n', 'd', 'i', 'n', 'g', 0}
	ctxRecv    = [8]byte{'r', 'e', 'c', 'v', 'c', 'h', 'a', 'n'}
	ctxMsg     = [8]byte{'m', 's', 'g', 0, 0, 0, 0, 0}
)

// PreKeyBundle is exchanged out of band (via the swarm/discovery
// collaborator) before Initialize is called. It carries the X25519
// agreement key and a dedicated Ed25519 signing key; the signing key
// is never derived from or interchangeable with the DH key.
type PreKeyBundle struct {
	DHPublic      primitives.Key
	SigningPublic ed25519.PublicKey
}

// State is one ratchet, scoped to a single peer session.
type State struct {
	rng         io.Reader
	isInitiator bool

	local   primitives.DHKeyPair
	signing primitives.SigningKeyPair

	remotePub        primitives.Key
	remoteSigningPub ed25519.PublicKey
	haveRemote       bool

	root, sending, receiving primitives.Key
	nS, nR                   uint32
	generation               uint64

	replay *replayWindow

	onRotate func(RotationTrigger)
}

// RotationTrigger distinguishes the two paths that cause a DH
// rotation, for an observer that only cares about counts (e.g. a
// metrics sink) rather than the mechanics.
type RotationTrigger int

const (
	RotationActive RotationTrigger = iota
	RotationPassive
)

// OnRotate registers f to be called after every successful DH
// rotation, active or passive. Replacing a previous observer discards
// it; pass nil to stop observing.
func (s *State) OnRotate(f func(RotationTrigger)) {
	s.onRotate = f
}

// New generates a fresh local DH keypair and signing keypair. The
// resulting state is not usable for Encrypt/Decrypt until Initialize
// is called with the peer's bundle. isInitiator must agree between the
// two peers of a session (exactly one side is the initiator) so their
// derived sending/receiving keys mirror each other.
func New(rng io.Reader, isInitiator bool) (*State, error) {
	if rng == nil {
		rng = rand.Reader
	}
	local, err := primitives.GenerateDHKeyPair(rng)
	if err != nil {
		return nil, err
	}
	signing, err := primitives.GenerateSigningKeyPair(rng)
	if err != nil {
		return nil, err
	}
	return &State{
		rng:         rng,
		isInitiator: isInitiator,
		local:       local,
		signing:     signing,
		replay:      newReplayWindow(replayCapacity),
	}, nil
}

// LocalBundle returns the pre-key bundle to hand to the peer out of
// band.
func (s *State) LocalBundle() PreKeyBundle {
	return PreKeyBundle{DHPublic: s.local.Public, SigningPublic: s.signing.Public}
}

// Initialize derives the root key from agreement with the peer's
// bundle and re-derives the sending/receiving chain keys from it,
// resetting counters and the replay set.
func (s *State) Initialize(peer PreKeyBundle) error {
	rx, tx, err := primitives.Agree(s.local.Private, peer.DHPublic, s.isInitiator)
	if err != nil {
		return err
	}
	// tx is the mirror of the peer's own rx; this design only threads
	// the root key through rx, so tx is discarded once derived.
	tx.Wipe()

	s.remotePub = peer.DHPublic
	s.remoteSigningPub = peer.SigningPublic
	s.haveRemote = true
	s.root = rx

	if err := s.deriveChainKeys(); err != nil {
		return err
	}
	s.nS, s.nR = 0, 0
	s.replay.reset()
	return nil
}

func (s *State) deriveChainKeys() error {
	sending, err := primitives.KDF(s.root, 1, ctxSending)
	if err != nil {
		return err
	}
	receiving, err := primitives.KDF(s.root, 2, ctxRecv)
	if err != nil {
		return err
	}
	s.sending, s.receiving = sending, receiving
	return nil
}

// activeRotate generates a fresh local DH keypair, agrees with the
// current remote public key under the new local key, and re-derives
// chain keys from the resulting root. Called when this side's own
// send counter reaches RotateAfter.
func (s *State) activeRotate() error {
	newLocal, err := primitives.GenerateDHKeyPair(s.rng)
	if err != nil {
		return err
	}
	s.local = newLocal
	if err := s.reagree(); err != nil {
		return err
	}
	if s.onRotate != nil {
		s.onRotate(RotationActive)
	}
	return nil
}

// passiveRotate re-agrees using the existing local private key against
// a remote public key that just changed, without generating a new
// local keypair. Called when an inbound envelope carries a DH public
// key different from the one this side has on file: the DH shared
// secret X25519(localPriv, newRemotePub) is symmetric with whatever
// the peer computed on its own side using its new private key against
// this side's unchanged public key, so the two sides land on the same
// root without both needing to rotate their own keypair.
func (s *State) passiveRotate() error {
	if err := s.reagree(); err != nil {
		return err
	}
	if s.onRotate != nil {
		s.onRotate(RotationPassive)
	}
	return nil
}

// reagree re-derives root and chain keys from the current local/remote
// DH keys, wiping the prior sending/receiving keys. The replay window
// is not cleared, only aged out by capacity, so a duplicate counter
// from before the rotation remains detectable until it ages out.
func (s *State) reagree() error {
	if !s.haveRemote {
		return faults.NewUsageFault("rotate called before initialize")
	}

	s.sending.Wipe()
	s.receiving.Wipe()

	rx, tx, err := primitives.Agree(s.local.Private, s.remotePub, s.isInitiator)
	if err != nil {
		return err
	}
	tx.Wipe()
	s.root = rx

	if err := s.deriveChainKeys(); err != nil {
		return err
	}
	s.nS, s.nR = 0, 0
	s.generation++
	return nil
}

// Encrypt builds and seals an envelope carrying content, using
// timestampMs as the (already jittered) outbound timestamp. If the
// send counter has reached RotateAfter, the ratchet rotates before
// this message is sealed, so the returned envelope's DH key differs
// from the one carried by the prior 100 messages.
func (s *State) Encrypt(content json.RawMessage, timestampMs int64, envType string) (envelope.Envelope, error) {
	if !s.haveRemote {
		return envelope.Envelope{}, faults.NewUsageFault("encrypt called before initialize")
	}

	if s.nS >= RotateAfter {
		if err := s.activeRotate(); err != nil {
			return envelope.Envelope{}, err
		}
	}

	km, err := primitives.KDF(s.sending, uint64(s.nS), ctxMsg)
	if err != nil {
		return envelope.Envelope{}, err
	}
	defer km.Wipe()

	msg := envelope.Message{
		Content:   content,
		Timestamp: timestampMs,
		Counter:   s.nS,
		DHKey:     envelope.Base64Bytes32(s.local.Public),
	}
	plaintext, err := envelope.EncodeMessage(msg)
	if err != nil {
		return envelope.Envelope{}, err
	}

	nonce, err := primitives.RandomNonce(s.rng)
	if err != nil {
		return envelope.Envelope{}, err
	}
	cipher, err := primitives.Seal(km, nonce, plaintext)
	if err != nil {
		return envelope.Envelope{}, err
	}

	sig := primitives.Sign(s.signing.Private, cipher)

	s.nS++

	var e envelope.Envelope
	e.Nonce = envelope.Base64Bytes24(nonce)
	e.Cipher = envelope.Base64Blob(cipher)
	copy(e.Sig[:], sig)
	e.Type = envType
	return e, nil
}

// Decrypt verifies, opens, and parses an inbound envelope, checking
// and recording (counter, timestamp) in the replay window, and
// rotating the ratchet if the envelope carries a new peer DH public
// key. It returns the decrypted content on success.
func (s *State) Decrypt(e envelope.Envelope) (json.RawMessage, error) {
	if !s.haveRemote {
		return nil, faults.NewUsageFault("decrypt called before initialize")
	}

	if !primitives.Verify(s.remoteSigningPub, e.Cipher, e.Sig[:]) {
		return nil, faults.NewAuthFault("signature verification failed")
	}

	km, err := primitives.KDF(s.receiving, uint64(s.nR), ctxMsg)
	if err != nil {
		return nil, err
	}
	defer km.Wipe()

	plaintext, err := primitives.Open(km, [primitives.NonceSize]byte(e.Nonce), e.Cipher)
	if err != nil {
		return nil, faults.NewAuthFault("aead open failed")
	}

	msg, err := envelope.DecodeMessage(plaintext)
	if err != nil {
		return nil, err
	}

	key := replayKey{generation: s.generation, counter: msg.Counter, timestamp: msg.Timestamp}
	if s.replay.seenOrInsert(key) {
		return nil, faults.NewReplayFault(msg.Counter, msg.Timestamp)
	}

	newRemote := primitives.Key(msg.DHKey)
	if !primitives.ConstantTimeEqual(newRemote[:], s.remotePub[:]) {
		s.remotePub = newRemote
		if err := s.passiveRotate(); err != nil {
			return nil, err
		}
	}

	s.nR++
	return msg.Content, nil
}

// Wipe zeroizes every key buffer the ratchet owns. Called from
// cleanup(); after Wipe the state must not be used again.
func (s *State) Wipe() {
	s.local.Private.Wipe()
	for i := range s.signing.Private {
		s.signing.Private[i] = 0
	}
	s.root.Wipe()
	s.sending.Wipe()
	s.receiving.Wipe()
	s.replay.reset()
}

// SendCounter and RecvCounter expose the current n_s/n_r for tests and
// metrics; they are not part of the wire contract.
func (s *State) SendCounter() uint32 { return s.nS }
func (s *State) RecvCounter() uint32 { return s.nR }

// LocalDHPublic returns the ratchet's current local DH public key, the
// one carried on outbound envelopes until the next rotation.
func (s *State) LocalDHPublic() primitives.Key { return s.local.Public }
