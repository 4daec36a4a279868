package envelope

import (
	"bytes"
	"encoding/json"

	"github.com/companyzero/ratchetmesh/faults"
)

// Variant is the tagged sum over every value the codec can hand back
// to the dispatcher: the five control kinds and the encrypted
// application envelope. The dispatcher type-switches on Variant
// exhaustively rather than routing on a raw type string.
type Variant interface {
	variant()
}

const (
	typeVerificationChallenge = "verification_challenge"
	typeVerificationResponse  = "verification_response"
	typeVerificationSuccess   = "verification_success"
	typeKeepalive             = "keepalive"
	typeKeepaliveAck          = "keepalive_ack"
)

// VerificationChallenge is sent by a socket's local side immediately
// on an inbound connection, carrying a random 32-byte challenge.
type VerificationChallenge struct {
	Challenge Base64Bytes32 `json:"challenge"`
}

func (VerificationChallenge) variant() {}

// VerificationResponse answers a peer's challenge with
// HMAC(PSK, challenge).
type VerificationResponse struct {
	Response Base64Bytes32 `json:"response"`
}

func (VerificationResponse) variant() {}

// VerificationSuccess announces that the sender has verified the peer.
type VerificationSuccess struct {
	Timestamp int64 `json:"timestamp"`
}

func (VerificationSuccess) variant() {}

// Keepalive is a jittered cover-traffic control frame.
type Keepalive struct {
	Timestamp int64 `json:"timestamp"`
}

func (Keepalive) variant() {}

// KeepaliveAck answers an inbound Keepalive.
type KeepaliveAck struct {
	Timestamp int64 `json:"timestamp"`
}

func (KeepaliveAck) variant() {}

// EncodeControl serializes any of the five control frame kinds with
// its discriminating type tag.
func EncodeControl(v Variant) ([]byte, error) {
	var typ string
	switch v.(type) {
	case VerificationChallenge:
		typ = typeVerificationChallenge
	case VerificationResponse:
		typ = typeVerificationResponse
	case VerificationSuccess:
		typ = typeVerificationSuccess
	case Keepalive:
		typ = typeKeepalive
	case KeepaliveAck:
		typ = typeKeepaliveAck
	default:
		return nil, faults.NewCodecFault("encode control", errNotControl)
	}

	// json.Marshal cannot embed an interface field directly with a
	// sibling Type field and retain both; marshal the concrete value
	// and splice in the type tag.
	body, err := json.Marshal(v)
	if err != nil {
		return nil, faults.NewCodecFault("encode control", err)
	}
	return spliceType(typ, body)
}

const errNotControl = simpleErr("value is not a recognized control frame")

func spliceType(typ string, body []byte) ([]byte, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, faults.NewCodecFault("splice control type", err)
	}
	typeJSON, err := json.Marshal(typ)
	if err != nil {
		return nil, faults.NewCodecFault("splice control type", err)
	}
	m["type"] = typeJSON
	return json.Marshal(m)
}

// peek is used to read only the discriminating type field (and probe
// for envelope-only fields) before committing to a concrete decode.
type peek struct {
	Type   string           `json:"type"`
	Nonce  *json.RawMessage `json:"nonce"`
	Cipher *json.RawMessage `json:"cipher"`
	Sig    *json.RawMessage `json:"sig"`
}

// DecodeFrame parses a plaintext JSON frame body into its concrete
// Variant. An encrypted application envelope is recognized by the
// presence of its nonce/cipher/sig fields; everything else is
// dispatched on its type tag. Unrecognized shapes fail with
// faults.CodecFault.
func DecodeFrame(raw []byte) (Variant, error) {
	raw = bytes.TrimSpace(raw)
	var p peek
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, faults.NewCodecFault("decode frame", err)
	}

	if p.Nonce != nil && p.Cipher != nil && p.Sig != nil {
		var e Envelope
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, faults.NewCodecFault("decode envelope", err)
		}
		if len(e.Cipher) == 0 {
			return nil, faults.NewCodecFault("decode envelope", errEmptyCipher)
		}
		return e, nil
	}

	switch p.Type {
	case typeVerificationChallenge:
		var v VerificationChallenge
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, faults.NewCodecFault("decode verification_challenge", err)
		}
		return v, nil
	case typeVerificationResponse:
		var v VerificationResponse
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, faults.NewCodecFault("decode verification_response", err)
		}
		return v, nil
	case typeVerificationSuccess:
		var v VerificationSuccess
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, faults.NewCodecFault("decode verification_success", err)
		}
		return v, nil
	case typeKeepalive:
		var v Keepalive
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, faults.NewCodecFault("decode keepalive", err)
		}
		return v, nil
	case typeKeepaliveAck:
		var v KeepaliveAck
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, faults.NewCodecFault("decode keepalive_ack", err)
		}
		return v, nil
	default:
		return nil, faults.NewCodecFault("decode frame", errUnknownType)
	}
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

const (
	errEmptyCipher = simpleErr("envelope cipher is empty")
	errUnknownType = simpleErr("unrecognized frame type")
)
