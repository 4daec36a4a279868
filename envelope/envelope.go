// Package envelope implements the wire codec (C3): building and
// parsing the self-describing JSON envelope and the plaintext control
// frames that precede verification. It owns no key material and
// performs no crypto; any malformed input is reported as a
// faults.CodecFault.
package envelope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/companyzero/ratchetmesh/faults"
)

// Base64Bytes24 is a fixed-size byte array that marshals to and from a
// standard-base64 JSON string, following the fixed-size wire type
// pattern used elsewhere in this module for compact JSON encoding,
// preferring base64 over raw byte arrays.
type Base64Bytes24 [24]byte

func (b Base64Bytes24) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(b[:]))
}

func (b *Base64Bytes24) UnmarshalJSON(raw []byte) error {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return err
	}
	dec, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	if len(dec) != len(b) {
		return fmt.Errorf("invalid Base64Bytes24 length: %d", len(dec))
	}
	copy(b[:], dec)
	return nil
}

type Base64Bytes32 [32]byte

func (b Base64Bytes32) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(b[:]))
}

func (b *Base64Bytes32) UnmarshalJSON(raw []byte) error {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return err
	}
	dec, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	if len(dec) != len(b) {
		return fmt.Errorf("invalid Base64Bytes32 length: %d", len(dec))
	}
	copy(b[:], dec)
	return nil
}

type Base64Bytes64 [64]byte

func (b Base64Bytes64) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(b[:]))
}

func (b *Base64Bytes64) UnmarshalJSON(raw []byte) error {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return err
	}
	dec, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	if len(dec) != len(b) {
		return fmt.Errorf("invalid Base64Bytes64 length: %d", len(dec))
	}
	copy(b[:], dec)
	return nil
}

// Base64Blob is a variable-length byte slice that marshals as base64,
// used for the envelope's ciphertext.
type Base64Blob []byte

func (b Base64Blob) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(b))
}

func (b *Base64Blob) UnmarshalJSON(raw []byte) error {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return err
	}
	dec, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	*b = dec
	return nil
}

// FileType marks an envelope as carrying a file-transfer chunk rather
// than a text message.
const FileType = "file"

// Envelope is the transient wire form of an encrypted message.
type Envelope struct {
	Nonce  Base64Bytes24 `json:"nonce"`
	Cipher Base64Blob    `json:"cipher"`
	Sig    Base64Bytes64 `json:"sig"`
	Type   string        `json:"type,omitempty"`
}

func (Envelope) variant() {}

// Message is the plaintext JSON structure carried inside Envelope.Cipher.
type Message struct {
	Content   json.RawMessage `json:"content"`
	Timestamp int64           `json:"timestamp"`
	Counter   uint32          `json:"counter"`
	DHKey     Base64Bytes32   `json:"dhKey"`
}

// EncodeMessage serializes a Message for AEAD encryption.
func EncodeMessage(m Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, faults.NewCodecFault("encode message", err)
	}
	return b, nil
}

// DecodeMessage parses plaintext produced by a successful AEAD open.
func DecodeMessage(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, faults.NewCodecFault("decode message", err)
	}
	return m, nil
}

// EncodeEnvelope serializes an Envelope for framing.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	if len(e.Cipher) == 0 {
		return nil, faults.NewCodecFault("encode envelope", fmt.Errorf("empty cipher"))
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, faults.NewCodecFault("encode envelope", err)
	}
	return b, nil
}
