// Package framer implements the transport framing layer (C4): a
// 4-byte big-endian length prefix followed by zero padding to the next
// bucket boundary, plus timestamp jitter for outbound plaintext. It
// never scans for trailing zeros to find the payload boundary; the
// length prefix is authoritative.
package framer

import (
	"bufio"
	"crypto/rand"
	"encoding/binary"
	"io"
	"math/big"
	"time"

	"github.com/companyzero/ratchetmesh/faults"
)

// Bucket is the fixed size every frame is padded to a multiple of.
const Bucket = 256

// LengthPrefixSize is the size of the frame's length prefix.
const LengthPrefixSize = 4

// JitterBound is the maximum absolute timestamp jitter applied to
// outbound plaintext before encryption.
const JitterBound = 250 * time.Millisecond

// MaxPayloadSize bounds the length prefix to something the framer
// will actually attempt to buffer, guarding against a peer claiming
// an absurd frame size.
const MaxPayloadSize = 16 * 1024 * 1024

// WriteFrame pads payload to the next bucket boundary and writes the
// resulting frame (length prefix + payload + padding) to w.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return faults.NewCodecFault("write frame", errPayloadTooLarge)
	}

	total := LengthPrefixSize + len(payload)
	padded := ((total + Bucket - 1) / Bucket) * Bucket
	if padded == 0 {
		padded = Bucket
	}
	padLen := padded - total

	frame := make([]byte, padded)
	binary.BigEndian.PutUint32(frame[:LengthPrefixSize], uint32(len(payload)))
	copy(frame[LengthPrefixSize:LengthPrefixSize+len(payload)], payload)
	// frame[LengthPrefixSize+len(payload):] is already zero from make.
	_ = padLen

	_, err := w.Write(frame)
	if err != nil {
		return faults.NewTransportFault("write frame", err)
	}
	return nil
}

// ReadFrame reads one frame from r: the length prefix, that many
// payload bytes, then discards the zero padding up to the next bucket
// boundary.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	var lenBuf [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, faults.NewTransportFault("read frame length", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxPayloadSize {
		return nil, faults.NewCodecFault("read frame", errPayloadTooLarge)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, faults.NewCodecFault("read frame payload", err)
	}

	total := LengthPrefixSize + int(length)
	padded := ((total + Bucket - 1) / Bucket) * Bucket
	if padded == 0 {
		padded = Bucket
	}
	padLen := padded - total
	if padLen > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(padLen)); err != nil {
			return nil, faults.NewCodecFault("read frame padding", err)
		}
	}

	return payload, nil
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

const errPayloadTooLarge = simpleErr("frame payload exceeds maximum size")

// Jitter returns t shifted by a uniformly random offset in
// [-JitterBound, +JitterBound], matching the framer's t' = t + U(-250ms,
// +250ms) rule applied to outbound plaintext before it reaches the
// ratchet.
func Jitter(t time.Time) time.Time {
	boundMs := int64(JitterBound / time.Millisecond)
	n, err := rand.Int(rand.Reader, big.NewInt(2*boundMs+1))
	if err != nil {
		// crypto/rand failing is unrecoverable; fall back to no jitter
		// rather than panic the caller.
		return t
	}
	offsetMs := n.Int64() - boundMs
	return t.Add(time.Duration(offsetMs) * time.Millisecond)
}
