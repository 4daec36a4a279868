// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ratchet

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/companyzero/ratchetmesh/faults"
)

// pairedRatchet builds two mirrored ratchet states, exchanges bundles,
// and initializes both sides, the way two peers would after swarm
// discovery hands them each other's pre-key bundle.
func pairedRatchet(t *testing.T) (a, b *State) {
	t.Helper()
	a, err := New(nil, true)
	if err != nil {
		t.Fatal(err)
	}
	b, err = New(nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Initialize(b.LocalBundle()); err != nil {
		t.Fatal(err)
	}
	if err := b.Initialize(a.LocalBundle()); err != nil {
		t.Fatal(err)
	}
	return a, b
}

func content(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	a, b := pairedRatchet(t)

	env, err := a.Encrypt(content("hello"), 1000, "")
	if err != nil {
		t.Fatal(err)
	}
	got, err := b.Decrypt(env)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content("hello")) {
		t.Fatalf("got %s, expected hello", got)
	}
	if b.RecvCounter() != 1 {
		t.Fatalf("expected n_r == 1, got %d", b.RecvCounter())
	}
}

func TestMirroredCounters(t *testing.T) {
	a, b := pairedRatchet(t)

	for i := 0; i < 10; i++ {
		env, err := a.Encrypt(content("m"), int64(i), "")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := b.Decrypt(env); err != nil {
			t.Fatal(err)
		}
		if a.SendCounter() != b.RecvCounter() {
			t.Fatalf("counters diverged at iteration %d: n_s=%d n_r=%d",
				i, a.SendCounter(), b.RecvCounter())
		}
	}
}

func TestRotationAfter100Sends(t *testing.T) {
	a, b := pairedRatchet(t)

	var beforeRotation, afterRotation primitiveKeySnapshot
	for i := 0; i < 101; i++ {
		env, err := a.Encrypt(content("m"), int64(i), "")
		if err != nil {
			t.Fatal(err)
		}
		if i == 99 {
			beforeRotation = snapshot(a.LocalDHPublic())
		}
		if _, err := b.Decrypt(env); err != nil {
			t.Fatalf("decrypt failed at message %d: %v", i, err)
		}
		if i == 100 {
			afterRotation = snapshot(a.LocalDHPublic())
		}
	}
	if beforeRotation == afterRotation {
		t.Fatal("expected DH public key to change after the 101st send")
	}
	if b.RecvCounter() != 1 {
		t.Fatalf("expected receiver n_r to reset to 1 after rotation, got %d", b.RecvCounter())
	}
}

func TestOnRotateFiresForActiveAndPassiveSides(t *testing.T) {
	a, b := pairedRatchet(t)

	var aTriggers, bTriggers []RotationTrigger
	a.OnRotate(func(tr RotationTrigger) { aTriggers = append(aTriggers, tr) })
	b.OnRotate(func(tr RotationTrigger) { bTriggers = append(bTriggers, tr) })

	for i := 0; i < 101; i++ {
		env, err := a.Encrypt(content("m"), int64(i), "")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := b.Decrypt(env); err != nil {
			t.Fatalf("decrypt failed at message %d: %v", i, err)
		}
	}

	if len(aTriggers) != 1 || aTriggers[0] != RotationActive {
		t.Fatalf("expected sender to observe one active rotation, got %v", aTriggers)
	}
	if len(bTriggers) != 1 || bTriggers[0] != RotationPassive {
		t.Fatalf("expected receiver to observe one passive rotation, got %v", bTriggers)
	}
}

type primitiveKeySnapshot [32]byte

func snapshot(k [32]byte) primitiveKeySnapshot { return primitiveKeySnapshot(k) }

func TestReplayDetected(t *testing.T) {
	a, b := pairedRatchet(t)

	env, err := a.Encrypt(content("hello"), 1, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Decrypt(env); err != nil {
		t.Fatal(err)
	}
	_, err = b.Decrypt(env)
	if err == nil {
		t.Fatal("expected replay fault on second delivery")
	}
	if _, ok := err.(*faults.ReplayFault); !ok {
		t.Fatalf("expected ReplayFault, got %T: %v", err, err)
	}
}

func TestBitFlipCipherCausesAuthFault(t *testing.T) {
	a, b := pairedRatchet(t)

	env, err := a.Encrypt(content("hello"), 1, "")
	if err != nil {
		t.Fatal(err)
	}
	env.Cipher[0] ^= 0xff
	_, err = b.Decrypt(env)
	if err == nil {
		t.Fatal("expected auth fault for tampered cipher")
	}
	if _, ok := err.(*faults.AuthFault); !ok {
		t.Fatalf("expected AuthFault, got %T: %v", err, err)
	}
}

func TestBitFlipSigCausesAuthFault(t *testing.T) {
	a, b := pairedRatchet(t)

	env, err := a.Encrypt(content("hello"), 1, "")
	if err != nil {
		t.Fatal(err)
	}
	env.Sig[0] ^= 0xff
	_, err = b.Decrypt(env)
	if _, ok := err.(*faults.AuthFault); !ok {
		t.Fatalf("expected AuthFault, got %T: %v", err, err)
	}
}

func TestWipeZeroesKeys(t *testing.T) {
	a, _ := pairedRatchet(t)
	a.Wipe()
	var zero [32]byte
	if !bytes.Equal(a.root[:], zero[:]) {
		t.Fatal("root not wiped")
	}
	if !bytes.Equal(a.sending[:], zero[:]) {
		t.Fatal("sending not wiped")
	}
	if !bytes.Equal(a.receiving[:], zero[:]) {
		t.Fatal("receiving not wiped")
	}
}

func TestBothWaysAfterRotation(t *testing.T) {
	a, b := pairedRatchet(t)

	for i := 0; i < 105; i++ {
		env, err := a.Encrypt(content("a->b"), int64(i), "")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := b.Decrypt(env); err != nil {
			t.Fatalf("a->b decrypt failed at %d: %v", i, err)
		}
	}

	env, err := b.Encrypt(content("b->a"), 1, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Decrypt(env); err != nil {
		t.Fatalf("b->a decrypt failed after rotation: %v", err)
	}
}
