package fingerprint

import "testing"

func TestConstantTimeEq(t *testing.T) {
	tests := []struct {
		name string
		id1  ID
		id2  ID
		want bool
	}{{
		name: "equal zero ids",
		id1:  ID{},
		id2:  ID{},
		want: true,
	}, {
		name: "equal non-zero ids",
		id1:  ID{0: 0x5a, 31: 0xa5},
		id2:  ID{0: 0x5a, 31: 0xa5},
		want: true,
	}, {
		name: "unequal ids",
		id1:  ID{0: 0x5a, 31: 0xa5},
		id2:  ID{0: 0x5a, 31: 0xa4},
		want: false,
	}}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got := tc.id1.ConstantTimeEq(&tc.id2)
			if got != tc.want {
				t.Fatalf("unexpected result: got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestOfIsDeterministicAndDistinguishesInputs(t *testing.T) {
	a := Of([]byte{1, 2, 3})
	b := Of([]byte{1, 2, 3})
	if !a.ConstantTimeEq(&b) {
		t.Fatal("Of should be deterministic for the same input")
	}

	c := Of([]byte{1, 2, 4})
	if a.ConstantTimeEq(&c) {
		t.Fatal("Of should distinguish different inputs")
	}

	// A short input and its zero-padded 32-byte form must not collide,
	// unlike a truncate-and-pad scheme would produce.
	padded := make([]byte, 32)
	copy(padded, []byte{1, 2, 3})
	d := Of(padded)
	if a.ConstantTimeEq(&d) {
		t.Fatal("Of must not collide a short input with its zero-padded form")
	}
}

func TestStringRoundTrip(t *testing.T) {
	id := Of([]byte{0xde, 0xad, 0xbe, 0xef})
	var back ID
	if err := back.FromString(id.String()); err != nil {
		t.Fatal(err)
	}
	if !id.ConstantTimeEq(&back) {
		t.Fatal("round trip mismatch")
	}
}

func TestShortLogID(t *testing.T) {
	id := Of([]byte{0xde, 0xad, 0xbe, 0xef})
	if got := id.ShortLogID(); len(got) != 16 {
		t.Fatalf("expected a 16-char short id, got %q (%d chars)", got, len(got))
	}
}
