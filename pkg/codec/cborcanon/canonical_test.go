package cborcanon

import (
	"bytes"
	"testing"
)

type fixture struct {
	B string
	A int
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	in := fixture{A: 7, B: "x"}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out fixture
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out != in {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}

func TestIsCanonicalAcceptsOwnOutput(t *testing.T) {
	data, err := Marshal(fixture{A: 1, B: "y"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !IsCanonical(data) {
		t.Errorf("IsCanonical(data) = false, want true for our own canonical output")
	}
}

func TestIsCanonicalRejectsGarbage(t *testing.T) {
	if IsCanonical([]byte{0xff, 0xff, 0xff}) {
		t.Errorf("IsCanonical(garbage) = true, want false")
	}
}

func TestCanonicalBytesReordersMapKeys(t *testing.T) {
	// A map encoded with keys out of canonical order should still compare
	// equal once both sides are re-encoded canonically.
	outOfOrder := []byte{0xa2, 0x61, 'b', 0x02, 0x61, 'a', 0x01} // {"b": 2, "a": 1}
	if IsCanonical(outOfOrder) {
		t.Errorf("IsCanonical(out-of-order map) = true, want false")
	}
	canon, err := CanonicalBytes(outOfOrder)
	if err != nil {
		t.Fatalf("CanonicalBytes: %v", err)
	}
	want, err := Marshal(map[string]int{"a": 1, "b": 2})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(canon, want) {
		t.Errorf("CanonicalBytes = %x, want %x", canon, want)
	}
	if !IsCanonical(canon) {
		t.Errorf("CanonicalBytes output is not itself canonical")
	}
}
