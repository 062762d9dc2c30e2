package cborarray

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
)

func TestFloat32RoundTrip(t *testing.T) {
	values := []float32{0, 0.25, -1.5, 3.75, 100, -0.001}
	tag, err := Float32(2, 3, values)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	payload, err := cbor.Marshal(tag)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded any
	if err := cbor.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	rows, cols, got, err := DecodeFloat32(decoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rows != 2 || cols != 3 {
		t.Fatalf("unexpected shape: %dx%d", rows, cols)
	}
	for i := range values {
		if got[i] != values[i] {
			t.Fatalf("value %d mismatch: got %v want %v", i, got[i], values[i])
		}
	}
}

func TestUint8RoundTrip(t *testing.T) {
	values := []byte{1, 2, 3, 4, 5, 6}
	tag, err := Uint8(3, 2, values)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	payload, err := cbor.Marshal(tag)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded any
	if err := cbor.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	rows, cols, got, err := DecodeUint8(decoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rows != 3 || cols != 2 {
		t.Fatalf("unexpected shape: %dx%d", rows, cols)
	}
	for i := range values {
		if got[i] != values[i] {
			t.Fatalf("value %d mismatch: got %d want %d", i, got[i], values[i])
		}
	}
}

func TestEncodeDimensionMismatch(t *testing.T) {
	if _, err := Float32(2, 2, make([]float32, 3)); err == nil {
		t.Fatalf("mismatched float32 dims accepted")
	}
	if _, err := Uint8(2, 2, make([]byte, 5)); err == nil {
		t.Fatalf("mismatched uint8 dims accepted")
	}
}

func TestDecodeRejectsWrongTag(t *testing.T) {
	payload, err := cbor.Marshal(cbor.Tag{Number: 41, Content: []any{}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded any
	if err := cbor.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, _, _, err := DecodeFloat32(decoded); err == nil {
		t.Fatalf("wrong outer tag accepted")
	}
}
