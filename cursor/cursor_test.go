package cursor

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestSequenceCursor(t *testing.T) {
	c := NewSequence(0)
	if !c.IsZero() {
		t.Error("sequence 0 should be the zero cursor")
	}

	c = NewSequence(42)
	if c.IsZero() {
		t.Error("sequence 42 should not be zero")
	}
	if c.Kind() != KindSequence {
		t.Errorf("kind should be %q, got %q", KindSequence, c.Kind())
	}
	if c.String() != "42" {
		t.Errorf("string should be '42', got %q", c.String())
	}
}

func TestVectorCursor(t *testing.T) {
	if !NewVector(nil).IsZero() {
		t.Error("empty vector cursor should be zero")
	}
	c := NewVector(map[string]uint64{"d1": 3})
	if c.IsZero() {
		t.Error("populated vector cursor should not be zero")
	}
	if c.Kind() != KindVector {
		t.Errorf("kind should be %q, got %q", KindVector, c.Kind())
	}
}

func TestWireRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		cursor Cursor
	}{
		{"sequence", NewSequence(17)},
		{"vector", NewVector(map[string]uint64{"d1": 3, "d2": 9})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wc, err := MarshalWire(tt.cursor)
			if err != nil {
				t.Fatalf("MarshalWire failed: %v", err)
			}
			if wc.Kind != tt.cursor.Kind() {
				t.Errorf("wire kind %q, expected %q", wc.Kind, tt.cursor.Kind())
			}

			back, err := UnmarshalWire(wc)
			if err != nil {
				t.Fatalf("UnmarshalWire failed: %v", err)
			}
			if back.Kind() != tt.cursor.Kind() {
				t.Errorf("round trip changed kind: %q", back.Kind())
			}
		})
	}
}

func TestValidateWireCursor(t *testing.T) {
	if err := ValidateWireCursor(nil); err == nil {
		t.Error("nil wire cursor should fail validation")
	}

	if err := ValidateWireCursor(&WireCursor{Kind: "carrier-pigeon"}); err == nil {
		t.Error("unknown kind should fail validation")
	}

	huge := &WireCursor{
		Kind: KindSequence,
		Data: json.RawMessage(strings.Repeat("9", maxWireCursorSize+1)),
	}
	if err := ValidateWireCursor(huge); err == nil {
		t.Error("oversized payload should fail validation")
	}
}

func TestEncodeDecode(t *testing.T) {
	// nil round trips through the empty string, meaning "from the beginning".
	s, err := Encode(nil)
	if err != nil {
		t.Fatalf("Encode(nil) failed: %v", err)
	}
	if s != "" {
		t.Errorf("Encode(nil) should be empty, got %q", s)
	}
	c, err := Decode("")
	if err != nil {
		t.Fatalf("Decode(\"\") failed: %v", err)
	}
	if c != nil {
		t.Errorf("Decode(\"\") should be nil, got %v", c)
	}

	original := NewSequence(99)
	s, err = Encode(original)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	back, err := Decode(s)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	sc, ok := back.(SequenceCursor)
	if !ok {
		t.Fatalf("expected SequenceCursor, got %T", back)
	}
	if sc.Seq != 99 {
		t.Errorf("round trip changed sequence: %d", sc.Seq)
	}

	if _, err := Decode("not json"); err == nil {
		t.Error("garbage input should fail to decode")
	}
}
