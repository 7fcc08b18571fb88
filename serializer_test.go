package eternity

import "testing"

type serializerTestPayload struct {
	Name  string
	Count int
	Tags  []string
}

func TestRTLSerializerRoundTrip(t *testing.T) {
	s := DefaultSerializer()
	in := serializerTestPayload{Name: "order-42", Count: 3, Tags: []string{"a", "b"}}

	data, err := s.Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var out serializerTestPayload
	if err := s.Decode(data, &out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.Name != in.Name || out.Count != in.Count || len(out.Tags) != len(in.Tags) {
		t.Errorf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestRTLSerializerEmptyPayload(t *testing.T) {
	s := DefaultSerializer()
	data, err := s.Encode(nil)
	if err != nil {
		t.Fatalf("Encode(nil): %v", err)
	}
	var out serializerTestPayload
	if err := s.Decode(data, &out); err != nil {
		t.Fatalf("Decode of empty payload should be a no-op, got: %v", err)
	}
}

func TestRTLSerializerDecodeEmptyBytesIsNoop(t *testing.T) {
	s := DefaultSerializer()
	out := serializerTestPayload{Name: "untouched"}
	if err := s.Decode(nil, &out); err != nil {
		t.Fatalf("Decode(nil): %v", err)
	}
	if out.Name != "untouched" {
		t.Errorf("Decode(nil) should leave out untouched, got %+v", out)
	}
}
