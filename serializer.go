package eternity

import (
	"bytes"
	"fmt"

	"github.com/stephenfire/go-rtl"
)

// Serializer encodes and decodes opaque workflow input and activity
// argument/result values. The wire format is deliberately not part of
// the engine's contract: callers may swap it.
type Serializer interface {
	Encode(v interface{}) ([]byte, error)
	Decode(data []byte, out interface{}) error
}

// rtlSerializer is the default Serializer: github.com/stephenfire/go-rtl
// gives compact, reflection-based binary encoding without requiring
// generated marshal code per type.
type rtlSerializer struct{}

// DefaultSerializer returns the go-rtl-backed Serializer used unless a
// caller supplies their own via WithSerializer.
func DefaultSerializer() Serializer {
	return rtlSerializer{}
}

func (rtlSerializer) Encode(v interface{}) ([]byte, error) {
	buf := new(bytes.Buffer)
	if v == nil {
		return buf.Bytes(), nil
	}
	if err := rtl.Encode(v, buf); err != nil {
		return nil, fmt.Errorf("eternity: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (rtlSerializer) Decode(data []byte, out interface{}) error {
	if len(data) == 0 {
		return nil
	}
	buf := bytes.NewBuffer(data)
	if err := rtl.Decode(buf, out); err != nil {
		return fmt.Errorf("eternity: decode: %w", err)
	}
	return nil
}
