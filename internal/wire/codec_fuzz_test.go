package wire

import (
	"bytes"
	"testing"
)

// FuzzDecodeValueF32 ensures the float decoder never panics on arbitrary input.
func FuzzDecodeValueF32(f *testing.F) {
	c := Codec{}
	seed := []float32{0, -0.5, 3.14, -1e30}
	for _, s := range seed {
		var buf bytes.Buffer
		_ = c.EncodeValue(&buf, F32(s))
		f.Add(buf.Bytes())
	}
	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = c.DecodeValue(bytes.NewReader(data), KindF32)
	})
}

// FuzzDecodeValueArrayF32 ensures the array decoder never panics and never
// over-reads past a claimed length that exceeds available bytes.
func FuzzDecodeValueArrayF32(f *testing.F) {
	c := Codec{}
	seed := ArrayF32{1, 2, 3}
	var buf bytes.Buffer
	_ = c.EncodeValue(&buf, seed)
	f.Add(buf.Bytes())
	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = c.DecodeValue(bytes.NewReader(data), KindArrayF32)
	})
}

// FuzzReadHeader ensures header decoding never panics on truncated or garbage input.
func FuzzReadHeader(f *testing.F) {
	c := Codec{}
	var buf bytes.Buffer
	_ = c.WriteHeader(&buf, Header{Command: "Bias.Set", BodyLen: 4, ResponseExpected: true})
	f.Add(buf.Bytes())
	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = c.ReadHeader(bytes.NewReader(data))
	})
}
