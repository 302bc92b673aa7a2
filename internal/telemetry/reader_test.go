package telemetry

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"math"
	"testing"
	"time"
)

// fakeStream feeds pre-buffered bytes to the Reader without a real socket.
type fakeStream struct {
	data   *bytes.Buffer
	closed bool
}

func (f *fakeStream) Read(p []byte) (int, error) {
	if f.data.Len() == 0 {
		return 0, io.EOF
	}
	return f.data.Read(p)
}
func (f *fakeStream) SetReadDeadline(time.Time) error { return nil }
func (f *fakeStream) Close() error                    { f.closed = true; return nil }

func encodeFrame(vals ...float32) []byte {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.BigEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func TestReaderDecodesSuccessiveFrames(t *testing.T) {
	var raw bytes.Buffer
	raw.Write(encodeFrame(1, 2, 3))
	raw.Write(encodeFrame(4, 5, 6))

	r := NewReader(&fakeStream{data: &raw}, 3, time.Second)
	ctx := context.Background()

	f1, err := r.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if f1[0] != 1 || f1[1] != 2 || f1[2] != 3 {
		t.Fatalf("frame 1 = %v", f1)
	}

	f2, err := r.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if f2[0] != 4 || f2[1] != 5 || f2[2] != 6 {
		t.Fatalf("frame 2 = %v", f2)
	}
}

func TestReaderHandlesSplitWrites(t *testing.T) {
	full := encodeFrame(10, 20)
	var raw bytes.Buffer
	raw.Write(full[:3]) // split mid-field

	r := NewReader(&chunkedStream{chunks: [][]byte{full[:3], full[3:]}}, 2, time.Second)
	f, err := r.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if f[0] != 10 || f[1] != 20 {
		t.Fatalf("frame = %v", f)
	}
}

// chunkedStream delivers data across multiple Read calls to exercise the
// accumulate-then-decode loop under partial reads.
type chunkedStream struct {
	chunks [][]byte
	i      int
}

func (c *chunkedStream) Read(p []byte) (int, error) {
	if c.i >= len(c.chunks) {
		return 0, io.EOF
	}
	n := copy(p, c.chunks[c.i])
	c.i++
	return n, nil
}
func (c *chunkedStream) SetReadDeadline(time.Time) error { return nil }
func (c *chunkedStream) Close() error                    { return nil }

func TestReaderAbortsOnNaNFrame(t *testing.T) {
	var raw bytes.Buffer
	raw.Write(encodeFrame(float32(math.NaN()), 2))

	r := NewReader(&fakeStream{data: &raw}, 2, time.Second)
	_, err := r.Next(context.Background())
	if err == nil {
		t.Fatalf("expected malformed-frame error")
	}
}

func TestReaderSurfacesEOFAsStreamError(t *testing.T) {
	var raw bytes.Buffer
	r := NewReader(&fakeStream{data: &raw}, 2, time.Second)
	_, err := r.Next(context.Background())
	var se *StreamError
	if se, _ = err.(*StreamError); se == nil {
		t.Fatalf("expected *StreamError, got %v (%T)", err, err)
	}
}
