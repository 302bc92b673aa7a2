// Package telemetry decodes the Nanonis data-logger stream: a second TCP
// connection, opened after channel selection has been negotiated over the
// control channel, that emits a continuous sequence of fixed-width
// big-endian f32 frames with no per-frame header.
package telemetry

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net"
	"time"

	"github.com/kronberger-droid/nanonis-tipctl/internal/metrics"
)

// MaxChannels bounds the logger-slot count the controller exposes.
const MaxChannels = 24

// Frame is one tuple of channel readings, one f32 per configured channel.
type Frame []float32

// Stream abstracts the telemetry connection for testability, mirroring
// net.Conn's read surface without requiring a real socket in tests.
type Stream interface {
	Read(p []byte) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// Reader decodes successive Frames from a Stream of known channel width.
type Reader struct {
	stream      Stream
	width       int
	readTimeout time.Duration
	acc         bytes.Buffer
	scratch     []byte
}

// Dial opens the data-logger TCP connection at addr. Callers must have
// already negotiated channel selection over the Control Client; Dial does
// not itself speak the control protocol.
func Dial(ctx context.Context, addr string, width int, readTimeout time.Duration) (*Reader, error) {
	if width <= 0 || width > MaxChannels {
		return nil, &StreamError{Op: "dial", Err: fmt.Errorf("invalid channel width %d", width)}
	}
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &StreamError{Op: "dial", Err: err}
	}
	return NewReader(conn, width, readTimeout), nil
}

// NewReader wraps an already-connected Stream.
func NewReader(s Stream, width int, readTimeout time.Duration) *Reader {
	return &Reader{
		stream:      s,
		width:       width,
		readTimeout: readTimeout,
		scratch:     make([]byte, 4096),
	}
}

// Close closes the underlying stream.
func (r *Reader) Close() error { return r.stream.Close() }

// Next blocks until one complete Frame has been decoded, the stream errors,
// or ctx is done. A NaN-valued channel is treated as a malformed frame and
// aborts the reader, per the wire codec's NaN-disallowed invariant.
func (r *Reader) Next(ctx context.Context) (Frame, error) {
	need := r.width * 4
	for {
		fr, ok, err := r.tryDecode(need)
		if err != nil {
			return nil, err
		}
		if ok {
			return fr, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if r.readTimeout > 0 {
			_ = r.stream.SetReadDeadline(time.Now().Add(r.readTimeout))
		}
		n, err := r.stream.Read(r.scratch)
		if n > 0 {
			r.acc.Write(r.scratch[:n])
		}
		if err != nil {
			if err == io.EOF {
				return nil, &StreamError{Op: "read", Err: io.ErrUnexpectedEOF}
			}
			return nil, &StreamError{Op: "read", Err: err}
		}
	}
}

// tryDecode extracts one frame from the accumulated buffer if enough bytes
// are available, compacting the buffer's backing array periodically so a
// long-running reader does not grow its allocation unbounded.
func (r *Reader) tryDecode(need int) (Frame, bool, error) {
	compactBuffer(&r.acc)
	data := r.acc.Bytes()
	if len(data) < need {
		return nil, false, nil
	}
	frame := make(Frame, r.width)
	for i := 0; i < r.width; i++ {
		bits := binary.BigEndian.Uint32(data[i*4 : i*4+4])
		f := math.Float32frombits(bits)
		if math.IsNaN(float64(f)) {
			metrics.IncTelemetryMalformed()
			r.acc.Next(need)
			return nil, false, &StreamError{Op: "decode", Err: ErrMalformedFrame}
		}
		frame[i] = f
	}
	r.acc.Next(need)
	metrics.IncTelemetryFrame()
	return frame, true, nil
}

// compactBuffer reclaims consumed prefix capacity once unread bytes fall
// well below the buffer's backing capacity.
func compactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < 1024 {
		return false
	}
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}

