package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/kronberger-droid/nanonis-tipctl/internal/metrics"
)

// ErrShortRead is wrapped into ProtocolError when a read ends before a full value is decoded.
var ErrShortRead = errors.New("wire: short read")

// ErrLengthMismatch is wrapped into ProtocolError when a decoded array/string/matrix length exceeds maxArrayLen;
// a length larger than the bytes actually available surfaces as ErrShortRead instead.
var ErrLengthMismatch = errors.New("wire: length mismatch")

// ErrNaNDisallowed is wrapped into ProtocolError when a float value decodes to NaN where the caller disallows it.
var ErrNaNDisallowed = errors.New("wire: NaN value not allowed")

// ProtocolError reports a wire-level decoding failure.
type ProtocolError struct {
	Kind   string // short machine-readable category, e.g. "short_read"
	Detail error
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("wire: %s: %v", e.Kind, e.Detail) }
func (e *ProtocolError) Unwrap() error { return e.Detail }

func protoErr(kind string, detail error) error {
	metrics.WireDecodeErrors.Inc()
	return &ProtocolError{Kind: kind, Detail: detail}
}

// Codec encodes/decodes typed values in network byte order. Stateless and
// safe for concurrent use; independent of socket I/O.
type Codec struct{}

// EncodeValue writes v to w in its wire representation.
func (Codec) EncodeValue(w io.Writer, v Value) error {
	switch t := v.(type) {
	case U16:
		return writeUint16(w, uint16(t))
	case I16:
		return writeUint16(w, uint16(int16(t)))
	case U32:
		return writeUint32(w, uint32(t))
	case I32:
		return writeUint32(w, uint32(int32(t)))
	case F32:
		return writeUint32(w, math.Float32bits(float32(t)))
	case F64:
		return writeUint64(w, math.Float64bits(float64(t)))
	case Str:
		return writeString(w, string(t))
	case ArrayU16:
		if err := writeUint32(w, uint32(len(t))); err != nil {
			return err
		}
		for _, e := range t {
			if err := writeUint16(w, e); err != nil {
				return err
			}
		}
		return nil
	case ArrayI16:
		if err := writeUint32(w, uint32(len(t))); err != nil {
			return err
		}
		for _, e := range t {
			if err := writeUint16(w, uint16(e)); err != nil {
				return err
			}
		}
		return nil
	case ArrayU32:
		if err := writeUint32(w, uint32(len(t))); err != nil {
			return err
		}
		for _, e := range t {
			if err := writeUint32(w, e); err != nil {
				return err
			}
		}
		return nil
	case ArrayI32:
		if err := writeUint32(w, uint32(len(t))); err != nil {
			return err
		}
		for _, e := range t {
			if err := writeUint32(w, uint32(e)); err != nil {
				return err
			}
		}
		return nil
	case ArrayF32:
		if err := writeUint32(w, uint32(len(t))); err != nil {
			return err
		}
		for _, e := range t {
			if err := writeUint32(w, math.Float32bits(e)); err != nil {
				return err
			}
		}
		return nil
	case ArrayF64:
		if err := writeUint32(w, uint32(len(t))); err != nil {
			return err
		}
		for _, e := range t {
			if err := writeUint64(w, math.Float64bits(e)); err != nil {
				return err
			}
		}
		return nil
	case ArrayString:
		if err := writeUint32(w, uint32(len(t))); err != nil {
			return err
		}
		for _, e := range t {
			if err := writeString(w, e); err != nil {
				return err
			}
		}
		return nil
	case MatrixF32:
		if err := writeUint32(w, uint32(t.Rows)); err != nil {
			return err
		}
		if err := writeUint32(w, uint32(t.Cols)); err != nil {
			return err
		}
		for _, e := range t.Data {
			if err := writeUint32(w, math.Float32bits(e)); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("wire: encode: unsupported value type %T", v)
	}
}

// DecodeValue reads a value of the given kind from r. The kind is supplied by
// the caller because the wire schema is command-specific, not self-describing.
func (c Codec) DecodeValue(r io.Reader, kind Kind) (Value, error) {
	switch kind {
	case KindU16:
		u, err := readUint16(r)
		return U16(u), err
	case KindI16:
		u, err := readUint16(r)
		return I16(int16(u)), err
	case KindU32:
		u, err := readUint32(r)
		return U32(u), err
	case KindI32:
		u, err := readUint32(r)
		return I32(int32(u)), err
	case KindF32:
		u, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		f := math.Float32frombits(u)
		return F32(f), nil
	case KindF64:
		u, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		f := math.Float64frombits(u)
		return F64(f), nil
	case KindString:
		s, err := readString(r)
		return Str(s), err
	case KindArrayU16:
		n, err := readArrayLen(r)
		if err != nil {
			return nil, err
		}
		out := make(ArrayU16, n)
		for i := range out {
			u, err := readUint16(r)
			if err != nil {
				return nil, err
			}
			out[i] = u
		}
		return out, nil
	case KindArrayI16:
		n, err := readArrayLen(r)
		if err != nil {
			return nil, err
		}
		out := make(ArrayI16, n)
		for i := range out {
			u, err := readUint16(r)
			if err != nil {
				return nil, err
			}
			out[i] = int16(u)
		}
		return out, nil
	case KindArrayU32:
		n, err := readArrayLen(r)
		if err != nil {
			return nil, err
		}
		out := make(ArrayU32, n)
		for i := range out {
			u, err := readUint32(r)
			if err != nil {
				return nil, err
			}
			out[i] = u
		}
		return out, nil
	case KindArrayI32:
		n, err := readArrayLen(r)
		if err != nil {
			return nil, err
		}
		out := make(ArrayI32, n)
		for i := range out {
			u, err := readUint32(r)
			if err != nil {
				return nil, err
			}
			out[i] = int32(u)
		}
		return out, nil
	case KindArrayF32:
		n, err := readArrayLen(r)
		if err != nil {
			return nil, err
		}
		out := make(ArrayF32, n)
		for i := range out {
			u, err := readUint32(r)
			if err != nil {
				return nil, err
			}
			out[i] = math.Float32frombits(u)
		}
		return out, nil
	case KindArrayF64:
		n, err := readArrayLen(r)
		if err != nil {
			return nil, err
		}
		out := make(ArrayF64, n)
		for i := range out {
			u, err := readUint64(r)
			if err != nil {
				return nil, err
			}
			out[i] = math.Float64frombits(u)
		}
		return out, nil
	case KindArrayString:
		n, err := readArrayLen(r)
		if err != nil {
			return nil, err
		}
		out := make(ArrayString, n)
		for i := range out {
			s, err := readString(r)
			if err != nil {
				return nil, err
			}
			out[i] = s
		}
		return out, nil
	case KindMatrixF32:
		rows, err := readArrayLen(r)
		if err != nil {
			return nil, err
		}
		cols, err := readArrayLen(r)
		if err != nil {
			return nil, err
		}
		data := make([]float32, rows*cols)
		for i := range data {
			u, err := readUint32(r)
			if err != nil {
				return nil, err
			}
			data[i] = math.Float32frombits(u)
		}
		return MatrixF32{Rows: rows, Cols: cols, Data: data}, nil
	default:
		return nil, fmt.Errorf("wire: decode: unknown kind %s", kind)
	}
}

// DecodeValueNoNaN is DecodeValue for a float kind that additionally rejects NaN results.
func (c Codec) DecodeValueNoNaN(r io.Reader, kind Kind) (Value, error) {
	v, err := c.DecodeValue(r, kind)
	if err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case F32:
		if math.IsNaN(float64(t)) {
			return nil, protoErr("nan", ErrNaNDisallowed)
		}
	case F64:
		if math.IsNaN(float64(t)) {
			return nil, protoErr("nan", ErrNaNDisallowed)
		}
	}
	return v, nil
}

const maxArrayLen = 1 << 24 // sanity ceiling; real responses never approach this

func readArrayLen(r io.Reader) (int, error) {
	n, err := readUint32(r)
	if err != nil {
		return 0, err
	}
	if n > maxArrayLen {
		return 0, protoErr("length_mismatch", fmt.Errorf("%w: length %d exceeds sanity ceiling", ErrLengthMismatch, n))
	}
	return int(n), nil
}

func writeUint16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeUint64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeString(w io.Writer, s string) error {
	if err := writeUint32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, shortRead(err)
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, shortRead(err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, shortRead(err)
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func readString(r io.Reader) (string, error) {
	n, err := readArrayLen(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", shortRead(err)
	}
	return string(buf), nil
}

func shortRead(err error) error {
	if errors.Is(err, io.EOF) {
		return protoErr("short_read", fmt.Errorf("%w: %v", ErrShortRead, io.ErrUnexpectedEOF))
	}
	return protoErr("short_read", fmt.Errorf("%w: %v", ErrShortRead, err))
}
