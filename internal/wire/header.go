package wire

import (
	"errors"
	"fmt"
	"io"
)

// CommandNameLen is the fixed, zero-padded ASCII width of a command name field.
const CommandNameLen = 32

// ErrCommandNameTooLong is returned at encode time when a command name exceeds CommandNameLen.
var ErrCommandNameTooLong = errors.New("wire: command name exceeds 32 bytes")

// Header is the fixed-shape request/response message header shared by every
// Nanonis command: a padded ASCII command name, the byte count following the
// header, the response-expected flag, and two bytes of zero padding.
type Header struct {
	Command           string
	BodyLen           uint32
	ResponseExpected  bool
	_                 uint16 // reserved/padding, always encoded as zero
}

// WriteHeader encodes h to w. Command names longer than CommandNameLen are
// rejected here rather than silently truncated.
func (Codec) WriteHeader(w io.Writer, h Header) error {
	if len(h.Command) > CommandNameLen {
		return fmt.Errorf("%w: %q is %d bytes", ErrCommandNameTooLong, h.Command, len(h.Command))
	}
	var name [CommandNameLen]byte
	copy(name[:], h.Command)
	if _, err := w.Write(name[:]); err != nil {
		return err
	}
	if err := writeUint32(w, h.BodyLen); err != nil {
		return err
	}
	respFlag := uint16(0)
	if h.ResponseExpected {
		respFlag = 1
	}
	if err := writeUint16(w, respFlag); err != nil {
		return err
	}
	return writeUint16(w, 0)
}

// ReadHeader decodes a Header from r.
func (Codec) ReadHeader(r io.Reader) (Header, error) {
	var name [CommandNameLen]byte
	if _, err := io.ReadFull(r, name[:]); err != nil {
		return Header{}, shortRead(err)
	}
	bodyLen, err := readUint32(r)
	if err != nil {
		return Header{}, err
	}
	respFlag, err := readUint16(r)
	if err != nil {
		return Header{}, err
	}
	if _, err := readUint16(r); err != nil { // padding
		return Header{}, err
	}
	return Header{
		Command:          trimTrailingZeros(name[:]),
		BodyLen:          bodyLen,
		ResponseExpected: respFlag != 0,
	}, nil
}

func trimTrailingZeros(b []byte) string {
	i := len(b)
	for i > 0 && b[i-1] == 0 {
		i--
	}
	return string(b[:i])
}

// ErrorTail is the optional trailing status the server appends to a response
// body when a command fails. A non-zero Status is a protocol error.
type ErrorTail struct {
	Status      uint32
	Description string
}

// ReadErrorTail decodes an ErrorTail (status, size, description) from r.
func (Codec) ReadErrorTail(r io.Reader) (ErrorTail, error) {
	status, err := readUint32(r)
	if err != nil {
		return ErrorTail{}, err
	}
	desc, err := readString(r)
	if err != nil {
		return ErrorTail{}, err
	}
	return ErrorTail{Status: status, Description: desc}, nil
}

// WriteErrorTail encodes an ErrorTail to w, used by fakes/tests that emulate the controller.
func (Codec) WriteErrorTail(w io.Writer, t ErrorTail) error {
	if err := writeUint32(w, t.Status); err != nil {
		return err
	}
	return writeString(w, t.Description)
}
