package migration

import (
	"encoding/binary"
	"errors"
)

// Return-path-only command identifiers (§4.3, §6). These never appear on
// the forward stream; they ride the reverse channel opened after OPENRP,
// using the same COMMAND section framing as the forward path.
const (
	CmdRequestPages Command = iota + 100
	CmdShutdownAck
)

// ReturnPath is the reverse channel opened by the destination after it
// receives OPENRP (§4.3). It is independently flushable and error-tracked
// from the forward Stream, matching the spec's explicit call-out that the
// return path has its own sticky error state.
type ReturnPath struct {
	s *Stream
}

// OpenReturnPath wraps s (a Stream over e.g. a paired file descriptor, or
// the other half of a duplex connection) as a ReturnPath.
func OpenReturnPath(s *Stream) *ReturnPath { return &ReturnPath{s: s} }

// Err reports the return path's own latched error.
func (rp *ReturnPath) Err() error { return rp.s.Err() }

// SendReqAck echoes a REQACK cookie back to the sender of the original
// REQACK command (§3: "REQACK carries a 32-bit cookie that is echoed back
// on the return path").
func (rp *ReturnPath) SendReqAck(cookie uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], cookie)

	return SendCommand(rp.s, CmdReqAck, b[:])
}

// SendRequestPages sends a postcopy page request. name is omitted on the
// wire when it equals lastName, per §4.7's "elided when identical to the
// previous request" rule; the caller tracks lastName across calls.
func (rp *ReturnPath) SendRequestPages(name string, offset uint64, length uint32, lastName string) error {
	return SendCommand(rp.s, CmdRequestPages, EncodeRequestPages(name, offset, length, lastName))
}

// SendShutdownAck sends the final shutdown acknowledgement carrying the
// latched error indicator (0 = clean), per §6.
func (rp *ReturnPath) SendShutdownAck(errIndicator uint32) error {
	return SendCommand(rp.s, CmdShutdownAck, EncodeShutdownAck(errIndicator))
}

// Next reads the next return-path command, for use by the side that reads
// acknowledgements (normally the source).
func (rp *ReturnPath) Next() (CommandHeader, error) {
	tag, err := rp.s.ReadU8()
	if err != nil {
		return CommandHeader{}, err
	}

	if SectionType(tag) != SectionCmd {
		return CommandHeader{}, rp.s.latch(NewError("ReturnPath.Next", KindProtocolViolation, errSectionOpcode))
	}

	return ReadCommand(rp.s)
}

var (
	errRequestPagesShort   = errors.New("request-pages payload too short")
	errShutdownAckWrongLen = errors.New("shutdown-ack payload must be exactly 4 bytes")
)

// EncodeRequestPages encodes a request-pages payload per §6:
// {name_len, name, offset_be64, length_be32}, with name_len=0 and name
// omitted when name == lastName.
func EncodeRequestPages(name string, offset uint64, length uint32, lastName string) []byte {
	elide := name == lastName && lastName != ""

	nameBytes := []byte(name)
	if elide {
		nameBytes = nil
	}

	buf := make([]byte, 1+len(nameBytes)+8+4)
	buf[0] = uint8(len(nameBytes))
	copy(buf[1:], nameBytes)
	binary.BigEndian.PutUint64(buf[1+len(nameBytes):], offset)
	binary.BigEndian.PutUint32(buf[1+len(nameBytes)+8:], length)

	return buf
}

// DecodeRequestPages decodes a request-pages payload, filling in name from
// lastName when the wire form elided it.
func DecodeRequestPages(buf []byte, lastName string) (name string, offset uint64, length uint32, err error) {
	if len(buf) < 1 {
		return "", 0, 0, errRequestPagesShort
	}

	nameLen := int(buf[0])
	if len(buf) < 1+nameLen+8+4 {
		return "", 0, 0, errRequestPagesShort
	}

	name = string(buf[1 : 1+nameLen])
	if name == "" {
		name = lastName
	}

	offset = binary.BigEndian.Uint64(buf[1+nameLen:])
	length = binary.BigEndian.Uint32(buf[1+nameLen+8:])

	return name, offset, length, nil
}

// EncodeShutdownAck encodes the final shutdown acknowledgement payload.
func EncodeShutdownAck(errIndicator uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], errIndicator)

	return b[:]
}

// DecodeShutdownAck decodes the final shutdown acknowledgement payload.
func DecodeShutdownAck(buf []byte) (uint32, error) {
	if len(buf) != 4 {
		return 0, errShutdownAckWrongLen
	}

	return binary.BigEndian.Uint32(buf), nil
}
