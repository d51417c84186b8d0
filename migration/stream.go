package migration

import (
	"bufio"
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"

	"github.com/vmshift/vmshift/metrics"
)

// Stream wraps a sequential byte transport with the big-endian primitives,
// length-prefixed buffer helpers, and sticky error bit described in §4.2.
// Once an error is latched, every subsequent primitive becomes a no-op that
// returns the same latched error; writers buffer through a bufio.Writer and
// must call Flush to push bytes out.
//
// A Stream may be constructed read-only, write-only, or both (the command
// channel's return path reuses the same pattern in both directions). The
// sticky-error flag is accessed with atomic loads/stores so the §5 ordering
// requirement — a latched error must be observable before any subsequent
// write returns — holds even when the fault thread and the I/O thread both
// touch the same Stream's error state.
type Stream struct {
	r  io.Reader
	w  io.Writer
	bw *bufio.Writer

	errFlag atomic.Bool
	mu      sync.Mutex
	err     error

	// metrics, if set via WithMetrics, is incremented once per section
	// header written. Optional; nil leaves every write path unchanged.
	metrics *metrics.Metrics
}

// WithMetrics attaches m to s so that subsequent section writes increment
// m.SectionsWritten, and returns s for chaining. A nil m is a no-op.
func (s *Stream) WithMetrics(m *metrics.Metrics) *Stream {
	s.metrics = m

	return s
}

// NewReadStream wraps r as a read-only Stream.
func NewReadStream(r io.Reader) *Stream { return &Stream{r: r} }

// NewWriteStream wraps w as a write-only Stream with a buffered writer.
func NewWriteStream(w io.Writer) *Stream { return &Stream{w: w, bw: bufio.NewWriter(w)} }

// NewStream wraps rw for a transport that is both read and written, e.g. a
// net.Conn carrying the command channel's return path in each direction.
func NewStream(rw io.ReadWriter) *Stream {
	return &Stream{r: rw, w: rw, bw: bufio.NewWriter(rw)}
}

// Err returns the latched sticky error, or nil.
func (s *Stream) Err() error {
	if !s.errFlag.Load() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

// latch records err as the sticky error if one is not already latched, and
// returns the (possibly pre-existing) latched error. The atomic flag is set
// last so Err() never observes errFlag=true before err is assigned.
func (s *Stream) latch(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err == nil {
		s.err = err
		s.errFlag.Store(true)
	}

	return s.err
}

// Flush pushes any buffered bytes to the underlying writer.
func (s *Stream) Flush() error {
	if err := s.Err(); err != nil {
		return err
	}

	if s.bw == nil {
		return nil
	}

	if err := s.bw.Flush(); err != nil {
		return s.latch(NewError("Flush", KindIO, err))
	}

	return nil
}

// --- write primitives --------------------------------------------------

func (s *Stream) writeRaw(p []byte) error {
	if err := s.Err(); err != nil {
		return err
	}

	if _, err := s.bw.Write(p); err != nil {
		return s.latch(NewError("write", KindIO, err))
	}

	return nil
}

// WriteU8 writes a single byte.
func (s *Stream) WriteU8(v uint8) error { return s.writeRaw([]byte{v}) }

// WriteU16 writes v big-endian.
func (s *Stream) WriteU16(v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)

	return s.writeRaw(b[:])
}

// WriteU32 writes v big-endian.
func (s *Stream) WriteU32(v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)

	return s.writeRaw(b[:])
}

// WriteU64 writes v big-endian.
func (s *Stream) WriteU64(v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)

	return s.writeRaw(b[:])
}

// WriteBuf writes raw bytes with no length prefix.
func (s *Stream) WriteBuf(p []byte) error { return s.writeRaw(p) }

// WriteStr writes a 1-byte-length-prefixed string, used for idstr fields
// (§3: identifier string ≤255 bytes).
func (s *Stream) WriteStr(str string) error {
	if len(str) > 255 {
		return s.latch(NewError("WriteStr", KindProtocolViolation, errIDStrTooLong))
	}

	if err := s.WriteU8(uint8(len(str))); err != nil {
		return err
	}

	return s.writeRaw([]byte(str))
}

// WriteBuf32 writes a 4-byte-length-prefixed buffer, used for packaged
// sub-stream payloads.
func (s *Stream) WriteBuf32(p []byte) error {
	if err := s.WriteU32(uint32(len(p))); err != nil {
		return err
	}

	return s.writeRaw(p)
}

// --- read primitives -----------------------------------------------------

func (s *Stream) readRaw(n int) ([]byte, error) {
	if err := s.Err(); err != nil {
		return nil, err
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(s.r, buf); err != nil {
		return nil, s.latch(NewError("read", KindIO, err))
	}

	return buf, nil
}

// ReadU8 reads a single byte.
func (s *Stream) ReadU8() (uint8, error) {
	b, err := s.readRaw(1)
	if err != nil {
		return 0, err
	}

	return b[0], nil
}

// ReadU16 reads a big-endian uint16.
func (s *Stream) ReadU16() (uint16, error) {
	b, err := s.readRaw(2)
	if err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint16(b), nil
}

// ReadU32 reads a big-endian uint32.
func (s *Stream) ReadU32() (uint32, error) {
	b, err := s.readRaw(4)
	if err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint32(b), nil
}

// ReadU64 reads a big-endian uint64.
func (s *Stream) ReadU64() (uint64, error) {
	b, err := s.readRaw(8)
	if err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint64(b), nil
}

// ReadBuf reads exactly n raw bytes.
func (s *Stream) ReadBuf(n int) ([]byte, error) { return s.readRaw(n) }

// ReadStr reads a 1-byte-length-prefixed string.
func (s *Stream) ReadStr() (string, error) {
	n, err := s.ReadU8()
	if err != nil {
		return "", err
	}

	b, err := s.readRaw(int(n))
	if err != nil {
		return "", err
	}

	return string(b), nil
}

// ReadBuf32 reads a 4-byte-length-prefixed buffer.
func (s *Stream) ReadBuf32() ([]byte, error) {
	n, err := s.ReadU32()
	if err != nil {
		return nil, err
	}

	return s.readRaw(int(n))
}
