package migration

import "errors"

// Magic and version constants, fixed per §6.
const (
	// Magic is the 4-byte file magic written before any section.
	Magic uint32 = 0x5145_5646 // "QEVF"
	// Version is the current, supported stream version.
	Version uint32 = 3
	// versionCompatV2 is the obsolete compat-v2 version, recognised only
	// so it can be rejected with a distinct "obsolete format" reason.
	versionCompatV2 uint32 = 2
)

// SectionType is the one-byte tag that opens every section (§3, §6).
type SectionType uint8

const (
	SectionStart SectionType = 0x01
	SectionPart  SectionType = 0x02
	SectionEnd   SectionType = 0x03
	SectionFull  SectionType = 0x04
	SectionCmd   SectionType = 0x05
	SectionEOF   SectionType = 0x00
)

func (t SectionType) String() string {
	switch t {
	case SectionStart:
		return "START"
	case SectionPart:
		return "PART"
	case SectionEnd:
		return "END"
	case SectionFull:
		return "FULL"
	case SectionCmd:
		return "COMMAND"
	case SectionEOF:
		return "EOF"
	default:
		return "UNKNOWN"
	}
}

var (
	errIDStrTooLong  = errors.New("idstr longer than 255 bytes")
	errBadMagic      = errors.New("bad file magic")
	errBadVersion    = errors.New("unsupported stream version")
	errObsoleteV2    = errors.New("obsolete compat-v2 stream version")
	errSectionOpcode = errors.New("unrecognised section opcode")
	errCommandTooLong   = errors.New("command payload exceeds 65535 bytes")
	errPackagedLenShort = errors.New("packaged length payload must be exactly 4 bytes")
)

// WriteHeader writes the file header {magic, version} (§6). Must be called
// once, before any section.
func WriteHeader(s *Stream) error {
	if err := s.WriteU32(Magic); err != nil {
		return err
	}

	return s.WriteU32(Version)
}

// ReadHeader reads and validates the file header, returning KindFormat on a
// magic mismatch and KindUnsupportedVersion (with a distinct wrapped cause)
// on an unrecognised or obsolete version.
func ReadHeader(s *Stream) error {
	magic, err := s.ReadU32()
	if err != nil {
		return err
	}

	if magic != Magic {
		return s.latch(NewError("ReadHeader", KindFormat, errBadMagic))
	}

	version, err := s.ReadU32()
	if err != nil {
		return err
	}

	switch version {
	case Version:
		return nil
	case versionCompatV2:
		return s.latch(NewError("ReadHeader", KindUnsupportedVersion, errObsoleteV2))
	default:
		return s.latch(NewError("ReadHeader", KindUnsupportedVersion, errBadVersion))
	}
}

// FullHeader is the {section_id, idstr, instance_id, version_id} header
// carried by SECTION_START and SECTION_FULL (§6 full-header).
type FullHeader struct {
	SectionID  uint32
	IDStr      string
	InstanceID uint32
	VersionID  uint32
}

// WriteFullHeader writes the section type tag followed by a full-header.
func WriteFullHeader(s *Stream, tag SectionType, h FullHeader) error {
	if err := s.WriteU8(uint8(tag)); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.SectionsWritten.WithLabelValues(tag.String()).Inc()
	}

	if err := s.WriteU32(h.SectionID); err != nil {
		return err
	}

	if err := s.WriteStr(h.IDStr); err != nil {
		return err
	}

	if err := s.WriteU32(h.InstanceID); err != nil {
		return err
	}

	return s.WriteU32(h.VersionID)
}

// ReadFullHeader reads a full-header (the tag byte has already been
// consumed by the caller's dispatch loop).
func ReadFullHeader(s *Stream) (FullHeader, error) {
	var h FullHeader

	sectionID, err := s.ReadU32()
	if err != nil {
		return h, err
	}

	idstr, err := s.ReadStr()
	if err != nil {
		return h, err
	}

	instanceID, err := s.ReadU32()
	if err != nil {
		return h, err
	}

	versionID, err := s.ReadU32()
	if err != nil {
		return h, err
	}

	h.SectionID, h.IDStr, h.InstanceID, h.VersionID = sectionID, idstr, instanceID, versionID

	return h, nil
}

// WritePartHeader writes the section type tag followed by a part-header
// {section_id}, used by SECTION_PART and SECTION_END.
func WritePartHeader(s *Stream, tag SectionType, sectionID uint32) error {
	if err := s.WriteU8(uint8(tag)); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.SectionsWritten.WithLabelValues(tag.String()).Inc()
	}

	return s.WriteU32(sectionID)
}

// ReadPartHeader reads a part-header's section_id (the tag byte has already
// been consumed).
func ReadPartHeader(s *Stream) (uint32, error) { return s.ReadU32() }

// WriteEOF writes the EOF marker that terminates a precopy stream.
func WriteEOF(s *Stream) error { return s.WriteU8(uint8(SectionEOF)) }
