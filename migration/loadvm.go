package migration

import (
	"bytes"
)

// LoadEntry binds an incoming section_id to the registry Entry it resolved
// to and the version_id it was declared with (§4.5). LoadEntries persist
// for the life of the Loader unless the caller calls Reset — a continuous
// replication (COLO) session deliberately does not reset between rounds,
// per §4.5's KEEPHANDLERS note.
type LoadEntry struct {
	SectionID uint32
	VersionID uint32
	Entry     *Entry
}

// CommandHandler dispatches COMMAND sections the Loader does not natively
// understand (postcopy and COLO commands live outside this package).
// quitLoop ends the current runLoop; quitParent additionally propagates one
// nesting level up, consumed by the packaged sub-stream recursion (§4.5,
// §9).
type CommandHandler interface {
	HandleCommand(cmd Command, payload []byte) (quitLoop, quitParent bool, err error)
}

// Loader drives the loadvm state machine (§4.5): parses incoming sections,
// dispatches to registered entries, and hands COMMAND sections to a
// CommandHandler.
type Loader struct {
	reg        *Registry
	loadMap    map[uint32]*LoadEntry
	cmdHandler CommandHandler
}

// NewLoader returns a Loader over reg, dispatching unrecognised commands to
// handler (may be nil if the session expects none).
func NewLoader(reg *Registry, handler CommandHandler) *Loader {
	return &Loader{reg: reg, loadMap: make(map[uint32]*LoadEntry), cmdHandler: handler}
}

// Reset drops all LoadEntries, for a fresh session that should not honor
// KEEPHANDLERS from a prior round.
func (ld *Loader) Reset() { ld.loadMap = make(map[uint32]*LoadEntry) }

// Load reads the file header and runs the main loop to completion (EOF),
// then invokes postInit if the load was clean, per §4.5 "run post-init
// hooks that synchronize CPU state".
func (ld *Loader) Load(s *Stream, postInit func() error) error {
	if err := ReadHeader(s); err != nil {
		return err
	}

	if _, err := ld.runLoop(s); err != nil {
		return err
	}

	if postInit != nil {
		return postInit()
	}

	return nil
}

// LoadBody runs the main dispatch loop to EOF without first reading a file
// header, for sessions (e.g. a COLO checkpoint's VMSTATE blob) whose
// transport framing already delimits the sub-stream so the {magic,
// version} pair the real teacher writes once per connection would be
// redundant per round.
func (ld *Loader) LoadBody(s *Stream) error {
	_, err := ld.runLoop(s)

	return err
}

// runLoop is the main dispatch loop (§4.5), assuming the file header (if
// any) has already been consumed by the caller. It is re-entered
// recursively for PACKAGED sub-streams, which carry no file header of their
// own.
func (ld *Loader) runLoop(s *Stream) (quitParent bool, err error) {
	for {
		tag, err := s.ReadU8()
		if err != nil {
			return false, err
		}

		switch SectionType(tag) {
		case SectionStart, SectionFull:
			if err := ld.handleFullHeader(s); err != nil {
				return false, err
			}

		case SectionPart, SectionEnd:
			if err := ld.handlePartHeader(s); err != nil {
				return false, err
			}

		case SectionCmd:
			quitLoop, quitParent, err := ld.handleCommand(s)
			if err != nil {
				return quitParent, err
			}

			if quitParent {
				return true, nil
			}

			if quitLoop {
				return false, nil
			}

		case SectionEOF:
			return false, nil

		default:
			return false, s.latch(NewError("runLoop", KindFormat, errSectionOpcode))
		}
	}
}

func (ld *Loader) handleFullHeader(s *Stream) error {
	h, err := ReadFullHeader(s)
	if err != nil {
		return err
	}

	entry, ok := ld.reg.Find(h.IDStr, int(h.InstanceID))
	if !ok {
		return s.latch(NewError("handleFullHeader", KindUnknownSection, nil))
	}

	if h.VersionID > entry.VersionID {
		return s.latch(NewError("handleFullHeader", KindUnsupportedVersion, nil))
	}

	le := &LoadEntry{SectionID: h.SectionID, VersionID: h.VersionID, Entry: entry}
	ld.loadMap[h.SectionID] = le

	return ld.invokeLoad(s, le)
}

func (ld *Loader) handlePartHeader(s *Stream) error {
	sectionID, err := ReadPartHeader(s)
	if err != nil {
		return err
	}

	le, ok := ld.loadMap[sectionID]
	if !ok {
		return s.latch(NewError("handlePartHeader", KindUnknownSection, nil))
	}

	return ld.invokeLoad(s, le)
}

func (ld *Loader) invokeLoad(s *Stream, le *LoadEntry) error {
	var err error

	switch {
	case le.Entry.Legacy && le.Entry.CB.Load != nil:
		err = le.Entry.CB.Load(s, le.Entry.Opaque, le.VersionID)
	case !le.Entry.Legacy && le.Entry.SD.Walk != nil:
		err = le.Entry.SD.Walk(s, le.Entry.Opaque, le.VersionID, true)
	}

	if err != nil {
		return s.latch(NewError("invokeLoad", KindIO, err))
	}

	return nil
}

// handleCommand reads one COMMAND section and dispatches it. PACKAGED is
// handled natively (§9): the declared length of raw bytes is read directly
// off s (outside command framing) and the loader recurses on a synthetic
// read-only Stream; the nested call's quitParent bit is deliberately
// dropped here rather than propagated, per §9.
func (ld *Loader) handleCommand(s *Stream) (quitLoop, quitParent bool, err error) {
	ch, err := ReadCommand(s)
	if err != nil {
		return false, false, err
	}

	if ch.Cmd == CmdPackaged {
		length, err := DecodePackagedLength(ch.Payload)
		if err != nil {
			return false, false, s.latch(NewError("handleCommand", KindProtocolViolation, err))
		}

		buf, err := s.ReadBuf(int(length))
		if err != nil {
			return false, false, err
		}

		sub := NewReadStream(bytes.NewReader(buf))
		if _, err := ld.runLoop(sub); err != nil {
			return false, false, err
		}

		return false, false, nil
	}

	if ld.cmdHandler == nil {
		return false, false, nil
	}

	return ld.cmdHandler.HandleCommand(ch.Cmd, ch.Payload)
}
