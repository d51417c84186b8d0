package migration

import (
	"errors"
)

// MigrationParams carries the blk/shared flags QEMU's real
// qemu_savevm_state_begin passes to every entry before the begin phase
// (§4.4 step 1). Neither flag is interpreted by the core; they are passed
// through to whichever entry hook cares.
type MigrationParams struct {
	Blk    bool
	Shared bool
}

// iterState tracks one entry's progress through the iterate phase (§4.4
// step 4) across repeated calls to IteratePass.
type iterState struct {
	entry *Entry
	done  bool
}

// Saver drives the savevm state machine (§4.4): begin, iterate*, complete,
// with rate limiting and a postcopy split.
type Saver struct {
	reg      *Registry
	rl       *RateLimiter
	postcopy bool

	iter       []*iterState
	cancelled  bool
	sawPostErr bool
}

// iterateCost is the fixed per-attempt token cost charged against the rate
// limiter for each live_iterate call. The spec requires only that the
// limiter be able to deny further writes, not that it account exact wire
// bytes (which are unknown until the hook has already written them); a
// fixed cost per attempt keeps the limiter's accounting independent of any
// one entry's blob size.
const iterateCost = 4096

var (
	errHookFailed   = errors.New("state entry hook returned an error")
	errAlreadyBegun = errors.New("Begin called twice on the same Saver")
)

// NewSaver returns a Saver over reg. rl may be nil to disable rate limiting.
// postcopy selects whether §4.4 step 5's postcopy split applies.
func NewSaver(reg *Registry, rl *RateLimiter, postcopy bool) *Saver {
	return &Saver{reg: reg, rl: rl, postcopy: postcopy}
}

// Begin runs §4.4 steps 1–3: notify params, write the file header, and run
// the begin phase over every entry with a LiveSetup hook, in registry
// order.
func (sv *Saver) Begin(s *Stream, params MigrationParams) error {
	if sv.iter != nil {
		return NewError("Begin", KindProtocolViolation, errAlreadyBegun)
	}

	entries := sv.reg.Entries()

	for _, e := range entries {
		if e.CB.SetParams != nil {
			e.CB.SetParams(e.Opaque, params)
		}
	}

	if err := WriteHeader(s); err != nil {
		return err
	}

	for _, e := range entries {
		if e.CB.LiveSetup == nil {
			continue
		}

		if err := WriteFullHeader(s, SectionStart, FullHeader{
			SectionID:  e.SectionID,
			IDStr:      e.IDStr,
			InstanceID: uint32(e.InstanceID),
			VersionID:  e.VersionID,
		}); err != nil {
			return err
		}

		if err := e.CB.LiveSetup(s, e.Opaque); err != nil {
			s.latch(NewError("Begin", KindIO, err))

			return sv.cancelAnd(err)
		}
	}

	for _, e := range entries {
		if e.CB.LiveIterate != nil {
			sv.iter = append(sv.iter, &iterState{entry: e})
		}
	}

	return s.Flush()
}

// IteratePass runs one pass of §4.4 step 4 over every not-yet-done entry.
// Within the pass, an entry that reports "not done" is called again
// immediately (never skipped past) until it reports done or the rate
// limiter denies the next attempt, at which point the whole pass returns
// with allDone=false so the caller can retry later. allDone=true means
// every entry reported done during this pass; the iterate phase is over.
func (sv *Saver) IteratePass(s *Stream) (allDone bool, err error) {
	allDone = true

	for _, st := range sv.iter {
		if st.done {
			continue
		}

		for {
			if !sv.rl.Allow(iterateCost) {
				return false, nil
			}

			if err := WritePartHeader(s, SectionPart, st.entry.SectionID); err != nil {
				return false, err
			}

			done, err := st.entry.CB.LiveIterate(s, st.entry.Opaque)
			if err != nil {
				s.latch(NewError("IteratePass", KindIO, err))

				return false, sv.cancelAnd(err)
			}

			if done {
				st.done = true

				break
			}
		}
	}

	if err := s.Flush(); err != nil {
		return false, err
	}

	if !allDone {
		return false, nil
	}

	for _, st := range sv.iter {
		if !st.done {
			allDone = false
		}
	}

	return allDone, nil
}

// Complete runs §4.4 step 5: cpu-sync callback, live_complete for every
// entry that has one (emitting SECTION_END), then SECTION_FULL for every
// entry with a legacy save_state callback or a Schema, and finally EOF
// unless the session is postcopy. syncCPU is called with the global lock
// already expected to be held by the caller, per §5.
func (sv *Saver) Complete(s *Stream, syncCPU func() error) error {
	if syncCPU != nil {
		if err := syncCPU(); err != nil {
			return sv.cancelAnd(err)
		}
	}

	entries := sv.reg.Entries()

	for _, e := range entries {
		if e.CB.LiveComplete == nil {
			continue
		}

		if sv.postcopy && e.CB.PostcopiableLive {
			continue
		}

		if err := WritePartHeader(s, SectionEnd, e.SectionID); err != nil {
			return err
		}

		if err := e.CB.LiveComplete(s, e.Opaque); err != nil {
			s.latch(NewError("Complete", KindIO, err))

			return sv.cancelAnd(err)
		}
	}

	for _, e := range entries {
		hasFull := (e.Legacy && e.CB.Save != nil) || (!e.Legacy && e.SD.Walk != nil)
		if !hasFull {
			continue
		}

		if sv.postcopy && e.CB.PostcopiableLive {
			continue
		}

		if err := WriteFullHeader(s, SectionFull, FullHeader{
			SectionID:  e.SectionID,
			IDStr:      e.IDStr,
			InstanceID: uint32(e.InstanceID),
			VersionID:  e.VersionID,
		}); err != nil {
			return err
		}

		var err error
		if e.Legacy {
			err = e.CB.Save(s, e.Opaque)
		} else {
			err = e.SD.Walk(s, e.Opaque, e.VersionID, false)
		}

		if err != nil {
			s.latch(NewError("Complete", KindIO, err))

			return sv.cancelAnd(err)
		}
	}

	if sv.postcopy {
		return s.Flush()
	}

	if err := WriteEOF(s); err != nil {
		return err
	}

	return s.Flush()
}

// CompletePostcopiable emits the SECTION_END/SECTION_FULL data for entries
// that were skipped by Complete because they declared PostcopiableLive,
// called after the postcopy flip per §4.6 step 3 ("the postcopy-specific
// device completions").
func (sv *Saver) CompletePostcopiable(s *Stream) error {
	entries := sv.reg.Entries()

	for _, e := range entries {
		if !e.CB.PostcopiableLive {
			continue
		}

		if e.CB.LiveComplete != nil {
			if err := WritePartHeader(s, SectionEnd, e.SectionID); err != nil {
				return err
			}

			if err := e.CB.LiveComplete(s, e.Opaque); err != nil {
				s.latch(NewError("CompletePostcopiable", KindIO, err))

				return sv.cancelAnd(err)
			}
		}

		hasFull := (e.Legacy && e.CB.Save != nil) || (!e.Legacy && e.SD.Walk != nil)
		if !hasFull {
			continue
		}

		if err := WriteFullHeader(s, SectionFull, FullHeader{
			SectionID:  e.SectionID,
			IDStr:      e.IDStr,
			InstanceID: uint32(e.InstanceID),
			VersionID:  e.VersionID,
		}); err != nil {
			return err
		}

		var err error
		if e.Legacy {
			err = e.CB.Save(s, e.Opaque)
		} else {
			err = e.SD.Walk(s, e.Opaque, e.VersionID, false)
		}

		if err != nil {
			s.latch(NewError("CompletePostcopiable", KindIO, err))

			return sv.cancelAnd(err)
		}
	}

	if err := WriteEOF(s); err != nil {
		return err
	}

	return s.Flush()
}

// Pending returns a split estimate of remaining bytes, used by the caller
// to decide when to schedule the postcopy flip point (§4.4 step 6). maxSize
// bounds the accounting effort: entries stop being asked once the running
// total reaches maxSize.
func (sv *Saver) Pending(maxSize uint64) (nonPostcopiable, postcopiable uint64) {
	entries := sv.reg.Entries()

	for _, e := range entries {
		if e.CB.Pending == nil {
			continue
		}

		if nonPostcopiable+postcopiable >= maxSize {
			break
		}

		n, p := e.CB.Pending(e.Opaque)

		if e.CB.PostcopiableLive {
			postcopiable += n + p
		} else {
			nonPostcopiable += n + p
		}
	}

	return nonPostcopiable, postcopiable
}

// Cancel fans out to every entry's cancel hook (§4.4 step 7, §5
// cancellation). It is idempotent.
func (sv *Saver) Cancel() {
	if sv.cancelled {
		return
	}

	sv.cancelled = true

	for _, e := range sv.reg.Entries() {
		if e.CB.Cancel != nil {
			e.CB.Cancel(e.Opaque)
		}
	}
}

// cancelAnd invokes Cancel and returns a wrapped error combining it with
// err, mirroring "cancel() is invoked once on the way out" (§4.4 Errors).
func (sv *Saver) cancelAnd(err error) error {
	sv.Cancel()

	if err == nil {
		return nil
	}

	return NewError("Saver", KindIO, errors.Join(errHookFailed, err))
}
