package postcopy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/vmshift/vmshift/metrics"
	"github.com/vmshift/vmshift/migration"
)

// sourceTargetPageBits is hard-coded to 12 (4 KiB pages) pending negotiation
// during ADVISE; recorded as an open question in §9 and resolved for now in
// DESIGN.md.
const sourceTargetPageBits = 12

var errEndBadStatus = errors.New("postcopy END reported a non-zero status")

// Destination drives the destination-side postcopy state machine of §4.7.
// It implements migration.CommandHandler so a Loader can dispatch postcopy
// commands to it directly.
type Destination struct {
	backend HostBackend
	rp      *migration.ReturnPath
	resume  func(autostart bool) error

	mu     sync.Mutex
	state  IncomingState
	blocks []RAMBlock

	quit   chan struct{}
	faults chan Fault

	faultMu       sync.Mutex
	lastRequested string

	// Metrics, if non-nil, is incremented as faults arrive. Optional; the
	// wire protocol's behavior never depends on it (§4.11).
	Metrics *metrics.Metrics
}

// NewDestination returns a Destination over backend, ready to register
// blocks and dispatch postcopy commands. rp is the return path used to send
// request-pages messages back to the source; resume is called on RUN (may
// be nil, meaning the guest is left paused).
func NewDestination(backend HostBackend, blocks []RAMBlock, rp *migration.ReturnPath, resume func(autostart bool) error) *Destination {
	return &Destination{backend: backend, rp: rp, resume: resume, blocks: blocks}
}

// State returns the current IncomingState.
func (d *Destination) State() IncomingState {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.state
}

// HandleCommand implements migration.CommandHandler, dispatching postcopy
// commands through the §4.7 state machine. Any command illegal in the
// current state fails with KindProtocolViolation. CmdOpenRP is outside the
// postcopy state machine entirely (§4.3: it governs the return path for the
// whole session, not just postcopy) and is accepted as a no-op regardless of
// state; the return path's actual transport is established out of band by
// the session layer (session.Source.RunPostcopy / cmd/vmshiftd), not by this
// handler.
func (d *Destination) HandleCommand(cmd migration.Command, payload []byte) (quitLoop, quitParent bool, err error) {
	if cmd == migration.CmdOpenRP {
		return false, false, nil
	}

	d.mu.Lock()
	cur := d.state
	to, ok := next(cur, cmd)
	d.mu.Unlock()

	if !ok {
		return false, false, migration.NewError("HandleCommand", migration.KindProtocolViolation,
			fmt.Errorf("%s not valid in state %s", cmd, cur))
	}

	switch cmd {
	case migration.CmdPostcopyAdvise:
		err = d.onAdvise()
	case migration.CmdPostcopyDiscard:
		err = d.onDiscard(payload)
	case migration.CmdPostcopyListen:
		err = d.onListen()
	case migration.CmdPostcopyRun:
		err = d.onRun()
	case migration.CmdPostcopyEnd:
		err = d.onEnd(payload)
	default:
		return false, false, nil
	}

	if err != nil {
		return false, false, err
	}

	d.mu.Lock()
	d.state = to
	d.mu.Unlock()

	return false, false, nil
}

// onAdvise runs §4.7's ADVISE handler: capability check, then per block
// discard existing contents and force standard-sized pages.
func (d *Destination) onAdvise() error {
	if err := d.backend.CheckCapability(sourceTargetPageBits); err != nil {
		return migration.NewError("onAdvise", migration.KindHostUnsupported, err)
	}

	for _, b := range d.blocks {
		if err := d.backend.DiscardBlock(b); err != nil {
			return migration.NewError("onAdvise", migration.KindIO, err)
		}

		if err := d.backend.ForceStandardPages(b); err != nil {
			return migration.NewError("onAdvise", migration.KindIO, err)
		}
	}

	return nil
}

// onDiscard decodes and applies one DISCARD command (§4.6, §4.7).
func (d *Destination) onDiscard(payload []byte) error {
	msg, err := DecodeDiscard(payload)
	if err != nil {
		return migration.NewError("onDiscard", migration.KindProtocolViolation, err)
	}

	block, ok := d.findBlock(msg.BlockName)
	if !ok {
		return migration.NewError("onDiscard", migration.KindUnknownSection, fmt.Errorf("block %q", msg.BlockName))
	}

	for i, pair := range msg.Pairs {
		firstBitOffset := int64(0)
		if i == 0 {
			firstBitOffset = int64(msg.FirstBitOffset)
		}

		for bit := 0; bit < 64; bit++ {
			if pair.Mask&(uint64(1)<<uint(bit)) == 0 {
				continue
			}

			pageIndex := int64(pair.StartWord)*64 + int64(bit) - firstBitOffset
			if pageIndex < 0 {
				continue
			}

			hostAddr := block.HostAddr + uint64(pageIndex)<<sourceTargetPageBits
			if err := d.backend.DiscardRange(hostAddr, 1<<sourceTargetPageBits); err != nil {
				return migration.NewError("onDiscard", migration.KindIO, err)
			}
		}
	}

	return nil
}

// onListen opens the user-fault channel, registers every block, and spawns
// the fault thread (§4.7 LISTEN).
func (d *Destination) onListen() error {
	if err := d.backend.OpenChannel(); err != nil {
		return migration.NewError("onListen", migration.KindIO, err)
	}

	for _, b := range d.blocks {
		if err := d.backend.RegisterBlock(b); err != nil {
			return migration.NewError("onListen", migration.KindIO, err)
		}
	}

	d.quit = make(chan struct{})
	d.faults = make(chan Fault, 64)

	if err := d.backend.StartFaultThread(d.faults, d.quit); err != nil {
		return migration.NewError("onListen", migration.KindIO, err)
	}

	go d.pumpFaults()

	return nil
}

// pumpFaults resolves each fault to a (block, offset) pair and requests the
// missing page on the return path, eliding the block name when it repeats
// the previous request (§4.7 "Fault thread"). A fault that arrives with no
// return path wired (d.rp == nil) is counted and dropped rather than
// dereferenced, since a caller that enables postcopy without wiring a
// return path has no channel to request pages on anyway.
func (d *Destination) pumpFaults() {
	for f := range d.faults {
		if d.Metrics != nil {
			d.Metrics.PostcopyFaults.Inc()
		}

		if d.rp == nil {
			continue
		}

		block, offset, ok := d.resolve(f.HostAddr)
		if !ok {
			continue
		}

		d.faultMu.Lock()
		last := d.lastRequested
		d.lastRequested = block
		d.faultMu.Unlock()

		if err := d.rp.SendRequestPages(block, offset, 1<<sourceTargetPageBits, last); err != nil {
			return
		}
	}
}

func (d *Destination) resolve(hostAddr uint64) (block string, offset uint64, ok bool) {
	for _, b := range d.blocks {
		if b.contains(hostAddr) {
			return b.Name, hostAddr - b.HostAddr, true
		}
	}

	return "", 0, false
}

// onRun resumes the guest and transitions to RUNNING (§4.7 RUN).
func (d *Destination) onRun() error {
	if d.resume == nil {
		return nil
	}

	if err := d.resume(true); err != nil {
		return migration.NewError("onRun", migration.KindIO, err)
	}

	return nil
}

// onEnd validates the status byte and tears everything down (§4.7 END).
// Byte zero means success; non-zero surfaces a fatal error, per the
// open-question resolution recorded in DESIGN.md.
func (d *Destination) onEnd(payload []byte) error {
	if len(payload) != 1 {
		return migration.NewError("onEnd", migration.KindProtocolViolation, errors.New("END payload must be one status byte"))
	}

	status := payload[0]

	if d.quit != nil {
		close(d.quit)
	}

	if d.faults != nil {
		close(d.faults)
	}

	if err := d.backend.Close(); err != nil {
		return migration.NewError("onEnd", migration.KindIO, err)
	}

	if status != 0 {
		return migration.NewError("onEnd", migration.KindIO, fmt.Errorf("%w: status=%d", errEndBadStatus, status))
	}

	return nil
}

// PlacePage delegates to the backend's atomic placement primitive, for the
// RAM pipeline (outside this package, per §2) to call once it has fetched
// the page the fault thread requested.
func (d *Destination) PlacePage(hostAddr uint64, data []byte, allZero bool) error {
	if err := d.backend.Place(hostAddr, data, allZero); err != nil {
		return migration.NewError("PlacePage", migration.KindIO, err)
	}

	return nil
}

func (d *Destination) findBlock(name string) (RAMBlock, bool) {
	for _, b := range d.blocks {
		if b.Name == name {
			return b, true
		}
	}

	return RAMBlock{}, false
}
