package postcopy

import (
	"errors"

	"github.com/vmshift/vmshift/metrics"
	"github.com/vmshift/vmshift/migration"
)

// Source drives the source-side postcopy protocol order of §4.6:
// ADVISE, precopy RAM (external to this package), then at the flip point
// DISCARD*, LISTEN, the postcopy-specific device completions, RUN, on-demand
// pages interleaved with further DISCARDs, and finally END(status).
type Source struct {
	s *migration.Stream

	batch *Batch

	advised bool
	flipped bool
	ended   bool

	// Metrics, if non-nil, is incremented as discard batches flush.
	// Optional; the wire protocol's behavior never depends on it (§4.11).
	Metrics *metrics.Metrics

	// MaxBatchPairs overrides maxPairsPerBatch when positive, derived from
	// config.Config.DiscardScratchSize (§4.13) so an operator can trade
	// scratch memory for fewer, larger DISCARD commands.
	MaxBatchPairs int
}

func (src *Source) maxBatchPairs() int {
	if src.MaxBatchPairs > 0 {
		return src.MaxBatchPairs
	}

	return maxPairsPerBatch
}

var (
	errAdviseTwice     = errors.New("ADVISE already sent")
	errFlipBeforeAdvise = errors.New("flip sequence started before ADVISE")
	errEndTwice        = errors.New("END already sent")
)

// NewSource returns a Source that writes postcopy commands onto s, which
// must be the same Stream the savevm state machine is writing sections to
// (§2: "C6 and C7 ride on C3 for control").
func NewSource(s *migration.Stream) *Source { return &Source{s: s} }

// Advise sends the ADVISE command. It must be called exactly once, before
// any RAM data (§4.6 step 1).
func (src *Source) Advise() error {
	if src.advised {
		return migration.NewError("Advise", migration.KindProtocolViolation, errAdviseTwice)
	}

	src.advised = true

	return migration.SendCommand(src.s, migration.CmdPostcopyAdvise, nil)
}

// Listen flushes any pending discard batch and sends LISTEN, beginning the
// flip sequence of §4.6 step 3. Callers complete non-postcopiable devices
// (via migration.Saver.Complete) before calling Listen, and postcopiable
// devices (via migration.Saver.CompletePostcopiable) after it returns.
func (src *Source) Listen() error {
	if !src.advised {
		return migration.NewError("Listen", migration.KindProtocolViolation, errFlipBeforeAdvise)
	}

	if err := src.DiscardFinish(); err != nil {
		return err
	}

	src.flipped = true

	return migration.SendCommand(src.s, migration.CmdPostcopyListen, nil)
}

// Run sends RUN, telling the destination to resume the guest.
func (src *Source) Run() error {
	return migration.SendCommand(src.s, migration.CmdPostcopyRun, nil)
}

// End sends the final END(status) command and marks the session terminated.
// status 0 means success; any other value is a failure reason byte, per the
// open question recorded in §9 and resolved in DESIGN.md.
func (src *Source) End(status uint8) error {
	if src.ended {
		return migration.NewError("End", migration.KindProtocolViolation, errEndTwice)
	}

	src.ended = true

	return migration.SendCommand(src.s, migration.CmdPostcopyEnd, []byte{status})
}
