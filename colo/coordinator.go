package colo

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/vmshift/vmshift/migration"
)

// Hooks are the guest/hypervisor operations the coordinator and secondary
// drive during a checkpoint transaction. A real binding fills these with
// calls into its VM control plane (vCPU stop/resume, device serialization);
// tests supply fakes.
type Hooks struct {
	StopVM   func() error
	ResumeVM func() error

	// BlockCheckpoint is the per-round block-level checkpoint. The
	// coordinator calls it after the secondary has sent VMSTATE_LOADED and
	// before resuming; the secondary calls it after applying device state
	// and sending VMSTATE_LOADED.
	BlockCheckpoint func() error

	// SerializeDevices writes full-machine device state (everything
	// savevm/loadvm would checkpoint) into w, for shipping as the VMSTATE
	// blob of a checkpoint transaction.
	SerializeDevices func(w *migration.Stream) error

	// ApplyDevices is the secondary-side counterpart of SerializeDevices.
	ApplyDevices func(r *migration.Stream) error

	// StopReplication tears down the underlying disk/network mirroring
	// when a COLO session ends.
	StopReplication func() error

	// Shutdown is invoked on the secondary when GUEST_SHUTDOWN arrives.
	Shutdown func() error
}

// Coordinator drives the primary side of a COLO session: it periodically
// stops the guest, ships a checkpoint, and resumes once the secondary has
// acknowledged it (§4.8).
type Coordinator struct {
	s        *migration.Stream
	failover *FailoverController
	hooks    Hooks

	// CheckpointInterval is the delay between the end of one checkpoint
	// transaction and the start of the next.
	CheckpointInterval time.Duration
}

// NewCoordinator builds a primary-side COLO coordinator driving checkpoint
// transactions over s.
func NewCoordinator(s *migration.Stream, failover *FailoverController, hooks Hooks) *Coordinator {
	return &Coordinator{s: s, failover: failover, hooks: hooks, CheckpointInterval: 100 * time.Millisecond}
}

// errShutdownRequested is a sentinel returned by checkpointTransaction to
// tell Run to exit its loop without treating the shutdown as a failure.
var errShutdownRequested = migration.NewError("colo", migration.KindCancelled, nil)

// Run drives checkpoint transactions until a shutdown is requested or a
// transaction fails, and returns the failing step's error (nil on a clean
// shutdown).
func (c *Coordinator) Run() error {
	if err := c.awaitCheckpointReady(); err != nil {
		return err
	}

	var buf bytes.Buffer

	for {
		err := c.checkpointTransaction(&buf)
		if err == errShutdownRequested {
			return nil
		}

		if err != nil {
			return err
		}

		time.Sleep(c.CheckpointInterval)
	}
}

// awaitCheckpointReady blocks for the secondary's CHECKPOINT_READY
// announcement before the first transaction begins (§4.8 step 2).
func (c *Coordinator) awaitCheckpointReady() error {
	ch, err := readCommand(c.s)
	if err != nil {
		return err
	}

	if ch.Cmd != migration.CmdCheckpointReady {
		return migration.NewError("awaitCheckpointReady", migration.KindProtocolViolation, nil)
	}

	return nil
}

// checkpointTransaction runs one full stop/diff/ship/ack/resume cycle, per
// §4.8's ordered step list. buf is reused across calls as scratch space for
// the serialized VMSTATE blob.
func (c *Coordinator) checkpointTransaction(buf *bytes.Buffer) error {
	if err := migration.SendCommand(c.s, migration.CmdCheckpointRequest, nil); err != nil {
		return err
	}

	if err := c.hooks.StopVM(); err != nil {
		return err
	}

	shutdown := c.failover.ConsumePendingShutdown()

	buf.Reset()
	bufStream := migration.NewWriteStream(buf)

	if err := migration.SendCommand(c.s, migration.CmdVMStateSend, nil); err != nil {
		return err
	}

	if err := c.hooks.SerializeDevices(bufStream); err != nil {
		return err
	}

	if err := bufStream.Flush(); err != nil {
		return err
	}

	sizePayload := make([]byte, 8)
	binary.BigEndian.PutUint64(sizePayload, uint64(buf.Len()))

	if err := migration.SendCommand(c.s, migration.CmdVMStateSize, sizePayload); err != nil {
		return err
	}

	if err := c.s.WriteBuf(buf.Bytes()); err != nil {
		return err
	}

	if err := c.s.Flush(); err != nil {
		return err
	}

	if err := c.awaitCommand(migration.CmdVMStateReceived); err != nil {
		return err
	}

	if err := c.awaitCommand(migration.CmdVMStateLoaded); err != nil {
		return err
	}

	if err := c.hooks.BlockCheckpoint(); err != nil {
		return err
	}

	if shutdown {
		if c.hooks.StopReplication != nil {
			if err := c.hooks.StopReplication(); err != nil {
				return err
			}
		}

		if err := migration.SendCommand(c.s, migration.CmdGuestShutdown, nil); err != nil {
			return err
		}

		return errShutdownRequested
	}

	return c.hooks.ResumeVM()
}

func (c *Coordinator) awaitCommand(want migration.Command) error {
	ch, err := readCommand(c.s)
	if err != nil {
		return err
	}

	if ch.Cmd != want {
		return migration.NewError("awaitCommand", migration.KindProtocolViolation, nil)
	}

	return nil
}

// readCommand reads the next COMMAND section off s, skipping the
// SECTION_CMD tag byte dispatch that a full Loader would otherwise perform;
// COLO's command channel carries nothing else once the session is
// established.
func readCommand(s *migration.Stream) (migration.CommandHeader, error) {
	tag, err := s.ReadU8()
	if err != nil {
		return migration.CommandHeader{}, err
	}

	if migration.SectionType(tag) != migration.SectionCmd {
		return migration.CommandHeader{}, migration.NewError("readCommand", migration.KindFormat, nil)
	}

	return migration.ReadCommand(s)
}
