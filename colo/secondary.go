package colo

import (
	"bytes"
	"encoding/binary"

	"github.com/vmshift/vmshift/migration"
)

// Secondary mirrors the primary side's checkpoint transactions: it stays
// paused between checkpoints, applies each incoming VMSTATE blob, and
// acknowledges it before resuming (§4.8).
type Secondary struct {
	s        *migration.Stream
	failover *FailoverController
	hooks    Hooks
}

// NewSecondary builds a secondary-side COLO mirror reading checkpoint
// transactions off s.
func NewSecondary(s *migration.Stream, failover *FailoverController, hooks Hooks) *Secondary {
	return &Secondary{s: s, failover: failover, hooks: hooks}
}

// Run announces readiness and then mirrors checkpoint transactions until
// GUEST_SHUTDOWN arrives or a transaction fails.
func (sec *Secondary) Run() error {
	if err := migration.SendCommand(sec.s, migration.CmdCheckpointReady, nil); err != nil {
		return err
	}

	for {
		ch, err := readCommand(sec.s)
		if err != nil {
			return err
		}

		switch ch.Cmd {
		case migration.CmdCheckpointRequest:
			if err := sec.handleCheckpoint(); err != nil {
				return err
			}
		case migration.CmdGuestShutdown:
			if sec.hooks.Shutdown != nil {
				return sec.hooks.Shutdown()
			}

			return nil
		default:
			return migration.NewError("Secondary.Run", migration.KindProtocolViolation, nil)
		}
	}
}

// handleCheckpoint runs one secondary-side transaction: pause, receive the
// VMSTATE blob, apply it, acknowledge, and resume — deferring any failover
// request that arrives mid-load (§4.8: "vmstate_loading").
func (sec *Secondary) handleCheckpoint() error {
	if err := sec.hooks.StopVM(); err != nil {
		return err
	}

	sendCh, err := readCommand(sec.s)
	if err != nil {
		return err
	}

	if sendCh.Cmd != migration.CmdVMStateSend {
		return migration.NewError("handleCheckpoint", migration.KindProtocolViolation, nil)
	}

	sizeCh, err := readCommand(sec.s)
	if err != nil {
		return err
	}

	if sizeCh.Cmd != migration.CmdVMStateSize || len(sizeCh.Payload) != 8 {
		return migration.NewError("handleCheckpoint", migration.KindProtocolViolation, nil)
	}

	size := binary.BigEndian.Uint64(sizeCh.Payload)

	blob, err := sec.s.ReadBuf(int(size))
	if err != nil {
		return err
	}

	if err := migration.SendCommand(sec.s, migration.CmdVMStateReceived, nil); err != nil {
		return err
	}

	sec.failover.BeginLoad()

	blobStream := migration.NewReadStream(bytes.NewReader(blob))
	applyErr := sec.hooks.ApplyDevices(blobStream)

	shouldFailover := sec.failover.EndLoad()

	if applyErr != nil {
		return applyErr
	}

	if err := migration.SendCommand(sec.s, migration.CmdVMStateLoaded, nil); err != nil {
		return err
	}

	if err := sec.hooks.BlockCheckpoint(); err != nil {
		return err
	}

	if err := sec.hooks.ResumeVM(); err != nil {
		return err
	}

	if shouldFailover {
		return sec.promote()
	}

	return nil
}

// promote tears down replication once a parked failover request is acted
// on after a load completes.
func (sec *Secondary) promote() error {
	if sec.hooks.StopReplication != nil {
		return sec.hooks.StopReplication()
	}

	return nil
}
