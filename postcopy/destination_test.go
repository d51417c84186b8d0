package postcopy

import (
	"testing"

	"github.com/vmshift/vmshift/migration"
)

// fakeBackend is an in-memory HostBackend for exercising Destination without
// a real kernel userfaultfd.
type fakeBackend struct {
	capabilityErr error
	discarded     []uint64 // host addresses discarded via DiscardRange
	registered    []RAMBlock
	closed        bool
}

func (b *fakeBackend) CheckCapability(uint) error { return b.capabilityErr }
func (b *fakeBackend) DiscardBlock(RAMBlock) error { return nil }

func (b *fakeBackend) DiscardRange(hostAddr, _ uint64) error {
	b.discarded = append(b.discarded, hostAddr)

	return nil
}

func (b *fakeBackend) ForceStandardPages(RAMBlock) error { return nil }
func (b *fakeBackend) OpenChannel() error                { return nil }

func (b *fakeBackend) RegisterBlock(block RAMBlock) error {
	b.registered = append(b.registered, block)

	return nil
}

func (b *fakeBackend) StartFaultThread(chan<- Fault, <-chan struct{}) error { return nil }
func (b *fakeBackend) Place(uint64, []byte, bool) error                    { return nil }

func (b *fakeBackend) Close() error {
	b.closed = true

	return nil
}

func TestDestinationRejectsListenBeforeAdvise(t *testing.T) {
	t.Parallel()

	dest := NewDestination(&fakeBackend{}, nil, nil, nil)

	_, _, err := dest.HandleCommand(migration.CmdPostcopyListen, nil)
	if err == nil {
		t.Fatal("expected PROTOCOL_VIOLATION, got nil")
	}

	if got := migration.KindOf(err); got != migration.KindProtocolViolation {
		t.Fatalf("kind = %v, want KindProtocolViolation", got)
	}
}

func TestDestinationAdviseFailsWithoutCapability(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{capabilityErr: errTestCapability}
	dest := NewDestination(backend, nil, nil, nil)

	_, _, err := dest.HandleCommand(migration.CmdPostcopyAdvise, nil)
	if got := migration.KindOf(err); got != migration.KindHostUnsupported {
		t.Fatalf("kind = %v, want KindHostUnsupported", got)
	}
}

func TestDestinationFullSequenceReachesEnd(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	resumed := false

	dest := NewDestination(backend, []RAMBlock{{Name: "pc.ram", HostAddr: 0, Length: 4096}}, nil,
		func(autostart bool) error { resumed = true; return nil })

	for _, cmd := range []migration.Command{
		migration.CmdPostcopyAdvise, migration.CmdPostcopyListen, migration.CmdPostcopyRun,
	} {
		if _, _, err := dest.HandleCommand(cmd, nil); err != nil {
			t.Fatalf("%s: %v", cmd, err)
		}
	}

	if !resumed {
		t.Fatal("resume callback not invoked on RUN")
	}

	if _, _, err := dest.HandleCommand(migration.CmdPostcopyEnd, []byte{0}); err != nil {
		t.Fatalf("END: %v", err)
	}

	if dest.State() != StateEnd {
		t.Fatalf("state = %v, want StateEnd", dest.State())
	}

	if !backend.closed {
		t.Fatal("backend not closed on END")
	}
}

func TestDestinationEndNonZeroStatusIsError(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	dest := NewDestination(backend, nil, nil, nil)

	dest.HandleCommand(migration.CmdPostcopyAdvise, nil)
	dest.HandleCommand(migration.CmdPostcopyListen, nil)
	dest.HandleCommand(migration.CmdPostcopyRun, nil)

	_, _, err := dest.HandleCommand(migration.CmdPostcopyEnd, []byte{1})
	if err == nil {
		t.Fatal("expected error for non-zero END status")
	}
}

var errTestCapability = migration.NewError("test", migration.KindHostUnsupported, nil)
