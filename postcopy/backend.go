package postcopy

// RAMBlock is the destination-side view of a guest RAM region (§3 "RAM
// Block"): a name, a host virtual address range, and the implicit
// invariant that every guest-physical address maps to exactly one block.
type RAMBlock struct {
	Name     string
	HostAddr uint64
	Length   uint64
}

// contains reports whether hostAddr falls within this block.
func (b RAMBlock) contains(hostAddr uint64) bool {
	return hostAddr >= b.HostAddr && hostAddr < b.HostAddr+b.Length
}

// Fault is one page-fault notification surfaced by a HostBackend's fault
// thread (§4.7 "Fault thread").
type Fault struct {
	HostAddr uint64
}

// HostBackend abstracts the kernel-specific user-fault mechanism so the
// state machine in destination.go stays portable; destination_linux.go
// implements it over userfaultfd, destination_other.go stubs it out with an
// error on every call except Close.
type HostBackend interface {
	// CheckCapability verifies the host can support postcopy at the given
	// target page size (§4.7: "target page size <= host page size; kernel
	// user-fault API supports REGISTER/UNREGISTER and WAKE/COPY/ZEROPAGE").
	CheckCapability(targetPageBits uint) error

	// DiscardBlock releases the block's pages back to the OS, preparing it
	// for postcopy placement (§4.7 ADVISE step a).
	DiscardBlock(block RAMBlock) error

	// ForceStandardPages forces the block onto standard-sized pages so
	// placement is atomic (§4.7 ADVISE step b).
	ForceStandardPages(block RAMBlock) error

	// OpenChannel opens the kernel user-fault channel (§4.7 LISTEN).
	OpenChannel() error

	// RegisterBlock registers a block for missing-page notification on the
	// channel opened by OpenChannel.
	RegisterBlock(block RAMBlock) error

	// DiscardRange releases length bytes at hostAddr back to the OS. This is
	// the RAM subsystem's eviction action backing a decoded DISCARD command
	// (§4.6, §4.7 "On DISCARD: decode ... and discard the referenced
	// pages").
	DiscardRange(hostAddr, length uint64) error

	// StartFaultThread spawns the fault-handling thread, which must send a
	// Fault on faults for every notified address and exit promptly once
	// quit is closed (§5 "signal the eventfd, then join").
	StartFaultThread(faults chan<- Fault, quit <-chan struct{}) error

	// Place installs one page at hostAddr: a zero page when allZero, else a
	// copy of data (§4.7 "Atomic placement").
	Place(hostAddr uint64, data []byte, allZero bool) error

	// Close tears down the channel and any registered blocks.
	Close() error
}
