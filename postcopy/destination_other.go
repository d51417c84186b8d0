//go:build !linux

package postcopy

import "errors"

// errNoUserfault is returned by every operation of the non-Linux stub
// backend except Close, which returns nil, per §9: "on platforms without a user-fault-style kernel
// interface, the postcopy destination component must return
// HOST_UNSUPPORTED from its capability check." A portable mapped-file-signal
// fallback is explicitly out of scope.
var errNoUserfault = errors.New("postcopy destination requires a Linux userfaultfd-capable host")

type unsupportedBackend struct{}

// NewHostBackend returns a HostBackend stub for hosts without userfaultfd;
// CheckCapability always fails, so Destination.HandleCommand never reaches
// the other methods in practice.
func NewHostBackend() HostBackend { return unsupportedBackend{} }

func (unsupportedBackend) CheckCapability(uint) error         { return errNoUserfault }
func (unsupportedBackend) DiscardBlock(RAMBlock) error         { return errNoUserfault }
func (unsupportedBackend) DiscardRange(uint64, uint64) error   { return errNoUserfault }
func (unsupportedBackend) ForceStandardPages(RAMBlock) error   { return errNoUserfault }
func (unsupportedBackend) OpenChannel() error                  { return errNoUserfault }
func (unsupportedBackend) RegisterBlock(RAMBlock) error        { return errNoUserfault }
func (unsupportedBackend) StartFaultThread(chan<- Fault, <-chan struct{}) error {
	return errNoUserfault
}
func (unsupportedBackend) Place(uint64, []byte, bool) error { return errNoUserfault }
func (unsupportedBackend) Close() error                     { return nil }
