//go:build linux

package postcopy

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// uffdio* ioctl numbers, per linux/userfaultfd.h (amd64 layout; matches the
// constants used by other host-side userfaultfd integrations in the Go
// ecosystem).
const (
	uffdioAPI       = 0xc018aa3f
	uffdioRegister  = 0xc020aa00
	uffdioUnregister = 0x8010aa01
	uffdioCopy      = 0xc028aa03
	uffdioZeropage  = 0xc020aa04
)

const (
	uffdApiFeatureMissing = 1 << 0

	uffdioRegisterModeMissing = 1 << 0

	uffdMsgSize         = 32
	uffdEventPagefault  = 0x12
)

type uffdioAPIStruct struct {
	api      uint64
	features uint64
	ioctls   uint64
}

type uffdioRange struct {
	start uint64
	len   uint64
}

type uffdioRegisterStruct struct {
	rng    uffdioRange
	mode   uint64
	ioctls uint64
}

type uffdioCopyStruct struct {
	dst  uint64
	src  uint64
	len  uint64
	mode uint64
	copy int64
}

type uffdioZeropageStruct struct {
	rng      uffdioRange
	mode     uint64
	zeropage int64
}

// userfaultBackend implements HostBackend over the Linux userfaultfd(2)
// kernel interface, grounded on the UFFDIO_COPY/UFFDIO_ZEROPAGE ioctl usage
// and fault-read loop found in comparable host-side VMM fault handlers.
type userfaultBackend struct {
	fd int

	mu      sync.Mutex
	scratch []byte
}

// NewHostBackend returns the Linux userfaultfd-backed HostBackend.
func NewHostBackend() HostBackend {
	return &userfaultBackend{fd: -1}
}

func (b *userfaultBackend) CheckCapability(targetPageBits uint) error {
	if targetPageBits > 21 {
		return fmt.Errorf("target page bits %d exceeds host support", targetPageBits)
	}

	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, uintptr(unix.O_CLOEXEC|unix.O_NONBLOCK), 0, 0)
	if errno != 0 {
		return fmt.Errorf("userfaultfd unsupported: %w", errno)
	}

	api := uffdioAPIStruct{api: 0xAA}

	_, _, errno = unix.Syscall(unix.SYS_IOCTL, fd, uintptr(uffdioAPI), uintptr(unsafe.Pointer(&api)))
	unix.Close(int(fd))

	if errno != 0 {
		return fmt.Errorf("UFFDIO_API: %w", errno)
	}

	if api.features&uffdApiFeatureMissing == 0 {
		return errors.New("userfaultfd lacks MISSING fault support")
	}

	return nil
}

func (b *userfaultBackend) DiscardBlock(block RAMBlock) error {
	return b.DiscardRange(block.HostAddr, block.Length)
}

func (b *userfaultBackend) DiscardRange(hostAddr, length uint64) error {
	return unix.Madvise(hostSlice(hostAddr, length), unix.MADV_DONTNEED)
}

func (b *userfaultBackend) ForceStandardPages(block RAMBlock) error {
	return unix.Madvise(hostSlice(block.HostAddr, block.Length), unix.MADV_NOHUGEPAGE)
}

func (b *userfaultBackend) OpenChannel() error {
	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, uintptr(unix.O_CLOEXEC|unix.O_NONBLOCK), 0, 0)
	if errno != 0 {
		return fmt.Errorf("userfaultfd: %w", errno)
	}

	api := uffdioAPIStruct{api: 0xAA}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(uffdioAPI), uintptr(unsafe.Pointer(&api))); errno != 0 {
		unix.Close(int(fd))

		return fmt.Errorf("UFFDIO_API: %w", errno)
	}

	b.fd = int(fd)
	b.scratch = make([]byte, 1<<sourceTargetPageBits)

	return nil
}

func (b *userfaultBackend) RegisterBlock(block RAMBlock) error {
	reg := uffdioRegisterStruct{
		rng:  uffdioRange{start: block.HostAddr, len: block.Length},
		mode: uffdioRegisterModeMissing,
	}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(b.fd), uintptr(uffdioRegister), uintptr(unsafe.Pointer(&reg)))
	if errno != 0 {
		return fmt.Errorf("UFFDIO_REGISTER %q: %w", block.Name, errno)
	}

	return nil
}

// faultPollTimeoutMillis bounds each poll so the loop re-checks quit
// promptly without a dedicated wakeup fd (§5: "the fault thread must then
// observe the eventfd within one poll cycle").
const faultPollTimeoutMillis = 100

// StartFaultThread reads uffd_msg events off the channel and forwards every
// pagefault's faulting address to faults, exiting once quit is closed.
func (b *userfaultBackend) StartFaultThread(faults chan<- Fault, quit <-chan struct{}) error {
	go b.faultLoop(faults, quit)

	return nil
}

func (b *userfaultBackend) faultLoop(faults chan<- Fault, quit <-chan struct{}) {
	var buf [uffdMsgSize]byte

	for {
		select {
		case <-quit:
			return
		default:
		}

		pfds := []unix.PollFd{{Fd: int32(b.fd), Events: unix.POLLIN}}

		n, err := unix.Poll(pfds, faultPollTimeoutMillis)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}

			return
		}

		if n == 0 {
			continue
		}

		nr, err := unix.Read(b.fd, buf[:])
		if err != nil || nr != uffdMsgSize {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}

			return
		}

		if buf[0] != uffdEventPagefault {
			continue
		}

		addr := nativeUint64(buf[16:24])

		select {
		case faults <- Fault{HostAddr: addr}:
		case <-quit:
			return
		}
	}
}

func (b *userfaultBackend) Place(hostAddr uint64, data []byte, allZero bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if allZero {
		zp := uffdioZeropageStruct{rng: uffdioRange{start: hostAddr, len: uint64(len(b.scratch))}}

		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(b.fd), uintptr(uffdioZeropage), uintptr(unsafe.Pointer(&zp)))
		if errno != 0 {
			return fmt.Errorf("UFFDIO_ZEROPAGE: %w", errno)
		}

		return nil
	}

	copy(b.scratch, data)

	cp := uffdioCopyStruct{
		dst: hostAddr,
		src: uint64(uintptr(unsafe.Pointer(&b.scratch[0]))),
		len: uint64(len(data)),
	}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(b.fd), uintptr(uffdioCopy), uintptr(unsafe.Pointer(&cp)))
	if errno != 0 {
		return fmt.Errorf("UFFDIO_COPY: %w", errno)
	}

	return nil
}

func (b *userfaultBackend) Close() error {
	if b.fd < 0 {
		return nil
	}

	err := unix.Close(b.fd)
	b.fd = -1

	return err
}

func nativeUint64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

// hostSlice reinterprets a host virtual address range as a byte slice for
// unix.Madvise, which takes a slice rather than a raw pointer.
func hostSlice(addr, length uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), int(length))
}
