//go:build linux

package host

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vmcore/internal/hv"
)

// MapAnonymous allocates page-aligned anonymous memory suitable for backing
// a guest memory slot and reports its host-virtual base address.
func MapAnonymous(size uint64) ([]byte, hv.HostAddr, error) {
	if size == 0 || size&hv.PageMask != 0 {
		return nil, 0, fmt.Errorf("host: map size 0x%x not page aligned: %w", size, hv.ErrInvalidArgument)
	}

	mem, err := unix.Mmap(
		-1,
		0,
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("host: mmap 0x%x bytes: %w (%w)", size, err, hv.ErrOutOfMemory)
	}

	return mem, sliceAddr(mem), nil
}

// Unmap releases memory mapped by MapAnonymous.
func Unmap(mem []byte) error {
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("host: munmap: %w", err)
	}
	return nil
}

// MlockPinner pins pages by locking them into RAM. The pin classification
// follows the host's fault reporting: addresses the host cannot back are
// faulted, poisoned frames surface as poisoned, and VM_IO style mappings
// that refuse locking are reported as device regions.
type MlockPinner struct{}

// PinPage implements hv.PagePinner.
func (MlockPinner) PinPage(addr hv.HostAddr) (hv.HostPage, error) {
	base := addr &^ hv.PageMask
	mem := unsafeSlice(base, hv.PageSize)

	err := unix.Mlock(mem)
	switch {
	case err == nil:
		return hv.HostPage{Addr: base, Class: hv.PageNormal}, nil
	case err == unix.ENOMEM, err == unix.EAGAIN, err == unix.EFAULT:
		return hv.HostPage{Class: hv.PageFaulted}, nil
	case err == unix.EHWPOISON:
		return hv.HostPage{Class: hv.PagePoisoned}, nil
	case err == unix.EINVAL, err == unix.ENODEV:
		// Device-backed mapping: usable by address, never pinned.
		return hv.HostPage{Addr: base, Class: hv.PageDevice}, nil
	default:
		return hv.HostPage{}, fmt.Errorf("host: mlock 0x%x: %w", uint64(base), err)
	}
}

// UnpinPage implements hv.PagePinner.
func (MlockPinner) UnpinPage(page hv.HostPage, dirty bool) {
	if page.Class != hv.PageNormal {
		return
	}
	// Dirty state for anonymous memory lives in the host page tables;
	// only the lock needs dropping.
	_ = dirty
	_ = unix.Munlock(unsafeSlice(page.Addr, hv.PageSize))
}

var _ hv.PagePinner = MlockPinner{}
