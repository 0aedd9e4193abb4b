// Package host implements the control core's host collaborators for Linux
// (anonymous memory mapping, page pinning, process-memory access, sysfs PCI
// identity) on top of golang.org/x/sys. In-memory fakes for tests and
// demos live in the hostfake subpackage.
package host

import (
	"fmt"
	"unsafe"

	"github.com/tinyrange/vmcore/internal/hv"
)

func sliceAddr(mem []byte) hv.HostAddr {
	return hv.HostAddr(uintptr(unsafe.Pointer(&mem[0])))
}

func unsafeSlice(addr hv.HostAddr, length int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), length)
}

// ProcessMemory accesses host-virtual addresses inside the current process.
// It is the HostMemory implementation for the usual case where slot user
// addresses point into mappings owned by this process.
type ProcessMemory struct{}

// Read implements hv.HostMemory.
func (ProcessMemory) Read(addr hv.HostAddr, p []byte) error {
	if addr == 0 {
		return fmt.Errorf("host: read from nil address: %w", hv.ErrInvalidArgument)
	}
	copy(p, unsafeSlice(addr, len(p)))
	return nil
}

// Write implements hv.HostMemory.
func (ProcessMemory) Write(addr hv.HostAddr, p []byte) error {
	if addr == 0 {
		return fmt.Errorf("host: write to nil address: %w", hv.ErrInvalidArgument)
	}
	copy(unsafeSlice(addr, len(p)), p)
	return nil
}

var _ hv.HostMemory = ProcessMemory{}
