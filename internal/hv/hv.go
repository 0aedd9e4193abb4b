// Package hv defines the shared types, limits, and host-collaborator
// interfaces for the hypervisor control core. Components under internal/
// depend on this package and never on each other's internals.
package hv

// Gfn is a guest-physical frame number: a guest-physical address shifted
// right by PageShift.
type Gfn uint64

// HostAddr is a host-virtual address backing guest memory.
type HostAddr uint64

const (
	PageShift = 12
	PageSize  = 1 << PageShift
	PageMask  = PageSize - 1
)

// BadHostAddr is the sentinel returned by translations that miss every live
// slot. It is never a valid mapping target.
const BadHostAddr HostAddr = ^HostAddr(0)

// IsErrorHostAddr reports whether addr is the translation-miss sentinel.
func IsErrorHostAddr(addr HostAddr) bool {
	return addr == BadHostAddr
}

// Capacity limits. These bound fixed-size tables; exceeding them is a
// resource-exhaustion error, never silent truncation.
const (
	// MaxSlots is the number of memory slot ids a VM may use.
	MaxSlots = 32

	// MaxSlotPages caps the page count of a single memory slot.
	MaxSlotPages = (1 << 31) - 1

	// MaxBusDevices caps the handlers registered on one I/O bus.
	MaxBusDevices = 32

	// MaxVcpus caps the VCPUs of one VM.
	MaxVcpus = 64

	// MaxMsixEntries caps the MSI-X vector table of one assigned device.
	MaxMsixEntries = 256
)

// Large-page bookkeeping levels. Level 0 covers 2MB mappings and level 1
// covers 1GB mappings; base 4KB pages have no write-count table.
const (
	NrLargePageLevels = 2
)

// PagesPerLargePage returns the small-page span of one large page at the
// given level (0-based).
func PagesPerLargePage(level int) uint64 {
	return 1 << (9 * uint(level+1))
}

// GfnToGpa converts a frame number to a guest-physical byte address.
func GfnToGpa(gfn Gfn) uint64 {
	return uint64(gfn) << PageShift
}

// GpaToGfn converts a guest-physical byte address to its frame number.
func GpaToGfn(gpa uint64) Gfn {
	return Gfn(gpa >> PageShift)
}
