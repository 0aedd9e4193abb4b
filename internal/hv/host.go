package hv

import "fmt"

// Host collaborator interfaces. The control core consumes the host PCI
// driver, the IOMMU, page pinning, and raw memory access through these
// narrow contracts; internal/host provides the Linux implementations and
// the in-memory fakes.

// PageClass classifies the backing of a pinned guest page.
type PageClass int

const (
	// PageNormal is an ordinary pinned page.
	PageNormal PageClass = iota

	// PageFaulted marks a host address the host could not resolve.
	PageFaulted

	// PagePoisoned marks a page the hardware reported as poisoned.
	PagePoisoned

	// PageDevice marks a device-mapped region with no backing page to
	// pin.
	PageDevice
)

// HostPage is the result of resolving and pinning one guest page.
// Non-normal classes are sentinels: Addr is only meaningful for PageNormal
// and PageDevice.
type HostPage struct {
	Addr  HostAddr
	Class PageClass
}

// PagePinner resolves host-virtual addresses to pinned pages.
type PagePinner interface {
	// PinPage pins the page containing addr. Unresolvable, poisoned, and
	// device-mapped addresses come back as the matching sentinel class,
	// not as errors; errors are reserved for host failures.
	PinPage(addr HostAddr) (HostPage, error)

	// UnpinPage releases a pin taken by PinPage. dirty propagates to the
	// host page state. Sentinel pages unpin as a no-op.
	UnpinPage(page HostPage, dirty bool)
}

// HostMemory reads and writes host-virtual memory backing guest pages.
type HostMemory interface {
	Read(addr HostAddr, p []byte) error
	Write(addr HostAddr, p []byte) error
}

// IOMMU maps guest-physical ranges for assigned devices.
type IOMMU interface {
	MapPages(base Gfn, userAddr HostAddr, pages uint64) error
	UnmapPages(base Gfn, pages uint64)
}

// ShadowInvalidator flushes downstream shadow mappings after a destructive
// slot change. The flush runs after the interim invalid table is visible to
// every reader, so no new shadow entry for the old range can be created
// concurrently.
type ShadowInvalidator interface {
	FlushShadow()
}

// PCIAddress identifies a host PCI function.
type PCIAddress struct {
	Domain   uint16
	Bus      uint8
	Device   uint8
	Function uint8
}

func (a PCIAddress) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", a.Domain, a.Bus, a.Device, a.Function)
}

// IrqHandler is invoked by the host when an interrupt fires on a vector
// registered through AssignedHostDevice.RequestIRQ. It runs on a host
// thread and must not block.
type IrqHandler func(vector uint32)

// AssignedHostDevice is one host PCI function under control-core ownership.
// Implementations wrap the host PCI driver; all methods are serialized by
// the caller.
type AssignedHostDevice interface {
	Address() PCIAddress

	Enable() error
	Disable()
	Reset() error

	RequestRegions(tag string) error
	ReleaseRegions()

	// MarkAssigned flags the function as guest-owned so the host driver
	// core keeps its hands off.
	MarkAssigned(assigned bool)

	// IntxLine reports the legacy INTx interrupt line.
	IntxLine() (uint32, error)

	// EnableMSI switches the function to MSI and reports the host vector.
	EnableMSI() (uint32, error)
	DisableMSI()

	// EnableMSIX enables count MSI-X entries and reports their host
	// vectors in entry order.
	EnableMSIX(count int) ([]uint32, error)
	DisableMSIX()

	// RequestIRQ registers handler for a host vector. The registration is
	// exclusive (never shared).
	RequestIRQ(vector uint32, handler IrqHandler) error
	FreeIRQ(vector uint32)

	// MaskIRQ disables delivery on a host vector without waiting for
	// running handlers; UnmaskIRQ re-enables it.
	MaskIRQ(vector uint32)
	UnmaskIRQ(vector uint32)
}

// IrqSink raises and lowers guest-visible interrupt lines. The in-kernel
// irqchip collaborator implements this. Implementations may be called
// with routing locks held and must not call back into the routing.
type IrqSink interface {
	SetIrq(line uint32, level bool)
}

// CPU is one host processor as seen by the hardware lifecycle: it can turn
// its virtualization extensions on and off.
type CPU interface {
	ID() int
	EnableVirtualization() error
	DisableVirtualization()
}
