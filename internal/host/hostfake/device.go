package hostfake

import (
	"fmt"
	"sync"

	"github.com/tinyrange/vmcore/internal/hv"
)

// Device is a scriptable hv.AssignedHostDevice. Tests fire interrupts on
// registered vectors with Fire and inspect the recorded driver state.
type Device struct {
	Addr hv.PCIAddress

	// Intx is the legacy interrupt line reported by IntxLine. Zero means
	// the function has no INTx pin.
	Intx uint32

	// NumMSIXVectors bounds EnableMSIX. Zero means no MSI-X capability.
	NumMSIXVectors int

	// MSIVector is the host vector handed out by EnableMSI.
	MSIVector uint32

	// MSIXBase is the first host vector handed out by EnableMSIX; entries
	// get consecutive vectors.
	MSIXBase uint32

	// FailMSIXAfter, when non-negative, makes RequestIRQ fail once that
	// many MSI-X vectors have been registered. Used to exercise partial
	// setup rollback.
	FailMSIXAfter int

	// GrantMSIXVectors, when positive, caps how many vectors EnableMSIX
	// hands out regardless of the requested count. Used to exercise
	// short-grant handling.
	GrantMSIXVectors int

	mu          sync.Mutex
	enabled     bool
	regionOwner string
	assigned    bool
	resets      int
	msiOn       bool
	msixOn      bool
	handlers    map[uint32]hv.IrqHandler
	masked      map[uint32]bool
	msixGranted int
}

// NewDevice builds a fake function with an INTx pin on line intx.
func NewDevice(addr hv.PCIAddress, intx uint32) *Device {
	return &Device{
		Addr:          addr,
		Intx:          intx,
		FailMSIXAfter: -1,
		handlers:      make(map[uint32]hv.IrqHandler),
		masked:        make(map[uint32]bool),
	}
}

// Address implements hv.AssignedHostDevice.
func (d *Device) Address() hv.PCIAddress { return d.Addr }

// Enable implements hv.AssignedHostDevice.
func (d *Device) Enable() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = true
	return nil
}

// Disable implements hv.AssignedHostDevice.
func (d *Device) Disable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = false
}

// Reset implements hv.AssignedHostDevice.
func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resets++
	return nil
}

// RequestRegions implements hv.AssignedHostDevice.
func (d *Device) RequestRegions(tag string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.regionOwner != "" {
		return fmt.Errorf("hostfake: regions of %s held by %q: %w", d.Addr, d.regionOwner, hv.ErrAlreadyAssigned)
	}
	d.regionOwner = tag
	return nil
}

// ReleaseRegions implements hv.AssignedHostDevice.
func (d *Device) ReleaseRegions() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.regionOwner = ""
}

// MarkAssigned implements hv.AssignedHostDevice.
func (d *Device) MarkAssigned(assigned bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.assigned = assigned
}

// IntxLine implements hv.AssignedHostDevice.
func (d *Device) IntxLine() (uint32, error) {
	if d.Intx == 0 {
		return 0, fmt.Errorf("hostfake: %s has no INTx pin: %w", d.Addr, hv.ErrUnsupported)
	}
	return d.Intx, nil
}

// EnableMSI implements hv.AssignedHostDevice.
func (d *Device) EnableMSI() (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.msiOn || d.msixOn {
		return 0, fmt.Errorf("hostfake: %s already in message-signaled mode: %w", d.Addr, hv.ErrInvalidArgument)
	}
	d.msiOn = true
	return d.MSIVector, nil
}

// DisableMSI implements hv.AssignedHostDevice.
func (d *Device) DisableMSI() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msiOn = false
}

// EnableMSIX implements hv.AssignedHostDevice.
func (d *Device) EnableMSIX(count int) ([]uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.msiOn || d.msixOn {
		return nil, fmt.Errorf("hostfake: %s already in message-signaled mode: %w", d.Addr, hv.ErrInvalidArgument)
	}
	if count <= 0 || count > d.NumMSIXVectors {
		return nil, fmt.Errorf("hostfake: %s cannot enable %d MSI-X vectors (table size %d): %w",
			d.Addr, count, d.NumMSIXVectors, hv.ErrInvalidArgument)
	}
	granted := count
	if d.GrantMSIXVectors > 0 && d.GrantMSIXVectors < count {
		granted = d.GrantMSIXVectors
	}
	vectors := make([]uint32, granted)
	for i := range vectors {
		vectors[i] = d.MSIXBase + uint32(i)
	}
	d.msixOn = true
	d.msixGranted = granted
	return vectors, nil
}

// DisableMSIX implements hv.AssignedHostDevice.
func (d *Device) DisableMSIX() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msixOn = false
	d.msixGranted = 0
}

// RequestIRQ implements hv.AssignedHostDevice.
func (d *Device) RequestIRQ(vector uint32, handler hv.IrqHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[vector]; ok {
		return fmt.Errorf("hostfake: vector %d already requested on %s: %w", vector, d.Addr, hv.ErrAlreadyAssigned)
	}
	if d.msixOn && d.FailMSIXAfter >= 0 && len(d.handlers) >= d.FailMSIXAfter {
		return fmt.Errorf("hostfake: scripted request failure on vector %d: %w", vector, hv.ErrOutOfMemory)
	}
	d.handlers[vector] = handler
	return nil
}

// FreeIRQ implements hv.AssignedHostDevice.
func (d *Device) FreeIRQ(vector uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, vector)
	delete(d.masked, vector)
}

// MaskIRQ implements hv.AssignedHostDevice.
func (d *Device) MaskIRQ(vector uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.masked[vector] = true
}

// UnmaskIRQ implements hv.AssignedHostDevice.
func (d *Device) UnmaskIRQ(vector uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.masked[vector] = false
}

// Fire invokes the registered handler for vector, as the host would on a
// hardware interrupt. Masked and unregistered vectors drop the interrupt
// and report false.
func (d *Device) Fire(vector uint32) bool {
	d.mu.Lock()
	h, ok := d.handlers[vector]
	masked := d.masked[vector]
	d.mu.Unlock()
	if !ok || masked {
		return false
	}
	h(vector)
	return true
}

// Registered reports whether a handler is registered for vector.
func (d *Device) Registered(vector uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.handlers[vector]
	return ok
}

// Masked reports whether delivery on vector is masked.
func (d *Device) Masked(vector uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.masked[vector]
}

// State snapshots the driver-visible flags for assertions.
func (d *Device) State() (enabled, assigned bool, regionOwner string, resets int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled, d.assigned, d.regionOwner, d.resets
}

// MessageSignaled reports the MSI and MSI-X capability state.
func (d *Device) MessageSignaled() (msi bool, msix bool, msixVectors int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.msiOn, d.msixOn, d.msixGranted
}

var _ hv.AssignedHostDevice = &Device{}
