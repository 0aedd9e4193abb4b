// Package assign owns host PCI functions handed to a guest. The Manager
// tracks assignments per VM; each Device runs the host/guest IRQ state
// machine and the interrupt delivery worker for one function.
package assign

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/vmcore/internal/hv"
	"github.com/tinyrange/vmcore/internal/irq"
)

// regionTag names this driver in host resource reservations.
const regionTag = "vmcore assigned device"

// Manager is the per-VM assignment registry. It serializes assignment and
// deassignment; per-device IRQ configuration is serialized by the device.
type Manager struct {
	routing *irq.Routing

	mu      sync.Mutex
	devices map[hv.PCIAddress]*Device
}

func NewManager(routing *irq.Routing) *Manager {
	return &Manager{
		routing: routing,
		devices: make(map[hv.PCIAddress]*Device),
	}
}

// AssignDevice takes ownership of a host function: enables it, reserves
// its regions, resets it to a clean state, and marks it guest-owned. Any
// step failing unwinds the earlier ones and leaves the function with the
// host.
func (m *Manager) AssignDevice(host hv.AssignedHostDevice) (*Device, error) {
	addr := host.Address()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.devices[addr]; ok {
		return nil, fmt.Errorf("device %s: %w", addr, hv.ErrAlreadyAssigned)
	}

	if err := host.Enable(); err != nil {
		return nil, fmt.Errorf("enable %s: %w", addr, err)
	}
	if err := host.RequestRegions(regionTag); err != nil {
		host.Disable()
		return nil, fmt.Errorf("reserve regions of %s: %w", addr, err)
	}
	if err := host.Reset(); err != nil {
		host.ReleaseRegions()
		host.Disable()
		return nil, fmt.Errorf("reset %s: %w", addr, err)
	}
	host.MarkAssigned(true)

	dev := newDevice(host, m.routing)
	m.devices[addr] = dev
	return dev, nil
}

// DeassignDevice returns a function to the host. IRQ state goes first so
// no stale interrupt can fire into a device mid-reset, then the function
// is reset, unmarked, its regions released, and disabled.
func (m *Manager) DeassignDevice(dev *Device) error {
	addr := dev.Address()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.devices[addr] != dev {
		return fmt.Errorf("device %s not assigned: %w", addr, hv.ErrNotFound)
	}

	if err := dev.DeassignIrq(DeassignAll); err != nil && !errors.Is(err, hv.ErrNotFound) {
		return fmt.Errorf("deassign irq of %s: %w", addr, err)
	}
	if err := dev.host.Reset(); err != nil {
		slog.Error("assign: reset on deassign", "device", addr.String(), "error", err)
	}
	dev.host.MarkAssigned(false)
	dev.host.ReleaseRegions()
	dev.host.Disable()

	delete(m.devices, addr)
	return nil
}

// Device looks an assignment up by host address.
func (m *Manager) Device(addr hv.PCIAddress) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.devices[addr]
	if !ok {
		return nil, fmt.Errorf("device %s not assigned: %w", addr, hv.ErrNotFound)
	}
	return dev, nil
}

// Count reports the number of live assignments.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.devices)
}

// DeassignAll returns every assigned function to the host, used on VM
// teardown. Per-device failures are logged, not propagated; teardown
// keeps going.
func (m *Manager) DeassignAll() {
	m.mu.Lock()
	devs := make([]*Device, 0, len(m.devices))
	for _, dev := range m.devices {
		devs = append(devs, dev)
	}
	m.mu.Unlock()

	for _, dev := range devs {
		if err := m.DeassignDevice(dev); err != nil {
			slog.Error("assign: deassign on teardown", "device", dev.Address().String(), "error", err)
		}
	}
}
