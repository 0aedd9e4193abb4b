// Package vmcore is the hardware-independent control core of a hypervisor:
// the guest memory slot table, the MMIO and port I/O buses, interrupt
// routing, PCI device assignment, the host virtualization lifecycle, and
// the reference-counted VirtualMachine that composes them.
package vmcore

import (
	"github.com/tinyrange/vmcore/internal/assign"
	"github.com/tinyrange/vmcore/internal/config"
	"github.com/tinyrange/vmcore/internal/hv"
	"github.com/tinyrange/vmcore/internal/hwenable"
	"github.com/tinyrange/vmcore/internal/iobus"
	"github.com/tinyrange/vmcore/internal/memslot"
	"github.com/tinyrange/vmcore/internal/vm"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from the internal packages
// -----------------------------------------------------------------------------

// VM is one virtual machine. Handles are reference counted; the last Put
// tears everything down.
type VM = vm.VM

// VMOptions wires a VM's host-side collaborators.
type VMOptions = vm.Options

// VCPU is one virtual CPU belonging to a VM.
type VCPU = vm.VCPU

// Statistics is a point-in-time snapshot of a VM's composition.
type Statistics = vm.Statistics

// MemoryRegion describes one guest memory slot update. A zero Size deletes
// the slot.
type MemoryRegion = memslot.MemoryRegion

// SlotFlags modify a memory slot's behavior.
type SlotFlags = memslot.SlotFlags

// GfnToHvaCache caches one guest frame translation across slot table
// changes.
type GfnToHvaCache = memslot.GfnToHvaCache

// IoBus dispatches guest accesses to registered device ranges.
type IoBus = iobus.Bus

// IoDevice handles guest accesses on an IoBus.
type IoDevice = iobus.Device

// IoRange is a half-open guest address window.
type IoRange = iobus.Range

// AssignedDevice is a host PCI function passed through to the guest.
type AssignedDevice = assign.Device

// IrqType selects an interrupt delivery mechanism for an assigned device.
type IrqType = assign.IrqType

// DeassignMask selects which half of a device's IRQ state to tear down.
type DeassignMask = assign.DeassignMask

// HardwareRegistry tracks per-CPU virtualization enablement across VMs.
type HardwareRegistry = hwenable.Registry

// Definition is a declarative VM description loaded from YAML.
type Definition = config.Definition

// Interrupt delivery mechanisms.
const (
	IrqNone = assign.IrqNone
	IrqIntx = assign.IrqIntx
	IrqMsi  = assign.IrqMsi
	IrqMsix = assign.IrqMsix
)

// Deassignment selectors.
const (
	DeassignHost  = assign.DeassignHost
	DeassignGuest = assign.DeassignGuest
	DeassignAll   = assign.DeassignAll
)

// Slot flags.
const (
	SlotLogDirtyPages = memslot.SlotLogDirtyPages
)

// Common sentinel errors. Check with errors.Is.
var (
	ErrInvalidArgument      = hv.ErrInvalidArgument
	ErrNotFound             = hv.ErrNotFound
	ErrOverlap              = hv.ErrOverlap
	ErrAlreadyAssigned      = hv.ErrAlreadyAssigned
	ErrBusFull              = hv.ErrBusFull
	ErrUnhandled            = hv.ErrUnhandled
	ErrTooManyVcpus         = hv.ErrTooManyVcpus
	ErrVMDestroyed          = hv.ErrVMDestroyed
	ErrHardwareEnableFailed = hv.ErrHardwareEnableFailed
	ErrUnsupported          = hv.ErrUnsupported
	ErrSourcesExhausted     = hv.ErrSourcesExhausted
)

// -----------------------------------------------------------------------------
// Constructors
// -----------------------------------------------------------------------------

// NewVM creates a VM from its host-side collaborators. The caller owns one
// reference and must Put it when finished.
func NewVM(opts VMOptions) (*VM, error) {
	return vm.New(opts)
}

// NewHardwareRegistry builds a registry over the given host CPUs.
func NewHardwareRegistry(cpus []hv.CPU) *HardwareRegistry {
	return hwenable.NewRegistry(cpus)
}

// LoadDefinition reads and validates a YAML VM definition.
func LoadDefinition(path string) (Definition, error) {
	return config.Load(path)
}
