// Package vm composes the control core: slot table, I/O buses, interrupt
// routing, device assignment, hardware lifecycle, and the vCPU set, under
// one reference-counted VirtualMachine.
package vm

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/vmcore/internal/assign"
	"github.com/tinyrange/vmcore/internal/hv"
	"github.com/tinyrange/vmcore/internal/hwenable"
	"github.com/tinyrange/vmcore/internal/iobus"
	"github.com/tinyrange/vmcore/internal/irq"
	"github.com/tinyrange/vmcore/internal/memslot"
	"github.com/tinyrange/vmcore/internal/sched"
)

// Options wires a VM's collaborators. Memory, IrqSink, and Hardware are
// required; Emulator only when vCPUs will Run.
type Options struct {
	Memory   hv.HostMemory
	Pinner   hv.PagePinner
	IOMMU    hv.IOMMU
	Shadow   hv.ShadowInvalidator
	IrqSink  hv.IrqSink
	Hardware *hwenable.Registry
	Emulator hv.CPUEmulator
}

// VM is one virtual machine. Every open handle (the creator, each vCPU,
// each external holder) owns one reference; dropping the last one runs
// destruction exactly once, on whichever goroutine saw the count hit zero.
type VM struct {
	users     atomic.Int64
	destroyed atomic.Bool

	slots    *memslot.Manager
	mmio     *iobus.Bus
	pio      *iobus.Bus
	routing  *irq.Routing
	assigned *assign.Manager
	hw       *hwenable.Registry
	emulator hv.CPUEmulator
	yield    sched.DirectedYield

	// vcpuMu guards vCPU creation only; the slice is append-only and
	// reads on hot paths go through vcpusSnapshot.
	vcpuMu sync.Mutex
	vcpus  atomic.Pointer[[]*VCPU]
}

// New creates a VM. The hardware lifecycle is acquired first; if any CPU
// refuses to enable virtualization no VM object is left behind.
func New(opts Options) (*VM, error) {
	if opts.Memory == nil || opts.IrqSink == nil || opts.Hardware == nil {
		return nil, fmt.Errorf("memory, irq sink, and hardware registry are required: %w", hv.ErrInvalidArgument)
	}

	if err := opts.Hardware.Acquire(); err != nil {
		return nil, fmt.Errorf("create vm: %w", err)
	}

	routing := irq.NewRouting(opts.IrqSink)
	vm := &VM{
		slots: memslot.NewManager(memslot.Options{
			Memory: opts.Memory,
			Pinner: opts.Pinner,
			IOMMU:  opts.IOMMU,
			Shadow: opts.Shadow,
		}),
		mmio:     iobus.New("mmio"),
		pio:      iobus.New("pio"),
		routing:  routing,
		assigned: assign.NewManager(routing),
		hw:       opts.Hardware,
		emulator: opts.Emulator,
	}
	empty := make([]*VCPU, 0)
	vm.vcpus.Store(&empty)
	vm.users.Store(1)
	return vm, nil
}

// Get takes one more reference on behalf of a new handle.
func (vm *VM) Get() error {
	for {
		n := vm.users.Load()
		if n == 0 {
			return hv.ErrVMDestroyed
		}
		if vm.users.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

// Put drops one reference. The holder that drops the last one runs the
// teardown.
func (vm *VM) Put() {
	n := vm.users.Add(-1)
	if n < 0 {
		panic("vm: put without get")
	}
	if n == 0 {
		vm.destroy()
	}
}

// destroy tears the VM down in dependency order: vCPUs are killed first so
// nothing dispatches anymore, assigned devices go back to the host, the
// buses drop their devices, guest memory is unmapped slot by slot (each
// delete waits out its readers), and finally the hardware use is released.
func (vm *VM) destroy() {
	if !vm.destroyed.CompareAndSwap(false, true) {
		panic("vm: destroyed twice")
	}

	for _, vcpu := range *vm.vcpus.Load() {
		vcpu.kill()
	}

	vm.assigned.DeassignAll()

	vm.mmio.Clear()
	vm.pio.Clear()

	for slot := 0; slot < hv.MaxSlots; slot++ {
		base, pages := vm.slots.SlotRange(slot)
		if pages == 0 {
			continue
		}
		if err := vm.slots.SetMemoryRegion(memslot.MemoryRegion{
			Slot:          slot,
			GuestPhysAddr: hv.GfnToGpa(base),
		}); err != nil {
			slog.Error("vm: delete slot on teardown", "slot", slot, "error", err)
		}
	}

	vm.hw.Release()
}

// Slots exposes the memory slot manager.
func (vm *VM) Slots() *memslot.Manager { return vm.slots }

// MmioBus exposes the memory-mapped I/O bus.
func (vm *VM) MmioBus() *iobus.Bus { return vm.mmio }

// PioBus exposes the port I/O bus.
func (vm *VM) PioBus() *iobus.Bus { return vm.pio }

// Routing exposes the interrupt routing bridge.
func (vm *VM) Routing() *irq.Routing { return vm.routing }

// Assigned exposes the device assignment registry.
func (vm *VM) Assigned() *assign.Manager { return vm.assigned }

// SetMemoryRegion delegates to the slot manager after the destruction
// guard.
func (vm *VM) SetMemoryRegion(region memslot.MemoryRegion) error {
	if vm.destroyed.Load() {
		return hv.ErrVMDestroyed
	}
	return vm.slots.SetMemoryRegion(region)
}

// Statistics is a point-in-time snapshot of the VM's composition.
type Statistics struct {
	Slots           int
	Generation      uint64
	MmioDevices     int
	PioDevices      int
	AssignedDevices int
	Vcpus           int
	Users           int64
}

func (vm *VM) Statistics() Statistics {
	return Statistics{
		Slots:           vm.slots.SlotCount(),
		Generation:      vm.slots.Generation(),
		MmioDevices:     vm.mmio.DeviceCount(),
		PioDevices:      vm.pio.DeviceCount(),
		AssignedDevices: vm.assigned.Count(),
		Vcpus:           len(*vm.vcpus.Load()),
		Users:           vm.users.Load(),
	}
}
