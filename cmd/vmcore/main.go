// Command vmcore builds a virtual machine from a YAML definition against
// an in-memory host and prints what it assembled. It exists to exercise
// the control core end to end without hypervisor hardware.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/tinyrange/vmcore/internal/assign"
	"github.com/tinyrange/vmcore/internal/config"
	"github.com/tinyrange/vmcore/internal/devices/serial"
	"github.com/tinyrange/vmcore/internal/host/hostfake"
	"github.com/tinyrange/vmcore/internal/hv"
	"github.com/tinyrange/vmcore/internal/hwenable"
	"github.com/tinyrange/vmcore/internal/iobus"
	"github.com/tinyrange/vmcore/internal/memslot"
	"github.com/tinyrange/vmcore/internal/vm"
)

const fakeMemBase = hv.HostAddr(0x7f00_0000_0000)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vmcore: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to the VM definition YAML")
	listPCI := flag.Bool("list-pci", false, "List host PCI functions and exit (Linux only)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -config <vm.yaml>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Build a VM from a YAML definition against a fake host and print a summary.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *debug {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	if *listPCI {
		return listHostPCI(os.Stdout)
	}
	if *configPath == "" {
		flag.Usage()
		return fmt.Errorf("a VM definition is required")
	}

	def, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	return buildAndReport(def, os.Stdout)
}

// sink discards I/O window accesses; the demo has no device models behind
// its windows.
type sink struct{}

func (sink) Read(ctx context.Context, addr uint64, data []byte) error  { return nil }
func (sink) Write(ctx context.Context, addr uint64, data []byte) error { return nil }

func buildAndReport(def config.Definition, out *os.File) error {
	var totalMB uint64
	for _, region := range def.Memory {
		totalMB += region.SizeMB
	}

	cpus := make([]hv.CPU, 4)
	for i := range cpus {
		cpus[i] = hostfake.NewCPU(i)
	}
	hw := hwenable.NewRegistry(cpus)
	mem := hostfake.NewMemory(fakeMemBase, totalMB<<20)

	machine, err := vm.New(vm.Options{
		Memory:   mem,
		Pinner:   hostfake.NewPinner(),
		IOMMU:    hostfake.NewIOMMU(),
		IrqSink:  hostfake.NewIrqSink(),
		Hardware: hw,
	})
	if err != nil {
		return err
	}
	defer machine.Put()

	hostOffset := hv.HostAddr(0)
	for _, region := range def.Memory {
		size := region.SizeMB << 20
		var flags memslot.SlotFlags
		if region.DirtyLog {
			flags = memslot.SlotLogDirtyPages
		}
		err := machine.SetMemoryRegion(memslot.MemoryRegion{
			Slot:          region.Slot,
			GuestPhysAddr: region.GuestBase,
			UserAddr:      fakeMemBase + hostOffset,
			Size:          size,
			Flags:         flags,
		})
		if err != nil {
			return fmt.Errorf("memory slot %d: %w", region.Slot, err)
		}
		hostOffset += hv.HostAddr(size)
		fmt.Fprintf(out, "slot %d: guest 0x%x + %d MB (dirty log: %v)\n",
			region.Slot, region.GuestBase, region.SizeMB, region.DirtyLog)
	}

	for _, win := range def.Mmio {
		dev := iobus.NewRangeDevice(iobus.Range{Base: win.Base, Size: win.Size}, sink{})
		if err := machine.MmioBus().Register(dev); err != nil {
			return fmt.Errorf("mmio window %q: %w", win.Name, err)
		}
		fmt.Fprintf(out, "mmio %q: [0x%x, 0x%x)\n", win.Name, win.Base, win.Base+win.Size)
	}
	for _, win := range def.Pio {
		dev := iobus.NewRangeDevice(iobus.Range{Base: win.Base, Size: win.Size}, sink{})
		if err := machine.PioBus().Register(dev); err != nil {
			return fmt.Errorf("pio window %q: %w", win.Name, err)
		}
		fmt.Fprintf(out, "pio %q: [0x%x, 0x%x)\n", win.Name, win.Base, win.Base+win.Size)
	}

	if def.Serial != nil {
		source, err := machine.Routing().AllocSourceID()
		if err != nil {
			return fmt.Errorf("serial port: %w", err)
		}
		uart := serial.NewUart(def.Serial.Base, &serial.RoutingLine{
			Routing:  machine.Routing(),
			SourceID: source,
			Gsi:      def.Serial.Irq,
		}, out)
		if err := machine.PioBus().Register(uart); err != nil {
			return fmt.Errorf("serial port: %w", err)
		}
		fmt.Fprintf(out, "serial: base 0x%x irq %d\n", def.Serial.Base, def.Serial.Irq)
	}

	for i, devDef := range def.Devices {
		if err := assignFakeDevice(machine, devDef, i); err != nil {
			return fmt.Errorf("device %s: %w", devDef.Address, err)
		}
		irq := devDef.Irq
		if irq == "" {
			irq = "none"
		}
		fmt.Fprintf(out, "assigned %s (irq: %s)\n", devDef.Address, irq)
	}

	vcpus := make([]*vm.VCPU, def.Vcpus)
	for i := range vcpus {
		vcpu, err := machine.CreateVCPU(i)
		if err != nil {
			return fmt.Errorf("vcpu %d: %w", i, err)
		}
		vcpus[i] = vcpu
	}
	defer func() {
		for _, vcpu := range vcpus {
			vcpu.Release()
		}
	}()

	stats := machine.Statistics()
	fmt.Fprintf(out, "\n%s: %d vcpus, %d slots (generation %d), %d mmio + %d pio devices, %d assigned\n",
		def.Name, stats.Vcpus, stats.Slots, stats.Generation,
		stats.MmioDevices, stats.PioDevices, stats.AssignedDevices)
	return nil
}

// assignFakeDevice stands up a scripted host function matching the
// definition and walks it through assignment and IRQ setup.
func assignFakeDevice(machine *vm.VM, def config.Device, index int) error {
	addr, err := parseAddress(def.Address)
	if err != nil {
		return err
	}

	fake := hostfake.NewDevice(addr, uint32(10+index))
	fake.MSIVector = uint32(64 + index)
	fake.NumMSIXVectors = hv.MaxMsixEntries
	fake.MSIXBase = uint32(128 + 16*index)

	dev, err := machine.Assigned().AssignDevice(fake)
	if err != nil {
		return err
	}

	switch def.Irq {
	case "":
		return nil
	case "intx":
		if err := dev.AssignHostIrq(assign.IrqIntx); err != nil {
			return err
		}
		return dev.AssignGuestIrq(assign.IrqIntx, def.GuestVector)
	case "msi":
		if err := dev.AssignHostIrq(assign.IrqMsi); err != nil {
			return err
		}
		return dev.AssignGuestIrq(assign.IrqMsi, def.GuestVector)
	case "msi-x":
		if err := dev.SetMsixVectorCount(len(def.MsixEntries)); err != nil {
			return err
		}
		for i, guestVector := range def.MsixEntries {
			if err := dev.SetMsixEntry(i, guestVector); err != nil {
				return err
			}
		}
		if err := dev.AssignHostIrq(assign.IrqMsix); err != nil {
			return err
		}
		return dev.AssignGuestIrq(assign.IrqMsix, 0)
	}
	return fmt.Errorf("irq type %q: %w", def.Irq, hv.ErrInvalidArgument)
}

func parseAddress(s string) (hv.PCIAddress, error) {
	var addr hv.PCIAddress
	var domain, bus, device, function uint32
	n, err := fmt.Sscanf(strings.TrimSpace(s), "%04x:%02x:%02x.%x", &domain, &bus, &device, &function)
	if err != nil || n != 4 {
		return addr, fmt.Errorf("pci address %q: %w", s, hv.ErrInvalidArgument)
	}
	addr.Domain = uint16(domain)
	addr.Bus = uint8(bus)
	addr.Device = uint8(device)
	addr.Function = uint8(function)
	return addr, nil
}
