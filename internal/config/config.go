// Package config loads a VM definition from YAML: memory regions, vCPUs,
// MMIO/port windows, and host devices to assign. cmd/vmcore consumes it to
// build a machine.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/vmcore/internal/hv"
)

// Definition is one machine description.
type Definition struct {
	Version int    `yaml:"version"`
	Name    string `yaml:"name"`

	Vcpus   int            `yaml:"vcpus,omitempty"`
	Memory  []MemoryRegion `yaml:"memory"`
	Mmio    []IoWindow     `yaml:"mmio,omitempty"`
	Pio     []IoWindow     `yaml:"pio,omitempty"`
	Serial  *SerialPort    `yaml:"serial,omitempty"`
	Devices []Device       `yaml:"devices,omitempty"`
}

// MemoryRegion is one memory slot.
type MemoryRegion struct {
	Slot      int    `yaml:"slot"`
	GuestBase uint64 `yaml:"guestBase"`
	SizeMB    uint64 `yaml:"sizeMB"`
	DirtyLog  bool   `yaml:"dirtyLog,omitempty"`
}

// IoWindow is one dispatch window on a bus.
type IoWindow struct {
	Name string `yaml:"name"`
	Base uint64 `yaml:"base"`
	Size uint64 `yaml:"size"`
}

// SerialPort attaches a 16550 console on the port I/O bus.
type SerialPort struct {
	Base uint64 `yaml:"base"`
	Irq  uint32 `yaml:"irq"`
}

// Device is one host PCI function to assign, with its IRQ configuration.
type Device struct {
	// Address is the host function in 0000:00:00.0 notation.
	Address string `yaml:"address"`

	// Irq selects the mechanism: "intx", "msi", or "msi-x".
	Irq string `yaml:"irq,omitempty"`

	// GuestVector is the guest line (INTx) or message vector (MSI).
	GuestVector uint32 `yaml:"guestVector,omitempty"`

	// MsixEntries maps MSI-X table entries to guest vectors, in entry
	// order.
	MsixEntries []uint32 `yaml:"msixEntries,omitempty"`
}

func (d *Definition) normalize() {
	if d.Version == 0 {
		d.Version = 1
	}
	if d.Name == "" {
		d.Name = "vm"
	}
	if d.Vcpus == 0 {
		d.Vcpus = 1
	}
}

func (d *Definition) validate() error {
	if d.Vcpus < 1 || d.Vcpus > hv.MaxVcpus {
		return fmt.Errorf("vcpus %d outside [1,%d]: %w", d.Vcpus, hv.MaxVcpus, hv.ErrInvalidArgument)
	}
	if len(d.Memory) == 0 {
		return fmt.Errorf("no memory regions: %w", hv.ErrInvalidArgument)
	}
	for i, region := range d.Memory {
		if region.SizeMB == 0 {
			return fmt.Errorf("memory region %d has zero size: %w", i, hv.ErrInvalidArgument)
		}
	}
	if d.Serial != nil && d.Serial.Base == 0 {
		return fmt.Errorf("serial port needs a base address: %w", hv.ErrInvalidArgument)
	}
	for _, dev := range d.Devices {
		switch dev.Irq {
		case "", "intx", "msi":
		case "msi-x":
			if len(dev.MsixEntries) == 0 {
				return fmt.Errorf("device %s requests msi-x without entries: %w", dev.Address, hv.ErrInvalidArgument)
			}
		default:
			return fmt.Errorf("device %s irq %q: %w", dev.Address, dev.Irq, hv.ErrInvalidArgument)
		}
	}
	return nil
}

// Parse decodes and validates a definition.
func Parse(data []byte) (Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("parse vm definition: %w", err)
	}
	def.normalize()
	if err := def.validate(); err != nil {
		return Definition{}, err
	}
	return def, nil
}

// Load reads and parses a definition file.
func Load(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(data)
}
