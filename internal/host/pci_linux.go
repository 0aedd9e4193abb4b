//go:build linux

package host

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tinyrange/vmcore/internal/hv"
)

const pciSysfsRoot = "/sys/bus/pci/devices"

// ParsePCIAddress parses a full "dddd:bb:dd.f" address.
func ParsePCIAddress(s string) (hv.PCIAddress, error) {
	var addr hv.PCIAddress
	n, err := fmt.Sscanf(s, "%04x:%02x:%02x.%x", &addr.Domain, &addr.Bus, &addr.Device, &addr.Function)
	if err != nil || n != 4 {
		return hv.PCIAddress{}, fmt.Errorf("host: malformed PCI address %q: %w", s, hv.ErrInvalidArgument)
	}
	return addr, nil
}

// SysfsPCIDevice drives one host PCI function through PCI sysfs. It covers
// the legacy-interrupt half of the assignment contract; message-signaled
// interrupts need a kernel-side driver (VFIO) and report ErrUnsupported, so
// callers fall back or reject the IRQ type cleanly.
type SysfsPCIDevice struct {
	addr hv.PCIAddress
	path string
}

// OpenSysfsPCIDevice binds to a host function by address. The function must
// exist under /sys/bus/pci/devices.
func OpenSysfsPCIDevice(addr hv.PCIAddress) (*SysfsPCIDevice, error) {
	path := filepath.Join(pciSysfsRoot, addr.String())
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("host: PCI function %s: %w", addr, hv.ErrNotFound)
	}
	return &SysfsPCIDevice{addr: addr, path: path}, nil
}

// Address implements hv.AssignedHostDevice.
func (d *SysfsPCIDevice) Address() hv.PCIAddress { return d.addr }

func (d *SysfsPCIDevice) readAttr(name string) (string, error) {
	b, err := os.ReadFile(filepath.Join(d.path, name))
	if err != nil {
		return "", fmt.Errorf("host: read %s/%s: %w", d.addr, name, err)
	}
	return strings.TrimSpace(string(b)), nil
}

func (d *SysfsPCIDevice) writeAttr(name, value string) error {
	if err := os.WriteFile(filepath.Join(d.path, name), []byte(value), 0); err != nil {
		return fmt.Errorf("host: write %s/%s: %w", d.addr, name, err)
	}
	return nil
}

// VendorDevice reports the function's vendor and device ids.
func (d *SysfsPCIDevice) VendorDevice() (uint16, uint16, error) {
	vs, err := d.readAttr("vendor")
	if err != nil {
		return 0, 0, err
	}
	ds, err := d.readAttr("device")
	if err != nil {
		return 0, 0, err
	}
	vendor, err := strconv.ParseUint(strings.TrimPrefix(vs, "0x"), 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("host: vendor id %q: %w", vs, err)
	}
	device, err := strconv.ParseUint(strings.TrimPrefix(ds, "0x"), 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("host: device id %q: %w", ds, err)
	}
	return uint16(vendor), uint16(device), nil
}

// Enable implements hv.AssignedHostDevice.
func (d *SysfsPCIDevice) Enable() error {
	return d.writeAttr("enable", "1")
}

// Disable implements hv.AssignedHostDevice.
func (d *SysfsPCIDevice) Disable() {
	_ = d.writeAttr("enable", "0")
}

// Reset implements hv.AssignedHostDevice.
func (d *SysfsPCIDevice) Reset() error {
	return d.writeAttr("reset", "1")
}

// RequestRegions implements hv.AssignedHostDevice. Sysfs has no region
// reservation; unbinding the host driver is the closest equivalent and is
// left to the operator, so this only verifies the resource table exists.
func (d *SysfsPCIDevice) RequestRegions(tag string) error {
	if _, err := os.Stat(filepath.Join(d.path, "resource")); err != nil {
		return fmt.Errorf("host: %s has no resource table: %w", d.addr, hv.ErrNotFound)
	}
	return nil
}

// ReleaseRegions implements hv.AssignedHostDevice.
func (d *SysfsPCIDevice) ReleaseRegions() {}

// MarkAssigned implements hv.AssignedHostDevice. Ownership marking happens
// through driver binding on Linux; nothing to record here.
func (d *SysfsPCIDevice) MarkAssigned(assigned bool) {}

// IntxLine implements hv.AssignedHostDevice.
func (d *SysfsPCIDevice) IntxLine() (uint32, error) {
	s, err := d.readAttr("irq")
	if err != nil {
		return 0, err
	}
	line, err := strconv.ParseUint(s, 10, 32)
	if err != nil || line == 0 {
		return 0, fmt.Errorf("host: %s has no INTx line: %w", d.addr, hv.ErrUnsupported)
	}
	return uint32(line), nil
}

// EnableMSI implements hv.AssignedHostDevice.
func (d *SysfsPCIDevice) EnableMSI() (uint32, error) {
	return 0, fmt.Errorf("host: MSI for %s needs a kernel driver: %w", d.addr, hv.ErrUnsupported)
}

// DisableMSI implements hv.AssignedHostDevice.
func (d *SysfsPCIDevice) DisableMSI() {}

// EnableMSIX implements hv.AssignedHostDevice.
func (d *SysfsPCIDevice) EnableMSIX(count int) ([]uint32, error) {
	return nil, fmt.Errorf("host: MSI-X for %s needs a kernel driver: %w", d.addr, hv.ErrUnsupported)
}

// DisableMSIX implements hv.AssignedHostDevice.
func (d *SysfsPCIDevice) DisableMSIX() {}

// RequestIRQ implements hv.AssignedHostDevice. Userspace interrupt handling
// requires VFIO eventfds, outside this shim's scope.
func (d *SysfsPCIDevice) RequestIRQ(vector uint32, handler hv.IrqHandler) error {
	return fmt.Errorf("host: IRQ handling for %s needs a kernel driver: %w", d.addr, hv.ErrUnsupported)
}

// FreeIRQ implements hv.AssignedHostDevice.
func (d *SysfsPCIDevice) FreeIRQ(vector uint32) {}

// MaskIRQ implements hv.AssignedHostDevice.
func (d *SysfsPCIDevice) MaskIRQ(vector uint32) {}

// UnmaskIRQ implements hv.AssignedHostDevice.
func (d *SysfsPCIDevice) UnmaskIRQ(vector uint32) {}

var _ hv.AssignedHostDevice = &SysfsPCIDevice{}

// ListPCIDevices enumerates host PCI functions.
func ListPCIDevices() ([]hv.PCIAddress, error) {
	entries, err := os.ReadDir(pciSysfsRoot)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("host: list PCI devices: %w", err)
	}

	var addrs []hv.PCIAddress
	for _, e := range entries {
		addr, err := ParsePCIAddress(e.Name())
		if err != nil {
			continue
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}
