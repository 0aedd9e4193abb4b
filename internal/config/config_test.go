package config

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/vmcore/internal/hv"
)

func TestParse(t *testing.T) {
	def, err := Parse([]byte(`
version: 1
name: testbox
vcpus: 2
memory:
  - slot: 0
    guestBase: 0x0
    sizeMB: 64
    dirtyLog: true
  - slot: 1
    guestBase: 0x10000000
    sizeMB: 16
mmio:
  - name: frame buffer
    base: 0xd0000000
    size: 0x100000
pio:
  - name: debug
    base: 0x402
    size: 1
serial:
  base: 0x3f8
  irq: 4
devices:
  - address: 0000:03:00.0
    irq: msi-x
    msixEntries: [40, 41, 42]
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	want := Definition{
		Version: 1,
		Name:    "testbox",
		Vcpus:   2,
		Memory: []MemoryRegion{
			{Slot: 0, GuestBase: 0x0, SizeMB: 64, DirtyLog: true},
			{Slot: 1, GuestBase: 0x10000000, SizeMB: 16},
		},
		Mmio:   []IoWindow{{Name: "frame buffer", Base: 0xd0000000, Size: 0x100000}},
		Pio:    []IoWindow{{Name: "debug", Base: 0x402, Size: 1}},
		Serial: &SerialPort{Base: 0x3f8, Irq: 4},
		Devices: []Device{
			{Address: "0000:03:00.0", Irq: "msi-x", MsixEntries: []uint32{40, 41, 42}},
		},
	}
	if diff := cmp.Diff(want, def); diff != "" {
		t.Fatalf("definition mismatch (-want +got):\n%s", diff)
	}
}

func TestParseDefaults(t *testing.T) {
	def, err := Parse([]byte("memory:\n  - slot: 0\n    sizeMB: 8\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if def.Version != 1 || def.Name != "vm" || def.Vcpus != 1 {
		t.Fatalf("defaults not applied: %+v", def)
	}
}

func TestParseRejects(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"no memory", "name: x\n"},
		{"zero sized region", "memory:\n  - slot: 0\n    sizeMB: 0\n"},
		{"too many vcpus", "vcpus: 1000\nmemory:\n  - slot: 0\n    sizeMB: 8\n"},
		{"unknown irq type", "memory:\n  - slot: 0\n    sizeMB: 8\ndevices:\n  - address: 0000:01:00.0\n    irq: wired\n"},
		{"msi-x without entries", "memory:\n  - slot: 0\n    sizeMB: 8\ndevices:\n  - address: 0000:01:00.0\n    irq: msi-x\n"},
		{"serial without base", "memory:\n  - slot: 0\n    sizeMB: 8\nserial:\n  irq: 4\n"},
	}
	for _, tc := range cases {
		if _, err := Parse([]byte(tc.yaml)); !errors.Is(err, hv.ErrInvalidArgument) {
			t.Errorf("%s: got %v, want ErrInvalidArgument", tc.name, err)
		}
	}

	if _, err := Parse([]byte("{not yaml")); err == nil {
		t.Error("malformed yaml accepted")
	}
}
