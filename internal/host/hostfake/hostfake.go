// Package hostfake provides in-memory host collaborators: byte-slice
// backed guest memory, a scriptable PCI function, recording IOMMU and
// irqchip sinks, and togglable CPUs. Package tests and the demo CLI build
// VMs against these instead of real hardware.
package hostfake

import (
	"fmt"
	"sync"

	"github.com/tinyrange/vmcore/internal/hv"
)

// Memory is an hv.HostMemory over a byte slice occupying the host-virtual
// range [Base, Base+len(Buf)).
type Memory struct {
	Base hv.HostAddr
	Buf  []byte
}

// NewMemory allocates size bytes of fake host memory at base.
func NewMemory(base hv.HostAddr, size uint64) *Memory {
	return &Memory{Base: base, Buf: make([]byte, size)}
}

func (m *Memory) offset(addr hv.HostAddr, length int) (uint64, error) {
	if addr < m.Base || uint64(addr-m.Base)+uint64(length) > uint64(len(m.Buf)) {
		return 0, fmt.Errorf("hostfake: address 0x%x+%d outside [0x%x,0x%x): %w",
			uint64(addr), length, uint64(m.Base), uint64(m.Base)+uint64(len(m.Buf)), hv.ErrInvalidArgument)
	}
	return uint64(addr - m.Base), nil
}

// Read implements hv.HostMemory.
func (m *Memory) Read(addr hv.HostAddr, p []byte) error {
	off, err := m.offset(addr, len(p))
	if err != nil {
		return err
	}
	copy(p, m.Buf[off:])
	return nil
}

// Write implements hv.HostMemory.
func (m *Memory) Write(addr hv.HostAddr, p []byte) error {
	off, err := m.offset(addr, len(p))
	if err != nil {
		return err
	}
	copy(m.Buf[off:], p)
	return nil
}

var _ hv.HostMemory = &Memory{}

// Pinner classifies addresses by explicit marking: everything pins as a
// normal page unless registered as poisoned, device-mapped, or absent.
type Pinner struct {
	mu       sync.Mutex
	poisoned map[hv.HostAddr]bool
	device   map[hv.HostAddr]bool
	absent   map[hv.HostAddr]bool
	pins     map[hv.HostAddr]int
}

func NewPinner() *Pinner {
	return &Pinner{
		poisoned: make(map[hv.HostAddr]bool),
		device:   make(map[hv.HostAddr]bool),
		absent:   make(map[hv.HostAddr]bool),
		pins:     make(map[hv.HostAddr]int),
	}
}

// MarkPoisoned makes the page containing addr pin as hardware poisoned.
func (p *Pinner) MarkPoisoned(addr hv.HostAddr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.poisoned[addr&^hv.PageMask] = true
}

// MarkDevice makes the page containing addr a device-mapped region.
func (p *Pinner) MarkDevice(addr hv.HostAddr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.device[addr&^hv.PageMask] = true
}

// MarkAbsent makes the page containing addr unresolvable.
func (p *Pinner) MarkAbsent(addr hv.HostAddr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.absent[addr&^hv.PageMask] = true
}

// PinPage implements hv.PagePinner.
func (p *Pinner) PinPage(addr hv.HostAddr) (hv.HostPage, error) {
	base := addr &^ hv.PageMask
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.absent[base]:
		return hv.HostPage{Class: hv.PageFaulted}, nil
	case p.poisoned[base]:
		return hv.HostPage{Class: hv.PagePoisoned}, nil
	case p.device[base]:
		return hv.HostPage{Addr: base, Class: hv.PageDevice}, nil
	}
	p.pins[base]++
	return hv.HostPage{Addr: base, Class: hv.PageNormal}, nil
}

// UnpinPage implements hv.PagePinner.
func (p *Pinner) UnpinPage(page hv.HostPage, dirty bool) {
	if page.Class != hv.PageNormal {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pins[page.Addr] == 0 {
		panic(fmt.Sprintf("hostfake: unpin of unpinned page 0x%x", uint64(page.Addr)))
	}
	p.pins[page.Addr]--
}

// PinCount reports the live pins on the page containing addr.
func (p *Pinner) PinCount(addr hv.HostAddr) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pins[addr&^hv.PageMask]
}

var _ hv.PagePinner = &Pinner{}

// IOMMU records the mapped guest ranges.
type IOMMU struct {
	mu     sync.Mutex
	mapped map[hv.Gfn]uint64 // base gfn -> pages
	fail   error
}

func NewIOMMU() *IOMMU {
	return &IOMMU{mapped: make(map[hv.Gfn]uint64)}
}

// FailNextMap makes the next MapPages call return err.
func (io *IOMMU) FailNextMap(err error) {
	io.mu.Lock()
	defer io.mu.Unlock()
	io.fail = err
}

// MapPages implements hv.IOMMU.
func (io *IOMMU) MapPages(base hv.Gfn, userAddr hv.HostAddr, pages uint64) error {
	io.mu.Lock()
	defer io.mu.Unlock()
	if io.fail != nil {
		err := io.fail
		io.fail = nil
		return err
	}
	io.mapped[base] = pages
	return nil
}

// UnmapPages implements hv.IOMMU.
func (io *IOMMU) UnmapPages(base hv.Gfn, pages uint64) {
	io.mu.Lock()
	defer io.mu.Unlock()
	delete(io.mapped, base)
}

// Mapped reports whether a range is currently mapped at base.
func (io *IOMMU) Mapped(base hv.Gfn) bool {
	io.mu.Lock()
	defer io.mu.Unlock()
	_, ok := io.mapped[base]
	return ok
}

var _ hv.IOMMU = &IOMMU{}

// CPU is a togglable hv.CPU whose enable can be scripted to fail.
type CPU struct {
	id int

	mu        sync.Mutex
	enabled   bool
	enableErr error
	enables   int
	disables  int
}

func NewCPU(id int) *CPU { return &CPU{id: id} }

// FailEnable makes every subsequent EnableVirtualization call return err.
func (c *CPU) FailEnable(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enableErr = err
}

// ID implements hv.CPU.
func (c *CPU) ID() int { return c.id }

// EnableVirtualization implements hv.CPU.
func (c *CPU) EnableVirtualization() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enableErr != nil {
		return c.enableErr
	}
	c.enabled = true
	c.enables++
	return nil
}

// DisableVirtualization implements hv.CPU.
func (c *CPU) DisableVirtualization() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = false
	c.disables++
}

// Enabled reports the virtualization-extension state.
func (c *CPU) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Counts reports how many enables and disables the CPU saw.
func (c *CPU) Counts() (enables, disables int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enables, c.disables
}

var _ hv.CPU = &CPU{}

// IrqSink records guest line levels.
type IrqSink struct {
	mu     sync.Mutex
	levels map[uint32]bool
	events []IrqEvent
}

// IrqEvent is one observed SetIrq call.
type IrqEvent struct {
	Line  uint32
	Level bool
}

func NewIrqSink() *IrqSink {
	return &IrqSink{levels: make(map[uint32]bool)}
}

// SetIrq implements hv.IrqSink.
func (s *IrqSink) SetIrq(line uint32, level bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.levels[line] = level
	s.events = append(s.events, IrqEvent{Line: line, Level: level})
}

// Level reports the current level of a guest line.
func (s *IrqSink) Level(line uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.levels[line]
}

// Events returns a copy of every observed SetIrq call in order.
func (s *IrqSink) Events() []IrqEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]IrqEvent(nil), s.events...)
}

var _ hv.IrqSink = &IrqSink{}
