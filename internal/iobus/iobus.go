// Package iobus implements the MMIO and port I/O dispatch buses. A bus
// holds a fixed-capacity, ordered list of devices; dispatch walks the list
// and the first device that claims the address handles the access.
// Registration and deregistration publish a new device list and wait out
// readers of the old one, so an unregistered device never sees a dispatch
// that started after Unregister returned.
package iobus

import (
	"context"
	"fmt"
	"sync"

	"github.com/tinyrange/vmcore/internal/epoch"
	"github.com/tinyrange/vmcore/internal/hv"
)

// Device is one handler on a bus.
type Device interface {
	// Accepts reports whether the device claims an access of length bytes
	// at addr. Claim checks run on the dispatch path and must not block.
	Accepts(addr uint64, length int) bool

	Read(ctx context.Context, addr uint64, data []byte) error
	Write(ctx context.Context, addr uint64, data []byte) error
}

// Handler serves reads and writes without an address claim; pair it with a
// Range through NewRangeDevice.
type Handler interface {
	Read(ctx context.Context, addr uint64, data []byte) error
	Write(ctx context.Context, addr uint64, data []byte) error
}

// Range is a half-open address window [Base, Base+Size).
type Range struct {
	Base uint64
	Size uint64
}

// Contains reports whether an access of length bytes at addr falls fully
// inside the window.
func (r Range) Contains(addr uint64, length int) bool {
	end := addr + uint64(length)
	if end < addr {
		return false
	}
	return addr >= r.Base && end <= r.Base+r.Size
}

// Overlaps reports whether two windows intersect.
func (r Range) Overlaps(other Range) bool {
	return r.Base < other.Base+other.Size && other.Base < r.Base+r.Size
}

type rangeDevice struct {
	r Range
	h Handler
}

// NewRangeDevice wraps a handler so it claims exactly one address window.
func NewRangeDevice(r Range, h Handler) Device {
	return &rangeDevice{r: r, h: h}
}

func (d *rangeDevice) Accepts(addr uint64, length int) bool {
	return d.r.Contains(addr, length)
}

func (d *rangeDevice) Read(ctx context.Context, addr uint64, data []byte) error {
	return d.h.Read(ctx, addr, data)
}

func (d *rangeDevice) Write(ctx context.Context, addr uint64, data []byte) error {
	return d.h.Write(ctx, addr, data)
}

type deviceList struct {
	devs []Device
}

// Bus is one dispatch domain. A VM carries two, one for memory-mapped and
// one for port-mapped accesses; callers pick the bus by intent, never by
// address heuristics.
type Bus struct {
	name string

	// mu serializes Register and Unregister. It is never taken on the
	// dispatch path.
	mu   sync.Mutex
	list *epoch.Value[deviceList]
}

// New builds an empty bus. The name only feeds error messages.
func New(name string) *Bus {
	return &Bus{name: name, list: epoch.NewValue(&deviceList{})}
}

// Register appends dev to the dispatch order. It fails with ErrBusFull when
// the device ceiling is reached. Register waits for dispatches against the
// previous device list to finish before returning.
func (b *Bus) Register(dev Device) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := b.list.Peek()
	if len(cur.devs) >= hv.MaxBusDevices {
		return fmt.Errorf("%s bus at its %d device ceiling: %w", b.name, hv.MaxBusDevices, hv.ErrBusFull)
	}

	next := &deviceList{devs: make([]Device, 0, len(cur.devs)+1)}
	next.devs = append(next.devs, cur.devs...)
	next.devs = append(next.devs, dev)
	b.list.Replace(next)
	return nil
}

// Unregister removes dev from the bus. A dispatch already in flight
// completes against the old device list; Unregister does not return until
// every such dispatch is done, after which dev receives no further
// accesses.
func (b *Bus) Unregister(dev Device) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := b.list.Peek()
	at := -1
	for i, d := range cur.devs {
		if d == dev {
			at = i
			break
		}
	}
	if at < 0 {
		return fmt.Errorf("device not on the %s bus: %w", b.name, hv.ErrNotFound)
	}

	next := &deviceList{devs: make([]Device, 0, len(cur.devs)-1)}
	next.devs = append(next.devs, cur.devs[:at]...)
	next.devs = append(next.devs, cur.devs[at+1:]...)
	b.list.Replace(next)
	return nil
}

// Clear unregisters every device at once, for VM teardown. Like
// Unregister, it waits until dispatches against the old device list have
// finished, so no device receives an access after Clear returns.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.list.Replace(&deviceList{})
}

// DeviceCount reports the number of registered devices.
func (b *Bus) DeviceCount() int {
	return len(b.list.Peek().devs)
}

// Dispatch routes one access to the first device, in registration order,
// that claims the address. No claimant yields ErrUnhandled.
func (b *Bus) Dispatch(ctx context.Context, addr uint64, data []byte, isWrite bool) error {
	list, release := b.list.Load()
	defer release()

	for _, dev := range list.devs {
		if !dev.Accepts(addr, len(data)) {
			continue
		}
		if isWrite {
			return dev.Write(ctx, addr, data)
		}
		return dev.Read(ctx, addr, data)
	}
	return fmt.Errorf("%s access of %d bytes at 0x%x: %w", b.name, len(data), addr, hv.ErrUnhandled)
}
