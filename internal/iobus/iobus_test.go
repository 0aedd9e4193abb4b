package iobus

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tinyrange/vmcore/internal/hv"
)

// recordingDevice claims one window and records the accesses it serves.
type recordingDevice struct {
	r      Range
	fill   byte
	reads  int
	writes int

	// blockReads, when non-nil, stalls Read until the channel closes.
	blockReads chan struct{}
	// started signals each Read entry when non-nil.
	started chan struct{}
}

func (d *recordingDevice) Accepts(addr uint64, length int) bool {
	return d.r.Contains(addr, length)
}

func (d *recordingDevice) Read(ctx context.Context, addr uint64, data []byte) error {
	if d.started != nil {
		d.started <- struct{}{}
	}
	if d.blockReads != nil {
		<-d.blockReads
	}
	d.reads++
	for i := range data {
		data[i] = d.fill
	}
	return nil
}

func (d *recordingDevice) Write(ctx context.Context, addr uint64, data []byte) error {
	d.writes++
	return nil
}

func TestDispatchFirstAcceptorInRegistrationOrder(t *testing.T) {
	b := New("mmio")
	first := &recordingDevice{r: Range{Base: 0x1000, Size: 0x100}, fill: 0x11}
	second := &recordingDevice{r: Range{Base: 0x1000, Size: 0x1000}, fill: 0x22}
	if err := b.Register(first); err != nil {
		t.Fatalf("register first: %v", err)
	}
	if err := b.Register(second); err != nil {
		t.Fatalf("register second: %v", err)
	}

	// Both claim 0x1040; the earlier registration wins.
	buf := make([]byte, 4)
	if err := b.Dispatch(context.Background(), 0x1040, buf, false); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if buf[0] != 0x11 {
		t.Fatalf("served by the wrong device: fill=0x%x", buf[0])
	}

	// Only the second claims 0x1800.
	if err := b.Dispatch(context.Background(), 0x1800, buf, true); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if second.writes != 1 || first.writes != 0 {
		t.Fatalf("writes routed wrong: first=%d second=%d", first.writes, second.writes)
	}

	// Nobody claims 0x3000.
	if err := b.Dispatch(context.Background(), 0x3000, buf, false); !errors.Is(err, hv.ErrUnhandled) {
		t.Fatalf("unclaimed dispatch: got %v, want ErrUnhandled", err)
	}
}

func TestDispatchRejectsStraddlingAccess(t *testing.T) {
	b := New("mmio")
	dev := &recordingDevice{r: Range{Base: 0x1000, Size: 0x10}}
	if err := b.Register(dev); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Starts inside the window but runs past its end.
	buf := make([]byte, 8)
	if err := b.Dispatch(context.Background(), 0x100c, buf, false); !errors.Is(err, hv.ErrUnhandled) {
		t.Fatalf("straddling dispatch: got %v, want ErrUnhandled", err)
	}
}

func TestRegisterCeiling(t *testing.T) {
	b := New("pio")
	for i := 0; i < hv.MaxBusDevices; i++ {
		dev := &recordingDevice{r: Range{Base: uint64(i) * 0x100, Size: 0x100}}
		if err := b.Register(dev); err != nil {
			t.Fatalf("register device %d: %v", i, err)
		}
	}
	err := b.Register(&recordingDevice{r: Range{Base: 0x100000, Size: 0x100}})
	if !errors.Is(err, hv.ErrBusFull) {
		t.Fatalf("register past ceiling: got %v, want ErrBusFull", err)
	}
	if got := b.DeviceCount(); got != hv.MaxBusDevices {
		t.Fatalf("device count = %d, want %d", got, hv.MaxBusDevices)
	}
}

func TestUnregister(t *testing.T) {
	b := New("mmio")
	dev := &recordingDevice{r: Range{Base: 0x1000, Size: 0x100}}
	if err := b.Register(dev); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := b.Unregister(dev); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if err := b.Unregister(dev); !errors.Is(err, hv.ErrNotFound) {
		t.Fatalf("double unregister: got %v, want ErrNotFound", err)
	}

	buf := make([]byte, 1)
	if err := b.Dispatch(context.Background(), 0x1000, buf, false); !errors.Is(err, hv.ErrUnhandled) {
		t.Fatalf("dispatch after unregister: got %v, want ErrUnhandled", err)
	}
}

func TestClear(t *testing.T) {
	b := New("pio")
	for _, base := range []uint64{0x1000, 0x2000} {
		dev := &recordingDevice{r: Range{Base: base, Size: 0x100}}
		if err := b.Register(dev); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	b.Clear()
	if got := b.DeviceCount(); got != 0 {
		t.Fatalf("device count after clear = %d, want 0", got)
	}
	buf := make([]byte, 1)
	if err := b.Dispatch(context.Background(), 0x1000, buf, false); !errors.Is(err, hv.ErrUnhandled) {
		t.Fatalf("dispatch after clear: got %v, want ErrUnhandled", err)
	}
}

func TestUnregisterWaitsForInFlightDispatch(t *testing.T) {
	b := New("mmio")
	dev := &recordingDevice{
		r:          Range{Base: 0x1000, Size: 0x100},
		blockReads: make(chan struct{}),
		started:    make(chan struct{}, 1),
	}
	if err := b.Register(dev); err != nil {
		t.Fatalf("register: %v", err)
	}

	dispatchDone := make(chan error, 1)
	go func() {
		dispatchDone <- b.Dispatch(context.Background(), 0x1000, make([]byte, 1), false)
	}()
	<-dev.started // the dispatch holds the pre-unregister device list

	unregDone := make(chan struct{})
	go func() {
		if err := b.Unregister(dev); err != nil {
			t.Errorf("unregister: %v", err)
		}
		close(unregDone)
	}()

	select {
	case <-unregDone:
		t.Fatal("unregister returned while a dispatch was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(dev.blockReads)
	if err := <-dispatchDone; err != nil {
		t.Fatalf("in-flight dispatch: %v", err)
	}
	select {
	case <-unregDone:
	case <-time.After(2 * time.Second):
		t.Fatal("unregister still blocked after the dispatch finished")
	}
}

type nopHandler struct{}

func (nopHandler) Read(ctx context.Context, addr uint64, data []byte) error  { return nil }
func (nopHandler) Write(ctx context.Context, addr uint64, data []byte) error { return nil }

func TestRangeContains(t *testing.T) {
	r := Range{Base: 0x1000, Size: 0x100}
	cases := []struct {
		addr   uint64
		length int
		want   bool
	}{
		{0x1000, 1, true},
		{0x10ff, 1, true},
		{0x1100, 1, false},
		{0xfff, 1, false},
		{0x10fc, 4, true},
		{0x10fd, 4, false},
		{^uint64(0), 2, false}, // end wraps
	}
	for _, tc := range cases {
		if got := r.Contains(tc.addr, tc.length); got != tc.want {
			t.Errorf("Contains(0x%x, %d) = %v, want %v", tc.addr, tc.length, got, tc.want)
		}
	}

	dev := NewRangeDevice(r, nopHandler{})
	if !dev.Accepts(0x1000, 0x100) || dev.Accepts(0x1000, 0x101) {
		t.Fatal("range device claim does not follow its window")
	}
}

func TestRangeOverlaps(t *testing.T) {
	a := Range{Base: 0x1000, Size: 0x100}
	for _, tc := range []struct {
		b    Range
		want bool
	}{
		{Range{Base: 0x10ff, Size: 1}, true},
		{Range{Base: 0x1100, Size: 1}, false},
		{Range{Base: 0xf00, Size: 0x100}, false},
		{Range{Base: 0xf00, Size: 0x101}, true},
		{Range{Base: 0x1040, Size: 8}, true},
	} {
		if got := a.Overlaps(tc.b); got != tc.want {
			t.Errorf("Overlaps(%+v) = %v, want %v", tc.b, got, tc.want)
		}
	}
}

func BenchmarkDispatch(b *testing.B) {
	bus := New("mmio")
	for i := 0; i < 8; i++ {
		h := &recordingDevice{r: Range{Base: uint64(i) * 0x1000, Size: 0x1000}, fill: byte(i)}
		if err := bus.Register(h); err != nil {
			b.Fatal(fmt.Errorf("register: %w", err))
		}
	}
	buf := make([]byte, 4)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := bus.Dispatch(ctx, 0x7000, buf, false); err != nil {
			b.Fatal(err)
		}
	}
}
