package assign

import (
	"fmt"
	"sync"
	"sync/atomic"

	gate "gvisor.dev/gvisor/pkg/sync"

	"github.com/tinyrange/vmcore/internal/hv"
	"github.com/tinyrange/vmcore/internal/irq"
)

// Device is one assigned host PCI function and its IRQ state machine. The
// host and guest halves are configured independently: AssignHostIrq wires
// the hardware interrupt in, AssignGuestIrq wires the guest line out, and
// the delivery worker connects the two.
//
// All configuration calls are safe for concurrent use; hardware interrupt
// handlers and the guest's acknowledgments run concurrently with them.
type Device struct {
	host    hv.AssignedHostDevice
	routing *irq.Routing

	mu        sync.Mutex
	hostSide  hostIrq
	guestSide guestIrq
	sourceID  int
	ack       *irq.AckNotifier

	// hostLineMasked tracks an INTx line masked by the hardware handler
	// and not yet re-enabled by a guest acknowledgment.
	hostLineMasked bool

	msixEntries []msixEntry

	// pending covers INTx and MSI; msixPending has one flag per MSI-X
	// entry. The hardware handler sets flags, the delivery worker swaps
	// them back off, so a burst of interrupts between two worker runs
	// collapses into one guest injection per flag.
	pending     atomic.Bool
	msixPending []atomic.Bool

	// isr admits hardware handlers; teardown closes it to wait out any
	// handler already running.
	isr *gate.Gate

	work       chan struct{}
	quit       chan struct{}
	workerDone chan struct{}
}

func newDevice(host hv.AssignedHostDevice, routing *irq.Routing) *Device {
	return &Device{host: host, routing: routing}
}

// Address reports the host PCI identity.
func (d *Device) Address() hv.PCIAddress { return d.host.Address() }

// HostIrqType reports the live host half.
func (d *Device) HostIrqType() IrqType {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.hostSide == nil {
		return IrqNone
	}
	return d.hostSide.irqType()
}

// GuestIrqType reports the live guest half.
func (d *Device) GuestIrqType() IrqType {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.guestSide == nil {
		return IrqNone
	}
	return d.guestSide.irqType()
}

// SourceID reports the IRQ source id held by the guest half, or -1 when
// none is assigned.
func (d *Device) SourceID() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.guestSide == nil {
		return -1
	}
	return d.sourceID
}

// SetMsixVectorCount sizes the device's MSI-X table. It must run before
// the MSI-X host half is assigned and cannot rerun once set.
func (d *Device) SetMsixVectorCount(count int) error {
	if count <= 0 || count > hv.MaxMsixEntries {
		return fmt.Errorf("msi-x vector count %d outside [1,%d]: %w", count, hv.MaxMsixEntries, hv.ErrInvalidArgument)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.msixEntries != nil {
		return fmt.Errorf("msi-x table of %s already sized: %w", d.host.Address(), hv.ErrAlreadyAssigned)
	}
	d.msixEntries = make([]msixEntry, count)
	return nil
}

// SetMsixEntry maps one MSI-X table entry to a guest vector.
func (d *Device) SetMsixEntry(index int, guestVector uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index < 0 || index >= len(d.msixEntries) {
		return fmt.Errorf("msi-x entry %d outside the %d-entry table: %w", index, len(d.msixEntries), hv.ErrInvalidArgument)
	}
	d.msixEntries[index] = msixEntry{guestVector: guestVector, set: true}
	return nil
}

// AssignHostIrq requests the hardware interrupt for the host half. A host
// half already configured, of any type, is rejected. MSI-X requires a
// prior SetMsixVectorCount; a per-vector registration failure unwinds
// every vector already registered and disables the capability again.
func (d *Device) AssignHostIrq(t IrqType) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.hostSide != nil {
		return fmt.Errorf("%s already has a %s host irq: %w", d.host.Address(), d.hostSide.irqType(), hv.ErrAlreadyAssigned)
	}

	var side hostIrq
	switch t {
	case IrqIntx:
		line, err := d.host.IntxLine()
		if err != nil {
			return fmt.Errorf("intx line of %s: %w", d.host.Address(), err)
		}
		if err := d.host.RequestIRQ(line, d.hostInterrupt); err != nil {
			return fmt.Errorf("request intx line %d: %w", line, err)
		}
		side = hostIntx{line: line}

	case IrqMsi:
		vec, err := d.host.EnableMSI()
		if err != nil {
			return fmt.Errorf("enable msi on %s: %w", d.host.Address(), err)
		}
		if err := d.host.RequestIRQ(vec, d.hostInterrupt); err != nil {
			d.host.DisableMSI()
			return fmt.Errorf("request msi vector %d: %w", vec, err)
		}
		side = hostMsi{vector: vec}

	case IrqMsix:
		if d.msixEntries == nil {
			return fmt.Errorf("msi-x host irq needs a sized vector table: %w", hv.ErrInvalidArgument)
		}
		vecs, err := d.host.EnableMSIX(len(d.msixEntries))
		if err != nil {
			return fmt.Errorf("enable msi-x on %s: %w", d.host.Address(), err)
		}
		if len(vecs) != len(d.msixEntries) {
			d.host.DisableMSIX()
			return fmt.Errorf("msi-x on %s granted %d of %d vectors: %w",
				d.host.Address(), len(vecs), len(d.msixEntries), hv.ErrUnsupported)
		}
		for i, vec := range vecs {
			if err := d.host.RequestIRQ(vec, d.hostInterrupt); err != nil {
				for _, got := range vecs[:i] {
					d.host.FreeIRQ(got)
				}
				d.host.DisableMSIX()
				return fmt.Errorf("request msi-x vector %d (entry %d): %w", vec, i, err)
			}
		}
		d.msixPending = make([]atomic.Bool, len(vecs))
		side = hostMsix{vecs: vecs}

	default:
		return fmt.Errorf("host irq type %d: %w", t, hv.ErrInvalidArgument)
	}

	d.hostSide = side
	d.hostLineMasked = false
	d.pending.Store(false)

	d.isr = &gate.Gate{}
	d.work = make(chan struct{}, 1)
	d.quit = make(chan struct{})
	d.workerDone = make(chan struct{})
	go d.deliveryWorker(d.work, d.quit, d.workerDone)
	return nil
}

// AssignGuestIrq wires the guest half: it allocates an IRQ source id,
// records the delivery target, and for level-triggered INTx registers an
// acknowledgment notifier. vector is the guest line for INTx and the
// guest message vector for MSI; MSI-X targets come from the entry table
// instead and vector is ignored.
func (d *Device) AssignGuestIrq(t IrqType, vector uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.guestSide != nil {
		return fmt.Errorf("%s already has a %s guest irq: %w", d.host.Address(), d.guestSide.irqType(), hv.ErrAlreadyAssigned)
	}

	var side guestIrq
	ackGsi := irq.GsiNone
	switch t {
	case IrqIntx:
		side = guestIntx{gsi: vector}
		ackGsi = int(vector)
	case IrqMsi:
		side = guestMsi{vector: vector}
	case IrqMsix:
		if d.msixEntries == nil {
			return fmt.Errorf("msi-x guest irq needs a sized vector table: %w", hv.ErrInvalidArgument)
		}
		side = guestMsix{}
	default:
		return fmt.Errorf("guest irq type %d: %w", t, hv.ErrInvalidArgument)
	}

	src, err := d.routing.AllocSourceID()
	if err != nil {
		return fmt.Errorf("guest irq for %s: %w", d.host.Address(), err)
	}

	d.guestSide = side
	d.sourceID = src
	d.ack = &irq.AckNotifier{Gsi: ackGsi, Ack: d.guestAcked}
	d.routing.RegisterAckNotifier(d.ack)
	return nil
}

// hostInterrupt is the hardware interrupt handler for every vector the
// host half registered. It only flags work and kicks the delivery worker;
// injection into the guest happens on the worker goroutine.
func (d *Device) hostInterrupt(vector uint32) {
	d.mu.Lock()
	g := d.isr
	if g == nil || !g.Enter() {
		d.mu.Unlock()
		return
	}
	defer g.Leave()

	switch h := d.hostSide.(type) {
	case hostIntx:
		d.pending.Store(true)
		// Level-triggered hardware would re-raise immediately; keep the
		// host line off until the guest acknowledges.
		d.host.MaskIRQ(h.line)
		d.hostLineMasked = true
	case hostMsi:
		d.pending.Store(true)
	case hostMsix:
		for i, vec := range h.vecs {
			if vec == vector {
				d.msixPending[i].Store(true)
				break
			}
		}
	}
	work := d.work
	d.mu.Unlock()

	select {
	case work <- struct{}{}:
	default:
	}
}

func (d *Device) deliveryWorker(work <-chan struct{}, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-quit:
			return
		case <-work:
			d.deliverPending()
		}
	}
}

type injection struct {
	line  uint32
	level bool // level raise vs edge pulse
}

// deliverPending turns every set pending flag into exactly one guest
// injection. Injections run outside the device lock: an INTx raise can
// synchronously trigger the guest's acknowledgment path, which takes the
// lock again.
func (d *Device) deliverPending() {
	d.mu.Lock()
	guest := d.guestSide
	src := d.sourceID
	var raises []injection
	if d.pending.Swap(false) && guest != nil {
		switch g := guest.(type) {
		case guestIntx:
			raises = append(raises, injection{line: g.gsi, level: true})
		case guestMsi:
			raises = append(raises, injection{line: g.vector})
		}
	}
	for i := range d.msixPending {
		if !d.msixPending[i].Swap(false) {
			continue
		}
		if _, ok := guest.(guestMsix); !ok {
			continue
		}
		if e := d.msixEntries[i]; e.set {
			raises = append(raises, injection{line: e.guestVector})
		}
	}
	d.mu.Unlock()

	for _, r := range raises {
		if r.level {
			d.routing.SetLevel(src, r.line, true)
		} else {
			d.routing.Pulse(src, r.line)
		}
	}
}

// guestAcked runs when the guest acknowledges the INTx line. It lowers
// this device's contribution and re-enables a masked host line. Shared
// guest lines mean the ack may belong to another device; re-enabling is a
// no-op unless this device's line is actually masked.
func (d *Device) guestAcked(gsi int) {
	d.mu.Lock()
	src := d.sourceID
	var unmask uint32
	doUnmask := false
	if d.hostLineMasked {
		if h, ok := d.hostSide.(hostIntx); ok {
			d.hostLineMasked = false
			unmask = h.line
			doUnmask = true
		}
	}
	d.mu.Unlock()

	d.routing.SetLevel(src, uint32(gsi), false)
	if doUnmask {
		d.host.UnmaskIRQ(unmask)
	}
}

// DeassignIrq tears down the halves selected by mask. The host half is
// quiesced before anything is freed: every vector is masked, in-flight
// hardware handlers are waited out, the delivery worker is stopped, and
// only then are the registrations freed and the capability disabled.
// A mask that matches no configured half reports ErrNotFound.
func (d *Device) DeassignIrq(mask DeassignMask) error {
	d.mu.Lock()
	doHost := mask&DeassignHost != 0 && d.hostSide != nil
	doGuest := mask&DeassignGuest != 0 && d.guestSide != nil
	if !doHost && !doGuest {
		d.mu.Unlock()
		return fmt.Errorf("no irq configured on %s for mask %#x: %w", d.host.Address(), int(mask), hv.ErrNotFound)
	}

	if doHost {
		side := d.hostSide
		for _, vec := range side.vectors() {
			d.host.MaskIRQ(vec)
		}
		g, quit, done := d.isr, d.quit, d.workerDone
		d.mu.Unlock()

		// No new handler can start once the gate is closed; the worker
		// drains after it so nothing is mid-injection when we free.
		g.Close()
		close(quit)
		<-done

		d.mu.Lock()
		for _, vec := range side.vectors() {
			d.host.FreeIRQ(vec)
		}
		switch side.irqType() {
		case IrqMsi:
			d.host.DisableMSI()
		case IrqMsix:
			d.host.DisableMSIX()
		}
		d.hostSide = nil
		d.hostLineMasked = false
		d.pending.Store(false)
		d.msixPending = nil
		d.isr = nil
	}

	if doGuest {
		ack, src := d.ack, d.sourceID
		d.guestSide = nil
		d.ack = nil
		d.mu.Unlock()

		d.routing.UnregisterAckNotifier(ack)
		// Freeing the source id lowers any line it still asserts.
		d.routing.FreeSourceID(src)
		return nil
	}

	d.mu.Unlock()
	return nil
}
