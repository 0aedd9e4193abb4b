// Package irq bridges host interrupts onto guest interrupt lines. It owns
// the IRQ source id space, aggregates per-source level contributions onto
// possibly shared guest lines, and runs the acknowledgment (EOI) notifier
// registry that level-triggered sources use to re-arm.
package irq

import (
	"fmt"
	"sync"

	"gvisor.dev/gvisor/pkg/bitmap"

	"github.com/tinyrange/vmcore/internal/hv"
)

const (
	// MaxSources bounds the IRQ source id space.
	MaxSources = 64

	// UserspaceSourceID is the reserved source id for interrupts injected
	// by the control plane rather than an assigned device. It is always
	// allocated and can never be freed.
	UserspaceSourceID = 0
)

// GsiNone marks an ack notifier that never fires. Edge-triggered sources
// (MSI, MSI-X) need no guest acknowledgment and register with it.
const GsiNone = -1

// AckNotifier is one acknowledgment callback. Ack runs with no routing
// lock held, so it may call back into Routing.
type AckNotifier struct {
	// Gsi is the guest line whose acknowledgment fires Ack. GsiNone never
	// matches.
	Gsi int
	Ack func(gsi int)
}

// Routing owns the source id space and the per-line level state for one
// VM. All lines feed a single sink, the in-kernel irqchip collaborator.
// The sink is called with the routing lock held and must not call back
// into Routing.
type Routing struct {
	sink hv.IrqSink

	mu        sync.Mutex
	sources   bitmap.Bitmap
	asserting map[uint32]uint64 // line -> bitmask of asserting source ids
	notifiers []*AckNotifier
}

func NewRouting(sink hv.IrqSink) *Routing {
	r := &Routing{
		sink:      sink,
		sources:   bitmap.New(MaxSources),
		asserting: make(map[uint32]uint64),
	}
	r.sources.Add(UserspaceSourceID)
	return r
}

// AllocSourceID claims a fresh source id. Each contributor to a shared
// guest line holds its own id so one device lowering its interrupt cannot
// drop a line another device is still asserting.
func (r *Routing) AllocSourceID() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, err := r.sources.FirstZero(0)
	if err != nil || id >= MaxSources {
		return 0, fmt.Errorf("all %d irq source ids in use: %w", MaxSources, hv.ErrSourcesExhausted)
	}
	r.sources.Add(id)
	return int(id), nil
}

// FreeSourceID releases a source id, lowering any line it was still
// asserting. Freeing an unallocated id or the userspace id is a fatal
// programming error.
func (r *Routing) FreeSourceID(id int) {
	if id == UserspaceSourceID {
		panic("irq: free of the reserved userspace source id")
	}
	if id < 0 || id >= MaxSources {
		panic(fmt.Sprintf("irq: free of out-of-range source id %d", id))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.allocated(id) {
		panic(fmt.Sprintf("irq: double free of source id %d", id))
	}
	r.sources.Remove(uint32(id))

	for line, mask := range r.asserting {
		if mask&(1<<uint(id)) == 0 {
			continue
		}
		r.asserting[line] = mask &^ (1 << uint(id))
		if r.asserting[line] == 0 {
			delete(r.asserting, line)
			r.sink.SetIrq(line, false)
		}
	}
}

// allocated reports id's allocation state. Caller holds r.mu.
func (r *Routing) allocated(id int) bool {
	one, err := r.sources.FirstOne(uint32(id))
	return err == nil && one == uint32(id)
}

// SetLevel records one source's contribution to a guest line and pushes
// the OR of all contributions to the sink. The line stays high until every
// asserting source has lowered it. The push happens under the routing
// lock so the sink sees aggregate levels in the order they were computed;
// were it pushed after unlocking, a stale lower racing a concurrent raise
// could land last and leave the sink-visible line low while a source still
// asserts it.
func (r *Routing) SetLevel(sourceID int, line uint32, level bool) {
	if sourceID < 0 || sourceID >= MaxSources {
		panic(fmt.Sprintf("irq: set level from out-of-range source id %d", sourceID))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	mask := r.asserting[line]
	if level {
		mask |= 1 << uint(sourceID)
	} else {
		mask &^= 1 << uint(sourceID)
	}
	if mask == 0 {
		delete(r.asserting, line)
	} else {
		r.asserting[line] = mask
	}
	r.sink.SetIrq(line, mask != 0)
}

// Pulse raises and immediately lowers a line on behalf of a source, the
// edge-triggered delivery shape used for MSI and MSI-X.
func (r *Routing) Pulse(sourceID int, line uint32) {
	r.SetLevel(sourceID, line, true)
	r.SetLevel(sourceID, line, false)
}

// RegisterAckNotifier adds n to the registry. A notifier with Gsi set to
// GsiNone is accepted but never fires.
func (r *Routing) RegisterAckNotifier(n *AckNotifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifiers = append(r.notifiers, n)
}

// UnregisterAckNotifier removes n. Unknown notifiers are ignored, which
// lets teardown paths unregister unconditionally.
func (r *Routing) UnregisterAckNotifier(n *AckNotifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, have := range r.notifiers {
		if have == n {
			r.notifiers = append(r.notifiers[:i], r.notifiers[i+1:]...)
			return
		}
	}
}

// NotifyAck fires every notifier registered for gsi. The guest irqchip
// calls it on EOI of a level-triggered line.
func (r *Routing) NotifyAck(gsi int) {
	if gsi == GsiNone {
		return
	}

	r.mu.Lock()
	matched := make([]*AckNotifier, 0, len(r.notifiers))
	for _, n := range r.notifiers {
		if n.Gsi == gsi {
			matched = append(matched, n)
		}
	}
	r.mu.Unlock()

	for _, n := range matched {
		n.Ack(gsi)
	}
}

// LineLevel reports the aggregated level of a guest line.
func (r *Routing) LineLevel(line uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.asserting[line] != 0
}
