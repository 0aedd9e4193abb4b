package memslot

import "github.com/tinyrange/vmcore/internal/hv"

// Table is one immutable published snapshot of the slot table. Readers
// obtained it from an epoch read section and may use it until they release
// that section; writers never mutate a published table.
type Table struct {
	generation uint64
	slots      [hv.MaxSlots]Slot
}

// Generation reports the snapshot's structural version. It advances on
// every completed slot mutation and is the cheap invalidation check for
// caches derived from an older snapshot.
func (t *Table) Generation() uint64 {
	return t.generation
}

// slotFor returns the slot covering gfn, including an invalid (mid-removal)
// slot; callers that must not see invalid slots check the flag themselves.
func (t *Table) slotFor(gfn hv.Gfn) *Slot {
	for i := range t.slots {
		s := &t.slots[i]
		if s.InUse() && s.contains(gfn) {
			return s
		}
	}
	return nil
}

// translate resolves gfn against the snapshot. Frames inside no slot or
// inside an invalidated slot yield hv.BadHostAddr.
func (t *Table) translate(gfn hv.Gfn) hv.HostAddr {
	return t.slotFor(gfn).hva(gfn)
}

// visible reports whether gfn resolves inside a live, valid slot.
func (t *Table) visible(gfn hv.Gfn) bool {
	s := t.slotFor(gfn)
	return s != nil && !s.invalid
}

// clone copies the snapshot for a writer to edit before republishing.
// Auxiliary arrays are carried by reference; a writer that changes a slot
// installs fresh arrays rather than touching shared ones.
func (t *Table) clone() *Table {
	next := &Table{generation: t.generation}
	next.slots = t.slots
	return next
}

// SlotCount reports the number of live slots in the snapshot.
func (t *Table) SlotCount() int {
	n := 0
	for i := range t.slots {
		if t.slots[i].InUse() {
			n++
		}
	}
	return n
}
