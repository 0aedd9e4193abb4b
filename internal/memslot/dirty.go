package memslot

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/bitmap"

	"github.com/tinyrange/vmcore/internal/hv"
)

// MarkDirty records a write to a guest frame in its slot's dirty bitmap.
// Frames outside every slot, or in slots without dirty tracking, are
// ignored. The bit is check-then-set: marking an already-dirty page does
// not write to the bitmap.
func (m *Manager) MarkDirty(gfn hv.Gfn) {
	t, release := m.table.Load()
	defer release()
	markDirtyInSlot(t.slotFor(gfn), gfn)
}

func markDirtyInSlot(s *Slot, gfn hv.Gfn) {
	if s == nil || s.dirty == nil || !s.contains(gfn) {
		return
	}
	s.dirty.mark(uint64(gfn - s.BaseGfn))
}

// DirtyLog returns a copy of a slot's dirty bitmap plus an aggregate
// "any bit set" flag. Retrieval does not clear the log: callers that use
// the log to re-sync pages must ClearDirtyLog first and fetch again
// afterwards, so a page dirtied between fetch and clear is reported by the
// next fetch instead of being lost.
func (m *Manager) DirtyLog(slot int) (bitmap.Bitmap, bool, error) {
	if slot < 0 || slot >= hv.MaxSlots {
		return bitmap.Bitmap{}, false, fmt.Errorf("slot %d: %w", slot, hv.ErrInvalidArgument)
	}

	t, release := m.table.Load()
	defer release()

	s := &t.slots[slot]
	if !s.InUse() || s.dirty == nil {
		return bitmap.Bitmap{}, false, fmt.Errorf("slot %d has no dirty log: %w", slot, hv.ErrNotFound)
	}

	bits, any := s.dirty.snapshot()
	return bits, any, nil
}

// ClearDirtyLog resets every bit in a slot's dirty bitmap.
func (m *Manager) ClearDirtyLog(slot int) error {
	if slot < 0 || slot >= hv.MaxSlots {
		return fmt.Errorf("slot %d: %w", slot, hv.ErrInvalidArgument)
	}

	t, release := m.table.Load()
	defer release()

	s := &t.slots[slot]
	if !s.InUse() || s.dirty == nil {
		return fmt.Errorf("slot %d has no dirty log: %w", slot, hv.ErrNotFound)
	}

	s.dirty.clear(s.Pages)
	return nil
}
