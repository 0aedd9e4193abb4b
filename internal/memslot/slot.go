// Package memslot implements the versioned guest-physical memory slot
// table: lock-free translation for readers, copy-on-write publication with
// a reclamation barrier for writers, dirty-page tracking, and
// generation-checked address caches.
package memslot

import (
	"sync"

	"gvisor.dev/gvisor/pkg/bitmap"

	"github.com/tinyrange/vmcore/internal/hv"
)

// SlotFlags alter per-slot behavior.
type SlotFlags uint32

const (
	// SlotLogDirtyPages requests a dirty bitmap for the slot.
	SlotLogDirtyPages SlotFlags = 1 << 0
)

// LargePageInfo tracks write-protection bookkeeping for one large page.
// A non-zero WriteCount disables the large mapping.
type LargePageInfo struct {
	WriteCount int32
}

// dirtyLog is the mutable dirty state of one slot. It is shared by every
// table copy that carries the slot, so a bit set through an old snapshot is
// never lost by a concurrent republish.
type dirtyLog struct {
	mu   sync.Mutex
	bits bitmap.Bitmap
}

func newDirtyLog(pages uint64) *dirtyLog {
	return &dirtyLog{bits: bitmap.New(uint32(pages))}
}

// mark sets the bit for a page index unless it is already set.
func (d *dirtyLog) mark(index uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	// bitmap.Add is a check-then-set: an already-dirty page causes no
	// write to the backing word.
	d.bits.Add(uint32(index))
}

func (d *dirtyLog) snapshot() (bitmap.Bitmap, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bits.Clone(), !d.bits.IsEmpty()
}

func (d *dirtyLog) clear(pages uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bits = bitmap.New(uint32(pages))
}

// Slot is one contiguous guest-physical range backed by a contiguous
// host-virtual range. Slots inside a published table are immutable; writers
// replace them wholesale.
type Slot struct {
	ID       int
	BaseGfn  hv.Gfn
	Pages    uint64
	UserAddr hv.HostAddr
	Flags    SlotFlags

	// invalid marks a slot mid-removal: still present so readers resolve
	// its range to "not present" instead of racing a disappearing entry.
	invalid bool

	// rmap holds one reverse-map entry per guest frame for shadow-mapping
	// bookkeeping.
	rmap []uint64

	// lpageInfo holds write counts per supported large-page level.
	lpageInfo [hv.NrLargePageLevels][]LargePageInfo

	dirty *dirtyLog
}

// InUse reports whether the slot id is live. A zero page count is a deleted
// slot and carries no auxiliary arrays.
func (s *Slot) InUse() bool {
	return s.Pages > 0
}

func (s *Slot) contains(gfn hv.Gfn) bool {
	return gfn >= s.BaseGfn && gfn < s.BaseGfn+hv.Gfn(s.Pages)
}

// hva resolves a frame inside the slot to its host-virtual address.
func (s *Slot) hva(gfn hv.Gfn) hv.HostAddr {
	if s == nil || s.invalid || !s.contains(gfn) {
		return hv.BadHostAddr
	}
	return s.UserAddr + hv.HostAddr(uint64(gfn-s.BaseGfn)<<hv.PageShift)
}

func (s *Slot) overlaps(base hv.Gfn, pages uint64) bool {
	if !s.InUse() {
		return false
	}
	return base < s.BaseGfn+hv.Gfn(s.Pages) && s.BaseGfn < base+hv.Gfn(pages)
}
