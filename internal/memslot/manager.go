package memslot

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/vmcore/internal/epoch"
	"github.com/tinyrange/vmcore/internal/hv"
)

// MemoryRegion describes one SetMemoryRegion request. Size is in bytes and
// must be page aligned; a zero Size deletes the slot.
type MemoryRegion struct {
	Slot          int
	GuestPhysAddr uint64
	UserAddr      hv.HostAddr
	Size          uint64
	Flags         SlotFlags
}

// Options wires the Manager's host collaborators. Memory is required for
// guest read/write helpers; the rest may be nil when the concern does not
// apply (no assigned devices, no shadow MMU, no pinning).
type Options struct {
	Memory hv.HostMemory
	Pinner hv.PagePinner
	IOMMU  hv.IOMMU
	Shadow hv.ShadowInvalidator
}

// Manager owns the live slot table. Readers translate lock-free against the
// published snapshot; writers serialize on the slots lock and wait out a
// reclamation barrier whenever they retire a snapshot readers may hold.
type Manager struct {
	// mu is the slots lock: it serializes writers and is never taken on
	// the read path. It must not be held together with any other lock
	// across a table replace, whose grace period is unbounded.
	mu sync.Mutex

	table *epoch.Value[Table]

	mem    hv.HostMemory
	pinner hv.PagePinner
	iommu  hv.IOMMU
	shadow hv.ShadowInvalidator
}

func NewManager(opts Options) *Manager {
	return &Manager{
		table:  epoch.NewValue(&Table{}),
		mem:    opts.Memory,
		pinner: opts.Pinner,
		iommu:  opts.IOMMU,
		shadow: opts.Shadow,
	}
}

// Generation reports the live table's structural version.
func (m *Manager) Generation() uint64 {
	return m.table.Peek().Generation()
}

// SlotCount reports the number of live slots.
func (m *Manager) SlotCount() int {
	return m.table.Peek().SlotCount()
}

// SlotRange reports a slot's base guest frame and page count. Unused slot
// ids report zero pages.
func (m *Manager) SlotRange(slot int) (hv.Gfn, uint64) {
	if slot < 0 || slot >= hv.MaxSlots {
		return 0, 0
	}
	s := &m.table.Peek().slots[slot]
	return s.BaseGfn, s.Pages
}

// SetMemoryRegion creates, relocates, reconfigures, or (with a zero size)
// deletes a memory slot. Validation failures reject the call before any
// state changes. A slot's page count cannot change while it is live; delete
// and recreate it instead.
//
// Destructive changes (delete or relocate) publish an interim table with
// the slot marked invalid, wait for all readers of the previous table to
// finish, drop the region's IOMMU and shadow mappings, and only then
// publish the final table. No translation derived from the old slot
// survives the transition.
func (m *Manager) SetMemoryRegion(region MemoryRegion) error {
	if region.Size&hv.PageMask != 0 {
		return fmt.Errorf("size 0x%x not page aligned: %w", region.Size, hv.ErrInvalidArgument)
	}
	if region.GuestPhysAddr&hv.PageMask != 0 {
		return fmt.Errorf("guest address 0x%x not page aligned: %w", region.GuestPhysAddr, hv.ErrInvalidArgument)
	}
	if region.Size > 0 && uint64(region.UserAddr)&hv.PageMask != 0 {
		return fmt.Errorf("host address 0x%x not page aligned: %w", uint64(region.UserAddr), hv.ErrInvalidArgument)
	}
	if region.GuestPhysAddr+region.Size < region.GuestPhysAddr {
		return fmt.Errorf("guest range 0x%x+0x%x wraps: %w", region.GuestPhysAddr, region.Size, hv.ErrInvalidArgument)
	}
	if region.Slot < 0 {
		return fmt.Errorf("slot %d: %w", region.Slot, hv.ErrInvalidArgument)
	}
	if region.Slot >= hv.MaxSlots {
		return fmt.Errorf("slot %d past capacity %d: %w", region.Slot, hv.MaxSlots, hv.ErrTooManySlots)
	}

	baseGfn := hv.GpaToGfn(region.GuestPhysAddr)
	npages := region.Size >> hv.PageShift
	if npages > hv.MaxSlotPages {
		return fmt.Errorf("region of %d pages: %w", npages, hv.ErrRegionTooLarge)
	}

	flags := region.Flags
	if npages == 0 {
		// Deleting a slot never keeps a dirty bitmap.
		flags &^= SlotLogDirtyPages
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.table.Peek() // stable: writers hold m.mu
	old := cur.slots[region.Slot]

	// A live slot's page count is fixed.
	if npages > 0 && old.InUse() && npages != old.Pages {
		return fmt.Errorf("slot %d has %d pages, requested %d: %w",
			region.Slot, old.Pages, npages, hv.ErrResizeNotAllowed)
	}

	if npages > 0 {
		for i := range cur.slots {
			if i == region.Slot {
				continue
			}
			if cur.slots[i].overlaps(baseGfn, npages) {
				return fmt.Errorf("slot %d range [0x%x,0x%x) collides with slot %d: %w",
					region.Slot, uint64(baseGfn), uint64(baseGfn)+npages, i, hv.ErrOverlap)
			}
		}
	}

	newSlot := Slot{
		ID:       region.Slot,
		BaseGfn:  baseGfn,
		Pages:    npages,
		UserAddr: region.UserAddr,
		Flags:    flags,
	}
	if npages > 0 {
		newSlot.rmap = make([]uint64, npages)
		for level := 0; level < hv.NrLargePageLevels; level++ {
			newSlot.lpageInfo[level] = buildLargePageInfo(level, baseGfn, npages, region.UserAddr)
		}
		if flags&SlotLogDirtyPages != 0 {
			if old.InUse() && old.dirty != nil {
				// Keep the established log across a
				// flags-preserving update so no dirty bit is
				// dropped.
				newSlot.dirty = old.dirty
			} else {
				newSlot.dirty = newDirtyLog(npages)
			}
		}
	}

	destructive := old.InUse() && (npages == 0 || baseGfn != old.BaseGfn)
	nextGen := cur.generation + 1

	if destructive {
		interim := cur.clone()
		interim.generation = nextGen
		interim.slots[region.Slot].invalid = true
		m.table.Replace(interim)

		// All readers of the pre-interim table are gone; the old
		// range can be torn out from under the devices and the
		// shadow MMU.
		if m.iommu != nil {
			m.iommu.UnmapPages(old.BaseGfn, old.Pages)
		}
		if m.shadow != nil {
			m.shadow.FlushShadow()
		}
	}

	if npages > 0 && m.iommu != nil {
		if err := m.iommu.MapPages(baseGfn, region.UserAddr, npages); err != nil {
			m.rollback(cur, old, destructive)
			return fmt.Errorf("map slot %d into iommu: %w", region.Slot, err)
		}
	}

	final := m.table.Peek().clone()
	final.generation = nextGen
	final.slots[region.Slot] = newSlot
	m.table.Replace(final)

	return nil
}

// rollback restores the pre-call table after a mid-operation failure. The
// interim invalid table may already be public, so the restore republishes
// the original content under a fresh generation and best-effort re-maps the
// old region for assigned devices.
func (m *Manager) rollback(pre *Table, old Slot, destructive bool) {
	if !destructive {
		return
	}
	restore := pre.clone()
	restore.generation = m.table.Peek().generation + 1
	m.table.Replace(restore)
	if m.iommu != nil && old.InUse() {
		if err := m.iommu.MapPages(old.BaseGfn, old.UserAddr, old.Pages); err != nil {
			slog.Error("memslot: re-map rolled back slot into iommu", "slot", old.ID, "error", err)
		}
	}
	if m.shadow != nil {
		m.shadow.FlushShadow()
	}
}

// buildLargePageInfo sizes a write-count table for one large-page level and
// pre-disables the partial head and tail large pages, plus the whole slot
// when guest and host bases are misaligned with respect to each other.
func buildLargePageInfo(level int, baseGfn hv.Gfn, npages uint64, userAddr hv.HostAddr) []LargePageInfo {
	span := hv.PagesPerLargePage(level)
	count := (uint64(baseGfn)+npages-1)/span - uint64(baseGfn)/span + 1

	info := make([]LargePageInfo, count)
	if uint64(baseGfn)%span != 0 {
		info[0].WriteCount = 1
	}
	if (uint64(baseGfn)+npages)%span != 0 {
		info[count-1].WriteCount = 1
	}

	ugfn := uint64(userAddr) >> hv.PageShift
	if (uint64(baseGfn)^ugfn)&(span-1) != 0 {
		for i := range info {
			info[i].WriteCount = 1
		}
	}
	return info
}

// TranslateGuestFrame resolves a guest frame to its host-virtual address
// against the live table. Misses and invalidated slots yield
// hv.BadHostAddr.
func (m *Manager) TranslateGuestFrame(gfn hv.Gfn) hv.HostAddr {
	t, release := m.table.Load()
	defer release()
	return t.translate(gfn)
}

// IsVisibleGfn reports whether the frame currently resolves inside a live,
// valid slot.
func (m *Manager) IsVisibleGfn(gfn hv.Gfn) bool {
	t, release := m.table.Load()
	defer release()
	return t.visible(gfn)
}

// TranslateToHostPage resolves the frame and pins its backing page.
// Unmapped frames come back as a PageFaulted sentinel, hardware-poisoned
// backings as PagePoisoned, and device-mapped regions as PageDevice with no
// pin taken. The error return is reserved for host failures.
func (m *Manager) TranslateToHostPage(gfn hv.Gfn) (hv.HostPage, error) {
	addr := m.TranslateGuestFrame(gfn)
	if hv.IsErrorHostAddr(addr) {
		return hv.HostPage{Class: hv.PageFaulted}, nil
	}
	if m.pinner == nil {
		return hv.HostPage{Addr: addr, Class: hv.PageNormal}, nil
	}
	page, err := m.pinner.PinPage(addr)
	if err != nil {
		return hv.HostPage{}, fmt.Errorf("pin page for gfn 0x%x: %w", uint64(gfn), err)
	}
	return page, nil
}

// ReleaseHostPage drops a pin taken by TranslateToHostPage.
func (m *Manager) ReleaseHostPage(page hv.HostPage, dirty bool) {
	if m.pinner != nil {
		m.pinner.UnpinPage(page, dirty)
	}
}
