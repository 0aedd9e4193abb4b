package memslot

import (
	"fmt"

	"github.com/tinyrange/vmcore/internal/hv"
)

// nextSegment bounds one guest access to the end of its page.
func nextSegment(remaining uint64, offset uint64) int {
	if seg := hv.PageSize - offset; seg < remaining {
		return int(seg)
	}
	return int(remaining)
}

// ReadGuestPage copies len(p) bytes out of one guest page. offset+len(p)
// must not cross the page boundary.
func (m *Manager) ReadGuestPage(gfn hv.Gfn, offset uint64, p []byte) error {
	addr := m.TranslateGuestFrame(gfn)
	if hv.IsErrorHostAddr(addr) {
		return fmt.Errorf("read gfn 0x%x: %w", uint64(gfn), hv.ErrNotFound)
	}
	if err := m.mem.Read(addr+hv.HostAddr(offset), p); err != nil {
		return fmt.Errorf("read gfn 0x%x+0x%x: %w", uint64(gfn), offset, err)
	}
	return nil
}

// WriteGuestPage copies len(p) bytes into one guest page and marks it
// dirty. offset+len(p) must not cross the page boundary.
func (m *Manager) WriteGuestPage(gfn hv.Gfn, offset uint64, p []byte) error {
	t, release := m.table.Load()
	defer release()

	s := t.slotFor(gfn)
	addr := s.hva(gfn)
	if hv.IsErrorHostAddr(addr) {
		return fmt.Errorf("write gfn 0x%x: %w", uint64(gfn), hv.ErrNotFound)
	}
	if err := m.mem.Write(addr+hv.HostAddr(offset), p); err != nil {
		return fmt.Errorf("write gfn 0x%x+0x%x: %w", uint64(gfn), offset, err)
	}
	markDirtyInSlot(s, gfn)
	return nil
}

// ReadGuest copies from a guest-physical byte range, crossing slot and page
// boundaries as needed.
func (m *Manager) ReadGuest(gpa uint64, p []byte) error {
	gfn := hv.GpaToGfn(gpa)
	offset := gpa & hv.PageMask
	for len(p) > 0 {
		seg := nextSegment(uint64(len(p)), offset)
		if err := m.ReadGuestPage(gfn, offset, p[:seg]); err != nil {
			return err
		}
		p = p[seg:]
		offset = 0
		gfn++
	}
	return nil
}

// WriteGuest copies into a guest-physical byte range, crossing slot and
// page boundaries as needed, marking every touched page dirty.
func (m *Manager) WriteGuest(gpa uint64, p []byte) error {
	gfn := hv.GpaToGfn(gpa)
	offset := gpa & hv.PageMask
	for len(p) > 0 {
		seg := nextSegment(uint64(len(p)), offset)
		if err := m.WriteGuestPage(gfn, offset, p[:seg]); err != nil {
			return err
		}
		p = p[seg:]
		offset = 0
		gfn++
	}
	return nil
}

// ClearGuest zeroes a guest-physical byte range.
func (m *Manager) ClearGuest(gpa uint64, length uint64) error {
	var zero [hv.PageSize]byte
	gfn := hv.GpaToGfn(gpa)
	offset := gpa & hv.PageMask
	for length > 0 {
		seg := nextSegment(length, offset)
		if err := m.WriteGuestPage(gfn, offset, zero[:seg]); err != nil {
			return err
		}
		length -= uint64(seg)
		offset = 0
		gfn++
	}
	return nil
}
