package memslot

import (
	"fmt"
	"sync"

	"github.com/tinyrange/vmcore/internal/hv"
)

// GfnToHvaCache memoizes the translation of one fixed guest-physical
// address. Reads and writes through the cache re-derive the translation
// whenever the live table's generation has moved past the cached one.
// The compare is table-wide, so any slot mutation invalidates the cache,
// including a destructive replace of an unrelated slot.
type GfnToHvaCache struct {
	m *Manager

	mu         sync.Mutex
	gpa        uint64
	generation uint64
	hva        hv.HostAddr
	dirty      *dirtyLog
	pageIndex  uint64
}

// NewGfnToHvaCache binds a cache to gpa. The translation is derived lazily;
// a gpa outside every slot surfaces as ErrNotFound on first use.
func (m *Manager) NewGfnToHvaCache(gpa uint64) *GfnToHvaCache {
	return &GfnToHvaCache{m: m, gpa: gpa, hva: hv.BadHostAddr}
}

// refresh recomputes the translation against the snapshot the caller holds
// a read section for. Caller holds c.mu.
func (c *GfnToHvaCache) refresh(t *Table) {
	gfn := hv.GpaToGfn(c.gpa)
	s := t.slotFor(gfn)

	c.generation = t.Generation()
	c.hva = s.hva(gfn)
	c.dirty = nil
	if c.hva != hv.BadHostAddr {
		c.hva += hv.HostAddr(c.gpa & hv.PageMask)
		if s.dirty != nil {
			c.dirty = s.dirty
			c.pageIndex = uint64(gfn - s.BaseGfn)
		}
	}
}

// resolve returns the current host address for the cached gpa, re-deriving
// on generation mismatch or if the cached translation is the miss sentinel
// (the binding may have been re-established by a later slot change).
func (c *GfnToHvaCache) resolve(t *Table) (hv.HostAddr, *dirtyLog, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generation != t.Generation() || hv.IsErrorHostAddr(c.hva) {
		c.refresh(t)
	}
	if hv.IsErrorHostAddr(c.hva) {
		return hv.BadHostAddr, nil, 0, fmt.Errorf("cached gpa 0x%x unmapped: %w", c.gpa, hv.ErrNotFound)
	}
	return c.hva, c.dirty, c.pageIndex, nil
}

// Read copies len(p) bytes from the cached guest address.
func (c *GfnToHvaCache) Read(p []byte) error {
	t, release := c.m.table.Load()
	defer release()

	hva, _, _, err := c.resolve(t)
	if err != nil {
		return err
	}
	if err := c.m.mem.Read(hva, p); err != nil {
		return fmt.Errorf("cached read at 0x%x: %w", c.gpa, err)
	}
	return nil
}

// Write copies len(p) bytes to the cached guest address and marks the page
// dirty.
func (c *GfnToHvaCache) Write(p []byte) error {
	t, release := c.m.table.Load()
	defer release()

	hva, dirty, pageIndex, err := c.resolve(t)
	if err != nil {
		return err
	}
	if err := c.m.mem.Write(hva, p); err != nil {
		return fmt.Errorf("cached write at 0x%x: %w", c.gpa, err)
	}
	if dirty != nil {
		dirty.mark(pageIndex)
	}
	return nil
}

// Generation reports the table generation the cached translation was
// derived at.
func (c *GfnToHvaCache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}
