package hv

import "errors"

// Sentinel errors shared by every component. Callers classify with
// errors.Is; wrapped messages carry the per-call detail.
var (
	// ErrInvalidArgument rejects a malformed request before any mutation.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrTooManySlots reports that every memory slot id is in use or the
	// requested id is past the slot table capacity.
	ErrTooManySlots = errors.New("too many memory slots")

	// ErrRegionTooLarge reports a page count past the per-slot maximum.
	ErrRegionTooLarge = errors.New("memory region too large")

	// ErrOverlap reports a guest-frame range colliding with a live slot.
	ErrOverlap = errors.New("memory region overlaps existing slot")

	// ErrResizeNotAllowed reports an attempt to change a live slot's page
	// count. Slots are resized by deleting and recreating them.
	ErrResizeNotAllowed = errors.New("memory slot resize not allowed")

	// ErrOutOfMemory reports a failed allocation; the operation left no
	// partial state behind.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrBusFull reports an I/O bus at its device ceiling.
	ErrBusFull = errors.New("io bus full")

	// ErrUnhandled reports an I/O access no registered device claimed.
	ErrUnhandled = errors.New("io access unhandled")

	// ErrAlreadyAssigned reports a duplicate device assignment or a
	// duplicate IRQ type on an already-configured half.
	ErrAlreadyAssigned = errors.New("already assigned")

	// ErrSourcesExhausted reports that every IRQ source id is in use.
	ErrSourcesExhausted = errors.New("irq source ids exhausted")

	// ErrNotFound reports an unknown slot, device, or IRQ.
	ErrNotFound = errors.New("not found")

	// ErrUnsupported reports an IRQ type not available on this host.
	ErrUnsupported = errors.New("unsupported on this host")

	// ErrHardwareEnableFailed reports that a CPU refused to enable
	// virtualization extensions; the whole broadcast was rolled back.
	ErrHardwareEnableFailed = errors.New("hardware virtualization enable failed")

	// ErrTooManyVcpus reports the per-VM VCPU ceiling.
	ErrTooManyVcpus = errors.New("too many vcpus")

	// ErrPagePoisoned reports a hardware-poisoned backing page.
	ErrPagePoisoned = errors.New("host page is hardware poisoned")

	// ErrVMDestroyed reports an operation on a VM whose last reference
	// was already dropped.
	ErrVMDestroyed = errors.New("virtual machine destroyed")
)
