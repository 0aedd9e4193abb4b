package hv

import "context"

// ExitKind classifies why guest execution stopped.
type ExitKind int

const (
	// ExitHalt means the guest executed a halt and waits for an
	// interrupt.
	ExitHalt ExitKind = iota

	// ExitMmio is a memory-mapped I/O access outside guest RAM.
	ExitMmio

	// ExitPio is a port I/O access.
	ExitPio

	// ExitShutdown means the guest requested power-off.
	ExitShutdown
)

// Exit is one stop of guest execution. For I/O exits Data is the access
// buffer: filled in by the handler on reads, carrying the guest's bytes on
// writes.
type Exit struct {
	Kind    ExitKind
	Addr    uint64
	Data    []byte
	IsWrite bool
}

// CPUEmulator executes guest code. The control core is emulator-agnostic;
// the platform backend implements this.
type CPUEmulator interface {
	// RunVcpu runs vcpu id until its next exit.
	RunVcpu(ctx context.Context, id int) (Exit, error)
}
