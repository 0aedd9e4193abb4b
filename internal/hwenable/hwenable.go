// Package hwenable coordinates the per-CPU virtualization extension state.
// A global use count gates the enable broadcast: the first VM to come up
// turns the extensions on everywhere, the last one down turns them off.
// Hotplug, suspend, and reboot adjust single CPUs against the same count.
package hwenable

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/vmcore/internal/hv"
)

// Registry owns the enable state for a set of host CPUs. Construct one at
// process start and inject it into every VM.
type Registry struct {
	// mu covers the use count, the CPU set, and every broadcast, so the
	// count and the hardware state can never disagree with each other.
	mu      sync.Mutex
	cpus    map[int]hv.CPU
	enabled map[int]bool
	usage   int
}

func NewRegistry(cpus []hv.CPU) *Registry {
	r := &Registry{
		cpus:    make(map[int]hv.CPU),
		enabled: make(map[int]bool),
	}
	for _, cpu := range cpus {
		r.cpus[cpu.ID()] = cpu
	}
	return r
}

// Acquire takes one use of the virtualization hardware. The first use
// enables the extensions on every online CPU; if any CPU refuses, the ones
// already enabled are rolled back and the acquire fails, leaving the
// count untouched.
func (r *Registry) Acquire() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.usage++
	if r.usage > 1 {
		return nil
	}

	for id, cpu := range r.cpus {
		if err := cpu.EnableVirtualization(); err != nil {
			for doneID := range r.enabled {
				r.cpus[doneID].DisableVirtualization()
			}
			clear(r.enabled)
			r.usage--
			return fmt.Errorf("cpu %d: %v: %w", id, err, hv.ErrHardwareEnableFailed)
		}
		r.enabled[id] = true
	}
	return nil
}

// Release drops one use. The last release disables the extensions
// everywhere. Releasing more than acquired is a fatal programming error.
func (r *Registry) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.usage == 0 {
		panic("hwenable: release without acquire")
	}
	r.usage--
	if r.usage > 0 {
		return
	}
	r.disableAllLocked()
}

// disableAllLocked turns the extensions off on every enabled CPU. Caller
// holds r.mu.
func (r *Registry) disableAllLocked() {
	for id := range r.enabled {
		r.cpus[id].DisableVirtualization()
	}
	clear(r.enabled)
}

// CPUOnline adds a hotplugged CPU and, if any VM is running, enables the
// extensions on it alone. The use count is not touched.
func (r *Registry) CPUOnline(cpu hv.CPU) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cpus[cpu.ID()] = cpu
	if r.usage == 0 {
		return nil
	}
	if err := cpu.EnableVirtualization(); err != nil {
		delete(r.cpus, cpu.ID())
		return fmt.Errorf("cpu %d coming online: %v: %w", cpu.ID(), err, hv.ErrHardwareEnableFailed)
	}
	r.enabled[cpu.ID()] = true
	return nil
}

// CPUOffline disables the extensions on one departing CPU and forgets it.
func (r *Registry) CPUOffline(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.enabled[id] {
		r.cpus[id].DisableVirtualization()
		delete(r.enabled, id)
	}
	delete(r.cpus, id)
}

// Suspend disables the extensions on one CPU ahead of a system sleep
// without touching the use count.
func (r *Registry) Suspend(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.enabled[id] {
		r.cpus[id].DisableVirtualization()
		delete(r.enabled, id)
	}
}

// Resume re-enables the extensions on one CPU after a system sleep if any
// VM is still running.
func (r *Registry) Resume(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cpu, ok := r.cpus[id]
	if !ok || r.usage == 0 || r.enabled[id] {
		return
	}
	if err := cpu.EnableVirtualization(); err != nil {
		slog.Error("hwenable: re-enable on resume", "cpu", id, "error", err)
		return
	}
	r.enabled[id] = true
}

// Reboot force-disables the extensions everywhere regardless of the use
// count, for emergency restart paths where no orderly VM teardown runs.
func (r *Registry) Reboot() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disableAllLocked()
}

// Usage reports the current use count.
func (r *Registry) Usage() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usage
}
