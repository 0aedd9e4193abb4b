package hwenable

import (
	"errors"
	"sync"
	"testing"

	"github.com/tinyrange/vmcore/internal/host/hostfake"
	"github.com/tinyrange/vmcore/internal/hv"
)

func newTestCPUs(n int) ([]*hostfake.CPU, []hv.CPU) {
	fakes := make([]*hostfake.CPU, n)
	cpus := make([]hv.CPU, n)
	for i := range fakes {
		fakes[i] = hostfake.NewCPU(i)
		cpus[i] = fakes[i]
	}
	return fakes, cpus
}

func TestAcquireReleaseRefcount(t *testing.T) {
	fakes, cpus := newTestCPUs(4)
	r := NewRegistry(cpus)

	// Overlapping acquires broadcast exactly once.
	const n = 5
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Acquire(); err != nil {
				t.Errorf("Acquire: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := r.Usage(); got != n {
		t.Fatalf("usage = %d, want %d", got, n)
	}
	for _, cpu := range fakes {
		enables, disables := cpu.Counts()
		if enables != 1 || disables != 0 {
			t.Fatalf("cpu %d: enables=%d disables=%d after %d acquires", cpu.ID(), enables, disables, n)
		}
	}

	// Releases broadcast disable exactly once, on the last one.
	for i := 0; i < n; i++ {
		for _, cpu := range fakes {
			if _, disables := cpu.Counts(); disables != 0 && i < n-1 {
				t.Fatalf("cpu %d disabled before the last release", cpu.ID())
			}
		}
		r.Release()
	}
	for _, cpu := range fakes {
		enables, disables := cpu.Counts()
		if enables != 1 || disables != 1 {
			t.Fatalf("cpu %d: enables=%d disables=%d after all releases", cpu.ID(), enables, disables)
		}
		if cpu.Enabled() {
			t.Fatalf("cpu %d still enabled", cpu.ID())
		}
	}
}

func TestAcquireRollsBackOnFailure(t *testing.T) {
	fakes, cpus := newTestCPUs(4)
	fakes[2].FailEnable(errors.New("vmx locked off in firmware"))
	r := NewRegistry(cpus)

	if err := r.Acquire(); !errors.Is(err, hv.ErrHardwareEnableFailed) {
		t.Fatalf("Acquire: got %v, want ErrHardwareEnableFailed", err)
	}
	if got := r.Usage(); got != 0 {
		t.Fatalf("usage after failed acquire = %d", got)
	}
	for _, cpu := range fakes {
		if cpu.Enabled() {
			t.Fatalf("cpu %d left enabled after rollback", cpu.ID())
		}
	}

	// A later acquire works once the CPU cooperates.
	fakes[2].FailEnable(nil)
	if err := r.Acquire(); err != nil {
		t.Fatalf("Acquire after recovery: %v", err)
	}
	for _, cpu := range fakes {
		if !cpu.Enabled() {
			t.Fatalf("cpu %d not enabled", cpu.ID())
		}
	}
}

func TestReleaseWithoutAcquirePanics(t *testing.T) {
	r := NewRegistry(nil)
	defer func() {
		if recover() == nil {
			t.Fatal("release without acquire did not panic")
		}
	}()
	r.Release()
}

func TestHotplug(t *testing.T) {
	fakes, cpus := newTestCPUs(2)
	r := NewRegistry(cpus)
	if err := r.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// A CPU arriving while VMs run is enabled alone.
	late := hostfake.NewCPU(9)
	if err := r.CPUOnline(late); err != nil {
		t.Fatalf("CPUOnline: %v", err)
	}
	if !late.Enabled() {
		t.Fatal("hotplugged cpu not enabled")
	}
	if got := r.Usage(); got != 1 {
		t.Fatalf("hotplug touched the use count: %d", got)
	}

	// Offlining disables only that CPU.
	r.CPUOffline(0)
	if fakes[0].Enabled() {
		t.Fatal("offlined cpu still enabled")
	}
	if !fakes[1].Enabled() || !late.Enabled() {
		t.Fatal("offline disturbed other cpus")
	}
	if got := r.Usage(); got != 1 {
		t.Fatalf("offline touched the use count: %d", got)
	}

	// Online with no VM running leaves the extensions off.
	r.Release()
	idle := hostfake.NewCPU(12)
	if err := r.CPUOnline(idle); err != nil {
		t.Fatalf("CPUOnline: %v", err)
	}
	if idle.Enabled() {
		t.Fatal("cpu enabled with zero usage")
	}
}

func TestSuspendResume(t *testing.T) {
	fakes, cpus := newTestCPUs(2)
	r := NewRegistry(cpus)
	if err := r.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	r.Suspend(1)
	if fakes[1].Enabled() {
		t.Fatal("suspended cpu still enabled")
	}
	if !fakes[0].Enabled() {
		t.Fatal("suspend disturbed another cpu")
	}

	r.Resume(1)
	if !fakes[1].Enabled() {
		t.Fatal("resumed cpu not re-enabled")
	}

	// Resuming twice is a no-op.
	r.Resume(1)
	if enables, _ := fakes[1].Counts(); enables != 2 {
		t.Fatalf("enables on resumed cpu = %d, want 2", enables)
	}

	// Resume with no VM running stays off.
	r.Release()
	r.Resume(1)
	if fakes[1].Enabled() {
		t.Fatal("cpu re-enabled with zero usage")
	}
}

func TestReboot(t *testing.T) {
	fakes, cpus := newTestCPUs(3)
	r := NewRegistry(cpus)
	if err := r.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	r.Reboot()
	for _, cpu := range fakes {
		if cpu.Enabled() {
			t.Fatalf("cpu %d enabled after reboot", cpu.ID())
		}
	}
	// The count is deliberately untouched; the process is going down.
	if got := r.Usage(); got != 1 {
		t.Fatalf("reboot touched the use count: %d", got)
	}
}
