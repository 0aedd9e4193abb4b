package vm

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/tinyrange/vmcore/internal/hv"
	"github.com/tinyrange/vmcore/internal/sched"
)

// VCPU is one virtual processor. Run executes on a dedicated goroutine;
// the other methods are safe to call from anywhere.
type VCPU struct {
	id int
	vm *VM

	blocker *sched.Blocker
	spin    sched.SpinTracker

	// preempted approximates "runnable but not running": set when Run
	// loses the thread at an exit boundary, cleared when it resumes.
	preempted atomic.Bool
	blocked   atomic.Bool
	killed    atomic.Bool
}

// CreateVCPU adds a vCPU with the given id. Each vCPU handle holds its own
// VM reference, dropped by Release.
func (vm *VM) CreateVCPU(id int) (*VCPU, error) {
	if id < 0 {
		return nil, fmt.Errorf("vcpu id %d: %w", id, hv.ErrInvalidArgument)
	}
	if id >= hv.MaxVcpus {
		return nil, fmt.Errorf("vcpu id %d past capacity %d: %w", id, hv.MaxVcpus, hv.ErrTooManyVcpus)
	}

	vm.vcpuMu.Lock()
	defer vm.vcpuMu.Unlock()

	cur := *vm.vcpus.Load()
	for _, have := range cur {
		if have.id == id {
			return nil, fmt.Errorf("vcpu id %d: %w", id, hv.ErrAlreadyAssigned)
		}
	}
	if err := vm.Get(); err != nil {
		return nil, fmt.Errorf("create vcpu %d: %w", id, err)
	}

	vcpu := &VCPU{id: id, vm: vm}
	vcpu.blocker = sched.NewBlocker(
		func() { vcpu.blocked.Store(true) },
		func() { vcpu.blocked.Store(false) },
	)

	next := make([]*VCPU, len(cur)+1)
	copy(next, cur)
	next[len(cur)] = vcpu
	vm.vcpus.Store(&next)
	return vcpu, nil
}

// ID reports the vCPU id.
func (c *VCPU) ID() int { return c.id }

// Release drops the vCPU's VM reference. The vCPU must not Run afterward.
func (c *VCPU) Release() {
	c.kill()
	c.vm.Put()
}

func (c *VCPU) kill() {
	if c.killed.CompareAndSwap(false, true) {
		c.blocker.Kill()
	}
}

// Run executes the vCPU until the guest shuts down, the context is
// cancelled, or an exit cannot be handled. MMIO and port I/O exits
// dispatch into the VM's buses; a halted guest parks on the blocker until
// an interrupt or a kill arrives.
func (c *VCPU) Run(ctx context.Context) error {
	if c.vm.emulator == nil {
		return fmt.Errorf("vm has no cpu emulator: %w", hv.ErrUnsupported)
	}

	for {
		if c.killed.Load() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		c.preempted.Store(false)
		exit, err := c.vm.emulator.RunVcpu(ctx, c.id)
		c.preempted.Store(true)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("run vcpu %d: %w", c.id, err)
		}

		switch exit.Kind {
		case hv.ExitMmio:
			if err := c.vm.mmio.Dispatch(ctx, exit.Addr, exit.Data, exit.IsWrite); err != nil {
				return fmt.Errorf("vcpu %d: %w", c.id, err)
			}
		case hv.ExitPio:
			if err := c.vm.pio.Dispatch(ctx, exit.Addr, exit.Data, exit.IsWrite); err != nil {
				return fmt.Errorf("vcpu %d: %w", c.id, err)
			}
		case hv.ExitHalt:
			if c.blocker.Block(ctx) == sched.WakeKill {
				return nil
			}
		case hv.ExitShutdown:
			return nil
		default:
			return fmt.Errorf("vcpu %d exit kind %d: %w", c.id, exit.Kind, hv.ErrUnsupported)
		}
	}
}

// WakeRunnable unparks a halted vCPU, typically on interrupt injection.
func (c *VCPU) WakeRunnable() { c.blocker.WakeRunnable() }

// WakeTimer unparks a halted vCPU for a fired guest timer.
func (c *VCPU) WakeTimer() { c.blocker.WakeTimer() }

// OnSpin runs one directed-yield episode for a vCPU that believes it is
// spinning on a lock held by a preempted sibling. Purely advisory.
func (c *VCPU) OnSpin() bool {
	c.spin.StartSpin()
	boosted := c.vm.yield.OnSpin(c.indexInVM(), &vcpuOracle{vcpus: *c.vm.vcpus.Load()})
	c.spin.EndSpin()
	return boosted
}

func (c *VCPU) indexInVM() int {
	for i, have := range *c.vm.vcpus.Load() {
		if have == c {
			return i
		}
	}
	return -1
}

// vcpuOracle adapts a vCPU snapshot to the directed-yield oracle.
type vcpuOracle struct {
	vcpus []*VCPU
}

func (o *vcpuOracle) NumVCPUs() int { return len(o.vcpus) }

func (o *vcpuOracle) Preempted(i int) bool { return o.vcpus[i].preempted.Load() }

func (o *vcpuOracle) Blocked(i int) bool { return o.vcpus[i].blocked.Load() }

func (o *vcpuOracle) Eligible(i int) bool { return o.vcpus[i].spin.CheckEligible() }

// YieldTo gives the scheduler a chance to run the candidate. Goroutines
// have no directed donation, so this reschedules and reports success; the
// heuristic stays advisory either way.
func (o *vcpuOracle) YieldTo(i int) sched.YieldResult {
	runtime.Gosched()
	return sched.YieldOK
}
