package assign

import (
	"errors"
	"testing"
	"time"

	"github.com/tinyrange/vmcore/internal/host/hostfake"
	"github.com/tinyrange/vmcore/internal/hv"
	"github.com/tinyrange/vmcore/internal/irq"
)

var testAddr = hv.PCIAddress{Domain: 0, Bus: 3, Device: 0, Function: 0}

func newTestRig(t *testing.T) (*Manager, *irq.Routing, *hostfake.IrqSink) {
	t.Helper()
	sink := hostfake.NewIrqSink()
	routing := irq.NewRouting(sink)
	return NewManager(routing), routing, sink
}

// eventually polls cond until it holds or the deadline passes. Interrupt
// delivery runs on the worker goroutine, so guest-visible effects of a
// fired interrupt are asynchronous.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAssignDevice(t *testing.T) {
	m, _, _ := newTestRig(t)
	host := hostfake.NewDevice(testAddr, 10)

	dev, err := m.AssignDevice(host)
	if err != nil {
		t.Fatalf("AssignDevice: %v", err)
	}
	enabled, assigned, owner, resets := host.State()
	if !enabled || !assigned || owner == "" || resets != 1 {
		t.Fatalf("host state after assign: enabled=%v assigned=%v owner=%q resets=%d",
			enabled, assigned, owner, resets)
	}

	if _, err := m.AssignDevice(host); !errors.Is(err, hv.ErrAlreadyAssigned) {
		t.Fatalf("double assign: got %v, want ErrAlreadyAssigned", err)
	}

	got, err := m.Device(testAddr)
	if err != nil || got != dev {
		t.Fatalf("Device lookup: %v, %v", got, err)
	}

	if err := m.DeassignDevice(dev); err != nil {
		t.Fatalf("DeassignDevice: %v", err)
	}
	enabled, assigned, owner, resets = host.State()
	if enabled || assigned || owner != "" || resets != 2 {
		t.Fatalf("host state after deassign: enabled=%v assigned=%v owner=%q resets=%d",
			enabled, assigned, owner, resets)
	}
	if err := m.DeassignDevice(dev); !errors.Is(err, hv.ErrNotFound) {
		t.Fatalf("double deassign: got %v, want ErrNotFound", err)
	}
	if m.Count() != 0 {
		t.Fatalf("count after deassign = %d", m.Count())
	}
}

func TestAssignDeviceRollsBackOnReservationConflict(t *testing.T) {
	m, _, _ := newTestRig(t)
	host := hostfake.NewDevice(testAddr, 10)
	if err := host.RequestRegions("other driver"); err != nil {
		t.Fatalf("seed reservation: %v", err)
	}

	if _, err := m.AssignDevice(host); !errors.Is(err, hv.ErrAlreadyAssigned) {
		t.Fatalf("assign with held regions: got %v, want ErrAlreadyAssigned", err)
	}
	enabled, assigned, owner, _ := host.State()
	if enabled || assigned {
		t.Fatalf("failed assign left state behind: enabled=%v assigned=%v", enabled, assigned)
	}
	if owner != "other driver" {
		t.Fatalf("foreign reservation disturbed: owner=%q", owner)
	}
}

func TestGuestIrqStateMachine(t *testing.T) {
	m, _, _ := newTestRig(t)
	dev, err := m.AssignDevice(hostfake.NewDevice(testAddr, 10))
	if err != nil {
		t.Fatalf("AssignDevice: %v", err)
	}

	if err := dev.DeassignIrq(DeassignAll); !errors.Is(err, hv.ErrNotFound) {
		t.Fatalf("deassign with nothing assigned: got %v, want ErrNotFound", err)
	}

	if err := dev.AssignGuestIrq(IrqIntx, 9); err != nil {
		t.Fatalf("AssignGuestIrq: %v", err)
	}
	first := dev.SourceID()
	if first < 0 || first == irq.UserspaceSourceID {
		t.Fatalf("source id = %d", first)
	}

	if err := dev.AssignGuestIrq(IrqMsi, 40); !errors.Is(err, hv.ErrAlreadyAssigned) {
		t.Fatalf("second guest irq: got %v, want ErrAlreadyAssigned", err)
	}

	if err := dev.DeassignIrq(DeassignGuest); err != nil {
		t.Fatalf("DeassignIrq(guest): %v", err)
	}
	if got := dev.GuestIrqType(); got != IrqNone {
		t.Fatalf("guest type after deassign = %v", got)
	}

	// Reassign succeeds with a freshly allocated source id. The allocator
	// hands out the lowest free id, so the number itself may repeat; the
	// deassign must have genuinely released it for this to succeed at all
	// once the allocator fills up.
	if err := dev.AssignGuestIrq(IrqMsi, 40); err != nil {
		t.Fatalf("reassign guest irq: %v", err)
	}
	if dev.GuestIrqType() != IrqMsi || dev.SourceID() < 0 {
		t.Fatalf("state after reassign: type=%v source=%d", dev.GuestIrqType(), dev.SourceID())
	}
}

func TestIntxDeliveryAndAck(t *testing.T) {
	m, routing, sink := newTestRig(t)
	host := hostfake.NewDevice(testAddr, 10)
	dev, err := m.AssignDevice(host)
	if err != nil {
		t.Fatalf("AssignDevice: %v", err)
	}

	if err := dev.AssignHostIrq(IrqIntx); err != nil {
		t.Fatalf("AssignHostIrq: %v", err)
	}
	const gsi = 21
	if err := dev.AssignGuestIrq(IrqIntx, gsi); err != nil {
		t.Fatalf("AssignGuestIrq: %v", err)
	}

	if !host.Fire(10) {
		t.Fatal("fire on the intx line dropped")
	}
	eventually(t, "guest line raise", func() bool { return sink.Level(gsi) })
	if !host.Masked(10) {
		t.Fatal("host line not masked while interrupt is pending")
	}

	// The masked host line drops a re-fire instead of storming.
	if host.Fire(10) {
		t.Fatal("masked host line delivered")
	}

	routing.NotifyAck(gsi)
	eventually(t, "guest line lower", func() bool { return !sink.Level(gsi) })
	if host.Masked(10) {
		t.Fatal("host line still masked after guest ack")
	}

	// A second ack on the shared line is a no-op.
	routing.NotifyAck(gsi)
	if host.Masked(10) || sink.Level(gsi) {
		t.Fatal("idempotent ack changed state")
	}

	// The re-enabled line delivers again.
	if !host.Fire(10) {
		t.Fatal("re-fire after ack dropped")
	}
	eventually(t, "second raise", func() bool { return sink.Level(gsi) })
}

func TestMsiDelivery(t *testing.T) {
	m, _, sink := newTestRig(t)
	host := hostfake.NewDevice(testAddr, 10)
	host.MSIVector = 77
	dev, err := m.AssignDevice(host)
	if err != nil {
		t.Fatalf("AssignDevice: %v", err)
	}

	if err := dev.AssignHostIrq(IrqMsi); err != nil {
		t.Fatalf("AssignHostIrq: %v", err)
	}
	if err := dev.AssignGuestIrq(IrqMsi, 45); err != nil {
		t.Fatalf("AssignGuestIrq: %v", err)
	}
	if msi, _, _ := host.MessageSignaled(); !msi {
		t.Fatal("msi capability not enabled")
	}

	if !host.Fire(77) {
		t.Fatal("fire on the msi vector dropped")
	}
	// Edge delivery: a raise immediately followed by a lower.
	eventually(t, "msi pulse", func() bool {
		events := sink.Events()
		return len(events) >= 2 &&
			events[0] == (hostfake.IrqEvent{Line: 45, Level: true}) &&
			events[1] == (hostfake.IrqEvent{Line: 45, Level: false})
	})
}

func TestMsixDelivery(t *testing.T) {
	m, _, sink := newTestRig(t)
	host := hostfake.NewDevice(testAddr, 10)
	host.NumMSIXVectors = 8
	host.MSIXBase = 100
	dev, err := m.AssignDevice(host)
	if err != nil {
		t.Fatalf("AssignDevice: %v", err)
	}

	if err := dev.AssignHostIrq(IrqMsix); !errors.Is(err, hv.ErrInvalidArgument) {
		t.Fatalf("msi-x host irq before sizing: got %v, want ErrInvalidArgument", err)
	}
	if err := dev.SetMsixVectorCount(3); err != nil {
		t.Fatalf("SetMsixVectorCount: %v", err)
	}
	if err := dev.SetMsixVectorCount(3); !errors.Is(err, hv.ErrAlreadyAssigned) {
		t.Fatalf("resize of msi-x table: got %v, want ErrAlreadyAssigned", err)
	}
	if err := dev.SetMsixEntry(0, 50); err != nil {
		t.Fatalf("SetMsixEntry: %v", err)
	}
	if err := dev.SetMsixEntry(2, 52); err != nil {
		t.Fatalf("SetMsixEntry: %v", err)
	}
	if err := dev.SetMsixEntry(3, 53); !errors.Is(err, hv.ErrInvalidArgument) {
		t.Fatalf("entry past the table: got %v, want ErrInvalidArgument", err)
	}

	if err := dev.AssignHostIrq(IrqMsix); err != nil {
		t.Fatalf("AssignHostIrq: %v", err)
	}
	if err := dev.AssignGuestIrq(IrqMsix, 0); err != nil {
		t.Fatalf("AssignGuestIrq: %v", err)
	}

	// Entries 0 and 2 fire; entry 1 has no guest mapping and stays quiet.
	host.Fire(100)
	host.Fire(101)
	host.Fire(102)
	eventually(t, "msi-x pulses", func() bool {
		seen50, seen52 := false, false
		for _, e := range sink.Events() {
			if e.Level {
				switch e.Line {
				case 50:
					seen50 = true
				case 52:
					seen52 = true
				case 51, 53:
					t.Fatalf("unmapped entry delivered to line %d", e.Line)
				}
			}
		}
		return seen50 && seen52
	})
}

func TestMsixPartialRegistrationRollsBack(t *testing.T) {
	m, _, _ := newTestRig(t)
	host := hostfake.NewDevice(testAddr, 10)
	host.NumMSIXVectors = 8
	host.MSIXBase = 100
	host.FailMSIXAfter = 2
	dev, err := m.AssignDevice(host)
	if err != nil {
		t.Fatalf("AssignDevice: %v", err)
	}
	if err := dev.SetMsixVectorCount(4); err != nil {
		t.Fatalf("SetMsixVectorCount: %v", err)
	}

	if err := dev.AssignHostIrq(IrqMsix); err == nil {
		t.Fatal("partial msi-x registration succeeded")
	}
	if dev.HostIrqType() != IrqNone {
		t.Fatalf("host type after failed assign = %v", dev.HostIrqType())
	}
	for vec := uint32(100); vec < 104; vec++ {
		if host.Registered(vec) {
			t.Fatalf("vector %d still registered after rollback", vec)
		}
	}
	if _, msix, _ := host.MessageSignaled(); msix {
		t.Fatal("msi-x capability left enabled after rollback")
	}

	// The device is reusable after the rollback.
	host.FailMSIXAfter = -1
	if err := dev.AssignHostIrq(IrqMsix); err != nil {
		t.Fatalf("reassign after rollback: %v", err)
	}
}

func TestMsixShortGrantRejected(t *testing.T) {
	m, _, _ := newTestRig(t)
	host := hostfake.NewDevice(testAddr, 10)
	host.NumMSIXVectors = 8
	host.MSIXBase = 100
	host.GrantMSIXVectors = 2
	dev, err := m.AssignDevice(host)
	if err != nil {
		t.Fatalf("AssignDevice: %v", err)
	}
	if err := dev.SetMsixVectorCount(4); err != nil {
		t.Fatalf("SetMsixVectorCount: %v", err)
	}

	// A host granting fewer vectors than the table has entries would
	// leave the tail entries undeliverable; the assign must fail instead.
	if err := dev.AssignHostIrq(IrqMsix); !errors.Is(err, hv.ErrUnsupported) {
		t.Fatalf("short msi-x grant: got %v, want ErrUnsupported", err)
	}
	if dev.HostIrqType() != IrqNone {
		t.Fatalf("host type after failed assign = %v", dev.HostIrqType())
	}
	if _, msix, _ := host.MessageSignaled(); msix {
		t.Fatal("msi-x capability left enabled after short grant")
	}

	// A full grant on the same device works afterwards.
	host.GrantMSIXVectors = 0
	if err := dev.AssignHostIrq(IrqMsix); err != nil {
		t.Fatalf("reassign with full grant: %v", err)
	}
}

func TestDeassignHostIrqQuiesces(t *testing.T) {
	m, _, sink := newTestRig(t)
	host := hostfake.NewDevice(testAddr, 10)
	dev, err := m.AssignDevice(host)
	if err != nil {
		t.Fatalf("AssignDevice: %v", err)
	}
	if err := dev.AssignHostIrq(IrqIntx); err != nil {
		t.Fatalf("AssignHostIrq: %v", err)
	}
	const gsi = 30
	if err := dev.AssignGuestIrq(IrqIntx, gsi); err != nil {
		t.Fatalf("AssignGuestIrq: %v", err)
	}

	host.Fire(10)
	eventually(t, "delivery before deassign", func() bool { return sink.Level(gsi) })

	if err := dev.DeassignIrq(DeassignAll); err != nil {
		t.Fatalf("DeassignIrq: %v", err)
	}
	if host.Registered(10) {
		t.Fatal("host vector still registered after deassign")
	}
	if sink.Level(gsi) {
		t.Fatal("guest line still asserted after deassign")
	}
	if host.Fire(10) {
		t.Fatal("freed vector delivered")
	}
	if dev.HostIrqType() != IrqNone || dev.GuestIrqType() != IrqNone {
		t.Fatal("irq state not cleared")
	}
}

func TestDeassignDeviceTearsDownIrqState(t *testing.T) {
	m, routing, sink := newTestRig(t)
	host := hostfake.NewDevice(testAddr, 10)
	dev, err := m.AssignDevice(host)
	if err != nil {
		t.Fatalf("AssignDevice: %v", err)
	}
	if err := dev.AssignHostIrq(IrqIntx); err != nil {
		t.Fatalf("AssignHostIrq: %v", err)
	}
	if err := dev.AssignGuestIrq(IrqIntx, 14); err != nil {
		t.Fatalf("AssignGuestIrq: %v", err)
	}
	src := dev.SourceID()

	m.DeassignAll()
	if m.Count() != 0 {
		t.Fatalf("count after DeassignAll = %d", m.Count())
	}
	if sink.Level(14) {
		t.Fatal("guest line asserted after teardown")
	}

	// The source id was released back to the allocator.
	got, err := routing.AllocSourceID()
	if err != nil {
		t.Fatalf("alloc after teardown: %v", err)
	}
	if got != src {
		t.Fatalf("released source id not reusable: got %d, want %d", got, src)
	}
}
