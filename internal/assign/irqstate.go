package assign

// IrqType selects an interrupt mechanism for one half of a device's IRQ
// configuration.
type IrqType int

const (
	IrqNone IrqType = iota
	IrqIntx
	IrqMsi
	IrqMsix
)

func (t IrqType) String() string {
	switch t {
	case IrqNone:
		return "none"
	case IrqIntx:
		return "intx"
	case IrqMsi:
		return "msi"
	case IrqMsix:
		return "msi-x"
	}
	return "invalid"
}

// hostIrq is the host half of the IRQ state machine. Exactly one variant
// is live at a time; nil means nothing requested.
type hostIrq interface {
	irqType() IrqType
	// vectors lists the registered host vectors in entry order.
	vectors() []uint32
}

type hostIntx struct {
	line uint32
}

func (h hostIntx) irqType() IrqType  { return IrqIntx }
func (h hostIntx) vectors() []uint32 { return []uint32{h.line} }

type hostMsi struct {
	vector uint32
}

func (h hostMsi) irqType() IrqType  { return IrqMsi }
func (h hostMsi) vectors() []uint32 { return []uint32{h.vector} }

type hostMsix struct {
	vecs []uint32
}

func (h hostMsix) irqType() IrqType  { return IrqMsix }
func (h hostMsix) vectors() []uint32 { return h.vecs }

// guestIrq is the guest half. nil means nothing requested.
type guestIrq interface {
	irqType() IrqType
}

type guestIntx struct {
	gsi uint32
}

func (g guestIntx) irqType() IrqType { return IrqIntx }

type guestMsi struct {
	vector uint32
}

func (g guestMsi) irqType() IrqType { return IrqMsi }

// guestMsix delivers through the per-entry table on the device; the
// variant itself carries no state.
type guestMsix struct{}

func (g guestMsix) irqType() IrqType { return IrqMsix }

// msixEntry is one row of a device's MSI-X table as seen by the guest.
type msixEntry struct {
	guestVector uint32
	set         bool
}

// DeassignMask selects which halves DeassignIrq tears down.
type DeassignMask int

const (
	DeassignHost DeassignMask = 1 << iota
	DeassignGuest

	DeassignAll = DeassignHost | DeassignGuest
)
