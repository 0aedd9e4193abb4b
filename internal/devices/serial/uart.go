// Package serial emulates a 16550 UART behind an I/O bus window. It is the
// stock console device for machines built on the control core.
package serial

import (
	"context"
	"io"
	"sync"

	"github.com/tinyrange/vmcore/internal/iobus"
	"github.com/tinyrange/vmcore/internal/irq"
)

var _ iobus.Device = &Uart{}

const (
	registerCount = 8
	rxFifoSize    = 16

	lcrDLAB = 1 << 7

	mcrOUT2 = 1 << 3
	mcrLoop = 1 << 4

	lsrDataReady = 1 << 0
	lsrOverrun   = 1 << 1
	lsrTHRE      = 1 << 5
	lsrTEMT      = 1 << 6

	msrCTS = 1 << 4
	msrDSR = 1 << 5
	msrDCD = 1 << 7

	iirNone    = 0x01
	iirTxEmpty = 0x02
	iirRxData  = 0x04
	iirFifosOn = 0xC0
)

// Line receives the UART's interrupt level. Implementations must tolerate
// redundant sets of the same level.
type Line interface {
	SetLevel(level bool)
}

// RoutingLine drives a guest interrupt line through an irq.Routing. The
// caller owns the source id and frees it after the UART is unregistered.
type RoutingLine struct {
	Routing  *irq.Routing
	SourceID int
	Gsi      uint32
}

func (l *RoutingLine) SetLevel(level bool) {
	l.Routing.SetLevel(l.SourceID, l.Gsi, level)
}

type detachedLine struct{}

func (detachedLine) SetLevel(bool) {}

// Uart is a 16550-compatible UART occupying eight consecutive bus
// addresses. Transmitted bytes go to out; received bytes are injected with
// Input and drain through the rx FIFO.
type Uart struct {
	base uint64
	line Line

	mu       sync.Mutex
	out      io.Writer
	dll, dlm byte
	ier      byte
	fcr      byte
	lcr      byte
	mcr      byte
	lsr      byte
	scr      byte

	rx      [rxFifoSize]byte
	rxHead  int
	rxCount int
}

// NewUart builds a UART at base. A nil line leaves the interrupt pin
// unconnected; a nil out discards transmitted bytes.
func NewUart(base uint64, line Line, out io.Writer) *Uart {
	if line == nil {
		line = detachedLine{}
	}
	return &Uart{
		base: base,
		line: line,
		out:  out,
		lsr:  lsrTHRE | lsrTEMT,
	}
}

// Accepts implements iobus.Device. Only single-byte accesses hit UART
// registers.
func (u *Uart) Accepts(addr uint64, length int) bool {
	return length == 1 && addr >= u.base && addr < u.base+registerCount
}

// Read implements iobus.Device.
func (u *Uart) Read(ctx context.Context, addr uint64, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	data[0] = u.readRegisterLocked(addr - u.base)
	return nil
}

// Write implements iobus.Device.
func (u *Uart) Write(ctx context.Context, addr uint64, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.writeRegisterLocked(addr-u.base, data[0])
	return nil
}

// Input feeds received bytes into the rx FIFO. Bytes beyond the FIFO's
// capacity are dropped and flagged as an overrun.
func (u *Uart) Input(p []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, b := range p {
		u.rxByteLocked(b)
	}
}

// Reset returns the UART to power-on state and drops the interrupt line.
func (u *Uart) Reset() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.dll, u.dlm = 0, 0
	u.ier = 0
	u.fcr = 0
	u.lcr = 0
	u.mcr = 0
	u.lsr = lsrTHRE | lsrTEMT
	u.scr = 0
	u.rxHead = 0
	u.rxCount = 0
	u.updateInterruptLocked()
}

func (u *Uart) readRegisterLocked(offset uint64) byte {
	switch offset {
	case 0:
		if u.lcr&lcrDLAB != 0 {
			return u.dll
		}
		return u.readRxLocked()
	case 1:
		if u.lcr&lcrDLAB != 0 {
			return u.dlm
		}
		return u.ier
	case 2:
		iir := u.pendingInterruptLocked()
		if u.fcr&0x01 != 0 {
			iir |= iirFifosOn
		}
		return iir
	case 3:
		return u.lcr
	case 4:
		return u.mcr
	case 5:
		lsr := u.lsr
		u.lsr &^= lsrOverrun
		return lsr
	case 6:
		return msrCTS | msrDSR | msrDCD
	case 7:
		return u.scr
	}
	return 0
}

func (u *Uart) writeRegisterLocked(offset uint64, value byte) {
	switch offset {
	case 0:
		if u.lcr&lcrDLAB != 0 {
			u.dll = value
			return
		}
		u.transmitLocked(value)
	case 1:
		if u.lcr&lcrDLAB != 0 {
			u.dlm = value
			return
		}
		u.ier = value & 0x0F
		u.updateInterruptLocked()
	case 2:
		u.fcr = value
		if value&0x02 != 0 {
			u.rxHead = 0
			u.rxCount = 0
			u.lsr &^= lsrDataReady
			u.updateInterruptLocked()
		}
	case 3:
		u.lcr = value
	case 4:
		u.mcr = value & 0x1F
		u.updateInterruptLocked()
	case 7:
		u.scr = value
	}
}

// transmitLocked sends one byte. Transmission is immediate, so the holding
// register never fills.
func (u *Uart) transmitLocked(value byte) {
	if u.mcr&mcrLoop != 0 {
		u.rxByteLocked(value)
		return
	}
	if u.out != nil {
		_, _ = u.out.Write([]byte{value})
	}
	u.updateInterruptLocked()
}

func (u *Uart) rxByteLocked(value byte) {
	if u.rxCount == rxFifoSize {
		u.lsr |= lsrOverrun
		return
	}
	u.rx[(u.rxHead+u.rxCount)%rxFifoSize] = value
	u.rxCount++
	u.lsr |= lsrDataReady
	u.updateInterruptLocked()
}

func (u *Uart) readRxLocked() byte {
	if u.rxCount == 0 {
		return 0
	}
	value := u.rx[u.rxHead]
	u.rxHead = (u.rxHead + 1) % rxFifoSize
	u.rxCount--
	if u.rxCount == 0 {
		u.lsr &^= lsrDataReady
	}
	u.updateInterruptLocked()
	return value
}

func (u *Uart) pendingInterruptLocked() byte {
	switch {
	case u.ier&0x01 != 0 && u.rxCount > 0:
		return iirRxData
	case u.ier&0x02 != 0 && u.lsr&lsrTHRE != 0:
		return iirTxEmpty
	}
	return iirNone
}

// updateInterruptLocked recomputes the pin. OUT2 gates the line, matching
// PC wiring.
func (u *Uart) updateInterruptLocked() {
	pending := u.pendingInterruptLocked()
	u.line.SetLevel(pending != iirNone && u.mcr&mcrOUT2 != 0)
}
