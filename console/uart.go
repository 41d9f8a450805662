// Package console is the byte sink for reports: a polled ns16550 UART, and
// log and register-dump formatting for whatever sink is in use.
package console

import (
	"sync"

	"rvcore/mmio"
)

// ns16550 register offsets
const (
	RegTHR = 0x0 // transmit holding (write)
	RegRBR = 0x0 // receive buffer (read)
	RegIER = 0x1
	RegFCR = 0x2
	RegLCR = 0x3
	RegLSR = 0x5

	LSRDataReady = 1 << 0
	LSRTHREmpty  = 1 << 5

	lcr8N1 = 0x03
)

// UART writes bytes to an ns16550 by polling the line status register.
type UART struct {
	r mmio.Region
	// CRLF expands "\n" to "\r\n" for terminals.
	CRLF bool

	mu sync.Mutex
}

func NewUART(r mmio.Region) *UART {
	return &UART{r: r}
}

// Init sets 8N1 and disables UART interrupts; output is polled.
func (u *UART) Init() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.r.Write8(RegIER, 0)
	u.r.Write8(RegLCR, lcr8N1)
}

func (u *UART) putc(c byte) {
	for u.r.Read8(RegLSR)&LSRTHREmpty == 0 {
	}
	u.r.Write8(RegTHR, c)
}

// Putc writes one byte, waiting for the transmitter.
func (u *UART) Putc(c byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.putc(c)
}

// Getc returns a received byte, if there is one.
func (u *UART) Getc() (byte, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.r.Read8(RegLSR)&LSRDataReady == 0 {
		return 0, false
	}
	return u.r.Read8(RegRBR), true
}

func (u *UART) Write(p []byte) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, c := range p {
		if c == '\n' && u.CRLF {
			u.putc('\r')
		}
		u.putc(c)
	}
	return len(p), nil
}
