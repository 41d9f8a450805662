package sim

import (
	"encoding/binary"
	"io"
	"sync"

	"rvcore/mmio"
	"rvcore/plic"
)

func getUint(data []byte) uint64 {
	var b [8]byte
	copy(b[:], data)
	return binary.LittleEndian.Uint64(b[:])
}

func putUint(data []byte, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	copy(data, b[:])
}

// UART registers
const (
	uartTHR = 0x0
	uartIER = 0x1
	uartLCR = 0x3
	uartLSR = 0x5

	// LSRTxIdle is transmit holding register empty and transmitter empty.
	LSRTxIdle = 0x60
)

// UART is the transmit half of a 16550. Every byte written to THR goes to
// Out; the line status always reports the transmitter idle.
type UART struct {
	mu   sync.Mutex
	out  io.Writer
	regs [8]byte
}

func NewUART(out io.Writer) *UART {
	if out == nil {
		out = io.Discard
	}
	u := &UART{out: out}
	u.regs[uartLCR] = 0x03
	u.regs[uartLSR] = LSRTxIdle
	return u
}

func (u *UART) ReadMMIO(off uint64, data []byte) error {
	if len(data) != 1 || off >= uint64(len(u.regs)) {
		return mmio.ErrAccess
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if off == uartTHR {
		// no receiver
		data[0] = 0
		return nil
	}
	data[0] = u.regs[off]
	return nil
}

func (u *UART) WriteMMIO(off uint64, data []byte) error {
	if len(data) != 1 || off >= uint64(len(u.regs)) {
		return mmio.ErrAccess
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	switch off {
	case uartTHR:
		_, err := u.out.Write(data)
		return err
	case uartLSR:
		// read-only here
		return nil
	}
	u.regs[off] = data[0]
	return nil
}

// PowerOffCode written to the power manager turns the machine off.
const PowerOffCode = 0x5555

// PowerManager is a single 16-bit register.
type PowerManager struct {
	mu   sync.Mutex
	reg  uint16
	once sync.Once
	done chan struct{}
}

func NewPowerManager() *PowerManager {
	return &PowerManager{done: make(chan struct{})}
}

func (p *PowerManager) ReadMMIO(off uint64, data []byte) error {
	if off != 0 || len(data) < 2 {
		return mmio.ErrAccess
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	putUint(data, uint64(p.reg))
	return nil
}

func (p *PowerManager) WriteMMIO(off uint64, data []byte) error {
	if off != 0 || len(data) < 2 {
		return mmio.ErrAccess
	}
	p.mu.Lock()
	p.reg = uint16(getUint(data))
	halt := p.reg == PowerOffCode
	p.mu.Unlock()

	if halt {
		p.once.Do(func() { close(p.done) })
	}
	return nil
}

// Halted reports whether the machine has been powered off.
func (p *PowerManager) Halted() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Done is closed when the machine powers off.
func (p *PowerManager) Done() <-chan struct{} { return p.done }

// Test device registers
const (
	TestICR  = 0x0
	TestIMR  = 0x4
	TestIDR0 = 0x8
	TestIDR1 = 0xc

	// TestDeviceSource is the interrupt source the test device raises.
	TestDeviceSource plic.Source = 63
)

// TestDevice raises its interrupt every period ticks while bit 0 of the
// mask register is set. The period is the 64-bit value in the data
// registers; zero fires on every tick.
type TestDevice struct {
	mu      sync.Mutex
	control uint32
	mask    uint32
	data    [2]uint32
	elapsed uint64
	raise   func()
	fired   uint64
}

func NewTestDevice(raise func()) *TestDevice {
	return &TestDevice{raise: raise}
}

func (t *TestDevice) period() uint64 {
	return uint64(t.data[1])<<32 | uint64(t.data[0])
}

// Tick advances the device clock by one step.
func (t *TestDevice) Tick() {
	t.mu.Lock()
	if t.mask&1 == 0 {
		t.mu.Unlock()
		return
	}
	t.elapsed++
	fire := t.elapsed > t.period()
	if fire {
		t.elapsed = 0
		t.fired++
	}
	t.mu.Unlock()

	if fire && t.raise != nil {
		t.raise()
	}
}

// Fired is the number of interrupts raised.
func (t *TestDevice) Fired() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

func (t *TestDevice) reg(off uint64) (*uint32, error) {
	switch off {
	case TestICR:
		return &t.control, nil
	case TestIMR:
		return &t.mask, nil
	case TestIDR0:
		return &t.data[0], nil
	case TestIDR1:
		return &t.data[1], nil
	}
	return nil, mmio.ErrAccess
}

func (t *TestDevice) ReadMMIO(off uint64, data []byte) error {
	if len(data) != 4 {
		return mmio.ErrAccess
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	r, err := t.reg(off)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(data, *r)
	return nil
}

func (t *TestDevice) WriteMMIO(off uint64, data []byte) error {
	if len(data) != 4 {
		return mmio.ErrAccess
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	r, err := t.reg(off)
	if err != nil {
		return err
	}
	*r = binary.LittleEndian.Uint32(data)
	if off == TestIDR0 || off == TestIDR1 {
		t.elapsed = 0
	}
	return nil
}
