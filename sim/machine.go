// Package sim is a simulated RISC-V virt machine: RAM, a PLIC, a virtio-mmio
// block device, a 16550 UART, a power manager and an interrupt test device
// on one bus, plus a hart that takes traps through the trap dispatcher.
package sim

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"rvcore/dma"
	"rvcore/mmio"
	"rvcore/plic"
	"rvcore/trap"
	"rvcore/virtio"
)

// Memory map of the virt board
const (
	PowerBase  = 0x00100000
	PowerSize  = 0x2
	TestBase   = 0x00101000
	TestSize   = 0x10
	PLICBase   = 0x0c000000
	UARTBase   = 0x10000000
	UARTSize   = 0x8
	VirtioBase = 0x10001000
	RAMBase    = 0x80000000

	// VirtioSource is the interrupt source of the first virtio device.
	VirtioSource plic.Source = 1
)

// Layout of the start of RAM
const (
	haltOffset      = 0x100
	entryOffset     = 0x1000
	trapStackOffset = 0x10000
	trapStackSize   = 0x4000
	dmaOffset       = 0x100000
)

type Config struct {
	RAMSize uint64
	Blk     BlkOptions
	// Console receives UART output.
	Console io.Writer
	Logger  *logrus.Logger
}

// Machine is one hart and its devices.
type Machine struct {
	Bus   *mmio.Bus
	RAM   *dma.RAM
	PLIC  *PLIC
	Blk   *VirtioBlk
	UART  *UART
	Power *PowerManager
	Test  *TestDevice
	Hart  *Hart

	arena *dma.Arena
	l     *logrus.Logger
}

func New(c Config) (*Machine, error) {
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if c.RAMSize == 0 {
		c.RAMSize = 16 << 20
	}
	if c.RAMSize <= dmaOffset {
		return nil, fmt.Errorf("ram of %d bytes leaves no room for dma", c.RAMSize)
	}

	m := &Machine{
		Bus:   &mmio.Bus{},
		RAM:   dma.NewRAM(RAMBase, c.RAMSize),
		PLIC:  NewPLIC(),
		UART:  NewUART(c.Console),
		Power: NewPowerManager(),
		l:     c.Logger,
	}
	m.Test = NewTestDevice(func() { m.PLIC.Raise(TestDeviceSource) })

	bo := c.Blk
	bo.IRQ = func() { m.PLIC.Raise(VirtioSource) }
	if bo.Logger == nil {
		bo.Logger = c.Logger
	}
	m.Blk = NewVirtioBlk(m.RAM, bo)

	maps := []struct {
		name       string
		base, size uint64
		dev        mmio.Device
	}{
		{"power", PowerBase, PowerSize, m.Power},
		{"test", TestBase, TestSize, m.Test},
		{"plic", PLICBase, plic.Size, m.PLIC},
		{"uart", UARTBase, UARTSize, m.UART},
		{"virtio-blk", VirtioBase, virtio.RegionSize, m.Blk},
		{"ram", RAMBase, m.RAM.Size(), m.RAM},
	}
	for _, mp := range maps {
		if err := m.Bus.Map(mp.name, mp.base, mp.size, mp.dev); err != nil {
			return nil, err
		}
	}

	m.arena = dma.NewArena(m.RAM, RAMBase+dmaOffset, m.RAM.Size()-dmaOffset)
	m.Hart = NewHart(HartConfig{
		Bus:       m.Bus,
		Lines:     m.PLIC,
		Context:   0,
		PowerAddr: PowerBase,
		Logger:    c.Logger,
	})
	m.Hart.AddTicker(m.Test)
	m.Hart.SetPC(RAMBase + entryOffset + 0x1000)
	return m, nil
}

// Platform is the trap layout the machine's firmware would provide.
func (m *Machine) Platform() trap.Static {
	return trap.Static{
		Entry:     RAMBase + entryOffset,
		StackBase: RAMBase + trapStackOffset,
		StackSize: trapStackSize,
		Halt:      RAMBase + haltOffset,
	}
}

// Arena is DMA memory for drivers.
func (m *Machine) Arena() *dma.Arena { return m.arena }

// Region returns a register window at base.
func (m *Machine) Region(base uint64) *mmio.Window {
	return m.Bus.Window(base)
}

// Run services asynchronous devices until ctx ends or the machine powers off.
func (m *Machine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	ctx, cancel := context.WithCancel(ctx)

	g.Go(func() error {
		defer cancel()
		select {
		case <-m.Power.Done():
			m.l.Info("Machine powered off")
		case <-ctx.Done():
		}
		return nil
	})
	if m.Blk.o.Async {
		g.Go(func() error {
			return m.Blk.Run(ctx)
		})
	}
	return g.Wait()
}
