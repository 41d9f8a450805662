package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"rvcore/blk"
	"rvcore/boot"
	"rvcore/config"
	"rvcore/console"
	"rvcore/csr"
	"rvcore/plic"
	"rvcore/power"
	"rvcore/sim"
	"rvcore/trap"
)

// faultAddr is unmapped on the virt board.
const faultAddr = 0x11110000

type env struct {
	m   *sim.Machine
	s   *boot.System
	out io.Writer
	l   *logrus.Logger
}

type scenario func(e *env) error

var scenarios = map[string][]scenario{
	"blk":   {runBlk},
	"ecall": {runEcall},
	"irq":   {runIRQ},
	"trap":  {runTrap},
	// trap last: without diagnostic mode the first fault halts
	"all": {runEcall, runIRQ, runBlk, runTrap},
}

func scenarioNames() []string {
	names := make([]string, 0, len(scenarios))
	for n := range scenarios {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func consoleWriter(name string) io.Writer {
	switch name {
	case "stderr":
		return os.Stderr
	case "discard":
		return io.Discard
	}
	return os.Stdout
}

func openDisk(c config.Blk) (sim.Disk, uint64, func() error, error) {
	if c.Image == "" {
		return sim.NewMemDisk(c.Sectors), c.Sectors, func() error { return nil }, nil
	}

	flags := os.O_RDWR
	if c.ReadOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(c.Image, flags, 0)
	if err != nil {
		return nil, 0, nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, nil, err
	}
	return f, uint64(st.Size()) / blk.SectorSize, f.Close, nil
}

// newMachine builds the simulated board described by c.
func newMachine(c *config.Config, l *logrus.Logger) (*sim.Machine, func() error, error) {
	disk, sectors, closeDisk, err := openDisk(c.Blk)
	if err != nil {
		return nil, nil, fmt.Errorf("disk image: %w", err)
	}

	m, err := sim.New(sim.Config{
		RAMSize: c.Machine.RAMSize,
		Console: consoleWriter(c.Machine.Console),
		Logger:  l,
		Blk: sim.BlkOptions{
			Disk:           disk,
			Sectors:        sectors,
			ID:             c.Blk.ID,
			QueueNumMax:    c.Blk.QueueNumMax,
			ReadOnly:       c.Blk.ReadOnly,
			RejectFeatures: c.Blk.RejectFeatures,
			Async:          c.Blk.Async,
		},
	})
	if err != nil {
		closeDisk()
		return nil, nil, err
	}
	return m, closeDisk, nil
}

func run(ctx context.Context, c *config.Config, name string, out io.Writer, l *logrus.Logger, reg metrics.Registry) error {
	steps, ok := scenarios[name]
	if !ok {
		return fmt.Errorf("unknown scenario %q", name)
	}

	m, closeDisk, err := newMachine(c, l)
	if err != nil {
		return err
	}
	defer closeDisk()

	features, err := c.Blk.FeatureMask()
	if err != nil {
		return err
	}
	policy, err := c.Trap.Policy()
	if err != nil {
		return err
	}

	uart := console.NewUART(m.Region(sim.UARTBase))
	uart.Init()
	sink := io.MultiWriter(uart, out)

	var dump trap.HandlerFunc
	if c.Trap.Dump {
		noColor := c.Logging.Format != "console"
		dump = func(tc *trap.Context, cause trap.Cause, tval uint64) {
			console.DumpContext(sink, tc, cause, tval, noColor)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.Run(ctx) })

	g.Go(func() error {
		defer cancel()

		s, err := boot.Boot(boot.Config{
			CSR:       m.Hart,
			Mode:      csr.Machine,
			Platform:  m.Platform(),
			PLIC:      m.Region(sim.PLICBase),
			Virtio:    m.Region(sim.VirtioBase),
			Arena:     m.Arena(),
			Halter:    power.NewManager(m.Region(sim.PowerBase)),
			Out:       sink,
			Context:   0,
			BlkSource: sim.VirtioSource,
			Blk: blk.Config{
				QueueSize:   c.Blk.QueueSize,
				Features:    features,
				Interrupts:  !c.Blk.Polled,
				Idle:        m.Hart.Idle,
				MaxTransfer: c.Blk.MaxTransfer,
				Metrics:     reg,
			},
			Trap: trap.StandardConfig{
				Diagnostic: c.Trap.Diagnostic,
				Capacity:   c.Trap.Capacity,
				Policy:     policy,
			},
			Dump:    dump,
			Logger:  l,
			Metrics: reg,
		})
		if err != nil {
			return err
		}
		m.Hart.Attach(s.Dispatcher, m.Platform())

		e := &env{m: m, s: s, out: sink, l: l}
		for _, step := range steps {
			if m.Hart.Halted() {
				fmt.Fprintln(sink, "machine halted")
				return nil
			}
			if err := step(e); err != nil {
				return err
			}
		}
		return nil
	})

	return g.Wait()
}

func runBlk(e *env) error {
	d := e.s.Blk

	id, err := d.ID()
	if err != nil {
		return fmt.Errorf("get id: %w", err)
	}
	fmt.Fprintf(e.out, "blk: id %q, %d sectors\n", id, d.Capacity())

	if d.ReadOnly() {
		fmt.Fprintln(e.out, "blk: read-only, skipping write")
		return nil
	}

	buf := make([]byte, blk.SectorSize)
	for i := range buf {
		buf[i] = byte(i % 256)
	}
	if err := d.Write(0, buf); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	got := make([]byte, blk.SectorSize)
	if err := d.Read(0, got); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if !bytes.Equal(buf, got) {
		return errors.New("blk: sector 0 read back differs from what was written")
	}
	if err := d.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	fmt.Fprintln(e.out, "blk: sector 0 round trip ok")
	return nil
}

func runEcall(e *env) error {
	for i := 0; i < 7; i++ {
		args := make([]uint64, i)
		for j := range args {
			args[j] = uint64(j + 1)
		}
		e.m.Hart.Ecall(uint64(10+i), args...)
	}
	for _, sc := range e.s.Trap.Syscalls() {
		fmt.Fprintf(e.out, "ecall: num %d args %v\n", sc.Num, sc.Args)
	}
	return nil
}

const irqTarget = 10

func runIRQ(e *env) error {
	h := e.m.Hart
	p := e.s.PLIC

	count := 0
	if err := e.s.Router.Handle(sim.TestDeviceSource, func(plic.Source) { count++ }); err != nil {
		return err
	}
	defer e.s.Router.Handle(sim.TestDeviceSource, nil)

	pctx := e.s.Router.Context()
	threshold, err := p.Threshold(pctx)
	if err != nil {
		return err
	}
	if err := p.SetThreshold(pctx, 1); err != nil {
		return err
	}
	defer p.SetThreshold(pctx, threshold)

	if err := p.SetPriority(sim.TestDeviceSource, 5); err != nil {
		return err
	}
	if err := p.Enable(pctx, sim.TestDeviceSource); err != nil {
		return err
	}
	defer p.Disable(pctx, sim.TestDeviceSource)

	// period of 4 ticks, then unmask
	h.Store(sim.TestBase+sim.TestIDR0, 4, 4)
	h.Store(sim.TestBase+sim.TestIDR1, 4, 0)
	h.Store(sim.TestBase+sim.TestIMR, 4, 1)
	for count < irqTarget && !h.Halted() {
		h.Idle()
	}
	h.Store(sim.TestBase+sim.TestIMR, 4, 0)

	fmt.Fprintf(e.out, "irq: %d interrupts from source %d\n", count, sim.TestDeviceSource)
	return nil
}

func runTrap(e *env) error {
	h := e.m.Hart
	h.Load(faultAddr, 4)
	h.Store(faultAddr, 4, 0)
	h.Load(faultAddr+1, 4)
	h.Store(faultAddr+1, 4, 0)

	for _, f := range e.s.Trap.Faults() {
		fmt.Fprintf(e.out, "trap: cause %d (%s) tval 0x%x\n", uint64(f.Cause), f.Cause, f.TVal)
	}
	return nil
}
