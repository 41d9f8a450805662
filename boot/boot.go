// Package boot brings a hart from reset to a usable block device: trap
// vector, interrupt controller, virtio-blk, and the interrupt route between
// them.
package boot

import (
	"io"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"rvcore/blk"
	"rvcore/csr"
	"rvcore/dma"
	"rvcore/mmio"
	"rvcore/plic"
	"rvcore/power"
	"rvcore/trap"
	"rvcore/util"
	"rvcore/virtio"
)

type Config struct {
	CSR      csr.File
	Mode     csr.Mode
	Platform trap.Platform
	PLIC     mmio.Region
	Virtio   mmio.Region
	Arena    *dma.Arena
	Halter   power.Halter
	// Out is the report sink for fatal traps and boot failures.
	Out io.Writer

	// Context is the PLIC context of this hart and mode.
	Context   plic.Context
	BlkSource plic.Source
	// BlkPriority must be above Threshold for the device to interrupt.
	BlkPriority uint32
	Threshold   uint32

	Blk  blk.Config
	Trap trap.StandardConfig
	// Dump, if set, follows every fatal trap report.
	Dump trap.HandlerFunc

	Logger  *logrus.Logger
	Metrics metrics.Registry
}

// System is what a successful boot leaves running.
type System struct {
	Dispatcher *trap.Dispatcher
	Trap       *trap.Standard
	PLIC       *plic.PLIC
	Router     *plic.Router
	Transport  *virtio.Transport
	Blk        *blk.Driver
}

// Boot runs the boot sequence. A failure is reported on Out, the machine is
// powered off, and the error is returned.
func Boot(c Config) (*System, error) {
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if c.BlkPriority == 0 {
		c.BlkPriority = c.Threshold + 1
	}

	s, err := boot(c)
	if err != nil {
		power.Fatal(c.Out, c.Logger, c.Halter, err)
		return nil, err
	}
	return s, nil
}

func boot(c Config) (*System, error) {
	l := c.Logger
	s := &System{}

	s.Dispatcher = trap.NewDispatcher(trap.Config{
		CSR:      c.CSR,
		Mode:     c.Mode,
		Platform: c.Platform,
		Out:      c.Out,
		Dump:     c.Dump,
		Logger:   l,
		Metrics:  c.Metrics,
	})

	s.PLIC = plic.New(c.PLIC, l)
	s.Router = plic.NewRouter(s.PLIC, c.Context, c.Metrics)

	tc := c.Trap
	tc.External = s.Router
	if tc.Metrics == nil {
		tc.Metrics = c.Metrics
	}
	s.Trap = trap.NewStandard(s.Dispatcher, tc)
	if err := s.Dispatcher.Register(s.Trap); err != nil {
		return nil, err
	}

	// nothing is enabled at the controller yet, so no interrupt can arrive
	// before its route exists
	if err := s.Dispatcher.Init(); err != nil {
		return nil, util.NewContextualError("Failed to install trap vector", map[string]any{"mode": c.Mode}, err)
	}

	if err := s.PLIC.SetThreshold(c.Context, c.Threshold); err != nil {
		return nil, err
	}
	if err := s.PLIC.SetPriority(c.BlkSource, c.BlkPriority); err != nil {
		return nil, err
	}

	bc := c.Blk
	if bc.Metrics == nil {
		bc.Metrics = c.Metrics
	}
	s.Transport = virtio.NewTransport(c.Virtio, l)
	d, err := blk.Open(s.Transport, c.Arena, bc, l)
	if err != nil {
		return nil, util.NewContextualError("Failed to open virtio-blk", map[string]any{"source": c.BlkSource}, err)
	}
	s.Blk = d

	if err := s.Router.Handle(c.BlkSource, d.HandleInterrupt); err != nil {
		return nil, err
	}
	if err := s.PLIC.Enable(c.Context, c.BlkSource); err != nil {
		return nil, err
	}

	l.WithFields(logrus.Fields{
		"mode":     c.Mode,
		"context":  c.Context,
		"source":   c.BlkSource,
		"sectors":  d.Capacity(),
		"polled":   !c.Blk.Interrupts,
		"priority": c.BlkPriority,
	}).Info("Boot complete")
	return s, nil
}
