package blk_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"rvcore/blk"
	"rvcore/dma"
	"rvcore/mmio"
	"rvcore/sim"
	"rvcore/test"
	"rvcore/virtio"
)

const (
	virtioBase = 0x10001000
	ramBase    = 0x80000000
)

type rig struct {
	t     *virtio.Transport
	dev   *sim.VirtioBlk
	disk  sim.MemDisk
	arena *dma.Arena
	irqs  int
}

func newRig(t *testing.T, o sim.BlkOptions) *rig {
	r := &rig{}
	ram := dma.NewRAM(ramBase, 0x40000)
	if o.Sectors == 0 {
		o.Sectors = 128
	}
	if o.QueueNumMax == 0 {
		o.QueueNumMax = 16
	}
	r.disk = sim.NewMemDisk(o.Sectors)
	o.Disk = r.disk
	o.ID = "test-disk"
	o.IRQ = func() { r.irqs++ }
	o.Logger = test.NewLogger()
	r.dev = sim.NewVirtioBlk(ram, o)

	bus := &mmio.Bus{}
	require.NoError(t, bus.Map("virtio", virtioBase, virtio.RegionSize, r.dev))
	require.NoError(t, bus.Map("ram", ramBase, ram.Size(), ram))

	r.t = virtio.NewTransport(bus.Window(virtioBase), test.NewLogger())
	r.arena = dma.NewArena(ram, ramBase, ram.Size())
	return r
}

func (r *rig) open(t *testing.T, c blk.Config) *blk.Driver {
	if c.Metrics == nil {
		c.Metrics = metrics.NewRegistry()
	}
	d, err := blk.Open(r.t, r.arena, c, test.NewLogger())
	require.NoError(t, err)
	return d
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 256)
	}
	return b
}

func TestRoundTrip(t *testing.T) {
	r := newRig(t, sim.BlkOptions{})
	d := r.open(t, blk.Config{})

	assert.Equal(t, uint64(128), d.Capacity())
	assert.Equal(t, virtio.DeviceBlock, d.Info().Device)

	buf := pattern(blk.SectorSize)
	require.NoError(t, d.Write(0, buf))
	assert.Equal(t, buf, []byte(r.disk[:blk.SectorSize]))

	got := make([]byte, blk.SectorSize)
	require.NoError(t, d.Read(0, got))
	assert.Equal(t, buf, got)
	assert.Zero(t, r.irqs, "polled mode asks the device not to interrupt")
}

func TestLargeTransferIsSplit(t *testing.T) {
	r := newRig(t, sim.BlkOptions{})
	d := r.open(t, blk.Config{MaxTransfer: 1024})

	buf := pattern(5 * blk.SectorSize)
	require.NoError(t, d.Write(3, buf))
	assert.Equal(t, buf, []byte(r.disk[3*blk.SectorSize:8*blk.SectorSize]))

	got := make([]byte, len(buf))
	require.NoError(t, d.Read(3, got))
	assert.Equal(t, buf, got)
	assert.Equal(t, 6, r.dev.Requests(), "three requests each way")
}

func TestBufferChecks(t *testing.T) {
	r := newRig(t, sim.BlkOptions{})
	d := r.open(t, blk.Config{})

	assert.ErrorIs(t, d.Read(0, make([]byte, 100)), blk.ErrBadBuffer)
	assert.ErrorIs(t, d.Read(0, nil), blk.ErrBadBuffer)
	assert.ErrorIs(t, d.Read(127, make([]byte, 2*blk.SectorSize)), blk.ErrOutOfRange)
	assert.ErrorIs(t, d.Submit(&blk.Request{Type: blk.TypeIn, Buf: make([]byte, 8192)}), blk.ErrTooLarge)
	assert.ErrorIs(t, d.Submit(&blk.Request{Type: blk.TypeGetID, Buf: make([]byte, 4)}), blk.ErrBadBuffer)
}

func TestStatus(t *testing.T) {
	r := newRig(t, sim.BlkOptions{})
	d := r.open(t, blk.Config{})

	ok := &blk.Request{Type: blk.TypeOut, Sector: 1, Buf: pattern(blk.SectorSize)}
	require.NoError(t, d.Do(ok))
	assert.Equal(t, blk.StatusOK, ok.Status)
	assert.True(t, ok.Completed())

	unsupported := &blk.Request{Type: blk.TypeDiscard}
	err := d.Do(unsupported)
	var se *blk.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, blk.StatusUnsupported, se.Status)
	assert.Equal(t, blk.TypeDiscard, se.Type)
	assert.NotEqual(t, blk.StatusOK, unsupported.Status)

	// past the end, as the device sees it
	ioerr := &blk.Request{Type: blk.TypeIn, Sector: 1000, Buf: make([]byte, blk.SectorSize)}
	err = d.Do(ioerr)
	require.True(t, errors.As(err, &se))
	assert.Equal(t, blk.StatusIOErr, se.Status)
	assert.Contains(t, err.Error(), "sector 1000")
}

func TestFlushAndID(t *testing.T) {
	r := newRig(t, sim.BlkOptions{})
	d := r.open(t, blk.Config{})

	require.NoError(t, d.Flush())
	assert.Equal(t, 1, r.dev.Requests())

	id, err := d.ID()
	require.NoError(t, err)
	assert.Equal(t, "test-disk", id)
}

func TestFlushWithoutFeature(t *testing.T) {
	r := newRig(t, sim.BlkOptions{})
	d := r.open(t, blk.Config{Features: virtio.FeatureVersion1})

	assert.Zero(t, d.Features()&blk.FeatureFlush)
	require.NoError(t, d.Flush())
	assert.Zero(t, r.dev.Requests(), "no cache to flush")
}

func TestReadOnly(t *testing.T) {
	r := newRig(t, sim.BlkOptions{ReadOnly: true})
	d := r.open(t, blk.Config{})

	assert.True(t, d.ReadOnly())
	assert.ErrorIs(t, d.Write(0, pattern(blk.SectorSize)), blk.ErrReadOnly)
	require.NoError(t, d.Read(0, make([]byte, blk.SectorSize)))
}

func TestFeatureRejectionStopsBeforeQueueSetup(t *testing.T) {
	r := newRig(t, sim.BlkOptions{RejectFeatures: true})
	_, err := blk.Open(r.t, r.arena, blk.Config{}, test.NewLogger())

	assert.ErrorIs(t, err, virtio.ErrFeaturesRejected)
	assert.Zero(t, r.dev.QueueWrites())
	assert.NotZero(t, r.dev.DeviceStatus()&virtio.StatusFailed)
	assert.Zero(t, r.arena.Used(), "no ring memory was allocated")
}

func TestNoQueue(t *testing.T) {
	r := newRig(t, sim.BlkOptions{})
	// a device whose queue 0 does not exist
	dev := sim.NewVirtioBlk(r.arena.Memory(), sim.BlkOptions{Sectors: 8, Logger: test.NewLogger()})
	bus := &mmio.Bus{}
	require.NoError(t, bus.Map("virtio", virtioBase, virtio.RegionSize, dev))

	_, err := blk.Open(virtio.NewTransport(bus.Window(virtioBase), test.NewLogger()), r.arena, blk.Config{}, test.NewLogger())
	assert.ErrorIs(t, err, virtio.ErrQueueUnavailable)
	assert.Zero(t, dev.QueueWrites())
	assert.NotZero(t, dev.DeviceStatus()&virtio.StatusFailed)
}

func TestQueueTooSmallForARequest(t *testing.T) {
	for _, numMax := range []uint32{1, 2, 3} {
		r := newRig(t, sim.BlkOptions{QueueNumMax: numMax})

		_, err := blk.Open(r.t, r.arena, blk.Config{Metrics: metrics.NewRegistry()}, test.NewLogger())
		assert.ErrorIs(t, err, blk.ErrQueueSmall, "num_max %d", numMax)
		assert.Zero(t, r.dev.QueueWrites(), "num_max %d", numMax)
		assert.NotZero(t, r.dev.DeviceStatus()&virtio.StatusFailed, "num_max %d", numMax)
		assert.Zero(t, r.dev.DeviceStatus()&virtio.StatusDriverOK, "num_max %d", numMax)
	}
}

func TestQueueClampedToDevice(t *testing.T) {
	r := newRig(t, sim.BlkOptions{QueueNumMax: 4})
	d := r.open(t, blk.Config{QueueSize: 32})

	require.NoError(t, d.Write(0, pattern(blk.SectorSize)))
}

func TestInterruptMode(t *testing.T) {
	r := newRig(t, sim.BlkOptions{})

	var d *blk.Driver
	idle := 0
	reg := metrics.NewRegistry()
	d = r.open(t, blk.Config{
		Interrupts: true,
		Metrics:    reg,
		Idle: func() {
			idle++
			if r.irqs > 0 {
				r.irqs--
				d.HandleInterrupt(sim.VirtioSource)
			}
		},
	})

	var done *blk.Request
	req := &blk.Request{
		Type: blk.TypeOut,
		Buf:  pattern(blk.SectorSize),
		Done: func(got *blk.Request) { done = got },
	}
	require.NoError(t, d.Submit(req))
	assert.Equal(t, 1, r.irqs)
	assert.False(t, req.Completed(), "nothing completes until the interrupt is taken")

	require.NoError(t, d.Wait(req))
	assert.Same(t, req, done)
	assert.Equal(t, 1, idle)
	assert.Equal(t, int64(1), metrics.GetOrRegisterCounter("blk.interrupt", reg).Count())
	assert.Equal(t, int64(1), metrics.GetOrRegisterCounter("blk.request.completed", reg).Count())
}

// hookMemory runs hook once, on the next access. It stands in for an
// interrupt taken between two instructions of the driver.
type hookMemory struct {
	dma.Memory
	hook func()
}

func (m *hookMemory) Bytes(addr uint64, n int) ([]byte, error) {
	if h := m.hook; h != nil {
		m.hook = nil
		h()
	}
	return m.Memory.Bytes(addr, n)
}

func TestInterruptDuringSubmit(t *testing.T) {
	r := newRig(t, sim.BlkOptions{})
	ram := r.arena.Memory().(*dma.RAM)
	mem := &hookMemory{Memory: ram}
	r.arena = dma.NewArena(mem, ramBase, ram.Size())

	var d *blk.Driver
	reg := metrics.NewRegistry()
	d = r.open(t, blk.Config{
		Interrupts: true,
		Metrics:    reg,
		Idle: func() {
			if r.irqs > 0 {
				r.irqs--
				d.HandleInterrupt(sim.VirtioSource)
			}
		},
	})

	first := &blk.Request{Type: blk.TypeOut, Buf: pattern(blk.SectorSize)}
	require.NoError(t, d.Submit(first))
	require.Equal(t, 1, r.irqs)

	// the completion interrupt for first lands while second is being queued
	mem.hook = func() {
		r.irqs--
		d.HandleInterrupt(sim.VirtioSource)
	}
	second := &blk.Request{Type: blk.TypeIn, Buf: make([]byte, blk.SectorSize)}
	require.NoError(t, d.Submit(second))
	assert.Nil(t, mem.hook)
	assert.True(t, first.Completed(), "reaped once Submit released the queue")
	assert.NoError(t, first.Err())

	require.NoError(t, d.Wait(second))
	assert.Equal(t, pattern(blk.SectorSize), second.Buf)
	assert.Equal(t, int64(2), metrics.GetOrRegisterCounter("blk.interrupt", reg).Count())
	assert.Equal(t, int64(2), metrics.GetOrRegisterCounter("blk.request.completed", reg).Count())
}

func TestAsyncDevice(t *testing.T) {
	r := newRig(t, sim.BlkOptions{Async: true})
	d := r.open(t, blk.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.dev.Run(ctx) })

	for i := uint64(0); i < 16; i++ {
		buf := pattern(blk.SectorSize)
		buf[0] = byte(i)
		require.NoError(t, d.Write(i, buf))

		got := make([]byte, blk.SectorSize)
		require.NoError(t, d.Read(i, got))
		assert.Equal(t, buf, got)
	}

	cancel()
	require.NoError(t, g.Wait())
}

func TestConcurrentSubmit(t *testing.T) {
	r := newRig(t, sim.BlkOptions{})
	d := r.open(t, blk.Config{QueueSize: 8})

	var reqs []*blk.Request
	// eight descriptors hold two data requests
	for i := 0; i < 2; i++ {
		req := &blk.Request{Type: blk.TypeOut, Sector: uint64(i), Buf: pattern(blk.SectorSize)}
		require.NoError(t, d.Submit(req))
		reqs = append(reqs, req)
	}
	assert.ErrorIs(t, d.Submit(&blk.Request{Type: blk.TypeFlush}), blk.ErrBusy)

	for _, req := range reqs {
		require.NoError(t, d.Wait(req))
	}
	require.NoError(t, d.Flush())
}
