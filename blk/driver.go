package blk

import (
	"bytes"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"rvcore/dma"
	"rvcore/plic"
	"rvcore/virtio"
	"rvcore/virtq"
)

// DefaultFeatures is what Open accepts when Config.Features is zero.
const DefaultFeatures = virtio.FeatureVersion1 | FeatureFlush | FeatureBlkSize | FeatureRO

// chainLen is the descriptor count of a data request: header, data, status.
const chainLen = 3

// Config selects how Open sets the device up.
type Config struct {
	QueueIndex uint32 // virtio-blk has a single request queue, 0
	// QueueSize is clamped to the device maximum. Zero means 8.
	QueueSize uint16
	// Features the driver is willing to accept.
	Features uint64
	// Interrupts selects interrupt-driven completion. Otherwise the queue
	// asks the device not to interrupt and Wait polls.
	Interrupts bool
	// Idle is called by Wait in interrupt mode while a request is in
	// flight. It is where pending interrupts get taken.
	Idle func()
	// MaxTransfer bounds a single request's data. Zero means 4096.
	MaxTransfer uint32
	Metrics     metrics.Registry // nil means metrics.DefaultRegistry
}

// Request is one block request. Status and completion are filled in by the
// driver when the device hands the chain back.
type Request struct {
	Type   RequestType
	Sector uint64 // first sector, in SectorSize units
	Buf    []byte // data to write, or room for data read
	Status Status // device status once completed
	// Done, if set, is called once the request completes. In interrupt mode
	// that happens inside the trap handler.
	Done func(*Request)

	done atomic.Bool
}

// Completed reports whether the device has finished the request.
func (r *Request) Completed() bool { return r.done.Load() }

// Err is nil for a completed request with StatusOK.
func (r *Request) Err() error {
	if r.Status == StatusOK {
		return nil
	}
	return &StatusError{Status: r.Status, Type: r.Type, Sector: r.Sector}
}

// bounce is one request's worth of DMA memory: header, data and status.
type bounce struct {
	hdr    uint64 // HeaderSize bytes, device-readable
	data   uint64 // MaxTransfer bytes
	status uint64 // one byte, device-writable
}

// inflight tracks a published chain by its head descriptor.
type inflight struct {
	req  *Request
	slot int    // index into Driver.bounces
	n    uint32 // data descriptor length, zero for none
}

// Driver is an opened virtio-blk device with one request queue.
type Driver struct {
	t   *virtio.Transport
	q   *virtq.Queue // request queue
	mem dma.Memory   // where the bounce buffers live
	l   *logrus.Logger
	c   Config

	info     virtio.DeviceInfo
	features uint64 // negotiated
	capacity uint64 // in sectors, read once after DRIVER_OK

	mu       sync.Mutex // guards the queue, bounces, free and inflight
	bounces  []bounce   // one DMA slot per possible in-flight request
	free     []int      // indices into bounces
	inflight map[uint16]inflight

	// deferred is set by an interrupt that arrived while mu was held. The
	// next lock holder to let go reaps on its behalf.
	deferred atomic.Bool

	submitted metrics.Counter
	completed metrics.Counter
	failed    metrics.Counter
	irqs      metrics.Counter
	unknown   metrics.Counter
}

// Open runs the device initialization sequence: reset, acknowledge,
// negotiate, queue setup and DRIVER_OK. Any failure marks the device FAILED
// and is returned; nothing is retried.
func Open(t *virtio.Transport, a *dma.Arena, c Config, l *logrus.Logger) (*Driver, error) {
	if l == nil {
		l = logrus.StandardLogger()
	}
	if c.QueueSize == 0 {
		c.QueueSize = 8
	}
	if c.Features == 0 {
		c.Features = DefaultFeatures
	}
	if c.MaxTransfer == 0 {
		c.MaxTransfer = 4096
	}
	if c.MaxTransfer%SectorSize != 0 {
		return nil, fmt.Errorf("max transfer %d: %w", c.MaxTransfer, ErrBadBuffer)
	}

	info, err := t.Probe()
	if err != nil {
		return nil, fmt.Errorf("probe: %w", err)
	}
	if info.Device != virtio.DeviceBlock {
		return nil, fmt.Errorf("device %s: %w", info.Device, ErrNotBlock)
	}

	if err := t.Begin(); err != nil {
		return nil, err
	}

	d, err := open(t, a, c, l)
	if err != nil {
		t.Fail()
		return nil, err
	}
	d.info = info

	l.WithFields(logrus.Fields{
		"vendor":   fmt.Sprintf("0x%08x", info.Vendor),
		"features": fmt.Sprintf("0x%x", d.features),
		"capacity": d.capacity,
		"queue":    d.q.Size(),
		"irq":      c.Interrupts,
	}).Info("virtio-blk ready")
	return d, nil
}

func open(t *virtio.Transport, a *dma.Arena, c Config, l *logrus.Logger) (*Driver, error) {
	features, err := t.Negotiate(c.Features)
	if err != nil {
		return nil, fmt.Errorf("negotiate: %w", err)
	}

	numMax := t.QueueNumMax(c.QueueIndex)
	if numMax == 0 {
		return nil, fmt.Errorf("queue %d: %w", c.QueueIndex, virtio.ErrQueueUnavailable)
	}
	size := c.QueueSize
	for uint32(size) > numMax {
		size >>= 1
	}
	if size == 0 {
		return nil, fmt.Errorf("queue %d max %d: %w", c.QueueIndex, numMax, virtq.ErrBadSize)
	}
	if size < chainLen {
		return nil, fmt.Errorf("queue %d of %d descriptors, need %d: %w", c.QueueIndex, size, chainLen, ErrQueueSmall)
	}

	q, err := virtq.Alloc(a, size)
	if err != nil {
		return nil, err
	}
	if err := t.SetupQueue(c.QueueIndex, q.Layout()); err != nil {
		return nil, err
	}

	d := &Driver{
		t:         t,
		q:         q,
		mem:       a.Memory(),
		l:         l,
		c:         c,
		features:  features,
		inflight:  make(map[uint16]inflight),
		submitted: metrics.GetOrRegisterCounter("blk.request.submitted", c.Metrics),
		completed: metrics.GetOrRegisterCounter("blk.request.completed", c.Metrics),
		failed:    metrics.GetOrRegisterCounter("blk.request.failed", c.Metrics),
		irqs:      metrics.GetOrRegisterCounter("blk.interrupt", c.Metrics),
		unknown:   metrics.GetOrRegisterCounter("blk.used.unknown", c.Metrics),
	}

	slots := int(size) / chainLen
	for i := 0; i < slots; i++ {
		var b bounce
		if b.hdr, err = a.Alloc(HeaderSize, 16); err != nil {
			return nil, fmt.Errorf("request header: %w", err)
		}
		if b.data, err = a.Alloc(uint64(c.MaxTransfer), SectorSize); err != nil {
			return nil, fmt.Errorf("request data: %w", err)
		}
		if b.status, err = a.Alloc(1, 1); err != nil {
			return nil, fmt.Errorf("request status: %w", err)
		}
		d.bounces = append(d.bounces, b)
		d.free = append(d.free, i)
	}

	if !c.Interrupts {
		if err := q.SuppressInterrupts(true); err != nil {
			return nil, err
		}
	}

	if err := t.DriverOK(); err != nil {
		return nil, err
	}
	d.capacity = t.ConfigRead64(ConfigCapacity)
	return d, nil
}

// Capacity is the device size in 512-byte sectors.
func (d *Driver) Capacity() uint64 { return d.capacity }

// Features is the negotiated feature set.
func (d *Driver) Features() uint64 { return d.features }

// Info is what Probe reported when the device was opened.
func (d *Driver) Info() virtio.DeviceInfo { return d.info }

// ReadOnly reports whether the device offered and we accepted the RO feature.
func (d *Driver) ReadOnly() bool { return d.features&FeatureRO != 0 }

// dataLen is the length of the data descriptor for r, zero for none.
func (d *Driver) dataLen(r *Request) (uint32, error) {
	switch r.Type {
	case TypeFlush:
		return 0, nil
	case TypeGetID:
		if len(r.Buf) < IDSize {
			return 0, fmt.Errorf("id buffer of %d bytes: %w", len(r.Buf), ErrBadBuffer)
		}
		return IDSize, nil
	case TypeIn, TypeOut:
		if len(r.Buf) == 0 || len(r.Buf)%SectorSize != 0 {
			return 0, fmt.Errorf("%d bytes: %w", len(r.Buf), ErrBadBuffer)
		}
	}
	if uint64(len(r.Buf)) > uint64(d.c.MaxTransfer) {
		return 0, fmt.Errorf("%d bytes, max %d: %w", len(r.Buf), d.c.MaxTransfer, ErrTooLarge)
	}
	return uint32(len(r.Buf)), nil
}

// Submit places r on the queue and notifies the device. It does not wait.
func (d *Driver) Submit(r *Request) error {
	n, err := d.dataLen(r)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if len(d.free) == 0 {
		d.unlock()
		return ErrBusy
	}
	slot := d.free[len(d.free)-1]
	b := d.bounces[slot]

	if err := d.fill(r, b, n); err != nil {
		d.unlock()
		return err
	}

	chain := []virtq.Buffer{{Addr: b.hdr, Len: HeaderSize}}
	if n > 0 {
		chain = append(chain, virtq.Buffer{Addr: b.data, Len: n, Write: r.Type.DeviceWrites()})
	}
	chain = append(chain, virtq.Buffer{Addr: b.status, Len: 1, Write: true})

	head, err := d.q.Add(chain)
	if err != nil {
		d.unlock()
		return err
	}

	r.done.Store(false)
	r.Status = statusPending
	d.free = d.free[:len(d.free)-1]
	d.inflight[head] = inflight{req: r, slot: slot, n: n}

	if err := d.q.Publish(head); err != nil {
		delete(d.inflight, head)
		d.free = append(d.free, slot)
		d.unlock()
		return err
	}
	d.unlock()

	d.submitted.Inc(1)
	d.t.Notify(d.c.QueueIndex)
	return nil
}

func (d *Driver) fill(r *Request, b bounce, n uint32) error {
	hdr, err := d.mem.Bytes(b.hdr, HeaderSize)
	if err != nil {
		return err
	}
	if err := PutHeader(hdr, Header{Type: r.Type, Sector: r.Sector}); err != nil {
		return err
	}

	st, err := d.mem.Bytes(b.status, 1)
	if err != nil {
		return err
	}
	st[0] = byte(statusPending)

	if n == 0 || r.Type.DeviceWrites() {
		return nil
	}
	data, err := d.mem.Bytes(b.data, int(n))
	if err != nil {
		return err
	}
	copy(data, r.Buf)
	return nil
}

// Poll reaps every completed request and returns how many there were.
func (d *Driver) Poll() int {
	d.deferred.Store(false)
	d.mu.Lock()
	done := d.reap()
	d.mu.Unlock()
	return d.finish(done)
}

// reap takes every used element off the queue. d.mu must be held.
func (d *Driver) reap() []*Request {
	var done []*Request
	for {
		e, ok, err := d.q.Reap()
		if !ok {
			break
		}
		if err != nil {
			d.unknown.Inc(1)
			d.l.WithError(err).WithField("id", e.ID).Error("Bad used element")
			continue
		}

		f, ok := d.inflight[uint16(e.ID)]
		if !ok {
			d.unknown.Inc(1)
			d.l.WithField("id", e.ID).Error("Used element for a request we did not submit")
			continue
		}
		delete(d.inflight, uint16(e.ID))

		d.complete(f)
		d.free = append(d.free, f.slot)
		done = append(done, f.req)
	}
	return done
}

// finish publishes completions. It runs without d.mu so Done callbacks may
// submit again.
func (d *Driver) finish(done []*Request) int {
	for _, r := range done {
		if r.Status == StatusOK {
			d.completed.Inc(1)
		} else {
			d.failed.Inc(1)
			d.l.WithFields(logrus.Fields{
				"type":   r.Type,
				"sector": r.Sector,
				"status": r.Status,
			}).Debug("Request failed")
		}
		r.done.Store(true)
		if r.Done != nil {
			r.Done(r)
		}
	}
	return len(done)
}

// unlock releases d.mu and reaps for any interrupt that found it held.
func (d *Driver) unlock() {
	d.mu.Unlock()
	if d.deferred.Load() {
		d.Poll()
	}
}

func (d *Driver) complete(f inflight) {
	b := d.bounces[f.slot]
	r := f.req

	st, err := d.mem.Bytes(b.status, 1)
	if err != nil {
		r.Status = StatusIOErr
		return
	}
	r.Status = Status(st[0])
	if r.Status == statusPending {
		// the device returned the chain without writing a status
		r.Status = StatusIOErr
	}

	if f.n == 0 || !r.Type.DeviceWrites() || r.Status != StatusOK {
		return
	}
	data, err := d.mem.Bytes(b.data, int(f.n))
	if err != nil {
		r.Status = StatusIOErr
		return
	}
	copy(r.Buf, data)
}

// Wait blocks until r completes. There is no timeout.
func (d *Driver) Wait(r *Request) error {
	for !r.done.Load() {
		switch {
		case d.deferred.Load():
			d.Poll()
		case !d.c.Interrupts || d.c.Idle == nil:
			if d.Poll() == 0 {
				runtime.Gosched()
			}
		default:
			d.c.Idle()
		}
	}
	return r.Err()
}

// HandleInterrupt acknowledges the device interrupt and reaps completions.
// It is registered with the interrupt router for the device's source and
// runs inside the trap, so it never waits for d.mu: if the interrupted code
// holds it, reaping is left to that code when it lets go.
func (d *Driver) HandleInterrupt(src plic.Source) {
	d.irqs.Inc(1)
	if bits := d.t.InterruptStatus(); bits != 0 {
		d.t.AckInterrupt(bits)
	}
	if !d.mu.TryLock() {
		d.deferred.Store(true)
		d.l.WithField("source", src).Debug("virtio-blk interrupt deferred")
		return
	}
	d.deferred.Store(false)
	done := d.reap()
	d.mu.Unlock()
	n := d.finish(done)
	d.l.WithFields(logrus.Fields{"source": src, "reaped": n}).Debug("virtio-blk interrupt")
}

// Do submits r and waits for it.
func (d *Driver) Do(r *Request) error {
	if err := d.Submit(r); err != nil {
		return err
	}
	return d.Wait(r)
}

func (d *Driver) checkRange(sector uint64, n int) error {
	if n == 0 || n%SectorSize != 0 {
		return fmt.Errorf("%d bytes: %w", n, ErrBadBuffer)
	}
	end := sector + uint64(n/SectorSize)
	if end < sector || end > d.capacity {
		return fmt.Errorf("sectors [%d, %d) of %d: %w", sector, end, d.capacity, ErrOutOfRange)
	}
	return nil
}

// transfer splits buf into MaxTransfer sized requests.
func (d *Driver) transfer(t RequestType, sector uint64, buf []byte) error {
	if err := d.checkRange(sector, len(buf)); err != nil {
		return err
	}
	step := int(d.c.MaxTransfer)
	for off := 0; off < len(buf); off += step {
		end := off + step
		if end > len(buf) {
			end = len(buf)
		}
		r := &Request{Type: t, Sector: sector + uint64(off/SectorSize), Buf: buf[off:end]}
		if err := d.Do(r); err != nil {
			return err
		}
	}
	return nil
}

// Read fills buf from sector onwards.
func (d *Driver) Read(sector uint64, buf []byte) error {
	return d.transfer(TypeIn, sector, buf)
}

// Write stores buf at sector onwards.
func (d *Driver) Write(sector uint64, buf []byte) error {
	if d.ReadOnly() {
		return ErrReadOnly
	}
	return d.transfer(TypeOut, sector, buf)
}

// Flush commits the device write cache. Without the flush feature there is
// no cache to commit.
func (d *Driver) Flush() error {
	if d.features&FeatureFlush == 0 {
		return nil
	}
	return d.Do(&Request{Type: TypeFlush})
}

// ID returns the device serial.
func (d *Driver) ID() (string, error) {
	buf := make([]byte, IDSize)
	if err := d.Do(&Request{Type: TypeGetID, Buf: buf}); err != nil {
		return "", err
	}
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf), nil
}
