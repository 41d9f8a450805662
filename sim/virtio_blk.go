package sim

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"rvcore/blk"
	"rvcore/dma"
	"rvcore/mmio"
	"rvcore/virtio"
	"rvcore/virtq"
)

// VendorQEMU is the vendor id the device reports ("QEMU").
const VendorQEMU = 0x554d4551

// Disk backs a simulated block device.
type Disk interface {
	io.ReaderAt
	io.WriterAt
}

// MemDisk is an in-memory Disk.
type MemDisk []byte

func NewMemDisk(sectors uint64) MemDisk {
	return make(MemDisk, sectors*blk.SectorSize)
}

func (m MemDisk) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m)) {
		return 0, io.ErrUnexpectedEOF
	}
	return copy(p, m[off:]), nil
}

func (m MemDisk) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m)) {
		return 0, io.ErrShortWrite
	}
	return copy(m[off:], p), nil
}

type BlkOptions struct {
	Disk    Disk
	Sectors uint64
	ID      string
	// QueueNumMax is reported for queue 0. Zero models a device with no
	// usable queue.
	QueueNumMax uint32
	ReadOnly    bool
	// RejectFeatures makes the device clear FEATURES_OK whatever the
	// driver accepted.
	RejectFeatures bool
	// Async hands notified queues to Run instead of processing them inside
	// the notify write.
	Async bool
	// IRQ raises the device's interrupt line.
	IRQ    func()
	Logger *logrus.Logger
}

type blkQueue struct {
	num   uint32
	ready bool
	desc  uint64
	avail uint64
	used  uint64
	dq    *virtq.DeviceQueue
}

// VirtioBlk is a virtio-mmio block device.
type VirtioBlk struct {
	mem dma.Memory
	o   BlkOptions
	l   *logrus.Logger

	offered uint64
	kick    chan struct{}

	mu          sync.Mutex
	status      uint32
	devFeatSel  uint32
	drvFeatSel  uint32
	drvFeatures uint64
	queueSel    uint32
	q           blkQueue
	intStatus   uint32
	generation  uint32
	queueWrites int
	requests    int
}

func NewVirtioBlk(mem dma.Memory, o BlkOptions) *VirtioBlk {
	if o.Disk == nil {
		o.Disk = NewMemDisk(o.Sectors)
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	offered := virtio.FeatureVersion1 | blk.FeatureFlush | blk.FeatureBlkSize |
		blk.FeatureSizeMax | blk.FeatureSegMax
	if o.ReadOnly {
		offered |= blk.FeatureRO
	}
	return &VirtioBlk{
		mem:     mem,
		o:       o,
		l:       o.Logger,
		offered: offered,
		kick:    make(chan struct{}, 1),
	}
}

// QueueWrites counts driver writes to the queue configuration registers
// since the last reset.
func (v *VirtioBlk) QueueWrites() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.queueWrites
}

// Requests counts processed requests.
func (v *VirtioBlk) Requests() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.requests
}

// DeviceStatus is the status register as the device sees it.
func (v *VirtioBlk) DeviceStatus() uint32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.status
}

func (v *VirtioBlk) reset() {
	v.status = 0
	v.devFeatSel = 0
	v.drvFeatSel = 0
	v.drvFeatures = 0
	v.queueSel = 0
	v.q = blkQueue{}
	v.intStatus = 0
	v.queueWrites = 0
}

func (v *VirtioBlk) config(off uint64) uint32 {
	switch off {
	case blk.ConfigCapacity:
		return uint32(v.o.Sectors)
	case blk.ConfigCapacity + 4:
		return uint32(v.o.Sectors >> 32)
	case blk.ConfigSizeMax:
		return 1 << 16
	case blk.ConfigSegMax:
		return 1
	case blk.ConfigBlkSize:
		return blk.SectorSize
	}
	return 0
}

func (v *VirtioBlk) ReadMMIO(off uint64, data []byte) error {
	if len(data) != 4 || off%4 != 0 {
		return mmio.ErrAccess
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	var r uint32
	switch off {
	case virtio.RegMagic:
		r = virtio.Magic
	case virtio.RegVersion:
		r = virtio.Version
	case virtio.RegDeviceID:
		r = uint32(virtio.DeviceBlock)
	case virtio.RegVendorID:
		r = VendorQEMU
	case virtio.RegDeviceFeatures:
		switch v.devFeatSel {
		case 0:
			r = uint32(v.offered)
		case 1:
			r = uint32(v.offered >> 32)
		}
	case virtio.RegQueueNumMax:
		if v.queueSel == 0 {
			r = v.o.QueueNumMax
		}
	case virtio.RegQueueReady:
		if v.queueSel == 0 && v.q.ready {
			r = 1
		}
	case virtio.RegInterruptStatus:
		r = v.intStatus
	case virtio.RegStatus:
		r = v.status
	case virtio.RegConfigGeneration:
		r = v.generation
	default:
		if off < virtio.RegConfig {
			return mmio.ErrAccess
		}
		r = v.config(off - virtio.RegConfig)
	}

	binary.LittleEndian.PutUint32(data, r)
	return nil
}

func (v *VirtioBlk) WriteMMIO(off uint64, data []byte) error {
	if len(data) != 4 || off%4 != 0 {
		return mmio.ErrAccess
	}
	val := binary.LittleEndian.Uint32(data)

	if off == virtio.RegQueueNotify {
		v.notify(val)
		return nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	switch off {
	case virtio.RegDeviceFeaturesSel:
		v.devFeatSel = val
	case virtio.RegDriverFeaturesSel:
		v.drvFeatSel = val
	case virtio.RegDriverFeatures:
		switch v.drvFeatSel {
		case 0:
			v.drvFeatures = v.drvFeatures&^0xffffffff | uint64(val)
		case 1:
			v.drvFeatures = v.drvFeatures&0xffffffff | uint64(val)<<32
		}
	case virtio.RegQueueSel:
		v.queueSel = val
	case virtio.RegQueueNum, virtio.RegQueueDescLow, virtio.RegQueueDescHigh,
		virtio.RegQueueAvailLow, virtio.RegQueueAvailHigh,
		virtio.RegQueueUsedLow, virtio.RegQueueUsedHigh, virtio.RegQueueReady:
		v.queueWrites++
		v.writeQueue(off, val)
	case virtio.RegInterruptAck:
		v.intStatus &^= val
	case virtio.RegStatus:
		v.writeStatus(val)
	default:
		return mmio.ErrAccess
	}
	return nil
}

func (v *VirtioBlk) writeStatus(val uint32) {
	if val == 0 {
		v.reset()
		return
	}
	if val&virtio.StatusFeaturesOK != 0 && v.status&virtio.StatusFeaturesOK == 0 {
		if v.o.RejectFeatures || v.drvFeatures&^v.offered != 0 {
			v.l.WithField("driver", fmt.Sprintf("0x%x", v.drvFeatures)).Debug("Refusing FEATURES_OK")
			val &^= virtio.StatusFeaturesOK
		}
	}
	v.status = val
}

func (v *VirtioBlk) writeQueue(off uint64, val uint32) {
	if v.queueSel != 0 || v.q.ready && off != virtio.RegQueueReady {
		return
	}
	q := &v.q
	switch off {
	case virtio.RegQueueNum:
		q.num = val
	case virtio.RegQueueDescLow:
		q.desc = q.desc&^0xffffffff | uint64(val)
	case virtio.RegQueueDescHigh:
		q.desc = q.desc&0xffffffff | uint64(val)<<32
	case virtio.RegQueueAvailLow:
		q.avail = q.avail&^0xffffffff | uint64(val)
	case virtio.RegQueueAvailHigh:
		q.avail = q.avail&0xffffffff | uint64(val)<<32
	case virtio.RegQueueUsedLow:
		q.used = q.used&^0xffffffff | uint64(val)
	case virtio.RegQueueUsedHigh:
		q.used = q.used&0xffffffff | uint64(val)<<32
	case virtio.RegQueueReady:
		if val == 0 {
			q.ready = false
			q.dq = nil
			return
		}
		if q.num == 0 || q.num > v.o.QueueNumMax {
			v.status |= virtio.StatusNeedsReset
			return
		}
		dq, err := virtq.NewDeviceQueue(v.mem, virtq.Layout{
			Size:  uint16(q.num),
			Desc:  q.desc,
			Avail: q.avail,
			Used:  q.used,
		})
		if err != nil {
			v.l.WithError(err).Error("Bad queue layout")
			v.status |= virtio.StatusNeedsReset
			return
		}
		q.dq = dq
		q.ready = true
	}
}

func (v *VirtioBlk) notify(index uint32) {
	if index != 0 {
		return
	}
	if v.o.Async {
		select {
		case v.kick <- struct{}{}:
		default:
		}
		return
	}
	v.process()
}

// Run services notifications until ctx ends. Only async devices need it.
func (v *VirtioBlk) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-v.kick:
			v.process()
		}
	}
}

func (v *VirtioBlk) process() {
	v.mu.Lock()
	if v.status&virtio.StatusDriverOK == 0 || !v.q.ready {
		v.mu.Unlock()
		return
	}
	dq := v.q.dq

	pushed := 0
	for {
		head, ok, err := dq.Pop()
		if !ok {
			break
		}
		if err != nil {
			v.l.WithError(err).Error("Bad available entry")
			v.status |= virtio.StatusNeedsReset
			break
		}
		written := v.serve(dq, head)
		if err := dq.Push(head, written); err != nil {
			v.l.WithError(err).Error("Used ring write failed")
			v.status |= virtio.StatusNeedsReset
			break
		}
		v.requests++
		pushed++
	}

	raise := pushed > 0 && !dq.InterruptsSuppressed()
	if raise {
		v.intStatus |= virtio.InterruptUsedBuffer
	}
	v.mu.Unlock()

	if raise && v.o.IRQ != nil {
		v.o.IRQ()
	}
}

// serve executes one request chain and returns the bytes written to
// device-writable buffers.
func (v *VirtioBlk) serve(dq *virtq.DeviceQueue, head uint16) uint32 {
	descs, err := dq.Chain(head)
	if err != nil || len(descs) < 2 {
		v.l.WithError(err).WithField("head", head).Error("Malformed request chain")
		return 0
	}

	last := descs[len(descs)-1]
	if last.Flags&virtq.FlagWrite == 0 || last.Len < 1 {
		v.l.WithField("head", head).Error("Request has no status descriptor")
		return 0
	}
	st, err := v.mem.Bytes(last.Addr, 1)
	if err != nil {
		return 0
	}

	hb, err := v.mem.Bytes(descs[0].Addr, int(descs[0].Len))
	if err != nil || descs[0].Flags&virtq.FlagWrite != 0 {
		st[0] = byte(blk.StatusIOErr)
		return 1
	}
	hdr, err := blk.ParseHeader(hb)
	if err != nil {
		st[0] = byte(blk.StatusIOErr)
		return 1
	}

	status, n := v.execute(hdr, descs[1:len(descs)-1])
	st[0] = byte(status)

	v.l.WithFields(logrus.Fields{
		"type":   hdr.Type,
		"sector": hdr.Sector,
		"status": status,
	}).Trace("virtio-blk request")
	return n + 1
}

func (v *VirtioBlk) execute(hdr blk.Header, data []virtq.Desc) (blk.Status, uint32) {
	var total uint64
	for _, d := range data {
		total += uint64(d.Len)
	}

	switch hdr.Type {
	case blk.TypeIn, blk.TypeOut:
		if total%blk.SectorSize != 0 || hdr.Sector+total/blk.SectorSize > v.o.Sectors {
			return blk.StatusIOErr, 0
		}
		if hdr.Type == blk.TypeOut && v.o.ReadOnly {
			return blk.StatusIOErr, 0
		}

		var written uint32
		off := int64(hdr.Sector * blk.SectorSize)
		for _, d := range data {
			wantWrite := hdr.Type == blk.TypeIn
			isWrite := d.Flags&virtq.FlagWrite != 0
			if isWrite != wantWrite {
				return blk.StatusIOErr, written
			}
			b, err := v.mem.Bytes(d.Addr, int(d.Len))
			if err != nil {
				return blk.StatusIOErr, written
			}
			if wantWrite {
				_, err = v.o.Disk.ReadAt(b, off)
				written += d.Len
			} else {
				_, err = v.o.Disk.WriteAt(b, off)
			}
			if err != nil {
				return blk.StatusIOErr, written
			}
			off += int64(d.Len)
		}
		return blk.StatusOK, written

	case blk.TypeFlush:
		if s, ok := v.o.Disk.(interface{ Sync() error }); ok {
			if err := s.Sync(); err != nil {
				return blk.StatusIOErr, 0
			}
		}
		return blk.StatusOK, 0

	case blk.TypeGetID:
		if len(data) == 0 || data[0].Flags&virtq.FlagWrite == 0 {
			return blk.StatusIOErr, 0
		}
		n := data[0].Len
		if n > blk.IDSize {
			n = blk.IDSize
		}
		b, err := v.mem.Bytes(data[0].Addr, int(n))
		if err != nil {
			return blk.StatusIOErr, 0
		}
		clear(b)
		copy(b, v.o.ID)
		return blk.StatusOK, n
	}

	return blk.StatusUnsupported, 0
}
