package virtq

import (
	"encoding/binary"
	"fmt"

	"rvcore/dma"
)

// DeviceQueue is the device half of a split virtqueue, used by device models.
type DeviceQueue struct {
	mem       dma.Memory
	l         Layout
	lastAvail uint16 // available ring index consumed so far
	usedIdx   uint16 // next used ring index to publish
}

// NewDeviceQueue attaches to rings the driver has already set up.
func NewDeviceQueue(mem dma.Memory, l Layout) (*DeviceQueue, error) {
	if err := validSize(l.Size); err != nil {
		return nil, err
	}
	if l.Avail%AvailAlign != 0 || l.Used%UsedAlign != 0 {
		return nil, fmt.Errorf("queue layout %+v is misaligned: %w", l, dma.ErrMisaligned)
	}
	return &DeviceQueue{mem: mem, l: l}, nil
}

// Layout is the ring placement the queue was built from.
func (d *DeviceQueue) Layout() Layout { return d.l }

// Pop returns the next chain head the driver has published.
func (d *DeviceQueue) Pop() (uint16, bool, error) {
	v, err := dma.Load32(d.mem, d.l.Avail)
	if err != nil {
		return 0, false, err
	}
	if _, idx := unpackHeader(v); idx == d.lastAvail {
		return 0, false, nil
	}

	slot := d.lastAvail & (d.l.Size - 1)
	b, err := d.mem.Bytes(d.l.Avail+4+uint64(slot)*2, 2)
	if err != nil {
		return 0, false, err
	}
	d.lastAvail++

	head := binary.LittleEndian.Uint16(b)
	if head >= d.l.Size {
		return head, true, fmt.Errorf("avail head %d: %w", head, ErrBadChain)
	}
	return head, true, nil
}

// Chain walks the descriptors starting at head.
func (d *DeviceQueue) Chain(head uint16) ([]Desc, error) {
	var out []Desc
	cur := head
	for n := 0; n < int(d.l.Size); n++ {
		if cur >= d.l.Size {
			return nil, fmt.Errorf("descriptor %d: %w", cur, ErrBadChain)
		}
		desc, err := readDesc(d.mem, d.l, cur)
		if err != nil {
			return nil, err
		}
		if desc.Flags&FlagIndirect != 0 {
			return nil, fmt.Errorf("indirect descriptor %d: %w", cur, ErrBadChain)
		}
		out = append(out, desc)
		if desc.Flags&FlagNext == 0 {
			return out, nil
		}
		cur = desc.Next
	}
	return nil, fmt.Errorf("chain at %d loops: %w", head, ErrBadChain)
}

// Push hands the chain at id back to the driver. The element is written
// before the index that covers it is published.
func (d *DeviceQueue) Push(id uint16, written uint32) error {
	slot := d.usedIdx & (d.l.Size - 1)
	b, err := d.mem.Bytes(d.l.Used+4+uint64(slot)*UsedElemSize, UsedElemSize)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b[0:], uint32(id))
	binary.LittleEndian.PutUint32(b[4:], written)

	d.usedIdx++
	return dma.Store32(d.mem, d.l.Used, packHeader(0, d.usedIdx))
}

// InterruptsSuppressed reports the driver's AvailNoInterrupt hint.
func (d *DeviceQueue) InterruptsSuppressed() bool {
	v, err := dma.Load32(d.mem, d.l.Avail)
	if err != nil {
		return false
	}
	flags, _ := unpackHeader(v)
	return flags&AvailNoInterrupt != 0
}
