package virtq

import (
	"encoding/binary"
	"fmt"
	"sync"

	"rvcore/dma"
)

type chainState uint8

const (
	chainFree      chainState = iota // on the free list
	chainAdded                       // written, not yet in the available ring
	chainPublished                   // owned by the device until reaped
)

// Buffer is one element of a chain handed to Add.
type Buffer struct {
	Addr  uint64 // guest-physical address
	Len   uint32 // length in bytes
	Write bool   // device-writable
}

// Queue is the driver half of a split virtqueue.
//
// The driver keeps a private copy of every descriptor it writes, so the free
// list and chain walks never trust memory the device can reach.
type Queue struct {
	mu  sync.Mutex
	mem dma.Memory // memory the rings live in
	l   Layout     // ring addresses and size

	shadow   []Desc       // driver copy of each descriptor
	state    []chainState // per descriptor, meaningful at chain heads
	freeHead uint16       // first free descriptor, linked through shadow[].Next
	numFree  uint16       // descriptors on the free list

	availIdx   uint16 // next available ring index to publish
	availFlags uint16 // flags half of the available header word
	lastUsed   uint16 // used ring index consumed so far
}

// Alloc carves a queue of size entries out of a. size must be a power of two.
func Alloc(a *dma.Arena, size uint16) (*Queue, error) {
	if err := validSize(size); err != nil {
		return nil, err
	}

	desc, err := a.Alloc(DescTableSize(size), DescAlign)
	if err != nil {
		return nil, fmt.Errorf("descriptor table: %w", err)
	}
	avail, err := a.Alloc(AvailSize(size), AvailAlign)
	if err != nil {
		return nil, fmt.Errorf("available ring: %w", err)
	}
	used, err := a.Alloc(UsedSize(size), UsedAlign)
	if err != nil {
		return nil, fmt.Errorf("used ring: %w", err)
	}

	return New(a.Memory(), Layout{Size: size, Desc: desc, Avail: avail, Used: used})
}

// New wraps already zeroed ring memory described by l.
func New(mem dma.Memory, l Layout) (*Queue, error) {
	if err := validSize(l.Size); err != nil {
		return nil, err
	}
	if l.Desc%DescAlign != 0 || l.Avail%AvailAlign != 0 || l.Used%UsedAlign != 0 {
		return nil, fmt.Errorf("queue layout %+v is misaligned: %w", l, dma.ErrMisaligned)
	}

	q := &Queue{
		mem:    mem,
		l:      l,
		shadow: make([]Desc, l.Size),
		state:  make([]chainState, l.Size),
	}
	q.resetFreeList()

	if err := dma.Store32(mem, l.Avail, packHeader(0, 0)); err != nil {
		return nil, err
	}
	return q, nil
}

// resetFreeList links every descriptor into one free list.
func (q *Queue) resetFreeList() {
	for i := range q.shadow {
		q.shadow[i] = Desc{Next: uint16(i + 1)}
		q.state[i] = chainFree
	}
	q.shadow[len(q.shadow)-1].Next = noNext
	q.freeHead = 0
	q.numFree = q.l.Size
}

// Layout is what gets written to the transport's queue address registers.
func (q *Queue) Layout() Layout { return q.l }

// Size is the number of descriptors.
func (q *Queue) Size() uint16 { return q.l.Size }

// NumFree is the number of descriptors Add can still use.
func (q *Queue) NumFree() uint16 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.numFree
}

// Add writes bufs into free descriptors, linked in order, and returns the
// head. The chain is not visible to the device until Publish.
func (q *Queue) Add(bufs []Buffer) (uint16, error) {
	if len(bufs) == 0 {
		return 0, fmt.Errorf("empty chain: %w", ErrBadChain)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(bufs) > int(q.numFree) {
		return 0, fmt.Errorf("need %d, have %d: %w", len(bufs), q.numFree, ErrNoSpace)
	}

	head := q.freeHead
	cur := head
	for i, b := range bufs {
		nextFree := q.shadow[cur].Next

		d := Desc{Addr: b.Addr, Len: b.Len}
		if b.Write {
			d.Flags |= FlagWrite
		}
		if i < len(bufs)-1 {
			d.Flags |= FlagNext
			d.Next = nextFree
		}

		if err := writeDesc(q.mem, q.l, cur, d); err != nil {
			// descriptors written so far stay on the free list
			return 0, err
		}
		q.shadow[cur] = d
		cur = nextFree
	}

	q.freeHead = cur
	q.numFree -= uint16(len(bufs))
	q.state[head] = chainAdded
	return head, nil
}

// Publish makes the chain at head available to the device: the ring slot is
// written first, then the header word carrying the new index is stored
// atomically, so the device never sees an index covering an unwritten slot.
func (q *Queue) Publish(head uint16) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if int(head) >= len(q.state) || q.state[head] != chainAdded {
		return fmt.Errorf("publish %d: %w", head, ErrBadChain)
	}

	slot := q.availIdx & (q.l.Size - 1)
	b, err := q.mem.Bytes(q.l.Avail+4+uint64(slot)*2, 2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b, head)

	q.state[head] = chainPublished
	q.availIdx++
	return dma.Store32(q.mem, q.l.Avail, packHeader(q.availFlags, q.availIdx))
}

// SuppressInterrupts asks the device not to interrupt on used buffers. It
// is only a hint.
func (q *Queue) SuppressInterrupts(on bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if on {
		q.availFlags |= AvailNoInterrupt
	} else {
		q.availFlags &^= AvailNoInterrupt
	}
	return dma.Store32(q.mem, q.l.Avail, packHeader(q.availFlags, q.availIdx))
}

// AvailIdx reads the published available index back from memory.
func (q *Queue) AvailIdx() (uint16, error) {
	v, err := dma.Load32(q.mem, q.l.Avail)
	_, idx := unpackHeader(v)
	return idx, err
}

// HasUsed reports whether the device has completed a chain not yet reaped.
func (q *Queue) HasUsed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	v, err := dma.Load32(q.mem, q.l.Used)
	if err != nil {
		return false
	}
	_, idx := unpackHeader(v)
	return idx != q.lastUsed
}

// Reap takes the next completed chain off the used ring and returns its
// descriptors to the free list.
func (q *Queue) Reap() (UsedElem, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	v, err := dma.Load32(q.mem, q.l.Used)
	if err != nil {
		return UsedElem{}, false, err
	}
	if _, idx := unpackHeader(v); idx == q.lastUsed {
		return UsedElem{}, false, nil
	}

	slot := q.lastUsed & (q.l.Size - 1)
	b, err := q.mem.Bytes(q.l.Used+4+uint64(slot)*UsedElemSize, UsedElemSize)
	if err != nil {
		return UsedElem{}, false, err
	}
	e := UsedElem{ID: binary.LittleEndian.Uint32(b[0:]), Len: binary.LittleEndian.Uint32(b[4:])}
	q.lastUsed++

	if e.ID >= uint32(q.l.Size) || q.state[e.ID] != chainPublished {
		return e, true, fmt.Errorf("used id %d: %w", e.ID, ErrNotOwned)
	}
	if err := q.free(uint16(e.ID)); err != nil {
		return e, true, err
	}
	return e, true, nil
}

func (q *Queue) free(head uint16) error {
	q.state[head] = chainFree
	cur := head
	for n := 0; n < len(q.shadow); n++ {
		d := q.shadow[cur]
		q.shadow[cur] = Desc{Next: q.freeHead}
		q.freeHead = cur
		q.numFree++

		if d.Flags&FlagNext == 0 {
			return nil
		}
		cur = d.Next
	}
	return fmt.Errorf("chain at %d does not terminate: %w", head, ErrBadChain)
}
