// Package virtq implements the VirtIO split virtqueue: a descriptor table,
// an available ring written only by the driver and a used ring written only
// by the device, all in memory shared with the device.
package virtq

import (
	"encoding/binary"
	"errors"
	"fmt"

	"rvcore/dma"
)

// Descriptor flags
const (
	FlagNext     uint16 = 1 << 0 // buffer continues in Next
	FlagWrite    uint16 = 1 << 1 // device writes this buffer
	FlagIndirect uint16 = 1 << 2 // buffer is a table of descriptors
)

// Ring flags
const (
	AvailNoInterrupt uint16 = 1 << 0 // driver does not want used-buffer interrupts
	UsedNoNotify     uint16 = 1 << 0 // device does not want notifications
)

const (
	DescSize     = 16
	UsedElemSize = 8
	// MaxSize is the largest queue the split layout allows.
	MaxSize = 32768

	// Required alignments. The avail ring only needs 2 but its header is
	// published with a single 32-bit store.
	DescAlign  = 16
	AvailAlign = 4
	UsedAlign  = 4

	noNext uint16 = 0xffff
)

var (
	ErrNoSpace  = errors.New("not enough free descriptors")
	ErrBadSize  = errors.New("queue size must be a power of two")
	ErrBadChain = errors.New("malformed descriptor chain")
	ErrNotOwned = errors.New("descriptor chain not owned by the device")
)

// Desc is one entry of the descriptor table.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// UsedElem is one entry of the used ring. ID is the head of the completed
// chain and Len the number of bytes the device wrote into it.
type UsedElem struct {
	ID  uint32
	Len uint32
}

// Layout is where a queue lives in physical memory.
type Layout struct {
	Size  uint16
	Desc  uint64
	Avail uint64
	Used  uint64
}

// DescTableSize is the byte size of a descriptor table of n entries.
func DescTableSize(n uint16) uint64 { return uint64(n) * DescSize }

// AvailSize is flags + idx + ring[n] + used_event.
func AvailSize(n uint16) uint64 { return 2 + 2 + uint64(n)*2 + 2 }

// UsedSize is flags + idx + ring[n] + avail_event.
func UsedSize(n uint16) uint64 { return 2 + 2 + uint64(n)*UsedElemSize + 2 }

func validSize(n uint16) error {
	if n == 0 || n&(n-1) != 0 || uint32(n) > MaxSize {
		return fmt.Errorf("%d: %w", n, ErrBadSize)
	}
	return nil
}

func readDesc(mem dma.Memory, l Layout, i uint16) (Desc, error) {
	b, err := mem.Bytes(l.Desc+uint64(i)*DescSize, DescSize)
	if err != nil {
		return Desc{}, err
	}
	return Desc{
		Addr:  binary.LittleEndian.Uint64(b[0:]),
		Len:   binary.LittleEndian.Uint32(b[8:]),
		Flags: binary.LittleEndian.Uint16(b[12:]),
		Next:  binary.LittleEndian.Uint16(b[14:]),
	}, nil
}

func writeDesc(mem dma.Memory, l Layout, i uint16, d Desc) error {
	b, err := mem.Bytes(l.Desc+uint64(i)*DescSize, DescSize)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b[0:], d.Addr)
	binary.LittleEndian.PutUint32(b[8:], d.Len)
	binary.LittleEndian.PutUint16(b[12:], d.Flags)
	binary.LittleEndian.PutUint16(b[14:], d.Next)
	return nil
}

// header words hold flags in the low half and idx in the high half, which is
// the in-memory order of {flags u16, idx u16} on a little-endian hart.
func packHeader(flags, idx uint16) uint32 { return uint32(flags) | uint32(idx)<<16 }

func unpackHeader(v uint32) (flags, idx uint16) { return uint16(v), uint16(v >> 16) }
