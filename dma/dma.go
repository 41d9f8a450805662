// Package dma describes memory shared between a driver and a device.
//
// Addresses are physical. Drivers hand them to devices unchanged, so every
// buffer placed in a virtqueue must come from a Memory both sides agree on.
package dma

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

var (
	ErrOutOfRange = errors.New("address outside memory")
	ErrMisaligned = errors.New("misaligned address")
	ErrExhausted  = errors.New("arena exhausted")
)

// Memory resolves physical addresses to host slices.
type Memory interface {
	// Bytes returns the n bytes at addr. The slice aliases the memory.
	Bytes(addr uint64, n int) ([]byte, error)
}

func word32(m Memory, addr uint64) (*uint32, error) {
	if addr%4 != 0 {
		return nil, fmt.Errorf("0x%x: %w", addr, ErrMisaligned)
	}
	b, err := m.Bytes(addr, 4)
	if err != nil {
		return nil, err
	}
	return (*uint32)(unsafe.Pointer(&b[0])), nil
}

// Load32 atomically loads the aligned 32-bit word at addr.
func Load32(m Memory, addr uint64) (uint32, error) {
	p, err := word32(m, addr)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32(p), nil
}

// Store32 atomically stores the aligned 32-bit word at addr.
func Store32(m Memory, addr uint64, v uint32) error {
	p, err := word32(m, addr)
	if err != nil {
		return err
	}
	atomic.StoreUint32(p, v)
	return nil
}

// Physical is identity-mapped memory: an address is a pointer.
type Physical struct{}

func (Physical) Bytes(addr uint64, n int) ([]byte, error) {
	if addr == 0 {
		return nil, fmt.Errorf("0x0: %w", ErrOutOfRange)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n), nil
}
