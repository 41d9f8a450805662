package mmio

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
)

type mapping struct {
	name string
	base uint64
	size uint64
	dev  Device
}

func (m mapping) contains(addr uint64) bool {
	return addr >= m.base && addr-m.base < m.size
}

// Bus routes physical addresses to mapped devices.
type Bus struct {
	mu   sync.RWMutex
	maps []mapping
}

// Map places dev at [base, base+size).
func (b *Bus) Map(name string, base, size uint64, dev Device) error {
	if size == 0 {
		return fmt.Errorf("map %s: empty range", name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, m := range b.maps {
		if base < m.base+m.size && m.base < base+size {
			return fmt.Errorf("map %s at 0x%x: %w (%s)", name, base, ErrOverlap, m.name)
		}
	}

	b.maps = append(b.maps, mapping{name: name, base: base, size: size, dev: dev})
	sort.Slice(b.maps, func(i, j int) bool { return b.maps[i].base < b.maps[j].base })
	return nil
}

func (b *Bus) lookup(addr uint64, n int) (mapping, error) {
	if n < 1 {
		n = 1
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	i := sort.Search(len(b.maps), func(i int) bool { return b.maps[i].base+b.maps[i].size > addr })
	if i < len(b.maps) && b.maps[i].contains(addr) && b.maps[i].contains(addr+uint64(n)-1) {
		return b.maps[i], nil
	}
	return mapping{}, fmt.Errorf("0x%x: %w", addr, ErrUnmapped)
}

// Lookup returns the device covering addr and the name it was mapped under.
func (b *Bus) Lookup(addr uint64) (Device, string, bool) {
	m, err := b.lookup(addr, 1)
	if err != nil {
		return nil, "", false
	}
	return m.dev, m.name, true
}

// Read fills data from addr.
func (b *Bus) Read(addr uint64, data []byte) error {
	m, err := b.lookup(addr, len(data))
	if err != nil {
		return err
	}
	return m.dev.ReadMMIO(addr-m.base, data)
}

// Write stores data at addr.
func (b *Bus) Write(addr uint64, data []byte) error {
	m, err := b.lookup(addr, len(data))
	if err != nil {
		return err
	}
	return m.dev.WriteMMIO(addr-m.base, data)
}

// Window returns a Region view of the bus starting at base.
func (b *Bus) Window(base uint64) *Window {
	return &Window{bus: b, base: base}
}

// Window adapts a Bus range to the Region interface. Failed accesses read as
// all ones, as on a real bus with nothing answering, and the first failure
// is kept for Err.
type Window struct {
	bus  *Bus
	base uint64

	mu  sync.Mutex
	err error
}

func (w *Window) fail(err error) {
	w.mu.Lock()
	if w.err == nil {
		w.err = err
	}
	w.mu.Unlock()
}

// Err returns the first failed access, if any.
func (w *Window) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *Window) read(off uintptr, data []byte) {
	if err := w.bus.Read(w.base+uint64(off), data); err != nil {
		for i := range data {
			data[i] = 0xff
		}
		w.fail(err)
	}
}

func (w *Window) write(off uintptr, data []byte) {
	if err := w.bus.Write(w.base+uint64(off), data); err != nil {
		w.fail(err)
	}
}

func (w *Window) Read32(off uintptr) uint32 {
	var b [4]byte
	w.read(off, b[:])
	return binary.LittleEndian.Uint32(b[:])
}

func (w *Window) Write32(off uintptr, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.write(off, b[:])
}

func (w *Window) Read16(off uintptr) uint16 {
	var b [2]byte
	w.read(off, b[:])
	return binary.LittleEndian.Uint16(b[:])
}

func (w *Window) Write16(off uintptr, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.write(off, b[:])
}

func (w *Window) Read8(off uintptr) uint8 {
	var b [1]byte
	w.read(off, b[:])
	return b[0]
}

func (w *Window) Write8(off uintptr, v uint8) {
	w.write(off, []byte{v})
}
