// Package ring is a fixed-capacity FIFO for recording events from trap and
// interrupt context without allocating.
package ring

import (
	"fmt"
	"strings"
	"sync"
)

// Policy decides what happens when a full buffer is pushed to.
type Policy int

const (
	// DropOldest evicts the oldest entry to make room.
	DropOldest Policy = iota
	// Saturate keeps the existing entries and discards the new one.
	Saturate
)

func (p Policy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case Saturate:
		return "saturate"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParsePolicy accepts the names produced by Policy.String.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "drop-oldest", "drop_oldest", "":
		return DropOldest, nil
	case "saturate":
		return Saturate, nil
	}
	return 0, fmt.Errorf("unknown overflow policy %q; possible policies: drop-oldest, saturate", s)
}

// Buffer holds at most Cap entries of T.
type Buffer[T any] struct {
	mu      sync.Mutex
	buf     []T
	head    int // next read position
	n       int
	policy  Policy
	dropped uint64
}

// New returns an empty buffer. capacity below one is raised to one.
func New[T any](capacity int, p Policy) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{buf: make([]T, capacity), policy: p}
}

// Push appends v. It reports false when an entry was lost to overflow,
// either v itself (Saturate) or the oldest entry (DropOldest).
func (b *Buffer[T]) Push(v T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.n == len(b.buf) {
		b.dropped++
		if b.policy == Saturate {
			return false
		}
		b.buf[b.head] = v
		b.head = (b.head + 1) % len(b.buf)
		return false
	}

	b.buf[(b.head+b.n)%len(b.buf)] = v
	b.n++
	return true
}

// Pop removes and returns the oldest entry.
func (b *Buffer[T]) Pop() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero T
	if b.n == 0 {
		return zero, false
	}
	v := b.buf[b.head]
	b.buf[b.head] = zero
	b.head = (b.head + 1) % len(b.buf)
	b.n--
	return v, true
}

// Snapshot copies the entries out, oldest first.
func (b *Buffer[T]) Snapshot() []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]T, b.n)
	for i := range out {
		out[i] = b.buf[(b.head+i)%len(b.buf)]
	}
	return out
}

func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

func (b *Buffer[T]) Cap() int { return len(b.buf) }

// Dropped counts entries lost to overflow since the last Reset.
func (b *Buffer[T]) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *Buffer[T]) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.buf)
	b.head, b.n, b.dropped = 0, 0, 0
}
