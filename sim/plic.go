package sim

import (
	"encoding/binary"
	"sync"

	"rvcore/mmio"
	"rvcore/plic"
)

// simContexts is machine and supervisor mode of a single hart.
const simContexts = 2

// PLIC models the platform interrupt controller. Sources latch pending
// when raised; a claim takes the best eligible source for the context and
// holds it in service until the matching complete.
type PLIC struct {
	mu sync.Mutex

	priority  [plic.MaxSources]uint32
	pending   [plic.MaxSources / 32]uint32
	enable    [simContexts][plic.MaxSources / 32]uint32
	threshold [simContexts]uint32
	inService [plic.MaxSources]bool
}

func NewPLIC() *PLIC {
	return &PLIC{}
}

func bit(src uint32) (int, uint32) {
	return int(src / 32), uint32(1) << (src % 32)
}

// Raise latches src pending. Out-of-range sources are ignored.
func (p *PLIC) Raise(src plic.Source) {
	if src == plic.None || src >= plic.MaxSources {
		return
	}
	p.mu.Lock()
	w, b := bit(uint32(src))
	p.pending[w] |= b
	p.mu.Unlock()
}

// best returns the highest priority pending, enabled source above the
// context threshold. Ties go to the lowest id.
func (p *PLIC) best(ctx int) plic.Source {
	var best plic.Source
	var bestPrio uint32
	for src := uint32(1); src < plic.MaxSources; src++ {
		w, b := bit(src)
		if p.pending[w]&b == 0 || p.enable[ctx][w]&b == 0 || p.inService[src] {
			continue
		}
		prio := p.priority[src]
		if prio <= p.threshold[ctx] || prio <= bestPrio {
			continue
		}
		best, bestPrio = plic.Source(src), prio
	}
	return best
}

// Asserted is the level of the external interrupt line into ctx.
func (p *PLIC) Asserted(ctx plic.Context) bool {
	if ctx >= simContexts {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.best(int(ctx)) != plic.None
}

func (p *PLIC) claim(ctx int) uint32 {
	src := p.best(ctx)
	if src == plic.None {
		return 0
	}
	w, b := bit(uint32(src))
	p.pending[w] &^= b
	p.inService[src] = true
	return uint32(src)
}

func (p *PLIC) complete(src uint32) {
	if src < plic.MaxSources {
		p.inService[src] = false
	}
}

// context decodes an offset in the per-context region.
func contextOf(off uint64) (ctx int, reg uint64, ok bool) {
	rel := off - plic.ContextOffset
	ctx = int(rel / plic.ContextStride)
	reg = rel % plic.ContextStride
	return ctx, reg, ctx < simContexts && (reg == plic.ThresholdOffset || reg == plic.ClaimOffset)
}

func enableOf(off uint64) (ctx int, word int, ok bool) {
	rel := off - plic.EnableOffset
	ctx = int(rel / plic.EnableStride)
	word = int(rel%plic.EnableStride) / 4
	return ctx, word, ctx < simContexts
}

func (p *PLIC) ReadMMIO(off uint64, data []byte) error {
	if len(data) != 4 || off%4 != 0 {
		return mmio.ErrAccess
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var v uint32
	switch {
	case off < plic.PendingOffset:
		v = p.priority[off/4]
	case off < plic.PendingOffset+plic.MaxSources/8:
		v = p.pending[(off-plic.PendingOffset)/4]
	case off >= plic.EnableOffset && off < plic.ContextOffset:
		ctx, word, ok := enableOf(off)
		if !ok {
			return mmio.ErrAccess
		}
		v = p.enable[ctx][word]
	case off >= plic.ContextOffset && off < plic.Size:
		ctx, reg, ok := contextOf(off)
		if !ok {
			return mmio.ErrAccess
		}
		if reg == plic.ThresholdOffset {
			v = p.threshold[ctx]
		} else {
			v = p.claim(ctx)
		}
	default:
		return mmio.ErrAccess
	}

	binary.LittleEndian.PutUint32(data, v)
	return nil
}

func (p *PLIC) WriteMMIO(off uint64, data []byte) error {
	if len(data) != 4 || off%4 != 0 {
		return mmio.ErrAccess
	}
	v := binary.LittleEndian.Uint32(data)

	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case off < plic.PendingOffset:
		if off == 0 {
			return mmio.ErrAccess
		}
		p.priority[off/4] = v
	case off >= plic.EnableOffset && off < plic.ContextOffset:
		ctx, word, ok := enableOf(off)
		if !ok {
			return mmio.ErrAccess
		}
		p.enable[ctx][word] = v
	case off >= plic.ContextOffset && off < plic.Size:
		ctx, reg, ok := contextOf(off)
		if !ok {
			return mmio.ErrAccess
		}
		if reg == plic.ThresholdOffset {
			p.threshold[ctx] = v
		} else {
			p.complete(v)
		}
	default:
		// pending bits are read-only
		return mmio.ErrAccess
	}
	return nil
}
