// Package plic drives the RISC-V Platform-Level Interrupt Controller.
package plic

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"rvcore/mmio"
)

// Register layout, relative to the PLIC base
const (
	PriorityOffset  = 0x000000 // one 32-bit word per source
	PendingOffset   = 0x001000 // one bit per source
	EnableOffset    = 0x002000 // one bit per source, per context
	EnableStride    = 0x80     // bytes between contexts' enable bitmaps
	ContextOffset   = 0x200000 // threshold and claim/complete, per context
	ContextStride   = 0x1000   // bytes between contexts' register pages
	ThresholdOffset = 0x0      // within a context page
	ClaimOffset     = 0x4      // read to claim, write to complete

	// Size is the span of the register block.
	Size = 0x4000000

	MaxSources  = 1024  // including the reserved source 0
	MaxContexts = 15872 // as many as fit below Size
)

// Source is an interrupt source id. Source 0 does not exist and doubles as
// the "nothing to claim" value.
type Source uint32

// Context is a hart/privilege-level target. On a single hart, context 0 is
// machine mode and context 1 is supervisor mode.
type Context uint32

// None is what Claim returns when nothing is pending.
const None Source = 0

var (
	ErrInvalidSource  = errors.New("invalid interrupt source")
	ErrInvalidContext = errors.New("invalid interrupt context")
)

func checkSource(src Source) error {
	if src == None || src >= MaxSources {
		return fmt.Errorf("source %d: %w", src, ErrInvalidSource)
	}
	return nil
}

func checkContext(ctx Context) error {
	if ctx >= MaxContexts {
		return fmt.Errorf("context %d: %w", ctx, ErrInvalidContext)
	}
	return nil
}

func enableWord(ctx Context, src Source) uintptr {
	return EnableOffset + uintptr(ctx)*EnableStride + uintptr(src/32)*4
}

func contextReg(ctx Context, off uintptr) uintptr {
	return ContextOffset + uintptr(ctx)*ContextStride + off
}

// PLIC is a handle on one controller's registers.
type PLIC struct {
	r mmio.Region // the controller's register block
	l *logrus.Logger
}

// New wraps the register block at r. A nil logger means the standard one.
func New(r mmio.Region, l *logrus.Logger) *PLIC {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &PLIC{r: r, l: l}
}

// SetPriority sets the priority of src. Zero masks it entirely.
func (p *PLIC) SetPriority(src Source, level uint32) error {
	if err := checkSource(src); err != nil {
		return err
	}
	p.r.Write32(PriorityOffset+uintptr(src)*4, level)
	return nil
}

// Priority reads back the priority of src.
func (p *PLIC) Priority(src Source) (uint32, error) {
	if err := checkSource(src); err != nil {
		return 0, err
	}
	return p.r.Read32(PriorityOffset + uintptr(src)*4), nil
}

// SetThreshold masks sources whose priority is not above level for ctx.
func (p *PLIC) SetThreshold(ctx Context, level uint32) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	p.r.Write32(contextReg(ctx, ThresholdOffset), level)
	return nil
}

// Threshold reads back the priority threshold of ctx.
func (p *PLIC) Threshold(ctx Context) (uint32, error) {
	if err := checkContext(ctx); err != nil {
		return 0, err
	}
	return p.r.Read32(contextReg(ctx, ThresholdOffset)), nil
}

// Enable routes src to ctx.
func (p *PLIC) Enable(ctx Context, src Source) error {
	return p.setEnable(ctx, src, true)
}

// Disable stops routing src to ctx.
func (p *PLIC) Disable(ctx Context, src Source) error {
	return p.setEnable(ctx, src, false)
}

// setEnable flips src's bit in ctx's enable bitmap with a read-modify-write
// of the containing word.
func (p *PLIC) setEnable(ctx Context, src Source, on bool) error {
	if err := checkSource(src); err != nil {
		return err
	}
	if err := checkContext(ctx); err != nil {
		return err
	}

	off := enableWord(ctx, src)
	bit := uint32(1) << (src % 32)
	v := p.r.Read32(off)
	if on {
		v |= bit
	} else {
		v &^= bit
	}
	p.r.Write32(off, v)

	p.l.WithFields(logrus.Fields{"source": src, "context": ctx, "enabled": on}).Debug("PLIC enable changed")
	return nil
}

// Enabled reports whether src is routed to ctx.
func (p *PLIC) Enabled(ctx Context, src Source) bool {
	if checkSource(src) != nil || checkContext(ctx) != nil {
		return false
	}
	return p.r.Read32(enableWord(ctx, src))&(1<<(src%32)) != 0
}

// Pending reports the raw pending bit of src.
func (p *PLIC) Pending(src Source) bool {
	if checkSource(src) != nil {
		return false
	}
	return p.r.Read32(PendingOffset+uintptr(src/32)*4)&(1<<(src%32)) != 0
}

// Claim takes the highest priority pending interrupt for ctx, or None. A
// claimed source is not presented again until it is completed.
func (p *PLIC) Claim(ctx Context) Source {
	if checkContext(ctx) != nil {
		return None
	}
	return Source(p.r.Read32(contextReg(ctx, ClaimOffset)))
}

// Complete signals the end of handling for a source returned by Claim.
func (p *PLIC) Complete(ctx Context, src Source) {
	if checkContext(ctx) != nil || src == None {
		return
	}
	p.r.Write32(contextReg(ctx, ClaimOffset), uint32(src))
}
