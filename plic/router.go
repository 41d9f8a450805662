package plic

import (
	"fmt"
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// Handler services one claimed source. The router completes the source after
// the handler returns.
type Handler func(src Source)

// maxClaimsPerService bounds one Service call so a source that never stops
// asserting cannot wedge the hart inside a trap.
const maxClaimsPerService = MaxSources

// Router owns the claim/complete handshake for one context and routes claimed
// sources to their handlers.
type Router struct {
	p   *PLIC
	ctx Context
	l   *logrus.Logger

	mu       sync.RWMutex
	handlers map[Source]Handler

	claims   metrics.Counter
	spurious metrics.Counter
}

func NewRouter(p *PLIC, ctx Context, r metrics.Registry) *Router {
	return &Router{
		p:        p,
		ctx:      ctx,
		l:        p.l,
		handlers: make(map[Source]Handler),
		claims:   metrics.GetOrRegisterCounter("plic.claim", r),
		spurious: metrics.GetOrRegisterCounter("plic.spurious", r),
	}
}

// Handle registers fn for src, replacing any previous handler. A nil fn
// removes it.
func (r *Router) Handle(src Source, fn Handler) error {
	if err := checkSource(src); err != nil {
		return fmt.Errorf("handle: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if fn == nil {
		delete(r.handlers, src)
		return nil
	}
	r.handlers[src] = fn
	return nil
}

// Service claims and handles interrupts until the controller has nothing
// left for this context. It returns the number of sources claimed. Sources
// with no handler are logged, counted and completed.
func (r *Router) Service() int {
	n := 0
	for n < maxClaimsPerService {
		src := r.p.Claim(r.ctx)
		if src == None {
			break
		}
		n++
		r.claims.Inc(1)

		r.mu.RLock()
		fn := r.handlers[src]
		r.mu.RUnlock()

		if fn == nil {
			r.spurious.Inc(1)
			r.l.WithFields(logrus.Fields{"source": src, "context": r.ctx}).Debug("Spurious interrupt")
		} else {
			fn(src)
		}

		r.p.Complete(r.ctx, src)
	}
	return n
}

// Context is the context this router claims for.
func (r *Router) Context() Context { return r.ctx }
