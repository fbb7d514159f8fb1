/**
 * Result Router
 *
 * Delivers terminal query results to the regions that asked for them.
 * Liveness is tracked per page render: each render gets a generation and a
 * context that is canceled when the page leaves the view window.
 */

package router

import (
	"context"
	"sort"
	"sync"

	"github.com/adverant/nexus/deepreadx/internal/cache"
	"github.com/adverant/nexus/deepreadx/internal/logging"
)

// Handler receives one result for one region
type Handler func(regionID string, res cache.Result)

type pageState struct {
	generation uint64
	ctx        context.Context
	cancel     context.CancelFunc
}

// Router tracks page liveness and fans results out to live regions
type Router struct {
	mu      sync.RWMutex
	pages   map[int]*pageState
	nextGen uint64
	handler Handler
	logger  *logging.Logger
}

// NewRouter creates a router; a nil handler discards deliveries
func NewRouter(handler Handler, logger *logging.Logger) *Router {
	if handler == nil {
		handler = func(string, cache.Result) {}
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Router{
		pages:   make(map[int]*pageState),
		handler: handler,
		logger:  logger,
	}
}

// Render marks page live under a fresh generation. A previous render of the
// same page is invalidated.
func (r *Router) Render(parent context.Context, page int) (uint64, context.Context) {
	ctx, cancel := context.WithCancel(parent)

	r.mu.Lock()
	r.nextGen++
	gen := r.nextGen
	prev := r.pages[page]
	r.pages[page] = &pageState{generation: gen, ctx: ctx, cancel: cancel}
	r.mu.Unlock()

	if prev != nil {
		prev.cancel()
	}
	return gen, ctx
}

// Evict marks page dead and cancels its context
func (r *Router) Evict(page int) bool {
	r.mu.Lock()
	st, ok := r.pages[page]
	delete(r.pages, page)
	r.mu.Unlock()

	if ok {
		st.cancel()
	}
	return ok
}

// Live reports whether ref belongs to the current render of a live page
func (r *Router) Live(ref cache.RegionRef) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.pages[ref.Page]
	return ok && st.generation == ref.Generation
}

// PageLive reports whether page is currently rendered
func (r *Router) PageLive(page int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.pages[page]
	return ok
}

// LivePages returns the rendered pages in ascending order
func (r *Router) LivePages() []int {
	r.mu.RLock()
	pages := make([]int, 0, len(r.pages))
	for p := range r.pages {
		pages = append(pages, p)
	}
	r.mu.RUnlock()

	sort.Ints(pages)
	return pages
}

// Deliver invokes the handler for every live ref and returns how many were
// delivered. Dead refs are skipped; that is normal under fast scrolling.
func (r *Router) Deliver(refs []cache.RegionRef, res cache.Result) int {
	delivered := 0
	for _, ref := range refs {
		if !r.Live(ref) {
			r.logger.Debug("Skipping delivery to evicted region",
				"region", ref.RegionID,
				"page", ref.Page,
				"fingerprint", res.Key.Fingerprint.Short())
			continue
		}
		if r.invoke(ref.RegionID, res) {
			delivered++
		}
	}
	return delivered
}

// invoke shields the pipeline from a panicking handler
func (r *Router) invoke(regionID string, res cache.Result) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Result handler panicked", "region", regionID, "panic", rec)
			ok = false
		}
	}()
	r.handler(regionID, res)
	return true
}

// Close evicts every page
func (r *Router) Close() {
	r.mu.Lock()
	pages := r.pages
	r.pages = make(map[int]*pageState)
	r.mu.Unlock()

	for _, st := range pages {
		st.cancel()
	}
}
