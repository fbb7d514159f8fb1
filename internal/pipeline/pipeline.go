/**
 * Reading session pipeline
 *
 * Composition root: OCR blocks -> region extractor -> deduplicator/cache
 * -> request scheduler -> LLM client -> result router -> UI callback.
 * One Pipeline per open document.
 */

package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/adverant/nexus/deepreadx/internal/cache"
	"github.com/adverant/nexus/deepreadx/internal/clients"
	"github.com/adverant/nexus/deepreadx/internal/config"
	"github.com/adverant/nexus/deepreadx/internal/errors"
	"github.com/adverant/nexus/deepreadx/internal/logging"
	"github.com/adverant/nexus/deepreadx/internal/ocr"
	"github.com/adverant/nexus/deepreadx/internal/region"
	"github.com/adverant/nexus/deepreadx/internal/router"
	"github.com/adverant/nexus/deepreadx/internal/scheduler"
	"github.com/adverant/nexus/deepreadx/internal/storage"
	"github.com/adverant/nexus/deepreadx/internal/style"
)

// ResultHandler receives each delivered result, at most once per region and query
type ResultHandler = router.Handler

// Mirror is a session-scoped result store that can be purged at session end
type Mirror interface {
	scheduler.Mirror
	Purge(ctx context.Context) (int, error)
}

// Stats are cumulative session counters
type Stats struct {
	scheduler.Stats
	CacheHits int64
	Coalesced int64
}

// PageHandle identifies one render of a page
type PageHandle struct {
	Page       region.Page
	Generation uint64
	ctx        context.Context
}

// Context is canceled when the page is evicted or rendered again
func (h PageHandle) Context() context.Context {
	if h.ctx == nil {
		return context.Background()
	}
	return h.ctx
}

// Pipeline wires the components of a reading session
type Pipeline struct {
	cfg       *config.Config
	styles    *style.Registry
	extractor *region.Extractor
	dedup     *cache.Deduplicator
	sched     *scheduler.Scheduler
	router    *router.Router
	client    clients.Client

	handler    ResultHandler
	recognizer ocr.Recognizer
	history    storage.HistoryStore
	mirror     Mirror
	document   string
	logger     *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	cacheHits atomic.Int64
	coalesced atomic.Int64
}

// Option configures optional collaborators
type Option func(*Pipeline)

// WithResultHandler sets the UI callback
func WithResultHandler(h ResultHandler) Option {
	return func(p *Pipeline) { p.handler = h }
}

// WithRecognizer sets the OCR engine used by Recognize
func WithRecognizer(r ocr.Recognizer) Option {
	return func(p *Pipeline) { p.recognizer = r }
}

// WithHistory records successful explanations into h
func WithHistory(h storage.HistoryStore) Option {
	return func(p *Pipeline) { p.history = h }
}

// WithMirror enables the session result mirror
func WithMirror(m Mirror) Option {
	return func(p *Pipeline) { p.mirror = m }
}

// WithStyles replaces the built-in style registry
func WithStyles(r *style.Registry) Option {
	return func(p *Pipeline) { p.styles = r }
}

// WithDocument names the open document in history entries
func WithDocument(uri string) Option {
	return func(p *Pipeline) { p.document = uri }
}

// WithLogger replaces the default logger
func WithLogger(l *logging.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// New builds a session. A nil client is built from cfg for the configured provider.
func New(cfg *config.Config, client clients.Client, opts ...Option) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	p := &Pipeline{
		cfg:    cfg,
		logger: logging.NewLogger("Pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.styles == nil {
		p.styles = style.NewRegistry()
	}
	if p.history == nil {
		p.history = storage.NewMemoryHistory()
	}

	if client == nil {
		c, err := clients.NewClient(cfg, p.styles)
		if err != nil {
			return nil, err
		}
		client = c
	}
	p.client = client

	dedup, err := cache.NewDeduplicator(cfg.CacheCapacity, cfg.FailureCooldown, p.logger.With("component", "cache"))
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	p.dedup = dedup

	p.extractor = region.NewExtractor(region.Options{
		MinConfidence: cfg.OCRMinConfidence,
		Proximity:     cfg.MergeProximity,
		MinOverlap:    cfg.MergeMinOverlap,
	}, p.logger.With("component", "extractor"))

	handler := p.handler
	if handler == nil {
		handler = func(string, cache.Result) {}
	}
	p.router = router.NewRouter(handler, p.logger.With("component", "router"))
	dedup.SetLiveness(p.router.Live)

	schedOpts := []scheduler.Option{scheduler.WithLogger(p.logger.With("component", "scheduler"))}
	if p.mirror != nil {
		schedOpts = append(schedOpts, scheduler.WithMirror(p.mirror))
	}
	p.sched = scheduler.New(scheduler.ConfigFrom(cfg), dedup, client, p.deliver, schedOpts...)

	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p, nil
}

// Start launches the scheduler workers
func (p *Pipeline) Start() {
	p.sched.Start()
	p.logger.Info("Reading session started",
		"document", p.document,
		"provider", p.cfg.LLMProvider,
		"max_concurrent", p.cfg.MaxConcurrentRequests)
}

// Close ends the session: pending queries are dropped without delivery,
// page contexts are canceled and the mirror is purged.
func (p *Pipeline) Close() {
	p.sched.Close()
	p.router.Close()
	p.cancel()

	if p.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if n, err := p.mirror.Purge(ctx); err != nil {
			p.logger.Warn("Failed to purge session mirror", "error", err)
		} else {
			p.logger.Debug("Session mirror purged", "keys", n)
		}
	}

	stats := p.Stats()
	p.logger.Info("Reading session closed",
		"document", p.document,
		"dispatched", stats.Dispatched,
		"completed", stats.Completed,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
		"cache_hits", stats.CacheHits)
}

// RenderPage marks page live under a new generation. Regions of an earlier
// render of the same page are detached; queries only they referenced are dropped.
func (p *Pipeline) RenderPage(page region.Page) PageHandle {
	gen, ctx := p.router.Render(p.ctx, page.ID)

	orphans, touched := p.dedup.DetachStale(page.ID, gen)
	if len(orphans) > 0 || len(touched) > 0 {
		dropped := p.sched.Cancel(orphans)
		p.sched.Touch(touched...)
		p.logger.Debug("Page rendered again",
			"page", page.ID,
			"generation", gen,
			"orphaned", len(orphans),
			"dropped", dropped)
	}
	return PageHandle{Page: page, Generation: gen, ctx: ctx}
}

// EvictPage marks the page dead, then detaches its regions from outstanding
// queries. Queries left without regions are dropped before dispatch; the
// rest are reprioritized. A region resolved concurrently with the eviction
// is already dead and is pruned before its query can be sent.
func (p *Pipeline) EvictPage(pageID int) {
	p.router.Evict(pageID)

	orphans, touched := p.dedup.DetachPage(pageID)
	dropped := p.sched.Cancel(orphans)
	p.sched.Touch(touched...)

	p.logger.Debug("Page evicted",
		"page", pageID,
		"orphaned", len(orphans),
		"touched", len(touched),
		"dropped", dropped)
}

// SetViewport sets the visible page used for dispatch priority
func (p *Pipeline) SetViewport(pageID int) {
	p.sched.SetViewport(pageID)
}

// Submit extracts regions from raw OCR blocks and resolves each one against
// the cache. Cached results are delivered before Submit returns.
func (p *Pipeline) Submit(h PageHandle, blocks []region.RawBlock, kind style.Kind) ([]region.TextRegion, error) {
	if err := h.Context().Err(); err != nil {
		return nil, fmt.Errorf("page %d is no longer rendered: %w", h.Page.ID, err)
	}

	resolved, err := p.styles.Resolve(kind)
	if err != nil {
		return nil, errors.NewFatalError(0, err.Error(), err)
	}

	regions := p.extractor.Extract(h.Page, blocks)
	p.resolve(h, regions, resolved)

	p.logger.Debug("Page submitted",
		"page", h.Page.ID,
		"blocks", len(blocks),
		"regions", len(regions),
		"kind", resolved)
	return regions, nil
}

// resolve hands each region to the cache. It stops early once the page is
// evicted; refs resolved after that are dead and never dispatched.
func (p *Pipeline) resolve(h PageHandle, regions []region.TextRegion, kind style.Kind) {
	for _, r := range regions {
		ref := cache.RegionRef{RegionID: r.ID, Page: r.PageID, Generation: h.Generation}
		res := p.dedup.Resolve(r, kind, ref)

		switch res.Outcome {
		case cache.CacheHit:
			p.cacheHits.Add(1)
			p.router.Deliver([]cache.RegionRef{ref}, res.Result)
		case cache.Attached:
			p.coalesced.Add(1)
			p.sched.Touch(res.Query)
		case cache.NewQuery:
			p.sched.Enqueue(res.Query)
		}

		if h.Context().Err() != nil {
			return
		}
	}
}

// Recognize runs OCR on a page image and submits the resulting blocks
func (p *Pipeline) Recognize(ctx context.Context, h PageHandle, image []byte, kind style.Kind) ([]region.TextRegion, error) {
	if p.recognizer == nil {
		return nil, fmt.Errorf("no OCR recognizer configured")
	}

	ctx, cancel := mergeContexts(ctx, h.Context())
	defer cancel()

	out, err := p.recognizer.Recognize(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("OCR failed for page %d: %w", h.Page.ID, err)
	}

	page := h.Page
	if page.RasterWidth == 0 && page.RasterHeight == 0 {
		page.RasterWidth = out.RasterWidth
		page.RasterHeight = out.RasterHeight
	}
	h.Page = page
	return p.Submit(h, out.Blocks, kind)
}

// Wait blocks until no query is pending or in flight
func (p *Pipeline) Wait(ctx context.Context) error {
	return p.sched.Wait(ctx)
}

// Stats returns cumulative session counters
func (p *Pipeline) Stats() Stats {
	return Stats{
		Stats:     p.sched.Stats(),
		CacheHits: p.cacheHits.Load(),
		Coalesced: p.coalesced.Load(),
	}
}

// Styles exposes the session's style registry
func (p *Pipeline) Styles() *style.Registry {
	return p.styles
}

// History exposes the session's history store
func (p *Pipeline) History() storage.HistoryStore {
	return p.history
}

// deliver routes a terminal result and records history for successes
func (p *Pipeline) deliver(q *cache.Query, refs []cache.RegionRef, res cache.Result) {
	pages := livePages(p.router, refs)
	p.router.Deliver(refs, res)

	if !res.OK() {
		return
	}
	for _, page := range pages {
		entry := storage.HistoryEntry{
			DocumentURI: p.document,
			PageIndex:   page,
			Kind:        string(res.Key.Kind),
			Fingerprint: string(res.Key.Fingerprint),
			SourceText:  q.Text,
			Explanation: res.Text,
		}
		if err := p.history.Record(p.ctx, entry); err != nil {
			p.logger.Warn("Failed to record history",
				"page", page,
				"fingerprint", res.Key.Fingerprint.Short(),
				"error", err)
		}
	}
}

// livePages returns the distinct pages of live refs in first-seen order
func livePages(r *router.Router, refs []cache.RegionRef) []int {
	seen := make(map[int]struct{}, len(refs))
	var pages []int
	for _, ref := range refs {
		if _, ok := seen[ref.Page]; ok || !r.Live(ref) {
			continue
		}
		seen[ref.Page] = struct{}{}
		pages = append(pages, ref.Page)
	}
	return pages
}

// mergeContexts returns a context canceled when either parent is
func mergeContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
