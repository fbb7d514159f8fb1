/**
 * Request Scheduler
 *
 * Bounded-concurrency dispatch of deduplicated queries to the LLM client:
 * - at most MaxConcurrent calls in flight (semaphore)
 * - at most RateLimit calls in any RateWindow (one token every RateWindow/RateLimit)
 * - queries closest to the visible page go first, FIFO among equals
 * - mirror hits complete at enqueue, without a rate token or a slot
 * - RateLimited/Transient outcomes back off exponentially and retry
 * - queries whose regions all disappeared are dropped before any I/O
 */

package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/adverant/nexus/deepreadx/internal/cache"
	"github.com/adverant/nexus/deepreadx/internal/clients"
	"github.com/adverant/nexus/deepreadx/internal/config"
	"github.com/adverant/nexus/deepreadx/internal/errors"
	"github.com/adverant/nexus/deepreadx/internal/logging"
)

// Config for the scheduler
type Config struct {
	MaxConcurrent int
	RateLimit     int
	RateWindow    time.Duration
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
}

// ConfigFrom extracts scheduler settings from the pipeline configuration
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		MaxConcurrent: cfg.MaxConcurrentRequests,
		RateLimit:     cfg.RateLimitRequests,
		RateWindow:    cfg.RateLimitWindow,
		MaxRetries:    cfg.MaxRetries,
		BackoffBase:   cfg.BackoffBase,
		BackoffCap:    cfg.BackoffCap,
	}
}

// Mirror is an optional second-level result store consulted before network I/O
type Mirror interface {
	Get(ctx context.Context, key cache.Key) (string, bool, error)
	Put(ctx context.Context, key cache.Key, text string) error
}

// DeliverFunc receives the regions registered when a query terminated
type DeliverFunc func(q *cache.Query, refs []cache.RegionRef, res cache.Result)

// Stats are cumulative counters
type Stats struct {
	Dispatched int64
	Retries    int64
	Dropped    int64
	Completed  int64
	Failed     int64
	MirrorHits int64
}

// Scheduler dispatches queries owned by a Deduplicator
type Scheduler struct {
	cfg     Config
	dedup   *cache.Deduplicator
	client  clients.Client
	deliver DeliverFunc
	mirror  Mirror
	limiter *rate.Limiter
	sem     *semaphore.Weighted
	logger  *logging.Logger

	mu       sync.Mutex
	queue    priorityQueue
	queued   map[*cache.Query]*item
	backoffs map[*cache.Query]*time.Timer
	viewport int
	closed   bool
	started  bool
	changed  chan struct{}

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	dispatched atomic.Int64
	retries    atomic.Int64
	completed  atomic.Int64
	failed     atomic.Int64
	mirrorHits atomic.Int64
	delivering atomic.Int64
}

// Option configures optional collaborators
type Option func(*Scheduler)

// WithMirror consults m before every network call
func WithMirror(m Mirror) Option {
	return func(s *Scheduler) { s.mirror = m }
}

// WithLogger replaces the default logger
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a scheduler. Calls are spaced RateWindow/RateLimit apart with no
// burst, so no window of length RateWindow ever holds more than RateLimit calls.
func New(cfg Config, dedup *cache.Deduplicator, client clients.Client, deliver DeliverFunc, opts ...Option) *Scheduler {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RateLimit < 1 {
		cfg.RateLimit = 1
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	if deliver == nil {
		deliver = func(*cache.Query, []cache.RegionRef, cache.Result) {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:      cfg,
		dedup:    dedup,
		client:   client,
		deliver:  deliver,
		limiter:  rate.NewLimiter(rate.Every(cfg.RateWindow/time.Duration(cfg.RateLimit)), 1),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		logger:   logging.NewLogger("Scheduler"),
		queued:   make(map[*cache.Query]*item),
		backoffs: make(map[*cache.Query]*time.Timer),
		changed:  make(chan struct{}),
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the dispatcher
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true

	s.logger.Info("Starting scheduler",
		"maxConcurrent", s.cfg.MaxConcurrent,
		"rateLimit", s.cfg.RateLimit,
		"rateWindow", s.cfg.RateWindow,
		"maxRetries", s.cfg.MaxRetries)

	s.wg.Add(1)
	go s.dispatch()
}

// Close stops dispatching, drops every queued or backing-off query without
// delivering, and waits for in-flight calls to return.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pending := make([]*cache.Query, 0, len(s.queued)+len(s.backoffs))
	for q := range s.queued {
		pending = append(pending, q)
	}
	for q, t := range s.backoffs {
		t.Stop()
		pending = append(pending, q)
	}
	s.queue = nil
	s.queued = make(map[*cache.Query]*item)
	s.backoffs = make(map[*cache.Query]*time.Timer)
	s.mu.Unlock()

	for _, q := range pending {
		s.dedup.Cancel(q)
	}

	s.cancel()
	s.wg.Wait()
	s.notifyChanged()
	s.logger.Info("Scheduler stopped", "dropped", len(pending))
}

// Enqueue schedules a Pending query. Returns false once the scheduler is closed.
// With a mirror configured the query is looked up there first and only
// queued on a miss.
func (s *Scheduler) Enqueue(q *cache.Query) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if s.dedup.Cancel(q) {
			s.notifyChanged()
		}
		return false
	}
	if s.mirror != nil {
		s.wg.Add(1)
		s.mu.Unlock()
		go s.lookup(q)
		return true
	}
	s.pushLocked(q)
	s.mu.Unlock()

	s.signal()
	return true
}

// lookup completes q from the mirror or queues it for dispatch
func (s *Scheduler) lookup(q *cache.Query) {
	defer s.wg.Done()

	text, hit := s.fromMirror(q)
	if s.ctx.Err() != nil {
		if s.dedup.Cancel(q) {
			s.notifyChanged()
		}
		return
	}
	if hit {
		if !s.dedup.Begin(q) {
			s.notifyChanged()
			return
		}
		s.mirrorHits.Add(1)
		s.finish(q, cache.Result{Text: text})
		return
	}

	s.mu.Lock()
	if s.closed || s.dedup.Status(q) != cache.StatusPending {
		closed := s.closed
		s.mu.Unlock()
		if closed && s.dedup.Cancel(q) {
			s.notifyChanged()
		}
		return
	}
	s.pushLocked(q)
	s.mu.Unlock()
	s.signal()
}

func (s *Scheduler) pushLocked(q *cache.Query) {
	if _, ok := s.queued[q]; ok {
		return
	}
	it := &item{query: q, distance: distance(s.dedup.Pages(q), s.viewport)}
	heap.Push(&s.queue, it)
	s.queued[q] = it
}

// Touch recomputes the priority of queued queries after their regions changed
func (s *Scheduler) Touch(queries ...*cache.Query) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range queries {
		if it, ok := s.queued[q]; ok {
			it.distance = distance(s.dedup.Pages(q), s.viewport)
			heap.Fix(&s.queue, it.index)
		}
	}
}

// SetViewport reorders the queue around the visible page
func (s *Scheduler) SetViewport(page int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewport = page
	for _, it := range s.queue {
		it.distance = distance(s.dedup.Pages(it.query), page)
	}
	heap.Init(&s.queue)
}

// Viewport returns the visible page
func (s *Scheduler) Viewport() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewport
}

// Cancel drops queries that lost all their regions. Queries already in
// flight, or that regained a region, are not affected.
func (s *Scheduler) Cancel(queries []*cache.Query) int {
	n := 0
	s.mu.Lock()
	for _, q := range queries {
		if !s.dedup.Drop(q) {
			continue
		}
		n++
		if it, ok := s.queued[q]; ok {
			heap.Remove(&s.queue, it.index)
			delete(s.queued, q)
		}
		if t, ok := s.backoffs[q]; ok {
			t.Stop()
			delete(s.backoffs, q)
		}
	}
	s.mu.Unlock()

	if n > 0 {
		s.notifyChanged()
	}
	return n
}

// Wait blocks until no query is pending or in flight
func (s *Scheduler) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		ch := s.changed
		s.mu.Unlock()

		if s.dedup.Outstanding() == 0 && s.delivering.Load() == 0 {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stats returns a snapshot of the counters
func (s *Scheduler) Stats() Stats {
	return Stats{
		Dispatched: s.dispatched.Load(),
		Retries:    s.retries.Load(),
		Dropped:    s.dedup.Dropped(),
		Completed:  s.completed.Load(),
		Failed:     s.failed.Load(),
		MirrorHits: s.mirrorHits.Load(),
	}
}

// Len returns the number of queued queries (excluding those backing off)
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) notifyChanged() {
	s.mu.Lock()
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
}

// dispatch waits for a free slot, then for work, then for a rate token, and
// only then pops. A query waiting on the limiter stays in the heap, so
// viewport changes and evictions still apply to it.
func (s *Scheduler) dispatch() {
	defer s.wg.Done()

	for {
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			return
		}
		if !s.awaitWork() {
			s.sem.Release(1)
			return
		}
		if err := s.limiter.Wait(s.ctx); err != nil {
			s.sem.Release(1)
			return
		}

		q := s.take()
		if q == nil {
			// queue drained while waiting for the token
			s.sem.Release(1)
			continue
		}

		s.dispatched.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			s.execute(q)
		}()
	}
}

// take pops queries until one can begin. Returns nil when the queue drained.
func (s *Scheduler) take() *cache.Query {
	for {
		q := s.pop()
		if q == nil {
			return nil
		}
		if s.dedup.Begin(q) {
			return q
		}
		// every live region went away while the query waited
		s.notifyChanged()
	}
}

// awaitWork blocks until the queue is non-empty. Returns false when the
// scheduler stops.
func (s *Scheduler) awaitWork() bool {
	for {
		s.mu.Lock()
		n := s.queue.Len()
		s.mu.Unlock()
		if n > 0 {
			return true
		}

		select {
		case <-s.wake:
		case <-s.ctx.Done():
			return false
		}
	}
}

// pop removes the highest priority query, dropping orphaned ones on the way.
// Returns nil when the queue drained.
func (s *Scheduler) pop() *cache.Query {
	dropped := false
	defer func() {
		if dropped {
			s.notifyChanged()
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.queue.Len() > 0 {
		it := heap.Pop(&s.queue).(*item)
		delete(s.queued, it.query)
		if s.dedup.Drop(it.query) {
			dropped = true
			continue
		}
		return it.query
	}
	return nil
}

// execute performs one attempt and decides between completion and retry
func (s *Scheduler) execute(q *cache.Query) {
	out := s.client.Send(s.ctx, q.Text, q.Key.Kind)

	if s.ctx.Err() != nil {
		// session closed under the call
		s.dedup.Requeue(q)
		s.dedup.Cancel(q)
		s.notifyChanged()
		return
	}

	if out.Kind == clients.Success {
		s.toMirror(q, out.Text)
		s.finish(q, cache.Result{Text: out.Text})
		return
	}

	if out.Err == nil {
		out = clients.Failed(errors.NewFatalError(out.StatusCode, "client reported failure without error", nil))
	}

	attempts := s.dedup.Attempts(q)
	if out.Retryable() && attempts <= s.cfg.MaxRetries {
		s.retry(q, attempts, out)
		return
	}

	s.logger.Warn("Query failed",
		"fingerprint", q.Key.Fingerprint.Short(),
		"kind", out.Kind.String(),
		"attempts", attempts,
		"error", out.Err.Error())
	s.finish(q, cache.Result{Err: out.Err.WithFingerprint(string(q.Key.Fingerprint))})
}

func (s *Scheduler) retry(q *cache.Query, attempts int, out clients.Outcome) {
	s.dedup.Requeue(q)
	if s.dedup.Drop(q) {
		s.notifyChanged()
		return
	}

	delay := Backoff(s.cfg.BackoffBase, s.cfg.BackoffCap, attempts-1)
	if out.RetryAfter > delay {
		delay = out.RetryAfter
	}
	s.retries.Add(1)

	s.logger.Warn("Retrying query",
		"fingerprint", q.Key.Fingerprint.Short(),
		"attempt", attempts,
		"delay", delay,
		"kind", out.Kind.String())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.dedup.Cancel(q)
		return
	}
	s.backoffs[q] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if _, ok := s.backoffs[q]; !ok || s.closed {
			s.mu.Unlock()
			return
		}
		delete(s.backoffs, q)
		s.pushLocked(q)
		s.mu.Unlock()
		s.signal()
	})
}

func (s *Scheduler) finish(q *cache.Query, res cache.Result) {
	// Wait must not observe the gap between Complete and deliver
	s.delivering.Add(1)

	refs := s.dedup.Complete(q, res)
	final, _ := q.Result()
	if final.OK() {
		s.completed.Add(1)
	} else {
		s.failed.Add(1)
	}
	s.deliver(q, refs, final)
	s.delivering.Add(-1)
	s.notifyChanged()
}

func (s *Scheduler) fromMirror(q *cache.Query) (string, bool) {
	if s.mirror == nil {
		return "", false
	}
	text, ok, err := s.mirror.Get(s.ctx, q.Key)
	if err != nil {
		s.logger.Warn("Mirror lookup failed", "fingerprint", q.Key.Fingerprint.Short(), "error", err)
		return "", false
	}
	return text, ok
}

func (s *Scheduler) toMirror(q *cache.Query, text string) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.Put(s.ctx, q.Key, text); err != nil {
		s.logger.Warn("Mirror write failed", "fingerprint", q.Key.Fingerprint.Short(), "error", err)
	}
}

// Backoff returns base * 2^retry capped at max
func Backoff(base, max time.Duration, retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	d := base
	for i := 0; i < retry; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
