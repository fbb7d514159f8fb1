/**
 * Query Deduplicator / Cache
 *
 * Single serialization point for all Query state of a session:
 * - completed and failed results live in a bounded LRU
 * - non-terminal queries live in a map and are never evicted
 * - region refs are indexed by page so eviction can detach them
 */

package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/adverant/nexus/deepreadx/internal/errors"
	"github.com/adverant/nexus/deepreadx/internal/logging"
	"github.com/adverant/nexus/deepreadx/internal/region"
	"github.com/adverant/nexus/deepreadx/internal/style"
)

// Outcome of Resolve
type Outcome int

const (
	// CacheHit: a terminal result exists; no scheduling needed
	CacheHit Outcome = iota
	// Attached: the ref joined an outstanding query
	Attached
	// NewQuery: a new Pending query was registered and must be scheduled
	NewQuery
)

func (o Outcome) String() string {
	switch o {
	case CacheHit:
		return "cache_hit"
	case Attached:
		return "attached"
	case NewQuery:
		return "new_query"
	}
	return "unknown"
}

// Resolution is returned by Resolve
type Resolution struct {
	Outcome Outcome
	Result  Result
	Query   *Query
}

// Deduplicator maps (fingerprint, kind) to a cached result or the outstanding query
type Deduplicator struct {
	mu       sync.Mutex
	inflight map[Key]*Query
	byPage   map[int]map[*Query]struct{}
	results  *lru.Cache[Key, Result]
	cooldown time.Duration
	seq      uint64
	dropped  int64
	live     func(RegionRef) bool
	now      func() time.Time
	logger   *logging.Logger
}

// NewDeduplicator creates a deduplicator keeping at most capacity results.
// Failed results expire after cooldown; a non-positive cooldown disables
// caching of failures.
func NewDeduplicator(capacity int, cooldown time.Duration, logger *logging.Logger) (*Deduplicator, error) {
	results, err := lru.New[Key, Result](capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create result cache: %w", err)
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Deduplicator{
		inflight: make(map[Key]*Query),
		byPage:   make(map[int]map[*Query]struct{}),
		results:  results,
		cooldown: cooldown,
		now:      time.Now,
		logger:   logger,
	}, nil
}

// Resolve looks up the region's key and either returns the cached result,
// attaches ref to the outstanding query, or registers a new Pending query.
func (d *Deduplicator) Resolve(r region.TextRegion, kind style.Kind, ref RegionRef) Resolution {
	key := Key{Fingerprint: r.Fingerprint, Kind: kind}

	d.mu.Lock()
	defer d.mu.Unlock()

	if res, ok := d.lookupLocked(key); ok {
		return Resolution{Outcome: CacheHit, Result: res}
	}

	if q, ok := d.inflight[key]; ok {
		d.attachLocked(q, ref)
		return Resolution{Outcome: Attached, Query: q}
	}

	d.seq++
	q := &Query{
		ID:        uuid.NewString(),
		Key:       key,
		Text:      r.Text,
		CreatedAt: d.now(),
		seq:       d.seq,
		status:    StatusPending,
		done:      make(chan struct{}),
	}
	d.inflight[key] = q
	d.attachLocked(q, ref)
	return Resolution{Outcome: NewQuery, Query: q}
}

// SetLiveness installs the predicate deciding whether a ref still belongs to a
// rendered page. Dead refs are pruned whenever a query is about to be
// dispatched or dropped, so a ref attached after its page went away never
// keeps a query alive.
func (d *Deduplicator) SetLiveness(live func(RegionRef) bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.live = live
}

// Lookup returns a live cached result for key
func (d *Deduplicator) Lookup(key Key) (Result, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lookupLocked(key)
}

func (d *Deduplicator) lookupLocked(key Key) (Result, bool) {
	res, ok := d.results.Get(key)
	if !ok {
		return Result{}, false
	}
	if res.expired(d.now()) {
		d.results.Remove(key)
		return Result{}, false
	}
	return res, true
}

func (d *Deduplicator) attachLocked(q *Query, ref RegionRef) {
	for _, existing := range q.regions {
		if existing == ref {
			return
		}
	}
	q.regions = append(q.regions, ref)
	set, ok := d.byPage[ref.Page]
	if !ok {
		set = make(map[*Query]struct{})
		d.byPage[ref.Page] = set
	}
	set[q] = struct{}{}
}

// Begin moves a Pending query with at least one region to InFlight and counts
// the attempt. A Pending query without regions is dropped instead.
func (d *Deduplicator) Begin(q *Query) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if q.status != StatusPending {
		return false
	}
	d.pruneLocked(q)
	if len(q.regions) == 0 {
		d.cancelLocked(q)
		return false
	}
	q.status = StatusInFlight
	q.attempts++
	return true
}

// Requeue returns an InFlight query to Pending after a retryable failure
func (d *Deduplicator) Requeue(q *Query) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q.status == StatusInFlight {
		q.status = StatusPending
	}
}

// Complete records the terminal result, closes the query and returns the
// regions registered at that instant.
func (d *Deduplicator) Complete(q *Query, res Result) []RegionRef {
	d.mu.Lock()
	defer d.mu.Unlock()

	if q.status.Terminal() {
		return nil
	}

	now := d.now()
	res.Key = q.Key
	if res.CompletedAt.IsZero() {
		res.CompletedAt = now
	}
	if res.OK() {
		q.status = StatusCompleted
		d.results.Add(q.Key, res)
	} else {
		q.status = StatusFailed
		if d.cooldown > 0 {
			res.ExpiresAt = now.Add(d.cooldown)
			d.results.Add(q.Key, res)
		}
	}

	q.result = res
	refs := append([]RegionRef(nil), q.regions...)
	d.releaseLocked(q)
	close(q.done)
	return refs
}

// Drop cancels a Pending query that no live region references any more
func (d *Deduplicator) Drop(q *Query) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q.status != StatusPending {
		return false
	}
	d.pruneLocked(q)
	if len(q.regions) > 0 {
		return false
	}
	d.cancelLocked(q)
	return true
}

// Cancel drops a Pending query regardless of its regions (session end)
func (d *Deduplicator) Cancel(q *Query) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q.status != StatusPending {
		return false
	}
	d.cancelLocked(q)
	return true
}

func (d *Deduplicator) cancelLocked(q *Query) {
	d.dropped++
	q.status = StatusCanceled
	q.result = Result{
		Key:         q.Key,
		Err:         errors.NewCanceledError(string(q.Key.Fingerprint)),
		CompletedAt: d.now(),
	}
	d.releaseLocked(q)
	close(q.done)
	d.logger.Debug("Query dropped before dispatch", "fingerprint", q.Key.Fingerprint.Short(), "kind", q.Key.Kind)
}

func (d *Deduplicator) releaseLocked(q *Query) {
	if d.inflight[q.Key] == q {
		delete(d.inflight, q.Key)
	}
	for _, ref := range q.regions {
		if set, ok := d.byPage[ref.Page]; ok {
			delete(set, q)
			if len(set) == 0 {
				delete(d.byPage, ref.Page)
			}
		}
	}
	q.regions = nil
}

// DetachPage removes every ref on page from non-terminal queries. It returns
// the Pending queries left without regions and the queries that kept other
// regions, whose priority may have changed.
func (d *Deduplicator) DetachPage(page int) (orphaned, touched []*Query) {
	return d.detach(page, func(RegionRef) bool { return true })
}

// DetachStale removes refs on page rendered before generation gen. Called
// when a page is rendered again; results for the old render are never delivered.
func (d *Deduplicator) DetachStale(page int, gen uint64) (orphaned, touched []*Query) {
	return d.detach(page, func(ref RegionRef) bool { return ref.Generation < gen })
}

func (d *Deduplicator) detach(page int, match func(RegionRef) bool) (orphaned, touched []*Query) {
	d.mu.Lock()
	defer d.mu.Unlock()

	set, ok := d.byPage[page]
	if !ok {
		return nil, nil
	}

	// copy: removeRefsLocked edits the page index while we walk it
	queries := make([]*Query, 0, len(set))
	for q := range set {
		queries = append(queries, q)
	}

	for _, q := range queries {
		removed := d.removeRefsLocked(q, func(ref RegionRef) bool {
			return ref.Page == page && match(ref)
		})
		if !removed || q.status.Terminal() {
			continue
		}
		if len(q.regions) == 0 {
			if q.status == StatusPending {
				orphaned = append(orphaned, q)
			}
			continue
		}
		touched = append(touched, q)
	}
	return orphaned, touched
}

// pruneLocked removes refs the liveness predicate rejects
func (d *Deduplicator) pruneLocked(q *Query) {
	if d.live == nil {
		return
	}
	if d.removeRefsLocked(q, func(ref RegionRef) bool { return !d.live(ref) }) {
		d.logger.Debug("Pruned dead region refs",
			"fingerprint", q.Key.Fingerprint.Short(),
			"remaining", len(q.regions))
	}
}

// removeRefsLocked drops matching refs from q and keeps byPage consistent
func (d *Deduplicator) removeRefsLocked(q *Query, match func(RegionRef) bool) bool {
	var pages []int
	kept := q.regions[:0]
	for _, ref := range q.regions {
		if match(ref) {
			pages = append(pages, ref.Page)
			continue
		}
		kept = append(kept, ref)
	}
	q.regions = kept
	if len(pages) == 0 {
		return false
	}

	for _, page := range pages {
		if hasPage(kept, page) {
			continue
		}
		if set, ok := d.byPage[page]; ok {
			delete(set, q)
			if len(set) == 0 {
				delete(d.byPage, page)
			}
		}
	}
	return true
}

func hasPage(refs []RegionRef, page int) bool {
	for _, ref := range refs {
		if ref.Page == page {
			return true
		}
	}
	return false
}

// Status returns the query status
func (d *Deduplicator) Status(q *Query) Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return q.status
}

// Attempts returns how many times the query has been dispatched
func (d *Deduplicator) Attempts(q *Query) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return q.attempts
}

// Regions returns a snapshot of the refs attached to q
func (d *Deduplicator) Regions(q *Query) []RegionRef {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]RegionRef(nil), q.regions...)
}

// Pages returns the distinct pages referencing q
func (d *Deduplicator) Pages(q *Query) []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	seen := make(map[int]struct{}, len(q.regions))
	pages := make([]int, 0, len(q.regions))
	for _, ref := range q.regions {
		if _, ok := seen[ref.Page]; ok {
			continue
		}
		seen[ref.Page] = struct{}{}
		pages = append(pages, ref.Page)
	}
	return pages
}

// Live reports whether any live region still references q
func (d *Deduplicator) Live(q *Query) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ref := range q.regions {
		if d.live == nil || d.live(ref) {
			return true
		}
	}
	return false
}

// Outstanding returns the number of Pending and InFlight queries
func (d *Deduplicator) Outstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Dropped returns how many queries were canceled before reaching a result
func (d *Deduplicator) Dropped() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Len returns the number of cached results
func (d *Deduplicator) Len() int {
	return d.results.Len()
}

// Purge drops every cached result. Outstanding queries are unaffected.
func (d *Deduplicator) Purge() {
	d.results.Purge()
}
