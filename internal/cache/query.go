package cache

import (
	"time"

	"github.com/adverant/nexus/deepreadx/internal/errors"
	"github.com/adverant/nexus/deepreadx/internal/region"
	"github.com/adverant/nexus/deepreadx/internal/style"
)

// Key identifies a unit of LLM work. At most one non-terminal Query exists per Key.
type Key struct {
	Fingerprint region.Fingerprint
	Kind        style.Kind
}

// Status of a Query
type Status int

const (
	StatusPending Status = iota
	StatusInFlight
	StatusCompleted
	StatusFailed
	// StatusCanceled marks a query dropped before dispatch; it is never cached
	StatusCanceled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInFlight:
		return "in_flight"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCanceled:
		return "canceled"
	}
	return "unknown"
}

// Terminal reports whether no further transition can happen
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// RegionRef points at a region without owning it. Generation is the page
// render it was observed in; a re-rendered page invalidates older refs.
type RegionRef struct {
	RegionID   string
	Page       int
	Generation uint64
}

// Result is a terminal outcome for a Key
type Result struct {
	Key         Key
	Text        string
	Err         *errors.PipelineError
	CompletedAt time.Time
	// ExpiresAt is set for failures; zero means the entry lives until evicted
	ExpiresAt time.Time
}

// OK reports a successful result
func (r Result) OK() bool { return r.Err == nil }

func (r Result) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Query is the single outstanding request for a Key. Mutable fields are
// guarded by the owning Deduplicator.
type Query struct {
	ID        string
	Key       Key
	Text      string
	CreatedAt time.Time

	seq      uint64
	status   Status
	regions  []RegionRef
	attempts int
	result   Result
	done     chan struct{}
}

// Seq is the creation order, used for FIFO tie-breaking
func (q *Query) Seq() uint64 { return q.seq }

// Done is closed when the query reaches a terminal status
func (q *Query) Done() <-chan struct{} { return q.done }

// Result returns the terminal result once Done is closed
func (q *Query) Result() (Result, bool) {
	select {
	case <-q.done:
		return q.result, true
	default:
		return Result{}, false
	}
}
