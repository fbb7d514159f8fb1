package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/adverant/nexus/deepreadx/internal/cache"
	"github.com/adverant/nexus/deepreadx/internal/clients"
	"github.com/adverant/nexus/deepreadx/internal/errors"
	"github.com/adverant/nexus/deepreadx/internal/logging"
	"github.com/adverant/nexus/deepreadx/internal/region"
	"github.com/adverant/nexus/deepreadx/internal/style"
)

// fakeClient replays a script and records every call
type fakeClient struct {
	mu      sync.Mutex
	calls   []string
	stamps  []time.Time
	script  func(call int, text string) clients.Outcome
	gate    chan struct{}
	active  int
	maxSeen int
}

func (f *fakeClient) Send(ctx context.Context, text string, kind style.Kind) clients.Outcome {
	f.mu.Lock()
	f.calls = append(f.calls, text)
	f.stamps = append(f.stamps, time.Now())
	n := len(f.calls)
	f.active++
	if f.active > f.maxSeen {
		f.maxSeen = f.active
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return clients.Failed(errors.NewTransientError(0, "canceled", ctx.Err()))
		}
	}
	if f.script == nil {
		return clients.Succeeded("insight: " + text)
	}
	return f.script(n, text)
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeClient) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type delivery struct {
	refs []cache.RegionRef
	res  cache.Result
}

type harness struct {
	dedup  *cache.Deduplicator
	sched  *Scheduler
	client *fakeClient

	mu         sync.Mutex
	deliveries []delivery
}

func testConfig() Config {
	return Config{
		MaxConcurrent: 3,
		RateLimit:     1000,
		RateWindow:    time.Second,
		MaxRetries:    3,
		BackoffBase:   time.Millisecond,
		BackoffCap:    10 * time.Millisecond,
	}
}

func newHarness(t *testing.T, cfg Config, client *fakeClient, opts ...Option) *harness {
	t.Helper()
	dedup, err := cache.NewDeduplicator(64, time.Minute, nil)
	if err != nil {
		t.Fatalf("NewDeduplicator() error = %v", err)
	}
	h := &harness{dedup: dedup, client: client}
	opts = append([]Option{WithLogger(logging.NewNopLogger())}, opts...)
	h.sched = New(cfg, dedup, client, func(q *cache.Query, refs []cache.RegionRef, res cache.Result) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.deliveries = append(h.deliveries, delivery{refs: refs, res: res})
	}, opts...)
	t.Cleanup(h.sched.Close)
	return h
}

func (h *harness) submit(t *testing.T, page int, text string) *cache.Query {
	t.Helper()
	r := region.TextRegion{
		ID:          region.RegionID(page, 0),
		PageID:      page,
		Text:        text,
		Fingerprint: region.FingerprintOf(text),
	}
	res := h.dedup.Resolve(r, style.KindExplain, cache.RegionRef{RegionID: r.ID, Page: page, Generation: 1})
	if res.Outcome != cache.NewQuery {
		t.Fatalf("expected a new query for %q, got %s", text, res.Outcome)
	}
	h.sched.Enqueue(res.Query)
	return res.Query
}

// attach registers another region with the same text on page
func (h *harness) attach(t *testing.T, page, index int, text string) *cache.Query {
	t.Helper()
	r := region.TextRegion{
		ID:          region.RegionID(page, index),
		PageID:      page,
		Text:        text,
		Fingerprint: region.FingerprintOf(text),
	}
	res := h.dedup.Resolve(r, style.KindExplain, cache.RegionRef{RegionID: r.ID, Page: page, Generation: 1})
	if res.Outcome != cache.Attached {
		t.Fatalf("expected %q to attach, got %s", text, res.Outcome)
	}
	return res.Query
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.sched.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}

func (h *harness) delivered() []delivery {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]delivery(nil), h.deliveries...)
}

func TestRateLimitedThenSuccess(t *testing.T) {
	client := &fakeClient{script: func(call int, text string) clients.Outcome {
		if call <= 3 {
			return clients.Failed(errors.NewRateLimitedError(429, 0, "slow down"))
		}
		return clients.Succeeded("finally")
	}}
	h := newHarness(t, testConfig(), client)

	q := h.submit(t, 0, "Chapter 1")
	h.sched.Start()
	h.wait(t)

	if got := client.callCount(); got != 4 {
		t.Fatalf("expected exactly 4 network calls, got %d", got)
	}
	stats := h.sched.Stats()
	if stats.Retries != 3 || stats.Completed != 1 || stats.Failed != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if h.dedup.Status(q) != cache.StatusCompleted {
		t.Fatalf("expected completed, got %s", h.dedup.Status(q))
	}
	d := h.delivered()
	if len(d) != 1 || d[0].res.Text != "finally" || len(d[0].refs) != 1 {
		t.Fatalf("unexpected deliveries: %+v", d)
	}
}

func TestRetryBound(t *testing.T) {
	client := &fakeClient{script: func(int, string) clients.Outcome {
		return clients.Failed(errors.NewTransientError(503, "unavailable", nil))
	}}
	cfg := testConfig()
	cfg.MaxRetries = 2
	h := newHarness(t, cfg, client)

	q := h.submit(t, 0, "never works")
	h.sched.Start()
	h.wait(t)

	if got := client.callCount(); got != cfg.MaxRetries+1 {
		t.Fatalf("expected %d calls, got %d", cfg.MaxRetries+1, got)
	}
	if h.dedup.Attempts(q) != cfg.MaxRetries+1 {
		t.Fatalf("unexpected attempts %d", h.dedup.Attempts(q))
	}
	if h.dedup.Status(q) != cache.StatusFailed {
		t.Fatalf("expected failed, got %s", h.dedup.Status(q))
	}
	d := h.delivered()
	if len(d) != 1 || errors.KindOf(d[0].res.Err) != errors.KindTransient {
		t.Fatalf("expected one transient failure delivery, got %+v", d)
	}
	if d[0].res.Err.Fingerprint != string(q.Key.Fingerprint) {
		t.Fatalf("failure must carry the fingerprint")
	}
}

func TestFatalIsNotRetried(t *testing.T) {
	client := &fakeClient{script: func(int, string) clients.Outcome {
		return clients.Failed(errors.NewFatalError(401, "unauthorized", nil))
	}}
	h := newHarness(t, testConfig(), client)

	h.submit(t, 0, "secret")
	h.sched.Start()
	h.wait(t)

	if client.callCount() != 1 {
		t.Fatalf("fatal outcomes must not be retried, got %d calls", client.callCount())
	}
	if stats := h.sched.Stats(); stats.Failed != 1 || stats.Retries != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestEvictedBeforeDispatchMakesNoCalls(t *testing.T) {
	client := &fakeClient{}
	h := newHarness(t, testConfig(), client)

	q := h.submit(t, 3, "only on page three")
	orphaned, _ := h.dedup.DetachPage(3)
	if n := h.sched.Cancel(orphaned); n != 1 {
		t.Fatalf("expected one dropped query, got %d", n)
	}

	h.sched.Start()
	h.wait(t)

	if client.callCount() != 0 {
		t.Fatalf("expected zero network calls, got %d", client.callCount())
	}
	if h.dedup.Status(q) != cache.StatusCanceled {
		t.Fatalf("expected canceled, got %s", h.dedup.Status(q))
	}
	if len(h.delivered()) != 0 {
		t.Fatalf("dropped queries must not be delivered")
	}
	if h.sched.Stats().Dropped != 1 {
		t.Fatalf("unexpected stats: %+v", h.sched.Stats())
	}
}

func TestEvictedWhileQueuedBehindBusyWorker(t *testing.T) {
	client := &fakeClient{gate: make(chan struct{})}
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	h := newHarness(t, cfg, client)

	h.submit(t, 0, "visible")
	h.sched.Start()
	waitFor(t, func() bool { return client.callCount() == 1 })

	h.submit(t, 5, "scrolled away")
	orphaned, _ := h.dedup.DetachPage(5)
	h.sched.Cancel(orphaned)
	close(client.gate)
	h.wait(t)

	if got := client.callOrder(); len(got) != 1 || got[0] != "visible" {
		t.Fatalf("expected only the visible query to be sent, got %v", got)
	}
}

func TestPriorityFollowsViewport(t *testing.T) {
	client := &fakeClient{}
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	h := newHarness(t, cfg, client)

	for _, page := range []int{10, 2, 5, 3} {
		h.submit(t, page, fmt.Sprintf("page %d", page))
	}
	h.sched.SetViewport(4)
	h.sched.Start()
	h.wait(t)

	want := []string{"page 5", "page 3", "page 2", "page 10"}
	got := client.callOrder()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("dispatch order = %v, want %v", got, want)
	}
}

func TestConcurrencyBound(t *testing.T) {
	client := &fakeClient{gate: make(chan struct{})}
	cfg := testConfig()
	cfg.MaxConcurrent = 2
	h := newHarness(t, cfg, client)

	for i := 0; i < 6; i++ {
		h.submit(t, i, fmt.Sprintf("text %d", i))
	}
	h.sched.Start()
	waitFor(t, func() bool { return client.callCount() == 2 })
	time.Sleep(20 * time.Millisecond)
	if client.callCount() != 2 {
		t.Fatalf("more than MaxConcurrent calls started: %d", client.callCount())
	}
	close(client.gate)
	h.wait(t)

	client.mu.Lock()
	maxSeen := client.maxSeen
	client.mu.Unlock()
	if maxSeen > 2 {
		t.Fatalf("observed %d concurrent calls, limit is 2", maxSeen)
	}
	if client.callCount() != 6 {
		t.Fatalf("expected all 6 queries sent, got %d", client.callCount())
	}
}

func TestRateLimitHoldsInEveryWindow(t *testing.T) {
	client := &fakeClient{}
	cfg := testConfig()
	cfg.MaxConcurrent = 10
	cfg.RateLimit = 2
	cfg.RateWindow = 200 * time.Millisecond
	h := newHarness(t, cfg, client)

	for i := 0; i < 6; i++ {
		h.submit(t, i, fmt.Sprintf("text %d", i))
	}
	h.sched.Start()
	h.wait(t)

	client.mu.Lock()
	stamps := append([]time.Time(nil), client.stamps...)
	client.mu.Unlock()
	if len(stamps) != 6 {
		t.Fatalf("expected 6 calls, got %d", len(stamps))
	}
	// the third call of any run of three must fall outside the first one's window
	const slack = 10 * time.Millisecond
	for i := 0; i+cfg.RateLimit < len(stamps); i++ {
		if gap := stamps[i+cfg.RateLimit].Sub(stamps[i]); gap < cfg.RateWindow-slack {
			t.Fatalf("calls %d and %d are %v apart, window is %v", i, i+cfg.RateLimit, gap, cfg.RateWindow)
		}
	}
}

func TestViewportChangeWhileWaitingForRateToken(t *testing.T) {
	client := &fakeClient{}
	cfg := testConfig()
	cfg.MaxConcurrent = 4
	cfg.RateLimit = 1
	cfg.RateWindow = 300 * time.Millisecond
	h := newHarness(t, cfg, client)

	h.submit(t, 0, "first")
	h.sched.Start()
	waitFor(t, func() bool { return client.callCount() == 1 })

	// both wait in the heap for the next token, so the new viewport decides
	h.submit(t, 1, "near old viewport")
	h.submit(t, 9, "near new viewport")
	h.sched.SetViewport(9)
	h.wait(t)

	want := []string{"first", "near new viewport", "near old viewport"}
	if got := client.callOrder(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("dispatch order = %v, want %v", got, want)
	}
}

func TestDetachedPageLowersPriorityOfSharedQuery(t *testing.T) {
	client := &fakeClient{gate: make(chan struct{})}
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	h := newHarness(t, cfg, client)

	h.submit(t, 0, "busy")
	h.sched.Start()
	waitFor(t, func() bool { return client.callCount() == 1 })

	shared := h.submit(t, 2, "shared")
	h.attach(t, 9, 0, "shared")
	h.sched.Touch(shared)
	h.submit(t, 4, "middle")

	// shared now lives only on page 9, farther from the viewport than page 4
	orphaned, touched := h.dedup.DetachPage(2)
	if len(orphaned) != 0 || len(touched) != 1 || touched[0] != shared {
		t.Fatalf("DetachPage(2) = %v, %v", orphaned, touched)
	}
	h.sched.Touch(touched...)

	close(client.gate)
	h.wait(t)

	want := []string{"busy", "middle", "shared"}
	if got := client.callOrder(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("dispatch order = %v, want %v", got, want)
	}
}

func TestCloseDropsPendingSilently(t *testing.T) {
	client := &fakeClient{}
	h := newHarness(t, testConfig(), client)

	a := h.submit(t, 0, "first")
	b := h.submit(t, 1, "second")
	h.sched.Close()

	if h.dedup.Status(a) != cache.StatusCanceled || h.dedup.Status(b) != cache.StatusCanceled {
		t.Fatalf("pending queries must be canceled on close")
	}
	if client.callCount() != 0 || len(h.delivered()) != 0 {
		t.Fatalf("close must not send or deliver")
	}
	if h.dedup.Outstanding() != 0 {
		t.Fatalf("no query may stay outstanding after close")
	}
	if h.sched.Enqueue(a) {
		t.Fatalf("Enqueue() must refuse work after close")
	}
}

type memMirror struct {
	mu   sync.Mutex
	data map[cache.Key]string
}

func (m *memMirror) Get(_ context.Context, key cache.Key) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memMirror) Put(_ context.Context, key cache.Key, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = text
	return nil
}

func TestMirrorHitSkipsNetwork(t *testing.T) {
	mirror := &memMirror{data: map[cache.Key]string{
		{Fingerprint: region.FingerprintOf("mirrored"), Kind: style.KindExplain}: "from mirror",
	}}
	client := &fakeClient{}
	h := newHarness(t, testConfig(), client, WithMirror(mirror))

	h.submit(t, 0, "mirrored")
	h.submit(t, 0, "fresh")
	h.sched.Start()
	h.wait(t)

	if got := client.callOrder(); len(got) != 1 || got[0] != "fresh" {
		t.Fatalf("expected only the fresh query on the network, got %v", got)
	}
	if stats := h.sched.Stats(); stats.MirrorHits != 1 || stats.Dispatched != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if _, ok, _ := mirror.Get(context.Background(), cache.Key{Fingerprint: region.FingerprintOf("fresh"), Kind: style.KindExplain}); !ok {
		t.Fatalf("successful results must be written to the mirror")
	}
}

func TestMirrorHitNeedsNoFreeSlot(t *testing.T) {
	mirror := &memMirror{data: map[cache.Key]string{
		{Fingerprint: region.FingerprintOf("mirrored"), Kind: style.KindExplain}: "from mirror",
	}}
	client := &fakeClient{gate: make(chan struct{})}
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	h := newHarness(t, cfg, client, WithMirror(mirror))

	h.submit(t, 0, "slow")
	h.sched.Start()
	waitFor(t, func() bool { return client.callCount() == 1 })

	// the only slot is busy, yet the mirrored query completes
	q := h.submit(t, 1, "mirrored")
	waitFor(t, func() bool { return h.dedup.Status(q) == cache.StatusCompleted })

	close(client.gate)
	h.wait(t)
	if stats := h.sched.Stats(); stats.Dispatched != 1 || stats.MirrorHits != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestBackoff(t *testing.T) {
	base, max := 500*time.Millisecond, 30*time.Second
	testCases := []struct {
		retry int
		want  time.Duration
	}{
		{retry: 0, want: 500 * time.Millisecond},
		{retry: 1, want: time.Second},
		{retry: 2, want: 2 * time.Second},
		{retry: 6, want: 30 * time.Second},
		{retry: 60, want: 30 * time.Second},
	}
	for _, tc := range testCases {
		if got := Backoff(base, max, tc.retry); got != tc.want {
			t.Fatalf("Backoff(retry=%d) = %v, want %v", tc.retry, got, tc.want)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
