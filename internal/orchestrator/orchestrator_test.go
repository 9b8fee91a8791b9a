package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-news-ingest/internal/connector"
	"github.com/JakeFAU/realtime-news-ingest/internal/connector/hackernews"
	"github.com/JakeFAU/realtime-news-ingest/internal/connector/transport"
	"github.com/JakeFAU/realtime-news-ingest/internal/dedup"
	"github.com/JakeFAU/realtime-news-ingest/internal/embedding"
	idgen "github.com/JakeFAU/realtime-news-ingest/internal/id/uuid"
	"github.com/JakeFAU/realtime-news-ingest/internal/ingest"
	"github.com/JakeFAU/realtime-news-ingest/internal/policy/ratelimit"
	"github.com/JakeFAU/realtime-news-ingest/internal/progress"
	"github.com/JakeFAU/realtime-news-ingest/internal/progress/sinks"
	pubmemory "github.com/JakeFAU/realtime-news-ingest/internal/publisher/memory"
	"github.com/JakeFAU/realtime-news-ingest/internal/storage/memory"
)

var base = time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

type scripted struct {
	name    string
	pages   map[ingest.Cursor]ingest.Page
	next    func(ingest.Cursor) ingest.Page
	err     error
	block   chan struct{}
	delay   time.Duration
	fetches atomic.Int32

	inflight *atomic.Int32
	peak     *atomic.Int32
}

func (s *scripted) Name() string          { return s.name }
func (s *scripted) Source() ingest.Source { return ingest.SourceHackerNews }

func (s *scripted) Fetch(_ context.Context, cursor ingest.Cursor) (ingest.Page, error) {
	s.fetches.Add(1)
	if s.inflight != nil {
		n := s.inflight.Add(1)
		defer s.inflight.Add(-1)
		for {
			p := s.peak.Load()
			if n <= p || s.peak.CompareAndSwap(p, n) {
				break
			}
		}
	}
	if s.block != nil {
		<-s.block
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return ingest.Page{}, s.err
	}
	if s.next != nil {
		return s.next(cursor), nil
	}
	if p, ok := s.pages[cursor]; ok {
		return p, nil
	}
	return ingest.Page{Next: cursor, Done: true}, nil
}

// titleEmbedder assigns fixed vectors by title and degrades unknown titles.
type titleEmbedder struct {
	vectors map[string][]float32
	down    atomic.Bool
	onEmbed func()
}

func (e *titleEmbedder) EmbedArticles(_ context.Context, articles []*ingest.Article) embedding.Stats {
	if e.onEmbed != nil {
		e.onEmbed()
	}
	var stats embedding.Stats
	for _, a := range articles {
		v, ok := e.vectors[a.Title]
		if !ok || e.down.Load() {
			a.Embedding, a.NeedsEmbedding = nil, true
			stats.Degraded++
			continue
		}
		a.Embedding, a.NeedsEmbedding = v, false
		stats.Embedded++
	}
	return stats
}

type recorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recorder) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) stages(source string) []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []progress.Stage
	for _, e := range r.events {
		if e.Source == source {
			out = append(out, e.Stage)
		}
	}
	return out
}

type fixedCircuits map[string]ingest.CircuitState

func (f fixedCircuits) CircuitState(source string) ingest.CircuitState {
	if s, ok := f[source]; ok {
		return s
	}
	return ingest.CircuitClosed
}

func hnItem(t *testing.T, origin string, id int64, title, url string) ingest.RawItem {
	t.Helper()
	raw, err := connector.NewRawItem(ingest.SourceHackerNews, origin, strconv.FormatInt(id, 10), hackernews.Item{
		ID:    id,
		Type:  "story",
		Title: title,
		URL:   url,
		Time:  base.Unix(),
	}, base)
	require.NoError(t, err)
	return raw
}

func unit2(sim float64) []float32 {
	return []float32{float32(sim), float32(math.Sqrt(1 - sim*sim))}
}

type harness struct {
	orch      *Orchestrator
	articles  *memory.ArticleStore
	cursors   *memory.CursorStore
	blobs     *memory.BlobStore
	publisher *pubmemory.Publisher
	events    *recorder
	embedder  *titleEmbedder
}

func newHarness(t *testing.T, cfg Config, circuits Circuits, conns ...ingest.Connector) *harness {
	t.Helper()
	h := &harness{
		articles:  memory.NewArticleStore(),
		cursors:   memory.NewCursorStore(),
		blobs:     memory.NewBlobStore(),
		publisher: pubmemory.New(),
		events:    &recorder{},
		embedder: &titleEmbedder{vectors: map[string][]float32{
			"Go 1.25 released":           {1, 0},
			"Go 1.25 is out":             unit2(0.95),
			"Rust 2.0 announced":         {0, 1},
			"Postgres 18 beta available": unit2(0.1),
		}},
	}
	ids := idgen.New()
	orch, err := New(Deps{
		Connectors: conns,
		Cursors:    h.cursors,
		Embedder:   h.embedder,
		Dedup:      dedup.New(h.articles, ids, dedup.Options{}, nil),
		IDs:        ids,
		Blobs:      h.blobs,
		Circuits:   circuits,
		Publisher:  h.publisher,
		Progress:   h.events,
		Degraded:   h.articles,
	}, cfg, nil)
	require.NoError(t, err)
	h.orch = orch
	return h
}

func TestRunCycleStoresAndDedups(t *testing.T) {
	t.Parallel()

	malformed := hnItem(t, "hn", 4, "", "https://example.com/blank")
	src := &scripted{name: "hn", pages: map[ingest.Cursor]ingest.Page{
		"": {
			Items: []ingest.RawItem{
				hnItem(t, "hn", 1, "Go 1.25 released", "https://go.dev/blog/go1.25"),
				hnItem(t, "hn", 2, "Go 1.25 is out", "https://example.com/go125"),
				hnItem(t, "hn", 3, "Rust 2.0 announced", "https://example.com/rust"),
				malformed,
			},
			Failures: []ingest.ItemError{{ID: "5", Err: errors.New("item vanished")}},
			Next:     "c1",
			Done:     true,
		},
	}}
	h := newHarness(t, Config{}, nil, src)

	report, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, report.State)
	assert.Equal(t, StateCompleted, h.orch.State())
	require.Len(t, report.Sources, 1)

	got := report.Sources[0]
	assert.True(t, got.Success())
	assert.Equal(t, 1, got.Pages)
	assert.Equal(t, ingest.Cursor("c1"), got.Cursor)
	assert.Equal(t, ingest.CircuitClosed, got.Circuit)
	assert.Equal(t, progress.Counts{Fetched: 5, New: 2, Duplicate: 1, Skipped: 1, Failed: 1}, got.Counts)
	assert.Equal(t, got.Counts, report.Totals)

	cursor, err := h.cursors.LoadCursor(context.Background(), "hn")
	require.NoError(t, err)
	assert.Equal(t, ingest.Cursor("c1"), cursor)

	stored := h.articles.All()
	require.Len(t, stored, 3)
	canon, ok := h.articles.Get(ingest.Key{Source: ingest.SourceHackerNews, SourceID: "1"})
	require.True(t, ok)
	dup, ok := h.articles.Get(ingest.Key{Source: ingest.SourceHackerNews, SourceID: "2"})
	require.True(t, ok)
	assert.True(t, dup.IsDuplicate)
	assert.Equal(t, canon.ID, dup.DuplicateOf)

	latest, ok := h.orch.Latest()
	require.True(t, ok)
	assert.Equal(t, report.ID, latest.ID)

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, DefaultReportTopic, msgs[0].Topic)
	assert.Equal(t, report, msgs[0].Payload)

	assert.Equal(t, []progress.Stage{progress.StageSourceStart, progress.StagePageDone, progress.StageSourceDone}, h.events.stages("hn"))
	cycle := h.events.stages("")
	assert.Equal(t, []progress.Stage{progress.StageCycleStart, progress.StageCycleDone}, cycle)
}

func TestSecondCycleSkipsAlreadyStored(t *testing.T) {
	t.Parallel()

	page := ingest.Page{Items: []ingest.RawItem{hnItem(t, "hn", 1, "Go 1.25 released", "https://go.dev/blog/go1.25")}, Done: true}
	src := &scripted{name: "hn", next: func(ingest.Cursor) ingest.Page { return page }}
	h := newHarness(t, Config{}, nil, src)

	first, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, first.Totals.New)

	second, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 0, second.Totals.New)
	assert.EqualValues(t, 1, second.Totals.Skipped)
	assert.Len(t, h.articles.All(), 1)
}

func TestSourceFailureIsIsolated(t *testing.T) {
	t.Parallel()

	bad := &scripted{name: "bad", err: &ingest.CircuitOpenError{Source: "bad"}}
	good := &scripted{name: "good", pages: map[ingest.Cursor]ingest.Page{
		"": {Items: []ingest.RawItem{hnItem(t, "good", 7, "Rust 2.0 announced", "https://example.com/rust")}, Next: "g1", Done: true},
	}}
	h := newHarness(t, Config{}, fixedCircuits{"bad": ingest.CircuitOpen}, bad, good)

	report, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatePartiallyFailed, report.State)
	assert.Equal(t, StatePartiallyFailed, h.orch.State())

	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "bad", failed[0].Name)
	assert.Contains(t, failed[0].Error, "circuit open")
	assert.Equal(t, ingest.CircuitOpen, failed[0].Circuit)

	assert.Equal(t, "good", report.Sources[1].Name)
	assert.EqualValues(t, 1, report.Sources[1].Counts.New)
	cursor, _ := h.cursors.LoadCursor(context.Background(), "bad")
	assert.Empty(t, cursor)
}

func TestRunCycleRejectsConcurrentCycle(t *testing.T) {
	t.Parallel()

	src := &scripted{name: "slow", block: make(chan struct{})}
	h := newHarness(t, Config{}, nil, src)

	done := make(chan Report, 1)
	go func() {
		report, err := h.orch.RunCycle(context.Background())
		assert.NoError(t, err)
		done <- report
	}()
	require.Eventually(t, func() bool { return src.fetches.Load() > 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateRunning, h.orch.State())

	_, err := h.orch.RunCycle(context.Background())
	require.ErrorIs(t, err, ingest.ErrCycleInProgress)

	close(src.block)
	select {
	case report := <-done:
		assert.Equal(t, StateCompleted, report.State)
	case <-time.After(2 * time.Second):
		t.Fatal("cycle did not finish")
	}
}

func TestCancelMidPageKeepsCursor(t *testing.T) {
	t.Parallel()

	page := ingest.Page{
		Items: []ingest.RawItem{
			hnItem(t, "hn", 1, "Go 1.25 released", "https://go.dev/blog/go1.25"),
			hnItem(t, "hn", 3, "Rust 2.0 announced", "https://example.com/rust"),
		},
		Next: "p1",
		Done: true,
	}
	src := &scripted{name: "hn", pages: map[ingest.Cursor]ingest.Page{"": page}}
	h := newHarness(t, Config{}, nil, src)

	ctx, cancel := context.WithCancel(context.Background())
	h.embedder.onEmbed = cancel
	report, err := h.orch.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatePartiallyFailed, report.State)
	assert.Contains(t, report.Sources[0].Error, "cycle cancelled")
	assert.Empty(t, h.articles.All())
	cursor, _ := h.cursors.LoadCursor(context.Background(), "hn")
	assert.Empty(t, cursor, "a partially handled page must not advance the cursor")

	h.embedder.onEmbed = nil
	report, err = h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, report.State)
	assert.Len(t, h.articles.All(), 2)
	cursor, _ = h.cursors.LoadCursor(context.Background(), "hn")
	assert.Equal(t, ingest.Cursor("p1"), cursor)
}

func TestCancelledBeforeStartFetchesNothing(t *testing.T) {
	t.Parallel()

	src := &scripted{name: "hn"}
	h := newHarness(t, Config{}, nil, src)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := h.orch.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatePartiallyFailed, report.State)
	assert.Zero(t, src.fetches.Load())
}

func TestBoundedConcurrency(t *testing.T) {
	t.Parallel()

	var inflight, peak atomic.Int32
	conns := make([]ingest.Connector, 6)
	for i := range conns {
		conns[i] = &scripted{
			name:     "src-" + strconv.Itoa(i),
			delay:    20 * time.Millisecond,
			inflight: &inflight,
			peak:     &peak,
		}
	}
	h := newHarness(t, Config{MaxConcurrency: 2}, nil, conns...)

	report, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Sources, 6)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}

func endlessPages(t *testing.T, perPage int) func(ingest.Cursor) ingest.Page {
	return func(c ingest.Cursor) ingest.Page {
		n, _ := strconv.Atoi(string(c))
		items := make([]ingest.RawItem, perPage)
		for i := range items {
			id := int64(n*perPage + i + 1)
			items[i] = hnItem(t, "hn", id, "Story "+strconv.FormatInt(id, 10), "https://example.com/"+strconv.FormatInt(id, 10))
		}
		return ingest.Page{Items: items, Next: ingest.Cursor(strconv.Itoa(n + 1))}
	}
}

func TestMaxPagesBound(t *testing.T) {
	t.Parallel()

	src := &scripted{name: "hn", next: endlessPages(t, 3)}
	h := newHarness(t, Config{MaxPages: 2, MaxItems: 1000}, nil, src)

	report, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Sources[0].Pages)
	assert.EqualValues(t, 6, report.Sources[0].Counts.Fetched)
	assert.EqualValues(t, 6, report.Sources[0].Counts.Degraded)
	cursor, _ := h.cursors.LoadCursor(context.Background(), "hn")
	assert.Equal(t, ingest.Cursor("2"), cursor)
}

func TestMaxItemsNeverSplitsAPage(t *testing.T) {
	t.Parallel()

	src := &scripted{name: "hn", next: endlessPages(t, 3)}
	h := newHarness(t, Config{MaxPages: 10, MaxItems: 4}, nil, src)

	report, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Sources[0].Pages)
	assert.EqualValues(t, 6, report.Sources[0].Counts.Fetched)
	assert.Len(t, h.articles.All(), 6)
}

func TestArchivesRawPages(t *testing.T) {
	t.Parallel()

	src := &scripted{name: "hn", pages: map[ingest.Cursor]ingest.Page{
		"": {Items: []ingest.RawItem{hnItem(t, "hn", 1, "Go 1.25 released", "https://go.dev/blog/go1.25")}, Next: "c1", Done: true},
	}}
	h := newHarness(t, Config{ArchivePrefix: "archive"}, nil, src)

	report, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, h.blobs.Len())

	path := "archive/hn/2025/06/02/" + report.ID + "-001.jsonl"
	data, ok := h.blobs.Object(path)
	require.True(t, ok, "expected object at %s", path)
	assert.Equal(t, 1, strings.Count(string(data), "\n"))
	assert.Contains(t, string(data), `"origin":"hn"`)
}

func TestDegradedThenReembed(t *testing.T) {
	t.Parallel()

	src := &scripted{name: "hn", pages: map[ingest.Cursor]ingest.Page{
		"": {Items: []ingest.RawItem{
			hnItem(t, "hn", 1, "Go 1.25 released", "https://go.dev/blog/go1.25"),
			hnItem(t, "hn", 2, "Go 1.25 is out", "https://example.com/go125"),
		}, Next: "c1", Done: true},
	}}
	h := newHarness(t, Config{}, nil, src)
	h.embedder.down.Store(true)

	report, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, report.State)
	assert.EqualValues(t, 2, report.Totals.Degraded)

	h.embedder.down.Store(false)
	re, err := h.orch.Reembed(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, re.Candidates)
	assert.Equal(t, 2, re.Embedded)
	assert.Equal(t, 1, re.Unique)
	assert.Equal(t, 1, re.Duplicate)
	assert.Zero(t, re.Failed)

	pending, err := h.articles.ListNeedingEmbedding(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	re, err = h.orch.Reembed(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, re.Candidates)
}

func TestLatestBeforeAnyCycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	_, ok := h.orch.Latest()
	assert.False(t, ok)
	assert.Equal(t, StateIdle, h.orch.State())

	report, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, report.State)
	assert.Empty(t, report.Sources)
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Config{}, nil)
	require.Error(t, err)

	ids := idgen.New()
	store := memory.NewArticleStore()
	deps := Deps{
		Connectors: []ingest.Connector{&scripted{name: "a"}, &scripted{name: "a"}},
		Cursors:    memory.NewCursorStore(),
		Embedder:   &titleEmbedder{},
		Dedup:      dedup.New(store, ids, dedup.Options{}, nil),
		IDs:        ids,
	}
	_, err = New(deps, Config{}, nil)
	require.ErrorContains(t, err, "duplicate source name")

	deps.Connectors = deps.Connectors[:1]
	orch, err := New(deps, Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, orch.Sources())

	_, err = orch.Reembed(context.Background(), 10)
	require.Error(t, err)
}

// TestPagesSpanningManyRateLimitedRequests runs the Hacker News defaults
// (burst 10, 1 rps, 30 stories a page, 30s per call) a hundred times faster.
// A page needs more tokens than the bucket holds, so its total time exceeds
// the per-call timeout while every single request stays well inside it.
func TestPagesSpanningManyRateLimitedRequests(t *testing.T) {
	t.Parallel()

	const stories = 90
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v0/newstories.json" {
			ids := make([]int64, 0, stories)
			for id := int64(stories); id > 0; id-- {
				ids = append(ids, id)
			}
			_ = json.NewEncoder(w).Encode(ids)
			return
		}
		var id int64
		if _, err := fmt.Sscanf(r.URL.Path, "/v0/item/%d.json", &id); err != nil {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, `{"id":%d,"type":"story","time":%d,"title":"Story %d","url":"https://example.com/%d"}`, id, base.Unix(), id, id)
	}))
	t.Cleanup(srv.Close)

	callTimeout := 300 * time.Millisecond
	guard := ratelimit.NewRegistry(ratelimit.Config{}).Register("hn", ratelimit.Config{Capacity: 10, RefillRate: 100})
	client := transport.New(guard, srv.Client(), transport.Config{MaxAttempts: 1, Timeout: callTimeout}, nil)
	conn := hackernews.New(hackernews.Config{Name: "hn", BaseURL: srv.URL + "/v0", List: "newstories", PageSize: 30}, client, nil, nil)

	h := newHarness(t, Config{CallTimeout: callTimeout, MaxItems: stories}, nil, conn)
	report, err := h.orch.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Sources, 1)
	got := report.Sources[0]
	assert.Empty(t, got.Error)
	assert.Equal(t, StateCompleted, report.State)
	assert.Equal(t, 3, got.Pages)
	assert.EqualValues(t, stories, got.Counts.Fetched)
	assert.Len(t, h.articles.All(), stories)

	cursor, err := h.cursors.LoadCursor(context.Background(), "hn")
	require.NoError(t, err)
	assert.JSONEq(t, `{"max_id":90}`, string(cursor))
}

func TestReportedCycleIsAlreadyInHistory(t *testing.T) {
	t.Parallel()

	history := sinks.NewHistorySink(10)
	hub := progress.NewHub(progress.Config{MaxBatchEvents: 1000, MaxBatchWait: time.Hour}, history)
	t.Cleanup(func() { _ = hub.Close(context.Background()) })

	src := &scripted{name: "hn", pages: map[ingest.Cursor]ingest.Page{
		"": {Items: []ingest.RawItem{hnItem(t, "hn", 1, "Go 1.25 released", "https://go.dev/blog/go1.25")}, Next: "c1", Done: true},
	}}
	ids := idgen.New()
	store := memory.NewArticleStore()
	orch, err := New(Deps{
		Connectors: []ingest.Connector{src},
		Cursors:    memory.NewCursorStore(),
		Embedder:   &titleEmbedder{vectors: map[string][]float32{"Go 1.25 released": {1, 0}}},
		Dedup:      dedup.New(store, ids, dedup.Options{}, nil),
		IDs:        ids,
		Progress:   hub,
	}, Config{}, nil)
	require.NoError(t, err)

	report, err := orch.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.DroppedEvents)

	cycles := history.List(1)
	require.Len(t, cycles, 1, "history must not lag the returned report")
	assert.Equal(t, report.ID, cycles[0].ID)
	assert.Equal(t, string(StateCompleted), cycles[0].State)
	assert.Equal(t, report.Totals, cycles[0].Totals)
}

// stuckSink holds the progress hub inside Consume until released.
type stuckSink struct {
	entered chan struct{}
	once    sync.Once
	release chan struct{}
}

func (s *stuckSink) Consume(ctx context.Context, _ []progress.Event) error {
	s.once.Do(func() { close(s.entered) })
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return nil
}

func (*stuckSink) Close(context.Context) error { return nil }

func TestReportCountsDroppedProgressEvents(t *testing.T) {
	t.Parallel()

	sink := &stuckSink{entered: make(chan struct{}), release: make(chan struct{})}
	hub := progress.NewHub(progress.Config{BufferSize: 1, MaxBatchEvents: 1, SinkTimeout: time.Minute}, sink)
	t.Cleanup(func() {
		close(sink.release)
		_ = hub.Close(context.Background())
	})
	hub.Emit(progress.Event{Stage: progress.StageCircuit, Source: "hn", State: "open"})
	<-sink.entered

	pages := map[ingest.Cursor]ingest.Page{"": {Next: "1"}}
	for i := 1; i < 5; i++ {
		pages[ingest.Cursor(strconv.Itoa(i))] = ingest.Page{Next: ingest.Cursor(strconv.Itoa(i + 1)), Done: i == 4}
	}
	src := &scripted{name: "hn", pages: pages}
	ids := idgen.New()
	orch, err := New(Deps{
		Connectors: []ingest.Connector{src},
		Cursors:    memory.NewCursorStore(),
		Embedder:   &titleEmbedder{},
		Dedup:      dedup.New(memory.NewArticleStore(), ids, dedup.Options{}, nil),
		IDs:        ids,
		Progress:   hub,
	}, Config{CallTimeout: 50 * time.Millisecond}, nil)
	require.NoError(t, err)

	report, err := orch.RunCycle(context.Background())
	require.NoError(t, err)
	// With the hub stuck, only CYCLE_START fits the buffer. Source start,
	// five pages and source done are dropped before the report is taken,
	// CYCLE_DONE after it.
	assert.Equal(t, int64(7), report.DroppedEvents)
	assert.Equal(t, int64(8), hub.Dropped())
}
