package arxiv

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-news-ingest/internal/connector/transport"
	"github.com/JakeFAU/realtime-news-ingest/internal/ingest"
	"github.com/JakeFAU/realtime-news-ingest/internal/policy/ratelimit"
)

type paper struct {
	id        string
	published string
}

func atomEntry(p paper) string {
	return fmt.Sprintf(`<entry>
<id>http://arxiv.org/abs/%[1]sv2</id>
<published>%[2]s</published><updated>%[2]s</updated>
<title>Paper %[1]s</title><summary>Abstract of %[1]s</summary>
<author><name>Alice</name></author><author><name>Bob</name></author>
<link href="http://arxiv.org/abs/%[1]sv2" rel="alternate" type="text/html"/>
<link title="pdf" href="http://arxiv.org/pdf/%[1]sv2" rel="related" type="application/pdf"/>
<category term="cs.AI" scheme="http://arxiv.org/schemas/atom"/>
</entry>`, p.id, p.published)
}

// newestFirst must be sorted by published, descending.
func fakeArxiv(t *testing.T, newestFirst []paper, queries *[]string) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if queries != nil {
			*queries = append(*queries, q.Get("search_query"))
		}
		assert.Equal(t, "submittedDate", q.Get("sortBy"))
		assert.Equal(t, "descending", q.Get("sortOrder"))
		start, _ := strconv.Atoi(q.Get("start"))
		n, _ := strconv.Atoi(q.Get("max_results"))
		var b strings.Builder
		b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><feed xmlns="http://www.w3.org/2005/Atom"><title>arXiv</title>`)
		for i := start; i < len(newestFirst) && i < start+n; i++ {
			b.WriteString(atomEntry(newestFirst[i]))
		}
		b.WriteString(`</feed>`)
		_, _ = w.Write([]byte(b.String()))
	})
}

func newConnector(t *testing.T, h http.Handler, cfg Config) *Connector {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	reg := ratelimit.NewRegistry(ratelimit.Config{Capacity: 100, RefillRate: 1000})
	client := transport.New(reg.Guard("arxiv"), srv.Client(), transport.Config{MaxAttempts: 1}, zap.NewNop())
	cfg.Name = "arxiv"
	cfg.BaseURL = srv.URL + "/api/query"
	return New(cfg, client, nil, zap.NewNop())
}

func ids(t *testing.T, p ingest.Page) []string {
	t.Helper()
	out := make([]string, 0, len(p.Items))
	for _, it := range p.Items {
		var e Entry
		require.NoError(t, json.Unmarshal(it.Payload, &e))
		out = append(out, e.ID)
	}
	return out
}

func TestFetchWalksWindowThenStopsAtWatermark(t *testing.T) {
	t.Parallel()

	papers := []paper{
		{"2401.00004", "2024-01-04T00:00:00Z"},
		{"2401.00003", "2024-01-03T00:00:00Z"},
		{"2401.00002", "2024-01-02T00:00:00Z"},
	}
	var queries []string
	c := newConnector(t, fakeArxiv(t, papers, &queries), Config{PageSize: 2, Categories: []string{"cs.AI", "cs.LG"}})
	ctx := context.Background()

	first, err := c.Fetch(ctx, "")
	require.NoError(t, err)
	assert.False(t, first.Done)
	assert.Len(t, first.Items, 2)

	second, err := c.Fetch(ctx, first.Next)
	require.NoError(t, err)
	assert.True(t, second.Done)
	assert.Len(t, second.Items, 1)
	assert.Equal(t, "cat:cs.AI OR cat:cs.LG", queries[0])

	var state cursorState
	require.NoError(t, json.Unmarshal([]byte(second.Next), &state))
	assert.Zero(t, state.Start)
	assert.Equal(t, time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC).Unix(), state.Since)

	// The next window re-sees the entry at the watermark and stops before older ones.
	third, err := c.Fetch(ctx, second.Next)
	require.NoError(t, err)
	assert.True(t, third.Done)
	assert.Equal(t, []string{"http://arxiv.org/abs/2401.00004v2"}, ids(t, third))
}

func TestEntryMapping(t *testing.T) {
	t.Parallel()

	c := newConnector(t, fakeArxiv(t, []paper{{"2401.00001", "2024-01-01T12:00:00Z"}}, nil), Config{})
	page, err := c.Fetch(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	var e Entry
	require.NoError(t, json.Unmarshal(page.Items[0].Payload, &e))
	assert.Equal(t, "Paper 2401.00001", e.Title)
	assert.Equal(t, []string{"Alice", "Bob"}, e.Authors)
	assert.Equal(t, "http://arxiv.org/pdf/2401.00001v2", e.PDFURL)
	assert.Equal(t, "http://arxiv.org/abs/2401.00001v2", e.AbsURL)
	assert.Equal(t, []string{"cs.AI"}, e.Categories)
	require.NotNil(t, e.Published)
	assert.Equal(t, 12, e.Published.Hour())
}

func TestFetchMaxResultsBoundsWindow(t *testing.T) {
	t.Parallel()

	var papers []paper
	for i := 9; i >= 0; i-- {
		papers = append(papers, paper{fmt.Sprintf("2401.0000%d", i), fmt.Sprintf("2024-01-0%dT00:00:00Z", i+1)})
	}
	c := newConnector(t, fakeArxiv(t, papers, nil), Config{PageSize: 3, MaxResults: 4})
	ctx := context.Background()

	first, err := c.Fetch(ctx, "")
	require.NoError(t, err)
	assert.False(t, first.Done)
	second, err := c.Fetch(ctx, first.Next)
	require.NoError(t, err)
	assert.Len(t, second.Items, 1)
	assert.True(t, second.Done)
}

func TestFetchMalformedResponse(t *testing.T) {
	t.Parallel()

	c := newConnector(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("definitely not xml"))
	}), Config{})
	_, err := c.Fetch(context.Background(), "")
	require.ErrorIs(t, err, ingest.ErrMalformed)
}
