package normalize

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-news-ingest/internal/connector/arxiv"
	"github.com/JakeFAU/realtime-news-ingest/internal/connector/github"
	"github.com/JakeFAU/realtime-news-ingest/internal/connector/hackernews"
	"github.com/JakeFAU/realtime-news-ingest/internal/connector/rss"
	"github.com/JakeFAU/realtime-news-ingest/internal/hash/sha256"
	"github.com/JakeFAU/realtime-news-ingest/internal/ingest"
)

var fetched = time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

func rawItem(t *testing.T, source ingest.Source, payload any) ingest.RawItem {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return ingest.RawItem{Source: source, Origin: "origin-" + string(source), ID: "hint", Payload: data, FetchedAt: fetched}
}

func TestNormalizeHackerNews(t *testing.T) {
	t.Parallel()

	a, err := Normalize(rawItem(t, ingest.SourceHackerNews, hackernews.Item{
		ID: 42, Type: "story", By: "dang", Time: 1700000000, Title: "  Ask HN:   anything ",
		Text: "<p>First&nbsp;para</p><p>Second <i>para</i></p>",
	}))
	require.NoError(t, err)
	assert.Equal(t, "42", a.SourceID)
	assert.Equal(t, "Ask HN: anything", a.Title)
	assert.Equal(t, "https://news.ycombinator.com/item?id=42", a.URL)
	assert.Equal(t, "First para Second para", a.Content)
	assert.Equal(t, "dang", a.Author)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), a.PublishedAt)
	assert.Equal(t, fetched, a.FetchedAt)
	assert.Equal(t, "origin-hackernews", a.Origin)
	assert.Equal(t, ingest.SourceHackerNews, a.Source)
}

func TestNormalizeHackerNewsContentFallsBackToTitle(t *testing.T) {
	t.Parallel()

	a, err := Normalize(rawItem(t, ingest.SourceHackerNews, hackernews.Item{
		ID: 1, Type: "story", Title: "Show HN: tool", URL: "https://tool.dev",
	}))
	require.NoError(t, err)
	assert.Equal(t, "Show HN: tool", a.Content)
	assert.Equal(t, "https://tool.dev", a.URL)
	assert.Equal(t, fetched, a.PublishedAt, "missing time falls back to fetch time")
}

func TestNormalizeRSS(t *testing.T) {
	t.Parallel()

	pub := time.Date(2024, 1, 1, 10, 0, 0, 0, time.FixedZone("EST", -5*3600))
	a, err := Normalize(rawItem(t, ingest.SourceRSS, rss.Entry{
		FeedName: "Example Blog", Link: "https://blog.example.com/post",
		Title: "Post", Description: "<b>short</b>", Published: &pub,
	}))
	require.NoError(t, err)
	assert.Equal(t, sha256.Sum("https://blog.example.com/post"), a.SourceID)
	assert.Equal(t, "short", a.Content)
	assert.Equal(t, "Example Blog", a.Author)
	assert.Equal(t, time.UTC, a.PublishedAt.Location())
	assert.Equal(t, 15, a.PublishedAt.Hour())
}

func TestNormalizeRSSPrefersContentAndGUID(t *testing.T) {
	t.Parallel()

	a, err := Normalize(rawItem(t, ingest.SourceRSS, rss.Entry{
		GUID: "guid-1", Link: "https://x.example/1", Title: "T",
		Content: "full body", Description: "summary", Author: "Jo",
	}))
	require.NoError(t, err)
	assert.Equal(t, "guid-1", a.SourceID)
	assert.Equal(t, "full body", a.Content)
	assert.Equal(t, "Jo", a.Author)
}

func TestNormalizeArxiv(t *testing.T) {
	t.Parallel()

	a, err := Normalize(rawItem(t, ingest.SourceArxiv, arxiv.Entry{
		ID: "http://arxiv.org/abs/2401.01234v3", Title: "Attention\n  again",
		Summary: "We study things.", Authors: []string{"A", "B", "C", "D"},
		AbsURL: "http://arxiv.org/abs/2401.01234v3", PDFURL: "http://arxiv.org/pdf/2401.01234v3",
	}))
	require.NoError(t, err)
	assert.Equal(t, "2401.01234", a.SourceID)
	assert.Equal(t, "Attention again", a.Title)
	assert.Equal(t, "http://arxiv.org/pdf/2401.01234v3", a.URL)
	assert.Equal(t, "A, B, C et al. (4 authors)", a.Author)
}

func TestArxivID(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"http://arxiv.org/abs/2401.01234v3":     "2401.01234",
		"http://arxiv.org/abs/hep-th/9901001v1": "hep-th/9901001",
		"2401.01234":                            "2401.01234",
	}
	for in, want := range cases {
		assert.Equal(t, want, ArxivID(in), in)
	}
}

func TestNormalizeGitHub(t *testing.T) {
	t.Parallel()

	body := strings.Repeat("word ", 300)
	a, err := Normalize(rawItem(t, ingest.SourceGitHub, github.Release{
		Owner: "acme", Repo: "tool", ID: 7, TagName: "v1.0.0", Name: "Launch",
		Body: body, HTMLURL: "https://github.com/acme/tool/releases/tag/v1.0.0",
		Author: "octo", PublishedAt: time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, err)
	assert.Equal(t, "acme_tool_7", a.SourceID)
	assert.Equal(t, "tool v1.0.0 - Launch", a.Title)
	assert.True(t, strings.HasSuffix(a.Content, "..."))
	assert.LessOrEqual(t, len([]rune(a.Content)), GitHubBodyRunes+3)

	empty, err := Normalize(rawItem(t, ingest.SourceGitHub, github.Release{
		Owner: "acme", Repo: "tool", ID: 8, TagName: "v1.0.1", Name: "v1.0.1",
	}))
	require.NoError(t, err)
	assert.Equal(t, "tool v1.0.1", empty.Title)
	assert.Equal(t, "New release v1.0.1 of tool.", empty.Content)
	assert.Equal(t, "https://github.com/acme/tool/releases/tag/v1.0.1", empty.URL)
}

func TestNormalizeRejectsInvalidItems(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		raw   ingest.RawItem
		field string
	}{
		{"empty title", rawItem(t, ingest.SourceHackerNews, hackernews.Item{ID: 1, Title: "  "}), "title"},
		{"long title", rawItem(t, ingest.SourceHackerNews, hackernews.Item{ID: 1, Title: strings.Repeat("x", MaxTitleRunes+1)}), "title"},
		{"bad scheme", rawItem(t, ingest.SourceRSS, rss.Entry{GUID: "g", Title: "t", Link: "ftp://x/y"}), "url"},
		{"no id", rawItem(t, ingest.SourceRSS, rss.Entry{Title: "t"}), "source_id"},
		{"bad payload", ingest.RawItem{Source: ingest.SourceArxiv, ID: "x", Payload: []byte("{")}, "payload"},
		{"unknown source", ingest.RawItem{Source: "reddit", ID: "x"}, "source"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Normalize(tc.raw)
			require.ErrorIs(t, err, ingest.ErrNormalization)
			var ne *ingest.NormalizationError
			require.ErrorAs(t, err, &ne)
			assert.Equal(t, tc.field, ne.Field)
		})
	}
}

func TestNormalizeTruncatesContent(t *testing.T) {
	t.Parallel()

	a, err := Normalize(rawItem(t, ingest.SourceRSS, rss.Entry{
		GUID: "g", Title: "t", Link: "https://x.example", Content: strings.Repeat("é", MaxContentRunes+50),
	}))
	require.NoError(t, err)
	assert.Equal(t, MaxContentRunes, len([]rune(a.Content)))
}

func TestCleanTextNFC(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "caf\u00e9", CleanText("cafe\u0301"))
	assert.Equal(t, "a b", CleanText("<div>a</div><div>b</div>"))
	assert.Equal(t, "AT&T", CleanText("AT&amp;T"))
	assert.Empty(t, CleanText("<script>x()</script>"))
}
