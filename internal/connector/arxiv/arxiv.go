// Package arxiv queries the arXiv export API for recent submissions in a set
// of categories. Responses are Atom and parsed with gofeed's atom parser.
//
// A window walks the results newest-first with offset paging and stops at
// the first entry older than the previous window's newest submission.
package arxiv

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed/atom"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-news-ingest/internal/clock/system"
	"github.com/JakeFAU/realtime-news-ingest/internal/connector"
	"github.com/JakeFAU/realtime-news-ingest/internal/connector/transport"
	"github.com/JakeFAU/realtime-news-ingest/internal/ingest"
)

// Defaults for the export API.
const (
	DefaultBaseURL    = "https://export.arxiv.org/api/query"
	DefaultPageSize   = 50
	DefaultMaxResults = 200
)

// DefaultCategories are used when none are configured.
var DefaultCategories = []string{"cs.AI", "cs.LG", "cs.CL"}

// Config selects the categories and window size.
type Config struct {
	Name       string
	BaseURL    string
	Categories []string
	PageSize   int
	// MaxResults bounds one window across pages.
	MaxResults int
}

// Entry is the RawItem payload for one paper.
type Entry struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Summary    string     `json:"summary,omitempty"`
	Authors    []string   `json:"authors,omitempty"`
	AbsURL     string     `json:"abs_url,omitempty"`
	PDFURL     string     `json:"pdf_url,omitempty"`
	Categories []string   `json:"categories,omitempty"`
	Published  *time.Time `json:"published,omitempty"`
	Updated    *time.Time `json:"updated,omitempty"`
}

type cursorState struct {
	Start  int   `json:"start"`
	Since  int64 `json:"since,omitempty"`
	Newest int64 `json:"newest,omitempty"`
}

// Connector implements ingest.Connector for arXiv.
type Connector struct {
	cfg    Config
	client *transport.Client
	parser *atom.Parser
	clock  ingest.Clock
	logger *zap.Logger
}

// New builds a Connector.
func New(cfg Config, client *transport.Client, clock ingest.Clock, logger *zap.Logger) *Connector {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if len(cfg.Categories) == 0 {
		cfg.Categories = DefaultCategories
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = DefaultMaxResults
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{cfg: cfg, client: client, parser: &atom.Parser{}, clock: clock, logger: logger}
}

// Name returns the configured instance name.
func (c *Connector) Name() string { return c.cfg.Name }

// Source returns ingest.SourceArxiv.
func (c *Connector) Source() ingest.Source { return ingest.SourceArxiv }

// Fetch returns the next page of the current window.
func (c *Connector) Fetch(ctx context.Context, cursor ingest.Cursor) (ingest.Page, error) {
	state, err := decodeCursor(cursor)
	if err != nil {
		return ingest.Page{}, err
	}

	body, err := c.client.Get(ctx, c.queryURL(state.Start))
	if err != nil {
		return ingest.Page{}, fmt.Errorf("query arxiv: %w", err)
	}
	feed, err := c.parser.Parse(bytes.NewReader(body))
	if err != nil {
		return ingest.Page{}, &ingest.MalformedPayloadError{Source: c.cfg.Name, ItemID: "query", Err: err}
	}

	since := time.Unix(state.Since, 0).UTC()
	now := c.clock.Now()
	var page ingest.Page
	reachedOld := false
	for _, e := range feed.Entries {
		if e == nil {
			continue
		}
		entry := toEntry(e)
		if entry.Published != nil {
			if state.Since > 0 && entry.Published.Before(since) {
				reachedOld = true
				break
			}
			if u := entry.Published.Unix(); u > state.Newest {
				state.Newest = u
			}
		}
		raw, rawErr := connector.NewRawItem(ingest.SourceArxiv, c.cfg.Name, entry.ID, entry, now)
		if rawErr != nil {
			page.Failures = append(page.Failures, ingest.ItemError{ID: entry.ID, Err: rawErr})
			continue
		}
		page.Items = append(page.Items, raw)
	}

	seen := state.Start + len(feed.Entries)
	page.Done = reachedOld || len(feed.Entries) < c.cfg.PageSize || seen >= c.cfg.MaxResults
	if page.Done {
		next := cursorState{Since: max(state.Since, state.Newest)}
		page.Next = encodeCursor(next)
	} else {
		page.Next = encodeCursor(cursorState{Start: seen, Since: state.Since, Newest: state.Newest})
	}

	c.logger.Debug("arxiv page",
		zap.String("source", c.cfg.Name),
		zap.Int("start", state.Start),
		zap.Int("items", len(page.Items)),
		zap.Bool("done", page.Done),
	)
	return page, nil
}

func (c *Connector) queryURL(start int) string {
	cats := make([]string, 0, len(c.cfg.Categories))
	for _, cat := range c.cfg.Categories {
		cats = append(cats, "cat:"+cat)
	}
	q := url.Values{}
	q.Set("search_query", strings.Join(cats, " OR "))
	q.Set("start", strconv.Itoa(start))
	q.Set("max_results", strconv.Itoa(min(c.cfg.PageSize, c.cfg.MaxResults-start)))
	q.Set("sortBy", "submittedDate")
	q.Set("sortOrder", "descending")
	return c.cfg.BaseURL + "?" + q.Encode()
}

func toEntry(e *atom.Entry) Entry {
	out := Entry{
		ID:      strings.TrimSpace(e.ID),
		Title:   e.Title,
		Summary: e.Summary,
	}
	for _, a := range e.Authors {
		if a != nil && a.Name != "" {
			out.Authors = append(out.Authors, a.Name)
		}
	}
	for _, l := range e.Links {
		if l == nil {
			continue
		}
		switch {
		case l.Title == "pdf" || l.Type == "application/pdf":
			out.PDFURL = l.Href
		case l.Rel == "alternate" || l.Rel == "":
			out.AbsURL = l.Href
		}
	}
	for _, cat := range e.Categories {
		if cat != nil && cat.Term != "" {
			out.Categories = append(out.Categories, cat.Term)
		}
	}
	if e.PublishedParsed != nil {
		t := e.PublishedParsed.UTC()
		out.Published = &t
	}
	if e.UpdatedParsed != nil {
		t := e.UpdatedParsed.UTC()
		out.Updated = &t
	}
	return out
}

func decodeCursor(c ingest.Cursor) (cursorState, error) {
	var s cursorState
	if c == "" {
		return s, nil
	}
	if err := json.Unmarshal([]byte(c), &s); err != nil {
		return cursorState{}, fmt.Errorf("decode arxiv cursor: %w", err)
	}
	if s.Start < 0 {
		s.Start = 0
	}
	return s, nil
}

func encodeCursor(s cursorState) ingest.Cursor {
	data, _ := json.Marshal(s)
	return ingest.Cursor(data)
}
