// Package hackernews reads stories from the Hacker News Firebase API.
//
// The cursor records the highest item ID already handled. Each page takes
// the next PageSize IDs above it from the configured story list, in
// ascending order, so a re-fetch with the same cursor covers the same IDs.
package hackernews

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-news-ingest/internal/clock/system"
	"github.com/JakeFAU/realtime-news-ingest/internal/connector"
	"github.com/JakeFAU/realtime-news-ingest/internal/connector/transport"
	"github.com/JakeFAU/realtime-news-ingest/internal/ingest"
)

// Defaults for the public API.
const (
	DefaultBaseURL  = "https://hacker-news.firebaseio.com/v0"
	DefaultList     = "top"
	DefaultPageSize = 30
)

// Config selects the list and page size for one Hacker News source.
type Config struct {
	Name    string
	BaseURL string
	// List is "top", "new", "best", "ask", "show" or "job", with or
	// without the "stories" suffix.
	List     string
	PageSize int
	// Keywords, when set, keep only stories whose title, text or URL
	// contains one of them (case-insensitive).
	Keywords []string
}

// Item is the subset of the Firebase item record the pipeline uses. It is
// also the RawItem payload.
type Item struct {
	ID      int64  `json:"id"`
	Type    string `json:"type"`
	By      string `json:"by,omitempty"`
	Time    int64  `json:"time"`
	Title   string `json:"title,omitempty"`
	URL     string `json:"url,omitempty"`
	Text    string `json:"text,omitempty"`
	Score   int    `json:"score,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
	Dead    bool   `json:"dead,omitempty"`
}

type cursorState struct {
	MaxID int64 `json:"max_id"`
}

// Connector implements ingest.Connector for Hacker News.
type Connector struct {
	cfg      Config
	client   *transport.Client
	clock    ingest.Clock
	logger   *zap.Logger
	keywords []string
}

// New builds a Connector. client must be guarded by the source's limiter.
func New(cfg Config, client *transport.Client, clock ingest.Clock, logger *zap.Logger) *Connector {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	// "newstories" and "new" name the same list.
	cfg.List = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(cfg.List)), "stories")
	if cfg.List == "" {
		cfg.List = DefaultList
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	kw := make([]string, 0, len(cfg.Keywords))
	for _, k := range cfg.Keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			kw = append(kw, k)
		}
	}
	return &Connector{cfg: cfg, client: client, clock: clock, logger: logger, keywords: kw}
}

// Name returns the configured instance name.
func (c *Connector) Name() string { return c.cfg.Name }

// Source returns ingest.SourceHackerNews.
func (c *Connector) Source() ingest.Source { return ingest.SourceHackerNews }

// Fetch returns the stories after cursor.
func (c *Connector) Fetch(ctx context.Context, cursor ingest.Cursor) (ingest.Page, error) {
	state, err := decodeCursor(cursor)
	if err != nil {
		return ingest.Page{}, err
	}

	ids, err := c.listIDs(ctx)
	if err != nil {
		return ingest.Page{}, err
	}
	pending := idsAbove(ids, state.MaxID)
	batch := pending
	if len(batch) > c.cfg.PageSize {
		batch = batch[:c.cfg.PageSize]
	}

	page := ingest.Page{Done: len(pending) <= c.cfg.PageSize}
	next := state.MaxID
	for _, id := range batch {
		if err := ctx.Err(); err != nil {
			return ingest.Page{}, err
		}
		itemID := strconv.FormatInt(id, 10)
		item, err := c.item(ctx, id)
		var perm *ingest.PermanentFetchError
		switch {
		case errors.Is(err, ingest.ErrMalformed), errors.As(err, &perm):
			page.Failures = append(page.Failures, ingest.ItemError{ID: itemID, Err: err})
		case err != nil:
			return ingest.Page{}, err
		case item != nil && c.keep(*item):
			raw, rawErr := connector.NewRawItem(ingest.SourceHackerNews, c.cfg.Name, itemID, item, c.clock.Now())
			if rawErr != nil {
				page.Failures = append(page.Failures, ingest.ItemError{ID: itemID, Err: rawErr})
				break
			}
			page.Items = append(page.Items, raw)
		}
		next = id
	}
	page.Next = encodeCursor(cursorState{MaxID: next})

	c.logger.Debug("hackernews page",
		zap.String("source", c.cfg.Name),
		zap.Int("candidates", len(pending)),
		zap.Int("items", len(page.Items)),
		zap.Int64("max_id", next),
	)
	return page, nil
}

func (c *Connector) listIDs(ctx context.Context) ([]int64, error) {
	url := fmt.Sprintf("%s/%sstories.json", c.cfg.BaseURL, c.cfg.List)
	body, err := c.client.Get(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("list %s stories: %w", c.cfg.List, err)
	}
	var ids []int64
	if err := json.Unmarshal(body, &ids); err != nil {
		return nil, &ingest.MalformedPayloadError{Source: c.cfg.Name, ItemID: c.cfg.List + "stories", Err: err}
	}
	return ids, nil
}

// item returns nil for a missing item (the API answers "null").
func (c *Connector) item(ctx context.Context, id int64) (*Item, error) {
	body, err := c.client.Get(ctx, fmt.Sprintf("%s/item/%d.json", c.cfg.BaseURL, id))
	if err != nil {
		return nil, err
	}
	var item *Item
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, &ingest.MalformedPayloadError{Source: c.cfg.Name, ItemID: strconv.FormatInt(id, 10), Err: err}
	}
	return item, nil
}

func (c *Connector) keep(item Item) bool {
	if item.Deleted || item.Dead || item.Type != "story" || strings.TrimSpace(item.Title) == "" {
		return false
	}
	if len(c.keywords) == 0 {
		return true
	}
	haystack := strings.ToLower(item.Title + " " + item.Text + " " + item.URL)
	for _, k := range c.keywords {
		if strings.Contains(haystack, k) {
			return true
		}
	}
	return false
}

func idsAbove(ids []int64, floor int64) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id > floor {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func decodeCursor(c ingest.Cursor) (cursorState, error) {
	var s cursorState
	if c == "" {
		return s, nil
	}
	if err := json.Unmarshal([]byte(c), &s); err != nil {
		return cursorState{}, fmt.Errorf("decode hackernews cursor: %w", err)
	}
	return s, nil
}

func encodeCursor(s cursorState) ingest.Cursor {
	data, _ := json.Marshal(s)
	return ingest.Cursor(data)
}
