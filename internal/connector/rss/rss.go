// Package rss reads RSS and Atom feeds with gofeed, one feed per page.
package rss

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-news-ingest/internal/clock/system"
	"github.com/JakeFAU/realtime-news-ingest/internal/connector"
	"github.com/JakeFAU/realtime-news-ingest/internal/connector/transport"
	"github.com/JakeFAU/realtime-news-ingest/internal/ingest"
)

// Feed is one configured feed.
type Feed struct {
	Name string
	URL  string
}

// Config lists the feeds of one RSS source.
type Config struct {
	Name  string
	Feeds []Feed
}

// Entry is the RawItem payload for a feed item.
type Entry struct {
	FeedURL     string     `json:"feed_url"`
	FeedName    string     `json:"feed_name,omitempty"`
	GUID        string     `json:"guid,omitempty"`
	Link        string     `json:"link,omitempty"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Content     string     `json:"content,omitempty"`
	Author      string     `json:"author,omitempty"`
	Published   *time.Time `json:"published,omitempty"`
}

// Connector implements ingest.Connector over a list of feeds.
type Connector struct {
	cfg    Config
	client *transport.Client
	parser *gofeed.Parser
	clock  ingest.Clock
	logger *zap.Logger
}

// New builds a Connector.
func New(cfg Config, client *transport.Client, clock ingest.Clock, logger *zap.Logger) *Connector {
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{cfg: cfg, client: client, parser: gofeed.NewParser(), clock: clock, logger: logger}
}

// Name returns the configured instance name.
func (c *Connector) Name() string { return c.cfg.Name }

// Source returns ingest.SourceRSS.
func (c *Connector) Source() ingest.Source { return ingest.SourceRSS }

// Fetch reads the feed the cursor points at and returns entries published
// at or after that feed's watermark. Entries without a date are always
// returned; the store's upsert makes them idempotent.
func (c *Connector) Fetch(ctx context.Context, cursor ingest.Cursor) (ingest.Page, error) {
	rr, err := connector.DecodeRoundRobin(cursor)
	if err != nil {
		return ingest.Page{}, err
	}
	n := len(c.cfg.Feeds)
	if n == 0 {
		return ingest.Page{Next: cursor, Done: true}, nil
	}

	idx := rr.Current(n)
	feed := c.cfg.Feeds[idx]
	watermark := rr.Watermark(feed.URL)

	var page ingest.Page
	var newest time.Time
	body, err := c.client.Get(ctx, feed.URL)
	var perm *ingest.PermanentFetchError
	switch {
	case errors.As(err, &perm):
		// A dead feed must not stall the rest of the list.
		page.Failures = append(page.Failures, ingest.ItemError{ID: feed.URL, Err: err})
	case err != nil:
		return ingest.Page{}, fmt.Errorf("fetch feed %s: %w", feed.URL, err)
	default:
		parsed, parseErr := c.parser.Parse(bytes.NewReader(body))
		if parseErr != nil {
			page.Failures = append(page.Failures, ingest.ItemError{
				ID:  feed.URL,
				Err: &ingest.MalformedPayloadError{Source: c.cfg.Name, ItemID: feed.URL, Err: parseErr},
			})
			break
		}
		now := c.clock.Now()
		for _, item := range parsed.Items {
			if item == nil {
				continue
			}
			entry := toEntry(feed, parsed, item)
			if entry.Published != nil {
				if entry.Published.Before(watermark) {
					continue
				}
				if entry.Published.After(newest) {
					newest = *entry.Published
				}
			}
			id := cmp.Or(entry.GUID, entry.Link)
			raw, rawErr := connector.NewRawItem(ingest.SourceRSS, c.cfg.Name, id, entry, now)
			if rawErr != nil {
				page.Failures = append(page.Failures, ingest.ItemError{ID: id, Err: rawErr})
				continue
			}
			page.Items = append(page.Items, raw)
		}
	}

	next, done := rr.Advance(n, idx, feed.URL, newest)
	page.Next = next.Encode()
	page.Done = done

	c.logger.Debug("rss page",
		zap.String("source", c.cfg.Name),
		zap.String("feed", feed.URL),
		zap.Int("items", len(page.Items)),
		zap.Time("watermark", watermark),
	)
	return page, nil
}

func toEntry(feed Feed, parsed *gofeed.Feed, item *gofeed.Item) Entry {
	e := Entry{
		FeedURL:     feed.URL,
		FeedName:    cmp.Or(feed.Name, parsed.Title),
		GUID:        item.GUID,
		Link:        item.Link,
		Title:       item.Title,
		Description: item.Description,
		Content:     item.Content,
	}
	switch {
	case len(item.Authors) > 0 && item.Authors[0] != nil:
		e.Author = cmp.Or(item.Authors[0].Name, item.Authors[0].Email)
	case item.Author != nil:
		e.Author = cmp.Or(item.Author.Name, item.Author.Email)
	}
	switch {
	case item.PublishedParsed != nil:
		t := item.PublishedParsed.UTC()
		e.Published = &t
	case item.UpdatedParsed != nil:
		t := item.UpdatedParsed.UTC()
		e.Published = &t
	}
	return e
}
