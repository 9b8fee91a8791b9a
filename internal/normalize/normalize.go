// Package normalize maps raw connector payloads onto ingest.Article. It does
// no I/O and keeps no state, so it is safe to call from any goroutine.
package normalize

import (
	"cmp"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/JakeFAU/realtime-news-ingest/internal/connector/arxiv"
	"github.com/JakeFAU/realtime-news-ingest/internal/connector/github"
	"github.com/JakeFAU/realtime-news-ingest/internal/connector/hackernews"
	"github.com/JakeFAU/realtime-news-ingest/internal/connector/rss"
	"github.com/JakeFAU/realtime-news-ingest/internal/hash/sha256"
	"github.com/JakeFAU/realtime-news-ingest/internal/ingest"
)

// Field limits for a stored article.
const (
	MaxTitleRunes   = 500
	MaxContentRunes = 10000
	// GitHubBodyRunes bounds release notes before the content limit applies.
	GitHubBodyRunes = 800
	maxArxivAuthors = 3
)

var arxivVersion = regexp.MustCompile(`v\d+$`)

// Normalize converts raw into an Article. Failures are
// *ingest.NormalizationError.
func Normalize(raw ingest.RawItem) (ingest.Article, error) {
	var (
		a   ingest.Article
		err error
	)
	switch raw.Source {
	case ingest.SourceHackerNews:
		a, err = fromHackerNews(raw)
	case ingest.SourceRSS:
		a, err = fromRSS(raw)
	case ingest.SourceArxiv:
		a, err = fromArxiv(raw)
	case ingest.SourceGitHub:
		a, err = fromGitHub(raw)
	default:
		return ingest.Article{}, fail(raw.Source, raw.ID, "source", "unsupported source")
	}
	if err != nil {
		return ingest.Article{}, err
	}

	a.Source = raw.Source
	a.Origin = raw.Origin
	a.FetchedAt = raw.FetchedAt.UTC()
	if a.PublishedAt.IsZero() {
		a.PublishedAt = a.FetchedAt
	}
	a.PublishedAt = a.PublishedAt.UTC()
	return finish(a)
}

func finish(a ingest.Article) (ingest.Article, error) {
	a.SourceID = strings.TrimSpace(a.SourceID)
	if a.SourceID == "" {
		return ingest.Article{}, fail(a.Source, a.SourceID, "source_id", "empty")
	}
	a.Title = CleanText(a.Title)
	switch n := utf8.RuneCountInString(a.Title); {
	case n == 0:
		return ingest.Article{}, fail(a.Source, a.SourceID, "title", "empty")
	case n > MaxTitleRunes:
		return ingest.Article{}, fail(a.Source, a.SourceID, "title", fmt.Sprintf("%d runes exceeds %d", n, MaxTitleRunes))
	}
	a.Content = Truncate(CleanText(a.Content), MaxContentRunes)
	a.Author = CleanText(a.Author)

	a.URL = strings.TrimSpace(a.URL)
	if err := checkURL(a.URL); err != nil {
		return ingest.Article{}, fail(a.Source, a.SourceID, "url", err.Error())
	}
	return a, nil
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q is not http(s)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

func fromHackerNews(raw ingest.RawItem) (ingest.Article, error) {
	var item hackernews.Item
	if err := json.Unmarshal(raw.Payload, &item); err != nil {
		return ingest.Article{}, fail(raw.Source, raw.ID, "payload", err.Error())
	}
	id := strconv.FormatInt(item.ID, 10)
	a := ingest.Article{
		SourceID: id,
		Title:    item.Title,
		URL:      cmp.Or(item.URL, "https://news.ycombinator.com/item?id="+id),
		Content:  cmp.Or(CleanText(item.Text), item.Title),
		Author:   item.By,
	}
	if item.Time > 0 {
		a.PublishedAt = time.Unix(item.Time, 0)
	}
	return a, nil
}

func fromRSS(raw ingest.RawItem) (ingest.Article, error) {
	var e rss.Entry
	if err := json.Unmarshal(raw.Payload, &e); err != nil {
		return ingest.Article{}, fail(raw.Source, raw.ID, "payload", err.Error())
	}
	id := strings.TrimSpace(e.GUID)
	if id == "" && e.Link != "" {
		id = sha256.Sum(e.Link)
	}
	a := ingest.Article{
		SourceID: id,
		Title:    e.Title,
		URL:      e.Link,
		Content:  cmp.Or(CleanText(e.Content), CleanText(e.Description), e.Title),
		Author:   cmp.Or(strings.TrimSpace(e.Author), e.FeedName),
	}
	if e.Published != nil {
		a.PublishedAt = *e.Published
	}
	return a, nil
}

func fromArxiv(raw ingest.RawItem) (ingest.Article, error) {
	var e arxiv.Entry
	if err := json.Unmarshal(raw.Payload, &e); err != nil {
		return ingest.Article{}, fail(raw.Source, raw.ID, "payload", err.Error())
	}
	a := ingest.Article{
		SourceID: ArxivID(e.ID),
		Title:    e.Title,
		URL:      cmp.Or(e.PDFURL, e.AbsURL, e.ID),
		Content:  cmp.Or(e.Summary, e.Title),
		Author:   arxivAuthors(e.Authors),
	}
	if e.Published != nil {
		a.PublishedAt = *e.Published
	}
	return a, nil
}

// ArxivID strips the URL prefix and version suffix from an entry ID:
// "http://arxiv.org/abs/2301.00001v2" becomes "2301.00001".
func ArxivID(entryID string) string {
	id := strings.TrimSpace(entryID)
	if i := strings.Index(id, "/abs/"); i >= 0 {
		id = id[i+len("/abs/"):]
	} else if i := strings.LastIndex(id, "/"); i >= 0 && strings.Contains(id, "://") {
		id = id[i+1:]
	}
	return arxivVersion.ReplaceAllString(id, "")
}

func arxivAuthors(names []string) string {
	if len(names) <= maxArxivAuthors {
		return strings.Join(names, ", ")
	}
	return fmt.Sprintf("%s et al. (%d authors)", strings.Join(names[:maxArxivAuthors], ", "), len(names))
}

func fromGitHub(raw ingest.RawItem) (ingest.Article, error) {
	var r github.Release
	if err := json.Unmarshal(raw.Payload, &r); err != nil {
		return ingest.Article{}, fail(raw.Source, raw.ID, "payload", err.Error())
	}
	title := r.Repo + " " + r.TagName
	if name := strings.TrimSpace(r.Name); name != "" && name != r.TagName {
		title += " - " + name
	}
	content := TruncateEllipsis(CleanText(r.Body), GitHubBodyRunes)
	if content == "" {
		content = fmt.Sprintf("New release %s of %s.", r.TagName, r.Repo)
	}
	return ingest.Article{
		SourceID:    github.ReleaseSourceID(r),
		Title:       title,
		URL:         cmp.Or(r.HTMLURL, fmt.Sprintf("https://github.com/%s/%s/releases/tag/%s", r.Owner, r.Repo, r.TagName)),
		Content:     content,
		Author:      r.Author,
		PublishedAt: r.PublishedAt,
	}, nil
}

func fail(source ingest.Source, id, field, reason string) error {
	return &ingest.NormalizationError{Source: source, SourceID: id, Field: field, Reason: reason}
}
