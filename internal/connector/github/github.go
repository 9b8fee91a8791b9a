// Package github reads repository releases through the GitHub REST API,
// one repository per page.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gh "github.com/google/go-github/v80/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/JakeFAU/realtime-news-ingest/internal/clock/system"
	"github.com/JakeFAU/realtime-news-ingest/internal/connector"
	"github.com/JakeFAU/realtime-news-ingest/internal/connector/transport"
	"github.com/JakeFAU/realtime-news-ingest/internal/ingest"
	"github.com/JakeFAU/realtime-news-ingest/internal/metrics"
)

// DefaultPerPage is the number of releases requested per repository.
const DefaultPerPage = 10

// Config lists the repositories of one GitHub source.
type Config struct {
	Name string
	// Repos are "owner/repo" pairs.
	Repos              []string
	Token              string
	BaseURL            string
	PerPage            int
	IncludePrereleases bool
	// HTTPClient is the base transport; the token source wraps it.
	HTTPClient *http.Client
}

// Release is the RawItem payload for one release.
type Release struct {
	Owner       string    `json:"owner"`
	Repo        string    `json:"repo"`
	ID          int64     `json:"id"`
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name,omitempty"`
	Body        string    `json:"body,omitempty"`
	HTMLURL     string    `json:"html_url"`
	Author      string    `json:"author,omitempty"`
	Prerelease  bool      `json:"prerelease,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

// Connector implements ingest.Connector for GitHub releases.
type Connector struct {
	cfg    Config
	gh     *gh.Client
	calls  *transport.Client
	clock  ingest.Clock
	logger *zap.Logger
}

// New builds a Connector. calls supplies the guard and retry budget; its
// HTTP client is not used because go-github owns the transport.
func New(cfg Config, calls *transport.Client, clock ingest.Clock, logger *zap.Logger) (*Connector, error) {
	if cfg.PerPage <= 0 {
		cfg.PerPage = DefaultPerPage
	}
	for _, r := range cfg.Repos {
		if _, _, err := splitRepo(r); err != nil {
			return nil, err
		}
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: 30 * time.Second}
	}
	httpClient := base
	if cfg.Token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}))
		httpClient.Timeout = base.Timeout
	}
	client := gh.NewClient(httpClient)
	if cfg.BaseURL != "" {
		u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parse github base url: %w", err)
		}
		client.BaseURL = u
	}
	return &Connector{cfg: cfg, gh: client, calls: calls, clock: clock, logger: logger}, nil
}

// Name returns the configured instance name.
func (c *Connector) Name() string { return c.cfg.Name }

// Source returns ingest.SourceGitHub.
func (c *Connector) Source() ingest.Source { return ingest.SourceGitHub }

// Fetch lists the releases of the repository the cursor points at,
// keeping those published at or after its watermark.
func (c *Connector) Fetch(ctx context.Context, cursor ingest.Cursor) (ingest.Page, error) {
	rr, err := connector.DecodeRoundRobin(cursor)
	if err != nil {
		return ingest.Page{}, err
	}
	n := len(c.cfg.Repos)
	if n == 0 {
		return ingest.Page{Next: cursor, Done: true}, nil
	}
	idx := rr.Current(n)
	key := c.cfg.Repos[idx]
	owner, repo, _ := splitRepo(key)
	watermark := rr.Watermark(key)

	var page ingest.Page
	var newest time.Time
	releases, err := c.listReleases(ctx, owner, repo)
	var perm *ingest.PermanentFetchError
	switch {
	case errors.As(err, &perm):
		page.Failures = append(page.Failures, ingest.ItemError{ID: key, Err: err})
	case err != nil:
		return ingest.Page{}, fmt.Errorf("list releases %s: %w", key, err)
	}

	now := c.clock.Now()
	for _, r := range releases {
		if r == nil || r.GetDraft() || (r.GetPrerelease() && !c.cfg.IncludePrereleases) {
			continue
		}
		rel := toRelease(owner, repo, r)
		if rel.PublishedAt.Before(watermark) {
			continue
		}
		if rel.PublishedAt.After(newest) {
			newest = rel.PublishedAt
		}
		id := ReleaseSourceID(rel)
		raw, rawErr := connector.NewRawItem(ingest.SourceGitHub, c.cfg.Name, id, rel, now)
		if rawErr != nil {
			page.Failures = append(page.Failures, ingest.ItemError{ID: id, Err: rawErr})
			continue
		}
		page.Items = append(page.Items, raw)
	}

	next, done := rr.Advance(n, idx, key, newest)
	page.Next = next.Encode()
	page.Done = done
	c.logger.Debug("github page",
		zap.String("source", c.cfg.Name),
		zap.String("repo", key),
		zap.Int("items", len(page.Items)),
	)
	return page, nil
}

func (c *Connector) listReleases(ctx context.Context, owner, repo string) ([]*gh.RepositoryRelease, error) {
	var out []*gh.RepositoryRelease
	err := c.calls.Call(ctx, func(ctx context.Context) error {
		releases, _, err := c.gh.Repositories.ListReleases(ctx, owner, repo, &gh.ListOptions{PerPage: c.cfg.PerPage})
		endpoint := c.gh.BaseURL.String() + "repos/" + owner + "/" + repo + "/releases"
		if err != nil {
			err = classify(c.cfg.Name, endpoint, err)
			outcome := "transient"
			if !transport.Retryable(ctx, err) {
				outcome = "permanent"
			}
			metrics.ObserveSourceRequest(c.cfg.Name, endpoint, outcome)
			return err
		}
		metrics.ObserveSourceRequest(c.cfg.Name, endpoint, "success")
		out = releases
		return nil
	})
	return out, err
}

// classify maps go-github errors onto the transient/permanent split.
func classify(source, endpoint string, err error) error {
	var rateErr *gh.RateLimitError
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return err
	}
	var respErr *gh.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		status := respErr.Response.StatusCode
		if status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500 {
			return &transport.StatusError{Status: status, URL: endpoint}
		}
		return &ingest.PermanentFetchError{Source: source, Status: status, URL: endpoint}
	}
	return err
}

func toRelease(owner, repo string, r *gh.RepositoryRelease) Release {
	published := r.GetPublishedAt().Time
	if published.IsZero() {
		published = r.GetCreatedAt().Time
	}
	return Release{
		Owner:       owner,
		Repo:        repo,
		ID:          r.GetID(),
		TagName:     r.GetTagName(),
		Name:        r.GetName(),
		Body:        r.GetBody(),
		HTMLURL:     r.GetHTMLURL(),
		Author:      r.GetAuthor().GetLogin(),
		Prerelease:  r.GetPrerelease(),
		PublishedAt: published.UTC(),
	}
}

func splitRepo(s string) (string, string, error) {
	owner, repo, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", fmt.Errorf("github repo %q: want owner/repo", s)
	}
	return owner, repo, nil
}

// ReleaseSourceID is the article source ID for a release.
func ReleaseSourceID(r Release) string {
	return r.Owner + "_" + r.Repo + "_" + strconv.FormatInt(r.ID, 10)
}
