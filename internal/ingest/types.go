package ingest

import (
	"cmp"
	"fmt"
	"slices"
	"time"
)

// Source identifies the origin family of an article.
type Source string

// Supported source families.
const (
	SourceHackerNews Source = "hackernews"
	SourceRSS        Source = "rss"
	SourceArxiv      Source = "arxiv"
	SourceGitHub     Source = "github"
)

// ParseSource validates a configured source kind.
func ParseSource(kind string) (Source, error) {
	switch s := Source(kind); s {
	case SourceHackerNews, SourceRSS, SourceArxiv, SourceGitHub:
		return s, nil
	default:
		return "", fmt.Errorf("unknown source kind %q", kind)
	}
}

// Key is the idempotency key of an article.
type Key struct {
	Source   Source
	SourceID string
}

// String renders the key as "source/source_id".
func (k Key) String() string {
	return string(k.Source) + "/" + k.SourceID
}

// Article is the canonical unit of content.
type Article struct {
	ID          string    `json:"id"`
	Source      Source    `json:"source"`
	Origin      string    `json:"origin"`
	SourceID    string    `json:"source_id"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	Author      string    `json:"author,omitempty"`
	PublishedAt time.Time `json:"published_at"`
	FetchedAt   time.Time `json:"fetched_at"`
	Embedding   []float32 `json:"embedding,omitempty"`
	IsDuplicate bool      `json:"is_duplicate"`
	DuplicateOf string    `json:"duplicate_of,omitempty"`
	Similarity  float64   `json:"similarity,omitempty"`
	// NeedsEmbedding marks the degraded state: stored unique without a vector.
	NeedsEmbedding bool `json:"needs_embedding"`
}

// Key returns the (source, source_id) identity of the article.
func (a Article) Key() Key {
	return Key{Source: a.Source, SourceID: a.SourceID}
}

// Embedded reports whether the article carries a vector.
func (a Article) Embedded() bool {
	return len(a.Embedding) > 0
}

// Decided reports whether a dedup decision has been made and must not change.
func (a Article) Decided() bool {
	return a.IsDuplicate || (a.Embedded() && !a.NeedsEmbedding)
}

// Canonical returns the ID duplicates of this article should point at.
func (a Article) Canonical() string {
	if a.IsDuplicate && a.DuplicateOf != "" {
		return a.DuplicateOf
	}
	return a.ID
}

// Merge applies an upsert of in onto the stored row. Descriptive fields
// are refreshed; dedup fields change only while the stored row is
// undecided, and a set DuplicateOf is never rewritten.
func Merge(stored, in Article) Article {
	row := stored
	row.Embedding = slices.Clone(stored.Embedding)
	row.Origin = cmp.Or(in.Origin, row.Origin)
	row.URL = cmp.Or(in.URL, row.URL)
	row.Title = cmp.Or(in.Title, row.Title)
	row.Content = cmp.Or(in.Content, row.Content)
	row.Author = cmp.Or(in.Author, row.Author)
	if !in.PublishedAt.IsZero() {
		row.PublishedAt = in.PublishedAt
	}
	if !in.FetchedAt.IsZero() {
		row.FetchedAt = in.FetchedAt
	}
	if stored.Decided() {
		return row
	}
	row.Embedding = slices.Clone(in.Embedding)
	row.NeedsEmbedding = in.NeedsEmbedding
	row.IsDuplicate = in.IsDuplicate
	row.Similarity = in.Similarity
	row.DuplicateOf = cmp.Or(stored.DuplicateOf, in.DuplicateOf)
	return row
}

// RawItem is a source-specific record as received from the network. Payload
// holds the JSON encoding of the native record so normalization stays pure.
type RawItem struct {
	Source    Source    `json:"source"`
	Origin    string    `json:"origin"`
	ID        string    `json:"id"`
	Payload   []byte    `json:"payload"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Cursor is an opaque, connector-owned watermark. The empty cursor means
// "start from the beginning of the connector's window".
type Cursor string

// ItemError describes a single item that could not be turned into a RawItem.
type ItemError struct {
	ID  string
	Err error
}

// Page is one unit of fetch work returned by a Connector.
type Page struct {
	Items    []RawItem
	Failures []ItemError
	Next     Cursor
	// Done is true when the connector has no further pages for this window.
	Done bool
}

// DecisionKind classifies a dedup outcome.
type DecisionKind string

// Dedup outcomes.
const (
	DecisionUnique    DecisionKind = "unique"
	DecisionDuplicate DecisionKind = "duplicate"
)

// MatchReason records what a decision was based on. ReasonExisting also
// marks a unique row that had already been decided.
type MatchReason string

// Match reasons.
const (
	ReasonURL      MatchReason = "url"
	ReasonSemantic MatchReason = "semantic"
	ReasonExisting MatchReason = "existing"
)

// DedupDecision is the outcome of resolving a candidate article.
type DedupDecision struct {
	Kind       DecisionKind `json:"kind"`
	Of         string       `json:"of,omitempty"`
	Similarity float64      `json:"similarity,omitempty"`
	Reason     MatchReason  `json:"reason,omitempty"`
}

// Unique builds a unique decision.
func Unique() DedupDecision {
	return DedupDecision{Kind: DecisionUnique}
}

// DuplicateOf builds a duplicate decision.
func DuplicateOf(id string, similarity float64, reason MatchReason) DedupDecision {
	return DedupDecision{Kind: DecisionDuplicate, Of: id, Similarity: similarity, Reason: reason}
}

// IsDuplicate reports whether the decision marks a duplicate.
func (d DedupDecision) IsDuplicate() bool {
	return d.Kind == DecisionDuplicate
}

// Apply writes the decision into the article's dedup fields.
func (d DedupDecision) Apply(a *Article) {
	if d.IsDuplicate() {
		a.IsDuplicate = true
		a.DuplicateOf = d.Of
		a.Similarity = d.Similarity
		return
	}
	a.IsDuplicate = false
	a.DuplicateOf = ""
	a.Similarity = 0
}

// Match is a nearest-neighbour hit returned by the store.
type Match struct {
	Article    Article
	Similarity float64
}

// NearestQuery bounds a similarity search. Zero times mean unbounded.
type NearestQuery struct {
	Vector        []float32
	K             int
	Exclude       Key
	PublishedFrom time.Time
	PublishedTo   time.Time
}

// CircuitState is the breaker state of a guarded source.
type CircuitState string

// Circuit states.
const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// SourceState is the operational snapshot of one guarded source.
type SourceState struct {
	Name                string       `json:"name"`
	Circuit             CircuitState `json:"circuit"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	OpenedAt            time.Time    `json:"opened_at,omitzero"`
	RetryAt             time.Time    `json:"retry_at,omitzero"`
	Tokens              float64      `json:"tokens"`
}
