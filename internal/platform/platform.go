// Package platform defines the boundary to third-party platforms: business
// listings, social networks, review sites, the company site and search data
// providers. Adapters normalize whatever the platform returns into Item and
// Engagement before any agent sees it.
package platform

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// PostID identifies a published post on a platform.
type PostID string

// Content is something to publish.
type Content struct {
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	URL         string    `json:"url,omitempty"`
	Type        string    `json:"type,omitempty"`
	Location    string    `json:"location,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	ScheduledAt time.Time `json:"scheduledAt,omitempty"`
}

// Engagement is what a platform reports for one post.
type Engagement struct {
	Views     int `json:"views"`
	Likes     int `json:"likes"`
	Shares    int `json:"shares"`
	Comments  int `json:"comments"`
	Clicks    int `json:"clicks"`
	Followers int `json:"followers,omitempty"`
}

// Total is the sum of active interactions. Views do not count.
func (e Engagement) Total() int { return e.Likes + e.Shares + e.Comments + e.Clicks }

// Rate is interactions per view, or 0 when nothing was viewed.
func (e Engagement) Rate() float64 {
	if e.Views <= 0 {
		return 0
	}
	return float64(e.Total()) / float64(e.Views)
}

type ItemKind string

const (
	ItemReview   ItemKind = "review"
	ItemPost     ItemKind = "post"
	ItemPage     ItemKind = "page"
	ItemRanking  ItemKind = "ranking"
	ItemBacklink ItemKind = "backlink"
	ItemCheck    ItemKind = "check"
	ItemTrend    ItemKind = "trend"
	ItemNews     ItemKind = "news"
	ItemClient   ItemKind = "client"
	ItemProfile  ItemKind = "profile"
)

// Item is one normalized entry from FetchRecent. Only the fields that make
// sense for Kind are set.
type Item struct {
	ID         string
	Kind       ItemKind
	Source     string
	Author     string
	Title      string
	Text       string
	URL        string
	Keyword    string
	Rating     int
	Position   int
	Volume     int
	Score      float64
	Engagement int
	Followers  int
	Responded  bool
	CreatedAt  time.Time
}

// Adapter is the contract every platform implements. All calls are safe to
// retry; callers retry on their next cycle, not inline.
type Adapter interface {
	Publish(ctx context.Context, c Content) (PostID, error)
	FetchEngagement(ctx context.Context, id PostID) (Engagement, error)
	FetchRecent(ctx context.Context, sourceID string) ([]Item, error)
	Respond(ctx context.Context, itemID, text string) error
}

// Source scopes understood by adapters.
const (
	ScopeContent   = "content"
	ScopeRankings  = "rankings"
	ScopeBacklinks = "backlinks"
	ScopeAudit     = "audit"
	ScopeReviews   = "reviews"
	ScopeClients   = "clients"
	ScopeTrends    = "trends"
	ScopeNews      = "news"
	ScopePosts     = "posts"
	ScopeProfile   = "profile"
)

// Source builds a source id such as "rankings:rival.com".
func Source(scope, id string) string {
	return scope + ":" + strings.TrimSpace(id)
}

// SplitSource is the inverse of Source.
func SplitSource(source string) (scope, id string, err error) {
	scope, id, ok := strings.Cut(source, ":")
	if !ok || scope == "" || id == "" {
		return "", "", fmt.Errorf("invalid source id %q", source)
	}
	return scope, id, nil
}

// Platforms groups the adapters agents need. Social is keyed by network name.
type Platforms struct {
	Site    Adapter
	Listing Adapter
	Reviews Adapter
	Ranking Adapter
	Social  map[string]Adapter
}

// Networks returns the configured social network names in a stable order.
func (p Platforms) Networks() []string {
	names := make([]string, 0, len(p.Social))
	for name := range p.Social {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
