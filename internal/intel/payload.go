package intel

import (
	"strings"
	"time"

	"github.com/stellarlinkco/rankpilot/internal/fault"
)

// Page is one published page in a content inventory.
type Page struct {
	URL        string    `json:"url"`
	Title      string    `json:"title"`
	Topic      string    `json:"topic,omitempty"`
	WordCount  int       `json:"wordCount,omitempty"`
	Engagement int       `json:"engagement,omitempty"`
	Published  time.Time `json:"published,omitempty"`
}

// ContentInventory lists the pages a domain has published.
type ContentInventory struct {
	Domain string `json:"domain"`
	Pages  []Page `json:"pages"`
}

func (ContentInventory) Kind() RecordKind { return KindContentInventory }

func (c ContentInventory) Validate() error {
	if strings.TrimSpace(c.Domain) == "" {
		return fault.Validation("content-inventory", "missing domain")
	}
	for i, p := range c.Pages {
		if strings.TrimSpace(p.URL) == "" {
			return fault.Validation("content-inventory", "page %d: missing url", i)
		}
		if p.WordCount < 0 || p.Engagement < 0 {
			return fault.Validation("content-inventory", "page %s: negative counters", p.URL)
		}
	}
	return nil
}

// KeywordPosition is a domain's rank for one keyword. Position 0 means the
// domain does not rank in the tracked range.
type KeywordPosition struct {
	Keyword  string `json:"keyword"`
	Position int    `json:"position"`
	Volume   int    `json:"volume,omitempty"`
	URL      string `json:"url,omitempty"`
}

// RankingSnapshot captures search positions for a domain at collection time.
type RankingSnapshot struct {
	Domain    string            `json:"domain"`
	Positions []KeywordPosition `json:"positions"`
}

func (RankingSnapshot) Kind() RecordKind { return KindRankingSnapshot }

func (r RankingSnapshot) Validate() error {
	if strings.TrimSpace(r.Domain) == "" {
		return fault.Validation("ranking-snapshot", "missing domain")
	}
	for _, p := range r.Positions {
		if strings.TrimSpace(p.Keyword) == "" {
			return fault.Validation("ranking-snapshot", "missing keyword")
		}
		if p.Position < 0 {
			return fault.Validation("ranking-snapshot", "keyword %q: negative position %d", p.Keyword, p.Position)
		}
	}
	return nil
}

// Position returns the rank for keyword, or 0 if it is not tracked.
func (r RankingSnapshot) Position(keyword string) int {
	for _, p := range r.Positions {
		if strings.EqualFold(p.Keyword, keyword) {
			return p.Position
		}
	}
	return 0
}

// SocialPost is one post observed on a social network.
type SocialPost struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	URL        string    `json:"url,omitempty"`
	Engagement int       `json:"engagement"`
	PostedAt   time.Time `json:"postedAt,omitempty"`
}

// SocialActivity is an account's audience and recent posts on one network.
type SocialActivity struct {
	Platform       string       `json:"platform"`
	Handle         string       `json:"handle"`
	Followers      int          `json:"followers"`
	EngagementRate float64      `json:"engagementRate"`
	Posts          []SocialPost `json:"posts,omitempty"`
}

func (SocialActivity) Kind() RecordKind { return KindSocialActivity }

func (s SocialActivity) Validate() error {
	if strings.TrimSpace(s.Platform) == "" {
		return fault.Validation("social-activity", "missing platform")
	}
	if s.Followers < 0 || s.EngagementRate < 0 {
		return fault.Validation("social-activity", "%s: negative audience figures", s.Platform)
	}
	return nil
}

// Review is a single customer review.
type Review struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Rating    int       `json:"rating"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	Responded bool      `json:"responded,omitempty"`
}

// ReviewSnapshot summarizes reviews for one location on one platform.
type ReviewSnapshot struct {
	Platform string   `json:"platform"`
	Location string   `json:"location"`
	Average  float64  `json:"average"`
	Total    int      `json:"total"`
	Reviews  []Review `json:"reviews,omitempty"`
}

func (ReviewSnapshot) Kind() RecordKind { return KindReviewSnapshot }

func (r ReviewSnapshot) Validate() error {
	if strings.TrimSpace(r.Location) == "" {
		return fault.Validation("review-snapshot", "missing location")
	}
	if r.Average < 0 || r.Average > 5 {
		return fault.Validation("review-snapshot", "%s: average %.2f out of range", r.Location, r.Average)
	}
	if r.Total < 0 {
		return fault.Validation("review-snapshot", "%s: negative total", r.Location)
	}
	for _, rv := range r.Reviews {
		if rv.Rating < 1 || rv.Rating > 5 {
			return fault.Validation("review-snapshot", "review %s: rating %d out of range", rv.ID, rv.Rating)
		}
	}
	return nil
}

// TechnicalAudit is a site health check for one domain.
type TechnicalAudit struct {
	Domain         string   `json:"domain"`
	PageSpeed      int      `json:"pageSpeed"`
	MobileFriendly bool     `json:"mobileFriendly"`
	HTTPS          bool     `json:"https"`
	SchemaMarkup   bool     `json:"schemaMarkup"`
	Issues         []string `json:"issues,omitempty"`
}

func (TechnicalAudit) Kind() RecordKind { return KindTechnicalAudit }

func (t TechnicalAudit) Validate() error {
	if strings.TrimSpace(t.Domain) == "" {
		return fault.Validation("technical-audit", "missing domain")
	}
	if t.PageSpeed < 0 || t.PageSpeed > 100 {
		return fault.Validation("technical-audit", "%s: page speed %d out of range", t.Domain, t.PageSpeed)
	}
	return nil
}

// Backlink is one inbound link.
type Backlink struct {
	SourceDomain string `json:"sourceDomain"`
	TargetURL    string `json:"targetUrl,omitempty"`
	Authority    int    `json:"authority,omitempty"`
}

// BacklinkProfile is the inbound link set of one domain.
type BacklinkProfile struct {
	Domain           string     `json:"domain"`
	ReferringDomains int        `json:"referringDomains"`
	Links            []Backlink `json:"links,omitempty"`
}

func (BacklinkProfile) Kind() RecordKind { return KindBacklinkProfile }

func (b BacklinkProfile) Validate() error {
	if strings.TrimSpace(b.Domain) == "" {
		return fault.Validation("backlink-profile", "missing domain")
	}
	for _, l := range b.Links {
		if strings.TrimSpace(l.SourceDomain) == "" {
			return fault.Validation("backlink-profile", "%s: link without source domain", b.Domain)
		}
	}
	return nil
}

// Live drops records whose TTL has elapsed as of now.
func Live(records []Record, now time.Time) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if !r.Expired(now) {
			out = append(out, r)
		}
	}
	return out
}

// OfKind returns the payloads of the given kind, preserving order.
func OfKind[T Payload](records []Record) []T {
	var out []T
	for _, r := range records {
		if p, ok := r.Payload.(T); ok {
			out = append(out, p)
		}
	}
	return out
}
