package agent

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/stellarlinkco/rankpilot/internal/intel"
	"github.com/stellarlinkco/rankpilot/internal/platform"
)

// Record TTLs by payload kind.
var recordTTL = map[intel.RecordKind]time.Duration{
	intel.KindContentInventory: 7 * 24 * time.Hour,
	intel.KindRankingSnapshot:  24 * time.Hour,
	intel.KindSocialActivity:   6 * time.Hour,
	intel.KindReviewSnapshot:   24 * time.Hour,
	intel.KindTechnicalAudit:   14 * 24 * time.Hour,
	intel.KindBacklinkProfile:  14 * 24 * time.Hour,
}

func (b *Base) record(source string, payload intel.Payload, now time.Time) intel.Record {
	return intel.NewRecord(b.id, source, payload, now, recordTTL[payload.Kind()])
}

func inventoryFrom(domain string, items []platform.Item) intel.ContentInventory {
	inv := intel.ContentInventory{Domain: domain}
	for _, it := range items {
		if it.Kind != platform.ItemPage && it.Kind != platform.ItemPost {
			continue
		}
		topic := it.Keyword
		if topic == "" {
			topic = it.Title
		}
		inv.Pages = append(inv.Pages, intel.Page{
			URL:        firstNonEmpty(it.URL, it.ID),
			Title:      it.Title,
			Topic:      topic,
			WordCount:  len(strings.Fields(it.Text)),
			Engagement: it.Engagement,
			Published:  it.CreatedAt,
		})
	}
	return inv
}

func rankingFrom(domain string, items []platform.Item) intel.RankingSnapshot {
	snap := intel.RankingSnapshot{Domain: domain}
	for _, it := range items {
		if it.Kind != platform.ItemRanking || it.Keyword == "" {
			continue
		}
		snap.Positions = append(snap.Positions, intel.KeywordPosition{
			Keyword:  it.Keyword,
			Position: it.Position,
			Volume:   it.Volume,
			URL:      it.URL,
		})
	}
	return snap
}

// backlinksFrom reads backlink items: Author is the linking domain, URL the
// target and Score the domain authority.
func backlinksFrom(domain string, items []platform.Item) intel.BacklinkProfile {
	prof := intel.BacklinkProfile{Domain: domain}
	referring := make(map[string]bool)
	for _, it := range items {
		if it.Kind != platform.ItemBacklink || it.Author == "" {
			continue
		}
		referring[strings.ToLower(it.Author)] = true
		prof.Links = append(prof.Links, intel.Backlink{
			SourceDomain: it.Author,
			TargetURL:    it.URL,
			Authority:    int(it.Score),
		})
	}
	prof.ReferringDomains = len(referring)
	return prof
}

// auditFrom reads check items keyed by Keyword: page_speed carries a 0-100
// score, mobile_friendly, https and schema_markup pass when Score > 0, and
// issue items list problems in Title.
func auditFrom(domain string, items []platform.Item) intel.TechnicalAudit {
	audit := intel.TechnicalAudit{Domain: domain}
	for _, it := range items {
		if it.Kind != platform.ItemCheck {
			continue
		}
		switch strings.ToLower(it.Keyword) {
		case "page_speed":
			audit.PageSpeed = min(max(int(it.Score), 0), 100)
		case "mobile_friendly":
			audit.MobileFriendly = it.Score > 0
		case "https":
			audit.HTTPS = it.Score > 0
		case "schema_markup":
			audit.SchemaMarkup = it.Score > 0
		case "issue":
			audit.Issues = append(audit.Issues, firstNonEmpty(it.Title, it.Text))
		}
	}
	return audit
}

func reviewsFrom(platformName, location string, items []platform.Item) intel.ReviewSnapshot {
	snap := intel.ReviewSnapshot{Platform: platformName, Location: location}
	sum := 0
	for _, it := range items {
		if it.Kind != platform.ItemReview || it.Rating == 0 {
			continue
		}
		snap.Reviews = append(snap.Reviews, intel.Review{
			ID:        it.ID,
			Author:    it.Author,
			Rating:    it.Rating,
			Text:      it.Text,
			CreatedAt: it.CreatedAt,
			Responded: it.Responded,
		})
		sum += it.Rating
	}
	snap.Total = len(snap.Reviews)
	if snap.Total > 0 {
		snap.Average = float64(sum) / float64(snap.Total)
	}
	return snap
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// newestFirst merges record sets and orders them by collection time,
// newest first, dropping repeated ids.
func newestFirst(sets ...[]intel.Record) []intel.Record {
	seen := make(map[string]bool)
	var out []intel.Record
	for _, set := range sets {
		for _, r := range set {
			if r.ID != "" && seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, k int) bool { return out[i].CollectedAt.After(out[k].CollectedAt) })
	return out
}

// latest keeps the newest payload per domain. Records are newest first.
func latest[T intel.Payload](records []intel.Record, domainOf func(T) string) map[string]T {
	out := make(map[string]T)
	for _, p := range intel.OfKind[T](records) {
		d := strings.ToLower(domainOf(p))
		if _, ok := out[d]; !ok {
			out[d] = p
		}
	}
	return out
}

func tierByThreshold(v, high, medium int) intel.Tier {
	switch {
	case v >= high:
		return intel.TierHigh
	case v >= medium:
		return intel.TierMedium
	}
	return intel.TierLow
}

// finder derives opportunities from live intelligence. Every method ignores
// records whose TTL has elapsed at Now.
type finder struct {
	origin string
	domain string
	now    time.Time
}

func (f finder) own(domain string) bool { return strings.EqualFold(domain, f.domain) }

func (f finder) opportunity(tier intel.Tier, impact int, subject, description string, detail intel.Detail, assignees ...string) intel.Opportunity {
	o := intel.NewOpportunity(f.origin, tier, impact, subject, description, detail, f.now)
	o.Assignees = assignees
	return o
}

// contentGaps finds competitor topics with traction that our own inventory
// does not cover.
func (f finder) contentGaps(records []intel.Record) []intel.Opportunity {
	live := intel.Live(records, f.now)
	inventories := latest(live, func(c intel.ContentInventory) string { return c.Domain })

	covered := make(map[string]bool)
	if own, ok := inventories[strings.ToLower(f.domain)]; ok {
		for _, p := range own.Pages {
			covered[strings.ToLower(p.Topic)] = true
		}
	}

	var out []intel.Opportunity
	seen := make(map[string]bool)
	for domain, inv := range inventories {
		if f.own(domain) {
			continue
		}
		for _, p := range inv.Pages {
			topic := strings.ToLower(strings.TrimSpace(p.Topic))
			if topic == "" || covered[topic] || seen[topic] || p.Engagement < 100 {
				continue
			}
			seen[topic] = true
			out = append(out, f.opportunity(
				tierByThreshold(p.Engagement, 1000, 300),
				3+p.Engagement/250,
				"gap:"+topic,
				fmt.Sprintf("%s is winning on %q (%d engagements) and we have nothing on it", inv.Domain, p.Topic, p.Engagement),
				intel.ContentGapDetail{Topic: p.Topic, Competitor: inv.Domain, CompetitorURL: p.URL, Engagement: p.Engagement},
				IDContent,
			))
		}
	}
	return out
}

// keywordGaps finds keywords where a competitor ranks in the top 10 and we
// rank worse or not at all.
func (f finder) keywordGaps(records []intel.Record) []intel.Opportunity {
	live := intel.Live(records, f.now)
	rankings := latest(live, func(r intel.RankingSnapshot) string { return r.Domain })
	own := rankings[strings.ToLower(f.domain)]

	best := make(map[string]intel.Opportunity)
	for domain, snap := range rankings {
		if f.own(domain) {
			continue
		}
		for _, p := range snap.Positions {
			if p.Position < 1 || p.Position > 10 {
				continue
			}
			ours := own.Position(p.Keyword)
			if ours > 0 && ours <= p.Position {
				continue
			}
			key := strings.ToLower(p.Keyword)
			if have, ok := best[key]; ok {
				if d, _ := have.Detail.(intel.KeywordDetail); d.CompetitorPosition <= p.Position {
					continue
				}
			}
			best[key] = f.opportunity(
				tierByThreshold(p.Volume, 1000, 200),
				11-p.Position,
				"keyword:"+key,
				fmt.Sprintf("%s ranks #%d for %q; we rank %s", snap.Domain, p.Position, p.Keyword, positionText(ours)),
				intel.KeywordDetail{Keyword: p.Keyword, Competitor: snap.Domain, CompetitorPosition: p.Position, OurPosition: ours, Volume: p.Volume},
				IDContent, IDListing,
			)
		}
	}
	out := make([]intel.Opportunity, 0, len(best))
	for _, o := range best {
		out = append(out, o)
	}
	return out
}

func positionText(pos int) string {
	if pos <= 0 {
		return "nowhere"
	}
	return fmt.Sprintf("#%d", pos)
}

// backlinkGaps finds authoritative domains linking to competitors but not
// to us.
func (f finder) backlinkGaps(records []intel.Record) []intel.Opportunity {
	live := intel.Live(records, f.now)
	profiles := latest(live, func(b intel.BacklinkProfile) string { return b.Domain })

	ours := make(map[string]bool)
	if own, ok := profiles[strings.ToLower(f.domain)]; ok {
		for _, l := range own.Links {
			ours[strings.ToLower(l.SourceDomain)] = true
		}
	}

	seen := make(map[string]bool)
	var out []intel.Opportunity
	for domain, prof := range profiles {
		if f.own(domain) {
			continue
		}
		for _, l := range prof.Links {
			src := strings.ToLower(l.SourceDomain)
			if l.Authority < 40 || ours[src] || seen[src] {
				continue
			}
			seen[src] = true
			out = append(out, f.opportunity(
				tierByThreshold(l.Authority, 70, 50),
				l.Authority/10,
				"backlink:"+src,
				fmt.Sprintf("%s (authority %d) links to %s but not to us", l.SourceDomain, l.Authority, prof.Domain),
				intel.BacklinkDetail{SourceDomain: l.SourceDomain, Competitor: prof.Domain, Authority: l.Authority},
				IDContent,
			))
		}
	}
	return out
}

// technicalEdges turns competitor audit weaknesses into opportunities.
func (f finder) technicalEdges(records []intel.Record) []intel.Opportunity {
	live := intel.Live(records, f.now)
	audits := latest(live, func(t intel.TechnicalAudit) string { return t.Domain })

	var out []intel.Opportunity
	for domain, a := range audits {
		if f.own(domain) {
			continue
		}
		for _, w := range weaknesses(a) {
			out = append(out, f.opportunity(
				w.tier, w.impact,
				"technical:"+domain+":"+w.name,
				fmt.Sprintf("%s: %s", a.Domain, w.text),
				intel.TechnicalDetail{Competitor: a.Domain, Weakness: w.text},
				IDContent,
			))
		}
	}
	return out
}

type weakness struct {
	name   string
	text   string
	tier   intel.Tier
	impact int
}

func weaknesses(a intel.TechnicalAudit) []weakness {
	var out []weakness
	if a.PageSpeed > 0 && a.PageSpeed < 50 {
		out = append(out, weakness{"speed", fmt.Sprintf("slow pages (speed score %d)", a.PageSpeed), intel.TierMedium, 6})
	}
	if !a.MobileFriendly {
		out = append(out, weakness{"mobile", "not mobile friendly", intel.TierHigh, 7})
	}
	if !a.HTTPS {
		out = append(out, weakness{"https", "no https", intel.TierHigh, 5})
	}
	if !a.SchemaMarkup {
		out = append(out, weakness{"schema", "no schema markup", intel.TierLow, 4})
	}
	return out
}

// breaking turns fresh news items into breaking-event opportunities.
func (f finder) breaking(items []platform.Item, window time.Duration) []intel.Opportunity {
	var out []intel.Opportunity
	for _, it := range items {
		if it.Kind != platform.ItemNews || it.Title == "" {
			continue
		}
		if !it.CreatedAt.IsZero() && f.now.Sub(it.CreatedAt) > window {
			continue
		}
		out = append(out, f.opportunity(
			intel.TierHigh, 8,
			"breaking:"+firstNonEmpty(it.URL, it.Title),
			"Breaking: "+it.Title,
			intel.BreakingDetail{Headline: it.Title, URL: it.URL, Topic: firstNonEmpty(it.Keyword, it.Title)},
			IDContent, IDSocial,
		))
	}
	return out
}

// trending turns strong trend items into content gaps with no competitor.
func (f finder) trending(items []platform.Item) []intel.Opportunity {
	var out []intel.Opportunity
	for _, it := range items {
		if it.Kind != platform.ItemTrend || it.Score < 70 {
			continue
		}
		topic := firstNonEmpty(it.Keyword, it.Title)
		if topic == "" {
			continue
		}
		out = append(out, f.opportunity(
			intel.TierMedium, int(it.Score/10),
			"gap:"+strings.ToLower(topic),
			fmt.Sprintf("%q is trending (score %.0f)", topic, it.Score),
			intel.ContentGapDetail{Topic: topic, Engagement: it.Engagement},
			IDContent,
		))
	}
	return out
}
