package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/rankpilot/internal/intel"
	"github.com/stellarlinkco/rankpilot/internal/platform"
)

func testFinder() finder {
	return finder{origin: IDCompetitor, domain: "us.com", now: epoch}
}

func inventory(domain string, age time.Duration, pages ...intel.Page) intel.Record {
	return intel.NewRecord(IDCompetitor, platform.Source(platform.ScopeContent, domain), intel.ContentInventory{Domain: domain, Pages: pages}, epoch.Add(-age), recordTTL[intel.KindContentInventory])
}

func ranking(domain string, positions ...intel.KeywordPosition) intel.Record {
	return intel.NewRecord(IDCompetitor, platform.Source(platform.ScopeRankings, domain), intel.RankingSnapshot{Domain: domain, Positions: positions}, epoch.Add(-time.Hour), recordTTL[intel.KindRankingSnapshot])
}

func TestContentGaps(t *testing.T) {
	records := []intel.Record{
		inventory("us.com", time.Hour, intel.Page{URL: "https://us.com/car", Topic: "Car Accidents", Engagement: 40}),
		inventory("rival.com", time.Hour,
			intel.Page{URL: "https://rival.com/car", Topic: "car accidents", Engagement: 5000},
			intel.Page{URL: "https://rival.com/dog", Topic: "Dog Bites", Engagement: 1200},
			intel.Page{URL: "https://rival.com/slip", Topic: "Slip and Fall", Engagement: 40},
		),
	}

	opps := testFinder().contentGaps(records)
	require.Len(t, opps, 1)
	o := opps[0]
	assert.Equal(t, intel.KindContentGap, o.Kind)
	assert.Equal(t, intel.TierHigh, o.Tier)
	assert.Equal(t, 7, o.Impact)
	assert.Equal(t, []string{IDContent}, o.Assignees)
	assert.Equal(t, intel.SubjectID(intel.KindContentGap, "gap:dog bites"), o.ID)
	assert.Equal(t, intel.ContentGapDetail{Topic: "Dog Bites", Competitor: "rival.com", CompetitorURL: "https://rival.com/dog", Engagement: 1200}, o.Detail)
}

func TestContentGaps_IgnoresExpiredRecords(t *testing.T) {
	records := []intel.Record{
		inventory("rival.com", 8*24*time.Hour, intel.Page{URL: "https://rival.com/dog", Topic: "Dog Bites", Engagement: 1200}),
	}
	assert.Empty(t, testFinder().contentGaps(records))
}

func TestContentGaps_NewestInventoryWins(t *testing.T) {
	records := newestFirst(
		[]intel.Record{inventory("rival.com", 3*time.Hour, intel.Page{URL: "https://rival.com/old", Topic: "Old Topic", Engagement: 900})},
		[]intel.Record{inventory("rival.com", time.Hour, intel.Page{URL: "https://rival.com/new", Topic: "New Topic", Engagement: 900})},
	)
	opps := testFinder().contentGaps(records)
	require.Len(t, opps, 1)
	assert.Equal(t, "New Topic", topicOf(opps[0]))
}

func TestKeywordGaps(t *testing.T) {
	records := []intel.Record{
		ranking("us.com", intel.KeywordPosition{Keyword: "dui lawyer", Position: 3}),
		ranking("rival.com",
			intel.KeywordPosition{Keyword: "dui lawyer", Position: 5},
			intel.KeywordPosition{Keyword: "car accident attorney", Position: 2, Volume: 1500},
			intel.KeywordPosition{Keyword: "wills", Position: 14},
		),
		ranking("other.com", intel.KeywordPosition{Keyword: "Car Accident Attorney", Position: 4, Volume: 1500}),
	}

	opps := testFinder().keywordGaps(records)
	require.Len(t, opps, 1)
	o := opps[0]
	assert.Equal(t, intel.TierHigh, o.Tier)
	assert.Equal(t, 9, o.Impact)
	assert.Equal(t, []string{IDContent, IDListing}, o.Assignees)
	d := o.Detail.(intel.KeywordDetail)
	assert.Equal(t, "rival.com", d.Competitor)
	assert.Equal(t, 2, d.CompetitorPosition)
	assert.Equal(t, 0, d.OurPosition)
	assert.Contains(t, o.Description, "we rank nowhere")
}

func TestBacklinkGaps(t *testing.T) {
	profile := func(domain string, links ...intel.Backlink) intel.Record {
		return intel.NewRecord(IDCompetitor, platform.Source(platform.ScopeBacklinks, domain), intel.BacklinkProfile{Domain: domain, Links: links}, epoch.Add(-time.Hour), recordTTL[intel.KindBacklinkProfile])
	}
	records := []intel.Record{
		profile("us.com", intel.Backlink{SourceDomain: "shared.org", Authority: 80}),
		profile("rival.com",
			intel.Backlink{SourceDomain: "Shared.org", Authority: 80},
			intel.Backlink{SourceDomain: "news.com", Authority: 75},
			intel.Backlink{SourceDomain: "blog.net", Authority: 30},
		),
	}

	opps := testFinder().backlinkGaps(records)
	require.Len(t, opps, 1)
	assert.Equal(t, intel.TierHigh, opps[0].Tier)
	assert.Equal(t, 7, opps[0].Impact)
	assert.Equal(t, "news.com", opps[0].Detail.(intel.BacklinkDetail).SourceDomain)
}

func TestTechnicalEdges(t *testing.T) {
	audit := func(a intel.TechnicalAudit) intel.Record {
		return intel.NewRecord(IDCompetitor, platform.Source(platform.ScopeAudit, a.Domain), a, epoch.Add(-time.Hour), recordTTL[intel.KindTechnicalAudit])
	}
	records := []intel.Record{
		audit(intel.TechnicalAudit{Domain: "us.com"}),
		audit(intel.TechnicalAudit{Domain: "rival.com", PageSpeed: 30, HTTPS: true, SchemaMarkup: true}),
	}

	opps := testFinder().technicalEdges(records)
	require.Len(t, opps, 2)
	assert.Equal(t, "slow pages (speed score 30)", opps[0].Detail.(intel.TechnicalDetail).Weakness)
	assert.Equal(t, "not mobile friendly", opps[1].Detail.(intel.TechnicalDetail).Weakness)
	assert.Equal(t, intel.TierHigh, opps[1].Tier)
}

func TestBreaking(t *testing.T) {
	items := []platform.Item{
		{Kind: platform.ItemNews, Title: "New distracted driving law", URL: "https://news/1", CreatedAt: epoch.Add(-time.Hour)},
		{Kind: platform.ItemNews, Title: "Old story", URL: "https://news/2", CreatedAt: epoch.Add(-10 * time.Hour)},
		{Kind: platform.ItemTrend, Title: "not news", Score: 99},
	}

	opps := testFinder().breaking(items, 6*time.Hour)
	require.Len(t, opps, 1)
	o := opps[0]
	assert.Equal(t, intel.KindBreakingEvent, o.Kind)
	assert.Equal(t, "Breaking: New distracted driving law", o.Description)
	assert.Equal(t, []string{IDContent, IDSocial}, o.Assignees)
}

func TestTrending(t *testing.T) {
	items := []platform.Item{
		{Kind: platform.ItemTrend, Keyword: "e-bike accidents", Score: 85},
		{Kind: platform.ItemTrend, Keyword: "weak trend", Score: 50},
	}

	opps := testFinder().trending(items)
	require.Len(t, opps, 1)
	assert.Equal(t, intel.TierMedium, opps[0].Tier)
	assert.Equal(t, 8, opps[0].Impact)
	assert.Equal(t, "e-bike accidents", topicOf(opps[0]))
	assert.Equal(t, []string{IDContent}, opps[0].Assignees)
}

func TestNewestFirst_DedupsByID(t *testing.T) {
	old := ranking("rival.com")
	old.CollectedAt = epoch.Add(-5 * time.Hour)
	fresh := ranking("other.com")

	out := newestFirst([]intel.Record{old, fresh}, []intel.Record{old})
	require.Len(t, out, 2)
	assert.Equal(t, fresh.ID, out[0].ID)
	assert.Equal(t, old.ID, out[1].ID)
}

func TestConverters(t *testing.T) {
	audit := auditFrom("rival.com", []platform.Item{
		{Kind: platform.ItemCheck, Keyword: "page_speed", Score: 140},
		{Kind: platform.ItemCheck, Keyword: "https", Score: 1},
		{Kind: platform.ItemCheck, Keyword: "issue", Title: "broken links"},
		{Kind: platform.ItemPage, Keyword: "mobile_friendly", Score: 1},
	})
	assert.Equal(t, intel.TechnicalAudit{Domain: "rival.com", PageSpeed: 100, HTTPS: true, Issues: []string{"broken links"}}, audit)

	snap := reviewsFrom("listing", "uptown", []platform.Item{
		{Kind: platform.ItemReview, ID: "r1", Rating: 5},
		{Kind: platform.ItemReview, ID: "r2", Rating: 2},
		{Kind: platform.ItemReview, ID: "r3"},
	})
	assert.Equal(t, 2, snap.Total)
	assert.InDelta(t, 3.5, snap.Average, 1e-9)
	require.NoError(t, snap.Validate())

	prof := backlinksFrom("rival.com", []platform.Item{
		{Kind: platform.ItemBacklink, Author: "news.com", Score: 70},
		{Kind: platform.ItemBacklink, Author: "News.com", URL: "https://rival.com/b"},
		{Kind: platform.ItemBacklink},
	})
	assert.Equal(t, 1, prof.ReferringDomains)
	assert.Len(t, prof.Links, 2)
}
