package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/rankpilot/internal/intel"
	"github.com/stellarlinkco/rankpilot/internal/notify"
	"github.com/stellarlinkco/rankpilot/internal/platform"
	"github.com/stellarlinkco/rankpilot/internal/store"
)

func rankItem(keyword string, position, volume int) platform.Item {
	return platform.Item{Kind: platform.ItemRanking, Keyword: keyword, Position: position, Volume: volume}
}

func directiveFor(situation string, assignees ...string) intel.Opportunity {
	o := intel.NewOpportunity("orchestrator", intel.TierHigh, 10, "directive:"+situation, "Emergency: "+situation,
		intel.SynergyDetail{Action: intel.ActionDirective, Situation: situation}, epoch)
	o.Assignees = assignees
	o.Status = intel.StatusDispatched
	return o
}

func TestCompetitor_EveryCompetitorFailingFailsGather(t *testing.T) {
	e := newEnv(t)
	e.ranking.FailFetch("", errors.New("rate limited"))
	e.facebook.FailFetch("", errors.New("rate limited"))
	comp := NewCompetitor(e.deps())
	start(t, comp)

	entry := run(t, comp, "competitor-daily")
	assert.False(t, entry.Success)
	assert.Equal(t, []string{"gather"}, entry.FailedSteps)
	assert.Equal(t, 1, e.logs.count("every competitor failed"))

	records, err := e.store.Records(context.Background(), store.Query{Agent: IDCompetitor})
	require.NoError(t, err)
	assert.Empty(t, records)
	logs := executions(t, e.store, IDCompetitor)
	require.Len(t, logs, 1)
	assert.False(t, logs[0].Success)
}

func TestCompetitor_PartialFailureTolerated(t *testing.T) {
	e := newEnv(t)
	e.ranking.FailFetch("rankings:rival.com", errors.New("timeout"))
	e.ranking.SetItems("rankings:other.com", rankItem("dui lawyer", 2, 900))
	e.ranking.SetItems("rankings:us.com", rankItem("dui lawyer", 8, 900))
	comp := NewCompetitor(e.deps())
	start(t, comp)

	entry := run(t, comp, "competitor-rankings")
	assert.True(t, entry.Success)
	assert.Equal(t, 1, e.logs.count("1 of 2 competitors failed"))

	records, err := e.store.Records(context.Background(), store.Query{Agent: IDCompetitor, Kind: string(intel.KindRankingSnapshot)})
	require.NoError(t, err)
	assert.Len(t, records, 2)

	opps := opportunities(t, e.store, store.Query{Agent: IDCompetitor})
	require.Len(t, opps, 1)
	d := opps[0].Detail.(intel.KeywordDetail)
	assert.Equal(t, "other.com", d.Competitor)
	assert.Equal(t, 8, d.OurPosition)
	assert.Equal(t, []string{IDContent, IDListing}, opps[0].Assignees)
}

func TestCompetitor_OwnSiteFailureIsNotFatal(t *testing.T) {
	e := newEnv(t)
	e.ranking.FailFetch("rankings:us.com", errors.New("blocked"))
	comp := NewCompetitor(e.deps())
	start(t, comp)

	entry := run(t, comp, "competitor-rankings")
	assert.True(t, entry.Success)
	assert.Equal(t, 1, e.logs.count("own site us.com"))
}

func TestCompetitor_DailySweep(t *testing.T) {
	e := newEnv(t)
	e.ranking.SetItems("content:rival.com", platform.Item{Kind: platform.ItemPage, URL: "https://rival.com/dog", Title: "Dog bite guide", Keyword: "dog bites", Engagement: 700})
	e.ranking.SetItems("audit:rival.com",
		platform.Item{Kind: platform.ItemCheck, Keyword: "page_speed", Score: 35},
		platform.Item{Kind: platform.ItemCheck, Keyword: "https", Score: 1},
		platform.Item{Kind: platform.ItemCheck, Keyword: "mobile_friendly", Score: 1},
		platform.Item{Kind: platform.ItemCheck, Keyword: "schema_markup", Score: 1},
	)
	e.facebook.SetItems("posts:rivalfb",
		platform.Item{Kind: platform.ItemProfile, Followers: 4000},
		platform.Item{Kind: platform.ItemPost, ID: "p1", Text: "Know your rights after a crash", Engagement: 2500},
	)
	comp := NewCompetitor(e.deps())
	start(t, comp)

	directive := directiveFor("competitor_attack", IDCompetitor)
	_, err := e.store.InsertOpportunity(context.Background(), directive)
	require.NoError(t, err)
	comp.Dispatch(directive)

	entry := run(t, comp, "competitor-daily")
	assert.True(t, entry.Success)

	// Four scopes for three domains plus one social account.
	records, err := e.store.Records(context.Background(), store.Query{Agent: IDCompetitor})
	require.NoError(t, err)
	assert.Len(t, records, 13)

	social, err := e.store.Records(context.Background(), store.Query{Source: "posts:rivalfb"})
	require.NoError(t, err)
	require.Len(t, social, 1)
	act := social[0].Payload.(intel.SocialActivity)
	assert.Equal(t, 4000, act.Followers)
	require.Len(t, act.Posts, 1)
	assert.Equal(t, 2500, act.Posts[0].Engagement)

	gaps := opportunities(t, e.store, store.Query{Kind: string(intel.KindContentGap)})
	require.Len(t, gaps, 1)
	assert.Equal(t, "dog bites", topicOf(gaps[0]))

	var speed bool
	for _, o := range opportunities(t, e.store, store.Query{Kind: string(intel.KindTechnical)}) {
		if d := o.Detail.(intel.TechnicalDetail); d.Competitor == "rival.com" {
			assert.Equal(t, "slow pages (speed score 35)", d.Weakness)
			speed = true
		}
	}
	assert.True(t, speed)

	stored := opportunities(t, e.store, store.Query{Kind: string(intel.KindSynergyAction)})
	require.Len(t, stored, 1)
	assert.Equal(t, intel.StatusExecuted, stored[0].Status)
}

func TestCompetitor_DeepDigest(t *testing.T) {
	e := newEnv(t)
	putRecord(t, e.store, intel.NewRecord(IDCompetitor, "audit:rival.com",
		intel.TechnicalAudit{Domain: "rival.com", PageSpeed: 30, HTTPS: true, SchemaMarkup: true},
		epoch.Add(-time.Hour), recordTTL[intel.KindTechnicalAudit]))
	putRecord(t, e.store, intel.NewRecord(IDCompetitor, "backlinks:rival.com",
		intel.BacklinkProfile{Domain: "rival.com", ReferringDomains: 12, Links: []intel.Backlink{{SourceDomain: "news.com", Authority: 75}}},
		epoch.Add(-time.Hour), recordTTL[intel.KindBacklinkProfile]))
	comp := NewCompetitor(e.deps())
	start(t, comp)

	entry := run(t, comp, "competitor-deep")
	assert.True(t, entry.Success)
	assert.Equal(t, 3, entry.Opportunities)

	alerts := e.alerts.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, notify.SeverityInfo, alerts[0].Severity)
	assert.Equal(t, "Weekly competitor digest\n- Rival (rival.com): slow pages (speed score 30); not mobile friendly; 12 referring domains", alerts[0].Message)
}

func TestCompetitor_DeepWithoutRecordsSendsNothing(t *testing.T) {
	e := newEnv(t)
	comp := NewCompetitor(e.deps())
	start(t, comp)

	entry := run(t, comp, "competitor-deep")
	assert.True(t, entry.Success)
	assert.Equal(t, "no competitor weaknesses on record", entry.Note)
	assert.Empty(t, e.alerts.Alerts())
}

func TestCompetitor_RequiresCompetitors(t *testing.T) {
	e := newEnv(t)
	e.pb.Competitors = nil
	comp := NewCompetitor(e.deps())
	assert.Error(t, comp.Start(context.Background()))
	assert.True(t, comp.Status().Fatal)
}
