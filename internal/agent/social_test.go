package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/rankpilot/internal/intel"
	"github.com/stellarlinkco/rankpilot/internal/platform"
	"github.com/stellarlinkco/rankpilot/internal/store"
)

func trends(topics ...string) []signal {
	out := make([]signal, 0, len(topics))
	for _, t := range topics {
		out = append(out, signal{kind: signalTrend, topic: t})
	}
	return out
}

func templates(ideas []Idea) []string {
	out := make([]string, 0, len(ideas))
	for _, i := range ideas {
		out = append(out, i.Template)
	}
	return out
}

func TestIdeas_TrendBoost(t *testing.T) {
	e := newEnv(t)
	social := NewSocial(e.deps())

	ideas := social.ideas(trends("t1", "t2", "t3", "t4"), 5, 1000)
	require.Len(t, ideas, 4)
	assert.Equal(t, []string{"emotional", "controversial", "trending", "educational"}, templates(ideas))
	assert.Equal(t, []int{4500, 3750, 3000, 2250}, []int{ideas[0].Predicted, ideas[1].Predicted, ideas[2].Predicted, ideas[3].Predicted})
	assert.Equal(t, "t4", ideas[0].Topic)
	assert.Equal(t, "t2", ideas[1].Topic)
	assert.Equal(t, "The truth about t1 that nobody talks about", ideas[3].Hook)
}

func TestIdeas_NoBoostWithThreeTrends(t *testing.T) {
	e := newEnv(t)
	social := NewSocial(e.deps())

	ideas := social.ideas(trends("t1", "t2", "t3"), 5, 1000)
	require.Len(t, ideas, 4)
	assert.Equal(t, 3000, ideas[0].Predicted)
	// The template left without a signal falls back to a practice area.
	assert.Equal(t, "emotional", ideas[0].Template)
	assert.Equal(t, "workers compensation", ideas[0].Topic)
	assert.Equal(t, "t3", ideas[2].Topic)
}

func TestIdeas_NewsBoost(t *testing.T) {
	e := newEnv(t)
	social := NewSocial(e.deps())

	ideas := social.ideas([]signal{{kind: signalNews, topic: "new speed law"}}, 5, 1000)
	require.NotEmpty(t, ideas)
	assert.Equal(t, "emotional", ideas[0].Template)
	assert.InDelta(t, 3900, ideas[0].Predicted, 1)
	assert.Equal(t, "new speed law", ideas[0].Topic)
}

func TestIdeas_CounterCompetitorHit(t *testing.T) {
	e := newEnv(t)
	social := NewSocial(e.deps())

	ideas := social.ideas([]signal{{kind: signalCompetitor, topic: "Five myths about fault", engagement: 4000}}, 5, 1000)
	require.NotEmpty(t, ideas)
	assert.Equal(t, "counter", ideas[0].Template)
	assert.Equal(t, 8000, ideas[0].Predicted)
	assert.Equal(t, "controversial", ideas[2].Template)
	assert.Equal(t, "Five myths about fault", ideas[2].Topic)
}

func TestIdeas_FloorAndLimit(t *testing.T) {
	e := newEnv(t)
	social := NewSocial(e.deps())

	ideas := social.ideas(nil, 5, 2600)
	require.Len(t, ideas, 1)
	assert.Equal(t, "emotional", ideas[0].Template)

	assert.Len(t, social.ideas(nil, 2, 1000), 2)
}

func TestSocial_ViralStaggersNetworks(t *testing.T) {
	e := newEnv(t)
	social := NewSocial(e.deps())
	start(t, social)
	social.HandOff(Article{Title: "Dog Bite Guide", Topic: "dog bites", URL: "https://us.com/dog"})

	entry := run(t, social, "social-viral")
	assert.True(t, entry.Success)
	assert.Equal(t, 4, entry.Actions)

	fb, tw := e.facebook.Published(), e.twitter.Published()
	require.Len(t, fb, 4)
	require.Len(t, tw, 4)
	assert.Equal(t, "emotional", fb[0].Type)
	assert.Equal(t, epoch, fb[0].ScheduledAt)
	assert.Equal(t, epoch.Add(15*time.Minute), tw[0].ScheduledAt)
	assert.Contains(t, fb[0].Tags, "#LegalTips")
	assert.Equal(t, "educational", fb[3].Type)
	assert.Equal(t, "https://us.com/dog", fb[3].URL)

	pubs, err := e.store.Publications(context.Background(), store.Query{Agent: IDSocial})
	require.NoError(t, err)
	assert.Len(t, pubs, 8)
	assert.Empty(t, social.takeArticles())
}

func TestSocial_SynergiesBeforeViralIdeas(t *testing.T) {
	e := newEnv(t)
	promo := intel.NewOpportunity("orchestrator", intel.TierMedium, 6, "promote:pub-1", "Cross-promote new article",
		intel.SynergyDetail{Action: intel.ActionCrossPromote, Ref: "pub-1", Title: "Dog Bite Guide", URL: "https://us.com/dog"}, epoch)
	promo.Assignees = []string{IDSocial}
	promo.Status = intel.StatusDispatched
	_, err := e.store.InsertOpportunity(context.Background(), promo)
	require.NoError(t, err)
	social := NewSocial(e.deps())
	start(t, social)
	social.Dispatch(promo)

	entry := run(t, social, "social-viral")
	assert.Equal(t, 5, entry.Actions)
	fb := e.facebook.Published()
	require.Len(t, fb, 5)
	assert.Equal(t, "cross-promotion", fb[0].Type)
	assert.Contains(t, fb[0].Body, "New on our blog: Dog Bite Guide")
	assert.Equal(t, "https://us.com/dog", fb[0].URL)

	stored := opportunities(t, e.store, store.Query{})
	require.Len(t, stored, 1)
	assert.Equal(t, intel.StatusExecuted, stored[0].Status)
}

func TestSocial_CounterFromCompetitorActivity(t *testing.T) {
	e := newEnv(t)
	putRecord(t, e.store, intel.NewRecord(IDCompetitor, "posts:rivalfb", intel.SocialActivity{
		Platform: "facebook",
		Handle:   "rivalfb",
		Posts:    []intel.SocialPost{{ID: "p1", Text: "Five myths about fault", Engagement: 2500}, {ID: "p2", Text: "Quiet post", Engagement: 20}},
	}, epoch.Add(-time.Hour), recordTTL[intel.KindSocialActivity]))
	social := NewSocial(e.deps())
	start(t, social)

	run(t, social, "social-viral")
	fb := e.facebook.Published()
	require.NotEmpty(t, fb)
	assert.Equal(t, "counter", fb[0].Type)
	assert.Equal(t, "Five Myths About Fault", fb[0].Title)
}

func TestSocial_FailedPublishRequeuesArticles(t *testing.T) {
	e := newEnv(t)
	e.facebook.FailPublish(errors.New("token expired"))
	e.twitter.FailPublish(errors.New("token expired"))
	social := NewSocial(e.deps())
	start(t, social)
	social.HandOff(Article{Title: "Dog Bite Guide", Topic: "dog bites"})

	entry := run(t, social, "social-viral")
	assert.Equal(t, []string{"act"}, entry.FailedSteps)
	assert.Len(t, social.takeArticles(), 1)
}

func TestSocial_EngagementSnapshot(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.store.PutPublication(ctx, store.Publication{
		ID: "pub-1", Agent: IDSocial, Channel: "facebook", Title: "Know your rights", PostID: "fb-1", PublishedAt: epoch.Add(-24 * time.Hour),
	}))
	e.facebook.SetEngagement("fb-1", platform.Engagement{Views: 1000, Likes: 40, Shares: 10})
	e.facebook.SetItems("profile:usfb", platform.Item{Kind: platform.ItemProfile, Followers: 1200})
	social := NewSocial(e.deps())
	start(t, social)

	entry := run(t, social, "social-engagement")
	assert.True(t, entry.Success)

	records, err := e.store.Records(ctx, store.Query{Source: "profile:usfb"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	act := records[0].Payload.(intel.SocialActivity)
	assert.Equal(t, 1200, act.Followers)
	assert.InDelta(t, 0.05, act.EngagementRate, 1e-9)
	require.Len(t, act.Posts, 1)
	assert.Equal(t, 50, act.Posts[0].Engagement)

	pubs, err := e.store.Publications(ctx, store.Query{Agent: IDSocial})
	require.NoError(t, err)
	require.Len(t, pubs, 1)
	assert.Equal(t, 50, pubs[0].Engagement)

	all, err := e.store.Records(ctx, store.Query{Kind: string(intel.KindSocialActivity)})
	require.NoError(t, err)
	assert.Len(t, all, 1, "no record for a network without a handle or posts")
}
