package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/rankpilot/internal/fault"
	"github.com/stellarlinkco/rankpilot/internal/intel"
	"github.com/stellarlinkco/rankpilot/internal/platform"
	"github.com/stellarlinkco/rankpilot/internal/store"
)

func review(id, author string, rating int, text string, age time.Duration) platform.Item {
	return platform.Item{Kind: platform.ItemReview, ID: id, Author: author, Rating: rating, Text: text, CreatedAt: epoch.Add(-age)}
}

func TestListing_RotationWithoutOpportunities(t *testing.T) {
	e := newEnv(t)
	listing := NewListing(e.deps())
	start(t, listing)

	entry := run(t, listing, "listing-post-0800")
	assert.True(t, entry.Success)
	assert.Equal(t, 1, entry.Actions)
	assert.Equal(t, "tip post to 2 locations", entry.Note)

	published := e.listing.Published()
	require.Len(t, published, 2)
	assert.Equal(t, PostTip, published[0].Type)
	assert.Equal(t, "L1", published[0].Location)
	assert.Equal(t, "L2", published[1].Location)
	assert.Equal(t, "Personal Injury", published[0].Title)
	assert.Contains(t, published[0].Body, "Office: Uptown, Charlotte")
	assert.Contains(t, published[0].Body, "Call 555-0100")

	run(t, listing, "listing-post-1230")
	published = e.listing.Published()
	require.Len(t, published, 4)
	assert.Equal(t, PostUpdate, published[2].Type)
	assert.Equal(t, "Workers Compensation", published[2].Title)

	pubs, err := e.store.Publications(context.Background(), store.Query{Kind: "listing"})
	require.NoError(t, err)
	assert.Len(t, pubs, 4)
}

func TestListing_PostPriority(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	feature := intel.NewOpportunity("orchestrator", intel.TierMedium, 5, "feature:r1", "Feature a 5-star review",
		intel.SynergyDetail{Action: intel.ActionFeatureReview, Title: "Jane Doe", Text: "They fought for me"}, epoch)
	feature.Assignees = []string{IDListing}
	news := intel.NewOpportunity(IDContent, intel.TierHigh, 8, "breaking:bridge", "Breaking: bridge closed",
		intel.BreakingDetail{Headline: "Bridge closed", Topic: "bridge closure"}, epoch)
	news.Assignees = []string{IDContent, IDSocial}
	for _, o := range []intel.Opportunity{feature, news} {
		_, err := e.store.InsertOpportunity(ctx, o)
		require.NoError(t, err)
	}
	listing := NewListing(e.deps())
	start(t, listing)
	listing.Dispatch(news)

	entry := run(t, listing, "listing-post-0800")
	assert.Equal(t, 1, entry.Actions)
	published := e.listing.Published()
	require.Len(t, published, 2)
	assert.Equal(t, PostNews, published[0].Type)
	assert.Equal(t, "Bridge Closure", published[0].Title)

	run(t, listing, "listing-post-1230")
	published = e.listing.Published()
	require.Len(t, published, 4)
	assert.Equal(t, PostTestimonial, published[2].Type)
	assert.Contains(t, published[2].Body, "Client review: They fought for me")
	assert.Contains(t, published[2].Body, "Reviewer: Jane")

	for _, o := range opportunities(t, e.store, store.Query{}) {
		assert.Equal(t, intel.StatusExecuted, o.Status, o.Subject)
	}
}

func TestListing_PublishFailureEverywhere(t *testing.T) {
	e := newEnv(t)
	e.listing.FailPublish(errors.New("listing api down"))
	listing := NewListing(e.deps())
	start(t, listing)

	entry := run(t, listing, "listing-post-0800")
	assert.Equal(t, []string{"act"}, entry.FailedSteps)
	pubs, err := e.store.Publications(context.Background(), store.Query{})
	require.NoError(t, err)
	assert.Empty(t, pubs)
}

func TestListing_AnswersReviews(t *testing.T) {
	e := newEnv(t)
	answered := review("r2", "Bob Stone", 4, "Good help", 2*time.Hour)
	answered.Responded = true
	e.listing.SetItems("reviews:L1", review("r1", "Jane Doe", 5, "Wonderful team", time.Hour), answered)
	e.listing.FailFetch("reviews:L2", errors.New("not found"))
	listing := NewListing(e.deps())
	start(t, listing)

	entry := run(t, listing, "listing-reviews")
	assert.True(t, entry.Success)
	assert.Equal(t, 1, entry.Actions)

	responses := e.listing.Responses()
	require.Len(t, responses, 1)
	assert.Equal(t, "r1", responses[0].ItemID)
	assert.Contains(t, responses[0].Text, "Jane")
	assert.NotContains(t, responses[0].Text, "{name}")

	records, err := e.store.Records(context.Background(), store.Query{Kind: string(intel.KindReviewSnapshot)})
	require.NoError(t, err)
	require.Len(t, records, 1)
	snap := records[0].Payload.(intel.ReviewSnapshot)
	assert.Equal(t, "uptown", snap.Location)
	assert.InDelta(t, 4.5, snap.Average, 1e-9)
	for _, r := range snap.Reviews {
		assert.True(t, r.Responded, r.ID)
	}
}

func TestListing_ReplyTemplateIsStable(t *testing.T) {
	pb := testPlaybook()
	r := intel.Review{ID: "r9", Author: "", Rating: 1}
	first := replyTemplate(pb, r)
	assert.Equal(t, first, replyTemplate(pb, r))
	assert.Contains(t, first, "there")
	assert.Contains(t, first, "555-0100")
}

func TestListing_OptimizeProfiles(t *testing.T) {
	e := newEnv(t)
	listing := NewListing(e.deps())
	start(t, listing)

	entry := run(t, listing, "listing-optimize")
	assert.Equal(t, 2, entry.Actions)
	published := e.listing.Published()
	require.Len(t, published, 2)
	for _, p := range published {
		assert.Equal(t, PostProfile, p.Type)
		assert.Equal(t, "Example Law Group", p.Title)
	}
}

func TestListing_RequiresLocations(t *testing.T) {
	e := newEnv(t)
	e.pb.Locations = nil
	listing := NewListing(e.deps())
	err := listing.Start(context.Background())
	assert.True(t, fault.IsConfiguration(err))
}
