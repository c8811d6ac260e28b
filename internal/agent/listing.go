package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stellarlinkco/rankpilot/internal/generate"
	"github.com/stellarlinkco/rankpilot/internal/intel"
	"github.com/stellarlinkco/rankpilot/internal/platform"
	"github.com/stellarlinkco/rankpilot/internal/playbook"
	"github.com/stellarlinkco/rankpilot/internal/store"
)

// Post types for listing updates.
const (
	PostNews        = "news"
	PostTestimonial = "testimonial"
	PostTip         = "tip"
	PostUpdate      = "update"
	PostOffer       = "offer"
	PostProfile     = "profile"
)

var rotation = []string{PostTip, PostUpdate, PostOffer}

// Listing keeps business listings active: scheduled posts per location,
// review replies and periodic profile optimization.
type Listing struct {
	*Base

	// posts counts scheduled posts; only touched inside a cycle.
	posts int
}

func NewListing(deps Deps) *Listing {
	a := &Listing{Base: newBase(IDListing, "Local Listing Agent", deps)}
	a.require(deps.Platforms.Listing != nil, "listing platform is required")
	a.require(len(a.deps.Playbook.Locations) > 0, "at least one location must be configured")
	for _, at := range a.opts.PostTimes {
		a.addJob("listing-post-"+strings.ReplaceAll(at, ":", ""), "daily "+at, a.postPlan)
	}
	a.addJob("listing-reviews", "every 30m", a.reviewsPlan)
	a.addJob("listing-optimize", "cron 0 5 * * 0", a.optimizePlan)
	return a
}

type listingPost struct {
	kind  string
	topic string
	facts []string
	opp   *intel.Opportunity
}

func (a *Listing) postPlan() Steps {
	var (
		stored []intel.Opportunity
		post   listingPost
	)

	return Steps{
		Gather: func(ctx context.Context, c *Cycle) error {
			return a.call(ctx, "query opportunities", func(ctx context.Context) error {
				var err error
				stored, err = a.deps.Store.Opportunities(ctx, store.Query{
					Assignee: IDListing,
					Statuses: openStatuses,
					Since:    c.Now.Add(-openWindow),
				})
				return err
			})
		},
		Analyze: func(_ context.Context, c *Cycle) error {
			ranked := intel.Prioritize(c.Candidates(stored...), c.Now, a.deps.Windows)
			post = a.choosePost(ranked)
			return nil
		},
		Act: func(ctx context.Context, c *Cycle) error {
			var errs []error
			posted := 0
			for _, loc := range a.deps.Playbook.Locations {
				pub, err := a.publishPost(ctx, loc, post)
				if err != nil {
					errs = append(errs, fmt.Errorf("location %s: %w", loc.ID, err))
					continue
				}
				c.Publish(pub)
				posted++
			}
			a.posts++
			if posted == 0 {
				return errors.Join(errs...)
			}
			if len(errs) > 0 {
				a.logf("%s post failed for %d locations: %v", post.kind, len(errs), errors.Join(errs...))
			}
			if post.opp != nil {
				c.Done(*post.opp)
			} else {
				c.Actions++
			}
			c.Note = fmt.Sprintf("%s post to %d locations", post.kind, posted)
			return nil
		},
	}
}

// choosePost picks what the next listing post is about. Breaking news wins,
// then a review to feature, then a localized keyword post, then the rotation.
func (a *Listing) choosePost(ranked []intel.Opportunity) listingPost {
	pick := func(match func(intel.Opportunity) bool) *intel.Opportunity {
		for i := range ranked {
			if match(ranked[i]) {
				return &ranked[i]
			}
		}
		return nil
	}

	if o := pick(func(o intel.Opportunity) bool { return o.Kind == intel.KindBreakingEvent }); o != nil {
		return listingPost{kind: PostNews, topic: topicOf(*o), facts: []string{o.Description}, opp: o}
	}
	if o := pick(func(o intel.Opportunity) bool { return o.Action() == intel.ActionFeatureReview }); o != nil {
		d, _ := o.Detail.(intel.SynergyDetail)
		return listingPost{kind: PostTestimonial, topic: "what our clients say", facts: []string{"Client review: " + d.Text, "Reviewer: " + firstName(d.Title)}, opp: o}
	}
	if o := pick(func(o intel.Opportunity) bool {
		return o.Action() == intel.ActionLocalizedPost || o.Action() == intel.ActionDirective || o.Kind == intel.KindKeyword
	}); o != nil {
		return listingPost{kind: PostUpdate, topic: topicOf(*o), facts: []string{o.Description}, opp: o}
	}

	kind := rotation[a.posts%len(rotation)]
	areas := a.deps.Playbook.PracticeAreas
	topic := "our services"
	if len(areas) > 0 {
		topic = areas[a.posts%len(areas)]
	}
	return listingPost{kind: kind, topic: topic}
}

func (a *Listing) publishPost(ctx context.Context, loc playbook.Location, post listingPost) (store.Publication, error) {
	facts := append([]string{"Office: " + loc.Name + ", " + loc.City}, post.facts...)
	if phone := a.deps.Playbook.Business.Phone; phone != "" {
		facts = append(facts, "Call "+phone)
	}
	var text generate.Text
	if err := a.call(ctx, "generate listing post", func(ctx context.Context) error {
		var err error
		text, err = a.deps.Generator.Generate(ctx, generate.Prompt{
			Agent:    IDListing,
			Task:     "business listing " + post.kind + " post",
			Topic:    post.topic,
			Audience: "people near " + loc.City,
			Tone:     "friendly, local",
			Facts:    facts,
			MaxWords: 150,
		})
		return err
	}); err != nil {
		return store.Publication{}, err
	}

	var id platform.PostID
	if err := a.call(ctx, "publish listing post", func(ctx context.Context) error {
		var err error
		id, err = a.deps.Platforms.Listing.Publish(ctx, platform.Content{
			Title:    text.Title,
			Body:     text.Body,
			Type:     post.kind,
			Location: loc.ListingID,
			Tags:     text.Tags,
		})
		return err
	}); err != nil {
		return store.Publication{}, err
	}

	pub := store.Publication{Agent: IDListing, Channel: "listing", Title: text.Title, PostID: string(id)}
	if post.opp != nil {
		pub.OpportunityID = post.opp.ID
	}
	return pub, nil
}

// reviewsPlan fetches reviews per location, stores a snapshot and answers
// the unanswered ones.
func (a *Listing) reviewsPlan() Steps {
	type fetched struct {
		loc  playbook.Location
		snap intel.ReviewSnapshot
	}
	var snaps []fetched
	listing := a.deps.Platforms.Listing

	return Steps{
		Gather: func(ctx context.Context, c *Cycle) error {
			var errs []error
			for _, loc := range a.deps.Playbook.Locations {
				var items []platform.Item
				if err := a.call(ctx, "fetch reviews for "+loc.ID, func(ctx context.Context) error {
					var err error
					items, err = listing.FetchRecent(ctx, platform.Source(platform.ScopeReviews, loc.ListingID))
					return err
				}); err != nil {
					errs = append(errs, err)
					continue
				}
				c.Gathered(len(items))
				snaps = append(snaps, fetched{loc: loc, snap: reviewsFrom("listing", loc.ID, items)})
			}
			if len(snaps) == 0 && len(errs) > 0 {
				return errors.Join(errs...)
			}
			return nil
		},
		Act: func(ctx context.Context, c *Cycle) error {
			var errs []error
			for i := range snaps {
				n, failed := a.respond(ctx, listing, &snaps[i].snap)
				c.Actions += n
				errs = append(errs, failed...)
			}
			if len(errs) > 0 && c.Actions == 0 {
				return errors.Join(errs...)
			}
			c.Note = fmt.Sprintf("%d reviews answered", c.Actions)
			return nil
		},
		Record: func(_ context.Context, c *Cycle) error {
			for _, f := range snaps {
				c.Add(a.record(platform.Source(platform.ScopeReviews, f.loc.ListingID), f.snap, c.Now))
			}
			return nil
		},
	}
}

// optimizePlan republishes the static profile of every location.
func (a *Listing) optimizePlan() Steps {
	return Steps{
		Act: func(ctx context.Context, c *Cycle) error {
			pb := a.deps.Playbook
			var errs []error
			for _, loc := range pb.Locations {
				var text generate.Text
				err := a.call(ctx, "generate profile", func(ctx context.Context) error {
					var err error
					text, err = a.deps.Generator.Generate(ctx, generate.Prompt{
						Agent:    IDListing,
						Task:     "business listing description",
						Topic:    pb.Business.Name + " in " + loc.City,
						Facts:    append([]string{"Services: " + strings.Join(pb.PracticeAreas, ", ")}, pb.Keywords...),
						MaxWords: 120,
					})
					return err
				})
				if err == nil {
					err = a.call(ctx, "publish profile", func(ctx context.Context) error {
						_, err := a.deps.Platforms.Listing.Publish(ctx, platform.Content{
							Title:    pb.Business.Name,
							Body:     text.Body,
							Type:     PostProfile,
							Location: loc.ListingID,
							Tags:     pb.Keywords,
						})
						return err
					})
				}
				if err != nil {
					errs = append(errs, fmt.Errorf("location %s: %w", loc.ID, err))
					continue
				}
				c.Actions++
			}
			if c.Actions == 0 {
				return errors.Join(errs...)
			}
			return nil
		},
	}
}
