package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/stellarlinkco/rankpilot/internal/intel"
	"github.com/stellarlinkco/rankpilot/internal/notify"
	"github.com/stellarlinkco/rankpilot/internal/platform"
	"github.com/stellarlinkco/rankpilot/internal/playbook"
)

const (
	recentCase  = 30 * 24 * time.Hour
	spikeWindow = 24 * time.Hour
)

type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// Classify rates a review. Two stars or fewer is negative, and so is a
// three-star review that uses a negative keyword.
func Classify(pb *playbook.Playbook, r intel.Review) Sentiment {
	switch {
	case r.Rating >= 4:
		return SentimentPositive
	case r.Rating <= 2:
		return SentimentNegative
	case pb.HasNegativeKeyword(r.Text):
		return SentimentNegative
	}
	return SentimentNeutral
}

// request tracks one client through the review-request sequence. Step 0 is
// the initial ask; step n is the nth follow-up.
type request struct {
	clientID string
	name     string
	sentAt   time.Time
	lastSent time.Time
	step     int
	reviewed bool
}

// Reputation asks satisfied clients for reviews, follows up, and watches
// incoming reviews for trouble.
type Reputation struct {
	*Base

	// Only touched inside a cycle.
	requests  map[string]*request
	spikeSent time.Time
}

func NewReputation(deps Deps) *Reputation {
	a := &Reputation{
		Base:     newBase(IDReputation, "Reputation Agent", deps),
		requests: make(map[string]*request),
	}
	a.require(deps.Platforms.Reviews != nil, "review platform is required")
	a.addJob("reputation-requests", "daily 10:00", a.requestsPlan)
	a.addJob("reputation-followups", "every 4h", a.followUpsPlan)
	a.addJob("reputation-monitor", "every 30m", a.monitorPlan)
	return a
}

func (a *Reputation) message(template string, name string) string {
	vars := a.deps.Playbook.Vars()
	vars["name"] = firstName(name)
	return playbook.Fill(template, vars)
}

func (a *Reputation) requestsPlan() Steps {
	var (
		clients  []platform.Item
		eligible []platform.Item
	)
	reviews := a.deps.Platforms.Reviews

	return Steps{
		Gather: func(ctx context.Context, c *Cycle) error {
			err := a.call(ctx, "fetch clients", func(ctx context.Context) error {
				var err error
				clients, err = reviews.FetchRecent(ctx, platform.Source(platform.ScopeClients, a.deps.Playbook.Business.Domain))
				return err
			})
			c.Gathered(len(clients))
			return err
		},
		Analyze: func(_ context.Context, c *Cycle) error {
			for _, cl := range clients {
				if a.eligible(cl, c.Now) {
					eligible = append(eligible, cl)
				}
			}
			// Most recent cases first.
			sort.SliceStable(eligible, func(i, k int) bool { return eligible[i].CreatedAt.After(eligible[k].CreatedAt) })
			return nil
		},
		Act: func(ctx context.Context, c *Cycle) error {
			var errs []error
			for _, cl := range eligible {
				text := a.message(a.deps.Playbook.ReviewRequests.Initial, cl.Author)
				if err := a.call(ctx, "send review request", func(ctx context.Context) error {
					return reviews.Respond(ctx, cl.ID, text)
				}); err != nil {
					errs = append(errs, fmt.Errorf("client %s: %w", cl.ID, err))
					continue
				}
				a.requests[cl.ID] = &request{clientID: cl.ID, name: cl.Author, sentAt: c.Now, lastSent: c.Now}
				c.Actions++
			}
			if len(eligible) > 0 && c.Actions == 0 {
				return errors.Join(errs...)
			}
			c.Note = fmt.Sprintf("%d review requests sent", c.Actions)
			return nil
		},
	}
}

// eligible reports whether a client may be asked now: a client item whose
// case closed recently, who has not reviewed yet and was not asked within
// the cooldown.
func (a *Reputation) eligible(cl platform.Item, now time.Time) bool {
	if cl.Kind != platform.ItemClient || cl.Responded || cl.ID == "" {
		return false
	}
	if !cl.CreatedAt.IsZero() && now.Sub(cl.CreatedAt) > recentCase {
		return false
	}
	if req, ok := a.requests[cl.ID]; ok {
		if req.reviewed || now.Sub(req.sentAt) < a.opts.RequestCooldown {
			return false
		}
	}
	return true
}

// followUpsPlan sends the next follow-up to every client whose step is due.
// Follow-up n is due FollowUpDays[n-1] days after the initial request.
func (a *Reputation) followUpsPlan() Steps {
	var due []*request
	reviews := a.deps.Platforms.Reviews

	return Steps{
		Analyze: func(_ context.Context, c *Cycle) error {
			for _, req := range a.requests {
				if req.reviewed || req.step >= len(a.opts.FollowUpDays) {
					continue
				}
				at := req.sentAt.Add(time.Duration(a.opts.FollowUpDays[req.step]) * 24 * time.Hour)
				if !c.Now.Before(at) {
					due = append(due, req)
				}
			}
			sort.Slice(due, func(i, k int) bool { return due[i].clientID < due[k].clientID })
			c.Gathered(len(due))
			return nil
		},
		Act: func(ctx context.Context, c *Cycle) error {
			templates := a.deps.Playbook.ReviewRequests.FollowUps
			var errs []error
			for _, req := range due {
				text := a.message(playbook.Pick(templates, req.step), req.name)
				if text == "" {
					text = a.message(a.deps.Playbook.ReviewRequests.Initial, req.name)
				}
				if err := a.call(ctx, "send follow-up", func(ctx context.Context) error {
					return reviews.Respond(ctx, req.clientID, text)
				}); err != nil {
					errs = append(errs, fmt.Errorf("client %s: %w", req.clientID, err))
					continue
				}
				req.step++
				req.lastSent = c.Now
				c.Actions++
			}
			if len(due) > 0 && c.Actions == 0 {
				return errors.Join(errs...)
			}
			c.Note = fmt.Sprintf("%d follow-ups sent", c.Actions)
			return nil
		},
	}
}

// monitorPlan fetches reviews per location, answers the new ones, escalates
// negative reviews and raises a critical alert on a spike.
func (a *Reputation) monitorPlan() Steps {
	type fetched struct {
		location string
		source   string
		snap     intel.ReviewSnapshot
	}
	var (
		snaps    []fetched
		negative []intel.Review
		recent   int
	)
	reviews := a.deps.Platforms.Reviews

	return Steps{
		Gather: func(ctx context.Context, c *Cycle) error {
			var errs []error
			for _, loc := range a.locations() {
				source := platform.Source(platform.ScopeReviews, loc)
				var items []platform.Item
				if err := a.call(ctx, "fetch reviews for "+loc, func(ctx context.Context) error {
					var err error
					items, err = reviews.FetchRecent(ctx, source)
					return err
				}); err != nil {
					errs = append(errs, err)
					continue
				}
				c.Gathered(len(items))
				snaps = append(snaps, fetched{location: loc, source: source, snap: reviewsFrom("reviews", loc, items)})
			}
			if len(snaps) == 0 && len(errs) > 0 {
				return errors.Join(errs...)
			}
			return nil
		},
		Analyze: func(_ context.Context, c *Cycle) error {
			for _, f := range snaps {
				for _, r := range f.snap.Reviews {
					if Classify(a.deps.Playbook, r) != SentimentNegative {
						continue
					}
					if !r.CreatedAt.IsZero() && c.Now.Sub(r.CreatedAt) <= spikeWindow {
						recent++
					}
					if !r.Responded {
						negative = append(negative, r)
					}
				}
				a.markReviewed(f.snap.Reviews)
			}
			return nil
		},
		Act: func(ctx context.Context, c *Cycle) error {
			var errs []error
			for _, r := range negative {
				msg := fmt.Sprintf("Negative %d-star review from %s: %q", r.Rating, r.Author, truncate(r.Text, 200))
				if err := a.call(ctx, "escalate review", func(ctx context.Context) error {
					return a.deps.Notifier.Alert(ctx, notify.SeverityWarning, msg)
				}); err != nil {
					errs = append(errs, err)
				}
			}
			if recent >= a.opts.NegativeSpike && (a.spikeSent.IsZero() || c.Now.Sub(a.spikeSent) >= spikeWindow) {
				msg := fmt.Sprintf("Negative review spike: %d negative reviews in the last 24h", recent)
				if err := a.call(ctx, "alert spike", func(ctx context.Context) error {
					return a.deps.Notifier.Alert(ctx, notify.SeverityCritical, msg)
				}); err != nil {
					errs = append(errs, err)
				} else {
					a.spikeSent = c.Now
				}
			}

			for i := range snaps {
				n, failed := a.respond(ctx, reviews, &snaps[i].snap)
				c.Actions += n
				errs = append(errs, failed...)
			}
			for _, o := range c.Inbox {
				if o.Action() == intel.ActionDirective {
					c.Done(o)
				}
			}
			c.Note = fmt.Sprintf("%d replies, %d negative escalated", c.Actions, len(negative))
			return errors.Join(errs...)
		},
		Record: func(_ context.Context, c *Cycle) error {
			for _, f := range snaps {
				c.Add(a.record(f.source, f.snap, c.Now))
			}
			return nil
		},
	}
}

func (a *Reputation) locations() []string {
	locs := a.deps.Playbook.Locations
	if len(locs) == 0 {
		return []string{a.deps.Playbook.Business.Domain}
	}
	out := make([]string, 0, len(locs))
	for _, l := range locs {
		out = append(out, l.ID)
	}
	return out
}

// markReviewed closes the request sequence of clients who left a review.
func (a *Reputation) markReviewed(reviews []intel.Review) {
	for _, req := range a.requests {
		if req.reviewed {
			continue
		}
		for _, r := range reviews {
			if r.Author != "" && strings.EqualFold(strings.TrimSpace(r.Author), strings.TrimSpace(req.name)) {
				req.reviewed = true
				a.logf("client %s left a review, follow-ups stopped", req.clientID)
				break
			}
		}
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
