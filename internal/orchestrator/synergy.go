package orchestrator

import (
	"fmt"
	"strings"

	"github.com/stellarlinkco/rankpilot/internal/agent"
	"github.com/stellarlinkco/rankpilot/internal/intel"
	"github.com/stellarlinkco/rankpilot/internal/store"
)

// synergies derives cross-agent actions from the view. Each carries a subject
// key, so deriving the same action on a later pass collapses into the stored
// one.
func (o *Orchestrator) synergies(view *store.View) []intel.Opportunity {
	now := view.AsOf
	since := now.Add(-o.opts.SynergyWindow)
	var out []intel.Opportunity
	add := func(tier intel.Tier, impact int, subject, desc string, d intel.SynergyDetail, assignees ...string) {
		op := intel.NewOpportunity(ID, tier, impact, subject, desc, d, now)
		for _, id := range assignees {
			if _, ok := o.byID[id]; ok {
				op.Assignees = append(op.Assignees, id)
			}
		}
		if len(op.Assignees) > 0 {
			out = append(out, op)
		}
	}

	seen := make(map[string]bool)
	for _, snap := range intel.OfKind[intel.ReviewSnapshot](view.RecordsOf(intel.KindReviewSnapshot)) {
		for _, r := range snap.Reviews {
			if r.Rating != 5 || r.CreatedAt.Before(since) || seen[r.ID] || strings.TrimSpace(r.Text) == "" {
				continue
			}
			seen[r.ID] = true
			d := intel.SynergyDetail{Ref: r.ID, Title: r.Author, Text: r.Text}
			d.Action = intel.ActionFeatureReview
			add(intel.TierMedium, 5, "feature-review:"+r.ID, "Feature a 5-star review from "+r.Author, d, agent.IDListing)
			d.Action = intel.ActionSocialProof
			add(intel.TierMedium, 5, "social-proof:"+r.ID, "Share a 5-star review from "+r.Author, d, agent.IDSocial)
		}
	}

	for _, p := range view.Publications {
		if p.Agent != agent.IDContent || p.PublishedAt.Before(since) {
			continue
		}
		add(intel.TierMedium, 6, "cross-promote:"+p.ID, "Cross-promote "+p.Title,
			intel.SynergyDetail{Action: intel.ActionCrossPromote, Ref: p.ID, Title: p.Title, URL: p.URL}, agent.IDSocial)
	}

	for _, r := range view.RecordsOf(intel.KindSocialActivity) {
		act, ok := r.Payload.(intel.SocialActivity)
		if !ok || r.Origin != agent.IDCompetitor {
			continue
		}
		for _, post := range act.Posts {
			if post.Engagement < o.opts.ViralFloor || seen[act.Platform+"/"+post.ID] {
				continue
			}
			seen[act.Platform+"/"+post.ID] = true
			add(intel.TierHigh, 7, fmt.Sprintf("counter:%s:%s", act.Platform, post.ID),
				fmt.Sprintf("Counter %s's popular %s post (%d engagements)", act.Handle, act.Platform, post.Engagement),
				intel.SynergyDetail{Action: intel.ActionCounterContent, Ref: post.ID, Title: post.Text, Text: post.Text, URL: post.URL},
				agent.IDContent, agent.IDSocial)
		}
	}

	for _, op := range view.Live(o.windows) {
		d, ok := op.Detail.(intel.KeywordDetail)
		if !ok || op.Tier != intel.TierHigh {
			continue
		}
		add(intel.TierHigh, op.Impact, "localized-post:"+op.ID, "Local post targeting "+d.Keyword,
			intel.SynergyDetail{Action: intel.ActionLocalizedPost, Ref: op.ID, Title: d.Keyword}, agent.IDListing)
	}
	return out
}
