package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stellarlinkco/rankpilot/internal/intel"
	"github.com/stellarlinkco/rankpilot/internal/notify"
	"github.com/stellarlinkco/rankpilot/internal/platform"
	"github.com/stellarlinkco/rankpilot/internal/playbook"
	"github.com/stellarlinkco/rankpilot/internal/store"
)

// Competitor watches competitor sites, rankings, backlinks and social
// accounts, and derives gap and advantage opportunities from them.
type Competitor struct {
	*Base
}

func NewCompetitor(deps Deps) *Competitor {
	a := &Competitor{Base: newBase(IDCompetitor, "Competitor Intelligence Agent", deps)}
	a.require(deps.Platforms.Ranking != nil, "ranking data platform is required")
	a.require(len(a.deps.Playbook.Competitors) > 0, "at least one competitor must be configured")

	all := []string{platform.ScopeContent, platform.ScopeRankings, platform.ScopeBacklinks, platform.ScopeAudit}
	a.addJob("competitor-daily", "daily 06:00", a.sweepPlan(all, true, derivations{content: true, keywords: true, backlinks: true, technical: true}))
	a.addJob("competitor-content", "every 1h", a.sweepPlan([]string{platform.ScopeContent}, true, derivations{content: true}))
	a.addJob("competitor-rankings", "every 4h", a.sweepPlan([]string{platform.ScopeRankings}, false, derivations{keywords: true}))
	a.addJob("competitor-deep", "cron 0 7 * * 1", a.deepPlan)
	return a
}

type derivations struct {
	content, keywords, backlinks, technical bool
}

// target is one domain to sweep. Own is our own site, gathered for
// comparison; its failures do not count against the sweep.
type target struct {
	name   string
	domain string
	social map[string]string
	own    bool
}

type sweepResult struct {
	records []intel.Record
	items   int
	err     error
}

func (a *Competitor) targets() []target {
	pb := a.deps.Playbook
	out := make([]target, 0, len(pb.Competitors)+1)
	for _, c := range pb.Competitors {
		out = append(out, target{name: c.Name, domain: c.Domain, social: c.Social})
	}
	return append(out, target{name: pb.Business.Name, domain: pb.Business.Domain, own: true})
}

func (a *Competitor) sweepPlan(scopes []string, social bool, d derivations) func() Steps {
	return func() Steps {
		var analysis []intel.Record
		swept := false

		return Steps{
			Gather: func(ctx context.Context, c *Cycle) error {
				if err := a.sweep(ctx, c, scopes, social); err != nil {
					return err
				}
				swept = true

				var stored []intel.Record
				if err := a.call(ctx, "query records", func(ctx context.Context) error {
					var err error
					stored, err = a.deps.Store.Records(ctx, store.Query{AsOf: c.Now, Limit: storeReadLimit})
					return err
				}); err != nil {
					a.logf("stored intelligence unavailable, analyzing fresh data only: %v", err)
				}
				analysis = newestFirst(c.Records, c.Received, stored)
				return nil
			},
			Analyze: func(_ context.Context, c *Cycle) error {
				f := finder{origin: IDCompetitor, domain: a.deps.Playbook.Business.Domain, now: c.Now}
				if d.content {
					c.Propose(f.contentGaps(analysis)...)
				}
				if d.keywords {
					c.Propose(f.keywordGaps(analysis)...)
				}
				if d.backlinks {
					c.Propose(f.backlinkGaps(analysis)...)
				}
				if d.technical {
					c.Propose(f.technicalEdges(analysis)...)
				}
				return nil
			},
			Act: func(_ context.Context, c *Cycle) error {
				// A completed sweep answers any directive queued for us.
				if swept {
					for _, o := range c.Inbox {
						if o.Action() == intel.ActionDirective {
							c.Done(o)
						}
					}
				}
				c.Note = fmt.Sprintf("%d records, %d opportunities", len(c.Records), len(c.Opportunities))
				return nil
			},
		}
	}
}

// sweep gathers every target concurrently with a bounded number of workers.
// It fails only when every competitor failed.
func (a *Competitor) sweep(ctx context.Context, c *Cycle, scopes []string, social bool) error {
	targets := a.targets()
	results := make([]sweepResult, len(targets))

	var g errgroup.Group
	g.SetLimit(a.opts.Workers)
	for i, t := range targets {
		g.Go(func() error {
			results[i] = a.gatherTarget(ctx, t, scopes, social && !t.own, c.Now)
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	competitors, failed := 0, 0
	for i, r := range results {
		t := targets[i]
		c.Add(r.records...)
		c.Gathered(r.items)
		if !t.own {
			competitors++
		}
		if r.err == nil {
			continue
		}
		if t.own {
			a.logf("own site %s: %v", t.domain, r.err)
			continue
		}
		failed++
		errs = append(errs, fmt.Errorf("%s: %w", t.domain, r.err))
	}
	if competitors > 0 && failed == competitors {
		return fmt.Errorf("every competitor failed: %w", errors.Join(errs...))
	}
	if failed > 0 {
		a.logf("%d of %d competitors failed: %v", failed, competitors, errors.Join(errs...))
	}
	return nil
}

// gatherTarget fetches the scopes for one domain. The target fails only when
// nothing could be fetched for it.
func (a *Competitor) gatherTarget(ctx context.Context, t target, scopes []string, social bool, now time.Time) sweepResult {
	var (
		res  sweepResult
		errs []error
		ok   int
	)
	ranking := a.deps.Platforms.Ranking
	for _, scope := range scopes {
		var items []platform.Item
		if err := a.call(ctx, "fetch "+scope+" for "+t.domain, func(ctx context.Context) error {
			var err error
			items, err = ranking.FetchRecent(ctx, platform.Source(scope, t.domain))
			return err
		}); err != nil {
			errs = append(errs, err)
			continue
		}
		ok++
		res.items += len(items)

		source := platform.Source(scope, t.domain)
		switch scope {
		case platform.ScopeContent:
			res.records = append(res.records, a.record(source, inventoryFrom(t.domain, items), now))
		case platform.ScopeRankings:
			res.records = append(res.records, a.record(source, rankingFrom(t.domain, items), now))
		case platform.ScopeBacklinks:
			res.records = append(res.records, a.record(source, backlinksFrom(t.domain, items), now))
		case platform.ScopeAudit:
			res.records = append(res.records, a.record(source, auditFrom(t.domain, items), now))
		}
	}

	if social {
		for _, network := range sortedKeys(t.social) {
			adapter, configured := a.deps.Platforms.Social[network]
			if !configured {
				continue
			}
			handle := t.social[network]
			var items []platform.Item
			if err := a.call(ctx, "fetch "+network+" posts for "+t.domain, func(ctx context.Context) error {
				var err error
				items, err = adapter.FetchRecent(ctx, platform.Source(platform.ScopePosts, handle))
				return err
			}); err != nil {
				errs = append(errs, err)
				continue
			}
			ok++
			res.items += len(items)
			res.records = append(res.records, a.record(platform.Source(platform.ScopePosts, handle), activityFrom(network, handle, items), now))
		}
	}

	if ok == 0 && len(errs) > 0 {
		res.err = errors.Join(errs...)
	}
	return res
}

// activityFrom summarizes post and profile items from one social account.
func activityFrom(network, handle string, items []platform.Item) intel.SocialActivity {
	act := intel.SocialActivity{Platform: network, Handle: handle}
	total := 0
	for _, it := range items {
		if it.Followers > act.Followers {
			act.Followers = it.Followers
		}
		if it.Kind != platform.ItemPost {
			continue
		}
		act.Posts = append(act.Posts, intel.SocialPost{
			ID:         it.ID,
			Text:       firstNonEmpty(it.Text, it.Title),
			URL:        it.URL,
			Engagement: it.Engagement,
			PostedAt:   it.CreatedAt,
		})
		total += it.Engagement
	}
	if act.Followers > 0 && len(act.Posts) > 0 {
		act.EngagementRate = float64(total) / float64(len(act.Posts)) / float64(act.Followers)
	}
	return act
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// deepPlan reviews the stored audits and backlink profiles and sends a
// digest of competitor weaknesses.
func (a *Competitor) deepPlan() Steps {
	var records []intel.Record

	return Steps{
		Gather: func(ctx context.Context, c *Cycle) error {
			for _, kind := range []intel.RecordKind{intel.KindTechnicalAudit, intel.KindBacklinkProfile} {
				var got []intel.Record
				if err := a.call(ctx, "query "+string(kind), func(ctx context.Context) error {
					var err error
					got, err = a.deps.Store.Records(ctx, store.Query{Kind: string(kind), AsOf: c.Now})
					return err
				}); err != nil {
					return err
				}
				records = append(records, got...)
			}
			records = newestFirst(records, c.Received)
			c.Gathered(len(records))
			return nil
		},
		Analyze: func(_ context.Context, c *Cycle) error {
			f := finder{origin: IDCompetitor, domain: a.deps.Playbook.Business.Domain, now: c.Now}
			c.Propose(f.technicalEdges(records)...)
			c.Propose(f.backlinkGaps(records)...)
			return nil
		},
		Act: func(ctx context.Context, c *Cycle) error {
			digest := weaknessDigest(a.deps.Playbook, records, c.Now)
			if digest == "" {
				c.Note = "no competitor weaknesses on record"
				return nil
			}
			if err := a.call(ctx, "send digest", func(ctx context.Context) error {
				return a.deps.Notifier.Alert(ctx, notify.SeverityInfo, digest)
			}); err != nil {
				return err
			}
			c.Actions++
			c.Note = fmt.Sprintf("digest sent, %d opportunities", len(c.Opportunities))
			return nil
		},
	}
}

func weaknessDigest(pb *playbook.Playbook, records []intel.Record, now time.Time) string {
	audits := latest(intel.Live(records, now), func(t intel.TechnicalAudit) string { return t.Domain })
	profiles := latest(intel.Live(records, now), func(b intel.BacklinkProfile) string { return b.Domain })

	var lines []string
	for _, c := range pb.Competitors {
		key := strings.ToLower(c.Domain)
		var notes []string
		if audit, ok := audits[key]; ok {
			for _, w := range weaknesses(audit) {
				notes = append(notes, w.text)
			}
		}
		if prof, ok := profiles[key]; ok {
			notes = append(notes, fmt.Sprintf("%d referring domains", prof.ReferringDomains))
		}
		if len(notes) > 0 {
			lines = append(lines, fmt.Sprintf("- %s (%s): %s", c.Name, c.Domain, strings.Join(notes, "; ")))
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return "Weekly competitor digest\n" + strings.Join(lines, "\n")
}
