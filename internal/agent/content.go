package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stellarlinkco/rankpilot/internal/generate"
	"github.com/stellarlinkco/rankpilot/internal/intel"
	"github.com/stellarlinkco/rankpilot/internal/platform"
	"github.com/stellarlinkco/rankpilot/internal/store"
)

// Article is a published piece handed from the content agent to social.
type Article struct {
	PublicationID string
	Title         string
	URL           string
	Topic         string
	Tags          []string
	PublishedAt   time.Time
}

// Handoff receives freshly published articles.
type Handoff interface {
	HandOff(a Article)
}

const (
	openWindow     = 30 * 24 * time.Hour
	refreshWindow  = 30 * 24 * time.Hour
	refreshPerRun  = 2
	storeReadLimit = 500
)

var openStatuses = []intel.Status{intel.StatusIdentified, intel.StatusDispatched}

// Content turns content gaps, keyword gaps and breaking events into
// published articles.
type Content struct {
	*Base

	mu      sync.Mutex
	handoff Handoff
}

func NewContent(deps Deps) *Content {
	a := &Content{Base: newBase(IDContent, "Content Agent", deps)}
	a.require(deps.Platforms.Site != nil, "site platform is required")
	a.addJob("content-cycle", "every 2h", a.cyclePlan)
	a.addJob("content-refresh", "daily 03:30", a.refreshPlan)
	return a
}

// SetHandoff wires the agent that amplifies published articles.
func (a *Content) SetHandoff(h Handoff) {
	a.mu.Lock()
	a.handoff = h
	a.mu.Unlock()
}

func (a *Content) handOff(art Article) {
	a.mu.Lock()
	h := a.handoff
	a.mu.Unlock()
	if h != nil {
		h.HandOff(art)
	}
}

func (a *Content) cyclePlan() Steps {
	var (
		records []intel.Record
		items   []platform.Item
		stored  []intel.Opportunity
		chosen  []intel.Opportunity
	)
	site := a.deps.Platforms.Site
	domain := a.deps.Playbook.Business.Domain

	return Steps{
		Gather: func(ctx context.Context, c *Cycle) error {
			var errs []error
			ok := 0
			if err := a.call(ctx, "query records", func(ctx context.Context) error {
				var err error
				records, err = a.deps.Store.Records(ctx, store.Query{AsOf: c.Now, Limit: storeReadLimit})
				return err
			}); err != nil {
				errs = append(errs, err)
			} else {
				ok++
			}
			records = newestFirst(records, c.Received)

			if err := a.call(ctx, "query opportunities", func(ctx context.Context) error {
				var err error
				stored, err = a.deps.Store.Opportunities(ctx, store.Query{
					Assignee: IDContent,
					Statuses: openStatuses,
					Since:    c.Now.Add(-openWindow),
				})
				return err
			}); err != nil {
				errs = append(errs, err)
			}

			for _, scope := range []string{platform.ScopeTrends, platform.ScopeNews} {
				var got []platform.Item
				if err := a.call(ctx, "fetch "+scope, func(ctx context.Context) error {
					var err error
					got, err = site.FetchRecent(ctx, platform.Source(scope, domain))
					return err
				}); err != nil {
					errs = append(errs, err)
					continue
				}
				ok++
				items = append(items, got...)
			}
			c.Gathered(len(records) + len(items))

			if ok == 0 {
				return errors.Join(errs...)
			}
			if len(errs) > 0 {
				a.logf("partial gather: %v", errors.Join(errs...))
			}
			return nil
		},
		Analyze: func(_ context.Context, c *Cycle) error {
			f := finder{origin: IDContent, domain: domain, now: c.Now}
			c.Propose(f.contentGaps(records)...)
			c.Propose(f.keywordGaps(records)...)
			c.Propose(f.breaking(items, a.deps.Windows[intel.KindBreakingEvent])...)
			c.Propose(f.trending(items)...)

			ranked := intel.Prioritize(c.Candidates(stored...), c.Now, a.deps.Windows)
			chosen = intel.Top(ranked, c.Limit(a.opts.TopK))
			return nil
		},
		Act: func(ctx context.Context, c *Cycle) error {
			var errs []error
			for _, o := range chosen {
				if err := a.produce(ctx, c, o); err != nil {
					errs = append(errs, fmt.Errorf("opportunity %s: %w", o.ID, err))
				}
			}
			if len(chosen) > 0 && c.Actions == 0 {
				return errors.Join(errs...)
			}
			if len(errs) > 0 {
				a.logf("%d of %d articles failed: %v", len(errs), len(chosen), errors.Join(errs...))
			}
			c.Note = fmt.Sprintf("%d articles published", c.Actions)
			return nil
		},
	}
}

// produce writes and publishes one article for o.
func (a *Content) produce(ctx context.Context, c *Cycle, o intel.Opportunity) error {
	prompt := generate.Prompt{
		Agent:    IDContent,
		Task:     articleTask(o),
		Topic:    topicOf(o),
		Audience: "people looking for " + a.deps.Playbook.Business.Name + " services in " + a.deps.Playbook.Business.City,
		Tone:     "helpful, authoritative",
		Facts:    []string{o.Description, "Business: " + a.deps.Playbook.Business.Name},
		MaxWords: 800,
	}
	if c.Directive != nil {
		prompt.Facts = append(prompt.Facts, "Priority situation: "+c.Directive.Situation)
	}

	var text generate.Text
	if err := a.call(ctx, "generate article", func(ctx context.Context) error {
		var err error
		text, err = a.deps.Generator.Generate(ctx, prompt)
		return err
	}); err != nil {
		return err
	}

	var id platform.PostID
	if err := a.call(ctx, "publish article", func(ctx context.Context) error {
		var err error
		id, err = a.deps.Platforms.Site.Publish(ctx, platform.Content{
			Title: text.Title,
			Body:  text.Body,
			Type:  "article",
			Tags:  text.Tags,
		})
		return err
	}); err != nil {
		return err
	}

	pub := store.Publication{
		Agent:         IDContent,
		Channel:       "site",
		Title:         text.Title,
		PostID:        string(id),
		OpportunityID: o.ID,
	}
	c.Publish(pub)
	c.Done(o)
	published := c.Publications[len(c.Publications)-1]
	a.handOff(Article{
		PublicationID: published.ID,
		Title:         text.Title,
		Topic:         topicOf(o),
		Tags:          text.Tags,
		PublishedAt:   published.PublishedAt,
	})
	return nil
}

func articleTask(o intel.Opportunity) string {
	switch o.Kind {
	case intel.KindBreakingEvent:
		return "timely blog post reacting to breaking news"
	case intel.KindKeyword:
		return "search-optimized blog post targeting a keyword"
	case intel.KindBacklink:
		return "linkable resource article for outreach"
	case intel.KindTechnical:
		return "blog post highlighting a service advantage"
	case intel.KindSynergyAction:
		if o.Action() == intel.ActionDirective {
			return "urgent blog post responding to an emergency situation"
		}
		return "counter article answering a competitor's popular post"
	}
	return "in-depth blog post filling a content gap"
}

// topicOf picks the most specific subject an opportunity carries.
func topicOf(o intel.Opportunity) string {
	switch d := o.Detail.(type) {
	case intel.ContentGapDetail:
		return d.Topic
	case intel.KeywordDetail:
		return d.Keyword
	case intel.BreakingDetail:
		return firstNonEmpty(d.Topic, d.Headline)
	case intel.BacklinkDetail:
		return "resources " + d.SourceDomain + " would link to"
	case intel.TechnicalDetail:
		return d.Weakness
	case intel.SynergyDetail:
		return firstNonEmpty(d.Title, d.Text, d.Situation)
	}
	return o.Description
}

type measured struct {
	pub        store.Publication
	engagement int
}

func (a *Content) refreshPlan() Steps {
	var (
		pubs    []measured
		weakest []measured
	)
	site := a.deps.Platforms.Site

	return Steps{
		Gather: func(ctx context.Context, c *Cycle) error {
			var recent []store.Publication
			if err := a.call(ctx, "query publications", func(ctx context.Context) error {
				var err error
				recent, err = a.deps.Store.Publications(ctx, store.Query{Agent: IDContent, Kind: "site", Since: c.Now.Add(-refreshWindow), Limit: 50})
				return err
			}); err != nil {
				return err
			}

			var errs []error
			for _, p := range recent {
				if p.PostID == "" {
					continue
				}
				var e platform.Engagement
				if err := a.call(ctx, "fetch engagement", func(ctx context.Context) error {
					var err error
					e, err = site.FetchEngagement(ctx, platform.PostID(p.PostID))
					return err
				}); err != nil {
					errs = append(errs, err)
					continue
				}
				pubs = append(pubs, measured{pub: p, engagement: e.Total()})
			}
			c.Gathered(len(pubs))
			if len(pubs) == 0 && len(errs) > 0 {
				return errors.Join(errs...)
			}
			return nil
		},
		Analyze: func(_ context.Context, c *Cycle) error {
			if len(pubs) < 2 {
				return nil
			}
			total := 0
			for _, m := range pubs {
				total += m.engagement
			}
			avg := total / len(pubs)
			sorted := append([]measured(nil), pubs...)
			sort.SliceStable(sorted, func(i, k int) bool { return sorted[i].engagement < sorted[k].engagement })
			for _, m := range sorted {
				if len(weakest) == c.Limit(refreshPerRun) || m.engagement*2 >= avg {
					break
				}
				weakest = append(weakest, m)
			}
			return nil
		},
		Act: func(ctx context.Context, c *Cycle) error {
			var errs []error
			for _, m := range weakest {
				if err := a.refresh(ctx, m.pub); err != nil {
					errs = append(errs, err)
					continue
				}
				c.Actions++
			}
			if len(weakest) > 0 && c.Actions == 0 {
				return errors.Join(errs...)
			}
			return nil
		},
		Record: func(ctx context.Context, c *Cycle) error {
			var errs []error
			for _, m := range pubs {
				p := m.pub
				p.Engagement = m.engagement
				if err := a.call(ctx, "update publication", func(ctx context.Context) error {
					return a.deps.Store.PutPublication(ctx, p)
				}); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		},
	}
}

func (a *Content) refresh(ctx context.Context, p store.Publication) error {
	var text generate.Text
	if err := a.call(ctx, "generate refresh", func(ctx context.Context) error {
		var err error
		text, err = a.deps.Generator.Generate(ctx, generate.Prompt{
			Agent:    IDContent,
			Task:     "rewrite an underperforming article with a stronger hook",
			Topic:    p.Title,
			Tone:     "helpful, authoritative",
			MaxWords: 800,
		})
		return err
	}); err != nil {
		return err
	}
	return a.call(ctx, "publish refresh", func(ctx context.Context) error {
		_, err := a.deps.Platforms.Site.Publish(ctx, platform.Content{
			Title: text.Title,
			Body:  text.Body,
			URL:   p.URL,
			Type:  "update",
			Tags:  text.Tags,
		})
		return err
	})
}
