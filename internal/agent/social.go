package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stellarlinkco/rankpilot/internal/generate"
	"github.com/stellarlinkco/rankpilot/internal/intel"
	"github.com/stellarlinkco/rankpilot/internal/platform"
	"github.com/stellarlinkco/rankpilot/internal/store"
)

const (
	maxArticles     = 20
	viralPerRun     = 5
	engagementSpan  = 7 * 24 * time.Hour
	trendBoostAfter = 3
	trendBoost      = 1.5
	newsBoost       = 1.3
)

// Social publishes viral ideas and amplifies other agents' work across the
// configured social networks.
type Social struct {
	*Base

	mu       sync.Mutex
	articles []Article
}

func NewSocial(deps Deps) *Social {
	a := &Social{Base: newBase(IDSocial, "Social Publishing Agent", deps)}
	a.require(len(deps.Platforms.Social) > 0, "at least one social network is required")
	a.addJob("social-viral", "every 4h", a.viralPlan)
	a.addJob("social-engagement", "every 30m", a.engagementPlan)
	return a
}

// HandOff queues a freshly published article for amplification.
func (a *Social) HandOff(art Article) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.articles = append(a.articles, art)
	if len(a.articles) > maxArticles {
		a.articles = a.articles[len(a.articles)-maxArticles:]
	}
}

func (a *Social) takeArticles() []Article {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.articles
	a.articles = nil
	return out
}

func (a *Social) requeueArticles(arts []Article) {
	if len(arts) == 0 {
		return
	}
	a.mu.Lock()
	a.articles = append(arts, a.articles...)
	a.mu.Unlock()
}

type signalKind string

const (
	signalTrend      signalKind = "trend"
	signalNews       signalKind = "news"
	signalCompetitor signalKind = "competitor"
	signalArticle    signalKind = "article"
)

type signal struct {
	kind       signalKind
	topic      string
	url        string
	engagement int
}

// Idea is a candidate social post.
type Idea struct {
	Template  string
	Topic     string
	Hook      string
	URL       string
	Predicted int
	opp       *intel.Opportunity
}

// affinity lists the signal kinds each template draws its topic from, most
// preferred first.
var affinity = map[string][]signalKind{
	"educational":   {signalArticle, signalTrend},
	"emotional":     {signalArticle, signalNews},
	"controversial": {signalCompetitor, signalTrend},
	"trending":      {signalNews, signalTrend},
}

// ideas evaluates every viral template once. Predicted engagement is the
// template's base, boosted x1.5 with more than three trends and x1.3 with any
// news. Each competitor hit adds a counter idea predicted at twice its
// engagement. Ideas under floor are dropped and the best limit are kept.
func (a *Social) ideas(signals []signal, limit, floor int) []Idea {
	trends, news := 0, 0
	for _, s := range signals {
		switch s.kind {
		case signalTrend:
			trends++
		case signalNews:
			news++
		}
	}
	boost := 1.0
	if trends > trendBoostAfter {
		boost *= trendBoost
	}
	if news > 0 {
		boost *= newsBoost
	}

	// Templates take signals of their preferred kinds first; whatever is
	// left over goes to templates that found nothing.
	tmpls := a.deps.Playbook.ViralTemplates
	topics := make([]*signal, len(tmpls))
	used := make(map[int]bool)
	take := func(match func(signal) bool) *signal {
		for i := range signals {
			if !used[i] && match(signals[i]) {
				used[i] = true
				return &signals[i]
			}
		}
		return nil
	}
	for i, t := range tmpls {
		for _, kind := range affinity[t.Name] {
			if topics[i] = take(func(s signal) bool { return s.kind == kind }); topics[i] != nil {
				break
			}
		}
	}
	for i := range tmpls {
		if topics[i] == nil {
			topics[i] = take(func(s signal) bool { return s.kind != signalCompetitor })
		}
	}

	var out []Idea
	areas := a.deps.Playbook.PracticeAreas
	for i, t := range tmpls {
		var s signal
		switch {
		case topics[i] != nil:
			s = *topics[i]
		case len(areas) > 0:
			s = signal{topic: areas[i%len(areas)]}
		default:
			continue
		}
		hook := ""
		if len(t.Hooks) > 0 {
			hook = strings.ReplaceAll(t.Hooks[0], "{topic}", s.topic)
		}
		out = append(out, Idea{Template: t.Name, Topic: s.topic, Hook: hook, URL: s.url, Predicted: int(float64(t.BaseEngagement) * boost)})
	}
	for _, s := range signals {
		if s.kind == signalCompetitor {
			out = append(out, Idea{Template: "counter", Topic: s.topic, Hook: "Here's what they didn't tell you...", Predicted: s.engagement * 2})
		}
	}

	kept := out[:0]
	for _, idea := range out {
		if idea.Predicted >= floor {
			kept = append(kept, idea)
		}
	}
	sort.SliceStable(kept, func(i, k int) bool { return kept[i].Predicted > kept[k].Predicted })
	if len(kept) > limit {
		kept = kept[:limit]
	}
	return kept
}

// synergyIdea turns a dispatched opportunity into a post idea.
func synergyIdea(o intel.Opportunity) Idea {
	idea := Idea{Template: "synergy", Topic: topicOf(o), opp: &o}
	switch d := o.Detail.(type) {
	case intel.SynergyDetail:
		idea.URL = d.URL
		switch d.Action {
		case intel.ActionCrossPromote:
			idea.Template = "cross-promotion"
			idea.Hook = "New on our blog: " + d.Title
		case intel.ActionSocialProof:
			idea.Template = "social-proof"
			idea.Hook = "\"" + d.Text + "\""
		case intel.ActionCounterContent:
			idea.Template = "counter"
		case intel.ActionDirective:
			idea.Template = "directive"
			idea.Topic = d.Situation
		}
	case intel.BreakingDetail:
		idea.Template = "trending"
		idea.URL = d.URL
		idea.Hook = "Breaking: " + d.Headline
	case intel.ContentGapDetail:
		idea.Template = "educational"
	}
	return idea
}

func (a *Social) viralPlan() Steps {
	var (
		signals  []signal
		articles []Article
		stored   []intel.Opportunity
		plan     []Idea
	)

	return Steps{
		Gather: func(ctx context.Context, c *Cycle) error {
			articles = a.takeArticles()
			for _, art := range articles {
				signals = append(signals, signal{kind: signalArticle, topic: firstNonEmpty(art.Topic, art.Title), url: art.URL})
			}

			var errs []error
			fetched := 0
			fetch := func(adapter platform.Adapter, kind signalKind, source string) {
				var items []platform.Item
				if err := a.call(ctx, "fetch "+source, func(ctx context.Context) error {
					var err error
					items, err = adapter.FetchRecent(ctx, source)
					return err
				}); err != nil {
					errs = append(errs, err)
					return
				}
				fetched++
				c.Gathered(len(items))
				for _, it := range items {
					if topic := firstNonEmpty(it.Keyword, it.Title); topic != "" {
						signals = append(signals, signal{kind: kind, topic: topic, url: it.URL})
					}
				}
			}
			for _, network := range a.deps.Platforms.Networks() {
				fetch(a.deps.Platforms.Social[network], signalTrend, platform.Source(platform.ScopeTrends, network))
			}
			if site := a.deps.Platforms.Site; site != nil {
				fetch(site, signalNews, platform.Source(platform.ScopeNews, a.deps.Playbook.Business.Domain))
			}

			var records []intel.Record
			if err := a.call(ctx, "query social activity", func(ctx context.Context) error {
				var err error
				records, err = a.deps.Store.Records(ctx, store.Query{Kind: string(intel.KindSocialActivity), Agent: IDCompetitor, AsOf: c.Now})
				return err
			}); err != nil {
				errs = append(errs, err)
			} else {
				fetched++
			}
			for _, act := range intel.OfKind[intel.SocialActivity](intel.Live(newestFirst(records, c.Received), c.Now)) {
				for _, p := range act.Posts {
					if p.Engagement >= a.opts.ViralFloor && p.Text != "" {
						signals = append(signals, signal{kind: signalCompetitor, topic: p.Text, url: p.URL, engagement: p.Engagement})
					}
				}
			}

			if err := a.call(ctx, "query opportunities", func(ctx context.Context) error {
				var err error
				stored, err = a.deps.Store.Opportunities(ctx, store.Query{Assignee: IDSocial, Statuses: openStatuses, Since: c.Now.Add(-openWindow)})
				return err
			}); err != nil {
				errs = append(errs, err)
			}

			if fetched == 0 && len(articles) == 0 && len(c.Inbox) == 0 {
				return errors.Join(errs...)
			}
			if len(errs) > 0 {
				a.logf("partial gather: %v", errors.Join(errs...))
			}
			return nil
		},
		Analyze: func(_ context.Context, c *Cycle) error {
			limit := c.Limit(viralPerRun)
			for _, o := range intel.Top(intel.Prioritize(c.Candidates(stored...), c.Now, a.deps.Windows), limit) {
				plan = append(plan, synergyIdea(o))
			}
			if room := limit - len(plan); room > 0 {
				plan = append(plan, a.ideas(signals, room, a.opts.ViralFloor)...)
			}
			return nil
		},
		Act: func(ctx context.Context, c *Cycle) error {
			var errs []error
			for _, idea := range plan {
				pubs, err := a.publishIdea(ctx, c.Now, idea)
				for _, p := range pubs {
					c.Publish(p)
				}
				if len(pubs) == 0 {
					errs = append(errs, fmt.Errorf("%s %q: %w", idea.Template, idea.Topic, err))
					continue
				}
				if idea.opp != nil {
					c.Done(*idea.opp)
				} else {
					c.Actions++
				}
			}
			if len(plan) > 0 && c.Actions == 0 {
				a.requeueArticles(articles)
				return errors.Join(errs...)
			}
			c.Note = fmt.Sprintf("%d of %d ideas published", c.Actions, len(plan))
			return nil
		},
	}
}

// publishIdea generates one variant per network and schedules them with a
// stagger between networks.
func (a *Social) publishIdea(ctx context.Context, now time.Time, idea Idea) ([]store.Publication, error) {
	var (
		pubs []store.Publication
		errs []error
	)
	for i, network := range a.deps.Platforms.Networks() {
		text, err := a.variant(ctx, network, idea)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", network, err))
			continue
		}
		var id platform.PostID
		if err := a.call(ctx, "publish to "+network, func(ctx context.Context) error {
			var err error
			id, err = a.deps.Platforms.Social[network].Publish(ctx, platform.Content{
				Title:       text.Title,
				Body:        text.Body,
				URL:         idea.URL,
				Type:        idea.Template,
				Tags:        text.Tags,
				ScheduledAt: now.Add(time.Duration(i) * a.opts.SocialStagger),
			})
			return err
		}); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", network, err))
			continue
		}
		pub := store.Publication{Agent: IDSocial, Channel: network, Title: text.Title, URL: idea.URL, PostID: string(id)}
		if idea.opp != nil {
			pub.OpportunityID = idea.opp.ID
		}
		pubs = append(pubs, pub)
	}
	return pubs, errors.Join(errs...)
}

// variant writes the post for one network. Short-form networks get fewer
// words; every variant carries the playbook hashtags.
func (a *Social) variant(ctx context.Context, network string, idea Idea) (generate.Text, error) {
	words := 120
	switch network {
	case "twitter", "x", "threads":
		words = 45
	case "linkedin":
		words = 200
	}
	var facts []string
	if idea.Hook != "" {
		facts = append(facts, "Open with: "+idea.Hook)
	}
	if idea.URL != "" {
		facts = append(facts, "Link: "+idea.URL)
	}

	var text generate.Text
	err := a.call(ctx, "generate "+network+" variant", func(ctx context.Context) error {
		var err error
		text, err = a.deps.Generator.Generate(ctx, generate.Prompt{
			Agent:    IDSocial,
			Task:     idea.Template + " post for " + network,
			Topic:    idea.Topic,
			Tone:     "engaging, shareable",
			Facts:    facts,
			MaxWords: words,
		})
		return err
	})
	if err != nil {
		return text, err
	}
	text.Tags = append(text.Tags, a.deps.Playbook.Hashtags...)
	return text, nil
}

// engagementPlan samples engagement of recent posts and follower counts into
// one social-activity record per network.
func (a *Social) engagementPlan() Steps {
	type sampled struct {
		pub store.Publication
		eng platform.Engagement
	}
	var (
		samples   []sampled
		followers = make(map[string]int)
	)
	handles := a.deps.Playbook.Business.Handles

	return Steps{
		Gather: func(ctx context.Context, c *Cycle) error {
			var recent []store.Publication
			if err := a.call(ctx, "query publications", func(ctx context.Context) error {
				var err error
				recent, err = a.deps.Store.Publications(ctx, store.Query{Agent: IDSocial, Since: c.Now.Add(-engagementSpan)})
				return err
			}); err != nil {
				return err
			}

			var errs []error
			for _, p := range recent {
				adapter, ok := a.deps.Platforms.Social[p.Channel]
				if !ok || p.PostID == "" {
					continue
				}
				var e platform.Engagement
				if err := a.call(ctx, "fetch engagement", func(ctx context.Context) error {
					var err error
					e, err = adapter.FetchEngagement(ctx, platform.PostID(p.PostID))
					return err
				}); err != nil {
					errs = append(errs, err)
					continue
				}
				samples = append(samples, sampled{pub: p, eng: e})
			}

			for _, network := range a.deps.Platforms.Networks() {
				handle := handles[network]
				if handle == "" {
					continue
				}
				var items []platform.Item
				if err := a.call(ctx, "fetch "+network+" profile", func(ctx context.Context) error {
					var err error
					items, err = a.deps.Platforms.Social[network].FetchRecent(ctx, platform.Source(platform.ScopeProfile, handle))
					return err
				}); err != nil {
					errs = append(errs, err)
					continue
				}
				for _, it := range items {
					followers[network] = max(followers[network], it.Followers)
				}
			}
			c.Gathered(len(samples))
			if len(samples) == 0 && len(followers) == 0 && len(errs) > 0 {
				return errors.Join(errs...)
			}
			return nil
		},
		Analyze: func(_ context.Context, c *Cycle) error {
			byNetwork := make(map[string]*intel.SocialActivity)
			views := make(map[string]int)
			interactions := make(map[string]int)
			for _, network := range a.deps.Platforms.Networks() {
				if _, sampledAny := followers[network]; sampledAny {
					byNetwork[network] = &intel.SocialActivity{Platform: network, Handle: handles[network], Followers: followers[network]}
				}
			}
			for _, s := range samples {
				act, ok := byNetwork[s.pub.Channel]
				if !ok {
					act = &intel.SocialActivity{Platform: s.pub.Channel, Handle: handles[s.pub.Channel], Followers: followers[s.pub.Channel]}
					byNetwork[s.pub.Channel] = act
				}
				act.Followers = max(act.Followers, s.eng.Followers)
				act.Posts = append(act.Posts, intel.SocialPost{
					ID:         s.pub.PostID,
					Text:       s.pub.Title,
					URL:        s.pub.URL,
					Engagement: s.eng.Total(),
					PostedAt:   s.pub.PublishedAt,
				})
				views[s.pub.Channel] += s.eng.Views
				interactions[s.pub.Channel] += s.eng.Total()

				updated := s.pub
				updated.Engagement = s.eng.Total()
				c.Publish(updated)
			}
			for network, act := range byNetwork {
				if views[network] > 0 {
					act.EngagementRate = float64(interactions[network]) / float64(views[network])
				}
				c.Add(a.record(platform.Source(platform.ScopeProfile, firstNonEmpty(act.Handle, network)), *act, c.Now))
			}
			return nil
		},
	}
}
