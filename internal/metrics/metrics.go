// Package metrics turns a store view and agent statuses into a
// PerformanceSnapshot and decides whether cadences need to change.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/stellarlinkco/rankpilot/internal/agent"
	"github.com/stellarlinkco/rankpilot/internal/fault"
	"github.com/stellarlinkco/rankpilot/internal/intel"
	"github.com/stellarlinkco/rankpilot/internal/store"
)

var (
	errNoRankings = errors.New("no ranking snapshot for own domain")
	errNoReviews  = errors.New("no review snapshots")
	errNoSocial   = errors.New("no own social activity")
	errNoCycles   = errors.New("no agent has completed a cycle")
)

// Thresholds drive the analysis half of a snapshot.
type Thresholds struct {
	// Domain is our own site; only its ranking snapshots count.
	Domain      string
	RatingFloor float64
	// Top10Ratio is the minimum share of tracked keywords in the top 10.
	Top10Ratio float64
	// ViralFloor is the engagement at which an own post counts as viral.
	ViralFloor int
	// Windows decides which open opportunities still count.
	Windows intel.Windows
}

func DefaultThresholds() Thresholds {
	return Thresholds{RatingFloor: 4.5, Top10Ratio: 0.5, ViralFloor: 1000}
}

func (t Thresholds) withDefaults() Thresholds {
	def := DefaultThresholds()
	if t.RatingFloor <= 0 {
		t.RatingFloor = def.RatingFloor
	}
	if t.Top10Ratio <= 0 {
		t.Top10Ratio = def.Top10Ratio
	}
	if t.ViralFloor <= 0 {
		t.ViralFloor = def.ViralFloor
	}
	if t.Windows == nil {
		t.Windows = intel.DefaultWindows()
	}
	return t
}

// Collector samples KPIs. It holds no state between samples.
type Collector struct {
	store      store.Store
	clock      clockwork.Clock
	thresholds Thresholds
	logger     *log.Logger
}

func New(s store.Store, clock clockwork.Clock, th Thresholds, logger *log.Logger) *Collector {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Collector{store: s, clock: clock, thresholds: th.withDefaults(), logger: logger}
}

// group computes one or more KPIs that share a source. A failing group only
// omits its own KPIs.
type group struct {
	name string
	kpis []store.KPI
	fn   func(v *store.View, statuses []agent.Status) (map[store.KPI]float64, error)
}

func (c *Collector) groups() []group {
	return []group{
		{"rankings", []store.KPI{store.KPIRankTop3, store.KPIRankTop10, store.KPIRankTracked}, c.rankings},
		{"publications", []store.KPI{store.KPIPublishedToday, store.KPIPublishedWeek, store.KPIPublishedMonth}, c.publications},
		{"reviews", []store.KPI{store.KPIReviewAverage, store.KPIReviewTotal, store.KPIReviewsThisWeek}, c.reviews},
		{"social", []store.KPI{store.KPIFollowers, store.KPIEngagementRate, store.KPIViralPosts}, c.social},
		{"competitive", []store.KPI{store.KPIWeaknesses, store.KPICapturedOpps}, c.competitive},
		{"agents", []store.KPI{store.KPIDegradedAgents}, c.degraded},
		{"execution", []store.KPI{store.KPIExecutionSuccess}, c.success},
	}
}

// Sample computes a snapshot over view without persisting it.
func (c *Collector) Sample(view *store.View, statuses []agent.Status) store.PerformanceSnapshot {
	snap := store.PerformanceSnapshot{
		ID:      uuid.NewString(),
		TakenAt: view.AsOf,
		KPIs:    make(map[store.KPI]float64),
	}
	for _, g := range c.groups() {
		values, err := safely(g, view, statuses)
		if err != nil {
			c.logger.Printf("[metrics] %v", fault.Aggregation(g.name, err))
			snap.Omitted = append(snap.Omitted, g.kpis...)
			continue
		}
		for k, v := range values {
			snap.KPIs[k] = v
		}
	}
	snap.Analysis = c.analyze(snap)
	return snap
}

func safely(g group, view *store.View, statuses []agent.Status) (values map[store.KPI]float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return g.fn(view, statuses)
}

// Collect reads a fresh view, samples it and appends the snapshot.
func (c *Collector) Collect(ctx context.Context, statuses []agent.Status) (store.PerformanceSnapshot, error) {
	view, err := c.store.View(ctx, c.clock.Now())
	if err != nil {
		return store.PerformanceSnapshot{}, fmt.Errorf("read view: %w", err)
	}
	snap := c.Sample(view, statuses)
	if err := c.store.AppendSnapshot(ctx, snap); err != nil {
		return snap, fmt.Errorf("append snapshot: %w", err)
	}
	return snap, nil
}

func (c *Collector) rankings(v *store.View, _ []agent.Status) (map[store.KPI]float64, error) {
	for _, snap := range intel.OfKind[intel.RankingSnapshot](v.RecordsOf(intel.KindRankingSnapshot)) {
		if !strings.EqualFold(snap.Domain, c.thresholds.Domain) {
			continue
		}
		var top3, top10 int
		for _, p := range snap.Positions {
			if p.Position > 0 && p.Position <= 3 {
				top3++
			}
			if p.Position > 0 && p.Position <= 10 {
				top10++
			}
		}
		return map[store.KPI]float64{
			store.KPIRankTop3:    float64(top3),
			store.KPIRankTop10:   float64(top10),
			store.KPIRankTracked: float64(len(snap.Positions)),
		}, nil
	}
	return nil, errNoRankings
}

func (c *Collector) publications(v *store.View, _ []agent.Status) (map[store.KPI]float64, error) {
	now := v.AsOf
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return map[store.KPI]float64{
		store.KPIPublishedToday: float64(v.PublishedSince(midnight)),
		store.KPIPublishedWeek:  float64(v.PublishedSince(now.Add(-7 * 24 * time.Hour))),
		store.KPIPublishedMonth: float64(v.PublishedSince(now.Add(-30 * 24 * time.Hour))),
	}, nil
}

// reviews weights each location's average by its total, using the newest
// snapshot per platform and location.
func (c *Collector) reviews(v *store.View, _ []agent.Status) (map[store.KPI]float64, error) {
	seen := make(map[string]bool)
	fresh := make(map[string]bool)
	var sum float64
	var total int
	weekAgo := v.AsOf.Add(-7 * 24 * time.Hour)
	for _, snap := range intel.OfKind[intel.ReviewSnapshot](v.RecordsOf(intel.KindReviewSnapshot)) {
		key := snap.Platform + "/" + snap.Location
		if seen[key] {
			continue
		}
		seen[key] = true
		sum += snap.Average * float64(snap.Total)
		total += snap.Total
		for _, r := range snap.Reviews {
			if !r.CreatedAt.Before(weekAgo) {
				fresh[r.ID] = true
			}
		}
	}
	if len(seen) == 0 {
		return nil, errNoReviews
	}
	out := map[store.KPI]float64{
		store.KPIReviewTotal:     float64(total),
		store.KPIReviewsThisWeek: float64(len(fresh)),
	}
	if total > 0 {
		out[store.KPIReviewAverage] = sum / float64(total)
	}
	return out, nil
}

func (c *Collector) social(v *store.View, _ []agent.Status) (map[store.KPI]float64, error) {
	seen := make(map[string]bool)
	var followers, viral int
	var rate float64
	for _, r := range v.RecordsOf(intel.KindSocialActivity) {
		if r.Origin != agent.IDSocial {
			continue
		}
		act, ok := r.Payload.(intel.SocialActivity)
		if !ok || seen[act.Platform] {
			continue
		}
		seen[act.Platform] = true
		followers += act.Followers
		rate += act.EngagementRate
		for _, p := range act.Posts {
			if p.Engagement >= c.thresholds.ViralFloor {
				viral++
			}
		}
	}
	if len(seen) == 0 {
		return nil, errNoSocial
	}
	return map[store.KPI]float64{
		store.KPIFollowers:      float64(followers),
		store.KPIEngagementRate: rate / float64(len(seen)),
		store.KPIViralPosts:     float64(viral),
	}, nil
}

func (c *Collector) competitive(v *store.View, _ []agent.Status) (map[store.KPI]float64, error) {
	var weaknesses, captured int
	for _, o := range v.Live(c.thresholds.Windows) {
		if o.Kind == intel.KindTechnical {
			weaknesses++
		}
	}
	for _, o := range v.Opportunities {
		if o.Status == intel.StatusExecuted {
			captured++
		}
		if o.Kind == intel.KindTechnical && o.Status == intel.StatusExecuted {
			weaknesses++
		}
	}
	return map[store.KPI]float64{
		store.KPIWeaknesses:   float64(weaknesses),
		store.KPICapturedOpps: float64(captured),
	}, nil
}

func (c *Collector) degraded(_ *store.View, statuses []agent.Status) (map[store.KPI]float64, error) {
	n := 0
	for _, st := range statuses {
		if st.State == agent.StateDegraded || st.Fatal {
			n++
		}
	}
	return map[store.KPI]float64{store.KPIDegradedAgents: float64(n)}, nil
}

func (c *Collector) success(_ *store.View, statuses []agent.Status) (map[store.KPI]float64, error) {
	var cycles, failures int64
	for _, st := range statuses {
		cycles += st.Metrics.Cycles
		failures += st.Metrics.Failures
	}
	if cycles == 0 {
		return nil, errNoCycles
	}
	return map[store.KPI]float64{store.KPIExecutionSuccess: float64(cycles-failures) / float64(cycles)}, nil
}

func (c *Collector) analyze(s store.PerformanceSnapshot) store.Analysis {
	var a store.Analysis
	adjust := func(agentID, job, reason string) {
		for _, have := range a.Adjustments {
			if have.Agent == agentID && have.Job == job {
				return
			}
		}
		a.Adjustments = append(a.Adjustments, store.Adjustment{Agent: agentID, Job: job, Factor: 2, Reason: reason})
		a.NeedsAdjustment = true
	}

	if today, ok := s.Value(store.KPIPublishedToday); ok {
		if today == 0 {
			adjust(agent.IDContent, "content-cycle", "nothing published today")
		} else {
			a.Highlights = append(a.Highlights, fmt.Sprintf("%d pieces published today", int(today)))
		}
	}
	if avg, ok := s.Value(store.KPIReviewAverage); ok && avg < c.thresholds.RatingFloor {
		a.Warnings = append(a.Warnings, fmt.Sprintf("average rating %.2f is below %.2f", avg, c.thresholds.RatingFloor))
	}
	top10, ok10 := s.Value(store.KPIRankTop10)
	tracked, okTracked := s.Value(store.KPIRankTracked)
	if ok10 && okTracked && tracked > 0 {
		if top10/tracked < c.thresholds.Top10Ratio {
			reason := fmt.Sprintf("only %d of %d keywords in the top 10", int(top10), int(tracked))
			adjust(agent.IDContent, "content-cycle", reason)
			adjust(agent.IDCompetitor, "competitor-rankings", reason)
		}
	}
	if top3, ok := s.Value(store.KPIRankTop3); ok && top3 > 0 {
		a.Highlights = append(a.Highlights, fmt.Sprintf("%d keywords in the top 3", int(top3)))
	}
	if viral, ok := s.Value(store.KPIViralPosts); ok && viral > 0 {
		a.Highlights = append(a.Highlights, fmt.Sprintf("%d viral posts", int(viral)))
	}
	if n, ok := s.Value(store.KPIDegradedAgents); ok && n > 0 {
		a.Warnings = append(a.Warnings, fmt.Sprintf("%d agents degraded", int(n)))
	}
	return a
}

// Report renders a snapshot as log lines, KPIs in name order.
func Report(s store.PerformanceSnapshot) []string {
	keys := make([]string, 0, len(s.KPIs))
	for k := range s.KPIs {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)

	lines := []string{fmt.Sprintf("performance report %s", s.TakenAt.Format(time.RFC3339))}
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("  %s = %s", k, formatValue(s.KPIs[store.KPI(k)])))
	}
	if len(s.Omitted) > 0 {
		omitted := make([]string, 0, len(s.Omitted))
		for _, k := range s.Omitted {
			omitted = append(omitted, string(k))
		}
		lines = append(lines, "  omitted: "+strings.Join(omitted, ", "))
	}
	for _, h := range s.Analysis.Highlights {
		lines = append(lines, "  + "+h)
	}
	for _, w := range s.Analysis.Warnings {
		lines = append(lines, "  ! "+w)
	}
	for _, adj := range s.Analysis.Adjustments {
		lines = append(lines, fmt.Sprintf("  > %s/%s x%d: %s", adj.Agent, adj.Job, adj.Factor, adj.Reason))
	}
	return lines
}

// LogReport writes Report to logger under the metrics prefix.
func LogReport(logger *log.Logger, s store.PerformanceSnapshot) {
	if logger == nil {
		logger = log.Default()
	}
	for _, line := range Report(s) {
		logger.Printf("[metrics] %s", line)
	}
}

func formatValue(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.3f", v)
}
