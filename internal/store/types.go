package store

import (
	"time"
)

// KPI names a performance indicator in a snapshot.
type KPI string

const (
	KPIRankTop3         KPI = "rankings.top3"
	KPIRankTop10        KPI = "rankings.top10"
	KPIRankTracked      KPI = "rankings.tracked"
	KPIPublishedToday   KPI = "content.today"
	KPIPublishedWeek    KPI = "content.week"
	KPIPublishedMonth   KPI = "content.month"
	KPIReviewAverage    KPI = "reviews.average"
	KPIReviewTotal      KPI = "reviews.total"
	KPIReviewsThisWeek  KPI = "reviews.week"
	KPIFollowers        KPI = "social.followers"
	KPIEngagementRate   KPI = "social.engagement_rate"
	KPIViralPosts       KPI = "social.viral_posts"
	KPIWeaknesses       KPI = "competitive.weaknesses"
	KPICapturedOpps     KPI = "competitive.captured"
	KPIDegradedAgents   KPI = "agents.degraded"
	KPIExecutionSuccess KPI = "agents.success_rate"
)

// Adjustment asks one agent to change the cadence of one of its jobs.
// Factor > 1 runs the job that many times more often.
type Adjustment struct {
	Agent  string `json:"agent"`
	Job    string `json:"job"`
	Factor int    `json:"factor"`
	Reason string `json:"reason"`
}

// Analysis is the derived part of a snapshot.
type Analysis struct {
	Highlights      []string     `json:"highlights,omitempty"`
	Warnings        []string     `json:"warnings,omitempty"`
	Adjustments     []Adjustment `json:"adjustments,omitempty"`
	NeedsAdjustment bool         `json:"needsAdjustment"`
}

// PerformanceSnapshot is append-only. A KPI that could not be computed is
// absent from KPIs rather than zero.
type PerformanceSnapshot struct {
	ID       string          `json:"id"`
	TakenAt  time.Time       `json:"takenAt"`
	KPIs     map[KPI]float64 `json:"kpis"`
	Omitted  []KPI           `json:"omitted,omitempty"`
	Analysis Analysis        `json:"analysis"`
}

// Value returns the KPI and whether it was computed.
func (s PerformanceSnapshot) Value(k KPI) (float64, bool) {
	v, ok := s.KPIs[k]
	return v, ok
}

// Publication is a piece of content pushed to a channel.
type Publication struct {
	ID            string    `json:"id"`
	Agent         string    `json:"agent"`
	Channel       string    `json:"channel"`
	Title         string    `json:"title"`
	URL           string    `json:"url,omitempty"`
	PostID        string    `json:"postId,omitempty"`
	OpportunityID string    `json:"opportunityId,omitempty"`
	Engagement    int       `json:"engagement,omitempty"`
	PublishedAt   time.Time `json:"publishedAt"`
}

// ExecutionLog is the recorded outcome of one agent cycle or collaboration.
type ExecutionLog struct {
	ID            string        `json:"id"`
	Agent         string        `json:"agent"`
	Job           string        `json:"job"`
	StartedAt     time.Time     `json:"startedAt"`
	Duration      time.Duration `json:"duration"`
	Success       bool          `json:"success"`
	FailedSteps   []string      `json:"failedSteps,omitempty"`
	Gathered      int           `json:"gathered"`
	Opportunities int           `json:"opportunities"`
	Actions       int           `json:"actions"`
	Note          string        `json:"note,omitempty"`
}
