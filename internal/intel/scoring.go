package intel

import (
	"sort"
	"time"
)

// Windows maps an opportunity kind to how long it stays actionable.
type Windows map[OpportunityKind]time.Duration

// DefaultWindows returns the validity window per kind.
func DefaultWindows() Windows {
	return Windows{
		KindBreakingEvent: 6 * time.Hour,
		KindSynergyAction: 24 * time.Hour,
		KindKeyword:       7 * 24 * time.Hour,
		KindContentGap:    14 * 24 * time.Hour,
		KindBacklink:      30 * 24 * time.Hour,
		KindTechnical:     30 * 24 * time.Hour,
	}
}

// Stale reports whether o has outlived its window. Kinds without a window
// never go stale.
func (w Windows) Stale(o Opportunity, now time.Time) bool {
	d, ok := w[o.Kind]
	if !ok || d <= 0 {
		return false
	}
	return now.Sub(o.CreatedAt) > d
}

func TierWeight(t Tier) int {
	switch t {
	case TierHigh:
		return 3
	case TierMedium:
		return 2
	case TierLow:
		return 1
	}
	return 0
}

func ClampImpact(impact int) int {
	if impact < 1 {
		return 1
	}
	if impact > 10 {
		return 10
	}
	return impact
}

// Score is tierWeight(tier) x impact.
func Score(o Opportunity) int {
	return TierWeight(o.Tier) * ClampImpact(o.Impact)
}

func kindRank(k OpportunityKind) int {
	for i, known := range KindOrder {
		if known == k {
			return i
		}
	}
	return -1
}

// Prioritize drops terminal and stale opportunities, recomputes every score
// and returns the rest ordered by score, then kind order, then age (oldest
// first). The input slice is not modified.
func Prioritize(opps []Opportunity, now time.Time, windows Windows) []Opportunity {
	out := make([]Opportunity, 0, len(opps))
	for _, o := range opps {
		if o.Status.Terminal() || windows.Stale(o, now) {
			continue
		}
		o.Score = Score(o)
		out = append(out, o)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if ra, rb := kindRank(a.Kind), kindRank(b.Kind); ra != rb {
			return ra < rb
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return out
}

// Expire returns the non-terminal opportunities that have outlived their
// window, already advanced to expired.
func Expire(opps []Opportunity, now time.Time, windows Windows) []Opportunity {
	var out []Opportunity
	for _, o := range opps {
		if o.Status.Terminal() || !windows.Stale(o, now) {
			continue
		}
		if err := o.Advance(StatusExpired, now); err == nil {
			out = append(out, o)
		}
	}
	return out
}

// Top returns at most k entries of an already prioritized slice.
func Top(opps []Opportunity, k int) []Opportunity {
	if k <= 0 || k >= len(opps) {
		return opps
	}
	return opps[:k]
}
