package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stellarlinkco/rankpilot/internal/agent"
	"github.com/stellarlinkco/rankpilot/internal/store"
)

// GenerateExecutiveSummary renders the current state of the system for a
// human reader. It samples fresh KPIs without appending a snapshot.
func (o *Orchestrator) GenerateExecutiveSummary(ctx context.Context) (string, error) {
	now := o.clock.Now()
	statuses := o.Statuses()
	view, err := o.store.View(ctx, now)
	if err != nil {
		return "", fmt.Errorf("read view: %w", err)
	}
	snap := o.collector.Sample(view, statuses)
	em := o.EmergencyState()

	var sb strings.Builder
	fmt.Fprintf(&sb, "Executive summary (%s)\n", now.UTC().Format("2006-01-02 15:04 MST"))
	if em.Phase == PhaseNormal {
		sb.WriteString("State: normal\n")
	} else {
		fmt.Fprintf(&sb, "State: %s (%s since %s)\n", em.Phase, em.Situation, em.Since.UTC().Format(time.RFC3339))
	}
	sb.WriteString(agentLine(statuses))

	line := func(label string, format func() string, kpis ...store.KPI) {
		for _, k := range kpis {
			if _, ok := snap.Value(k); !ok {
				fmt.Fprintf(&sb, "%s: unavailable\n", label)
				return
			}
		}
		fmt.Fprintf(&sb, "%s: %s\n", label, format())
	}
	v := func(k store.KPI) float64 {
		x, _ := snap.Value(k)
		return x
	}

	line("Rankings", func() string {
		return fmt.Sprintf("%.0f of %.0f keywords in the top 10, %.0f in the top 3", v(store.KPIRankTop10), v(store.KPIRankTracked), v(store.KPIRankTop3))
	}, store.KPIRankTop10, store.KPIRankTracked, store.KPIRankTop3)
	line("Content", func() string {
		return fmt.Sprintf("%.0f published today, %.0f this week, %.0f this month", v(store.KPIPublishedToday), v(store.KPIPublishedWeek), v(store.KPIPublishedMonth))
	}, store.KPIPublishedToday, store.KPIPublishedWeek, store.KPIPublishedMonth)
	line("Reviews", func() string {
		return fmt.Sprintf("%.2f average over %.0f reviews, %.0f new this week", v(store.KPIReviewAverage), v(store.KPIReviewTotal), v(store.KPIReviewsThisWeek))
	}, store.KPIReviewAverage, store.KPIReviewTotal, store.KPIReviewsThisWeek)
	line("Social", func() string {
		return fmt.Sprintf("%.0f followers, %.1f%% engagement, %.0f viral posts", v(store.KPIFollowers), v(store.KPIEngagementRate)*100, v(store.KPIViralPosts))
	}, store.KPIFollowers, store.KPIEngagementRate, store.KPIViralPosts)
	line("Competitive", func() string {
		return fmt.Sprintf("%.0f weaknesses identified, %.0f opportunities captured", v(store.KPIWeaknesses), v(store.KPICapturedOpps))
	}, store.KPIWeaknesses, store.KPICapturedOpps)
	fmt.Fprintf(&sb, "Open opportunities: %d\n", len(view.Live(o.windows)))

	if len(snap.Analysis.Highlights) > 0 {
		sb.WriteString("Highlights:\n")
		for _, h := range snap.Analysis.Highlights {
			sb.WriteString("- " + h + "\n")
		}
	}
	if len(snap.Analysis.Warnings) > 0 {
		sb.WriteString("Warnings:\n")
		for _, w := range snap.Analysis.Warnings {
			sb.WriteString("- " + w + "\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func agentLine(statuses []agent.Status) string {
	counts := make(map[agent.State]int)
	for _, st := range statuses {
		counts[st.State]++
	}
	return fmt.Sprintf("Agents: %d running, %d degraded, %d stopped\n",
		counts[agent.StateRunning], counts[agent.StateDegraded], counts[agent.StateStopped]+counts[agent.StateStarting])
}
