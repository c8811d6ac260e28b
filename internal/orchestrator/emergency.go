package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stellarlinkco/rankpilot/internal/agent"
	"github.com/stellarlinkco/rankpilot/internal/fault"
	"github.com/stellarlinkco/rankpilot/internal/intel"
	"github.com/stellarlinkco/rankpilot/internal/notify"
	"github.com/stellarlinkco/rankpilot/internal/store"
)

type Phase string

const (
	PhaseNormal     Phase = "normal"
	PhaseEmergency  Phase = "emergency"
	PhaseRecovering Phase = "recovering"
)

// Situation names an emergency the system knows how to respond to.
type Situation string

const (
	SituationRankingDrop         Situation = "ranking_drop"
	SituationNegativeReviewSpike Situation = "negative_review_spike"
	SituationCompetitorAttack    Situation = "competitor_attack"
)

var ErrNotInEmergency = errors.New("not in emergency")

// responders lists the agents a situation's directive opportunity goes to.
// A nil entry means every agent.
var responders = map[Situation][]string{
	SituationRankingDrop:         {agent.IDContent, agent.IDCompetitor},
	SituationNegativeReviewSpike: {agent.IDReputation, agent.IDListing, agent.IDSocial},
	SituationCompetitorAttack:    nil,
}

// ParseSituation accepts hyphens or underscores in any case.
func ParseSituation(s string) (Situation, error) {
	norm := Situation(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if _, ok := responders[norm]; !ok {
		return "", fault.Validation("emergency", "unknown situation %q", s)
	}
	return norm, nil
}

// Emergency is the state of the emergency machine.
type Emergency struct {
	Phase       Phase     `json:"phase"`
	Situation   Situation `json:"situation,omitempty"`
	DirectiveID string    `json:"directiveId,omitempty"`
	Since       time.Time `json:"since,omitempty"`
}

func (o *Orchestrator) EmergencyState() Emergency {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.emergency
}

// TriggerEmergencyResponse puts every agent into priority mode for situation
// and dispatches a directive opportunity to its responders before returning.
// Schedules keep running.
func (o *Orchestrator) TriggerEmergencyResponse(ctx context.Context, situation string) (intel.Opportunity, error) {
	sit, err := ParseSituation(situation)
	if err != nil {
		return intel.Opportunity{}, err
	}
	now := o.clock.Now()
	assignees := responders[sit]
	if assignees == nil {
		for _, a := range o.agents {
			assignees = append(assignees, a.ID())
		}
	}

	directive := intel.NewOpportunity(ID, intel.TierHigh, 10,
		fmt.Sprintf("directive:%s:%s", sit, now.UTC().Format(time.RFC3339)),
		"Emergency response: "+strings.ReplaceAll(string(sit), "_", " "),
		intel.SynergyDetail{Action: intel.ActionDirective, Situation: string(sit)}, now)
	for _, id := range assignees {
		if _, ok := o.byID[id]; ok {
			directive.Assignees = append(directive.Assignees, id)
		}
	}
	if _, err := o.store.InsertOpportunity(ctx, directive); err != nil {
		return intel.Opportunity{}, fmt.Errorf("store directive: %w", err)
	}
	stored, err := o.store.AdvanceOpportunity(ctx, directive.ID, intel.StatusDispatched, now)
	if err != nil {
		return intel.Opportunity{}, fmt.Errorf("dispatch directive: %w", err)
	}

	o.mu.Lock()
	o.emergency = Emergency{Phase: PhaseEmergency, Situation: sit, DirectiveID: stored.ID, Since: now}
	o.mu.Unlock()

	for _, a := range o.agents {
		a.SetDirective(agent.Directive{Situation: string(sit), OpportunityID: stored.ID, IssuedAt: now})
	}
	for _, id := range stored.Assignees {
		o.byID[id].Dispatch(stored)
	}

	o.logf("emergency %s: directive %s dispatched to %s", sit, stored.ID, strings.Join(stored.Assignees, ", "))
	if err := o.store.AppendExecution(ctx, store.ExecutionLog{
		ID:            uuid.NewString(),
		Agent:         ID,
		Job:           "emergency",
		StartedAt:     now,
		Success:       true,
		Opportunities: 1,
		Actions:       len(stored.Assignees),
		Note:          fmt.Sprintf("%s -> %s", sit, strings.Join(stored.Assignees, "+")),
	}); err != nil {
		o.logf("record emergency: %v", err)
	}
	msg := fmt.Sprintf("Emergency response started: %s. Responders: %s", sit, strings.Join(stored.Assignees, ", "))
	if err := o.notifier.Alert(ctx, notify.SeverityCritical, msg); err != nil {
		o.logf("send emergency alert: %v", err)
	}
	return stored, nil
}

// BeginRecovery moves an active emergency to recovering. The next monitoring
// pass that needs no adjustment returns the system to normal.
func (o *Orchestrator) BeginRecovery() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.emergency.Phase != PhaseEmergency {
		return fmt.Errorf("begin recovery: %w (phase %s)", ErrNotInEmergency, o.emergency.Phase)
	}
	o.emergency.Phase = PhaseRecovering
	o.logf("recovering from %s", o.emergency.Situation)
	return nil
}
