package intel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stellarlinkco/rankpilot/internal/fault"
)

// OpportunityKind discriminates opportunities and their details.
type OpportunityKind string

const (
	KindBreakingEvent OpportunityKind = "breaking-event"
	KindSynergyAction OpportunityKind = "synergy-action"
	KindBacklink      OpportunityKind = "backlink-opportunity"
	KindContentGap    OpportunityKind = "content-gap"
	KindKeyword       OpportunityKind = "keyword-opportunity"
	KindTechnical     OpportunityKind = "technical-advantage"
)

// KindOrder is the tie-break order applied to equal scores.
var KindOrder = []OpportunityKind{
	KindBreakingEvent,
	KindSynergyAction,
	KindBacklink,
	KindContentGap,
	KindKeyword,
	KindTechnical,
}

type Tier string

const (
	TierHigh   Tier = "high"
	TierMedium Tier = "medium"
	TierLow    Tier = "low"
)

type Status string

const (
	StatusIdentified Status = "identified"
	StatusDispatched Status = "dispatched"
	StatusExecuted   Status = "executed"
	StatusExpired    Status = "expired"
)

func (s Status) rank() int {
	switch s {
	case StatusIdentified:
		return 0
	case StatusDispatched:
		return 1
	case StatusExecuted:
		return 2
	case StatusExpired:
		return 3
	}
	return -1
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s == StatusExecuted || s == StatusExpired }

// CanAdvance reports whether from -> to moves forward. Executed and expired
// are terminal, so an executed opportunity never expires.
func CanAdvance(from, to Status) bool {
	if from.rank() < 0 || to.rank() < 0 || from.Terminal() {
		return false
	}
	return to.rank() > from.rank()
}

// Detail is the kind-specific body of an opportunity.
type Detail interface {
	OpportunityKind() OpportunityKind
}

type ContentGapDetail struct {
	Topic         string `json:"topic"`
	Competitor    string `json:"competitor,omitempty"`
	CompetitorURL string `json:"competitorUrl,omitempty"`
	Engagement    int    `json:"engagement,omitempty"`
}

func (ContentGapDetail) OpportunityKind() OpportunityKind { return KindContentGap }

type KeywordDetail struct {
	Keyword            string `json:"keyword"`
	Competitor         string `json:"competitor,omitempty"`
	CompetitorPosition int    `json:"competitorPosition,omitempty"`
	OurPosition        int    `json:"ourPosition,omitempty"`
	Volume             int    `json:"volume,omitempty"`
}

func (KeywordDetail) OpportunityKind() OpportunityKind { return KindKeyword }

type BacklinkDetail struct {
	SourceDomain string `json:"sourceDomain"`
	Competitor   string `json:"competitor,omitempty"`
	Authority    int    `json:"authority,omitempty"`
}

func (BacklinkDetail) OpportunityKind() OpportunityKind { return KindBacklink }

type TechnicalDetail struct {
	Competitor string `json:"competitor"`
	Weakness   string `json:"weakness"`
}

func (TechnicalDetail) OpportunityKind() OpportunityKind { return KindTechnical }

type BreakingDetail struct {
	Headline string `json:"headline"`
	URL      string `json:"url,omitempty"`
	Topic    string `json:"topic,omitempty"`
}

func (BreakingDetail) OpportunityKind() OpportunityKind { return KindBreakingEvent }

// Action names what a synergy opportunity asks its assignees to do.
type Action string

const (
	ActionFeatureReview  Action = "feature-review"
	ActionSocialProof    Action = "social-proof"
	ActionCrossPromote   Action = "cross-promote"
	ActionCounterContent Action = "counter-content"
	ActionLocalizedPost  Action = "localized-post"
	ActionDirective      Action = "emergency-directive"
)

// SynergyDetail describes a cross-agent action. Ref points at the record,
// publication or opportunity the action was derived from.
type SynergyDetail struct {
	Action    Action `json:"action"`
	Ref       string `json:"ref,omitempty"`
	Title     string `json:"title,omitempty"`
	Text      string `json:"text,omitempty"`
	URL       string `json:"url,omitempty"`
	Situation string `json:"situation,omitempty"`
}

func (SynergyDetail) OpportunityKind() OpportunityKind { return KindSynergyAction }

// Opportunity is a scored, actionable unit of work. Score is a cache filled
// by Prioritize and must not be trusted without recomputing.
type Opportunity struct {
	ID          string
	Kind        OpportunityKind
	Description string
	Tier        Tier
	Impact      int
	Origin      string
	Assignees   []string
	Status      Status
	Subject     string
	Score       int
	Detail      Detail
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

var subjectNamespace = uuid.MustParse("6f1c3f7e-8f0e-4d0b-9a37-2b1ef5d7c0a4")

// SubjectID derives a stable opportunity id from a subject key so that the
// same finding reported twice collapses into one stored opportunity.
func SubjectID(kind OpportunityKind, subject string) string {
	return uuid.NewSHA1(subjectNamespace, []byte(string(kind)+"|"+strings.ToLower(subject))).String()
}

// NewOpportunity builds an identified opportunity whose id is derived from
// subject. An empty subject yields a random id.
func NewOpportunity(origin string, tier Tier, impact int, subject, description string, detail Detail, now time.Time) Opportunity {
	kind := detail.OpportunityKind()
	id := uuid.NewString()
	if subject != "" {
		id = SubjectID(kind, subject)
	}
	return Opportunity{
		ID:          id,
		Kind:        kind,
		Description: description,
		Tier:        tier,
		Impact:      ClampImpact(impact),
		Origin:      origin,
		Status:      StatusIdentified,
		Subject:     subject,
		Detail:      detail,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Advance moves the opportunity to status if the transition is forward.
func (o *Opportunity) Advance(to Status, now time.Time) error {
	if o.Status == to {
		return nil
	}
	if !CanAdvance(o.Status, to) {
		return fault.Validation("opportunity "+o.ID, "illegal transition %s -> %s", o.Status, to)
	}
	o.Status = to
	o.UpdatedAt = now
	return nil
}

// AssignedTo reports whether agent is one of the assignees.
func (o Opportunity) AssignedTo(agent string) bool {
	return slices.Contains(o.Assignees, agent)
}

// Action returns the synergy action, or "" for other kinds.
func (o Opportunity) Action() Action {
	if d, ok := o.Detail.(SynergyDetail); ok {
		return d.Action
	}
	return ""
}

func (o Opportunity) Validate() error {
	op := "opportunity " + o.ID
	if o.ID == "" {
		return fault.Validation("opportunity", "missing id")
	}
	if kindRank(o.Kind) < 0 {
		return fault.Validation(op, "unknown kind %q", o.Kind)
	}
	if TierWeight(o.Tier) == 0 {
		return fault.Validation(op, "unknown tier %q", o.Tier)
	}
	if o.Impact < 1 || o.Impact > 10 {
		return fault.Validation(op, "impact %d out of range", o.Impact)
	}
	if o.Status.rank() < 0 {
		return fault.Validation(op, "unknown status %q", o.Status)
	}
	if o.Detail != nil && o.Detail.OpportunityKind() != o.Kind {
		return fault.Validation(op, "detail kind %s does not match %s", o.Detail.OpportunityKind(), o.Kind)
	}
	if o.CreatedAt.IsZero() {
		return fault.Validation(op, "missing creation time")
	}
	return nil
}

type opportunityJSON struct {
	ID          string          `json:"id"`
	Kind        OpportunityKind `json:"kind"`
	Description string          `json:"description"`
	Tier        Tier            `json:"tier"`
	Impact      int             `json:"impact"`
	Origin      string          `json:"origin,omitempty"`
	Assignees   []string        `json:"assignees,omitempty"`
	Status      Status          `json:"status"`
	Subject     string          `json:"subject,omitempty"`
	Score       int             `json:"score,omitempty"`
	Detail      json.RawMessage `json:"detail,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

func (o Opportunity) MarshalJSON() ([]byte, error) {
	var detail json.RawMessage
	if o.Detail != nil {
		b, err := json.Marshal(o.Detail)
		if err != nil {
			return nil, fmt.Errorf("marshal %s detail: %w", o.Kind, err)
		}
		detail = b
	}
	return json.Marshal(opportunityJSON{
		ID:          o.ID,
		Kind:        o.Kind,
		Description: o.Description,
		Tier:        o.Tier,
		Impact:      o.Impact,
		Origin:      o.Origin,
		Assignees:   o.Assignees,
		Status:      o.Status,
		Subject:     o.Subject,
		Score:       o.Score,
		Detail:      detail,
		CreatedAt:   o.CreatedAt,
		UpdatedAt:   o.UpdatedAt,
	})
}

func (o *Opportunity) UnmarshalJSON(data []byte) error {
	var raw opportunityJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fault.Validation("decode opportunity", "%v", err)
	}
	var detail Detail
	if len(raw.Detail) > 0 && string(raw.Detail) != "null" {
		d, err := DecodeDetail(raw.Kind, raw.Detail)
		if err != nil {
			return err
		}
		detail = d
	}
	*o = Opportunity{
		ID:          raw.ID,
		Kind:        raw.Kind,
		Description: raw.Description,
		Tier:        raw.Tier,
		Impact:      raw.Impact,
		Origin:      raw.Origin,
		Assignees:   raw.Assignees,
		Status:      raw.Status,
		Subject:     raw.Subject,
		Score:       raw.Score,
		Detail:      detail,
		CreatedAt:   raw.CreatedAt,
		UpdatedAt:   raw.UpdatedAt,
	}
	return o.Validate()
}

// DecodeDetail decodes the detail body for kind.
func DecodeDetail(kind OpportunityKind, data []byte) (Detail, error) {
	switch kind {
	case KindContentGap:
		return decodeDetail[ContentGapDetail](kind, data)
	case KindKeyword:
		return decodeDetail[KeywordDetail](kind, data)
	case KindBacklink:
		return decodeDetail[BacklinkDetail](kind, data)
	case KindTechnical:
		return decodeDetail[TechnicalDetail](kind, data)
	case KindBreakingEvent:
		return decodeDetail[BreakingDetail](kind, data)
	case KindSynergyAction:
		return decodeDetail[SynergyDetail](kind, data)
	default:
		return nil, fault.Validation("decode detail", "unknown opportunity kind %q", kind)
	}
}

func decodeDetail[T Detail](kind OpportunityKind, data []byte) (Detail, error) {
	var v T
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return nil, fault.Validation("decode detail", "%s: %v", kind, err)
	}
	return v, nil
}
