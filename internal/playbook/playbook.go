// Package playbook holds the business knowledge agents work from: who we
// are, where we operate, who we compete with and the templates we answer
// reviews and ask for them with.
package playbook

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/stellarlinkco/rankpilot/internal/fault"
)

type Business struct {
	Name   string `yaml:"name"`
	Domain string `yaml:"domain"`
	Phone  string `yaml:"phone,omitempty"`
	City   string `yaml:"city,omitempty"`

	// ReviewLink is where review requests send clients.
	ReviewLink string            `yaml:"reviewLink,omitempty"`
	// Handles are our own social accounts by network.
	Handles    map[string]string `yaml:"handles,omitempty"`
}

// Location is one physical office with its business-listing id.
type Location struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	City      string `yaml:"city"`
	ListingID string `yaml:"listingId"`
}

type Competitor struct {
	Name   string            `yaml:"name"`
	Domain string            `yaml:"domain"`
	Social map[string]string `yaml:"social,omitempty"`
}

// ReviewResponses are reply templates by rating band.
type ReviewResponses struct {
	FiveStar []string `yaml:"fiveStar"`
	FourStar []string `yaml:"fourStar"`
	Neutral  []string `yaml:"neutral"`
	Negative []string `yaml:"negative"`
}

// ViralTemplate is a content archetype for social posts. BaseEngagement is
// the expected interactions before signal boosts.
type ViralTemplate struct {
	Name           string   `yaml:"name"`
	Hooks          []string `yaml:"hooks"`
	Formats        []string `yaml:"formats,omitempty"`
	Audience       []string `yaml:"audience,omitempty"`
	BaseEngagement int      `yaml:"baseEngagement"`
}

// RequestTemplates are the review-request messages: the first ask and one
// entry per follow-up step.
type RequestTemplates struct {
	Initial   string   `yaml:"initial"`
	FollowUps []string `yaml:"followUps"`
}

type Playbook struct {
	Business         Business         `yaml:"business"`
	Locations        []Location       `yaml:"locations"`
	Competitors      []Competitor     `yaml:"competitors"`
	Keywords         []string         `yaml:"keywords"`
	PracticeAreas    []string         `yaml:"practiceAreas"`
	Hashtags         []string         `yaml:"hashtags,omitempty"`
	ReviewResponses  ReviewResponses  `yaml:"reviewResponses"`
	ViralTemplates   []ViralTemplate  `yaml:"viralTemplates"`
	ReviewRequests   RequestTemplates `yaml:"reviewRequests"`
	NegativeKeywords []string         `yaml:"negativeKeywords"`
}

// Default returns a starter playbook. Every template field is filled so a
// partial file loaded over it stays usable.
func Default() *Playbook {
	return &Playbook{
		Business: Business{
			Name:       "Example Law Group",
			Domain:     "example-law.com",
			City:       "Charlotte",
			ReviewLink: "https://g.page/r/example-law/review",
		},
		Locations: []Location{
			{ID: "charlotte", Name: "Charlotte Office", City: "Charlotte", ListingID: "listing-charlotte"},
		},
		Keywords:      []string{"personal injury lawyer", "car accident attorney", "workers compensation lawyer"},
		PracticeAreas: []string{"personal injury", "workers compensation", "immigration"},
		Hashtags:      []string{"#LegalTips", "#KnowYourRights"},
		ReviewResponses: ReviewResponses{
			FiveStar: []string{
				"Thank you so much, {name}! Your kind words mean everything to us.",
				"{name}, we're touched by your review. Thank you for trusting us!",
			},
			FourStar: []string{
				"Thank you for the wonderful feedback, {name}! We're glad we could help.",
			},
			Neutral: []string{
				"Thank you for taking the time to review us, {name}. We'd love to hear how we can serve you better.",
			},
			Negative: []string{
				"{name}, we're truly sorry about your experience. Please call {phone} so we can make this right.",
			},
		},
		ViralTemplates: []ViralTemplate{
			{Name: "educational", Hooks: []string{"The truth about {topic} that nobody talks about"}, Formats: []string{"listicle", "step_by_step"}, Audience: []string{"information seekers", "potential clients"}, BaseEngagement: 1500},
			{Name: "emotional", Hooks: []string{"Against all odds, our client..."}, Formats: []string{"client_story", "victory"}, Audience: []string{"past clients", "community members"}, BaseEngagement: 3000},
			{Name: "controversial", Hooks: []string{"Is {topic} actually wrong?"}, Formats: []string{"debate", "challenge"}, Audience: []string{"engaged citizens"}, BaseEngagement: 2500},
			{Name: "trending", Hooks: []string{"In response to {topic}..."}, Formats: []string{"news_hijack", "trend_response"}, Audience: []string{"news followers", "local community"}, BaseEngagement: 2000},
		},
		ReviewRequests: RequestTemplates{
			Initial: "Hi {name}, would you share your experience with {business}? {link}",
			FollowUps: []string{
				"{name}, your feedback helps families find help. Quick review? {link}",
				"Hi {name}, just a reminder that a short review means a lot to us: {link}",
				"Last note from us, {name}. Thank you for choosing {business}! {link}",
			},
		},
		NegativeKeywords: []string{"terrible", "worst", "scam", "rude", "never", "unprofessional"},
	}
}

// Load reads a YAML playbook over Default. A missing file yields Default.
func Load(path string) (*Playbook, error) {
	pb := Default()
	if strings.TrimSpace(path) == "" {
		return pb, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return pb, nil
		}
		return nil, fmt.Errorf("read playbook: %w", err)
	}
	if err := yaml.Unmarshal(data, pb); err != nil {
		return nil, fmt.Errorf("parse playbook %s: %w", path, err)
	}
	if err := pb.Validate(); err != nil {
		return nil, err
	}
	return pb, nil
}

// Save writes pb as YAML, creating parent directories.
func Save(path string, pb *Playbook) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create playbook dir: %w", err)
	}
	data, err := yaml.Marshal(pb)
	if err != nil {
		return fmt.Errorf("marshal playbook: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func (p *Playbook) Validate() error {
	if strings.TrimSpace(p.Business.Name) == "" {
		return fault.Configuration("playbook", "business name is required")
	}
	if strings.TrimSpace(p.Business.Domain) == "" {
		return fault.Configuration("playbook", "business domain is required")
	}
	seen := make(map[string]bool, len(p.Locations))
	for _, loc := range p.Locations {
		if loc.ID == "" || loc.ListingID == "" {
			return fault.Configuration("playbook", "location %q needs an id and a listing id", loc.Name)
		}
		if seen[loc.ID] {
			return fault.Configuration("playbook", "duplicate location id %q", loc.ID)
		}
		seen[loc.ID] = true
	}
	for _, c := range p.Competitors {
		if strings.TrimSpace(c.Domain) == "" {
			return fault.Configuration("playbook", "competitor %q has no domain", c.Name)
		}
	}
	return nil
}

// IsCompetitor reports whether domain belongs to a tracked competitor.
func (p *Playbook) IsCompetitor(domain string) bool {
	for _, c := range p.Competitors {
		if strings.EqualFold(c.Domain, domain) {
			return true
		}
	}
	return false
}

// ResponseTemplates returns the reply templates for a star rating.
func (p *Playbook) ResponseTemplates(rating int) []string {
	switch {
	case rating >= 5:
		return p.ReviewResponses.FiveStar
	case rating == 4:
		return p.ReviewResponses.FourStar
	case rating == 3:
		return p.ReviewResponses.Neutral
	default:
		return p.ReviewResponses.Negative
	}
}

// Pick returns templates[n mod len], or "" for an empty list.
func Pick(templates []string, n int) string {
	if len(templates) == 0 {
		return ""
	}
	if n < 0 {
		n = -n
	}
	return templates[n%len(templates)]
}

// Fill replaces {key} placeholders with vars[key]. Unknown placeholders are
// left in place.
func Fill(template string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// Vars returns the placeholder values every template can use.
func (p *Playbook) Vars() map[string]string {
	return map[string]string{
		"business": p.Business.Name,
		"phone":    p.Business.Phone,
		"city":     p.Business.City,
		"domain":   p.Business.Domain,
		"link":     p.Business.ReviewLink,
	}
}

// HasNegativeKeyword reports whether text contains any negative keyword.
func (p *Playbook) HasNegativeKeyword(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range p.NegativeKeywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
