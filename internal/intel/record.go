// Package intel holds the intelligence records and opportunities that agents
// exchange through the shared store, plus the scoring rules used to
// prioritize opportunities.
package intel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stellarlinkco/rankpilot/internal/fault"
)

// RecordKind discriminates the payload carried by a Record.
type RecordKind string

const (
	KindContentInventory RecordKind = "content-inventory"
	KindRankingSnapshot  RecordKind = "ranking-snapshot"
	KindSocialActivity   RecordKind = "social-activity"
	KindReviewSnapshot   RecordKind = "review-snapshot"
	KindTechnicalAudit   RecordKind = "technical-audit"
	KindBacklinkProfile  RecordKind = "backlink-profile"
)

// RecordKinds lists every known payload kind.
var RecordKinds = []RecordKind{
	KindContentInventory,
	KindRankingSnapshot,
	KindSocialActivity,
	KindReviewSnapshot,
	KindTechnicalAudit,
	KindBacklinkProfile,
}

// Payload is implemented by each record variant.
type Payload interface {
	Kind() RecordKind
	Validate() error
}

// Record is a time-stamped, TTL-bound observation about a competitor, our own
// properties, or a market signal.
type Record struct {
	ID          string
	Source      string
	Origin      string
	Payload     Payload
	CollectedAt time.Time
	TTL         time.Duration
}

// NewRecord stamps a record with a fresh id.
func NewRecord(origin, source string, payload Payload, collectedAt time.Time, ttl time.Duration) Record {
	return Record{
		ID:          uuid.NewString(),
		Source:      source,
		Origin:      origin,
		Payload:     payload,
		CollectedAt: collectedAt,
		TTL:         ttl,
	}
}

func (r Record) Kind() RecordKind {
	if r.Payload == nil {
		return ""
	}
	return r.Payload.Kind()
}

// Expired reports whether the record's TTL has elapsed as of now. A record
// without a TTL never expires.
func (r Record) Expired(now time.Time) bool {
	if r.TTL <= 0 {
		return false
	}
	return now.Sub(r.CollectedAt) > r.TTL
}

func (r Record) ExpiresAt() time.Time {
	if r.TTL <= 0 {
		return time.Time{}
	}
	return r.CollectedAt.Add(r.TTL)
}

// Validate checks the envelope and the payload.
func (r Record) Validate() error {
	if strings.TrimSpace(r.Source) == "" {
		return fault.Validation("record", "missing source")
	}
	if r.Payload == nil {
		return fault.Validation("record", "missing payload")
	}
	if r.CollectedAt.IsZero() {
		return fault.Validation("record", "missing collection time")
	}
	if err := r.Payload.Validate(); err != nil {
		return err
	}
	return nil
}

type recordJSON struct {
	ID          string          `json:"id"`
	Kind        RecordKind      `json:"kind"`
	Source      string          `json:"source"`
	Origin      string          `json:"origin,omitempty"`
	CollectedAt time.Time       `json:"collectedAt"`
	TTLSeconds  int64           `json:"ttlSeconds"`
	Payload     json.RawMessage `json:"payload"`
}

func (r Record) MarshalJSON() ([]byte, error) {
	if r.Payload == nil {
		return nil, fmt.Errorf("marshal record %s: nil payload", r.ID)
	}
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", r.Payload.Kind(), err)
	}
	return json.Marshal(recordJSON{
		ID:          r.ID,
		Kind:        r.Payload.Kind(),
		Source:      r.Source,
		Origin:      r.Origin,
		CollectedAt: r.CollectedAt,
		TTLSeconds:  int64(r.TTL / time.Second),
		Payload:     payload,
	})
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var raw recordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fault.Validation("decode record", "%v", err)
	}
	payload, err := DecodePayload(raw.Kind, raw.Payload)
	if err != nil {
		return err
	}
	*r = Record{
		ID:          raw.ID,
		Source:      raw.Source,
		Origin:      raw.Origin,
		Payload:     payload,
		CollectedAt: raw.CollectedAt,
		TTL:         time.Duration(raw.TTLSeconds) * time.Second,
	}
	return nil
}

// DecodePayload selects the variant by kind, decodes it strictly and
// validates it. Unknown kinds and malformed payloads are validation errors.
func DecodePayload(kind RecordKind, data []byte) (Payload, error) {
	if len(data) == 0 {
		return nil, fault.Validation("decode payload", "%s: empty payload", kind)
	}
	switch kind {
	case KindContentInventory:
		return decodeAs[ContentInventory](kind, data)
	case KindRankingSnapshot:
		return decodeAs[RankingSnapshot](kind, data)
	case KindSocialActivity:
		return decodeAs[SocialActivity](kind, data)
	case KindReviewSnapshot:
		return decodeAs[ReviewSnapshot](kind, data)
	case KindTechnicalAudit:
		return decodeAs[TechnicalAudit](kind, data)
	case KindBacklinkProfile:
		return decodeAs[BacklinkProfile](kind, data)
	default:
		return nil, fault.Validation("decode payload", "unknown record kind %q", kind)
	}
}

func decodeAs[T Payload](kind RecordKind, data []byte) (Payload, error) {
	var v T
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return nil, fault.Validation("decode payload", "%s: %v", kind, err)
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return v, nil
}
