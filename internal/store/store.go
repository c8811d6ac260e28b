// Package store is the shared repository agents write intelligence and
// opportunities into and the orchestrator and metrics collector read from.
//
// Writes are last-writer-wins per id. Readers that need several collections
// at once take a View, which is a point-in-time copy that concurrent writers
// cannot tear.
package store

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/stellarlinkco/rankpilot/internal/intel"
)

// ErrNotFound is returned when an id does not exist.
var ErrNotFound = errors.New("not found")

// ViewHorizon bounds how far back a View reaches for opportunities,
// publications and executions.
const ViewHorizon = 31 * 24 * time.Hour

type Store interface {
	PutRecord(ctx context.Context, r intel.Record) error
	// PutOpportunity replaces any stored opportunity with the same id.
	PutOpportunity(ctx context.Context, o intel.Opportunity) error
	// InsertOpportunity stores o only if its id is new.
	InsertOpportunity(ctx context.Context, o intel.Opportunity) (bool, error)
	// AdvanceOpportunity moves a stored opportunity forward. Backward moves
	// are validation errors.
	AdvanceOpportunity(ctx context.Context, id string, to intel.Status, at time.Time) (intel.Opportunity, error)
	PutPublication(ctx context.Context, p Publication) error
	AppendSnapshot(ctx context.Context, s PerformanceSnapshot) error
	AppendExecution(ctx context.Context, e ExecutionLog) error
	// PruneRecords deletes records expired as of asOf and reports how many.
	PruneRecords(ctx context.Context, asOf time.Time) (int, error)

	Records(ctx context.Context, q Query) ([]intel.Record, error)
	Opportunities(ctx context.Context, q Query) ([]intel.Opportunity, error)
	Publications(ctx context.Context, q Query) ([]Publication, error)
	Snapshots(ctx context.Context, q Query) ([]PerformanceSnapshot, error)
	Executions(ctx context.Context, q Query) ([]ExecutionLog, error)

	View(ctx context.Context, asOf time.Time) (*View, error)
	Close() error
}

// Query filters a collection. Zero fields match everything. Results are
// ordered newest first.
type Query struct {
	// Kind matches a record kind, opportunity kind or publication channel.
	Kind string
	// Agent matches the origin agent of records and opportunities, or the
	// agent of publications and executions.
	Agent    string
	Assignee string
	Source   string
	Since    time.Time
	// AsOf keeps records that are live at that instant and were collected
	// no later than it.
	AsOf     time.Time
	Statuses []intel.Status
	Limit    int
}

func (q Query) matchRecord(r intel.Record) bool {
	if q.Kind != "" && string(r.Kind()) != q.Kind {
		return false
	}
	if q.Agent != "" && r.Origin != q.Agent {
		return false
	}
	if q.Source != "" && r.Source != q.Source {
		return false
	}
	if !q.Since.IsZero() && r.CollectedAt.Before(q.Since) {
		return false
	}
	if !q.AsOf.IsZero() && (r.CollectedAt.After(q.AsOf) || r.Expired(q.AsOf)) {
		return false
	}
	return true
}

func (q Query) matchOpportunity(o intel.Opportunity) bool {
	if q.Kind != "" && string(o.Kind) != q.Kind {
		return false
	}
	if q.Agent != "" && o.Origin != q.Agent {
		return false
	}
	if q.Assignee != "" && !o.AssignedTo(q.Assignee) {
		return false
	}
	if !q.Since.IsZero() && o.CreatedAt.Before(q.Since) {
		return false
	}
	if len(q.Statuses) > 0 && !slices.Contains(q.Statuses, o.Status) {
		return false
	}
	return true
}

func (q Query) matchPublication(p Publication) bool {
	if q.Kind != "" && p.Channel != q.Kind {
		return false
	}
	if q.Agent != "" && p.Agent != q.Agent {
		return false
	}
	return q.Since.IsZero() || !p.PublishedAt.Before(q.Since)
}

func (q Query) matchExecution(e ExecutionLog) bool {
	if q.Agent != "" && e.Agent != q.Agent {
		return false
	}
	if q.Kind != "" && e.Job != q.Kind {
		return false
	}
	return q.Since.IsZero() || !e.StartedAt.Before(q.Since)
}

func limit[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}

// View is a consistent read of the store at AsOf: live records, opportunities
// and publications inside ViewHorizon, and the most recent executions.
type View struct {
	AsOf          time.Time
	Records       []intel.Record
	Opportunities []intel.Opportunity
	Publications  []Publication
	Executions    []ExecutionLog
}

// RecordsOf returns live records of kind, newest first.
func (v *View) RecordsOf(kind intel.RecordKind) []intel.Record {
	var out []intel.Record
	for _, r := range v.Records {
		if r.Kind() == kind {
			out = append(out, r)
		}
	}
	return out
}

// Open returns the non-terminal opportunities in the view.
func (v *View) Open() []intel.Opportunity {
	var out []intel.Opportunity
	for _, o := range v.Opportunities {
		if !o.Status.Terminal() {
			out = append(out, o)
		}
	}
	return out
}

// Live returns the open opportunities still inside their validity window
// as of the view.
func (v *View) Live(windows intel.Windows) []intel.Opportunity {
	var out []intel.Opportunity
	for _, o := range v.Opportunities {
		if !o.Status.Terminal() && !windows.Stale(o, v.AsOf) {
			out = append(out, o)
		}
	}
	return out
}

// PublishedSince counts publications at or after t.
func (v *View) PublishedSince(t time.Time) int {
	n := 0
	for _, p := range v.Publications {
		if !p.PublishedAt.Before(t) {
			n++
		}
	}
	return n
}
