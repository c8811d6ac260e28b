package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/stellarlinkco/rankpilot/internal/fault"
	"github.com/stellarlinkco/rankpilot/internal/intel"
)

// Memory is an in-process Store. It is used for dry runs and tests.
type Memory struct {
	mu            sync.RWMutex
	records       map[string]intel.Record
	opportunities map[string]intel.Opportunity
	publications  map[string]Publication
	snapshots     []PerformanceSnapshot
	executions    []ExecutionLog
}

func NewMemory() *Memory {
	return &Memory{
		records:       make(map[string]intel.Record),
		opportunities: make(map[string]intel.Opportunity),
		publications:  make(map[string]Publication),
	}
}

func (m *Memory) PutRecord(_ context.Context, r intel.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.ID == "" {
		return fault.Validation("put record", "missing id")
	}
	m.mu.Lock()
	m.records[r.ID] = r
	m.mu.Unlock()
	return nil
}

func (m *Memory) PutOpportunity(_ context.Context, o intel.Opportunity) error {
	if err := o.Validate(); err != nil {
		return err
	}
	o.Assignees = slices.Clone(o.Assignees)
	m.mu.Lock()
	m.opportunities[o.ID] = o
	m.mu.Unlock()
	return nil
}

func (m *Memory) InsertOpportunity(_ context.Context, o intel.Opportunity) (bool, error) {
	if err := o.Validate(); err != nil {
		return false, err
	}
	o.Assignees = slices.Clone(o.Assignees)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.opportunities[o.ID]; exists {
		return false, nil
	}
	m.opportunities[o.ID] = o
	return true, nil
}

func (m *Memory) AdvanceOpportunity(_ context.Context, id string, to intel.Status, at time.Time) (intel.Opportunity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.opportunities[id]
	if !ok {
		return intel.Opportunity{}, fmt.Errorf("opportunity %s: %w", id, ErrNotFound)
	}
	if err := o.Advance(to, at); err != nil {
		return o, err
	}
	m.opportunities[id] = o
	o.Assignees = slices.Clone(o.Assignees)
	return o, nil
}

func (m *Memory) PutPublication(_ context.Context, p Publication) error {
	if p.ID == "" {
		return fault.Validation("put publication", "missing id")
	}
	m.mu.Lock()
	m.publications[p.ID] = p
	m.mu.Unlock()
	return nil
}

func (m *Memory) AppendSnapshot(_ context.Context, s PerformanceSnapshot) error {
	if s.ID == "" {
		return fault.Validation("append snapshot", "missing id")
	}
	s.KPIs = cloneKPIs(s.KPIs)
	m.mu.Lock()
	m.snapshots = append(m.snapshots, s)
	m.mu.Unlock()
	return nil
}

func (m *Memory) AppendExecution(_ context.Context, e ExecutionLog) error {
	if e.ID == "" {
		return fault.Validation("append execution", "missing id")
	}
	e.FailedSteps = slices.Clone(e.FailedSteps)
	m.mu.Lock()
	m.executions = append(m.executions, e)
	m.mu.Unlock()
	return nil
}

func (m *Memory) PruneRecords(_ context.Context, asOf time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, r := range m.records {
		if r.Expired(asOf) {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Records(_ context.Context, q Query) ([]intel.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selectRecords(q), nil
}

func (m *Memory) selectRecords(q Query) []intel.Record {
	var out []intel.Record
	for _, r := range m.records {
		if q.matchRecord(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CollectedAt.Equal(out[j].CollectedAt) {
			return out[i].CollectedAt.After(out[j].CollectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return limit(out, q.Limit)
}

func (m *Memory) Opportunities(_ context.Context, q Query) ([]intel.Opportunity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selectOpportunities(q), nil
}

func (m *Memory) selectOpportunities(q Query) []intel.Opportunity {
	var out []intel.Opportunity
	for _, o := range m.opportunities {
		if q.matchOpportunity(o) {
			o.Assignees = slices.Clone(o.Assignees)
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return limit(out, q.Limit)
}

func (m *Memory) Publications(_ context.Context, q Query) ([]Publication, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selectPublications(q), nil
}

func (m *Memory) selectPublications(q Query) []Publication {
	var out []Publication
	for _, p := range m.publications {
		if q.matchPublication(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PublishedAt.Equal(out[j].PublishedAt) {
			return out[i].PublishedAt.After(out[j].PublishedAt)
		}
		return out[i].ID < out[j].ID
	})
	return limit(out, q.Limit)
}

func (m *Memory) Snapshots(_ context.Context, q Query) ([]PerformanceSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []PerformanceSnapshot
	for i := len(m.snapshots) - 1; i >= 0; i-- {
		s := m.snapshots[i]
		if !q.Since.IsZero() && s.TakenAt.Before(q.Since) {
			continue
		}
		s.KPIs = cloneKPIs(s.KPIs)
		out = append(out, s)
	}
	return limit(out, q.Limit), nil
}

func (m *Memory) Executions(_ context.Context, q Query) ([]ExecutionLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selectExecutions(q), nil
}

func (m *Memory) selectExecutions(q Query) []ExecutionLog {
	var out []ExecutionLog
	for i := len(m.executions) - 1; i >= 0; i-- {
		if e := m.executions[i]; q.matchExecution(e) {
			e.FailedSteps = slices.Clone(e.FailedSteps)
			out = append(out, e)
		}
	}
	return limit(out, q.Limit)
}

// View copies every collection under one read lock.
func (m *Memory) View(_ context.Context, asOf time.Time) (*View, error) {
	since := asOf.Add(-ViewHorizon)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &View{
		AsOf:          asOf,
		Records:       m.selectRecords(Query{AsOf: asOf}),
		Opportunities: m.selectOpportunities(Query{Since: since}),
		Publications:  m.selectPublications(Query{Since: since}),
		Executions:    m.selectExecutions(Query{Since: since, Limit: viewExecutions}),
	}, nil
}

func (m *Memory) Close() error { return nil }

const viewExecutions = 200

func cloneKPIs(in map[KPI]float64) map[KPI]float64 {
	out := make(map[KPI]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
