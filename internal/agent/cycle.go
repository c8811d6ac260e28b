package agent

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stellarlinkco/rankpilot/internal/fault"
	"github.com/stellarlinkco/rankpilot/internal/intel"
	"github.com/stellarlinkco/rankpilot/internal/store"
)

// Cycle is the working state of one gather, analyze, act, record pass.
type Cycle struct {
	Job string
	Now time.Time

	// Inbox holds opportunities dispatched to the agent since its last cycle.
	Inbox []intel.Opportunity
	// Received holds live records other agents propagated.
	Received  []intel.Record
	Directive *Directive

	Records       []intel.Record
	Opportunities []intel.Opportunity
	Publications  []store.Publication
	Actions       int
	Impact        int
	Note          string

	gathered int
	executed map[string]bool
	closed   map[string]bool
	failed   []string
}

// Add collects records to persist in the record step.
func (c *Cycle) Add(records ...intel.Record) {
	c.Records = append(c.Records, records...)
}

// Propose adds newly identified opportunities, skipping ids already proposed
// and findings that were already executed or expired.
func (c *Cycle) Propose(opps ...intel.Opportunity) {
	for _, o := range opps {
		dup := c.closed[o.ID]
		for _, have := range c.Opportunities {
			if have.ID == o.ID {
				dup = true
				break
			}
		}
		if !dup {
			c.Opportunities = append(c.Opportunities, o)
		}
	}
}

// Publish records a publication and counts it as an action.
func (c *Cycle) Publish(p store.Publication) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.PublishedAt.IsZero() {
		p.PublishedAt = c.Now
	}
	c.Publications = append(c.Publications, p)
}

// Done marks o as executed by this cycle.
func (c *Cycle) Done(o intel.Opportunity) {
	if c.executed[o.ID] {
		return
	}
	c.executed[o.ID] = true
	c.Actions++
	c.Impact += o.Impact
}

// Gathered counts raw items fetched that did not become records.
func (c *Cycle) Gathered(n int) { c.gathered += n }

// Limit scales a top-K limit up while a priority directive is active.
func (c *Cycle) Limit(k int) int {
	if c.Directive != nil {
		return k * 2
	}
	return k
}

// StepFailed reports whether the named step failed.
func (c *Cycle) StepFailed(name string) bool {
	for _, f := range c.failed {
		if f == name {
			return true
		}
	}
	return false
}

// Candidates merges the inbox with proposals and extra opportunities,
// dropping duplicates by id and keeping the first occurrence.
func (c *Cycle) Candidates(extra ...intel.Opportunity) []intel.Opportunity {
	seen := make(map[string]bool)
	var out []intel.Opportunity
	for _, group := range [][]intel.Opportunity{c.Inbox, c.Opportunities, extra} {
		for _, o := range group {
			if !seen[o.ID] {
				seen[o.ID] = true
				out = append(out, o)
			}
		}
	}
	return out
}

func (b *Base) newCycle(job string, now time.Time) *Cycle {
	b.mu.Lock()
	inbox := b.inbox
	b.inbox = nil
	received := b.received
	b.received = nil
	var directive *Directive
	if b.directive != nil {
		d := *b.directive
		directive = &d
	}
	b.mu.Unlock()

	return &Cycle{
		Job:       job,
		Now:       now,
		Inbox:     inbox,
		Received:  intel.Live(received, now),
		Directive: directive,
		executed:  make(map[string]bool),
		closed:    make(map[string]bool),
	}
}

// loadClosed remembers which recent opportunities are already terminal so
// the cycle does not derive them again.
func (b *Base) loadClosed(ctx context.Context, c *Cycle) {
	var done []intel.Opportunity
	err := b.call(ctx, "query closed opportunities", func(ctx context.Context) error {
		var err error
		done, err = b.deps.Store.Opportunities(ctx, store.Query{
			Statuses: []intel.Status{intel.StatusExecuted, intel.StatusExpired},
			Since:    c.Now.Add(-store.ViewHorizon),
		})
		return err
	})
	if err != nil {
		b.logf("closed opportunities unavailable: %v", err)
		return
	}
	for _, o := range done {
		c.closed[o.ID] = true
	}
}

// runJob executes one cycle. Only one cycle per agent runs at a time across
// all of its jobs; a tick that finds a cycle in flight is skipped.
func (b *Base) runJob(ctx context.Context, j Job) (store.ExecutionLog, error) {
	if !b.cycleMu.TryLock() {
		n := b.skipped.Add(1)
		b.logf("cycle in flight, %s skipped (%d total)", j.ID, n)
		return store.ExecutionLog{}, ErrBusy
	}
	defer b.cycleMu.Unlock()
	if !b.active() {
		return store.ExecutionLog{}, ErrNotRunning
	}

	started := b.now()
	c := b.newCycle(j.ID, started)
	b.loadClosed(ctx, c)
	steps := j.Plan()

	b.step(ctx, c, "gather", steps.Gather)
	b.step(ctx, c, "analyze", steps.Analyze)
	b.step(ctx, c, "act", steps.Act)
	b.step(ctx, c, "record", func(ctx context.Context, c *Cycle) error {
		var err error
		if steps.Record != nil {
			err = steps.Record(ctx, c)
		}
		return errors.Join(err, b.persist(ctx, c))
	})

	if c.StepFailed("act") {
		b.requeue(c)
	}

	entry := store.ExecutionLog{
		ID:            uuid.NewString(),
		Agent:         b.id,
		Job:           j.ID,
		StartedAt:     started,
		Duration:      b.clock.Since(started),
		Success:       len(c.failed) == 0,
		FailedSteps:   c.failed,
		Gathered:      c.gathered + len(c.Records),
		Opportunities: len(c.Opportunities),
		Actions:       c.Actions,
		Note:          c.Note,
	}
	b.finish(entry, c.Impact)

	if err := b.call(ctx, "append execution", func(ctx context.Context) error {
		return b.deps.Store.AppendExecution(ctx, entry)
	}); err != nil {
		b.logf("record execution of %s: %v", j.ID, err)
	}
	return entry, nil
}

// step runs fn and converts errors and panics into a failed step.
func (b *Base) step(ctx context.Context, c *Cycle, name string, fn StepFunc) {
	if fn == nil {
		return
	}
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
			}
		}()
		return fn(ctx, c)
	}()
	if err != nil {
		c.failed = append(c.failed, name)
		b.logf("%s step %s failed: %v", c.Job, name, err)
	}
}

// persist writes what the cycle collected. Invalid records are dropped and
// logged; the remaining writes still happen.
func (b *Base) persist(ctx context.Context, c *Cycle) error {
	var errs []error
	for _, r := range c.Records {
		if err := r.Validate(); err != nil {
			b.logf("dropping invalid record from %s: %v", r.Source, err)
			continue
		}
		if err := b.call(ctx, "put record", func(ctx context.Context) error {
			return b.deps.Store.PutRecord(ctx, r)
		}); err != nil {
			errs = append(errs, err)
		}
	}

	proposed := make(map[string]bool, len(c.Opportunities))
	for _, o := range c.Opportunities {
		proposed[o.ID] = true
		if c.executed[o.ID] {
			if err := o.Advance(intel.StatusExecuted, c.Now); err != nil {
				b.logf("opportunity %s not marked executed: %v", o.ID, err)
			}
		}
		if err := b.call(ctx, "insert opportunity", func(ctx context.Context) error {
			inserted, err := b.deps.Store.InsertOpportunity(ctx, o)
			if err == nil && !inserted && c.executed[o.ID] {
				err = b.markExecuted(ctx, o.ID, c.Now)
			}
			return err
		}); err != nil {
			errs = append(errs, err)
		}
	}

	// Executed opportunities that came from the inbox or the store.
	for id := range c.executed {
		if proposed[id] {
			continue
		}
		if err := b.call(ctx, "advance opportunity", func(ctx context.Context) error {
			return b.markExecuted(ctx, id, c.Now)
		}); err != nil {
			errs = append(errs, err)
		}
	}

	for _, p := range c.Publications {
		if p.Agent == "" {
			p.Agent = b.id
		}
		if err := b.call(ctx, "put publication", func(ctx context.Context) error {
			return b.deps.Store.PutPublication(ctx, p)
		}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// markExecuted advances a stored opportunity to executed. Unknown ids and
// opportunities that expired meanwhile are logged, not failed.
func (b *Base) markExecuted(ctx context.Context, id string, at time.Time) error {
	_, err := b.deps.Store.AdvanceOpportunity(ctx, id, intel.StatusExecuted, at)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil
	case fault.IsValidation(err):
		b.logf("opportunity %s not marked executed: %v", id, err)
		return nil
	}
	return err
}

// requeue puts back inbox items the failed act step did not execute.
func (b *Base) requeue(c *Cycle) {
	var back []intel.Opportunity
	for _, o := range c.Inbox {
		if !c.executed[o.ID] && !b.deps.Windows.Stale(o, c.Now) {
			back = append(back, o)
		}
	}
	if len(back) == 0 {
		return
	}
	b.mu.Lock()
	b.inbox = append(back, b.inbox...)
	b.mu.Unlock()
}

func (b *Base) finish(entry store.ExecutionLog, impact int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastRun = entry.StartedAt
	b.metrics.Cycles++
	b.metrics.Actions += int64(entry.Actions)
	b.metrics.Impact += int64(impact)
	if entry.Success {
		b.failures = 0
		if b.state == StateDegraded {
			b.state = StateRunning
			b.logf("recovered, back to running")
		}
	} else {
		b.failures++
		b.metrics.Failures++
		if b.state == StateRunning && b.failures >= b.opts.FailureThreshold {
			b.state = StateDegraded
			b.logf("degraded after %d consecutive failed cycles (%s)", b.failures, strings.Join(entry.FailedSteps, ","))
		}
	}
	b.metrics.SuccessRate = float64(b.metrics.Cycles-b.metrics.Failures) / float64(b.metrics.Cycles)
}
