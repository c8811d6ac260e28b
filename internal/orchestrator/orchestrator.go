// Package orchestrator runs the agents as one system: it starts and stops
// them, shares intelligence between them, turns cross-agent findings into
// synergy actions and feeds performance metrics back into their cadences.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/stellarlinkco/rankpilot/internal/agent"
	"github.com/stellarlinkco/rankpilot/internal/intel"
	"github.com/stellarlinkco/rankpilot/internal/metrics"
	"github.com/stellarlinkco/rankpilot/internal/notify"
	"github.com/stellarlinkco/rankpilot/internal/scheduler"
	"github.com/stellarlinkco/rankpilot/internal/store"
)

// ID is the origin and agent name the orchestrator writes under.
const ID = "orchestrator"

const (
	jobCoordination = "orchestrator-coordination"
	jobMonitoring   = "orchestrator-monitoring"
)

var ErrNoAgents = errors.New("no agent started")

type Options struct {
	Coordination  string
	Monitoring    string
	ShutdownGrace time.Duration
	// ViralFloor is the engagement at which a competitor post is countered.
	ViralFloor int
	// SynergyWindow bounds how old a review or publication may be to still
	// trigger a synergy action.
	SynergyWindow time.Duration
	Thresholds    metrics.Thresholds
}

func DefaultOptions() Options {
	return Options{
		Coordination:  "every 2h",
		Monitoring:    "every 1h",
		ShutdownGrace: 10 * time.Second,
		ViralFloor:    1000,
		SynergyWindow: 7 * 24 * time.Hour,
		Thresholds:    metrics.DefaultThresholds(),
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Coordination == "" {
		o.Coordination = def.Coordination
	}
	if o.Monitoring == "" {
		o.Monitoring = def.Monitoring
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = def.ShutdownGrace
	}
	if o.ViralFloor <= 0 {
		o.ViralFloor = def.ViralFloor
	}
	if o.SynergyWindow <= 0 {
		o.SynergyWindow = def.SynergyWindow
	}
	return o
}

type Deps struct {
	Store     store.Store
	Scheduler *scheduler.Scheduler
	Notifier  notify.Notifier
	Logger    *log.Logger
	Windows   intel.Windows
	Agents    []agent.Agent
	Options   Options
}

type Orchestrator struct {
	store     store.Store
	sched     *scheduler.Scheduler
	clock     clockwork.Clock
	notifier  notify.Notifier
	logger    *log.Logger
	windows   intel.Windows
	collector *metrics.Collector
	agents    []agent.Agent
	byID      map[string]agent.Agent
	opts      Options

	coordination scheduler.Cadence
	monitoring   scheduler.Cadence

	mu         sync.Mutex
	running    bool
	handles    []scheduler.Handle
	emergency  Emergency
	lastShared time.Time
	adjusted   map[string]store.Adjustment
}

func New(deps Deps) (*Orchestrator, error) {
	if deps.Store == nil || deps.Scheduler == nil {
		return nil, fmt.Errorf("orchestrator: store and scheduler are required")
	}
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Log{}
	}
	if deps.Windows == nil {
		deps.Windows = intel.DefaultWindows()
	}
	opts := deps.Options.withDefaults()
	coordination, err := scheduler.ParseCadence(opts.Coordination)
	if err != nil {
		return nil, fmt.Errorf("coordination cadence: %w", err)
	}
	monitoring, err := scheduler.ParseCadence(opts.Monitoring)
	if err != nil {
		return nil, fmt.Errorf("monitoring cadence: %w", err)
	}

	o := &Orchestrator{
		store:        deps.Store,
		sched:        deps.Scheduler,
		clock:        deps.Scheduler.Clock(),
		notifier:     deps.Notifier,
		logger:       deps.Logger,
		windows:      deps.Windows,
		agents:       deps.Agents,
		byID:         make(map[string]agent.Agent, len(deps.Agents)),
		opts:         opts,
		coordination: coordination,
		monitoring:   monitoring,
		emergency:    Emergency{Phase: PhaseNormal},
		adjusted:     make(map[string]store.Adjustment),
	}
	for _, a := range deps.Agents {
		if _, dup := o.byID[a.ID()]; dup {
			return nil, fmt.Errorf("orchestrator: duplicate agent %s", a.ID())
		}
		o.byID[a.ID()] = a
	}
	th := opts.Thresholds
	if th.Windows == nil {
		th.Windows = o.windows
	}
	o.collector = metrics.New(deps.Store, o.clock, th, deps.Logger)
	return o, nil
}

func (o *Orchestrator) logf(format string, args ...any) {
	o.logger.Printf("[orchestrator] "+format, args...)
}

// Agent returns the agent registered under id.
func (o *Orchestrator) Agent(id string) (agent.Agent, bool) {
	a, ok := o.byID[id]
	return a, ok
}

// Start brings every agent up concurrently. An agent that fails to start is
// logged and left stopped; the others keep running. Once the agents are up
// the coordination and monitoring jobs are scheduled and one coordination
// pass runs immediately.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		o.logf("start ignored: already running")
		return nil
	}
	o.running = true
	o.mu.Unlock()

	o.wireHandoff()

	var (
		failMu sync.Mutex
		failed []string
	)
	var g errgroup.Group
	for _, a := range o.agents {
		g.Go(func() error {
			if err := a.Start(ctx); err != nil {
				failMu.Lock()
				failed = append(failed, a.ID())
				failMu.Unlock()
				o.logf("agent %s failed to start: %v", a.ID(), err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(o.agents) > 0 && len(failed) == len(o.agents) {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
		return ErrNoAgents
	}

	var handles []scheduler.Handle
	for _, j := range []struct {
		id      string
		cadence scheduler.Cadence
		fn      scheduler.Func
	}{
		{jobCoordination, o.coordination, func(ctx context.Context) {
			if _, err := o.Coordinate(ctx); err != nil {
				o.logf("coordination failed: %v", err)
			}
		}},
		{jobMonitoring, o.monitoring, func(ctx context.Context) {
			if _, err := o.Monitor(ctx); err != nil {
				o.logf("monitoring failed: %v", err)
			}
		}},
	} {
		h, err := o.sched.Schedule(j.id, j.cadence, j.fn)
		if err != nil {
			for _, registered := range handles {
				o.sched.Cancel(registered)
			}
			o.stopAgents(ctx)
			o.mu.Lock()
			o.running = false
			o.mu.Unlock()
			return fmt.Errorf("schedule %s: %w", j.id, err)
		}
		handles = append(handles, h)
	}
	o.mu.Lock()
	o.handles = handles
	o.mu.Unlock()

	o.logf("started: %d of %d agents running", len(o.agents)-len(failed), len(o.agents))
	if _, err := o.Coordinate(ctx); err != nil {
		o.logf("initial coordination failed: %v", err)
	}
	return nil
}

// wireHandoff lets the content agent pass published articles straight to the
// social agent.
func (o *Orchestrator) wireHandoff() {
	content, ok := o.byID[agent.IDContent].(interface{ SetHandoff(agent.Handoff) })
	if !ok {
		return
	}
	if social, ok := o.byID[agent.IDSocial].(agent.Handoff); ok {
		content.SetHandoff(social)
	}
}

// Stop cancels every scheduled job, waits up to the shutdown grace for
// running cycles and then stops the agents.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	o.handles = nil
	o.mu.Unlock()

	if abandoned := o.sched.CancelAll(o.opts.ShutdownGrace); abandoned > 0 {
		o.logf("abandoned %d running jobs after %s", abandoned, o.opts.ShutdownGrace)
	}
	o.stopAgents(ctx)
	o.logf("stopped")
	return nil
}

func (o *Orchestrator) stopAgents(ctx context.Context) {
	var g errgroup.Group
	for _, a := range o.agents {
		g.Go(func() error {
			if err := a.Stop(ctx); err != nil {
				o.logf("agent %s stop: %v", a.ID(), err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Running reports whether Start succeeded and Stop has not been called.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Statuses snapshots every agent without waiting for running cycles.
func (o *Orchestrator) Statuses() []agent.Status {
	out := make([]agent.Status, 0, len(o.agents))
	for _, a := range o.agents {
		out = append(out, a.Status())
	}
	return out
}

// Coordination is the outcome of one coordination pass.
type Coordination struct {
	Expired    int                       `json:"expired"`
	Dispatched []intel.Opportunity       `json:"dispatched"`
	Shared     int                       `json:"shared"`
	Pruned     int                       `json:"pruned"`
	Snapshot   store.PerformanceSnapshot `json:"snapshot"`
}

// Coordinate runs one coordination pass over a point-in-time view of the
// store. Agent failures never abort the pass.
func (o *Orchestrator) Coordinate(ctx context.Context) (Coordination, error) {
	started := o.clock.Now()
	statuses := o.Statuses()
	view, err := o.store.View(ctx, started)
	if err != nil {
		return Coordination{}, fmt.Errorf("read view: %w", err)
	}

	var (
		res  Coordination
		errs []error
	)
	res.Expired, err = o.expire(ctx, view)
	if err != nil {
		errs = append(errs, err)
	}

	for _, syn := range o.synergies(view) {
		stored, dispatched, err := o.dispatch(ctx, syn)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if dispatched {
			res.Dispatched = append(res.Dispatched, stored)
		}
	}

	res.Shared = o.propagate(view)
	if res.Pruned, err = o.store.PruneRecords(ctx, started); err != nil {
		errs = append(errs, err)
	}

	res.Snapshot = o.collector.Sample(view, statuses)
	if err := o.store.AppendSnapshot(ctx, res.Snapshot); err != nil {
		errs = append(errs, fmt.Errorf("append snapshot: %w", err))
	}

	entry := store.ExecutionLog{
		ID:            uuid.NewString(),
		Agent:         ID,
		Job:           "coordination",
		StartedAt:     started,
		Duration:      o.clock.Since(started),
		Success:       len(errs) == 0,
		Gathered:      len(view.Records),
		Opportunities: len(res.Dispatched),
		Actions:       res.Shared,
		Note:          collaborationNote(res),
	}
	if len(errs) > 0 {
		entry.FailedSteps = []string{"coordinate"}
	}
	if err := o.store.AppendExecution(ctx, entry); err != nil {
		errs = append(errs, fmt.Errorf("append execution: %w", err))
	}
	o.logf("coordination: %s", entry.Note)
	return res, errors.Join(errs...)
}

func collaborationNote(res Coordination) string {
	actions := make([]string, 0, len(res.Dispatched))
	for _, d := range res.Dispatched {
		actions = append(actions, string(d.Action())+"->"+strings.Join(d.Assignees, "+"))
	}
	note := fmt.Sprintf("%d synergies dispatched, %d records shared, %d expired", len(res.Dispatched), res.Shared, res.Expired)
	if len(actions) > 0 {
		note += " (" + strings.Join(actions, ", ") + ")"
	}
	return note
}

// expire advances open opportunities past their validity window.
func (o *Orchestrator) expire(ctx context.Context, view *store.View) (int, error) {
	var errs []error
	n := 0
	for _, op := range intel.Expire(view.Opportunities, view.AsOf, o.windows) {
		_, err := o.store.AdvanceOpportunity(ctx, op.ID, intel.StatusExpired, view.AsOf)
		switch {
		case err == nil:
			n++
		case errors.Is(err, store.ErrNotFound):
		default:
			errs = append(errs, fmt.Errorf("expire %s: %w", op.ID, err))
		}
	}
	return n, errors.Join(errs...)
}

// dispatch stores a synergy opportunity once per subject and hands it to its
// assignees, returning the dispatched copy. It reports false for a subject
// that was already stored.
func (o *Orchestrator) dispatch(ctx context.Context, op intel.Opportunity) (intel.Opportunity, bool, error) {
	inserted, err := o.store.InsertOpportunity(ctx, op)
	if err != nil {
		return op, false, fmt.Errorf("insert %s: %w", op.Subject, err)
	}
	if !inserted {
		return op, false, nil
	}
	stored, err := o.store.AdvanceOpportunity(ctx, op.ID, intel.StatusDispatched, o.clock.Now())
	if err != nil {
		return op, false, fmt.Errorf("dispatch %s: %w", op.Subject, err)
	}
	for _, id := range stored.Assignees {
		if a, ok := o.byID[id]; ok {
			a.Dispatch(stored)
		}
	}
	return stored, true, nil
}

// propagate hands every agent the records other agents collected since the
// previous pass.
func (o *Orchestrator) propagate(view *store.View) int {
	o.mu.Lock()
	since := o.lastShared
	o.lastShared = view.AsOf
	o.mu.Unlock()

	var fresh []intel.Record
	for _, r := range view.Records {
		if r.CollectedAt.After(since) {
			fresh = append(fresh, r)
		}
	}
	if len(fresh) == 0 {
		return 0
	}
	shared := 0
	for _, a := range o.agents {
		var theirs []intel.Record
		for _, r := range fresh {
			if r.Origin != a.ID() {
				theirs = append(theirs, r)
			}
		}
		a.Receive(theirs)
		shared += len(theirs)
	}
	return shared
}

// Monitor collects a performance snapshot, pushes cadence adjustments to the
// agents, sends warnings and completes a pending recovery.
func (o *Orchestrator) Monitor(ctx context.Context) (store.PerformanceSnapshot, error) {
	snap, err := o.collector.Collect(ctx, o.Statuses())
	if err != nil && snap.ID == "" {
		return snap, err
	}
	metrics.LogReport(o.logger, snap)

	errs := []error{err}
	errs = append(errs, o.applyAdjustments(snap.Analysis))
	for _, w := range snap.Analysis.Warnings {
		if err := o.notifier.Alert(ctx, notify.SeverityWarning, "Performance warning: "+w); err != nil {
			o.logf("send warning: %v", err)
		}
	}

	o.mu.Lock()
	recovered := o.emergency.Phase == PhaseRecovering && !snap.Analysis.NeedsAdjustment
	if recovered {
		o.emergency = Emergency{Phase: PhaseNormal}
	}
	o.mu.Unlock()
	if recovered {
		for _, a := range o.agents {
			a.ClearDirective()
		}
		o.logf("recovery complete, back to normal")
	}
	return snap, errors.Join(errs...)
}

// applyAdjustments speeds up the jobs the analysis asks for and restores the
// configured cadence of jobs that no longer need it.
func (o *Orchestrator) applyAdjustments(a store.Analysis) error {
	want := make(map[string]store.Adjustment)
	if a.NeedsAdjustment {
		for _, adj := range a.Adjustments {
			want[adj.Agent+"/"+adj.Job] = adj
		}
	}

	o.mu.Lock()
	var restore []store.Adjustment
	for key, adj := range o.adjusted {
		if _, still := want[key]; !still {
			restore = append(restore, store.Adjustment{Agent: adj.Agent, Job: adj.Job, Factor: 1, Reason: "performance back on target"})
			delete(o.adjusted, key)
		}
	}
	for key, adj := range want {
		o.adjusted[key] = adj
	}
	o.mu.Unlock()

	var errs []error
	for _, adj := range restore {
		errs = append(errs, o.adjust(adj))
	}
	if a.NeedsAdjustment {
		for _, adj := range a.Adjustments {
			errs = append(errs, o.adjust(adj))
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) adjust(adj store.Adjustment) error {
	a, ok := o.byID[adj.Agent]
	if !ok {
		return nil
	}
	if err := a.Adjust(adj); err != nil {
		return fmt.Errorf("adjust %s/%s: %w", adj.Agent, adj.Job, err)
	}
	return nil
}

// Jobs reports the coordination and monitoring schedules.
func (o *Orchestrator) Jobs() []scheduler.JobStats {
	o.mu.Lock()
	handles := append([]scheduler.Handle(nil), o.handles...)
	o.mu.Unlock()
	var out []scheduler.JobStats
	for _, h := range handles {
		if s, ok := o.sched.Stats(h); ok {
			out = append(out, s)
		}
	}
	return out
}
