// Package agent implements the long-lived workers that gather intelligence,
// score opportunities and act on them. Every agent owns one or more scheduler
// jobs; each tick runs one Cycle of four isolated steps.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/stellarlinkco/rankpilot/internal/fault"
	"github.com/stellarlinkco/rankpilot/internal/generate"
	"github.com/stellarlinkco/rankpilot/internal/intel"
	"github.com/stellarlinkco/rankpilot/internal/notify"
	"github.com/stellarlinkco/rankpilot/internal/platform"
	"github.com/stellarlinkco/rankpilot/internal/playbook"
	"github.com/stellarlinkco/rankpilot/internal/scheduler"
	"github.com/stellarlinkco/rankpilot/internal/store"
)

// Agent ids.
const (
	IDContent    = "content"
	IDCompetitor = "competitor"
	IDListing    = "listing"
	IDSocial     = "social"
	IDReputation = "reputation"
)

// All lists every agent id in start order.
var All = []string{IDCompetitor, IDContent, IDListing, IDSocial, IDReputation}

var (
	ErrBusy       = errors.New("cycle already in flight")
	ErrNotRunning = errors.New("agent not running")
	ErrUnknownJob = errors.New("unknown job")
)

type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateDegraded State = "degraded"
)

// Metrics are cumulative since the agent was created.
type Metrics struct {
	Cycles      int64   `json:"cycles"`
	Failures    int64   `json:"failures"`
	Actions     int64   `json:"actions"`
	Impact      int64   `json:"impact"`
	SuccessRate float64 `json:"successRate"`
}

type JobStatus struct {
	ID      string    `json:"id"`
	Cadence string    `json:"cadence"`
	Runs    int64     `json:"runs"`
	Skipped int64     `json:"skipped"`
	LastRun time.Time `json:"lastRun,omitempty"`
	NextRun time.Time `json:"nextRun,omitempty"`
}

// Status is a point-in-time copy of an agent's state. Reading it never waits
// for a running cycle.
type Status struct {
	ID                  string      `json:"id"`
	Name                string      `json:"name"`
	State               State       `json:"state"`
	Fatal               bool        `json:"fatal"`
	Error               string      `json:"error,omitempty"`
	Jobs                []JobStatus `json:"jobs"`
	LastRun             time.Time   `json:"lastRun,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
	Skipped             int64       `json:"skipped"`
	Pending             int         `json:"pending"`
	Directive           *Directive  `json:"directive,omitempty"`
	Metrics             Metrics     `json:"metrics"`
}

// Directive puts an agent into emergency priority mode until cleared.
type Directive struct {
	Situation     string    `json:"situation"`
	OpportunityID string    `json:"opportunityId,omitempty"`
	IssuedAt      time.Time `json:"issuedAt"`
}

type Agent interface {
	ID() string
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() Status
	// Dispatch queues an opportunity for the agent's next cycle.
	Dispatch(o intel.Opportunity)
	// Receive hands the agent intelligence another agent collected.
	Receive(records []intel.Record)
	Adjust(adj store.Adjustment) error
	SetDirective(d Directive)
	ClearDirective()
	// RunJob runs one cycle of jobID now, outside the schedule.
	RunJob(ctx context.Context, jobID string) (store.ExecutionLog, error)
}

// Options tune agent behaviour. Zero values fall back to DefaultOptions.
type Options struct {
	FailureThreshold int
	CallTimeout      time.Duration
	TopK             int
	Workers          int
	// Cadences overrides job cadences by job id, in scheduler.ParseCadence form.
	Cadences        map[string]string
	PostTimes       []string
	SocialStagger   time.Duration
	ViralFloor      int
	FollowUpDays    []int
	RequestCooldown time.Duration
	NegativeSpike   int
}

func DefaultOptions() Options {
	return Options{
		FailureThreshold: 3,
		CallTimeout:      30 * time.Second,
		TopK:             3,
		Workers:          3,
		PostTimes:        []string{"08:00", "12:30", "17:30"},
		SocialStagger:    15 * time.Minute,
		ViralFloor:       1000,
		FollowUpDays:     []int{3, 7, 14},
		RequestCooldown:  180 * 24 * time.Hour,
		NegativeSpike:    3,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = def.FailureThreshold
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = def.CallTimeout
	}
	if o.TopK <= 0 {
		o.TopK = def.TopK
	}
	if o.Workers <= 0 {
		o.Workers = def.Workers
	}
	if len(o.PostTimes) == 0 {
		o.PostTimes = def.PostTimes
	}
	if o.SocialStagger <= 0 {
		o.SocialStagger = def.SocialStagger
	}
	if o.ViralFloor <= 0 {
		o.ViralFloor = def.ViralFloor
	}
	if len(o.FollowUpDays) == 0 {
		o.FollowUpDays = def.FollowUpDays
	}
	if o.RequestCooldown <= 0 {
		o.RequestCooldown = def.RequestCooldown
	}
	if o.NegativeSpike <= 0 {
		o.NegativeSpike = def.NegativeSpike
	}
	return o
}

// Deps are the collaborators an agent is built from. Generator defaults to
// the offline template generator and Notifier to the log.
type Deps struct {
	Store     store.Store
	Scheduler *scheduler.Scheduler
	Generator generate.Generator
	Notifier  notify.Notifier
	Platforms platform.Platforms
	Playbook  *playbook.Playbook
	Logger    *log.Logger
	Windows   intel.Windows
	Options   Options
}

// StepFunc is one phase of a cycle.
type StepFunc func(ctx context.Context, c *Cycle) error

// Steps are the four phases of a cycle. Nil steps are skipped. After Record
// runs, whatever the cycle collected is persisted.
type Steps struct {
	Gather  StepFunc
	Analyze StepFunc
	Act     StepFunc
	Record  StepFunc
}

// Job is a scheduled unit of work. Plan is called once per cycle so steps can
// share per-cycle state through closures.
type Job struct {
	ID   string
	Plan func() Steps
}

// Base carries the lifecycle, scheduling and cycle machinery every agent
// variant embeds.
type Base struct {
	id     string
	name   string
	deps   Deps
	opts   Options
	clock  clockwork.Clock
	logger *log.Logger

	jobs      []Job
	baseline  map[string]scheduler.Cadence
	configErr []error
	// model is set when a real generator was supplied; review replies are
	// then personalized instead of sent from templates as-is.
	model bool

	mu        sync.Mutex
	cadences  map[string]scheduler.Cadence
	state     State
	fatal     bool
	lastErr   error
	handles   map[string]scheduler.Handle
	lastRun   time.Time
	failures  int
	metrics   Metrics
	inbox     []intel.Opportunity
	received  []intel.Record
	directive *Directive

	cycleMu sync.Mutex
	skipped atomic.Int64
}

const maxReceived = 500

func newBase(id, name string, deps Deps) *Base {
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	model := deps.Generator != nil
	if deps.Generator == nil {
		deps.Generator = generate.Template{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Log{}
	}
	if deps.Windows == nil {
		deps.Windows = intel.DefaultWindows()
	}
	if deps.Playbook == nil {
		deps.Playbook = playbook.Default()
	}
	b := &Base{
		id:       id,
		name:     name,
		deps:     deps,
		opts:     deps.Options.withDefaults(),
		logger:   deps.Logger,
		model:    model,
		baseline: make(map[string]scheduler.Cadence),
		cadences: make(map[string]scheduler.Cadence),
		state:    StateStopped,
		handles:  make(map[string]scheduler.Handle),
	}
	if deps.Scheduler != nil {
		b.clock = deps.Scheduler.Clock()
	} else {
		b.clock = clockwork.NewRealClock()
	}
	b.require(deps.Store != nil, "store is required")
	b.require(deps.Scheduler != nil, "scheduler is required")
	return b
}

func (b *Base) ID() string   { return b.id }
func (b *Base) Name() string { return b.name }

func (b *Base) logf(format string, args ...any) {
	b.logger.Printf("[agent:"+b.id+"] "+format, args...)
}

// require records a configuration problem reported by Start.
func (b *Base) require(ok bool, format string, args ...any) {
	if !ok {
		b.configErr = append(b.configErr, fault.Configuration("agent "+b.id, format, args...))
	}
}

// addJob registers a job with its default cadence, honouring overrides from
// Options.Cadences.
func (b *Base) addJob(id, defaultCadence string, plan func() Steps) {
	text := defaultCadence
	if override, ok := b.opts.Cadences[id]; ok && override != "" {
		text = override
	}
	cadence, err := scheduler.ParseCadence(text)
	if err != nil {
		b.configErr = append(b.configErr, fault.Configuration("agent "+b.id, "job %s: %v", id, err))
		return
	}
	b.jobs = append(b.jobs, Job{ID: id, Plan: plan})
	b.baseline[id] = cadence
	b.cadences[id] = cadence
}

func (b *Base) job(id string) (Job, bool) {
	for _, j := range b.jobs {
		if j.ID == id {
			return j, true
		}
	}
	return Job{}, false
}

// Start registers every job and moves the agent to running. Starting an agent
// that is already up logs one warning and does nothing else.
func (b *Base) Start(ctx context.Context) error {
	b.mu.Lock()
	switch b.state {
	case StateStarting, StateRunning, StateDegraded:
		b.mu.Unlock()
		b.logf("start ignored: already %s", b.state)
		return nil
	}
	b.state = StateStarting
	b.fatal = false
	b.lastErr = nil
	b.mu.Unlock()

	if err := errors.Join(b.configErr...); err != nil {
		b.markFatal(err)
		return err
	}
	if err := ctx.Err(); err != nil {
		b.mu.Lock()
		b.state = StateStopped
		b.mu.Unlock()
		return err
	}

	handles := make(map[string]scheduler.Handle, len(b.jobs))
	for _, j := range b.jobs {
		h, err := b.deps.Scheduler.Schedule(j.ID, b.currentCadence(j.ID), func(ctx context.Context) {
			_, _ = b.runJob(ctx, j)
		})
		if err != nil {
			for _, registered := range handles {
				b.deps.Scheduler.Cancel(registered)
			}
			b.markFatal(err)
			return fmt.Errorf("start %s: %w", b.id, err)
		}
		handles[j.ID] = h
	}

	b.mu.Lock()
	b.handles = handles
	b.state = StateRunning
	b.mu.Unlock()
	b.logf("started with %d jobs", len(handles))
	return nil
}

func (b *Base) markFatal(err error) {
	b.mu.Lock()
	b.state = StateStopped
	b.fatal = true
	b.lastErr = err
	b.mu.Unlock()
	b.logf("failed to start: %v", err)
}

func (b *Base) currentCadence(jobID string) scheduler.Cadence {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cadences[jobID]
}

// Stop cancels the agent's jobs. A cycle already running finishes; no new
// cycle starts afterwards.
func (b *Base) Stop(_ context.Context) error {
	b.mu.Lock()
	if b.state == StateStopped {
		b.mu.Unlock()
		return nil
	}
	handles := b.handles
	b.handles = make(map[string]scheduler.Handle)
	b.state = StateStopped
	b.mu.Unlock()

	for _, h := range handles {
		b.deps.Scheduler.Cancel(h)
	}
	b.logf("stopped")
	return nil
}

func (b *Base) active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateRunning || b.state == StateDegraded
}

func (b *Base) Status() Status {
	b.mu.Lock()
	st := Status{
		ID:                  b.id,
		Name:                b.name,
		State:               b.state,
		Fatal:               b.fatal,
		LastRun:             b.lastRun,
		ConsecutiveFailures: b.failures,
		Pending:             len(b.inbox),
		Metrics:             b.metrics,
		Skipped:             b.skipped.Load(),
	}
	if b.lastErr != nil {
		st.Error = b.lastErr.Error()
	}
	if b.directive != nil {
		d := *b.directive
		st.Directive = &d
	}
	handles := make(map[string]scheduler.Handle, len(b.handles))
	for id, h := range b.handles {
		handles[id] = h
	}
	cadences := make(map[string]string, len(b.cadences))
	for id, c := range b.cadences {
		cadences[id] = c.String()
	}
	b.mu.Unlock()

	for _, j := range b.jobs {
		js := JobStatus{ID: j.ID, Cadence: cadences[j.ID]}
		if h, ok := handles[j.ID]; ok && b.deps.Scheduler != nil {
			if s, ok := b.deps.Scheduler.Stats(h); ok {
				js.Cadence = s.Cadence
				js.Runs = s.Runs
				js.Skipped = s.Skipped
				js.LastRun = s.LastRun
				js.NextRun = s.NextRun
			}
		}
		st.Jobs = append(st.Jobs, js)
	}
	sort.Slice(st.Jobs, func(i, k int) bool { return st.Jobs[i].ID < st.Jobs[k].ID })
	return st
}

// Dispatch queues o for the next cycle, replacing a queued entry with the
// same id.
func (b *Base) Dispatch(o intel.Opportunity) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, queued := range b.inbox {
		if queued.ID == o.ID {
			b.inbox[i] = o
			return
		}
	}
	b.inbox = append(b.inbox, o)
}

func (b *Base) Receive(records []intel.Record) {
	if len(records) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.received = append(b.received, records...)
	if len(b.received) > maxReceived {
		b.received = b.received[len(b.received)-maxReceived:]
	}
}

// Adjust runs adj.Job Factor times as often as its configured cadence. A
// factor of 1 or less restores the configured cadence.
func (b *Base) Adjust(adj store.Adjustment) error {
	base, ok := b.baseline[adj.Job]
	if !ok {
		return fmt.Errorf("adjust %s/%s: %w", b.id, adj.Job, ErrUnknownJob)
	}
	cadence := scheduler.Faster(base, adj.Factor)
	b.mu.Lock()
	b.cadences[adj.Job] = cadence
	h, scheduled := b.handles[adj.Job]
	b.mu.Unlock()
	if scheduled {
		if err := b.deps.Scheduler.Reschedule(h, cadence); err != nil {
			return fmt.Errorf("adjust %s/%s: %w", b.id, adj.Job, err)
		}
	}
	b.logf("job %s now %s (%s)", adj.Job, cadence, adj.Reason)
	return nil
}

func (b *Base) SetDirective(d Directive) {
	b.mu.Lock()
	b.directive = &d
	b.mu.Unlock()
	b.logf("priority directive: %s", d.Situation)
}

func (b *Base) ClearDirective() {
	b.mu.Lock()
	cleared := b.directive != nil
	b.directive = nil
	b.mu.Unlock()
	if cleared {
		b.logf("priority directive cleared")
	}
}

func (b *Base) RunJob(ctx context.Context, jobID string) (store.ExecutionLog, error) {
	j, ok := b.job(jobID)
	if !ok {
		return store.ExecutionLog{}, fmt.Errorf("run %s/%s: %w", b.id, jobID, ErrUnknownJob)
	}
	return b.runJob(ctx, j)
}

// call runs fn under the per-call timeout. A call that outlives the timeout
// is reported as a transient failure.
func (b *Base) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, b.opts.CallTimeout)
	defer cancel()
	err := fn(callCtx)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !fault.IsTransient(err) {
		return fault.Transient(op, fmt.Errorf("timed out after %s: %w", b.opts.CallTimeout, err))
	}
	return err
}

func (b *Base) now() time.Time { return b.clock.Now() }
