package agent

import (
	"bytes"
	"context"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/rankpilot/internal/intel"
	"github.com/stellarlinkco/rankpilot/internal/notify"
	"github.com/stellarlinkco/rankpilot/internal/platform"
	"github.com/stellarlinkco/rankpilot/internal/platform/platformtest"
	"github.com/stellarlinkco/rankpilot/internal/playbook"
	"github.com/stellarlinkco/rankpilot/internal/scheduler"
	"github.com/stellarlinkco/rankpilot/internal/store"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// logBuffer is a goroutine-safe log sink.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *logBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func (l *logBuffer) count(substr string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Count(l.buf.String(), substr)
}

type env struct {
	clock    clockwork.FakeClock
	sched    *scheduler.Scheduler
	store    *store.Memory
	site     *platformtest.Fake
	listing  *platformtest.Fake
	reviews  *platformtest.Fake
	ranking  *platformtest.Fake
	facebook *platformtest.Fake
	twitter  *platformtest.Fake
	alerts   *notify.Recorder
	logs     *logBuffer
	pb       *playbook.Playbook
	opts     Options
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	e := &env{
		clock:    clock,
		sched:    scheduler.New(clock),
		store:    store.NewMemory(),
		site:     platformtest.New(),
		listing:  platformtest.New(),
		reviews:  platformtest.New(),
		ranking:  platformtest.New(),
		facebook: platformtest.New(),
		twitter:  platformtest.New(),
		alerts:   notify.NewRecorder(100),
		logs:     &logBuffer{},
		pb:       testPlaybook(),
	}
	t.Cleanup(func() { e.sched.CancelAll(time.Second) })
	return e
}

func testPlaybook() *playbook.Playbook {
	pb := playbook.Default()
	pb.Business.Domain = "us.com"
	pb.Business.Phone = "555-0100"
	pb.Business.Handles = map[string]string{"facebook": "usfb"}
	pb.Competitors = []playbook.Competitor{
		{Name: "Rival", Domain: "rival.com", Social: map[string]string{"facebook": "rivalfb"}},
		{Name: "Other", Domain: "other.com"},
	}
	pb.Locations = []playbook.Location{
		{ID: "uptown", Name: "Uptown", City: "Charlotte", ListingID: "L1"},
		{ID: "raleigh", Name: "Raleigh", City: "Raleigh", ListingID: "L2"},
	}
	return pb
}

func (e *env) deps() Deps {
	return Deps{
		Store:     e.store,
		Scheduler: e.sched,
		Notifier:  e.alerts,
		Platforms: platform.Platforms{
			Site:    e.site,
			Listing: e.listing,
			Reviews: e.reviews,
			Ranking: e.ranking,
			Social:  map[string]platform.Adapter{"facebook": e.facebook, "twitter": e.twitter},
		},
		Playbook: e.pb,
		Logger:   log.New(e.logs, "", 0),
		Options:  e.opts,
	}
}

// start starts a and fails the test on error.
func start(t *testing.T, a Agent) {
	t.Helper()
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { _ = a.Stop(context.Background()) })
}

func run(t *testing.T, a Agent, job string) store.ExecutionLog {
	t.Helper()
	entry, err := a.RunJob(context.Background(), job)
	require.NoError(t, err)
	return entry
}

func opportunities(t *testing.T, s store.Store, q store.Query) []intel.Opportunity {
	t.Helper()
	opps, err := s.Opportunities(context.Background(), q)
	require.NoError(t, err)
	return opps
}

func putRecord(t *testing.T, s store.Store, r intel.Record) {
	t.Helper()
	require.NoError(t, s.PutRecord(context.Background(), r))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
