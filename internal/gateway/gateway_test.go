package gateway

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/cexll/agentsdk-go/pkg/api"
	"github.com/jonboulle/clockwork"

	"github.com/stellarlinkco/rankpilot/internal/agent"
	"github.com/stellarlinkco/rankpilot/internal/config"
	"github.com/stellarlinkco/rankpilot/internal/fault"
	"github.com/stellarlinkco/rankpilot/internal/generate"
	"github.com/stellarlinkco/rankpilot/internal/notify"
	"github.com/stellarlinkco/rankpilot/internal/platform"
	"github.com/stellarlinkco/rankpilot/internal/playbook"
)

// mockRunner implements generate.Runner for testing
type mockRunner struct {
	closed bool
}

func (m *mockRunner) Run(ctx context.Context, req api.Request) (*api.Response, error) {
	return &api.Response{}, nil
}

func (m *mockRunner) Close() {
	m.closed = true
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	tmpDir := t.TempDir()

	pb := playbook.Default()
	pb.Competitors = []playbook.Competitor{{Name: "Rival", Domain: "rival.com"}}
	pb.Business.Handles = map[string]string{"facebook": "examplelaw"}
	path := filepath.Join(tmpDir, "playbook.yaml")
	if err := playbook.Save(path, pb); err != nil {
		t.Fatalf("save playbook: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Playbook = path
	cfg.Store.Driver = "memory"
	cfg.Store.Path = filepath.Join(tmpDir, "rankpilot.db")
	cfg.API.Enabled = false
	cfg.Generation.Workspace = tmpDir
	return cfg
}

func quietOptions() Options {
	return Options{
		DryRun: true,
		Clock:  clockwork.NewFakeClockAt(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)),
		Logger: log.New(io.Discard, "", 0),
	}
}

func TestNewWithOptions_DryRun(t *testing.T) {
	g, err := NewWithOptions(testConfig(t), quietOptions())
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	defer g.Shutdown()

	statuses := g.Orchestrator().Statuses()
	if len(statuses) != len(agent.All) {
		t.Fatalf("agents = %d, want %d", len(statuses), len(agent.All))
	}
	if g.api != nil {
		t.Error("api should not be built when disabled")
	}
	if g.generator != nil {
		t.Error("generator should be nil when generation is disabled")
	}
}

func TestNewWithOptions_DisabledAgents(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agents.Disabled = []string{"Social", " reputation "}

	g, err := NewWithOptions(cfg, quietOptions())
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	defer g.Shutdown()

	for _, st := range g.Orchestrator().Statuses() {
		if st.ID == agent.IDSocial || st.ID == agent.IDReputation {
			t.Errorf("disabled agent %s was built", st.ID)
		}
	}
	if got := len(g.Orchestrator().Statuses()); got != 3 {
		t.Errorf("agents = %d, want 3", got)
	}
}

func TestNewWithOptions_UnknownStoreDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "postgres"

	_, err := NewWithOptions(cfg, quietOptions())
	if !fault.IsConfiguration(err) {
		t.Fatalf("err = %v, want configuration error", err)
	}
}

func TestNewWithOptions_SQLiteStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "sqlite"

	g, err := NewWithOptions(cfg, quietOptions())
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	if err := g.Shutdown(); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}
	if _, err := os.Stat(cfg.Store.Path); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

func TestNewWithOptions_BadPlaybook(t *testing.T) {
	cfg := testConfig(t)
	os.WriteFile(cfg.Playbook, []byte("business: [not a map"), 0644)

	if _, err := NewWithOptions(cfg, quietOptions()); err == nil {
		t.Fatal("expected playbook error")
	}
}

func TestNewWithOptions_GenerationWithoutKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Generation.Enabled = true
	cfg.Provider.APIKey = ""

	g, err := NewWithOptions(cfg, quietOptions())
	if err != nil {
		t.Fatalf("missing key should fall back to templates, got %v", err)
	}
	defer g.Shutdown()
	if g.generator != nil {
		t.Error("generator should be nil without an api key")
	}
}

func TestNewWithOptions_MockRunner(t *testing.T) {
	cfg := testConfig(t)
	cfg.Generation.Enabled = true
	cfg.Provider.APIKey = "test-key"

	runner := &mockRunner{}
	opts := quietOptions()
	opts.RunnerFactory = func(o generate.Options) (generate.Runner, error) {
		if o.APIKey != "test-key" || o.Model != config.DefaultModel {
			t.Errorf("unexpected runner options: %+v", o)
		}
		return runner, nil
	}

	g, err := NewWithOptions(cfg, opts)
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	if g.generator == nil {
		t.Fatal("expected generator")
	}
	g.Shutdown()
	if !runner.closed {
		t.Error("runner should be closed on shutdown")
	}
}

func TestNewWithOptions_RunnerFactoryError(t *testing.T) {
	cfg := testConfig(t)
	cfg.Generation.Enabled = true
	cfg.Provider.APIKey = "test-key"

	opts := quietOptions()
	opts.RunnerFactory = func(generate.Options) (generate.Runner, error) {
		return nil, errors.New("provider down")
	}
	_, err := NewWithOptions(cfg, opts)
	if err == nil || !strings.Contains(err.Error(), "provider down") {
		t.Fatalf("err = %v, want runner factory error", err)
	}
}

func TestNewWithOptions_TelegramWithoutToken(t *testing.T) {
	cfg := testConfig(t)
	cfg.Notify.Telegram.Enabled = true

	_, err := NewWithOptions(cfg, quietOptions())
	if !fault.IsConfiguration(err) {
		t.Fatalf("err = %v, want configuration error", err)
	}
}

func TestBuildNotifier_FiltersChat(t *testing.T) {
	cfg := testConfig(t)
	cfg.Notify.MinSeverity = "critical"
	g := &Gateway{cfg: cfg}

	chat := notify.NewRecorder(10)
	n, err := g.buildNotifier([]notify.Notifier{chat})
	if err != nil {
		t.Fatalf("buildNotifier error: %v", err)
	}
	ctx := context.Background()
	n.Alert(ctx, notify.SeverityWarning, "rating below floor")
	n.Alert(ctx, notify.SeverityCritical, "emergency")

	if got := len(g.Alerts().Alerts()); got != 2 {
		t.Errorf("recorded alerts = %d, want 2", got)
	}
	got := chat.Alerts()
	if len(got) != 1 || got[0].Message != "emergency" {
		t.Errorf("chat alerts = %+v, want only the critical one", got)
	}
}

func TestBuildPlatforms(t *testing.T) {
	cfg := testConfig(t)
	cfg.Platforms.Site = config.PlatformConfig{BaseURL: "https://site.example.com"}
	cfg.Platforms.Social = map[string]config.PlatformConfig{
		"linkedin": {BaseURL: "https://li.example.com", Token: "t"},
		"x":        {},
	}
	pb := playbook.Default()
	pb.Business.Handles = map[string]string{"facebook": "examplelaw"}

	p, err := buildPlatforms(cfg, pb, false)
	if err != nil {
		t.Fatalf("buildPlatforms error: %v", err)
	}
	if _, ok := p.Site.(*platform.HTTP); !ok {
		t.Errorf("site adapter = %T, want *platform.HTTP", p.Site)
	}
	if p.Listing != nil || p.Reviews != nil || p.Ranking != nil {
		t.Error("platforms without a base url should stay unset")
	}
	if got := p.Networks(); len(got) != 1 || got[0] != "linkedin" {
		t.Errorf("networks = %v, want [linkedin]", got)
	}

	p, err = buildPlatforms(cfg, pb, true)
	if err != nil {
		t.Fatalf("buildPlatforms dry-run error: %v", err)
	}
	if _, ok := p.Ranking.(*platform.DryRun); !ok {
		t.Errorf("ranking adapter = %T, want *platform.DryRun", p.Ranking)
	}
	if got := strings.Join(p.Networks(), ","); got != "facebook,linkedin,x" {
		t.Errorf("dry-run networks = %s", got)
	}
}

func TestAgentOptions(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agents.SocialStagger = "5m"
	cfg.Agents.RequestCooldown = "bogus"
	cfg.Agents.Jobs["content-cycle"] = "every 90m"

	opts := agentOptions(cfg)
	if opts.SocialStagger != 5*time.Minute {
		t.Errorf("SocialStagger = %v", opts.SocialStagger)
	}
	if opts.RequestCooldown != 180*24*time.Hour {
		t.Errorf("RequestCooldown = %v, want fallback", opts.RequestCooldown)
	}
	if opts.Cadences["content-cycle"] != "every 90m" {
		t.Errorf("cadence override lost: %v", opts.Cadences)
	}
	if opts.NegativeSpike != config.DefaultNegativeSpike {
		t.Errorf("NegativeSpike = %d", opts.NegativeSpike)
	}
}

func TestGateway_Summary(t *testing.T) {
	g, err := NewWithOptions(testConfig(t), quietOptions())
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	defer g.Shutdown()

	text, err := g.Summary(context.Background())
	if err != nil {
		t.Fatalf("Summary error: %v", err)
	}
	if !strings.HasPrefix(text, "Executive summary") {
		t.Errorf("summary = %q", text)
	}
	if !strings.Contains(text, "Agents: 0 running") {
		t.Errorf("summary should report stopped agents: %q", text)
	}
}

func TestGateway_Run_WithSignalChan(t *testing.T) {
	cfg := testConfig(t)
	cfg.API.Enabled = true
	cfg.API.Port = 0

	sigCh := make(chan os.Signal, 1)
	opts := quietOptions()
	opts.SignalChan = sigCh

	g, err := NewWithOptions(cfg, opts)
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- g.Run(context.Background()) }()

	deadline := time.Now().Add(5 * time.Second)
	for !g.Orchestrator().Running() {
		if time.Now().After(deadline) {
			t.Fatal("orchestrator did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}
	sigCh <- syscall.SIGINT

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after signal")
	}
	if g.Orchestrator().Running() {
		t.Error("orchestrator still running after shutdown")
	}
	if err := g.Shutdown(); err != nil {
		t.Errorf("second Shutdown error: %v", err)
	}
}

func TestGateway_Run_ContextCancelled(t *testing.T) {
	g, err := NewWithOptions(testConfig(t), quietOptions())
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- g.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !g.Orchestrator().Running() {
		if time.Now().After(deadline) {
			t.Fatal("orchestrator did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
