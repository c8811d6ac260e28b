package gateway

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/stellarlinkco/rankpilot/internal/agent"
	"github.com/stellarlinkco/rankpilot/internal/api"
	"github.com/stellarlinkco/rankpilot/internal/config"
	"github.com/stellarlinkco/rankpilot/internal/fault"
	"github.com/stellarlinkco/rankpilot/internal/generate"
	"github.com/stellarlinkco/rankpilot/internal/intel"
	"github.com/stellarlinkco/rankpilot/internal/metrics"
	"github.com/stellarlinkco/rankpilot/internal/notify"
	"github.com/stellarlinkco/rankpilot/internal/orchestrator"
	"github.com/stellarlinkco/rankpilot/internal/platform"
	"github.com/stellarlinkco/rankpilot/internal/playbook"
	"github.com/stellarlinkco/rankpilot/internal/scheduler"
	"github.com/stellarlinkco/rankpilot/internal/store"
)

// Options for creating a Gateway
type Options struct {
	// DryRun replaces every platform with a logging adapter.
	DryRun bool
	Clock  clockwork.Clock
	Logger *log.Logger
	// Platforms, when set, is used instead of adapters built from config.
	Platforms *platform.Platforms
	// RunnerFactory builds the model runner when generation is enabled.
	RunnerFactory generate.RunnerFactory
	// Notifiers are added next to the configured chat notifiers.
	Notifiers  []notify.Notifier
	SignalChan chan os.Signal // for testing signal handling
}

type Gateway struct {
	cfg        *config.Config
	logger     *log.Logger
	playbook   *playbook.Playbook
	store      store.Store
	sched      *scheduler.Scheduler
	generator  *generate.Runtime
	alerts     *notify.Recorder
	stream     *api.Stream
	orch       *orchestrator.Orchestrator
	api        *api.Server
	signalChan chan os.Signal

	shutdownOnce sync.Once
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions builds every component from cfg without starting anything.
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{cfg: cfg, logger: opts.Logger, signalChan: opts.SignalChan}
	if g.logger == nil {
		g.logger = log.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	pb, err := playbook.Load(cfg.Playbook)
	if err != nil {
		return nil, fmt.Errorf("load playbook: %w", err)
	}
	g.playbook = pb

	g.store, err = openStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	notifier, err := g.buildNotifier(opts.Notifiers)
	if err != nil {
		_ = g.store.Close()
		return nil, err
	}

	platforms := opts.Platforms
	if platforms == nil {
		built, err := buildPlatforms(cfg, pb, opts.DryRun)
		if err != nil {
			_ = g.store.Close()
			return nil, err
		}
		platforms = &built
	}

	var gen generate.Generator
	if cfg.Generation.Enabled {
		rt, err := generate.NewRuntime(generate.Options{
			Provider:      cfg.Provider.Type,
			APIKey:        cfg.Provider.APIKey,
			BaseURL:       cfg.Provider.BaseURL,
			Model:         cfg.Generation.Model,
			MaxTokens:     cfg.Generation.MaxTokens,
			MaxIterations: cfg.Generation.MaxIterations,
			Workspace:     cfg.Generation.Workspace,
			SystemPrompt:  cfg.Generation.SystemPrompt,
		}, opts.RunnerFactory)
		switch {
		case err == nil:
			g.generator = rt
			gen = rt
		case fault.IsConfiguration(err):
			g.logger.Printf("[gateway] generation unavailable, using templates: %v", err)
		default:
			_ = g.store.Close()
			return nil, fmt.Errorf("create generator: %w", err)
		}
	}

	g.sched = scheduler.New(clock)
	deps := agent.Deps{
		Store:     g.store,
		Scheduler: g.sched,
		Generator: gen,
		Notifier:  notifier,
		Platforms: *platforms,
		Playbook:  pb,
		Logger:    g.logger,
		Windows:   intel.DefaultWindows(),
		Options:   agentOptions(cfg),
	}
	var agents []agent.Agent
	for _, id := range agent.All {
		if !cfg.Agents.Enabled(id) {
			g.logger.Printf("[gateway] agent %s disabled", id)
			continue
		}
		agents = append(agents, builders[id](deps))
	}

	g.orch, err = orchestrator.New(orchestrator.Deps{
		Store:     g.store,
		Scheduler: g.sched,
		Notifier:  notifier,
		Logger:    g.logger,
		Windows:   deps.Windows,
		Agents:    agents,
		Options: orchestrator.Options{
			Coordination:  cfg.Orchestrator.Coordination,
			Monitoring:    cfg.Orchestrator.Monitoring,
			ShutdownGrace: config.Duration(cfg.Orchestrator.ShutdownGrace, 10*time.Second),
			ViralFloor:    cfg.Agents.ViralFloor,
			Thresholds: metrics.Thresholds{
				Domain:      pb.Business.Domain,
				RatingFloor: cfg.Metrics.RatingFloor,
				Top10Ratio:  cfg.Metrics.Top10Ratio,
				ViralFloor:  cfg.Agents.ViralFloor,
			},
		},
	})
	if err != nil {
		g.closeResources()
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}

	if cfg.API.Enabled {
		g.api = api.New(g.orch, g.store, api.Options{
			Host:         cfg.API.Host,
			Port:         cfg.API.Port,
			AllowOrigins: cfg.API.AllowOrigins,
			Alerts:       g.alerts,
			Stream:       g.stream,
			Logger:       g.logger,
		})
	}
	return g, nil
}

var builders = map[string]func(agent.Deps) agent.Agent{
	agent.IDCompetitor: func(d agent.Deps) agent.Agent { return agent.NewCompetitor(d) },
	agent.IDContent:    func(d agent.Deps) agent.Agent { return agent.NewContent(d) },
	agent.IDListing:    func(d agent.Deps) agent.Agent { return agent.NewListing(d) },
	agent.IDSocial:     func(d agent.Deps) agent.Agent { return agent.NewSocial(d) },
	agent.IDReputation: func(d agent.Deps) agent.Agent { return agent.NewReputation(d) },
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "memory":
		return store.NewMemory(), nil
	case "", "sqlite":
		s, err := store.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		return s, nil
	}
	return nil, fault.Configuration("store", "unknown driver %q", cfg.Driver)
}

// buildNotifier logs, records and streams every alert, and forwards
// alerts at or above the configured severity to the chat notifiers.
func (g *Gateway) buildNotifier(extra []notify.Notifier) (notify.Notifier, error) {
	g.alerts = notify.NewRecorder(200)
	g.stream = api.NewStream(g.cfg.API.AllowOrigins, g.logger)
	var chat notify.Multi
	if g.cfg.Notify.Telegram.Enabled {
		tg, err := notify.NewTelegram(g.cfg.Notify.Telegram.Token, g.cfg.Notify.Telegram.ChatID)
		if err != nil {
			return nil, fmt.Errorf("create telegram notifier: %w", err)
		}
		chat = append(chat, tg)
	}
	if g.cfg.Notify.Discord.Enabled {
		dc, err := notify.NewDiscord(g.cfg.Notify.Discord.Token, g.cfg.Notify.Discord.ChannelID)
		if err != nil {
			return nil, fmt.Errorf("create discord notifier: %w", err)
		}
		chat = append(chat, dc)
	}
	chat = append(chat, extra...)

	all := notify.Multi{notify.Log{}, g.alerts, g.stream}
	if len(chat) > 0 {
		all = append(all, notify.Filter{Min: notify.ParseSeverity(g.cfg.Notify.MinSeverity), Next: chat})
	}
	return all, nil
}

// buildPlatforms creates an HTTP adapter for every platform with a base URL.
// In dry-run mode every platform, and every network we hold a handle on,
// gets a logging adapter instead.
func buildPlatforms(cfg *config.Config, pb *playbook.Playbook, dryRun bool) (platform.Platforms, error) {
	timeout := config.Duration(cfg.Platforms.Timeout, 20*time.Second)
	build := func(name string, pc config.PlatformConfig) (platform.Adapter, error) {
		if dryRun {
			return platform.NewDryRun(name), nil
		}
		if strings.TrimSpace(pc.BaseURL) == "" {
			return nil, nil
		}
		return platform.NewHTTP(name, pc.BaseURL, pc.Token, timeout)
	}

	var (
		p   = platform.Platforms{Social: make(map[string]platform.Adapter)}
		err error
	)
	core := []struct {
		name string
		cfg  config.PlatformConfig
		dst  *platform.Adapter
	}{
		{"site", cfg.Platforms.Site, &p.Site},
		{"listing", cfg.Platforms.Listing, &p.Listing},
		{"reviews", cfg.Platforms.Reviews, &p.Reviews},
		{"ranking", cfg.Platforms.Ranking, &p.Ranking},
	}
	for _, c := range core {
		if *c.dst, err = build(c.name, c.cfg); err != nil {
			return p, fmt.Errorf("platform %s: %w", c.name, err)
		}
	}

	networks := make(map[string]config.PlatformConfig, len(cfg.Platforms.Social))
	for name, pc := range cfg.Platforms.Social {
		networks[name] = pc
	}
	if dryRun {
		for name := range pb.Business.Handles {
			if _, ok := networks[name]; !ok {
				networks[name] = config.PlatformConfig{}
			}
		}
	}
	for name, pc := range networks {
		a, err := build(name, pc)
		if err != nil {
			return p, fmt.Errorf("platform %s: %w", name, err)
		}
		if a != nil {
			p.Social[name] = a
		}
	}
	return p, nil
}

func agentOptions(cfg *config.Config) agent.Options {
	return agent.Options{
		FailureThreshold: cfg.Orchestrator.FailureThreshold,
		CallTimeout:      config.Duration(cfg.Orchestrator.CallTimeout, 30*time.Second),
		TopK:             cfg.Agents.TopK,
		Workers:          cfg.Agents.Workers,
		Cadences:         cfg.Agents.Jobs,
		PostTimes:        cfg.Agents.PostTimes,
		SocialStagger:    config.Duration(cfg.Agents.SocialStagger, 15*time.Minute),
		ViralFloor:       cfg.Agents.ViralFloor,
		FollowUpDays:     cfg.Agents.FollowUpDays,
		RequestCooldown:  config.Duration(cfg.Agents.RequestCooldown, 180*24*time.Hour),
		NegativeSpike:    cfg.Metrics.NegativeSpike,
	}
}

// Orchestrator exposes the composed system, mainly for one-shot commands.
func (g *Gateway) Orchestrator() *orchestrator.Orchestrator { return g.orch }

// Alerts returns the in-memory alert log.
func (g *Gateway) Alerts() *notify.Recorder { return g.alerts }

// Summary renders the executive summary from stored data without starting
// any agent.
func (g *Gateway) Summary(ctx context.Context) (string, error) {
	return g.orch.GenerateExecutiveSummary(ctx)
}

func (g *Gateway) Run(ctx context.Context) error {
	if err := g.orch.Start(ctx); err != nil {
		g.closeResources()
		return fmt.Errorf("start orchestrator: %w", err)
	}
	if g.api != nil {
		if err := g.api.Start(); err != nil {
			_ = g.Shutdown()
			return fmt.Errorf("start api: %w", err)
		}
	}
	g.logger.Printf("[gateway] running with %d agents", len(g.orch.Statuses()))

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	g.logger.Printf("[gateway] shutting down...")
	return g.Shutdown()
}

// Shutdown stops the API, then the orchestrator and its agents, then
// releases the generator and the store. Only the first call does anything.
func (g *Gateway) Shutdown() error {
	var err error
	g.shutdownOnce.Do(func() {
		grace := config.Duration(g.cfg.Orchestrator.ShutdownGrace, 10*time.Second)
		ctx, cancel := context.WithTimeout(context.Background(), 2*grace)
		defer cancel()

		if g.api != nil {
			if apiErr := g.api.Shutdown(ctx); apiErr != nil {
				g.logger.Printf("[gateway] api shutdown warning: %v", apiErr)
			}
		}
		err = g.orch.Stop(ctx)
		g.closeResources()
		g.logger.Printf("[gateway] shutdown complete")
	})
	return err
}

func (g *Gateway) closeResources() {
	if g.generator != nil {
		g.generator.Close()
	}
	if g.store != nil {
		if err := g.store.Close(); err != nil {
			g.logger.Printf("[gateway] close store warning: %v", err)
		}
	}
}
