package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cexll/agentsdk-go/pkg/api"
	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/google/uuid"
	"github.com/stellarlinkco/rankpilot/internal/fault"
)

// Runner is the slice of the agent runtime the generator needs.
type Runner interface {
	Run(ctx context.Context, req api.Request) (*api.Response, error)
	Close()
}

// runtimeAdapter wraps api.Runtime to implement Runner
type runtimeAdapter struct {
	rt *api.Runtime
}

func (r *runtimeAdapter) Run(ctx context.Context, req api.Request) (*api.Response, error) {
	return r.rt.Run(ctx, req)
}

func (r *runtimeAdapter) Close() {
	_ = r.rt.Close()
}

// Options selects and configures the model provider.
type Options struct {
	Provider      string // "anthropic" (default) or "openai"
	APIKey        string
	BaseURL       string
	Model         string
	MaxTokens     int
	MaxIterations int
	Workspace     string
	SystemPrompt  string
}

// RunnerFactory creates a Runner; tests replace it.
type RunnerFactory func(opts Options) (Runner, error)

// DefaultRunnerFactory builds an agentsdk-go runtime.
func DefaultRunnerFactory(opts Options) (Runner, error) {
	var provider api.ModelFactory
	switch opts.Provider {
	case "openai":
		provider = &model.OpenAIProvider{
			APIKey:    opts.APIKey,
			BaseURL:   opts.BaseURL,
			ModelName: opts.Model,
			MaxTokens: opts.MaxTokens,
		}
	default: // "anthropic" or empty
		provider = &model.AnthropicProvider{
			APIKey:    opts.APIKey,
			BaseURL:   opts.BaseURL,
			ModelName: opts.Model,
			MaxTokens: opts.MaxTokens,
		}
	}

	rt, err := api.New(context.Background(), api.Options{
		EntryPoint:    api.EntryPointPlatform,
		ProjectRoot:   opts.Workspace,
		ModelFactory:  provider,
		SystemPrompt:  opts.SystemPrompt,
		MaxIterations: opts.MaxIterations,
	})
	if err != nil {
		return nil, fmt.Errorf("create runtime: %w", err)
	}
	return &runtimeAdapter{rt: rt}, nil
}

// Runtime generates text through a language model.
type Runtime struct {
	runner Runner
}

// NewRuntime validates credentials and builds the runner. A missing API key
// is a configuration error so only the agents that need generation fail.
func NewRuntime(opts Options, factory RunnerFactory) (*Runtime, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fault.Configuration("generator", "api key is not set")
	}
	if factory == nil {
		factory = DefaultRunnerFactory
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = DefaultSystemPrompt
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 1
	}
	runner, err := factory(opts)
	if err != nil {
		return nil, err
	}
	return &Runtime{runner: runner}, nil
}

// DefaultSystemPrompt frames every request.
const DefaultSystemPrompt = "You write concise, accurate marketing copy for a local professional services firm. " +
	"Never invent statistics, reviews or client names. Follow the requested output format exactly."

func (r *Runtime) Generate(ctx context.Context, p Prompt) (Text, error) {
	op := "generate " + p.Task
	resp, err := r.runner.Run(ctx, api.Request{
		Prompt:    p.Render(),
		SessionID: p.Agent + "-" + uuid.NewString(),
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Text{}, err
		}
		return Text{}, fault.Transient(op, err)
	}
	if resp == nil || resp.Result == nil || strings.TrimSpace(resp.Result.Output) == "" {
		return Text{}, fault.Validation(op, "empty model output")
	}
	t := Parse(resp.Result.Output)
	if t.Body == "" && t.Title == "" {
		return Text{}, fault.Validation(op, "unusable model output")
	}
	return t, nil
}

func (r *Runtime) Close() {
	if r.runner != nil {
		r.runner.Close()
	}
}
