// Package llmadapter implements Tom's unified call_llm() interface, per
// spec §4.1.5: one call surface across providers, with per-provider quirks
// (mistral throttling, deepseek tool-schema stripping) and a uniform 5xx
// retry policy. It wraps the teacher's llm.Provider implementations rather
// than reinventing a client per vendor.
package llmadapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mroger/tom/internal/config"
	"github.com/mroger/tom/llm"
	"github.com/mroger/tom/llm/middleware"
	"github.com/mroger/tom/llm/providers"
	deepseekprov "github.com/mroger/tom/llm/providers/deepseek"
	geminiprov "github.com/mroger/tom/llm/providers/gemini"
	mistralprov "github.com/mroger/tom/llm/providers/mistral"
	openaiprov "github.com/mroger/tom/llm/providers/openai"
	"github.com/mroger/tom/llm/retry"
	anthropicprov "github.com/mroger/tom/providers/anthropic"
)

// mistralMinInterval is the enforced (not documented) Mistral rate limit,
// per spec §4.1.5 / §9 Open Questions: "logged as 1 QPS but enforced as
// 1.5s — preserve the enforced value."
const mistralMinInterval = 1500 * time.Millisecond

// retryPolicy is Tom's flat retry, per §4.1.5 / §7: up to 2 retries with a
// flat 300ms delay (MaxDelay==InitialDelay and Multiplier==1 collapse the
// teacher's exponential-backoff formula to a constant step).
func retryPolicy() *retry.RetryPolicy {
	return &retry.RetryPolicy{
		MaxRetries:   2,
		InitialDelay: 300 * time.Millisecond,
		MaxDelay:     300 * time.Millisecond,
		Multiplier:   1,
		Jitter:       false,
	}
}

// Adapter is Tom's unified LLM call surface.
type Adapter struct {
	cfg       *config.Config
	logger    *zap.Logger
	providers map[string]llm.Provider
	rewriters map[string]*middleware.RewriterChain
	retryer   retry.Retryer

	mu       sync.Mutex
	limiters map[string]*rate.Limiter // per-provider throttle, currently only mistral
}

// New builds an Adapter from the configured LLM providers.
func New(cfg *config.Config, logger *zap.Logger) (*Adapter, error) {
	a := &Adapter{
		cfg:       cfg,
		logger:    logger,
		providers: map[string]llm.Provider{},
		rewriters: map[string]*middleware.RewriterChain{},
		limiters:  map[string]*rate.Limiter{},
		retryer:   retry.NewBackoffRetryer(retryPolicy(), logger),
	}

	for name, prov := range cfg.Global.LLMs {
		base := providers.BaseProviderConfig{
			APIKey: prov.ResolveAPIKey(),
			Model:  firstOr(prov.Models, ""),
		}
		var p llm.Provider
		switch name {
		case "mistral":
			p = mistralprov.NewMistralProvider(providers.MistralConfig{BaseProviderConfig: base}, logger)
			a.limiters[name] = rate.NewLimiter(rate.Every(mistralMinInterval), 1)
		case "deepseek":
			p = deepseekprov.NewDeepSeekProvider(providers.DeepSeekConfig{BaseProviderConfig: base}, logger)
			a.rewriters[name] = middleware.NewRewriterChain(NewDeepSeekToolStripper())
		case "gemini":
			p = geminiprov.NewGeminiProvider(providers.GeminiConfig{BaseProviderConfig: base}, logger)
		case "anthropic", "claude":
			p = anthropicprov.NewClaudeProvider(providers.ClaudeConfig{BaseProviderConfig: base}, logger)
		case "openai":
			p = openaiprov.NewOpenAIProvider(providers.OpenAIConfig{BaseProviderConfig: base}, logger)
		default:
			logger.Warn("unsupported llm provider configured, skipping", zap.String("provider", name))
			continue
		}
		a.providers[name] = p
	}

	if cfg.Global.LLM != "" {
		if _, ok := a.providers[cfg.Global.LLM]; !ok {
			return nil, fmt.Errorf("default llm provider %q could not be constructed", cfg.Global.LLM)
		}
	}

	return a, nil
}

func firstOr(xs []string, def string) string {
	if len(xs) > 0 {
		return xs[0]
	}
	return def
}

// Call invokes the named (or default, if providerOverride is empty) provider
// at the given complexity tier, applying provider-specific rewriters, the
// mistral throttle, and the uniform 5xx retry.
func (a *Adapter) Call(ctx context.Context, messages []llm.Message, tools []llm.ToolSchema, complexity int, providerOverride string) (*llm.ChatResponse, error) {
	name := providerOverride
	if name == "" {
		name = a.cfg.Global.LLM
	}

	prov, ok := a.providers[name]
	if !ok {
		return nil, fmt.Errorf("llm provider %q not configured", name)
	}

	model, err := a.cfg.ModelFor(name, complexity)
	if err != nil {
		return nil, err
	}

	req := &llm.ChatRequest{
		Model:    model,
		Messages: messages,
		Tools:    tools,
	}

	if chain, ok := a.rewriters[name]; ok {
		req, err = chain.Execute(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("rewrite request for %s: %w", name, err)
		}
	}

	if err := a.throttle(ctx, name); err != nil {
		return nil, err
	}

	var resp *llm.ChatResponse
	err = a.retryer.Do(ctx, func() error {
		var callErr error
		resp, callErr = prov.Completion(ctx, req)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("llm call to %s failed: %w", name, err)
	}
	return resp, nil
}

func (a *Adapter) throttle(ctx context.Context, provider string) error {
	a.mu.Lock()
	limiter, ok := a.limiters[provider]
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return limiter.Wait(ctx)
}

// Providers lists the configured provider names, for /status reporting.
func (a *Adapter) Providers() []string {
	names := make([]string, 0, len(a.providers))
	for name := range a.providers {
		names = append(names, name)
	}
	return names
}

// HealthCheck reports health for every configured provider.
func (a *Adapter) HealthCheck(ctx context.Context) map[string]bool {
	out := make(map[string]bool, len(a.providers))
	for name, p := range a.providers {
		status, err := p.HealthCheck(ctx)
		out[name] = err == nil && status != nil && status.Healthy
	}
	return out
}
