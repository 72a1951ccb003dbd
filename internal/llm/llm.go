// Package llm runs prompts against an ordered list of AI providers and
// decodes their loosely structured answers.
package llm

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/resilience"
)

// Prompt is a single-turn request.
type Prompt struct {
	System    string
	User      string
	MaxTokens int64
}

// Provider answers a prompt with free-form text. Implementations tag failures
// with resilience kinds so the chain can decide whether to fall through.
type Provider interface {
	Name() string
	Complete(ctx context.Context, p Prompt) (string, error)
}

// Result is a successful completion and the provider that produced it.
type Result struct {
	Provider string
	Text     string
	Attempts int
}

// Chain tries providers in order. A provider's transport or upstream status
// failure moves on to the next provider; any other failure ends the call.
// Each provider is called at most once per Complete.
type Chain struct {
	providers []Provider
	breakers  *resilience.ServiceBreakers
	timeout   time.Duration
	log       *zap.Logger
}

// NewChain creates a chain with a per-provider call timeout. breakers may be
// nil.
func NewChain(timeout time.Duration, breakers *resilience.ServiceBreakers, providers ...Provider) *Chain {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Chain{
		providers: providers,
		breakers:  breakers,
		timeout:   timeout,
		log:       zap.L().With(zap.String("component", "llm")),
	}
}

// Providers returns the provider names in call order.
func (c *Chain) Providers() []string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return names
}

// Complete returns the first successful completion.
func (c *Chain) Complete(ctx context.Context, p Prompt) (Result, error) {
	if len(c.providers) == 0 {
		return Result{}, eris.New("llm: no providers configured")
	}

	var lastErr error
	for i, prov := range c.providers {
		if err := ctx.Err(); err != nil {
			return Result{}, resilience.Transport(eris.Wrap(err, "llm: complete"))
		}

		text, err := c.call(ctx, prov, p)
		if err == nil {
			return Result{Provider: prov.Name(), Text: text, Attempts: i + 1}, nil
		}
		lastErr = err

		if !resilience.ShouldFallThrough(err) {
			return Result{}, eris.Wrapf(err, "llm: %s", prov.Name())
		}
		if i < len(c.providers)-1 {
			c.log.Warn("provider failed, falling through",
				zap.String("provider", prov.Name()),
				zap.String("next", c.providers[i+1].Name()),
				zap.String("kind", string(resilience.Classify(err))),
				zap.Error(err),
			)
		}
	}
	return Result{}, eris.Wrap(lastErr, "llm: all providers failed")
}

func (c *Chain) call(ctx context.Context, prov Provider, p Prompt) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	fn := func(ctx context.Context) (string, error) {
		return prov.Complete(ctx, p)
	}
	if c.breakers == nil {
		return fn(callCtx)
	}
	return resilience.ExecuteVal(callCtx, c.breakers.Get(prov.Name()), fn)
}

// CleanJSON strips markdown fences and surrounding narrative, returning the
// text from the first '{' to the last '}'.
func CleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}

// DecodeJSON extracts the JSON object from text into out. Text with no
// decodable object is a PARSE_FAILURE.
func DecodeJSON(text string, out any) error {
	cleaned := CleanJSON(text)
	if !strings.HasPrefix(cleaned, "{") {
		return resilience.Parse(eris.New("llm: no json object in response"))
	}
	if err := json.Unmarshal([]byte(cleaned), out); err != nil {
		return resilience.Parse(eris.Wrap(err, "llm: decode response"))
	}
	return nil
}
