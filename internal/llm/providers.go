package llm

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-cli/internal/resilience"
	"github.com/sells-group/tariff-cli/pkg/anthropic"
	"github.com/sells-group/tariff-cli/pkg/openrouter"
)

// OpenRouter adapts an OpenRouter client to Provider.
type OpenRouter struct {
	client openrouter.Client
	model  string
}

// NewOpenRouter creates the OpenRouter provider. An empty model uses the
// client's default.
func NewOpenRouter(c openrouter.Client, model string) *OpenRouter {
	return &OpenRouter{client: c, model: model}
}

// Name implements Provider.
func (o *OpenRouter) Name() string { return "openrouter" }

// Complete implements Provider.
func (o *OpenRouter) Complete(ctx context.Context, p Prompt) (string, error) {
	temp := 0.0
	req := openrouter.ChatCompletionRequest{
		Model:       o.model,
		Temperature: &temp,
	}
	if p.MaxTokens > 0 {
		mt := int(p.MaxTokens)
		req.MaxTokens = &mt
	}
	if p.System != "" {
		req.Messages = append(req.Messages, openrouter.Message{Role: "system", Content: p.System})
	}
	req.Messages = append(req.Messages, openrouter.Message{Role: "user", Content: p.User})

	resp, err := o.client.ChatCompletion(ctx, req)
	if err != nil {
		return "", tagOpenRouter(err)
	}
	text := resp.Content()
	if text == "" {
		return "", resilience.Parse(eris.New("openrouter: empty completion"))
	}
	return text, nil
}

func tagOpenRouter(err error) error {
	var se *openrouter.StatusError
	if errors.As(err, &se) {
		return resilience.Upstream(se.StatusCode, err)
	}
	var syn *json.SyntaxError
	var typ *json.UnmarshalTypeError
	if errors.As(err, &syn) || errors.As(err, &typ) {
		return resilience.Parse(err)
	}
	return resilience.Transport(err)
}

// Anthropic adapts an Anthropic client to Provider.
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropic creates the Anthropic provider.
func NewAnthropic(c anthropic.Client, model string, maxTokens int64) *Anthropic {
	if model == "" {
		model = anthropic.DefaultModel
	}
	return &Anthropic{client: c, model: model, maxTokens: maxTokens}
}

// Name implements Provider.
func (a *Anthropic) Name() string { return "anthropic" }

// Complete implements Provider.
func (a *Anthropic) Complete(ctx context.Context, p Prompt) (string, error) {
	maxTokens := p.MaxTokens
	if maxTokens == 0 {
		maxTokens = a.maxTokens
	}
	temp := 0.0
	req := anthropic.MessageRequest{
		Model:       a.model,
		MaxTokens:   maxTokens,
		Messages:    []anthropic.Message{{Role: "user", Content: p.User}},
		Temperature: &temp,
	}
	if p.System != "" {
		req.System = []anthropic.SystemBlock{{Text: p.System}}
	}

	resp, err := a.client.CreateMessage(ctx, req)
	if err != nil {
		if status := anthropic.StatusCode(err); status > 0 {
			return "", resilience.Upstream(status, err)
		}
		return "", resilience.Transport(err)
	}
	resp.Usage.LogCost(a.model, "enrich")

	text := resp.Text()
	if text == "" {
		return "", resilience.Parse(eris.New("anthropic: empty completion"))
	}
	return text, nil
}
