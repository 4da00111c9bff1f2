// Package anthropic wraps the Anthropic Messages API for single-turn
// extraction prompts.
package anthropic

import (
	"context"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Client sends one prompt and returns the model's answer.
type Client interface {
	Complete(ctx context.Context, p Prompt) (*Completion, error)
}

// Prompt is a single user turn under fixed instructions. Instructions are
// sent as a cached system block so repeated calls only pay for Input.
type Prompt struct {
	Model        string
	MaxTokens    int64
	Instructions string
	Input        string
	Temperature  *float64
}

// Completion is the model's answer to a Prompt.
type Completion struct {
	ID         string
	Model      string
	StopReason string
	Text       string
	Usage      Usage
}

// Usage counts the tokens billed for one call.
type Usage struct {
	Input      int64
	Output     int64
	CacheWrite int64
	CacheRead  int64
}

type price struct {
	input, output float64 // USD per million tokens
}

var prices = map[string]price{
	"claude-haiku-4-5-20251001":  {input: 1, output: 5},
	"claude-sonnet-4-5-20250929": {input: 3, output: 15},
}

// Cost estimates the USD cost of u on model. Unknown models cost 0. Cache
// writes bill at 1.25x input and cache reads at 0.1x.
func (u Usage) Cost(model string) float64 {
	p, ok := prices[model]
	if !ok {
		return 0
	}
	perTok := func(n int64, rate float64) float64 { return float64(n) / 1e6 * rate }
	return perTok(u.Input, p.input) +
		perTok(u.Output, p.output) +
		perTok(u.CacheWrite, p.input*1.25) +
		perTok(u.CacheRead, p.input*0.1)
}

// Log records usage and estimated cost for phase.
func (u Usage) Log(model, phase string) {
	zap.L().Info("llm usage",
		zap.String("model", model),
		zap.String("phase", phase),
		zap.Int64("input_tokens", u.Input),
		zap.Int64("output_tokens", u.Output),
		zap.Int64("cache_write_tokens", u.CacheWrite),
		zap.Int64("cache_read_tokens", u.CacheRead),
		zap.Float64("estimated_cost_usd", u.Cost(model)),
	)
}

type sdkClient struct {
	client sdk.Client
}

// NewClient creates a Client backed by the SDK. opts are passed through, so
// tests can point it at a fake server.
func NewClient(apiKey string, opts ...option.RequestOption) Client {
	return &sdkClient{
		client: sdk.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...),
	}
}

func (c *sdkClient) Complete(ctx context.Context, p Prompt) (*Completion, error) {
	msg, err := c.client.Messages.New(ctx, params(p))
	if err != nil {
		return nil, eris.Wrap(err, "anthropic: complete")
	}

	var text strings.Builder
	for _, b := range msg.Content {
		if b.Type == "text" {
			text.WriteString(b.Text)
		}
	}
	return &Completion{
		ID:         msg.ID,
		Model:      string(msg.Model),
		StopReason: string(msg.StopReason),
		Text:       text.String(),
		Usage: Usage{
			Input:      msg.Usage.InputTokens,
			Output:     msg.Usage.OutputTokens,
			CacheWrite: msg.Usage.CacheCreationInputTokens,
			CacheRead:  msg.Usage.CacheReadInputTokens,
		},
	}, nil
}

func params(p Prompt) sdk.MessageNewParams {
	out := sdk.MessageNewParams{
		Model:     sdk.Model(p.Model),
		MaxTokens: p.MaxTokens,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(p.Input))},
	}
	if p.Instructions != "" {
		cache := sdk.NewCacheControlEphemeralParam()
		cache.TTL = sdk.CacheControlEphemeralTTL("5m")
		out.System = []sdk.TextBlockParam{{Text: p.Instructions, CacheControl: cache}}
	}
	if p.Temperature != nil {
		out.Temperature = sdk.Float(*p.Temperature)
	}
	return out
}
