package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mining-intel/internal/model"
	"github.com/sells-group/mining-intel/pkg/anthropic"
)

// Defaults for LLMStrategy.
const (
	DefaultModel    = "claude-haiku-4-5-20251001"
	DefaultMaxChars = 60000
	llmMaxTokens    = 1024
)

const llmInstructions = `You read mining technical reports (S-K 1300 technical report summaries,
NI 43-101 reports, JORC reports, feasibility studies and PEAs) and report the
project's headline economics.

Return only a JSON object with exactly these keys:
  npv            after-tax net present value, in millions of the report currency
  irr            after-tax internal rate of return, in percent
  initial_capex  initial (pre-production) capital cost, in millions of the report currency
  aisc           life-of-mine all-in sustaining cost per payable unit
  mine_life      mine life in years

Each key maps to {"value": number or null, "unit": string, "confidence": number
between 0 and 1, "evidence": short quote from the text}.
Use null when the text does not state the value. Never estimate or compute a
value that is not written in the text.`

// LLMStrategy asks an Anthropic model for the fields.
type LLMStrategy struct {
	client   anthropic.Client
	model    string
	maxChars int
}

// NewLLMStrategy creates an LLMStrategy. Empty model and non-positive
// maxChars select the defaults.
func NewLLMStrategy(client anthropic.Client, model string, maxChars int) *LLMStrategy {
	if model == "" {
		model = DefaultModel
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &LLMStrategy{client: client, model: model, maxChars: maxChars}
}

// Name implements Strategy.
func (s *LLMStrategy) Name() string { return "llm" }

type llmAnswer struct {
	Value      *float64 `json:"value"`
	Unit       string   `json:"unit"`
	Confidence float64  `json:"confidence"`
	Evidence   string   `json:"evidence"`
}

// Extract implements Strategy.
func (s *LLMStrategy) Extract(ctx context.Context, in Input) ([]model.MetricResult, error) {
	temp := 0.0
	resp, err := s.client.Complete(ctx, anthropic.Prompt{
		Model:        s.model,
		MaxTokens:    llmMaxTokens,
		Instructions: llmInstructions,
		Temperature:  &temp,
		Input: fmt.Sprintf("Company: %s\nForm: %s\nFiled: %s\nDocument: %s\n\n%s",
			in.Document.CompanyName, in.Document.FormType,
			in.Document.FilingDate.Format(model.DateLayout), in.Document.DocumentURL,
			truncateRunes(in.Text, s.maxChars)),
	})
	if err != nil {
		return nil, eris.Wrapf(err, "extract: llm request for %s", in.Document.ID)
	}
	resp.Usage.Log(s.model, "extract")

	answers, err := parseAnswers(resp.Text)
	if err != nil {
		return nil, eris.Wrapf(err, "extract: llm answer for %s", in.Document.ID)
	}

	out := make([]model.MetricResult, 0, len(Fields))
	for _, field := range Fields {
		res := notFound(in.Document.ID, field, s.Name())
		a, ok := answers[field]
		if ok && a != nil && a.Value != nil {
			res.Value = a.Value
			res.Unit = a.Unit
			res.Found = true
			res.Confidence = clamp01(a.Confidence)
			res.Evidence = truncateRunes(a.Evidence, 200)
		}
		out = append(out, res)
	}
	zap.L().Debug("llm extraction complete",
		zap.String("document_id", in.Document.ID),
		zap.Int64("input_tokens", resp.Usage.Input),
	)
	return out, nil
}

// parseAnswers decodes the first JSON object in text. Models sometimes wrap
// the object in prose or a code fence.
func parseAnswers(text string) (map[string]*llmAnswer, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, eris.New("extract: no JSON object in model answer")
	}
	var answers map[string]*llmAnswer
	if err := json.Unmarshal([]byte(text[start:end+1]), &answers); err != nil {
		return nil, eris.Wrap(err, "extract: decode model answer")
	}
	return answers, nil
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
