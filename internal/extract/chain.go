package extract

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mining-intel/internal/model"
)

// DefaultMinConfidence is the confidence a found value needs to be kept.
const DefaultMinConfidence = 0.5

// Chain runs strategies in order and keeps, per field, the found value with
// the highest confidence at or above the threshold. Fields no strategy
// answers well enough are reported as not found.
type Chain struct {
	strategies    []Strategy
	minConfidence float64
}

// NewChain creates a Chain. A non-positive minConfidence selects the default.
func NewChain(minConfidence float64, strategies ...Strategy) *Chain {
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	return &Chain{strategies: strategies, minConfidence: minConfidence}
}

// Name implements Strategy.
func (c *Chain) Name() string {
	names := make([]string, len(c.strategies))
	for i, s := range c.strategies {
		names[i] = s.Name()
	}
	return strings.Join(names, "+")
}

// Extract implements Strategy. A failing strategy is skipped; the chain
// fails only when every strategy does.
func (c *Chain) Extract(ctx context.Context, in Input) ([]model.MetricResult, error) {
	best := make(map[string]model.MetricResult, len(Fields))
	var errs []error
	for _, s := range c.strategies {
		results, err := s.Extract(ctx, in)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			zap.L().Warn("extract: strategy failed, continuing",
				zap.String("strategy", s.Name()),
				zap.String("document_id", in.Document.ID),
				zap.Error(err),
			)
			errs = append(errs, err)
			continue
		}
		for _, r := range results {
			if !r.Found || r.Value == nil || r.Confidence < c.minConfidence {
				continue
			}
			if cur, ok := best[r.Field]; !ok || r.Confidence > cur.Confidence {
				best[r.Field] = r
			}
		}
	}
	if len(c.strategies) > 0 && len(errs) == len(c.strategies) {
		return nil, eris.Wrap(errors.Join(errs...), "extract: all strategies failed")
	}

	out := make([]model.MetricResult, 0, len(Fields))
	for _, field := range Fields {
		if r, ok := best[field]; ok {
			r.DocumentID = in.Document.ID
			out = append(out, r)
			continue
		}
		out = append(out, notFound(in.Document.ID, field, c.Name()))
	}
	return out, nil
}
