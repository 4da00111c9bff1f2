// Package extract pulls headline economics out of discovered technical
// reports. A field that cannot be read is reported as not found; no value is
// ever guessed.
package extract

import (
	"context"

	"github.com/sells-group/mining-intel/internal/model"
)

// Extracted fields.
const (
	FieldNPV          = "npv"
	FieldIRR          = "irr"
	FieldInitialCapex = "initial_capex"
	FieldAISC         = "aisc"
	FieldMineLife     = "mine_life"
)

// Fields lists every field a strategy is asked for, in report order.
var Fields = []string{FieldNPV, FieldIRR, FieldInitialCapex, FieldAISC, FieldMineLife}

// Input is one document's text handed to a strategy.
type Input struct {
	Document model.CandidateDocument
	Text     string
}

// Strategy extracts field values from document text. Implementations return
// one result per field in Fields.
type Strategy interface {
	Name() string
	Extract(ctx context.Context, in Input) ([]model.MetricResult, error)
}

func notFound(docID, field, strategy string) model.MetricResult {
	return model.MetricResult{DocumentID: docID, Field: field, Found: false, Strategy: strategy}
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
