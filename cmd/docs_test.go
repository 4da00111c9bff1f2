//go:build !integration

package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mining-intel/internal/model"
)

func newDocsFlagCmd(t *testing.T, flags map[string]string) *cobra.Command {
	t.Helper()
	c := &cobra.Command{Use: "test"}
	addDocumentFlags(c)
	for k, v := range flags {
		require.NoError(t, c.Flags().Set(k, v))
	}
	return c
}

func TestDocumentFilterFromFlags(t *testing.T) {
	filter, err := documentFilterFromFlags(newDocsFlagCmd(t, map[string]string{
		"label":     "EX-96",
		"cik":       "0000012345",
		"processed": "false",
	}))
	require.NoError(t, err)
	assert.Equal(t, "EX-96", filter.Label)
	assert.Equal(t, model.NormalizeCIK("12345"), filter.CIK)
	require.NotNil(t, filter.Processed)
	assert.False(t, *filter.Processed)
}

func TestDocumentFilterFromFlags_Empty(t *testing.T) {
	filter, err := documentFilterFromFlags(newDocsFlagCmd(t, nil))
	require.NoError(t, err)
	assert.Empty(t, filter.Label)
	assert.Empty(t, filter.CIK)
	assert.Nil(t, filter.Processed)
}

func TestDocumentFilterFromFlags_Invalid(t *testing.T) {
	_, err := documentFilterFromFlags(newDocsFlagCmd(t, map[string]string{"processed": "maybe"}))
	assert.Error(t, err)

	_, err = documentFilterFromFlags(newDocsFlagCmd(t, map[string]string{"cik": "not-a-cik"}))
	assert.Error(t, err)
}

func TestFormatDocumentsList(t *testing.T) {
	docs := []model.CandidateDocument{
		{
			ID:              "doc12345-0000-0000-0000-000000000000",
			AccessionNumber: "0001104659-24-012345",
			CIK:             "12345",
			CompanyName:     "Example Gold Mining Corporation International Holdings",
			FormType:        "10-K",
			FilingDate:      time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			DocumentURL:     "https://www.sec.gov/Archives/edgar/data/12345/000110465924012345/ex96-1.htm",
			ExhibitLabel:    "EX-96",
		},
	}

	var buf bytes.Buffer
	formatDocumentsList(&buf, docs)

	output := buf.String()
	assert.Contains(t, output, "LABEL")
	assert.Contains(t, output, "doc12345")
	assert.Contains(t, output, "Example Gold Mining Corpora...")
	assert.Contains(t, output, "2024-03-01")
	assert.Contains(t, output, "EX-96")
	assert.Contains(t, output, "false")
	assert.Contains(t, output, "ex96-1.htm")
}

func TestFormatMetrics(t *testing.T) {
	npv := 412.5
	results := []model.MetricResult{
		{Field: "npv", Value: &npv, Unit: "USD millions", Confidence: 0.6, Found: true, Strategy: "regex"},
		{Field: "irr", Confidence: 0, Found: false, Strategy: "regex+llm"},
	}

	var buf bytes.Buffer
	formatMetrics(&buf, results)

	output := buf.String()
	assert.Contains(t, output, "412.5")
	assert.Contains(t, output, "USD millions")
	assert.Contains(t, output, "0.60")
	assert.Contains(t, output, "not found")
	assert.Contains(t, output, "regex+llm")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ÀÁÂÃÄÅÆ...", truncate("ÀÁÂÃÄÅÆÇÈÉÊË", 10))
}
