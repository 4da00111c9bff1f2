package extract

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/sells-group/mining-intel/internal/model"
)

// regexConfidence is the confidence assigned to a pattern match. It sits
// below a confident model answer so the chain prefers the model when both
// find a value.
const regexConfidence = 0.6

const (
	number   = `([0-9][0-9,]*(?:\.[0-9]+)?)`
	currency = `([A-Z]{1,2})?\$\s*`
	scale    = `\s*((?i:million|billion|mm|m|b))?\b`
)

type pattern struct {
	re *regexp.Regexp
	// parse turns submatches into a value and unit.
	parse func(m []string) (float64, string, bool)
}

func money(m []string) (float64, string, bool) {
	v, ok := parseNumber(m[2])
	if !ok {
		return 0, "", false
	}
	switch strings.ToLower(m[3]) {
	case "billion", "b":
		v *= 1000
	case "million", "m", "mm":
	default:
		v /= 1e6
	}
	return v, currencyCode(m[1]) + " millions", true
}

func perUnit(m []string) (float64, string, bool) {
	v, ok := parseNumber(m[2])
	if !ok {
		return 0, "", false
	}
	return v, currencyCode(m[1]) + "/" + unitCode(m[3]), true
}

func plain(unit string) func(m []string) (float64, string, bool) {
	return func(m []string) (float64, string, bool) {
		v, ok := parseNumber(m[1])
		return v, unit, ok
	}
}

var fieldPatterns = map[string][]pattern{
	FieldNPV: {{
		re:    regexp.MustCompile(`(?i:net present value|\bnpv\b)[^$\n]{0,80}?` + currency + number + scale),
		parse: money,
	}},
	FieldIRR: {{
		re:    regexp.MustCompile(`(?i:internal rate of return|\birr\b)[^%\n]{0,80}?([0-9]+(?:\.[0-9]+)?)\s*%`),
		parse: plain("%"),
	}},
	FieldInitialCapex: {{
		re:    regexp.MustCompile(`(?i:initial\s+capital(?:\s+costs?|\s+expenditures?)?|initial\s+capex|pre-production\s+capital)[^$\n]{0,80}?` + currency + number + scale),
		parse: money,
	}},
	FieldAISC: {{
		re:    regexp.MustCompile(`(?i:all-in sustaining costs?|\baisc\b)[^$\n]{0,80}?` + currency + number + `\s*(?:/|per\s+)\s*((?i:oz|ounce|lb|pound|tonne|t))\b`),
		parse: perUnit,
	}},
	FieldMineLife: {
		{
			re:    regexp.MustCompile(`(?i:mine\s+life|life\s+of\s+mine|\bLOM\b)[^0-9\n]{0,40}?([0-9]+(?:\.[0-9]+)?)[\s-]*(?i:years?|yrs?)\b`),
			parse: plain("years"),
		},
		{
			re:    regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?)[\s-]*(?i:years?)\s+(?i:mine\s+life|life\s+of\s+mine|LOM)`),
			parse: plain("years"),
		},
	},
}

// RegexStrategy reads fields with fixed patterns. It needs no network and
// runs first in the chain.
type RegexStrategy struct{}

// Name implements Strategy.
func (RegexStrategy) Name() string { return "regex" }

// Extract implements Strategy. The first match per field wins.
func (s RegexStrategy) Extract(_ context.Context, in Input) ([]model.MetricResult, error) {
	out := make([]model.MetricResult, 0, len(Fields))
	for _, field := range Fields {
		res := notFound(in.Document.ID, field, s.Name())
		for _, p := range fieldPatterns[field] {
			m := p.re.FindStringSubmatch(in.Text)
			if m == nil {
				continue
			}
			v, unit, ok := p.parse(m)
			if !ok {
				continue
			}
			res.Value = &v
			res.Unit = unit
			res.Found = true
			res.Confidence = regexConfidence
			res.Evidence = strings.TrimSpace(truncateRunes(m[0], 200))
			break
		}
		out = append(out, res)
	}
	return out, nil
}

func parseNumber(s string) (float64, bool) {
	s = strings.TrimRight(strings.ReplaceAll(s, ",", ""), ".")
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	return v, err == nil
}

func currencyCode(prefix string) string {
	switch strings.ToUpper(prefix) {
	case "", "US":
		return "USD"
	case "C", "CA":
		return "CAD"
	case "A", "AU":
		return "AUD"
	default:
		return strings.ToUpper(prefix) + "$"
	}
}

func unitCode(u string) string {
	switch strings.ToLower(u) {
	case "oz", "ounce":
		return "oz"
	case "lb", "pound":
		return "lb"
	default:
		return "t"
	}
}
