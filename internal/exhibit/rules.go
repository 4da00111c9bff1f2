// Package exhibit classifies filing documents as technical report exhibits.
package exhibit

import (
	"os"
	"regexp"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Labels assigned by the default rules.
const (
	LabelTechnicalReport  = "technical-report"
	LabelNI43101          = "ni-43-101"
	LabelJORC             = "jorc"
	LabelFeasibilityStudy = "feasibility-study"
)

// Rule matches a document when any of its patterns match. Filenames and Types
// are matched against the lower-cased file name and document type;
// Descriptions against the normalised description.
type Rule struct {
	Label        string   `yaml:"label"`
	Filenames    []string `yaml:"filenames"`
	Descriptions []string `yaml:"descriptions"`
	Types        []string `yaml:"types"`
}

// RuleSet is the YAML document shape of a rules file.
type RuleSet struct {
	Rules []Rule `yaml:"rules"`
}

// ex96 matches S-K 1300 exhibit 96 naming: ex-96.1.htm, ex96-1.htm,
// ex961.htm, ex96.htm, tm2412345d1_ex96-1.htm, dex961.htm, exhibit96.htm.
const ex96 = `(^|[^a-z])(d?ex|exhibit)[-_. ]?96[0-9]{0,2}([-_.d]|$)`

// DefaultRules returns the built-in rules, most specific first.
func DefaultRules() []Rule {
	return []Rule{
		{
			Label:     LabelTechnicalReport,
			Filenames: []string{ex96},
			Types:     []string{`^ex-?96`},
			Descriptions: []string{
				`technical report summary`,
				`\bs-k\s*(item\s*)?1300\b`,
				`\bitem\s*1300\b`,
				`\bexhibit\s*96\b`,
				`\btechnical report\b`,
			},
		},
		{
			Label:        LabelNI43101,
			Filenames:    []string{`43[-_]?101`},
			Descriptions: []string{`\bni\s*43[-\s]?101\b`, `national instrument 43-101`},
		},
		{
			Label:        LabelJORC,
			Filenames:    []string{`jorc`},
			Descriptions: []string{`\bjorc\b`},
		},
		{
			Label:     LabelFeasibilityStudy,
			Filenames: []string{`feasibility`, `(^|[^a-z])pea([-_.]|$)`},
			Descriptions: []string{
				`\b(pre-?)?feasibility study\b`,
				`\bpreliminary economic assessment\b`,
			},
		},
	}
}

// LoadRules reads a RuleSet from a YAML file.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "exhibit: read rules %s", path)
	}
	var set RuleSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, eris.Wrapf(err, "exhibit: parse rules %s", path)
	}
	if len(set.Rules) == 0 {
		return nil, eris.Errorf("exhibit: rules file %s has no rules", path)
	}
	return set.Rules, nil
}

type compiledRule struct {
	label        string
	filenames    []*regexp.Regexp
	descriptions []*regexp.Regexp
	types        []*regexp.Regexp
}

func compile(r Rule) (compiledRule, error) {
	if r.Label == "" {
		return compiledRule{}, eris.New("exhibit: rule without label")
	}
	c := compiledRule{label: r.Label}
	var err error
	if c.filenames, err = compileAll(r.Label, r.Filenames); err != nil {
		return compiledRule{}, err
	}
	if c.descriptions, err = compileAll(r.Label, r.Descriptions); err != nil {
		return compiledRule{}, err
	}
	if c.types, err = compileAll(r.Label, r.Types); err != nil {
		return compiledRule{}, err
	}
	return c, nil
}

func compileAll(label string, patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return nil, eris.Wrapf(err, "exhibit: rule %s pattern %q", label, p)
		}
		out = append(out, re)
	}
	return out, nil
}

func (c compiledRule) match(name, description, docType string) bool {
	return anyMatch(c.filenames, name) ||
		(description != "" && anyMatch(c.descriptions, description)) ||
		(docType != "" && anyMatch(c.types, docType))
}

func anyMatch(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
