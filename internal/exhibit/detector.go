package exhibit

import (
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/mining-intel/internal/model"
)

// Detector applies an ordered list of rules to filing manifests. The first
// rule that matches a file assigns its label.
type Detector struct {
	rules []compiledRule
}

// NewDetector compiles rules. An empty list uses DefaultRules.
func NewDetector(rules []Rule) (*Detector, error) {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	d := &Detector{}
	for _, r := range rules {
		c, err := compile(r)
		if err != nil {
			return nil, err
		}
		d.rules = append(d.rules, c)
	}
	return d, nil
}

// Classify returns the label of the first matching rule.
func (d *Detector) Classify(doc model.FilingDocument) (string, bool) {
	name := normalize(path.Base(doc.Name))
	desc := normalize(doc.Description)
	typ := normalize(doc.Type)
	for _, r := range d.rules {
		if r.match(name, desc, typ) {
			return r.label, true
		}
	}
	return "", false
}

// Detect returns one candidate per matching file. Several matches in one
// filing are all returned.
func (d *Detector) Detect(company model.Company, filing model.Filing, docs []model.FilingDocument) []model.CandidateDocument {
	var out []model.CandidateDocument
	seen := make(map[string]bool, len(docs))
	for _, doc := range docs {
		if doc.URL == "" || seen[doc.URL] {
			continue
		}
		label, ok := d.Classify(doc)
		if !ok {
			continue
		}
		seen[doc.URL] = true
		out = append(out, model.CandidateDocument{
			AccessionNumber: filing.AccessionNumber,
			CIK:             company.CIK,
			CompanyName:     company.Name,
			FormType:        filing.FormType,
			FilingDate:      filing.FilingDate,
			DocumentURL:     doc.URL,
			ExhibitLabel:    label,
			Description:     strings.TrimSpace(doc.Description),
		})
	}
	return out
}

// Guesses returns conventional exhibit 96 file names to probe when a filing
// has no manifest. Names derived from the primary document's prefix come
// first since filing agents reuse it for every exhibit.
func (d *Detector) Guesses(filing model.Filing) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(names ...string) {
		for _, n := range names {
			if n != "" && !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}

	switch prefix, sep := agentPrefix(filing.PrimaryDocument); sep {
	case "_":
		add(prefix+"_ex96-1.htm", prefix+"_ex961.htm", prefix+"_ex96.htm")
	case "d":
		add(prefix+"dex961.htm", prefix+"dex96.htm")
	}
	add("ex96-1.htm", "ex-96.1.htm", "ex961.htm", "ex96.htm", "ex96_1.htm", "exhibit96-1.htm")
	return out
}

// agentPrefix returns the filing-agent job prefix of a primary document name
// and the separator the agent uses, e.g. ("tm2412345d1", "_") for
// "tm2412345d1_10k.htm" or ("d123456", "d") for "d123456d10k.htm".
func agentPrefix(primary string) (string, string) {
	if primary == "" {
		return "", ""
	}
	base := strings.ToLower(path.Base(primary))
	base = strings.TrimSuffix(base, path.Ext(base))
	if i := strings.LastIndex(base, "_"); i > 0 {
		return base[:i], "_"
	}
	if strings.HasPrefix(base, "d") {
		if i := strings.LastIndex(base, "d"); i > 0 {
			return base[:i], "d"
		}
	}
	return "", ""
}

// normalize applies NFKC, lower-cases and collapses whitespace so full-width
// and non-breaking characters in manifest descriptions match plain patterns.
func normalize(s string) string {
	s = norm.NFKC.String(s)
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
