package model

import (
	"fmt"
	"strings"
	"time"
)

// Company is an EDGAR filer addressed by its CIK.
type Company struct {
	CIK            string   `json:"cik"`
	Name           string   `json:"name"`
	Tickers        []string `json:"tickers,omitempty"`
	SIC            string   `json:"sic,omitempty"`
	SICDescription string   `json:"sic_description,omitempty"`
}

// Filing is one regulatory submission from a company's filing history.
type Filing struct {
	AccessionNumber       string     `json:"accession_number"`
	FormType              string     `json:"form_type"`
	FilingDate            time.Time  `json:"filing_date"`
	ReportDate            *time.Time `json:"report_date,omitempty"`
	PrimaryDocument       string     `json:"primary_document,omitempty"`
	PrimaryDocDescription string     `json:"primary_doc_description,omitempty"`
	Items                 string     `json:"items,omitempty"`
}

// AccessionNoDashes returns the accession number in the form used by
// EDGAR archive paths (e.g. "000110465924012345").
func (f Filing) AccessionNoDashes() string {
	return strings.ReplaceAll(f.AccessionNumber, "-", "")
}

// NormalizeCIK strips whitespace, an optional "CIK" prefix and leading zeros.
// Returns "" when the input holds anything other than digits.
func NormalizeCIK(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(strings.ToUpper(s), "CIK")
	if s == "" {
		return ""
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return ""
		}
	}
	s = strings.TrimLeft(s, "0")
	if len(s) > 10 {
		return ""
	}
	return s
}

// PadCIK returns the 10-digit zero-padded form used by data.sec.gov.
func PadCIK(cik string) string {
	n := NormalizeCIK(cik)
	if n == "" {
		return ""
	}
	return fmt.Sprintf("%010s", n)
}
