package model

import "time"

// CandidateDocument is one exhibit that looks like a technical report.
// (AccessionNumber, DocumentURL) is the natural key in the store.
type CandidateDocument struct {
	ID              string    `json:"id"`
	AccessionNumber string    `json:"accession_number"`
	CIK             string    `json:"cik"`
	CompanyName     string    `json:"company_name"`
	FormType        string    `json:"form_type"`
	FilingDate      time.Time `json:"filing_date"`
	DocumentURL     string    `json:"document_url"`
	ExhibitLabel    string    `json:"exhibit_label"`
	Description     string    `json:"description,omitempty"`
	Processed       bool      `json:"processed"`
	DiscoveredAt    time.Time `json:"discovered_at"`
}

// MetricResult is the outcome of extracting one field from a document.
// Found=false is an explicit "no value" answer and carries a nil Value.
type MetricResult struct {
	DocumentID string   `json:"document_id"`
	Field      string   `json:"field"`
	Value      *float64 `json:"value,omitempty"`
	Unit       string   `json:"unit,omitempty"`
	Confidence float64  `json:"confidence"`
	Found      bool     `json:"found"`
	Strategy   string   `json:"strategy"`
	Evidence   string   `json:"evidence,omitempty"`
}

// FilingDocument is one file listed in a filing's manifest. Description and
// Type are empty when the manifest came from a bare directory listing.
type FilingDocument struct {
	Sequence    string `json:"sequence,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type,omitempty"`
	Size        int64  `json:"size,omitempty"`
	URL         string `json:"url"`
}
