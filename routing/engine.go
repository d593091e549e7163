// Package routing decides where a processed page goes next: straight to the
// archive (auto), to a manual review queue, or to full QC. Decisions are
// layered rules over classifier and extractor confidences; every verdict
// carries the reasons that produced it.
package routing

import (
	"sort"
)

// Severity is the routing verdict.
type Severity string

const (
	SeverityAuto   Severity = "auto"
	SeverityManual Severity = "manual"
	SeverityQC     Severity = "qc"
)

// Closed doc type set.
const (
	DocInvoice  = "invoice"
	DocReceipt  = "receipt"
	DocContract = "contract"
	DocForm     = "form"
	DocLetter   = "letter"
	DocMemo     = "memo"
	DocReport   = "report"
	DocOther    = "other"
)

// DocTypes lists the closed enumeration in canonical order.
var DocTypes = []string{
	DocInvoice, DocReceipt, DocContract, DocForm,
	DocLetter, DocMemo, DocReport, DocOther,
}

// ValidDocType reports membership in the closed set.
func ValidDocType(dt string) bool {
	for _, d := range DocTypes {
		if d == dt {
			return true
		}
	}
	return false
}

// sensitiveDocTypes route to manual review unless classification is
// near-certain.
var sensitiveDocTypes = map[string]bool{
	DocContract: true,
	DocReport:   true,
}

// requiredFields per doc type. Absent entries mean no required fields.
var requiredFields = map[string][]string{
	DocInvoice:  {"invoice_number", "amount", "date"},
	DocReceipt:  {"amount", "date"},
	DocContract: {"party", "date"},
}

// RequiredFields returns the fields a doc type must carry, sorted.
func RequiredFields(docType string) []string {
	out := append([]string(nil), requiredFields[docType]...)
	sort.Strings(out)
	return out
}

// PageInput is the routing engine's view of a processed page.
type PageInput struct {
	PageID           string             `json:"page_id"`
	DocType          string             `json:"doc_type"`
	Classification   float64            `json:"classification_confidence"`
	FieldConfidences map[string]float64 `json:"field_confidences"`
	MissingFields    []string           `json:"missing_fields"`
}

// Decision is a routing verdict with its reason trail.
type Decision struct {
	PageID     string   `json:"page_id"`
	DocType    string   `json:"doc_type"`
	Severity   Severity `json:"severity"`
	Confidence float64  `json:"confidence"`
	Reasons    []string `json:"reasons"`
}

const (
	classAutoThreshold   = 0.9
	classManualThreshold = 0.7
	fieldAutoThreshold   = 0.85
)

// Decide applies the rule layers in order. It never fails: malformed input
// routes to qc with reason incomplete_routing_input.
func Decide(in PageInput) Decision {
	d := Decision{
		PageID:     in.PageID,
		DocType:    in.DocType,
		Confidence: in.Classification,
	}

	if in.PageID == "" || !ValidDocType(in.DocType) ||
		in.Classification < 0 || in.Classification > 1 {
		d.Severity = SeverityQC
		d.Reasons = []string{"incomplete_routing_input"}
		return d
	}

	missing := missingRequired(in)

	// Layer 1: legal/sensitive types demand near-certain classification.
	if sensitiveDocTypes[in.DocType] && in.Classification < classAutoThreshold {
		d.Severity = SeverityManual
		d.Reasons = []string{"sensitive_doc_low_conf"}
		return d
	}

	// Layer 2: fully confident pages archive without human eyes.
	avg := avgFieldConfidence(in.FieldConfidences)
	if in.Classification >= classAutoThreshold && avg >= fieldAutoThreshold && len(missing) == 0 {
		d.Severity = SeverityAuto
		d.Reasons = []string{"high_confidence"}
		return d
	}

	// Layer 3: usable classification, name each shortfall.
	if in.Classification >= classManualThreshold {
		d.Severity = SeverityManual
		if in.Classification < classAutoThreshold {
			d.Reasons = append(d.Reasons, "classification_below_auto")
		}
		if avg < fieldAutoThreshold {
			d.Reasons = append(d.Reasons, "low_field_confidence")
		}
		for _, f := range missing {
			d.Reasons = append(d.Reasons, "missing_required_field:"+f)
		}
		if len(d.Reasons) == 0 {
			d.Reasons = []string{"manual_review"}
		}
		return d
	}

	// Layer 4: the classifier itself is unsure.
	d.Severity = SeverityQC
	d.Reasons = []string{"low_classification_confidence"}
	for _, f := range missing {
		d.Reasons = append(d.Reasons, "missing_required_field:"+f)
	}
	return d
}

func missingRequired(in PageInput) []string {
	seen := make(map[string]bool, len(in.MissingFields))
	var missing []string
	for _, f := range in.MissingFields {
		seen[f] = true
	}
	for _, f := range RequiredFields(in.DocType) {
		if seen[f] {
			missing = append(missing, f)
			continue
		}
		if _, ok := in.FieldConfidences[f]; !ok {
			missing = append(missing, f)
		}
	}
	sort.Strings(missing)
	return missing
}

// avgFieldConfidence treats a page with no extracted fields as fully
// confident: doc types without required fields (letters, memos) carry none.
func avgFieldConfidence(fields map[string]float64) float64 {
	if len(fields) == 0 {
		return 1
	}
	sum := 0.0
	for _, c := range fields {
		sum += c
	}
	return sum / float64(len(fields))
}
