package authz

import (
	"regexp"
	"strings"
)

// Confidentiality levels shared between users (clearance) and documents.
const (
	LevelPublic       = 0
	LevelInternal     = 1
	LevelConfidential = 2
	LevelRestricted   = 3
)

// PIIType names a detector.
type PIIType string

const (
	PIISSN            PIIType = "ssn"
	PIIPaymentCard    PIIType = "payment_card"
	PIIPhone          PIIType = "phone"
	PIIEmail          PIIType = "email"
	PIIIPAddress      PIIType = "ip_address"
	PIIDateOfBirth    PIIType = "date_of_birth"
	PIIPassport       PIIType = "passport"
	PIIDriverLicence  PIIType = "driver_licence"
)

// PIIMatch is one detection. Value is masked to its last four characters so
// matches can be logged without re-leaking the PII.
type PIIMatch struct {
	Type       PIIType `json:"type"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// escalationThreshold: matches at or above this confidence raise the
// document's confidentiality.
const escalationThreshold = 0.8

var (
	ssnRe      = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	cardRe     = regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`)
	phoneRe    = regexp.MustCompile(`\b(?:\+?1[ .-]?)?\(?\d{3}\)?[ .-]?\d{3}[ .-]?\d{4}\b`)
	emailRe    = regexp.MustCompile(`\b[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}\b`)
	ipRe       = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	dobRe      = regexp.MustCompile(`(?i)\b(?:dob|date of birth|born)[:\s]+\d{1,4}[-/.]\d{1,2}[-/.]\d{1,4}\b`)
	passportRe = regexp.MustCompile(`(?i)\bpassport\s*(?:no\.?|number|#)?[:\s]*[A-Z0-9]{6,9}\b`)
	licenceRe  = regexp.MustCompile(`(?i)\b(?:driver'?s?\s+licen[cs]e|DL)\s*(?:no\.?|number|#)?[:\s]*[A-Z0-9]{5,13}\b`)
)

// ScanPII runs all detectors over text and returns every match.
func ScanPII(text string) []PIIMatch {
	var matches []PIIMatch

	for _, m := range ssnRe.FindAllString(text, -1) {
		matches = append(matches, PIIMatch{PIISSN, mask(m), 0.95})
	}
	for _, m := range cardRe.FindAllString(text, -1) {
		digits := digitsOnly(m)
		if len(digits) < 13 || len(digits) > 19 {
			continue
		}
		conf := 0.5
		if luhnValid(digits) {
			conf = 0.95
		}
		matches = append(matches, PIIMatch{PIIPaymentCard, mask(digits), conf})
	}
	for _, m := range phoneRe.FindAllString(text, -1) {
		// Avoid double-counting SSN-shaped or card-shaped runs.
		if ssnRe.MatchString(m) {
			continue
		}
		matches = append(matches, PIIMatch{PIIPhone, mask(m), 0.7})
	}
	for _, m := range emailRe.FindAllString(text, -1) {
		matches = append(matches, PIIMatch{PIIEmail, mask(m), 0.9})
	}
	for _, m := range ipRe.FindAllString(text, -1) {
		if validIPv4(m) {
			matches = append(matches, PIIMatch{PIIIPAddress, mask(m), 0.85})
		}
	}
	for _, m := range dobRe.FindAllString(text, -1) {
		matches = append(matches, PIIMatch{PIIDateOfBirth, mask(m), 0.85})
	}
	for _, m := range passportRe.FindAllString(text, -1) {
		matches = append(matches, PIIMatch{PIIPassport, mask(m), 0.8})
	}
	for _, m := range licenceRe.FindAllString(text, -1) {
		matches = append(matches, PIIMatch{PIIDriverLicence, mask(m), 0.8})
	}
	return matches
}

// EscalateConfidentiality returns the confidentiality a document must carry
// after PII scanning: any high-confidence match raises the level to at
// least confidential. The caller records both the original and the
// escalated level.
func EscalateConfidentiality(current int, matches []PIIMatch) int {
	for _, m := range matches {
		if m.Confidence >= escalationThreshold && current < LevelConfidential {
			return LevelConfidential
		}
	}
	return current
}

// luhnValid implements the payment card checksum.
func luhnValid(digits string) bool {
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func validIPv4(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if len(p) > 1 && p[0] == '0' {
			return false
		}
		n := 0
		for _, r := range p {
			n = n*10 + int(r-'0')
		}
		if n > 255 {
			return false
		}
	}
	return true
}

// mask keeps the last four characters and replaces the rest with '*'.
func mask(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
}
