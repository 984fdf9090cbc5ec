// Package filter redacts personal data from model output and flags
// medical claims. It runs after dispatch and never affects billing.
package filter

import (
	"regexp"
)

type IssueKind string

const (
	IssueEmail        IssueKind = "email"
	IssuePhone        IssueKind = "phone"
	IssueNumber       IssueKind = "long_number"
	IssueMedicalClaim IssueKind = "medical_claim"
)

const MedicalDisclaimer = "This content is for general information only and is not medical advice."

type Issue struct {
	Kind  IssueKind `json:"kind"`
	Count int       `json:"count"`
}

type Result struct {
	Text       string  `json:"text"`
	Issues     []Issue `json:"issues,omitempty"`
	Disclaimer string  `json:"disclaimer,omitempty"`
}

func (r Result) Clean() bool {
	return len(r.Issues) == 0
}

type redaction struct {
	kind        IssueKind
	re          *regexp.Regexp
	replacement string
}

// Order matters: long digit runs go before phones so a card number is
// not half-matched as a phone.
var redactions = []redaction{
	{IssueEmail, regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`), "[email]"},
	{IssueNumber, regexp.MustCompile(`\b\d{17}[\dXx]\b|\b\d{13,19}\b`), "[number]"},
	{IssuePhone, regexp.MustCompile(`\b1[3-9]\d{9}\b|(?:\+\d{1,3}[\s.\-]?)?\(?\b\d{3}\)?[\s.\-]\d{3}[\s.\-]\d{4}\b`), "[phone]"},
}

var medicalClaim = regexp.MustCompile(`(?i)\b(?:cures?|guaranteed to (?:heal|treat|cure)|(?:treats?|prevents?|reverses?) (?:cancer|diabetes|covid|alzheimer'?s?))\b|治愈|根治|包治`)

// Apply returns the redacted text with a count per issue kind. A medical
// claim keeps the text but appends the disclaimer.
func Apply(text string) Result {
	res := Result{Text: text}
	for _, r := range redactions {
		matches := r.re.FindAllStringIndex(res.Text, -1)
		if len(matches) == 0 {
			continue
		}
		res.Text = r.re.ReplaceAllString(res.Text, r.replacement)
		res.Issues = append(res.Issues, Issue{Kind: r.kind, Count: len(matches)})
	}

	if n := len(medicalClaim.FindAllStringIndex(res.Text, -1)); n > 0 {
		res.Issues = append(res.Issues, Issue{Kind: IssueMedicalClaim, Count: n})
		res.Disclaimer = MedicalDisclaimer
		res.Text += "\n\n" + MedicalDisclaimer
	}
	return res
}
