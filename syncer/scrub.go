package syncer

import (
	"regexp"
)

// sensitivePatterns match payload-derived content that must never reach a
// log, error, or statistics surface: clinical scores, assessment answers,
// session notes, and contact details. Matches are replaced wholesale.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(phq[-_]?9|gad[-_]?7|assessment|score|answers?)["':=\s]+[^\s,}"']+`),
	regexp.MustCompile(`(?i)(session[_\s]?notes?|mood|diagnosis)["':=\s]+[^\s,}"']+`),
	regexp.MustCompile(`(?i)(ssn|dob|date[_\s]?of[_\s]?birth)["':=\s]+[^\s,}"']+`),
	regexp.MustCompile(`[\w.+-]+@[\w-]+\.[\w.]+`),
	regexp.MustCompile(`\+?\d[\d\s().-]{7,}\d`),
}

const redacted = "[redacted]"

// scrubMessage renders an error for caller-facing surfaces with sensitive
// content removed.
func scrubMessage(err error) string {
	if err == nil {
		return ""
	}
	return Scrub(err.Error())
}

// Scrub removes sensitive-field content from a string.
func Scrub(s string) string {
	for _, p := range sensitivePatterns {
		s = p.ReplaceAllString(s, redacted)
	}
	return s
}
