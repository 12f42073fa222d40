package report

import (
	"regexp"
	"strings"
)

var (
	emailRe  = regexp.MustCompile(`(?i)[A-Z0-9._%+-]+@[A-Z0-9.-]+\.[A-Z]{2,}`)
	angleRe  = regexp.MustCompile(`<([^>]+)>`)
	mailtoRe = regexp.MustCompile(`(?i)mailto:`)
)

// NormalizeOrganizerEmail extracts a lowercase email address from an
// ORGANIZER value such as "mailto:a@b.org", "Jane <jane@b.org>" or
// "CN=Jane:jane@b.org". It returns "" when nothing address-like is found.
func NormalizeOrganizerEmail(raw string) string {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return ""
	}

	if m := angleRe.FindStringSubmatch(candidate); m != nil {
		candidate = m[1]
	}

	if mailtoRe.MatchString(candidate) {
		parts := mailtoRe.Split(candidate, -1)
		candidate = parts[len(parts)-1]
	} else if i := strings.LastIndex(candidate, ":"); i >= 0 {
		candidate = candidate[i+1:]
	}

	if m := emailRe.FindString(candidate); m != "" {
		return strings.ToLower(m)
	}
	if strings.Contains(candidate, "@") {
		return strings.ToLower(candidate)
	}
	return ""
}
