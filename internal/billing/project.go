package billing

import "strings"

// ExtractProjectCode returns the uppercased first capture group of the first
// pattern match in title, or "" if there is none.
func (e *Engine) ExtractProjectCode(title string) string {
	if title == "" {
		return ""
	}
	m := e.codeRe.FindStringSubmatch(title)
	if len(m) < 2 || m[1] == "" {
		return ""
	}
	return strings.ToUpper(m[1])
}

// ExtractProjectCode uses the default pattern.
func ExtractProjectCode(title string) string {
	return defaultEngine.ExtractProjectCode(title)
}
