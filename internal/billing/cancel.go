package billing

import (
	"strings"

	"billcal/internal/model"
)

// DetectCancellation decides whether a raw occurrence is cancelled.
//
// STATUS:CANCELLED is authoritative. Otherwise a cancel keyword in the
// summary, description or location only counts when the busy status is FREE:
// a booking can mention "cancelled" while still holding the resource.
func (e *Engine) DetectCancellation(raw model.RawOccurrence) bool {
	if strings.ToUpper(strings.TrimSpace(raw.Status)) == "CANCELLED" {
		return true
	}

	if !e.hasCancelWord(raw) {
		return false
	}
	return strings.ToUpper(strings.TrimSpace(raw.BusyStatus)) == "FREE"
}

// DetectCancellation uses the default keyword list.
func DetectCancellation(raw model.RawOccurrence) bool {
	return defaultEngine.DetectCancellation(raw)
}

func (e *Engine) hasCancelWord(raw model.RawOccurrence) bool {
	parts := make([]string, 0, 3)
	for _, s := range []string{raw.Summary, raw.Description, raw.Location} {
		if s != "" {
			parts = append(parts, strings.ToLower(s))
		}
	}
	if len(parts) == 0 {
		return false
	}
	haystack := strings.Join(parts, " ")

	for _, w := range e.words {
		if strings.Contains(haystack, w) {
			return true
		}
	}
	return false
}
