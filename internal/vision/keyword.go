package vision

import (
	"regexp"
	"strings"

	"github.com/eventpulse/ig-events-worker/api/types"
)

// eventKeywords are caption fragments that strongly suggest an event
// announcement. Matching is case-insensitive.
var eventKeywords = []string{
	"join us", "rsvp", "save the date", "doors open", "tickets",
	"free entry", "admission", "register", "registration", "sign up",
	"workshop", "concert", "festival", "meetup", "exhibition",
	"opening night", "live music", "fundraiser", "vernissage",
	"performance", "screening", "markt", "event",
}

var (
	datePattern = regexp.MustCompile(`(?i)\b(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s+\d{1,2}\b|\b\d{1,2}[./]\d{1,2}([./]\d{2,4})?\b`)
	timePattern = regexp.MustCompile(`(?i)\b\d{1,2}(:\d{2})?\s*(am|pm|uhr|h)\b|\b\d{1,2}:\d{2}\b`)
)

// ClassifyCaption is the deterministic fallback classifier. It scans the
// caption for event keywords and date/time patterns so classification never
// blocks the pipeline when the AI path fails. Confidence is deliberately
// modest: a keyword match is a hint, not a judgement of the image.
func ClassifyCaption(caption string) *types.ClassificationResult {
	lower := strings.ToLower(caption)

	var cues []string
	for _, kw := range eventKeywords {
		if strings.Contains(lower, kw) {
			cues = append(cues, kw)
		}
	}

	hasDate := datePattern.MatchString(caption)
	hasTime := timePattern.MatchString(caption)
	if hasDate {
		cues = append(cues, "date pattern")
	}
	if hasTime {
		cues = append(cues, "time pattern")
	}

	isEvent := len(cues) >= 2 || (len(cues) >= 1 && hasDate)
	confidence := 0.3
	if isEvent {
		confidence = 0.55
		if hasDate && hasTime {
			confidence = 0.65
		}
	}

	shouldExtract := isEvent && hasDate
	return &types.ClassificationResult{
		IsEventPoster:       isEvent,
		Confidence:          &confidence,
		Reasoning:           "keyword heuristic over caption",
		Cues:                cues,
		ShouldExtractEvents: &shouldExtract,
		Method:              "keyword",
	}
}
