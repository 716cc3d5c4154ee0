package types

// ClassificationResult is the vision model's judgement on whether a post
// image is an event poster.
type ClassificationResult struct {
	IsEventPoster       bool     `json:"isEventPoster"`
	Confidence          *float64 `json:"confidence,omitempty"`
	Reasoning           string   `json:"reasoning,omitempty"`
	Cues                []string `json:"cues,omitempty"`
	ShouldExtractEvents *bool    `json:"shouldExtractEvents,omitempty"`

	// Method records how the classification was produced ("ai" or "keyword"),
	// so reviewers can weigh the confidence accordingly.
	Method string `json:"method,omitempty"`
}

// ExtractedEvent is one structured calendar event pulled out of a poster
// image. A single poster may yield several (e.g. a recurring series).
type ExtractedEvent struct {
	Title           string   `json:"title"`
	Description     string   `json:"description,omitempty"`
	StartDate       string   `json:"startDate,omitempty"` // YYYY-MM-DD, local
	StartTime       string   `json:"startTime,omitempty"` // HH:MM, local
	EndDate         string   `json:"endDate,omitempty"`
	EndTime         string   `json:"endTime,omitempty"`
	Timezone        string   `json:"timezone,omitempty"`
	Venue           string   `json:"venue,omitempty"`
	Organizer       string   `json:"organizer,omitempty"`
	Category        string   `json:"category,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	RegistrationURL string   `json:"registrationUrl,omitempty"`
	ContactInfo     string   `json:"contactInfo,omitempty"`
	AdditionalInfo  string   `json:"additionalInfo,omitempty"`
	OccurrenceType  string   `json:"occurrenceType,omitempty"` // single | recurring | series
	RecurrenceRule  string   `json:"recurrenceRule,omitempty"`
	SeriesDates     []string `json:"seriesDates,omitempty"`
}

// ExtractionConfidence carries the model's own assessment of the extraction.
type ExtractionConfidence struct {
	Overall float64 `json:"overall"`
	Notes   string  `json:"notes,omitempty"`
}

// ExtractionResult is the full output of the vision extractor for one image.
type ExtractionResult struct {
	Events               []ExtractedEvent      `json:"events"`
	ExtractionConfidence *ExtractionConfidence `json:"extractionConfidence,omitempty"`
}
