package store

import (
	"encoding/json"
	"time"
)

type RunStatus string

const (
	RunStatusQueued  RunStatus = "queued"
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusPartial RunStatus = "partial"
	RunStatusError   RunStatus = "error"
)

// Terminal reports whether the status ends a run's lifecycle. Transitions
// only move forward: queued → running → {success|partial|error}.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusPartial || s == RunStatusError
}

type ClassificationMode string

const (
	ClassificationAuto   ClassificationMode = "auto"
	ClassificationManual ClassificationMode = "manual"
)

type ScraperType string

const (
	ScraperTypeApify   ScraperType = "apify"
	ScraperTypeSession ScraperType = "session-based"
)

// Account is one tracked Instagram account.
type Account struct {
	ID                 string             `db:"id" json:"id"`
	Name               string             `db:"name" json:"name"`
	InstagramUsername  string             `db:"instagram_username" json:"instagram_username"`
	ClassificationMode ClassificationMode `db:"classification_mode" json:"classification_mode"`
	DefaultTimezone    string             `db:"default_timezone" json:"default_timezone"`
	ScraperType        ScraperType        `db:"scraper_type" json:"scraper_type"`
	LastCheckedAt      *time.Time         `db:"last_checked_at" json:"last_checked_at"`
}

// RawPost is the persisted representation of one Instagram post, keyed by
// (source_id, source_event_id). Re-processing the same post must converge to
// the same row: writes are upserts that never regress a populated field to
// null.
type RawPost struct {
	ID                       int64           `db:"id" json:"id"`
	SourceID                 string          `db:"source_id" json:"source_id"`
	SourceEventID            string          `db:"source_event_id" json:"source_event_id"`
	InstagramAccountID       string          `db:"instagram_account_id" json:"instagram_account_id"`
	Title                    string          `db:"title" json:"title"`
	DescriptionHTML          string          `db:"description_html" json:"description_html"`
	StartDatetime            time.Time       `db:"start_datetime" json:"start_datetime"`
	URL                      string          `db:"url" json:"url"`
	ImageURL                 *string         `db:"image_url" json:"image_url"`
	LocalImagePath           *string         `db:"local_image_path" json:"local_image_path"`
	RawPayload               json.RawMessage `db:"raw_payload" json:"raw_payload"`
	ClassificationConfidence *float64        `db:"classification_confidence" json:"classification_confidence"`
	IsEventPoster            *bool           `db:"is_event_poster" json:"is_event_poster"`
	LastUpdatedByRunID       *string         `db:"last_updated_by_run_id" json:"last_updated_by_run_id"`
	ScrapedAt                time.Time       `db:"scraped_at" json:"scraped_at"`
	FirstSeenAt              time.Time       `db:"first_seen_at" json:"first_seen_at"`
	LastSeenAt               time.Time       `db:"last_seen_at" json:"last_seen_at"`
}

// Event is one calendar event derived from a raw post's poster image. A
// single raw post may yield several, keyed "{postId}-event-{index}".
type Event struct {
	ID              int64           `db:"id" json:"id"`
	SourceID        string          `db:"source_id" json:"source_id"`
	SourceEventID   string          `db:"source_event_id" json:"source_event_id"`
	RawPostID       int64           `db:"raw_post_id" json:"raw_post_id"`
	Title           string          `db:"title" json:"title"`
	Description     string          `db:"description" json:"description"`
	StartDatetime   time.Time       `db:"start_datetime" json:"start_datetime"`
	EndDatetime     *time.Time      `db:"end_datetime" json:"end_datetime"`
	Timezone        string          `db:"timezone" json:"timezone"`
	Venue           string          `db:"venue" json:"venue"`
	Organizer       string          `db:"organizer" json:"organizer"`
	Category        string          `db:"category" json:"category"`
	Tags            json.RawMessage `db:"tags" json:"tags"`
	RegistrationURL string          `db:"registration_url" json:"registration_url"`
	RawPayload      json.RawMessage `db:"raw_payload" json:"raw_payload"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// Run is one tracked execution of a scrape or import. Batch runs are parents
// of per-account child runs; a parent's status and counters are always a
// pure function of its children.
type Run struct {
	ID           string          `db:"id" json:"id"`
	SourceID     string          `db:"source_id" json:"source_id"`
	Status       RunStatus       `db:"status" json:"status"`
	ParentRunID  *string         `db:"parent_run_id" json:"parent_run_id"`
	StartedAt    time.Time       `db:"started_at" json:"started_at"`
	FinishedAt   *time.Time      `db:"finished_at" json:"finished_at"`
	EventsFound  int             `db:"events_found" json:"events_found"`
	PagesCrawled int             `db:"pages_crawled" json:"pages_crawled"`
	Metadata     json.RawMessage `db:"metadata" json:"metadata"`
}
