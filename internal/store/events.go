package store

import (
	"fmt"
)

// UpsertEvent inserts a derived event or replaces an existing row with the
// same (source_id, source_event_id). Extraction is authoritative: a re-run
// that produced fresh structured data overwrites the previous derivation.
func (s *Store) UpsertEvent(e *Event) error {
	query := `
	INSERT INTO events (
		source_id, source_event_id, raw_post_id, title, description,
		start_datetime, end_datetime, timezone, venue, organizer,
		category, tags, registration_url, raw_payload
	) VALUES (
		:source_id, :source_event_id, :raw_post_id, :title, :description,
		:start_datetime, :end_datetime, :timezone, :venue, :organizer,
		:category, :tags, :registration_url, :raw_payload
	)
	ON CONFLICT (source_id, source_event_id) DO UPDATE SET
		title            = EXCLUDED.title,
		description      = EXCLUDED.description,
		start_datetime   = EXCLUDED.start_datetime,
		end_datetime     = EXCLUDED.end_datetime,
		timezone         = EXCLUDED.timezone,
		venue            = EXCLUDED.venue,
		organizer        = EXCLUDED.organizer,
		category         = EXCLUDED.category,
		tags             = EXCLUDED.tags,
		registration_url = EXCLUDED.registration_url,
		raw_payload      = EXCLUDED.raw_payload,
		updated_at       = now()
	RETURNING id`

	rows, err := s.db.NamedQuery(query, e)
	if err != nil {
		return fmt.Errorf("error upserting event %s: %w", e.SourceEventID, err)
	}
	defer rows.Close()

	if rows.Next() {
		if err := rows.Scan(&e.ID); err != nil {
			return fmt.Errorf("error scanning event id: %w", err)
		}
	}
	return rows.Err()
}

// EventsForRawPost returns the derived events of one raw post.
func (s *Store) EventsForRawPost(rawPostID int64) ([]Event, error) {
	var events []Event
	query := `SELECT * FROM events WHERE raw_post_id = $1 ORDER BY source_event_id`
	if err := s.db.Select(&events, query, rawPostID); err != nil {
		return nil, fmt.Errorf("error loading events for raw post %d: %w", rawPostID, err)
	}
	return events, nil
}
