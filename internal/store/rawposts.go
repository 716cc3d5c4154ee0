package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// upsertRawPostQuery merges on the natural key. Nullable fields go through
// COALESCE so a write carrying null never clobbers a populated value; the
// merge shape is asserted by a test, keep the clauses intact.
const upsertRawPostQuery = `
	INSERT INTO raw_posts (
		source_id, source_event_id, instagram_account_id, title, description_html,
		start_datetime, url, image_url, local_image_path, raw_payload,
		classification_confidence, is_event_poster, last_updated_by_run_id
	) VALUES (
		:source_id, :source_event_id, :instagram_account_id, :title, :description_html,
		:start_datetime, :url, :image_url, :local_image_path, :raw_payload,
		:classification_confidence, :is_event_poster, :last_updated_by_run_id
	)
	ON CONFLICT (source_id, source_event_id) DO UPDATE SET
		title                     = EXCLUDED.title,
		description_html          = EXCLUDED.description_html,
		start_datetime            = EXCLUDED.start_datetime,
		url                       = EXCLUDED.url,
		image_url                 = COALESCE(EXCLUDED.image_url, raw_posts.image_url),
		local_image_path          = COALESCE(EXCLUDED.local_image_path, raw_posts.local_image_path),
		raw_payload               = raw_posts.raw_payload || EXCLUDED.raw_payload,
		classification_confidence = COALESCE(EXCLUDED.classification_confidence, raw_posts.classification_confidence),
		is_event_poster           = COALESCE(EXCLUDED.is_event_poster, raw_posts.is_event_poster),
		last_updated_by_run_id    = COALESCE(EXCLUDED.last_updated_by_run_id, raw_posts.last_updated_by_run_id),
		scraped_at                = now(),
		last_seen_at              = now()
	RETURNING id`

// UpsertRawPost inserts a raw post or, on conflict with an existing
// (source_id, source_event_id) row, merges into it. The merge keeps existing
// non-null values for any field the new write carries as null, so a retry
// that lacks a previously downloaded image path never regresses the row.
// Bookkeeping timestamps are refreshed on every sighting. The row's ID is
// written back into p.
func (s *Store) UpsertRawPost(p *RawPost) error {
	rows, err := s.db.NamedQuery(upsertRawPostQuery, p)
	if err != nil {
		return fmt.Errorf("error upserting raw post %s: %w", p.SourceEventID, err)
	}
	defer rows.Close()

	if rows.Next() {
		if err := rows.Scan(&p.ID); err != nil {
			return fmt.Errorf("error scanning raw post id: %w", err)
		}
	}
	return rows.Err()
}

// FindRawPost loads one raw post by its natural key, or nil when absent.
func (s *Store) FindRawPost(sourceID, sourceEventID string) (*RawPost, error) {
	var p RawPost
	query := `SELECT * FROM raw_posts WHERE source_id = $1 AND source_event_id = $2`
	err := s.db.Get(&p, query, sourceID, sourceEventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error loading raw post %s/%s: %w", sourceID, sourceEventID, err)
	}
	return &p, nil
}

// SetRawPostLocalImage backfills a missing local image path without touching
// anything else. Used by the importer.
func (s *Store) SetRawPostLocalImage(id int64, localImagePath string) error {
	query := `UPDATE raw_posts SET local_image_path = $2, last_seen_at = now() WHERE id = $1 AND local_image_path IS NULL`
	if _, err := s.db.Exec(query, id, localImagePath); err != nil {
		return fmt.Errorf("error backfilling local image for raw post %d: %w", id, err)
	}
	return nil
}
