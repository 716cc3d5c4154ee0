package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned by lookups whose subject does not exist, so callers
// can distinguish absence from infrastructure failure.
var ErrNotFound = errors.New("not found")

// GetAccount loads one account by ID.
func (s *Store) GetAccount(id string) (*Account, error) {
	var account Account
	query := `SELECT id, name, instagram_username, classification_mode, default_timezone, scraper_type, last_checked_at
	          FROM instagram_accounts WHERE id = $1`
	if err := s.db.Get(&account, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("error loading account %s: %w", id, err)
	}
	return &account, nil
}

// GetAccountByUsername loads one account by its Instagram username,
// case-insensitively. Used by the import path to match dataset items back to
// accounts.
func (s *Store) GetAccountByUsername(username string) (*Account, error) {
	var account Account
	query := `SELECT id, name, instagram_username, classification_mode, default_timezone, scraper_type, last_checked_at
	          FROM instagram_accounts WHERE lower(instagram_username) = lower($1)`
	if err := s.db.Get(&account, query, username); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("account %q: %w", username, ErrNotFound)
		}
		return nil, fmt.Errorf("error loading account by username %q: %w", username, err)
	}
	return &account, nil
}

// KnownPostIDs returns the Instagram post IDs already persisted for an
// account. The batch fetcher uses them as its dedup set.
func (s *Store) KnownPostIDs(accountID string) ([]string, error) {
	var ids []string
	// source_event_id is "instagram-post-{postId}"; strip the prefix.
	query := `SELECT substring(source_event_id FROM length('instagram-post-') + 1)
	          FROM raw_posts WHERE instagram_account_id = $1`
	if err := s.db.Select(&ids, query, accountID); err != nil {
		return nil, fmt.Errorf("error loading known post ids for account %s: %w", accountID, err)
	}
	return ids, nil
}

// UpdateAccountLastChecked stamps the account after a completed scrape.
func (s *Store) UpdateAccountLastChecked(accountID string) error {
	if _, err := s.db.Exec(`UPDATE instagram_accounts SET last_checked_at = now() WHERE id = $1`, accountID); err != nil {
		return fmt.Errorf("error updating last_checked_at for account %s: %w", accountID, err)
	}
	return nil
}
