package types

import (
	"strings"
	"time"
)

// Post is the normalized representation of one Instagram post as produced by
// the fetch layer. Identity is the shortcode; a post is immutable once
// converted from the provider item.
type Post struct {
	ID            string    `json:"id"`
	Caption       string    `json:"caption"`
	Timestamp     time.Time `json:"timestamp"`
	ImageURL      string    `json:"image_url,omitempty"`
	VideoURL      string    `json:"video_url,omitempty"`
	IsVideo       bool      `json:"is_video"`
	Permalink     string    `json:"permalink"`
	Username      string    `json:"username"`
	OwnerUsername string    `json:"owner_username"`
}

// Title returns the first non-blank caption line, used as the raw-post title.
func (p Post) Title() string {
	for _, line := range strings.Split(p.Caption, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
