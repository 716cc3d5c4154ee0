package instapify

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eventpulse/ig-events-worker/api/types"
)

// actorItem is the loosely-typed shape of one dataset item. The actor has
// shipped several field spellings over time, so every field is optional and
// the converter probes them in preference order.
type actorItem struct {
	ShortCode   string   `json:"shortCode"`
	Code        string   `json:"code"`
	Caption     string   `json:"caption"`
	Timestamp   string   `json:"timestamp"`
	TakenAt     int64    `json:"takenAtTimestamp"`
	TakenAtAlt  int64    `json:"taken_at_timestamp"`
	DisplayURL  string   `json:"displayUrl"`
	ImageURL    string   `json:"imageUrl"`
	Images      []string `json:"images"`
	VideoURL    string   `json:"videoUrl"`
	IsVideo     bool     `json:"isVideo"`
	ProductType string   `json:"productType"`
	Username    string   `json:"username"`
	OwnerUser   string   `json:"ownerUsername"`
	InputURL    string   `json:"inputUrl"`
	URL         string   `json:"url"`
}

// ItemToPost converts one raw dataset item into a normalized Post. It never
// fails: an item without a usable shortcode is dropped (ok=false) and the
// caller moves on.
func ItemToPost(raw json.RawMessage) (types.Post, bool) {
	var item actorItem
	if err := json.Unmarshal(raw, &item); err != nil {
		logrus.Debugf("Dropping unparseable dataset item: %v", err)
		return types.Post{}, false
	}

	shortcode := item.ShortCode
	if shortcode == "" {
		shortcode = item.Code
	}
	if shortcode == "" {
		logrus.Debug("Dropping dataset item without shortcode")
		return types.Post{}, false
	}

	post := types.Post{
		ID:            shortcode,
		Caption:       item.Caption,
		Timestamp:     parseItemTimestamp(item),
		ImageURL:      bestImageURL(item),
		VideoURL:      item.VideoURL,
		IsVideo:       item.IsVideo || item.VideoURL != "",
		Permalink:     permalink(shortcode, item.ProductType),
		OwnerUsername: ownerUsername(item),
	}
	post.Username = post.OwnerUsername
	return post, true
}

// ItemsToPosts converts a dataset batch, dropping items without identity.
func ItemsToPosts(items []json.RawMessage) []types.Post {
	posts := make([]types.Post, 0, len(items))
	for _, item := range items {
		if post, ok := ItemToPost(item); ok {
			posts = append(posts, post)
		}
	}
	return posts
}

func parseItemTimestamp(item actorItem) time.Time {
	if item.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, item.Timestamp); err == nil {
			return ts.UTC()
		}
	}
	if item.TakenAt != 0 {
		return time.Unix(item.TakenAt, 0).UTC()
	}
	if item.TakenAtAlt != 0 {
		return time.Unix(item.TakenAtAlt, 0).UTC()
	}
	return time.Time{}
}

func bestImageURL(item actorItem) string {
	switch {
	case item.DisplayURL != "":
		return item.DisplayURL
	case item.ImageURL != "":
		return item.ImageURL
	case len(item.Images) > 0:
		return item.Images[0]
	}
	return ""
}

// permalink builds the canonical post URL; clips surface under /reel/.
func permalink(shortcode, productType string) string {
	if strings.EqualFold(productType, "clips") {
		return fmt.Sprintf("https://www.instagram.com/reel/%s/", shortcode)
	}
	return fmt.Sprintf("https://www.instagram.com/p/%s/", shortcode)
}

// ownerUsername resolves the account a post belongs to, falling back to the
// last path segment of the input URL when no owner field is present.
func ownerUsername(item actorItem) string {
	if item.OwnerUser != "" {
		return item.OwnerUser
	}
	if item.Username != "" {
		return item.Username
	}
	if item.InputURL != "" {
		trimmed := strings.TrimRight(item.InputURL, "/")
		if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
			return trimmed[idx+1:]
		}
	}
	return ""
}
